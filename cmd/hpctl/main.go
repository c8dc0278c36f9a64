// Command hpctl validates, imports, exports and test-matches hanging
// protocols against the lite protocol store.
package main

import (
	"os"

	"github.com/hanging-protocol-server/internal/setup"
)

func main() {
	if err := setup.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
