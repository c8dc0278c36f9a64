package setup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/hanging-protocol-server/internal/config"
	"github.com/hanging-protocol-server/internal/domain"
	"github.com/hanging-protocol-server/internal/protocolstore"
	"github.com/hanging-protocol-server/internal/service"
	"github.com/hanging-protocol-server/pkg/dicomfile"
)

type loggerKey struct{}

// NewRootCommand builds the hpctl command tree. Commands that touch the
// protocol store use the lite configuration (HP_DATA_DIR, HP_DATABASE_URL).
func NewRootCommand() *cobra.Command {
	var logLevel string

	root := &cobra.Command{
		Use:          "hpctl",
		Short:        "Manage and test hanging protocols",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := config.NewLogger(domain.LoggingConfig{Level: logLevel, Format: "text", Output: "stderr"})
			if err != nil {
				return err
			}
			cmd.SetContext(context.WithValue(cmd.Context(), loggerKey{}, logger))
			return nil
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level: debug, info, warn, error")

	root.AddCommand(newValidateCmd())
	root.AddCommand(newImportCmd())
	root.AddCommand(newExportCmd())
	root.AddCommand(newMatchCmd())
	root.AddCommand(NewSetupCommand("lite"))
	return root
}

func loggerFrom(ctx context.Context) *logrus.Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(loggerKey{}).(*logrus.Logger); ok {
			return logger
		}
	}
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.WarnLevel)
	return logger
}

// openRegistry opens the lite protocol store and loads its registry.
func openRegistry(ctx context.Context) (*protocolstore.Registry, func(), error) {
	cfg := config.LoadLiteConfig()
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	backend, err := protocolstore.OpenBackend(cfg.DatabaseURL, cfg.ProtocolDBPath())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open protocol store: %w", err)
	}
	registry := protocolstore.NewRegistry(backend, loggerFrom(ctx))
	if err := registry.Load(ctx); err != nil {
		backend.Close()
		return nil, nil, err
	}
	return registry, func() { backend.Close() }, nil
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file|dir>",
		Short: "Check protocol definition files without importing them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			protocols, err := protocolstore.LoadPath(args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			invalid := 0
			for _, p := range protocols {
				p.Normalize(uuid.NewString)
				problems := domain.ValidationProblems(p.Validate())
				if len(problems) == 0 {
					fmt.Fprintf(out, "ok       %s (%d stages)\n", p.ID, len(p.Stages))
					continue
				}
				invalid++
				fmt.Fprintf(out, "invalid  %s\n", p.ID)
				for _, problem := range problems {
					fmt.Fprintf(out, "         %s: %s\n", problem.Field, problem.Message)
				}
			}

			if invalid > 0 {
				return fmt.Errorf("%d of %d protocols are invalid", invalid, len(protocols))
			}
			fmt.Fprintf(out, "%d protocols valid\n", len(protocols))
			return nil
		},
	}
}

func newImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file|dir>",
		Short: "Import protocol definitions into the protocol store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, closeStore, err := openRegistry(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()

			imported, skipped, err := registry.ImportPath(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d, skipped %d existing\n", imported, skipped)
			return nil
		},
	}
}

func newExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export [file]",
		Short: "Export every stored protocol as JSON",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, closeStore, err := openRegistry(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()

			if len(args) == 0 {
				return registry.ExportJSON(cmd.OutOrStdout())
			}

			f, err := os.Create(args[0])
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", args[0], err)
			}
			defer f.Close()
			if err := registry.ExportJSON(f); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported protocols to %s\n", args[0])
			return nil
		},
	}
}

type matchOpts struct {
	studiesFile string
	dicomDir    string
	studyUID    string
	protocolID  string
	stageID     string
	maxPriors   int
}

func newMatchCmd() *cobra.Command {
	var opts matchOpts

	cmd := &cobra.Command{
		Use:   "match",
		Short: "Run a matching pass against stored protocols and print the result",
		Example: `  hpctl match --studies request.json
  hpctl match --dicom-dir ./exam --study-uid 1.2.840.113619.2.55.3`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMatch(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.studiesFile, "studies", "", "JSON file holding a match request or a list of studies")
	cmd.Flags().StringVar(&opts.dicomDir, "dicom-dir", "", "directory of DICOM files to build studies from")
	cmd.Flags().StringVar(&opts.studyUID, "study-uid", "", "active study within --dicom-dir; the newest study when empty")
	cmd.Flags().StringVar(&opts.protocolID, "protocol", "", "protocol to apply instead of matching")
	cmd.Flags().StringVar(&opts.stageID, "stage", "", "stage to show")
	cmd.Flags().IntVar(&opts.maxPriors, "max-priors", 3, "priors to include from --dicom-dir; negative skips priors")
	cmd.MarkFlagsMutuallyExclusive("studies", "dicom-dir")
	cmd.MarkFlagsOneRequired("studies", "dicom-dir")
	return cmd
}

func runMatch(cmd *cobra.Command, opts matchOpts) error {
	ctx := cmd.Context()
	logger := loggerFrom(ctx)

	var req *domain.MatchRequest
	var err error
	if opts.studiesFile != "" {
		req, err = readMatchRequest(opts.studiesFile)
	} else {
		req, err = loadDICOMRequest(ctx, opts, logger)
	}
	if err != nil {
		return err
	}
	if opts.protocolID != "" {
		req.ProtocolID = opts.protocolID
	}
	if opts.stageID != "" {
		req.StageID = opts.stageID
	}

	registry, closeStore, err := openRegistry(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	result := service.NewEngine(registry, logger).Match(req)
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}

// readMatchRequest reads a match request document or a bare list of
// studies whose first entry is the active study.
func readMatchRequest(path string) (*domain.MatchRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	data = bytes.TrimSpace(data)

	req := &domain.MatchRequest{}
	if len(data) > 0 && data[0] == '[' {
		err = json.Unmarshal(data, &req.Studies)
	} else {
		err = json.Unmarshal(data, req)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", filepath.Base(path), err)
	}
	if len(req.Studies) == 0 {
		return nil, fmt.Errorf("%s holds no studies", filepath.Base(path))
	}
	return req, nil
}

func loadDICOMRequest(ctx context.Context, opts matchOpts, logger *logrus.Logger) (*domain.MatchRequest, error) {
	source, err := dicomfile.OpenDirectory(ctx, opts.dicomDir, logger)
	if err != nil {
		return nil, err
	}

	uid := opts.studyUID
	if uid == "" {
		studies := source.Studies()
		if len(studies) == 0 {
			return nil, fmt.Errorf("no DICOM studies found in %s", opts.dicomDir)
		}
		uid = studies[0].StudyInstanceUID
	}
	return service.LoadStudies(ctx, source, uid, opts.maxPriors, logger)
}

// NewSetupCommand builds the commands registering a server with Claude
// Desktop. serverType is "lite" or "full".
func NewSetupCommand(serverType string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Register the MCP server with Claude Desktop",
	}
	cmd.AddCommand(newClaudeDesktopCmd(serverType))
	cmd.AddCommand(newStatusCmd())
	return cmd
}

func newClaudeDesktopCmd(serverType string) *cobra.Command {
	opts := SetupOptions{ServerType: serverType}

	cmd := &cobra.Command{
		Use:   "claude-desktop",
		Short: "Add or update the server entry in the Claude Desktop config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, err := ConfigureClaudeDesktop(opts)
			if err != nil {
				return fmt.Errorf("failed to configure Claude Desktop: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Registered %q in %s\n", ServerName, configPath)
			fmt.Fprintln(out, "Restart Claude Desktop to load the new configuration.")
			return nil
		},
	}
	cmd.Flags().StringVarP(&opts.BinaryPath, "binary", "b", "", "server binary; detected when empty")
	cmd.Flags().StringVar(&opts.ConfigPath, "config", "", "Claude Desktop config file; detected when empty")
	cmd.Flags().StringVarP(&opts.DataDir, "data-dir", "d", "", "data directory of the lite server")
	cmd.Flags().StringVar(&opts.ProtocolsDir, "protocols-dir", "", "protocol definitions imported at startup")
	cmd.Flags().StringVar(&opts.DICOMwebURL, "dicomweb-url", "", "QIDO-RS base URL")
	cmd.Flags().StringVar(&opts.DICOMDir, "dicom-dir", "", "directory of DICOM files")
	return cmd
}

func newStatusCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the Claude Desktop registration and data directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			printStatus(cmd.OutOrStdout(), GetStatus(configPath))
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Claude Desktop config file; detected when empty")
	return cmd
}

func printStatus(out io.Writer, status *Status) {
	mark := func(ok bool) string {
		if ok {
			return "yes"
		}
		return "no"
	}

	fmt.Fprintf(out, "Claude Desktop config: %s\n", status.ClaudeDesktopPath)
	fmt.Fprintf(out, "Registered:            %s\n", mark(status.ClaudeDesktopConfigured))
	if status.ServerPath != "" {
		fmt.Fprintf(out, "Server binary:         %s\n", status.ServerPath)
	}
	fmt.Fprintf(out, "Data directory:        %s\n", status.DataDir)
	fmt.Fprintf(out, "Protocol store:        %s\n", mark(status.ProtocolDBPresent))
	for _, issue := range status.Issues {
		fmt.Fprintf(out, "warning: %s\n", issue)
	}
	fmt.Fprintf(out, "checked at %s\n", time.Now().Format(time.RFC3339))
}
