package protocolstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hanging-protocol-server/internal/domain"
)

const jsonProtocol = `{
  "id": "ct-chest",
  "protocolMatchingRules": [
    {"attribute": "ModalitiesInStudy", "required": true, "constraint": {"contains": "CT"}}
  ],
  "displaySetSelectors": {
    "ct": {"seriesMatchingRules": [{"attribute": "Modality", "constraint": {"equals": "CT"}}]}
  },
  "stages": [
    {"id": "one", "viewportStructure": {"layoutType": "grid", "properties": {"rows": 1, "columns": 1}},
     "viewports": [{"viewportOptions": {}, "displaySets": [{"id": "ct"}]}]}
  ]
}`

const yamlProtocols = `
protocols:
  - id: mr-brain
    priority: 2
    protocolMatchingRules:
      - attribute: StudyDescription
        weight: 3
        constraint:
          containsI: brain
    displaySetSelectors:
      t1:
        seriesMatchingRules:
          - attribute: SeriesDescription
            constraint:
              startsWith: T1
    stages:
      - id: two-up
        viewportStructure:
          properties: {rows: 1, columns: 2}
        viewports:
          - displaySets: [{id: t1}]
          - displaySets: [{id: t1, matchedDisplaySetsIndex: -1}]
`

const tomlProtocols = `
[[protocols]]
id = "xr-chest"
numberOfPriorsReferenced = 1

[[protocols.protocolMatchingRules]]
attribute = "Modality"
required = true
constraint = { equals = "CR" }

[protocols.displaySetSelectors.xr]
seriesMatchingRules = [{ attribute = "NumberOfSeriesRelatedInstances", constraint = { range = [1, 4] } }]

[[protocols.stages]]
id = "single"
viewportStructure = { properties = { rows = 1, columns = 1 } }
viewports = [{ displaySets = [{ id = "xr" }] }]
`

func TestParseProtocols(t *testing.T) {
	t.Run("single JSON protocol", func(t *testing.T) {
		protocols, err := ParseProtocols([]byte(jsonProtocol), FormatJSON)
		require.NoError(t, err)
		require.Len(t, protocols, 1)

		p := protocols[0]
		assert.Equal(t, "ct-chest", p.ID)
		assert.Equal(t, domain.Contains{Value: "CT"}, p.ProtocolMatchingRules[0].Constraint)
		assert.Equal(t, domain.DefaultRuleWeight, p.DisplaySetSelectors["ct"].SeriesMatchingRules[0].Weight)
	})

	t.Run("JSON list", func(t *testing.T) {
		protocols, err := ParseProtocols([]byte("["+jsonProtocol+","+jsonProtocol+"]"), FormatJSON)
		require.NoError(t, err)
		assert.Len(t, protocols, 2)
	})

	t.Run("YAML document", func(t *testing.T) {
		protocols, err := ParseProtocols([]byte(yamlProtocols), FormatYAML)
		require.NoError(t, err)
		require.Len(t, protocols, 1)

		p := protocols[0]
		assert.Equal(t, "mr-brain", p.ID)
		assert.Equal(t, 2, p.Priority)
		assert.Equal(t, 3.0, p.ProtocolMatchingRules[0].Weight)
		assert.Equal(t, domain.Contains{Value: "brain", CaseInsensitive: true}, p.ProtocolMatchingRules[0].Constraint)
		assert.Equal(t, domain.StartsWith{Value: "T1"}, p.DisplaySetSelectors["t1"].SeriesMatchingRules[0].Constraint)
		assert.Equal(t, -1, p.Stages[0].Viewports[1].DisplaySets[0].MatchedDisplaySetsIndex)
	})

	t.Run("TOML document", func(t *testing.T) {
		protocols, err := ParseProtocols([]byte(tomlProtocols), FormatTOML)
		require.NoError(t, err)
		require.Len(t, protocols, 1)

		p := protocols[0]
		assert.Equal(t, "xr-chest", p.ID)
		assert.Equal(t, 1, p.NumberOfPriorsReferenced)
		assert.True(t, p.ProtocolMatchingRules[0].Required)
		assert.Equal(t, domain.Range{Min: 1, Max: 4}, p.DisplaySetSelectors["xr"].SeriesMatchingRules[0].Constraint)
		assert.Equal(t, 1, p.Stages[0].ViewportStructure.Properties.Rows)
	})

	t.Run("bad constraint", func(t *testing.T) {
		_, err := ParseProtocols([]byte(`{"id":"x","protocolMatchingRules":[{"attribute":"a","constraint":{"near":1}}]}`), FormatJSON)
		assert.Error(t, err)
	})

	t.Run("empty document", func(t *testing.T) {
		protocols, err := ParseProtocols([]byte("  "), FormatJSON)
		require.NoError(t, err)
		assert.Empty(t, protocols)
	})
}

func TestLoadPath(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yaml"), []byte(yamlProtocols), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.json"), []byte(jsonProtocol), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "c.toml"), []byte(tomlProtocols), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# notes"), 0644))

	protocols, err := LoadPath(dir)
	require.NoError(t, err)

	var ids []string
	for _, p := range protocols {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []string{"ct-chest", "mr-brain", "xr-chest"}, ids)

	single, err := LoadPath(filepath.Join(dir, "a.json"))
	require.NoError(t, err)
	assert.Len(t, single, 1)

	_, err = LoadPath(filepath.Join(dir, "missing"))
	assert.Error(t, err)

	_, err = LoadFile(filepath.Join(dir, "README.md"))
	assert.Error(t, err)
}
