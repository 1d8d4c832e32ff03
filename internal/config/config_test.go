package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nixpig/udpjobs/internal/config"
)

const validConfig = `
process:
  id: max_ndvi
  namespace: https://example.com/max_ndvi.json
jobs:
  input: grid.geojson
  output: jobs.csv
fixed_parameters:
  - name: temporal_extent
    value: ["2023-01-01", "2023-12-31"]
  - name: bandNames
    values: [B04, B08]
job_options:
  driver-memory: 2G
poll_interval: 30s
backends:
  - name: cdse
    url: https://openeo.dataspace.copernicus.eu/openeo/1.2
    parallel_jobs: 2
    auth:
      method: oidc
      provider: CDSE
      token_env: CDSE_TOKEN
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "udpjobs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func TestLoad(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, validConfig), nil)
	require.NoError(t, err)

	assert.Equal(t, "max_ndvi", cfg.Process.ID)
	assert.Equal(t, "https://example.com/max_ndvi.json", cfg.Process.DefinitionRef())
	assert.Equal(t, 30*time.Second, cfg.PollInterval)
	assert.Equal(t, 10*time.Second, cfg.GracePeriod)
	assert.True(t, cfg.Jobs.Resume)
	assert.Equal(t, "localhost:8443", cfg.Server.Address)
	assert.Equal(t, map[string]any{"driver-memory": "2G"}, cfg.JobOptions)

	require.Len(t, cfg.Backends, 1)
	assert.Equal(t, 2, cfg.Backends[0].ParallelJobs)
	assert.Equal(t, "CDSE", cfg.Backends[0].Auth.Provider)

	require.Len(t, cfg.FixedParameters, 2)
	assert.Equal(t, "bandNames", cfg.FixedParameters[1].Name)

	mc := cfg.ManagerConfig()
	assert.Equal(t, "max_ndvi", mc.ProcessID)
	assert.Equal(t, "jobs.csv", mc.OutputPath)
	assert.Contains(t, mc.FixedParameters, "temporal_extent")
	assert.Contains(t, mc.FixedParameters, "bandNames")
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("UDPJOBS_SERVER_ADDRESS", "0.0.0.0:9443")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("output", "", "")
	flags.Bool("debug", false, "")
	require.NoError(t, flags.Parse([]string{"--output", "other.csv", "--debug"}))

	cfg, err := config.Load(writeConfig(t, validConfig), flags)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9443", cfg.Server.Address)
	assert.Equal(t, "other.csv", cfg.Jobs.Output)
	assert.True(t, cfg.Debug)
}

func TestLoadInvalid(t *testing.T) {
	scenarios := map[string]string{
		"Missing process id": `
process:
  namespace: https://example.com/p.json
jobs: {input: a.csv, output: b.csv}
backends: [{name: a, url: "https://a.example.com", parallel_jobs: 1}]
`,
		"No backends": `
process: {id: p, namespace: https://example.com/p.json}
jobs: {input: a.csv, output: b.csv}
`,
		"Zero parallel jobs": `
process: {id: p, namespace: https://example.com/p.json}
jobs: {input: a.csv, output: b.csv}
backends: [{name: a, url: "https://a.example.com", parallel_jobs: 0}]
`,
		"Duplicate backend": `
process: {id: p, namespace: https://example.com/p.json}
jobs: {input: a.csv, output: b.csv}
backends:
  - {name: a, url: "https://a.example.com", parallel_jobs: 1}
  - {name: a, url: "https://b.example.com", parallel_jobs: 1}
`,
		"Fixed parameter without value": `
process: {id: p, namespace: https://example.com/p.json}
jobs: {input: a.csv, output: b.csv}
fixed_parameters: [{name: x}]
backends: [{name: a, url: "https://a.example.com", parallel_jobs: 1}]
`,
		"Invalid backend url": `
process: {id: p, namespace: https://example.com/p.json}
jobs: {input: a.csv, output: b.csv}
backends: [{name: a, url: "nope", parallel_jobs: 1}]
`,
		"No input and not resuming": `
process: {id: p, namespace: https://example.com/p.json}
jobs: {output: b.csv, resume: false}
backends: [{name: a, url: "https://a.example.com", parallel_jobs: 1}]
`,
		"Unknown auth method": `
process: {id: p, namespace: https://example.com/p.json}
jobs: {input: a.csv, output: b.csv}
backends: [{name: a, url: "https://a.example.com", parallel_jobs: 1, auth: {method: magic}}]
`,
	}

	for scenario, content := range scenarios {
		t.Run(scenario, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, content), nil)
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	assert.Error(t, err)
}
