package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "CT", cfg.Processing.Modality)
	assert.Equal(t, FootToHead, cfg.Processing.Orientation)
	assert.Equal(t, CompressionNone, cfg.Output.Compression)
	assert.Positive(t, cfg.Processing.NumCores)
	assert.Len(t, cfg.Exclusions.Patients, 9)
	require.NoError(t, cfg.Validate())

	// The default exclusion list must not alias the package variable.
	cfg.Exclusions.Patients[0] = "changed"
	assert.Equal(t, "LIDC-IDRI-0107", DefaultExcludedPatients[0])
}

func TestLoadConfig_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Input.CasePattern, cfg.Input.CasePattern)
}

func TestSaveAndLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.Input.Root = "/in"
	cfg.Output.Root = "/out"
	cfg.Output.Compression = CompressionZstd
	cfg.Output.CompressionLevel = 3
	cfg.Processing.NumCores = 2
	require.NoError(t, SaveConfig(cfg, path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/in", loaded.Input.Root)
	assert.Equal(t, "/out", loaded.Output.Root)
	assert.Equal(t, CompressionZstd, loaded.Output.Compression)
	assert.Equal(t, 3, loaded.Output.CompressionLevel)
	assert.Equal(t, 2, loaded.Processing.NumCores)
}

func TestLoadConfig_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("output:\n  root: /elsewhere\n"), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/elsewhere", cfg.Output.Root)
	assert.Equal(t, "CT", cfg.Processing.Modality)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("input: [unclosed"), 0644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("CTS3D_OUTPUT_ROOT", "/env/out")
	t.Setenv("CTS3D_NUM_CORES", "3")
	t.Setenv("CTS3D_EXCLUDED_PATIENTS", "A, B,,C")
	t.Setenv("CTS3D_PREVIEWS", "true")

	cfg := DefaultConfig()
	require.NoError(t, cfg.ApplyEnv(""))

	assert.Equal(t, "/env/out", cfg.Output.Root)
	assert.Equal(t, 3, cfg.Processing.NumCores)
	assert.Equal(t, []string{"A", "B", "C"}, cfg.Exclusions.Patients)
	assert.True(t, cfg.Output.Previews)
}

func TestApplyEnv_EnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("CTS3D_COMPRESSION=zlib\nCTS3D_LOG_LEVEL=debug\n"), 0644))
	t.Cleanup(func() {
		os.Unsetenv("CTS3D_COMPRESSION")
		os.Unsetenv("CTS3D_LOG_LEVEL")
	})

	cfg := DefaultConfig()
	require.NoError(t, cfg.ApplyEnv(path))
	assert.Equal(t, CompressionZlib, cfg.Output.Compression)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestApplyEnv_InvalidInt(t *testing.T) {
	t.Setenv("CTS3D_NUM_CORES", "many")

	cfg := DefaultConfig()
	assert.Error(t, cfg.ApplyEnv(""))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty input root", func(c *Config) { c.Input.Root = "" }},
		{"empty tabular file", func(c *Config) { c.Input.TabularFile = "" }},
		{"empty output root", func(c *Config) { c.Output.Root = "" }},
		{"zero cores", func(c *Config) { c.Processing.NumCores = 0 }},
		{"empty modality", func(c *Config) { c.Processing.Modality = "" }},
		{"bad orientation", func(c *Config) { c.Processing.Orientation = "sideways" }},
		{"bad compression", func(c *Config) { c.Output.Compression = "gzip" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "trace" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
