// Package config provides configuration loading and management for ctslicesto3d.
// It handles loading configuration from YAML files, applies environment
// overrides and provides default values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Orientation values for Processing.Orientation.
const (
	// FootToHead means increasing slice location moves towards the head
	FootToHead = "foot-to-head"
	// HeadToFoot means increasing slice location moves towards the feet
	HeadToFoot = "head-to-foot"
)

// Compression values for Output.Compression.
const (
	CompressionNone = "none"
	CompressionZlib = "zlib"
	CompressionZstd = "zstd"
)

// EnvPrefix is the prefix of environment variables read by ApplyEnv.
const EnvPrefix = "CTS3D_"

// DefaultExcludedPatients lists the cases known to have corrupted source data.
var DefaultExcludedPatients = []string{
	"LIDC-IDRI-0107", "LIDC-IDRI-0123", "LIDC-IDRI-0146",
	"LIDC-IDRI-0340", "LIDC-IDRI-0418", "LIDC-IDRI-0566",
	"LIDC-IDRI-0572", "LIDC-IDRI-0672", "LIDC-IDRI-0979",
}

// Config represents the application configuration loaded from YAML
type Config struct {
	// Input locations
	Input struct {
		// Root is the directory holding one directory per case
		Root string `yaml:"root"`

		// CasePattern selects case directories under Root
		CasePattern string `yaml:"casePattern"`

		// TabularFile is the curated nodule list (CSV)
		TabularFile string `yaml:"tabularFile"`

		// PatientPrefix is prepended to the patient id column of the list
		PatientPrefix string `yaml:"patientPrefix"`
	} `yaml:"input"`

	// Exclusions lists patients that are never processed
	Exclusions struct {
		Patients []string `yaml:"patients"`
	} `yaml:"exclusions"`

	// Processing parameters
	Processing struct {
		// NumCores specifies how many series are processed concurrently
		NumCores int `yaml:"numCores"`

		// Modality is the DICOM modality kept when assembling a volume
		Modality string `yaml:"modality"`

		// Orientation states how slice location relates to anatomy:
		// "foot-to-head" or "head-to-foot". It is not cross-checked
		// against the image orientation tags.
		Orientation string `yaml:"orientation"`
	} `yaml:"processing"`

	// Output parameters
	Output struct {
		// Root is the directory receiving <patient>/<series> locations
		Root string `yaml:"root"`

		// Compression applied to scan.dat: none, zlib or zstd
		Compression string `yaml:"compression"`

		// CompressionLevel is passed to the compressor; 0 means its default
		CompressionLevel int `yaml:"compressionLevel"`

		// Previews enables PNG previews of the orthogonal centre slices
		Previews bool `yaml:"previews"`
	} `yaml:"output"`

	// Logging parameters
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	// Metrics parameters
	Metrics struct {
		// Textfile, when set, receives the batch metrics in the
		// Prometheus text format after each run
		Textfile string `yaml:"textfile"`
	} `yaml:"metrics"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Input.Root = "/data/lidc/LIDC-IDRI"
	cfg.Input.CasePattern = "LIDC-IDRI-*"
	cfg.Input.TabularFile = "./cornell_nodule_size_list.csv"
	cfg.Input.PatientPrefix = "LIDC-IDRI-"

	cfg.Exclusions.Patients = append([]string(nil), DefaultExcludedPatients...)

	cfg.Processing.NumCores = runtime.NumCPU()
	cfg.Processing.Modality = "CT"
	cfg.Processing.Orientation = FootToHead

	cfg.Output.Root = "/data/lidc/LIDC-IDRI_stage1"
	cfg.Output.Compression = CompressionNone

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath == "" {
		return cfg, nil
	}

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}

// ApplyEnv overrides configuration values from the environment. When
// envFile is not empty it is loaded first with godotenv; variables already
// present in the process environment take precedence over the file.
//
// Recognised variables (all prefixed with CTS3D_): INPUT_ROOT, CASE_PATTERN,
// TABULAR_FILE, PATIENT_PREFIX, EXCLUDED_PATIENTS (comma separated),
// NUM_CORES, MODALITY, ORIENTATION, OUTPUT_ROOT, COMPRESSION,
// COMPRESSION_LEVEL, PREVIEWS, LOG_LEVEL, LOG_FORMAT, METRICS_TEXTFILE.
func (c *Config) ApplyEnv(envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("error loading env file %s: %w", envFile, err)
		}
	}

	setString(&c.Input.Root, "INPUT_ROOT")
	setString(&c.Input.CasePattern, "CASE_PATTERN")
	setString(&c.Input.TabularFile, "TABULAR_FILE")
	setString(&c.Input.PatientPrefix, "PATIENT_PREFIX")
	if v, ok := lookup("EXCLUDED_PATIENTS"); ok {
		c.Exclusions.Patients = splitList(v)
	}
	setString(&c.Processing.Modality, "MODALITY")
	setString(&c.Processing.Orientation, "ORIENTATION")
	setString(&c.Output.Root, "OUTPUT_ROOT")
	setString(&c.Output.Compression, "COMPRESSION")
	setString(&c.Logging.Level, "LOG_LEVEL")
	setString(&c.Logging.Format, "LOG_FORMAT")
	setString(&c.Metrics.Textfile, "METRICS_TEXTFILE")

	if err := setInt(&c.Processing.NumCores, "NUM_CORES"); err != nil {
		return err
	}
	if err := setInt(&c.Output.CompressionLevel, "COMPRESSION_LEVEL"); err != nil {
		return err
	}
	if v, ok := lookup("PREVIEWS"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %sPREVIEWS %q: %w", EnvPrefix, v, err)
		}
		c.Output.Previews = b
	}

	return nil
}

// Validate ensures all required configuration is present and valid
func (c *Config) Validate() error {
	if c.Input.Root == "" {
		return errors.New("input root is required")
	}
	if c.Input.TabularFile == "" {
		return errors.New("tabular file is required")
	}
	if c.Output.Root == "" {
		return errors.New("output root is required")
	}
	if c.Processing.NumCores <= 0 {
		return errors.New("numCores must be positive")
	}
	if c.Processing.Modality == "" {
		return errors.New("modality is required")
	}

	switch c.Processing.Orientation {
	case FootToHead, HeadToFoot:
	default:
		return fmt.Errorf("invalid orientation %q: must be %q or %q",
			c.Processing.Orientation, FootToHead, HeadToFoot)
	}

	switch c.Output.Compression {
	case CompressionNone, CompressionZlib, CompressionZstd:
	default:
		return fmt.Errorf("invalid compression %q: must be none, zlib or zstd", c.Output.Compression)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q: must be debug, info, warn or error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log format %q: must be json or console", c.Logging.Format)
	}

	return nil
}

func lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + name)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func setString(dst *string, name string) {
	if v, ok := lookup(name); ok {
		*dst = v
	}
}

func setInt(dst *int, name string) error {
	v, ok := lookup(name)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s%s %q: %w", EnvPrefix, name, v, err)
	}
	*dst = n
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
