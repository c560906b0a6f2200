// Package config provides configuration loading and management for volpatch.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"volpatch/internal/logger"
	"volpatch/pkg/sampler"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Patch queue parameters
	Queue struct {
		// Length is the maximum number of patches held in the buffer
		Length int `yaml:"length"`

		// SamplesPerVolume is the number of patches drawn from each subject
		SamplesPerVolume int `yaml:"samplesPerVolume"`

		// NumWorkers is the number of loader goroutines, 0 loads inline
		NumWorkers int `yaml:"numWorkers"`

		// ShuffleSubjects visits subjects in a new order every epoch
		ShuffleSubjects bool `yaml:"shuffleSubjects"`

		// Epochs is the number of passes made by the train command
		Epochs int `yaml:"epochs"`

		// BatchSize is the number of patches taken per training step
		BatchSize int `yaml:"batchSize"`
	} `yaml:"queue"`

	// Patch geometry in voxels, ordered x, y, z
	Patch struct {
		Size    [3]int `yaml:"size,flow"`
		Overlap [3]int `yaml:"overlap,flow"`
	} `yaml:"patch"`

	// Random sampler parameters
	Sampler struct {
		// Type is one of uniform, label or label+uniform
		Type string `yaml:"type"`

		// LabelChannel names the label image; empty uses the first one
		LabelChannel string `yaml:"labelChannel"`

		// ForegroundValue restricts foreground to one label value; nil means
		// any non-zero voxel
		ForegroundValue *float64 `yaml:"foregroundValue,omitempty"`

		// Seed makes sampling reproducible; 0 picks a random seed
		Seed uint64 `yaml:"seed"`
	} `yaml:"sampler"`

	// Grid aggregation parameters
	Aggregator struct {
		// Sentinel is written to voxels no patch covered; nil makes an
		// incomplete reconstruction an error
		Sentinel *float64 `yaml:"sentinel,omitempty"`
	} `yaml:"aggregator"`

	// Dataset location
	Dataset struct {
		// Root holds one directory per subject
		Root string `yaml:"root"`

		// LabelChannels are the channel directories loaded as label maps
		LabelChannels []string `yaml:"labelChannels"`
	} `yaml:"dataset"`

	// Output parameters
	Output struct {
		// Verbose switches the log level to debug
		Verbose bool `yaml:"verbose"`

		// LogLevel is debug, info, warn or error
		LogLevel string `yaml:"logLevel"`

		// LogFormat is text or json
		LogFormat string `yaml:"logFormat"`

		// MetricsAddr serves Prometheus metrics when set, e.g. ":9090"
		MetricsAddr string `yaml:"metricsAddr"`

		// SlicesDir receives JPEG slices of reconstructions when set
		SlicesDir string `yaml:"slicesDir"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Queue.Length = 300
	cfg.Queue.SamplesPerVolume = 10
	cfg.Queue.NumWorkers = runtime.NumCPU()
	cfg.Queue.ShuffleSubjects = true
	cfg.Queue.Epochs = 1
	cfg.Queue.BatchSize = 4

	cfg.Patch.Size = [3]int{32, 32, 32}
	cfg.Patch.Overlap = [3]int{4, 4, 4}

	cfg.Sampler.Type = string(sampler.KindUniform)

	cfg.Dataset.Root = "data"
	cfg.Dataset.LabelChannels = []string{"label"}

	cfg.Output.LogLevel = "info"
	cfg.Output.LogFormat = "text"

	return cfg
}

// Validate checks values that cannot be caught by the YAML decoder
func (c *Config) Validate() error {
	if c.Queue.Length <= 0 {
		return fmt.Errorf("queue.length must be positive, got %d", c.Queue.Length)
	}
	if c.Queue.SamplesPerVolume <= 0 {
		return fmt.Errorf("queue.samplesPerVolume must be positive, got %d", c.Queue.SamplesPerVolume)
	}
	if c.Queue.NumWorkers < 0 {
		return fmt.Errorf("queue.numWorkers must not be negative, got %d", c.Queue.NumWorkers)
	}
	if c.Queue.Epochs <= 0 {
		return fmt.Errorf("queue.epochs must be positive, got %d", c.Queue.Epochs)
	}
	if c.Queue.BatchSize <= 0 {
		return fmt.Errorf("queue.batchSize must be positive, got %d", c.Queue.BatchSize)
	}

	for i := 0; i < 3; i++ {
		if c.Patch.Size[i] <= 0 {
			return fmt.Errorf("patch.size %v must be positive on every axis", c.Patch.Size)
		}
		if c.Patch.Overlap[i] < 0 || c.Patch.Overlap[i] >= c.Patch.Size[i] {
			return fmt.Errorf("patch.overlap %v must be in [0, size) on every axis", c.Patch.Overlap)
		}
	}

	switch sampler.Kind(c.Sampler.Type) {
	case sampler.KindUniform, sampler.KindLabel, sampler.KindLabelOrUniform:
	default:
		return fmt.Errorf("unknown sampler.type %q", c.Sampler.Type)
	}

	if _, err := logger.ParseLevel(c.Output.LogLevel); err != nil {
		return fmt.Errorf("output.logLevel: %w", err)
	}
	switch c.Output.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown output.logFormat %q", c.Output.LogFormat)
	}

	return nil
}

// SamplerOptions converts the sampler section to sampler options
func (c *Config) SamplerOptions() []sampler.Option {
	var opts []sampler.Option
	if c.Sampler.Seed != 0 {
		opts = append(opts, sampler.WithSeed(c.Sampler.Seed))
	}
	if c.Sampler.LabelChannel != "" {
		opts = append(opts, sampler.WithLabelChannel(c.Sampler.LabelChannel))
	}
	if c.Sampler.ForegroundValue != nil {
		opts = append(opts, sampler.WithForegroundValue(*c.Sampler.ForegroundValue))
	}
	return opts
}

// Logger returns the logger settings of the output section
func (c *Config) Logger() logger.Config {
	level := c.Output.LogLevel
	if c.Output.Verbose {
		level = "debug"
	}
	return logger.Config{Level: level, Format: c.Output.LogFormat}
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

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

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
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
	return SaveConfig(DefaultConfig(), configPath)
}
