package cli

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk shape of a trackingproc deployment, loaded via
// the root command's --config flag. Grounded on internal/cli.Config's
// nested-struct-with-yaml-tags layout, re-targeted from worker/WAL/
// snapshot/metrics sections to processor/token-store/metrics/snapshot
// ones.
type Config struct {
	Processor struct {
		Name                string `yaml:"name"`
		MaxThreadCount      int    `yaml:"max_thread_count"`
		InitialSegmentCount int    `yaml:"initial_segment_count"`
		BatchSize           int    `yaml:"batch_size"`
	} `yaml:"processor"`

	TokenStore struct {
		Dir                 string `yaml:"dir"`
		ClaimTimeoutSeconds int    `yaml:"claim_timeout_seconds"`
	} `yaml:"token_store"`

	Snapshot struct {
		IntervalSeconds int `yaml:"interval_seconds"`
	} `yaml:"snapshot"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`
}

func (c Config) claimTimeout() time.Duration {
	if c.TokenStore.ClaimTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.TokenStore.ClaimTimeoutSeconds) * time.Second
}

func (c Config) snapshotInterval() time.Duration {
	if c.Snapshot.IntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Snapshot.IntervalSeconds) * time.Second
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	if cfg.Processor.Name == "" {
		cfg.Processor.Name = "trackingproc"
	}
	if cfg.Processor.MaxThreadCount <= 0 {
		cfg.Processor.MaxThreadCount = 4
	}
	if cfg.Processor.InitialSegmentCount <= 0 {
		cfg.Processor.InitialSegmentCount = 1
	}
	if cfg.Processor.BatchSize <= 0 {
		cfg.Processor.BatchSize = 50
	}
	if cfg.TokenStore.Dir == "" {
		cfg.TokenStore.Dir = "data/tokens"
	}

	return &cfg, nil
}
