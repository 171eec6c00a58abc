package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the edgegen configuration file
// (~/.config/edgegen/config.yaml). Numeric fields are pointers so an absent
// key is distinguishable from an explicit zero.
type Config struct {
	// Sampling defaults
	Sampler     string   `yaml:"sampler"`
	Temperature *float64 `yaml:"temperature"`
	TopK        *int64   `yaml:"top_k"`
	TopP        *float64 `yaml:"top_p"`
	Seed        *int64   `yaml:"seed"`

	// Generation defaults
	Steps   *int64 `yaml:"steps"`
	Threads *int64 `yaml:"threads"`

	// Paths
	WeightCache string `yaml:"weight_cache"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "edgegen", "config.yaml")
}

// applyConfig applies config file defaults wherever the corresponding CLI
// flag was not explicitly set.
func applyConfig(c *cli.Command, cfg Config) {
	if cfg.Sampler != "" && !c.IsSet("sampler") {
		samplerKind = cfg.Sampler
	}
	if cfg.Temperature != nil && !c.IsSet("temp") {
		temp = *cfg.Temperature
	}
	if cfg.TopK != nil && !c.IsSet("topk") {
		topK = *cfg.TopK
	}
	if cfg.TopP != nil && !c.IsSet("topp") {
		topP = *cfg.TopP
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		seed = *cfg.Seed
	}
	if cfg.Steps != nil && !c.IsSet("steps") {
		steps = *cfg.Steps
	}
	if cfg.Threads != nil && !c.IsSet("threads") {
		threads = *cfg.Threads
	}
	if cfg.WeightCache != "" && !c.IsSet("weight-cache") {
		weightCache = cfg.WeightCache
	}
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// loadConfig reads the config file at path, falling back to the per-user
// default location. A missing or unreadable file yields a zero Config.
func loadConfig(path string) Config {
	if path == "" {
		path = configPath()
	}
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}
