// Package config loads the engine configuration.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the engine settings. The zero value is not useful; start
// from Default.
type Config struct {
	// Method selects the tracer backend: "trace", "preload", or empty for
	// the OS default.
	Method string `yaml:"method"`

	// Threads is the worker count for concurrent builds.
	Threads int `yaml:"threads"`

	// IgnorePaths are roots whose contents never participate in
	// invalidation. Recorded accesses under them are discarded.
	IgnorePaths []string `yaml:"ignore_paths"`

	// HistoryDB, when set, enables the run-history store at this path.
	HistoryDB string `yaml:"history_db"`
}

// Default returns the stock configuration.
//
// /tmp is ignored because commands keep scratch files there whose churn says
// nothing about inputs. The loader hint files are ignored because package
// installs touch them and every linked program reads them, which would
// otherwise re-run the whole build.
func Default() Config {
	return Config{
		Threads: 1,
		IgnorePaths: []string{
			"/dev",
			"/proc",
			"/sys",
			"/tmp",
			"/etc/ld.so.cache",
			"/etc/ld.so.preload",
			"/var/run/ld.so.hints",
		},
	}
}

// Load reads a YAML config file over the defaults. Fields absent from the
// file keep their default values.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}
