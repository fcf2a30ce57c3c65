// Package config implements YAML-loadable configuration for a container
// and its stores: struct tags consumed by gopkg.in/yaml.v3, a
// Default*Config constructor, and a thin environment-override pass
// applied after decoding.
package config

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// StoreSpec configures one store.Engine at registration time.
type StoreSpec struct {
	Name               string `yaml:"name"`
	TrackOriginalValue bool   `yaml:"trackOriginalValue"`
	CheckViewsOnCommit bool   `yaml:"checkViewsOnCommit"`
	DirtyCheck         bool   `yaml:"dirtyCheck"`
	// Compression names the serializing adapter's compression algorithm
	// for this store, one of "none", "snappy", "lz4", "zstd". Empty
	// means the store does not use the serializing adapter at all.
	Compression string `yaml:"compression"`
}

// ContainerConfig configures a container and the stores it should
// register at startup.
type ContainerConfig struct {
	LogLevel  string      `yaml:"logLevel" env:"JACIS_LOG_LEVEL"`
	RetryMax  int         `yaml:"retryMax" env:"JACIS_RETRY_MAX"`
	Stores    []StoreSpec `yaml:"stores"`
}

// DefaultContainerConfig returns a ContainerConfig with the defaults a
// fresh container should use absent any YAML file.
func DefaultContainerConfig() ContainerConfig {
	return ContainerConfig{
		LogLevel: "info",
		RetryMax: 3,
	}
}

// Load decodes a ContainerConfig from r, starting from
// DefaultContainerConfig and overriding with whatever fields are present,
// then applying environment overrides.
func Load(r io.Reader) (ContainerConfig, error) {
	cfg := DefaultContainerConfig()
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return ContainerConfig{}, fmt.Errorf("config: decode: %w", err)
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

// LoadFile is a convenience wrapper around Load for a path on disk.
func LoadFile(path string) (ContainerConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return ContainerConfig{}, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()
	return Load(f)
}

// applyEnvOverrides overrides the two fields worth setting outside a
// checked-in YAML file: log verbosity and the default retry budget.
func applyEnvOverrides(cfg *ContainerConfig) {
	if v, ok := os.LookupEnv("JACIS_LOG_LEVEL"); ok && v != "" {
		cfg.LogLevel = v
	}
	if v, ok := os.LookupEnv("JACIS_RETRY_MAX"); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RetryMax = n
		}
	}
}
