// Package config holds contextd's process-wide configuration and the
// generic apiVersion/kind/metadata/spec manifest shape `contextd apply -f`
// reads, adapted directly from the teacher's cmd/warren WarrenResource.
package config

import (
	"fmt"
	"os"

	"github.com/agentrun/contextd/pkg/atomicfile"
	"gopkg.in/yaml.v3"
)

// Config holds the five options spec.md §6 recognizes.
type Config struct {
	RunsRoot       string                `yaml:"runs_root"`
	TokenBudget    int                   `yaml:"token_budget"`
	PinnedMax      int                   `yaml:"pinned_max"`
	LedgerLockMode atomicfile.LockMode   `yaml:"ledger_lock_mode"`
	TestMode       bool                  `yaml:"test_mode"`
}

// Default returns the defaults spec.md §6 names.
func Default() Config {
	return Config{
		RunsRoot:       "./runs",
		TokenBudget:    8192,
		PinnedMax:      32,
		LedgerLockMode: atomicfile.LockAdvisory,
		TestMode:       false,
	}
}

// Load reads a YAML config file over the defaults; fields absent from the
// file keep their default value.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Manifest is the generic apply-manifest shape, mirroring the teacher's
// cmd/warren WarrenResource: an envelope whose Kind selects how Spec is
// interpreted, letting `contextd apply -f` accept a "Run" manifest today
// and new kinds later without changing the envelope.
type Manifest struct {
	APIVersion string                 `yaml:"apiVersion"`
	Kind       string                 `yaml:"kind"`
	Metadata   ManifestMetadata       `yaml:"metadata"`
	Spec       map[string]interface{} `yaml:"spec"`
}

// ManifestMetadata names the resource an apply manifest describes.
type ManifestMetadata struct {
	Name   string            `yaml:"name"`
	Labels map[string]string `yaml:"labels,omitempty"`
}

// LoadManifest parses an apply-manifest YAML file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read manifest %s: %w", path, err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("config: parse manifest %s: %w", path, err)
	}
	return &m, nil
}

// GetString reads a string field from a manifest spec with a fallback.
func GetString(spec map[string]interface{}, key, fallback string) string {
	if v, ok := spec[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return fallback
}

// GetInt reads an integer field from a manifest spec with a fallback.
func GetInt(spec map[string]interface{}, key string, fallback int) int {
	if v, ok := spec[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case float64:
			return int(n)
		}
	}
	return fallback
}

// GetStringSlice reads a string-list field from a manifest spec.
func GetStringSlice(spec map[string]interface{}, key string) []string {
	v, ok := spec[key]
	if !ok {
		return nil
	}
	raw, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
