// Package config loads the ambient configuration for the State & Store
// Engine: root path layout, slot pool size, retention policy, and the
// signature-verification gate. Configuration is YAML, parsed with
// gopkg.in/yaml.v3 via yaml.NewDecoder over a byte buffer.
package config

import (
	"bytes"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// LivePrefixMode selects how the live prefix is realized on disk.
type LivePrefixMode string

const (
	// LivePrefixSymlink makes "live" a symlink to the active slot. Portable,
	// requires no special privileges, and is the only mode this build
	// implements.
	LivePrefixSymlink LivePrefixMode = "symlink"

	// LivePrefixBindMount would bind-mount the active slot over "live". Left
	// as a named option so the config surface is forward-declared for it;
	// Validate rejects it as not implemented in this build.
	LivePrefixBindMount LivePrefixMode = "bind-mount"
)

// Retention controls how many historical states GC's pruning sweep keeps.
// This is a collaborator-tunable policy; SSE itself only exposes prune/
// unprune and GC primitives.
type Retention struct {
	// MaxAge deletes states already marked pruned once they are older than
	// this, never touching the active state or states reachable from it via
	// the parent chain up to MaxDepth. States not marked pruned are never
	// deleted.
	MaxAge time.Duration `yaml:"max_age"`

	// MaxDepth bounds how far back the parent chain is walked when deciding
	// what "reachable from active" means for retention purposes.
	MaxDepth int `yaml:"max_depth"`

	// MaxCount: once this many states (newest first) have been kept, further
	// unprotected pruned states are deleted regardless of age; states not
	// marked pruned still count as kept and are never deleted, so more than
	// MaxCount states can remain. 0 means unlimited.
	MaxCount int `yaml:"max_count"`
}

// Config is the full engine configuration.
type Config struct {
	// Root is the base directory containing state.sqlite, journal, store/,
	// slots/, and live.
	Root string `yaml:"root"`

	// SlotCount is N in slots/0..N-1. Must be >= 3 (active + one staging +
	// one rollback headroom).
	SlotCount int `yaml:"slot_count"`

	// LivePrefixMode selects the live-prefix realization strategy.
	LivePrefixMode LivePrefixMode `yaml:"live_prefix_mode"`

	// RequireSignedPackages is loaded from the config file, but no component
	// of the engine reads it: packages are accepted and staged whether or not
	// they are signed.
	RequireSignedPackages bool `yaml:"require_signed_packages"`

	Retention Retention `yaml:"retention"`
}

// Default returns the engine's built-in defaults.
func Default(root string) Config {
	return Config{
		Root:           root,
		SlotCount:      4,
		LivePrefixMode: LivePrefixSymlink,
		Retention: Retention{
			MaxAge:   30 * 24 * time.Hour,
			MaxDepth: 50,
			MaxCount: 0,
		},
	}
}

// Load parses YAML configuration from data, filling unset fields from
// Default(root).
func Load(root string, data []byte) (Config, error) {
	cfg := Default(root)

	dec := yaml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the invariants the engine requires of the configuration.
func (c Config) Validate() error {
	if c.Root == "" {
		return fmt.Errorf("config: root path must not be empty")
	}
	if c.SlotCount < 3 {
		return fmt.Errorf("config: slot_count must be >= 3 (active + staging + rollback headroom), got %d", c.SlotCount)
	}
	switch c.LivePrefixMode {
	case LivePrefixSymlink:
	case LivePrefixBindMount:
		return fmt.Errorf("config: live_prefix_mode %q is not implemented in this build", c.LivePrefixMode)
	default:
		return fmt.Errorf("config: unknown live_prefix_mode %q", c.LivePrefixMode)
	}
	if c.Retention.MaxDepth < 0 {
		return fmt.Errorf("config: retention.max_depth must be >= 0")
	}
	if c.Retention.MaxCount < 0 {
		return fmt.Errorf("config: retention.max_count must be >= 0")
	}
	return nil
}
