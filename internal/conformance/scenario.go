// Package conformance runs end-to-end scenarios against a real
// internal/engine.Engine, asserting that package content actually lands
// under the live prefix, rollback restores prior content byte-for-byte,
// and GC never reclaims something a live state still references. YAML
// scenario definitions via gopkg.in/yaml.v3, golden trace comparison via
// github.com/sebdah/goldie/v2. Every step drives the real transition
// engine, not manufactured results.
package conformance

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario is one end-to-end test case: a sequence of operations against a
// fresh engine, followed by assertions on the final observable state.
type Scenario struct {
	Name        string      `yaml:"name"`
	Description string      `yaml:"description"`
	Steps       []Step      `yaml:"steps"`
	Assertions  []Assertion `yaml:"assertions"`
}

// Step is one operation in a scenario's timeline.
type Step struct {
	// Op is one of "install", "upgrade", "uninstall", "rollback", "gc".
	Op string `yaml:"op"`

	// Packages is the desired package set for install/upgrade.
	Packages []PackageSpec `yaml:"packages,omitempty"`

	// Remove names packages to drop for uninstall.
	Remove []string `yaml:"remove,omitempty"`

	// ToStep is the 0-based index of the earlier step whose resulting state
	// a rollback step should target.
	ToStep int `yaml:"to_step,omitempty"`
}

// PackageSpec describes a package to synthesize and ingest inline: its
// manifest identity and a small set of file contents, small enough to embed
// directly in the scenario YAML rather than shipping binary .sp fixtures.
type PackageSpec struct {
	Name    string            `yaml:"name"`
	Version string            `yaml:"version"`
	Files   map[string]string `yaml:"files"`
}

// Assertion checks one property of the engine's state after all steps run.
type Assertion struct {
	// Type is one of "live_file_equals", "live_file_absent", "state_count",
	// "active_state_is_step", "refcounts_consistent".
	Type string `yaml:"type"`

	Path    string `yaml:"path,omitempty"`
	Content string `yaml:"content,omitempty"`
	Count   int    `yaml:"count,omitempty"`
	Step    int    `yaml:"step,omitempty"`
}

// LoadScenario reads and parses a single scenario YAML file.
func LoadScenario(path string) (Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Scenario{}, fmt.Errorf("conformance: read scenario %s: %w", path, err)
	}
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Scenario{}, fmt.Errorf("conformance: parse scenario %s: %w", path, err)
	}
	return s, nil
}
