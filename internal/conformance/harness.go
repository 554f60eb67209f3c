package conformance

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/sps2/sse/internal/config"
	"github.com/sps2/sse/internal/engine"
	"github.com/sps2/sse/internal/manifest"
	"github.com/sps2/sse/internal/testutil"
)

// Result captures the outcome of running a Scenario, for assertion
// evaluation and for serializing into a golden snapshot.
type Result struct {
	StateIDs []string // one per step, "" for steps that don't produce a new state (gc)
	Engine   *engine.Engine
}

// Run executes every step of s against a fresh engine rooted in a temporary
// directory, using a deterministic id generator so repeated runs (and golden
// comparisons) are byte-identical.
func Run(t *testing.T, s Scenario) Result {
	t.Helper()
	ctx := context.Background()

	dir := t.TempDir()
	cfg := config.Default(dir)
	cfg.SlotCount = 4

	e, err := engine.OpenWithIDs(ctx, cfg, nil, testutil.NewSequentialIDGenerator(s.Name))
	if err != nil {
		t.Fatalf("conformance: open engine: %v", err)
	}
	t.Cleanup(func() { e.Close() })

	ids := make([]string, len(s.Steps))
	var produced []string // state id after each install/upgrade/uninstall/rollback step, in order

	for i, step := range s.Steps {
		switch step.Op {
		case "install":
			id, err := e.Install(ctx, ingest(t, e, step.Packages))
			if err != nil {
				t.Fatalf("conformance: step %d install: %v", i, err)
			}
			ids[i] = id
			produced = append(produced, id)

		case "upgrade":
			id, err := e.Upgrade(ctx, ingest(t, e, step.Packages))
			if err != nil {
				t.Fatalf("conformance: step %d upgrade: %v", i, err)
			}
			ids[i] = id
			produced = append(produced, id)

		case "uninstall":
			active, err := e.ActiveState(ctx)
			if err != nil {
				t.Fatalf("conformance: step %d read active state: %v", i, err)
			}
			current, err := e.PackagesInState(ctx, active)
			if err != nil {
				t.Fatalf("conformance: step %d read active package set: %v", i, err)
			}
			remove := map[string]bool{}
			for _, n := range step.Remove {
				remove[n] = true
			}
			var remaining []engine.Target
			for _, target := range current {
				if !remove[target.Name] {
					remaining = append(remaining, target)
				}
			}
			id, err := e.Uninstall(ctx, remaining)
			if err != nil {
				t.Fatalf("conformance: step %d uninstall: %v", i, err)
			}
			ids[i] = id
			produced = append(produced, id)

		case "rollback":
			target := ids[step.ToStep]
			id, err := e.Rollback(ctx, target)
			if err != nil {
				t.Fatalf("conformance: step %d rollback to step %d: %v", i, step.ToStep, err)
			}
			ids[i] = id
			produced = append(produced, id)

		case "gc":
			if _, _, err := e.GC(ctx); err != nil {
				t.Fatalf("conformance: step %d gc: %v", i, err)
			}

		default:
			t.Fatalf("conformance: step %d: unknown op %q", i, step.Op)
		}
	}

	return Result{StateIDs: ids, Engine: e}
}

// ingest synthesizes and stores a .sp archive per PackageSpec, returning the
// resulting Targets in declaration order.
func ingest(t *testing.T, e *engine.Engine, specs []PackageSpec) []engine.Target {
	t.Helper()
	targets := make([]engine.Target, 0, len(specs))
	for _, spec := range specs {
		m := manifest.Manifest{Package: manifest.PackageInfo{Name: spec.Name, Version: spec.Version, Arch: "arm64"}}
		var entries []manifest.Entry
		for path, content := range spec.Files {
			entries = append(entries, manifest.Entry{Path: path, Mode: 0o644, Data: []byte(content)})
		}
		archive, err := manifest.Write(m, entries)
		if err != nil {
			t.Fatalf("conformance: write archive for %s: %v", spec.Name, err)
		}
		pkg, err := e.Store().PutPackage(archive)
		if err != nil {
			t.Fatalf("conformance: put package %s: %v", spec.Name, err)
		}
		targets = append(targets, engine.Target{
			Name:        spec.Name,
			Version:     spec.Version,
			StoreHash:   pkg.StoreHash,
			ArchiveHash: pkg.ArchiveHash,
		})
	}
	return targets
}

// Assert evaluates every assertion in s against r, failing t on the first
// violation so the scenario name/description stay attached to the failure.
func Assert(t *testing.T, s Scenario, r Result) {
	t.Helper()
	ctx := context.Background()

	for i, a := range s.Assertions {
		switch a.Type {
		case "live_file_equals":
			data, err := os.ReadFile(filepath.Join(r.Engine.LivePath(), a.Path))
			if err != nil {
				t.Fatalf("assertion %d (%s): read live file %s: %v", i, s.Name, a.Path, err)
			}
			if string(data) != a.Content {
				t.Fatalf("assertion %d (%s): live file %s = %q, want %q", i, s.Name, a.Path, data, a.Content)
			}

		case "live_file_absent":
			if _, err := os.Stat(filepath.Join(r.Engine.LivePath(), a.Path)); !os.IsNotExist(err) {
				t.Fatalf("assertion %d (%s): expected %s absent from live prefix, stat err=%v", i, s.Name, a.Path, err)
			}

		case "state_count":
			states, err := r.Engine.ListStates(ctx)
			if err != nil {
				t.Fatalf("assertion %d (%s): list states: %v", i, s.Name, err)
			}
			if len(states) != a.Count {
				t.Fatalf("assertion %d (%s): state count = %d, want %d", i, s.Name, len(states), a.Count)
			}

		case "active_state_is_step":
			active, err := r.Engine.ActiveState(ctx)
			if err != nil {
				t.Fatalf("assertion %d (%s): read active state: %v", i, s.Name, err)
			}
			want := r.StateIDs[a.Step]
			if active != want {
				t.Fatalf("assertion %d (%s): active state = %s, want state from step %d (%s)", i, s.Name, active, a.Step, want)
			}

		case "refcounts_consistent":
			drifts, err := r.Engine.Catalog().CheckRefcounts(ctx)
			if err != nil {
				t.Fatalf("assertion %d (%s): check refcounts: %v", i, s.Name, err)
			}
			if len(drifts) != 0 {
				t.Fatalf("assertion %d (%s): refcount drift from live state graph: %+v", i, s.Name, drifts)
			}

		default:
			t.Fatalf("assertion %d (%s): unknown type %q", i, s.Name, a.Type)
		}
	}
}
