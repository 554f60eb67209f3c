package conformance

import (
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// snapshot is the deterministic, scenario-name-keyed state id sequence a
// scenario produces, compared byte-for-byte against a golden fixture. Since
// Run seeds the engine with a testutil.SequentialIDGenerator rather than a
// real UUIDv7Generator, the same scenario always yields the same ids, so
// this snapshot is reproducible across machines and runs — unlike the
// teacher's TraceSnapshot (internal/harness/golden.go), which snapshots a
// full sync-engine event trace, this one only needs to capture state
// lineage, since that is the entirety of what a transition is observably
// responsible for producing.
type snapshot struct {
	Scenario string   `json:"scenario"`
	States   []string `json:"states"`
}

// AssertGolden compares s's produced state id sequence against the golden
// fixture testdata/<scenario-name>.golden, failing t on mismatch.
func AssertGolden(t *testing.T, s Scenario, r Result) {
	t.Helper()

	// Steps that create no state (gc) leave "" in r.StateIDs; only produced
	// ids belong in the lineage.
	var states []string
	for _, id := range r.StateIDs {
		if id != "" {
			states = append(states, id)
		}
	}
	snap := snapshot{Scenario: s.Name, States: states}
	data, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("conformance: marshal snapshot for %s: %v", s.Name, err)
	}

	g := goldie.New(t)
	g.Assert(t, s.Name, data)
}
