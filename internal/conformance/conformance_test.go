package conformance

import (
	"path/filepath"
	"testing"
)

func TestScenarios(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	if err != nil {
		t.Fatalf("glob scenarios: %v", err)
	}
	if len(paths) == 0 {
		t.Fatal("no scenario fixtures found under testdata/scenarios")
	}

	for _, path := range paths {
		path := path
		scenario, err := LoadScenario(path)
		if err != nil {
			t.Fatalf("load %s: %v", path, err)
		}

		t.Run(scenario.Name, func(t *testing.T) {
			result := Run(t, scenario)
			Assert(t, scenario, result)
			AssertGolden(t, scenario, result)
		})
	}
}
