package enrich

import (
	"testing"

	"github.com/redmist-timing/engine/internal/state"
)

func TestApplyControlLogSingleCarWarning(t *testing.T) {
	cars := map[string]*state.CarPosition{"42": {Number: "42"}}
	entries := []ControlLogEntry{{Text: "Car 42: warning for track limits", Cars: []string{"42"}}}

	patches := ApplyControlLog(cars, entries)
	if len(patches) != 1 {
		t.Fatalf("got %d patches, want 1", len(patches))
	}
	got := state.ApplyCarPatch(cars["42"], patches[0])
	if got.PenaltyWarnings != 1 {
		t.Errorf("PenaltyWarnings = %d, want 1", got.PenaltyWarnings)
	}
}

func TestApplyControlLogHighlightedCarAmongMultiple(t *testing.T) {
	cars := map[string]*state.CarPosition{
		"7":  {Number: "7"},
		"18": {Number: "18"},
	}
	entries := []ControlLogEntry{{
		Text:           "Incident between 7 and 18: car 18 drive through penalty",
		Cars:           []string{"7", "18"},
		HighlightedCar: "18",
	}}

	patches := ApplyControlLog(cars, entries)
	if len(patches) != 1 {
		t.Fatalf("got %d patches, want 1 (only the highlighted car)", len(patches))
	}
	if patches[0].Number != "18" {
		t.Errorf("patch targets car %q, want 18", patches[0].Number)
	}
	got := state.ApplyCarPatch(cars["18"], patches[0])
	if got.BlackFlags != 1 {
		t.Errorf("BlackFlags = %d, want 1", got.BlackFlags)
	}
}

func TestApplyControlLogDefaultsToFirstCarWhenNoneHighlighted(t *testing.T) {
	cars := map[string]*state.CarPosition{
		"7":  {Number: "7"},
		"18": {Number: "18"},
	}
	entries := []ControlLogEntry{{
		Text: "Contact between 7 and 18: 2 lap penalty",
		Cars: []string{"7", "18"},
	}}

	patches := ApplyControlLog(cars, entries)
	if len(patches) != 1 || patches[0].Number != "7" {
		t.Fatalf("expected the penalty to default to the first named car (7), got %+v", patches)
	}
	got := state.ApplyCarPatch(cars["7"], patches[0])
	if got.PenaltyLaps != 2 {
		t.Errorf("PenaltyLaps = %d, want 2", got.PenaltyLaps)
	}
}

func TestApplyControlLogAccumulatesAcrossMultipleEntries(t *testing.T) {
	cars := map[string]*state.CarPosition{"42": {Number: "42"}}
	entries := []ControlLogEntry{
		{Text: "42: warning", Cars: []string{"42"}},
		{Text: "42: warning", Cars: []string{"42"}},
		{Text: "42: 1 lap penalty", Cars: []string{"42"}},
	}

	patches := ApplyControlLog(cars, entries)
	if len(patches) != 1 {
		t.Fatalf("got %d patches, want 1 consolidated patch", len(patches))
	}
	got := state.ApplyCarPatch(cars["42"], patches[0])
	if got.PenaltyWarnings != 2 || got.PenaltyLaps != 1 {
		t.Errorf("got PenaltyWarnings=%d PenaltyLaps=%d, want 2 and 1", got.PenaltyWarnings, got.PenaltyLaps)
	}
}
