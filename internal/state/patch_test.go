package state

import (
	"testing"
	"time"
)

func TestDiffNilWhenUnchanged(t *testing.T) {
	car := &CarPosition{SessionID: 1, Number: "42", BestTime: 95000}
	if p := Diff(car, car.Clone()); p != nil {
		t.Errorf("Diff(car, clone) = %+v, want nil", p)
	}
}

func TestDiffCapturesChangedFieldsOnly(t *testing.T) {
	prior := &CarPosition{SessionID: 1, Number: "42", BestTime: 95000, OverallPosition: 3}
	next := prior.Clone()
	next.BestTime = 94500

	p := Diff(prior, next)
	if p == nil {
		t.Fatal("Diff returned nil, want a patch")
	}
	if p.BestTime == nil || *p.BestTime != 94500 {
		t.Errorf("patch.BestTime = %v, want 94500", p.BestTime)
	}
	if p.OverallPosition != nil {
		t.Errorf("patch.OverallPosition = %v, want nil (unchanged)", p.OverallPosition)
	}
}

// TestApplyRoundTrip checks spec.md §3's patch round-trip invariant:
// apply(diff(prior, next), prior) == next.
func TestApplyRoundTrip(t *testing.T) {
	prior := &CarPosition{
		SessionID: 7, Number: "18", Class: "GT3",
		BestTime: 91234, OverallPosition: 5, InPit: false,
		DriverName: "A. Driver",
	}
	next := prior.Clone()
	next.BestTime = 90500
	next.OverallPosition = 4
	next.InPit = true
	next.DriverName = "B. Driver"
	next.CompletedSections = []CompletedSection{{Name: "S1", ElapsedMs: 12000, Timestamp: time.Unix(100, 0)}}

	p := Diff(prior, next)
	if p == nil {
		t.Fatal("expected non-nil patch")
	}
	got := ApplyCarPatch(prior, p)

	if got.BestTime != next.BestTime || got.OverallPosition != next.OverallPosition ||
		got.InPit != next.InPit || got.DriverName != next.DriverName {
		t.Errorf("round-trip mismatch: got %+v, want %+v", got, next)
	}
	if len(got.CompletedSections) != 1 || got.CompletedSections[0].Name != "S1" {
		t.Errorf("CompletedSections round-trip failed: %+v", got.CompletedSections)
	}
	// Fields not in the diff (Class) must survive untouched from prior.
	if got.Class != prior.Class {
		t.Errorf("Class = %q, want unchanged %q", got.Class, prior.Class)
	}
}

func TestApplyCarPatchNilPriorSeedsIdentity(t *testing.T) {
	bt := 88000
	p := &CarPositionPatch{SessionID: 3, Number: "9", BestTime: &bt}
	got := ApplyCarPatch(nil, p)
	if got.SessionID != 3 || got.Number != "9" || got.BestTime != 88000 {
		t.Errorf("ApplyCarPatch(nil, p) = %+v", got)
	}
}

func TestApplySessionPatch(t *testing.T) {
	s := NewSessionState(1, 1)
	s.LapsToGo = 10

	laps := 9
	live := Live
	ApplySessionPatch(s, &SessionStatePatch{EventID: 1, SessionID: 1, LapsToGo: &laps, Liveness: &live})

	if s.LapsToGo != 9 {
		t.Errorf("LapsToGo = %d, want 9", s.LapsToGo)
	}
	if s.Liveness != Live {
		t.Errorf("Liveness = %v, want Live", s.Liveness)
	}
}

func TestConsolidateMergesSameCarPreferringLater(t *testing.T) {
	t1 := 91000
	t2 := 90000
	pos1 := 5
	p1 := &CarPositionPatch{SessionID: 1, Number: "7", BestTime: &t1, OverallPosition: &pos1}
	p2 := &CarPositionPatch{SessionID: 1, Number: "7", BestTime: &t2}

	out := Consolidate([]*CarPositionPatch{p1, p2})
	if len(out) != 1 {
		t.Fatalf("Consolidate() returned %d patches, want 1", len(out))
	}
	merged := out[0]
	if merged.BestTime == nil || *merged.BestTime != 90000 {
		t.Errorf("merged.BestTime = %v, want 90000 (later patch wins)", merged.BestTime)
	}
	if merged.OverallPosition == nil || *merged.OverallPosition != 5 {
		t.Errorf("merged.OverallPosition = %v, want 5 (preserved from earlier patch)", merged.OverallPosition)
	}
}

func TestConsolidateDropsEmptyPatches(t *testing.T) {
	empty := &CarPositionPatch{SessionID: 1, Number: "3"}
	out := Consolidate([]*CarPositionPatch{empty})
	if len(out) != 0 {
		t.Errorf("Consolidate([empty]) = %d patches, want 0", len(out))
	}
}

func TestConsolidateKeepsDistinctCarsInOrder(t *testing.T) {
	bt := 1000
	a := &CarPositionPatch{SessionID: 1, Number: "1", BestTime: &bt}
	b := &CarPositionPatch{SessionID: 1, Number: "2", BestTime: &bt}

	out := Consolidate([]*CarPositionPatch{a, b})
	if len(out) != 2 || out[0].Number != "1" || out[1].Number != "2" {
		t.Errorf("Consolidate order/content wrong: %+v", out)
	}
}

func TestCarPositionPatchIsEmpty(t *testing.T) {
	p := &CarPositionPatch{SessionID: 1, Number: "5"}
	if !p.IsEmpty() {
		t.Error("expected identity-only patch to be empty")
	}
	bt := 1
	p.BestTime = &bt
	if p.IsEmpty() {
		t.Error("expected patch with BestTime set to be non-empty")
	}
}
