package enrich

import "github.com/redmist-timing/engine/internal/state"

// Consolidate merges one pipeline pass's car patches (position, pit,
// driver, video, multiloop, penalty, all run in the fixed order spec.md
// §4.5 prescribes) into one patch per car, dropping empties, ready to
// hand to the publisher (C6). The merge/drop semantics live in the state
// package since C2 owns the patch model; this is just the C4-facing
// entry point the pipeline calls at the end of its enricher pass.
func Consolidate(patches []*state.CarPositionPatch) []*state.CarPositionPatch {
	return state.Consolidate(patches)
}
