package enrich

import (
	"sync"

	"github.com/redmist-timing/engine/internal/decode"
	"github.com/redmist-timing/engine/internal/state"
)

type carPitState struct {
	inPit    bool
	lastLoop string
}

// Pit implements the pit processor (spec.md §4.4): a car is "in pit"
// while its most recent crossing was on a loop flagged isInPit; entering
// and exiting the pit each produce a one-shot pulse patch, and
// pitStopCount increments on exit. It tracks loop topology and each
// car's last-known pit status so a configuration-change notification can
// re-apply pit state to every car without needing a fresh crossing.
type Pit struct {
	mu    sync.Mutex
	loops map[string]bool // loop name -> isInPit
	cars  map[string]carPitState
}

func NewPit() *Pit {
	return &Pit{loops: make(map[string]bool), cars: make(map[string]carPitState)}
}

// SetLoops installs new loop topology (spec.md §4.3: "loop definitions
// update track sections").
func (p *Pit) SetLoops(loops []decode.LoopDefinition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loops = make(map[string]bool, len(loops))
	for _, l := range loops {
		p.loops[l.Name] = l.IsInPit
	}
}

// ApplyPassing updates one car's pit status from a resolved transponder
// crossing and returns the resulting patch, or nil if nothing changed.
func (p *Pit) ApplyPassing(car *state.CarPosition, passing decode.ResolvedPassing) *state.CarPositionPatch {
	p.mu.Lock()
	loopIsPit, known := p.loops[passing.LoopName]
	if !known {
		loopIsPit = passing.IsInPit
	}
	prior := p.cars[car.Number]
	wasInPit := prior.inPit
	p.cars[car.Number] = carPitState{inPit: loopIsPit, lastLoop: passing.LoopName}
	p.mu.Unlock()

	next := car.Clone()
	next.InPit = loopIsPit
	next.IsEnteredPit = !wasInPit && loopIsPit
	next.IsExitedPit = wasInPit && !loopIsPit
	if next.IsExitedPit {
		next.PitStopCount = car.PitStopCount + 1
	}
	if loopIsPit || next.IsExitedPit {
		next.LapIncludedPit = true
		next.LastLapPitted = true
	}

	return state.Diff(car, next)
}

// Resync re-applies each car's last-known pit status without generating
// enter/exit pulses, used after a configuration-change notification
// (spec.md §4.4: "On configuration-change notifications, the processor
// re-applies pit state to all cars").
func (p *Pit) Resync(cars []*state.CarPosition) []*state.CarPositionPatch {
	p.mu.Lock()
	snapshot := make(map[string]carPitState, len(p.cars))
	for num, st := range p.cars {
		snapshot[num] = st
	}
	p.mu.Unlock()

	var patches []*state.CarPositionPatch
	for _, car := range cars {
		st, ok := snapshot[car.Number]
		if !ok {
			continue
		}
		next := car.Clone()
		next.InPit = st.inPit
		if p := state.Diff(car, next); p != nil {
			patches = append(patches, p)
		}
	}
	return patches
}

// ClearLapFlags resets lapIncludedPit/lastLapPitted for a new lap of car.
// Nothing in the pipeline calls it.
func (p *Pit) ClearLapFlags(car *state.CarPosition) *state.CarPositionPatch {
	if !car.LapIncludedPit && !car.LastLapPitted {
		return nil
	}
	next := car.Clone()
	next.LapIncludedPit = false
	next.LastLapPitted = false
	return state.Diff(car, next)
}
