package enrich

import (
	"regexp"
	"strconv"

	"github.com/redmist-timing/engine/internal/state"
)

// ControlLogEntry is one parsed ruling from the external control-log
// provider, already resolved to the car numbers it mentions (spec.md
// §4.4: "Periodically loads parsed control-log entries").
type ControlLogEntry struct {
	Text           string
	Cars           []string // every car number mentioned
	HighlightedCar string   // explicitly called out car, "" if none
}

// ControlLogProvider fetches the latest parsed entries for an event from
// the cache an external provider populates.
type ControlLogProvider interface {
	ControlLogEntries(eventID int) ([]ControlLogEntry, error)
}

var (
	lapPenaltyPattern  = regexp.MustCompile(`(?i)(\d+)\s*lap`)
	warningPattern     = regexp.MustCompile(`(?i)\bwarning\b`)
	driveThroughPatern = regexp.MustCompile(`(?i)drive[\s-]*through`)
)

type penaltyDelta struct {
	warnings int
	laps     int
	black    int
}

// ApplyControlLog attributes each entry's penalty to its target car —
// the explicitly highlighted car if set, otherwise the first car named
// (spec.md §4.4: "Multi-car entries apply penalties only to the
// explicitly highlighted car, defaulting to the first car if none is
// highlighted") — and returns one consolidated patch per affected car.
func ApplyControlLog(cars map[string]*state.CarPosition, entries []ControlLogEntry) []*state.CarPositionPatch {
	deltas := make(map[string]*penaltyDelta)

	for _, e := range entries {
		target := e.HighlightedCar
		if target == "" && len(e.Cars) > 0 {
			target = e.Cars[0]
		}
		if target == "" {
			continue
		}
		d, ok := deltas[target]
		if !ok {
			d = &penaltyDelta{}
			deltas[target] = d
		}
		applyPattern(e.Text, d)
	}

	var patches []*state.CarPositionPatch
	for number, d := range deltas {
		car, ok := cars[number]
		if !ok {
			continue
		}
		next := car.Clone()
		next.PenaltyWarnings += d.warnings
		next.PenaltyLaps += d.laps
		next.BlackFlags += d.black
		if p := state.Diff(car, next); p != nil {
			patches = append(patches, p)
		}
	}
	return patches
}

func applyPattern(text string, d *penaltyDelta) {
	if warningPattern.MatchString(text) {
		d.warnings++
	}
	if driveThroughPatern.MatchString(text) {
		d.black++
	}
	if m := lapPenaltyPattern.FindStringSubmatch(text); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			d.laps += n
		}
	}
}
