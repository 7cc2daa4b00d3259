// Package enrich implements the secondary enrichers (spec component C4):
// independent, sequentially-run stages that each read the current
// session snapshot plus a decoded input and return zero or more patches.
// This replaces the pre-registered-callback ordering the original
// implementation used (flagged for re-architecture in spec.md §9) with a
// fixed topological pass the pipeline (C5) drives explicitly.
package enrich

import (
	"fmt"
	"math"
	"sort"

	"github.com/redmist-timing/engine/internal/state"
)

// Positions recomputes classPosition, gap/difference strings, best-time
// flags, and positions-gained for every car in session, returning a patch
// per car whose derived fields changed (spec.md §4.4, steps 1-7).
func Positions(session *state.SessionState) []*state.CarPositionPatch {
	cars := session.Cars()
	if len(cars) == 0 {
		return nil
	}

	// Step 1: sort by overallPosition ascending, zeros (unassigned) last.
	ordered := append([]*state.CarPosition(nil), cars...)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i].OverallPosition, ordered[j].OverallPosition
		if a == 0 {
			return false
		}
		if b == 0 {
			return true
		}
		return a < b
	})

	// Step 2: classPosition within each class, by overall order.
	classOrder := make(map[string][]*state.CarPosition)
	for _, c := range ordered {
		classOrder[c.Class] = append(classOrder[c.Class], c)
	}
	classPosition := make(map[string]int, len(ordered)) // car number -> class position
	for _, group := range classOrder {
		for i, c := range group {
			classPosition[c.Number] = i + 1
		}
	}

	totalCars := len(ordered)
	carsInClass := make(map[string]int, len(classOrder))
	for class, group := range classOrder {
		carsInClass[class] = len(group)
	}

	// Step 5: best times, overall and per class.
	bestOverall := bestTime(ordered)
	bestInClass := make(map[string]int, len(classOrder))
	for class, group := range classOrder {
		bestInClass[class] = bestTime(group)
	}

	// Steps 6-7: positions gained, and who holds the max gain uniquely.
	gained := make(map[string]int, len(ordered))
	classGained := make(map[string]int, len(ordered))
	for i, c := range ordered {
		gained[c.Number] = positionsGained(c.OverallStartingPosition, i+1, totalCars)
		classGained[c.Number] = positionsGained(c.ClassStartingPosition, classPosition[c.Number], carsInClass[c.Class])
	}
	mostOverallGain := uniqueMax(ordered, gained)
	mostClassGain := make(map[string]bool)
	for class, group := range classOrder {
		_ = class
		winner := uniqueMax(group, classGained)
		for _, c := range group {
			mostClassGain[c.Number] = winner != "" && winner == c.Number
		}
	}

	var patches []*state.CarPositionPatch
	for i, c := range ordered {
		next := c.Clone()
		next.ClassPosition = classPosition[c.Number]
		next.IsBestTime = c.BestTime > 0 && c.BestTime == bestOverall
		next.IsBestTimeClass = c.BestTime > 0 && c.BestTime == bestInClass[c.Class]
		next.OverallPositionsGained = gained[c.Number]
		next.InClassPositionsGained = classGained[c.Number]
		next.IsOverallMostPositionsGained = mostOverallGain == c.Number
		next.IsClassMostPositionsGained = mostClassGain[c.Number]

		if i == 0 {
			next.OverallGap = ""
			next.OverallDifference = ""
		} else {
			ahead := ordered[i-1]
			leader := ordered[0]
			next.OverallGap = gapString(ahead, c)
			next.OverallDifference = gapString(leader, c)
		}

		classGroup := classOrder[c.Class]
		classIdx := classPosition[c.Number] - 1
		if classIdx == 0 {
			next.InClassGap = ""
			next.InClassDifference = ""
		} else {
			ahead := classGroup[classIdx-1]
			leader := classGroup[0]
			next.InClassGap = gapString(ahead, c)
			next.InClassDifference = gapString(leader, c)
		}

		if p := state.Diff(c, next); p != nil {
			patches = append(patches, p)
		}
	}
	return patches
}

func bestTime(cars []*state.CarPosition) int {
	best := 0
	for _, c := range cars {
		if c.BestTime <= 0 {
			continue
		}
		if best == 0 || c.BestTime < best {
			best = c.BestTime
		}
	}
	return best
}

// positionsGained computes starting-currentPosition, invalidated to the
// sentinel when either operand is unset or the magnitude is implausible
// (spec.md §4.4 step 6, §8: "rejects values whose magnitude equals or
// exceeds participant count").
func positionsGained(starting, current, fieldSize int) int {
	if starting == 0 || current == 0 {
		return state.UnknownPosition
	}
	gained := starting - current
	if fieldSize > 0 && int(math.Abs(float64(gained))) >= fieldSize {
		return state.UnknownPosition
	}
	return gained
}

// uniqueMax returns the car number holding the maximum positive gain in
// gains, or "" if no car has a positive gain or the maximum is tied.
func uniqueMax(cars []*state.CarPosition, gains map[string]int) string {
	max := 0
	winner := ""
	tied := false
	for _, c := range cars {
		g := gains[c.Number]
		if g <= 0 || g == state.UnknownPosition {
			continue
		}
		switch {
		case g > max:
			max = g
			winner = c.Number
			tied = false
		case g == max:
			tied = true
		}
	}
	if tied {
		return ""
	}
	return winner
}

// gapString formats the gap between "ahead" (the reference car, either
// the car immediately in front or the class/overall leader) and "behind"
// (spec.md §4.4 step 3): whole laps down when lastLapCompleted differs by
// at least one, otherwise a formatted time difference.
func gapString(ahead, behind *state.CarPosition) string {
	lapDiff := ahead.LastLapCompleted - behind.LastLapCompleted
	if lapDiff >= 1 {
		if lapDiff == 1 {
			return "1 lap"
		}
		return fmt.Sprintf("%d laps", lapDiff)
	}
	msDiff := behind.TotalTime - ahead.TotalTime
	if msDiff < 0 {
		msDiff = 0
	}
	return formatMs(msDiff)
}

// formatMs renders a millisecond duration as "ss.fff" or, once it reaches
// a minute, "m:ss.fff".
func formatMs(ms int) string {
	totalMs := ms
	minutes := totalMs / 60000
	rem := totalMs % 60000
	seconds := rem / 1000
	millis := rem % 1000
	if minutes > 0 {
		return fmt.Sprintf("%d:%02d.%03d", minutes, seconds, millis)
	}
	return fmt.Sprintf("%d.%03d", seconds, millis)
}
