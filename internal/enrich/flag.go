package enrich

import (
	"time"

	"github.com/redmist-timing/engine/internal/state"
)

// FlagPersister writes completed flag durations through to the durable
// flag log (C10). The lap enricher uses the same narrow write-through
// pattern (LapPersister); keeping the interface here (rather than
// importing the persist package) avoids a dependency cycle and matches
// spec.md §9's "explicit repository functions" note — enrich depends on
// a capability, not a concrete store.
type FlagPersister interface {
	PersistFlagDuration(eventID, sessionID int, fd state.FlagDuration) error
}

// Flags implements the flag processor (spec.md §4.4): for an incoming
// flag with EndTime == nil, it closes any prior open flag at the new
// flag's StartTime and opens the new one, updates currentFlag and the
// per-flag time aggregates, and persists the now-closed duration.
//
// now is the caller's clock, passed explicitly so aggregate math ("greenMs
// = elapsed so far for the currently open flag") is reproducible in
// tests.
func Flags(session *state.SessionState, incoming state.Flag, startTime time.Time, now time.Time, persist FlagPersister) *state.SessionStatePatch {
	durations := append([]state.FlagDuration(nil), session.FlagDurations...)

	greenMs, yellowMs, redMs := session.GreenMs, session.YellowMs, session.RedMs
	numYellows := session.NumberOfYellows

	// Close any currently open duration.
	if n := len(durations); n > 0 && durations[n-1].EndTime == nil {
		closing := durations[n-1]
		end := startTime
		durations[n-1].EndTime = &end
		elapsed := end.Sub(closing.StartTime)
		addElapsed(&greenMs, &yellowMs, &redMs, closing.Flag, elapsed)
		if persist != nil {
			closed := durations[n-1]
			_ = persist.PersistFlagDuration(session.EventID, session.SessionID, closed)
		}
	}

	durations = append(durations, state.FlagDuration{Flag: incoming, StartTime: startTime})
	if incoming == state.FlagYellow {
		numYellows++
	}

	// Add the elapsed time of the just-opened flag up to `now`, so
	// "greenMs" etc. reflect the running total including the open
	// interval (spec.md §8 scenario 4).
	openGreen, openYellow, openRed := greenMs, yellowMs, redMs
	if now.After(startTime) {
		addElapsed(&openGreen, &openYellow, &openRed, incoming, now.Sub(startTime))
	}

	return &state.SessionStatePatch{
		EventID:         session.EventID,
		SessionID:       session.SessionID,
		CurrentFlag:     flagp(incoming),
		FlagDurations:   &durations,
		GreenMs:         int64p(openGreen),
		YellowMs:        int64p(openYellow),
		RedMs:           int64p(openRed),
		NumberOfYellows: intp(numYellows),
	}
}

func addElapsed(greenMs, yellowMs, redMs *int64, flag state.Flag, elapsed time.Duration) {
	ms := elapsed.Milliseconds()
	switch flag {
	case state.FlagGreen:
		*greenMs += ms
	case state.FlagYellow:
		*yellowMs += ms
	case state.FlagRed:
		*redMs += ms
	}
}

func flagp(f state.Flag) *state.Flag   { return &f }
func intp(v int) *int                  { return &v }
func int64p(v int64) *int64            { return &v }
func boolp(v bool) *bool               { return &v }
func strp(v string) *string            { return &v }
