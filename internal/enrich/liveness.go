package enrich

import (
	"time"

	"github.com/redmist-timing/engine/internal/state"
)

// OnUpdate advances the liveness state machine in response to an update
// tagged with session's current session id (spec.md §4.4 state machine:
// "PreLive → Live on first update ... after it was registered",
// "Stale → Live on any new update for the session").
func OnUpdate(session *state.SessionState) *state.SessionStatePatch {
	switch session.Liveness {
	case state.PreLive, state.Stale:
		live := state.Live
		return &state.SessionStatePatch{EventID: session.EventID, SessionID: session.SessionID, Liveness: &live}
	default:
		return nil
	}
}

// CheckStale transitions Live → Stale once now has advanced staleAfter
// past the session's last update (spec.md §4.4, default T_stale = 2m).
func CheckStale(session *state.SessionState, now time.Time, staleAfter time.Duration) *state.SessionStatePatch {
	if session.Liveness != state.Live {
		return nil
	}
	if now.Sub(session.LastUpdated) < staleAfter {
		return nil
	}
	stale := state.Stale
	return &state.SessionStatePatch{EventID: session.EventID, SessionID: session.SessionID, Liveness: &stale}
}

// Finalize transitions Live/Stale → Ended, either because a new session
// id was registered for the same event or on an explicit finalize
// request.
func Finalize(session *state.SessionState) *state.SessionStatePatch {
	if session.Liveness == state.Ended {
		return nil
	}
	ended := state.Ended
	return &state.SessionStatePatch{EventID: session.EventID, SessionID: session.SessionID, Liveness: &ended}
}
