package enrich

import (
	"testing"
	"time"

	"github.com/redmist-timing/engine/internal/state"
)

func TestOnUpdatePreLiveToLive(t *testing.T) {
	s := state.NewSessionState(1, 1)
	p := OnUpdate(s)
	if p == nil || p.Liveness == nil || *p.Liveness != state.Live {
		t.Fatalf("OnUpdate from PreLive = %+v, want transition to Live", p)
	}
}

func TestOnUpdateStaleToLive(t *testing.T) {
	s := state.NewSessionState(1, 1)
	s.Liveness = state.Stale
	p := OnUpdate(s)
	if p == nil || *p.Liveness != state.Live {
		t.Fatalf("OnUpdate from Stale = %+v, want transition to Live", p)
	}
}

func TestOnUpdateAlreadyLiveIsNoop(t *testing.T) {
	s := state.NewSessionState(1, 1)
	s.Liveness = state.Live
	if p := OnUpdate(s); p != nil {
		t.Errorf("OnUpdate while already Live = %+v, want nil", p)
	}
}

func TestCheckStaleTransitionsAfterTimeout(t *testing.T) {
	s := state.NewSessionState(1, 1)
	s.Liveness = state.Live
	s.LastUpdated = time.Unix(1000, 0)

	notYet := time.Unix(1000, 0).Add(90 * time.Second)
	if p := CheckStale(s, notYet, 2*time.Minute); p != nil {
		t.Errorf("CheckStale before T_stale elapsed = %+v, want nil", p)
	}

	after := time.Unix(1000, 0).Add(3 * time.Minute)
	p := CheckStale(s, after, 2*time.Minute)
	if p == nil || *p.Liveness != state.Stale {
		t.Fatalf("CheckStale after T_stale elapsed = %+v, want transition to Stale", p)
	}
}

func TestFinalizeEndsSession(t *testing.T) {
	s := state.NewSessionState(1, 1)
	s.Liveness = state.Live
	p := Finalize(s)
	if p == nil || *p.Liveness != state.Ended {
		t.Fatalf("Finalize = %+v, want transition to Ended", p)
	}
	if p2 := Finalize(&state.SessionState{Liveness: state.Ended}); p2 != nil {
		t.Error("Finalize on an already-Ended session should be a no-op")
	}
}
