package enrich

import (
	"testing"

	"github.com/redmist-timing/engine/internal/state"
)

type recordingLapPersister struct {
	snapshots []*state.CarPosition
}

func (r *recordingLapPersister) PersistLapSnapshot(eventID, sessionID int, car *state.CarPosition) error {
	r.snapshots = append(r.snapshots, car)
	return nil
}

type recordingNotifier struct {
	notified []string
}

func (r *recordingNotifier) NotifyLapCompleted(eventID int, number string) {
	r.notified = append(r.notified, number)
}

func TestLapAdvanced(t *testing.T) {
	prior := &state.CarPosition{LastLapCompleted: 4}
	next := &state.CarPosition{LastLapCompleted: 5}
	if !LapAdvanced(prior, next) {
		t.Error("expected LapAdvanced=true when lastLapCompleted increases")
	}
	if LapAdvanced(next, prior) {
		t.Error("expected LapAdvanced=false when lastLapCompleted does not increase")
	}
}

func TestOnLapCompletedPersistsAndNotifies(t *testing.T) {
	persister := &recordingLapPersister{}
	notifier := &recordingNotifier{}
	car := &state.CarPosition{Number: "42", LastLapCompleted: 5}

	OnLapCompleted(1, 1, car, persister, notifier)

	if len(persister.snapshots) != 1 || persister.snapshots[0].Number != "42" {
		t.Errorf("persister.snapshots = %+v, want one snapshot for car 42", persister.snapshots)
	}
	if len(notifier.notified) != 1 || notifier.notified[0] != "42" {
		t.Errorf("notifier.notified = %v, want [42]", notifier.notified)
	}
}

func TestOnLapCompletedNilHooksDoNotPanic(t *testing.T) {
	car := &state.CarPosition{Number: "1"}
	OnLapCompleted(1, 1, car, nil, nil)
}
