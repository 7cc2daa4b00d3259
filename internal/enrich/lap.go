package enrich

import "github.com/redmist-timing/engine/internal/state"

// LapPersister writes a per-lap snapshot of a car's position for later
// query (C10).
type LapPersister interface {
	PersistLapSnapshot(eventID, sessionID int, car *state.CarPosition) error
}

// DriverNotifier is the in-car driver-mode processor's notification
// hook, invoked once per completed lap (spec.md §4.4: "Notifies the
// in-car driver-mode processor for that car").
type DriverNotifier interface {
	NotifyLapCompleted(eventID int, number string)
}

// LapAdvanced reports whether next completed a new lap relative to prior
// (spec.md §4.4: "Fires when lastLapCompleted advances for a car").
func LapAdvanced(prior, next *state.CarPosition) bool {
	return next.LastLapCompleted > prior.LastLapCompleted
}

// OnLapCompleted runs the lap processor's side effects once a lap
// advance has been detected: a durable per-lap snapshot, and a
// notification to the driver-mode processor. Persistence failures are
// intentionally swallowed here — spec.md §7: "Persistence error —
// logged; in-memory state authoritative" — the caller's persister is
// expected to log internally.
func OnLapCompleted(eventID, sessionID int, car *state.CarPosition, persist LapPersister, notify DriverNotifier) {
	if persist != nil {
		_ = persist.PersistLapSnapshot(eventID, sessionID, car)
	}
	if notify != nil {
		notify.NotifyLapCompleted(eventID, car.Number)
	}
}
