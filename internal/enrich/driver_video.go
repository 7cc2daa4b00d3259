package enrich

import "github.com/redmist-timing/engine/internal/state"

// DriverTelemetry is one car's driver identity as reported by the
// external telemetry provider.
type DriverTelemetry struct {
	Number     string
	DriverName string
	DriverID   string
}

// VideoStatus is one car's in-car video availability.
type VideoStatus struct {
	Number     string
	InCarVideo bool
}

// DriverProvider resolves cached driver telemetry by (eventId, car
// number). There is no lookup by transponder id.
type DriverProvider interface {
	DriverTelemetry(eventID int, number string) (DriverTelemetry, bool)
}

// VideoProvider resolves cached in-car video status.
type VideoProvider interface {
	VideoStatus(eventID int, number string) (VideoStatus, bool)
}

// ApplyDriver attaches driver name/id to every car the provider has data
// for, returning a patch per car whose driver fields changed.
func ApplyDriver(eventID int, cars map[string]*state.CarPosition, provider DriverProvider) []*state.CarPositionPatch {
	if provider == nil {
		return nil
	}
	var patches []*state.CarPositionPatch
	for number, car := range cars {
		d, ok := provider.DriverTelemetry(eventID, number)
		if !ok {
			continue
		}
		next := car.Clone()
		next.DriverName = d.DriverName
		next.DriverID = d.DriverID
		if p := state.Diff(car, next); p != nil {
			patches = append(patches, p)
		}
	}
	return patches
}

// ApplyVideo attaches in-car video availability to every car the
// provider has data for.
func ApplyVideo(eventID int, cars map[string]*state.CarPosition, provider VideoProvider) []*state.CarPositionPatch {
	if provider == nil {
		return nil
	}
	var patches []*state.CarPositionPatch
	for number, car := range cars {
		v, ok := provider.VideoStatus(eventID, number)
		if !ok {
			continue
		}
		next := car.Clone()
		next.InCarVideo = v.InCarVideo
		if p := state.Diff(car, next); p != nil {
			patches = append(patches, p)
		}
	}
	return patches
}

// ShouldRefresh reports whether the periodic driver/video refresh is due
// (spec.md §4.5: "Every 60 result-monitor messages, run the full
// driver/video refresh").
func ShouldRefresh(messageCount, every int) bool {
	return every > 0 && messageCount > 0 && messageCount%every == 0
}
