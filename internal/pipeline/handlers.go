package pipeline

import (
	"encoding/json"
	"time"

	"github.com/redmist-timing/engine/internal/decode"
	"github.com/redmist-timing/engine/internal/enrich"
	"github.com/redmist-timing/engine/internal/metrics"
	"github.com/redmist-timing/engine/internal/state"
)

// getOrCreateCar returns the car's current snapshot, seeding a fresh one
// if this is the first update for its number (spec.md §4.3: competitor
// registration and first timing update can arrive in either order).
func getOrCreateCar(session *state.SessionState, number string) *state.CarPosition {
	if c, ok := session.CarPositions[number]; ok {
		return c
	}
	c := &state.CarPosition{
		Number:    number,
		EventID:   session.EventID,
		SessionID: session.SessionID,
	}
	session.CarPositions[number] = c
	return c
}

func (p *Pipeline) handleRMonitor(session *state.SessionState, msg Inbound, es *perEventState, result *pass) {
	rec, err := decode.DecodeRMonitorLine(msg.SessionID, msg.Line)
	if err != nil {
		p.recordMalformed("rmonitor", err)
		return
	}

	switch {
	case rec.Heartbeat != nil:
		hb := rec.Heartbeat
		if hb.Flag != state.FlagUnknown && hb.Flag != session.CurrentFlag {
			if sp := enrich.Flags(session, hb.Flag, msg.received(), msg.received(), p.deps.FlagPersister); sp != nil {
				result.addSession(session, sp)
			}
		}
		result.addSession(session, &state.SessionStatePatch{
			EventID: session.EventID, SessionID: session.SessionID,
			LapsToGo: intp(hb.LapsToGo), TimeToGo: intp(hb.TimeToGo),
		})

	case rec.Class != nil:
		// Class existence only; scoring-class colors are assigned
		// elsewhere. Nothing to mutate in SessionState for a bare
		// code/name pair.

	case rec.Competitor != nil:
		ce := rec.Competitor
		es.entries.Set(ce.TransponderID, ce.Number)
		car := getOrCreateCar(session, ce.Number)
		next := car.Clone()
		next.Number = ce.Number
		next.TransponderID = ce.TransponderID
		next.Class = ce.Class
		if patch := state.Diff(car, next); patch != nil {
			result.addCar(session, patch)
		}

	case rec.Car != nil:
		p.applyCarUpdate(session, rec.Car, result)
	}

	es.rmonCount++
	if enrich.ShouldRefresh(es.rmonCount, p.cfg.DriverVideoRefreshEvery) {
		p.fullDriverVideoRefresh(session, result)
	}
}

func (p *Pipeline) applyCarUpdate(session *state.SessionState, u *decode.CarUpdate, result *pass) {
	car := getOrCreateCar(session, u.Number)
	next := car.Clone()
	if u.TransponderID != "" {
		next.TransponderID = u.TransponderID
	}
	next.OverallPosition = u.OverallPosition
	next.LastLapCompleted = u.LastLap
	next.LastLapTime = u.LastLapTime
	next.BestTime = u.BestTime
	next.TotalTime = u.TotalTime

	advanced := enrich.LapAdvanced(car, next)
	if advanced {
		next.NumberOfLaps = car.NumberOfLaps + 1
	}

	if patch := state.Diff(car, next); patch != nil {
		result.addCar(session, patch)
	}
	if advanced {
		enrich.OnLapCompleted(session.EventID, session.SessionID, next, p.deps.LapPersister, p.deps.DriverNotifier)
	}
}

func (p *Pipeline) handleMultiloop(session *state.SessionState, msg Inbound, es *perEventState, result *pass) {
	ev, err := es.multiloop.Decode(msg.SessionID, msg.Line)
	if err != nil {
		p.recordMalformed("multiloop", err)
		return
	}
	es.multiloopSeen = true
	rec := ev.Record

	switch {
	case rec.Entry != nil:
		es.entries.Set(rec.Entry.TransponderID, rec.Entry.Number)
		car := getOrCreateCar(session, rec.Entry.Number)
		next := car.Clone()
		next.Number = rec.Entry.Number
		next.TransponderID = rec.Entry.TransponderID
		if patch := state.Diff(car, next); patch != nil {
			result.addCar(session, patch)
		}

	case rec.CompletedLap != nil:
		cl := rec.CompletedLap
		car := getOrCreateCar(session, cl.Number)
		next := car.Clone()
		next.LastLapCompleted = cl.LapNumber
		next.LastLapTime = cl.LapTimeMs
		next.TotalTime = cl.TotalTimeMs
		next.NumberOfLaps = car.NumberOfLaps + 1
		next.CompletedSections = nil
		if patch := state.Diff(car, next); patch != nil {
			result.addCar(session, patch)
		}
		enrich.OnLapCompleted(session.EventID, session.SessionID, next, p.deps.LapPersister, p.deps.DriverNotifier)

	case rec.CompletedSection != nil:
		cs := rec.CompletedSection
		car := getOrCreateCar(session, cs.Number)
		next := car.Clone()
		next.CompletedSections = es.multiloop.OpenSections(cs.Number)
		if patch := state.Diff(car, next); patch != nil {
			result.addCar(session, patch)
		}

	case rec.LineCrossing != nil:
		lc := rec.LineCrossing
		car := getOrCreateCar(session, lc.Number)
		if patch := es.pit.ApplyPassing(car, decode.ResolvedPassing{
			Passing: decode.Passing{LoopName: lc.LoopName, Timestamp: msg.received()},
			Number:  lc.Number,
		}); patch != nil {
			result.addCar(session, patch)
		}
		car = session.CarPositions[lc.Number]
		next := car.Clone()
		next.LastLoopName = lc.LoopName
		next.LastLoopUpdateTime = msg.received()
		if patch := state.Diff(car, next); patch != nil {
			result.addCar(session, patch)
		}

	case rec.InvalidatedLap != nil:
		il := rec.InvalidatedLap
		p.appendAnnouncement(session, result, "lap invalidated for car "+il.Number, "warning", msg.received())

	case rec.Flag != nil:
		p.applyMultiloopFlag(session, rec.Flag, msg.received(), result)

	case rec.NewLeader != nil:
		session.LeadChanges++
		result.addSession(session, &state.SessionStatePatch{
			EventID: session.EventID, SessionID: session.SessionID,
			LeadChanges: intp(session.LeadChanges),
		})
		p.appendAnnouncement(session, result, "new leader: car "+rec.NewLeader.Number, "info", msg.received())

	case rec.RunInformation != nil:
		ri := rec.RunInformation
		result.addSession(session, &state.SessionStatePatch{
			EventID: session.EventID, SessionID: session.SessionID,
			LapsToGo: intp(ri.LapsToGo), TimeToGo: intp(ri.TimeToGoSeconds), RunningRaceTime: intp(ri.RunningRaceTime),
		})

	case rec.TrackInformation != nil:
		ti := rec.TrackInformation
		es.loopDefs[ti.Name] = decode.LoopDefinition{
			Name: ti.Name, IsInPit: ti.IsInPit, IsPitStartFinish: ti.IsPitSF, IsStartFinish: ti.IsSF,
		}
		p.syncLoopTopology(session, es, result)

	case rec.Announcement != nil:
		a := rec.Announcement
		p.appendAnnouncement(session, result, a.Text, a.Priority, msg.received())

	case rec.Version != nil:
		p.log.WithField("version", rec.Version.Version).Debug("multiloop feed version")
	}
}

// applyMultiloopFlag handles an F record: it both drives the
// currentFlag/flagDurations transition (via the same Flags processor the
// result-monitor heartbeat uses) and overlays the feed's authoritative
// time aggregates, since multiloop reports greenMs/yellowMs/redMs/
// numberOfYellows/leadChanges/averageRaceSpeed directly rather than
// requiring them to be derived from transition timestamps (spec.md §4.3).
func (p *Pipeline) applyMultiloopFlag(session *state.SessionState, f *decode.MLFlagRecord, now time.Time, result *pass) {
	if f.Flag != state.FlagUnknown && f.Flag != session.CurrentFlag {
		if sp := enrich.Flags(session, f.Flag, now, now, p.deps.FlagPersister); sp != nil {
			result.addSession(session, sp)
		}
	}
	result.addSession(session, &state.SessionStatePatch{
		EventID: session.EventID, SessionID: session.SessionID,
		GreenMs: int64p(f.GreenMs), YellowMs: int64p(f.YellowMs), RedMs: int64p(f.RedMs),
		NumberOfYellows: intp(f.NumberOfYellows), LeadChanges: intp(f.LeadChanges),
		AverageRaceSpeed: floatp(f.AverageRaceSpeed),
	})
}

func (p *Pipeline) syncLoopTopology(session *state.SessionState, es *perEventState, result *pass) {
	loops := make([]decode.LoopDefinition, 0, len(es.loopDefs))
	sections := make([]state.TrackSection, 0, len(es.loopDefs))
	for _, l := range es.loopDefs {
		loops = append(loops, l)
		sections = append(sections, state.TrackSection{
			Name: l.Name, IsInPit: l.IsInPit, IsPitStartFinish: l.IsPitStartFinish, IsStartFinish: l.IsStartFinish,
		})
	}
	es.pit.SetLoops(loops)
	result.addSession(session, &state.SessionStatePatch{
		EventID: session.EventID, SessionID: session.SessionID,
		Sections: &sections,
	})
}

func (p *Pipeline) appendAnnouncement(session *state.SessionState, result *pass, text, priority string, at time.Time) {
	announcements := append(append([]state.Announcement(nil), session.Announcements...), state.Announcement{
		Text: text, Priority: priority, Timestamp: at,
	})
	result.addSession(session, &state.SessionStatePatch{
		EventID: session.EventID, SessionID: session.SessionID,
		Announcements: &announcements,
	})
}

func (p *Pipeline) handlePassings(session *state.SessionState, msg Inbound, es *perEventState, result *pass) {
	batch, err := decode.DecodePassings(msg.SessionID, msg.Payload)
	if err != nil {
		p.recordMalformed("x2pass", err)
		return
	}
	if p.deps.X2Persister != nil {
		for _, raw := range batch.Passings {
			if err := p.deps.X2Persister.PersistX2Passing(session.EventID, session.SessionID, raw); err != nil {
				p.log.WithError(err).Warn("persisting x2 passing failed")
			}
		}
	}

	for _, rp := range batch.Resolve(es.entries) {
		if rp.IsResend {
			continue
		}
		car := getOrCreateCar(session, rp.Number)
		if patch := es.pit.ApplyPassing(car, rp); patch != nil {
			result.addCar(session, patch)
		}
		car = session.CarPositions[rp.Number]
		next := car.Clone()
		next.LastLoopName = rp.LoopName
		next.LastLoopUpdateTime = rp.Timestamp
		if patch := state.Diff(car, next); patch != nil {
			result.addCar(session, patch)
		}
	}
}

func (p *Pipeline) handleLoops(session *state.SessionState, msg Inbound, es *perEventState, result *pass) {
	batch, err := decode.DecodeLoops(msg.SessionID, msg.Payload)
	if err != nil {
		p.recordMalformed("x2loops", err)
		return
	}
	es.loopDefs = make(map[string]decode.LoopDefinition, len(batch.Loops))
	for _, l := range batch.Loops {
		es.loopDefs[l.Name] = l
		if p.deps.X2Persister != nil {
			if err := p.deps.X2Persister.PersistX2Loop(session.EventID, session.SessionID, l); err != nil {
				p.log.WithError(err).Warn("persisting x2 loop failed")
			}
		}
	}
	p.syncLoopTopology(session, es, result)
}

func (p *Pipeline) handleFlags(session *state.SessionState, msg Inbound, result *pass) {
	var incoming []IncomingFlag
	if err := json.Unmarshal(msg.Payload, &incoming); err != nil {
		p.recordMalformed("flags", err)
		return
	}
	for _, f := range incoming {
		flag := decode.ParseFlag(f.Flag)
		if flag == state.FlagUnknown || flag == session.CurrentFlag {
			continue
		}
		if sp := enrich.Flags(session, flag, f.StartTime, msg.received(), p.deps.FlagPersister); sp != nil {
			result.addSession(session, sp)
		}
	}
}

func (p *Pipeline) handleSessionChange(session *state.SessionState, msg Inbound, es *perEventState, result *pass) {
	if msg.SessionID == session.SessionID {
		return
	}
	if fp := enrich.Finalize(session); fp != nil {
		result.addSession(session, fp)
	}

	es.entries = decode.NewEntryTable()
	es.multiloop = decode.NewMultiloopDecoder()
	es.pit = enrich.NewPit()
	es.loopDefs = make(map[string]decode.LoopDefinition)
	es.rmonCount = 0
	es.multiloopSeen = false
	es.lastControlLog = time.Time{}

	session.SessionID = msg.SessionID
	session.EventName = msg.SessionName
	session.Liveness = state.PreLive
	session.LapsToGo = 0
	session.TimeToGo = 0
	session.RunningRaceTime = 0
	session.CurrentFlag = state.FlagUnknown
	session.FlagDurations = nil
	session.GreenMs, session.YellowMs, session.RedMs = 0, 0, 0
	session.NumberOfYellows = 0
	session.LeadChanges = 0
	session.AverageRaceSpeed = 0
	session.CarPositions = make(map[string]*state.CarPosition)
	session.Announcements = nil

	preLive := state.PreLive
	result.addSession(session, &state.SessionStatePatch{
		EventID: session.EventID, SessionID: session.SessionID,
		Liveness: &preLive, LapsToGo: intp(0), TimeToGo: intp(0),
	})
}

func (p *Pipeline) handleDriverEvent(session *state.SessionState, msg Inbound, result *pass) {
	var telemetry struct {
		DriverName string `json:"driverName"`
		DriverID   string `json:"driverId"`
	}
	if err := json.Unmarshal(msg.Payload, &telemetry); err != nil {
		p.recordMalformed("driver_event", err)
		return
	}
	car, ok := session.CarPositions[msg.CarNumber]
	if !ok {
		return
	}
	next := car.Clone()
	next.DriverName = telemetry.DriverName
	next.DriverID = telemetry.DriverID
	if patch := state.Diff(car, next); patch != nil {
		result.addCar(session, patch)
	}
}

func (p *Pipeline) handleVideo(session *state.SessionState, msg Inbound, result *pass) {
	var status struct {
		InCarVideo bool `json:"inCarVideo"`
	}
	if err := json.Unmarshal(msg.Payload, &status); err != nil {
		p.recordMalformed("video", err)
		return
	}
	car, ok := session.CarPositions[msg.CarNumber]
	if !ok {
		return
	}
	next := car.Clone()
	next.InCarVideo = status.InCarVideo
	if patch := state.Diff(car, next); patch != nil {
		result.addCar(session, patch)
	}
}

func (p *Pipeline) handleConfigChanged(session *state.SessionState, es *perEventState, result *pass) {
	result.addCars(session, es.pit.Resync(session.Cars()))
}

// fullDriverVideoRefresh re-attaches driver/video telemetry for every car
// in the session, regardless of whether it was touched this pass — the
// every-60-messages tick spec.md §4.4/§4.5 calls out, which catches
// telemetry that changed without a corresponding timing update.
func (p *Pipeline) fullDriverVideoRefresh(session *state.SessionState, result *pass) {
	if p.deps.DriverProvider != nil {
		result.addCars(session, enrich.ApplyDriver(session.EventID, session.CarPositions, p.deps.DriverProvider))
	}
	if p.deps.VideoProvider != nil {
		result.addCars(session, enrich.ApplyVideo(session.EventID, session.CarPositions, p.deps.VideoProvider))
	}
}

// runSecondaryEnrichers drives C4 in the fixed order spec.md §4.5
// prescribes: position -> pit re-sync (for distinct affected numbers) ->
// driver -> video -> multiloop apply (if active) -> control-log
// penalties.
func (p *Pipeline) runSecondaryEnrichers(session *state.SessionState, es *perEventState, result *pass) {
	result.addCars(session, enrich.Positions(session))

	affected := make([]*state.CarPosition, 0, len(result.affected))
	for number := range result.affected {
		if c, ok := session.CarPositions[number]; ok {
			affected = append(affected, c)
		}
	}
	result.addCars(session, es.pit.Resync(affected))

	affectedCars := make(map[string]*state.CarPosition, len(affected))
	for _, c := range affected {
		affectedCars[c.Number] = c
	}
	if p.deps.DriverProvider != nil {
		result.addCars(session, enrich.ApplyDriver(session.EventID, affectedCars, p.deps.DriverProvider))
	}
	if p.deps.VideoProvider != nil {
		result.addCars(session, enrich.ApplyVideo(session.EventID, affectedCars, p.deps.VideoProvider))
	}

	if es.multiloopSeen {
		for number := range result.affected {
			car, ok := session.CarPositions[number]
			if !ok {
				continue
			}
			sections := es.multiloop.OpenSections(number)
			next := car.Clone()
			next.CompletedSections = sections
			if patch := state.Diff(car, next); patch != nil {
				result.addCar(session, patch)
			}
		}
	}

	if p.deps.ControlLogProvider != nil && time.Since(es.lastControlLog) >= p.cfg.ControlLogPollInterval {
		entries, err := p.deps.ControlLogProvider.ControlLogEntries(session.EventID)
		if err != nil {
			metrics.EnricherErrors.WithLabelValues("control_log").Inc()
			p.log.WithError(err).Warn("control log fetch failed")
		} else {
			result.addCars(session, enrich.ApplyControlLog(session.CarPositions, entries))
			es.lastControlLog = time.Now()
		}
	}
}

func (p *Pipeline) recordMalformed(decoder string, err error) {
	metrics.MalformedRecords.WithLabelValues(decoder).Inc()
	p.log.WithError(err).WithField("decoder", decoder).Debug("dropped malformed record")
}

func intp(v int) *int           { return &v }
func int64p(v int64) *int64     { return &v }
func floatp(v float64) *float64 { return &v }
