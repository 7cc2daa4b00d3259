// Package pipeline implements the single-writer message-processing
// coordinator (spec component C5): for every inbound message it acquires
// the event's write lock, dispatches to the primary decoder (C3), runs
// the secondary enrichers (C4) in the fixed order spec.md §4.5 prescribes,
// releases the lock, and hands the consolidated patches to the publisher
// (C6) on a separate goroutine. The acquire/dispatch/release shape mirrors
// the teacher's Monitor.poll loop, generalized from "poll one source on a
// ticker" to "drain one bus stream per event, one message at a time, under
// an exclusive per-event lock".
package pipeline

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/redmist-timing/engine/internal/config"
	"github.com/redmist-timing/engine/internal/decode"
	"github.com/redmist-timing/engine/internal/enrich"
	"github.com/redmist-timing/engine/internal/metrics"
	"github.com/redmist-timing/engine/internal/state"
)

// Publisher receives the consolidated result of one pipeline pass,
// outside the write lock (spec.md §4.5: "outside the lock, hand
// consolidated patches to C6 on a separate task"). C6 implements this.
type Publisher interface {
	PublishCarPatches(eventID, sessionID int, patches []*state.CarPositionPatch)
	PublishSessionPatch(eventID, sessionID int, patch *state.SessionStatePatch)

	// Reset notifies every subscriber of eventID that the pipeline
	// detected an invariant violation (spec.md §3 inv. 2, §7) and they
	// should request a fresh full snapshot. C6 implements this.
	Reset(eventID int)
}

// X2Persister archives raw relay ingress that has no other durable home:
// every transponder passing and loop-topology definition (spec.md §6's
// X2Passings/X2Loops tables), independent of whether the passing could be
// resolved to a car number yet. C10 implements this.
type X2Persister interface {
	PersistX2Passing(eventID, sessionID int, p decode.Passing) error
	PersistX2Loop(eventID, sessionID int, l decode.LoopDefinition) error
}

// Deps bundles the external capabilities the secondary enrichers need.
// Any field left nil degrades that enricher to a no-op rather than a
// panic (e.g. a deployment with no control-log provider configured).
type Deps struct {
	FlagPersister      enrich.FlagPersister
	LapPersister       enrich.LapPersister
	DriverNotifier     enrich.DriverNotifier
	DriverProvider     enrich.DriverProvider
	VideoProvider      enrich.VideoProvider
	ControlLogProvider enrich.ControlLogProvider
	X2Persister        X2Persister
}

// perEventState is the small amount of per-event, per-session decoder
// state the pipeline must keep between messages (the entry table, the
// multiloop decoder's lap/section cursors, pit topology, and the
// driver/video refresh tick) — the same shape as the teacher's
// per-session Monitor instance, one per live event instead of one per
// agent session.
type perEventState struct {
	mu      sync.Mutex
	waiters int64 // goroutines blocked waiting for mu, sampled for metrics.LockWaiters

	entries        *decode.EntryTable
	multiloop      *decode.MultiloopDecoder
	pit            *enrich.Pit
	loopDefs       map[string]decode.LoopDefinition
	rmonCount      int
	lastControlLog time.Time
	multiloopSeen  bool
}

func newPerEventState() *perEventState {
	return &perEventState{
		entries:   decode.NewEntryTable(),
		multiloop: decode.NewMultiloopDecoder(),
		pit:       enrich.NewPit(),
		loopDefs:  make(map[string]decode.LoopDefinition),
	}
}

// Pipeline is the single-writer coordinator for every event this process
// owns live state for.
type Pipeline struct {
	store *state.Store
	cfg   config.EngineConfig
	deps  Deps
	pub   Publisher
	log   *logrus.Entry

	mu     sync.Mutex
	events map[int]*perEventState
}

func New(store *state.Store, cfg config.EngineConfig, deps Deps, pub Publisher, log *logrus.Entry) *Pipeline {
	return &Pipeline{
		store:  store,
		cfg:    cfg,
		deps:   deps,
		pub:    pub,
		log:    log,
		events: make(map[int]*perEventState),
	}
}

func (p *Pipeline) eventState(eventID int) *perEventState {
	p.mu.Lock()
	defer p.mu.Unlock()
	es, ok := p.events[eventID]
	if !ok {
		es = newPerEventState()
		p.events[eventID] = es
	}
	return es
}

// pass accumulates every patch produced during one Process call, plus the
// affected car numbers, so the secondary enrichers can be scoped to what
// actually changed.
type pass struct {
	carPatches        []*state.CarPositionPatch
	sessionPatches    []*state.SessionStatePatch
	affected          map[string]bool
	invariantViolated bool
}

func newPass() *pass {
	return &pass{affected: make(map[string]bool)}
}

func (ps *pass) addCar(session *state.SessionState, patch *state.CarPositionPatch) {
	if patch == nil {
		return
	}
	existing := session.CarPositions[patch.Number]
	session.CarPositions[patch.Number] = state.ApplyCarPatch(existing, patch)
	ps.carPatches = append(ps.carPatches, patch)
	ps.affected[patch.Number] = true
}

func (ps *pass) addCars(session *state.SessionState, patches []*state.CarPositionPatch) {
	for _, p := range patches {
		ps.addCar(session, p)
	}
}

func (ps *pass) addSession(session *state.SessionState, patch *state.SessionStatePatch) {
	if patch == nil {
		return
	}
	state.ApplySessionPatch(session, patch)
	ps.sessionPatches = append(ps.sessionPatches, patch)
}

// Process is the pipeline's sole entry point: one inbound message in,
// zero or more patches published out. It never returns an error —
// malformed records and enricher failures are logged and metered, never
// fatal to the stream (spec.md §7).
func (p *Pipeline) Process(msg Inbound) {
	start := time.Now()
	es := p.eventState(msg.EventID)

	waiting := atomic.AddInt64(&es.waiters, 1)
	metrics.LockWaiters.WithLabelValues(strconv.Itoa(msg.EventID)).Set(float64(waiting - 1))
	es.mu.Lock()
	atomic.AddInt64(&es.waiters, -1)
	defer es.mu.Unlock()

	var result *pass

	p.store.WithWriteLock(msg.EventID, func() *state.SessionState {
		return state.NewSessionState(msg.EventID, msg.SessionID)
	}, func(session *state.SessionState) {
		result = p.dispatch(session, msg, es)
	})

	elapsed := time.Since(start)
	metrics.ProcessingSeconds.WithLabelValues(strconv.Itoa(msg.EventID), string(msg.Type)).Observe(elapsed.Seconds())
	degraded := elapsed > p.cfg.ProcessingTimeWarn || int(waiting-1) > p.cfg.LockWaiterWarn
	if degraded {
		metrics.Degraded.WithLabelValues(strconv.Itoa(msg.EventID)).Set(1)
		p.log.WithFields(logrus.Fields{"event_id": msg.EventID, "type": msg.Type, "elapsed": elapsed, "waiters": waiting - 1}).
			Warn("pipeline pass exceeded degradation threshold")
	} else {
		metrics.Degraded.WithLabelValues(strconv.Itoa(msg.EventID)).Set(0)
	}

	if result == nil || p.pub == nil {
		return
	}

	if result.invariantViolated {
		// spec.md §7: "publish a relay reset request and await re-send;
		// do not emit partial patches" — this pass's patches are
		// discarded outright rather than handed to the publisher.
		metrics.InvariantViolations.WithLabelValues(strconv.Itoa(msg.EventID)).Inc()
		p.log.WithFields(logrus.Fields{"event_id": msg.EventID, "type": msg.Type}).
			Warn("position-consistency check failed, issuing reset instead of publishing patches")
		go p.pub.Reset(msg.EventID)
		return
	}

	// Hand consolidated patches to the publisher outside the write lock,
	// on a separate task, per spec.md §4.5.
	go func() {
		if consolidated := enrich.Consolidate(result.carPatches); len(consolidated) > 0 {
			metrics.PublishedPatches.WithLabelValues(strconv.Itoa(msg.EventID)).Add(float64(len(consolidated)))
			p.pub.PublishCarPatches(msg.EventID, msg.SessionID, consolidated)
		}
		for _, sp := range result.sessionPatches {
			p.pub.PublishSessionPatch(msg.EventID, msg.SessionID, sp)
		}
	}()
}

// dispatch runs under the event's write lock: decode, mutate, enrich,
// mutate again, collecting every patch produced along the way.
func (p *Pipeline) dispatch(session *state.SessionState, msg Inbound, es *perEventState) *pass {
	result := newPass()

	if p := enrich.OnUpdate(session); p != nil {
		result.addSession(session, p)
	}
	session.LastUpdated = msg.received()

	switch msg.Type {
	case MsgRMonitor:
		p.handleRMonitor(session, msg, es, result)
	case MsgMultiloop:
		p.handleMultiloop(session, msg, es, result)
	case MsgPassings:
		p.handlePassings(session, msg, es, result)
	case MsgLoops:
		p.handleLoops(session, msg, es, result)
	case MsgFlags:
		p.handleFlags(session, msg, result)
	case MsgSessionChange:
		p.handleSessionChange(session, msg, es, result)
	case MsgDriverEvent:
		p.handleDriverEvent(session, msg, result)
	case MsgVideo:
		p.handleVideo(session, msg, result)
	case MsgConfigChanged:
		p.handleConfigChanged(session, es, result)
	default:
		p.log.WithField("type", msg.Type).Warn("unrecognized message type")
	}

	if len(result.carPatches) > 0 {
		p.runSecondaryEnrichers(session, es, result)
	}

	// Position-consistency check, spec.md §3 invariant 2: run last, still
	// under the write lock, so a violation is caught before any patch
	// from this pass reaches a subscriber.
	if !session.PositionsConsistent() {
		result.invariantViolated = true
	}

	return result
}

func (m Inbound) received() time.Time {
	if m.ReceivedAt.IsZero() {
		return time.Now()
	}
	return m.ReceivedAt
}

