package publish

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/redmist-timing/engine/internal/bus"
	"github.com/redmist-timing/engine/internal/config"
	"github.com/redmist-timing/engine/internal/state"
)

const (
	eventPatchChannel      = "status_event_patches:%d"
	connectionMsgChannel   = "status_connection_message:%s"
	eventConnectionsHash   = "status_event_connections:%d"
	eventPayloadKey        = "event_payload:%d"
	fullStatusChannel      = "send_full_status"
)

// fullStatusRequest is the body subhub (C8) publishes on fullStatusChannel
// when a connection joins an event's subscriber group (spec.md §4.8/§6).
type fullStatusRequest struct {
	EventID      int    `json:"eventId"`
	ConnectionID string `json:"connectionId"`
}

// Publisher implements pipeline.Publisher: it pushes deltas to an event's
// subscriber group as soon as a pipeline pass produces them, and runs one
// background full-refresh loop per live event (spec.md §4.6). The
// teacher's per-client send channel + writePump becomes, here, one bus
// pub/sub channel per event for deltas and one per connection for the
// paced snapshot fan-out — subhub (C8) owns the actual websocket, this
// package only ever talks to the bus.
type Publisher struct {
	bus   bus.Bus
	store *state.Store
	cfg   config.PublishConfig
	log   *logrus.Entry

	mu        sync.Mutex
	loops     map[int]context.CancelFunc
	subCancel context.CancelFunc
}

func New(b bus.Bus, store *state.Store, cfg config.PublishConfig, log *logrus.Entry) *Publisher {
	p := &Publisher{
		bus:   b,
		store: store,
		cfg:   cfg,
		log:   log,
		loops: make(map[int]context.CancelFunc),
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.subCancel = cancel
	go p.serveFullStatusRequests(ctx)
	return p
}

// serveFullStatusRequests answers send_full_status requests: whichever
// process owns eventID's live state pushes connectionId an immediate
// targeted snapshot rather than leaving it to wait for the next
// full-refresh tick (spec.md §4.8).
func (p *Publisher) serveFullStatusRequests(ctx context.Context) {
	sub, err := p.bus.Subscribe(ctx, fullStatusChannel, func(payload []byte) {
		var req fullStatusRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			p.log.WithError(err).Warn("malformed send_full_status request")
			return
		}
		p.sendTargetedSnapshot(req.EventID, req.ConnectionID)
	})
	if err != nil {
		p.log.WithError(err).Error("subscribing to send_full_status failed")
		return
	}
	<-ctx.Done()
	if sub != nil {
		sub.Unsubscribe()
	}
}

// sendTargetedSnapshot pushes one connection its initial full snapshot. If
// this process doesn't own eventID's live state it stays silent — the
// process that does own it answers the same request.
func (p *Publisher) sendTargetedSnapshot(eventID int, connectionID string) {
	session, ok := p.store.Get(eventID)
	if !ok {
		return
	}

	encoded, err := encodeSnapshot(session)
	if err != nil {
		p.log.WithError(err).WithField("event_id", eventID).Error("encoding targeted snapshot")
		return
	}

	msg, err := json.Marshal(Message{Type: MsgSnapshot, EventID: eventID, Payload: encoded})
	if err != nil {
		p.log.WithError(err).Error("marshaling targeted snapshot message")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	channel := fmt.Sprintf(connectionMsgChannel, connectionID)
	if err := p.bus.Publish(ctx, channel, msg, true); err != nil {
		p.log.WithError(err).WithField("connection_id", connectionID).Warn("sending targeted snapshot failed")
	}
}

// PublishCarPatches implements pipeline.Publisher. It is called once per
// pipeline pass, outside the event's write lock, with whatever
// consolidated patches that pass produced.
func (p *Publisher) PublishCarPatches(eventID, sessionID int, patches []*state.CarPositionPatch) {
	if len(patches) == 0 {
		return
	}
	p.ensureFullRefreshLoop(eventID)
	p.publishToEvent(eventID, Message{
		Type:      MsgCarPatches,
		EventID:   eventID,
		SessionID: sessionID,
		Payload:   CarPatchesPayload{Patches: patches},
	})
}

// PublishSessionPatch implements pipeline.Publisher.
func (p *Publisher) PublishSessionPatch(eventID, sessionID int, patch *state.SessionStatePatch) {
	if patch == nil {
		return
	}
	p.ensureFullRefreshLoop(eventID)
	p.publishToEvent(eventID, Message{
		Type:      MsgSessionPatch,
		EventID:   eventID,
		SessionID: sessionID,
		Payload:   patch,
	})
}

// Reset publishes a ReceiveReset notification for eventID — sent when the
// pipeline detects an invariant violation, asking every subscriber to
// request a fresh full snapshot (spec.md §6/§7).
func (p *Publisher) Reset(eventID int) {
	p.publishToEvent(eventID, Message{Type: MsgReset, EventID: eventID})
}

func (p *Publisher) publishToEvent(eventID int, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		p.log.WithError(err).Error("marshaling publish message")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	channel := fmt.Sprintf(eventPatchChannel, eventID)
	if err := p.bus.Publish(ctx, channel, data, true); err != nil {
		p.log.WithError(err).WithField("event_id", eventID).Warn("publishing delta failed")
	}
}

// Stop cancels every event's background full-refresh loop. Intended for
// graceful shutdown.
func (p *Publisher) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, cancel := range p.loops {
		cancel()
	}
	p.loops = make(map[int]context.CancelFunc)
	if p.subCancel != nil {
		p.subCancel()
	}
}

func (p *Publisher) ensureFullRefreshLoop(eventID int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.loops[eventID]; ok {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.loops[eventID] = cancel
	go p.fullRefreshLoop(ctx, eventID)
}

// fullRefreshLoop is the teacher's snapshotLoop generalized: instead of
// broadcasting one snapshot to every in-process client at once, it
// enumerates the event's subscriber hash, builds one compressed snapshot,
// and paces delivery across the subscriber set at T_full/N, clamped to
// [MinPacing, MaxPacing] (spec.md §4.6).
func (p *Publisher) fullRefreshLoop(ctx context.Context, eventID int) {
	interval := p.cfg.FullRefreshInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.runFullRefresh(ctx, eventID, interval)
		}
	}
}

func (p *Publisher) runFullRefresh(ctx context.Context, eventID int, interval time.Duration) {
	session, ok := p.store.Get(eventID)
	if !ok {
		return
	}

	encoded, err := encodeSnapshot(session)
	if err != nil {
		p.log.WithError(err).WithField("event_id", eventID).Error("encoding snapshot")
		return
	}

	kvCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	ttl := p.cfg.PayloadTTL
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	if err := p.bus.Set(kvCtx, fmt.Sprintf(eventPayloadKey, eventID), encoded, ttl); err != nil {
		p.log.WithError(err).WithField("event_id", eventID).Warn("caching full payload failed")
	}
	cancel()

	connCtx, cancel2 := context.WithTimeout(ctx, 2*time.Second)
	conns, err := p.bus.HGetAll(connCtx, fmt.Sprintf(eventConnectionsHash, eventID))
	cancel2()
	if err != nil {
		p.log.WithError(err).WithField("event_id", eventID).Warn("listing event subscribers failed")
		return
	}
	if len(conns) == 0 {
		return
	}

	pacing := interval / time.Duration(len(conns))
	if pacing < p.cfg.MinPacing {
		pacing = p.cfg.MinPacing
	}
	if p.cfg.MaxPacing > 0 && pacing > p.cfg.MaxPacing {
		pacing = p.cfg.MaxPacing
	}

	msg, err := json.Marshal(Message{Type: MsgSnapshot, EventID: eventID, Payload: encoded})
	if err != nil {
		p.log.WithError(err).Error("marshaling snapshot message")
		return
	}

	for connectionID := range conns {
		select {
		case <-ctx.Done():
			return
		default:
		}
		sendCtx, cancel3 := context.WithTimeout(ctx, 2*time.Second)
		channel := fmt.Sprintf(connectionMsgChannel, connectionID)
		if err := p.bus.Publish(sendCtx, channel, msg, true); err != nil {
			p.log.WithError(err).WithField("connection_id", connectionID).Warn("sending snapshot to connection failed")
		}
		cancel3()
		time.Sleep(pacing)
	}
}

// encodeSnapshot implements the wire format spec.md §6 names:
// base64(gzip(utf8(json(payload)))).
func encodeSnapshot(session *state.SessionState) (string, error) {
	raw, err := json.Marshal(SnapshotPayload{Session: session})
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(raw); err != nil {
		gz.Close()
		return "", err
	}
	if err := gz.Close(); err != nil {
		return "", err
	}

	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
