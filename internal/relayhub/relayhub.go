// Package relayhub implements authenticated realtime ingress from
// trackside relays (spec component C7): one websocket connection per
// relay, JSON command dispatch, and append-to-stream for every timing
// message. It generalizes the teacher's ws.Server connection-handling
// half (internal/ws/server.go: upgrade, origin/token auth, per-connection
// bookkeeping) to a bus-backed connection registry, since multiple
// relay-hub processes can run concurrently behind a load balancer.
package relayhub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/redmist-timing/engine/internal/bus"
	"github.com/redmist-timing/engine/internal/pipeline"
)

const (
	relayConnectionsHash = "relay_event_connections"
	streamKeyFmt         = "event_status_stream:%d"
	passingBatchSize     = 25
)

// Principal is the identity carried by an authenticated relay connection
// (spec.md §4.1: "bearer-token identity carrying a client principal and
// an organization id").
type Principal struct {
	ClientID string
	OrgID    string
}

// OrgResolver authorizes a relay's access to an event: the organization
// that owns the event (EventOrg) must equal the organization id carried in
// the connected principal's token. No lookup from the client id to an
// organization is made.
type OrgResolver interface {
	EventOrg(ctx context.Context, eventID int) (orgID string, err error)
	UpsertSession(ctx context.Context, eventID, sessionID int, name string, tzOffset float64) error
	UpsertCompetitorMetadata(ctx context.Context, eventID int, raw json.RawMessage) error
}

// ErrUnauthorized is returned when a relay attempts to act on an event
// that does not belong to its organization.
type ErrUnauthorized struct {
	EventID int
}

func (e *ErrUnauthorized) Error() string {
	return fmt.Sprintf("relayhub: event %d does not belong to caller's organization", e.EventID)
}

// Hub dispatches authenticated relay commands onto the bus. One Hub
// serves every relay connection this process accepts.
type Hub struct {
	bus bus.Bus
	org OrgResolver
	log *logrus.Entry

	mu     sync.Mutex
	groups map[int]map[string]bool // eventID -> connectionID set, in-process dedup for idempotent group joins
}

func New(b bus.Bus, org OrgResolver, log *logrus.Entry) *Hub {
	return &Hub{
		bus:    b,
		org:    org,
		log:    log,
		groups: make(map[int]map[string]bool),
	}
}

// Connect registers a newly authenticated relay connection in the global
// connection hash (spec.md §4.7).
func (h *Hub) Connect(ctx context.Context, connectionID string, p Principal) error {
	rec := map[string]any{"connectionId": connectionID, "clientId": p.ClientID, "connectedAt": time.Now().UTC()}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return h.bus.HSet(ctx, relayConnectionsHash, "relay_connection:"+connectionID, string(data), 0)
}

// Disconnect removes the connection's entry from the registry.
func (h *Hub) Disconnect(ctx context.Context, connectionID string) {
	if err := h.bus.HDel(ctx, relayConnectionsHash, "relay_connection:"+connectionID); err != nil {
		h.log.WithError(err).WithField("connection_id", connectionID).Warn("removing relay connection failed")
	}
}

func (h *Hub) authorize(ctx context.Context, p Principal, eventID int) error {
	orgID, err := h.org.EventOrg(ctx, eventID)
	if err != nil {
		return err
	}
	if orgID != p.OrgID {
		return &ErrUnauthorized{EventID: eventID}
	}
	return nil
}

// joinRelayGroup idempotently records that connectionID is forwarding
// traffic for eventID, reducing duplicate group-membership writes
// (spec.md §4.7/§5: "per relay group... an in-process set... idempotent
// add").
func (h *Hub) joinRelayGroup(eventID int, connectionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.groups[eventID]
	if !ok {
		set = make(map[string]bool)
		h.groups[eventID] = set
	}
	set[connectionID] = true
}

// leaveAllGroups removes connectionID from every relay group it joined,
// called on disconnect.
func (h *Hub) leaveAllGroups(connectionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, set := range h.groups {
		delete(set, connectionID)
	}
}

func (h *Hub) append(ctx context.Context, eventID int, field, value string) error {
	_, err := h.bus.Append(ctx, fmt.Sprintf(streamKeyFmt, eventID), field, []byte(value))
	return err
}

// SendHeartbeat implements spec.md §4.7/§6: update
// {eventId, connectionId, orgId, timestamp} at heartbeat:{eventId}.
func (h *Hub) SendHeartbeat(ctx context.Context, connectionID string, p Principal, eventID int) error {
	if err := h.authorize(ctx, p, eventID); err != nil {
		return err
	}
	rec := map[string]any{
		"eventId": eventID, "connectionId": connectionID, "orgId": p.OrgID, "timestamp": time.Now().UTC(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return h.bus.Set(ctx, fmt.Sprintf("heartbeat:%d", eventID), string(data), 0)
}

// SendRMonitor appends one newline-terminated rMonitor record to the
// event's stream and idempotently joins the event's relay group.
func (h *Hub) SendRMonitor(ctx context.Context, connectionID string, p Principal, eventID, sessionID int, line string) error {
	if err := h.authorize(ctx, p, eventID); err != nil {
		return err
	}
	h.joinRelayGroup(eventID, connectionID)
	field := fmt.Sprintf("%s-%d-%d", pipeline.MsgRMonitor, eventID, sessionID)
	return h.append(ctx, eventID, field, line)
}

// SendSessionChange verifies ownership, ensures the session row exists
// (delegated to the persistence layer via OrgResolver.UpsertSession), and
// appends the session-change record to the stream.
func (h *Hub) SendSessionChange(ctx context.Context, connectionID string, p Principal, eventID, sessionID int, name string, tzOffset float64) error {
	if err := h.authorize(ctx, p, eventID); err != nil {
		return err
	}
	if err := h.org.UpsertSession(ctx, eventID, sessionID, name, tzOffset); err != nil {
		h.log.WithError(err).WithField("event_id", eventID).Warn("persisting session row failed")
	}
	field := fmt.Sprintf("%s-%d-%d", pipeline.MsgSessionChange, eventID, sessionID)
	rec, err := json.Marshal(struct {
		SessionName    string  `json:"sessionName"`
		TimeZoneOffset float64 `json:"timeZoneOffset"`
	}{name, tzOffset})
	if err != nil {
		return err
	}
	return h.append(ctx, eventID, field, string(rec))
}

// SendPassings chunks passings into batches of at most 25 per stream
// entry (spec.md §4.7).
func (h *Hub) SendPassings(ctx context.Context, connectionID string, p Principal, eventID, sessionID int, passings []json.RawMessage) error {
	if err := h.authorize(ctx, p, eventID); err != nil {
		return err
	}
	h.joinRelayGroup(eventID, connectionID)
	field := fmt.Sprintf("%s-%d-%d", pipeline.MsgPassings, eventID, sessionID)
	for start := 0; start < len(passings); start += passingBatchSize {
		end := start + passingBatchSize
		if end > len(passings) {
			end = len(passings)
		}
		batch, err := json.Marshal(passings[start:end])
		if err != nil {
			return err
		}
		if err := h.append(ctx, eventID, field, string(batch)); err != nil {
			return err
		}
	}
	return nil
}

// SendLoopChange appends a loop-topology update to the stream. Loop
// changes are not scoped to a session, so sessionID is always 0 in the
// field tag.
func (h *Hub) SendLoopChange(ctx context.Context, connectionID string, p Principal, eventID int, loops []json.RawMessage) error {
	if err := h.authorize(ctx, p, eventID); err != nil {
		return err
	}
	h.joinRelayGroup(eventID, connectionID)
	field := fmt.Sprintf("%s-%d-0", pipeline.MsgLoops, eventID)
	data, err := json.Marshal(loops)
	if err != nil {
		return err
	}
	return h.append(ctx, eventID, field, string(data))
}

// SendFlags appends a batch of flag durations to the stream.
func (h *Hub) SendFlags(ctx context.Context, connectionID string, p Principal, eventID, sessionID int, flags []json.RawMessage) error {
	if err := h.authorize(ctx, p, eventID); err != nil {
		return err
	}
	h.joinRelayGroup(eventID, connectionID)
	field := fmt.Sprintf("%s-%d-%d", pipeline.MsgFlags, eventID, sessionID)
	data, err := json.Marshal(flags)
	if err != nil {
		return err
	}
	return h.append(ctx, eventID, field, string(data))
}

// SendCompetitorMetadata persists metadata with a last-update-wins rule
// (delegated to OrgResolver, which owns the upsert SQL) and appends the
// raw payload to the event's stream under a competitors field tag. The
// pipeline has no handler for that message type and drops such entries.
func (h *Hub) SendCompetitorMetadata(ctx context.Context, connectionID string, p Principal, eventID int, raw json.RawMessage) error {
	if err := h.authorize(ctx, p, eventID); err != nil {
		return err
	}
	if err := h.org.UpsertCompetitorMetadata(ctx, eventID, raw); err != nil {
		h.log.WithError(err).WithField("event_id", eventID).Warn("persisting competitor metadata failed")
	}
	field := fmt.Sprintf("%s-%d-0", pipeline.MsgCompetitors, eventID)
	return h.append(ctx, eventID, field, string(raw))
}
