// Package subhub implements authenticated realtime egress to UI clients
// (spec component C8): connection registry, per-event and auxiliary
// subscription groups, and the "send full status" handoff to whichever
// process owns the event's live pipeline. It generalizes the same
// ws.Server/ws.Broadcaster connection-registry half the teacher uses for
// its single-process client map, replacing the in-process map with the
// bus-backed hashes spec.md §6 names so any subhub process instance can
// serve any subscriber.
package subhub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/redmist-timing/engine/internal/bus"
	"github.com/redmist-timing/engine/internal/metrics"
)

const (
	connectionsHash      = "status_connections"
	eventConnectionsFmt  = "status_event_connections:%d"
	controlLogGroupFmt   = "status_control_log_connections:%d"
	carControlLogFmt     = "status_car_control_log_connections:%d:%s"
	inCarGroupFmt        = "status_in_car_connections:%d:%s"
	fullStatusChannel    = "send_full_status"
)

// connectionRecord is the value stored in the global connections hash
// (spec.md §4.8: "{connectionId, clientId, subscribedEventId=0}").
type connectionRecord struct {
	ConnectionID     string `json:"connectionId"`
	ClientID         string `json:"clientId"`
	SubscribedEvent  int    `json:"subscribedEventId"`
}

// Hub tracks client connections and their subscription groups entirely
// through the bus, so subscription state survives this process
// restarting and is visible to every publish (C6) instance.
type Hub struct {
	bus bus.Bus
	log *logrus.Entry
}

func New(b bus.Bus, log *logrus.Entry) *Hub {
	return &Hub{bus: b, log: log}
}

// OnConnect registers a new client connection with no event subscription
// yet (spec.md §4.8).
func (h *Hub) OnConnect(ctx context.Context, connectionID, clientID string) error {
	rec := connectionRecord{ConnectionID: connectionID, ClientID: clientID}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return h.bus.HSet(ctx, connectionsHash, connectionID, string(data), 0)
}

// OnDisconnect removes the connection from the global hash and from the
// group of the event it subscribed to, decrementing that event's
// subscriber gauge. Entries it holds in the control-log, car control-log
// or in-car groups are not removed, and the in-car gauge is not
// decremented.
func (h *Hub) OnDisconnect(ctx context.Context, connectionID string) {
	rec, ok := h.connection(ctx, connectionID)
	if ok && rec.SubscribedEvent != 0 {
		h.removeFromEventGroup(ctx, rec.SubscribedEvent, connectionID)
		metrics.SubscriberConnections.WithLabelValues(fmt.Sprint(rec.SubscribedEvent)).Dec()
	}
	if err := h.bus.HDel(ctx, connectionsHash, connectionID); err != nil {
		h.log.WithError(err).WithField("connection_id", connectionID).Warn("removing connection record failed")
	}
}

func (h *Hub) connection(ctx context.Context, connectionID string) (connectionRecord, bool) {
	raw, ok, err := h.bus.HGet(ctx, connectionsHash, connectionID)
	if err != nil || !ok {
		return connectionRecord{}, false
	}
	var rec connectionRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return connectionRecord{}, false
	}
	return rec, true
}

func (h *Hub) setSubscribedEvent(ctx context.Context, connectionID string, eventID int) error {
	rec, ok := h.connection(ctx, connectionID)
	if !ok {
		rec = connectionRecord{ConnectionID: connectionID}
	}
	rec.SubscribedEvent = eventID
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return h.bus.HSet(ctx, connectionsHash, connectionID, string(data), 0)
}

func (h *Hub) removeFromEventGroup(ctx context.Context, eventID int, connectionID string) {
	if err := h.bus.HDel(ctx, fmt.Sprintf(eventConnectionsFmt, eventID), connectionID); err != nil {
		h.log.WithError(err).Warn("leaving event subscriber group failed")
	}
}

// SubscribeToEvent adds connectionID to eventID's subscriber group,
// records the subscription on the connection, and requests an initial
// full snapshot from whichever process owns the event's live pipeline
// (spec.md §4.8: publishes on send_full_status).
func (h *Hub) SubscribeToEvent(ctx context.Context, connectionID string, eventID int) error {
	if rec, ok := h.connection(ctx, connectionID); ok && rec.SubscribedEvent != 0 && rec.SubscribedEvent != eventID {
		h.removeFromEventGroup(ctx, rec.SubscribedEvent, connectionID)
		metrics.SubscriberConnections.WithLabelValues(fmt.Sprint(rec.SubscribedEvent)).Dec()
	}

	if err := h.bus.HSet(ctx, fmt.Sprintf(eventConnectionsFmt, eventID), connectionID, "1", 0); err != nil {
		return err
	}
	if err := h.setSubscribedEvent(ctx, connectionID, eventID); err != nil {
		return err
	}
	metrics.SubscriberConnections.WithLabelValues(fmt.Sprint(eventID)).Inc()

	return h.requestFullStatus(ctx, eventID, connectionID)
}

// SubscribeToEventV2 is the V2 client variant. Per the open-question
// resolution in DESIGN.md, legacy and V2 subscribers share the same
// per-event group (fan-out doesn't differ by protocol version); only the
// wire encoding of outbound payloads differs, which is a C6/transport
// concern, not a group-membership one.
func (h *Hub) SubscribeToEventV2(ctx context.Context, connectionID string, eventID int) error {
	return h.SubscribeToEvent(ctx, connectionID, eventID)
}

// UnsubscribeFromEvent removes connectionID from eventID's group.
func (h *Hub) UnsubscribeFromEvent(ctx context.Context, connectionID string, eventID int) error {
	h.removeFromEventGroup(ctx, eventID, connectionID)
	metrics.SubscriberConnections.WithLabelValues(fmt.Sprint(eventID)).Dec()
	return h.setSubscribedEvent(ctx, connectionID, 0)
}

func (h *Hub) UnsubscribeFromEventV2(ctx context.Context, connectionID string, eventID int) error {
	return h.UnsubscribeFromEvent(ctx, connectionID, eventID)
}

// SubscribeToControlLogs adds connectionID to the event's control-log
// auxiliary group (spec.md §4.8).
func (h *Hub) SubscribeToControlLogs(ctx context.Context, connectionID string, eventID int) error {
	return h.bus.HSet(ctx, fmt.Sprintf(controlLogGroupFmt, eventID), connectionID, "1", 0)
}

func (h *Hub) UnsubscribeFromControlLogs(ctx context.Context, connectionID string, eventID int) error {
	return h.bus.HDel(ctx, fmt.Sprintf(controlLogGroupFmt, eventID), connectionID)
}

// SubscribeToCarControlLogs adds connectionID to the per-car control-log
// auxiliary group.
func (h *Hub) SubscribeToCarControlLogs(ctx context.Context, connectionID string, eventID int, carNumber string) error {
	return h.bus.HSet(ctx, fmt.Sprintf(carControlLogFmt, eventID, carNumber), connectionID, "1", 0)
}

func (h *Hub) UnsubscribeFromCarControlLogs(ctx context.Context, connectionID string, eventID int, carNumber string) error {
	return h.bus.HDel(ctx, fmt.Sprintf(carControlLogFmt, eventID, carNumber), connectionID)
}

// SubscribeToInCarDriverEvent adds connectionID to the per-car in-car
// video/telemetry group and increments the in-car connections gauge.
func (h *Hub) SubscribeToInCarDriverEvent(ctx context.Context, connectionID string, eventID int, carNumber string) error {
	if err := h.bus.HSet(ctx, fmt.Sprintf(inCarGroupFmt, eventID, carNumber), connectionID, "1", 0); err != nil {
		return err
	}
	metrics.InCarConnections.WithLabelValues(fmt.Sprint(eventID)).Inc()
	return nil
}

func (h *Hub) SubscribeToInCarDriverEventV2(ctx context.Context, connectionID string, eventID int, carNumber string) error {
	return h.SubscribeToInCarDriverEvent(ctx, connectionID, eventID, carNumber)
}

func (h *Hub) UnsubscribeFromInCarDriverEvent(ctx context.Context, connectionID string, eventID int, carNumber string) error {
	if err := h.bus.HDel(ctx, fmt.Sprintf(inCarGroupFmt, eventID, carNumber), connectionID); err != nil {
		return err
	}
	metrics.InCarConnections.WithLabelValues(fmt.Sprint(eventID)).Dec()
	return nil
}

func (h *Hub) UnsubscribeFromInCarDriverEventV2(ctx context.Context, connectionID string, eventID int, carNumber string) error {
	return h.UnsubscribeFromInCarDriverEvent(ctx, connectionID, eventID, carNumber)
}

// requestFullStatus publishes {eventId, connectionId} on send_full_status
// so the process owning eventID's live pipeline sends this connection an
// initial snapshot (spec.md §6).
func (h *Hub) requestFullStatus(ctx context.Context, eventID int, connectionID string) error {
	data, err := json.Marshal(struct {
		EventID      int    `json:"eventId"`
		ConnectionID string `json:"connectionId"`
	}{eventID, connectionID})
	if err != nil {
		return err
	}
	pubCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return h.bus.Publish(pubCtx, fullStatusChannel, data, true)
}
