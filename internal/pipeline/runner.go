package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redmist-timing/engine/internal/bus"
)

// StreamKey returns the bus stream key one event's ingest traffic is
// appended to (spec.md §6), the same key format relayhub's relay ingress
// writes to.
func StreamKey(eventID int) string {
	return fmt.Sprintf("event_status_stream:%d", eventID)
}

// Runner drains one bus stream and feeds every entry to a Pipeline. One
// Runner per ingest stream this process consumes; the teacher's
// Monitor.Start(ctx) ticker loop is the model — poll, process, repeat
// until ctx is cancelled — generalized here from "ticker-driven poll" to
// "blocking consumer-group read" since the bus already blocks for new
// entries.
type Runner struct {
	Bus       bus.Bus
	Pipeline  *Pipeline
	StreamKey string
	Group     string
	Consumer  string
	BatchSize int64
	BlockFor  time.Duration
}

// Run processes entries from StreamKey until ctx is cancelled. It ensures
// the consumer group exists, then loops: read, dispatch, ack. A read
// error is logged and retried after a short backoff rather than aborting
// the runner — spec.md §7 treats transport hiccups as recoverable.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.Bus.EnsureGroup(ctx, r.StreamKey, r.Group); err != nil {
		return err
	}

	batch := r.BatchSize
	if batch <= 0 {
		batch = 64
	}
	blockFor := r.BlockFor
	if blockFor <= 0 {
		blockFor = 5 * time.Second
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		entries, err := r.Bus.ReadGroup(ctx, r.StreamKey, r.Group, r.Consumer, batch, blockFor)
		if err != nil {
			r.Pipeline.log.WithError(err).Warn("stream read failed, retrying")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		for _, e := range entries {
			if msg, ok := ParseField(e.Field); ok {
				msg.Payload = []byte(e.Value)
				if looksLikeLine(msg.Type) {
					msg.Line = e.Value
					msg.Payload = nil
				}
				if msg.Type == MsgSessionChange {
					var sc struct {
						SessionName    string  `json:"sessionName"`
						TimeZoneOffset float64 `json:"timeZoneOffset"`
					}
					if err := json.Unmarshal(msg.Payload, &sc); err == nil {
						msg.SessionName = sc.SessionName
						msg.TimeZoneOffset = sc.TimeZoneOffset
					}
				}
				msg.ReceivedAt = time.Now()
				r.Pipeline.Process(msg)
			} else {
				r.Pipeline.log.WithField("field", e.Field).Warn("unparseable stream field, dropping entry")
			}
			if err := r.Bus.Ack(ctx, r.StreamKey, r.Group, e.ID); err != nil {
				r.Pipeline.log.WithError(err).WithField("entry_id", e.ID).Warn("ack failed")
			}
		}
	}
}

func looksLikeLine(t MessageType) bool {
	return t == MsgRMonitor || t == MsgMultiloop
}

// ParseField decodes a bus field tag of the form
// "{type}-{eventId}-{sessionId}" (spec.md §4.1/§6) into the Inbound
// header fields. The payload/line body is filled in by the caller from
// the entry's value.
func ParseField(field string) (Inbound, bool) {
	parts := strings.SplitN(field, "-", 3)
	if len(parts) != 3 {
		return Inbound{}, false
	}
	eventID, err := strconv.Atoi(parts[1])
	if err != nil {
		return Inbound{}, false
	}
	sessionID, err := strconv.Atoi(parts[2])
	if err != nil {
		return Inbound{}, false
	}
	return Inbound{Type: MessageType(parts[0]), EventID: eventID, SessionID: sessionID}, true
}
