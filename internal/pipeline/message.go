package pipeline

import "time"

// MessageType tags one inbound timing message, matching the bus field-tag
// vocabulary spec.md §6 defines: `{type}-{eventId}-{sessionId}`.
type MessageType string

const (
	MsgRMonitor      MessageType = "rmon"
	MsgMultiloop     MessageType = "multiloop"
	MsgPassings      MessageType = "x2pass"
	MsgLoops         MessageType = "x2loops"
	MsgFlags         MessageType = "flags"
	MsgCompetitors   MessageType = "competitors"
	MsgSessionChange MessageType = "session_changed"
	MsgDriverEvent   MessageType = "driver_event"
	MsgVideo         MessageType = "video"
	MsgConfigChanged MessageType = "config_changed"
)

// IncomingFlag is one entry of a SendFlags relay call: a flag transition
// already parsed by the relay into (flag, startTime).
type IncomingFlag struct {
	Flag      string    `json:"flag"`
	StartTime time.Time `json:"startTime"`
}

// Inbound is one message drained from the bus and handed to the
// pipeline's Process method. Exactly the fields relevant to Type are
// populated; this mirrors the "tagged variants with a shared header"
// re-architecture spec.md §9 calls for, replacing an inheritance
// hierarchy of message classes.
type Inbound struct {
	EventID   int
	SessionID int
	Type      MessageType

	// rmon / multiloop: one newline-terminated protocol line.
	Line string

	// x2pass / x2loops / flags / competitors: JSON payload.
	Payload []byte

	// session_changed
	SessionName   string
	TimeZoneOffset float64

	// driver_event / video: direct telemetry for one car, bypassing the
	// cache provider (used when the relay pushes rather than the
	// pipeline pulling on its periodic tick).
	CarNumber string

	ReceivedAt time.Time
}
