// Package publish implements the fan-out half of the pipeline (spec
// component C6): push patches to an event's subscriber group immediately
// after every pipeline pass, and run a scheduled full-refresh loop that
// paces a compressed snapshot out to each subscriber connection. It
// generalizes the teacher's ws.Broadcaster (coalesced delta queue +
// snapshotLoop) from an in-process client map to a bus-mediated fan-out,
// since subscriber connections can be owned by any subhub process.
package publish

import "github.com/redmist-timing/engine/internal/state"

// MessageType mirrors the teacher's ws.MessageType enum, extended with a
// reset message kind. There is no control-log message kind.
type MessageType string

const (
	MsgCarPatches    MessageType = "car_patches"
	MsgSessionPatch  MessageType = "session_patch"
	MsgSnapshot      MessageType = "snapshot"
	MsgReset         MessageType = "reset"
)

// Message is the envelope published on an event's patch channel and on
// each per-connection message channel. Payload carries the JSON-encoded
// patch/snapshot body; for MsgSnapshot it is additionally gzip+base64
// encoded per spec.md §6's wire-compatibility note, so Payload is already
// the final wire string in that case.
type Message struct {
	Type      MessageType `json:"type"`
	EventID   int         `json:"eventId"`
	SessionID int         `json:"sessionId,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
}

// CarPatchesPayload is the body of a MsgCarPatches message.
type CarPatchesPayload struct {
	Patches []*state.CarPositionPatch `json:"patches"`
}

// SnapshotPayload is JSON-marshaled, gzip-compressed, then base64-encoded
// before being sent as a MsgSnapshot's Payload string (spec.md §6).
type SnapshotPayload struct {
	Session *state.SessionState `json:"session"`
}
