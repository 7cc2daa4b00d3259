package state

import "github.com/vmihailenco/msgpack/v5"

// EncodeMsgpack serializes a session snapshot for the inter-service
// snapshot-fetch path (spec.md §6): when one engine process needs another
// event-owning process's current state (C9 endpoint registry resolves
// which one), it's fetched over this more compact wire format rather than
// the public JSON/gzip encoding C6 uses for subscribers.
func (s *SessionState) EncodeMsgpack() ([]byte, error) {
	return msgpack.Marshal(s)
}

// DecodeSessionStateMsgpack is the receiving side of EncodeMsgpack.
func DecodeSessionStateMsgpack(data []byte) (*SessionState, error) {
	var s SessionState
	if err := msgpack.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
