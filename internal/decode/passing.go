package decode

import (
	"encoding/json"
	"fmt"
	"time"
)

// Passing is one transponder crossing of a timing loop (spec.md §4.3,
// GLOSSARY: "A transponder crossing a timing loop, with timestamp, pit
// flag, and resend flag").
type Passing struct {
	TransponderID string    `json:"transponderId"`
	Timestamp     time.Time `json:"timestamp"`
	LoopName      string    `json:"loopName"`
	IsInPit       bool      `json:"isInPit"`
	IsResend      bool      `json:"isResend"`
}

// ResolvedPassing is a Passing with its transponder id resolved to a car
// number via the session's EntryTable.
type ResolvedPassing struct {
	Passing
	Number string
}

// LoopDefinition describes one timing loop's role on the circuit.
type LoopDefinition struct {
	Name             string `json:"name"`
	IsInPit          bool   `json:"isInPit"`
	IsPitStartFinish bool   `json:"isPitStartFinish"`
	IsStartFinish    bool   `json:"isStartFinish"`
}

// PassingBatch is the array payload the relay sends for transponder
// passings; spec.md §4.7 notes these are chunked into batches of ≤25.
type PassingBatch struct {
	SessionID int
	Passings  []Passing
}

// LoopBatch is the array payload describing the track's loop topology.
type LoopBatch struct {
	SessionID int
	Loops     []LoopDefinition
}

// DecodePassings parses a JSON-encoded array of transponder passings.
func DecodePassings(sessionID int, payload []byte) (*PassingBatch, error) {
	var passings []Passing
	if err := json.Unmarshal(payload, &passings); err != nil {
		return nil, fmt.Errorf("decode passings: %w", err)
	}
	return &PassingBatch{SessionID: sessionID, Passings: passings}, nil
}

// DecodeLoops parses a JSON-encoded array of loop definitions.
func DecodeLoops(sessionID int, payload []byte) (*LoopBatch, error) {
	var loops []LoopDefinition
	if err := json.Unmarshal(payload, &loops); err != nil {
		return nil, fmt.Errorf("decode loops: %w", err)
	}
	return &LoopBatch{SessionID: sessionID, Loops: loops}, nil
}

// Resolve maps each passing's transponder id to a car number using
// entries, dropping passings for unknown transponders (spec.md §4.3:
// "Passings map transponderId→carNumber via current entry table").
func (b *PassingBatch) Resolve(entries *EntryTable) []ResolvedPassing {
	out := make([]ResolvedPassing, 0, len(b.Passings))
	for _, p := range b.Passings {
		number, ok := entries.CarNumber(p.TransponderID)
		if !ok {
			continue
		}
		out = append(out, ResolvedPassing{Passing: p, Number: number})
	}
	return out
}
