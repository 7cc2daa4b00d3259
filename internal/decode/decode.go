// Package decode turns raw trackside protocol bytes into typed records
// (spec component C3): the result-monitor line protocol, the multiloop
// hex-field record protocol, and the transponder passing/loop arrays.
// Decoders are pure where possible; the multiloop decoder carries the
// small amount of per-car state the protocol itself requires (latest
// completed lap, open section timings) the same way the teacher's
// monitor.Source implementations track per-source cursors.
package decode

import (
	"fmt"
	"strconv"
	"strings"
)

// normalize strips the trailing CR/LF the relay's line framing leaves
// behind and trims surrounding whitespace (spec.md §4.3: "Newlines/
// carriage returns are stripped by the producer" — decoders are
// defensive about it anyway since relays are not trusted to be exact).
func normalize(line string) string {
	return strings.TrimRight(strings.TrimSpace(line), "\r\n")
}

// ErrUnknownRecord is returned by a decoder for a record it does not
// recognize. Per spec.md §4.3 this is a "log and skip" condition, never
// fatal to the pipeline.
type ErrUnknownRecord struct {
	Code string
}

func (e *ErrUnknownRecord) Error() string {
	return fmt.Sprintf("decode: unrecognized record code %q", e.Code)
}

// ErrMalformed wraps a parse failure on an otherwise-recognized record.
type ErrMalformed struct {
	Code   string
	Reason string
}

func (e *ErrMalformed) Error() string {
	return fmt.Sprintf("decode: malformed %s record: %s", e.Code, e.Reason)
}

// parseHexInt parses the hex integer fields the multiloop protocol uses
// throughout (spec.md §4.3: "integers are hex").
func parseHexInt(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(s, 16, 64)
	if err != nil {
		return 0, err
	}
	return int(v), nil
}

// atoiOr0 parses a base-10 integer field, treating blank as zero. Several
// result-monitor fields (lap counts, positions) are legitimately blank
// before a car completes its first lap.
func atoiOr0(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return v
}

// EntryTable maps transponder ids to car numbers, populated by
// result-monitor competitor-entry records and consulted by the passing
// decoder (spec.md §4.3: "Passings map transponderId→carNumber via
// current entry table").
type EntryTable struct {
	byTransponder map[string]string
}

func NewEntryTable() *EntryTable {
	return &EntryTable{byTransponder: make(map[string]string)}
}

func (t *EntryTable) Set(transponderID, number string) {
	if transponderID == "" {
		return
	}
	t.byTransponder[transponderID] = number
}

func (t *EntryTable) CarNumber(transponderID string) (string, bool) {
	n, ok := t.byTransponder[transponderID]
	return n, ok
}
