package decode

import (
	"encoding/csv"
	"strings"

	"github.com/redmist-timing/engine/internal/state"
)

// Heartbeat carries the result-monitor feed's periodic flag/countdown
// record ($F).
type Heartbeat struct {
	SessionID int
	Flag      state.Flag
	LapsToGo  int
	TimeToGo  int // seconds
}

// ClassDefinition names a scoring class ($G, in this feed's convention).
type ClassDefinition struct {
	SessionID int
	Code      string
	Name      string
}

// CompetitorEntry registers a car/transponder/driver/class tuple ($A).
type CompetitorEntry struct {
	SessionID     int
	Number        string
	TransponderID string
	Name          string
	Class         string
}

// CarUpdate is a per-car timing update ($H): the decoder's bread and
// butter, one per car per scoring tick.
type CarUpdate struct {
	SessionID       int
	Number          string
	TransponderID   string
	OverallPosition int
	LastLap         int // lap number just completed
	LastLapTime     int // ms
	BestTime        int // ms
	TotalTime       int // ms
}

// RMonitorRecord is the decoded union for one result-monitor line. Exactly
// one field is non-nil.
type RMonitorRecord struct {
	Heartbeat  *Heartbeat
	Class      *ClassDefinition
	Competitor *CompetitorEntry
	Car        *CarUpdate
}

// ParseFlag maps a flag name (as used by both the result-monitor feed and
// the relay's direct SendFlags call) to its typed state.Flag, defaulting
// to FlagUnknown rather than erroring — an unrecognized flag name is
// logged by the caller, never fatal to the stream.
func ParseFlag(name string) state.Flag {
	if f, ok := flagCodes[strings.ToLower(name)]; ok {
		return f
	}
	return state.FlagUnknown
}

var flagCodes = map[string]state.Flag{
	"green":     state.FlagGreen,
	"yellow":    state.FlagYellow,
	"red":       state.FlagRed,
	"white":     state.FlagWhite,
	"checkered": state.FlagCheckered,
	"black":     state.FlagBlack,
}

// DecodeRMonitorLine decodes a single `$`-prefixed result-monitor line.
// sessionID frames the record per spec.md §4.3 ("each record is framed by
// session id parsed from the stream field"); it is not present in the
// line itself, the caller reads it off the bus field tag.
func DecodeRMonitorLine(sessionID int, line string) (*RMonitorRecord, error) {
	line = normalize(line)
	if line == "" {
		return nil, &ErrMalformed{Code: "", Reason: "empty line"}
	}
	if !strings.HasPrefix(line, "$") {
		return nil, &ErrMalformed{Code: line, Reason: "missing '$' prefix"}
	}

	fields, err := splitRecord(line)
	if err != nil {
		return nil, &ErrMalformed{Code: line, Reason: err.Error()}
	}
	if len(fields) == 0 {
		return nil, &ErrMalformed{Code: line, Reason: "no fields"}
	}

	code := strings.TrimPrefix(fields[0], "$")
	rest := fields[1:]

	switch code {
	case "F":
		return decodeHeartbeat(sessionID, rest)
	case "G":
		return decodeClassDefinition(sessionID, rest)
	case "A":
		return decodeCompetitorEntry(sessionID, rest)
	case "H":
		return decodeCarUpdate(sessionID, rest)
	default:
		return nil, &ErrUnknownRecord{Code: code}
	}
}

// splitRecord tokenizes a comma-separated line honoring double-quoted
// fields (competitor/team names routinely contain commas), the same
// quoting convention the real-world timing wire format uses. encoding/csv
// already implements this correctly, so decoders reuse it rather than
// hand-rolling a quote-aware splitter.
func splitRecord(line string) ([]string, error) {
	r := csv.NewReader(strings.NewReader(line))
	r.TrimLeadingSpace = true
	return r.Read()
}

func decodeHeartbeat(sessionID int, f []string) (*RMonitorRecord, error) {
	if len(f) < 3 {
		return nil, &ErrMalformed{Code: "F", Reason: "expected flag,lapsToGo,timeToGo"}
	}
	flag, ok := flagCodes[strings.ToLower(f[0])]
	if !ok {
		flag = state.FlagUnknown
	}
	return &RMonitorRecord{Heartbeat: &Heartbeat{
		SessionID: sessionID,
		Flag:      flag,
		LapsToGo:  atoiOr0(f[1]),
		TimeToGo:  atoiOr0(f[2]),
	}}, nil
}

func decodeClassDefinition(sessionID int, f []string) (*RMonitorRecord, error) {
	if len(f) < 2 {
		return nil, &ErrMalformed{Code: "G", Reason: "expected code,name"}
	}
	return &RMonitorRecord{Class: &ClassDefinition{
		SessionID: sessionID,
		Code:      f[0],
		Name:      f[1],
	}}, nil
}

func decodeCompetitorEntry(sessionID int, f []string) (*RMonitorRecord, error) {
	if len(f) < 4 {
		return nil, &ErrMalformed{Code: "A", Reason: "expected number,transponderId,name,class"}
	}
	return &RMonitorRecord{Competitor: &CompetitorEntry{
		SessionID:     sessionID,
		Number:        f[0],
		TransponderID: f[1],
		Name:          f[2],
		Class:         f[3],
	}}, nil
}

func decodeCarUpdate(sessionID int, f []string) (*RMonitorRecord, error) {
	if len(f) < 6 {
		return nil, &ErrMalformed{Code: "H", Reason: "expected number,position,lastLap,lastLapTimeMs,bestTimeMs,totalTimeMs[,transponderId]"}
	}
	u := &CarUpdate{
		SessionID:       sessionID,
		Number:          f[0],
		OverallPosition: atoiOr0(f[1]),
		LastLap:         atoiOr0(f[2]),
		LastLapTime:     atoiOr0(f[3]),
		BestTime:        atoiOr0(f[4]),
		TotalTime:       atoiOr0(f[5]),
	}
	if len(f) > 6 {
		u.TransponderID = f[6]
	}
	return &RMonitorRecord{Car: u}, nil
}
