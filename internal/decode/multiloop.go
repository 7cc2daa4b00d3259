package decode

import (
	"strings"
	"sync"
	"time"

	"github.com/redmist-timing/engine/internal/state"
)

// Multiloop record types, keyed by the single-letter code that opens the
// record, ahead of its hex sequence number (spec.md §4.3).
const (
	MLHeartbeat        = "H"
	MLEntry            = "E"
	MLCompletedLap     = "C"
	MLCompletedSection = "S"
	MLLineCrossing     = "L"
	MLInvalidatedLap   = "I"
	MLFlagInformation  = "F"
	MLNewLeader        = "N"
	MLRunInformation   = "R"
	MLTrackInformation = "T"
	MLAnnouncement     = "A"
	MLVersion          = "V"
)

type MLHeartbeatRecord struct {
	SessionID int
	Seq       int
}

type MLEntryRecord struct {
	SessionID     int
	Number        string
	TransponderID string
}

type MLCompletedLapRecord struct {
	SessionID   int
	Number      string
	LapNumber   int
	LapTimeMs   int
	TotalTimeMs int
}

type MLCompletedSectionRecord struct {
	SessionID   int
	Number      string
	SectionName string
	ElapsedMs   int
}

type MLLineCrossingRecord struct {
	SessionID int
	Number    string
	LoopName  string
}

type MLInvalidatedLapRecord struct {
	SessionID int
	Number    string
	LapNumber int
}

// MLFlagRecord carries the flag-time aggregates spec.md §4.3 calls out:
// "greenMs/yellowMs/redMs/numberOfYellows/leadChanges/averageRaceSpeed
// come from F records".
type MLFlagRecord struct {
	SessionID        int
	Flag             state.Flag
	GreenMs          int64
	YellowMs         int64
	RedMs            int64
	NumberOfYellows  int
	LeadChanges      int
	AverageRaceSpeed float64 // opaque passthrough, spec.md §8 open question
}

type MLNewLeaderRecord struct {
	SessionID int
	Number    string
}

type MLRunInformationRecord struct {
	SessionID       int
	LapsToGo        int
	TimeToGoSeconds int
	RunningRaceTime int
}

type MLTrackInformationRecord struct {
	SessionID int
	Name      string
	IsInPit   bool
	IsPitSF   bool
	IsSF      bool
}

type MLAnnouncementRecord struct {
	SessionID int
	Text      string
	Priority  string
}

type MLVersionRecord struct {
	SessionID int
	Version   string
}

// MultiloopRecord is the decoded union for one multiloop record.
type MultiloopRecord struct {
	Type             string
	Heartbeat        *MLHeartbeatRecord
	Entry            *MLEntryRecord
	CompletedLap     *MLCompletedLapRecord
	CompletedSection *MLCompletedSectionRecord
	LineCrossing     *MLLineCrossingRecord
	InvalidatedLap   *MLInvalidatedLapRecord
	Flag             *MLFlagRecord
	NewLeader        *MLNewLeaderRecord
	RunInformation   *MLRunInformationRecord
	TrackInformation *MLTrackInformationRecord
	Announcement     *MLAnnouncementRecord
	Version          *MLVersionRecord
}

// SectionStateUpdate reports that a car's completed lap cleared its
// in-progress section timings (spec.md §4.3: "a completed lap clears
// that car's sections and emits a SectionStateUpdate").
type SectionStateUpdate struct {
	Number            string
	ClearedSections   []state.CompletedSection
}

// MultiloopEvent bundles the decoded record with any section-state
// side-effect produced by applying it.
type MultiloopEvent struct {
	Record  *MultiloopRecord
	Section *SectionStateUpdate
}

// MultiloopDecoder tracks the small amount of state the multiloop
// protocol requires across records: each car's latest completed lap and
// its in-progress section timings (spec.md §4.3). One decoder instance
// per session.
type MultiloopDecoder struct {
	mu               sync.Mutex
	latestCompleted  map[string]MLCompletedLapRecord
	openSections     map[string][]state.CompletedSection
}

func NewMultiloopDecoder() *MultiloopDecoder {
	return &MultiloopDecoder{
		latestCompleted: make(map[string]MLCompletedLapRecord),
		openSections:    make(map[string][]state.CompletedSection),
	}
}

// Decode parses one multiloop record of the form
// `${Code}|{hex seq}|{record fields}...` and applies any stateful
// side-effects (sections tracking). No record-type (N/R/U) or preamble
// field is read between the code and the sequence number. sessionID
// frames the record the same way it does for the result-monitor decoder.
func (d *MultiloopDecoder) Decode(sessionID int, raw string) (*MultiloopEvent, error) {
	line := normalize(raw)
	if !strings.HasPrefix(line, "$") {
		return nil, &ErrMalformed{Code: line, Reason: "missing '$' prefix"}
	}
	fields := strings.Split(strings.TrimPrefix(line, "$"), "|")
	if len(fields) < 2 {
		return nil, &ErrMalformed{Code: line, Reason: "expected at least code|seq"}
	}

	code := fields[0]
	seq, err := parseHexInt(fields[1])
	if err != nil {
		return nil, &ErrMalformed{Code: code, Reason: "bad hex sequence: " + err.Error()}
	}
	rest := fields[2:]

	switch code {
	case MLHeartbeat:
		return &MultiloopEvent{Record: &MultiloopRecord{Type: code, Heartbeat: &MLHeartbeatRecord{SessionID: sessionID, Seq: seq}}}, nil

	case MLEntry:
		if len(rest) < 2 {
			return nil, &ErrMalformed{Code: code, Reason: "expected number|transponderId"}
		}
		return &MultiloopEvent{Record: &MultiloopRecord{Type: code, Entry: &MLEntryRecord{
			SessionID: sessionID, Number: rest[0], TransponderID: rest[1],
		}}}, nil

	case MLCompletedLap:
		return d.decodeCompletedLap(sessionID, rest)

	case MLCompletedSection:
		return d.decodeCompletedSection(sessionID, rest)

	case MLLineCrossing:
		if len(rest) < 2 {
			return nil, &ErrMalformed{Code: code, Reason: "expected number|loopName"}
		}
		return &MultiloopEvent{Record: &MultiloopRecord{Type: code, LineCrossing: &MLLineCrossingRecord{
			SessionID: sessionID, Number: rest[0], LoopName: rest[1],
		}}}, nil

	case MLInvalidatedLap:
		if len(rest) < 2 {
			return nil, &ErrMalformed{Code: code, Reason: "expected number|lapNumber"}
		}
		lap, err := parseHexInt(rest[1])
		if err != nil {
			return nil, &ErrMalformed{Code: code, Reason: err.Error()}
		}
		return &MultiloopEvent{Record: &MultiloopRecord{Type: code, InvalidatedLap: &MLInvalidatedLapRecord{
			SessionID: sessionID, Number: rest[0], LapNumber: lap,
		}}}, nil

	case MLFlagInformation:
		return decodeMLFlag(sessionID, rest)

	case MLNewLeader:
		if len(rest) < 1 {
			return nil, &ErrMalformed{Code: code, Reason: "expected number"}
		}
		return &MultiloopEvent{Record: &MultiloopRecord{Type: code, NewLeader: &MLNewLeaderRecord{
			SessionID: sessionID, Number: rest[0],
		}}}, nil

	case MLRunInformation:
		return decodeMLRunInformation(sessionID, rest)

	case MLTrackInformation:
		return decodeMLTrackInformation(sessionID, rest)

	case MLAnnouncement:
		if len(rest) < 1 {
			return nil, &ErrMalformed{Code: code, Reason: "expected text"}
		}
		priority := "info"
		if len(rest) > 1 {
			priority = rest[1]
		}
		return &MultiloopEvent{Record: &MultiloopRecord{Type: code, Announcement: &MLAnnouncementRecord{
			SessionID: sessionID, Text: rest[0], Priority: priority,
		}}}, nil

	case MLVersion:
		if len(rest) < 1 {
			return nil, &ErrMalformed{Code: code, Reason: "expected version"}
		}
		return &MultiloopEvent{Record: &MultiloopRecord{Type: code, Version: &MLVersionRecord{
			SessionID: sessionID, Version: rest[0],
		}}}, nil

	default:
		return nil, &ErrUnknownRecord{Code: code}
	}
}

func (d *MultiloopDecoder) decodeCompletedLap(sessionID int, rest []string) (*MultiloopEvent, error) {
	if len(rest) < 4 {
		return nil, &ErrMalformed{Code: MLCompletedLap, Reason: "expected number|lapNumber|lapTime|totalTime"}
	}
	number := rest[0]
	lapNum, err := parseHexInt(rest[1])
	if err != nil {
		return nil, &ErrMalformed{Code: MLCompletedLap, Reason: err.Error()}
	}
	lapTime, err := parseHexInt(rest[2])
	if err != nil {
		return nil, &ErrMalformed{Code: MLCompletedLap, Reason: err.Error()}
	}
	totalTime, err := parseHexInt(rest[3])
	if err != nil {
		return nil, &ErrMalformed{Code: MLCompletedLap, Reason: err.Error()}
	}

	rec := MLCompletedLapRecord{SessionID: sessionID, Number: number, LapNumber: lapNum, LapTimeMs: lapTime, TotalTimeMs: totalTime}

	d.mu.Lock()
	d.latestCompleted[number] = rec
	cleared := d.openSections[number]
	delete(d.openSections, number)
	d.mu.Unlock()

	ev := &MultiloopEvent{Record: &MultiloopRecord{Type: MLCompletedLap, CompletedLap: &rec}}
	if len(cleared) > 0 {
		ev.Section = &SectionStateUpdate{Number: number, ClearedSections: cleared}
	}
	return ev, nil
}

func (d *MultiloopDecoder) decodeCompletedSection(sessionID int, rest []string) (*MultiloopEvent, error) {
	if len(rest) < 3 {
		return nil, &ErrMalformed{Code: MLCompletedSection, Reason: "expected number|sectionName|elapsed"}
	}
	number := rest[0]
	elapsed, err := parseHexInt(rest[2])
	if err != nil {
		return nil, &ErrMalformed{Code: MLCompletedSection, Reason: err.Error()}
	}
	rec := MLCompletedSectionRecord{SessionID: sessionID, Number: number, SectionName: rest[1], ElapsedMs: elapsed}

	d.mu.Lock()
	d.openSections[number] = append(d.openSections[number], state.CompletedSection{
		Name: rest[1], ElapsedMs: elapsed, Timestamp: time.Now(),
	})
	d.mu.Unlock()

	return &MultiloopEvent{Record: &MultiloopRecord{Type: MLCompletedSection, CompletedSection: &rec}}, nil
}

// LatestCompletedLap returns the most recently recorded completed-lap
// record for number, if any.
func (d *MultiloopDecoder) LatestCompletedLap(number string) (MLCompletedLapRecord, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.latestCompleted[number]
	return rec, ok
}

// OpenSections returns the in-progress section timings recorded for
// number since its last completed lap.
func (d *MultiloopDecoder) OpenSections(number string) []state.CompletedSection {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]state.CompletedSection(nil), d.openSections[number]...)
}

func decodeMLFlag(sessionID int, rest []string) (*MultiloopEvent, error) {
	if len(rest) < 6 {
		return nil, &ErrMalformed{Code: MLFlagInformation, Reason: "expected flag|greenMs|yellowMs|redMs|numYellows|leadChanges[|avgSpeed]"}
	}
	flag, ok := flagCodes[strings.ToLower(rest[0])]
	if !ok {
		flag = state.FlagUnknown
	}
	greenMs, _ := parseHexInt(rest[1])
	yellowMs, _ := parseHexInt(rest[2])
	redMs, _ := parseHexInt(rest[3])
	numYellows, _ := parseHexInt(rest[4])
	leadChanges, _ := parseHexInt(rest[5])

	rec := &MLFlagRecord{
		SessionID:       sessionID,
		Flag:            flag,
		GreenMs:         int64(greenMs),
		YellowMs:        int64(yellowMs),
		RedMs:           int64(redMs),
		NumberOfYellows: numYellows,
		LeadChanges:     leadChanges,
	}
	if len(rest) > 6 {
		// averageRaceSpeed is carried opaque per spec.md §8; best-effort
		// hex-scaled parse, never fatal if it fails to parse.
		if v, err := parseHexInt(rest[6]); err == nil {
			rec.AverageRaceSpeed = float64(v) / 1000.0
		}
	}
	return &MultiloopEvent{Record: &MultiloopRecord{Type: MLFlagInformation, Flag: rec}}, nil
}

func decodeMLRunInformation(sessionID int, rest []string) (*MultiloopEvent, error) {
	if len(rest) < 3 {
		return nil, &ErrMalformed{Code: MLRunInformation, Reason: "expected lapsToGo|timeToGo|runningRaceTime"}
	}
	lapsToGo, _ := parseHexInt(rest[0])
	timeToGo, _ := parseHexInt(rest[1])
	runningTime, _ := parseHexInt(rest[2])
	return &MultiloopEvent{Record: &MultiloopRecord{Type: MLRunInformation, RunInformation: &MLRunInformationRecord{
		SessionID: sessionID, LapsToGo: lapsToGo, TimeToGoSeconds: timeToGo, RunningRaceTime: runningTime,
	}}}, nil
}

func decodeMLTrackInformation(sessionID int, rest []string) (*MultiloopEvent, error) {
	if len(rest) < 1 {
		return nil, &ErrMalformed{Code: MLTrackInformation, Reason: "expected name[|isInPit|isPitSF|isSF]"}
	}
	rec := &MLTrackInformationRecord{SessionID: sessionID, Name: rest[0]}
	if len(rest) > 1 {
		rec.IsInPit = rest[1] == "1"
	}
	if len(rest) > 2 {
		rec.IsPitSF = rest[2] == "1"
	}
	if len(rest) > 3 {
		rec.IsSF = rest[3] == "1"
	}
	return &MultiloopEvent{Record: &MultiloopRecord{Type: MLTrackInformation, TrackInformation: rec}}, nil
}
