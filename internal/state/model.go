// Package state owns the authoritative in-memory SessionState snapshot for
// one live session (spec component C2): the data model, the invariants
// listed in spec.md §3, and the pure mapping functions enrichers use to
// describe what changed (diff/apply/consolidate). The shape of Store and
// the copy-on-read/copy-on-write discipline follow the teacher's
// session.Store exactly, generalized from "one SessionState per agent
// session" to "one SessionState per live event, with CarPositions keyed by
// car number".
package state

import "time"

// UnknownPosition is the sentinel for unknown/invalid position, gap, or
// positions-gained values (spec.md §3).
const UnknownPosition = -999

// Flag is the current track condition.
type Flag int

const (
	FlagUnknown Flag = iota
	FlagGreen
	FlagYellow
	FlagRed
	FlagWhite
	FlagCheckered
	FlagBlack
)

var flagNames = map[Flag]string{
	FlagUnknown:   "unknown",
	FlagGreen:     "green",
	FlagYellow:    "yellow",
	FlagRed:       "red",
	FlagWhite:     "white",
	FlagCheckered: "checkered",
	FlagBlack:     "black",
}

func (f Flag) String() string {
	if s, ok := flagNames[f]; ok {
		return s
	}
	return "unknown"
}

// FlagDuration records one interval during which a given flag was shown.
// EndTime is nil while the flag is still active (spec.md §3 invariant 3).
type FlagDuration struct {
	Flag      Flag       `json:"flag"`
	StartTime time.Time  `json:"startTime"`
	EndTime   *time.Time `json:"endTime,omitempty"`
}

// Announcement is a timestamped message surfaced to subscribers (e.g. a
// control-log ruling or a session message). Priority is a supplemental
// field (not in the distilled spec) carried from the original's richer
// announcement model, used for client-side styling.
type Announcement struct {
	Text      string    `json:"text"`
	Priority  string    `json:"priority"` // "info" | "warning" | "critical"
	Timestamp time.Time `json:"timestamp"`
}

// TrackSection is one timing section/loop on the circuit.
type TrackSection struct {
	Name       string `json:"name"`
	IsInPit    bool   `json:"isInPit"`
	IsPitStartFinish bool `json:"isPitStartFinish"`
	IsStartFinish    bool `json:"isStartFinish"`
}

// CompletedSection records a single car's elapsed time through one track
// section, cleared when that car completes a lap (spec.md §4.3 multiloop).
type CompletedSection struct {
	Name      string    `json:"name"`
	ElapsedMs int       `json:"elapsedMs"`
	Timestamp time.Time `json:"timestamp"`
}

// CarPosition is the per-car row of the session snapshot (spec.md §3).
type CarPosition struct {
	// Identity
	Number        string `json:"number"`
	TransponderID string `json:"transponderId,omitempty"`
	Class         string `json:"class"`
	EventID       int    `json:"eventId"`
	SessionID     int    `json:"sessionId"`

	// Timing
	BestTime            int       `json:"bestTime"` // ms, 0 = none yet
	BestLap             int       `json:"bestLap"`
	LastLapTime         int       `json:"lastLapTime"`
	LastLapCompleted    int       `json:"lastLapCompleted"`
	NumberOfLaps        int       `json:"numberOfLaps"`
	TotalTime           int       `json:"totalTime"`
	ProjectedLapTimeMs  int       `json:"projectedLapTimeMs,omitempty"`
	LapStartTime        time.Time `json:"lapStartTime,omitempty"`

	// Position
	OverallPosition         int    `json:"overallPosition"`
	ClassPosition           int    `json:"classPosition"`
	OverallStartingPosition int    `json:"overallStartingPosition"`
	ClassStartingPosition   int    `json:"classStartingPosition"`
	OverallGap              string `json:"overallGap"`
	OverallDifference       string `json:"overallDifference"`
	InClassGap              string `json:"inClassGap"`
	InClassDifference       string `json:"inClassDifference"`
	OverallPositionsGained  int    `json:"overallPositionsGained"`
	InClassPositionsGained  int    `json:"inClassPositionsGained"`
	IsBestTime              bool   `json:"isBestTime"`
	IsBestTimeClass         bool   `json:"isBestTimeClass"`
	IsOverallMostPositionsGained bool `json:"isOverallMostPositionsGained"`
	IsClassMostPositionsGained  bool `json:"isClassMostPositionsGained"`

	// Pit
	InPit          bool      `json:"inPit"`
	IsEnteredPit   bool      `json:"isEnteredPit"`
	IsExitedPit    bool      `json:"isExitedPit"`
	PitStartFinish bool      `json:"pitStartFinish,omitempty"`
	LapIncludedPit bool      `json:"lapIncludedPit"`
	PitStopCount   int       `json:"pitStopCount"`
	LastLapPitted  bool      `json:"lastLapPitted"`

	// Flags
	TrackFlag      Flag `json:"trackFlag"`
	LocalFlag      Flag `json:"localFlag"`
	LapHadLocalFlag bool `json:"lapHadLocalFlag"`

	// Penalties
	PenaltyLaps     int `json:"penaltyLaps"`
	PenaltyWarnings int `json:"penaltyWarnings"`
	BlackFlags      int `json:"blackFlags"`

	// Driver
	DriverName string `json:"driverName,omitempty"`
	DriverID   string `json:"driverId,omitempty"`

	// Location
	Lat          float64 `json:"lat,omitempty"`
	Lon          float64 `json:"lon,omitempty"`
	LastLoopName string  `json:"lastLoopName,omitempty"`

	CompletedSections []CompletedSection `json:"completedSections,omitempty"`

	InCarVideo bool `json:"inCarVideo,omitempty"`

	CurrentStatus string `json:"currentStatus,omitempty"`
	IsStale       bool   `json:"isStale,omitempty"`
	ImpactWarning bool   `json:"impactWarning,omitempty"`

	LastLoopUpdateTime time.Time `json:"lastLoopUpdateTime,omitempty"`
}

// Clone returns a deep copy so mutation of the copy never leaks into the
// authoritative snapshot (mirrors the teacher's SessionState.Clone()).
func (c *CarPosition) Clone() *CarPosition {
	cp := *c
	if len(c.CompletedSections) > 0 {
		cp.CompletedSections = append([]CompletedSection(nil), c.CompletedSections...)
	}
	return &cp
}

// Liveness is the session state machine of spec.md §4.4.
type Liveness int

const (
	PreLive Liveness = iota
	Live
	Stale
	Ended
)

var livenessNames = map[Liveness]string{
	PreLive: "pre_live",
	Live:    "live",
	Stale:   "stale",
	Ended:   "ended",
}

func (l Liveness) String() string {
	if s, ok := livenessNames[l]; ok {
		return s
	}
	return "unknown"
}

// SessionState is the authoritative in-memory snapshot for one live session
// (spec.md §3).
type SessionState struct {
	EventID   int    `json:"eventId"`
	EventName string `json:"eventName,omitempty"`
	SessionID int    `json:"sessionId"`

	Liveness Liveness `json:"liveness"`

	LapsToGo         int       `json:"lapsToGo"`
	TimeToGo         int       `json:"timeToGo"` // seconds
	RunningRaceTime  int       `json:"runningRaceTime"`
	LocalTimeOfDay   string    `json:"localTimeOfDay"`

	CurrentFlag   Flag           `json:"currentFlag"`
	FlagDurations []FlagDuration `json:"flagDurations"`

	GreenMs          int64   `json:"greenMs"`
	YellowMs         int64   `json:"yellowMs"`
	RedMs            int64   `json:"redMs"`
	NumberOfYellows  int     `json:"numberOfYellows"`
	AverageRaceSpeed float64 `json:"averageRaceSpeed"`
	LeadChanges      int     `json:"leadChanges"`

	Entries       []string                `json:"entries"` // car numbers known to the entry list
	CarPositions  map[string]*CarPosition `json:"carPositions"`
	Sections      []TrackSection          `json:"sections"`
	ClassColors   map[string]string       `json:"classColors,omitempty"`
	Announcements []Announcement          `json:"announcements,omitempty"`

	LastUpdated time.Time `json:"lastUpdated"`
}

// NewSessionState returns an empty, well-formed snapshot for the given
// event/session.
func NewSessionState(eventID, sessionID int) *SessionState {
	return &SessionState{
		EventID:      eventID,
		SessionID:    sessionID,
		Liveness:     PreLive,
		CarPositions: make(map[string]*CarPosition),
		ClassColors:  make(map[string]string),
	}
}

// Clone deep-copies the snapshot (cars, flag durations, sections,
// announcements) so a reader's copy can never be mutated by the writer.
func (s *SessionState) Clone() *SessionState {
	c := *s

	if len(s.Entries) > 0 {
		c.Entries = append([]string(nil), s.Entries...)
	}
	if len(s.FlagDurations) > 0 {
		c.FlagDurations = make([]FlagDuration, len(s.FlagDurations))
		for i, fd := range s.FlagDurations {
			c.FlagDurations[i] = fd
			if fd.EndTime != nil {
				t := *fd.EndTime
				c.FlagDurations[i].EndTime = &t
			}
		}
	}
	if len(s.Sections) > 0 {
		c.Sections = append([]TrackSection(nil), s.Sections...)
	}
	if len(s.Announcements) > 0 {
		c.Announcements = append([]Announcement(nil), s.Announcements...)
	}
	if s.ClassColors != nil {
		c.ClassColors = make(map[string]string, len(s.ClassColors))
		for k, v := range s.ClassColors {
			c.ClassColors[k] = v
		}
	}

	c.CarPositions = make(map[string]*CarPosition, len(s.CarPositions))
	for num, car := range s.CarPositions {
		c.CarPositions[num] = car.Clone()
	}

	return &c
}

// Cars returns the car positions as a slice, for code that needs to sort or
// range over them in a stable order independent of map iteration.
func (s *SessionState) Cars() []*CarPosition {
	out := make([]*CarPosition, 0, len(s.CarPositions))
	for _, c := range s.CarPositions {
		out = append(out, c)
	}
	return out
}

// PositionsConsistent implements the position-consistency check, spec.md
// §3 invariant 2: the non-zero overallPosition values present in the
// session must form a prefix of the natural numbers starting at 1, with
// no duplicates and no gaps. A car with OverallPosition 0 (unassigned) is
// excluded from the check.
func (s *SessionState) PositionsConsistent() bool {
	var nonZero int
	seen := make(map[int]bool)
	for _, c := range s.CarPositions {
		if c.OverallPosition == 0 {
			continue
		}
		if c.OverallPosition < 0 || seen[c.OverallPosition] {
			return false
		}
		seen[c.OverallPosition] = true
		nonZero++
	}
	for i := 1; i <= nonZero; i++ {
		if !seen[i] {
			return false
		}
	}
	return true
}
