package state

import "time"

// CarPositionPatch is a sparse update to one car, identified by
// (SessionID, Number) per spec.md §3. Every other field is a pointer: nil
// means "unchanged since the prior snapshot", non-nil carries the new
// value. This replaces the "reactive property bag with IsDirty flags"
// pattern the original implementation used (flagged for re-architecture in
// spec.md §9) with an immutable record computed by structural diff.
type CarPositionPatch struct {
	SessionID int    `json:"sessionId"`
	Number    string `json:"number"`

	BestTime           *int       `json:"bestTime,omitempty"`
	BestLap            *int       `json:"bestLap,omitempty"`
	LastLapTime        *int       `json:"lastLapTime,omitempty"`
	LastLapCompleted   *int       `json:"lastLapCompleted,omitempty"`
	NumberOfLaps       *int       `json:"numberOfLaps,omitempty"`
	TotalTime          *int       `json:"totalTime,omitempty"`
	ProjectedLapTimeMs *int       `json:"projectedLapTimeMs,omitempty"`
	LapStartTime       *time.Time `json:"lapStartTime,omitempty"`

	OverallPosition              *int    `json:"overallPosition,omitempty"`
	ClassPosition                *int    `json:"classPosition,omitempty"`
	OverallStartingPosition      *int    `json:"overallStartingPosition,omitempty"`
	ClassStartingPosition        *int    `json:"classStartingPosition,omitempty"`
	OverallGap                   *string `json:"overallGap,omitempty"`
	OverallDifference            *string `json:"overallDifference,omitempty"`
	InClassGap                   *string `json:"inClassGap,omitempty"`
	InClassDifference            *string `json:"inClassDifference,omitempty"`
	OverallPositionsGained       *int    `json:"overallPositionsGained,omitempty"`
	InClassPositionsGained       *int    `json:"inClassPositionsGained,omitempty"`
	IsBestTime                   *bool   `json:"isBestTime,omitempty"`
	IsBestTimeClass              *bool   `json:"isBestTimeClass,omitempty"`
	IsOverallMostPositionsGained *bool   `json:"isOverallMostPositionsGained,omitempty"`
	IsClassMostPositionsGained   *bool   `json:"isClassMostPositionsGained,omitempty"`

	InPit          *bool `json:"inPit,omitempty"`
	IsEnteredPit   *bool `json:"isEnteredPit,omitempty"`
	IsExitedPit    *bool `json:"isExitedPit,omitempty"`
	PitStartFinish *bool `json:"pitStartFinish,omitempty"`
	LapIncludedPit *bool `json:"lapIncludedPit,omitempty"`
	PitStopCount   *int  `json:"pitStopCount,omitempty"`
	LastLapPitted  *bool `json:"lastLapPitted,omitempty"`

	TrackFlag       *Flag `json:"trackFlag,omitempty"`
	LocalFlag       *Flag `json:"localFlag,omitempty"`
	LapHadLocalFlag *bool `json:"lapHadLocalFlag,omitempty"`

	PenaltyLaps     *int `json:"penaltyLaps,omitempty"`
	PenaltyWarnings *int `json:"penaltyWarnings,omitempty"`
	BlackFlags      *int `json:"blackFlags,omitempty"`

	DriverName *string `json:"driverName,omitempty"`
	DriverID   *string `json:"driverId,omitempty"`

	Lat          *float64 `json:"lat,omitempty"`
	Lon          *float64 `json:"lon,omitempty"`
	LastLoopName *string  `json:"lastLoopName,omitempty"`

	CompletedSections *[]CompletedSection `json:"completedSections,omitempty"`

	InCarVideo *bool `json:"inCarVideo,omitempty"`

	CurrentStatus *string `json:"currentStatus,omitempty"`
	IsStale       *bool   `json:"isStale,omitempty"`
	ImpactWarning *bool   `json:"impactWarning,omitempty"`
}

// IsEmpty reports whether the patch carries no field changes at all (only
// the identity fields are set). Empty patches are dropped by Consolidate
// per spec.md §4.2.
func (p *CarPositionPatch) IsEmpty() bool {
	return *p == (CarPositionPatch{SessionID: p.SessionID, Number: p.Number})
}

// SessionStatePatch is a sparse update to session-level fields.
type SessionStatePatch struct {
	EventID   int `json:"eventId"`
	SessionID int `json:"sessionId"`

	Liveness *Liveness `json:"liveness,omitempty"`

	LapsToGo        *int    `json:"lapsToGo,omitempty"`
	TimeToGo        *int    `json:"timeToGo,omitempty"`
	RunningRaceTime *int    `json:"runningRaceTime,omitempty"`
	LocalTimeOfDay  *string `json:"localTimeOfDay,omitempty"`

	CurrentFlag   *Flag           `json:"currentFlag,omitempty"`
	FlagDurations *[]FlagDuration `json:"flagDurations,omitempty"`

	GreenMs          *int64   `json:"greenMs,omitempty"`
	YellowMs         *int64   `json:"yellowMs,omitempty"`
	RedMs            *int64   `json:"redMs,omitempty"`
	NumberOfYellows  *int     `json:"numberOfYellows,omitempty"`
	AverageRaceSpeed *float64 `json:"averageRaceSpeed,omitempty"`
	LeadChanges      *int     `json:"leadChanges,omitempty"`

	Announcements *[]Announcement `json:"announcements,omitempty"`
	Sections      *[]TrackSection `json:"sections,omitempty"`
}

// Diff computes the sparse patch between prior and next for the same car.
// Returns nil if nothing changed. Identity fields (SessionID/Number) are
// taken from next.
func Diff(prior, next *CarPosition) *CarPositionPatch {
	p := &CarPositionPatch{SessionID: next.SessionID, Number: next.Number}

	if prior.BestTime != next.BestTime {
		p.BestTime = intp(next.BestTime)
	}
	if prior.BestLap != next.BestLap {
		p.BestLap = intp(next.BestLap)
	}
	if prior.LastLapTime != next.LastLapTime {
		p.LastLapTime = intp(next.LastLapTime)
	}
	if prior.LastLapCompleted != next.LastLapCompleted {
		p.LastLapCompleted = intp(next.LastLapCompleted)
	}
	if prior.NumberOfLaps != next.NumberOfLaps {
		p.NumberOfLaps = intp(next.NumberOfLaps)
	}
	if prior.TotalTime != next.TotalTime {
		p.TotalTime = intp(next.TotalTime)
	}
	if prior.ProjectedLapTimeMs != next.ProjectedLapTimeMs {
		p.ProjectedLapTimeMs = intp(next.ProjectedLapTimeMs)
	}
	if !prior.LapStartTime.Equal(next.LapStartTime) {
		t := next.LapStartTime
		p.LapStartTime = &t
	}

	if prior.OverallPosition != next.OverallPosition {
		p.OverallPosition = intp(next.OverallPosition)
	}
	if prior.ClassPosition != next.ClassPosition {
		p.ClassPosition = intp(next.ClassPosition)
	}
	if prior.OverallStartingPosition != next.OverallStartingPosition {
		p.OverallStartingPosition = intp(next.OverallStartingPosition)
	}
	if prior.ClassStartingPosition != next.ClassStartingPosition {
		p.ClassStartingPosition = intp(next.ClassStartingPosition)
	}
	if prior.OverallGap != next.OverallGap {
		p.OverallGap = strp(next.OverallGap)
	}
	if prior.OverallDifference != next.OverallDifference {
		p.OverallDifference = strp(next.OverallDifference)
	}
	if prior.InClassGap != next.InClassGap {
		p.InClassGap = strp(next.InClassGap)
	}
	if prior.InClassDifference != next.InClassDifference {
		p.InClassDifference = strp(next.InClassDifference)
	}
	if prior.OverallPositionsGained != next.OverallPositionsGained {
		p.OverallPositionsGained = intp(next.OverallPositionsGained)
	}
	if prior.InClassPositionsGained != next.InClassPositionsGained {
		p.InClassPositionsGained = intp(next.InClassPositionsGained)
	}
	if prior.IsBestTime != next.IsBestTime {
		p.IsBestTime = boolp(next.IsBestTime)
	}
	if prior.IsBestTimeClass != next.IsBestTimeClass {
		p.IsBestTimeClass = boolp(next.IsBestTimeClass)
	}
	if prior.IsOverallMostPositionsGained != next.IsOverallMostPositionsGained {
		p.IsOverallMostPositionsGained = boolp(next.IsOverallMostPositionsGained)
	}
	if prior.IsClassMostPositionsGained != next.IsClassMostPositionsGained {
		p.IsClassMostPositionsGained = boolp(next.IsClassMostPositionsGained)
	}

	if prior.InPit != next.InPit {
		p.InPit = boolp(next.InPit)
	}
	if prior.IsEnteredPit != next.IsEnteredPit {
		p.IsEnteredPit = boolp(next.IsEnteredPit)
	}
	if prior.IsExitedPit != next.IsExitedPit {
		p.IsExitedPit = boolp(next.IsExitedPit)
	}
	if prior.PitStartFinish != next.PitStartFinish {
		p.PitStartFinish = boolp(next.PitStartFinish)
	}
	if prior.LapIncludedPit != next.LapIncludedPit {
		p.LapIncludedPit = boolp(next.LapIncludedPit)
	}
	if prior.PitStopCount != next.PitStopCount {
		p.PitStopCount = intp(next.PitStopCount)
	}
	if prior.LastLapPitted != next.LastLapPitted {
		p.LastLapPitted = boolp(next.LastLapPitted)
	}

	if prior.TrackFlag != next.TrackFlag {
		p.TrackFlag = flagp(next.TrackFlag)
	}
	if prior.LocalFlag != next.LocalFlag {
		p.LocalFlag = flagp(next.LocalFlag)
	}
	if prior.LapHadLocalFlag != next.LapHadLocalFlag {
		p.LapHadLocalFlag = boolp(next.LapHadLocalFlag)
	}

	if prior.PenaltyLaps != next.PenaltyLaps {
		p.PenaltyLaps = intp(next.PenaltyLaps)
	}
	if prior.PenaltyWarnings != next.PenaltyWarnings {
		p.PenaltyWarnings = intp(next.PenaltyWarnings)
	}
	if prior.BlackFlags != next.BlackFlags {
		p.BlackFlags = intp(next.BlackFlags)
	}

	if prior.DriverName != next.DriverName {
		p.DriverName = strp(next.DriverName)
	}
	if prior.DriverID != next.DriverID {
		p.DriverID = strp(next.DriverID)
	}

	if prior.Lat != next.Lat {
		p.Lat = floatp(next.Lat)
	}
	if prior.Lon != next.Lon {
		p.Lon = floatp(next.Lon)
	}
	if prior.LastLoopName != next.LastLoopName {
		p.LastLoopName = strp(next.LastLoopName)
	}

	if !sectionsEqual(prior.CompletedSections, next.CompletedSections) {
		sections := append([]CompletedSection(nil), next.CompletedSections...)
		p.CompletedSections = &sections
	}

	if prior.InCarVideo != next.InCarVideo {
		p.InCarVideo = boolp(next.InCarVideo)
	}

	if prior.CurrentStatus != next.CurrentStatus {
		p.CurrentStatus = strp(next.CurrentStatus)
	}
	if prior.IsStale != next.IsStale {
		p.IsStale = boolp(next.IsStale)
	}
	if prior.ImpactWarning != next.ImpactWarning {
		p.ImpactWarning = boolp(next.ImpactWarning)
	}

	if p.IsEmpty() {
		return nil
	}
	return p
}

func sectionsEqual(a, b []CompletedSection) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ApplyCarPatch applies p on top of car, returning the resulting snapshot.
// car may be nil, in which case a fresh CarPosition is seeded from the
// patch's identity fields (used for round-trip testing in isolation — in
// production the pipeline always has a prior snapshot to apply onto).
func ApplyCarPatch(car *CarPosition, p *CarPositionPatch) *CarPosition {
	var out CarPosition
	if car != nil {
		out = *car.Clone()
	}
	out.SessionID = p.SessionID
	out.Number = p.Number

	if p.BestTime != nil {
		out.BestTime = *p.BestTime
	}
	if p.BestLap != nil {
		out.BestLap = *p.BestLap
	}
	if p.LastLapTime != nil {
		out.LastLapTime = *p.LastLapTime
	}
	if p.LastLapCompleted != nil {
		out.LastLapCompleted = *p.LastLapCompleted
	}
	if p.NumberOfLaps != nil {
		out.NumberOfLaps = *p.NumberOfLaps
	}
	if p.TotalTime != nil {
		out.TotalTime = *p.TotalTime
	}
	if p.ProjectedLapTimeMs != nil {
		out.ProjectedLapTimeMs = *p.ProjectedLapTimeMs
	}
	if p.LapStartTime != nil {
		out.LapStartTime = *p.LapStartTime
	}

	if p.OverallPosition != nil {
		out.OverallPosition = *p.OverallPosition
	}
	if p.ClassPosition != nil {
		out.ClassPosition = *p.ClassPosition
	}
	if p.OverallStartingPosition != nil {
		out.OverallStartingPosition = *p.OverallStartingPosition
	}
	if p.ClassStartingPosition != nil {
		out.ClassStartingPosition = *p.ClassStartingPosition
	}
	if p.OverallGap != nil {
		out.OverallGap = *p.OverallGap
	}
	if p.OverallDifference != nil {
		out.OverallDifference = *p.OverallDifference
	}
	if p.InClassGap != nil {
		out.InClassGap = *p.InClassGap
	}
	if p.InClassDifference != nil {
		out.InClassDifference = *p.InClassDifference
	}
	if p.OverallPositionsGained != nil {
		out.OverallPositionsGained = *p.OverallPositionsGained
	}
	if p.InClassPositionsGained != nil {
		out.InClassPositionsGained = *p.InClassPositionsGained
	}
	if p.IsBestTime != nil {
		out.IsBestTime = *p.IsBestTime
	}
	if p.IsBestTimeClass != nil {
		out.IsBestTimeClass = *p.IsBestTimeClass
	}
	if p.IsOverallMostPositionsGained != nil {
		out.IsOverallMostPositionsGained = *p.IsOverallMostPositionsGained
	}
	if p.IsClassMostPositionsGained != nil {
		out.IsClassMostPositionsGained = *p.IsClassMostPositionsGained
	}

	if p.InPit != nil {
		out.InPit = *p.InPit
	}
	if p.IsEnteredPit != nil {
		out.IsEnteredPit = *p.IsEnteredPit
	}
	if p.IsExitedPit != nil {
		out.IsExitedPit = *p.IsExitedPit
	}
	if p.PitStartFinish != nil {
		out.PitStartFinish = *p.PitStartFinish
	}
	if p.LapIncludedPit != nil {
		out.LapIncludedPit = *p.LapIncludedPit
	}
	if p.PitStopCount != nil {
		out.PitStopCount = *p.PitStopCount
	}
	if p.LastLapPitted != nil {
		out.LastLapPitted = *p.LastLapPitted
	}

	if p.TrackFlag != nil {
		out.TrackFlag = *p.TrackFlag
	}
	if p.LocalFlag != nil {
		out.LocalFlag = *p.LocalFlag
	}
	if p.LapHadLocalFlag != nil {
		out.LapHadLocalFlag = *p.LapHadLocalFlag
	}

	if p.PenaltyLaps != nil {
		out.PenaltyLaps = *p.PenaltyLaps
	}
	if p.PenaltyWarnings != nil {
		out.PenaltyWarnings = *p.PenaltyWarnings
	}
	if p.BlackFlags != nil {
		out.BlackFlags = *p.BlackFlags
	}

	if p.DriverName != nil {
		out.DriverName = *p.DriverName
	}
	if p.DriverID != nil {
		out.DriverID = *p.DriverID
	}

	if p.Lat != nil {
		out.Lat = *p.Lat
	}
	if p.Lon != nil {
		out.Lon = *p.Lon
	}
	if p.LastLoopName != nil {
		out.LastLoopName = *p.LastLoopName
	}

	if p.CompletedSections != nil {
		out.CompletedSections = append([]CompletedSection(nil), (*p.CompletedSections)...)
	}

	if p.InCarVideo != nil {
		out.InCarVideo = *p.InCarVideo
	}

	if p.CurrentStatus != nil {
		out.CurrentStatus = *p.CurrentStatus
	}
	if p.IsStale != nil {
		out.IsStale = *p.IsStale
	}
	if p.ImpactWarning != nil {
		out.ImpactWarning = *p.ImpactWarning
	}

	return &out
}

// ApplySessionPatch applies p onto s in place.
func ApplySessionPatch(s *SessionState, p *SessionStatePatch) {
	if p.Liveness != nil {
		s.Liveness = *p.Liveness
	}
	if p.LapsToGo != nil {
		s.LapsToGo = *p.LapsToGo
	}
	if p.TimeToGo != nil {
		s.TimeToGo = *p.TimeToGo
	}
	if p.RunningRaceTime != nil {
		s.RunningRaceTime = *p.RunningRaceTime
	}
	if p.LocalTimeOfDay != nil {
		s.LocalTimeOfDay = *p.LocalTimeOfDay
	}
	if p.CurrentFlag != nil {
		s.CurrentFlag = *p.CurrentFlag
	}
	if p.FlagDurations != nil {
		s.FlagDurations = append([]FlagDuration(nil), (*p.FlagDurations)...)
	}
	if p.GreenMs != nil {
		s.GreenMs = *p.GreenMs
	}
	if p.YellowMs != nil {
		s.YellowMs = *p.YellowMs
	}
	if p.RedMs != nil {
		s.RedMs = *p.RedMs
	}
	if p.NumberOfYellows != nil {
		s.NumberOfYellows = *p.NumberOfYellows
	}
	if p.AverageRaceSpeed != nil {
		s.AverageRaceSpeed = *p.AverageRaceSpeed
	}
	if p.LeadChanges != nil {
		s.LeadChanges = *p.LeadChanges
	}
	if p.Announcements != nil {
		s.Announcements = append([]Announcement(nil), (*p.Announcements)...)
	}
	if p.Sections != nil {
		s.Sections = append([]TrackSection(nil), (*p.Sections)...)
	}
	s.LastUpdated = time.Now()
}

// Consolidate merges a list of patches for the same (sessionId, car) into
// one, preferring later non-nil fields, and drops empty patches — spec.md
// §4.2.
func Consolidate(patches []*CarPositionPatch) []*CarPositionPatch {
	type carKey struct {
		sessionID int
		number    string
	}
	order := make([]carKey, 0)
	merged := make(map[carKey]*CarPositionPatch)

	for _, p := range patches {
		if p == nil {
			continue
		}
		key := carKey{sessionID: p.SessionID, number: p.Number}
		if existing, ok := merged[key]; ok {
			mergeCarPatch(existing, p)
		} else {
			cp := *p
			merged[key] = &cp
			order = append(order, key)
		}
	}

	out := make([]*CarPositionPatch, 0, len(order))
	for _, key := range order {
		p := merged[key]
		if !p.IsEmpty() {
			out = append(out, p)
		}
	}
	return out
}

// mergeCarPatch overlays src's non-nil fields onto dst in place, src being
// the later patch (spec.md §4.2: "preferring later non-null fields").
func mergeCarPatch(dst, src *CarPositionPatch) {
	if src.BestTime != nil {
		dst.BestTime = src.BestTime
	}
	if src.BestLap != nil {
		dst.BestLap = src.BestLap
	}
	if src.LastLapTime != nil {
		dst.LastLapTime = src.LastLapTime
	}
	if src.LastLapCompleted != nil {
		dst.LastLapCompleted = src.LastLapCompleted
	}
	if src.NumberOfLaps != nil {
		dst.NumberOfLaps = src.NumberOfLaps
	}
	if src.TotalTime != nil {
		dst.TotalTime = src.TotalTime
	}
	if src.ProjectedLapTimeMs != nil {
		dst.ProjectedLapTimeMs = src.ProjectedLapTimeMs
	}
	if src.LapStartTime != nil {
		dst.LapStartTime = src.LapStartTime
	}
	if src.OverallPosition != nil {
		dst.OverallPosition = src.OverallPosition
	}
	if src.ClassPosition != nil {
		dst.ClassPosition = src.ClassPosition
	}
	if src.OverallStartingPosition != nil {
		dst.OverallStartingPosition = src.OverallStartingPosition
	}
	if src.ClassStartingPosition != nil {
		dst.ClassStartingPosition = src.ClassStartingPosition
	}
	if src.OverallGap != nil {
		dst.OverallGap = src.OverallGap
	}
	if src.OverallDifference != nil {
		dst.OverallDifference = src.OverallDifference
	}
	if src.InClassGap != nil {
		dst.InClassGap = src.InClassGap
	}
	if src.InClassDifference != nil {
		dst.InClassDifference = src.InClassDifference
	}
	if src.OverallPositionsGained != nil {
		dst.OverallPositionsGained = src.OverallPositionsGained
	}
	if src.InClassPositionsGained != nil {
		dst.InClassPositionsGained = src.InClassPositionsGained
	}
	if src.IsBestTime != nil {
		dst.IsBestTime = src.IsBestTime
	}
	if src.IsBestTimeClass != nil {
		dst.IsBestTimeClass = src.IsBestTimeClass
	}
	if src.IsOverallMostPositionsGained != nil {
		dst.IsOverallMostPositionsGained = src.IsOverallMostPositionsGained
	}
	if src.IsClassMostPositionsGained != nil {
		dst.IsClassMostPositionsGained = src.IsClassMostPositionsGained
	}
	if src.InPit != nil {
		dst.InPit = src.InPit
	}
	if src.IsEnteredPit != nil {
		dst.IsEnteredPit = src.IsEnteredPit
	}
	if src.IsExitedPit != nil {
		dst.IsExitedPit = src.IsExitedPit
	}
	if src.PitStartFinish != nil {
		dst.PitStartFinish = src.PitStartFinish
	}
	if src.LapIncludedPit != nil {
		dst.LapIncludedPit = src.LapIncludedPit
	}
	if src.PitStopCount != nil {
		dst.PitStopCount = src.PitStopCount
	}
	if src.LastLapPitted != nil {
		dst.LastLapPitted = src.LastLapPitted
	}
	if src.TrackFlag != nil {
		dst.TrackFlag = src.TrackFlag
	}
	if src.LocalFlag != nil {
		dst.LocalFlag = src.LocalFlag
	}
	if src.LapHadLocalFlag != nil {
		dst.LapHadLocalFlag = src.LapHadLocalFlag
	}
	if src.PenaltyLaps != nil {
		dst.PenaltyLaps = src.PenaltyLaps
	}
	if src.PenaltyWarnings != nil {
		dst.PenaltyWarnings = src.PenaltyWarnings
	}
	if src.BlackFlags != nil {
		dst.BlackFlags = src.BlackFlags
	}
	if src.DriverName != nil {
		dst.DriverName = src.DriverName
	}
	if src.DriverID != nil {
		dst.DriverID = src.DriverID
	}
	if src.Lat != nil {
		dst.Lat = src.Lat
	}
	if src.Lon != nil {
		dst.Lon = src.Lon
	}
	if src.LastLoopName != nil {
		dst.LastLoopName = src.LastLoopName
	}
	if src.CompletedSections != nil {
		dst.CompletedSections = src.CompletedSections
	}
	if src.InCarVideo != nil {
		dst.InCarVideo = src.InCarVideo
	}
	if src.CurrentStatus != nil {
		dst.CurrentStatus = src.CurrentStatus
	}
	if src.IsStale != nil {
		dst.IsStale = src.IsStale
	}
	if src.ImpactWarning != nil {
		dst.ImpactWarning = src.ImpactWarning
	}
}

func intp(v int) *int             { return &v }
func strp(v string) *string       { return &v }
func boolp(v bool) *bool          { return &v }
func floatp(v float64) *float64   { return &v }
func flagp(v Flag) *Flag          { return &v }
