package model

import "time"

// SessionSnapshot is the authoritative view of the current session.
// Snapshots are values; consumers get copies and never mutate shared state.
type SessionSnapshot struct {
	CarName       string     `json:"carName"`
	TrackName     string     `json:"trackName"`
	Lap           int        `json:"lap"`
	Position      int        `json:"position"`
	SessionActive bool       `json:"sessionActive"`
	LastUpdated   time.Time  `json:"lastUpdated"`
	Generation    Generation `json:"producerConnectionId"`
	// incremented when a lap decrease opens a new session within a generation
	SessionNum  int     `json:"sessionNum"`
	LastLapTime float64 `json:"lastLapTime,omitempty"`
	BestLapTime float64 `json:"bestLapTime,omitempty"`
	SequenceID  uint64  `json:"sequenceId"`
}

// IdleSnapshot is the sentinel used when no producer is connected or the
// session has ended. The generation is kept so late samples of that
// generation stay rejectable.
func IdleSnapshot(gen Generation, at time.Time) SessionSnapshot {
	return SessionSnapshot{Generation: gen, LastUpdated: at}
}

// IsIdle reports whether s carries no session data.
func (s SessionSnapshot) IsIdle() bool {
	return !s.SessionActive && s.CarName == "" && s.TrackName == "" &&
		s.Lap == 0 && s.Position == PositionUnknown
}

// SameState compares the fields that are derived from samples. Bookkeeping
// fields (LastUpdated, SequenceID) are ignored.
func (s SessionSnapshot) SameState(o SessionSnapshot) bool {
	return s.CarName == o.CarName &&
		s.TrackName == o.TrackName &&
		s.Lap == o.Lap &&
		s.Position == o.Position &&
		s.SessionActive == o.SessionActive &&
		s.Generation == o.Generation &&
		s.SessionNum == o.SessionNum &&
		s.LastLapTime == o.LastLapTime &&
		s.BestLapTime == o.BestLapTime
}
