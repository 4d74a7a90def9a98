package model

import "fmt"

// Generation identifies one lifetime of the telemetry producer connection.
// Zero means "not assigned".
type Generation uint64

// PositionUnknown is used when the producer does not know the position.
const PositionUnknown = 0

// TelemetrySample is a single message from the telemetry producer.
// Samples are immutable once received.
type TelemetrySample struct {
	ProducerID    string     `json:"producerId,omitempty"`
	Generation    Generation `json:"generation,omitempty"`
	SequenceID    uint64     `json:"sequenceId"`
	CarName       string     `json:"carName,omitempty"`
	TrackName     string     `json:"trackName,omitempty"`
	Lap           int        `json:"lap"`
	Position      int        `json:"position,omitempty"`
	SessionActive bool       `json:"sessionActive"`
	// producer side session time in seconds
	SourceTime float64 `json:"sourceTime"`
}

// Validate checks the constraints that must hold before a sample may touch
// the session state.
func (s *TelemetrySample) Validate() error {
	switch {
	case s.Generation == 0:
		return &InvalidSampleError{Reason: "missing generation"}
	case s.SequenceID == 0:
		return &InvalidSampleError{Reason: "missing sequence id"}
	case s.Lap < 0:
		return &InvalidSampleError{Reason: fmt.Sprintf("negative lap %d", s.Lap)}
	case s.Position < 0:
		return &InvalidSampleError{
			Reason: fmt.Sprintf("negative position %d", s.Position),
		}
	case s.SourceTime < 0:
		return &InvalidSampleError{Reason: "negative source time"}
	}
	return nil
}
