package model

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTelemetrySample_Validate(t *testing.T) {
	valid := TelemetrySample{Generation: 1, SequenceID: 1, Lap: 0, Position: 2}
	tests := []struct {
		name    string
		modify  func(s *TelemetrySample)
		wantErr bool
	}{
		{name: "valid", modify: func(s *TelemetrySample) {}},
		{name: "unknown position", modify: func(s *TelemetrySample) { s.Position = 0 }},
		{name: "no generation", modify: func(s *TelemetrySample) { s.Generation = 0 }, wantErr: true},
		{name: "no sequence", modify: func(s *TelemetrySample) { s.SequenceID = 0 }, wantErr: true},
		{name: "negative lap", modify: func(s *TelemetrySample) { s.Lap = -1 }, wantErr: true},
		{name: "negative pos", modify: func(s *TelemetrySample) { s.Position = -3 }, wantErr: true},
		{name: "negative time", modify: func(s *TelemetrySample) { s.SourceTime = -1 }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid
			tt.modify(&s)
			err := s.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidSample)
				var ise *InvalidSampleError
				assert.True(t, errors.As(err, &ise))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSessionSnapshot_SameState(t *testing.T) {
	a := SessionSnapshot{CarName: "car", Lap: 2, Position: 1, Generation: 1}
	b := a
	b.LastUpdated = time.Now()
	b.SequenceID = 99
	assert.True(t, a.SameState(b))
	b.Position = 2
	assert.False(t, a.SameState(b))
}

func TestIdleSnapshot(t *testing.T) {
	s := IdleSnapshot(3, time.Now())
	assert.True(t, s.IsIdle())
	assert.Equal(t, Generation(3), s.Generation)
}

func TestRemoteAuthError(t *testing.T) {
	cause := errors.New("token expired")
	err := error(&RemoteAuthError{Account: "a@b.c", Err: cause})
	assert.ErrorIs(t, err, ErrRemoteAuth)
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, &StaleGenerationError{Sample: 1, Current: 2}, ErrStaleGeneration)
}

func TestAccountHandle_Valid(t *testing.T) {
	now := time.Now()
	assert.False(t, AccountHandle{}.Valid(now))
	assert.True(t, AccountHandle{ID: "x"}.Valid(now))
	assert.False(t, AccountHandle{ID: "x", ExpiresAt: now.Add(-time.Second)}.Valid(now))
}
