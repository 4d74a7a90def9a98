package model

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidSample   = errors.New("invalid sample")
	ErrStaleGeneration = errors.New("stale generation")
	ErrRemoteAuth      = errors.New("remote authentication failed")
	ErrProducerTimeout = errors.New("producer timeout")
)

// InvalidSampleError is returned for malformed samples. They never mutate
// state.
type InvalidSampleError struct {
	Reason string
}

func (e *InvalidSampleError) Error() string {
	return fmt.Sprintf("invalid sample: %s", e.Reason)
}

func (e *InvalidSampleError) Unwrap() error { return ErrInvalidSample }

// StaleGenerationError is returned for samples of a superseded producer
// connection.
type StaleGenerationError struct {
	Sample  Generation
	Current Generation
}

func (e *StaleGenerationError) Error() string {
	return fmt.Sprintf("stale generation: sample %d, current %d", e.Sample, e.Current)
}

func (e *StaleGenerationError) Unwrap() error { return ErrStaleGeneration }

// RemoteAuthError is returned by remote stores when the account could not
// be authenticated or the token was rejected.
type RemoteAuthError struct {
	Account string
	Err     error
}

func (e *RemoteAuthError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("remote auth failed for %q", e.Account)
	}
	return fmt.Sprintf("remote auth failed for %q: %v", e.Account, e.Err)
}

func (e *RemoteAuthError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrRemoteAuth}
	}
	return []error{ErrRemoteAuth, e.Err}
}

// SyncBacklogOverflow is raised once per overflow episode of the remote queue.
type SyncBacklogOverflow struct {
	Capacity int
	// entries dropped since the episode began (at the time it was raised)
	Dropped uint64
}

func (o SyncBacklogOverflow) String() string {
	return fmt.Sprintf("sync backlog overflow (capacity %d)", o.Capacity)
}
