package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is returned for a missing session id or empty question.
	// No backend is contacted.
	ErrValidation = errors.New("invalid request")

	// ErrSessionBusy is returned when a session already has a reply in flight.
	ErrSessionBusy = errors.New("session has a reply in progress")

	// ErrSessionNotFound is returned when inspecting an unknown session.
	ErrSessionNotFound = errors.New("session not found")
)

// UpstreamError wraps a failure of the generation or embedding backend.
type UpstreamError struct {
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("model backend: %v", e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }
