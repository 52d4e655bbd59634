package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrAuthExpired means the caller's session, not the network, is the
	// problem: authorization failed and survived one refresh-and-retry.
	ErrAuthExpired = errors.New("session expired, please retry")

	// ErrStreamEnded means the stream closed without a terminal event.
	ErrStreamEnded = errors.New("stream ended before completion")
)

// AdmissionReason is the specific, user-visible ground for rejecting a start.
type AdmissionReason string

const (
	AdmissionAlreadyRunning AdmissionReason = "already in progress"
	AdmissionTooSoon        AdmissionReason = "too soon"
	AdmissionMaxConcurrent  AdmissionReason = "max concurrent reached"
)

// AdmissionError rejects a start synchronously; no session is created.
type AdmissionError struct {
	JobID  JobID
	Reason AdmissionReason
}

func (e *AdmissionError) Error() string {
	if e.JobID == "" {
		return fmt.Sprintf("generation rejected: %s", e.Reason)
	}
	return fmt.Sprintf("generation rejected for job %s: %s", e.JobID, e.Reason)
}

// IsAdmissionRejected reports whether err is an admission rejection.
func IsAdmissionRejected(err error) bool {
	var ae *AdmissionError
	return errors.As(err, &ae)
}

// TransportError wraps a connection-level failure, distinct from auth and
// generation failures.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// FatalGenerationError is an explicit backend failure that ends the session.
type FatalGenerationError struct {
	Code    string
	Message string
}

func (e *FatalGenerationError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("generation failed [%s]: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("generation failed: %s", e.Message)
}

// ValidationError means an event payload failed a sanity check badly enough
// to end the session.
type ValidationError struct {
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid event payload: %s", e.Detail)
}
