package ai

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Class groups upstream failures by how the caller should react.
type Class string

const (
	ClassRateLimited  Class = "rate_limited"
	ClassInvalidInput Class = "invalid_input"
	ClassTransient    Class = "transient"
	ClassUnavailable  Class = "unavailable"
)

// Error is returned by Client for every failed completion.
type Error struct {
	Class      Class
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("ai: %s: HTTP %d: %s", e.Class, e.StatusCode, msg)
	}
	return fmt.Sprintf("ai: %s: %s", e.Class, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// ClassOf classifies err. Deadline and network failures are transient;
// anything unrecognised is treated as the service being unavailable.
func ClassOf(err error) Class {
	var aiErr *Error
	if errors.As(err, &aiErr) {
		return aiErr.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}
	return ClassUnavailable
}

// Retryable reports whether one more attempt may succeed.
func Retryable(err error) bool {
	return err != nil && ClassOf(err) == ClassTransient
}

func classForStatus(code int) Class {
	switch {
	case code == 429:
		return ClassRateLimited
	case code == 400 || code == 413 || code == 422:
		return ClassInvalidInput
	case code >= 500:
		return ClassTransient
	default:
		return ClassUnavailable
	}
}
