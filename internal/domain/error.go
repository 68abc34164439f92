package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Common domain errors
	ErrNotFound        = errors.New("entity not found")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrRateLimited     = errors.New("rate limit exceeded")

	// Dialogue errors
	ErrNoActiveFlow   = errors.New("no active generation flow")
	ErrInvalidAPIID   = errors.New("api id must be a number")
	ErrEmptyInput     = errors.New("empty input")
	ErrUnknownStep    = errors.New("unknown dialogue step")
	ErrSessionMissing = errors.New("auth session missing for current step")

	// Auth client errors
	ErrPasswordNeeded  = errors.New("two-factor password required")
	ErrInvalidCode     = errors.New("verification code is invalid")
	ErrPasswordInvalid = errors.New("two-factor password is invalid")
)

// FloodWaitError is returned when Telegram asks the client to back off.
type FloodWaitError struct {
	Wait time.Duration
	Err  error
}

func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("flood wait %s", e.Wait)
}

func (e *FloodWaitError) Unwrap() error { return e.Err }
