package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrPreconditionFailed  = errors.New("precondition failed")
	ErrInvalidPhone        = errors.New("invalid phone number")
	ErrInvalidCode         = errors.New("invalid code")
	ErrInvalidPassword     = errors.New("invalid password")
	ErrRateLimited         = errors.New("rate limited")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrPersistence         = errors.New("persistence failure")
	// ErrUnauthorized is returned when a stored resumable token is no longer accepted upstream.
	ErrUnauthorized = errors.New("session not authorized")
)

// RateLimitError reports that the upstream asked for a cooldown.
type RateLimitError struct {
	Wait time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: retry after %s", e.Wait)
}

// Is lets errors.Is(err, ErrRateLimited) match.
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// RetryAfter extracts the cooldown from err, if it carries one.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.Wait, true
	}
	return 0, false
}
