package rolesync

import (
	"errors"
	"fmt"
	"time"

	"github.com/ManuelReschke/tiersync/app/models"
)

// ErrCircuitOpen is returned while the client's circuit breaker rejects calls.
var ErrCircuitOpen = errors.New("rolesync: circuit open")

// RateLimitError is a 429 response. RetryAfter is zero when no hint was sent.
type RateLimitError struct {
	RetryAfter time.Duration
	Global     bool
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited (retry after %s, global=%t)", e.RetryAfter, e.Global)
}

// ServerError is a 5xx response.
type ServerError struct {
	Status int
	Body   string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Status, e.Body)
}

// ValidationError is a non-retryable 4xx response such as an unknown member or role.
type ValidationError struct {
	Status int
	Body   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("request rejected %d: %s", e.Status, e.Body)
}

// SyncError is returned by Adapter.Apply once the retry budget is spent or a
// non-retryable error occurred.
type SyncError struct {
	MemberID uint
	RoleID   string
	Action   models.RoleAction
	Attempts int
	Err      error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("role %s %s for member %d failed after %d attempt(s): %v", e.Action, e.RoleID, e.MemberID, e.Attempts, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// Retryable reports whether err is transient and the delay hint it carries.
func Retryable(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	var se *ServerError
	if errors.As(err, &se) {
		return 0, true
	}
	return 0, false
}
