package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"syscall"
	"time"

	"github.com/user/hexe/internal/types"
)

// RetryPolicy retries a failed history append with exponential backoff. An
// event is only acknowledged to subscribers once its append succeeded.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// DefaultRetryPolicy returns 3 attempts, 200ms initial delay, 2x multiplier
// and a 5s cap. A turn waits on its appends, so the delays stay short.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 200 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
	}
}

// ShouldRetry reports whether attempt (1-indexed) may be followed by another.
func (p *RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if attempt >= p.MaxAttempts {
		return false
	}
	return Transient(err)
}

// Transient classifies an append failure. Busy databases and interrupted
// I/O are transient. Cancellation, encoding failures, malformed messages and
// constraint violations never succeed on retry. Unknown errors are retried.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, types.ErrEmptyMessage), errors.Is(err, types.ErrInvalidRole),
		errors.Is(err, types.ErrNameMismatch):
		return false
	case errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EINTR), errors.Is(err, syscall.EBUSY):
		return true
	}

	var (
		unsupportedType  *json.UnsupportedTypeError
		unsupportedValue *json.UnsupportedValueError
		marshaler        *json.MarshalerError
	)
	if errors.As(err, &unsupportedType) || errors.As(err, &unsupportedValue) || errors.As(err, &marshaler) {
		return false
	}

	// The sqlite driver reports result codes only in its messages.
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"database is locked", "sqlite_busy", "disk i/o error"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	for _, s := range []string{"constraint", "readonly", "no such table"} {
		if strings.Contains(msg, s) {
			return false
		}
	}
	return true
}

// NextDelay returns the backoff after attempt (1-indexed):
// InitialDelay * Multiplier^(attempt-1), capped at MaxDelay.
func (p *RetryPolicy) NextDelay(attempt int) time.Duration {
	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// Do runs fn until it succeeds, fails permanently or MaxAttempts is reached.
// It stops waiting when ctx is done and returns the last error.
func (p *RetryPolicy) Do(ctx context.Context, fn func() error) error {
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !p.ShouldRetry(err, attempt) {
			return err
		}

		timer := time.NewTimer(p.NextDelay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}
