package retry

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
	"time"

	"reportd/internal/domain"
)

// The prebuilt policies differ only in their numbers and predicates; the
// executor does not know which domain it is retrying.

// NetworkPolicy retries connection failures, timeouts, and throttling or
// server-side HTTP errors.
func NetworkPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Multiplier:  2,
		Jitter:      true,
		Retryable:   IsNetworkRetryable,
	}
}

// DatabasePolicy retries connection loss, deadlocks, and lock timeouts.
func DatabasePolicy() Policy {
	return Policy{
		MaxAttempts: 4,
		BaseDelay:   250 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Multiplier:  2,
		Jitter:      true,
		Retryable:   IsDatabaseRetryable,
	}
}

// FilePolicy retries transient filesystem contention.
func FilePolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		Multiplier:  2,
		Jitter:      true,
		Retryable:   IsFileRetryable,
	}
}

// neverRetryable covers the classes every predicate rejects: explicitly
// permanent failures, cancellation, and a dead context.
func neverRetryable(err error) bool {
	return domain.IsPermanent(err) ||
		errors.Is(err, domain.ErrCancelled) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func IsNetworkRetryable(err error) bool {
	if err == nil || neverRetryable(err) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	return containsAny(err,
		"connection refused",
		"connection reset",
		"timeout",
		"timed out",
		"temporarily unavailable",
		"too many requests",
		"status 429",
		"status 500",
		"status 502",
		"status 503",
		"status 504",
	)
}

func IsDatabaseRetryable(err error) bool {
	if err == nil || neverRetryable(err) {
		return false
	}
	return containsAny(err,
		"connection refused",
		"connection reset",
		"connection closed",
		"broken pipe",
		"deadlock",
		"lock timeout",
		"lock wait",
		"timeout",
		"conn busy",
	)
}

func IsFileRetryable(err error) bool {
	if err == nil || neverRetryable(err) {
		return false
	}
	if errors.Is(err, syscall.EBUSY) || errors.Is(err, syscall.EAGAIN) ||
		errors.Is(err, syscall.EMFILE) || errors.Is(err, syscall.ENFILE) {
		return true
	}
	return containsAny(err,
		"resource busy",
		"device or resource busy",
		"too many open files",
	)
}

func containsAny(err error, signatures ...string) bool {
	msg := strings.ToLower(err.Error())
	for _, sig := range signatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}
