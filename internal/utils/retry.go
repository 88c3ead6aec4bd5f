// Package utils contains small helpers shared across packages.
package utils

import (
	"context"
	"errors"
	"net"
	"os"
	"syscall"
	"time"
)

// RetryDelays are the pauses between attempts of WithRetry.
var RetryDelays = []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

// WithRetry runs fn and retries transient failures after each of RetryDelays.
// It gives up early when ctx is done.
func WithRetry(ctx context.Context, fn func() error) error {
	err := fn()
	for _, delay := range RetryDelays {
		if err == nil || !IsRetriable(err) {
			return err
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return errors.Join(err, ctx.Err())
		case <-t.C:
		}
		err = fn()
	}
	return err
}

// IsRetriable reports whether err looks like a transient network problem.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ENOENT) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	return os.IsTimeout(err)
}
