// Package testutil provides integration-test helpers, including a
// condition-polling helper for waiting on a freshly started listener to
// actually accept connections. Adapted from a generic wait/backoff
// utility into a single-purpose readiness check.
package testutil

import (
	"context"
	"errors"
	"net"
	"time"
)

var ErrTimeout = errors.New("testutil: timed out waiting for listener")

// WaitForListener retries dialing addr every interval until it succeeds
// or the deadline elapses, then closes the probe connection.
func WaitForListener(addr string, timeout, interval time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		conn, err := net.DialTimeout("tcp", addr, interval)
		if err == nil {
			conn.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return ErrTimeout
		case <-ticker.C:
		}
	}
}
