// Package retry implements a generic retry-with-backoff driver for
// long-running streaming operations, grounded on the exponential-backoff
// idiom of k8s.io/apimachinery/pkg/util/wait.
package retry

import (
	"context"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
)

// transientSignatures are error-string substrings that classify an error as
// transient.
var transientSignatures = []string{
	"h2 protocol error",
	"connection reset",
	"broken pipe",
	"connection refused",
	"transport error",
	"dns error",
	"connection closed",
	"channel closed",
}

// IsTransient reports whether err matches one of the known transient-network
// error signatures.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range transientSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

// Op is a labeled, long-running, restartable operation. It should run until
// ctx is cancelled or a non-recoverable condition ends it, returning nil for
// a clean stream end (which is itself retried, resetting backoff).
type Op func(ctx context.Context) error

// Run drives op forever, honoring ctx cancellation, applying exponential
// backoff capped at 60s, and resetting backoff whenever op returns cleanly
// or fails with a transient error.
func Run(ctx context.Context, label string, op Op) {
	backoff := initialBackoff
	entry := log.WithField("component", label)

	for {
		if ctx.Err() != nil {
			return
		}

		err := op(ctx)

		switch {
		case err == nil:
			entry.Warn("stream ended, reconnecting")
			backoff = initialBackoff
		case IsTransient(err):
			entry.WithError(err).Warn("transient error, reconnecting")
			backoff = initialBackoff
		default:
			entry.WithError(err).Error("persistent error, backing off")
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}
