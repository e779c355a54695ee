package registry

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/InstituteforDiseaseModeling/modelops-bundle-sub001/pkg/errors"
)

const (
	maxAttempts  = 3
	retryBackoff = 500 * time.Millisecond
)

// WithRetries runs f until it succeeds or the attempts are used up. Only
// transient transport failures retry; not-found, authorization, and
// integrity failures return immediately since repeating them can't help.
func WithRetries(ctx context.Context, clock clockwork.Clock, operation string,
	f func() error) error {

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = f(); err == nil {
			return nil
		}
		if !Retryable(err) || attempt == maxAttempts {
			return err
		}

		log.WithError(err).Debugf("Retrying %s (attempt %d of %d)",
			operation, attempt, maxAttempts)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clock.After(retryBackoff * time.Duration(attempt)):
		}
	}
	return err
}

// Retryable reports whether retrying the operation that produced err could
// succeed.
func Retryable(err error) bool {
	cause := errors.RootCause(err)
	if cause == context.Canceled || cause == context.DeadlineExceeded {
		return false
	}
	if cause == errors.ErrFileChanged {
		return false
	}

	switch typed := cause.(type) {
	case errors.TagNotFound, errors.FileNotFound, errors.UnsafePath,
		errors.DigestMismatch:
		return false
	case StatusError:
		return typed.temporary()
	}

	// Anything else is assumed to be a network-level failure worth another
	// attempt.
	return true
}
