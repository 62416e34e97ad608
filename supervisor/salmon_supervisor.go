// Package supervisor restarts a failed tunnel a bounded number of times.
package supervisor

import (
	"context"
	"errors"
	"log"
	"time"
)

// DefaultMaxBackoff caps the doubling wait between attempts.
const DefaultMaxBackoff = 30 * time.Second

// Policy bounds the restarts. MaxRestarts counts restarts, not attempts.
type Policy struct {
	MaxRestarts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
	// OnRestart is called before every restart, if set.
	OnRestart func(attempt int, err error)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth a restart.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Run calls fn until it returns nil, returns a permanent error, or the restart budget
// is spent. Attempts are numbered from 0. A cancelled ctx ends the wait between
// attempts and Run returns the last error.
func Run(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) error {
	maxBackoff := p.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = DefaultMaxBackoff
	}
	backoff := p.Backoff

	for attempt := 0; ; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if ctx.Err() != nil {
			return err
		}
		if attempt >= p.MaxRestarts {
			log.Printf("SUPERVISOR: giving up after %d restarts: %v", attempt, err)
			return err
		}

		log.Printf("SUPERVISOR: attempt %d failed: %v, restarting in %v", attempt+1, err, backoff)
		if p.OnRestart != nil {
			p.OnRestart(attempt+1, err)
		}
		if backoff > 0 {
			t := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return err
			case <-t.C:
			}
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
