// Package lock provides per-resource-identifier mutual exclusion for
// reconciliations. The lock is an advisory file lock on a path derived from
// the identifier, so independent kiln processes targeting the same resource
// serialize while processes targeting different resources do not contend.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"

	"github.com/jbweber/kiln/internal/naming"
)

// DefaultWait is how long Acquire retries before reporting contention.
// Contention is surfaced to the caller as retryable, so the window stays
// short rather than queueing work invisibly.
const DefaultWait = 2 * time.Second

// retryDelay is the poll interval while waiting for a held lock.
const retryDelay = 50 * time.Millisecond

// ErrBusy is returned when another reconciliation holds the resource lock
// for the whole acquisition window.
var ErrBusy = errors.New("resource is locked by another reconciliation")

// Guard is a held lock. Release must be called on every exit path.
type Guard struct {
	fl *flock.Flock
	id string
}

// Acquire takes the advisory lock for a resource identifier, retrying for
// up to wait (DefaultWait if zero). Returns ErrBusy when the lock stays
// contended, or the context's error when the caller gives up first.
func Acquire(ctx context.Context, dir, id string, wait time.Duration) (*Guard, error) {
	if id == "" {
		return nil, fmt.Errorf("resource identifier is required")
	}
	if wait <= 0 {
		wait = DefaultWait
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory %s: %w", dir, err)
	}

	lockPath := filepath.Join(dir, naming.LockName(id))
	fl := flock.New(lockPath)

	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	locked, err := fl.TryLockContext(waitCtx, retryDelay)
	if err != nil {
		// The caller's own context aborting is a cancellation, not
		// contention.
		if ctx.Err() != nil {
			return nil, fmt.Errorf("lock acquisition canceled: %w", ctx.Err())
		}
		if errors.Is(err, context.DeadlineExceeded) {
			logrus.Warnf("Lock for %s held elsewhere after %v", id, wait)
			return nil, fmt.Errorf("could not lock %s within %v: %w", id, wait, ErrBusy)
		}
		return nil, fmt.Errorf("failed to acquire lock for %s: %w", id, err)
	}
	if !locked {
		return nil, fmt.Errorf("could not lock %s within %v: %w", id, wait, ErrBusy)
	}

	logrus.Debugf("Acquired lock for %s (%s)", id, lockPath)
	return &Guard{fl: fl, id: id}, nil
}

// Release drops the lock. Safe to call once on every exit path; releasing
// a nil guard is a no-op.
func (g *Guard) Release() error {
	if g == nil || g.fl == nil {
		return nil
	}
	if err := g.fl.Unlock(); err != nil {
		return fmt.Errorf("failed to release lock for %s: %w", g.id, err)
	}
	logrus.Debugf("Released lock for %s", g.id)
	return nil
}
