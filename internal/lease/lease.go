// Package lease keeps the lock on one claimed task alive while it is being
// processed.
package lease

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/taskclaim/internal/backoff"
	"github.com/SirClappington/taskclaim/internal/endpoint"
)

// Config controls when and by how much a lease is renewed.
type Config struct {
	// ExtendLockTimeout is how long before expiry a renewal is attempted.
	ExtendLockTimeout time.Duration
	// AdditionalLockDuration is what each renewal asks the endpoint for.
	AdditionalLockDuration time.Duration
	// Retry bounds renewal attempts on transient errors.
	Retry endpoint.RetryPolicy
	// OnRenew, if set, is called after every renewal attempt sequence.
	OnRenew func(ok bool)
}

// Lease tracks the client-side view of one task lock. The tracked expiry
// never runs past the lock the endpoint actually granted: it is only moved
// forward from the moment a successful renewal request was issued.
type Lease struct {
	taskID   string
	workerID string
	ext      endpoint.Extender
	cfg      Config
	log      *zap.Logger

	renewing atomic.Bool

	mu        sync.Mutex
	expiresAt time.Time
	renewals  int
}

// New returns a lease for taskID that expires at expiresAt.
func New(taskID, workerID string, expiresAt time.Time, ext endpoint.Extender, cfg Config, log *zap.Logger) *Lease {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Retry.Attempts == 0 {
		cfg.Retry = endpoint.DefaultRetryPolicy()
	}
	return &Lease{
		taskID:    taskID,
		workerID:  workerID,
		ext:       ext,
		cfg:       cfg,
		log:       log,
		expiresAt: expiresAt,
	}
}

// ExpiresAt returns the current expiry.
func (l *Lease) ExpiresAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.expiresAt
}

// DueAt returns when the next renewal should be attempted.
func (l *Lease) DueAt() time.Time {
	return l.ExpiresAt().Add(-l.cfg.ExtendLockTimeout)
}

// Renewals returns how many renewals succeeded so far.
func (l *Lease) Renewals() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.renewals
}

// Renewing reports whether a renewal is in flight.
func (l *Lease) Renewing() bool {
	return l.renewing.Load()
}

// WaitDue blocks until a renewal is due or ctx is done.
func (l *Lease) WaitDue(ctx context.Context) error {
	return backoff.Sleep(ctx, time.Until(l.DueAt()))
}

// Renew extends the lock once, retrying transient errors. It returns ctx's
// error if ctx ends first, and an error matching endpoint.ErrLockLost when
// the lock is gone: rejected by the endpoint, retries exhausted, a
// permanent error, or the current expiry passed while retrying.
func (l *Lease) Renew(ctx context.Context) error {
	l.renewing.Store(true)
	defer l.renewing.Store(false)

	issued := time.Now()
	rctx, cancel := context.WithDeadline(ctx, l.ExpiresAt())
	defer cancel()

	err := endpoint.Retry(rctx, l.cfg.Retry, func(c context.Context) error {
		return l.ext.ExtendLock(c, l.taskID, l.workerID, l.cfg.AdditionalLockDuration)
	})
	if err == nil {
		l.mu.Lock()
		l.expiresAt = issued.Add(l.cfg.AdditionalLockDuration)
		l.renewals++
		expires := l.expiresAt
		l.mu.Unlock()

		l.log.Debug("lock extended", zap.Time("expires_at", expires))
		l.observe(true)
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	l.observe(false)
	if !errors.Is(err, endpoint.ErrLockLost) {
		err = errors.Wrapf(endpoint.ErrLockLost, "renewal gave up: %v", err)
	}
	l.log.Warn("lock lost", zap.Error(err))
	return err
}

// Run renews the lock every time it falls due until ctx is done or the lock
// is lost. It returns ctx's error on a clean stop.
func (l *Lease) Run(ctx context.Context) error {
	for {
		if err := l.WaitDue(ctx); err != nil {
			return err
		}
		if err := l.Renew(ctx); err != nil {
			return err
		}
	}
}

func (l *Lease) observe(ok bool) {
	if l.cfg.OnRenew != nil {
		l.cfg.OnRenew(ok)
	}
}
