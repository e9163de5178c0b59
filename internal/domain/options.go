package domain

import "time"

const (
	DefaultMaxTasks           = 10
	DefaultLongPollingTimeout = 10 * time.Second
	DefaultLockDuration       = 100 * time.Second

	// minExtendLockTimeout keeps renewal from being scheduled at the very
	// edge of the lock window when LockDuration is tiny.
	minExtendLockTimeout = 10 * time.Millisecond
)

// TaskOptions tune how a topic subscription claims and holds tasks.
//
// Zero values are replaced by WithDefaults:
//   - MaxTasks: 10
//   - LongPollingTimeout: 10s
//   - LockDuration: 100s
//   - AdditionalLockDuration: LockDuration
//   - ExtendLockTimeout: LockDuration/10
type TaskOptions struct {
	// MaxTasks caps the tasks fetched per round, and therefore the number of
	// in-flight workers for the topic.
	MaxTasks int
	// LongPollingTimeout is how long the endpoint may hold a fetch open.
	// A negative value asks for an immediate answer.
	LongPollingTimeout time.Duration
	// LockDuration is the initial lock granted per fetched task.
	LockDuration time.Duration
	// AdditionalLockDuration is how far each renewal pushes the lock.
	AdditionalLockDuration time.Duration
	// ExtendLockTimeout is how long before expiry a renewal is attempted.
	ExtendLockTimeout time.Duration
}

// WithDefaults returns a copy of o with unset fields filled in and the
// renewal window clamped inside both lock durations.
func (o TaskOptions) WithDefaults() TaskOptions {
	if o.MaxTasks <= 0 {
		o.MaxTasks = DefaultMaxTasks
	}
	if o.LongPollingTimeout == 0 {
		o.LongPollingTimeout = DefaultLongPollingTimeout
	}
	if o.LockDuration <= 0 {
		o.LockDuration = DefaultLockDuration
	}
	if o.AdditionalLockDuration <= 0 {
		o.AdditionalLockDuration = o.LockDuration
	}
	if o.ExtendLockTimeout <= 0 {
		o.ExtendLockTimeout = o.LockDuration / 10
	}

	window := min(o.LockDuration, o.AdditionalLockDuration)
	if o.ExtendLockTimeout >= window {
		o.ExtendLockTimeout = window / 2
	}
	if o.ExtendLockTimeout < minExtendLockTimeout {
		o.ExtendLockTimeout = min(minExtendLockTimeout, window/2)
	}

	return o
}
