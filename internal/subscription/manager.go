// Package subscription runs topic subscriptions against a task endpoint:
// one long-polling loop per topic, one worker per claimed task.
package subscription

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/taskclaim/internal/backoff"
	"github.com/SirClappington/taskclaim/internal/domain"
	"github.com/SirClappington/taskclaim/internal/endpoint"
	"github.com/SirClappington/taskclaim/internal/metrics"
	"github.com/SirClappington/taskclaim/internal/worker"
)

var (
	// ErrTopicSubscribed is returned when a topic already has a subscription.
	ErrTopicSubscribed = errors.New("subscription: topic already subscribed")
	// ErrTopicNotFound is returned by Unsubscribe for unknown topics.
	ErrTopicNotFound = errors.New("subscription: topic not subscribed")
	// ErrAlreadyStarted is returned when subscribing or starting while running.
	ErrAlreadyStarted = errors.New("subscription: already started")
	// ErrNoSubscriptions is returned by Start when nothing is subscribed.
	ErrNoSubscriptions = errors.New("subscription: no topics subscribed")
	// ErrStopped is returned by Start after Stop.
	ErrStopped = errors.New("subscription: manager stopped")
	// ErrInvalidSubscription is returned for an empty topic or nil handler.
	ErrInvalidSubscription = errors.New("subscription: topic and handler are required")
	// ErrShutdownTimeout is returned by Stop when handlers had to be
	// abandoned.
	ErrShutdownTimeout = errors.New("subscription: shutdown grace period expired")
)

// Default manager settings.
const (
	DefaultShutdownGrace    = 30 * time.Second
	DefaultFetchBackoffBase = 500 * time.Millisecond
	DefaultFetchBackoffMax  = 30 * time.Second
)

// Manager owns the topic subscriptions of one worker client. Register every
// topic before calling Start; Subscribe and Stop must not be called
// concurrently with each other.
type Manager struct {
	ep           endpoint.Endpoint
	workerID     string
	log          *zap.Logger
	metrics      metrics.Collector
	grace        time.Duration
	fetchBackoff backoff.Policy
	retry        endpoint.RetryPolicy

	mu         sync.Mutex
	topics     map[string]*Topic
	running    bool
	closed     bool
	stopCancel context.CancelFunc
	workCancel context.CancelFunc
	wg         sync.WaitGroup

	stopOnce sync.Once
	stopped  chan struct{}
	stopErr  error
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// WithWorkerID overrides the generated worker id.
func WithWorkerID(id string) Option {
	return func(m *Manager) {
		if id != "" {
			m.workerID = id
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(c metrics.Collector) Option {
	return func(m *Manager) {
		if c != nil {
			m.metrics = c
		}
	}
}

// WithShutdownGrace bounds how long Stop waits for running handlers.
func WithShutdownGrace(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.grace = d
		}
	}
}

// WithFetchBackoff sets the delay bounds between failed fetches.
func WithFetchBackoff(base, maxDelay time.Duration) Option {
	return func(m *Manager) {
		m.fetchBackoff = backoff.New(base, maxDelay, 0)
	}
}

// WithRetryPolicy sets the retry policy for lock renewal and reports.
func WithRetryPolicy(p endpoint.RetryPolicy) Option {
	return func(m *Manager) {
		if p.Attempts > 0 {
			m.retry = p
		}
	}
}

// New creates a manager that claims work from ep under a fresh worker id.
func New(ep endpoint.Endpoint, opts ...Option) *Manager {
	m := &Manager{
		ep:           ep,
		workerID:     uuid.NewString(),
		log:          zap.NewNop(),
		metrics:      metrics.Nop{},
		grace:        DefaultShutdownGrace,
		fetchBackoff: backoff.New(DefaultFetchBackoffBase, DefaultFetchBackoffMax, 0),
		retry:        endpoint.DefaultRetryPolicy(),
		topics:       make(map[string]*Topic),
		stopped:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.Named("subscription").With(zap.String("worker_id", m.workerID))

	return m
}

// WorkerID returns the id this client locks tasks under.
func (m *Manager) WorkerID() string { return m.workerID }

// Subscribe registers h for topic. A topic that is already subscribed keeps
// its existing subscription; the call is logged and returns
// ErrTopicSubscribed.
func (m *Manager) Subscribe(topic string, h worker.Handler, opts domain.TaskOptions) error {
	if topic == "" || h == nil {
		return ErrInvalidSubscription
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStopped
	}
	if m.running {
		m.log.Warn("subscribe after start is not supported", zap.String("topic", topic))
		return ErrAlreadyStarted
	}
	if _, ok := m.topics[topic]; ok {
		m.log.Warn("topic already subscribed, skipping", zap.String("topic", topic))
		return errors.Wrap(ErrTopicSubscribed, topic)
	}

	t := newTopic(topic, h, opts, m)
	m.topics[topic] = t
	m.log.Info("topic subscribed", zap.String("topic", topic),
		zap.Int("max_tasks", t.opts.MaxTasks),
		zap.Duration("lock_duration", t.opts.LockDuration))

	return nil
}

// Unsubscribe removes topic. If the manager is running, the topic's loop
// stops at its next round boundary and Unsubscribe waits for it or ctx.
func (m *Manager) Unsubscribe(ctx context.Context, topic string) error {
	m.mu.Lock()
	t, ok := m.topics[topic]
	if !ok {
		m.mu.Unlock()
		return errors.Wrap(ErrTopicNotFound, topic)
	}
	delete(m.topics, topic)
	running := m.running
	m.mu.Unlock()

	m.log.Info("topic unsubscribed", zap.String("topic", topic))
	if !running || t.done == nil {
		return nil
	}

	t.stop()
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Topics returns the subscribed topic names in order.
func (m *Manager) Topics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.topics))
	for name := range m.topics {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Start runs every subscribed topic concurrently.
//
// With runForever set, Start blocks until Stop is called or ctx is done. In
// the latter case it stops the manager itself and returns Stop's error.
// Otherwise each topic runs a single round (fetch, dispatch, drain) and
// Start returns when all of them are done; it may then be called again.
// Cancelling ctx ends a pending long poll of that round.
func (m *Manager) Start(ctx context.Context, runForever bool) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrStopped
	}
	if m.running {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	if len(m.topics) == 0 {
		m.mu.Unlock()
		return ErrNoSubscriptions
	}

	parent := context.Background()
	if !runForever {
		parent = ctx
	}
	stopCtx, stopCancel := context.WithCancel(parent)
	workCtx, workCancel := context.WithCancel(context.Background())
	m.running = true
	m.stopCancel = stopCancel
	m.workCancel = workCancel
	for _, t := range m.topics {
		m.wg.Add(1)
		t.start(stopCtx, workCtx, !runForever)
		go func(t *Topic) {
			<-t.done
			m.wg.Done()
		}(t)
	}
	m.log.Info("worker client started", zap.Int("topics", len(m.topics)), zap.Bool("run_forever", runForever))
	m.mu.Unlock()

	if !runForever {
		m.wg.Wait()
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		stopCancel()
		workCancel()
		return nil
	}

	select {
	case <-m.stopped:
		return nil
	case <-ctx.Done():
		return m.Stop(context.Background())
	}
}

// Stop ends every topic at its next round boundary and waits for in-flight
// workers up to the shutdown grace period or until ctx is done. Handlers
// still running after that are abandoned: their context is cancelled, their
// lock renewal stops and their results are discarded. Stop is idempotent.
func (m *Manager) Stop(ctx context.Context) error {
	m.stopOnce.Do(func() {
		m.stopErr = m.shutdown(ctx)
		close(m.stopped)
	})
	<-m.stopped

	return m.stopErr
}

func (m *Manager) shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	stopCancel, workCancel := m.stopCancel, m.workCancel
	m.mu.Unlock()

	if stopCancel == nil {
		return nil
	}
	m.log.Info("stopping worker client")
	stopCancel()

	drained := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(drained)
	}()

	grace := time.NewTimer(m.grace)
	defer grace.Stop()

	select {
	case <-drained:
		workCancel()
		m.log.Info("worker client stopped")
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}

	m.log.Warn("shutdown grace period expired, abandoning running handlers")
	workCancel()
	<-drained

	return ErrShutdownTimeout
}
