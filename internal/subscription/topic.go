package subscription

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/taskclaim/internal/backoff"
	"github.com/SirClappington/taskclaim/internal/domain"
	"github.com/SirClappington/taskclaim/internal/endpoint"
	"github.com/SirClappington/taskclaim/internal/lease"
	"github.com/SirClappington/taskclaim/internal/metrics"
	"github.com/SirClappington/taskclaim/internal/worker"
)

// State is a topic subscription's position in its polling loop.
type State string

const (
	Idle        State = "idle"
	Polling     State = "polling"
	Dispatching State = "dispatching"
	Draining    State = "draining"
	Stopped     State = "stopped"
)

// Topic is the long-polling loop of one topic. Each round fetches up to
// MaxTasks tasks, runs one worker per task and waits for all of them to
// finish before the next fetch.
type Topic struct {
	name     string
	handler  worker.Handler
	opts     domain.TaskOptions
	ep       endpoint.Endpoint
	workerID string
	log      *zap.Logger
	metrics  metrics.Collector
	backoff  backoff.Policy
	wcfg     worker.Config

	state    atomic.Value // State
	inflight atomic.Int32

	cancel context.CancelFunc
	done   chan struct{}
}

func newTopic(name string, h worker.Handler, opts domain.TaskOptions, m *Manager) *Topic {
	opts = opts.WithDefaults()
	log := m.log.With(zap.String("topic", name))
	mc := m.metrics

	t := &Topic{
		name:     name,
		handler:  h,
		opts:     opts,
		ep:       m.ep,
		workerID: m.workerID,
		log:      log,
		metrics:  mc,
		backoff:  m.fetchBackoff,
		wcfg: worker.Config{
			WorkerID: m.workerID,
			Lease: lease.Config{
				ExtendLockTimeout:      opts.ExtendLockTimeout,
				AdditionalLockDuration: opts.AdditionalLockDuration,
				Retry:                  m.retry,
				OnRenew: func(ok bool) {
					if ok {
						mc.LockExtended(name, "ok")
					} else {
						mc.LockExtended(name, "lost")
					}
				},
			},
			Retry:     m.retry,
			OnDropped: func(kind string) { mc.ReportDropped(name, kind) },
		},
	}
	t.state.Store(Idle)
	return t
}

// Name returns the topic name.
func (t *Topic) Name() string { return t.name }

// Options returns the normalized options the topic polls with.
func (t *Topic) Options() domain.TaskOptions { return t.opts }

// State returns the loop's current phase.
func (t *Topic) State() State { return t.state.Load().(State) }

// InFlight returns the number of workers that have not reached a terminal
// state yet.
func (t *Topic) InFlight() int { return int(t.inflight.Load()) }

// start launches the loop. stopCtx ends polling at the next round boundary;
// workCtx bounds the workers themselves.
func (t *Topic) start(stopCtx, workCtx context.Context, once bool) {
	ctx, cancel := context.WithCancel(stopCtx)
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.run(ctx, workCtx, once)
}

// stop asks the loop to exit at the next round boundary.
func (t *Topic) stop() {
	if t.cancel != nil {
		t.cancel()
	}
}

func (t *Topic) run(stopCtx, workCtx context.Context, once bool) {
	defer close(t.done)
	defer t.state.Store(Stopped)
	t.log.Info("topic subscription started", zap.Int("max_tasks", t.opts.MaxTasks))

	var delay time.Duration
	for stopCtx.Err() == nil {
		n, err := t.round(stopCtx, workCtx)
		if err != nil {
			if stopCtx.Err() != nil {
				break
			}
			t.metrics.FetchFailed(t.name)
			delay = t.backoff.Next(delay)
			t.log.Error("fetch and lock failed", zap.Error(err), zap.Duration("retry_in", delay))
			if once || backoff.Sleep(stopCtx, delay) != nil {
				break
			}
			continue
		}
		delay = 0
		t.log.Debug("round finished", zap.Int("tasks", n))
		if once {
			break
		}
	}

	t.log.Info("topic subscription stopped")
}

// round runs one Polling, Dispatching, Draining pass and returns how many
// workers it ran.
func (t *Topic) round(stopCtx, workCtx context.Context) (int, error) {
	t.state.Store(Polling)
	tasks, err := t.ep.FetchAndLock(stopCtx, endpoint.FetchRequest{
		WorkerID:           t.workerID,
		TopicName:          t.name,
		MaxTasks:           t.opts.MaxTasks,
		LongPollingTimeout: t.opts.LongPollingTimeout,
		LockDuration:       t.opts.LockDuration,
	})
	if err != nil {
		return 0, err
	}
	// The endpoint starts each lock when it answers, not when the long
	// poll was sent.
	received := time.Now()
	if len(tasks) == 0 {
		return 0, nil
	}

	valid := t.sanitize(tasks)
	if len(valid) == 0 {
		return 0, errors.Wrapf(endpoint.ErrMalformedResponse, "%d tasks without usable ids", len(tasks))
	}
	t.metrics.TasksFetched(t.name, len(valid))

	t.state.Store(Dispatching)
	expiresAt := received.Add(t.opts.LockDuration)
	var g errgroup.Group
	g.SetLimit(t.opts.MaxTasks)
	for _, task := range valid {
		w := worker.New(task, expiresAt, t.ep, t.handler, t.wcfg, t.log)
		t.inflight.Add(1)
		t.metrics.WorkerStarted(t.name)
		g.Go(func() error {
			defer t.inflight.Add(-1)
			out := w.Run(workCtx)
			t.metrics.WorkerFinished(t.name, string(out.State), out.Elapsed)
			return nil
		})
	}

	t.state.Store(Draining)
	_ = g.Wait()

	return len(valid), nil
}

// sanitize drops tasks without an id, duplicates and anything past MaxTasks.
func (t *Topic) sanitize(tasks []domain.Task) []domain.Task {
	seen := make(map[string]struct{}, len(tasks))
	out := make([]domain.Task, 0, len(tasks))
	for _, task := range tasks {
		if task.ID == "" {
			t.log.Error("malformed task in fetch response: missing id")
			continue
		}
		if _, dup := seen[task.ID]; dup {
			t.log.Error("malformed fetch response: duplicate task", zap.String("task_id", task.ID))
			continue
		}
		if len(out) == t.opts.MaxTasks {
			t.log.Error("fetch response exceeds max tasks, leaving the rest to expire",
				zap.Int("received", len(tasks)), zap.Int("max_tasks", t.opts.MaxTasks))
			break
		}
		seen[task.ID] = struct{}{}
		if task.Topic == "" {
			task.Topic = t.name
		}
		out = append(out, task)
	}
	return out
}
