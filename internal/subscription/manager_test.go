package subscription

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/SirClappington/taskclaim/internal/backoff"
	"github.com/SirClappington/taskclaim/internal/domain"
	"github.com/SirClappington/taskclaim/internal/endpoint"
	"github.com/SirClappington/taskclaim/internal/endpoint/endpointtest"
)

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)

func newTestManager(t *testing.T, ep endpoint.Endpoint, opts ...Option) (*Manager, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	base := []Option{
		WithLogger(zap.New(core)),
		WithWorkerID("w1"),
		WithFetchBackoff(5*time.Millisecond, 10*time.Millisecond),
		WithRetryPolicy(endpoint.RetryPolicy{Attempts: 3, Backoff: backoff.New(time.Millisecond, 2*time.Millisecond, 0)}),
		WithShutdownGrace(2 * time.Second),
	}
	m := New(ep, append(base, opts...)...)
	return m, logs
}

func runForever(t *testing.T, m *Manager) <-chan error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- m.Start(context.Background(), true) }()
	t.Cleanup(func() {
		_ = m.Stop(context.Background())
		select {
		case <-errCh:
		case <-time.After(waitFor):
			t.Error("Start did not return after Stop")
		}
	})
	return errCh
}

func defaultOpts() domain.TaskOptions {
	return domain.TaskOptions{MaxTasks: 10, LongPollingTimeout: time.Second, LockDuration: time.Minute}
}

func TestManager_CompletesAndRepolls(t *testing.T) {
	fake := &endpointtest.Fake{FetchFunc: endpointtest.Batches(endpointtest.Tasks("t1"))}
	m, _ := newTestManager(t, fake)

	var got domain.Task
	require.NoError(t, m.Subscribe("orders", func(ctx context.Context, task domain.Task) (any, error) {
		got = task
		return map[string]string{"status": "ok"}, nil
	}, defaultOpts()))
	runForever(t, m)

	require.Eventually(t, func() bool {
		return fake.Count(endpointtest.OpComplete) == 1 && fake.Count(endpointtest.OpFetch) >= 2
	}, waitFor, tick)

	calls := fake.Calls(endpointtest.OpComplete)
	require.Equal(t, "t1", calls[0].TaskID)
	require.Equal(t, "w1", calls[0].WorkerID)
	require.Equal(t, map[string]string{"status": "ok"}, calls[0].Result)
	require.Equal(t, "orders", got.Topic)

	fetch := fake.Calls(endpointtest.OpFetch)[0].Request
	require.Equal(t, endpoint.FetchRequest{
		WorkerID:           "w1",
		TopicName:          "orders",
		MaxTasks:           10,
		LongPollingTimeout: time.Second,
		LockDuration:       time.Minute,
	}, fetch)
}

func TestManager_HandlerErrorReportsFailure(t *testing.T) {
	fake := &endpointtest.Fake{FetchFunc: endpointtest.Batches(endpointtest.Tasks("t1"))}
	m, _ := newTestManager(t, fake)

	require.NoError(t, m.Subscribe("orders", func(ctx context.Context, task domain.Task) (any, error) {
		return nil, errors.New("bad data")
	}, defaultOpts()))
	runForever(t, m)

	require.Eventually(t, func() bool { return fake.Count(endpointtest.OpFail) == 1 }, waitFor, tick)
	require.Equal(t, "bad data", fake.Calls(endpointtest.OpFail)[0].TaskErr.Message)
	require.Equal(t, 0, fake.Count(endpointtest.OpComplete))
}

func TestManager_RoundDrainsBeforeNextFetch(t *testing.T) {
	fake := &endpointtest.Fake{FetchFunc: endpointtest.Batches(endpointtest.Tasks("t1", "t2", "t3"))}
	m, _ := newTestManager(t, fake)

	var (
		mu        sync.Mutex
		slowDone  time.Time
		active    atomic.Int32
		maxActive atomic.Int32
	)
	h := func(ctx context.Context, task domain.Task) (any, error) {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			cur := maxActive.Load()
			if n <= cur || maxActive.CompareAndSwap(cur, n) {
				break
			}
		}
		if task.ID == "t3" {
			time.Sleep(300 * time.Millisecond)
			mu.Lock()
			slowDone = time.Now()
			mu.Unlock()
			return nil, nil
		}
		time.Sleep(10 * time.Millisecond)
		return nil, nil
	}
	require.NoError(t, m.Subscribe("orders", h, domain.TaskOptions{MaxTasks: 3, LockDuration: time.Minute}))
	runForever(t, m)

	require.Eventually(t, func() bool { return fake.Count(endpointtest.OpFetch) >= 2 }, waitFor, tick)

	mu.Lock()
	done := slowDone
	mu.Unlock()
	second := fake.Calls(endpointtest.OpFetch)[1]
	require.False(t, done.IsZero())
	require.False(t, second.At.Before(done), "second fetch issued before the slow worker finished")
	require.Equal(t, 3, fake.Count(endpointtest.OpComplete))
	require.LessOrEqual(t, maxActive.Load(), int32(3))
}

func TestManager_OversizedResponseIsCappedAtMaxTasks(t *testing.T) {
	fake := &endpointtest.Fake{FetchFunc: endpointtest.Batches(endpointtest.Tasks("t1", "t2", "t3", "t4", "t5"))}
	m, logs := newTestManager(t, fake)

	var handled sync.Map
	require.NoError(t, m.Subscribe("orders", func(ctx context.Context, task domain.Task) (any, error) {
		handled.Store(task.ID, true)
		return nil, nil
	}, domain.TaskOptions{MaxTasks: 2, LockDuration: time.Minute}))
	runForever(t, m)

	require.Eventually(t, func() bool { return fake.Count(endpointtest.OpFetch) >= 2 }, waitFor, tick)
	require.Equal(t, 2, fake.Count(endpointtest.OpComplete))
	_, ok := handled.Load("t3")
	require.False(t, ok)
	require.Equal(t, 1, logs.FilterMessage("fetch response exceeds max tasks, leaving the rest to expire").Len())
}

func TestManager_EmptyPollRepollsWithoutWorkers(t *testing.T) {
	fake := &endpointtest.Fake{
		FetchFunc: func(ctx context.Context, req endpoint.FetchRequest) ([]domain.Task, error) {
			time.Sleep(time.Millisecond)
			return []domain.Task{}, nil
		},
	}
	m, logs := newTestManager(t, fake)

	var calls atomic.Int32
	require.NoError(t, m.Subscribe("orders", func(ctx context.Context, task domain.Task) (any, error) {
		calls.Add(1)
		return nil, nil
	}, defaultOpts()))
	runForever(t, m)

	require.Eventually(t, func() bool { return fake.Count(endpointtest.OpFetch) >= 5 }, waitFor, tick)
	require.Zero(t, calls.Load())
	require.Zero(t, logs.FilterLevelExact(zap.ErrorLevel).Len())
	require.Zero(t, logs.FilterLevelExact(zap.WarnLevel).Len())
}

func TestManager_DuplicateTopicIsRejected(t *testing.T) {
	fake := &endpointtest.Fake{FetchFunc: endpointtest.Batches(endpointtest.Tasks("t1"))}
	m, logs := newTestManager(t, fake)

	var a, b atomic.Int32
	require.NoError(t, m.Subscribe("orders", func(ctx context.Context, task domain.Task) (any, error) {
		a.Add(1)
		return nil, nil
	}, defaultOpts()))
	err := m.Subscribe("orders", func(ctx context.Context, task domain.Task) (any, error) {
		b.Add(1)
		return nil, nil
	}, defaultOpts())
	require.ErrorIs(t, err, ErrTopicSubscribed)
	require.Equal(t, 1, logs.FilterMessage("topic already subscribed, skipping").Len())
	require.Equal(t, []string{"orders"}, m.Topics())

	runForever(t, m)
	require.Eventually(t, func() bool { return fake.Count(endpointtest.OpComplete) == 1 }, waitFor, tick)
	require.Equal(t, int32(1), a.Load())
	require.Zero(t, b.Load())
	require.Equal(t, 1, logs.FilterMessage("topic subscription started").Len())
}

func TestManager_FetchErrorsBackOffAndRecover(t *testing.T) {
	var n atomic.Int32
	serve := endpointtest.Batches(endpointtest.Tasks("t1"))
	fake := &endpointtest.Fake{
		FetchFunc: func(ctx context.Context, req endpoint.FetchRequest) ([]domain.Task, error) {
			if n.Add(1) <= 2 {
				return nil, endpoint.Transient(errors.New("connection refused"))
			}
			return serve(ctx, req)
		},
	}
	m, logs := newTestManager(t, fake)

	require.NoError(t, m.Subscribe("orders", func(ctx context.Context, task domain.Task) (any, error) {
		return "ok", nil
	}, defaultOpts()))
	runForever(t, m)

	require.Eventually(t, func() bool { return fake.Count(endpointtest.OpComplete) == 1 }, waitFor, tick)
	require.Equal(t, 2, logs.FilterMessage("fetch and lock failed").Len())
}

func TestManager_MalformedResponseIsTreatedAsFetchFailure(t *testing.T) {
	var n atomic.Int32
	fake := &endpointtest.Fake{
		FetchFunc: func(ctx context.Context, req endpoint.FetchRequest) ([]domain.Task, error) {
			if n.Add(1) == 1 {
				return []domain.Task{{Payload: []byte(`{}`)}}, nil
			}
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	m, logs := newTestManager(t, fake)

	require.NoError(t, m.Subscribe("orders", func(ctx context.Context, task domain.Task) (any, error) {
		return nil, nil
	}, defaultOpts()))
	runForever(t, m)

	require.Eventually(t, func() bool { return fake.Count(endpointtest.OpFetch) >= 2 }, waitFor, tick)
	require.Equal(t, 1, logs.FilterMessage("fetch and lock failed").Len())
	require.Equal(t, 0, fake.Count(endpointtest.OpComplete))
}

func TestManager_StopCancelsLongPoll(t *testing.T) {
	fake := &endpointtest.Fake{}
	m, _ := newTestManager(t, fake)
	require.NoError(t, m.Subscribe("orders", func(ctx context.Context, task domain.Task) (any, error) {
		return nil, nil
	}, defaultOpts()))

	errCh := make(chan error, 1)
	go func() { errCh <- m.Start(context.Background(), true) }()
	require.Eventually(t, func() bool { return fake.Count(endpointtest.OpFetch) == 1 }, waitFor, tick)

	start := time.Now()
	require.NoError(t, m.Stop(context.Background()))
	require.Less(t, time.Since(start), time.Second)
	require.NoError(t, <-errCh)

	m.mu.Lock()
	topic := m.topics["orders"]
	m.mu.Unlock()
	require.Equal(t, Stopped, topic.State())
	require.ErrorIs(t, m.Start(context.Background(), true), ErrStopped)
}

func TestManager_StopDrainsInFlightWorkers(t *testing.T) {
	fake := &endpointtest.Fake{FetchFunc: endpointtest.Batches(endpointtest.Tasks("t1"))}
	m, _ := newTestManager(t, fake)

	started := make(chan struct{})
	require.NoError(t, m.Subscribe("orders", func(ctx context.Context, task domain.Task) (any, error) {
		close(started)
		time.Sleep(150 * time.Millisecond)
		return "done", nil
	}, defaultOpts()))

	errCh := make(chan error, 1)
	go func() { errCh <- m.Start(context.Background(), true) }()
	<-started

	require.NoError(t, m.Stop(context.Background()))
	require.NoError(t, <-errCh)
	require.Equal(t, 1, fake.Count(endpointtest.OpComplete))
	require.Equal(t, 1, fake.Count(endpointtest.OpFetch))
}

func TestManager_StopAbandonsHandlersAfterGrace(t *testing.T) {
	fake := &endpointtest.Fake{FetchFunc: endpointtest.Batches(endpointtest.Tasks("t1"))}
	m, logs := newTestManager(t, fake, WithShutdownGrace(50*time.Millisecond))

	started := make(chan struct{})
	cancelled := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	require.NoError(t, m.Subscribe("orders", func(ctx context.Context, task domain.Task) (any, error) {
		close(started)
		<-ctx.Done()
		close(cancelled)
		<-release
		return "late", nil
	}, defaultOpts()))

	errCh := make(chan error, 1)
	go func() { errCh <- m.Start(context.Background(), true) }()
	<-started

	err := m.Stop(context.Background())
	require.ErrorIs(t, err, ErrShutdownTimeout)
	require.NoError(t, <-errCh)

	select {
	case <-cancelled:
	case <-time.After(waitFor):
		t.Fatal("handler context was not cancelled")
	}
	require.Equal(t, 0, fake.Count(endpointtest.OpComplete))
	require.Equal(t, 0, fake.Count(endpointtest.OpFail))
	require.Equal(t, 1, logs.FilterMessage("shutdown grace period expired, abandoning running handlers").Len())
}

func TestManager_StartOnceRunsSingleRound(t *testing.T) {
	var n atomic.Int32
	fake := &endpointtest.Fake{
		FetchFunc: func(ctx context.Context, req endpoint.FetchRequest) ([]domain.Task, error) {
			if n.Add(1) == 1 {
				return endpointtest.Tasks("t1", "t2"), nil
			}
			return nil, nil
		},
	}
	m, _ := newTestManager(t, fake)
	require.NoError(t, m.Subscribe("orders", func(ctx context.Context, task domain.Task) (any, error) {
		return task.ID, nil
	}, defaultOpts()))

	require.NoError(t, m.Start(context.Background(), false))
	require.Equal(t, 1, fake.Count(endpointtest.OpFetch))
	require.Equal(t, 2, fake.Count(endpointtest.OpComplete))

	require.NoError(t, m.Start(context.Background(), false))
	require.Equal(t, 2, fake.Count(endpointtest.OpFetch))
	require.Equal(t, 2, fake.Count(endpointtest.OpComplete))
}

func TestManager_StartReturnsWhenContextEnds(t *testing.T) {
	fake := &endpointtest.Fake{}
	m, _ := newTestManager(t, fake)
	require.NoError(t, m.Subscribe("orders", func(ctx context.Context, task domain.Task) (any, error) {
		return nil, nil
	}, defaultOpts()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, m.Start(ctx, true))
	require.ErrorIs(t, m.Subscribe("other", func(context.Context, domain.Task) (any, error) { return nil, nil }, defaultOpts()), ErrStopped)
}

func TestManager_StartOnceEndsPollWhenContextEnds(t *testing.T) {
	fake := &endpointtest.Fake{}
	m, _ := newTestManager(t, fake)
	require.NoError(t, m.Subscribe("orders", func(ctx context.Context, task domain.Task) (any, error) {
		return nil, nil
	}, domain.TaskOptions{LongPollingTimeout: time.Minute, LockDuration: time.Minute}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- m.Start(ctx, false) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("single round did not end with its context")
	}
	require.Equal(t, 1, fake.Count(endpointtest.OpFetch))
}

func TestManager_StartReportsAbandonedHandlersWhenContextEnds(t *testing.T) {
	fake := &endpointtest.Fake{FetchFunc: endpointtest.Batches(endpointtest.Tasks("t1"))}
	m, _ := newTestManager(t, fake, WithShutdownGrace(50*time.Millisecond))

	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	require.NoError(t, m.Subscribe("orders", func(ctx context.Context, task domain.Task) (any, error) {
		close(started)
		<-release
		return nil, nil
	}, defaultOpts()))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- m.Start(ctx, true) }()
	<-started
	cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrShutdownTimeout)
	case <-time.After(waitFor):
		t.Fatal("Start did not return after its context ended")
	}
	require.Equal(t, 0, fake.Count(endpointtest.OpComplete))
}

// A task delivered late in a long poll keeps its full lock window: the
// endpoint locks it when it answers.
func TestManager_LateLongPollDeliveryKeepsFullLock(t *testing.T) {
	var n atomic.Int32
	fake := &endpointtest.Fake{
		FetchFunc: func(ctx context.Context, req endpoint.FetchRequest) ([]domain.Task, error) {
			if n.Add(1) > 1 {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			select {
			case <-time.After(1200 * time.Millisecond):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			tasks := endpointtest.Tasks("t1")
			tasks[0].LockExpiresAt = time.Now().Add(req.LockDuration)
			return tasks, nil
		},
		ExtendFunc: func(ctx context.Context, _ string, _ time.Duration) error {
			return ctx.Err()
		},
	}
	m, _ := newTestManager(t, fake)
	require.NoError(t, m.Subscribe("orders", func(ctx context.Context, task domain.Task) (any, error) {
		time.Sleep(100 * time.Millisecond)
		return task.ID, nil
	}, domain.TaskOptions{
		MaxTasks:           1,
		LongPollingTimeout: 2 * time.Second,
		LockDuration:       time.Second,
		ExtendLockTimeout:  200 * time.Millisecond,
	}))

	require.NoError(t, m.Start(context.Background(), false))
	require.Equal(t, 1, fake.Count(endpointtest.OpComplete))
	require.Equal(t, 0, fake.Count(endpointtest.OpExtend))
	require.Equal(t, 0, fake.Count(endpointtest.OpFail))
}

func TestManager_UsageErrors(t *testing.T) {
	fake := &endpointtest.Fake{}
	m, _ := newTestManager(t, fake)

	require.ErrorIs(t, m.Start(context.Background(), true), ErrNoSubscriptions)
	require.ErrorIs(t, m.Subscribe("", func(context.Context, domain.Task) (any, error) { return nil, nil }, defaultOpts()), ErrInvalidSubscription)
	require.ErrorIs(t, m.Subscribe("orders", nil, defaultOpts()), ErrInvalidSubscription)
	require.ErrorIs(t, m.Unsubscribe(context.Background(), "orders"), ErrTopicNotFound)

	require.NoError(t, m.Subscribe("orders", func(context.Context, domain.Task) (any, error) { return nil, nil }, defaultOpts()))
	runForever(t, m)
	require.Eventually(t, func() bool { return fake.Count(endpointtest.OpFetch) == 1 }, waitFor, tick)

	err := m.Subscribe("late", func(context.Context, domain.Task) (any, error) { return nil, nil }, defaultOpts())
	require.ErrorIs(t, err, ErrAlreadyStarted)
	require.ErrorIs(t, m.Start(context.Background(), true), ErrAlreadyStarted)
}

func TestManager_UnsubscribeStopsTopic(t *testing.T) {
	fake := &endpointtest.Fake{}
	m, _ := newTestManager(t, fake)
	noop := func(context.Context, domain.Task) (any, error) { return nil, nil }
	require.NoError(t, m.Subscribe("orders", noop, defaultOpts()))
	require.NoError(t, m.Subscribe("billing", noop, defaultOpts()))
	runForever(t, m)

	require.Eventually(t, func() bool { return fake.Count(endpointtest.OpFetch) == 2 }, waitFor, tick)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, m.Unsubscribe(ctx, "orders"))
	require.Equal(t, []string{"billing"}, m.Topics())
}

func TestManager_GeneratesWorkerID(t *testing.T) {
	m := New(&endpointtest.Fake{})
	_, err := uuid.Parse(m.WorkerID())
	require.NoError(t, err)
	require.Equal(t, m.WorkerID(), m.WorkerID())
	require.NotEqual(t, m.WorkerID(), New(&endpointtest.Fake{}).WorkerID())
}
