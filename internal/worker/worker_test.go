package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/SirClappington/taskclaim/internal/backoff"
	"github.com/SirClappington/taskclaim/internal/domain"
	"github.com/SirClappington/taskclaim/internal/endpoint"
	"github.com/SirClappington/taskclaim/internal/endpoint/endpointtest"
	"github.com/SirClappington/taskclaim/internal/lease"
)

func fastRetry() endpoint.RetryPolicy {
	return endpoint.RetryPolicy{Attempts: 3, Backoff: backoff.New(time.Millisecond, 2*time.Millisecond, 1)}
}

func testConfig(extendTimeout, additional time.Duration) Config {
	return Config{
		WorkerID: "w1",
		Lease: lease.Config{
			ExtendLockTimeout:      extendTimeout,
			AdditionalLockDuration: additional,
			Retry:                  fastRetry(),
		},
		Retry: fastRetry(),
	}
}

func newTask(id string) domain.Task {
	return domain.Task{ID: id, Topic: "orders", Payload: []byte(`{"n":1}`), WorkerID: "w1"}
}

func TestWorker_CompletesWithHandlerResult(t *testing.T) {
	fake := &endpointtest.Fake{}
	h := func(ctx context.Context, task domain.Task) (any, error) {
		return map[string]string{"status": "ok"}, nil
	}
	w := New(newTask("t1"), time.Now().Add(time.Minute), fake, h, testConfig(time.Second, time.Minute), zaptest.NewLogger(t))

	out := w.Run(context.Background())

	require.Equal(t, Completed, out.State)
	require.True(t, out.Reported)
	require.Equal(t, Completed, w.State())
	calls := fake.Calls(endpointtest.OpComplete)
	require.Len(t, calls, 1)
	require.Equal(t, "t1", calls[0].TaskID)
	require.Equal(t, "w1", calls[0].WorkerID)
	require.Equal(t, map[string]string{"status": "ok"}, calls[0].Result)
	require.Equal(t, 0, fake.Count(endpointtest.OpFail))
	require.Equal(t, 0, fake.Count(endpointtest.OpExtend))
}

func TestWorker_HandlerErrorIsReportedAsFailure(t *testing.T) {
	fake := &endpointtest.Fake{}
	h := func(ctx context.Context, task domain.Task) (any, error) {
		return nil, errors.New("bad data")
	}
	w := New(newTask("t1"), time.Now().Add(time.Minute), fake, h, testConfig(time.Second, time.Minute), zaptest.NewLogger(t))

	out := w.Run(context.Background())

	require.Equal(t, Failed, out.State)
	require.True(t, out.Reported)
	calls := fake.Calls(endpointtest.OpFail)
	require.Len(t, calls, 1)
	require.Equal(t, "t1", calls[0].TaskID)
	require.Equal(t, CodeHandlerError, calls[0].TaskErr.Code)
	require.Equal(t, "bad data", calls[0].TaskErr.Message)
	require.Contains(t, calls[0].TaskErr.Details, "bad data")
	require.Equal(t, 0, fake.Count(endpointtest.OpComplete))
}

func TestWorker_PanicIsReportedAsFailure(t *testing.T) {
	fake := &endpointtest.Fake{}
	h := func(ctx context.Context, task domain.Task) (any, error) {
		panic("nil map")
	}
	w := New(newTask("t1"), time.Now().Add(time.Minute), fake, h, testConfig(time.Second, time.Minute), zaptest.NewLogger(t))

	out := w.Run(context.Background())

	require.Equal(t, Failed, out.State)
	calls := fake.Calls(endpointtest.OpFail)
	require.Len(t, calls, 1)
	require.Equal(t, CodeHandlerPanic, calls[0].TaskErr.Code)
	require.Contains(t, calls[0].TaskErr.Message, "nil map")
	require.NotEmpty(t, calls[0].TaskErr.Details)
}

func TestWorker_ExtendsLockForSlowHandler(t *testing.T) {
	fake := &endpointtest.Fake{}
	start := time.Now()
	h := func(ctx context.Context, task domain.Task) (any, error) {
		time.Sleep(450 * time.Millisecond)
		return "done", nil
	}
	w := New(newTask("t1"), start.Add(300*time.Millisecond), fake, h,
		testConfig(100*time.Millisecond, 600*time.Millisecond), zaptest.NewLogger(t))

	out := w.Run(context.Background())

	require.Equal(t, Completed, out.State)
	extends := fake.Calls(endpointtest.OpExtend)
	require.Len(t, extends, 1)
	require.GreaterOrEqual(t, extends[0].At.Sub(start), 190*time.Millisecond)
	require.Less(t, extends[0].At.Sub(start), 300*time.Millisecond)

	completes := fake.Calls(endpointtest.OpComplete)
	require.Len(t, completes, 1)
	require.GreaterOrEqual(t, completes[0].At.Sub(start), 450*time.Millisecond)
	require.True(t, completes[0].At.Before(w.Lease().ExpiresAt()))
}

func TestWorker_LockLostDiscardsResult(t *testing.T) {
	fake := &endpointtest.Fake{
		ExtendFunc: func(context.Context, string, time.Duration) error { return endpoint.ErrLockLost },
	}
	var sawCancel atomic.Bool
	finished := make(chan struct{})
	h := func(ctx context.Context, task domain.Task) (any, error) {
		defer close(finished)
		<-ctx.Done()
		sawCancel.Store(true)
		time.Sleep(20 * time.Millisecond)
		return "late", nil
	}
	w := New(newTask("t1"), time.Now().Add(100*time.Millisecond), fake, h,
		testConfig(50*time.Millisecond, time.Second), zaptest.NewLogger(t))

	out := w.Run(context.Background())

	require.Equal(t, LockLost, out.State)
	require.ErrorIs(t, out.Err, endpoint.ErrLockLost)
	require.False(t, out.Reported)

	<-finished
	time.Sleep(20 * time.Millisecond)
	require.True(t, sawCancel.Load())
	require.Equal(t, 1, fake.Count(endpointtest.OpExtend))
	require.Equal(t, 0, fake.Count(endpointtest.OpComplete))
	require.Equal(t, 0, fake.Count(endpointtest.OpFail))
}

func TestWorker_ExhaustedRenewalCountsAsLockLost(t *testing.T) {
	fake := &endpointtest.Fake{
		ExtendFunc: func(context.Context, string, time.Duration) error {
			return endpoint.Transient(errors.New("connection reset"))
		},
	}
	h := func(ctx context.Context, task domain.Task) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	w := New(newTask("t1"), time.Now().Add(200*time.Millisecond), fake, h,
		testConfig(100*time.Millisecond, time.Second), zaptest.NewLogger(t))

	out := w.Run(context.Background())

	require.Equal(t, LockLost, out.State)
	require.Equal(t, 3, fake.Count(endpointtest.OpExtend))
	require.Equal(t, 0, fake.Count(endpointtest.OpComplete))
	require.Equal(t, 0, fake.Count(endpointtest.OpFail))
}

func TestWorker_ReportRetriedThenDropped(t *testing.T) {
	fake := &endpointtest.Fake{
		CompleteFunc: func(context.Context, string, any) error {
			return endpoint.Transient(errors.New("503"))
		},
	}
	core, logs := observer.New(zap.WarnLevel)
	var dropped []string
	cfg := testConfig(time.Second, time.Minute)
	cfg.OnDropped = func(kind string) { dropped = append(dropped, kind) }

	h := func(ctx context.Context, task domain.Task) (any, error) { return 1, nil }
	w := New(newTask("t1"), time.Now().Add(time.Minute), fake, h, cfg, zap.New(core))

	out := w.Run(context.Background())

	require.Equal(t, Completed, out.State)
	require.False(t, out.Reported)
	require.Equal(t, 3, fake.Count(endpointtest.OpComplete))
	require.Equal(t, 0, fake.Count(endpointtest.OpFail))
	require.Equal(t, []string{"complete"}, dropped)
	require.Equal(t, 1, logs.FilterMessage("dropping task report").Len())
}

func TestWorker_LockLostOnCompleteIsNotRetried(t *testing.T) {
	fake := &endpointtest.Fake{
		CompleteFunc: func(context.Context, string, any) error { return endpoint.ErrLockLost },
	}
	h := func(ctx context.Context, task domain.Task) (any, error) { return 1, nil }
	w := New(newTask("t1"), time.Now().Add(time.Minute), fake, h, testConfig(time.Second, time.Minute), zaptest.NewLogger(t))

	out := w.Run(context.Background())

	require.False(t, out.Reported)
	require.Equal(t, 1, fake.Count(endpointtest.OpComplete))
}

func TestWorker_AbandonedWhenContextEnds(t *testing.T) {
	fake := &endpointtest.Fake{}
	release := make(chan struct{})
	defer close(release)
	h := func(ctx context.Context, task domain.Task) (any, error) {
		<-release
		return nil, nil
	}
	w := New(newTask("t1"), time.Now().Add(time.Minute), fake, h, testConfig(time.Second, time.Minute), zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	out := w.Run(ctx)

	require.Equal(t, Abandoned, out.State)
	require.True(t, out.State.Terminal())
	require.Empty(t, fake.Calls(""))
}

type codedErr struct{}

func (codedErr) Error() string { return "quota exceeded" }
func (codedErr) Code() string  { return "quota" }

func TestTaskErrorFrom(t *testing.T) {
	require.Equal(t, "quota", TaskErrorFrom(errors.Wrap(codedErr{}, "charge")).Code)

	te := domain.TaskError{Code: "custom", Message: "m"}
	require.Equal(t, te, TaskErrorFrom(errors.WithMessage(te, "ctx")))

	plain := TaskErrorFrom(errors.New("boom"))
	require.Equal(t, CodeHandlerError, plain.Code)
	require.Equal(t, "boom", plain.Message)
}
