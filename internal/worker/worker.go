// Package worker drives one claimed task from handler invocation to its
// terminal report.
package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/taskclaim/internal/domain"
	"github.com/SirClappington/taskclaim/internal/endpoint"
	"github.com/SirClappington/taskclaim/internal/lease"
)

// Handler processes one task. The returned value is reported as the task
// result; a returned error is reported as a failure. ctx is cancelled when
// the lock is lost or the client gives up waiting during shutdown; the
// handler's result is discarded in both cases.
type Handler func(ctx context.Context, task domain.Task) (any, error)

// Failure codes sent with fail reports.
const (
	CodeHandlerError = "handler_error"
	CodeHandlerPanic = "handler_panic"
)

// Config is shared by every worker of one topic subscription.
type Config struct {
	WorkerID string
	Lease    lease.Config
	// Retry bounds complete and fail report attempts.
	Retry endpoint.RetryPolicy
	// OnDropped, if set, is called when a report is given up on.
	OnDropped func(kind string)
}

// Worker owns one task and its lease for the task's lifetime.
type Worker struct {
	task    domain.Task
	ep      endpoint.Endpoint
	handler Handler
	cfg     Config
	lease   *lease.Lease
	log     *zap.Logger

	state atomic.Value // State
}

// New prepares a worker for task. expiresAt is the client's conservative
// view of when the initial lock runs out.
func New(task domain.Task, expiresAt time.Time, ep endpoint.Endpoint, h Handler, cfg Config, log *zap.Logger) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Retry.Attempts == 0 {
		cfg.Retry = endpoint.DefaultRetryPolicy()
	}
	log = log.With(zap.String("task_id", task.ID))

	w := &Worker{
		task:    task,
		ep:      ep,
		handler: h,
		cfg:     cfg,
		lease:   lease.New(task.ID, cfg.WorkerID, expiresAt, ep, cfg.Lease, log),
		log:     log,
	}
	w.state.Store(Started)
	return w
}

// State returns the worker's current state.
func (w *Worker) State() State {
	s := w.state.Load().(State)
	if s == Running && w.lease.Renewing() {
		return Renewing
	}
	return s
}

// Lease exposes the worker's lease.
func (w *Worker) Lease() *lease.Lease {
	return w.lease
}

type handlerResult struct {
	value any
	err   error
}

// Run invokes the handler while keeping the lock renewed, then sends exactly
// one complete or fail report. When the lock is lost first, or ctx ends
// before the handler returns, nothing is reported and the handler's eventual
// result is discarded. Run never panics because of the handler.
func (w *Worker) Run(ctx context.Context) Outcome {
	start := time.Now()
	w.state.Store(Running)

	leaseCtx, stopLease := context.WithCancel(ctx)
	defer stopLease()
	leaseDone := make(chan error, 1)
	go func() {
		leaseDone <- w.lease.Run(leaseCtx)
	}()

	handlerCtx, cancelHandler := context.WithCancel(ctx)
	defer cancelHandler()
	resCh := make(chan handlerResult, 1)
	go func() {
		resCh <- w.invoke(handlerCtx)
	}()

	select {
	case res := <-resCh:
		stopLease()
		if err := <-leaseDone; errors.Is(err, endpoint.ErrLockLost) {
			return w.lockLost(start, err)
		}
		return w.report(ctx, start, res)

	case err := <-leaseDone:
		cancelHandler()
		if errors.Is(err, endpoint.ErrLockLost) {
			return w.lockLost(start, err)
		}
		// ctx ended while the handler was still running.
		w.state.Store(Abandoned)
		w.log.Warn("handler abandoned", zap.Error(err))
		return Outcome{TaskID: w.task.ID, State: Abandoned, Elapsed: time.Since(start)}
	}
}

func (w *Worker) lockLost(start time.Time, err error) Outcome {
	w.state.Store(LockLost)
	w.log.Warn("task lock lost, dropping result", zap.Error(err))
	return Outcome{TaskID: w.task.ID, State: LockLost, Err: err, Elapsed: time.Since(start)}
}

// invoke runs the handler and turns a panic into a fail report.
func (w *Worker) invoke(ctx context.Context) (res handlerResult) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			w.log.Error("handler panicked", zap.Any("panic", r), zap.String("stack", stack))
			res = handlerResult{err: &panicError{value: r, stack: stack}}
		}
	}()

	v, err := w.handler(ctx, w.task)
	return handlerResult{value: v, err: err}
}

func (w *Worker) report(ctx context.Context, start time.Time, res handlerResult) Outcome {
	out := Outcome{TaskID: w.task.ID, Result: res.value, Err: res.err}

	var (
		kind string
		err  error
	)
	if res.err == nil {
		kind = "complete"
		err = endpoint.Retry(ctx, w.cfg.Retry, func(c context.Context) error {
			return w.ep.Complete(c, w.task.ID, w.cfg.WorkerID, res.value)
		})
		out.State = Completed
	} else {
		kind = "fail"
		taskErr := TaskErrorFrom(res.err)
		w.log.Info("handler failed", zap.String("code", taskErr.Code), zap.Error(res.err))
		err = endpoint.Retry(ctx, w.cfg.Retry, func(c context.Context) error {
			return w.ep.Fail(c, w.task.ID, w.cfg.WorkerID, taskErr)
		})
		out.State = Failed
	}

	w.state.Store(out.State)
	out.Reported = err == nil
	out.Elapsed = time.Since(start)
	if err != nil {
		w.log.Warn("dropping task report", zap.String("kind", kind), zap.Error(err))
		if w.cfg.OnDropped != nil {
			w.cfg.OnDropped(kind)
		}
	}

	return out
}

type panicError struct {
	value any
	stack string
}

func (e *panicError) Error() string { return fmt.Sprintf("handler panic: %v", e.value) }

type coder interface{ Code() string }

// TaskErrorFrom converts a handler error into a fail report.
func TaskErrorFrom(err error) domain.TaskError {
	var te domain.TaskError
	if errors.As(err, &te) {
		return te
	}

	var pe *panicError
	if errors.As(err, &pe) {
		return domain.TaskError{Code: CodeHandlerPanic, Message: pe.Error(), Details: pe.stack}
	}

	code := CodeHandlerError
	var c coder
	if errors.As(err, &c) && c.Code() != "" {
		code = c.Code()
	}

	return domain.TaskError{Code: code, Message: err.Error(), Details: fmt.Sprintf("%+v", err)}
}
