// Package endpointtest provides a scriptable in-memory endpoint.Endpoint.
package endpointtest

import (
	"context"
	"sync"
	"time"

	"github.com/SirClappington/taskclaim/internal/domain"
	"github.com/SirClappington/taskclaim/internal/endpoint"
)

// Operation names recorded in Call.Op.
const (
	OpFetch    = "fetch_and_lock"
	OpExtend   = "extend_lock"
	OpComplete = "complete"
	OpFail     = "fail"
)

// Call is one recorded endpoint invocation.
type Call struct {
	Op         string
	At         time.Time
	Request    endpoint.FetchRequest
	TaskID     string
	WorkerID   string
	Additional time.Duration
	Result     any
	TaskErr    domain.TaskError
}

// Fake records every call and delegates to the optional hooks. Unset hooks
// succeed; an unset FetchFunc blocks until the context is done.
type Fake struct {
	FetchFunc    func(ctx context.Context, req endpoint.FetchRequest) ([]domain.Task, error)
	ExtendFunc   func(ctx context.Context, taskID string, additional time.Duration) error
	CompleteFunc func(ctx context.Context, taskID string, result any) error
	FailFunc     func(ctx context.Context, taskID string, taskErr domain.TaskError) error

	mu    sync.Mutex
	calls []Call
}

var _ endpoint.Endpoint = (*Fake)(nil)

func (f *Fake) record(c Call) {
	c.At = time.Now()
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
}

func (f *Fake) FetchAndLock(ctx context.Context, req endpoint.FetchRequest) ([]domain.Task, error) {
	f.record(Call{Op: OpFetch, Request: req, WorkerID: req.WorkerID})
	if f.FetchFunc == nil {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.FetchFunc(ctx, req)
}

func (f *Fake) ExtendLock(ctx context.Context, taskID, workerID string, additional time.Duration) error {
	f.record(Call{Op: OpExtend, TaskID: taskID, WorkerID: workerID, Additional: additional})
	if f.ExtendFunc == nil {
		return nil
	}
	return f.ExtendFunc(ctx, taskID, additional)
}

func (f *Fake) Complete(ctx context.Context, taskID, workerID string, result any) error {
	f.record(Call{Op: OpComplete, TaskID: taskID, WorkerID: workerID, Result: result})
	if f.CompleteFunc == nil {
		return nil
	}
	return f.CompleteFunc(ctx, taskID, result)
}

func (f *Fake) Fail(ctx context.Context, taskID, workerID string, taskErr domain.TaskError) error {
	f.record(Call{Op: OpFail, TaskID: taskID, WorkerID: workerID, TaskErr: taskErr})
	if f.FailFunc == nil {
		return nil
	}
	return f.FailFunc(ctx, taskID, taskErr)
}

// Calls returns the recorded calls for op, or all calls when op is empty.
func (f *Fake) Calls(op string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]Call, 0, len(f.calls))
	for _, c := range f.calls {
		if op == "" || c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Count returns how many times op was called.
func (f *Fake) Count(op string) int {
	return len(f.Calls(op))
}

// CountFor returns how many times op was called for taskID.
func (f *Fake) CountFor(op, taskID string) int {
	n := 0
	for _, c := range f.Calls(op) {
		if c.TaskID == taskID {
			n++
		}
	}
	return n
}

// Batches returns a FetchFunc that serves the given batches in order, one
// per call, and then long-polls until the context is done. Each served
// task gets the request's topic, worker id and lock expiry filled in.
func Batches(batches ...[]domain.Task) func(context.Context, endpoint.FetchRequest) ([]domain.Task, error) {
	var (
		mu   sync.Mutex
		next int
	)
	return func(ctx context.Context, req endpoint.FetchRequest) ([]domain.Task, error) {
		mu.Lock()
		if next < len(batches) {
			batch := batches[next]
			next++
			mu.Unlock()

			out := make([]domain.Task, len(batch))
			for i, t := range batch {
				if t.Topic == "" {
					t.Topic = req.TopicName
				}
				t.WorkerID = req.WorkerID
				t.LockExpiresAt = time.Now().Add(req.LockDuration)
				out[i] = t
			}
			return out, nil
		}
		mu.Unlock()

		<-ctx.Done()
		return nil, ctx.Err()
	}
}

// Tasks builds tasks with the given ids.
func Tasks(ids ...string) []domain.Task {
	out := make([]domain.Task, len(ids))
	for i, id := range ids {
		out[i] = domain.Task{ID: id, Payload: []byte(`{}`)}
	}
	return out
}
