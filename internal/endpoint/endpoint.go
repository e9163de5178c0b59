// Package endpoint defines the contract between the worker client and the
// remote task engine that hands out locked tasks.
package endpoint

import (
	"context"
	"time"

	"github.com/SirClappington/taskclaim/internal/domain"
)

// FetchRequest asks for up to MaxTasks tasks of one topic.
type FetchRequest struct {
	WorkerID           string
	TopicName          string
	MaxTasks           int
	LongPollingTimeout time.Duration
	LockDuration       time.Duration
}

// Endpoint is the task engine as seen by a worker client.
//
// Every call may fail with a transient error (see IsTransient) or a
// permanent one. ExtendLock, Complete and Fail return ErrLockLost when the
// lock expired or belongs to another worker, and ErrTaskNotFound for ids the
// engine does not know.
type Endpoint interface {
	// FetchAndLock blocks up to req.LongPollingTimeout for at least one task
	// and returns at most req.MaxTasks of them, each locked for
	// req.LockDuration. An empty slice on timeout is not an error.
	FetchAndLock(ctx context.Context, req FetchRequest) ([]domain.Task, error)
	ExtendLock(ctx context.Context, taskID, workerID string, additional time.Duration) error
	Complete(ctx context.Context, taskID, workerID string, result any) error
	Fail(ctx context.Context, taskID, workerID string, taskErr domain.TaskError) error
}

// Extender is the part of Endpoint a lease needs.
type Extender interface {
	ExtendLock(ctx context.Context, taskID, workerID string, additional time.Duration) error
}
