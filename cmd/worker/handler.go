package main

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/SirClappington/taskclaim/internal/domain"
	"github.com/SirClappington/taskclaim/internal/worker"
)

// echo completes every task with its own payload.
func echo(log *zap.Logger) worker.Handler {
	return func(ctx context.Context, task domain.Task) (any, error) {
		log.Debug("handling task", zap.String("task_id", task.ID), zap.String("topic", task.Topic),
			zap.Int("attempt", task.Attempt))
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(task.Payload) == 0 {
			return json.RawMessage(`null`), nil
		}
		return task.Payload, nil
	}
}
