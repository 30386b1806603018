package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/chatwit-social/scheduling-api/internal/service"
	"github.com/hibiken/asynq"
)

type Worker struct {
	ds service.DispatchService
}

func NewWorker(ds service.DispatchService) *Worker {
	return &Worker{ds: ds}
}

// HandleScheduledPostTask runs one firing. Errors that a retry cannot fix
// are wrapped with asynq.SkipRetry so the task is archived right away.
func (w *Worker) HandleScheduledPostTask(ctx context.Context, task *asynq.Task) error {
	var payload ScheduledPostPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		slog.Error("invalid scheduled post payload", "error", err)
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	err := w.ds.Dispatch(ctx, payload.PostID, payload.FireAt)
	if err == nil {
		return nil
	}
	if !service.IsRetryable(err) {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return err
}

// HandleError is installed as the server's error handler. When the task
// will not run again the post is told so.
func (w *Worker) HandleError(ctx context.Context, task *asynq.Task, err error) {
	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, known := asynq.GetMaxRetry(ctx)

	slog.Error("scheduled post task failed",
		"type", task.Type(),
		"retried", retried,
		"max_retry", maxRetry,
		"error", err,
	)

	final := errors.Is(err, asynq.SkipRetry) || (known && retried >= maxRetry)
	if !final {
		return
	}

	var payload ScheduledPostPayload
	if json.Unmarshal(task.Payload(), &payload) != nil {
		return
	}
	if err := w.ds.Exhausted(ctx, payload.PostID, payload.FireAt); err != nil {
		slog.Error("failed to finalize exhausted post", "post_id", payload.PostID, "error", err)
	}
}
