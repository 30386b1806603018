package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	config "github.com/chatwit-social/scheduling-api/configs"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

const (
	taskIndexKey  = "scheduled-post:tasks"
	lockKeyPrefix = "scheduled-post:lock:"
	lockRetries   = 50
	lockBackoff   = 100 * time.Millisecond
)

var ErrLockTimeout = errors.New("timed out waiting for post lock")

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Scheduler keeps at most one pending dispatch task per post.
//
// Task ids carry the fire time, so re-registering while the previous task is
// still running never collides with it. The current task id of every post is
// kept in a Redis hash.
type Scheduler struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	rdb       redis.UniversalClient
	queue     string
	maxRetry  int
	lockTTL   time.Duration
}

func NewScheduler(client *asynq.Client, inspector *asynq.Inspector, rdb redis.UniversalClient, cfg config.Queue) *Scheduler {
	return &Scheduler{
		client:    client,
		inspector: inspector,
		rdb:       rdb,
		queue:     cfg.Name,
		maxRetry:  cfg.MaxRetry,
		lockTTL:   10 * time.Second,
	}
}

func TaskID(postID int64, fireAt time.Time) string {
	return fmt.Sprintf("post:%d:%d", postID, fireAt.Unix())
}

// Schedule replaces any pending job of the post with one firing at fireAt.
// A fire time in the past is processed immediately.
func (s *Scheduler) Schedule(ctx context.Context, postID int64, fireAt time.Time) error {
	return s.withLock(ctx, postID, func() error {
		if err := s.cancelLocked(ctx, postID); err != nil {
			return err
		}

		task, err := NewScheduledPostTask(ScheduledPostPayload{PostID: postID, FireAt: fireAt})
		if err != nil {
			return err
		}

		taskID := TaskID(postID, fireAt)
		_, err = s.client.EnqueueContext(ctx, task,
			asynq.TaskID(taskID),
			asynq.ProcessAt(fireAt),
			asynq.MaxRetry(s.maxRetry),
			asynq.Queue(s.queue),
		)
		if err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) {
			return fmt.Errorf("enqueue %s: %w", taskID, err)
		}

		if err := s.rdb.HSet(ctx, taskIndexKey, indexField(postID), taskID).Err(); err != nil {
			return fmt.Errorf("index %s: %w", taskID, err)
		}

		slog.Info("task scheduled", "post_id", postID, "task_id", taskID, "fire_at", fireAt)
		return nil
	})
}

// Cancel removes the pending job of the post. Cancelling a post without a
// job succeeds.
func (s *Scheduler) Cancel(ctx context.Context, postID int64) error {
	return s.withLock(ctx, postID, func() error {
		return s.cancelLocked(ctx, postID)
	})
}

// Pending reports whether the post has a job that will still run.
func (s *Scheduler) Pending(ctx context.Context, postID int64) (bool, error) {
	taskID, err := s.rdb.HGet(ctx, taskIndexKey, indexField(postID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	info, err := s.inspector.GetTaskInfo(s.queue, taskID)
	if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	switch info.State {
	case asynq.TaskStateArchived, asynq.TaskStateCompleted:
		return false, nil
	default:
		return true, nil
	}
}

func (s *Scheduler) cancelLocked(ctx context.Context, postID int64) error {
	taskID, err := s.rdb.HGet(ctx, taskIndexKey, indexField(postID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}

	info, err := s.inspector.GetTaskInfo(s.queue, taskID)
	switch {
	case errors.Is(err, asynq.ErrTaskNotFound), errors.Is(err, asynq.ErrQueueNotFound):
	case err != nil:
		return fmt.Errorf("inspect %s: %w", taskID, err)
	case info.State == asynq.TaskStateActive:
		// A running task cannot be deleted; the worker drops it as stale.
	default:
		err := s.inspector.DeleteTask(s.queue, taskID)
		if err != nil && !errors.Is(err, asynq.ErrTaskNotFound) {
			return fmt.Errorf("delete %s: %w", taskID, err)
		}
	}

	return s.rdb.HDel(ctx, taskIndexKey, indexField(postID)).Err()
}

func (s *Scheduler) withLock(ctx context.Context, postID int64, fn func() error) error {
	key := lockKeyPrefix + indexField(postID)
	token := uuid.NewString()

	for attempt := 0; ; attempt++ {
		ok, err := s.rdb.SetNX(ctx, key, token, s.lockTTL).Result()
		if err != nil {
			return err
		}
		if ok {
			break
		}
		if attempt == lockRetries {
			return fmt.Errorf("post %d: %w", postID, ErrLockTimeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockBackoff):
		}
	}

	defer func() {
		if err := unlockScript.Run(context.WithoutCancel(ctx), s.rdb, []string{key}, token).Err(); err != nil {
			slog.Error("failed to release post lock", "post_id", postID, "error", err)
		}
	}()

	return fn()
}

func indexField(postID int64) string {
	return strconv.FormatInt(postID, 10)
}
