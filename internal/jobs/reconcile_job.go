package job

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chatwit-social/scheduling-api/internal/models"
	"github.com/chatwit-social/scheduling-api/internal/repository"
	"github.com/chatwit-social/scheduling-api/internal/service"
)

const reconcileBatch = 1000

// ReconcileJob re-registers scheduled posts whose job was lost, either
// because registration failed after the post was stored or because a daily
// post could not be moved to its next day.
type ReconcileJob struct {
	sp   repository.ScheduledPostRepository
	jobs service.JobScheduler
	loc  *time.Location
	now  func() time.Time
}

func NewReconcileJob(sp repository.ScheduledPostRepository, jobs service.JobScheduler, loc *time.Location) *ReconcileJob {
	return &ReconcileJob{
		sp:   sp,
		jobs: jobs,
		loc:  loc,
		now:  time.Now,
	}
}

func (c *ReconcileJob) Run() {
	ctx := context.Background()

	repaired, err := c.Reconcile(ctx)
	if err != nil {
		slog.Info(err.Error())
		return
	}
	if repaired > 0 {
		slog.Info("reconciled scheduled posts", "repaired", repaired)
	}
}

// Reconcile returns the number of posts it re-registered.
func (c *ReconcileJob) Reconcile(ctx context.Context) (int, error) {
	posts, err := c.sp.ListByStatus(ctx, models.PostStatusScheduled, reconcileBatch)
	if err != nil {
		return 0, err
	}

	var wg sync.WaitGroup
	var repaired atomic.Int64

	concurrencyLimit := 10
	semaphore := make(chan struct{}, concurrencyLimit)

	for _, post := range posts {
		wg.Add(1)
		semaphore <- struct{}{}

		go func(post *models.ScheduledPost) {
			defer wg.Done()
			defer func() { <-semaphore }()

			ok, err := c.repair(ctx, post)
			if err != nil {
				slog.Error("failed to reconcile post", "post_id", post.ID, "error", err)
				return
			}
			if ok {
				repaired.Add(1)
			}
		}(post)
	}

	wg.Wait()
	return int(repaired.Load()), nil
}

func (c *ReconcileJob) repair(ctx context.Context, post *models.ScheduledPost) (bool, error) {
	pending, err := c.jobs.Pending(ctx, post.ID)
	if err != nil || pending {
		return false, err
	}

	fireAt := post.FireAt
	if post.Daily && !fireAt.After(c.now()) {
		next := service.NextFutureOccurrence(fireAt, c.now(), c.loc)
		advanced, err := c.sp.AdvanceFireAt(ctx, post.ID, fireAt, next)
		if err != nil || !advanced {
			return false, err
		}
		fireAt = next
	}

	if err := c.jobs.Schedule(ctx, post.ID, fireAt); err != nil {
		return false, err
	}
	return true, nil
}
