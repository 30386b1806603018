package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	config "github.com/chatwit-social/scheduling-api/configs"
	"github.com/chatwit-social/scheduling-api/internal/models"
	"github.com/chatwit-social/scheduling-api/internal/repository"
	"github.com/chatwit-social/scheduling-api/internal/transfer"
	"github.com/chatwit-social/scheduling-api/pkg/utils"
)

// DispatchService publishes one firing of a scheduled post.
type DispatchService interface {
	Dispatch(ctx context.Context, postID int64, fireAt time.Time) error
	Exhausted(ctx context.Context, postID int64, fireAt time.Time) error
}

type dispatchService struct {
	sp        repository.ScheduledPostRepository
	ph        repository.PostingHistoryRepository
	ledger    repository.DispatchLedgerRepository
	selector  *MediaSelector
	publisher Publisher
	jobs      JobScheduler
	storage   config.Storage
	secretKey string
	loc       *time.Location
	now       func() time.Time
}

func NewDispatchService(
	cfg config.Config,
	sp repository.ScheduledPostRepository,
	ph repository.PostingHistoryRepository,
	ledger repository.DispatchLedgerRepository,
	selector *MediaSelector,
	publisher Publisher,
	jobs JobScheduler) DispatchService {
	return &dispatchService{
		sp:        sp,
		ph:        ph,
		ledger:    ledger,
		selector:  selector,
		publisher: publisher,
		jobs:      jobs,
		storage:   cfg.Storage,
		secretKey: cfg.SecretKey,
		loc:       cfg.Location(),
		now:       time.Now,
	}
}

// Dispatch loads the post, selects its media, POSTs the payload to the
// publishing webhook and, for daily posts, registers the next occurrence.
//
// Missing posts, stale firings and duplicate deliveries return nil so the
// queue does not retry them.
func (s *dispatchService) Dispatch(ctx context.Context, postID int64, fireAt time.Time) error {
	post, err := s.sp.GetByID(ctx, postID)
	if err != nil {
		return storageError("load scheduled post", err)
	}
	if post == nil {
		slog.Info("scheduled post no longer exists, dropping job", "post_id", postID)
		return nil
	}

	if fireAt.IsZero() {
		fireAt = post.FireAt
	}
	if !post.FireAt.Equal(fireAt) {
		slog.Info("stale firing, post was rescheduled",
			"post_id", postID,
			"fire_at", fireAt,
			"current_fire_at", post.FireAt,
		)
		return nil
	}

	if post.Status != models.PostStatusScheduled {
		slog.Info("post is no longer scheduled, dropping job", "post_id", postID, "status", post.Status)
		return nil
	}

	key := DispatchKey(postID, fireAt)
	claimed, err := s.ledger.Claim(ctx, key)
	if err != nil {
		return err
	}
	if !claimed {
		return s.duplicate(ctx, post, fireAt, key)
	}

	payload, attachmentIDs, err := s.buildPayload(ctx, post, key)
	if err != nil {
		return s.abort(ctx, post, fireAt, key, attachmentIDs, err)
	}

	if err := s.publisher.Publish(ctx, payload); err != nil {
		return s.abort(ctx, post, fireAt, key, attachmentIDs, err)
	}

	if err := s.ledger.Complete(ctx, key); err != nil {
		slog.Error("failed to mark dispatch complete", "key", key, "error", err)
	}
	s.record(ctx, post, fireAt, attachmentIDs, nil)
	slog.Info("scheduled post dispatched",
		"post_id", postID,
		"fire_at", fireAt,
		"attachments", attachmentIDs,
	)

	s.finish(ctx, post, fireAt)
	return nil
}

// duplicate handles a delivery whose firing is already claimed. If the
// other delivery published, the post is moved on as if this one had; if it
// is still running, the queue retries later.
func (s *dispatchService) duplicate(ctx context.Context, post *models.ScheduledPost, fireAt time.Time, key string) error {
	done, err := s.ledger.Completed(ctx, key)
	if err != nil {
		return err
	}
	if !done {
		return fmt.Errorf("post %d at %s: %w", post.ID, fireAt.UTC().Format(time.RFC3339), ErrDispatchInProgress)
	}

	slog.Info("duplicate delivery, already dispatched", "post_id", post.ID, "fire_at", fireAt)
	s.finish(ctx, post, fireAt)
	return nil
}

// finish marks a one-shot post posted or moves a daily post to its next
// occurrence.
func (s *dispatchService) finish(ctx context.Context, post *models.ScheduledPost, fireAt time.Time) {
	if !post.Daily {
		if err := s.sp.UpdateStatus(ctx, post.ID, models.PostStatusPosted); err != nil {
			slog.Error("failed to mark post as posted", "post_id", post.ID, "error", err)
		}
		return
	}
	s.scheduleNext(ctx, post, fireAt)
}

// Exhausted is called once the queue gives up on a firing. One-shot posts
// are marked failed. Daily posts stay scheduled and the reconciliation
// sweep moves them to their next occurrence.
func (s *dispatchService) Exhausted(ctx context.Context, postID int64, fireAt time.Time) error {
	post, err := s.sp.GetByID(ctx, postID)
	if err != nil {
		return storageError("load scheduled post", err)
	}
	if post == nil || post.Daily || post.Status != models.PostStatusScheduled || !post.FireAt.Equal(fireAt) {
		return nil
	}

	slog.Warn("retries exhausted, marking post failed", "post_id", postID, "fire_at", fireAt)
	if err := s.sp.UpdateStatus(ctx, postID, models.PostStatusFailed); err != nil {
		return storageError("mark post failed", err)
	}
	return nil
}

func (s *dispatchService) buildPayload(ctx context.Context, post *models.ScheduledPost, key string) (*transfer.DispatchPayload, []int64, error) {
	if post.Account == nil {
		return nil, nil, fmt.Errorf("post %d has no linked account: %w", post.ID, ErrInvalidCredentials)
	}

	accessToken, err := utils.Decrypt(post.Account.AccessToken, []byte(s.secretKey))
	if err != nil {
		return nil, nil, fmt.Errorf("decrypt access token of account %d: %w", post.Account.ID, ErrInvalidCredentials)
	}

	selected, err := s.selector.Select(ctx, post.Mode, post.Attachments)
	if err != nil {
		return nil, nil, err
	}

	payload := &transfer.DispatchPayload{
		IdempotencyKey:    key,
		PostID:            post.ID,
		UserID:            post.UserID,
		AccountID:         post.AccountID,
		Platform:          post.Account.Platform,
		PlatformAccountID: post.Account.AccountID,
		PageID:            post.Account.PageID,
		AccessToken:       accessToken,
		TokenExpired:      post.Account.TokenExpired(s.now()),
		Caption:           post.Caption,
		Instagram:         post.Instagram,
		Facebook:          post.Facebook,
		Stories:           post.Stories,
		Reels:             post.Reels,
		Feed:              post.Feed,
		Daily:             post.Daily,
		Mode:              string(post.Mode),
		Carousel:          len(selected) > 1,
		FireAt:            post.FireAt,
	}

	ids := make([]int64, 0, len(selected))
	for _, a := range selected {
		payload.Media = append(payload.Media, transfer.DispatchMedia{
			AttachmentID: a.ID,
			URL:          RewriteStorageHost(a.URL, s.storage),
			MimeType:     a.MimeType,
			ThumbnailURL: RewriteStorageHost(a.ThumbnailURL, s.storage),
		})
		ids = append(ids, a.ID)
	}
	payload.MediaURL = payload.Media[0].URL
	payload.MimeType = payload.Media[0].MimeType
	payload.ThumbnailURL = payload.Media[0].ThumbnailURL

	return payload, ids, nil
}

// scheduleNext moves a daily post to the next calendar day and registers
// its job. Failures are left for the reconciliation sweep; the firing
// itself already succeeded.
func (s *dispatchService) scheduleNext(ctx context.Context, post *models.ScheduledPost, fireAt time.Time) {
	next := NextOccurrence(fireAt, s.loc)

	advanced, err := s.sp.AdvanceFireAt(ctx, post.ID, fireAt, next)
	if err != nil {
		slog.Error("failed to advance daily post",
			"post_id", post.ID,
			"fire_at", next,
			"error", err,
		)
		return
	}
	if !advanced {
		slog.Info("daily post changed during dispatch, keeping edited schedule", "post_id", post.ID)
		return
	}

	if err := s.jobs.Schedule(ctx, post.ID, next); err != nil {
		slog.Error("queue registration failed",
			"post_id", post.ID,
			"fire_at", next,
			"error", err,
		)
	}
}

// abort frees the claim and the rotation slot so a redelivery can try
// again, records the failure and marks the post failed when retrying cannot
// help.
func (s *dispatchService) abort(ctx context.Context, post *models.ScheduledPost, fireAt time.Time, key string, attachmentIDs []int64, cause error) error {
	if err := s.ledger.Release(ctx, key); err != nil {
		slog.Error("failed to release dispatch claim", "key", key, "error", err)
	}
	s.selector.Release(ctx, post.Mode, attachmentIDs)

	s.record(ctx, post, fireAt, attachmentIDs, cause)
	if !IsRetryable(cause) {
		if err := s.sp.UpdateStatus(ctx, post.ID, models.PostStatusFailed); err != nil {
			slog.Error("failed to mark post as failed", "post_id", post.ID, "error", err)
		}
	}
	return cause
}

func (s *dispatchService) record(ctx context.Context, post *models.ScheduledPost, fireAt time.Time, attachmentIDs []int64, cause error) {
	history := models.PostingHistory{
		UserID:        post.UserID,
		PostID:        post.ID,
		AccountID:     post.AccountID,
		FireAt:        fireAt,
		AttachmentIDs: attachmentIDs,
	}
	if cause != nil {
		history.ErrorMessage = cause.Error()
		slog.Error("dispatch failed",
			"post_id", post.ID,
			"fire_at", fireAt,
			"retryable", IsRetryable(cause),
			"error", cause,
		)
	}
	if _, err := s.ph.Create(ctx, &history); err != nil {
		slog.Error("failed to save posting history", "post_id", post.ID, "error", err)
	}
}
