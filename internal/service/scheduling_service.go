package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chatwit-social/scheduling-api/internal/models"
	"github.com/chatwit-social/scheduling-api/internal/repository"
	"github.com/chatwit-social/scheduling-api/internal/transfer"
	"github.com/google/uuid"
	"github.com/h2non/filetype"
	"github.com/h2non/filetype/types"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// JobScheduler keeps exactly one delayed job per scheduled post.
// Schedule replaces any job already registered for postID.
type JobScheduler interface {
	Schedule(ctx context.Context, postID int64, fireAt time.Time) error
	Cancel(ctx context.Context, postID int64) error
	Pending(ctx context.Context, postID int64) (bool, error)
}

type SchedulingService interface {
	Create(ctx context.Context, userID int64, in *transfer.ScheduledPostInput) (*models.ScheduledPost, error)
	CreateGroup(ctx context.Context, userID int64, in *transfer.ScheduledPostInput) (*transfer.GroupResult, error)
	Get(ctx context.Context, userID, accountID, postID int64) (*models.ScheduledPost, error)
	List(ctx context.Context, userID, accountID int64) ([]*models.ScheduledPost, error)
	Update(ctx context.Context, userID, accountID, postID int64, in *transfer.ScheduledPostUpdate) (*models.ScheduledPost, error)
	Delete(ctx context.Context, userID, accountID, postID int64) error
	UpdateGroup(ctx context.Context, userID, accountID int64, groupID string, in *transfer.ScheduledPostUpdate) (*transfer.GroupResult, error)
	DeleteGroup(ctx context.Context, userID, accountID int64, groupID string) (*transfer.GroupResult, error)
	UploadMedia(ctx context.Context, userID int64, file transfer.UploadedFile) (*transfer.HostedMedia, error)
}

type schedulingService struct {
	tx   repository.Transactor
	sp   repository.ScheduledPostRepository
	ma   repository.MediaAttachmentRepository
	ac   repository.SocialAccountRepository
	blob BlobStore
	jobs JobScheduler
}

func NewSchedulingService(
	tx repository.Transactor,
	sp repository.ScheduledPostRepository,
	ma repository.MediaAttachmentRepository,
	ac repository.SocialAccountRepository,
	blob BlobStore,
	jobs JobScheduler) SchedulingService {
	return &schedulingService{
		tx:   tx,
		sp:   sp,
		ma:   ma,
		ac:   ac,
		blob: blob,
		jobs: jobs,
	}
}

var allowedTypes = map[string]struct{}{
	"mp4": {}, "mov": {}, "jpg": {}, "png": {}, "gif": {}, "webp": {},
}

func (s *schedulingService) Create(ctx context.Context, userID int64, in *transfer.ScheduledPostInput) (*models.ScheduledPost, error) {
	if err := s.validateCreate(ctx, userID, in); err != nil {
		return nil, err
	}

	attachments, err := s.resolveMedia(ctx, userID, in.Media, in.Files)
	if err != nil {
		return nil, err
	}

	post := newScheduledPost(userID, in, "")
	if err := s.persist(ctx, post, attachments); err != nil {
		return nil, err
	}

	return post, s.register(ctx, post)
}

// CreateGroup schedules every attachment as its own post, all sharing one
// group id. Members succeed or fail independently.
func (s *schedulingService) CreateGroup(ctx context.Context, userID int64, in *transfer.ScheduledPostInput) (*transfer.GroupResult, error) {
	if err := s.validateCreate(ctx, userID, in); err != nil {
		return nil, err
	}

	attachments, err := s.resolveMedia(ctx, userID, in.Media, in.Files)
	if err != nil {
		return nil, err
	}

	result := &transfer.GroupResult{GroupID: uuid.NewString(), Total: len(attachments)}
	for _, a := range attachments {
		post := newScheduledPost(userID, in, result.GroupID)
		post.Mode = models.ModeCarousel
		a.DisplayOrder = 0

		if err := s.persist(ctx, post, []*models.MediaAttachment{a}); err != nil {
			result.Failed = append(result.Failed, transfer.GroupFailure{Error: err.Error()})
			continue
		}
		result.PostIDs = append(result.PostIDs, post.ID)

		if err := s.register(ctx, post); err != nil {
			result.Failed = append(result.Failed, transfer.GroupFailure{PostID: post.ID, Error: err.Error()})
			continue
		}
		result.Succeeded++
	}

	return result, nil
}

func (s *schedulingService) validateCreate(ctx context.Context, userID int64, in *transfer.ScheduledPostInput) error {
	if in == nil {
		return ValidationError("scheduled post data is nil")
	}
	if userID == 0 {
		return ValidationError("user is not valid")
	}
	if err := in.Validate(); err != nil {
		return ValidationError(err.Error())
	}
	if len(in.Media)+len(in.Files) == 0 {
		return ValidationError("at least one media attachment is required")
	}
	for _, m := range in.Media {
		if m.ID != 0 {
			return ValidationError("new posts cannot reference existing attachments")
		}
	}
	return s.checkAccount(ctx, userID, in.AccountID)
}

func (s *schedulingService) checkAccount(ctx context.Context, userID, accountID int64) error {
	exists, err := s.ac.CheckByUserID(ctx, accountID, userID)
	if err != nil {
		return storageError("check social account", err)
	}
	if !exists {
		return NotFoundError(fmt.Sprintf("social account %d does not exist", accountID))
	}
	return nil
}

func newScheduledPost(userID int64, in *transfer.ScheduledPostInput, groupID string) *models.ScheduledPost {
	return &models.ScheduledPost{
		UserID:    userID,
		AccountID: in.AccountID,
		GroupID:   groupID,
		FireAt:    in.FireAt,
		Caption:   in.Caption,
		Instagram: in.Instagram,
		Facebook:  in.Facebook,
		Stories:   in.Stories,
		Reels:     in.Reels,
		Feed:      in.Feed,
		Daily:     in.Daily,
		Mode:      in.DistributionMode(),
		Status:    models.PostStatusScheduled,
	}
}

// resolveMedia turns hosted references and raw files into attachments,
// uploading raw files first.
func (s *schedulingService) resolveMedia(ctx context.Context, userID int64, media []transfer.AttachmentInput, files []transfer.UploadedFile) ([]*models.MediaAttachment, error) {
	uploads, err := s.uploadFiles(ctx, userID, files)
	if err != nil {
		return nil, err
	}
	return ordered(append(mediaRefs(media), uploads...)), nil
}

func mediaRefs(media []transfer.AttachmentInput) []*models.MediaAttachment {
	attachments := make([]*models.MediaAttachment, 0, len(media))
	for _, m := range media {
		attachments = append(attachments, &models.MediaAttachment{
			ID:           m.ID,
			URL:          m.URL,
			MimeType:     m.MimeType,
			ThumbnailURL: m.ThumbnailURL,
		})
	}
	return attachments
}

func (s *schedulingService) uploadFiles(ctx context.Context, userID int64, files []transfer.UploadedFile) ([]*models.MediaAttachment, error) {
	attachments := make([]*models.MediaAttachment, 0, len(files))
	for _, f := range files {
		hosted, err := s.UploadMedia(ctx, userID, f)
		if err != nil {
			return nil, err
		}
		attachments = append(attachments, &models.MediaAttachment{
			URL:      hosted.URL,
			MimeType: hosted.MimeType,
		})
	}
	return attachments, nil
}

func ordered(attachments []*models.MediaAttachment) []*models.MediaAttachment {
	for i, a := range attachments {
		a.DisplayOrder = i
	}
	return attachments
}

func (s *schedulingService) UploadMedia(ctx context.Context, userID int64, file transfer.UploadedFile) (*transfer.HostedMedia, error) {
	if userID == 0 {
		return nil, ValidationError("user is not valid")
	}
	if len(file.Content) == 0 {
		return nil, ValidationError(fmt.Sprintf("file %q is empty", file.Name))
	}

	fileType, err := filetype.Match(file.Content)
	if err != nil || fileType == types.Unknown {
		return nil, ValidationError(fmt.Sprintf("unsupported file type for %q", file.Name))
	}
	if _, ok := allowedTypes[fileType.Extension]; !ok {
		return nil, ValidationError(fmt.Sprintf("file type %s is not allowed", fileType.Extension))
	}

	id, err := gonanoid.New()
	if err != nil {
		return nil, err
	}
	key := fmt.Sprintf("%d/%s.%s", userID, id, fileType.Extension)

	url, err := s.blob.Upload(ctx, key, file.Content, fileType.MIME.Value)
	if err != nil {
		return nil, storageError("upload media", err)
	}

	return &transfer.HostedMedia{URL: url, MimeType: fileType.MIME.Value}, nil
}

func (s *schedulingService) persist(ctx context.Context, post *models.ScheduledPost, attachments []*models.MediaAttachment) error {
	err := s.tx.WithTx(ctx, func(tx *sql.Tx) error {
		postID, err := s.sp.Create(ctx, tx, post)
		if err != nil {
			return fmt.Errorf("error creating scheduled post: %w", err)
		}
		post.ID = postID

		for _, a := range attachments {
			a.PostID = postID
			id, err := s.ma.Create(ctx, tx, a)
			if err != nil {
				return fmt.Errorf("error saving media attachment: %w", err)
			}
			a.ID = id
		}
		return nil
	})
	if err != nil {
		post.ID = 0
		return storageError("persist scheduled post", err)
	}

	post.Attachments = attachments
	return nil
}

// register puts the post's job on the queue. A failure here leaves a
// persisted post without a job; it is logged for the reconciliation sweep.
func (s *schedulingService) register(ctx context.Context, post *models.ScheduledPost) error {
	if err := s.jobs.Schedule(ctx, post.ID, post.FireAt); err != nil {
		slog.Error("queue registration failed",
			"post_id", post.ID,
			"fire_at", post.FireAt,
			"error", err,
		)
		return &QueueInconsistencyError{PostID: post.ID, FireAt: post.FireAt, Err: err}
	}
	return nil
}

func (s *schedulingService) Get(ctx context.Context, userID, accountID, postID int64) (*models.ScheduledPost, error) {
	post, err := s.load(ctx, userID, accountID, postID)
	if err != nil {
		return nil, err
	}
	if post == nil {
		return nil, NotFoundError(fmt.Sprintf("scheduled post %d does not exist", postID))
	}
	return post, nil
}

// load returns nil when the post is missing or belongs to someone else.
func (s *schedulingService) load(ctx context.Context, userID, accountID, postID int64) (*models.ScheduledPost, error) {
	if postID == 0 {
		return nil, ValidationError("post id is not valid")
	}

	post, err := s.sp.GetByID(ctx, postID)
	if err != nil {
		return nil, storageError("load scheduled post", err)
	}
	if post == nil || post.UserID != userID || post.AccountID != accountID {
		return nil, nil
	}
	return post, nil
}

func (s *schedulingService) List(ctx context.Context, userID, accountID int64) ([]*models.ScheduledPost, error) {
	posts, err := s.sp.ListByAccount(ctx, userID, accountID)
	if err != nil {
		return nil, storageError("list scheduled posts", err)
	}
	return posts, nil
}

type attachmentDiff struct {
	keep    []*models.MediaAttachment
	create  []*models.MediaAttachment
	remove  []*models.MediaAttachment
	ordered []*models.MediaAttachment
}

// diffAttachments keeps existing attachments by id so their counters
// survive, inserts the new ones and drops the rest.
func diffAttachments(existing, wanted []*models.MediaAttachment) (*attachmentDiff, error) {
	byID := make(map[int64]*models.MediaAttachment, len(existing))
	for _, a := range existing {
		byID[a.ID] = a
	}

	d := &attachmentDiff{}
	seen := make(map[int64]bool, len(wanted))
	for i, w := range wanted {
		if w.ID == 0 {
			w.DisplayOrder = i
			d.create = append(d.create, w)
			d.ordered = append(d.ordered, w)
			continue
		}

		current, ok := byID[w.ID]
		if !ok {
			return nil, ValidationError(fmt.Sprintf("attachment %d does not belong to this post", w.ID))
		}
		if seen[w.ID] {
			return nil, ValidationError(fmt.Sprintf("attachment %d is listed twice", w.ID))
		}
		seen[w.ID] = true

		kept := *current
		kept.DisplayOrder = i
		d.keep = append(d.keep, &kept)
		d.ordered = append(d.ordered, &kept)
	}

	for _, a := range existing {
		if !seen[a.ID] {
			d.remove = append(d.remove, a)
		}
	}
	return d, nil
}

// maxUpdateAttempts bounds how often an edit is reapplied when a dispatch
// changes the post between the read and the write.
const maxUpdateAttempts = 3

func (s *schedulingService) Update(ctx context.Context, userID, accountID, postID int64, in *transfer.ScheduledPostUpdate) (*models.ScheduledPost, error) {
	if in == nil {
		return nil, ValidationError("update data is nil")
	}
	if err := in.Validate(); err != nil {
		return nil, ValidationError(err.Error())
	}

	// Raw files are uploaded once and reused if the write has to be retried.
	var uploads []*models.MediaAttachment
	for attempt := 1; ; attempt++ {
		post, err := s.load(ctx, userID, accountID, postID)
		if err != nil {
			return nil, err
		}
		if post == nil {
			return nil, NotFoundError(fmt.Sprintf("scheduled post %d does not exist", postID))
		}

		if len(in.Files) > 0 && uploads == nil {
			if uploads, err = s.uploadFiles(ctx, userID, in.Files); err != nil {
				return nil, err
			}
		}

		updated, err := s.update(ctx, post, in, uploads)
		if !errors.Is(err, repository.ErrStalePost) {
			return updated, err
		}
		if attempt == maxUpdateAttempts {
			return nil, ConflictError(fmt.Sprintf("scheduled post %d is being dispatched, try again", postID))
		}
		slog.Info("scheduled post changed during edit, retrying", "post_id", postID, "attempt", attempt)
	}
}

// update applies in to post and writes it against the revision post was
// loaded at.
func (s *schedulingService) update(ctx context.Context, post *models.ScheduledPost, in *transfer.ScheduledPostUpdate, uploads []*models.MediaAttachment) (*models.ScheduledPost, error) {
	from := post.Revision()
	fireChanged := applyUpdate(post, in)

	var diff *attachmentDiff
	if in.Media != nil || len(uploads) > 0 {
		var wanted []*models.MediaAttachment
		if in.Media != nil {
			wanted = mediaRefs(*in.Media)
		} else {
			for _, a := range post.Attachments {
				wanted = append(wanted, &models.MediaAttachment{ID: a.ID})
			}
		}
		for _, u := range uploads {
			c := *u
			wanted = append(wanted, &c)
		}
		if len(wanted) == 0 {
			return nil, ValidationError("at least one media attachment is required")
		}

		var err error
		if diff, err = diffAttachments(post.Attachments, ordered(wanted)); err != nil {
			return nil, err
		}
	}

	err := s.tx.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.sp.Update(ctx, tx, post, from); err != nil {
			return fmt.Errorf("error updating scheduled post: %w", err)
		}
		if diff == nil {
			return nil
		}

		for _, a := range diff.remove {
			if err := s.ma.Remove(ctx, tx, a.ID); err != nil {
				return fmt.Errorf("error removing attachment %d: %w", a.ID, err)
			}
		}
		for _, a := range diff.keep {
			if err := s.ma.UpdateOrder(ctx, tx, a.ID, a.DisplayOrder); err != nil {
				return fmt.Errorf("error reordering attachment %d: %w", a.ID, err)
			}
		}
		for _, a := range diff.create {
			a.PostID = post.ID
			id, err := s.ma.Create(ctx, tx, a)
			if err != nil {
				return fmt.Errorf("error saving media attachment: %w", err)
			}
			a.ID = id
		}
		return nil
	})
	if errors.Is(err, repository.ErrStalePost) {
		return nil, err
	}
	if err != nil {
		return nil, storageError("update scheduled post", err)
	}
	if diff != nil {
		post.Attachments = diff.ordered
	}

	if fireChanged {
		return post, s.register(ctx, post)
	}
	return post, nil
}

// applyUpdate copies the provided fields onto post and reports whether the
// job has to be re-registered.
func applyUpdate(post *models.ScheduledPost, in *transfer.ScheduledPostUpdate) bool {
	rearm := false
	if in.FireAt != nil && !in.FireAt.Equal(post.FireAt) {
		post.FireAt = *in.FireAt
		rearm = true
	}
	if in.FireAt != nil && post.Status != models.PostStatusScheduled {
		rearm = true
	}
	if rearm {
		post.Status = models.PostStatusScheduled
	}

	if in.Caption != nil {
		post.Caption = *in.Caption
	}
	setBool(&post.Instagram, in.Instagram)
	setBool(&post.Facebook, in.Facebook)
	setBool(&post.Stories, in.Stories)
	setBool(&post.Reels, in.Reels)
	setBool(&post.Feed, in.Feed)
	setBool(&post.Daily, in.Daily)
	post.Mode = in.DistributionMode(post.Mode)

	return rearm
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

// Delete cancels the post's job and removes it. Deleting a post that is
// already gone succeeds.
func (s *schedulingService) Delete(ctx context.Context, userID, accountID, postID int64) error {
	post, err := s.sp.GetByID(ctx, postID)
	if err != nil {
		return storageError("load scheduled post", err)
	}
	if post == nil {
		if err := s.jobs.Cancel(ctx, postID); err != nil {
			slog.Warn("cancel job for missing post failed", "post_id", postID, "error", err)
		}
		return nil
	}
	if post.UserID != userID || post.AccountID != accountID {
		return nil
	}

	if err := s.jobs.Cancel(ctx, postID); err != nil {
		slog.Error("queue cancel failed",
			"post_id", postID,
			"fire_at", post.FireAt,
			"error", err,
		)
	}

	if _, err := s.sp.Remove(ctx, postID); err != nil {
		return storageError("remove scheduled post", err)
	}
	return nil
}

func (s *schedulingService) UpdateGroup(ctx context.Context, userID, accountID int64, groupID string, in *transfer.ScheduledPostUpdate) (*transfer.GroupResult, error) {
	if in == nil {
		return nil, ValidationError("update data is nil")
	}
	if in.Media != nil || len(in.Files) > 0 {
		return nil, ValidationError("media cannot be changed for a whole group")
	}

	members, err := s.groupMembers(ctx, userID, accountID, groupID)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, NotFoundError(fmt.Sprintf("group %s does not exist", groupID))
	}

	result := &transfer.GroupResult{GroupID: groupID, Total: len(members)}
	for _, m := range members {
		if _, err := s.Update(ctx, userID, accountID, m.ID, in); err != nil {
			result.Failed = append(result.Failed, transfer.GroupFailure{PostID: m.ID, Error: err.Error()})
			continue
		}
		result.Succeeded++
		result.PostIDs = append(result.PostIDs, m.ID)
	}
	return result, nil
}

func (s *schedulingService) DeleteGroup(ctx context.Context, userID, accountID int64, groupID string) (*transfer.GroupResult, error) {
	members, err := s.groupMembers(ctx, userID, accountID, groupID)
	if err != nil {
		return nil, err
	}

	result := &transfer.GroupResult{GroupID: groupID, Total: len(members)}
	for _, m := range members {
		if err := s.Delete(ctx, userID, accountID, m.ID); err != nil {
			result.Failed = append(result.Failed, transfer.GroupFailure{PostID: m.ID, Error: err.Error()})
			continue
		}
		result.Succeeded++
		result.PostIDs = append(result.PostIDs, m.ID)
	}
	return result, nil
}

func (s *schedulingService) groupMembers(ctx context.Context, userID, accountID int64, groupID string) ([]*models.ScheduledPost, error) {
	if groupID == "" {
		return nil, ValidationError("group id is not valid")
	}
	members, err := s.sp.ListByGroupID(ctx, userID, accountID, groupID)
	if err != nil {
		return nil, storageError("list group members", err)
	}
	return members, nil
}
