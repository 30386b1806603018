package repository

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/chatwit-social/scheduling-api/internal/models"
)

// ErrStalePost is returned by Update when the post is gone or no longer has
// the revision the caller read.
var ErrStalePost = errors.New("scheduled post changed since it was read")

type ScheduledPostRepository interface {
	Create(ctx context.Context, tx *sql.Tx, post *models.ScheduledPost) (int64, error)
	GetByID(ctx context.Context, id int64) (*models.ScheduledPost, error)
	Update(ctx context.Context, tx *sql.Tx, post *models.ScheduledPost, from models.Revision) error
	AdvanceFireAt(ctx context.Context, id int64, from, to time.Time) (bool, error)
	UpdateStatus(ctx context.Context, id int64, status string) error
	ListByAccount(ctx context.Context, userID, accountID int64) ([]*models.ScheduledPost, error)
	ListByGroupID(ctx context.Context, userID, accountID int64, groupID string) ([]*models.ScheduledPost, error)
	ListByStatus(ctx context.Context, status string, limit int) ([]*models.ScheduledPost, error)
	Remove(ctx context.Context, id int64) (bool, error)
}

type scheduledPostRepository struct {
	db *sql.DB
	ma MediaAttachmentRepository
}

func NewScheduledPostRepository(db *sql.DB, ma MediaAttachmentRepository) ScheduledPostRepository {
	return &scheduledPostRepository{db: db, ma: ma}
}

const scheduledPostColumns = `
	p.id, p.user_id, p.account_id, COALESCE(p.group_id, ''), p.fire_at, p.caption,
	p.instagram, p.facebook, p.stories, p.reels, p.feed, p.daily,
	p.distribution_mode, p.status, p.created_at, p.updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanScheduledPost(row rowScanner, extra ...any) (*models.ScheduledPost, error) {
	var p models.ScheduledPost
	dest := []any{
		&p.ID, &p.UserID, &p.AccountID, &p.GroupID, &p.FireAt, &p.Caption,
		&p.Instagram, &p.Facebook, &p.Stories, &p.Reels, &p.Feed, &p.Daily,
		&p.Mode, &p.Status, &p.CreatedAt, &p.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *scheduledPostRepository) Create(ctx context.Context, tx *sql.Tx, post *models.ScheduledPost) (int64, error) {
	query := `
		INSERT INTO scheduled_posts (
			user_id, account_id, group_id, fire_at, caption,
			instagram, facebook, stories, reels, feed, daily,
			distribution_mode, status
		)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id
	`

	var id int64
	err := conn(r.db, tx).QueryRowContext(ctx, query,
		post.UserID,
		post.AccountID,
		post.GroupID,
		post.FireAt,
		post.Caption,
		post.Instagram,
		post.Facebook,
		post.Stories,
		post.Reels,
		post.Feed,
		post.Daily,
		post.Mode,
		post.Status,
	).Scan(&id)
	if err != nil {
		slog.Info(err.Error())
		return 0, err
	}

	return id, nil
}

// GetByID loads the post joined with its social account and its ordered
// attachments. A missing post yields (nil, nil).
func (r *scheduledPostRepository) GetByID(ctx context.Context, id int64) (*models.ScheduledPost, error) {
	query := `SELECT ` + scheduledPostColumns + `,
			a.id, a.user_id, a.platform, a.account_id, a.account_name, a.account_username,
			a.page_id, a.access_token, a.token_expires_at
		FROM scheduled_posts p
		JOIN social_accounts a ON a.id = p.account_id
		WHERE p.id = $1`

	var sa models.SocialAccount
	post, err := scanScheduledPost(r.db.QueryRowContext(ctx, query, id),
		&sa.ID, &sa.UserID, &sa.Platform, &sa.AccountID, &sa.AccountName, &sa.AccountUsername,
		&sa.PageID, &sa.AccessToken, &sa.TokenExpiresAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		slog.Info(err.Error())
		return nil, err
	}
	post.Account = &sa

	attachments, err := r.ma.ListByPostID(ctx, post.ID)
	if err != nil {
		return nil, err
	}
	post.Attachments = attachments

	return post, nil
}

// Update writes the post only if its fire time and status still match from,
// so an edit never undoes a dispatch that finished after the edit read it.
func (r *scheduledPostRepository) Update(ctx context.Context, tx *sql.Tx, post *models.ScheduledPost, from models.Revision) error {
	query := `
		UPDATE scheduled_posts
		SET fire_at = $1,
			caption = $2,
			instagram = $3,
			facebook = $4,
			stories = $5,
			reels = $6,
			feed = $7,
			daily = $8,
			distribution_mode = $9,
			status = $10,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = $11 AND fire_at = $12 AND status = $13
	`
	result, err := conn(r.db, tx).ExecContext(ctx, query,
		post.FireAt,
		post.Caption,
		post.Instagram,
		post.Facebook,
		post.Stories,
		post.Reels,
		post.Feed,
		post.Daily,
		post.Mode,
		post.Status,
		post.ID,
		from.FireAt,
		from.Status,
	)
	if err != nil {
		slog.Info(err.Error())
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		slog.Info(err.Error())
		return err
	}
	if affected == 0 {
		return ErrStalePost
	}
	return nil
}

// AdvanceFireAt moves the fire time forward only if it still equals from,
// so a concurrent edit is never overwritten by a recurrence.
func (r *scheduledPostRepository) AdvanceFireAt(ctx context.Context, id int64, from, to time.Time) (bool, error) {
	query := `
		UPDATE scheduled_posts
		SET fire_at = $1,
			status = $2,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = $3 AND fire_at = $4
	`
	result, err := r.db.ExecContext(ctx, query, to, models.PostStatusScheduled, id, from)
	if err != nil {
		slog.Info(err.Error())
		return false, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		slog.Info(err.Error())
		return false, err
	}
	return affected == 1, nil
}

func (r *scheduledPostRepository) UpdateStatus(ctx context.Context, id int64, status string) error {
	query := `
		UPDATE scheduled_posts
		SET status = $1,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = $2
	`
	_, err := r.db.ExecContext(ctx, query, status, id)
	if err != nil {
		slog.Info(err.Error())
		return err
	}
	return nil
}

func (r *scheduledPostRepository) ListByAccount(ctx context.Context, userID, accountID int64) ([]*models.ScheduledPost, error) {
	query := `SELECT ` + scheduledPostColumns + `
		FROM scheduled_posts p
		WHERE p.user_id = $1 AND p.account_id = $2
		ORDER BY p.fire_at`

	posts, err := r.list(ctx, query, userID, accountID)
	if err != nil {
		return nil, err
	}
	if err := r.attach(ctx, posts); err != nil {
		return nil, err
	}
	return posts, nil
}

func (r *scheduledPostRepository) ListByGroupID(ctx context.Context, userID, accountID int64, groupID string) ([]*models.ScheduledPost, error) {
	query := `SELECT ` + scheduledPostColumns + `
		FROM scheduled_posts p
		WHERE p.user_id = $1 AND p.account_id = $2 AND p.group_id = $3
		ORDER BY p.id`

	return r.list(ctx, query, userID, accountID, groupID)
}

func (r *scheduledPostRepository) ListByStatus(ctx context.Context, status string, limit int) ([]*models.ScheduledPost, error) {
	query := `SELECT ` + scheduledPostColumns + `
		FROM scheduled_posts p
		WHERE p.status = $1
		ORDER BY p.fire_at
		LIMIT $2`

	return r.list(ctx, query, status, limit)
}

func (r *scheduledPostRepository) list(ctx context.Context, query string, args ...any) ([]*models.ScheduledPost, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	defer rows.Close()

	var posts []*models.ScheduledPost
	for rows.Next() {
		post, err := scanScheduledPost(rows)
		if err != nil {
			slog.Info(err.Error())
			return nil, err
		}
		posts = append(posts, post)
	}

	if err := rows.Err(); err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	return posts, nil
}

func (r *scheduledPostRepository) attach(ctx context.Context, posts []*models.ScheduledPost) error {
	if len(posts) == 0 {
		return nil
	}

	ids := make([]int64, len(posts))
	byID := make(map[int64]*models.ScheduledPost, len(posts))
	for i, p := range posts {
		ids[i] = p.ID
		byID[p.ID] = p
	}

	attachments, err := r.ma.ListByPostIDs(ctx, ids)
	if err != nil {
		return err
	}
	for _, a := range attachments {
		if p, ok := byID[a.PostID]; ok {
			p.Attachments = append(p.Attachments, a)
		}
	}
	return nil
}

// Remove deletes the post; attachments go with it through ON DELETE CASCADE.
func (r *scheduledPostRepository) Remove(ctx context.Context, id int64) (bool, error) {
	query := `DELETE FROM scheduled_posts WHERE id = $1`
	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		slog.Info(err.Error())
		return false, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		slog.Info(err.Error())
		return false, err
	}
	return affected > 0, nil
}
