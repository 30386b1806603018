package repository

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"

	"github.com/chatwit-social/scheduling-api/internal/models"
	"github.com/lib/pq"
)

type MediaAttachmentRepository interface {
	Create(ctx context.Context, tx *sql.Tx, ma *models.MediaAttachment) (int64, error)
	ListByPostID(ctx context.Context, postID int64) ([]*models.MediaAttachment, error)
	ListByPostIDs(ctx context.Context, postIDs []int64) ([]*models.MediaAttachment, error)
	UpdateOrder(ctx context.Context, tx *sql.Tx, id int64, displayOrder int) error
	IncrementCounter(ctx context.Context, id int64) (int, error)
	DecrementCounter(ctx context.Context, id int64) (int, error)
	Remove(ctx context.Context, tx *sql.Tx, id int64) error
}

type mediaAttachmentRepository struct {
	db *sql.DB
}

func NewMediaAttachmentRepository(db *sql.DB) MediaAttachmentRepository {
	return &mediaAttachmentRepository{db: db}
}

const mediaAttachmentColumns = `id, post_id, url, mime_type, thumbnail_url, counter, display_order, created_at`

func (r *mediaAttachmentRepository) Create(ctx context.Context, tx *sql.Tx, ma *models.MediaAttachment) (int64, error) {
	query := `
		INSERT INTO media_attachments (post_id, url, mime_type, thumbnail_url, display_order)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`

	var id int64
	err := conn(r.db, tx).QueryRowContext(ctx, query, ma.PostID, ma.URL, ma.MimeType, ma.ThumbnailURL, ma.DisplayOrder).Scan(&id)
	if err != nil {
		slog.Info(err.Error())
		return 0, err
	}

	return id, nil
}

func (r *mediaAttachmentRepository) ListByPostID(ctx context.Context, postID int64) ([]*models.MediaAttachment, error) {
	query := `
		SELECT ` + mediaAttachmentColumns + `
		FROM media_attachments
		WHERE post_id = $1
		ORDER BY display_order, id
	`
	return r.list(ctx, query, postID)
}

func (r *mediaAttachmentRepository) ListByPostIDs(ctx context.Context, postIDs []int64) ([]*models.MediaAttachment, error) {
	query := `
		SELECT ` + mediaAttachmentColumns + `
		FROM media_attachments
		WHERE post_id = ANY($1)
		ORDER BY post_id, display_order, id
	`
	return r.list(ctx, query, pq.Array(postIDs))
}

func (r *mediaAttachmentRepository) list(ctx context.Context, query string, args ...any) ([]*models.MediaAttachment, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	defer rows.Close()

	var attachments []*models.MediaAttachment
	for rows.Next() {
		var ma models.MediaAttachment
		if err := rows.Scan(&ma.ID, &ma.PostID, &ma.URL, &ma.MimeType, &ma.ThumbnailURL, &ma.Counter, &ma.DisplayOrder, &ma.CreatedAt); err != nil {
			slog.Info(err.Error())
			return nil, err
		}
		attachments = append(attachments, &ma)
	}

	if err = rows.Err(); err != nil {
		slog.Info(err.Error())
		return nil, err
	}

	return attachments, nil
}

func (r *mediaAttachmentRepository) UpdateOrder(ctx context.Context, tx *sql.Tx, id int64, displayOrder int) error {
	query := `
		UPDATE media_attachments
		SET display_order = $1
		WHERE id = $2
	`
	_, err := conn(r.db, tx).ExecContext(ctx, query, displayOrder, id)
	if err != nil {
		slog.Info(err.Error())
		return err
	}
	return nil
}

// IncrementCounter bumps the rotation counter in a single statement and
// returns the new value, so concurrent workers never lose an update.
func (r *mediaAttachmentRepository) IncrementCounter(ctx context.Context, id int64) (int, error) {
	query := `
		UPDATE media_attachments
		SET counter = counter + 1
		WHERE id = $1
		RETURNING counter
	`

	var counter int
	err := r.db.QueryRowContext(ctx, query, id).Scan(&counter)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			slog.Info(err.Error())
		}
		return 0, err
	}
	return counter, nil
}

// DecrementCounter gives back a rotation slot. The counter never drops
// below zero.
func (r *mediaAttachmentRepository) DecrementCounter(ctx context.Context, id int64) (int, error) {
	query := `
		UPDATE media_attachments
		SET counter = GREATEST(counter - 1, 0)
		WHERE id = $1
		RETURNING counter
	`

	var counter int
	err := r.db.QueryRowContext(ctx, query, id).Scan(&counter)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			slog.Info(err.Error())
		}
		return 0, err
	}
	return counter, nil
}

func (r *mediaAttachmentRepository) Remove(ctx context.Context, tx *sql.Tx, id int64) error {
	query := `
		DELETE FROM media_attachments
		WHERE id = $1
	`
	_, err := conn(r.db, tx).ExecContext(ctx, query, id)
	if err != nil {
		slog.Info(err.Error())
		return err
	}
	return nil
}
