package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/chatwit-social/scheduling-api/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	postColumns = []string{
		"id", "user_id", "account_id", "group_id", "fire_at", "caption",
		"instagram", "facebook", "stories", "reels", "feed", "daily",
		"distribution_mode", "status", "created_at", "updated_at",
	}
	accountColumns = []string{
		"id", "user_id", "platform", "account_id", "account_name", "account_username",
		"page_id", "access_token", "token_expires_at",
	}
	attachmentColumns = []string{
		"id", "post_id", "url", "mime_type", "thumbnail_url", "counter", "display_order", "created_at",
	}
)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return db, mock
}

func TestGetByIDNotFound(t *testing.T) {
	db, mock := newMock(t)
	repo := NewScheduledPostRepository(db, NewMediaAttachmentRepository(db))

	mock.ExpectQuery(`FROM scheduled_posts p JOIN social_accounts a ON a.id = p.account_id WHERE p.id = \$1`).
		WithArgs(int64(9)).
		WillReturnRows(sqlmock.NewRows(append(postColumns, accountColumns...)))

	post, err := repo.GetByID(context.Background(), 9)
	require.NoError(t, err)
	assert.Nil(t, post)
}

func TestGetByIDLoadsAccountAndAttachments(t *testing.T) {
	db, mock := newMock(t)
	repo := NewScheduledPostRepository(db, NewMediaAttachmentRepository(db))

	fireAt := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	expires := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	row := []driver.Value{
		int64(7), int64(5), int64(3), "g-1", fireAt, "hello",
		true, false, false, false, true, true,
		"rotate", "scheduled", fireAt, fireAt,
		int64(3), int64(5), "instagram", "1784", "Chatwit", "chatwit",
		"99", "sealed", expires,
	}
	mock.ExpectQuery(`FROM scheduled_posts p JOIN social_accounts`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows(append(postColumns, accountColumns...)).AddRow(row...))
	mock.ExpectQuery(`FROM media_attachments WHERE post_id = \$1 ORDER BY display_order, id`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows(attachmentColumns).
			AddRow(int64(1), int64(7), "https://cdn.example.com/a.jpg", "image/jpeg", "", 2, 0, fireAt).
			AddRow(int64(2), int64(7), "https://cdn.example.com/b.jpg", "image/jpeg", "", 1, 1, fireAt))

	post, err := repo.GetByID(context.Background(), 7)
	require.NoError(t, err)
	require.NotNil(t, post)

	assert.Equal(t, "g-1", post.GroupID)
	assert.Equal(t, models.ModeRotate, post.Mode)
	assert.True(t, post.Daily)
	require.NotNil(t, post.Account)
	assert.Equal(t, "instagram", post.Account.Platform)
	assert.Equal(t, "sealed", post.Account.AccessToken)
	require.Len(t, post.Attachments, 2)
	assert.Equal(t, 2, post.Attachments[0].Counter)
}

func TestAdvanceFireAtIsConditional(t *testing.T) {
	db, mock := newMock(t)
	repo := NewScheduledPostRepository(db, NewMediaAttachmentRepository(db))

	from := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 1)

	mock.ExpectExec(`UPDATE scheduled_posts SET fire_at = \$1, status = \$2, updated_at = CURRENT_TIMESTAMP WHERE id = \$3 AND fire_at = \$4`).
		WithArgs(to, models.PostStatusScheduled, int64(7), from).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE scheduled_posts SET fire_at`).
		WithArgs(to, models.PostStatusScheduled, int64(7), from).
		WillReturnResult(sqlmock.NewResult(0, 0))

	advanced, err := repo.AdvanceFireAt(context.Background(), 7, from, to)
	require.NoError(t, err)
	assert.True(t, advanced)

	advanced, err = repo.AdvanceFireAt(context.Background(), 7, from, to)
	require.NoError(t, err)
	assert.False(t, advanced)
}

func TestUpdateChecksRevision(t *testing.T) {
	db, mock := newMock(t)
	repo := NewScheduledPostRepository(db, NewMediaAttachmentRepository(db))

	loaded := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	post := &models.ScheduledPost{ID: 7, FireAt: loaded, Caption: "edited", Mode: models.ModeCarousel, Status: models.PostStatusScheduled}
	from := post.Revision()

	update := `UPDATE scheduled_posts SET fire_at = \$1, caption = \$2, .* WHERE id = \$11 AND fire_at = \$12 AND status = \$13`
	args := []driver.Value{
		loaded, "edited", false, false, false, false, false, false, "carousel", models.PostStatusScheduled,
		int64(7), loaded, models.PostStatusScheduled,
	}
	mock.ExpectExec(update).WithArgs(args...).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(update).WithArgs(args...).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.Update(context.Background(), nil, post, from))

	err := repo.Update(context.Background(), nil, post, from)
	assert.ErrorIs(t, err, ErrStalePost)
}

func TestDecrementCounter(t *testing.T) {
	db, mock := newMock(t)
	repo := NewMediaAttachmentRepository(db)

	mock.ExpectQuery(`UPDATE media_attachments SET counter = GREATEST\(counter - 1, 0\) WHERE id = \$1 RETURNING counter`).
		WithArgs(int64(4)).
		WillReturnRows(sqlmock.NewRows([]string{"counter"}).AddRow(0))

	counter, err := repo.DecrementCounter(context.Background(), 4)
	require.NoError(t, err)
	assert.Zero(t, counter)
}

func TestListByAccountAttachesMedia(t *testing.T) {
	db, mock := newMock(t)
	repo := NewScheduledPostRepository(db, NewMediaAttachmentRepository(db))
	at := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`FROM scheduled_posts p WHERE p.user_id = \$1 AND p.account_id = \$2`).
		WithArgs(int64(5), int64(3)).
		WillReturnRows(sqlmock.NewRows(postColumns).
			AddRow(int64(1), int64(5), int64(3), "", at, "", false, false, false, false, false, false, "carousel", "scheduled", at, at).
			AddRow(int64(2), int64(5), int64(3), "", at, "", false, false, false, false, false, false, "random", "posted", at, at))
	mock.ExpectQuery(`FROM media_attachments WHERE post_id = ANY\(\$1\)`).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(attachmentColumns).
			AddRow(int64(10), int64(2), "https://cdn.example.com/a.jpg", "image/jpeg", "", 0, 0, at))

	posts, err := repo.ListByAccount(context.Background(), 5, 3)
	require.NoError(t, err)
	require.Len(t, posts, 2)
	assert.Empty(t, posts[0].Attachments)
	require.Len(t, posts[1].Attachments, 1)
	assert.Equal(t, int64(10), posts[1].Attachments[0].ID)
}

func TestIncrementCounter(t *testing.T) {
	db, mock := newMock(t)
	repo := NewMediaAttachmentRepository(db)

	mock.ExpectQuery(`UPDATE media_attachments SET counter = counter \+ 1 WHERE id = \$1 RETURNING counter`).
		WithArgs(int64(4)).
		WillReturnRows(sqlmock.NewRows([]string{"counter"}).AddRow(3))
	mock.ExpectQuery(`UPDATE media_attachments SET counter = counter \+ 1`).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"counter"}))

	counter, err := repo.IncrementCounter(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, 3, counter)

	_, err = repo.IncrementCounter(context.Background(), 5)
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestWithTx(t *testing.T) {
	db, mock := newMock(t)
	tx := NewTransactor(db)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE media_attachments SET display_order`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ma := NewMediaAttachmentRepository(db)
	err := tx.WithTx(context.Background(), func(tx *sql.Tx) error {
		return ma.UpdateOrder(context.Background(), tx, 1, 2)
	})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	err = tx.WithTx(context.Background(), func(*sql.Tx) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestPostingHistoryCreateDefaultsAttachmentIDs(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPostingHistoryRepository(db)

	mock.ExpectQuery(`INSERT INTO posting_history`).
		WithArgs(int64(5), int64(7), int64(3), sqlmock.AnyArg(), "{}", "webhook returned status 500").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(11)))

	id, err := repo.Create(context.Background(), &models.PostingHistory{
		UserID:       5,
		PostID:       7,
		AccountID:    3,
		FireAt:       time.Now(),
		ErrorMessage: "webhook returned status 500",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(11), id)
}
