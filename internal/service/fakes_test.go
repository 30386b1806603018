package service

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/chatwit-social/scheduling-api/internal/models"
	"github.com/chatwit-social/scheduling-api/internal/repository"
	"github.com/chatwit-social/scheduling-api/internal/transfer"
)

// memStore is an in-memory stand-in for the Postgres repositories. Rows are
// copied in and out so callers cannot mutate stored state by accident, and
// WithTx restores a snapshot when the callback fails.
type memStore struct {
	mu          sync.Mutex
	nextID      int64
	posts       map[int64]*models.ScheduledPost
	attachments map[int64]*models.MediaAttachment
	accounts    map[int64]*models.SocialAccount
	history     []*models.PostingHistory
	writes      int

	createPostErr   func(post *models.ScheduledPost) error
	updateStatusErr error
	// afterGet runs once GetByID has read a post and before it returns,
	// standing in for writes that land between a read and a later write.
	afterGet func(id int64)
}

func newMemStore() *memStore {
	return &memStore{
		posts:       map[int64]*models.ScheduledPost{},
		attachments: map[int64]*models.MediaAttachment{},
		accounts:    map[int64]*models.SocialAccount{},
	}
}

func (m *memStore) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *memStore) addAccount(a *models.SocialAccount) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *a
	m.accounts[a.ID] = &c
}

func (m *memStore) WithTx(_ context.Context, fn func(tx *sql.Tx) error) error {
	m.mu.Lock()
	posts := make(map[int64]*models.ScheduledPost, len(m.posts))
	for k, v := range m.posts {
		c := *v
		posts[k] = &c
	}
	attachments := make(map[int64]*models.MediaAttachment, len(m.attachments))
	for k, v := range m.attachments {
		c := *v
		attachments[k] = &c
	}
	m.mu.Unlock()

	if err := fn(nil); err != nil {
		m.mu.Lock()
		m.posts, m.attachments = posts, attachments
		m.mu.Unlock()
		return err
	}
	return nil
}

// ScheduledPostRepository

func (m *memStore) Create(_ context.Context, _ *sql.Tx, post *models.ScheduledPost) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createPostErr != nil {
		if err := m.createPostErr(post); err != nil {
			return 0, err
		}
	}
	c := *post
	c.ID = m.id()
	c.Attachments = nil
	c.Account = nil
	m.posts[c.ID] = &c
	m.writes++
	return c.ID, nil
}

func (m *memStore) GetByID(_ context.Context, id int64) (*models.ScheduledPost, error) {
	m.mu.Lock()
	post := m.load(id)
	hook := m.afterGet
	m.mu.Unlock()

	if hook != nil {
		hook(id)
	}
	return post, nil
}

func (m *memStore) load(id int64) *models.ScheduledPost {
	p, ok := m.posts[id]
	if !ok {
		return nil
	}
	c := *p
	c.Attachments = m.attachmentsOf(id)
	if a, ok := m.accounts[p.AccountID]; ok {
		ac := *a
		c.Account = &ac
	}
	return &c
}

func (m *memStore) attachmentsOf(postID int64) []*models.MediaAttachment {
	var out []*models.MediaAttachment
	for _, a := range m.attachments {
		if a.PostID == postID {
			c := *a
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayOrder != out[j].DisplayOrder {
			return out[i].DisplayOrder < out[j].DisplayOrder
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *memStore) Update(_ context.Context, _ *sql.Tx, post *models.ScheduledPost, from models.Revision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[post.ID]
	if !ok || !p.FireAt.Equal(from.FireAt) || p.Status != from.Status {
		return repository.ErrStalePost
	}
	c := *post
	c.Attachments = nil
	c.Account = nil
	m.posts[post.ID] = &c
	m.writes++
	return nil
}

func (m *memStore) AdvanceFireAt(_ context.Context, id int64, from, to time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[id]
	if !ok || !p.FireAt.Equal(from) {
		return false, nil
	}
	p.FireAt = to
	p.Status = models.PostStatusScheduled
	return true, nil
}

func (m *memStore) UpdateStatus(_ context.Context, id int64, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateStatusErr != nil {
		return m.updateStatusErr
	}
	p, ok := m.posts[id]
	if !ok {
		return sql.ErrNoRows
	}
	p.Status = status
	return nil
}

func (m *memStore) ListByAccount(_ context.Context, userID, accountID int64) ([]*models.ScheduledPost, error) {
	return m.filter(func(p *models.ScheduledPost) bool {
		return p.UserID == userID && p.AccountID == accountID
	}), nil
}

func (m *memStore) ListByGroupID(_ context.Context, userID, accountID int64, groupID string) ([]*models.ScheduledPost, error) {
	return m.filter(func(p *models.ScheduledPost) bool {
		return p.UserID == userID && p.AccountID == accountID && p.GroupID == groupID
	}), nil
}

func (m *memStore) ListByStatus(_ context.Context, status string, limit int) ([]*models.ScheduledPost, error) {
	out := m.filter(func(p *models.ScheduledPost) bool { return p.Status == status })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) filter(keep func(p *models.ScheduledPost) bool) []*models.ScheduledPost {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ScheduledPost
	for id, p := range m.posts {
		if keep(p) {
			out = append(out, m.load(id))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *memStore) Remove(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.posts[id]; !ok {
		return false, nil
	}
	delete(m.posts, id)
	for aid, a := range m.attachments {
		if a.PostID == id {
			delete(m.attachments, aid)
		}
	}
	m.writes++
	return true, nil
}

func (m *memStore) post(id int64) *models.ScheduledPost {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.load(id)
}

func (m *memStore) postCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.posts)
}

// attachmentStore adapts memStore to MediaAttachmentRepository, whose
// Create and Remove collide with the post methods.
type attachmentStore struct{ m *memStore }

func (s attachmentStore) Create(_ context.Context, _ *sql.Tx, ma *models.MediaAttachment) (int64, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, ok := s.m.posts[ma.PostID]; !ok {
		return 0, errors.New("post does not exist")
	}
	c := *ma
	c.ID = s.m.id()
	s.m.attachments[c.ID] = &c
	s.m.writes++
	return c.ID, nil
}

func (s attachmentStore) ListByPostID(_ context.Context, postID int64) ([]*models.MediaAttachment, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	return s.m.attachmentsOf(postID), nil
}

func (s attachmentStore) ListByPostIDs(ctx context.Context, postIDs []int64) ([]*models.MediaAttachment, error) {
	var out []*models.MediaAttachment
	for _, id := range postIDs {
		list, _ := s.ListByPostID(ctx, id)
		out = append(out, list...)
	}
	return out, nil
}

func (s attachmentStore) UpdateOrder(_ context.Context, _ *sql.Tx, id int64, displayOrder int) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	a, ok := s.m.attachments[id]
	if !ok {
		return sql.ErrNoRows
	}
	a.DisplayOrder = displayOrder
	return nil
}

func (s attachmentStore) IncrementCounter(_ context.Context, id int64) (int, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	a, ok := s.m.attachments[id]
	if !ok {
		return 0, sql.ErrNoRows
	}
	a.Counter++
	return a.Counter, nil
}

func (s attachmentStore) DecrementCounter(_ context.Context, id int64) (int, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	a, ok := s.m.attachments[id]
	if !ok {
		return 0, sql.ErrNoRows
	}
	if a.Counter > 0 {
		a.Counter--
	}
	return a.Counter, nil
}

func (s attachmentStore) Remove(_ context.Context, _ *sql.Tx, id int64) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	delete(s.m.attachments, id)
	return nil
}

func (s attachmentStore) counter(id int64) int {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	return s.m.attachments[id].Counter
}

type accountStore struct{ m *memStore }

func (s accountStore) GetByID(_ context.Context, id int64) (*models.SocialAccount, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	a, ok := s.m.accounts[id]
	if !ok {
		return nil, nil
	}
	c := *a
	return &c, nil
}

func (s accountStore) CheckByUserID(_ context.Context, accountID, userID int64) (bool, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	a, ok := s.m.accounts[accountID]
	return ok && a.UserID == userID, nil
}

type historyStore struct{ m *memStore }

func (s historyStore) Create(_ context.Context, ph *models.PostingHistory) (int64, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	c := *ph
	c.ID = s.m.id()
	s.m.history = append(s.m.history, &c)
	return c.ID, nil
}

func (s historyStore) ListByPostID(_ context.Context, postID int64) ([]*models.PostingHistory, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var out []*models.PostingHistory
	for _, h := range s.m.history {
		if h.PostID == postID {
			out = append(out, h)
		}
	}
	return out, nil
}

// fakeScheduler keeps one job per post, like the asynq adapter.
type fakeScheduler struct {
	mu          sync.Mutex
	jobs        map[int64]time.Time
	scheduled   int
	scheduleErr error
	cancelErr   error
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{jobs: map[int64]time.Time{}}
}

func (f *fakeScheduler) Schedule(_ context.Context, postID int64, fireAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scheduleErr != nil {
		return f.scheduleErr
	}
	f.jobs[postID] = fireAt
	f.scheduled++
	return nil
}

func (f *fakeScheduler) Cancel(_ context.Context, postID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return f.cancelErr
	}
	delete(f.jobs, postID)
	return nil
}

func (f *fakeScheduler) Pending(_ context.Context, postID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.jobs[postID]
	return ok, nil
}

func (f *fakeScheduler) job(postID int64) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.jobs[postID]
	return t, ok
}

func (f *fakeScheduler) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

type fakeBlobStore struct {
	keys []string
	err  error
}

func (f *fakeBlobStore) Upload(_ context.Context, key string, _ []byte, _ string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.keys = append(f.keys, key)
	return "https://media.chatwit.test/" + key, nil
}

// fakeLedger keeps the state of every claim: "pending" or "done".
type fakeLedger struct {
	mu     sync.Mutex
	claims map[string]string
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{claims: map[string]string{}}
}

func (f *fakeLedger) Claim(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.claims[key]; ok {
		return false, nil
	}
	f.claims[key] = "pending"
	return true, nil
}

func (f *fakeLedger) Complete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claims[key] = "done"
	return nil
}

func (f *fakeLedger) Completed(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.claims[key] == "done", nil
}

func (f *fakeLedger) Release(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.claims, key)
	return nil
}

type fakePublisher struct {
	mu        sync.Mutex
	payloads  []*transfer.DispatchPayload
	err       error
	onPublish func()
}

func (f *fakePublisher) Publish(_ context.Context, payload *transfer.DispatchPayload) error {
	if f.onPublish != nil {
		f.onPublish()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.payloads = append(f.payloads, payload)
	return nil
}

func (f *fakePublisher) sent() []*transfer.DispatchPayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*transfer.DispatchPayload(nil), f.payloads...)
}
