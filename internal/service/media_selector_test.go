package service

import (
	"context"
	"errors"
	"testing"

	"github.com/chatwit-social/scheduling-api/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counterMap map[int64]int

func (c counterMap) IncrementCounter(_ context.Context, id int64) (int, error) {
	c[id]++
	return c[id], nil
}

func (c counterMap) DecrementCounter(_ context.Context, id int64) (int, error) {
	if c[id] > 0 {
		c[id]--
	}
	return c[id], nil
}

type failingCounter struct{}

func (failingCounter) IncrementCounter(context.Context, int64) (int, error) {
	return 0, errors.New("pq: could not serialize access")
}

func (failingCounter) DecrementCounter(context.Context, int64) (int, error) {
	return 0, errors.New("pq: could not serialize access")
}

func pool(counters ...int) []*models.MediaAttachment {
	out := make([]*models.MediaAttachment, len(counters))
	for i, c := range counters {
		out[i] = &models.MediaAttachment{ID: int64(i + 1), Counter: c, DisplayOrder: i}
	}
	return out
}

func TestSelectEmptyPool(t *testing.T) {
	s := NewMediaSelector(counterMap{})
	for _, mode := range []models.DistributionMode{models.ModeCarousel, models.ModeRandom, models.ModeRotate} {
		_, err := s.Select(context.Background(), mode, nil)
		assert.ErrorIs(t, err, ErrNoMedia, mode)
	}
}

func TestSelectCarouselReturnsWholePoolInOrder(t *testing.T) {
	counters := counterMap{}
	s := NewMediaSelector(counters)
	p := pool(0, 3, 1)

	got, err := s.Select(context.Background(), models.ModeCarousel, p)
	require.NoError(t, err)

	require.Len(t, got, 3)
	for i := range p {
		assert.Same(t, p[i], got[i])
	}
	assert.Empty(t, counters)
}

func TestSelectRandomDoesNotTouchCounters(t *testing.T) {
	counters := counterMap{}
	s := NewMediaSelector(counters)
	p := pool(0, 0, 0)

	hits := map[int64]int{}
	for i := 0; i < 300; i++ {
		got, err := s.Select(context.Background(), models.ModeRandom, p)
		require.NoError(t, err)
		require.Len(t, got, 1)
		hits[got[0].ID]++
	}

	assert.Empty(t, counters)
	for _, a := range p {
		assert.Zero(t, a.Counter)
		assert.Positive(t, hits[a.ID], "attachment %d never picked", a.ID)
	}
}

func TestSelectRotatePicksLeastUsed(t *testing.T) {
	counters := counterMap{1: 5, 2: 2, 3: 2}
	s := NewMediaSelector(counters)
	s.intn = func(n int) int { return n - 1 }

	got, err := s.Select(context.Background(), models.ModeRotate, pool(5, 2, 2))
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, int64(3), got[0].ID)
	assert.Equal(t, 3, got[0].Counter)
	assert.Equal(t, 3, counters[3])
	assert.Equal(t, 5, counters[1])
}

func TestSelectRotateStaysBalanced(t *testing.T) {
	counters := counterMap{}
	s := NewMediaSelector(counters)
	p := pool(0, 0, 0, 0)

	for i := 1; i <= 21; i++ {
		_, err := s.Select(context.Background(), models.ModeRotate, p)
		require.NoError(t, err)

		lo, hi := p[0].Counter, p[0].Counter
		for _, a := range p {
			lo = min(lo, a.Counter)
			hi = max(hi, a.Counter)
		}
		assert.LessOrEqual(t, hi-lo, 1, "after %d firings", i)
		assert.Equal(t, i/len(p), lo)
	}
}

func TestSelectRotateStorageError(t *testing.T) {
	s := NewMediaSelector(failingCounter{})

	_, err := s.Select(context.Background(), models.ModeRotate, pool(0, 0))

	var se *StorageError
	require.ErrorAs(t, err, &se)
	assert.True(t, IsRetryable(err))
}

func TestReleaseGivesBackRotationSlot(t *testing.T) {
	counters := counterMap{1: 1, 2: 0}
	s := NewMediaSelector(counters)

	s.Release(context.Background(), models.ModeRotate, []int64{1, 2})
	assert.Equal(t, 0, counters[1])
	assert.Equal(t, 0, counters[2])

	counters[1] = 4
	s.Release(context.Background(), models.ModeCarousel, []int64{1})
	s.Release(context.Background(), models.ModeRandom, []int64{1})
	assert.Equal(t, 4, counters[1])
}
