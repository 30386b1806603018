package service

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"

	"github.com/chatwit-social/scheduling-api/internal/models"
)

// CounterStore moves an attachment's rotation counter atomically and
// returns the new value.
type CounterStore interface {
	IncrementCounter(ctx context.Context, id int64) (int, error)
	DecrementCounter(ctx context.Context, id int64) (int, error)
}

type MediaSelector struct {
	counters CounterStore
	intn     func(n int) int
}

func NewMediaSelector(counters CounterStore) *MediaSelector {
	return &MediaSelector{counters: counters, intn: rand.IntN}
}

// Select returns the attachments a single firing publishes.
//
// ModeRotate picks uniformly among the attachments with the lowest counter
// and persists the increment before returning, so no attachment repeats
// before every other one has been used. ModeRandom picks uniformly from the
// whole pool without touching counters. ModeCarousel returns the full pool
// in its original order.
func (s *MediaSelector) Select(ctx context.Context, mode models.DistributionMode, pool []*models.MediaAttachment) ([]*models.MediaAttachment, error) {
	if len(pool) == 0 {
		return nil, ErrNoMedia
	}

	switch mode {
	case models.ModeRotate:
		return s.rotate(ctx, pool)
	case models.ModeRandom:
		return []*models.MediaAttachment{pool[s.intn(len(pool))]}, nil
	default:
		selected := make([]*models.MediaAttachment, len(pool))
		copy(selected, pool)
		return selected, nil
	}
}

func (s *MediaSelector) rotate(ctx context.Context, pool []*models.MediaAttachment) ([]*models.MediaAttachment, error) {
	minCount := pool[0].Counter
	for _, a := range pool[1:] {
		if a.Counter < minCount {
			minCount = a.Counter
		}
	}

	var candidates []*models.MediaAttachment
	for _, a := range pool {
		if a.Counter == minCount {
			candidates = append(candidates, a)
		}
	}

	picked := candidates[s.intn(len(candidates))]
	count, err := s.counters.IncrementCounter(ctx, picked.ID)
	if err != nil {
		return nil, storageError(fmt.Sprintf("increment counter of attachment %d", picked.ID), err)
	}
	picked.Counter = count

	return []*models.MediaAttachment{picked}, nil
}

// Release undoes the counter increment of a rotate selection whose firing
// was not published, so the attachment keeps its turn.
func (s *MediaSelector) Release(ctx context.Context, mode models.DistributionMode, ids []int64) {
	if mode != models.ModeRotate {
		return
	}
	for _, id := range ids {
		if _, err := s.counters.DecrementCounter(ctx, id); err != nil {
			slog.Error("failed to release rotation slot", "attachment_id", id, "error", err)
		}
	}
}
