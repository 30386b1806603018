package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	dispatchLedgerPrefix = "scheduled-post:dispatched:"
	ledgerPending        = "pending"
	ledgerDone           = "done"
)

// DispatchLedgerRepository records which (post, fire time) pairs have been
// handed to the publishing webhook. A claim is pending while the POST is in
// flight and done once the webhook accepted it.
type DispatchLedgerRepository interface {
	Claim(ctx context.Context, key string) (bool, error)
	Complete(ctx context.Context, key string) error
	Completed(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

type dispatchLedgerRepository struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

func NewDispatchLedgerRepository(rdb redis.UniversalClient, ttl time.Duration) DispatchLedgerRepository {
	return &dispatchLedgerRepository{rdb: rdb, ttl: ttl}
}

// Claim sets the marker for key if absent. It returns false when another
// delivery already holds it.
func (r *dispatchLedgerRepository) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, dispatchLedgerPrefix+key, ledgerPending, r.ttl).Result()
	if err != nil {
		slog.Info(err.Error())
		return false, fmt.Errorf("claim dispatch %s: %w", key, err)
	}
	return ok, nil
}

func (r *dispatchLedgerRepository) Complete(ctx context.Context, key string) error {
	if err := r.rdb.Set(ctx, dispatchLedgerPrefix+key, ledgerDone, r.ttl).Err(); err != nil {
		slog.Info(err.Error())
		return fmt.Errorf("complete dispatch %s: %w", key, err)
	}
	return nil
}

// Completed reports whether the firing behind key was published.
func (r *dispatchLedgerRepository) Completed(ctx context.Context, key string) (bool, error) {
	state, err := r.rdb.Get(ctx, dispatchLedgerPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		slog.Info(err.Error())
		return false, fmt.Errorf("read dispatch %s: %w", key, err)
	}
	return state == ledgerDone, nil
}

func (r *dispatchLedgerRepository) Release(ctx context.Context, key string) error {
	if err := r.rdb.Del(ctx, dispatchLedgerPrefix+key).Err(); err != nil {
		slog.Info(err.Error())
		return fmt.Errorf("release dispatch %s: %w", key, err)
	}
	return nil
}
