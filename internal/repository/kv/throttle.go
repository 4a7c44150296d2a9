package kv

import (
	"context"
	"time"

	"github.com/jwalitptl/carelink/internal/repository"
)

var _ repository.ThrottleRepository = (*Repository)(nil)

func (r *Repository) LastRun(ctx context.Context, key string) (time.Time, error) {
	return r.getTime(ctx, key)
}

func (r *Repository) Touch(ctx context.Context, key string, at time.Time) error {
	return r.putTime(ctx, key, at)
}

func (r *Repository) SuppressUntil(ctx context.Context) (time.Time, error) {
	return r.getTime(ctx, repository.BlockAutoReactivationKey)
}

func (r *Repository) SetSuppressUntil(ctx context.Context, until time.Time) error {
	if until.IsZero() {
		return r.store.Remove(ctx, repository.BlockAutoReactivationKey)
	}
	return r.putTime(ctx, repository.BlockAutoReactivationKey, until)
}
