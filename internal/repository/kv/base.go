// Package kv implements the repository interfaces on top of a store.Store.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jwalitptl/carelink/internal/store"
	apperrors "github.com/jwalitptl/carelink/pkg/errors"
	"github.com/jwalitptl/carelink/pkg/logger"
)

// Repository implements every repository interface over one store.
type Repository struct {
	store  store.Store
	logger *logger.Logger
	now    func() time.Time
}

func NewRepository(s store.Store, log *logger.Logger) *Repository {
	if log == nil {
		log = logger.Nop()
	}
	return &Repository{store: s, logger: log.With("repository"), now: time.Now}
}

// Store exposes the underlying store for callers that need raw access.
func (r *Repository) Store() store.Store {
	return r.store
}

// getJSON decodes key into dst. A missing key yields a NotFound error; an
// entry that fails to decode is removed and yields a Corrupt error.
func (r *Repository) getJSON(ctx context.Context, key string, dst interface{}) error {
	raw, err := r.store.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return apperrors.NotFound(key, err)
	}
	if err != nil && !errors.Is(err, store.ErrUndecodable) {
		return fmt.Errorf("failed to read %s: %w", key, err)
	}
	if err == nil {
		err = json.Unmarshal(raw, dst)
	}
	if err != nil {
		r.logger.Warn("Dropping corrupt cache entry", "key", key, "error", err.Error())
		if rmErr := r.store.Remove(ctx, key); rmErr != nil {
			r.logger.Error(rmErr, "Failed to remove corrupt entry", "key", key)
		}
		return apperrors.Corrupt(key, err)
	}
	return nil
}

func (r *Repository) putJSON(ctx context.Context, key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	if err := r.store.Set(ctx, key, raw); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

// Timestamps are stored as epoch milliseconds.
func (r *Repository) getTime(ctx context.Context, key string) (time.Time, error) {
	raw, err := r.store.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return time.Time{}, nil
	}
	if err != nil && !errors.Is(err, store.ErrUndecodable) {
		return time.Time{}, fmt.Errorf("failed to read %s: %w", key, err)
	}
	var ms int64
	if err == nil {
		ms, err = strconv.ParseInt(string(raw), 10, 64)
	}
	if err != nil {
		r.logger.Warn("Dropping corrupt throttle token", "key", key)
		_ = r.store.Remove(ctx, key)
		return time.Time{}, nil
	}
	return time.UnixMilli(ms), nil
}

func (r *Repository) putTime(ctx context.Context, key string, t time.Time) error {
	if err := r.store.Set(ctx, key, []byte(strconv.FormatInt(t.UnixMilli(), 10))); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}
