package kv

import (
	"context"

	"github.com/jwalitptl/carelink/internal/model"
	"github.com/jwalitptl/carelink/internal/repository"
	apperrors "github.com/jwalitptl/carelink/pkg/errors"
)

var _ repository.PendingOpRepository = (*Repository)(nil)

func (r *Repository) LoadOps(ctx context.Context) ([]*model.PendingOp, error) {
	var ops []*model.PendingOp
	err := r.getJSON(ctx, repository.PendingOpsKey, &ops)
	if apperrors.IsNotFound(err) {
		return nil, nil
	}
	if apperrors.IsCorrupt(err) {
		r.logger.Warn("Pending operation queue was corrupt and has been reset")
		return nil, nil
	}
	return ops, err
}

func (r *Repository) SaveOps(ctx context.Context, ops []*model.PendingOp) error {
	if len(ops) == 0 {
		return r.store.Remove(ctx, repository.PendingOpsKey)
	}
	return r.putJSON(ctx, repository.PendingOpsKey, ops)
}
