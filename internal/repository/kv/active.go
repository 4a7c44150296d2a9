package kv

import (
	"context"
	"fmt"

	"github.com/jwalitptl/carelink/internal/model"
	"github.com/jwalitptl/carelink/internal/repository"
	apperrors "github.com/jwalitptl/carelink/pkg/errors"
)

var _ repository.ActivePointerRepository = (*Repository)(nil)

// GetActivePointer returns nil when the caregiver has no active patient.
func (r *Repository) GetActivePointer(ctx context.Context, caregiverEmail string) (*model.ActivePointer, error) {
	var ptr model.ActivePointer
	err := r.getJSON(ctx, repository.ActivePatientKey(caregiverEmail), &ptr)
	if apperrors.IsNotFound(err) || apperrors.IsCorrupt(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if ptr.Email() == "" {
		return nil, nil
	}
	ptr.Profile = ptr.Profile.Normalized()
	return &ptr, nil
}

func (r *Repository) PutActivePointer(ctx context.Context, caregiverEmail string, pointer *model.ActivePointer) error {
	if pointer == nil {
		return r.ClearActivePointer(ctx, caregiverEmail)
	}
	return r.putJSON(ctx, repository.ActivePatientKey(caregiverEmail), pointer)
}

func (r *Repository) ClearActivePointer(ctx context.Context, caregiverEmail string) error {
	if err := r.store.Remove(ctx, repository.ActivePatientKey(caregiverEmail)); err != nil {
		return fmt.Errorf("failed to clear active patient: %w", err)
	}
	return nil
}
