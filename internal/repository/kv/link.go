package kv

import (
	"context"

	"github.com/jwalitptl/carelink/internal/model"
	"github.com/jwalitptl/carelink/internal/repository"
	apperrors "github.com/jwalitptl/carelink/pkg/errors"
)

var _ repository.LinkRepository = (*Repository)(nil)

// GetLinkMap returns an empty map when nothing is stored or the stored
// object was corrupt.
func (r *Repository) GetLinkMap(ctx context.Context) (*model.LinkMap, error) {
	m := model.NewLinkMap()
	err := r.getJSON(ctx, repository.CaregiverPatientsMapKey, m)
	if apperrors.IsNotFound(err) || apperrors.IsCorrupt(err) {
		return model.NewLinkMap(), nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (r *Repository) PutLinkMap(ctx context.Context, m *model.LinkMap) error {
	return r.putJSON(ctx, repository.CaregiverPatientsMapKey, m)
}

func (r *Repository) GetConnectedPatients(ctx context.Context, caregiverEmail string) ([]model.Profile, error) {
	var patients []model.Profile
	err := r.getJSON(ctx, repository.ConnectedPatientsKey(caregiverEmail), &patients)
	if apperrors.IsNotFound(err) || apperrors.IsCorrupt(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	for i := range patients {
		patients[i] = patients[i].Normalized()
	}
	return patients, nil
}

func (r *Repository) PutConnectedPatients(ctx context.Context, caregiverEmail string, patients []model.Profile) error {
	if patients == nil {
		patients = []model.Profile{}
	}
	return r.putJSON(ctx, repository.ConnectedPatientsKey(caregiverEmail), patients)
}
