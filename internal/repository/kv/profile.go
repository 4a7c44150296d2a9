package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jwalitptl/carelink/internal/model"
	"github.com/jwalitptl/carelink/internal/repository"
	"github.com/jwalitptl/carelink/internal/store"
	apperrors "github.com/jwalitptl/carelink/pkg/errors"
)

var _ repository.ProfileRepository = (*Repository)(nil)

func (r *Repository) GetProfile(ctx context.Context, slot repository.Slot, email string) (*model.Profile, error) {
	var p model.Profile
	if err := r.getJSON(ctx, repository.ProfileKey(slot, email), &p); err != nil {
		return nil, err
	}
	if p.Email == "" {
		p.Email = email
	}
	p = p.Normalized()
	return &p, nil
}

func (r *Repository) PutProfile(ctx context.Context, slot repository.Slot, profile *model.Profile) error {
	p := profile.Normalized()
	if p.Email == "" {
		return apperrors.BadRequest("profile without email", nil)
	}
	return r.putJSON(ctx, repository.ProfileKey(slot, p.Email), p)
}

// PutCanonical writes profile to every local slot. A failing slot does not
// stop the others.
func (r *Repository) PutCanonical(ctx context.Context, profile *model.Profile) error {
	var errs []error
	for _, slot := range repository.ProfileSlots {
		if err := r.PutProfile(ctx, slot, profile); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MarkStale flags every cached copy of email as stale without erasing it,
// so it can still serve as an offline fallback.
func (r *Repository) MarkStale(ctx context.Context, email string) error {
	var errs []error
	for _, slot := range repository.ProfileSlots {
		p, err := r.GetProfile(ctx, slot, email)
		if err != nil {
			if !apperrors.IsNotFound(err) && !apperrors.IsCorrupt(err) {
				errs = append(errs, err)
			}
			continue
		}
		if p.Stale {
			continue
		}
		p.Stale = true
		if err := r.PutProfile(ctx, slot, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ScanProfiles parses every key containing email that may hold a profile.
// Unlike slot reads, entries that fail to parse are skipped, not deleted:
// the scan reaches keys this package does not own.
func (r *Repository) ScanProfiles(ctx context.Context, email string) ([]repository.ScannedProfile, error) {
	email = model.NormalizeEmail(email)
	keys, err := r.store.ListKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}

	var out []repository.ScannedProfile
	for _, key := range keys {
		if !strings.Contains(strings.ToLower(key), email) || !repository.IsProfileCandidateKey(key) {
			continue
		}
		raw, err := r.store.Get(ctx, key)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				r.logger.Debug("Skipping unreadable key during scan", "key", key)
			}
			continue
		}
		var p model.Profile
		if err := json.Unmarshal(raw, &p); err != nil {
			continue
		}
		if p.Email != "" && model.NormalizeEmail(p.Email) != email {
			continue
		}
		p.Email = email
		out = append(out, repository.ScannedProfile{Key: key, Profile: p.Normalized()})
	}
	return out, nil
}
