package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jwalitptl/carelink/internal/model"
)

// All repository interfaces in one file
type (
	// ProfileRepository reads and writes the redundant profile slots.
	// Reads of an entry that fails to parse delete it and return a Corrupt
	// error; an absent entry returns a NotFound error.
	ProfileRepository interface {
		GetProfile(ctx context.Context, slot Slot, email string) (*model.Profile, error)
		PutProfile(ctx context.Context, slot Slot, profile *model.Profile) error
		PutCanonical(ctx context.Context, profile *model.Profile) error
		MarkStale(ctx context.Context, email string) error
		ScanProfiles(ctx context.Context, email string) ([]ScannedProfile, error)
	}

	// LinkRepository holds the caregiverPatientsMap and the per-caregiver
	// ordered snapshot lists.
	LinkRepository interface {
		GetLinkMap(ctx context.Context) (*model.LinkMap, error)
		PutLinkMap(ctx context.Context, m *model.LinkMap) error
		GetConnectedPatients(ctx context.Context, caregiverEmail string) ([]model.Profile, error)
		PutConnectedPatients(ctx context.Context, caregiverEmail string, patients []model.Profile) error
	}

	// ActivePointerRepository persists each caregiver's active patient.
	ActivePointerRepository interface {
		GetActivePointer(ctx context.Context, caregiverEmail string) (*model.ActivePointer, error)
		PutActivePointer(ctx context.Context, caregiverEmail string, pointer *model.ActivePointer) error
		ClearActivePointer(ctx context.Context, caregiverEmail string) error
	}

	// ThrottleRepository persists throttle tokens so rate limits survive
	// restarts. Keys come from the key builders in keys.go.
	ThrottleRepository interface {
		LastRun(ctx context.Context, key string) (time.Time, error)
		Touch(ctx context.Context, key string, at time.Time) error
		SuppressUntil(ctx context.Context) (time.Time, error)
		SetSuppressUntil(ctx context.Context, until time.Time) error
	}

	// PendingOpRepository persists the pending-operation queue as one list.
	PendingOpRepository interface {
		LoadOps(ctx context.Context) ([]*model.PendingOp, error)
		SaveOps(ctx context.Context, ops []*model.PendingOp) error
	}
)

// ScannedProfile is a profile found by the exhaustive key scan.
type ScannedProfile struct {
	Key     string
	Profile model.Profile
}

// ErrNotPersisted reports that a change took effect in memory but could not
// be written to the local store.
var ErrNotPersisted = errors.New("change applied but not persisted")
