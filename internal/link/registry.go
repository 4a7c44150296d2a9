// Package link maintains caregiver to patient links locally and mirrors
// them to the server of record.
package link

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/jwalitptl/carelink/internal/model"
	"github.com/jwalitptl/carelink/internal/repository"
	apperrors "github.com/jwalitptl/carelink/pkg/errors"
	"github.com/jwalitptl/carelink/pkg/logger"
	"github.com/jwalitptl/carelink/pkg/metrics"
	"github.com/jwalitptl/carelink/pkg/validator"
)

type Reachability interface {
	IsReachable(ctx context.Context) bool
}

// Server is the part of the remote client the registry uses.
type Server interface {
	CheckPatient(ctx context.Context, email string) (bool, error)
	VerifyConnection(ctx context.Context, caregiverID, email string) (bool, error)
	Connect(ctx context.Context, caregiverID, patientEmail string) error
	Disconnect(ctx context.Context, caregiverID, patientEmail string) error
}

type Resolver interface {
	Resolve(ctx context.Context, email string) model.Profile
}

type Enqueuer interface {
	Enqueue(ctx context.Context, op *model.PendingOp) error
}

// ErrNoProfile is returned by Connect when nothing is known about the email
// and the server could not confirm the patient.
var ErrNoProfile = apperrors.BadRequest("no profile found for this email", nil)

type Registry struct {
	links    repository.LinkRepository
	profiles repository.ProfileRepository
	prober   Reachability
	server   Server
	resolver Resolver
	queue    Enqueuer
	validate validator.Validator
	logger   *logger.Logger
	metrics  *metrics.Metrics

	mu sync.Mutex
}

func NewRegistry(
	links repository.LinkRepository,
	profiles repository.ProfileRepository,
	prober Reachability,
	server Server,
	resolver Resolver,
	queue Enqueuer,
	log *logger.Logger,
	m *metrics.Metrics,
) *Registry {
	if log == nil {
		log = logger.Nop()
	}
	return &Registry{
		links:    links,
		profiles: profiles,
		prober:   prober,
		server:   server,
		resolver: resolver,
		queue:    queue,
		validate: validator.Default(),
		logger:   log.With("link"),
		metrics:  m,
	}
}

// Connect links patientEmail to the caregiver. The server is asked first; if
// it cannot be reached the link is made locally and a connect op is queued.
func (r *Registry) Connect(ctx context.Context, caregiver model.Identity, patientEmail string) (model.Profile, error) {
	patientEmail = model.NormalizeEmail(patientEmail)
	caregiverEmail := model.NormalizeEmail(caregiver.Email)
	if err := r.validate.ValidateEmail(patientEmail); err != nil {
		return model.Profile{}, apperrors.BadRequest(err.Error(), nil)
	}
	if patientEmail == caregiverEmail {
		return model.Profile{}, apperrors.BadRequest("cannot connect to yourself", nil)
	}

	delivered := false
	if r.prober.IsReachable(ctx) {
		err := r.server.Connect(ctx, caregiver.ID, patientEmail)
		switch {
		case err == nil:
			delivered = true
		case apperrors.IsAuthoritative(err):
			return model.Profile{}, err
		default:
			r.logger.Warn("Connect not delivered, queueing", "patient", patientEmail, "error", err.Error())
		}
	}

	profile := r.resolver.Resolve(ctx, patientEmail)
	if !delivered && profile.IsPlaceholder() {
		return profile, ErrNoProfile
	}
	if !delivered {
		r.enqueue(ctx, model.OpConnect, caregiver, patientEmail)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// The snapshot goes first; the map entry is the commit point.
	if err := r.upsertSnapshot(ctx, caregiverEmail, profile); err != nil {
		return profile, fmt.Errorf("%w: %v", repository.ErrNotPersisted, err)
	}
	lm, err := r.links.GetLinkMap(ctx)
	if err != nil {
		return profile, fmt.Errorf("%w: %v", repository.ErrNotPersisted, err)
	}
	lm.Link(caregiverEmail, patientEmail)
	if err := r.links.PutLinkMap(ctx, lm); err != nil {
		return profile, fmt.Errorf("%w: %v", repository.ErrNotPersisted, err)
	}
	r.logger.Info("Patient connected", "caregiver", caregiverEmail, "patient", patientEmail, "synced", delivered)
	return profile, nil
}

// Disconnect unlinks patientEmail. The map entry goes first so a crash
// leaves at most a stray snapshot, which ListPatients repairs.
func (r *Registry) Disconnect(ctx context.Context, caregiver model.Identity, patientEmail string) error {
	patientEmail = model.NormalizeEmail(patientEmail)
	caregiverEmail := model.NormalizeEmail(caregiver.Email)

	delivered := false
	if r.prober.IsReachable(ctx) {
		err := r.server.Disconnect(ctx, caregiver.ID, patientEmail)
		switch {
		case err == nil, apperrors.IsNotFound(err):
			delivered = true
		case apperrors.IsAuthoritative(err):
			return err
		default:
			r.logger.Warn("Disconnect not delivered, queueing", "patient", patientEmail, "error", err.Error())
		}
	}
	if !delivered {
		r.enqueue(ctx, model.OpDisconnect, caregiver, patientEmail)
	}

	if err := r.DropLocal(ctx, caregiverEmail, patientEmail); err != nil {
		return err
	}
	r.logger.Info("Patient disconnected", "caregiver", caregiverEmail, "patient", patientEmail, "synced", delivered)
	return nil
}

func (r *Registry) enqueue(ctx context.Context, kind model.PendingOpKind, caregiver model.Identity, patientEmail string) {
	if r.queue == nil {
		return
	}
	payload, _ := json.Marshal(model.ConnectPayload{CaregiverID: caregiver.ID, PatientEmail: patientEmail})
	op := &model.PendingOp{
		Kind:        kind,
		SourceEmail: caregiver.Email,
		TargetEmail: patientEmail,
		Payload:     payload,
	}
	if err := r.queue.Enqueue(ctx, op); err != nil {
		r.logger.Error(err, "Failed to queue link change", "kind", string(kind), "patient", patientEmail)
	}
}

// ListPatients returns the caregiver's patients in connection order. The
// link map is the source of truth; the snapshot list is repaired to match.
func (r *Registry) ListPatients(ctx context.Context, caregiverEmail string) ([]string, error) {
	profiles, err := r.Patients(ctx, caregiverEmail)
	if err != nil {
		return nil, err
	}
	emails := make([]string, len(profiles))
	for i, p := range profiles {
		emails[i] = p.Email
	}
	return emails, nil
}

// Patients returns the repaired snapshot list.
func (r *Registry) Patients(ctx context.Context, caregiverEmail string) ([]model.Profile, error) {
	caregiverEmail = model.NormalizeEmail(caregiverEmail)

	r.mu.Lock()
	defer r.mu.Unlock()

	lm, err := r.links.GetLinkMap(ctx)
	if err != nil {
		return nil, err
	}
	snapshots, err := r.links.GetConnectedPatients(ctx, caregiverEmail)
	if err != nil {
		return nil, err
	}

	byEmail := make(map[string]model.Profile, len(snapshots))
	for _, s := range snapshots {
		byEmail[model.NormalizeEmail(s.Email)] = s
	}

	emails := lm.Patients(caregiverEmail)
	out := make([]model.Profile, 0, len(emails))
	for _, email := range emails {
		if s, ok := byEmail[email]; ok {
			out = append(out, s)
			continue
		}
		out = append(out, r.localProfile(ctx, email))
	}

	if !sameEmails(snapshots, out) {
		r.logger.Debug("Repairing patient snapshot list", "caregiver", caregiverEmail, "had", len(snapshots), "want", len(out))
		if err := r.links.PutConnectedPatients(ctx, caregiverEmail, out); err != nil {
			r.logger.Warn("Failed to repair patient snapshots", "caregiver", caregiverEmail, "error", err.Error())
		}
	}
	return out, nil
}

// localProfile builds a snapshot from local slots only.
func (r *Registry) localProfile(ctx context.Context, email string) model.Profile {
	for _, slot := range repository.ProfileSlots {
		p, err := r.profiles.GetProfile(ctx, slot, email)
		if err == nil && p.HasUsableName() {
			return *p
		}
	}
	return model.Profile{Email: email, Name: email}
}

func sameEmails(a, b []model.Profile) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if model.NormalizeEmail(a[i].Email) != model.NormalizeEmail(b[i].Email) {
			return false
		}
	}
	return true
}

// UpdateSnapshot stores a refreshed profile in the caregiver's snapshot
// list, appending it when missing.
func (r *Registry) UpdateSnapshot(ctx context.Context, caregiverEmail string, profile model.Profile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.upsertSnapshot(ctx, model.NormalizeEmail(caregiverEmail), profile)
}

func (r *Registry) upsertSnapshot(ctx context.Context, caregiverEmail string, profile model.Profile) error {
	list, err := r.links.GetConnectedPatients(ctx, caregiverEmail)
	if err != nil {
		return err
	}
	updated, changed := model.ReplaceSnapshot(list, profile)
	if !changed {
		for _, p := range list {
			if model.NormalizeEmail(p.Email) == model.NormalizeEmail(profile.Email) {
				return nil
			}
		}
		updated = append(list, profile.Normalized())
	}
	return r.links.PutConnectedPatients(ctx, caregiverEmail, updated)
}

// DropLocal removes one caregiver-patient link locally without touching the
// patient's profile slots.
func (r *Registry) DropLocal(ctx context.Context, caregiverEmail, patientEmail string) error {
	caregiverEmail = model.NormalizeEmail(caregiverEmail)
	patientEmail = model.NormalizeEmail(patientEmail)

	r.mu.Lock()
	defer r.mu.Unlock()

	lm, err := r.links.GetLinkMap(ctx)
	if err != nil {
		return err
	}
	if lm.Unlink(caregiverEmail, patientEmail) {
		if err := r.links.PutLinkMap(ctx, lm); err != nil {
			return fmt.Errorf("%w: %v", repository.ErrNotPersisted, err)
		}
	}
	return r.removeSnapshot(ctx, caregiverEmail, patientEmail)
}

func (r *Registry) removeSnapshot(ctx context.Context, caregiverEmail, patientEmail string) error {
	list, err := r.links.GetConnectedPatients(ctx, caregiverEmail)
	if err != nil {
		return err
	}
	kept := make([]model.Profile, 0, len(list))
	for _, p := range list {
		if model.NormalizeEmail(p.Email) != patientEmail {
			kept = append(kept, p)
		}
	}
	if len(kept) == len(list) {
		return nil
	}
	return r.links.PutConnectedPatients(ctx, caregiverEmail, kept)
}

// RemoveDeleted cascades a confirmed server-side deletion: the patient
// leaves every caregiver's list and its cached profiles are marked stale.
func (r *Registry) RemoveDeleted(ctx context.Context, patientEmail string) error {
	patientEmail = model.NormalizeEmail(patientEmail)

	r.mu.Lock()
	lm, err := r.links.GetLinkMap(ctx)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	var caregivers []string
	for caregiver := range lm.CaregiverPatients {
		if lm.Has(caregiver, patientEmail) {
			caregivers = append(caregivers, caregiver)
		}
	}
	for _, caregiver := range caregivers {
		lm.Unlink(caregiver, patientEmail)
	}
	delete(lm.PatientCaregiver, patientEmail)

	var errs []error
	if err := r.links.PutLinkMap(ctx, lm); err != nil {
		errs = append(errs, fmt.Errorf("%w: %v", repository.ErrNotPersisted, err))
	}
	for _, caregiver := range caregivers {
		if err := r.removeSnapshot(ctx, caregiver, patientEmail); err != nil {
			errs = append(errs, err)
		}
	}
	r.mu.Unlock()

	if err := r.profiles.MarkStale(ctx, patientEmail); err != nil {
		errs = append(errs, err)
	}
	r.logger.Warn("Patient account deleted on server, removed locally", "patient", patientEmail, "caregivers", len(caregivers))
	return errors.Join(errs...)
}
