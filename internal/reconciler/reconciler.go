// Package reconciler merges the redundant copies of a profile into one
// canonical profile and writes it back everywhere.
package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/jwalitptl/carelink/internal/model"
	"github.com/jwalitptl/carelink/internal/repository"
	apperrors "github.com/jwalitptl/carelink/pkg/errors"
	"github.com/jwalitptl/carelink/pkg/logger"
	"github.com/jwalitptl/carelink/pkg/metrics"
)

// Sources a winning profile can come from, used as metric labels.
const (
	SourceSelf        = "self"
	SourceRemote      = "remote"
	SourceDirect      = "direct"
	SourceSynced      = "synced"
	SourceFormatted   = "formatted"
	SourceScan        = "scan"
	SourcePlaceholder = "placeholder"
)

type Reachability interface {
	IsReachable(ctx context.Context) bool
}

// ProfileServer is the part of the remote client the reconciler uses.
type ProfileServer interface {
	LookupProfile(ctx context.Context, email string) (*model.Profile, error)
	RegisterProfile(ctx context.Context, profile model.Profile) error
}

type Enqueuer interface {
	Enqueue(ctx context.Context, op *model.PendingOp) error
}

type Reconciler struct {
	profiles repository.ProfileRepository
	links    repository.LinkRepository
	prober   Reachability
	server   ProfileServer
	queue    Enqueuer
	logger   *logger.Logger
	metrics  *metrics.Metrics
	group    singleflight.Group
	now      func() time.Time
}

func New(
	profiles repository.ProfileRepository,
	links repository.LinkRepository,
	prober Reachability,
	server ProfileServer,
	queue Enqueuer,
	log *logger.Logger,
	m *metrics.Metrics,
) *Reconciler {
	if log == nil {
		log = logger.Nop()
	}
	return &Reconciler{
		profiles: profiles,
		links:    links,
		prober:   prober,
		server:   server,
		queue:    queue,
		logger:   log.With("reconciler"),
		metrics:  m,
		now:      time.Now,
	}
}

// lookup is the outcome of asking the server for a profile.
type lookup struct {
	asked   bool
	profile *model.Profile
	err     error
}

func (l lookup) missing() bool {
	return l.asked && apperrors.IsNotFound(l.err)
}

// Resolve returns the canonical profile for email. It never fails: when no
// source knows the email a stable placeholder is returned. The result is
// written to every local slot and, when reachable, posted to the server.
func (r *Reconciler) Resolve(ctx context.Context, email string) model.Profile {
	email = model.NormalizeEmail(email)
	v, _, _ := r.group.Do("resolve:"+email, func() (interface{}, error) {
		return r.resolve(ctx, email, lookup{}), nil
	})
	return v.(model.Profile)
}

// Refresh is Resolve for the periodic sweep: a server copy strictly newer
// than the local winner replaces it.
func (r *Reconciler) Refresh(ctx context.Context, email string) model.Profile {
	email = model.NormalizeEmail(email)
	v, _, _ := r.group.Do("refresh:"+email, func() (interface{}, error) {
		return r.refresh(ctx, email), nil
	})
	return v.(model.Profile)
}

func (r *Reconciler) refresh(ctx context.Context, email string) model.Profile {
	if !r.prober.IsReachable(ctx) {
		return r.resolve(ctx, email, lookup{})
	}
	remote, err := r.server.LookupProfile(ctx, email)
	l := lookup{asked: true, profile: remote, err: err}
	if err != nil || !remote.HasUsableName() {
		return r.resolve(ctx, email, l)
	}

	locals := r.localCandidates(ctx, email)
	var best *model.Profile
	for _, c := range locals {
		if c.profile.HasUsableName() {
			best = c.profile
			break
		}
	}
	if best != nil && !remote.LastUpdate.After(best.LastUpdate) {
		return r.resolve(ctx, email, l)
	}

	start := r.now()
	canonical := *remote
	canonical.Email = email
	for _, c := range locals {
		canonical.FillFrom(c.profile)
	}
	canonical = r.finish(canonical)
	r.writeBack(ctx, canonical)
	r.observe(SourceRemote, start)
	r.logger.Debug("Adopted newer server profile", "email", email)
	return canonical
}

type candidate struct {
	source  string
	profile *model.Profile
}

func slotSource(slot repository.Slot) string {
	switch slot {
	case repository.SlotSelf:
		return SourceSelf
	case repository.SlotDirect:
		return SourceDirect
	case repository.SlotSynced:
		return SourceSynced
	}
	return SourceFormatted
}

// localCandidates reads every local slot in priority order. Corrupt slots
// are already deleted by the repository and are skipped here.
func (r *Reconciler) localCandidates(ctx context.Context, email string) []candidate {
	out := make([]candidate, 0, len(repository.ProfileSlots))
	for _, slot := range repository.ProfileSlots {
		p, err := r.profiles.GetProfile(ctx, slot, email)
		switch {
		case err == nil:
			out = append(out, candidate{source: slotSource(slot), profile: p})
		case apperrors.IsCorrupt(err):
			if r.metrics != nil {
				r.metrics.CorruptEntries.Inc()
			}
		case !apperrors.IsNotFound(err):
			r.logger.Warn("Failed to read profile slot", "slot", slot.String(), "email", email, "error", err.Error())
		}
	}
	return out
}

func (r *Reconciler) resolve(ctx context.Context, email string, l lookup) model.Profile {
	start := r.now()
	locals := r.localCandidates(ctx, email)

	all := make([]candidate, 0, len(locals)+2)
	// Slot 1 outranks the server.
	if len(locals) > 0 && locals[0].source == SourceSelf {
		all = append(all, locals[0])
		locals = locals[1:]
	}
	if !first(all).profile.HasUsableName() && !l.asked && r.prober.IsReachable(ctx) {
		p, err := r.server.LookupProfile(ctx, email)
		l = lookup{asked: true, profile: p, err: err}
	}
	if l.asked && l.err == nil && l.profile != nil {
		all = append(all, candidate{source: SourceRemote, profile: l.profile})
	} else if l.asked && l.err != nil && !apperrors.IsNotFound(l.err) {
		r.logger.Debug("Server profile lookup failed", "email", email, "error", l.err.Error())
	}
	all = append(all, locals...)

	winner := pick(all)
	if winner == nil {
		scanned, err := r.profiles.ScanProfiles(ctx, email)
		if err != nil {
			r.logger.Warn("Profile scan failed", "email", email, "error", err.Error())
		}
		for i := range scanned {
			c := candidate{source: SourceScan, profile: &scanned[i].Profile}
			all = append(all, c)
			if winner == nil && c.profile.HasUsableName() {
				winner = &c
			}
		}
	}
	if winner == nil {
		winner = r.placeholder(email, all)
	}

	canonical := *winner.profile
	canonical.Email = email
	for _, c := range all {
		canonical.FillFrom(c.profile)
	}
	canonical = r.finish(canonical)
	// A copy confirmed deleted stays stale until the server knows it again.
	canonical.Stale = winner.profile.Stale && !(l.asked && l.err == nil)
	r.writeBack(ctx, canonical)

	r.publish(ctx, canonical, l)
	r.observe(winner.source, start)
	return canonical
}

func first(cs []candidate) candidate {
	if len(cs) == 0 {
		return candidate{}
	}
	return cs[0]
}

// pick returns the first candidate with a usable name.
func pick(cs []candidate) *candidate {
	for i := range cs {
		if cs[i].profile.HasUsableName() {
			return &cs[i]
		}
	}
	return nil
}

// placeholder reuses a previously synthesized profile so repeated resolves
// of an unknown email agree on its ID.
func (r *Reconciler) placeholder(email string, cs []candidate) *candidate {
	for i := range cs {
		if cs[i].profile.IsPlaceholder() {
			return &candidate{source: SourcePlaceholder, profile: cs[i].profile}
		}
	}
	return &candidate{source: SourcePlaceholder, profile: &model.Profile{
		ID:         uuid.NewString(),
		Email:      email,
		Name:       model.PlaceholderName,
		LastUpdate: r.now(),
	}}
}

// finish normalizes the canonical profile. LastUpdate is only set when no
// source carried one, so a second resolve reproduces the first.
func (r *Reconciler) finish(p model.Profile) model.Profile {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.LastUpdate.IsZero() {
		p.LastUpdate = r.now()
	}
	p.Stale = false
	return p.Normalized()
}

// writeBack stores canonical in every local slot and in the connected
// patient snapshots that list it. Failures are logged and ignored.
func (r *Reconciler) writeBack(ctx context.Context, canonical model.Profile) {
	if err := r.profiles.PutCanonical(ctx, &canonical); err != nil {
		r.logger.Warn("Failed to persist canonical profile", "email", canonical.Email, "error", err.Error())
	}
	if err := r.updateSnapshots(ctx, canonical); err != nil {
		r.logger.Warn("Failed to update patient snapshot", "email", canonical.Email, "error", err.Error())
	}
}

func (r *Reconciler) updateSnapshots(ctx context.Context, canonical model.Profile) error {
	if r.links == nil {
		return nil
	}
	lm, err := r.links.GetLinkMap(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for caregiver := range lm.CaregiverPatients {
		if !lm.Has(caregiver, canonical.Email) {
			continue
		}
		list, err := r.links.GetConnectedPatients(ctx, caregiver)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		updated, changed := model.ReplaceSnapshot(list, canonical)
		if !changed {
			continue
		}
		if err := r.links.PutConnectedPatients(ctx, caregiver, updated); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// publish posts canonical to a reachable server unless the server already
// returned exactly this profile. A missing server profile is always
// registered. Stale profiles and unsaved placeholders are never posted.
func (r *Reconciler) publish(ctx context.Context, canonical model.Profile, l lookup) {
	switch {
	case canonical.Stale:
	case l.missing():
		r.share(ctx, canonical)
	case l.asked && l.err == nil && l.profile != nil:
		if !sameProfile(canonical, l.profile.Normalized()) {
			r.share(ctx, canonical)
		}
	case !l.asked && !canonical.IsPlaceholder() && r.prober.IsReachable(ctx):
		r.share(ctx, canonical)
	}
}

func sameProfile(a, b model.Profile) bool {
	return a.ID == b.ID &&
		a.Email == b.Email &&
		a.Name == b.Name &&
		a.ProfileImage == b.ProfileImage &&
		a.Phone == b.Phone &&
		a.MedicalInfo == b.MedicalInfo &&
		a.LastUpdate.Equal(b.LastUpdate)
}

// share registers canonical with the server, queueing it on failure.
func (r *Reconciler) share(ctx context.Context, canonical model.Profile) {
	err := r.server.RegisterProfile(ctx, canonical)
	if err == nil {
		r.logger.Debug("Shared profile with server", "email", canonical.Email)
		return
	}
	if apperrors.IsAuthoritative(err) {
		r.logger.Warn("Server refused profile registration", "email", canonical.Email, "error", err.Error())
		return
	}
	r.enqueueShare(ctx, canonical)
}

func (r *Reconciler) enqueueShare(ctx context.Context, canonical model.Profile) {
	if r.queue == nil {
		return
	}
	payload, err := json.Marshal(canonical)
	if err != nil {
		r.logger.Error(err, "Failed to encode profile for sharing", "email", canonical.Email)
		return
	}
	op := &model.PendingOp{
		Kind:        model.OpShareProfile,
		SourceEmail: canonical.Email,
		TargetEmail: canonical.Email,
		Payload:     payload,
	}
	if err := r.queue.Enqueue(ctx, op); err != nil {
		r.logger.Warn("Failed to queue profile share", "email", canonical.Email, "error", err.Error())
	}
}

// SaveOwn stores an edit made by the profile's owner and shares it with the
// server. The returned error only reports local persistence failures.
func (r *Reconciler) SaveOwn(ctx context.Context, profile model.Profile) (model.Profile, error) {
	profile.LastUpdate = r.now()
	canonical := r.finish(profile)
	if canonical.Email == "" {
		return canonical, apperrors.BadRequest("profile without email", nil)
	}

	err := r.profiles.PutCanonical(ctx, &canonical)
	if snapErr := r.updateSnapshots(ctx, canonical); snapErr != nil {
		r.logger.Warn("Failed to update patient snapshot", "email", canonical.Email, "error", snapErr.Error())
	}

	if r.prober.IsReachable(ctx) {
		r.share(ctx, canonical)
	} else {
		r.enqueueShare(ctx, canonical)
	}
	return canonical, err
}

func (r *Reconciler) observe(source string, start time.Time) {
	if r.metrics == nil {
		return
	}
	r.metrics.ReconcileTotal.WithLabelValues(source).Inc()
	r.metrics.ReconcileDuration.Observe(r.now().Sub(start).Seconds())
}
