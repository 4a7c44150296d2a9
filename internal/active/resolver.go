// Package active owns the caregiver's active patient: the single patient
// their actions currently target.
package active

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jwalitptl/carelink/internal/model"
	"github.com/jwalitptl/carelink/internal/notify"
	"github.com/jwalitptl/carelink/internal/repository"
	"github.com/jwalitptl/carelink/pkg/logger"
	"github.com/jwalitptl/carelink/pkg/metrics"
)

type State string

const (
	StateEmpty  State = "empty"
	StateActive State = "active"
)

// Transition names, also used as metric labels.
const (
	TransitionSet          = "set"
	TransitionAutoActivate = "auto_activate"
	TransitionDeactivate   = "deactivate"
	TransitionNotLinked    = "cleared_not_linked"
	TransitionDeleted      = "cleared_deleted"
	TransitionDisconnected = "cleared_disconnected"
	TransitionClearDeleted = "cleared_on_delete"
)

// Links is the part of the link registry the resolver consults.
type Links interface {
	ListPatients(ctx context.Context, caregiverEmail string) ([]string, error)
	VerifyPatientExists(ctx context.Context, email string) model.Verdict
	VerifyConnection(ctx context.Context, caregiverID, email string) model.Verdict
	RemoveDeleted(ctx context.Context, patientEmail string) error
	DropLocal(ctx context.Context, caregiverEmail, patientEmail string) error
}

const DefaultSuppressWindow = 5 * time.Second

// Resolver is the active patient state machine of one caregiver:
//
//	Empty  --SetActive/AutoActivate-->  Active
//	Active --SetActive-->               Active (new patient)
//	Active --Deactivate-->              Empty (auto activation suppressed)
//	Active --Validate/ClearOnDelete-->  Empty
type Resolver struct {
	caregiver model.Identity
	pointers  repository.ActivePointerRepository
	throttle  repository.ThrottleRepository
	links     Links
	notifier  notify.Notifier
	logger    *logger.Logger
	metrics   *metrics.Metrics
	suppress  time.Duration
	now       func() time.Time

	mu      sync.Mutex
	loaded  bool
	pointer *model.ActivePointer
	// pending holds transition events until mu is released.
	pending []notify.Event
}

func NewResolver(
	caregiver model.Identity,
	pointers repository.ActivePointerRepository,
	throttle repository.ThrottleRepository,
	links Links,
	notifier notify.Notifier,
	suppress time.Duration,
	log *logger.Logger,
	m *metrics.Metrics,
) *Resolver {
	if suppress <= 0 {
		suppress = DefaultSuppressWindow
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if log == nil {
		log = logger.Nop()
	}
	caregiver.Email = model.NormalizeEmail(caregiver.Email)
	return &Resolver{
		caregiver: caregiver,
		pointers:  pointers,
		throttle:  throttle,
		links:     links,
		notifier:  notifier,
		logger:    log.With("active"),
		metrics:   m,
		suppress:  suppress,
		now:       time.Now,
	}
}

// load reads the persisted pointer once. Callers hold mu.
func (r *Resolver) load(ctx context.Context) {
	if r.loaded {
		return
	}
	ptr, err := r.pointers.GetActivePointer(ctx, r.caregiver.Email)
	if err != nil {
		r.logger.Warn("Failed to load active patient", "error", err.Error())
		return
	}
	r.pointer = ptr
	r.loaded = true
}

// Current returns the active patient, or nil when the state is Empty.
func (r *Resolver) Current(ctx context.Context) *model.ActivePointer {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.load(ctx)
	if r.pointer == nil {
		return nil
	}
	cp := *r.pointer
	return &cp
}

func (r *Resolver) State(ctx context.Context) State {
	if r.Current(ctx) == nil {
		return StateEmpty
	}
	return StateActive
}

// SetActive makes profile the active patient. The transition always takes
// effect; a wrapped repository.ErrNotPersisted reports that it will not
// survive a restart.
func (r *Resolver) SetActive(ctx context.Context, profile model.Profile) error {
	r.mu.Lock()
	defer r.unlock(ctx)
	r.load(ctx)

	var errs []error
	if err := r.throttle.SetSuppressUntil(ctx, time.Time{}); err != nil {
		errs = append(errs, err)
	}
	if err := r.set(ctx, profile, TransitionSet); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %v", repository.ErrNotPersisted, errs)
	}
	return nil
}

// AutoActivate is the background path: it only fills an Empty pointer and
// is refused inside the suppress window that follows a Deactivate.
func (r *Resolver) AutoActivate(ctx context.Context, profile model.Profile) (bool, error) {
	r.mu.Lock()
	defer r.unlock(ctx)
	r.load(ctx)

	if r.pointer != nil {
		return false, nil
	}
	until, err := r.throttle.SuppressUntil(ctx)
	if err != nil {
		r.logger.Warn("Failed to read suppress window", "error", err.Error())
	}
	if r.now().Before(until) {
		r.logger.Debug("Auto activation suppressed", "patient", profile.Email, "until", until)
		return false, nil
	}
	if err := r.set(ctx, profile, TransitionAutoActivate); err != nil {
		return true, fmt.Errorf("%w: %v", repository.ErrNotPersisted, err)
	}
	return true, nil
}

// Deactivate clears the pointer and suppresses auto activation for the
// suppress window so a concurrent background pass cannot undo it.
func (r *Resolver) Deactivate(ctx context.Context) error {
	r.mu.Lock()
	defer r.unlock(ctx)
	r.load(ctx)

	var errs []error
	if err := r.throttle.SetSuppressUntil(ctx, r.now().Add(r.suppress)); err != nil {
		errs = append(errs, err)
	}
	prev := r.pointer.Email()
	if err := r.clear(ctx, TransitionDeactivate, prev); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %v", repository.ErrNotPersisted, errs)
	}
	return nil
}

// ClearOnDelete clears the pointer if it targets email. It ignores the
// suppress window.
func (r *Resolver) ClearOnDelete(ctx context.Context, email string) (bool, error) {
	return r.clearIf(ctx, model.NormalizeEmail(email), TransitionClearDeleted)
}

func (r *Resolver) clearIf(ctx context.Context, email, transition string) (bool, error) {
	r.mu.Lock()
	defer r.unlock(ctx)
	r.load(ctx)

	if r.pointer == nil || r.pointer.Email() != email {
		return false, nil
	}
	if err := r.clear(ctx, transition, email); err != nil {
		return true, fmt.Errorf("%w: %v", repository.ErrNotPersisted, err)
	}
	return true, nil
}

// Validate checks the active patient against the link registry and the
// server. Only explicit Invalid verdicts clear the pointer; Unknown leaves
// it untouched. It reports whether the pointer was cleared.
func (r *Resolver) Validate(ctx context.Context) (bool, error) {
	ptr := r.Current(ctx)
	if ptr == nil {
		return false, nil
	}
	email := ptr.Email()

	patients, err := r.links.ListPatients(ctx, r.caregiver.Email)
	if err != nil {
		return false, fmt.Errorf("failed to list patients: %w", err)
	}
	if !contains(patients, email) {
		return r.clearIf(ctx, email, TransitionNotLinked)
	}

	exists := r.links.VerifyPatientExists(ctx, email)
	if !model.Optimistic(exists) {
		if err := r.links.RemoveDeleted(ctx, email); err != nil {
			r.logger.Warn("Failed to remove deleted patient", "patient", email, "error", err.Error())
		}
		r.dispatch(ctx, notify.Event{
			Kind:      notify.KindPatientDeleted,
			Caregiver: r.caregiver.Email,
			Patient:   email,
			Message:   "Patient account no longer exists",
		})
		return r.clearIf(ctx, email, TransitionDeleted)
	}

	connected := r.links.VerifyConnection(ctx, r.caregiver.ID, email)
	if !model.Optimistic(connected) {
		if err := r.links.DropLocal(ctx, r.caregiver.Email, email); err != nil {
			r.logger.Warn("Failed to drop stale link", "patient", email, "error", err.Error())
		}
		return r.clearIf(ctx, email, TransitionDisconnected)
	}

	if exists == model.Unknown || connected == model.Unknown {
		r.logger.Debug("Active patient kept without server confirmation", "patient", email)
	}
	return false, nil
}

// set and clear run with mu held.
func (r *Resolver) set(ctx context.Context, profile model.Profile, transition string) error {
	ptr := &model.ActivePointer{Profile: profile.Normalized(), SetAt: r.now().UTC()}
	r.pointer = ptr
	r.loaded = true
	r.record(transition, ptr.Email())
	return r.pointers.PutActivePointer(ctx, r.caregiver.Email, ptr)
}

func (r *Resolver) clear(ctx context.Context, transition, email string) error {
	wasActive := r.pointer != nil
	r.pointer = nil
	r.loaded = true
	if wasActive {
		r.record(transition, email)
	}
	return r.pointers.ClearActivePointer(ctx, r.caregiver.Email)
}

// record runs with mu held; the event goes out in unlock.
func (r *Resolver) record(transition, email string) {
	if r.metrics != nil {
		r.metrics.ActiveTransitions.WithLabelValues(transition).Inc()
	}
	r.logger.Info("Active patient transition", "transition", transition, "caregiver", r.caregiver.Email, "patient", email)
	r.pending = append(r.pending, notify.Event{
		Kind:      notify.KindActiveChanged,
		Caregiver: r.caregiver.Email,
		Patient:   email,
		Message:   "Active patient " + transition,
		At:        r.now().UTC(),
	})
}

// unlock releases mu and then dispatches the events recorded under it, so a
// slow notifier never blocks readers of the pointer.
func (r *Resolver) unlock(ctx context.Context) {
	pending := r.pending
	r.pending = nil
	r.mu.Unlock()
	for _, e := range pending {
		r.dispatch(ctx, e)
	}
}

func (r *Resolver) dispatch(ctx context.Context, e notify.Event) {
	if e.At.IsZero() {
		e.At = r.now().UTC()
	}
	if err := r.notifier.Notify(ctx, e); err != nil {
		r.logger.Warn("Failed to dispatch notification", "kind", string(e.Kind), "error", err.Error())
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
