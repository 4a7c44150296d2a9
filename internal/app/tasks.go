package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jwalitptl/carelink/internal/model"
	"github.com/jwalitptl/carelink/internal/notify"
	"github.com/jwalitptl/carelink/internal/repository"
	"github.com/jwalitptl/carelink/internal/scheduler"
)

// errOffline fails a drain that could not start while ops are waiting, so
// a long outage eventually raises the advisory.
var errOffline = errors.New("server unreachable with pending operations")

func (e *Engine) registerTasks() {
	sc := e.cfg.Scheduler
	caregiver := e.Caregiver.Email

	e.Scheduler.Register(scheduler.Task{
		Name:  scheduler.TaskPendingDrain,
		Every: sc.DrainEvery,
		Guard: scheduler.Guard{Key: repository.LastPendingDrainKey},
		Run:   e.drainPending,
	})
	e.Scheduler.Register(scheduler.Task{
		Name:  scheduler.TaskPatientReload,
		Every: sc.ReloadCheckEvery,
		Guard: scheduler.Guard{Key: repository.LastPatientLoadKey(caregiver), MinGap: sc.ReloadPeriodicGap},
		Run:   e.reloadPatients,
	})
	e.Scheduler.Register(scheduler.Task{
		Name:         scheduler.TaskProfileRefresh,
		Every:        sc.RefreshEvery,
		Guard:        scheduler.Guard{Key: repository.LastDirectSyncTimeKey},
		ScreenScoped: true,
		Run:          e.refreshProfiles,
	})
	e.Scheduler.Register(scheduler.Task{
		Name:  scheduler.TaskLinkVerification,
		Every: sc.VerificationEvery,
		Run:   e.verifyLinks,
	})
}

func (e *Engine) drainPending(ctx context.Context) error {
	report, err := e.Queue.Drain(ctx)
	if err != nil {
		return err
	}
	if report.Stopped && report.Attempted == 0 && report.Remaining > 0 {
		return errOffline
	}
	if report.Failed > 0 {
		return fmt.Errorf("%d of %d pending operations failed", report.Failed, report.Attempted)
	}
	return nil
}

// reloadPatients re-checks the active pointer, then resolves every linked
// patient, refreshes the snapshot list and auto-activates a sole patient.
// The list is read after the check so a cascade it triggers is seen.
func (e *Engine) reloadPatients(ctx context.Context) error {
	caregiver := e.Caregiver.Email
	var errs []error
	if e.Active.Current(ctx) != nil {
		if _, err := e.Active.Validate(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	emails, err := e.Links.ListPatients(ctx, caregiver)
	if err != nil {
		return errors.Join(append(errs, err)...)
	}

	profiles := make([]model.Profile, 0, len(emails))
	for _, email := range emails {
		p := e.Reconciler.Resolve(ctx, email)
		if err := e.Links.UpdateSnapshot(ctx, caregiver, p); err != nil {
			errs = append(errs, err)
		}
		profiles = append(profiles, p)
	}

	if len(profiles) == 1 {
		if _, err := e.Active.AutoActivate(ctx, profiles[0]); err != nil {
			errs = append(errs, err)
		}
	}

	e.Logger.Debug("Reloaded patients", "caregiver", caregiver, "count", len(profiles))
	return errors.Join(errs...)
}

func (e *Engine) refreshProfiles(ctx context.Context) error {
	caregiver := e.Caregiver.Email
	emails, err := e.Links.ListPatients(ctx, caregiver)
	if err != nil {
		return err
	}
	var errs []error
	for _, email := range emails {
		p := e.Reconciler.Refresh(ctx, email)
		if err := e.Links.UpdateSnapshot(ctx, caregiver, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// verifyLinks checks each patient at most once per VerificationGap. A pair
// whose check was inconclusive is retried on the next tick.
func (e *Engine) verifyLinks(ctx context.Context) error {
	emails, err := e.Links.ListPatients(ctx, e.Caregiver.Email)
	if err != nil {
		return err
	}
	var errs []error
	for _, email := range emails {
		key := repository.LastPatientVerificationKey(email)
		last, err := e.Repo.LastRun(ctx, key)
		if err != nil {
			e.Logger.Warn("Failed to read verification token", "patient", email, "error", err.Error())
		}
		now := time.Now()
		if !last.IsZero() && now.Sub(last) < e.cfg.Scheduler.VerificationGap {
			continue
		}
		settled, err := e.verifyPatient(ctx, email)
		if err != nil {
			errs = append(errs, err)
		}
		if settled {
			if err := e.Repo.Touch(ctx, key, now); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// verifyPatient reports whether the server gave a definite answer for the
// patient and applies it.
func (e *Engine) verifyPatient(ctx context.Context, email string) (bool, error) {
	caregiver := e.Caregiver.Email

	exists := e.Links.VerifyPatientExists(ctx, email)
	if exists == model.Invalid {
		e.Logger.Warn("Patient account no longer exists", "caregiver", caregiver, "patient", email)
		errs := []error{e.Links.RemoveDeleted(ctx, email)}
		if _, err := e.Active.ClearOnDelete(ctx, email); err != nil {
			errs = append(errs, err)
		}
		e.notify(ctx, notify.Event{
			Kind:    notify.KindPatientDeleted,
			Patient: email,
			Message: "Patient account was deleted",
		})
		return true, errors.Join(errs...)
	}
	if exists == model.Unknown {
		return false, nil
	}

	connected := e.Links.VerifyConnection(ctx, e.Caregiver.ID, email)
	switch connected {
	case model.Invalid:
		e.Logger.Warn("Patient is no longer connected", "caregiver", caregiver, "patient", email)
		errs := []error{e.Links.DropLocal(ctx, caregiver, email)}
		if _, err := e.Active.ClearOnDelete(ctx, email); err != nil {
			errs = append(errs, err)
		}
		e.notify(ctx, notify.Event{
			Kind:    notify.KindLinkChanged,
			Patient: email,
			Message: "Patient disconnected on the server",
		})
		return true, errors.Join(errs...)
	case model.Valid:
		return true, nil
	}
	return false, nil
}

func (e *Engine) notify(ctx context.Context, event notify.Event) {
	event.Caregiver = e.Caregiver.Email
	event.At = time.Now().UTC()
	if err := e.Notifier.Notify(ctx, event); err != nil {
		e.Logger.Warn("Failed to dispatch event", "kind", string(event.Kind), "error", err.Error())
	}
}
