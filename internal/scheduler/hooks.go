package scheduler

import (
	"context"
	"time"

	"github.com/jwalitptl/carelink/internal/repository"
)

// Task names.
const (
	TaskPendingDrain     = "pending-drain"
	TaskPatientReload    = "patient-reload"
	TaskProfileRefresh   = "profile-refresh"
	TaskLinkVerification = "link-verification"
)

// Gaps holds the throttle windows of the lifecycle triggers.
type Gaps struct {
	// FocusReload skips a focus or login reload younger than this.
	FocusReload time.Duration
	// FocusRefresh skips a focus refresh younger than this.
	FocusRefresh time.Duration
}

func (g Gaps) withDefaults() Gaps {
	if g.FocusReload <= 0 {
		g.FocusReload = 2 * time.Minute
	}
	if g.FocusRefresh <= 0 {
		g.FocusRefresh = 2 * time.Second
	}
	return g
}

// OnForeground drains the pending queue once, ForegroundDelay after the
// app returns to the foreground.
func (s *Scheduler) OnForeground(ctx context.Context) {
	s.After(ctx, s.cfg.ForegroundDelay, TaskPendingDrain)
}

// OnLogin reloads the caregiver's patients unless that happened recently.
func (s *Scheduler) OnLogin(ctx context.Context, caregiverEmail string, gaps Gaps) {
	gaps = gaps.withDefaults()
	s.Go(ctx, TaskPatientReload, &Guard{Key: repository.LastFocusPatientLoadKey(caregiverEmail), MinGap: gaps.FocusReload})
}

// OnFocus runs when a caregiver screen regains focus: a throttled patient
// reload and a throttled profile refresh.
func (s *Scheduler) OnFocus(ctx context.Context, caregiverEmail string, gaps Gaps) {
	gaps = gaps.withDefaults()
	s.Go(ctx, TaskPatientReload, &Guard{Key: repository.LastFocusPatientLoadKey(caregiverEmail), MinGap: gaps.FocusReload})
	s.Go(ctx, TaskProfileRefresh, &Guard{Key: repository.LastDirectSyncTimeKey, MinGap: gaps.FocusRefresh})
}
