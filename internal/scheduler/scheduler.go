// Package scheduler runs the engine's background tasks. Each task has a
// name, an optional cadence and a throttle guard persisted in the local
// store so throttling survives restarts.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jwalitptl/carelink/internal/notify"
	"github.com/jwalitptl/carelink/internal/repository"
	"github.com/jwalitptl/carelink/pkg/logger"
	"github.com/jwalitptl/carelink/pkg/metrics"
)

// Guard skips a run when the token stored under Key is younger than MinGap.
// A zero Guard never skips.
type Guard struct {
	Key    string
	MinGap time.Duration
}

type Task struct {
	Name string
	// Every is the cadence of the periodic loop; zero means trigger only.
	Every time.Duration
	// Guard applies to periodic runs and to triggers that pass no guard.
	Guard Guard
	// ScreenScoped tasks only loop while mounted; others loop from Start.
	ScreenScoped bool
	Run          func(ctx context.Context) error
}

// Status is a snapshot of one task.
type Status struct {
	Name                string
	LastRun             time.Time
	NextRun             time.Time
	Running             bool
	ConsecutiveFailures int
	LastError           string
}

type task struct {
	Task
	running atomic.Bool

	mu        sync.Mutex
	lastRun   time.Time
	nextRun   time.Time
	failures  int
	lastError string
	advised   bool
}

type Config struct {
	// AdvisoryThreshold consecutive failures raise one advisory.
	AdvisoryThreshold int
	// ForegroundDelay is the wait between OnForeground and the drain.
	ForegroundDelay time.Duration
}

type Scheduler struct {
	cfg      Config
	throttle repository.ThrottleRepository
	notifier notify.Notifier
	logger   *logger.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu    sync.RWMutex
	tasks map[string]*task
	wg    sync.WaitGroup
}

func New(cfg Config, throttle repository.ThrottleRepository, notifier notify.Notifier, log *logger.Logger, m *metrics.Metrics) *Scheduler {
	if cfg.AdvisoryThreshold <= 0 {
		cfg.AdvisoryThreshold = 3
	}
	if cfg.ForegroundDelay <= 0 {
		cfg.ForegroundDelay = 5 * time.Second
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Scheduler{
		cfg:      cfg,
		throttle: throttle,
		notifier: notifier,
		logger:   log.With("scheduler"),
		metrics:  m,
		now:      time.Now,
		tasks:    make(map[string]*task),
	}
}

// Register adds or replaces a task. It must be called before Start.
func (s *Scheduler) Register(t Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.Name] = &task{Task: t}
}

func (s *Scheduler) task(name string) (*task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[name]
	if !ok {
		return nil, fmt.Errorf("unknown task %q", name)
	}
	return t, nil
}

// Start launches the periodic loop of every app-scoped task. The loops stop
// when ctx is done; Wait blocks until they have.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tasks {
		if t.Every > 0 && !t.ScreenScoped {
			s.loop(ctx, t)
		}
	}
}

// Mount starts the periodic loop of a screen-scoped task and returns the
// func that stops it.
func (s *Scheduler) Mount(ctx context.Context, name string) (func(), error) {
	t, err := s.task(name)
	if err != nil {
		return nil, err
	}
	if t.Every <= 0 {
		return nil, fmt.Errorf("task %q has no cadence", name)
	}
	ctx, cancel := context.WithCancel(ctx)
	s.loop(ctx, t)
	return cancel, nil
}

func (s *Scheduler) loop(ctx context.Context, t *task) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(t.Every)
		defer ticker.Stop()

		t.setNext(s.now().Add(t.Every))
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.setNext(s.now().Add(t.Every))
				if _, err := s.run(ctx, t, t.Guard); err != nil {
					s.logger.Debug("Periodic task failed", "task", t.Name, "error", err.Error())
				}
			}
		}
	}()
}

// Wait blocks until every loop has stopped.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Trigger runs the task now unless its default guard or an overlapping run
// says otherwise. It reports whether the task ran.
func (s *Scheduler) Trigger(ctx context.Context, name string) (bool, error) {
	t, err := s.task(name)
	if err != nil {
		return false, err
	}
	return s.run(ctx, t, t.Guard)
}

// TriggerWith runs the task under a different guard, e.g. the focus path of
// the patient reload.
func (s *Scheduler) TriggerWith(ctx context.Context, name string, guard Guard) (bool, error) {
	t, err := s.task(name)
	if err != nil {
		return false, err
	}
	return s.run(ctx, t, guard)
}

// Go is Trigger in the background. Failures are logged.
func (s *Scheduler) Go(ctx context.Context, name string, guard *Guard) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		var err error
		if guard != nil {
			_, err = s.TriggerWith(ctx, name, *guard)
		} else {
			_, err = s.Trigger(ctx, name)
		}
		if err != nil {
			s.logger.Debug("Triggered task failed", "task", name, "error", err.Error())
		}
	}()
}

// After triggers name once after delay unless ctx ends first.
func (s *Scheduler) After(ctx context.Context, delay time.Duration, name string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if _, err := s.Trigger(ctx, name); err != nil {
			s.logger.Debug("Delayed task failed", "task", name, "error", err.Error())
		}
	}()
}

func (s *Scheduler) run(ctx context.Context, t *task, guard Guard) (bool, error) {
	if !t.running.CompareAndSwap(false, true) {
		s.skipped(t.Name, "overlap")
		return false, nil
	}
	defer t.running.Store(false)

	now := s.now()
	if guard.Key != "" && guard.MinGap > 0 {
		last, err := s.throttle.LastRun(ctx, guard.Key)
		if err != nil {
			s.logger.Warn("Failed to read throttle token", "task", t.Name, "key", guard.Key, "error", err.Error())
		}
		if !last.IsZero() && now.Sub(last) < guard.MinGap {
			s.skipped(t.Name, "throttled")
			return false, nil
		}
	}
	// Tokens are written before the run so a concurrent trigger from
	// another component sees them.
	for _, key := range uniqueKeys(guard.Key, t.Guard.Key) {
		if err := s.throttle.Touch(ctx, key, now); err != nil {
			s.logger.Warn("Failed to write throttle token", "task", t.Name, "key", key, "error", err.Error())
		}
	}

	err := t.Run(ctx)
	s.finish(ctx, t, now, err)
	return true, err
}

func uniqueKeys(a, b string) []string {
	switch {
	case a == "" && b == "":
		return nil
	case a == "" || a == b:
		return []string{b}
	case b == "":
		return []string{a}
	}
	return []string{a, b}
}

func (s *Scheduler) finish(ctx context.Context, t *task, started time.Time, err error) {
	t.mu.Lock()
	t.lastRun = started
	var advise, recovered bool
	failures := 0
	if err != nil {
		t.failures++
		t.lastError = err.Error()
		failures = t.failures
		if t.failures >= s.cfg.AdvisoryThreshold && !t.advised {
			t.advised = true
			advise = true
		}
	} else {
		recovered = t.advised
		t.failures = 0
		t.lastError = ""
		t.advised = false
	}
	t.mu.Unlock()

	status := "success"
	if err != nil {
		status = "error"
		s.logger.Warn("Task failed", "task", t.Name, "consecutive_failures", failures, "error", err.Error())
	}
	if s.metrics != nil {
		s.metrics.TaskRuns.WithLabelValues(t.Name, status).Inc()
	}

	if advise {
		s.dispatch(ctx, notify.Event{
			Kind:    notify.KindAdvisory,
			Task:    t.Name,
			Message: fmt.Sprintf("Background sync is failing (%d attempts): %v", failures, err),
		})
	}
	if recovered {
		s.dispatch(ctx, notify.Event{Kind: notify.KindRecovered, Task: t.Name, Message: "Background sync recovered"})
	}
}

func (s *Scheduler) dispatch(ctx context.Context, e notify.Event) {
	e.At = s.now().UTC()
	if err := s.notifier.Notify(ctx, e); err != nil {
		s.logger.Warn("Failed to dispatch advisory", "task", e.Task, "error", err.Error())
	}
}

func (s *Scheduler) skipped(name, reason string) {
	if s.metrics != nil {
		s.metrics.TaskSkipped.WithLabelValues(name).Inc()
	}
	s.logger.Debug("Task skipped", "task", name, "reason", reason)
}

func (t *task) setNext(at time.Time) {
	t.mu.Lock()
	t.nextRun = at
	t.mu.Unlock()
}

// Status reports LastRun and NextRun of a task. LastRun falls back to the
// persisted guard token so it is meaningful right after a restart.
func (s *Scheduler) Status(ctx context.Context, name string) (Status, error) {
	t, err := s.task(name)
	if err != nil {
		return Status{}, err
	}
	t.mu.Lock()
	st := Status{
		Name:                t.Name,
		LastRun:             t.lastRun,
		NextRun:             t.nextRun,
		Running:             t.running.Load(),
		ConsecutiveFailures: t.failures,
		LastError:           t.lastError,
	}
	t.mu.Unlock()

	if st.LastRun.IsZero() && t.Guard.Key != "" {
		if last, err := s.throttle.LastRun(ctx, t.Guard.Key); err == nil {
			st.LastRun = last
		}
	}
	if st.NextRun.IsZero() && t.Guard.MinGap > 0 {
		st.NextRun = st.LastRun.Add(t.Guard.MinGap)
		if st.LastRun.IsZero() {
			st.NextRun = s.now()
		}
	}
	return st, nil
}

// Statuses reports every task, sorted by name.
func (s *Scheduler) Statuses(ctx context.Context) []Status {
	s.mu.RLock()
	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)

	out := make([]Status, 0, len(names))
	for _, name := range names {
		if st, err := s.Status(ctx, name); err == nil {
			out = append(out, st)
		}
	}
	return out
}

// ForegroundDelay is the configured wait before the foreground drain.
func (s *Scheduler) ForegroundDelay() time.Duration {
	return s.cfg.ForegroundDelay
}
