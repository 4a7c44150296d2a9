package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/carelink/internal/notify"
	"github.com/jwalitptl/carelink/internal/repository"
	"github.com/jwalitptl/carelink/internal/repository/kv"
	"github.com/jwalitptl/carelink/internal/store"
	"github.com/jwalitptl/carelink/pkg/metrics"
)

type events struct {
	mu  sync.Mutex
	got []notify.Event
}

func (e *events) Notify(_ context.Context, ev notify.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.got = append(e.got, ev)
	return nil
}

func (e *events) kinds() []notify.Kind {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []notify.Kind
	for _, ev := range e.got {
		out = append(out, ev.Kind)
	}
	return out
}

func newScheduler(t *testing.T) (*Scheduler, *kv.Repository, *events) {
	t.Helper()
	repo := kv.NewRepository(store.NewMemoryStore("test"), nil)
	ev := &events{}
	s := New(Config{AdvisoryThreshold: 2, ForegroundDelay: 20 * time.Millisecond}, repo, ev, nil, metrics.New("test"))
	return s, repo, ev
}

func TestGuardThrottlesAcrossRestarts(t *testing.T) {
	ctx := context.Background()
	s, repo, _ := newScheduler(t)
	var runs int32
	key := repository.LastPatientLoadKey("care@x.com")
	s.Register(Task{Name: TaskPatientReload, Guard: Guard{Key: key, MinGap: 5 * time.Minute}, Run: func(context.Context) error {
		atomic.AddInt32(&runs, 1)
		return nil
	}})

	ran, err := s.Trigger(ctx, TaskPatientReload)
	require.NoError(t, err)
	assert.True(t, ran)
	ran, err = s.Trigger(ctx, TaskPatientReload)
	require.NoError(t, err)
	assert.False(t, ran)

	restarted := New(Config{}, repo, nil, nil, nil)
	restarted.Register(Task{Name: TaskPatientReload, Guard: Guard{Key: key, MinGap: 5 * time.Minute}, Run: func(context.Context) error {
		atomic.AddInt32(&runs, 1)
		return nil
	}})
	ran, err = restarted.Trigger(ctx, TaskPatientReload)
	require.NoError(t, err)
	assert.False(t, ran, "token persisted in the store")

	restarted.now = func() time.Time { return time.Now().Add(6 * time.Minute) }
	ran, err = restarted.Trigger(ctx, TaskPatientReload)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, int32(2), atomic.LoadInt32(&runs))
}

func TestTaskNeverOverlapsItself(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newScheduler(t)
	release := make(chan struct{})
	started := make(chan struct{})
	var runs int32
	s.Register(Task{Name: "slow", Run: func(context.Context) error {
		if atomic.AddInt32(&runs, 1) == 1 {
			close(started)
		}
		<-release
		return nil
	}})

	done := make(chan bool)
	go func() {
		ran, _ := s.Trigger(ctx, "slow")
		done <- ran
	}()
	<-started

	ran, err := s.Trigger(ctx, "slow")
	require.NoError(t, err)
	assert.False(t, ran)

	close(release)
	assert.True(t, <-done)
	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))
}

func TestAdvisoryRaisedOnceAndRecovery(t *testing.T) {
	ctx := context.Background()
	s, _, ev := newScheduler(t)
	fail := true
	s.Register(Task{Name: TaskPendingDrain, Run: func(context.Context) error {
		if fail {
			return errors.New("server unreachable")
		}
		return nil
	}})

	for i := 0; i < 4; i++ {
		_, err := s.Trigger(ctx, TaskPendingDrain)
		assert.Error(t, err)
	}
	assert.Equal(t, []notify.Kind{notify.KindAdvisory}, ev.kinds())

	st, err := s.Status(ctx, TaskPendingDrain)
	require.NoError(t, err)
	assert.Equal(t, 4, st.ConsecutiveFailures)
	assert.Contains(t, st.LastError, "unreachable")

	fail = false
	_, err = s.Trigger(ctx, TaskPendingDrain)
	require.NoError(t, err)
	assert.Equal(t, []notify.Kind{notify.KindAdvisory, notify.KindRecovered}, ev.kinds())
}

func TestStartRunsPeriodicTasksUntilCancelled(t *testing.T) {
	s, _, _ := newScheduler(t)
	var app, screen int32
	s.Register(Task{Name: "app", Every: 10 * time.Millisecond, Run: func(context.Context) error {
		atomic.AddInt32(&app, 1)
		return nil
	}})
	s.Register(Task{Name: "screen", Every: 10 * time.Millisecond, ScreenScoped: true, Run: func(context.Context) error {
		atomic.AddInt32(&screen, 1)
		return nil
	}})

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&app) >= 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&screen), "screen tasks wait for Mount")

	unmount, err := s.Mount(ctx, "screen")
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&screen) >= 2 }, time.Second, 5*time.Millisecond)
	unmount()

	cancel()
	s.Wait()
	after := atomic.LoadInt32(&screen)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, atomic.LoadInt32(&screen))
}

func TestOnForegroundDrainsAfterDelay(t *testing.T) {
	s, _, _ := newScheduler(t)
	var runs int32
	s.Register(Task{Name: TaskPendingDrain, Run: func(context.Context) error {
		atomic.AddInt32(&runs, 1)
		return nil
	}})

	s.OnForeground(context.Background())
	assert.Equal(t, int32(0), atomic.LoadInt32(&runs))
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&runs) == 1 }, time.Second, 5*time.Millisecond)
}

func TestOnFocusUsesFocusGuards(t *testing.T) {
	ctx := context.Background()
	s, repo, _ := newScheduler(t)
	var reloads, refreshes int32
	s.Register(Task{Name: TaskPatientReload, Guard: Guard{Key: repository.LastPatientLoadKey("care@x.com"), MinGap: 5 * time.Minute}, Run: func(context.Context) error {
		atomic.AddInt32(&reloads, 1)
		return nil
	}})
	s.Register(Task{Name: TaskProfileRefresh, Run: func(context.Context) error {
		atomic.AddInt32(&refreshes, 1)
		return nil
	}})

	s.OnFocus(ctx, "care@x.com", Gaps{})
	s.Wait()
	s.OnFocus(ctx, "care@x.com", Gaps{})
	s.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&reloads))
	assert.Equal(t, int32(1), atomic.LoadInt32(&refreshes))

	// A focus reload also counts for the periodic path.
	last, err := repo.LastRun(ctx, repository.LastPatientLoadKey("care@x.com"))
	require.NoError(t, err)
	assert.False(t, last.IsZero())
}

func TestStatusReportsNextRun(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newScheduler(t)
	s.Register(Task{Name: TaskLinkVerification, Guard: Guard{Key: "k", MinGap: time.Minute}, Run: func(context.Context) error { return nil }})

	_, err := s.Trigger(ctx, TaskLinkVerification)
	require.NoError(t, err)
	st, err := s.Status(ctx, TaskLinkVerification)
	require.NoError(t, err)
	assert.WithinDuration(t, st.LastRun.Add(time.Minute), st.NextRun, time.Millisecond)

	_, err = s.Status(ctx, "nope")
	assert.Error(t, err)
	assert.Len(t, s.Statuses(ctx), 1)
}
