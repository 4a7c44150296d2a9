package app

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/carelink/internal/config"
	"github.com/jwalitptl/carelink/internal/model"
	"github.com/jwalitptl/carelink/internal/notify"
	"github.com/jwalitptl/carelink/internal/repository"
	"github.com/jwalitptl/carelink/internal/router"
	"github.com/jwalitptl/carelink/internal/scheduler"
	"github.com/jwalitptl/carelink/internal/server"
	"github.com/jwalitptl/carelink/internal/session"
	"github.com/jwalitptl/carelink/internal/store"
	"github.com/jwalitptl/carelink/pkg/logger"
)

const (
	caregiverID = "cg-1"
	carol       = "carol@example.org"
	ann         = "ann@example.org"
)

type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) Notify(_ context.Context, e notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) has(kind notify.Kind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Kind == kind {
			return true
		}
	}
	return false
}

func testConfig(url string) *config.Config {
	return &config.Config{
		Remote: config.RemoteConfig{
			PrimaryURL:      url,
			HealthPaths:     []string{"/health"},
			ProbeTimeout:    time.Second,
			RequestTimeout:  time.Second,
			Burst:           10,
			BreakerFailures: 100,
			BreakerTimeout:  time.Second,
		},
		Store: config.StoreConfig{Driver: "memory", Namespace: "test"},
		Scheduler: config.SchedulerConfig{
			DrainEvery:        time.Hour,
			ForegroundDelay:   time.Millisecond,
			ReloadCheckEvery:  time.Hour,
			ReloadPeriodicGap: 5 * time.Minute,
			FocusReloadGap:    2 * time.Minute,
			RefreshEvery:      time.Hour,
			FocusRefreshGap:   2 * time.Second,
			VerificationEvery: time.Hour,
			VerificationGap:   15 * time.Minute,
			AdvisoryThreshold: 3,
			SuppressWindow:    5 * time.Second,
		},
		Log: config.LogConfig{Level: "error"},
	}
}

type fixture struct {
	srv    *server.Server
	url    string
	events *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	srv := server.New(router.RouterConfig{}, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &fixture{srv: srv, url: ts.URL, events: &recorder{}}
}

func (f *fixture) engine(t *testing.T, s store.Store) *Engine {
	t.Helper()
	sess, err := session.NewStatic(model.Identity{ID: caregiverID, Email: carol}, "")
	require.NoError(t, err)
	e, err := New(context.Background(), testConfig(f.url), sess, Options{
		Store:    s,
		Notifier: f.events,
		Logger:   logger.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func (f *fixture) seed(t *testing.T, email, name string) {
	t.Helper()
	_, err := f.srv.Seed(context.Background(), model.Profile{Email: email, Name: name, Phone: "555-0100"}, model.RolePatient)
	require.NoError(t, err)
}

func (f *fixture) setDown(e *Engine, down bool) {
	f.srv.SetDown(down)
	e.Prober.Invalidate()
}

func TestConnectOnlineAndReloadAutoActivates(t *testing.T) {
	f := newFixture(t)
	f.seed(t, ann, "Ann")
	e := f.engine(t, store.NewMemoryStore("test"))
	ctx := context.Background()

	p, err := e.Connect(ctx, ann)
	require.NoError(t, err)
	assert.Equal(t, "Ann", p.Name)
	assert.Equal(t, "555-0100", p.Phone)
	assert.Equal(t, []string{ann}, f.srv.Directory.Patients(ctx, caregiverID))

	ran, err := e.Scheduler.Trigger(ctx, scheduler.TaskPatientReload)
	require.NoError(t, err)
	assert.True(t, ran)

	cur := e.Active.Current(ctx)
	require.NotNil(t, cur)
	assert.Equal(t, ann, cur.Email())
	assert.True(t, f.events.has(notify.KindActiveChanged))

	// the periodic guard now holds the reload back
	ran, err = e.Scheduler.Trigger(ctx, scheduler.TaskPatientReload)
	require.NoError(t, err)
	assert.False(t, ran)
}

func TestOfflineConnectIsDrainedLater(t *testing.T) {
	f := newFixture(t)
	f.seed(t, ann, "Ann")
	e := f.engine(t, store.NewMemoryStore("test"))
	ctx := context.Background()

	require.NoError(t, e.Repo.PutProfile(ctx, repository.SlotDirect, &model.Profile{Email: ann, Name: "Ann"}))

	f.setDown(e, true)
	p, err := e.Connect(ctx, ann)
	require.NoError(t, err)
	assert.Equal(t, "Ann", p.Name)

	ops, err := e.Queue.List(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, model.OpConnect, ops[0].Kind)
	assert.Empty(t, f.srv.Directory.Patients(ctx, caregiverID))

	patients, err := e.Links.ListPatients(ctx, carol)
	require.NoError(t, err)
	assert.Equal(t, []string{ann}, patients)

	ran, err := e.Scheduler.Trigger(ctx, scheduler.TaskPendingDrain)
	assert.True(t, ran)
	assert.ErrorIs(t, err, errOffline)

	f.setDown(e, false)
	ran, err = e.Scheduler.Trigger(ctx, scheduler.TaskPendingDrain)
	require.NoError(t, err)
	assert.True(t, ran)

	ops, err = e.Queue.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, ops)
	assert.Equal(t, []string{ann}, f.srv.Directory.Patients(ctx, caregiverID))
}

func TestOfflineConnectToUnknownEmailIsRefused(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t, store.NewMemoryStore("test"))
	ctx := context.Background()

	f.setDown(e, true)
	_, err := e.Connect(ctx, "stranger@example.org")
	require.Error(t, err)

	patients, err := e.Links.ListPatients(ctx, carol)
	require.NoError(t, err)
	assert.Empty(t, patients)
}

func TestVerificationCascadesDeletedAccount(t *testing.T) {
	f := newFixture(t)
	f.seed(t, ann, "Ann")
	e := f.engine(t, store.NewMemoryStore("test"))
	ctx := context.Background()

	p, err := e.Connect(ctx, ann)
	require.NoError(t, err)
	require.NoError(t, e.Active.SetActive(ctx, p))

	require.NoError(t, f.srv.Directory.Delete(ctx, ann))

	ran, err := e.Scheduler.Trigger(ctx, scheduler.TaskLinkVerification)
	require.NoError(t, err)
	assert.True(t, ran)

	patients, err := e.Links.ListPatients(ctx, carol)
	require.NoError(t, err)
	assert.Empty(t, patients)
	assert.Nil(t, e.Active.Current(ctx))
	assert.True(t, f.events.has(notify.KindPatientDeleted))

	cached, err := e.Repo.GetProfile(ctx, repository.SlotDirect, ann)
	require.NoError(t, err)
	assert.True(t, cached.Stale)

	last, err := e.Repo.LastRun(ctx, repository.LastPatientVerificationKey(ann))
	require.NoError(t, err)
	assert.False(t, last.IsZero())
}

func TestVerificationRunsOncePerGap(t *testing.T) {
	f := newFixture(t)
	f.seed(t, ann, "Ann")
	e := f.engine(t, store.NewMemoryStore("test"))
	ctx := context.Background()

	p, err := e.Connect(ctx, ann)
	require.NoError(t, err)
	require.NoError(t, e.Active.SetActive(ctx, p))

	_, err = e.Scheduler.Trigger(ctx, scheduler.TaskLinkVerification)
	require.NoError(t, err)

	require.NoError(t, f.srv.Directory.Delete(ctx, ann))
	_, err = e.Scheduler.Trigger(ctx, scheduler.TaskLinkVerification)
	require.NoError(t, err)

	patients, err := e.Links.ListPatients(ctx, carol)
	require.NoError(t, err)
	assert.Equal(t, []string{ann}, patients, "a second check inside the gap is skipped")
	require.NotNil(t, e.Active.Current(ctx))
	assert.False(t, f.events.has(notify.KindPatientDeleted))

	key := repository.LastPatientVerificationKey(ann)
	require.NoError(t, e.Repo.Touch(ctx, key, time.Now().Add(-16*time.Minute)))
	_, err = e.Scheduler.Trigger(ctx, scheduler.TaskLinkVerification)
	require.NoError(t, err)

	patients, err = e.Links.ListPatients(ctx, carol)
	require.NoError(t, err)
	assert.Empty(t, patients)
	assert.Nil(t, e.Active.Current(ctx))
	assert.True(t, f.events.has(notify.KindPatientDeleted))
}

func TestReloadDoesNotReactivateDeletedPatient(t *testing.T) {
	f := newFixture(t)
	f.seed(t, ann, "Ann")
	e := f.engine(t, store.NewMemoryStore("test"))
	ctx := context.Background()

	p, err := e.Connect(ctx, ann)
	require.NoError(t, err)
	require.NoError(t, e.Active.SetActive(ctx, p))
	require.NoError(t, f.srv.Directory.Delete(ctx, ann))

	ran, err := e.Scheduler.Trigger(ctx, scheduler.TaskPatientReload)
	require.NoError(t, err)
	assert.True(t, ran)

	patients, err := e.Links.ListPatients(ctx, carol)
	require.NoError(t, err)
	assert.Empty(t, patients)
	assert.Nil(t, e.Active.Current(ctx))
}

func TestReloadDoesNotReactivateDisconnectedPatient(t *testing.T) {
	f := newFixture(t)
	f.seed(t, ann, "Ann")
	e := f.engine(t, store.NewMemoryStore("test"))
	ctx := context.Background()

	p, err := e.Connect(ctx, ann)
	require.NoError(t, err)
	require.NoError(t, e.Active.SetActive(ctx, p))
	require.NoError(t, f.srv.Directory.Disconnect(ctx, caregiverID, ann))

	_, err = e.Scheduler.Trigger(ctx, scheduler.TaskPatientReload)
	require.NoError(t, err)

	patients, err := e.Links.ListPatients(ctx, carol)
	require.NoError(t, err)
	assert.Empty(t, patients)
	assert.Nil(t, e.Active.Current(ctx))
}

func TestVerificationDropsServerSideDisconnect(t *testing.T) {
	f := newFixture(t)
	f.seed(t, ann, "Ann")
	e := f.engine(t, store.NewMemoryStore("test"))
	ctx := context.Background()

	_, err := e.Connect(ctx, ann)
	require.NoError(t, err)
	require.NoError(t, f.srv.Directory.Disconnect(ctx, caregiverID, ann))

	_, err = e.Scheduler.Trigger(ctx, scheduler.TaskLinkVerification)
	require.NoError(t, err)

	patients, err := e.Links.ListPatients(ctx, carol)
	require.NoError(t, err)
	assert.Empty(t, patients)
	assert.True(t, f.events.has(notify.KindLinkChanged))

	cached, err := e.Repo.GetProfile(ctx, repository.SlotDirect, ann)
	require.NoError(t, err)
	assert.False(t, cached.Stale)
}

func TestVerificationOfflineKeepsLinks(t *testing.T) {
	f := newFixture(t)
	f.seed(t, ann, "Ann")
	e := f.engine(t, store.NewMemoryStore("test"))
	ctx := context.Background()

	_, err := e.Connect(ctx, ann)
	require.NoError(t, err)

	f.setDown(e, true)
	_, err = e.Scheduler.Trigger(ctx, scheduler.TaskLinkVerification)
	require.NoError(t, err)

	patients, err := e.Links.ListPatients(ctx, carol)
	require.NoError(t, err)
	assert.Equal(t, []string{ann}, patients)

	last, err := e.Repo.LastRun(ctx, repository.LastPatientVerificationKey(ann))
	require.NoError(t, err)
	assert.True(t, last.IsZero(), "an inconclusive check is retried next tick")
}

func TestDisconnectClearsActivePatient(t *testing.T) {
	f := newFixture(t)
	f.seed(t, ann, "Ann")
	e := f.engine(t, store.NewMemoryStore("test"))
	ctx := context.Background()

	p, err := e.Connect(ctx, ann)
	require.NoError(t, err)
	require.NoError(t, e.Active.SetActive(ctx, p))

	require.NoError(t, e.Disconnect(ctx, ann))
	assert.Nil(t, e.Active.Current(ctx))
	assert.Empty(t, f.srv.Directory.Patients(ctx, caregiverID))
}

func TestStateSurvivesRestart(t *testing.T) {
	f := newFixture(t)
	f.seed(t, ann, "Ann")
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "carelink.db")

	s1, err := store.NewSQLiteStore(ctx, path, "test")
	require.NoError(t, err)
	e1 := f.engine(t, s1)
	p, err := e1.Connect(ctx, ann)
	require.NoError(t, err)
	require.NoError(t, e1.Active.SetActive(ctx, p))
	require.NoError(t, e1.Close())

	s2, err := store.NewSQLiteStore(ctx, path, "test")
	require.NoError(t, err)
	e2 := f.engine(t, s2)

	cur := e2.Active.Current(ctx)
	require.NotNil(t, cur)
	assert.Equal(t, ann, cur.Email())

	patients, err := e2.Patients(ctx)
	require.NoError(t, err)
	require.Len(t, patients, 1)
	assert.Equal(t, "Ann", patients[0].Name)
}
