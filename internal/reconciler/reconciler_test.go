package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/carelink/internal/model"
	"github.com/jwalitptl/carelink/internal/queue"
	"github.com/jwalitptl/carelink/internal/repository"
	"github.com/jwalitptl/carelink/internal/repository/kv"
	"github.com/jwalitptl/carelink/internal/store"
	apperrors "github.com/jwalitptl/carelink/pkg/errors"
	"github.com/jwalitptl/carelink/pkg/metrics"
)

type fixedProber bool

func (p fixedProber) IsReachable(context.Context) bool { return bool(p) }

type fakeServer struct {
	mu          sync.Mutex
	profiles    map[string]model.Profile
	lookupErr   error
	registerErr error
	lookups     int
	registered  []model.Profile
}

func (s *fakeServer) LookupProfile(_ context.Context, email string) (*model.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups++
	if s.lookupErr != nil {
		return nil, s.lookupErr
	}
	p, ok := s.profiles[email]
	if !ok {
		return nil, apperrors.NotFound("profile", nil)
	}
	return &p, nil
}

func (s *fakeServer) RegisterProfile(_ context.Context, p model.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.registerErr != nil {
		return s.registerErr
	}
	s.registered = append(s.registered, p)
	return nil
}

type fixture struct {
	rec    *Reconciler
	repo   *kv.Repository
	store  store.Store
	server *fakeServer
	queue  *queue.Queue
}

func newFixture(t *testing.T, reachable bool) *fixture {
	t.Helper()
	s := store.NewMemoryStore("test")
	repo := kv.NewRepository(s, nil)
	server := &fakeServer{profiles: map[string]model.Profile{}}
	q := queue.New(repo, fixedProber(reachable), queue.NewRemoteExecutor(nil), nil, nil)
	rec := New(repo, repo, fixedProber(reachable), server, q, nil, metrics.New("test"))
	return &fixture{rec: rec, repo: repo, store: s, server: server, queue: q}
}

func (f *fixture) put(t *testing.T, slot repository.Slot, p model.Profile) {
	t.Helper()
	require.NoError(t, f.repo.PutProfile(context.Background(), slot, &p))
}

func (f *fixture) raw(t *testing.T, key string) string {
	t.Helper()
	b, err := f.store.Get(context.Background(), key)
	require.NoError(t, err)
	return string(b)
}

func TestScenarioAServerProfileConvergesEverywhere(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	f.server.profiles["ann@x.com"] = model.Profile{Name: "Ann Lee", Email: "ann@x.com"}

	lm := model.NewLinkMap()
	lm.Link("care@x.com", "ann@x.com")
	require.NoError(t, f.repo.PutLinkMap(ctx, lm))
	require.NoError(t, f.repo.PutConnectedPatients(ctx, "care@x.com", []model.Profile{{Email: "ann@x.com", Name: "ann@x.com"}}))

	got := f.rec.Resolve(ctx, "ann@x.com")
	assert.Equal(t, "Ann Lee", got.Name)
	assert.Equal(t, "ann@x.com", got.Email)

	for _, slot := range repository.ProfileSlots {
		p, err := f.repo.GetProfile(ctx, slot, "ann@x.com")
		require.NoError(t, err, slot.String())
		assert.Equal(t, got, *p, slot.String())
	}
	snapshots, err := f.repo.GetConnectedPatients(ctx, "care@x.com")
	require.NoError(t, err)
	require.Len(t, snapshots, 1)
	assert.Equal(t, got, snapshots[0])
}

func TestScenarioBOfflineFallsBackToSyncedSlot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	f.put(t, repository.SlotSynced, model.Profile{Email: "bob@x.com", Name: "Bob"})

	got := f.rec.Resolve(ctx, "bob@x.com")
	assert.Equal(t, "Bob", got.Name)
	assert.Equal(t, 0, f.server.lookups)
}

func TestResolveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	f.server.profiles["ann@x.com"] = model.Profile{Name: "Ann Lee"}

	first := f.rec.Resolve(ctx, "ann@x.com")
	rawFirst := f.raw(t, repository.ProfileKey(repository.SlotSelf, "ann@x.com"))
	second := f.rec.Resolve(ctx, "ann@x.com")
	rawSecond := f.raw(t, repository.ProfileKey(repository.SlotSelf, "ann@x.com"))

	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
	assert.Equal(t, rawFirst, rawSecond)
}

func TestSelfSlotOutranksEverything(t *testing.T) {
	ctx := context.Background()
	for _, order := range [][]repository.Slot{
		{repository.SlotSelf, repository.SlotFormatted},
		{repository.SlotFormatted, repository.SlotSelf},
	} {
		f := newFixture(t, true)
		f.server.profiles["ann@x.com"] = model.Profile{Name: "Server Ann"}
		for _, slot := range order {
			name := "Formatted Ann"
			if slot == repository.SlotSelf {
				name = "Ann Self"
			}
			f.put(t, slot, model.Profile{Email: "ann@x.com", Name: name})
		}

		got := f.rec.Resolve(ctx, "ann@x.com")
		assert.Equal(t, "Ann Self", got.Name)
		assert.Equal(t, 0, f.server.lookups, "server is not consulted when the owner's slot has a name")
	}
}

func TestServerOutranksLowerSlots(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	f.server.profiles["ann@x.com"] = model.Profile{Name: "Server Ann"}
	f.put(t, repository.SlotDirect, model.Profile{Email: "ann@x.com", Name: "Direct Ann", Phone: "555"})

	got := f.rec.Resolve(ctx, "ann@x.com")
	assert.Equal(t, "Server Ann", got.Name)
	assert.Equal(t, "555", got.Phone, "empty fields are filled from other candidates")
}

func TestEmailOrPlaceholderNamesDoNotWin(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	f.put(t, repository.SlotSelf, model.Profile{Email: "ann@x.com", Name: "ann@x.com"})
	f.put(t, repository.SlotDirect, model.Profile{Email: "ann@x.com", Name: model.PlaceholderName})
	f.put(t, repository.SlotFormatted, model.Profile{Email: "ann@x.com", Name: "Ann"})

	assert.Equal(t, "Ann", f.rec.Resolve(ctx, "ann@x.com").Name)
}

func TestCorruptSlotIsDeletedAndSkipped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	require.NoError(t, f.store.Set(ctx, repository.ProfileKey(repository.SlotSelf, "ann@x.com"), []byte("{oops")))
	f.put(t, repository.SlotSynced, model.Profile{Email: "ann@x.com", Name: "Ann"})

	got := f.rec.Resolve(ctx, "ann@x.com")
	assert.Equal(t, "Ann", got.Name)

	p, err := f.repo.GetProfile(ctx, repository.SlotSelf, "ann@x.com")
	require.NoError(t, err)
	assert.Equal(t, "Ann", p.Name, "deleted slot is rewritten with the canonical profile")
}

func TestScanFindsLegacyKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	require.NoError(t, f.store.Set(ctx, "patientCache_ann@x.com", []byte(`{"email":"ann@x.com","name":"Ann Legacy"}`)))

	assert.Equal(t, "Ann Legacy", f.rec.Resolve(ctx, "ann@x.com").Name)
}

func TestPlaceholderIsStable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	first := f.rec.Resolve(ctx, "ghost@x.com")
	second := f.rec.Resolve(ctx, "ghost@x.com")
	assert.Equal(t, model.PlaceholderName, first.Name)
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, first, second)
}

func TestMissingServerProfileIsRegistered(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	f.put(t, repository.SlotSynced, model.Profile{Email: "ann@x.com", Name: "Ann"})

	f.rec.Resolve(ctx, "ann@x.com")
	require.Len(t, f.server.registered, 1)
	assert.Equal(t, "Ann", f.server.registered[0].Name)
}

func TestSelfSlotOverrideIsPostedToServer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	f.server.profiles["ann@x.com"] = model.Profile{Email: "ann@x.com", Name: "Server Ann"}
	f.put(t, repository.SlotSelf, model.Profile{Email: "ann@x.com", Name: "Ann Self"})

	f.rec.Resolve(ctx, "ann@x.com")
	require.Len(t, f.server.registered, 1)
	assert.Equal(t, "Ann Self", f.server.registered[0].Name)
}

func TestMatchingServerCopyIsNotPostedBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	f.server.profiles["ann@x.com"] = model.Profile{
		ID:         "srv-1",
		Email:      "ann@x.com",
		Name:       "Ann Lee",
		LastUpdate: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	}

	got := f.rec.Resolve(ctx, "ann@x.com")
	assert.Equal(t, "srv-1", got.ID)
	assert.Empty(t, f.server.registered)
}

func TestOfflineResolvePostsNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	f.put(t, repository.SlotSelf, model.Profile{Email: "ann@x.com", Name: "Ann Self"})

	f.rec.Resolve(ctx, "ann@x.com")
	assert.Empty(t, f.server.registered)
	ops, err := f.queue.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestScenarioDBackToBackPassesQueueOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	f.server.registerErr = apperrors.Unavailable("register failed", errors.New("timeout"))
	f.put(t, repository.SlotSynced, model.Profile{Email: "ann@x.com", Name: "Ann"})

	first := f.rec.Resolve(ctx, "ann@x.com")
	second := f.rec.Resolve(ctx, "ann@x.com")
	assert.Equal(t, first, second)

	ops, err := f.queue.List(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, model.OpShareProfile, ops[0].Kind)
}

func TestStaleProfileIsNotReRegistered(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	f.put(t, repository.SlotSynced, model.Profile{Email: "gone@x.com", Name: "Gone", Stale: true})

	got := f.rec.Resolve(ctx, "gone@x.com")
	assert.True(t, got.Stale)
	assert.Empty(t, f.server.registered)
}

func TestRefreshAdoptsNewerServerProfile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	old := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f.put(t, repository.SlotSelf, model.Profile{Email: "ann@x.com", Name: "Ann", LastUpdate: old, Phone: "555"})
	f.server.profiles["ann@x.com"] = model.Profile{Email: "ann@x.com", Name: "Ann Lee", LastUpdate: old.Add(time.Hour)}

	assert.Equal(t, "Ann", f.rec.Resolve(ctx, "ann@x.com").Name)

	got := f.rec.Refresh(ctx, "ann@x.com")
	assert.Equal(t, "Ann Lee", got.Name)
	assert.Equal(t, "555", got.Phone)
	assert.Equal(t, "Ann Lee", f.rec.Resolve(ctx, "ann@x.com").Name)
}

func TestRefreshKeepsNewerLocalProfile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	f.put(t, repository.SlotSelf, model.Profile{Email: "ann@x.com", Name: "Ann Edited", LastUpdate: now})
	f.server.profiles["ann@x.com"] = model.Profile{Email: "ann@x.com", Name: "Ann", LastUpdate: now.Add(-time.Hour)}

	assert.Equal(t, "Ann Edited", f.rec.Refresh(ctx, "ann@x.com").Name)
}

func TestSaveOwnQueuesWhenOffline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	saved, err := f.rec.SaveOwn(ctx, model.Profile{Email: "Ann@x.com", Name: "Ann"})
	require.NoError(t, err)
	assert.Equal(t, "ann@x.com", saved.Email)
	assert.False(t, saved.LastUpdate.IsZero())

	ops, err := f.queue.List(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, model.OpShareProfile, ops[0].Kind)

	p, err := f.repo.GetProfile(ctx, repository.SlotSelf, "ann@x.com")
	require.NoError(t, err)
	assert.Equal(t, "Ann", p.Name)
}
