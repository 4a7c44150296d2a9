package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/carelink/internal/model"
	"github.com/jwalitptl/carelink/internal/remote"
	"github.com/jwalitptl/carelink/internal/repository/kv"
	"github.com/jwalitptl/carelink/internal/store"
	apperrors "github.com/jwalitptl/carelink/pkg/errors"
	"github.com/jwalitptl/carelink/pkg/metrics"
)

type switchProber struct {
	mu sync.Mutex
	up bool
}

func (p *switchProber) IsReachable(context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.up
}

func (p *switchProber) set(up bool) {
	p.mu.Lock()
	p.up = up
	p.mu.Unlock()
}

type scriptedExecutor struct {
	results map[string]error
	calls   []string
	onCall  func(op *model.PendingOp)
}

func (e *scriptedExecutor) Execute(_ context.Context, op *model.PendingOp) error {
	e.calls = append(e.calls, op.TargetEmail)
	if e.onCall != nil {
		e.onCall(op)
	}
	return e.results[op.TargetEmail]
}

func newQueue(t *testing.T, up bool) (*Queue, *switchProber, *scriptedExecutor) {
	t.Helper()
	repo := kv.NewRepository(store.NewMemoryStore("test"), nil)
	prober := &switchProber{up: up}
	exec := &scriptedExecutor{results: map[string]error{}}
	return New(repo, prober, exec, nil, metrics.New("test")), prober, exec
}

func connectOp(kind model.PendingOpKind, target string) *model.PendingOp {
	payload, _ := json.Marshal(model.ConnectPayload{CaregiverID: "cg", PatientEmail: target})
	return &model.PendingOp{Kind: kind, SourceEmail: "care@x.com", TargetEmail: target, Payload: payload}
}

func TestEnqueueSupersedesSameOperation(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newQueue(t, false)

	require.NoError(t, q.Enqueue(ctx, &model.PendingOp{Kind: model.OpShareProfile, SourceEmail: "ann@x.com", TargetEmail: "ann@x.com", Payload: json.RawMessage(`{"name":"A"}`)}))
	require.NoError(t, q.Enqueue(ctx, &model.PendingOp{Kind: model.OpShareProfile, SourceEmail: "ann@x.com", TargetEmail: "ann@x.com", Payload: json.RawMessage(`{"name":"Ann"}`)}))

	ops, err := q.List(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.JSONEq(t, `{"name":"Ann"}`, string(ops[0].Payload))
	assert.NotEmpty(t, ops[0].ID)
}

func TestConnectAndDisconnectCancel(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newQueue(t, false)

	require.NoError(t, q.Enqueue(ctx, connectOp(model.OpConnect, "ann@x.com")))
	require.NoError(t, q.Enqueue(ctx, connectOp(model.OpConnect, "bob@x.com")))
	require.NoError(t, q.Enqueue(ctx, connectOp(model.OpDisconnect, "ann@x.com")))

	ops, err := q.List(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "bob@x.com", ops[0].TargetEmail)
}

func TestDrainIsFIFOAndRemovesDelivered(t *testing.T) {
	ctx := context.Background()
	q, _, exec := newQueue(t, true)

	for _, e := range []string{"a@x.com", "b@x.com", "c@x.com"} {
		require.NoError(t, q.Enqueue(ctx, connectOp(model.OpConnect, e)))
	}
	exec.results["b@x.com"] = apperrors.Unavailable("connect failed", errors.New("reset"))

	report, err := q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a@x.com", "b@x.com", "c@x.com"}, exec.calls)
	assert.Equal(t, 2, report.Succeeded)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Remaining)

	ops, err := q.List(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, 1, ops[0].Attempts)
	assert.NotNil(t, ops[0].LastAttemptAt)
	assert.Contains(t, ops[0].LastError, "reset")
}

func TestDrainDoesNotStartWhenUnreachable(t *testing.T) {
	ctx := context.Background()
	q, _, exec := newQueue(t, false)
	require.NoError(t, q.Enqueue(ctx, connectOp(model.OpConnect, "a@x.com")))

	report, err := q.Drain(ctx)
	require.NoError(t, err)
	assert.True(t, report.Stopped)
	assert.Equal(t, 1, report.Remaining)
	assert.Empty(t, exec.calls)
}

func TestDrainStopsWhenServerGoesAway(t *testing.T) {
	ctx := context.Background()
	q, prober, exec := newQueue(t, true)
	for _, e := range []string{"a@x.com", "b@x.com", "c@x.com"} {
		require.NoError(t, q.Enqueue(ctx, connectOp(model.OpConnect, e)))
	}
	exec.results["a@x.com"] = apperrors.Unavailable("connect failed", errors.New("timeout"))
	exec.onCall = func(*model.PendingOp) { prober.set(false) }

	report, err := q.Drain(ctx)
	require.NoError(t, err)
	assert.True(t, report.Stopped)
	assert.Equal(t, []string{"a@x.com"}, exec.calls)
	assert.Equal(t, 3, report.Remaining)
}

func TestDrainDropsAuthoritativeRejections(t *testing.T) {
	ctx := context.Background()
	q, _, exec := newQueue(t, true)
	require.NoError(t, q.Enqueue(ctx, connectOp(model.OpConnect, "gone@x.com")))
	exec.results["gone@x.com"] = apperrors.NotFound("patient", nil)

	report, err := q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Dropped)
	assert.Equal(t, 0, report.Remaining)
}

type fixedBase string

func (b fixedBase) ActiveURL() string { return string(b) }
func (b fixedBase) Invalidate()       {}

type fixedToken string

func (t fixedToken) Token(context.Context) (string, error) { return string(t), nil }

func TestDrainKeepsOpsOnRetryableStatus(t *testing.T) {
	for _, code := range []int{http.StatusRequestTimeout, http.StatusTooManyRequests, http.StatusUnauthorized, http.StatusForbidden} {
		t.Run(fmt.Sprint(code), func(t *testing.T) {
			ctx := context.Background()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(code)
				_, _ = w.Write([]byte(`{"status":"error","message":"try later"}`))
			}))
			t.Cleanup(srv.Close)

			client := remote.NewClient(remote.Config{Timeout: time.Second, BreakerFailures: 3}, fixedBase(srv.URL), fixedToken("tok"), nil, nil, metrics.New("test"))
			repo := kv.NewRepository(store.NewMemoryStore("test"), nil)
			q := New(repo, &switchProber{up: true}, NewRemoteExecutor(client), nil, metrics.New("test"))
			require.NoError(t, q.Enqueue(ctx, connectOp(model.OpConnect, "ann@x.com")))

			report, err := q.Drain(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, report.Failed)
			assert.Equal(t, 0, report.Dropped)
			assert.Equal(t, 1, report.Remaining)

			ops, err := q.List(ctx)
			require.NoError(t, err)
			require.Len(t, ops, 1)
			assert.Equal(t, 1, ops[0].Attempts)
		})
	}
}

func TestOpEnqueuedDuringDrainSurvives(t *testing.T) {
	ctx := context.Background()
	q, _, exec := newQueue(t, true)
	require.NoError(t, q.Enqueue(ctx, connectOp(model.OpConnect, "a@x.com")))
	exec.onCall = func(op *model.PendingOp) {
		if op.TargetEmail == "a@x.com" {
			require.NoError(t, q.Enqueue(ctx, connectOp(model.OpConnect, "late@x.com")))
		}
	}

	_, err := q.Drain(ctx)
	require.NoError(t, err)
	ops, err := q.List(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "late@x.com", ops[0].TargetEmail)
}

type recordingRemote struct {
	connected    []string
	disconnected []string
	registered   []model.Profile
}

func (r *recordingRemote) Connect(_ context.Context, _, email string) error {
	r.connected = append(r.connected, email)
	return nil
}

func (r *recordingRemote) Disconnect(_ context.Context, _, email string) error {
	r.disconnected = append(r.disconnected, email)
	return nil
}

func (r *recordingRemote) RegisterProfile(_ context.Context, p model.Profile) error {
	r.registered = append(r.registered, p)
	return nil
}

func TestRemoteExecutorDispatchesByKind(t *testing.T) {
	ctx := context.Background()
	remote := &recordingRemote{}
	exec := NewRemoteExecutor(remote)

	require.NoError(t, exec.Execute(ctx, connectOp(model.OpConnect, "a@x.com")))
	require.NoError(t, exec.Execute(ctx, connectOp(model.OpDisconnect, "b@x.com")))
	require.NoError(t, exec.Execute(ctx, &model.PendingOp{Kind: model.OpShareProfile, Payload: json.RawMessage(`{"email":"c@x.com","name":"C"}`)}))

	assert.Equal(t, []string{"a@x.com"}, remote.connected)
	assert.Equal(t, []string{"b@x.com"}, remote.disconnected)
	require.Len(t, remote.registered, 1)
	assert.Equal(t, "C", remote.registered[0].Name)

	err := exec.Execute(ctx, &model.PendingOp{Kind: "bogus"})
	assert.True(t, apperrors.IsAuthoritative(err))
}
