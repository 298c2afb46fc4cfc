package notify_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"stageline/internal/config"
	"stageline/internal/db"
	"stageline/internal/engine"
	"stageline/internal/engine/auth"
	"stageline/internal/migrate"
	"stageline/internal/notify"
)

type sink struct {
	mu         sync.Mutex
	deliveries []notify.Delivery
	signatures []string
	failFirst  int32
	calls      atomic.Int32
}

func (s *sink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.calls.Add(1) <= s.failFirst {
		http.Error(w, "try later", http.StatusServiceUnavailable)
		return
	}
	body, _ := io.ReadAll(r.Body)
	var d notify.Delivery
	if err := json.Unmarshal(body, &d); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.deliveries = append(s.deliveries, d)
	s.signatures = append(s.signatures, r.Header.Get("X-Stageline-Signature"))
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func setup(t *testing.T) (engine.Engine, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	require.NoError(t, migrate.Migrate(ctx, conn))
	cfg := config.Default("pipe-1")
	eng, err := engine.New(conn, cfg)
	require.NoError(t, err)
	require.NoError(t, eng.ImportPipeline(ctx, cfg, "tester"))
	return eng, ctx
}

func fastOptions() notify.Options {
	return notify.Options{Interval: 10 * time.Millisecond, RetryDelay: time.Millisecond, MaxAttempts: 3, Timeout: time.Second}
}

func commitOne(t *testing.T, eng engine.Engine, ctx context.Context) string {
	t.Helper()
	p, err := eng.CreateProject(ctx, engine.CreateProjectOptions{ProjectTypeID: "engagement", Name: "Acme", ClientManagerID: "cam", CurrentAssigneeID: "sam"})
	require.NoError(t, err)
	res, err := eng.Transition(ctx, engine.TransitionRequest{ProjectID: p.ID, Actor: auth.Actor{ID: "sam", Role: "staff"}, TargetStage: "in_progress", ReasonID: "assigned"})
	require.NoError(t, err)
	return res.Record.ID
}

func TestRelayDeliversCommittedTransitions(t *testing.T) {
	eng, ctx := setup(t)
	s := &sink{}
	srv := httptest.NewServer(s)
	defer srv.Close()

	hook := config.Webhook{ID: "ops", URL: srv.URL, Events: []string{"transition.committed"}, Secret: "shh"}
	relay := notify.NewRelay(eng.Repo, []config.Webhook{hook}, fastOptions())
	sent, err := relay.DispatchOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, sent)

	recordID := commitOne(t, eng, ctx)
	sent, err = relay.DispatchOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, sent)

	s.mu.Lock()
	defer s.mu.Unlock()
	require.Len(t, s.deliveries, 1)
	d := s.deliveries[0]
	require.Equal(t, "transition.committed", d.Type)
	require.Equal(t, recordID, d.EntityID)
	var payload struct {
		Notification struct {
			Subject string `json:"subject"`
		} `json:"notification"`
	}
	require.NoError(t, json.Unmarshal(d.Payload, &payload))
	require.Equal(t, "Acme moved to in_progress", payload.Notification.Subject)
	require.Contains(t, s.signatures[0], "sha256=")

	sent, err = relay.DispatchOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, sent, "cursor must not redeliver")
}

func TestRelayRetriesServerErrors(t *testing.T) {
	eng, ctx := setup(t)
	s := &sink{failFirst: 2}
	srv := httptest.NewServer(s)
	defer srv.Close()

	relay := notify.NewRelay(eng.Repo, []config.Webhook{{ID: "ops", URL: srv.URL, Events: []string{"transition.committed"}}}, fastOptions())
	_, err := relay.DispatchOnce(ctx)
	require.NoError(t, err)
	commitOne(t, eng, ctx)

	sent, err := relay.DispatchOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, sent)
	require.Equal(t, int32(3), s.calls.Load())
}

func TestRelayHoldsCursorOnRejection(t *testing.T) {
	eng, ctx := setup(t)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer srv.Close()

	relay := notify.NewRelay(eng.Repo, []config.Webhook{{ID: "ops", URL: srv.URL, Events: []string{"transition.committed"}}}, fastOptions())
	_, err := relay.DispatchOnce(ctx)
	require.NoError(t, err)
	commitOne(t, eng, ctx)

	_, err = relay.DispatchOnce(ctx)
	require.Error(t, err)
	require.Equal(t, int32(1), calls.Load(), "4xx answers are not retried")

	_, err = relay.DispatchOnce(ctx)
	require.Error(t, err)
	require.Equal(t, int32(2), calls.Load(), "the same event is offered again")
}

func TestDisabledHooksAreIgnored(t *testing.T) {
	eng, _ := setup(t)
	relay := notify.NewRelay(eng.Repo, []config.Webhook{{ID: "off", URL: "http://127.0.0.1:1", Disabled: true}}, notify.Options{})
	require.False(t, relay.Enabled())
	require.NoError(t, relay.Run(context.Background()))
}

func TestSign(t *testing.T) {
	require.Equal(t, notify.Sign([]byte("body"), "k"), notify.Sign([]byte("body"), "k"))
	require.NotEqual(t, notify.Sign([]byte("body"), "k"), notify.Sign([]byte("body"), "other"))
}
