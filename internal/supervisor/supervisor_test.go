package supervisor

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heysami/nexusmap-sync/internal/mapping"
	"github.com/heysami/nexusmap-sync/internal/remoteapi"
)

// atomicBool is a tiny mutex-guarded flag for observing a background
// goroutine's progress from a test without a data race.
type atomicBool struct {
	mu  sync.Mutex
	val bool
}

func (b *atomicBool) set(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.val = v
}

func (b *atomicBool) get() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.val
}

func newTestClient(srv *httptest.Server) *remoteapi.Client {
	return remoteapi.NewClient(nil, remoteapi.Auth{
		SupabaseURL: srv.URL, SupabaseAnonKey: "anon", AccessToken: "token", OwnerID: "owner-1",
	}, nil)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(10 * time.Millisecond)
	}

	t.Fatal("condition not met before timeout")
}

func TestStartWatch_DispatchesPushOnFileCreate(t *testing.T) {
	vault := t.TempDir()
	rec := mapping.New(vault, "project-root", "2026-01-01T00:00:00Z")
	require.NoError(t, mapping.Write(vault, rec))

	var created []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && strings.Contains(r.URL.Path, "/folders"):
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`[]`))
		case r.Method == http.MethodGet && strings.Contains(r.URL.Path, "/files"):
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`[]`))
		case r.Method == http.MethodPost && strings.Contains(r.URL.Path, "/files"):
			created = append(created, r.URL.Path)
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`[{"id":"file-new","name":"note.md","folder_id":"project-root","kind":"note","content":"hi","updated_at":"2026-02-01T00:00:00Z"}]`))
		default:
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`[]`))
		}
	}))
	defer srv.Close()

	client := newTestClient(srv)
	sup := New(nil)

	require.NoError(t, sup.StartWatch(client, vault, "project-root"))
	defer sup.StopAllWatches()

	require.NoError(t, os.WriteFile(filepath.Join(vault, "note.md"), []byte("hi"), 0o644))

	waitFor(t, 2*time.Second, func() bool {
		return len(created) > 0
	})
}

func TestStartWatch_SecondStartForSameKeyFails(t *testing.T) {
	vault := t.TempDir()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	client := newTestClient(srv)
	sup := New(nil)

	require.NoError(t, sup.StartWatch(client, vault, "project-root"))
	defer sup.StopAllWatches()

	err := sup.StartWatch(client, vault, "project-root")
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestStopAllWatches_AllowsRestart(t *testing.T) {
	vault := t.TempDir()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	client := newTestClient(srv)
	sup := New(nil)

	require.NoError(t, sup.StartWatch(client, vault, "project-root"))
	sup.StopAllWatches()

	assert.NoError(t, sup.StartWatch(client, vault, "project-root"))
	sup.StopAllWatches()
}

func TestStartPoll_RunsPullOnInterval(t *testing.T) {
	vault := t.TempDir()
	rec := mapping.New(vault, "project-root", "2026-01-01T00:00:00Z")
	require.NoError(t, mapping.Write(vault, rec))

	var pullCalls int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/folders") {
			pullCalls++
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	client := newTestClient(srv)
	sup := New(nil)

	require.NoError(t, sup.StartPoll(client, vault, "project-root", 20*time.Millisecond, nil))
	defer sup.StopAllPolls()

	waitFor(t, 2*time.Second, func() bool {
		return pullCalls >= 2
	})
}

func TestStartPoll_SecondStartForSameKeyFails(t *testing.T) {
	vault := t.TempDir()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	client := newTestClient(srv)
	sup := New(nil)

	require.NoError(t, sup.StartPoll(client, vault, "project-root", time.Second, nil))
	defer sup.StopAllPolls()

	err := sup.StartPoll(client, vault, "project-root", time.Second, nil)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestStartPoll_NudgeListenerTriggersEarlyPull(t *testing.T) {
	vault := t.TempDir()
	rec := mapping.New(vault, "project-root", "2026-01-01T00:00:00Z")
	require.NoError(t, mapping.Write(vault, rec))

	var pullCalls int

	pullSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/folders") {
			pullCalls++
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`[]`))
	}))
	defer pullSrv.Close()

	var joined atomicBool

	realtimeSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()

		ctx := r.Context()

		var join map[string]any
		if err := wsjson.Read(ctx, conn, &join); err != nil {
			return
		}

		joined.set(true)

		_ = wsjson.Write(ctx, conn, map[string]any{"topic": "realtime:public", "event": "postgres_changes", "payload": map[string]any{}, "ref": "1"})

		time.Sleep(2 * time.Second)
	}))
	defer realtimeSrv.Close()

	client := newTestClient(pullSrv)
	sup := New(nil)

	require.NoError(t, sup.StartPoll(client, vault, "project-root", time.Hour, &RealtimeConfig{
		SupabaseURL: realtimeSrv.URL, SupabaseAnonKey: "anon", AccessToken: "token",
	}))
	defer sup.StopAllPolls()

	waitFor(t, 2*time.Second, joined.get)
	waitFor(t, 2*time.Second, func() bool { return pullCalls >= 2 })
}

func TestKey_CombinesVaultAndProject(t *testing.T) {
	assert.Equal(t, "/vault|proj-1", Key("/vault", "proj-1"))
}
