package pull

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heysami/nexusmap-sync/internal/mapping"
	"github.com/heysami/nexusmap-sync/internal/remoteapi"
)

func newTestClient(srv *httptest.Server) *remoteapi.Client {
	return remoteapi.NewClient(nil, remoteapi.Auth{
		SupabaseURL: srv.URL, SupabaseAnonKey: "anon", AccessToken: "token", OwnerID: "owner-1",
	}, nil)
}

func emptyRoute(path string, w http.ResponseWriter, r *http.Request) bool {
	if strings.Contains(r.URL.Path, path) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`[]`))

		return true
	}

	return false
}

func TestSyncPullOnce_CreatesNewFile(t *testing.T) {
	vault := t.TempDir()
	rec := mapping.New(vault, "project-root", "2026-01-01T00:00:00Z")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "/folders"):
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`[{"id":"project-root","name":"root","parent_id":null}]`))
		case strings.Contains(r.URL.Path, "/files") && r.URL.Query().Get("select") == "id,name,folder_id,kind,content,updated_at":
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`[{"id":"file-1","name":"note.md","folder_id":"project-root","kind":"note","content":"hello","updated_at":"2026-02-01T00:00:00Z"}]`))
		case strings.Contains(r.URL.Path, "/files"):
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`[{"id":"file-1"}]`))
		case emptyRoute("/project_resources", w, r):
		case emptyRoute("/rag_projects", w, r):
		default:
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`[]`))
		}
	}))
	defer srv.Close()

	client := newTestClient(srv)

	summary, err := SyncPullOnce(context.Background(), client, vault, rec)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.FilesCreated)

	content, err := os.ReadFile(filepath.Join(vault, "note.md"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(content))
	assert.Equal(t, "file-1", rec.Files["note.md"].FileID)
	assert.NotEmpty(t, rec.LastPullAt)
}

func TestSyncPullOnce_ConflictWritesSibling(t *testing.T) {
	vault := t.TempDir()
	rec := mapping.New(vault, "project-root", "2026-01-01T00:00:00Z")
	rec.Files["note.md"] = mapping.FileEntry{
		FileID: "file-1", FolderID: "project-root", Kind: "note",
		LocalHash: "stale-hash", RemoteUpdatedAt: "2026-01-01T00:00:00Z",
	}

	require.NoError(t, os.WriteFile(filepath.Join(vault, "note.md"), []byte("local"), 0o644))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "/folders"):
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`[{"id":"project-root","name":"root","parent_id":null}]`))
		case strings.Contains(r.URL.Path, "/files") && r.URL.Query().Get("select") == "id,name,folder_id,kind,content,updated_at":
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`[{"id":"file-1","name":"note.md","folder_id":"project-root","kind":"note","content":"remote","updated_at":"2026-02-01T00:00:00Z"}]`))
		case strings.Contains(r.URL.Path, "/files"):
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`[{"id":"file-1"}]`))
		case emptyRoute("/project_resources", w, r):
		case emptyRoute("/rag_projects", w, r):
		default:
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`[]`))
		}
	}))
	defer srv.Close()

	client := newTestClient(srv)

	summary, err := SyncPullOnce(context.Background(), client, vault, rec)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Conflicts)

	local, err := os.ReadFile(filepath.Join(vault, "note.md"))
	require.NoError(t, err)
	assert.Equal(t, "local", string(local))

	entries, err := os.ReadDir(vault)
	require.NoError(t, err)

	var siblingFound bool

	for _, e := range entries {
		if strings.Contains(e.Name(), "conflict from NexusMap") {
			siblingFound = true
		}
	}

	assert.True(t, siblingFound)
	assert.Equal(t, "stale-hash", rec.Files["note.md"].LocalHash, "mapping entry for original must be unchanged")
}

func TestSyncPullOnce_ResourceConflictWritesSibling(t *testing.T) {
	vault := t.TempDir()
	rec := mapping.New(vault, "project-root", "2026-01-01T00:00:00Z")
	rec.Resources["resources/doc.md"] = mapping.ResourceEntry{
		ResourceID: "resource-1", LocalHash: "stale-hash", RemoteUpdatedAt: "2026-01-01T00:00:00Z",
	}

	require.NoError(t, os.MkdirAll(filepath.Join(vault, "resources"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(vault, "resources", "doc.md"), []byte("local"), 0o644))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "/folders"):
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`[{"id":"project-root","name":"root","parent_id":null}]`))
		case emptyRoute("/files", w, r):
		case strings.Contains(r.URL.Path, "/project_resources") && r.URL.Query().Get("select") == "id,name,markdown,source,updated_at":
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`[{"id":"resource-1","name":"doc.md","markdown":"remote","source":null,"updated_at":"2026-02-01T00:00:00Z"}]`))
		case strings.Contains(r.URL.Path, "/project_resources"):
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`[{"id":"resource-1"}]`))
		case emptyRoute("/rag_projects", w, r):
		default:
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`[]`))
		}
	}))
	defer srv.Close()

	client := newTestClient(srv)

	summary, err := SyncPullOnce(context.Background(), client, vault, rec)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Conflicts)

	local, err := os.ReadFile(filepath.Join(vault, "resources", "doc.md"))
	require.NoError(t, err)
	assert.Equal(t, "local", string(local))

	entries, err := os.ReadDir(filepath.Join(vault, "resources"))
	require.NoError(t, err)

	var siblingFound bool

	for _, e := range entries {
		if strings.Contains(e.Name(), "conflict from NexusMap") {
			siblingFound = true
		}
	}

	assert.True(t, siblingFound)
	assert.Equal(t, "stale-hash", rec.Resources["resources/doc.md"].LocalHash, "mapping entry for original must be unchanged")
}

func TestSyncPullOnce_RemoteDeletionReconciliation(t *testing.T) {
	vault := t.TempDir()
	rec := mapping.New(vault, "project-root", "2026-01-01T00:00:00Z")
	rec.Files["gone.md"] = mapping.FileEntry{FileID: "file-gone", FolderID: "project-root", LocalHash: "h", RemoteUpdatedAt: "2026-01-01T00:00:00Z"}

	require.NoError(t, os.WriteFile(filepath.Join(vault, "gone.md"), []byte("bye"), 0o644))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "/folders"):
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`[{"id":"project-root","name":"root","parent_id":null}]`))
		case emptyRoute("/files", w, r):
		case emptyRoute("/project_resources", w, r):
		case emptyRoute("/rag_projects", w, r):
		default:
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`[]`))
		}
	}))
	defer srv.Close()

	client := newTestClient(srv)

	summary, err := SyncPullOnce(context.Background(), client, vault, rec)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.FilesDeleted)
	assert.NotContains(t, rec.Files, "gone.md")

	_, statErr := os.Stat(filepath.Join(vault, "gone.md"))
	assert.True(t, os.IsNotExist(statErr))
}
