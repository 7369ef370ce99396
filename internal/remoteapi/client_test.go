package remoteapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAuth(url string) Auth {
	return Auth{
		SupabaseURL:     url,
		SupabaseAnonKey: "anon-key",
		AccessToken:     "access-token",
		RefreshToken:    "refresh-token",
		OwnerID:         "owner-1",
	}
}

func TestDo_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`[{"id":"f1"}]`))
	}))
	defer srv.Close()

	c := NewClient(nil, newTestAuth(srv.URL), nil)

	body, _, err := c.do(context.Background(), http.MethodGet, "/folders?limit=1", nil, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":"f1"}]`, string(body))
}

func TestDo_ErrorClassification(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		sentinel error
	}{
		{"bad request", http.StatusBadRequest, ErrBadRequest},
		{"forbidden", http.StatusForbidden, ErrForbidden},
		{"not found", http.StatusNotFound, ErrNotFound},
		{"conflict", http.StatusConflict, ErrConflict},
		{"server error", http.StatusBadGateway, ErrServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("x-vercel-id", "req-1")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"message":"boom"}`))
			}))
			defer srv.Close()

			c := NewClient(nil, newTestAuth(srv.URL), nil)

			_, _, err := c.do(context.Background(), http.MethodGet, "/folders", nil, nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.sentinel)

			var apiErr *Error
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, "req-1", apiErr.VercelID)
		})
	}
}

func TestDo_RefreshesOn401ThenRetries(t *testing.T) {
	var apiCalls atomic.Int32

	var refreshCalls atomic.Int32

	var mux http.ServeMux

	mux.HandleFunc("/rest/v1/folders", func(w http.ResponseWriter, r *http.Request) {
		n := apiCalls.Add(1)

		if n == 1 {
			assert.Equal(t, "Bearer access-token", r.Header.Get("Authorization"))
			w.WriteHeader(http.StatusUnauthorized)

			return
		}

		assert.Equal(t, "Bearer refreshed-token", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`[]`))
	})

	mux.HandleFunc("/auth/v1/token", func(w http.ResponseWriter, _ *http.Request) {
		refreshCalls.Add(1)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"access_token":"refreshed-token","refresh_token":"refreshed-refresh"}`))
	})

	srv := httptest.NewServer(&mux)
	defer srv.Close()

	c := NewClient(nil, newTestAuth(srv.URL), nil)

	body, _, err := c.do(context.Background(), http.MethodGet, "/folders", nil, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(body))
	assert.Equal(t, int32(2), apiCalls.Load())
	assert.Equal(t, int32(1), refreshCalls.Load())
	assert.Equal(t, "refreshed-token", c.state.snapshot().AccessToken)
	assert.Equal(t, "refreshed-refresh", c.state.snapshot().RefreshToken)
}

func TestDo_RefreshWithoutRefreshTokenFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	auth := newTestAuth(srv.URL)
	auth.RefreshToken = ""
	c := NewClient(nil, auth, nil)

	_, _, err := c.do(context.Background(), http.MethodGet, "/folders", nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingRefreshToken)
}

func TestFindFolder_RootParent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "is.null", r.URL.Query().Get("parent_id"))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`[{"id":"folder-1"}]`))
	}))
	defer srv.Close()

	c := NewClient(nil, newTestAuth(srv.URL), nil)

	id, found, err := c.FindFolder(context.Background(), "", "notes")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "folder-1", id)
}

func TestFindFolder_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := NewClient(nil, newTestAuth(srv.URL), nil)

	_, found, err := c.FindFolder(context.Background(), "parent-1", "missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCreateFile_SendsPreferHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "return=representation", r.Header.Get("Prefer"))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`[{"id":"file-1","name":"note.md","folder_id":"folder-1","kind":"note","content":"hi","updated_at":"2026-01-01T00:00:00Z"}]`))
	}))
	defer srv.Close()

	c := NewClient(nil, newTestAuth(srv.URL), nil)

	f, err := c.CreateFile(context.Background(), "folder-1", "owner-1", "note.md", "note", "hi", "2026-01-01T00:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, "file-1", f.ID)
}

func TestListChangedFiles_ChunksFolderIDs(t *testing.T) {
	var seenFilters []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenFilters = append(seenFilters, r.URL.Query().Get("folder_id"))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := NewClient(nil, newTestAuth(srv.URL), nil)

	ids := make([]string, 50)
	for i := range ids {
		ids[i] = "id"
	}

	_, err := c.ListChangedFiles(context.Background(), ids, "2026-01-01T00:00:00Z")
	require.NoError(t, err)
	require.Len(t, seenFilters, 2, "50 ids chunked by 40 should make 2 requests")
}

func TestListAllFileIDs_Paginates(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		n := calls.Add(1)
		w.WriteHeader(http.StatusOK)

		if n == 1 {
			rows := make([]byte, 0, pageSize*16)
			rows = append(rows, '[')

			for i := 0; i < pageSize; i++ {
				if i > 0 {
					rows = append(rows, ',')
				}

				rows = append(rows, []byte(`{"id":"id-`+itoa(i)+`"}`)...)
			}

			rows = append(rows, ']')
			_, _ = w.Write(rows)

			return
		}

		_, _ = w.Write([]byte(`[{"id":"last"}]`))
	}))
	defer srv.Close()

	c := NewClient(nil, newTestAuth(srv.URL), nil)

	ids, err := c.ListAllFileIDs(context.Background(), []string{"folder-1"})
	require.NoError(t, err)
	assert.Len(t, ids, pageSize+1)
	assert.True(t, ids["last"])
	assert.Equal(t, int32(2), calls.Load())
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}

	var buf [20]byte

	i := len(buf)

	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}

	return string(buf[i:])
}

func TestGetRagProject_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := NewClient(nil, newTestAuth(srv.URL), nil)

	_, found, err := c.GetRagProject(context.Background(), "folder-1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestListRagChunks_OmitsEmbeddingColumn(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotContains(t, r.URL.Query().Get("select"), "embedding")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := NewClient(nil, newTestAuth(srv.URL), nil)

	_, err := c.ListRagChunks(context.Background(), "folder-1")
	require.NoError(t, err)
}
