package remoteapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Auth is the authentication blob the caller supplies per spec.md §6.
// Tokens are opaque to the engine — the caller is responsible for obtaining
// them (the OS keychain, out of scope here).
type Auth struct {
	SupabaseURL     string
	SupabaseAnonKey string
	AccessToken     string
	RefreshToken    string
	OwnerID         string
}

// authState holds the mutable, shared copy of Auth a Client refreshes in
// place. Refresh races are collapsed by a singleflight.Group keyed on a
// constant — a given Client always refreshes one project's session, so
// there is exactly one logical in-flight refresh at a time regardless of
// how many goroutines using this Client observe the 401 concurrently.
// Separate Clients (internal/rpc builds one per command) refresh
// independently.
type authState struct {
	mu   sync.RWMutex
	auth Auth

	refreshGroup singleflight.Group
}

func newAuthState(a Auth) *authState {
	return &authState{auth: a}
}

func (s *authState) snapshot() Auth {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.auth
}

// refreshResult is what the singleflight call shares across collapsed
// callers.
type refreshResult struct {
	AccessToken  string
	RefreshToken string
}

// refresh exchanges the current refresh token for a new access token via
// POST <supabase_url>/auth/v1/token?grant_type=refresh_token, updates the
// in-memory tokens, and returns the refreshed Auth snapshot.
func (s *authState) refresh(ctx context.Context, httpClient *http.Client) (Auth, error) {
	v, err, _ := s.refreshGroup.Do("refresh", func() (any, error) {
		return s.doRefresh(ctx, httpClient)
	})
	if err != nil {
		return Auth{}, err
	}

	result := v.(refreshResult)

	s.mu.Lock()
	s.auth.AccessToken = result.AccessToken

	if result.RefreshToken != "" {
		s.auth.RefreshToken = result.RefreshToken
	}

	updated := s.auth
	s.mu.Unlock()

	return updated, nil
}

// doRefresh performs the refresh HTTP call only; refresh() is the one place
// that mutates s.auth, so collapsed callers all observe the same update.
func (s *authState) doRefresh(ctx context.Context, httpClient *http.Client) (refreshResult, error) {
	current := s.snapshot()

	if current.RefreshToken == "" {
		return refreshResult{}, ErrMissingRefreshToken
	}

	url := trimTrailingSlash(current.SupabaseURL) + "/auth/v1/token?grant_type=refresh_token"

	reqBody, err := json.Marshal(map[string]string{"refresh_token": current.RefreshToken})
	if err != nil {
		return refreshResult{}, fmt.Errorf("remoteapi: encoding refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return refreshResult{}, fmt.Errorf("remoteapi: building refresh request: %w", err)
	}

	req.Header.Set("apikey", current.SupabaseAnonKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return refreshResult{}, fmt.Errorf("remoteapi: refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return refreshResult{}, &Error{StatusCode: resp.StatusCode, VercelID: resp.Header.Get("x-vercel-id"), Body: string(body), Err: classifyStatus(resp.StatusCode)}
	}

	var parsed struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}

	if err := json.Unmarshal(body, &parsed); err != nil {
		return refreshResult{}, fmt.Errorf("remoteapi: parsing refresh response: %w: %s", err, string(body))
	}

	return refreshResult{AccessToken: parsed.AccessToken, RefreshToken: parsed.RefreshToken}, nil
}

func trimTrailingSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}

	return s
}
