// Package rpc implements the newline-delimited JSON command dispatcher the
// daemon reads from stdin and replies to on stdout (spec.md §6, SPEC_FULL.md
// §4.13). One command executes at a time per engine process generation;
// commands naming different vault/project keys are independent and may
// interleave via the supervisor's per-key maps.
package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/heysami/nexusmap-sync/internal/engineconfig"
	"github.com/heysami/nexusmap-sync/internal/eventindex"
	"github.com/heysami/nexusmap-sync/internal/eventlog"
	"github.com/heysami/nexusmap-sync/internal/mapping"
	"github.com/heysami/nexusmap-sync/internal/pathutil"
	"github.com/heysami/nexusmap-sync/internal/pull"
	"github.com/heysami/nexusmap-sync/internal/push"
	"github.com/heysami/nexusmap-sync/internal/remoteapi"
	"github.com/heysami/nexusmap-sync/internal/supervisor"
)

// Request is one decoded line of stdin input.
type Request struct {
	ID      string          `json:"id"`
	Command string          `json:"command"`
	Params  json.RawMessage `json:"params"`
}

// Response is one encoded line of stdout output. Exactly one of Result or
// Error is populated.
type Response struct {
	ID     string `json:"id"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// authParams is the shape of the "auth" field carried by every command that
// talks to the remote store (spec.md §6).
type authParams struct {
	SupabaseURL     string `json:"supabase_url"`
	SupabaseAnonKey string `json:"supabase_anon_key"`
	AccessToken     string `json:"access_token"`
	RefreshToken    string `json:"refresh_token"`
	OwnerID         string `json:"owner_id"`
}

func (a authParams) toAuth() remoteapi.Auth {
	return remoteapi.Auth{
		SupabaseURL: a.SupabaseURL, SupabaseAnonKey: a.SupabaseAnonKey,
		AccessToken: a.AccessToken, RefreshToken: a.RefreshToken, OwnerID: a.OwnerID,
	}
}

// Dispatcher holds the shared state every command handler needs: the
// watcher/poller supervisor, the engine's HTTP/retry config, and a logger.
type Dispatcher struct {
	logger *slog.Logger
	sup    *supervisor.Supervisor
	cfg    *engineconfig.Config
}

// NewDispatcher builds a Dispatcher. A nil cfg falls back to
// engineconfig.Default().
func NewDispatcher(logger *slog.Logger, cfg *engineconfig.Config) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg == nil {
		cfg = engineconfig.Default()
	}

	return &Dispatcher{logger: logger, sup: supervisor.New(logger), cfg: cfg}
}

// Serve reads one JSON request per line from r until EOF, dispatches each to
// its handler, and writes one JSON response per line to w. Malformed lines
// produce an error response with an empty id rather than aborting the loop.
func (d *Dispatcher) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	enc := json.NewEncoder(w)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		resp := d.handleLine(ctx, line)

		if err := enc.Encode(resp); err != nil {
			return fmt.Errorf("rpc: writing response: %w", err)
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("rpc: reading requests: %w", err)
	}

	return nil
}

func (d *Dispatcher) handleLine(ctx context.Context, line string) Response {
	var req Request
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		return Response{Error: fmt.Sprintf("rpc: malformed request: %v", err)}
	}

	result, err := d.dispatch(ctx, req)
	if err != nil {
		d.logger.Warn("rpc: command failed", slog.String("command", req.Command), slog.String("error", err.Error()))

		return Response{ID: req.ID, Error: err.Error()}
	}

	return Response{ID: req.ID, Result: result}
}

func (d *Dispatcher) dispatch(ctx context.Context, req Request) (any, error) {
	switch req.Command {
	case "sync_init":
		return d.syncInit(req.Params)
	case "sync_initial_import":
		return d.syncInitialImport(ctx, req.Params)
	case "sync_watch_start":
		return nil, d.syncWatchStart(req.Params)
	case "sync_watch_stop":
		d.sup.StopAllWatches()

		return nil, nil
	case "sync_pull_once":
		return d.syncPullOnce(ctx, req.Params)
	case "sync_pull_start":
		return nil, d.syncPullStart(req.Params)
	case "sync_pull_stop":
		d.sup.StopAllPolls()

		return nil, nil
	case "sync_read_events":
		return d.syncReadEvents(ctx, req.Params)
	case "vault_write_text_file":
		return nil, d.vaultWriteTextFile(req.Params)
	case "vault_ensure_dir":
		return nil, d.vaultEnsureDir(req.Params)
	default:
		return nil, fmt.Errorf("rpc: unknown command %q", req.Command)
	}
}

func decodeParams[T any](raw json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("rpc: decoding params: %w", err)
	}

	return v, nil
}

// newClient builds a remoteapi.Client for one request, with the engine
// config's HTTP timeout applied. The retry wrapper's own bounded
// transport-level retry count (spec.md §4.5) is internal to
// internal/remoteapi and not independently configurable here.
func (d *Dispatcher) newClient(a authParams) *remoteapi.Client {
	httpClient := &http.Client{Timeout: time.Duration(d.cfg.HTTP.TimeoutSeconds) * time.Second}

	return remoteapi.NewClient(httpClient, a.toAuth(), d.logger)
}

func (d *Dispatcher) syncInit(raw json.RawMessage) (*mapping.Record, error) {
	p, err := decodeParams[struct {
		VaultPath       string `json:"vault_path"`
		ProjectFolderID string `json:"project_folder_id"`
	}](raw)
	if err != nil {
		return nil, err
	}

	return mapping.Init(p.VaultPath, p.ProjectFolderID, nowRFC3339())
}

func (d *Dispatcher) syncInitialImport(ctx context.Context, raw json.RawMessage) (push.ImportSummary, error) {
	p, err := decodeParams[struct {
		VaultPath       string     `json:"vault_path"`
		ProjectFolderID string     `json:"project_folder_id"`
		Auth            authParams `json:"auth"`
	}](raw)
	if err != nil {
		return push.ImportSummary{}, err
	}

	rec, err := mapping.Init(p.VaultPath, p.ProjectFolderID, nowRFC3339())
	if err != nil {
		return push.ImportSummary{}, err
	}

	return push.InitialImport(ctx, d.newClient(p.Auth), p.VaultPath, rec)
}

func (d *Dispatcher) syncWatchStart(raw json.RawMessage) error {
	p, err := decodeParams[struct {
		VaultPath       string     `json:"vault_path"`
		ProjectFolderID string     `json:"project_folder_id"`
		Auth            authParams `json:"auth"`
	}](raw)
	if err != nil {
		return err
	}

	return d.sup.StartWatch(d.newClient(p.Auth), p.VaultPath, p.ProjectFolderID)
}

func (d *Dispatcher) syncPullOnce(ctx context.Context, raw json.RawMessage) (pull.Summary, error) {
	p, err := decodeParams[struct {
		VaultPath       string     `json:"vault_path"`
		ProjectFolderID string     `json:"project_folder_id"`
		Auth            authParams `json:"auth"`
	}](raw)
	if err != nil {
		return pull.Summary{}, err
	}

	rec, err := mapping.Init(p.VaultPath, p.ProjectFolderID, nowRFC3339())
	if err != nil {
		return pull.Summary{}, err
	}

	return pull.SyncPullOnce(ctx, d.newClient(p.Auth), p.VaultPath, rec)
}

func (d *Dispatcher) syncPullStart(raw json.RawMessage) error {
	p, err := decodeParams[struct {
		VaultPath       string     `json:"vault_path"`
		ProjectFolderID string     `json:"project_folder_id"`
		Auth            authParams `json:"auth"`
		IntervalMS      int        `json:"interval_ms"`
	}](raw)
	if err != nil {
		return err
	}

	interval := d.cfg.Poll.IntervalMS
	if p.IntervalMS > 0 {
		interval = p.IntervalMS
	}

	var rt *supervisor.RealtimeConfig
	if d.cfg.Realtime.Enabled && p.Auth.SupabaseURL != "" {
		rt = &supervisor.RealtimeConfig{
			SupabaseURL: p.Auth.SupabaseURL, SupabaseAnonKey: p.Auth.SupabaseAnonKey, AccessToken: p.Auth.AccessToken,
		}
	}

	return d.sup.StartPoll(d.newClient(p.Auth), p.VaultPath, p.ProjectFolderID, msToDuration(interval), rt)
}

func (d *Dispatcher) syncReadEvents(ctx context.Context, raw json.RawMessage) ([]eventlog.Event, error) {
	p, err := decodeParams[struct {
		VaultPath    string `json:"vault_path"`
		Limit        int    `json:"limit"`
		Kind         string `json:"kind"`
		PathContains string `json:"path_contains"`
		Since        string `json:"since"`
	}](raw)
	if err != nil {
		return nil, err
	}

	noFilter := p.Kind == "" && p.PathContains == "" && p.Since == ""
	if noFilter || !d.cfg.Index.Enabled {
		return eventlog.ReadTail(p.VaultPath, p.Limit)
	}

	return eventindex.QueryFiltered(ctx, p.VaultPath, d.logger, eventindex.Filter{
		Kind: p.Kind, PathContains: p.PathContains, Since: p.Since, Limit: p.Limit,
	})
}

func (d *Dispatcher) vaultWriteTextFile(raw json.RawMessage) error {
	p, err := decodeParams[struct {
		VaultPath    string `json:"vault_path"`
		RelativePath string `json:"relative_path"`
		Content      string `json:"content"`
	}](raw)
	if err != nil {
		return err
	}

	if !pathutil.IsSafeRelative(p.RelativePath) {
		return fmt.Errorf("rpc: relative_path %q escapes the vault", p.RelativePath)
	}

	return writeTextFile(p.VaultPath, p.RelativePath, p.Content)
}

func (d *Dispatcher) vaultEnsureDir(raw json.RawMessage) error {
	p, err := decodeParams[struct {
		VaultPath    string `json:"vault_path"`
		RelativePath string `json:"relative_path"`
	}](raw)
	if err != nil {
		return err
	}

	if !pathutil.IsSafeRelative(p.RelativePath) {
		return fmt.Errorf("rpc: relative_path %q escapes the vault", p.RelativePath)
	}

	return ensureDir(p.VaultPath, p.RelativePath)
}

func msToDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}
