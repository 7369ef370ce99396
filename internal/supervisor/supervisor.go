// Package supervisor implements the watcher and poller supervisors
// (spec.md §4.9): process-wide, per-project start/stop lifecycle with a
// single-instance guard, keyed by "<vault_path>|<project_folder_id>".
package supervisor

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/heysami/nexusmap-sync/internal/mapping"
	"github.com/heysami/nexusmap-sync/internal/pull"
	"github.com/heysami/nexusmap-sync/internal/push"
	"github.com/heysami/nexusmap-sync/internal/realtime"
	"github.com/heysami/nexusmap-sync/internal/remoteapi"
)

// watcherReceiveTimeout bounds how long the watcher thread blocks on the
// fsnotify event channel before polling its stop channel (spec.md §4.9).
const watcherReceiveTimeout = 400 * time.Millisecond

// DefaultPollInterval is the poller's default cycle time.
const DefaultPollInterval = 5 * time.Second

// ErrAlreadyRunning is returned when a watcher or poller is started twice
// for the same key without an intervening stop.
var ErrAlreadyRunning = fmt.Errorf("supervisor: already running for this key")

// Key builds the process-wide map key for a (vault, project) pair.
func Key(vaultPath, projectFolderID string) string {
	return vaultPath + "|" + projectFolderID
}

// Supervisor owns the process-wide watcher and poller maps. A single
// instance is shared by all RPC handlers in the daemon.
type Supervisor struct {
	logger *slog.Logger

	mu        sync.Mutex
	watchers  map[string]chan struct{}
	pollers   map[string]chan struct{}
	listeners map[string]*realtime.Listener
}

// RealtimeConfig enables the nudge listener (SPEC_FULL.md §4.14) for a
// poller. A nil RealtimeConfig passed to StartPoll leaves the poller on its
// plain interval, which remains correct on its own.
type RealtimeConfig struct {
	SupabaseURL     string
	SupabaseAnonKey string
	AccessToken     string
}

// New creates a Supervisor. A nil logger falls back to slog.Default().
func New(logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}

	return &Supervisor{
		logger:    logger,
		watchers:  map[string]chan struct{}{},
		pollers:   map[string]chan struct{}{},
		listeners: map[string]*realtime.Listener{},
	}
}

// StartWatch starts a filesystem watcher for (vault, projectFolderID), if
// one is not already running. Each observed path is dispatched to the push
// engine as an individual SyncOnePath call.
func (s *Supervisor) StartWatch(client *remoteapi.Client, vault, projectFolderID string) error {
	key := Key(vault, projectFolderID)

	s.mu.Lock()

	if _, running := s.watchers[key]; running {
		s.mu.Unlock()

		return ErrAlreadyRunning
	}

	stop := make(chan struct{})
	s.watchers[key] = stop
	s.mu.Unlock()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.mu.Lock()
		delete(s.watchers, key)
		s.mu.Unlock()

		return fmt.Errorf("supervisor: creating watcher: %w", err)
	}

	if err := addWatchesRecursive(watcher, vault); err != nil {
		watcher.Close()

		s.mu.Lock()
		delete(s.watchers, key)
		s.mu.Unlock()

		return fmt.Errorf("supervisor: adding watches under %s: %w", vault, err)
	}

	go s.watchLoop(watcher, stop, client, vault, projectFolderID)

	return nil
}

// StopAllWatches stops every running watcher, draining the map.
func (s *Supervisor) StopAllWatches() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, stop := range s.watchers {
		close(stop)
		delete(s.watchers, key)
	}
}

func (s *Supervisor) watchLoop(watcher *fsnotify.Watcher, stop <-chan struct{}, client *remoteapi.Client, vault, projectFolderID string) {
	defer watcher.Close()

	ctx := context.Background()

	for {
		select {
		case <-stop:
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}

			s.dispatchPush(ctx, client, vault, projectFolderID, ev.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			// Transient filesystem-notification errors are silently ignored;
			// the watcher keeps running (spec.md §7).
			s.logger.Debug("supervisor: watcher error", slog.String("error", err.Error()))
		case <-time.After(watcherReceiveTimeout):
			// Wake up periodically to re-check stop, per spec.md §4.9.
		}
	}
}

func (s *Supervisor) dispatchPush(ctx context.Context, client *remoteapi.Client, vault, projectFolderID, absPath string) {
	rec, err := mapping.Read(vault)
	if err != nil {
		s.logger.Warn("supervisor: reading mapping for push dispatch", slog.String("error", err.Error()))

		return
	}

	if rec == nil || rec.ProjectFolderID != projectFolderID {
		return
	}

	if _, err := push.SyncOnePath(ctx, client, vault, rec, absPath); err != nil {
		s.logger.Warn("supervisor: push failed", slog.String("path", absPath), slog.String("error", err.Error()))
	}
}

// addWatchesRecursive adds an fsnotify watch on every directory under vault,
// including vault itself, so new nested directories are observed as they
// are created (fsnotify watches are not recursive by default).
func addWatchesRecursive(watcher *fsnotify.Watcher, vault string) error {
	return filepath.WalkDir(vault, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil //nolint:nilerr
		}

		if !d.IsDir() {
			return nil
		}

		if d.Name() == mapping.DirName && path != vault {
			return filepath.SkipDir
		}

		return watcher.Add(path)
	})
}

// StartPoll starts a pull poller for (vault, projectFolderID) running
// sync_pull_once on interval, if one is not already running. interval <= 0
// selects DefaultPollInterval. A non-nil rt additionally starts a Realtime
// Nudge Listener (SPEC_FULL.md §4.14) that makes the poller run early
// whenever the remote signals a change, without altering its normal cadence.
func (s *Supervisor) StartPoll(client *remoteapi.Client, vault, projectFolderID string, interval time.Duration, rt *RealtimeConfig) error {
	key := Key(vault, projectFolderID)

	if interval <= 0 {
		interval = DefaultPollInterval
	}

	s.mu.Lock()

	if _, running := s.pollers[key]; running {
		s.mu.Unlock()

		return ErrAlreadyRunning
	}

	stop := make(chan struct{})
	s.pollers[key] = stop

	var nudges <-chan struct{}

	if rt != nil {
		listener := realtime.New(rt.SupabaseURL, rt.SupabaseAnonKey, rt.AccessToken, projectFolderID, s.logger)
		listener.Start(context.Background())
		s.listeners[key] = listener
		nudges = listener.Nudges()
	}

	s.mu.Unlock()

	go s.pollLoop(stop, client, vault, projectFolderID, interval, nudges)

	return nil
}

// StopAllPolls stops every running poller (and any nudge listener started
// alongside it), draining both maps.
func (s *Supervisor) StopAllPolls() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, stop := range s.pollers {
		close(stop)
		delete(s.pollers, key)
	}

	for key, listener := range s.listeners {
		listener.Stop()
		delete(s.listeners, key)
	}
}

func (s *Supervisor) pollLoop(stop <-chan struct{}, client *remoteapi.Client, vault, projectFolderID string, interval time.Duration, nudges <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	runOnce := func() {
		rec, err := mapping.Read(vault)
		if err != nil {
			s.logger.Warn("supervisor: reading mapping for poll", slog.String("error", err.Error()))

			return
		}

		if rec != nil && rec.ProjectFolderID == projectFolderID {
			if _, err := pull.SyncPullOnce(context.Background(), client, vault, rec); err != nil {
				s.logger.Warn("supervisor: pull failed", slog.String("error", err.Error()))
			}
		}
	}

	for {
		select {
		case <-stop:
			return
		default:
		}

		runOnce()

		select {
		case <-stop:
			return
		case <-ticker.C:
		case <-nudges:
			// A nudge runs the next cycle immediately; the ticker keeps its
			// own schedule regardless (SPEC_FULL.md §4.14).
		}
	}
}
