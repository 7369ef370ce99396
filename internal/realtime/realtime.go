// Package realtime implements the Supabase Realtime nudge listener
// (SPEC_FULL.md §4.14): a websocket that watches the files,
// project_resources, and rag_projects tables for one project and pokes a
// channel whenever something changes, so the poller can run sync_pull_once
// early instead of waiting out its interval. It is strictly an optimization
// — every correctness property holds with it absent.
package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	heartbeatInterval = 25 * time.Second
	writeTimeout      = 5 * time.Second
	reconnectBase     = 250 * time.Millisecond
	reconnectMax      = 8 * time.Second

	joinTopic = "realtime:public"
)

// watchedTables are the tables whose postgres_changes events trigger a
// nudge (SPEC_FULL.md §4.14).
var watchedTables = []string{"files", "project_resources", "rag_projects"}

// phoenixMessage is the envelope Supabase Realtime's Phoenix channel
// protocol uses for every frame in both directions.
type phoenixMessage struct {
	Topic   string `json:"topic"`
	Event   string `json:"event"`
	Payload any    `json:"payload"`
	Ref     string `json:"ref"`
}

// Listener maintains one reconnecting websocket per project and signals
// Nudges() whenever a watched table changes.
type Listener struct {
	supabaseURL string
	anonKey     string
	accessToken string
	projectID   string
	logger      *slog.Logger

	nudges chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New builds a Listener for one project. Call Start to connect.
func New(supabaseURL, anonKey, accessToken, projectFolderID string, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}

	return &Listener{
		supabaseURL: supabaseURL, anonKey: anonKey, accessToken: accessToken, projectID: projectFolderID,
		logger: logger, nudges: make(chan struct{}, 1),
	}
}

// Nudges returns the channel signaled (non-blocking, coalesced) whenever a
// watched table changes for this project.
func (l *Listener) Nudges() <-chan struct{} {
	return l.nudges
}

// Start connects in the background and keeps reconnecting until ctx is
// canceled or Stop is called. The delay between attempts starts at
// reconnectBase, doubles after each failure up to reconnectMax, and is
// jittered.
func (l *Listener) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)

	l.mu.Lock()
	l.cancel = cancel
	l.mu.Unlock()

	go l.reconnectLoop(runCtx)
}

// Stop tears down the connection and stops reconnecting.
func (l *Listener) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cancel != nil {
		l.cancel()
	}
}

func (l *Listener) reconnectLoop(ctx context.Context) {
	delay := reconnectBase

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := l.runOnce(ctx)
		if err == nil {
			delay = reconnectBase

			continue
		}

		if ctx.Err() != nil {
			return
		}

		l.logger.Warn("realtime: connection lost, reconnecting",
			slog.String("error", err.Error()), slog.Duration("delay", delay))

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		delay *= 2
		if delay > reconnectMax {
			delay = reconnectMax
		}

		jitter := time.Duration(rand.Float64() * float64(delay) / 4) //nolint:gosec
		delay = delay - delay/8 + jitter
	}
}

// runOnce dials, joins the channel, and pumps frames until the connection
// drops or ctx is canceled. It returns nil only when ctx is canceled.
func (l *Listener) runOnce(ctx context.Context) error {
	wsURL, err := l.websocketURL()
	if err != nil {
		return fmt.Errorf("realtime: building url: %w", err)
	}

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("realtime: dial: %w", err)
	}
	defer conn.CloseNow()

	if err := l.join(ctx, conn); err != nil {
		return fmt.Errorf("realtime: join: %w", err)
	}

	l.logger.Info("realtime: connected", slog.String("project_folder_id", l.projectID))

	errCh := make(chan error, 1)

	go l.heartbeatLoop(ctx, conn, errCh)

	for {
		var msg phoenixMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			if ctx.Err() != nil {
				conn.Close(websocket.StatusNormalClosure, "shutdown")

				return nil
			}

			return fmt.Errorf("realtime: read: %w", err)
		}

		if msg.Event == "postgres_changes" {
			l.signalNudge()
		}
	}
}

func (l *Listener) heartbeatLoop(ctx context.Context, conn *websocket.Conn, errCh chan<- error) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(writeCtx, conn, phoenixMessage{Topic: "phoenix", Event: "heartbeat", Payload: map[string]any{}, Ref: "heartbeat"})
			cancel()

			if err != nil {
				select {
				case errCh <- err:
				default:
				}

				return
			}
		}
	}
}

func (l *Listener) join(ctx context.Context, conn *websocket.Conn) error {
	changes := make([]map[string]string, 0, len(watchedTables))
	for _, table := range watchedTables {
		changes = append(changes, map[string]string{
			"event": "*", "schema": "public", "table": table,
			"filter": "project_folder_id=eq." + l.projectID,
		})
	}

	payload := map[string]any{
		"config": map[string]any{"postgres_changes": changes},
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	return wsjson.Write(writeCtx, conn, phoenixMessage{Topic: joinTopic, Event: "phx_join", Payload: payload, Ref: "1"})
}

func (l *Listener) signalNudge() {
	select {
	case l.nudges <- struct{}{}:
	default:
	}
}

// websocketURL builds "<supabase_url>/realtime/v1/websocket?apikey=...&vsn=1.0.0".
func (l *Listener) websocketURL() (string, error) {
	base := strings.TrimSuffix(l.supabaseURL, "/")

	scheme := "wss"
	if strings.HasPrefix(base, "http://") {
		scheme = "ws"
	}

	base = strings.TrimPrefix(strings.TrimPrefix(base, "https://"), "http://")

	u := url.URL{
		Scheme: scheme,
		Host:   base,
		Path:   "/realtime/v1/websocket",
	}

	q := u.Query()
	q.Set("apikey", l.anonKey)
	q.Set("vsn", "1.0.0")

	if l.accessToken != "" {
		q.Set("access_token", l.accessToken)
	}

	u.RawQuery = q.Encode()

	return u.String(), nil
}
