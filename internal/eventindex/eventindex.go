// Package eventindex implements the derived SQLite mirror of events.jsonl
// (SPEC_FULL.md §4.15): a rebuildable cache that serves sync_read_events'
// optional kind/path_contains/since filters. It is never a second source of
// truth — events.jsonl remains authoritative, and the index transparently
// rebuilds from it whenever it is missing or stale. If the index cannot be
// opened or queried, QueryFiltered falls back to the plain tail of
// events.jsonl.
package eventindex

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/heysami/nexusmap-sync/internal/eventlog"
	"github.com/heysami/nexusmap-sync/internal/mapping"
)

// FileName is the event index database's filename inside ".nexusmap/".
const FileName = "events.db"

// Path returns the full path to events.db inside vault.
func Path(vault string) string {
	return filepath.Join(mapping.Dir(vault), FileName)
}

// Index is an open handle on one vault's event index database. The sole
// writer owns it; callers open and close one per query or rebuild, matching
// the teacher's sole-writer SetMaxOpenConns(1) pattern since the index is a
// cheap, rebuildable cache rather than a long-lived connection pool.
type Index struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates .nexusmap/ if needed, opens events.db, and brings its schema
// up to date via the embedded goose migrations.
func Open(ctx context.Context, vault string, logger *slog.Logger) (*Index, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(mapping.Dir(vault), 0o755); err != nil {
		return nil, fmt.Errorf("eventindex: creating %s: %w", mapping.Dir(vault), err)
	}

	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)",
		Path(vault),
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("eventindex: opening %s: %w", Path(vault), err)
	}

	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()

		return nil, err
	}

	return &Index{db: db, logger: logger}, nil
}

// Close releases the database handle.
func (ix *Index) Close() error {
	return ix.db.Close()
}

// Rebuild discards the indexed rows and repopulates them from vault's
// events.jsonl in full, the authoritative source. Called whenever the index
// is found missing or older than the log it mirrors.
func (ix *Index) Rebuild(ctx context.Context, vault string) error {
	events, err := eventlog.ReadTail(vault, 0)
	if err != nil {
		return fmt.Errorf("eventindex: reading %s: %w", eventlog.Path(vault), err)
	}

	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("eventindex: beginning rebuild transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op once committed

	if _, err := tx.ExecContext(ctx, `DELETE FROM events`); err != nil {
		return fmt.Errorf("eventindex: clearing events: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO events (ts, kind, path, detail) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("eventindex: preparing insert: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		if _, err := stmt.ExecContext(ctx, ev.TS, string(ev.Kind), ev.Path, ev.Detail); err != nil {
			return fmt.Errorf("eventindex: inserting event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("eventindex: committing rebuild: %w", err)
	}

	ix.logger.Info("eventindex: rebuilt", slog.Int("events", len(events)))

	return nil
}

// Append inserts one row without touching the rest of the table, for a
// caller that already holds an open Index and wants to avoid a full Rebuild
// on every event.
func (ix *Index) Append(ctx context.Context, ev eventlog.Event) error {
	_, err := ix.db.ExecContext(ctx,
		`INSERT INTO events (ts, kind, path, detail) VALUES (?, ?, ?, ?)`,
		ev.TS, string(ev.Kind), ev.Path, ev.Detail,
	)
	if err != nil {
		return fmt.Errorf("eventindex: appending event: %w", err)
	}

	return nil
}

// Filter narrows a Query. A zero-value field is not applied. Limit <= 0
// means unbounded, matching eventlog.ReadTail's convention.
type Filter struct {
	Kind         string
	PathContains string
	Since        string
	Limit        int
}

// Query returns events matching filter, oldest-of-the-matching-tail first
// (the same ordering ReadTail uses for the unfiltered case).
func (ix *Index) Query(ctx context.Context, filter Filter) ([]eventlog.Event, error) {
	var (
		clauses []string
		args    []any
	)

	if filter.Kind != "" {
		clauses = append(clauses, "kind = ?")
		args = append(args, filter.Kind)
	}

	if filter.PathContains != "" {
		clauses = append(clauses, "path LIKE ?")
		args = append(args, "%"+escapeLike(filter.PathContains)+"%")
	}

	if filter.Since != "" {
		clauses = append(clauses, "ts >= ?")
		args = append(args, filter.Since)
	}

	query := "SELECT ts, kind, path, detail FROM events"
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}

	query += " ORDER BY id DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := ix.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("eventindex: querying events: %w", err)
	}
	defer rows.Close()

	var events []eventlog.Event

	for rows.Next() {
		var ev eventlog.Event
		if err := rows.Scan(&ev.TS, &ev.Kind, &ev.Path, &ev.Detail); err != nil {
			return nil, fmt.Errorf("eventindex: scanning event: %w", err)
		}

		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("eventindex: reading events: %w", err)
	}

	reverse(events)

	return events, nil
}

// escapeLike escapes SQLite LIKE metacharacters so PathContains is matched
// literally rather than as a pattern.
func escapeLike(s string) string {
	replacer := strings.NewReplacer("\\", "\\\\", "%", "\\%", "_", "\\_")

	return replacer.Replace(s)
}

func reverse(events []eventlog.Event) {
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
}

// NeedsRebuild reports whether events.db is missing or older than
// events.jsonl, in which case it no longer faithfully mirrors the log.
func NeedsRebuild(vault string) (bool, error) {
	logInfo, err := os.Stat(eventlog.Path(vault))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil // nothing to mirror yet
		}

		return false, fmt.Errorf("eventindex: statting %s: %w", eventlog.Path(vault), err)
	}

	dbInfo, err := os.Stat(Path(vault))
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}

		return false, fmt.Errorf("eventindex: statting %s: %w", Path(vault), err)
	}

	return logInfo.ModTime().After(dbInfo.ModTime()), nil
}

// QueryFiltered is the convenience entry point sync_read_events uses when a
// filter is supplied: it opens the index, rebuilds it if stale, runs the
// query, and closes the handle. On any index-layer failure it falls back to
// eventlog.ReadTail so a corrupt cache never breaks the read.
func QueryFiltered(ctx context.Context, vault string, logger *slog.Logger, filter Filter) ([]eventlog.Event, error) {
	events, err := queryFilteredOrErr(ctx, vault, logger, filter)
	if err != nil {
		if logger == nil {
			logger = slog.Default()
		}

		logger.Warn("eventindex: falling back to plain tail", slog.String("error", err.Error()))

		return eventlog.ReadTail(vault, filter.Limit)
	}

	return events, nil
}

func queryFilteredOrErr(ctx context.Context, vault string, logger *slog.Logger, filter Filter) ([]eventlog.Event, error) {
	stale, err := NeedsRebuild(vault)
	if err != nil {
		return nil, err
	}

	ix, err := Open(ctx, vault, logger)
	if err != nil {
		return nil, err
	}
	defer ix.Close()

	if stale {
		if err := ix.Rebuild(ctx, vault); err != nil {
			return nil, err
		}
	}

	return ix.Query(ctx, filter)
}
