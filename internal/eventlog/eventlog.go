// Package eventlog implements the append-only structured log of sync
// actions surfaced to the UI ("events.jsonl").
package eventlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/heysami/nexusmap-sync/internal/mapping"
)

// Kind enumerates the event kinds defined by spec.md §3.
type Kind string

// Event kinds.
const (
	KindPush      Kind = "push"
	KindDelete    Kind = "delete"
	KindPull      Kind = "pull"
	KindPullDelete Kind = "pull_delete"
	KindConflict  Kind = "conflict"
	KindRagExport Kind = "rag_export"
)

// Event is one line of events.jsonl.
type Event struct {
	TS     string `json:"ts"`
	Kind   Kind   `json:"kind"`
	Path   string `json:"path"`
	Detail string `json:"detail"`
}

// FileName is the append-only event log's filename inside ".nexusmap/".
const FileName = "events.jsonl"

// Path returns the full path to events.jsonl inside vault.
func Path(vault string) string {
	return filepath.Join(mapping.Dir(vault), FileName)
}

// Append writes ev as one JSON line to vault's events.jsonl, creating
// .nexusmap/ on demand.
func Append(vault string, ev Event) error {
	if err := os.MkdirAll(mapping.Dir(vault), 0o755); err != nil {
		return fmt.Errorf("eventlog: creating %s: %w", mapping.Dir(vault), err)
	}

	f, err := os.OpenFile(Path(vault), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("eventlog: opening %s: %w", Path(vault), err)
	}
	defer f.Close()

	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("eventlog: encoding event: %w", err)
	}

	line = append(line, '\n')

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("eventlog: writing %s: %w", Path(vault), err)
	}

	return nil
}

// ReadTail returns up to limit events in chronological order, the oldest of
// the last `limit` lines first. A missing file is not an error — it yields
// an empty slice.
func ReadTail(vault string, limit int) ([]Event, error) {
	f, err := os.Open(Path(vault))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("eventlog: opening %s: %w", Path(vault), err)
	}
	defer f.Close()

	var all []string

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		all = append(all, line)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("eventlog: reading %s: %w", Path(vault), err)
	}

	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}

	events := make([]Event, 0, len(all))

	for _, line := range all {
		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue // tolerate a corrupt trailing line rather than failing the whole tail
		}

		events = append(events, ev)
	}

	return events, nil
}
