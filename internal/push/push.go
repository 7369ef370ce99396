// Package push implements the push engine (spec.md §4.7): reacts to one
// local filesystem path, classifying it as create/update/delete/folder/
// ignored, and upserts the corresponding remote state.
package push

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/heysami/nexusmap-sync/internal/eventlog"
	"github.com/heysami/nexusmap-sync/internal/kind"
	"github.com/heysami/nexusmap-sync/internal/mapping"
	"github.com/heysami/nexusmap-sync/internal/pathutil"
	"github.com/heysami/nexusmap-sync/internal/remoteapi"
	"github.com/heysami/nexusmap-sync/internal/resolver"
	"github.com/heysami/nexusmap-sync/internal/trash"
)

// Result reports whether SyncOnePath did anything observable.
type Result struct {
	Skipped bool
	Event   *eventlog.Event
}

// SyncOnePath is the push engine's entry point (spec.md §4.7). vault is the
// vault root; absPath is the filesystem path the watcher observed.
func SyncOnePath(ctx context.Context, client *remoteapi.Client, vault string, rec *mapping.Record, absPath string) (Result, error) {
	rel, ok := pathutil.Rel(vault, absPath)
	if !ok || rel == "" || pathutil.HasComponent(rel, mapping.DirName) {
		return Result{Skipped: true}, nil
	}

	if pathutil.IsUnder(rel, "resources") || pathutil.IsUnder(rel, "rag") {
		return Result{Skipped: true}, nil
	}

	info, statErr := os.Stat(absPath)
	if statErr != nil {
		if os.IsNotExist(statErr) {
			return handleDelete(ctx, client, vault, rec, rel)
		}

		return Result{}, fmt.Errorf("push: stat %s: %w", absPath, statErr)
	}

	if info.IsDir() {
		return handleDir(ctx, client, vault, rec, rel)
	}

	if strings.ToLower(filepath.Ext(rel)) != ".md" {
		return Result{Skipped: true}, nil
	}

	return handleFile(ctx, client, vault, rec, rel, absPath)
}

func handleDelete(ctx context.Context, client *remoteapi.Client, vault string, rec *mapping.Record, rel string) (Result, error) {
	entry, ok := rec.Files[rel]
	if !ok {
		return Result{Skipped: true}, nil
	}

	if name, content, found, err := client.FetchFileBackup(ctx, entry.FileID); err == nil && found {
		_, _ = trash.ArchiveBytes(vault, rel, []byte(content))
		_ = name // the remote name is informational only; rel is the archive key
	}

	if err := client.DeleteFile(ctx, entry.FileID); err != nil {
		return Result{}, fmt.Errorf("push: deleting remote file for %s: %w", rel, err)
	}

	delete(rec.Files, rel)
	rec.UpdatedAt = nowRFC3339()

	ev := eventlog.Event{TS: rec.UpdatedAt, Kind: eventlog.KindDelete, Path: rel}
	if err := eventlog.Append(vault, ev); err != nil {
		return Result{}, fmt.Errorf("push: logging delete event: %w", err)
	}

	if err := mapping.Write(vault, rec); err != nil {
		return Result{}, fmt.Errorf("push: writing mapping: %w", err)
	}

	return Result{Event: &ev}, nil
}

func handleDir(ctx context.Context, client *remoteapi.Client, vault string, rec *mapping.Record, rel string) (Result, error) {
	_, _, err := resolver.EnsureFolderPath(ctx, client, rec, rel)
	if err != nil {
		return Result{}, fmt.Errorf("push: ensuring folder %s: %w", rel, err)
	}

	rec.UpdatedAt = nowRFC3339()

	ev := eventlog.Event{TS: rec.UpdatedAt, Kind: eventlog.KindPush, Path: rel}
	if err := eventlog.Append(vault, ev); err != nil {
		return Result{}, fmt.Errorf("push: logging push event: %w", err)
	}

	if err := mapping.Write(vault, rec); err != nil {
		return Result{}, fmt.Errorf("push: writing mapping: %w", err)
	}

	return Result{Event: &ev}, nil
}

func handleFile(ctx context.Context, client *remoteapi.Client, vault string, rec *mapping.Record, rel, absPath string) (Result, error) {
	skipped, err := upsertFile(ctx, client, rec, rel, absPath)
	if err != nil {
		return Result{}, err
	}

	if skipped {
		return Result{Skipped: true}, nil
	}

	now := rec.UpdatedAt

	ev := eventlog.Event{TS: now, Kind: eventlog.KindPush, Path: rel}
	if err := eventlog.Append(vault, ev); err != nil {
		return Result{}, fmt.Errorf("push: logging push event: %w", err)
	}

	if err := mapping.Write(vault, rec); err != nil {
		return Result{}, fmt.Errorf("push: writing mapping: %w", err)
	}

	return Result{Event: &ev}, nil
}

// upsertFile reads absPath and creates or updates the corresponding remote
// file, mutating rec.Files[rel] and rec.UpdatedAt in place. It reports
// skipped=true when the local content hash matches the mapped hash (no-op).
// It does not append an event or persist the mapping — callers decide that,
// since the initial-import walker intentionally skips event emission
// (spec.md §5 Open Questions) while the watcher-driven path does not.
func upsertFile(ctx context.Context, client *remoteapi.Client, rec *mapping.Record, rel, absPath string) (skipped bool, err error) {
	raw, err := os.ReadFile(absPath)
	if err != nil {
		return false, fmt.Errorf("push: reading %s: %w", absPath, err)
	}

	content := lossyUTF8(raw)
	hash := pathutil.Hash(raw)
	docKind := kind.Detect(content)

	dir := pathutil.ParentDir(rel)

	folderID, _, err := resolver.EnsureFolderPath(ctx, client, rec, dir)
	if err != nil {
		return false, fmt.Errorf("push: ensuring parent folder for %s: %w", rel, err)
	}

	name := filepath.Base(rel)
	now := nowRFC3339()

	existing, hasEntry := rec.Files[rel]

	switch {
	case hasEntry && existing.LocalHash == hash:
		return true, nil

	case hasEntry:
		f, err := client.UpdateFile(ctx, existing.FileID, docKind, content, now)
		if err != nil {
			return false, fmt.Errorf("push: updating remote file for %s: %w", rel, err)
		}

		rec.Files[rel] = mapping.FileEntry{
			FileID: f.ID, FolderID: folderID, Kind: docKind,
			LocalHash: hash, RemoteUpdatedAt: f.UpdatedAt,
		}

	default:
		fileID, found, err := client.FindFile(ctx, folderID, name)
		if err != nil {
			return false, fmt.Errorf("push: looking up remote file for %s: %w", rel, err)
		}

		var f remoteapi.File

		if found {
			f, err = client.UpdateFile(ctx, fileID, docKind, content, now)
		} else {
			f, err = client.CreateFile(ctx, folderID, client.OwnerID(), name, docKind, content, now)
		}

		if err != nil {
			return false, fmt.Errorf("push: upserting remote file for %s: %w", rel, err)
		}

		rec.Files[rel] = mapping.FileEntry{
			FileID: f.ID, FolderID: folderID, Kind: docKind,
			LocalHash: hash, RemoteUpdatedAt: f.UpdatedAt,
		}
	}

	rec.UpdatedAt = now

	return false, nil
}

// ImportSummary reports the result of InitialImport.
type ImportSummary struct {
	FilesUploaded int
	FilesSkipped  int
}

// InitialImport walks vault for every ".md" file and upserts it to the
// remote project (spec.md §6 sync_initial_import). Unlike SyncOnePath it
// does not append to events.jsonl for each file; per spec.md §5 this is the
// documented (if ambiguous) behavior, preserved as-is.
func InitialImport(ctx context.Context, client *remoteapi.Client, vault string, rec *mapping.Record) (ImportSummary, error) {
	var summary ImportSummary

	err := filepath.WalkDir(vault, func(absPath string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		if d.IsDir() {
			if d.Name() == mapping.DirName && absPath != vault {
				return filepath.SkipDir
			}

			return nil
		}

		rel, ok := pathutil.Rel(vault, absPath)
		if !ok || rel == "" || pathutil.HasComponent(rel, mapping.DirName) {
			return nil
		}

		if pathutil.IsUnder(rel, "resources") || pathutil.IsUnder(rel, "rag") {
			return nil
		}

		if strings.ToLower(filepath.Ext(rel)) != ".md" {
			return nil
		}

		skipped, err := upsertFile(ctx, client, rec, rel, absPath)
		if err != nil {
			return err
		}

		if skipped {
			summary.FilesSkipped++
		} else {
			summary.FilesUploaded++
		}

		return nil
	})
	if err != nil {
		return ImportSummary{}, fmt.Errorf("push: initial import: %w", err)
	}

	if err := mapping.Write(vault, rec); err != nil {
		return ImportSummary{}, fmt.Errorf("push: initial import: writing mapping: %w", err)
	}

	return summary, nil
}

// lossyUTF8 decodes raw as UTF-8, substituting U+FFFD for invalid sequences
// (spec.md §9 design note: lossy decoding on push).
func lossyUTF8(raw []byte) string {
	return strings.ToValidUTF8(string(raw), "�")
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}
