// Package pull implements the pull engine (spec.md §4.8): polls remote
// state since the last pull, materializes files and resources locally with
// conflict handling and remote-deletion reconciliation.
package pull

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/heysami/nexusmap-sync/internal/eventlog"
	"github.com/heysami/nexusmap-sync/internal/kbexport"
	"github.com/heysami/nexusmap-sync/internal/mapping"
	"github.com/heysami/nexusmap-sync/internal/pathutil"
	"github.com/heysami/nexusmap-sync/internal/remoteapi"
	"github.com/heysami/nexusmap-sync/internal/trash"
)

// epoch is used as "since" when the mapping has never pulled before.
const epoch = "1970-01-01T00:00:00Z"

// maxFolderWalkDepth bounds the remote-tree walk used to reconstruct a
// folder's relative path when the mapping has no reverse entry for it.
const maxFolderWalkDepth = 64

// Summary reports the outcome of one sync_pull_once invocation.
type Summary struct {
	FilesCreated     int
	FilesUpdated     int
	FilesDeleted     int
	ResourcesCreated int
	ResourcesUpdated int
	ResourcesDeleted int
	Conflicts        int
	RagExported      bool
	Errors           []string
}

// SyncPullOnce is the pull engine's entry point (spec.md §4.8).
func SyncPullOnce(ctx context.Context, client *remoteapi.Client, vault string, rec *mapping.Record) (Summary, error) {
	var summary Summary

	since := rec.LastPullAt
	if since == "" {
		since = epoch
	}

	allFolders, err := client.ListAllFolders(ctx)
	if err != nil {
		return summary, fmt.Errorf("pull: listing folders: %w", err)
	}

	foldersByID := make(map[string]remoteapi.Folder, len(allFolders))
	for _, f := range allFolders {
		foldersByID[f.ID] = f
	}

	subtree := subtreeIDs(allFolders, rec.ProjectFolderID)

	subtreeList := make([]string, 0, len(subtree))
	for id := range subtree {
		subtreeList = append(subtreeList, id)
	}

	allFileIDs, err := client.ListAllFileIDs(ctx, subtreeList)
	if err != nil {
		return summary, fmt.Errorf("pull: listing file ids: %w", err)
	}

	changedFiles, err := client.ListChangedFiles(ctx, subtreeList, since)
	if err != nil {
		return summary, fmt.Errorf("pull: listing changed files: %w", err)
	}

	now := nowRFC3339()

	for _, rf := range changedFiles {
		if err := pullOneFile(vault, rec, foldersByID, rf, &summary); err != nil {
			summary.Errors = append(summary.Errors, err.Error())
		}
	}

	changedResources, err := client.ListChangedResources(ctx, rec.ProjectFolderID, since)
	if err != nil {
		return summary, fmt.Errorf("pull: listing changed resources: %w", err)
	}

	for _, rr := range changedResources {
		if err := pullOneResource(vault, rec, rr, &summary); err != nil {
			summary.Errors = append(summary.Errors, err.Error())
		}
	}

	allResourceIDs, err := client.ListAllResourceIDs(ctx, rec.ProjectFolderID)
	if err != nil {
		return summary, fmt.Errorf("pull: listing resource ids: %w", err)
	}

	reconcileDeletedFiles(vault, rec, allFileIDs, &summary)
	reconcileDeletedResources(vault, rec, allResourceIDs, &summary)

	newExportAt, wrote, exportSummary, err := kbexport.Export(ctx, client, vault, rec.ProjectFolderID, rec.LastRagExportAt)
	if err != nil {
		summary.Errors = append(summary.Errors, err.Error())
	} else if wrote {
		rec.LastRagExportAt = newExportAt
		summary.RagExported = true

		ev := eventlog.Event{
			TS: now, Kind: eventlog.KindRagExport,
			Detail: fmt.Sprintf("entities=%d edges=%d chunks=%d", exportSummary.Entities, exportSummary.Edges, exportSummary.Chunks),
		}
		_ = eventlog.Append(vault, ev)
	}

	rec.LastPullAt = now
	rec.UpdatedAt = now

	if err := mapping.Write(vault, rec); err != nil {
		return summary, fmt.Errorf("pull: writing mapping: %w", err)
	}

	ev := eventlog.Event{
		TS: now, Kind: eventlog.KindPull,
		Detail: fmt.Sprintf(
			"files_created=%d files_updated=%d files_deleted=%d resources_created=%d resources_updated=%d resources_deleted=%d conflicts=%d",
			summary.FilesCreated, summary.FilesUpdated, summary.FilesDeleted,
			summary.ResourcesCreated, summary.ResourcesUpdated, summary.ResourcesDeleted, summary.Conflicts,
		),
	}
	if err := eventlog.Append(vault, ev); err != nil {
		return summary, fmt.Errorf("pull: logging pull event: %w", err)
	}

	return summary, nil
}

// subtreeIDs computes the set of folder ids reachable from rootID by BFS
// over the parent→children adjacency implied by allFolders.
func subtreeIDs(allFolders []remoteapi.Folder, rootID string) map[string]bool {
	children := map[string][]string{}
	for _, f := range allFolders {
		if f.ParentID != nil {
			children[*f.ParentID] = append(children[*f.ParentID], f.ID)
		}
	}

	visited := map[string]bool{rootID: true}
	queue := []string{rootID}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		for _, child := range children[id] {
			if !visited[child] {
				visited[child] = true

				queue = append(queue, child)
			}
		}
	}

	return visited
}

// folderRel resolves a folder id to a relative path: mapping reverse lookup
// first, then a bounded walk up the remote tree to the project root.
func folderRel(rec *mapping.Record, foldersByID map[string]remoteapi.Folder, folderID string) (string, bool) {
	if rel, ok := rec.FolderRel(folderID); ok {
		return rel, true
	}

	if folderID == rec.ProjectFolderID {
		return "", true
	}

	var segments []string

	current := folderID

	for depth := 0; depth < maxFolderWalkDepth; depth++ {
		f, ok := foldersByID[current]
		if !ok {
			return "", false
		}

		segments = append([]string{f.Name}, segments...)

		if f.ParentID == nil || *f.ParentID == rec.ProjectFolderID || *f.ParentID == "" {
			return strings.Join(segments, "/"), true
		}

		current = *f.ParentID
	}

	return "", false
}

func pullOneFile(vault string, rec *mapping.Record, foldersByID map[string]remoteapi.Folder, rf remoteapi.File, summary *Summary) error {
	folderRelPath, ok := folderRel(rec, foldersByID, rf.FolderID)
	if !ok {
		folderRelPath = ""
	}

	rel, ok := rec.FileRelByID(rf.ID)
	if !ok {
		rel = pathutil.Join(folderRelPath, rf.Name)
	}

	return materialize(vault, rec, rel, rf.FolderID, rf.ID, rf.Kind, rf.Content, rf.UpdatedAt, summary)
}

func pullOneResource(vault string, rec *mapping.Record, rr remoteapi.Resource, summary *Summary) error {
	dir := "resources"
	if rr.Source != nil && rr.Source.Type == "docling" {
		dir = "resources/docling"
	}

	rel, ok := rec.ResourceRelByID(rr.ID)
	if !ok {
		rel = pathutil.Join(dir, rr.Name)
	}

	return materializeResource(vault, rec, rel, rr.ID, rr.Markdown, rr.UpdatedAt, summary)
}

// materialize writes a pulled remote file to disk, handling the
// local-modified-and-remote-newer conflict case by writing a sibling file
// instead of overwriting (spec.md §4.8 step 4).
func materialize(
	vault string, rec *mapping.Record, rel, folderID, fileID, docKind, content, remoteUpdatedAt string,
	summary *Summary,
) error {
	absPath := filepath.Join(vault, filepath.FromSlash(rel))

	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return fmt.Errorf("pull: creating directory for %s: %w", rel, err)
	}

	prev, hadPrev := rec.Files[rel]

	localBytes, readErr := os.ReadFile(absPath)
	hasLocal := readErr == nil

	var localHash string
	if hasLocal {
		localHash = pathutil.Hash(localBytes)
	}

	localModified := hadPrev && hasLocal && prev.LocalHash != "" && prev.LocalHash != localHash
	remoteNewer := hadPrev && prev.RemoteUpdatedAt != "" && remoteUpdatedAt > prev.RemoteUpdatedAt

	if localModified && remoteNewer {
		siblingRel := conflictSiblingPath(rel)
		siblingAbs := filepath.Join(vault, filepath.FromSlash(siblingRel))

		if err := os.WriteFile(siblingAbs, []byte(content), 0o644); err != nil {
			return fmt.Errorf("pull: writing conflict sibling for %s: %w", rel, err)
		}

		summary.Conflicts++

		return eventlog.Append(vault, eventlog.Event{
			TS: nowRFC3339(), Kind: eventlog.KindConflict, Path: rel,
			Detail: "remote file update would overwrite local edits; wrote conflict sibling",
		})
	}

	if err := os.WriteFile(absPath, []byte(content), 0o644); err != nil {
		return fmt.Errorf("pull: writing %s: %w", rel, err)
	}

	newHash := pathutil.Hash([]byte(content))

	rec.Files[rel] = mapping.FileEntry{
		FileID: fileID, FolderID: folderID, Kind: docKind,
		LocalHash: newHash, RemoteUpdatedAt: remoteUpdatedAt,
	}

	if hadPrev {
		summary.FilesUpdated++
	} else {
		summary.FilesCreated++
	}

	return nil
}

// materializeResource writes a pulled remote resource to disk. It follows
// the identical pipeline as materialize (spec.md §4.8 step 5): a
// local-modified-and-remote-newer resource is written to a conflict sibling
// instead of overwritten, leaving its mapping entry untouched.
func materializeResource(vault string, rec *mapping.Record, rel, resourceID, markdown, remoteUpdatedAt string, summary *Summary) error {
	absPath := filepath.Join(vault, filepath.FromSlash(rel))

	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return fmt.Errorf("pull: creating directory for %s: %w", rel, err)
	}

	prev, hadPrev := rec.Resources[rel]

	localBytes, readErr := os.ReadFile(absPath)
	hasLocal := readErr == nil

	var localHash string
	if hasLocal {
		localHash = pathutil.Hash(localBytes)
	}

	localModified := hadPrev && hasLocal && prev.LocalHash != "" && prev.LocalHash != localHash
	remoteNewer := hadPrev && prev.RemoteUpdatedAt != "" && remoteUpdatedAt > prev.RemoteUpdatedAt

	if localModified && remoteNewer {
		siblingRel := conflictSiblingPath(rel)
		siblingAbs := filepath.Join(vault, filepath.FromSlash(siblingRel))

		if err := os.WriteFile(siblingAbs, []byte(markdown), 0o644); err != nil {
			return fmt.Errorf("pull: writing conflict sibling for %s: %w", rel, err)
		}

		summary.Conflicts++

		return eventlog.Append(vault, eventlog.Event{
			TS: nowRFC3339(), Kind: eventlog.KindConflict, Path: rel,
			Detail: "remote resource update would overwrite local edits; wrote conflict sibling",
		})
	}

	if err := os.WriteFile(absPath, []byte(markdown), 0o644); err != nil {
		return fmt.Errorf("pull: writing resource %s: %w", rel, err)
	}

	rec.Resources[rel] = mapping.ResourceEntry{
		ResourceID: resourceID, LocalHash: pathutil.Hash([]byte(markdown)), RemoteUpdatedAt: remoteUpdatedAt,
	}

	if hadPrev {
		summary.ResourcesUpdated++
	} else {
		summary.ResourcesCreated++
	}

	return nil
}

func reconcileDeletedFiles(vault string, rec *mapping.Record, liveIDs map[string]bool, summary *Summary) {
	for rel, entry := range rec.Files {
		if liveIDs[entry.FileID] {
			continue
		}

		archiveLocal(vault, rel)
		delete(rec.Files, rel)
		summary.FilesDeleted++

		_ = eventlog.Append(vault, eventlog.Event{TS: nowRFC3339(), Kind: eventlog.KindPullDelete, Path: rel})
	}
}

func reconcileDeletedResources(vault string, rec *mapping.Record, liveIDs map[string]bool, summary *Summary) {
	for rel, entry := range rec.Resources {
		if liveIDs[entry.ResourceID] {
			continue
		}

		archiveLocal(vault, rel)
		delete(rec.Resources, rel)
		summary.ResourcesDeleted++

		_ = eventlog.Append(vault, eventlog.Event{TS: nowRFC3339(), Kind: eventlog.KindPullDelete, Path: rel})
	}
}

// archiveLocal moves a locally present file into the trash archive before
// its mapping entry is dropped; a missing or non-regular file is not an
// error (it was never materialized locally).
func archiveLocal(vault, rel string) {
	_, _ = trash.Archive(vault, rel)
}

// conflictTSLayout is a colon-free RFC3339 variant safe in filenames on every
// platform, including Windows (matches internal/trash's archive-folder
// naming, for the same reason).
const conflictTSLayout = "2006-01-02T150405Z"

// conflictSiblingPath builds "<dir>/<stem> (conflict from NexusMap <ts>).<ext>"
// using a freshly generated timestamp, not the remote row's updated_at (which
// is an RFC3339 string containing colons, illegal in Windows filenames).
func conflictSiblingPath(rel string) string {
	dir := pathutil.ParentDir(rel)
	name := filepath.Base(rel)
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	ts := time.Now().UTC().Format(conflictTSLayout)
	siblingName := fmt.Sprintf("%s (conflict from NexusMap %s)%s", stem, ts, ext)

	return pathutil.Join(dir, siblingName)
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}
