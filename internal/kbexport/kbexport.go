// Package kbexport implements the KB Snapshot Exporter (spec.md §4.10):
// on pull, if the remote knowledge-base timestamp advanced, dumps entities,
// edges, and chunks into "<vault>/rag/" as line-delimited JSON.
package kbexport

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/heysami/nexusmap-sync/internal/remoteapi"
)

// DirName is the KB snapshot's directory inside the vault.
const DirName = "rag"

// Summary reports the exported row counts, for the caller's event detail.
type Summary struct {
	Entities int
	Edges    int
	Chunks   int
}

// Export runs the KB snapshot exporter. lastExportAt is the mapping's
// high-water mark (empty string = never exported). It returns
// (newUpdatedAt, true, summary, nil) when an export was written, or
// ("", false, Summary{}, nil) when there is nothing new to export.
func Export(ctx context.Context, client *remoteapi.Client, vault, projectFolderID, lastExportAt string) (string, bool, Summary, error) {
	project, found, err := client.GetRagProject(ctx, projectFolderID)
	if err != nil {
		return "", false, Summary{}, fmt.Errorf("kbexport: fetching rag project: %w", err)
	}

	if !found {
		return "", false, Summary{}, nil
	}

	if lastExportAt != "" && project.UpdatedAt <= lastExportAt {
		return "", false, Summary{}, nil
	}

	entities, err := client.ListKGEntities(ctx, projectFolderID)
	if err != nil {
		return "", false, Summary{}, fmt.Errorf("kbexport: fetching kg_entities: %w", err)
	}

	edges, err := client.ListKGEdges(ctx, projectFolderID)
	if err != nil {
		return "", false, Summary{}, fmt.Errorf("kbexport: fetching kg_edges: %w", err)
	}

	chunks, err := client.ListRagChunks(ctx, projectFolderID)
	if err != nil {
		return "", false, Summary{}, fmt.Errorf("kbexport: fetching rag_chunks: %w", err)
	}

	ragDir := filepath.Join(vault, DirName)
	if err := os.MkdirAll(ragDir, 0o755); err != nil {
		return "", false, Summary{}, fmt.Errorf("kbexport: creating %s: %w", ragDir, err)
	}

	projectJSON, err := json.MarshalIndent(project, "", "  ")
	if err != nil {
		return "", false, Summary{}, fmt.Errorf("kbexport: encoding project.json: %w", err)
	}

	if err := os.WriteFile(filepath.Join(ragDir, "project.json"), append(projectJSON, '\n'), 0o644); err != nil {
		return "", false, Summary{}, fmt.Errorf("kbexport: writing project.json: %w", err)
	}

	if err := writeJSONL(filepath.Join(ragDir, "kg_entities.jsonl"), entities); err != nil {
		return "", false, Summary{}, err
	}

	if err := writeJSONL(filepath.Join(ragDir, "kg_edges.jsonl"), edges); err != nil {
		return "", false, Summary{}, err
	}

	if err := writeJSONL(filepath.Join(ragDir, "rag_chunks.jsonl"), chunks); err != nil {
		return "", false, Summary{}, err
	}

	return project.UpdatedAt, true, Summary{Entities: len(entities), Edges: len(edges), Chunks: len(chunks)}, nil
}

// writeJSONL truncates dst and writes one JSON object per line.
func writeJSONL[T any](dst string, rows []T) error {
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("kbexport: creating %s: %w", dst, err)
	}
	defer f.Close()

	for _, row := range rows {
		line, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("kbexport: encoding row for %s: %w", dst, err)
		}

		line = append(line, '\n')

		if _, err := f.Write(line); err != nil {
			return fmt.Errorf("kbexport: writing %s: %w", dst, err)
		}
	}

	return nil
}
