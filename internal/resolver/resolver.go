// Package resolver implements the folder path resolver (spec.md §4.6):
// idempotent creation of nested remote folders matching a relative path.
package resolver

import (
	"context"
	"fmt"
	"strings"

	"github.com/heysami/nexusmap-sync/internal/mapping"
	"github.com/heysami/nexusmap-sync/internal/remoteapi"
)

// Counts reports how many folder segments were reused from the mapping,
// found by remote lookup, or newly created while resolving a path.
type Counts struct {
	Reused  int
	Found   int
	Created int
}

// EnsureFolderPath walks relFolderPath segment by segment from the project
// root, reusing mapping entries, then remote lookups, then remote creates.
// It is the only path that writes into rec.Folders. Empty input returns the
// project root id.
func EnsureFolderPath(ctx context.Context, client *remoteapi.Client, rec *mapping.Record, relFolderPath string) (string, Counts, error) {
	var counts Counts

	if rec.Folders == nil {
		rec.Folders = map[string]string{}
	}

	segments := splitPath(relFolderPath)
	if len(segments) == 0 {
		return rec.ProjectFolderID, counts, nil
	}

	currentRel := ""
	parentID := rec.ProjectFolderID

	for _, seg := range segments {
		childRel := seg
		if currentRel != "" {
			childRel = currentRel + "/" + seg
		}

		if id, ok := rec.Folders[childRel]; ok {
			parentID = id
			currentRel = childRel
			counts.Reused++

			continue
		}

		id, found, err := client.FindFolder(ctx, parentID, seg)
		if err != nil {
			return "", counts, fmt.Errorf("resolver: looking up folder %q under %q: %w", seg, parentID, err)
		}

		if found {
			rec.Folders[childRel] = id
			parentID = id
			currentRel = childRel
			counts.Found++

			continue
		}

		id, err = client.CreateFolder(ctx, parentID, seg, client.OwnerID())
		if err != nil {
			return "", counts, fmt.Errorf("resolver: creating folder %q under %q: %w", seg, parentID, err)
		}

		rec.Folders[childRel] = id
		parentID = id
		currentRel = childRel
		counts.Created++
	}

	return parentID, counts, nil
}

func splitPath(p string) []string {
	parts := strings.Split(p, "/")

	segments := make([]string, 0, len(parts))

	for _, part := range parts {
		if part != "" {
			segments = append(segments, part)
		}
	}

	return segments
}
