package remoteapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// GetRagProject fetches the single rag_projects row for projectFolderID, if
// one exists. Its updated_at is the trigger the KB snapshot exporter
// compares against the mapping's last-exported timestamp (spec.md §4.10).
func (c *Client) GetRagProject(ctx context.Context, projectFolderID string) (RagProject, bool, error) {
	q := url.Values{}
	q.Set("select", "project_folder_id,updated_at")
	q.Set("project_folder_id", "eq."+projectFolderID)
	q.Set("limit", "1")

	body, _, err := c.do(ctx, http.MethodGet, "/rag_projects?"+q.Encode(), nil, nil)
	if err != nil {
		return RagProject{}, false, err
	}

	var rows []RagProject
	if err := json.Unmarshal(body, &rows); err != nil {
		return RagProject{}, false, fmt.Errorf("remoteapi: parsing rag project response: %w: %s", err, body)
	}

	if len(rows) == 0 {
		return RagProject{}, false, nil
	}

	return rows[0], true, nil
}

// kgRowSelect fetches every column: kg_entities/kg_edges rows are passed
// through as plain maps and carry no fixed large column to exclude the way
// ragChunkSelect excludes embedding. The select is still passed explicitly rather than left to
// PostgREST's default, for consistency with every other query in this file.
const kgRowSelect = "*"

// ListKGEntities fetches every kg_entities row for projectFolderID, paginated.
func (c *Client) ListKGEntities(ctx context.Context, projectFolderID string) ([]KGEntity, error) {
	var all []KGEntity

	for page := 0; page < maxPages; page++ {
		q := url.Values{}
		q.Set("select", kgRowSelect)
		q.Set("project_folder_id", "eq."+projectFolderID)
		q.Set("limit", fmt.Sprint(pageSize))
		q.Set("offset", fmt.Sprint(page*pageSize))

		body, _, err := c.do(ctx, http.MethodGet, "/kg_entities?"+q.Encode(), nil, nil)
		if err != nil {
			return nil, err
		}

		var rows []KGEntity
		if err := json.Unmarshal(body, &rows); err != nil {
			return nil, fmt.Errorf("remoteapi: parsing kg_entities response: %w: %s", err, body)
		}

		all = append(all, rows...)

		if len(rows) < pageSize {
			break
		}
	}

	return all, nil
}

// ListKGEdges fetches every kg_edges row for projectFolderID, paginated.
func (c *Client) ListKGEdges(ctx context.Context, projectFolderID string) ([]KGEdge, error) {
	var all []KGEdge

	for page := 0; page < maxPages; page++ {
		q := url.Values{}
		q.Set("select", kgRowSelect)
		q.Set("project_folder_id", "eq."+projectFolderID)
		q.Set("limit", fmt.Sprint(pageSize))
		q.Set("offset", fmt.Sprint(page*pageSize))

		body, _, err := c.do(ctx, http.MethodGet, "/kg_edges?"+q.Encode(), nil, nil)
		if err != nil {
			return nil, err
		}

		var rows []KGEdge
		if err := json.Unmarshal(body, &rows); err != nil {
			return nil, fmt.Errorf("remoteapi: parsing kg_edges response: %w: %s", err, body)
		}

		all = append(all, rows...)

		if len(rows) < pageSize {
			break
		}
	}

	return all, nil
}

// ragChunkSelect omits the embedding column (spec.md §4.10 step 3): vectors
// are large and useless outside the hosted store's similarity search.
const ragChunkSelect = "id,project_folder_id,source_id,source_type,chunk_index,content,metadata"

// ListRagChunks fetches every rag_chunks row for projectFolderID, paginated,
// with the embedding column omitted.
func (c *Client) ListRagChunks(ctx context.Context, projectFolderID string) ([]RagChunk, error) {
	var all []RagChunk

	for page := 0; page < maxPages; page++ {
		q := url.Values{}
		q.Set("select", ragChunkSelect)
		q.Set("project_folder_id", "eq."+projectFolderID)
		q.Set("limit", fmt.Sprint(pageSize))
		q.Set("offset", fmt.Sprint(page*pageSize))

		body, _, err := c.do(ctx, http.MethodGet, "/rag_chunks?"+q.Encode(), nil, nil)
		if err != nil {
			return nil, err
		}

		var rows []RagChunk
		if err := json.Unmarshal(body, &rows); err != nil {
			return nil, fmt.Errorf("remoteapi: parsing rag_chunks response: %w: %s", err, body)
		}

		all = append(all, rows...)

		if len(rows) < pageSize {
			break
		}
	}

	return all, nil
}
