package remoteapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// folderChunkSize bounds how many folder ids go into one "folder_id=in.(...)"
// range query (spec.md §4.5).
const folderChunkSize = 40

// FindFile looks up a file by (folderID, name).
func (c *Client) FindFile(ctx context.Context, folderID, name string) (string, bool, error) {
	q := url.Values{}
	q.Set("select", "id")
	q.Set("folder_id", "eq."+folderID)
	q.Set("name", "eq."+name)
	q.Set("limit", "1")

	body, _, err := c.do(ctx, http.MethodGet, "/files?"+q.Encode(), nil, nil)
	if err != nil {
		return "", false, err
	}

	var rows []struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &rows); err != nil {
		return "", false, fmt.Errorf("remoteapi: parsing file lookup response: %w: %s", err, body)
	}

	if len(rows) == 0 {
		return "", false, nil
	}

	return rows[0].ID, true, nil
}

// CreateFile creates a new file row and returns its id and updated_at.
func (c *Client) CreateFile(ctx context.Context, folderID, ownerID, name, kind, content, updatedAt string) (File, error) {
	payload, err := json.Marshal(map[string]string{
		"name":       name,
		"folder_id":  folderID,
		"owner_id":   ownerID,
		"kind":       kind,
		"content":    content,
		"updated_at": updatedAt,
	})
	if err != nil {
		return File{}, fmt.Errorf("remoteapi: encoding file create: %w", err)
	}

	return c.writeFileRow(ctx, http.MethodPost, "/files", payload)
}

// UpdateFile PATCHes an existing file row by id.
func (c *Client) UpdateFile(ctx context.Context, fileID, kind, content, updatedAt string) (File, error) {
	payload, err := json.Marshal(map[string]string{
		"kind":       kind,
		"content":    content,
		"updated_at": updatedAt,
	})
	if err != nil {
		return File{}, fmt.Errorf("remoteapi: encoding file update: %w", err)
	}

	q := url.Values{}
	q.Set("id", "eq."+fileID)

	return c.writeFileRow(ctx, http.MethodPatch, "/files?"+q.Encode(), payload)
}

func (c *Client) writeFileRow(ctx context.Context, method, path string, payload []byte) (File, error) {
	headers := http.Header{"Prefer": {"return=representation"}}

	body, _, err := c.do(ctx, method, path, payload, headers)
	if err != nil {
		return File{}, err
	}

	var rows []File
	if err := json.Unmarshal(body, &rows); err != nil {
		return File{}, fmt.Errorf("remoteapi: parsing file write response: %w: %s", err, body)
	}

	if len(rows) == 0 {
		return File{}, fmt.Errorf("remoteapi: file write: empty response")
	}

	return rows[0], nil
}

// DeleteFile removes a file row by id.
func (c *Client) DeleteFile(ctx context.Context, fileID string) error {
	q := url.Values{}
	q.Set("id", "eq."+fileID)

	_, _, err := c.do(ctx, http.MethodDelete, "/files?"+q.Encode(), nil, nil)

	return err
}

// FetchFileBackup fetches {id, name, content} for a file id, used by the
// push engine's best-effort pre-delete backup (spec.md §4.7 step 2).
func (c *Client) FetchFileBackup(ctx context.Context, fileID string) (name, content string, ok bool, err error) {
	q := url.Values{}
	q.Set("select", "id,name,content")
	q.Set("id", "eq."+fileID)
	q.Set("limit", "1")

	body, _, doErr := c.do(ctx, http.MethodGet, "/files?"+q.Encode(), nil, nil)
	if doErr != nil {
		return "", "", false, doErr
	}

	var rows []struct {
		ID      string `json:"id"`
		Name    string `json:"name"`
		Content string `json:"content"`
	}
	if unmarshalErr := json.Unmarshal(body, &rows); unmarshalErr != nil {
		return "", "", false, fmt.Errorf("remoteapi: parsing file backup response: %w: %s", unmarshalErr, body)
	}

	if len(rows) == 0 {
		return "", "", false, nil
	}

	return rows[0].Name, rows[0].Content, true, nil
}

// ListChangedFiles fetches files in folderIDs whose updated_at > since,
// paginated by folderChunkSize-sized folder_id groups.
func (c *Client) ListChangedFiles(ctx context.Context, folderIDs []string, since string) ([]File, error) {
	var all []File

	for _, chunk := range chunkStrings(folderIDs, folderChunkSize) {
		q := url.Values{}
		q.Set("select", "id,name,folder_id,kind,content,updated_at")
		q.Set("folder_id", "in.("+strings.Join(chunk, ",")+")")
		q.Set("updated_at", "gt."+since)

		body, _, err := c.do(ctx, http.MethodGet, "/files?"+q.Encode(), nil, nil)
		if err != nil {
			return nil, err
		}

		var rows []File
		if err := json.Unmarshal(body, &rows); err != nil {
			return nil, fmt.Errorf("remoteapi: parsing changed files response: %w: %s", err, body)
		}

		all = append(all, rows...)
	}

	return all, nil
}

// ListAllFileIDs fetches the full set of file ids currently under
// folderIDs, paginated by limit/offset of pageSize, for the pull engine's
// remote-deletion reconciliation pass (spec.md §4.8 step 3/6).
func (c *Client) ListAllFileIDs(ctx context.Context, folderIDs []string) (map[string]bool, error) {
	ids := map[string]bool{}

	for _, chunk := range chunkStrings(folderIDs, folderChunkSize) {
		for page := 0; page < maxPages; page++ {
			q := url.Values{}
			q.Set("select", "id")
			q.Set("folder_id", "in.("+strings.Join(chunk, ",")+")")
			q.Set("limit", fmt.Sprint(pageSize))
			q.Set("offset", fmt.Sprint(page*pageSize))

			body, _, err := c.do(ctx, http.MethodGet, "/files?"+q.Encode(), nil, nil)
			if err != nil {
				return nil, err
			}

			var rows []struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal(body, &rows); err != nil {
				return nil, fmt.Errorf("remoteapi: parsing file id list response: %w: %s", err, body)
			}

			for _, r := range rows {
				ids[r.ID] = true
			}

			if len(rows) < pageSize {
				break
			}
		}
	}

	return ids, nil
}

// chunkStrings splits ss into groups of at most size.
func chunkStrings(ss []string, size int) [][]string {
	if len(ss) == 0 {
		return nil
	}

	var chunks [][]string

	for i := 0; i < len(ss); i += size {
		end := i + size
		if end > len(ss) {
			end = len(ss)
		}

		chunks = append(chunks, ss[i:end])
	}

	return chunks
}
