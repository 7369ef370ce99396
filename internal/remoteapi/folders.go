package remoteapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// folderListLimit bounds the "fetch every folder" query (spec.md §4.8 step 2).
const folderListLimit = 10000

// pageSize and maxPages implement the pagination policy of spec.md §4.8:
// slices of 1000, capped at 1000 pages (~1M rows) as a worst-case bound.
const (
	pageSize = 1000
	maxPages = 1000
)

// FindFolder looks up a folder by (parentID, name). parentID == "" means
// the project root (parent_id is.null).
func (c *Client) FindFolder(ctx context.Context, parentID, name string) (string, bool, error) {
	q := url.Values{}
	q.Set("select", "id")
	q.Set("name", "eq."+name)
	q.Set("limit", "1")

	if parentID == "" {
		q.Set("parent_id", "is.null")
	} else {
		q.Set("parent_id", "eq."+parentID)
	}

	body, _, err := c.do(ctx, http.MethodGet, "/folders?"+q.Encode(), nil, nil)
	if err != nil {
		return "", false, err
	}

	var rows []struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &rows); err != nil {
		return "", false, fmt.Errorf("remoteapi: parsing folder lookup response: %w: %s", err, body)
	}

	if len(rows) == 0 {
		return "", false, nil
	}

	return rows[0].ID, true, nil
}

// CreateFolder creates a folder under parentID ("" for the project root)
// owned by ownerID, and returns its new id.
func (c *Client) CreateFolder(ctx context.Context, parentID, name, ownerID string) (string, error) {
	var parent any
	if parentID != "" {
		parent = parentID
	}

	payload, err := json.Marshal(map[string]any{
		"name":      name,
		"owner_id":  ownerID,
		"parent_id": parent,
	})
	if err != nil {
		return "", fmt.Errorf("remoteapi: encoding folder create: %w", err)
	}

	headers := http.Header{"Prefer": {"return=representation"}}

	body, _, err := c.do(ctx, http.MethodPost, "/folders", payload, headers)
	if err != nil {
		return "", err
	}

	var rows []struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &rows); err != nil {
		return "", fmt.Errorf("remoteapi: parsing folder create response: %w: %s", err, body)
	}

	if len(rows) == 0 {
		return "", fmt.Errorf("remoteapi: folder create: empty response")
	}

	return rows[0].ID, nil
}

// ListAllFolders fetches every folder row (id, name, parent_id), paginated,
// bounded by folderListLimit / pageSize / maxPages.
func (c *Client) ListAllFolders(ctx context.Context) ([]Folder, error) {
	var all []Folder

	for page := 0; page < maxPages; page++ {
		limit := pageSize
		if remaining := folderListLimit - len(all); remaining < limit {
			limit = remaining
		}

		if limit <= 0 {
			break
		}

		q := url.Values{}
		q.Set("select", "id,name,parent_id")
		q.Set("limit", fmt.Sprint(limit))
		q.Set("offset", fmt.Sprint(page*pageSize))

		body, _, err := c.do(ctx, http.MethodGet, "/folders?"+q.Encode(), nil, nil)
		if err != nil {
			return nil, err
		}

		var rows []Folder
		if err := json.Unmarshal(body, &rows); err != nil {
			return nil, fmt.Errorf("remoteapi: parsing folder list response: %w: %s", err, body)
		}

		all = append(all, rows...)

		if len(rows) < pageSize {
			break
		}
	}

	return all, nil
}
