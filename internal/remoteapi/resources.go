package remoteapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// ListChangedResources fetches project_resources rows for projectFolderID
// whose updated_at > since (spec.md §4.8 step 5).
func (c *Client) ListChangedResources(ctx context.Context, projectFolderID, since string) ([]Resource, error) {
	var all []Resource

	for page := 0; page < maxPages; page++ {
		q := url.Values{}
		q.Set("select", "id,name,markdown,source,updated_at")
		q.Set("project_folder_id", "eq."+projectFolderID)
		q.Set("updated_at", "gt."+since)
		q.Set("limit", fmt.Sprint(pageSize))
		q.Set("offset", fmt.Sprint(page*pageSize))

		body, _, err := c.do(ctx, http.MethodGet, "/project_resources?"+q.Encode(), nil, nil)
		if err != nil {
			return nil, err
		}

		var rows []Resource
		if err := json.Unmarshal(body, &rows); err != nil {
			return nil, fmt.Errorf("remoteapi: parsing changed resources response: %w: %s", err, body)
		}

		all = append(all, rows...)

		if len(rows) < pageSize {
			break
		}
	}

	return all, nil
}

// ListAllResourceIDs fetches every project_resources id for
// projectFolderID, for the pull engine's deletion reconciliation pass.
func (c *Client) ListAllResourceIDs(ctx context.Context, projectFolderID string) (map[string]bool, error) {
	ids := map[string]bool{}

	for page := 0; page < maxPages; page++ {
		q := url.Values{}
		q.Set("select", "id")
		q.Set("project_folder_id", "eq."+projectFolderID)
		q.Set("limit", fmt.Sprint(pageSize))
		q.Set("offset", fmt.Sprint(page*pageSize))

		body, _, err := c.do(ctx, http.MethodGet, "/project_resources?"+q.Encode(), nil, nil)
		if err != nil {
			return nil, err
		}

		var rows []struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(body, &rows); err != nil {
			return nil, fmt.Errorf("remoteapi: parsing resource id list response: %w: %s", err, body)
		}

		for _, r := range rows {
			ids[r.ID] = true
		}

		if len(rows) < pageSize {
			break
		}
	}

	return ids, nil
}
