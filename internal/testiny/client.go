// Package testiny talks to the Testiny test-management API and syncs
// project snapshots into the local catalog.
package testiny

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hochfrequenz/testrun-launcher/internal/catalog"
)

// DefaultAPIURL is the hosted Testiny API
const DefaultAPIURL = "https://app.testiny.io/api/v1"

// Page sizes per resource
const (
	ProjectPageLimit = 200
	TestPageLimit    = 500
	FolderPageLimit  = 2000
	MappingPageLimit = 2000
)

// Resources served by the find endpoints
const (
	ResourceProject       = "project"
	ResourceTestcase      = "testcase"
	ResourceFolder        = "testcase-folder"
	ResourceFolderMapping = "testcase-folder-testcase-mapping"
)

// Client is a Testiny API client
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a client. An empty baseURL uses DefaultAPIURL.
func NewClient(baseURL, apiKey string, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultAPIURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: httpClient,
	}
}

// Pagination selects a page
type Pagination struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}

// Order sorts results by a column
type Order struct {
	Column string `json:"column"`
	Order  string `json:"order"`
}

// FindRequest is the body of a find call
type FindRequest struct {
	Pagination        Pagination     `json:"pagination"`
	Order             []Order        `json:"order,omitempty"`
	IncludeTotalCount bool           `json:"includeTotalCount,omitempty"`
	OmitLargeValues   bool           `json:"omitLargeValues,omitempty"`
	Filter            map[string]any `json:"filter"`
}

// FindResponse is one page of results
type FindResponse struct {
	Data []catalog.Record `json:"data"`
	Meta struct {
		TotalCount *int `json:"totalCount"`
	} `json:"meta"`
}

// APIError is a non-2xx response
type APIError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

// Find fetches a single page of a resource
func (c *Client) Find(ctx context.Context, resource string, req FindRequest) (*FindResponse, error) {
	if req.Filter == nil {
		req.Filter = map[string]any{}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	endpoint := "/" + resource + "/find"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Api-Key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{Endpoint: endpoint, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(text))}
	}

	var out FindResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%s: decode: %w", endpoint, err)
	}
	return &out, nil
}

// FindAll pages through a resource until totalCount is reached or a page
// comes back empty. It returns the records and the reported total.
func (c *Client) FindAll(ctx context.Context, resource string, req FindRequest) ([]catalog.Record, int, error) {
	var acc []catalog.Record
	total := 0
	offset := 0
	for {
		req.Pagination.Offset = offset
		page, err := c.Find(ctx, resource, req)
		if err != nil {
			return nil, 0, err
		}
		acc = append(acc, page.Data...)
		if page.Meta.TotalCount != nil {
			total = *page.Meta.TotalCount
		} else {
			total = len(acc)
		}
		offset += len(page.Data)
		if offset >= total || len(page.Data) == 0 {
			return acc, total, nil
		}
	}
}

// Projects returns the first page of projects ordered by name
func (c *Client) Projects(ctx context.Context) ([]catalog.Record, int, error) {
	page, err := c.Find(ctx, ResourceProject, FindRequest{
		Pagination:        Pagination{Limit: ProjectPageLimit},
		Order:             []Order{{Column: "name", Order: "asc"}},
		IncludeTotalCount: true,
	})
	if err != nil {
		return nil, 0, err
	}
	total := len(page.Data)
	if page.Meta.TotalCount != nil {
		total = *page.Meta.TotalCount
	}
	return page.Data, total, nil
}

// projectFilter filters by project. Testiny expects numeric project ids.
func projectFilter(projectID string) map[string]any {
	if n, err := strconv.ParseInt(projectID, 10, 64); err == nil {
		return map[string]any{"project_id": n}
	}
	return map[string]any{"project_id": projectID}
}

// Tests returns all test cases of a project ordered by title
func (c *Client) Tests(ctx context.Context, projectID string, limit int) ([]catalog.Record, int, error) {
	if limit <= 0 {
		limit = TestPageLimit
	}
	return c.FindAll(ctx, ResourceTestcase, FindRequest{
		Pagination:        Pagination{Limit: limit},
		Order:             []Order{{Column: "title", Order: "asc"}},
		IncludeTotalCount: true,
		Filter:            projectFilter(projectID),
	})
}

// Folders returns all test folders of a project
func (c *Client) Folders(ctx context.Context, projectID string) ([]catalog.Record, error) {
	recs, _, err := c.FindAll(ctx, ResourceFolder, FindRequest{
		Pagination:      Pagination{Limit: FolderPageLimit},
		OmitLargeValues: true,
		Filter:          projectFilter(projectID),
	})
	return recs, err
}

// FolderMappings returns all folder/test mappings of a project
func (c *Client) FolderMappings(ctx context.Context, projectID string) ([]catalog.Record, error) {
	recs, _, err := c.FindAll(ctx, ResourceFolderMapping, FindRequest{
		Pagination: Pagination{Limit: MappingPageLimit},
		Filter:     projectFilter(projectID),
	})
	return recs, err
}
