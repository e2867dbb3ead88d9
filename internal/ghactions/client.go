// Package ghactions talks to the GitHub Actions REST API: workflow
// dispatch, run listing and run lookup.
package ghactions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/hochfrequenz/testrun-launcher/internal/domain"
)

const (
	DefaultAPIURL = "https://api.github.com"
	apiVersion    = "2022-11-28"

	// EventWorkflowDispatch is the trigger kind of dispatched runs
	EventWorkflowDispatch = "workflow_dispatch"
)

// Config configures a Client
type Config struct {
	APIURL string
	Repo   string // owner/repo
	Token  string
	// HTTPClient is the base transport; the token is layered on top of it
	HTTPClient *http.Client
	// Timeout bounds each request. Zero leaves calls to the transport and
	// the caller's context.
	Timeout time.Duration
}

// Client is a minimal GitHub Actions client
type Client struct {
	baseURL string
	repo    string
	http    *http.Client
}

// NewClient creates a client authenticating with a static bearer token
func NewClient(cfg Config) *Client {
	base := cfg.HTTPClient
	if base == nil {
		base = http.DefaultClient
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	httpClient := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token}))
	httpClient.Timeout = cfg.Timeout

	apiURL := cfg.APIURL
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	return &Client{
		baseURL: strings.TrimRight(apiURL, "/"),
		repo:    cfg.Repo,
		http:    httpClient,
	}
}

// Repo returns the owner/repo the client targets
func (c *Client) Repo() string { return c.repo }

// DispatchRequest is the body of a workflow_dispatch call
type DispatchRequest struct {
	Ref    string            `json:"ref"`
	Inputs map[string]string `json:"inputs,omitempty"`
}

// Dispatch triggers a workflow. GitHub answers 204 without any run id.
func (c *Client) Dispatch(ctx context.Context, workflow string, req DispatchRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	path := fmt.Sprintf("/repos/%s/actions/workflows/%s/dispatches", c.repo, url.PathEscape(workflow))
	return c.do(ctx, "dispatch", http.MethodPost, path, body, nil)
}

// ListFilter narrows a run listing
type ListFilter struct {
	Event   string
	Branch  string
	PerPage int
	// CreatedAfter becomes a created>= search qualifier when set
	CreatedAfter time.Time
}

type runJSON struct {
	ID           int64     `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	Status       string    `json:"status"`
	Conclusion   *string   `json:"conclusion"`
	HeadBranch   string    `json:"head_branch"`
	Event        string    `json:"event"`
	DisplayTitle string    `json:"display_title"`
	HTMLURL      string    `json:"html_url"`
}

func (r runJSON) execution() domain.Execution {
	e := domain.Execution{
		ID:           r.ID,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
		Status:       r.Status,
		Branch:       r.HeadBranch,
		Event:        r.Event,
		DisplayTitle: r.DisplayTitle,
		URL:          r.HTMLURL,
	}
	if r.Conclusion != nil {
		e.Conclusion = *r.Conclusion
	}
	return e
}

// ListRuns lists recent runs of a workflow, newest first
func (c *Client) ListRuns(ctx context.Context, workflow string, f ListFilter) ([]domain.Execution, error) {
	q := url.Values{}
	if f.Event != "" {
		q.Set("event", f.Event)
	}
	if f.Branch != "" {
		q.Set("branch", f.Branch)
	}
	perPage := f.PerPage
	if perPage <= 0 {
		perPage = 20
	}
	q.Set("per_page", strconv.Itoa(perPage))
	if !f.CreatedAfter.IsZero() {
		q.Set("created", ">="+f.CreatedAfter.UTC().Format(time.RFC3339))
	}

	path := fmt.Sprintf("/repos/%s/actions/workflows/%s/runs?%s", c.repo, url.PathEscape(workflow), q.Encode())
	var out struct {
		WorkflowRuns []runJSON `json:"workflow_runs"`
	}
	if err := c.do(ctx, "list runs", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}

	runs := make([]domain.Execution, 0, len(out.WorkflowRuns))
	for _, r := range out.WorkflowRuns {
		runs = append(runs, r.execution())
	}
	return runs, nil
}

// GetRun fetches one run; it is authoritative for status and conclusion
func (c *Client) GetRun(ctx context.Context, id int64) (domain.Execution, error) {
	var out runJSON
	path := fmt.Sprintf("/repos/%s/actions/runs/%d", c.repo, id)
	if err := c.do(ctx, "get run", http.MethodGet, path, nil, &out); err != nil {
		return domain.Execution{}, err
	}
	return out.execution(), nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &TransportError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(text))}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &TransportError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
