//go:build integration

package integration

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// TempDBPath creates a temporary database path for testing
func TempDBPath(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "catalog.db")
}

// TempConfigPath creates a temporary config file path for testing
func TempConfigPath(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "config.toml")
}

// testinyRecords is the fixture served by NewFakeTestiny: one project
// with a nested folder, a manual test and an unfiled automated test.
var testinyRecords = map[string][]map[string]any{
	"project": {
		{"id": 1, "name": "Web Shop"},
	},
	"testcase": {
		{"id": 10, "title": "Checkout with card", "automation": "AUTOMATED"},
		{"id": 11, "title": "Refund by hand", "automation": "NOT_AUTOMATED"},
		{"id": 12, "title": "Search catalog", "automation_status": "automated"},
	},
	"testcase-folder": {
		{"id": 100, "title": "Payments"},
		{"id": 101, "title": "Cards", "parent_id": 100},
	},
	"testcase-folder-testcase-mapping": {
		{"testcase_id": 10, "testcase_folder_id": 101},
		{"testcase_id": 11, "testcase_folder_id": 100},
	},
}

// NewFakeTestiny serves the find endpoints of the Testiny API from the
// fixture records. Requests without the api key are rejected.
func NewFakeTestiny(t *testing.T, apiKey string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != apiKey {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		resource := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/"), "/find")
		all, ok := testinyRecords[resource]
		if r.Method != http.MethodPost || !ok {
			http.NotFound(w, r)
			return
		}
		var req struct {
			Pagination struct {
				Offset int `json:"offset"`
				Limit  int `json:"limit"`
			} `json:"pagination"`
		}
		json.NewDecoder(r.Body).Decode(&req)

		page := []map[string]any{}
		if req.Pagination.Offset < len(all) {
			end := len(all)
			if req.Pagination.Limit > 0 && req.Pagination.Offset+req.Pagination.Limit < end {
				end = req.Pagination.Offset + req.Pagination.Limit
			}
			page = all[req.Pagination.Offset:end]
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": page,
			"meta": map[string]any{"totalCount": len(all)},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

type fakeRun struct {
	ID         int64     `json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	Status     string    `json:"status"`
	Conclusion *string   `json:"conclusion"`
	HeadBranch string    `json:"head_branch"`
	Event      string    `json:"event"`
	Title      string    `json:"display_title"`
	URL        string    `json:"html_url"`

	workflow string
	polls    int
}

// FakeGitHub is a minimal GitHub Actions API. Every dispatch creates a
// run titled after the test_name or run_label input. A run is in
// progress on its first poll and completes with Conclusion on the next.
type FakeGitHub struct {
	*httptest.Server
	Conclusion string

	mu         sync.Mutex
	nextID     int64
	runs       []*fakeRun
	dispatches []map[string]string
}

// NewFakeGitHub starts a fake GitHub API for repo owner/name
func NewFakeGitHub(t *testing.T, repo string) *FakeGitHub {
	t.Helper()
	gh := &FakeGitHub{Conclusion: "success", nextID: 9000}
	prefix := "/repos/" + repo + "/actions/"
	gh.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, prefix) {
			http.NotFound(w, r)
			return
		}
		parts := strings.Split(strings.TrimPrefix(r.URL.Path, prefix), "/")
		switch {
		case len(parts) == 3 && parts[0] == "workflows" && parts[2] == "dispatches" && r.Method == http.MethodPost:
			gh.dispatch(w, r, parts[1])
		case len(parts) == 3 && parts[0] == "workflows" && parts[2] == "runs":
			gh.list(w, parts[1])
		case len(parts) == 2 && parts[0] == "runs":
			gh.get(w, r, parts[1])
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(gh.Close)
	return gh
}

func (gh *FakeGitHub) dispatch(w http.ResponseWriter, r *http.Request, workflow string) {
	var req struct {
		Ref    string            `json:"ref"`
		Inputs map[string]string `json:"inputs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	title := req.Inputs["test_name"]
	if title == "" {
		title = req.Inputs["run_label"]
	}

	gh.mu.Lock()
	gh.nextID++
	now := time.Now().UTC()
	gh.runs = append(gh.runs, &fakeRun{
		ID:         gh.nextID,
		CreatedAt:  now,
		UpdatedAt:  now,
		Status:     "queued",
		HeadBranch: req.Ref,
		Event:      "workflow_dispatch",
		Title:      title,
		URL:        fmt.Sprintf("https://github.example/runs/%d", gh.nextID),
		workflow:   workflow,
	})
	gh.dispatches = append(gh.dispatches, req.Inputs)
	gh.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

func (gh *FakeGitHub) list(w http.ResponseWriter, workflow string) {
	gh.mu.Lock()
	out := []fakeRun{}
	for i := len(gh.runs) - 1; i >= 0; i-- {
		if gh.runs[i].workflow == workflow {
			out = append(out, *gh.runs[i])
		}
	}
	gh.mu.Unlock()
	json.NewEncoder(w).Encode(map[string]any{"total_count": len(out), "workflow_runs": out})
}

func (gh *FakeGitHub) get(w http.ResponseWriter, r *http.Request, rawID string) {
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	gh.mu.Lock()
	defer gh.mu.Unlock()
	for _, run := range gh.runs {
		if run.ID != id {
			continue
		}
		run.polls++
		run.UpdatedAt = time.Now().UTC()
		if run.polls == 1 {
			run.Status = "in_progress"
		} else {
			conclusion := gh.Conclusion
			run.Status = "completed"
			run.Conclusion = &conclusion
		}
		json.NewEncoder(w).Encode(run)
		return
	}
	http.NotFound(w, r)
}

// SetConclusion sets the conclusion of runs that complete from now on
func (gh *FakeGitHub) SetConclusion(c string) {
	gh.mu.Lock()
	gh.Conclusion = c
	gh.mu.Unlock()
}

// Dispatches returns the inputs of every dispatch received so far
func (gh *FakeGitHub) Dispatches() []map[string]string {
	gh.mu.Lock()
	defer gh.mu.Unlock()
	return append([]map[string]string(nil), gh.dispatches...)
}

// WriteConfig writes a config file pointing at the fake servers with
// short tracking intervals
func WriteConfig(t *testing.T, testinyURL, githubURL, repo string) string {
	t.Helper()
	configPath := TempConfigPath(t)
	dataDir := t.TempDir()

	config := fmt.Sprintf(`[general]
database_path = %q
snapshot_dir = %q
project_id = "1"

[github]
api_url = %q
token = "gh-test-token"
repo = %q
workflow = "testiny-run.yml"
bulk_workflow = "testiny-bulk.yml"

[testiny]
api_url = %q
api_key = "testiny-key"

[tracking]
correlation_interval = "20ms"
foreground_attempts = 20
background_attempts = 0
poll_interval = "20ms"

[notifications]
desktop = false

[web]
port = 8080
host = "127.0.0.1"
`, filepath.Join(dataDir, "catalog.db"), filepath.Join(dataDir, "snapshots"), githubURL, repo, testinyURL)

	if err := os.WriteFile(configPath, []byte(config), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return configPath
}
