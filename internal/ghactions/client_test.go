package ghactions

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(Config{APIURL: srv.URL, Repo: "acme/tests", Token: "secret"})
}

func TestDispatch(t *testing.T) {
	var got DispatchRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/repos/acme/tests/actions/workflows/testiny-run.yml/dispatches", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, apiVersion, r.Header.Get("X-GitHub-Api-Version"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	})

	err := c.Dispatch(context.Background(), "testiny-run.yml", DispatchRequest{
		Ref:    "main",
		Inputs: map[string]string{"test_name": "Login works", "environment": "staging"},
	})
	require.NoError(t, err)
	assert.Equal(t, "main", got.Ref)
	assert.Equal(t, "Login works", got.Inputs["test_name"])
}

func TestListRuns(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/acme/tests/actions/workflows/ci.yml/runs", r.URL.Path)
		assert.Equal(t, "workflow_dispatch", r.URL.Query().Get("event"))
		assert.Equal(t, "main", r.URL.Query().Get("branch"))
		assert.Equal(t, "50", r.URL.Query().Get("per_page"))
		assert.Equal(t, ">=2026-10-17T10:00:00Z", r.URL.Query().Get("created"))
		w.Write([]byte(`{"total_count":2,"workflow_runs":[
			{"id":11,"created_at":"2026-10-17T10:00:05Z","status":"queued","conclusion":null,"head_branch":"main","event":"workflow_dispatch","display_title":"Login works","html_url":"https://github.com/acme/tests/actions/runs/11"},
			{"id":10,"created_at":"2026-10-17T09:59:00Z","status":"completed","conclusion":"success","head_branch":"main","event":"workflow_dispatch","display_title":"Cart","html_url":"https://github.com/acme/tests/actions/runs/10"}
		]}`))
	})

	runs, err := c.ListRuns(context.Background(), "ci.yml", ListFilter{
		Event:        EventWorkflowDispatch,
		Branch:       "main",
		PerPage:      50,
		CreatedAfter: time.Date(2026, 10, 17, 10, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, int64(11), runs[0].ID)
	assert.Equal(t, "", runs[0].Conclusion)
	assert.Equal(t, "Login works", runs[0].DisplayTitle)
	assert.Equal(t, "success", runs[1].Conclusion)
	assert.Equal(t, "main", runs[1].Branch)
}

func TestGetRun(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/acme/tests/actions/runs/42", r.URL.Path)
		w.Write([]byte(`{"id":42,"status":"in_progress","conclusion":null,"head_branch":"main","event":"workflow_dispatch"}`))
	})

	run, err := c.GetRun(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, int64(42), run.ID)
	assert.Equal(t, "in_progress", run.Status)
}

func TestNonSuccessIsTransportError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"Bad credentials"}`, http.StatusUnauthorized)
	})

	_, err := c.GetRun(context.Background(), 1)
	require.Error(t, err)
	assert.True(t, IsTransport(err))

	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, http.StatusUnauthorized, te.StatusCode)
	assert.Contains(t, te.Error(), "Bad credentials")
	assert.Contains(t, te.Error(), "get run")
}

func TestNewClient_Timeout(t *testing.T) {
	c := NewClient(Config{Repo: "acme/tests", Token: "secret"})
	assert.Zero(t, c.http.Timeout, "no timeout unless configured")
	assert.Equal(t, DefaultAPIURL, c.baseURL)

	c = NewClient(Config{Repo: "acme/tests", Token: "secret", Timeout: 5 * time.Second})
	assert.Equal(t, 5*time.Second, c.http.Timeout)
}
