package main

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devicefleet/internal/testsupport"
)

func TestSplitNonEmpty_TrimsAndDropsEmptyEntries(t *testing.T) {
	assert.Equal(t, []string{"dev-1", "dev-2"}, splitNonEmpty("dev-1, dev-2"))
	assert.Equal(t, []string{"dev-1"}, splitNonEmpty("dev-1,,"))
	assert.Equal(t, []string{}, splitNonEmpty(""))
}

func TestAPIClient_Do_DecodesSuccessResponse(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/nodes", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id":"node-1"}]`))
	})
	server := testsupport.NewHTTPTestServer(t, mux)

	c := newAPIClient(server.URL)
	var out []map[string]any
	err := c.do(t.Context(), http.MethodGet, "/nodes", nil, &out)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "node-1", out[0]["id"])
}

func TestAPIClient_Do_EncodesRequestBody(t *testing.T) {
	var gotBody string
	mux := http.NewServeMux()
	mux.HandleFunc("/workflows/enqueue", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		buf := make([]byte, 1024)
		n, _ := r.Body.Read(buf)
		gotBody = string(buf[:n])
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"job_id":"job-1"}`))
	})
	server := testsupport.NewHTTPTestServer(t, mux)

	c := newAPIClient(server.URL)
	var resp struct {
		JobID string `json:"job_id"`
	}
	err := c.do(t.Context(), http.MethodPost, "/workflows/enqueue", map[string]string{"node_id": "node-1"}, &resp)
	require.NoError(t, err)
	assert.Equal(t, "job-1", resp.JobID)
	assert.Contains(t, gotBody, "node-1")
}

func TestAPIClient_Do_ReturnsErrorOnNonOKStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/jobs/missing", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`not found`))
	})
	server := testsupport.NewHTTPTestServer(t, mux)

	c := newAPIClient(server.URL)
	err := c.do(t.Context(), http.MethodGet, "/jobs/missing", nil, nil)
	assert.Error(t, err)
}

func TestAPIClient_Do_NoBodyExpectedSkipsDecode(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/jobs/job-1/cancel", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	server := testsupport.NewHTTPTestServer(t, mux)

	c := newAPIClient(server.URL)
	err := c.do(t.Context(), http.MethodPost, "/jobs/job-1/cancel", nil, nil)
	assert.NoError(t, err)
}
