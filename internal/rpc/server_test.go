package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramkit/engram/internal/config"
	"github.com/engramkit/engram/internal/graph"
	"github.com/engramkit/engram/internal/queue"
	"github.com/engramkit/engram/internal/retrieval"
	"github.com/engramkit/engram/internal/service"
	"github.com/engramkit/engram/internal/store"
	"github.com/engramkit/engram/internal/testutil"
	"github.com/engramkit/engram/internal/types"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.Defaults()
	cfg.EmbeddingDim = 8
	cfg.DBPath = filepath.Join(t.TempDir(), "rpc.db")

	s, err := store.Open(context.Background(), cfg.DBPath, cfg.EmbeddingDim)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	logger := slog.Default()
	embedder := &testutil.FakeEmbedder{Dim: cfg.EmbeddingDim, Fixed: map[string][]float32{}}
	q := queue.New(s, cfg.JobLease, cfg.JobMaxAttempts, cfg.JobBackoffBase, cfg.JobBackoffCap, logger)
	expander := graph.NewExpander(s, cfg.GraphQueryTimeout, logger)
	retriever := retrieval.New(s, s.Vectors(), embedder, expander, cfg.VectorDistanceCutoff, cfg.RRFK, logger)
	svc := service.New(cfg, s, embedder, q, retriever, logger)
	return NewServer(svc, graph.NewMaterializer(s, logger), "test", logger)
}

func call(t *testing.T, srv *Server, operation string, args any) *Response {
	t.Helper()
	var raw json.RawMessage
	if args != nil {
		b, err := json.Marshal(args)
		require.NoError(t, err)
		raw = b
	}
	return srv.handleRequest(context.Background(), &Request{Operation: operation, Args: raw})
}

func TestDispatchRemember(t *testing.T) {
	srv := newTestServer(t)
	resp := call(t, srv, OpRemember, service.RememberInput{Content: "note to self"})
	require.True(t, resp.Success)

	var out service.RememberOutput
	require.NoError(t, json.Unmarshal(resp.Data, &out))
	assert.NotEmpty(t, out.ArtifactID)
	assert.Equal(t, types.JobPending, out.JobStatus)
}

func TestDispatchValidationError(t *testing.T) {
	srv := newTestServer(t)
	resp := call(t, srv, OpRemember, service.RememberInput{Content: "  "})
	require.False(t, resp.Success)
	assert.Equal(t, types.KindInvalidInput, resp.Error.Kind)
	assert.NotEmpty(t, resp.Error.Message)
}

func TestDispatchUnknownOperation(t *testing.T) {
	srv := newTestServer(t)
	resp := call(t, srv, "annihilate", nil)
	require.False(t, resp.Success)
	assert.Equal(t, types.KindInvalidInput, resp.Error.Kind)
}

func TestDispatchMalformedArgs(t *testing.T) {
	srv := newTestServer(t)
	resp := srv.handleRequest(context.Background(),
		&Request{Operation: OpRecall, Args: json.RawMessage(`{"query": 42`)})
	require.False(t, resp.Success)
	assert.Equal(t, types.KindInvalidInput, resp.Error.Kind)
}

func TestDispatchHealthAndPing(t *testing.T) {
	srv := newTestServer(t)

	resp := call(t, srv, OpHealth, nil)
	require.True(t, resp.Success)
	var health HealthResponse
	require.NoError(t, json.Unmarshal(resp.Data, &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "test", health.Version)

	resp = call(t, srv, OpPing, nil)
	require.True(t, resp.Success)
}

func TestDispatchRebuildGraph(t *testing.T) {
	srv := newTestServer(t)
	resp := call(t, srv, OpRebuildGraph, nil)
	require.True(t, resp.Success)

	var out map[string]int
	require.NoError(t, json.Unmarshal(resp.Data, &out))
	assert.Equal(t, 0, out["events_materialized"])
}

func TestHTTPStatusMapping(t *testing.T) {
	assert.Equal(t, 400, httpStatusFor(types.KindInvalidInput))
	assert.Equal(t, 404, httpStatusFor(types.KindNotFound))
	assert.Equal(t, 429, httpStatusFor(types.KindLLMRateLimited))
	assert.Equal(t, 503, httpStatusFor(types.KindGraphUnavailable))
	assert.Equal(t, 500, httpStatusFor(types.KindStorageError))
}

func TestHTTPRememberRoundTrip(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(NewHTTPServer(srv, "", "").Handler())
	defer ts.Close()

	body, _ := json.Marshal(service.RememberInput{Content: "over the wire"})
	res, err := http.Post(ts.URL+"/engram.v1.ToolService/Remember", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	var resp Response
	require.NoError(t, json.NewDecoder(res.Body).Decode(&resp))
	require.True(t, resp.Success)
	var out service.RememberOutput
	require.NoError(t, json.Unmarshal(resp.Data, &out))
	assert.NotEmpty(t, out.ArtifactUID)
}

func TestHTTPErrorStatusCodes(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(NewHTTPServer(srv, "", "").Handler())
	defer ts.Close()

	res, err := http.Post(ts.URL+"/engram.v1.ToolService/Remember", "application/json",
		bytes.NewReader([]byte(`{"content":""}`)))
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, err = http.Post(ts.URL+"/engram.v1.ToolService/Nope", "application/json", nil)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestHTTPBearerAuth(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(NewHTTPServer(srv, "", "sekret").Handler())
	defer ts.Close()

	// No token: rejected.
	res, err := http.Post(ts.URL+"/engram.v1.ToolService/Status", "application/json",
		bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	// Health skips auth.
	res, err = http.Get(ts.URL + "/health")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	// Correct token: accepted.
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/engram.v1.ToolService/Status",
		bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer sekret")
	res, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestHTTPReadiness(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(NewHTTPServer(srv, "", "").Handler())
	defer ts.Close()

	res, err := http.Get(ts.URL + "/readyz")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	var out map[string]string
	require.NoError(t, json.NewDecoder(res.Body).Decode(&out))
	assert.Equal(t, "ready", out["status"])
}

func TestDispatchRecallPassesThrough(t *testing.T) {
	srv := newTestServer(t)
	resp := call(t, srv, OpRecall, service.RecallInput{Query: "anything"})
	require.True(t, resp.Success)

	var out retrieval.Response
	require.NoError(t, json.Unmarshal(resp.Data, &out))
	assert.Empty(t, out.PrimaryResults)
	assert.NotEmpty(t, out.ExpandOptions)
}

func TestDispatchForgetNotFound(t *testing.T) {
	srv := newTestServer(t)
	resp := call(t, srv, OpForget, service.ForgetInput{ID: "uid_missing", Confirm: true})
	require.False(t, resp.Success)
	assert.Equal(t, types.KindNotFound, resp.Error.Kind)
}
