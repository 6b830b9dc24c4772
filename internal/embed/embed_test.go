package embed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramkit/engram/internal/types"
)

// fakeProvider serves the embeddings endpoint, recording the input size of
// every request. Each input of the form "t<n>" embeds to the vector [n], so
// callers can assert output ordering across batch boundaries.
type fakeProvider struct {
	mu         sync.Mutex
	batchSizes []int
	failStatus int // respond with this status for the first failUntil calls
	failUntil  int
	calls      int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{}
}

func (p *fakeProvider) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		defer p.mu.Unlock()

		p.calls++
		if p.calls <= p.failUntil {
			w.WriteHeader(p.failStatus)
			fmt.Fprint(w, `{"error":{"message":"synthetic failure","type":"server_error"}}`)
			return
		}

		var req struct {
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		p.batchSizes = append(p.batchSizes, len(req.Input))

		w.Header().Set("Content-Type", "application/json")

		type item struct {
			Object    string    `json:"object"`
			Index     int       `json:"index"`
			Embedding []float64 `json:"embedding"`
		}
		data := make([]item, len(req.Input))
		for i, text := range req.Input {
			n, _ := strconv.Atoi(strings.TrimPrefix(text, "t"))
			data[i] = item{Object: "embedding", Index: i, Embedding: []float64{float64(n)}}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"data":   data,
			"model":  "text-embedding-3-small",
			"usage":  map[string]int{"prompt_tokens": 0, "total_tokens": 0},
		})
	})
}

func newTestClient(t *testing.T, p *fakeProvider) *OpenAI {
	t.Helper()
	t.Setenv("OPENAI_API_KEY", "test-key")
	ts := httptest.NewServer(p.handler())
	t.Cleanup(ts.Close)

	o := NewOpenAI("text-embedding-3-small", 1, time.Second, WithBaseURL(ts.URL))
	// Keep retry sleeps out of the test clock.
	o.retryBase = time.Millisecond
	o.retryCap = 5 * time.Millisecond
	return o
}

func inputs(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = "t" + strconv.Itoa(i)
	}
	return out
}

func TestEmbedSplitsOversizedInputLists(t *testing.T) {
	p := newFakeProvider()
	o := newTestClient(t, p)

	texts := inputs(2*maxBatchInputs + 76)
	vecs, err := o.Embed(context.Background(), texts)
	require.NoError(t, err)

	assert.Equal(t, []int{maxBatchInputs, maxBatchInputs, 76}, p.batchSizes,
		"inputs split at the provider's per-request ceiling")
	require.Len(t, vecs, len(texts))
	for i, v := range vecs {
		require.Len(t, v, 1)
		assert.Equal(t, float32(i), v[0], "vector %d out of input order", i)
	}
}

func TestEmbedSingleBatchStaysSingleRequest(t *testing.T) {
	p := newFakeProvider()
	o := newTestClient(t, p)

	vecs, err := o.Embed(context.Background(), inputs(maxBatchInputs))
	require.NoError(t, err)
	assert.Len(t, vecs, maxBatchInputs)
	assert.Equal(t, []int{maxBatchInputs}, p.batchSizes)
}

func TestEmbedRetriesTransientFailures(t *testing.T) {
	p := newFakeProvider()
	p.failStatus = http.StatusInternalServerError
	p.failUntil = 2
	o := newTestClient(t, p)

	vecs, err := o.Embed(context.Background(), inputs(3))
	require.NoError(t, err)
	assert.Len(t, vecs, 3)
	assert.Equal(t, maxAttempts, p.calls, "two failures consumed, third attempt succeeds")
}

func TestEmbedGivesUpAfterMaxAttempts(t *testing.T) {
	p := newFakeProvider()
	p.failStatus = http.StatusServiceUnavailable
	p.failUntil = 100
	o := newTestClient(t, p)

	_, err := o.Embed(context.Background(), inputs(3))
	require.Error(t, err)
	assert.Equal(t, types.KindTransientEmbedding, types.KindOf(err))
	assert.Equal(t, maxAttempts, p.calls)
}

func TestEmbedPermanentErrorIsNotRetried(t *testing.T) {
	p := newFakeProvider()
	p.failStatus = http.StatusBadRequest
	p.failUntil = 100
	o := newTestClient(t, p)

	_, err := o.Embed(context.Background(), inputs(3))
	require.Error(t, err)
	assert.Equal(t, types.KindPermanentEmbedding, types.KindOf(err))
	assert.Equal(t, 1, p.calls, "4xx other than 429 fails immediately")
}

func TestEmbedEmptyInputIsANoOp(t *testing.T) {
	p := newFakeProvider()
	o := newTestClient(t, p)

	vecs, err := o.Embed(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, vecs)
	assert.Zero(t, p.calls)
}
