// Package embed wraps the embedding provider behind a small interface so the
// pipeline and tests do not depend on a live API.
//
// Supported embedding models:
//
//	text-embedding-3-small  (1536 dim)
//	text-embedding-3-large  (3072 dim) — default
package embed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/engramkit/engram/internal/types"
)

// Client produces embeddings for batches of text. Implementations must
// return one vector per input, in order.
type Client interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// maxBatchInputs is the provider's per-request input ceiling. Larger lists
// are split into sub-requests and the vectors concatenated in input order.
const maxBatchInputs = 512

// maxAttempts bounds the per-batch retry loop, first try included.
const maxAttempts = 3

// OpenAI is the production Client backed by the OpenAI embeddings API.
type OpenAI struct {
	client    openai.Client
	model     string
	dim       int
	timeout   time.Duration
	retryBase time.Duration
	retryCap  time.Duration
}

// Option configures an OpenAI client.
type Option func(*OpenAI)

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(o *OpenAI) {
		o.client = openai.NewClient(option.WithBaseURL(url), option.WithMaxRetries(0))
	}
}

// NewOpenAI builds the production embedding client. The API key is read from
// OPENAI_API_KEY by the underlying SDK. SDK-level retries are disabled; the
// retry policy lives in embedBatch.
func NewOpenAI(model string, dim int, timeout time.Duration, opts ...Option) *OpenAI {
	o := &OpenAI{
		client:    openai.NewClient(option.WithMaxRetries(0)),
		model:     model,
		dim:       dim,
		timeout:   timeout,
		retryBase: 1 * time.Second,
		retryCap:  30 * time.Second,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Dimensions returns the configured vector width.
func (o *OpenAI) Dimensions() int { return o.dim }

// Embed requests one vector per input text. Input lists over the provider's
// batch limit are split and sent as consecutive sub-requests; the output
// always lines up with the input order.
func (o *OpenAI) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += maxBatchInputs {
		end := start + maxBatchInputs
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := o.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// embedBatch sends one provider request of at most maxBatchInputs texts.
// Transient failures are retried with jittered exponential backoff (base 1 s,
// cap 30 s, 3 attempts); what escapes is classified as transient (job-level
// retry is worthwhile) or permanent.
func (o *OpenAI) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	var out [][]float32
	op := func() error {
		callCtx, cancel := context.WithTimeout(ctx, o.timeout)
		defer cancel()

		resp, err := o.client.Embeddings.New(callCtx, openai.EmbeddingNewParams{
			Input:      openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: batch},
			Model:      openai.EmbeddingModel(o.model),
			Dimensions: openai.Int(int64(o.dim)),
		})
		if err != nil {
			if isRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		if len(resp.Data) != len(batch) {
			return backoff.Permanent(fmt.Errorf("embedding response has %d vectors for %d inputs", len(resp.Data), len(batch)))
		}
		out = make([][]float32, len(resp.Data))
		for i, d := range resp.Data {
			vec := make([]float32, len(d.Embedding))
			for j, v := range d.Embedding {
				vec[j] = float32(v)
			}
			out[i] = vec
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = o.retryBase
	bo.MaxInterval = o.retryCap
	bo.MaxElapsedTime = 0
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, maxAttempts-1), ctx)); err != nil {
		kind := types.KindPermanentEmbedding
		if isRetryable(err) || errors.Is(err, context.DeadlineExceeded) {
			kind = types.KindTransientEmbedding
		}
		return nil, types.NewToolError(kind, "embed %d texts with %s: %v", len(batch), o.model, err)
	}
	return out, nil
}

// isRetryable reports whether an API failure is worth retrying: rate limits,
// server errors, and transport-level failures. 4xx other than 429 means the
// request itself is wrong.
func isRetryable(err error) bool {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		return apierr.StatusCode == 429 || apierr.StatusCode >= 500
	}
	// No structured status: treat as a transport failure.
	return !errors.Is(err, context.Canceled)
}
