package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/engramkit/engram/internal/telemetry"
	"github.com/engramkit/engram/internal/types"
)

const (
	maxRetries       = 3
	initialBackoff   = 1 * time.Second
	rateLimitBackoff = 5 * time.Second
)

// errAPIKeyRequired is returned when an API key is needed but not provided.
var errAPIKeyRequired = errors.New("API key required")

// Anthropic is the production Client backed by the Anthropic API.
type Anthropic struct {
	client       anthropic.Client
	model        anthropic.Model
	timeout      time.Duration
	extractTmpl  *template.Template
	canonTmpl    *template.Template
	mergeTmpl    *template.Template
	maxRetries   int
	firstBackoff time.Duration
}

// NewAnthropic creates the production model client. Env var ANTHROPIC_API_KEY
// takes precedence over the explicit apiKey.
func NewAnthropic(apiKey, model string, timeout time.Duration) (*Anthropic, error) {
	if envKey := os.Getenv("ANTHROPIC_API_KEY"); envKey != "" {
		apiKey = envKey
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: set ANTHROPIC_API_KEY environment variable or provide via config", errAPIKeyRequired)
	}

	extractTmpl, err := template.New("extract").Parse(extractPromptTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse extract template: %w", err)
	}
	canonTmpl, err := template.New("canonicalize").Parse(canonicalizePromptTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse canonicalize template: %w", err)
	}
	mergeTmpl, err := template.New("merge").Parse(mergePromptTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse merge template: %w", err)
	}

	modelMetricsOnce.Do(initModelMetrics)

	return &Anthropic{
		client:       anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:        anthropic.Model(model),
		timeout:      timeout,
		extractTmpl:  extractTmpl,
		canonTmpl:    canonTmpl,
		mergeTmpl:    mergeTmpl,
		maxRetries:   maxRetries,
		firstBackoff: initialBackoff,
	}, nil
}

// ExtractChunk implements Client.
func (a *Anthropic) ExtractChunk(ctx context.Context, req ChunkRequest) (*ChunkExtraction, error) {
	prompt, err := render(a.extractTmpl, map[string]any{
		"Title":        req.Title,
		"ArtifactType": req.ArtifactType,
		"ChunkNum":     req.ChunkIndex + 1,
		"TotalChunks":  req.TotalChunks,
		"Text":         req.Text,
	})
	if err != nil {
		return nil, err
	}

	raw, err := a.callWithRetry(ctx, "extract", prompt, 4096)
	if err != nil {
		return nil, err
	}
	var ex ChunkExtraction
	if err := decodeJSON(raw, &ex); err != nil {
		return nil, err
	}
	if err := validateExtraction(&ex); err != nil {
		return nil, err
	}
	return &ex, nil
}

// Canonicalize implements Client.
func (a *Anthropic) Canonicalize(ctx context.Context, title string, chunks []ChunkExtraction) (*CanonicalSet, error) {
	if len(chunks) == 1 {
		return SingleChunkCanonical(&chunks[0]), nil
	}
	payload, err := json.MarshalIndent(chunks, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal chunk extractions: %w", err)
	}
	prompt, err := render(a.canonTmpl, map[string]any{
		"Title":  title,
		"Chunks": string(payload),
	})
	if err != nil {
		return nil, err
	}

	raw, err := a.callWithRetry(ctx, "canonicalize", prompt, 8192)
	if err != nil {
		return nil, err
	}
	var set CanonicalSet
	if err := decodeJSON(raw, &set); err != nil {
		return nil, err
	}
	if err := validateCanonical(&set); err != nil {
		return nil, err
	}
	return &set, nil
}

// ConfirmMerge implements Client.
func (a *Anthropic) ConfirmMerge(ctx context.Context, left, right EntityCard) (*MergeDecision, error) {
	prompt, err := render(a.mergeTmpl, map[string]any{
		"Left":  describeCard(left),
		"Right": describeCard(right),
	})
	if err != nil {
		return nil, err
	}

	raw, err := a.callWithRetry(ctx, "merge", prompt, 512)
	if err != nil {
		return nil, err
	}
	var d MergeDecision
	if err := decodeJSON(raw, &d); err != nil {
		return nil, err
	}
	if !d.Valid() {
		return nil, types.NewToolError(types.KindLLMInvalidResponse, "unknown merge decision %q", d.Decision)
	}
	return &d, nil
}

// modelMetrics holds lazily-initialized OTel instruments for API calls.
var modelMetrics struct {
	inputTokens  metric.Int64Counter
	outputTokens metric.Int64Counter
	duration     metric.Float64Histogram
}

var modelMetricsOnce sync.Once

func initModelMetrics() {
	m := telemetry.Meter("github.com/engramkit/engram/llm")
	modelMetrics.inputTokens, _ = m.Int64Counter("engram.llm.input_tokens",
		metric.WithDescription("Anthropic API input tokens consumed"),
		metric.WithUnit("{token}"),
	)
	modelMetrics.outputTokens, _ = m.Int64Counter("engram.llm.output_tokens",
		metric.WithDescription("Anthropic API output tokens generated"),
		metric.WithUnit("{token}"),
	)
	modelMetrics.duration, _ = m.Float64Histogram("engram.llm.request.duration",
		metric.WithDescription("Anthropic API request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
}

func (a *Anthropic) callWithRetry(ctx context.Context, operation, prompt string, maxTokens int64) (string, error) {
	tracer := telemetry.Tracer("github.com/engramkit/engram/llm")
	ctx, span := tracer.Start(ctx, "anthropic.messages.new")
	defer span.End()
	span.SetAttributes(
		attribute.String("engram.llm.model", string(a.model)),
		attribute.String("engram.llm.operation", operation),
	)

	params := anthropic.MessageNewParams{
		Model:       a.model,
		MaxTokens:   maxTokens,
		Temperature: anthropic.Float(0),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}

	var lastErr error
	for attempt := 0; attempt <= a.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := a.firstBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			if isRateLimited(lastErr) {
				backoff = rateLimitBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			}
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, a.timeout)
		t0 := time.Now()
		message, err := a.client.Messages.New(callCtx, params)
		ms := float64(time.Since(t0).Milliseconds())
		cancel()

		if err == nil {
			modelAttr := attribute.String("engram.llm.model", string(a.model))
			if modelMetrics.inputTokens != nil {
				modelMetrics.inputTokens.Add(ctx, message.Usage.InputTokens, metric.WithAttributes(modelAttr))
				modelMetrics.outputTokens.Add(ctx, message.Usage.OutputTokens, metric.WithAttributes(modelAttr))
				modelMetrics.duration.Record(ctx, ms, metric.WithAttributes(modelAttr))
			}
			span.SetAttributes(
				attribute.Int64("engram.llm.input_tokens", message.Usage.InputTokens),
				attribute.Int64("engram.llm.output_tokens", message.Usage.OutputTokens),
				attribute.Int("engram.llm.attempts", attempt+1),
			)

			if len(message.Content) > 0 {
				content := message.Content[0]
				if content.Type == "text" {
					return content.Text, nil
				}
				return "", types.NewToolError(types.KindLLMInvalidResponse,
					"unexpected response format: not a text block (type=%s)", content.Type)
			}
			return "", types.NewToolError(types.KindLLMInvalidResponse, "unexpected response format: no content blocks")
		}

		lastErr = err

		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if !isRetryable(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return "", fmt.Errorf("non-retryable error: %w", err)
		}
	}

	if lastErr != nil {
		span.RecordError(lastErr)
		span.SetStatus(codes.Error, lastErr.Error())
	}
	if isRateLimited(lastErr) {
		return "", types.NewToolError(types.KindLLMRateLimited, "rate limited after %d retries: %v", a.maxRetries+1, lastErr)
	}
	return "", fmt.Errorf("failed after %d retries: %w", a.maxRetries+1, lastErr)
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		// Per-call timeout: the outer context may still have budget.
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}

	return false
}

func isRateLimited(err error) bool {
	var apiErr *anthropic.Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == 429
}

func render(tmpl *template.Template, data any) (string, error) {
	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("render %s prompt: %w", tmpl.Name(), err)
	}
	return b.String(), nil
}
