// Package testutil provides deterministic fakes for the embedding and model
// providers so pipeline tests run hermetically.
package testutil

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"sync"

	"github.com/engramkit/engram/internal/llm"
	"github.com/engramkit/engram/internal/types"
)

// FakeEmbedder derives a stable unit-ish vector from each input's hash, so
// equal texts embed identically and distinct texts are far apart. Set Fail
// to simulate a provider outage.
type FakeEmbedder struct {
	Dim  int
	Fail error

	// Fixed pins specific texts to specific vectors, letting tests place
	// two different strings near each other.
	Fixed map[string][]float32

	mu    sync.Mutex
	Calls []string
}

// Embed implements embed.Client.
func (f *FakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.Calls = append(f.Calls, texts...)
	f.mu.Unlock()
	if f.Fail != nil {
		return nil, f.Fail
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if v, ok := f.Fixed[t]; ok {
			out[i] = v
			continue
		}
		out[i] = HashVector(t, f.Dim)
	}
	return out, nil
}

// Dimensions implements embed.Client.
func (f *FakeEmbedder) Dimensions() int { return f.Dim }

// HashVector builds a deterministic pseudo-random vector from text.
func HashVector(text string, dim int) []float32 {
	sum := sha256.Sum256([]byte(text))
	v := make([]float32, dim)
	for i := range v {
		// Cycle through the digest; offset by index so short digests still
		// produce distinct components.
		bits := binary.LittleEndian.Uint32(sum[(i*4)%28:])
		v[i] = float32(bits%2000)/1000 - 1 // [-1, 1)
	}
	return v
}

// FakeModel returns scripted responses. Extractions are served per chunk
// index; merge decisions per candidate name.
type FakeModel struct {
	// Extractions holds one response per ExtractChunk call, in order. When
	// exhausted the zero extraction is returned.
	Extractions []llm.ChunkExtraction
	// Canonical, when set, is returned by Canonicalize for multi-chunk
	// documents. Single chunks short-circuit without consulting it.
	Canonical *llm.CanonicalSet
	// Decisions maps candidate entity name -> scripted merge decision.
	Decisions map[string]llm.MergeDecision
	// FailExtract / FailMerge simulate provider failures.
	FailExtract error
	FailMerge   error

	mu           sync.Mutex
	extractCalls int
	MergeCalls   []string
}

// ExtractChunk implements llm.Client.
func (f *FakeModel) ExtractChunk(_ context.Context, req llm.ChunkRequest) (*llm.ChunkExtraction, error) {
	if f.FailExtract != nil {
		return nil, f.FailExtract
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.extractCalls < len(f.Extractions) {
		ex := f.Extractions[f.extractCalls]
		f.extractCalls++
		return &ex, nil
	}
	f.extractCalls++
	return &llm.ChunkExtraction{}, nil
}

// Canonicalize implements llm.Client.
func (f *FakeModel) Canonicalize(_ context.Context, _ string, chunks []llm.ChunkExtraction) (*llm.CanonicalSet, error) {
	if len(chunks) == 1 {
		return llm.SingleChunkCanonical(&chunks[0]), nil
	}
	if f.Canonical != nil {
		return f.Canonical, nil
	}
	// Naive union for tests that don't care about dedup.
	set := &llm.CanonicalSet{}
	for i := range chunks {
		part := llm.SingleChunkCanonical(&chunks[i])
		set.Events = append(set.Events, part.Events...)
		set.Entities = append(set.Entities, part.Entities...)
	}
	return set, nil
}

// ConfirmMerge implements llm.Client.
func (f *FakeModel) ConfirmMerge(_ context.Context, a, b llm.EntityCard) (*llm.MergeDecision, error) {
	f.mu.Lock()
	f.MergeCalls = append(f.MergeCalls, b.Name)
	f.mu.Unlock()
	if f.FailMerge != nil {
		return nil, f.FailMerge
	}
	if d, ok := f.Decisions[b.Name]; ok {
		return &d, nil
	}
	return &llm.MergeDecision{Decision: "different", CanonicalName: a.Name, Reason: "scripted default"}, nil
}

// TransientEmbedErr builds the transient embedding failure the pipeline
// treats as retryable.
func TransientEmbedErr() error {
	return types.NewToolError(types.KindTransientEmbedding, "embedding provider unavailable")
}
