// Package llm wraps the model provider behind typed extraction, merge and
// canonicalization calls. All responses are strict JSON; a best-effort repair
// step tolerates code fences and prose around the payload.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/engramkit/engram/internal/types"
)

// ChunkRequest identifies the piece of a document to extract from.
type ChunkRequest struct {
	Title        string
	ArtifactType string
	ChunkIndex   int // 0-based
	TotalChunks  int
	Text         string
}

// SubjectRef names the entity an event is about, by in-document reference.
type SubjectRef struct {
	Type string `json:"type"`
	Ref  string `json:"ref"`
}

// ActorRef names a participant in an event, by in-document reference.
type ActorRef struct {
	Ref  string `json:"ref"`
	Role string `json:"role"`
}

// EvidenceSpan is a verbatim quote with character offsets into the text the
// model was shown.
type EvidenceSpan struct {
	Quote     string `json:"quote"`
	StartChar int    `json:"start_char"`
	EndChar   int    `json:"end_char"`
}

// ExtractedEvent is one event as reported for a single chunk.
type ExtractedEvent struct {
	Category   string       `json:"category"`
	Narrative  string       `json:"narrative"`
	EventTime  string       `json:"event_time,omitempty"`
	Subject    SubjectRef   `json:"subject"`
	Actors     []ActorRef   `json:"actors"`
	Evidence   EvidenceSpan `json:"evidence"`
	Confidence float64      `json:"confidence"`
}

// ContextClues carries disambiguation hints harvested near a mention.
type ContextClues struct {
	Role  string `json:"role,omitempty"`
	Org   string `json:"org,omitempty"`
	Email string `json:"email,omitempty"`
}

// MentionedEntity is one entity surface form reported for a chunk.
type MentionedEntity struct {
	SurfaceForm         string       `json:"surface_form"`
	CanonicalSuggestion string       `json:"canonical_suggestion"`
	Type                string       `json:"type"`
	ContextClues        ContextClues `json:"context_clues"`
	AliasesInDoc        []string     `json:"aliases_in_doc,omitempty"`
	Confidence          float64      `json:"confidence"`
	StartChar           *int         `json:"start_char,omitempty"`
	EndChar             *int         `json:"end_char,omitempty"`
}

// ChunkExtraction is the model's full answer for one chunk.
type ChunkExtraction struct {
	Events            []ExtractedEvent  `json:"events"`
	EntitiesMentioned []MentionedEntity `json:"entities_mentioned"`
}

// CanonicalEvent is an event after cross-chunk deduplication; duplicates'
// evidence spans are unioned.
type CanonicalEvent struct {
	Category   string         `json:"category"`
	Narrative  string         `json:"narrative"`
	EventTime  string         `json:"event_time,omitempty"`
	Subject    SubjectRef     `json:"subject"`
	Actors     []ActorRef     `json:"actors"`
	Evidence   []EvidenceSpan `json:"evidence"`
	Confidence float64        `json:"confidence"`
}

// CanonicalSet is the document-level result: deduplicated events plus the
// union of mentioned entities with in-document aliases folded together.
type CanonicalSet struct {
	Events   []CanonicalEvent  `json:"events"`
	Entities []MentionedEntity `json:"entities"`
}

// EntityCard describes one side of a merge-confirmation question.
type EntityCard struct {
	Name          string
	Type          string
	Role          string
	Org           string
	Email         string
	Aliases       []string
	DocumentTitle string
}

// MergeDecision answers whether two entity records denote the same
// real-world entity.
type MergeDecision struct {
	Decision      string `json:"decision"` // same | different | uncertain
	CanonicalName string `json:"canonical_name"`
	Reason        string `json:"reason"`
}

// Valid reports whether the decision field holds a known value.
func (d *MergeDecision) Valid() bool {
	switch d.Decision {
	case "same", "different", "uncertain":
		return true
	}
	return false
}

// Client is the model interface the pipeline depends on. Implementations
// must be safe for concurrent use.
type Client interface {
	// ExtractChunk runs extraction over one chunk of a document.
	ExtractChunk(ctx context.Context, req ChunkRequest) (*ChunkExtraction, error)
	// Canonicalize merges per-chunk extractions into a document-level set.
	Canonicalize(ctx context.Context, title string, chunks []ChunkExtraction) (*CanonicalSet, error)
	// ConfirmMerge decides whether two entity records are the same entity.
	ConfirmMerge(ctx context.Context, a, b EntityCard) (*MergeDecision, error)
}

// decodeJSON unmarshals a model response into v, trimming code fences and
// any prose outside the outermost JSON object first.
func decodeJSON(raw string, v any) error {
	s := strings.TrimSpace(raw)
	if err := json.Unmarshal([]byte(s), v); err == nil {
		return nil
	}

	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return types.NewToolError(types.KindLLMInvalidResponse, "response contains no JSON object")
	}
	if err := json.Unmarshal([]byte(s[start:end+1]), v); err != nil {
		return types.NewToolError(types.KindLLMInvalidResponse, "decode model response: %v", err)
	}
	return nil
}

// validateExtraction rejects structurally broken extractions so bad model
// output fails the job instead of poisoning the store.
func validateExtraction(ex *ChunkExtraction) error {
	for i, ev := range ex.Events {
		if strings.TrimSpace(ev.Narrative) == "" {
			return types.NewToolError(types.KindLLMInvalidResponse, "event %d has empty narrative", i)
		}
		if ev.Evidence.Quote != "" && ev.Evidence.EndChar <= ev.Evidence.StartChar {
			return types.NewToolError(types.KindLLMInvalidResponse,
				"event %d evidence span [%d,%d) invalid", i, ev.Evidence.StartChar, ev.Evidence.EndChar)
		}
	}
	for i, ent := range ex.EntitiesMentioned {
		if strings.TrimSpace(ent.SurfaceForm) == "" {
			return types.NewToolError(types.KindLLMInvalidResponse, "entity %d has empty surface form", i)
		}
	}
	return nil
}

// validateCanonical applies the same structural checks to a document-level set.
func validateCanonical(set *CanonicalSet) error {
	for i, ev := range set.Events {
		if strings.TrimSpace(ev.Narrative) == "" {
			return types.NewToolError(types.KindLLMInvalidResponse, "event %d has empty narrative", i)
		}
		for _, sp := range ev.Evidence {
			if sp.EndChar <= sp.StartChar {
				return types.NewToolError(types.KindLLMInvalidResponse,
					"event %d evidence span [%d,%d) invalid", i, sp.StartChar, sp.EndChar)
			}
		}
	}
	return nil
}

// SingleChunkCanonical lifts a lone chunk extraction to a canonical set
// without a model round-trip.
func SingleChunkCanonical(ex *ChunkExtraction) *CanonicalSet {
	set := &CanonicalSet{Entities: ex.EntitiesMentioned}
	for _, ev := range ex.Events {
		ce := CanonicalEvent{
			Category:   ev.Category,
			Narrative:  ev.Narrative,
			EventTime:  ev.EventTime,
			Subject:    ev.Subject,
			Actors:     ev.Actors,
			Confidence: ev.Confidence,
		}
		if ev.Evidence.Quote != "" {
			ce.Evidence = []EvidenceSpan{ev.Evidence}
		}
		set.Events = append(set.Events, ce)
	}
	return set
}

func describeCard(c EntityCard) string {
	var b strings.Builder
	fmt.Fprintf(&b, "name: %s\ntype: %s\n", c.Name, c.Type)
	if c.Role != "" {
		fmt.Fprintf(&b, "role: %s\n", c.Role)
	}
	if c.Org != "" {
		fmt.Fprintf(&b, "organization: %s\n", c.Org)
	}
	if c.Email != "" {
		fmt.Fprintf(&b, "email: %s\n", c.Email)
	}
	if len(c.Aliases) > 0 {
		fmt.Fprintf(&b, "aliases: %s\n", strings.Join(c.Aliases, ", "))
	}
	if c.DocumentTitle != "" {
		fmt.Fprintf(&b, "source document: %s\n", c.DocumentTitle)
	}
	return b.String()
}
