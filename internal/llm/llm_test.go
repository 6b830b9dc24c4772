package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramkit/engram/internal/types"
)

func TestDecodeJSONRepair(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"clean object", `{"decision":"same","canonical_name":"Ada Lovelace","reason":"matching email"}`, false},
		{"fenced", "```json\n{\"decision\":\"different\",\"canonical_name\":\"X\",\"reason\":\"r\"}\n```", false},
		{"prose wrapped", `Here is the result: {"decision":"uncertain","canonical_name":"Y","reason":"r"} Hope that helps!`, false},
		{"no json at all", `I cannot answer that.`, true},
		{"truncated object", `{"decision":"same","canonical_name":`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d MergeDecision
			err := decodeJSON(tt.raw, &d)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, types.KindLLMInvalidResponse, types.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.True(t, d.Valid())
		})
	}
}

func TestValidateExtraction(t *testing.T) {
	good := &ChunkExtraction{
		Events: []ExtractedEvent{{
			Category:  "Decision",
			Narrative: "The team chose the new rollout plan.",
			Evidence:  EvidenceSpan{Quote: "we will roll out in May", StartChar: 10, EndChar: 33},
		}},
		EntitiesMentioned: []MentionedEntity{{SurfaceForm: "Dana", CanonicalSuggestion: "Dana Reyes", Type: "person"}},
	}
	require.NoError(t, validateExtraction(good))

	emptyNarrative := &ChunkExtraction{Events: []ExtractedEvent{{Category: "Decision"}}}
	assert.Error(t, validateExtraction(emptyNarrative))

	badSpan := &ChunkExtraction{
		Events: []ExtractedEvent{{
			Narrative: "Something happened.",
			Evidence:  EvidenceSpan{Quote: "q", StartChar: 20, EndChar: 20},
		}},
	}
	assert.Error(t, validateExtraction(badSpan))

	emptySurface := &ChunkExtraction{EntitiesMentioned: []MentionedEntity{{SurfaceForm: "  "}}}
	assert.Error(t, validateExtraction(emptySurface))
}

func TestSingleChunkCanonical(t *testing.T) {
	ex := &ChunkExtraction{
		Events: []ExtractedEvent{{
			Category:   "Commitment",
			Narrative:  "Dana agreed to ship the migration by Friday.",
			Subject:    SubjectRef{Type: "project", Ref: "migration"},
			Actors:     []ActorRef{{Ref: "Dana", Role: "owner"}},
			Evidence:   EvidenceSpan{Quote: "I'll ship it Friday", StartChar: 5, EndChar: 24},
			Confidence: 0.9,
		}},
		EntitiesMentioned: []MentionedEntity{{SurfaceForm: "Dana", CanonicalSuggestion: "Dana Reyes", Type: "person"}},
	}
	set := SingleChunkCanonical(ex)
	require.Len(t, set.Events, 1)
	require.Len(t, set.Events[0].Evidence, 1)
	assert.Equal(t, "I'll ship it Friday", set.Events[0].Evidence[0].Quote)
	assert.Equal(t, ex.EntitiesMentioned, set.Entities)
	require.NoError(t, validateCanonical(set))
}

func TestMergeDecisionValid(t *testing.T) {
	assert.True(t, (&MergeDecision{Decision: "same"}).Valid())
	assert.True(t, (&MergeDecision{Decision: "uncertain"}).Valid())
	assert.False(t, (&MergeDecision{Decision: "maybe"}).Valid())
}
