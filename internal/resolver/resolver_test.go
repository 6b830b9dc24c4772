package resolver

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramkit/engram/internal/llm"
	"github.com/engramkit/engram/internal/store"
	"github.com/engramkit/engram/internal/testutil"
	"github.com/engramkit/engram/internal/types"
)

const testDim = 8

func newTestResolver(t *testing.T, embedder *testutil.FakeEmbedder, model *testutil.FakeModel) (*Resolver, *store.Store) {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "r.db"), testDim)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return New(s, embedder, model, 0.85, 5, slog.Default()), s
}

// seedEntity inserts an entity whose context embedding equals what the
// resolver would compute for the given mention fields.
func seedEntity(t *testing.T, s *store.Store, id, name string, entityType types.EntityType, clues llm.ContextClues, emb []float32) {
	t.Helper()
	err := s.RunInTransaction(context.Background(), func(tx *store.Tx) error {
		return tx.InsertEntity(context.Background(), &types.Entity{
			EntityID:             id,
			EntityType:           entityType,
			CanonicalName:        name,
			NormalizedName:       types.NormalizeName(name),
			Role:                 clues.Role,
			Organization:         clues.Org,
			ContextEmbedding:     emb,
			FirstSeenArtifactUID: "uid_seed",
			FirstSeenRevisionID:  "rev_seed",
		})
	})
	require.NoError(t, err)
}

func mention(surface, canonical, typ string) llm.MentionedEntity {
	return llm.MentionedEntity{
		SurfaceForm:         surface,
		CanonicalSuggestion: canonical,
		Type:                typ,
		Confidence:          0.9,
	}
}

func TestResolveCreatesWhenNoCandidates(t *testing.T) {
	embedder := &testutil.FakeEmbedder{Dim: testDim}
	model := &testutil.FakeModel{}
	r, s := newTestResolver(t, embedder, model)
	ctx := context.Background()

	res, err := r.Resolve(ctx, "uid_1", "rev_1", "Q3 planning", mention("Dana", "Dana Reyes", "person"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, res.Outcome)
	assert.Equal(t, "Dana Reyes", res.CanonicalName)

	ent, err := s.GetEntity(ctx, res.EntityID)
	require.NoError(t, err)
	assert.False(t, ent.NeedsReview)

	// Surface form differs from canonical, so it lands as an alias.
	aliases, err := s.Aliases(ctx, res.EntityID)
	require.NoError(t, err)
	require.Len(t, aliases, 1)
	assert.Equal(t, "Dana", aliases[0].Alias)

	n, err := s.MentionCount(ctx, res.EntityID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, model.MergeCalls, "no candidates, no confirmation calls")
}

func TestResolveMergesOnSameDecision(t *testing.T) {
	m := mention("D. Reyes", "Dana Reyes", "person")
	embText := embeddingText("Dana Reyes", types.EntityPerson, m.ContextClues)
	emb := testutil.HashVector(embText, testDim)

	embedder := &testutil.FakeEmbedder{Dim: testDim}
	model := &testutil.FakeModel{
		Decisions: map[string]llm.MergeDecision{
			"Dana Reyes": {Decision: "same", CanonicalName: "Dana Reyes", Reason: "same person"},
		},
	}
	r, s := newTestResolver(t, embedder, model)
	ctx := context.Background()
	seedEntity(t, s, "ent_dana", "Dana Reyes", types.EntityPerson, llm.ContextClues{}, emb)

	res, err := r.Resolve(ctx, "uid_1", "rev_1", "Q3 planning", m)
	require.NoError(t, err)
	assert.Equal(t, OutcomeMerged, res.Outcome)
	assert.Equal(t, "ent_dana", res.EntityID)

	// The unseen surface form becomes an alias of the merged entity.
	aliases, err := s.Aliases(ctx, "ent_dana")
	require.NoError(t, err)
	require.Len(t, aliases, 1)
	assert.Equal(t, "D. Reyes", aliases[0].Alias)

	n, err := s.MentionCount(ctx, "ent_dana")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestResolveUpgradesCanonicalName(t *testing.T) {
	m := mention("Dana Reyes-Okafor", "Dana Reyes-Okafor", "person")
	embText := embeddingText("Dana Reyes-Okafor", types.EntityPerson, m.ContextClues)
	emb := testutil.HashVector(embText, testDim)

	model := &testutil.FakeModel{
		Decisions: map[string]llm.MergeDecision{
			"Dana Reyes": {Decision: "same", CanonicalName: "Dana Reyes-Okafor", Reason: "fuller name"},
		},
	}
	r, s := newTestResolver(t, &testutil.FakeEmbedder{Dim: testDim}, model)
	ctx := context.Background()
	seedEntity(t, s, "ent_dana", "Dana Reyes", types.EntityPerson, llm.ContextClues{}, emb)

	res, err := r.Resolve(ctx, "uid_1", "rev_1", "Q3 planning", m)
	require.NoError(t, err)
	assert.Equal(t, "Dana Reyes-Okafor", res.CanonicalName)

	ent, err := s.GetEntity(ctx, "ent_dana")
	require.NoError(t, err)
	assert.Equal(t, "Dana Reyes-Okafor", ent.CanonicalName)
}

func TestResolveUncertainCreatesFlaggedEntity(t *testing.T) {
	m := mention("D. Reyes", "D. Reyes", "person")
	embText := embeddingText("D. Reyes", types.EntityPerson, m.ContextClues)
	emb := testutil.HashVector(embText, testDim)

	model := &testutil.FakeModel{
		Decisions: map[string]llm.MergeDecision{
			"Dana Reyes": {Decision: "uncertain", CanonicalName: "D. Reyes", Reason: "initials only"},
		},
	}
	r, s := newTestResolver(t, &testutil.FakeEmbedder{Dim: testDim}, model)
	ctx := context.Background()
	seedEntity(t, s, "ent_dana", "Dana Reyes", types.EntityPerson, llm.ContextClues{}, emb)

	res, err := r.Resolve(ctx, "uid_1", "rev_1", "Q3 planning", m)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreatedUncertain, res.Outcome)
	assert.NotEqual(t, "ent_dana", res.EntityID)

	ent, err := s.GetEntity(ctx, res.EntityID)
	require.NoError(t, err)
	assert.True(t, ent.NeedsReview)

	pairs, err := s.UncertainPairs(ctx)
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Equal(t, res.EntityID, pairs[0].EntityID)
	assert.Equal(t, "ent_dana", pairs[0].OtherEntityID)
}

func TestResolveMergeClearsJudgedDifferentPair(t *testing.T) {
	m := mention("Dana Reyes", "Dana Reyes", "person")
	embText := embeddingText("Dana Reyes", types.EntityPerson, m.ContextClues)
	emb := testutil.HashVector(embText, testDim)

	// ent_a is judged first (entity_id tie-break) and rejected; ent_b wins the
	// merge. The judgments settle the open pair between the two.
	model := &testutil.FakeModel{
		Decisions: map[string]llm.MergeDecision{
			"Dana Reyes": {Decision: "different", CanonicalName: "Dana Reyes", Reason: "other person"},
			"D. Reyes":   {Decision: "same", CanonicalName: "Dana Reyes", Reason: "same person"},
		},
	}
	r, s := newTestResolver(t, &testutil.FakeEmbedder{Dim: testDim}, model)
	ctx := context.Background()
	seedEntity(t, s, "ent_a", "Dana Reyes", types.EntityPerson, llm.ContextClues{}, emb)
	seedEntity(t, s, "ent_b", "D. Reyes", types.EntityPerson, llm.ContextClues{}, emb)
	err := s.RunInTransaction(ctx, func(tx *store.Tx) error {
		return tx.AddPossiblySame(ctx, &types.EntityRelation{
			EntityID: "ent_b", OtherEntityID: "ent_a", Confidence: 0.5, Reason: "initials",
		})
	})
	require.NoError(t, err)

	res, err := r.Resolve(ctx, "uid_1", "rev_1", "Q3 planning", m)
	require.NoError(t, err)
	assert.Equal(t, OutcomeMerged, res.Outcome)
	assert.Equal(t, "ent_b", res.EntityID)

	pairs, err := s.UncertainPairs(ctx)
	require.NoError(t, err)
	assert.Empty(t, pairs, "same-as-target plus different-from-other settles the pair")
}

func TestResolveMergeKeepsUnjudgedUncertainPair(t *testing.T) {
	m := mention("Dana Reyes", "Dana Reyes", "person")
	embText := embeddingText("Dana Reyes", types.EntityPerson, m.ContextClues)
	emb := testutil.HashVector(embText, testDim)

	// The first candidate wins immediately, so ent_b is never shown to the
	// model. Its open pair with the target must survive the merge.
	model := &testutil.FakeModel{
		Decisions: map[string]llm.MergeDecision{
			"Dana Reyes": {Decision: "same", CanonicalName: "Dana Reyes", Reason: "exact"},
		},
	}
	r, s := newTestResolver(t, &testutil.FakeEmbedder{Dim: testDim}, model)
	ctx := context.Background()
	seedEntity(t, s, "ent_a", "Dana Reyes", types.EntityPerson, llm.ContextClues{}, emb)
	seedEntity(t, s, "ent_b", "D. Reyes", types.EntityPerson, llm.ContextClues{}, emb)
	err := s.RunInTransaction(ctx, func(tx *store.Tx) error {
		return tx.AddPossiblySame(ctx, &types.EntityRelation{
			EntityID: "ent_b", OtherEntityID: "ent_a", Confidence: 0.5, Reason: "initials",
		})
	})
	require.NoError(t, err)

	res, err := r.Resolve(ctx, "uid_1", "rev_1", "Q3 planning", m)
	require.NoError(t, err)
	assert.Equal(t, OutcomeMerged, res.Outcome)
	assert.Equal(t, "ent_a", res.EntityID)

	pairs, err := s.UncertainPairs(ctx)
	require.NoError(t, err)
	require.Len(t, pairs, 1, "undecided pair keeps its needs-review signal")
	assert.Equal(t, "ent_b", pairs[0].EntityID)
	assert.Equal(t, "ent_a", pairs[0].OtherEntityID)
}

func TestResolveEmbeddingFailureNeverBlocks(t *testing.T) {
	embedder := &testutil.FakeEmbedder{Dim: testDim, Fail: testutil.TransientEmbedErr()}
	model := &testutil.FakeModel{}
	r, s := newTestResolver(t, embedder, model)
	ctx := context.Background()

	res, err := r.Resolve(ctx, "uid_1", "rev_1", "Q3 planning", mention("Acme", "Acme Corp", "org"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, res.Outcome)

	ent, err := s.GetEntity(ctx, res.EntityID)
	require.NoError(t, err)
	assert.True(t, ent.NeedsReview, "unindexed entity is flagged for repair")

	missing, err := s.EntitiesMissingEmbedding(ctx, 10)
	require.NoError(t, err)
	require.Len(t, missing, 1)

	// Provider recovers; the repair pass fills the embedding.
	embedder.Fail = nil
	n, err := r.RepairEmbeddings(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	missing, err = s.EntitiesMissingEmbedding(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestResolveMergeFailureFallsBackToUncertain(t *testing.T) {
	m := mention("Dana", "Dana Reyes", "person")
	embText := embeddingText("Dana Reyes", types.EntityPerson, m.ContextClues)
	emb := testutil.HashVector(embText, testDim)

	model := &testutil.FakeModel{FailMerge: types.NewToolError(types.KindLLMRateLimited, "429")}
	r, s := newTestResolver(t, &testutil.FakeEmbedder{Dim: testDim}, model)
	ctx := context.Background()
	seedEntity(t, s, "ent_dana", "Dana Reyes", types.EntityPerson, llm.ContextClues{}, emb)

	res, err := r.Resolve(ctx, "uid_1", "rev_1", "Q3 planning", m)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreatedUncertain, res.Outcome)

	pairs, err := s.UncertainPairs(ctx)
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Equal(t, "ent_dana", pairs[0].OtherEntityID)
}

func TestMoreComplete(t *testing.T) {
	tests := []struct {
		suggested, current string
		want               bool
	}{
		{"Dana Reyes-Okafor", "Dana Reyes", true},
		{"Dana Reyes", "Dana Reyes", false},
		{"Dana", "Dana Reyes", false},
		{"Robert Chen", "Dana Reyes", false},
		{"", "Dana Reyes", false},
		{"dana reyes of acme", "Dana Reyes", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, moreComplete(tt.suggested, tt.current),
			"moreComplete(%q, %q)", tt.suggested, tt.current)
	}
}
