package retrieval

import (
	"context"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramkit/engram/internal/graph"
	"github.com/engramkit/engram/internal/store"
	"github.com/engramkit/engram/internal/testutil"
	"github.com/engramkit/engram/internal/types"
	"github.com/engramkit/engram/internal/vector"
)

const testDim = 8

var (
	vecQuery = []float32{1, 0, 0, 0, 0, 0, 0, 0}
	vecNear  = []float32{1, 0.05, 0, 0, 0, 0, 0, 0} // distance ≈ 0.001
	vecClose = []float32{1, 0.5, 0, 0, 0, 0, 0, 0}  // distance ≈ 0.106
	vecFar   = []float32{0, 1, 0, 0, 0, 0, 0, 0}    // distance = 1, cut off
)

type fixture struct {
	store    *store.Store
	embedder *testutil.FakeEmbedder
	service  *Service
}

func newFixture(t *testing.T, timeout time.Duration) *fixture {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "r.db"), testDim)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	embedder := &testutil.FakeEmbedder{
		Dim:   testDim,
		Fixed: map[string][]float32{"the query": vecQuery},
	}
	expander := graph.NewExpander(s, timeout, slog.Default())
	return &fixture{
		store:    s,
		embedder: embedder,
		service:  New(s, s.Vectors(), embedder, expander, 0.55, 60, slog.Default()),
	}
}

func (f *fixture) upsertChunk(t *testing.T, id, uid, text string, index int, vec []float32) {
	t.Helper()
	require.NoError(t, f.store.Vectors().Upsert(context.Background(), vector.NSChunks, []vector.Doc{{
		ID:   id,
		Text: text,
		Metadata: map[string]string{
			"artifact_uid": uid,
			"chunk_index":  strconv.Itoa(index),
		},
		Vector: vec,
	}}))
}

func params(query string) Params {
	return Params{
		Query:           query,
		Limit:           5,
		GraphBudget:     10,
		GraphSeedLimit:  5,
		IncludeEntities: true,
	}
}

func TestSearchRanksAndFiltersByCutoff(t *testing.T) {
	f := newFixture(t, 500*time.Millisecond)
	f.upsertChunk(t, "art_a::chunk::000::aaaa0000", "uid_a", "closest text", 0, vecNear)
	f.upsertChunk(t, "art_b::chunk::000::bbbb0000", "uid_b", "second text", 0, vecClose)
	f.upsertChunk(t, "art_c::chunk::000::cccc0000", "uid_c", "orthogonal text", 0, vecFar)

	resp, err := f.service.Search(context.Background(), params("the query"))
	require.NoError(t, err)
	require.Len(t, resp.PrimaryResults, 2, "the far hit is cut off")

	assert.Equal(t, "art_a::chunk::000::aaaa0000", resp.PrimaryResults[0].ID)
	assert.Equal(t, "art_b::chunk::000::bbbb0000", resp.PrimaryResults[1].ID)
	assert.Equal(t, "chunk", resp.PrimaryResults[0].Type)
	assert.Greater(t, resp.PrimaryResults[0].RRFScore, resp.PrimaryResults[1].RRFScore)
	assert.Equal(t, []string{"chunks"}, resp.PrimaryResults[0].Collections)
	assert.NotEmpty(t, resp.ExpandOptions)
	assert.Empty(t, resp.Warning)
}

func TestSearchDeduplicatesByArtifact(t *testing.T) {
	f := newFixture(t, 500*time.Millisecond)
	f.upsertChunk(t, "art_a::chunk::000::aaaa0000", "uid_a", "first chunk", 0, vecNear)
	f.upsertChunk(t, "art_a::chunk::001::aaaa1111", "uid_a", "second chunk", 1, vecClose)

	resp, err := f.service.Search(context.Background(), params("the query"))
	require.NoError(t, err)
	require.Len(t, resp.PrimaryResults, 1, "chunks of one artifact collapse")
	assert.Equal(t, "art_a::chunk::000::aaaa0000", resp.PrimaryResults[0].ID, "the best-ranked chunk wins")
}

func TestSearchIncludeMemory(t *testing.T) {
	f := newFixture(t, 500*time.Millisecond)
	require.NoError(t, f.store.Vectors().Upsert(context.Background(), vector.NSContent, []vector.Doc{{
		ID:       "uid_note",
		Text:     "a small remembered note",
		Metadata: map[string]string{"artifact_uid": "uid_note"},
		Vector:   vecNear,
	}}))

	p := params("the query")
	resp, err := f.service.Search(context.Background(), p)
	require.NoError(t, err)
	assert.Empty(t, resp.PrimaryResults, "content namespace is off by default")

	p.IncludeMemory = true
	resp, err = f.service.Search(context.Background(), p)
	require.NoError(t, err)
	require.Len(t, resp.PrimaryResults, 1)
	assert.Equal(t, "memory", resp.PrimaryResults[0].Type)
	assert.Equal(t, []string{"content"}, resp.PrimaryResults[0].Collections)
}

func TestSearchExpandNeighbors(t *testing.T) {
	f := newFixture(t, 500*time.Millisecond)
	f.upsertChunk(t, "art_a::chunk::000::aaaa0000", "uid_a", "before text", 0, vecFar)
	f.upsertChunk(t, "art_a::chunk::001::aaaa1111", "uid_a", "hit text", 1, vecNear)
	f.upsertChunk(t, "art_a::chunk::002::aaaa2222", "uid_a", "after text", 2, vecFar)

	p := params("the query")
	p.ExpandNeighbors = true
	resp, err := f.service.Search(context.Background(), p)
	require.NoError(t, err)
	require.Len(t, resp.PrimaryResults, 1)

	content := resp.PrimaryResults[0].Content
	assert.Equal(t, 2, strings.Count(content, "[CHUNK BOUNDARY]"))
	assert.Contains(t, content, "before text")
	assert.Contains(t, content, "hit text")
	assert.Contains(t, content, "after text")
	assert.Less(t, strings.Index(content, "before text"), strings.Index(content, "hit text"))
	assert.Less(t, strings.Index(content, "hit text"), strings.Index(content, "after text"))
}

// seedGraph gives uid_a one committed event wired to a second event through
// a shared actor, and materializes the graph.
func seedGraph(t *testing.T, s *store.Store) {
	t.Helper()
	ctx := context.Background()
	err := s.RunInTransaction(ctx, func(tx *store.Tx) error {
		if err := tx.CreateRevision(ctx, &types.ArtifactRevision{
			ArtifactUID: "uid_a", RevisionID: "rev_a", ArtifactID: "art_a",
			ArtifactType: types.ArtifactNote, ContentHash: "h", TokenCount: 3, IsLatest: true,
		}, nil); err != nil {
			return err
		}
		if err := tx.InsertEntity(ctx, &types.Entity{
			EntityID: "ent_dana", EntityType: types.EntityPerson,
			CanonicalName: "Dana Reyes", NormalizedName: "dana reyes",
			FirstSeenArtifactUID: "uid_a", FirstSeenRevisionID: "rev_a",
		}); err != nil {
			return err
		}
		if err := tx.ReplaceEvents(ctx, "uid_a", "rev_a",
			[]types.SemanticEvent{{
				EventID: "evt_seed", ArtifactUID: "uid_a", RevisionID: "rev_a",
				Category: "Commitment", Narrative: "Dana committed.", Confidence: 0.9,
				ExtractionRunID: "run",
			}},
			[]types.Evidence{{
				EvidenceID: "ev1", EventID: "evt_seed", ArtifactUID: "uid_a",
				RevisionID: "rev_a", StartChar: 0, EndChar: 4, Quote: "Dana",
			}},
			[]types.EventActor{{EventID: "evt_seed", EntityID: "ent_dana", Role: types.RoleOwner}},
			nil); err != nil {
			return err
		}
		if err := tx.CreateRevision(ctx, &types.ArtifactRevision{
			ArtifactUID: "uid_b", RevisionID: "rev_b", ArtifactID: "art_b",
			ArtifactType: types.ArtifactNote, ContentHash: "h2", TokenCount: 3, IsLatest: true,
		}, nil); err != nil {
			return err
		}
		return tx.ReplaceEvents(ctx, "uid_b", "rev_b",
			[]types.SemanticEvent{{
				EventID: "evt_other", ArtifactUID: "uid_b", RevisionID: "rev_b",
				Category: "Execution", Narrative: "Dana shipped elsewhere.", Confidence: 0.8,
				ExtractionRunID: "run",
			}},
			[]types.Evidence{{
				EvidenceID: "ev2", EventID: "evt_other", ArtifactUID: "uid_b",
				RevisionID: "rev_b", StartChar: 0, EndChar: 4, Quote: "Dana",
			}},
			[]types.EventActor{{EventID: "evt_other", EntityID: "ent_dana", Role: types.RoleContributor}},
			nil)
	})
	require.NoError(t, err)

	m := graph.NewMaterializer(s, slog.Default())
	require.NoError(t, m.Run(ctx, &types.Job{JobType: types.JobGraphUpsert, ArtifactUID: "uid_a", RevisionID: "rev_a"}))
	require.NoError(t, m.Run(ctx, &types.Job{JobType: types.JobGraphUpsert, ArtifactUID: "uid_b", RevisionID: "rev_b"}))
}

func TestSearchGraphExpansion(t *testing.T) {
	f := newFixture(t, 500*time.Millisecond)
	f.upsertChunk(t, "art_a::chunk::000::aaaa0000", "uid_a", "hit text", 0, vecNear)
	seedGraph(t, f.store)

	p := params("the query")
	p.GraphExpand = true
	resp, err := f.service.Search(context.Background(), p)
	require.NoError(t, err)
	require.Len(t, resp.PrimaryResults, 1)

	require.Len(t, resp.RelatedContext, 1)
	rel := resp.RelatedContext[0]
	assert.Equal(t, "event", rel.Type)
	assert.Equal(t, "evt_other", rel.ID)
	assert.Equal(t, "same_actor:Dana Reyes", rel.Reason)
	require.Len(t, rel.Evidence, 1)
	assert.Equal(t, "uid_b", rel.Evidence[0].ArtifactUID)

	require.Len(t, resp.Entities, 1)
	assert.Equal(t, "Dana Reyes", resp.Entities[0].Name)
	assert.Equal(t, "person", resp.Entities[0].Type)
	assert.Empty(t, resp.Warning)
}

func TestSearchGraphTimeoutDegrades(t *testing.T) {
	f := newFixture(t, time.Nanosecond)
	f.upsertChunk(t, "art_a::chunk::000::aaaa0000", "uid_a", "hit text", 0, vecNear)
	seedGraph(t, f.store)

	p := params("the query")
	p.GraphExpand = true
	resp, err := f.service.Search(context.Background(), p)
	require.NoError(t, err)
	require.Len(t, resp.PrimaryResults, 1, "primary results survive expansion failure")
	assert.Empty(t, resp.RelatedContext)
	assert.Contains(t, resp.Warning, "graph expansion unavailable")
}

func TestSearchEmbedFailurePropagates(t *testing.T) {
	f := newFixture(t, 500*time.Millisecond)
	f.embedder.Fail = testutil.TransientEmbedErr()

	_, err := f.service.Search(context.Background(), params("the query"))
	require.Error(t, err)
	assert.Equal(t, types.KindTransientEmbedding, types.KindOf(err))
}
