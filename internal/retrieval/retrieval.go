// Package retrieval implements hybrid search over the vector namespaces with
// reciprocal-rank-fusion merging, artifact-level de-duplication, neighbor
// chunk expansion, and optional 1-hop graph expansion.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/engramkit/engram/internal/embed"
	"github.com/engramkit/engram/internal/graph"
	"github.com/engramkit/engram/internal/store"
	"github.com/engramkit/engram/internal/vector"
)

// chunkBoundary separates adjacent chunks in neighbor-expanded text.
const chunkBoundary = "\n[CHUNK BOUNDARY]\n"

// Params is the full recall parameter surface after validation and
// defaulting by the tool layer.
type Params struct {
	Query           string
	Limit           int
	IncludeMemory   bool
	ExpandNeighbors bool
	GraphExpand     bool
	GraphBudget     int
	GraphSeedLimit  int
	GraphFilters    []string
	IncludeEntities bool
	Filters         map[string]string
}

// Result is one primary search result.
type Result struct {
	ID          string            `json:"id"`
	Type        string            `json:"type"` // artifact | chunk | memory
	Content     string            `json:"content"`
	Metadata    map[string]string `json:"metadata"`
	RRFScore    float64           `json:"rrf_score"`
	Collections []string          `json:"collections"`
}

// EvidenceRef anchors a related event back to its source text.
type EvidenceRef struct {
	Quote       string `json:"quote"`
	ArtifactUID string `json:"artifact_uid"`
	StartChar   int    `json:"start_char"`
	EndChar     int    `json:"end_char"`
}

// RelatedEvent is one graph-expansion result with its evidence.
type RelatedEvent struct {
	Type       string        `json:"type"` // always "event"
	ID         string        `json:"id"`
	Category   string        `json:"category"`
	Reason     string        `json:"reason"`
	Summary    string        `json:"summary"`
	EventTime  *time.Time    `json:"event_time,omitempty"`
	Evidence   []EvidenceRef `json:"evidence"`
	Confidence float64       `json:"confidence"`
}

// EntitySummary is one aggregated entity record in recall output.
type EntitySummary struct {
	EntityID     string   `json:"entity_id"`
	Name         string   `json:"name"`
	Type         string   `json:"type"`
	Role         string   `json:"role,omitempty"`
	Organization string   `json:"organization,omitempty"`
	Aliases      []string `json:"aliases"`
	MentionCount int      `json:"mention_count"`
}

// ExpandOption documents one client-tunable recall knob.
type ExpandOption struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Response is the full recall answer.
type Response struct {
	PrimaryResults []Result       `json:"primary_results"`
	RelatedContext []RelatedEvent `json:"related_context,omitempty"`
	Entities       []EntitySummary `json:"entities,omitempty"`
	ExpandOptions  []ExpandOption `json:"expand_options"`
	Warning        string         `json:"warning,omitempty"`
}

// Service answers recall queries.
type Service struct {
	store    *store.Store
	vectors  *vector.Store
	embedder embed.Client
	expander *graph.Expander
	cutoff   float64
	rrfK     int
	logger   *slog.Logger
}

// New builds a retrieval Service. cutoff is the cosine-distance ceiling for
// raw hits; rrfK is the reciprocal-rank-fusion constant.
func New(s *store.Store, vectors *vector.Store, embedder embed.Client, expander *graph.Expander,
	cutoff float64, rrfK int, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    s,
		vectors:  vectors,
		embedder: embedder,
		expander: expander,
		cutoff:   cutoff,
		rrfK:     rrfK,
		logger:   logger,
	}
}

// fused accumulates one document's rank contributions across namespaces.
type fused struct {
	hit         vector.Hit
	ns          vector.Namespace
	score       float64
	minDistance float64
	collections []string
}

// Search runs the full recall pipeline.
func (s *Service) Search(ctx context.Context, p Params) (*Response, error) {
	vecs, err := s.embedder.Embed(ctx, []string{p.Query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	queryVec := vecs[0]

	k := p.Limit * 4
	if k < 20 {
		k = 20
	}
	namespaces := []vector.Namespace{vector.NSChunks}
	if p.IncludeMemory {
		namespaces = append(namespaces, vector.NSContent)
	}

	merged := map[string]*fused{}
	for _, ns := range namespaces {
		hits, err := s.vectors.KNN(ctx, ns, queryVec, k, p.Filters)
		if err != nil {
			return nil, fmt.Errorf("search %s: %w", ns, err)
		}
		rank := 0
		for _, h := range hits {
			if h.Distance > s.cutoff {
				continue
			}
			rank++
			contribution := 1 / float64(s.rrfK+rank)
			f, ok := merged[h.ID]
			if !ok {
				f = &fused{hit: h, ns: ns, minDistance: h.Distance}
				merged[h.ID] = f
			}
			f.score += contribution
			f.collections = append(f.collections, string(ns))
			if h.Distance < f.minDistance {
				f.minDistance = h.Distance
			}
		}
	}

	ranked := dedupeByArtifact(merged)
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		if ranked[i].minDistance != ranked[j].minDistance {
			return ranked[i].minDistance < ranked[j].minDistance
		}
		return ranked[i].hit.ID < ranked[j].hit.ID
	})
	if len(ranked) > p.Limit {
		ranked = ranked[:p.Limit]
	}

	resp := &Response{ExpandOptions: expandOptions()}
	for _, f := range ranked {
		content := f.hit.Text
		if p.ExpandNeighbors && f.ns == vector.NSChunks {
			content = s.withNeighbors(ctx, f.hit, content)
		}
		resp.PrimaryResults = append(resp.PrimaryResults, Result{
			ID:          f.hit.ID,
			Type:        resultType(f),
			Content:     content,
			Metadata:    f.hit.Metadata,
			RRFScore:    f.score,
			Collections: f.collections,
		})
	}
	if resp.PrimaryResults == nil {
		resp.PrimaryResults = []Result{}
	}

	if p.GraphExpand {
		s.expand(ctx, p, resp)
	}
	return resp, nil
}

// dedupeByArtifact collapses multiple hits of the same artifact, keeping the
// best-scoring one and folding the losers' collections in.
func dedupeByArtifact(merged map[string]*fused) []*fused {
	best := map[string]*fused{}
	for _, f := range merged {
		key := f.hit.Metadata["artifact_uid"]
		if key == "" {
			key = f.hit.ID
		}
		cur, ok := best[key]
		if !ok || f.score > cur.score ||
			(f.score == cur.score && f.minDistance < cur.minDistance) ||
			(f.score == cur.score && f.minDistance == cur.minDistance && f.hit.ID < cur.hit.ID) {
			if ok {
				f.collections = mergeCollections(f.collections, cur.collections)
			}
			best[key] = f
		} else {
			cur.collections = mergeCollections(cur.collections, f.collections)
		}
	}
	out := make([]*fused, 0, len(best))
	for _, f := range best {
		out = append(out, f)
	}
	return out
}

func mergeCollections(a, b []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, c := range append(a, b...) {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}

func resultType(f *fused) string {
	if f.ns == vector.NSChunks {
		return "chunk"
	}
	if f.hit.Metadata["is_chunked"] == "true" {
		return "artifact"
	}
	return "memory"
}

// withNeighbors renders a chunk hit with its adjacent chunks, separated by a
// boundary marker. Lookup failures degrade to the bare chunk.
func (s *Service) withNeighbors(ctx context.Context, hit vector.Hit, content string) string {
	uid := hit.Metadata["artifact_uid"]
	idx, err := strconv.Atoi(hit.Metadata["chunk_index"])
	if uid == "" || err != nil {
		return content
	}
	neighbor := func(i int) string {
		docs, err := s.vectors.FindByMetadata(ctx, vector.NSChunks, map[string]string{
			"artifact_uid": uid,
			"chunk_index":  strconv.Itoa(i),
		})
		if err != nil {
			s.logger.Warn("neighbor chunk lookup failed", "artifact_uid", uid, "chunk_index", i, "error", err)
			return ""
		}
		if len(docs) == 0 {
			return ""
		}
		return docs[0].Text
	}
	if prev := neighbor(idx - 1); prev != "" {
		content = prev + chunkBoundary + content
	}
	if next := neighbor(idx + 1); next != "" {
		content = content + chunkBoundary + next
	}
	return content
}

// expand derives seed events from the primary results and attaches related
// context and entities. Expansion failure degrades to a warning.
func (s *Service) expand(ctx context.Context, p Params, resp *Response) {
	seeds := s.seedEvents(ctx, resp.PrimaryResults, p.GraphSeedLimit)
	if len(seeds) == 0 {
		return
	}
	related, err := s.expander.Expand(ctx, seeds, p.GraphBudget, p.GraphFilters)
	if err != nil {
		s.logger.Warn("graph expansion degraded", "error", err)
		resp.Warning = fmt.Sprintf("graph expansion unavailable: %v", err)
		return
	}

	for _, r := range related {
		ev := RelatedEvent{
			Type:       "event",
			ID:         r.EventID,
			Category:   r.Category,
			Reason:     r.Reason,
			Summary:    r.Summary,
			EventTime:  r.EventTime,
			Confidence: r.Confidence,
			Evidence:   []EvidenceRef{},
		}
		spans, err := s.store.EvidenceForEvent(ctx, r.EventID)
		if err != nil {
			s.logger.Warn("evidence lookup failed", "event_id", r.EventID, "error", err)
		}
		for _, sp := range spans {
			ev.Evidence = append(ev.Evidence, EvidenceRef{
				Quote:       sp.Quote,
				ArtifactUID: sp.ArtifactUID,
				StartChar:   sp.StartChar,
				EndChar:     sp.EndChar,
			})
		}
		resp.RelatedContext = append(resp.RelatedContext, ev)
	}

	if p.IncludeEntities {
		relatedIDs := make([]string, 0, len(related))
		for _, r := range related {
			relatedIDs = append(relatedIDs, r.EventID)
		}
		resp.Entities = s.aggregateEntities(ctx, append(seeds, relatedIDs...))
	}
}

// seedEvents maps primary results onto event ids: each hit's artifact yields
// the events of its latest revision, in stable order, up to the seed limit.
func (s *Service) seedEvents(ctx context.Context, results []Result, seedLimit int) []string {
	var seeds []string
	seenArtifact := map[string]bool{}
	for _, r := range results {
		uid := r.Metadata["artifact_uid"]
		if uid == "" || seenArtifact[uid] {
			continue
		}
		seenArtifact[uid] = true
		rev, err := s.store.GetLatestRevision(ctx, uid)
		if err != nil {
			continue
		}
		events, err := s.store.EventsForRevision(ctx, uid, rev.RevisionID)
		if err != nil {
			continue
		}
		for _, ev := range events {
			seeds = append(seeds, ev.EventID)
			if len(seeds) == seedLimit {
				return seeds
			}
		}
	}
	return seeds
}

// aggregateEntities collects the distinct entities acting in or subject to
// the given events, with aliases and mention counts.
func (s *Service) aggregateEntities(ctx context.Context, eventIDs []string) []EntitySummary {
	var order []string
	seen := map[string]bool{}
	for _, evID := range eventIDs {
		actors, err := s.store.ActorsForEvent(ctx, evID)
		if err != nil {
			continue
		}
		for _, a := range actors {
			if !seen[a.EntityID] {
				seen[a.EntityID] = true
				order = append(order, a.EntityID)
			}
		}
		subjects, err := s.store.SubjectsForEvent(ctx, evID)
		if err != nil {
			continue
		}
		for _, sub := range subjects {
			if !seen[sub.EntityID] {
				seen[sub.EntityID] = true
				order = append(order, sub.EntityID)
			}
		}
	}

	var out []EntitySummary
	for _, id := range order {
		ent, err := s.store.GetEntity(ctx, id)
		if err != nil {
			continue
		}
		aliases, err := s.store.Aliases(ctx, id)
		if err != nil {
			continue
		}
		mentions, err := s.store.MentionCount(ctx, id)
		if err != nil {
			continue
		}
		summary := EntitySummary{
			EntityID:     ent.EntityID,
			Name:         ent.CanonicalName,
			Type:         string(ent.EntityType),
			Role:         ent.Role,
			Organization: ent.Organization,
			Aliases:      []string{},
			MentionCount: mentions,
		}
		for _, a := range aliases {
			summary.Aliases = append(summary.Aliases, a.Alias)
		}
		out = append(out, summary)
	}
	return out
}

func expandOptions() []ExpandOption {
	return []ExpandOption{
		{Name: "graph_expand", Description: "include events connected to the results through shared people and subjects"},
		{Name: "graph_budget", Description: "maximum related events to return (1-50, default 10)"},
		{Name: "graph_seed_limit", Description: "maximum seed events derived from primary results (1-20, default 5)"},
		{Name: "graph_filters", Description: "restrict related events to these categories"},
		{Name: "expand_neighbors", Description: "include the chunks adjacent to each chunk hit"},
		{Name: "include_memory", Description: "also search whole small documents, not just chunks"},
		{Name: "include_entities", Description: "aggregate the people, organizations and projects behind the results"},
	}
}
