// Package graph maintains and queries the derived knowledge graph. The
// materializer projects committed relational rows into Entity/Event nodes
// with ACTED_IN, ABOUT and POSSIBLY_SAME edges; the expander answers 1-hop
// "what else involves these people and subjects" queries under a hard
// latency budget. The graph is fully rebuildable from relational truth.
package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/engramkit/engram/internal/store"
	"github.com/engramkit/engram/internal/types"
)

// ErrTimeout reports that expansion hit its deadline. Callers degrade to an
// empty related-context set with a warning; primary results are unaffected.
var ErrTimeout = errors.New("graph expansion timed out")

// Materializer consumes graph_upsert jobs.
type Materializer struct {
	store  *store.Store
	logger *slog.Logger
}

// NewMaterializer builds a Materializer.
func NewMaterializer(s *store.Store, logger *slog.Logger) *Materializer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Materializer{store: s, logger: logger}
}

// Run materializes one revision's events into the graph. Every operation is
// a merge, so replaying a job converges to the same graph.
func (m *Materializer) Run(ctx context.Context, job *types.Job) error {
	n, err := m.materializeRevision(ctx, job.ArtifactUID, job.RevisionID)
	if err != nil {
		return err
	}
	m.logger.Info("graph materialized",
		"artifact_uid", job.ArtifactUID, "revision_id", job.RevisionID, "events", n)
	return nil
}

// Rebuild clears the graph and re-materializes every latest revision.
func (m *Materializer) Rebuild(ctx context.Context) (int, error) {
	err := m.store.RunInTransaction(ctx, func(tx *store.Tx) error {
		return tx.ClearGraph(ctx)
	})
	if err != nil {
		return 0, err
	}
	revs, err := m.store.LatestRevisions(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, rev := range revs {
		n, err := m.materializeRevision(ctx, rev.ArtifactUID, rev.RevisionID)
		if err != nil {
			return total, fmt.Errorf("rebuild %s/%s: %w", rev.ArtifactUID, rev.RevisionID, err)
		}
		total += n
	}
	return total, nil
}

func (m *Materializer) materializeRevision(ctx context.Context, artifactUID, revisionID string) (int, error) {
	events, err := m.store.EventsForRevision(ctx, artifactUID, revisionID)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	type edgeSet struct {
		actors   []types.EventActor
		subjects []types.EventSubject
	}
	edges := make(map[string]edgeSet, len(events))
	entityIDs := map[string]bool{}
	for _, ev := range events {
		actors, err := m.store.ActorsForEvent(ctx, ev.EventID)
		if err != nil {
			return 0, err
		}
		subjects, err := m.store.SubjectsForEvent(ctx, ev.EventID)
		if err != nil {
			return 0, err
		}
		edges[ev.EventID] = edgeSet{actors: actors, subjects: subjects}
		for _, a := range actors {
			entityIDs[a.EntityID] = true
		}
		for _, s := range subjects {
			entityIDs[s.EntityID] = true
		}
	}

	entities := make(map[string]*types.Entity, len(entityIDs))
	for id := range entityIDs {
		ent, err := m.store.GetEntity(ctx, id)
		if err != nil {
			return 0, err
		}
		entities[id] = ent
	}

	pairs, err := m.store.UncertainPairs(ctx)
	if err != nil {
		return 0, err
	}

	err = m.store.RunInTransaction(ctx, func(tx *store.Tx) error {
		for _, ent := range entities {
			if err := tx.UpsertGraphNode(ctx, entityNode(ent)); err != nil {
				return err
			}
		}
		for _, ev := range events {
			if err := tx.UpsertGraphNode(ctx, eventNode(ev)); err != nil {
				return err
			}
			es := edges[ev.EventID]
			for _, a := range es.actors {
				if err := tx.UpsertGraphEdge(ctx, &store.GraphEdge{
					Src: a.EntityID, Dst: ev.EventID, Kind: store.EdgeActedIn,
					Properties: map[string]any{"role": string(a.Role)},
				}); err != nil {
					return err
				}
			}
			for _, s := range es.subjects {
				if err := tx.UpsertGraphEdge(ctx, &store.GraphEdge{
					Src: ev.EventID, Dst: s.EntityID, Kind: store.EdgeAbout,
				}); err != nil {
					return err
				}
			}
		}
		for _, p := range pairs {
			if !entityIDs[p.EntityID] && !entityIDs[p.OtherEntityID] {
				continue
			}
			if err := tx.UpsertGraphEdge(ctx, &store.GraphEdge{
				Src: p.EntityID, Dst: p.OtherEntityID, Kind: store.EdgePossiblySame,
				Properties: map[string]any{"confidence": p.Confidence, "reason": p.Reason},
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(events), nil
}

func entityNode(e *types.Entity) *store.GraphNode {
	props := map[string]any{
		"entity_type": string(e.EntityType),
	}
	if e.Role != "" {
		props["role"] = e.Role
	}
	if e.Organization != "" {
		props["organization"] = e.Organization
	}
	return &store.GraphNode{
		NodeID:     e.EntityID,
		Kind:       store.NodeEntity,
		Label:      e.CanonicalName,
		Properties: props,
	}
}

func eventNode(ev *types.SemanticEvent) *store.GraphNode {
	props := map[string]any{
		"category":     ev.Category,
		"artifact_uid": ev.ArtifactUID,
		"revision_id":  ev.RevisionID,
		"confidence":   ev.Confidence,
	}
	if ev.EventTime != nil {
		props["event_time"] = ev.EventTime.UTC().Format(time.RFC3339)
	}
	return &store.GraphNode{
		NodeID:     ev.EventID,
		Kind:       store.NodeEvent,
		Label:      ev.Narrative,
		Properties: props,
	}
}

// Related is one expansion result: an event reached through a shared actor
// or subject, labeled with how it connects.
type Related struct {
	EventID    string     `json:"id"`
	Category   string     `json:"category"`
	Reason     string     `json:"reason"`
	Summary    string     `json:"summary"`
	EventTime  *time.Time `json:"event_time,omitempty"`
	Confidence float64    `json:"confidence"`
}

// Expander answers 1-hop expansion queries against the graph tables.
type Expander struct {
	store   *store.Store
	timeout time.Duration
	logger  *slog.Logger
}

// NewExpander builds an Expander with the given hard timeout.
func NewExpander(s *store.Store, timeout time.Duration, logger *slog.Logger) *Expander {
	if logger == nil {
		logger = slog.Default()
	}
	return &Expander{store: s, timeout: timeout, logger: logger}
}

// Expand walks one hop from the seed events: through their actors and
// subjects to the other events those entities touch. Results carry a reason
// ("same_actor:<name>" or "same_subject:<name>"), are filtered by category
// when a filter is set, ordered by recency then confidence, and capped at
// budget. Hitting the timeout returns ErrTimeout.
func (x *Expander) Expand(ctx context.Context, seeds []string, budget int, categories []string) ([]Related, error) {
	ctx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()

	seedSet := make(map[string]bool, len(seeds))
	for _, s := range seeds {
		seedSet[s] = true
	}
	wantCategory := map[string]bool{}
	for _, c := range categories {
		wantCategory[types.NormalizeCategory(c)] = true
	}

	found := map[string]*Related{}
	for _, seed := range seeds {
		neighbors, err := x.neighborsOfEvent(ctx, seed)
		if err != nil {
			return nil, x.classify(err)
		}
		for _, nb := range neighbors {
			events, err := x.eventsOfEntity(ctx, nb.entityID)
			if err != nil {
				return nil, x.classify(err)
			}
			for _, evID := range events {
				if seedSet[evID] || found[evID] != nil {
					continue
				}
				found[evID] = &Related{
					EventID: evID,
					Reason:  fmt.Sprintf("%s:%s", nb.relation, nb.name),
				}
			}
		}
	}
	if len(found) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(found))
	for id := range found {
		ids = append(ids, id)
	}
	nodes, err := x.store.GraphNodes(ctx, ids)
	if err != nil {
		return nil, x.classify(err)
	}

	var out []Related
	for id, rel := range found {
		node, ok := nodes[id]
		if !ok {
			continue
		}
		rel.Summary = node.Label
		rel.Category, _ = node.Properties["category"].(string)
		if conf, ok := node.Properties["confidence"].(float64); ok {
			rel.Confidence = conf
		}
		if raw, ok := node.Properties["event_time"].(string); ok {
			if t, err := time.Parse(time.RFC3339, raw); err == nil {
				rel.EventTime = &t
			}
		}
		if len(wantCategory) > 0 && !wantCategory[types.NormalizeCategory(rel.Category)] {
			continue
		}
		out = append(out, *rel)
	}

	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].EventTime, out[j].EventTime
		switch {
		case ti != nil && tj == nil:
			return true
		case ti == nil && tj != nil:
			return false
		case ti != nil && tj != nil && !ti.Equal(*tj):
			return ti.After(*tj)
		}
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].EventID < out[j].EventID
	})
	if len(out) > budget {
		out = out[:budget]
	}
	return out, nil
}

type eventNeighbor struct {
	entityID string
	name     string
	relation string // same_actor | same_subject
}

// neighborsOfEvent returns the entities adjacent to an event with the
// relation kind they connect through. Actors win over subjects when an
// entity is both.
func (x *Expander) neighborsOfEvent(ctx context.Context, eventID string) ([]eventNeighbor, error) {
	edges, err := x.store.GraphNeighbors(ctx, eventID)
	if err != nil {
		return nil, err
	}
	var entityIDs []string
	relation := map[string]string{}
	for _, e := range edges {
		switch {
		case e.Kind == store.EdgeActedIn && e.Dst == eventID:
			if relation[e.Src] == "" {
				entityIDs = append(entityIDs, e.Src)
			}
			relation[e.Src] = "same_actor"
		case e.Kind == store.EdgeAbout && e.Src == eventID:
			if relation[e.Dst] == "" {
				entityIDs = append(entityIDs, e.Dst)
				relation[e.Dst] = "same_subject"
			}
		}
	}
	nodes, err := x.store.GraphNodes(ctx, entityIDs)
	if err != nil {
		return nil, err
	}
	out := make([]eventNeighbor, 0, len(entityIDs))
	for _, id := range entityIDs {
		name := id
		if n, ok := nodes[id]; ok {
			name = n.Label
		}
		out = append(out, eventNeighbor{entityID: id, name: name, relation: relation[id]})
	}
	return out, nil
}

// eventsOfEntity returns the events an entity acts in or is the subject of.
func (x *Expander) eventsOfEntity(ctx context.Context, entityID string) ([]string, error) {
	edges, err := x.store.GraphNeighbors(ctx, entityID)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var out []string
	for _, e := range edges {
		var evID string
		switch {
		case e.Kind == store.EdgeActedIn && e.Src == entityID:
			evID = e.Dst
		case e.Kind == store.EdgeAbout && e.Dst == entityID:
			evID = e.Src
		default:
			continue
		}
		if !seen[evID] {
			seen[evID] = true
			out = append(out, evID)
		}
	}
	return out, nil
}

func (x *Expander) classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}
