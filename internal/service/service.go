// Package service implements the four memory tools: remember, recall,
// forget, and status. It owns input validation, id minting, and the write
// ordering of ingestion; the heavy lifting lives in the retrieval, queue and
// store packages underneath.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/engramkit/engram/internal/config"
	"github.com/engramkit/engram/internal/embed"
	"github.com/engramkit/engram/internal/idgen"
	"github.com/engramkit/engram/internal/queue"
	"github.com/engramkit/engram/internal/retrieval"
	"github.com/engramkit/engram/internal/store"
	"github.com/engramkit/engram/internal/tokenizer"
	"github.com/engramkit/engram/internal/types"
	"github.com/engramkit/engram/internal/vector"
)

// maxContentBytes bounds remember payloads.
const maxContentBytes = 4 << 20

// Service is the tool layer.
type Service struct {
	cfg       config.Config
	store     *store.Store
	vectors   *vector.Store
	embedder  embed.Client
	queue     *queue.Queue
	chunker   *tokenizer.Chunker
	retriever *retrieval.Service
	logger    *slog.Logger
	startedAt time.Time
}

// New builds the tool layer.
func New(cfg config.Config, s *store.Store, embedder embed.Client, q *queue.Queue,
	retriever *retrieval.Service, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:       cfg,
		store:     s,
		vectors:   s.Vectors(),
		embedder:  embedder,
		queue:     q,
		chunker:   tokenizer.NewChunker(cfg.SinglePieceMaxTokens, cfg.ChunkTargetTokens, cfg.ChunkOverlapTokens),
		retriever: retriever,
		logger:    logger,
		startedAt: time.Now().UTC(),
	}
}

// RememberInput is the remember tool's argument object.
type RememberInput struct {
	Content      string            `json:"content"`
	Type         string            `json:"type,omitempty"`
	SourceSystem string            `json:"source_system,omitempty"`
	SourceID     string            `json:"source_id,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// RememberOutput is the remember tool's response.
type RememberOutput struct {
	ArtifactID  string          `json:"artifact_id"`
	ArtifactUID string          `json:"artifact_uid"`
	RevisionID  string          `json:"revision_id"`
	JobID       string          `json:"job_id"`
	JobStatus   types.JobStatus `json:"job_status"`
}

// Remember ingests one document: chunk, embed, index, then one transaction
// that supersedes prior revisions, inserts the new one, and enqueues
// extraction. Re-remembering identical content is a no-op that returns the
// existing ids.
func (s *Service) Remember(ctx context.Context, in RememberInput) (*RememberOutput, error) {
	if strings.TrimSpace(in.Content) == "" {
		return nil, types.Invalidf("content must not be empty")
	}
	if len(in.Content) > maxContentBytes {
		return nil, types.Invalidf("content exceeds %d bytes", maxContentBytes)
	}
	artifactType := types.ArtifactType(in.Type)
	if in.Type == "" {
		artifactType = types.ArtifactNote
	}
	if !artifactType.IsValid() {
		return nil, types.Invalidf("unknown artifact type %q", in.Type)
	}
	if (in.SourceSystem == "") != (in.SourceID == "") {
		return nil, types.Invalidf("source_system and source_id must be supplied together")
	}

	artifactUID := idgen.ArtifactUID(in.SourceSystem, in.SourceID)
	artifactID := idgen.ArtifactID(artifactUID)
	revisionID := idgen.RevisionID(in.Content)

	// Identical content replayed: the revision and its vectors already exist,
	// so return the existing ids. A DONE or in-flight extraction stays
	// untouched; a FAILED or missing job is revived so the replay gets the
	// extraction a no-op would deny it.
	if _, err := s.store.GetRevision(ctx, artifactUID, revisionID); err == nil {
		out := &RememberOutput{ArtifactID: artifactID, ArtifactUID: artifactUID, RevisionID: revisionID}
		job, err := s.store.JobForRevision(ctx, artifactUID, revisionID, types.JobExtract)
		if err != nil && !store.IsNotFound(err) {
			return nil, err
		}
		if err == nil && job.Status != types.JobFailed {
			out.JobID = job.JobID
			out.JobStatus = job.Status
			return out, nil
		}
		job, err = s.queue.Enqueue(ctx, types.JobExtract, artifactUID, revisionID)
		if err != nil {
			return nil, err
		}
		out.JobID = job.JobID
		out.JobStatus = job.Status
		return out, nil
	} else if !store.IsNotFound(err) {
		return nil, err
	}

	isChunked := s.chunker.NeedsChunking(in.Content)
	var chunks []tokenizer.Chunk
	if isChunked {
		chunks = s.chunker.Split(artifactID, in.Content)
	}

	contentVec, chunkVecs, err := s.embedAll(ctx, in.Content, chunks)
	if err != nil {
		return nil, err
	}

	// A small note without source coordinates is also addressable as a
	// memory (mem_*); its content doc carries the memory id.
	var memoryID string
	if artifactType == types.ArtifactNote && in.SourceSystem == "" && !isChunked {
		memoryID = idgen.MemoryID()
	}

	if err := s.indexVectors(ctx, in, artifactUID, artifactID, revisionID, memoryID,
		artifactType, isChunked, chunks, contentVec, chunkVecs); err != nil {
		return nil, err
	}

	var job *types.Job
	err = s.store.RunInTransaction(ctx, func(tx *store.Tx) error {
		meta := map[string]any{}
		for k, v := range in.Metadata {
			meta[k] = v
		}
		if err := tx.CreateRevision(ctx, &types.ArtifactRevision{
			ArtifactUID:  artifactUID,
			RevisionID:   revisionID,
			ArtifactID:   artifactID,
			ArtifactType: artifactType,
			SourceSystem: in.SourceSystem,
			SourceID:     in.SourceID,
			ContentHash:  idgen.ContentHash(in.Content),
			TokenCount:   tokenizer.EstimateTokens(in.Content),
			IsChunked:    isChunked,
			ChunkCount:   len(chunks),
			IsLatest:     true,
		}, meta); err != nil {
			return err
		}
		if memoryID != "" {
			if err := tx.CreateMemory(ctx, &store.Memory{
				MemoryID: memoryID,
				Content:  in.Content,
				Metadata: map[string]any{"artifact_uid": artifactUID},
			}); err != nil {
				return err
			}
		}
		var err error
		job, err = s.queue.EnqueueTx(ctx, tx, types.JobExtract, artifactUID, revisionID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("artifact remembered",
		"artifact_id", artifactID, "revision_id", revisionID,
		"chunked", isChunked, "chunks", len(chunks), "job_id", job.JobID)
	return &RememberOutput{
		ArtifactID:  artifactID,
		ArtifactUID: artifactUID,
		RevisionID:  revisionID,
		JobID:       job.JobID,
		JobStatus:   job.Status,
	}, nil
}

// embedAll embeds the chunk set, or the whole document when it fits in one
// piece. Chunked documents reuse the first chunk's vector as the content
// synopsis vector.
func (s *Service) embedAll(ctx context.Context, content string, chunks []tokenizer.Chunk) ([]float32, [][]float32, error) {
	if len(chunks) == 0 {
		vecs, err := s.embedder.Embed(ctx, []string{content})
		if err != nil {
			return nil, nil, err
		}
		return vecs[0], nil, nil
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	vecs, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, nil, err
	}
	return vecs[0], vecs, nil
}

// indexVectors writes the content doc and chunk docs, replacing any chunks
// of a prior revision first.
func (s *Service) indexVectors(ctx context.Context, in RememberInput,
	artifactUID, artifactID, revisionID, memoryID string, artifactType types.ArtifactType,
	isChunked bool, chunks []tokenizer.Chunk, contentVec []float32, chunkVecs [][]float32) error {

	baseMeta := func() map[string]string {
		m := map[string]string{
			"artifact_uid":  artifactUID,
			"artifact_id":   artifactID,
			"revision_id":   revisionID,
			"artifact_type": string(artifactType),
		}
		if in.SourceSystem != "" {
			m["source_system"] = in.SourceSystem
		}
		for k, v := range in.Metadata {
			m[k] = v
		}
		return m
	}

	// Stale chunk docs from a superseded revision must not keep matching.
	if _, err := s.vectors.DeleteByMetadata(ctx, vector.NSChunks, "artifact_uid", artifactUID); err != nil {
		return fmt.Errorf("clear prior chunks: %w", err)
	}
	if _, err := s.vectors.DeleteByMetadata(ctx, vector.NSContent, "artifact_uid", artifactUID); err != nil {
		return fmt.Errorf("clear prior content: %w", err)
	}

	contentDocID := artifactUID
	if memoryID != "" {
		contentDocID = memoryID
	}
	contentMeta := baseMeta()
	contentMeta["is_chunked"] = strconv.FormatBool(isChunked)
	if err := s.vectors.Upsert(ctx, vector.NSContent, []vector.Doc{{
		ID:       contentDocID,
		Text:     in.Content,
		Metadata: contentMeta,
		Vector:   contentVec,
	}}); err != nil {
		return fmt.Errorf("index content: %w", err)
	}

	if len(chunks) == 0 {
		return nil
	}
	docs := make([]vector.Doc, len(chunks))
	for i, c := range chunks {
		meta := baseMeta()
		meta["chunk_index"] = strconv.Itoa(c.Index)
		meta["start_char"] = strconv.Itoa(c.StartChar)
		meta["end_char"] = strconv.Itoa(c.EndChar)
		docs[i] = vector.Doc{
			ID:       c.ChunkID,
			Text:     c.Content,
			Metadata: meta,
			Vector:   chunkVecs[i],
		}
	}
	if err := s.vectors.Upsert(ctx, vector.NSChunks, docs); err != nil {
		return fmt.Errorf("index chunks: %w", err)
	}
	return nil
}

// RecallInput is the recall tool's argument object.
type RecallInput struct {
	Query           string            `json:"query"`
	Limit           *int              `json:"limit,omitempty"`
	IncludeMemory   bool              `json:"include_memory,omitempty"`
	ExpandNeighbors bool              `json:"expand_neighbors,omitempty"`
	GraphExpand     bool              `json:"graph_expand,omitempty"`
	GraphDepth      *int              `json:"graph_depth,omitempty"`
	GraphBudget     *int              `json:"graph_budget,omitempty"`
	GraphSeedLimit  *int              `json:"graph_seed_limit,omitempty"`
	GraphFilters    []string          `json:"graph_filters,omitempty"`
	IncludeEntities *bool             `json:"include_entities,omitempty"`
	Filters         map[string]string `json:"filters,omitempty"`
}

// Recall validates the query surface and runs retrieval.
func (s *Service) Recall(ctx context.Context, in RecallInput) (*retrieval.Response, error) {
	if strings.TrimSpace(in.Query) == "" {
		return nil, types.Invalidf("query must not be empty")
	}
	limit, err := boundedDefault(in.Limit, 5, 1, 50, "limit")
	if err != nil {
		return nil, err
	}
	if in.GraphDepth != nil && *in.GraphDepth != 1 {
		return nil, types.Invalidf("graph_depth: only depth 1 is supported")
	}
	budget, err := boundedDefault(in.GraphBudget, s.cfg.GraphExpansionBudget, 0, 50, "graph_budget")
	if err != nil {
		return nil, err
	}
	seedLimit, err := boundedDefault(in.GraphSeedLimit, s.cfg.GraphSeedLimit, 1, 20, "graph_seed_limit")
	if err != nil {
		return nil, err
	}
	includeEntities := true
	if in.IncludeEntities != nil {
		includeEntities = *in.IncludeEntities
	}

	return s.retriever.Search(ctx, retrieval.Params{
		Query:           in.Query,
		Limit:           limit,
		IncludeMemory:   in.IncludeMemory,
		ExpandNeighbors: in.ExpandNeighbors,
		GraphExpand:     in.GraphExpand,
		GraphBudget:     budget,
		GraphSeedLimit:  seedLimit,
		GraphFilters:    in.GraphFilters,
		IncludeEntities: includeEntities,
		Filters:         in.Filters,
	})
}

func boundedDefault(v *int, def, lo, hi int, name string) (int, error) {
	if v == nil {
		return def, nil
	}
	if *v < lo || *v > hi {
		return 0, types.Invalidf("%s must be between %d and %d", name, lo, hi)
	}
	return *v, nil
}

// ForgetInput is the forget tool's argument object.
type ForgetInput struct {
	ID      string `json:"id"`
	Confirm bool   `json:"confirm,omitempty"`
}

// CascadeCounts reports what a forget removed. The entities figure counts
// removed mention rows; entity records themselves are retained.
type CascadeCounts struct {
	Revisions int `json:"revisions"`
	Chunks    int `json:"chunks"`
	Events    int `json:"events"`
	Entities  int `json:"entities"`
}

// ForgetOutput is the forget tool's response.
type ForgetOutput struct {
	Deleted          bool           `json:"deleted"`
	ID               string         `json:"id"`
	Cascade          *CascadeCounts `json:"cascade,omitempty"`
	Error            string         `json:"error,omitempty"`
	SourceArtifactID string         `json:"source_artifact_id,omitempty"`
}

// Forget removes stored data by id. Artifact-family ids cascade through
// revisions, events, mentions and vectors; event ids are refused because
// events are derived from their artifact.
func (s *Service) Forget(ctx context.Context, in ForgetInput) (*ForgetOutput, error) {
	if in.ID == "" {
		return nil, types.Invalidf("id must not be empty")
	}
	if !in.Confirm {
		return &ForgetOutput{
			Deleted: false,
			ID:      in.ID,
			Error:   "confirm must be true; forget is irreversible",
		}, nil
	}

	switch {
	case strings.HasPrefix(in.ID, idgen.PrefixMemory):
		return s.forgetMemory(ctx, in.ID)
	case strings.HasPrefix(in.ID, idgen.PrefixUID):
		return s.forgetArtifact(ctx, in.ID, "")
	case strings.HasPrefix(in.ID, idgen.PrefixArtifact):
		uid, err := s.store.ResolveArtifactID(ctx, in.ID)
		if store.IsNotFound(err) {
			return nil, types.NotFoundf("artifact %s not found", in.ID)
		}
		if err != nil {
			return nil, err
		}
		return s.forgetArtifact(ctx, uid, "")
	case strings.HasPrefix(in.ID, idgen.PrefixEvent):
		ev, err := s.store.GetEvent(ctx, in.ID)
		if store.IsNotFound(err) {
			return nil, types.NotFoundf("event %s not found", in.ID)
		}
		if err != nil {
			return nil, err
		}
		return &ForgetOutput{
			Deleted:          false,
			ID:               in.ID,
			Error:            "events are derived; forget the source artifact instead",
			SourceArtifactID: idgen.ArtifactID(ev.ArtifactUID),
		}, nil
	default:
		return nil, types.Invalidf("unrecognized id %q", in.ID)
	}
}

func (s *Service) forgetMemory(ctx context.Context, memoryID string) (*ForgetOutput, error) {
	mem, err := s.store.GetMemory(ctx, memoryID)
	if store.IsNotFound(err) {
		return nil, types.NotFoundf("memory %s not found", memoryID)
	}
	if err != nil {
		return nil, err
	}
	uid, _ := mem.Metadata["artifact_uid"].(string)
	if uid == "" {
		// Standalone note with no artifact behind it.
		err := s.store.RunInTransaction(ctx, func(tx *store.Tx) error {
			return tx.DeleteMemory(ctx, memoryID)
		})
		if err != nil {
			return nil, err
		}
		if err := s.vectors.Delete(ctx, vector.NSContent, []string{memoryID}); err != nil {
			return nil, err
		}
		return &ForgetOutput{Deleted: true, ID: memoryID}, nil
	}
	return s.forgetArtifact(ctx, uid, memoryID)
}

// forgetArtifact cascades one artifact out of every table and index. The
// optional memoryID also removes the memory alias row.
func (s *Service) forgetArtifact(ctx context.Context, artifactUID, memoryID string) (*ForgetOutput, error) {
	var counts store.CascadeCounts
	err := s.store.RunInTransaction(ctx, func(tx *store.Tx) error {
		var err error
		counts, err = tx.DeleteCascade(ctx, artifactUID)
		if err != nil {
			return err
		}
		if memoryID != "" {
			return tx.DeleteMemory(ctx, memoryID)
		}
		return nil
	})
	if store.IsNotFound(err) {
		return nil, types.NotFoundf("artifact %s not found", artifactUID)
	}
	if err != nil {
		return nil, err
	}

	chunksDeleted, err := s.vectors.DeleteByMetadata(ctx, vector.NSChunks, "artifact_uid", artifactUID)
	if err != nil {
		return nil, err
	}
	if _, err := s.vectors.DeleteByMetadata(ctx, vector.NSContent, "artifact_uid", artifactUID); err != nil {
		return nil, err
	}

	id := artifactUID
	if memoryID != "" {
		id = memoryID
	}
	s.logger.Info("artifact forgotten", "artifact_uid", artifactUID,
		"revisions", counts.Revisions, "events", counts.Events)
	return &ForgetOutput{
		Deleted: true,
		ID:      id,
		Cascade: &CascadeCounts{
			Revisions: counts.Revisions,
			Chunks:    chunksDeleted,
			Events:    counts.Events,
			Entities:  counts.Mentions,
		},
	}, nil
}

// StatusInput is the status tool's argument object.
type StatusInput struct {
	ArtifactID string `json:"artifact_id,omitempty"`
	Reextract  bool   `json:"reextract,omitempty"`
}

// ArtifactStatus is the per-artifact section of status output.
type ArtifactStatus struct {
	ArtifactID     string       `json:"artifact_id"`
	ArtifactUID    string       `json:"artifact_uid"`
	RevisionID     string       `json:"revision_id"`
	IsChunked      bool         `json:"is_chunked"`
	ChunkCount     int          `json:"chunk_count"`
	EventCount     int          `json:"event_count"`
	Jobs           []*types.Job `json:"jobs"`
	ReextractJobID string       `json:"reextract_job_id,omitempty"`
}

// StatusOutput is the status tool's response.
type StatusOutput struct {
	Healthy          bool                                     `json:"healthy"`
	UptimeSeconds    int64                                    `json:"uptime_seconds"`
	Revisions        int                                      `json:"revisions"`
	Events           int                                      `json:"events"`
	Entities         int                                      `json:"entities"`
	EntitiesInReview int                                      `json:"entities_in_review"`
	Memories         int                                      `json:"memories"`
	GraphNodes       int                                      `json:"graph_nodes"`
	GraphEdges       int                                      `json:"graph_edges"`
	GraphAvailable   bool                                     `json:"graph_available"`
	Jobs             map[types.JobType]map[types.JobStatus]int `json:"jobs"`
	OldestPendingAge *int64                                   `json:"oldest_pending_seconds,omitempty"`
	Artifact         *ArtifactStatus                          `json:"artifact,omitempty"`
}

// Status reports service health and queue depths, optionally scoped to one
// artifact; reextract enqueues a fresh extract job for its latest revision.
func (s *Service) Status(ctx context.Context, in StatusInput) (*StatusOutput, error) {
	out := &StatusOutput{
		Healthy:       true,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	}

	var err error
	if out.Revisions, err = s.store.CountRevisions(ctx); err != nil {
		return nil, err
	}
	if out.Events, err = s.store.CountEvents(ctx); err != nil {
		return nil, err
	}
	if out.Entities, out.EntitiesInReview, err = s.store.CountEntities(ctx); err != nil {
		return nil, err
	}
	if out.Memories, err = s.store.CountMemories(ctx); err != nil {
		return nil, err
	}
	if out.Jobs, err = s.store.JobCounts(ctx); err != nil {
		return nil, err
	}
	nodes, edges, err := s.store.CountGraph(ctx)
	if err != nil {
		return nil, err
	}
	out.GraphNodes, out.GraphEdges, out.GraphAvailable = nodes, edges, true

	oldest, err := s.store.OldestPending(ctx)
	if err != nil {
		return nil, err
	}
	if oldest != nil {
		age := int64(time.Since(*oldest).Seconds())
		if age < 0 {
			age = 0
		}
		out.OldestPendingAge = &age
	}

	if in.ArtifactID == "" {
		return out, nil
	}

	uid := in.ArtifactID
	if strings.HasPrefix(in.ArtifactID, idgen.PrefixArtifact) {
		uid, err = s.store.ResolveArtifactID(ctx, in.ArtifactID)
		if store.IsNotFound(err) {
			return nil, types.NotFoundf("artifact %s not found", in.ArtifactID)
		}
		if err != nil {
			return nil, err
		}
	}
	rev, err := s.store.GetLatestRevision(ctx, uid)
	if store.IsNotFound(err) {
		return nil, types.NotFoundf("artifact %s not found", in.ArtifactID)
	}
	if err != nil {
		return nil, err
	}
	events, err := s.store.EventsForRevision(ctx, uid, rev.RevisionID)
	if err != nil {
		return nil, err
	}
	jobs, err := s.store.JobsForArtifact(ctx, uid)
	if err != nil {
		return nil, err
	}
	out.Artifact = &ArtifactStatus{
		ArtifactID:  rev.ArtifactID,
		ArtifactUID: uid,
		RevisionID:  rev.RevisionID,
		IsChunked:   rev.IsChunked,
		ChunkCount:  rev.ChunkCount,
		EventCount:  len(events),
		Jobs:        jobs,
	}

	if in.Reextract {
		job, err := s.queue.Enqueue(ctx, types.JobExtract, uid, rev.RevisionID)
		if err != nil {
			return nil, err
		}
		out.Artifact.ReextractJobID = job.JobID
	}
	return out, nil
}
