// Package extractor turns an ingested revision into semantic events. A
// claimed extract job runs per-chunk model extraction, cross-chunk
// canonicalization, entity resolution, and finally one atomic commit that
// replaces the revision's event set and enqueues graph materialization.
package extractor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/engramkit/engram/internal/idgen"
	"github.com/engramkit/engram/internal/llm"
	"github.com/engramkit/engram/internal/queue"
	"github.com/engramkit/engram/internal/resolver"
	"github.com/engramkit/engram/internal/store"
	"github.com/engramkit/engram/internal/tokenizer"
	"github.com/engramkit/engram/internal/types"
	"github.com/engramkit/engram/internal/vector"
)

// repairBatch bounds how many missing entity embeddings one retry backfills.
const repairBatch = 50

// Extractor processes extract jobs.
type Extractor struct {
	store    *store.Store
	vectors  *vector.Store
	model    llm.Client
	resolver *resolver.Resolver
	queue    *queue.Queue
	chunker  *tokenizer.Chunker
	logger   *slog.Logger
}

// New builds an Extractor.
func New(s *store.Store, vectors *vector.Store, model llm.Client, res *resolver.Resolver,
	q *queue.Queue, chunker *tokenizer.Chunker, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		store:    s,
		vectors:  vectors,
		model:    model,
		resolver: res,
		queue:    q,
		chunker:  chunker,
		logger:   logger,
	}
}

// Run executes one claimed extract job. A returned error means the job
// should be retried; nil means the job is done, including the cases where
// the revision was forgotten or superseded before the worker got to it.
func (e *Extractor) Run(ctx context.Context, job *types.Job) error {
	if job.Attempts > 1 {
		// Entities created while the embedding provider was down get their
		// vectors backfilled on the next extract attempt.
		if n, err := e.resolver.RepairEmbeddings(ctx, repairBatch); err != nil {
			e.logger.Warn("embedding repair pass failed", "error", err)
		} else if n > 0 {
			e.logger.Info("repaired missing entity embeddings", "count", n)
		}
	}

	rev, err := e.store.GetRevision(ctx, job.ArtifactUID, job.RevisionID)
	if store.IsNotFound(err) {
		e.logger.Warn("revision gone before extraction, skipping",
			"artifact_uid", job.ArtifactUID, "revision_id", job.RevisionID)
		return nil
	}
	if err != nil {
		return err
	}

	doc, err := e.loadContent(ctx, job.ArtifactUID)
	if err != nil {
		return fmt.Errorf("load content for %s: %w", job.ArtifactUID, err)
	}
	if doc == nil {
		e.logger.Warn("artifact content gone before extraction, skipping",
			"artifact_uid", job.ArtifactUID)
		return nil
	}
	if got := doc.Metadata["revision_id"]; got != job.RevisionID {
		e.logger.Info("revision superseded before extraction, skipping",
			"artifact_uid", job.ArtifactUID,
			"job_revision", job.RevisionID, "current_revision", got)
		return nil
	}
	title := doc.Metadata["title"]

	var chunks []tokenizer.Chunk
	if rev.IsChunked {
		chunks = e.chunker.Split(rev.ArtifactID, doc.Text)
	}

	extractions, err := e.extractChunks(ctx, rev, title, doc.Text, chunks)
	if err != nil {
		return err
	}
	set, err := e.model.Canonicalize(ctx, title, extractions)
	if err != nil {
		return fmt.Errorf("canonicalize %s: %w", job.RevisionID, err)
	}

	refs, err := e.linkEntities(ctx, job, title, set.Entities)
	if err != nil {
		return err
	}

	events, evidence, actors, subjects, err := e.buildRows(ctx, job, title, doc.Text, chunks, set, refs)
	if err != nil {
		return err
	}

	err = e.store.RunInTransaction(ctx, func(tx *store.Tx) error {
		if err := tx.ReplaceEvents(ctx, job.ArtifactUID, job.RevisionID, events, evidence, actors, subjects); err != nil {
			return err
		}
		_, err := e.queue.EnqueueTx(ctx, tx, types.JobGraphUpsert, job.ArtifactUID, job.RevisionID)
		return err
	})
	if err != nil {
		return fmt.Errorf("commit extraction for %s: %w", job.RevisionID, err)
	}

	e.logger.Info("extraction committed",
		"artifact_uid", job.ArtifactUID, "revision_id", job.RevisionID,
		"events", len(events), "entities", len(set.Entities), "chunks", max(len(chunks), 1))
	return nil
}

// loadContent fetches the artifact's content doc. Most artifacts key the
// doc by their uid; memory-class notes key it by the memory id, so a miss
// falls back to the metadata index. A nil doc means the content is gone.
func (e *Extractor) loadContent(ctx context.Context, artifactUID string) (*vector.Doc, error) {
	doc, err := e.vectors.Get(ctx, vector.NSContent, artifactUID)
	if err == nil {
		return doc, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	docs, err := e.vectors.FindByMetadata(ctx, vector.NSContent, map[string]string{"artifact_uid": artifactUID})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return &docs[0], nil
}

// extractChunks runs the per-chunk extraction prompt over the document.
func (e *Extractor) extractChunks(ctx context.Context, rev *types.ArtifactRevision,
	title, content string, chunks []tokenizer.Chunk) ([]llm.ChunkExtraction, error) {

	if len(chunks) == 0 {
		ex, err := e.model.ExtractChunk(ctx, llm.ChunkRequest{
			Title:        title,
			ArtifactType: string(rev.ArtifactType),
			ChunkIndex:   0,
			TotalChunks:  1,
			Text:         content,
		})
		if err != nil {
			return nil, fmt.Errorf("extract %s: %w", rev.RevisionID, err)
		}
		return []llm.ChunkExtraction{*ex}, nil
	}

	out := make([]llm.ChunkExtraction, 0, len(chunks))
	for _, c := range chunks {
		ex, err := e.model.ExtractChunk(ctx, llm.ChunkRequest{
			Title:        title,
			ArtifactType: string(rev.ArtifactType),
			ChunkIndex:   c.Index,
			TotalChunks:  len(chunks),
			Text:         c.Content,
		})
		if err != nil {
			return nil, fmt.Errorf("extract %s chunk %d: %w", rev.RevisionID, c.Index, err)
		}
		out = append(out, *ex)
	}
	return out, nil
}

// linkEntities resolves every mentioned entity and returns a lookup from
// normalized in-document references (surface forms, canonical suggestions,
// aliases) to entity ids. First resolution wins on reference collisions.
func (e *Extractor) linkEntities(ctx context.Context, job *types.Job, title string,
	mentions []llm.MentionedEntity) (map[string]string, error) {

	refs := make(map[string]string)
	for _, m := range mentions {
		res, err := e.resolver.Resolve(ctx, job.ArtifactUID, job.RevisionID, title, m)
		if err != nil {
			return nil, fmt.Errorf("resolve %q: %w", m.SurfaceForm, err)
		}
		names := append([]string{m.SurfaceForm, m.CanonicalSuggestion, res.CanonicalName}, m.AliasesInDoc...)
		for _, name := range names {
			norm := types.NormalizeName(name)
			if norm == "" {
				continue
			}
			if _, ok := refs[norm]; !ok {
				refs[norm] = res.EntityID
			}
		}
	}
	return refs, nil
}

// resolveRef maps an event's actor/subject reference onto an entity id. A
// reference the mention list missed still gets resolved rather than dropped.
func (e *Extractor) resolveRef(ctx context.Context, job *types.Job, title string,
	refs map[string]string, ref, typeHint string) (string, error) {

	norm := types.NormalizeName(ref)
	if norm == "" {
		return "", nil
	}
	if id, ok := refs[norm]; ok {
		return id, nil
	}
	res, err := e.resolver.Resolve(ctx, job.ArtifactUID, job.RevisionID, title, llm.MentionedEntity{
		SurfaceForm:         ref,
		CanonicalSuggestion: ref,
		Type:                typeHint,
		Confidence:          0.5,
	})
	if err != nil {
		return "", fmt.Errorf("resolve event ref %q: %w", ref, err)
	}
	refs[norm] = res.EntityID
	return res.EntityID, nil
}

// buildRows converts the canonical set into store rows, remapping evidence
// spans onto document-absolute offsets and entity references onto ids.
func (e *Extractor) buildRows(ctx context.Context, job *types.Job, title, content string,
	chunks []tokenizer.Chunk, set *llm.CanonicalSet, refs map[string]string) (
	[]types.SemanticEvent, []types.Evidence, []types.EventActor, []types.EventSubject, error) {

	runID := idgen.RunID()
	var events []types.SemanticEvent
	var evidence []types.Evidence
	var actors []types.EventActor
	var subjects []types.EventSubject

	for _, ce := range set.Events {
		eventID := idgen.EventID()
		events = append(events, types.SemanticEvent{
			EventID:         eventID,
			ArtifactUID:     job.ArtifactUID,
			RevisionID:      job.RevisionID,
			Category:        types.NormalizeCategory(ce.Category),
			Narrative:       strings.TrimSpace(ce.Narrative),
			EventTime:       parseEventTime(ce.EventTime),
			Confidence:      ce.Confidence,
			ExtractionRunID: runID,
		})

		for _, sp := range ce.Evidence {
			start, end, chunkID, ok := remapEvidence(content, chunks, sp)
			if !ok {
				e.logger.Warn("dropping unanchorable evidence span",
					"revision_id", job.RevisionID, "quote", sp.Quote)
				continue
			}
			evidence = append(evidence, types.Evidence{
				EvidenceID:  idgen.EvidenceID(),
				EventID:     eventID,
				ArtifactUID: job.ArtifactUID,
				RevisionID:  job.RevisionID,
				ChunkID:     chunkID,
				StartChar:   start,
				EndChar:     end,
				Quote:       sp.Quote,
			})
		}

		if ce.Subject.Ref != "" {
			id, err := e.resolveRef(ctx, job, title, refs, ce.Subject.Ref, ce.Subject.Type)
			if err != nil {
				return nil, nil, nil, nil, err
			}
			if id != "" {
				subjects = append(subjects, types.EventSubject{EventID: eventID, EntityID: id})
			}
		}
		for _, a := range ce.Actors {
			id, err := e.resolveRef(ctx, job, title, refs, a.Ref, string(types.EntityPerson))
			if err != nil {
				return nil, nil, nil, nil, err
			}
			if id != "" {
				actors = append(actors, types.EventActor{
					EventID:  eventID,
					EntityID: id,
					Role:     types.NormalizeActorRole(a.Role),
				})
			}
		}
	}
	return events, evidence, actors, subjects, nil
}

// remapEvidence anchors one evidence span to document-absolute rune offsets.
// Canonicalization loses chunk provenance, so the verbatim quote is the
// anchor of record; the model's offsets are only a fallback. Spans that match
// neither way are dropped by the caller.
func remapEvidence(content string, chunks []tokenizer.Chunk, sp llm.EvidenceSpan) (start, end int, chunkID string, ok bool) {
	if quote := sp.Quote; quote != "" {
		if byteIdx := strings.Index(content, quote); byteIdx >= 0 {
			start = utf8.RuneCountInString(content[:byteIdx])
			end = start + utf8.RuneCountInString(quote)
		}
	}
	if end <= start {
		total := utf8.RuneCountInString(content)
		start, end = sp.StartChar, sp.EndChar
		if start < 0 || end > total || end <= start {
			return 0, 0, "", false
		}
	}
	for _, c := range chunks {
		if c.StartChar <= start && end <= c.EndChar {
			chunkID = c.ChunkID
			break
		}
	}
	return start, end, chunkID, true
}

// eventTimeFormats are tried in order when parsing a reported event time.
var eventTimeFormats = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseEventTime parses the model's event_time string; unparseable or empty
// values become NULL rather than failing the extraction.
func parseEventTime(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range eventTimeFormats {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
