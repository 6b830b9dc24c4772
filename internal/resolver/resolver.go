// Package resolver links extracted entity mentions to canonical entities.
//
// Resolution runs in two phases: an embedding pre-filter narrows the
// candidate set to same-type entities within a similarity threshold, then
// one model call per candidate confirms or rejects the merge. Failures of
// either provider degrade to entity creation; they never block extraction.
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/engramkit/engram/internal/embed"
	"github.com/engramkit/engram/internal/idgen"
	"github.com/engramkit/engram/internal/llm"
	"github.com/engramkit/engram/internal/store"
	"github.com/engramkit/engram/internal/types"
)

// Outcome classifies how a mention was resolved.
type Outcome string

// Outcomes.
const (
	OutcomeCreated          Outcome = "created"
	OutcomeMerged           Outcome = "merged"
	OutcomeCreatedUncertain Outcome = "created_uncertain"
)

// Resolution is the result of resolving one mention.
type Resolution struct {
	EntityID      string
	CanonicalName string
	Outcome       Outcome
}

// Resolver implements two-phase entity resolution.
type Resolver struct {
	store         *store.Store
	embedder      embed.Client
	model         llm.Client
	threshold     float64 // cosine similarity floor for candidates
	maxCandidates int
	logger        *slog.Logger
}

// New builds a Resolver.
func New(s *store.Store, embedder embed.Client, model llm.Client, threshold float64, maxCandidates int, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:         s,
		embedder:      embedder,
		model:         model,
		threshold:     threshold,
		maxCandidates: maxCandidates,
		logger:        logger,
	}
}

// Resolve maps one mention onto an entity id, creating or merging as needed.
// docTitle is passed to the merge-confirmation prompt for context.
func (r *Resolver) Resolve(ctx context.Context, artifactUID, revisionID, docTitle string, m llm.MentionedEntity) (*Resolution, error) {
	entityType := types.NormalizeEntityType(m.Type)
	canonical := strings.TrimSpace(m.CanonicalSuggestion)
	if canonical == "" {
		canonical = strings.TrimSpace(m.SurfaceForm)
	}

	// Phase A: candidate generation via context embedding.
	embText := embeddingText(canonical, entityType, m.ContextClues)
	vecs, embErr := r.embedder.Embed(ctx, []string{embText})
	if embErr != nil {
		// Embedding outage must not block extraction: create the entity
		// unindexed and flag it for the repair pass.
		r.logger.Warn("entity embedding failed, creating unindexed",
			"surface_form", m.SurfaceForm, "error", embErr)
		return r.create(ctx, artifactUID, revisionID, canonical, entityType, m, nil, nil, true)
	}
	contextEmbedding := vecs[0]

	candidates, err := r.store.CandidateEntities(ctx, entityType, contextEmbedding, r.maxCandidates, 1-r.threshold)
	if err != nil {
		return nil, fmt.Errorf("candidate lookup for %q: %w", canonical, err)
	}
	if len(candidates) == 0 {
		return r.create(ctx, artifactUID, revisionID, canonical, entityType, m, contextEmbedding, nil, false)
	}

	// Phase B: one confirmation call per candidate, nearest first. The first
	// "same" wins; model failures count as uncertain rather than aborting.
	mentionCard := llm.EntityCard{
		Name:          canonical,
		Type:          string(entityType),
		Role:          m.ContextClues.Role,
		Org:           m.ContextClues.Org,
		Email:         m.ContextClues.Email,
		Aliases:       m.AliasesInDoc,
		DocumentTitle: docTitle,
	}
	var uncertain, distinct []store.Candidate
	for _, cand := range candidates {
		card, err := r.entityCard(ctx, cand.Entity)
		if err != nil {
			return nil, err
		}
		decision, err := r.model.ConfirmMerge(ctx, mentionCard, card)
		if err != nil {
			r.logger.Warn("merge confirmation failed, treating as uncertain",
				"candidate", cand.Entity.EntityID, "error", err)
			uncertain = append(uncertain, cand)
			continue
		}
		switch decision.Decision {
		case "same":
			return r.merge(ctx, artifactUID, revisionID, cand.Entity, decision.CanonicalName, m, distinct)
		case "uncertain":
			uncertain = append(uncertain, cand)
		case "different":
			distinct = append(distinct, cand)
		}
	}

	if len(uncertain) > 0 {
		// Highest-similarity uncertain candidate; candidates arrive sorted by
		// distance with entity_id as the tie-breaker.
		return r.create(ctx, artifactUID, revisionID, canonical, entityType, m, contextEmbedding, uncertain[0].Entity, true)
	}
	return r.create(ctx, artifactUID, revisionID, canonical, entityType, m, contextEmbedding, nil, false)
}

// create inserts a new entity with its aliases and mention. possiblySame,
// when set, records the uncertain pair and flags the entity for review.
func (r *Resolver) create(ctx context.Context, artifactUID, revisionID, canonical string, entityType types.EntityType,
	m llm.MentionedEntity, embedding []float32, possiblySame *types.Entity, needsReview bool) (*Resolution, error) {

	ent := &types.Entity{
		EntityID:             idgen.EntityID(),
		EntityType:           entityType,
		CanonicalName:        canonical,
		NormalizedName:       types.NormalizeName(canonical),
		Role:                 m.ContextClues.Role,
		Organization:         m.ContextClues.Org,
		Email:                m.ContextClues.Email,
		ContextEmbedding:     embedding,
		FirstSeenArtifactUID: artifactUID,
		FirstSeenRevisionID:  revisionID,
		NeedsReview:          needsReview,
	}

	err := r.store.RunInTransaction(ctx, func(tx *store.Tx) error {
		if err := tx.InsertEntity(ctx, ent); err != nil {
			return err
		}
		for _, alias := range aliasSet(m, canonical) {
			if err := tx.AddAlias(ctx, ent.EntityID, alias); err != nil {
				return err
			}
		}
		if err := tx.RecordMention(ctx, r.mentionRow(ent.EntityID, artifactUID, revisionID, m)); err != nil {
			return err
		}
		if possiblySame != nil {
			return tx.AddPossiblySame(ctx, &types.EntityRelation{
				EntityID:      ent.EntityID,
				OtherEntityID: possiblySame.EntityID,
				Confidence:    m.Confidence,
				Reason:        fmt.Sprintf("unconfirmed merge with %q", possiblySame.CanonicalName),
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create entity %q: %w", canonical, err)
	}

	outcome := OutcomeCreated
	if possiblySame != nil {
		outcome = OutcomeCreatedUncertain
	}
	return &Resolution{EntityID: ent.EntityID, CanonicalName: ent.CanonicalName, Outcome: outcome}, nil
}

// merge attaches the mention to an existing entity, recording a new alias
// when the surface form is unseen and upgrading the canonical name when the
// suggestion is strictly more complete. A confirmed merge also clears open
// POSSIBLY_SAME relations between the target and the candidates the model
// judged different from this mention: same-as-target plus different-from-them
// settles those pairs. Candidates never judged keep their relations.
func (r *Resolver) merge(ctx context.Context, artifactUID, revisionID string, target *types.Entity,
	suggestedName string, m llm.MentionedEntity, distinct []store.Candidate) (*Resolution, error) {

	aliases, err := r.store.Aliases(ctx, target.EntityID)
	if err != nil {
		return nil, err
	}
	known := map[string]bool{target.NormalizedName: true}
	for _, a := range aliases {
		known[a.NormalizedAlias] = true
	}

	finalName := target.CanonicalName
	err = r.store.RunInTransaction(ctx, func(tx *store.Tx) error {
		for _, alias := range aliasSet(m, "") {
			if known[types.NormalizeName(alias)] {
				continue
			}
			if err := tx.AddAlias(ctx, target.EntityID, alias); err != nil {
				return err
			}
		}
		if err := tx.RecordMention(ctx, r.mentionRow(target.EntityID, artifactUID, revisionID, m)); err != nil {
			return err
		}
		if moreComplete(suggestedName, target.CanonicalName) {
			if err := tx.UpdateCanonicalName(ctx, target.EntityID, suggestedName); err != nil {
				return err
			}
			finalName = suggestedName
		}
		for _, cand := range distinct {
			if err := tx.RemovePossiblySame(ctx, target.EntityID, cand.Entity.EntityID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("merge into %s: %w", target.EntityID, err)
	}

	return &Resolution{EntityID: target.EntityID, CanonicalName: finalName, Outcome: OutcomeMerged}, nil
}

func (r *Resolver) mentionRow(entityID, artifactUID, revisionID string, m llm.MentionedEntity) *types.EntityMention {
	return &types.EntityMention{
		MentionID:   idgen.MentionID(),
		EntityID:    entityID,
		ArtifactUID: artifactUID,
		RevisionID:  revisionID,
		SurfaceForm: m.SurfaceForm,
		StartChar:   m.StartChar,
		EndChar:     m.EndChar,
	}
}

func (r *Resolver) entityCard(ctx context.Context, e *types.Entity) (llm.EntityCard, error) {
	aliases, err := r.store.Aliases(ctx, e.EntityID)
	if err != nil {
		return llm.EntityCard{}, err
	}
	card := llm.EntityCard{
		Name:  e.CanonicalName,
		Type:  string(e.EntityType),
		Role:  e.Role,
		Org:   e.Organization,
		Email: e.Email,
	}
	for _, a := range aliases {
		card.Aliases = append(card.Aliases, a.Alias)
	}
	return card, nil
}

// RepairEmbeddings backfills context embeddings for entities created while
// the embedding provider was down, clearing has_embedding-driven review work.
func (r *Resolver) RepairEmbeddings(ctx context.Context, limit int) (int, error) {
	missing, err := r.store.EntitiesMissingEmbedding(ctx, limit)
	if err != nil {
		return 0, err
	}
	repaired := 0
	for _, e := range missing {
		vecs, err := r.embedder.Embed(ctx, []string{embeddingText(e.CanonicalName, e.EntityType,
			llm.ContextClues{Role: e.Role, Org: e.Organization})})
		if err != nil {
			// Still down; the next retry will get another chance.
			return repaired, nil
		}
		err = r.store.RunInTransaction(ctx, func(tx *store.Tx) error {
			return tx.SetEntityEmbedding(ctx, e.EntityID, vecs[0])
		})
		if err != nil {
			return repaired, err
		}
		repaired++
	}
	return repaired, nil
}

// embeddingText builds the canonical context string fed to the embedder.
func embeddingText(name string, entityType types.EntityType, clues llm.ContextClues) string {
	return fmt.Sprintf("%s, %s, %s, %s", name, entityType, clues.Role, clues.Org)
}

// aliasSet collects the distinct alias strings worth recording for a
// mention: the surface form plus in-document aliases, minus the canonical.
func aliasSet(m llm.MentionedEntity, canonical string) []string {
	seen := map[string]bool{}
	if canonical != "" {
		seen[types.NormalizeName(canonical)] = true
	}
	var out []string
	for _, alias := range append([]string{m.SurfaceForm}, m.AliasesInDoc...) {
		alias = strings.TrimSpace(alias)
		if alias == "" {
			continue
		}
		norm := types.NormalizeName(alias)
		if seen[norm] {
			continue
		}
		seen[norm] = true
		out = append(out, alias)
	}
	return out
}

// moreComplete reports whether a suggested name strictly improves on the
// current one: longer and containing it as a substring.
func moreComplete(suggested, current string) bool {
	s := strings.TrimSpace(suggested)
	if s == "" || len(s) <= len(current) {
		return false
	}
	return strings.Contains(strings.ToLower(s), strings.ToLower(strings.TrimSpace(current)))
}
