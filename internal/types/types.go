// Package types defines the shared data model for the engram memory store:
// artifact revisions, extraction jobs, semantic events with their evidence
// spans, and resolved entities with aliases and mentions.
package types

import (
	"fmt"
	"strings"
	"time"
)

// ArtifactType classifies an ingested document.
type ArtifactType string

// Known artifact types.
const (
	ArtifactEmail      ArtifactType = "email"
	ArtifactDoc        ArtifactType = "doc"
	ArtifactChat       ArtifactType = "chat"
	ArtifactTranscript ArtifactType = "transcript"
	ArtifactNote       ArtifactType = "note"
)

// IsValid reports whether the artifact type is one of the known kinds.
func (t ArtifactType) IsValid() bool {
	switch t {
	case ArtifactEmail, ArtifactDoc, ArtifactChat, ArtifactTranscript, ArtifactNote:
		return true
	}
	return false
}

// ArtifactRevision is one ingested version of an artifact, keyed by
// (ArtifactUID, RevisionID). Exactly one revision per artifact carries
// IsLatest=true.
type ArtifactRevision struct {
	ArtifactUID  string       `json:"artifact_uid"`
	RevisionID   string       `json:"revision_id"`
	ArtifactID   string       `json:"artifact_id"` // short display id (art_…)
	ArtifactType ArtifactType `json:"artifact_type"`
	SourceSystem string       `json:"source_system,omitempty"`
	SourceID     string       `json:"source_id,omitempty"`
	ContentHash  string       `json:"content_hash"`
	TokenCount   int          `json:"token_count"`
	IsChunked    bool         `json:"is_chunked"`
	ChunkCount   int          `json:"chunk_count"`
	IsLatest     bool         `json:"is_latest"`
	IngestedAt   time.Time    `json:"ingested_at"`
}

// JobType names the asynchronous work a job row represents.
type JobType string

// Job types.
const (
	JobExtract     JobType = "extract"
	JobGraphUpsert JobType = "graph_upsert"
)

// JobStatus is the queue state machine: PENDING → PROCESSING → {DONE, PENDING
// (retry), FAILED}. DONE and FAILED are terminal.
type JobStatus string

// Job statuses.
const (
	JobPending    JobStatus = "PENDING"
	JobProcessing JobStatus = "PROCESSING"
	JobDone       JobStatus = "DONE"
	JobFailed     JobStatus = "FAILED"
)

// Job is one unit of asynchronous work, unique per
// (ArtifactUID, RevisionID, JobType).
type Job struct {
	JobID       string     `json:"job_id"`
	JobType     JobType    `json:"job_type"`
	ArtifactUID string     `json:"artifact_uid"`
	RevisionID  string     `json:"revision_id"`
	Status      JobStatus  `json:"status"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	NextRunAt   time.Time  `json:"next_run_at"`
	LockedBy    string     `json:"locked_by,omitempty"`
	LockedAt    *time.Time `json:"locked_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// KnownCategories is the default event taxonomy. The taxonomy is open:
// categories outside this set are accepted and passed through unchanged.
var KnownCategories = []string{
	"Decision", "Commitment", "Execution", "Collaboration",
	"QualityRisk", "Feedback", "Change", "Stakeholder",
}

// NormalizeCategory maps a category string onto the canonical casing of a
// known category; unknown categories are returned trimmed but otherwise
// untouched.
func NormalizeCategory(c string) string {
	c = strings.TrimSpace(c)
	for _, known := range KnownCategories {
		if strings.EqualFold(c, known) {
			return known
		}
	}
	return c
}

// SemanticEvent is a structured semantic extraction from one artifact
// revision. Events are immutable; re-extraction replaces the whole set for a
// revision.
type SemanticEvent struct {
	EventID         string     `json:"event_id"`
	ArtifactUID     string     `json:"artifact_uid"`
	RevisionID      string     `json:"revision_id"`
	Category        string     `json:"category"`
	Narrative       string     `json:"narrative"`
	EventTime       *time.Time `json:"event_time,omitempty"`
	Confidence      float64    `json:"confidence"`
	ExtractionRunID string     `json:"extraction_run_id"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Evidence anchors an event to a verbatim span of source text.
type Evidence struct {
	EvidenceID  string `json:"evidence_id"`
	EventID     string `json:"event_id"`
	ArtifactUID string `json:"artifact_uid"`
	RevisionID  string `json:"revision_id"`
	ChunkID     string `json:"chunk_id,omitempty"` // empty for unchunked artifacts
	StartChar   int    `json:"start_char"`
	EndChar     int    `json:"end_char"`
	Quote       string `json:"quote"`
}

// Validate checks the span invariant.
func (e *Evidence) Validate() error {
	if e.EndChar <= e.StartChar {
		return fmt.Errorf("evidence span invalid: end_char %d <= start_char %d", e.EndChar, e.StartChar)
	}
	return nil
}

// EntityType classifies a resolved entity.
type EntityType string

// Entity types.
const (
	EntityPerson  EntityType = "person"
	EntityOrg     EntityType = "org"
	EntityProject EntityType = "project"
	EntityObject  EntityType = "object"
	EntityPlace   EntityType = "place"
	EntityOther   EntityType = "other"
)

// IsValid reports whether the entity type is known.
func (t EntityType) IsValid() bool {
	switch t {
	case EntityPerson, EntityOrg, EntityProject, EntityObject, EntityPlace, EntityOther:
		return true
	}
	return false
}

// NormalizeEntityType maps arbitrary type strings onto the known set,
// falling back to "other".
func NormalizeEntityType(s string) EntityType {
	t := EntityType(strings.ToLower(strings.TrimSpace(s)))
	if t.IsValid() {
		return t
	}
	switch t {
	case "organization", "company":
		return EntityOrg
	case "human":
		return EntityPerson
	}
	return EntityOther
}

// Entity is a canonical real-world actor or subject. Entity records are
// append-only; mutation is limited to alias additions, mention merges,
// clearing NeedsReview, and filling a missing embedding.
type Entity struct {
	EntityID             string     `json:"entity_id"`
	EntityType           EntityType `json:"entity_type"`
	CanonicalName        string     `json:"canonical_name"`
	NormalizedName       string     `json:"normalized_name"`
	Role                 string     `json:"role,omitempty"`
	Organization         string     `json:"organization,omitempty"`
	Email                string     `json:"email,omitempty"`
	ContextEmbedding     []float32  `json:"-"` // nil when embedding failed and repair is pending
	FirstSeenArtifactUID string     `json:"first_seen_artifact_uid"`
	FirstSeenRevisionID  string     `json:"first_seen_revision_id"`
	NeedsReview          bool       `json:"needs_review"`
	CreatedAt            time.Time  `json:"created_at"`
}

// EntityAlias is an alternate surface form for an entity, unique per
// (EntityID, NormalizedAlias).
type EntityAlias struct {
	EntityID        string `json:"entity_id"`
	Alias           string `json:"alias"`
	NormalizedAlias string `json:"normalized_alias"`
}

// EntityMention is one occurrence of an entity's surface form in a revision.
type EntityMention struct {
	MentionID   string `json:"mention_id"`
	EntityID    string `json:"entity_id"`
	ArtifactUID string `json:"artifact_uid"`
	RevisionID  string `json:"revision_id"`
	SurfaceForm string `json:"surface_form"`
	StartChar   *int   `json:"start_char,omitempty"`
	EndChar     *int   `json:"end_char,omitempty"`
}

// ActorRole describes how an entity participated in an event.
type ActorRole string

// Actor roles.
const (
	RoleOwner       ActorRole = "owner"
	RoleContributor ActorRole = "contributor"
	RoleReviewer    ActorRole = "reviewer"
	RoleStakeholder ActorRole = "stakeholder"
	RoleOther       ActorRole = "other"
)

// NormalizeActorRole maps arbitrary role strings onto the known set, falling
// back to "other".
func NormalizeActorRole(s string) ActorRole {
	r := ActorRole(strings.ToLower(strings.TrimSpace(s)))
	switch r {
	case RoleOwner, RoleContributor, RoleReviewer, RoleStakeholder:
		return r
	}
	return RoleOther
}

// EventActor links an entity to an event it acted in.
type EventActor struct {
	EventID  string    `json:"event_id"`
	EntityID string    `json:"entity_id"`
	Role     ActorRole `json:"role"`
}

// EventSubject links an event to the entity it is about.
type EventSubject struct {
	EventID  string `json:"event_id"`
	EntityID string `json:"entity_id"`
}

// EntityRelation records a POSSIBLY_SAME pair flagged during resolution.
// The relation is removed when a later extraction confirms the merge.
type EntityRelation struct {
	EntityID      string    `json:"entity_id"`
	OtherEntityID string    `json:"other_entity_id"`
	Confidence    float64   `json:"confidence"`
	Reason        string    `json:"reason"`
	CreatedAt     time.Time `json:"created_at"`
}

// NormalizeName lowercases and collapses whitespace in a display name for
// dedup comparisons.
func NormalizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.Join(strings.Fields(name), " ")
}
