// Package idgen produces the id families used across the store.
//
// Identity ids are content-derived so repeated ingestion of the same input
// lands on the same rows: artifact_uid hashes the source coordinates,
// revision_id hashes the content. Row ids (events, entities, mentions, jobs)
// are random UUIDs with a short prefix so an id seen in a log or a tool
// response is self-describing.
package idgen

import (
	"crypto/sha256"
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"
)

// Prefixes for the id families. forget() dispatches on these.
const (
	PrefixArtifact = "art_"
	PrefixUID      = "uid_"
	PrefixRevision = "rev_"
	PrefixEvent    = "evt_"
	PrefixEntity   = "ent_"
	PrefixMention  = "men_"
	PrefixMemory   = "mem_"
)

const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// EncodeBase36 renders data as a fixed-width base36 string, zero-padded on
// the left and truncated to the least significant digits when longer.
func EncodeBase36(data []byte, length int) string {
	num := new(big.Int).SetBytes(data)
	base := big.NewInt(36)
	zero := big.NewInt(0)
	mod := new(big.Int)

	chars := make([]byte, 0, length)
	for num.Cmp(zero) > 0 {
		num.DivMod(num, base, mod)
		chars = append(chars, base36Alphabet[mod.Int64()])
	}
	for i, j := 0, len(chars)-1; i < j; i, j = i+1, j-1 {
		chars[i], chars[j] = chars[j], chars[i]
	}

	s := string(chars)
	if len(s) < length {
		s = strings.Repeat("0", length-len(s)) + s
	}
	if len(s) > length {
		s = s[len(s)-length:]
	}
	return s
}

// ArtifactUID derives the stable identity of an artifact. When source
// coordinates are supplied the uid is deterministic, so re-ingesting the
// same source document updates the existing artifact instead of creating a
// sibling. Without coordinates every call mints a fresh identity.
func ArtifactUID(sourceSystem, sourceID string) string {
	if sourceSystem != "" && sourceID != "" {
		sum := sha256.Sum256([]byte(sourceSystem + ":" + sourceID))
		return PrefixUID + fmt.Sprintf("%x", sum[:16])
	}
	return PrefixUID + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// RevisionID hashes the content; identical content always maps to the same
// revision of an artifact.
func RevisionID(content string) string {
	sum := sha256.Sum256([]byte(content))
	return PrefixRevision + fmt.Sprintf("%x", sum[:16])
}

// ContentHash returns the full content hash stored on the revision row.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return fmt.Sprintf("%x", sum[:])
}

// ArtifactID derives the short display id shown to tool clients. It is a
// function of the artifact_uid so every revision of an artifact shares it.
func ArtifactID(artifactUID string) string {
	sum := sha256.Sum256([]byte(artifactUID))
	return PrefixArtifact + EncodeBase36(sum[:5], 8)
}

// ChunkID builds the persisted chunk id. The format is stable:
// {artifact_id}::chunk::{index:03}::{hash8}.
func ChunkID(artifactID string, index int, content string) string {
	sum := sha256.Sum256([]byte(content))
	return fmt.Sprintf("%s::chunk::%03d::%x", artifactID, index, sum[:4])
}

// EventID mints an event row id.
func EventID() string { return PrefixEvent + uuid.NewString() }

// EntityID mints an entity row id.
func EntityID() string { return PrefixEntity + uuid.NewString() }

// MentionID mints an entity-mention row id.
func MentionID() string { return PrefixMention + uuid.NewString() }

// MemoryID mints an id for a directly remembered note.
func MemoryID() string { return PrefixMemory + uuid.NewString() }

// EvidenceID mints an evidence row id.
func EvidenceID() string { return uuid.NewString() }

// JobID mints a job row id.
func JobID() string { return uuid.NewString() }

// RunID mints an extraction run id.
func RunID() string { return uuid.NewString() }
