package llm

const extractPromptTemplate = `You are extracting structured workplace memory from a document. Respond with JSON only, no prose, no code fences.

**Document title:** {{.Title}}
**Document type:** {{.ArtifactType}}
**Chunk:** {{.ChunkNum}} of {{.TotalChunks}}

**Text:**
{{.Text}}

Extract two things:

1. "events": concrete things that happened or were decided. Categories you should prefer: Decision, Commitment, Execution, Collaboration, QualityRisk, Feedback, Change, Stakeholder. Use another short label only when none fits. Each event carries:
   - "category", "narrative" (one or two sentences, past tense)
   - "event_time" (ISO 8601) only when the text states or clearly implies a date
   - "subject": {"type","ref"} — what the event is about; "ref" is the surface form used in this text
   - "actors": [{"ref","role"}] with role in {owner, contributor, reviewer, stakeholder, other}
   - "evidence": {"quote","start_char","end_char"} — a verbatim quote of at most 25 words, with character offsets into the text above
   - "confidence" between 0 and 1

2. "entities_mentioned": every person, org, project, object or place referenced by the events. Each carries "surface_form", "canonical_suggestion" (the fullest name in this text), "type" in {person, org, project, object, place, other}, "context_clues" {"role","org","email"} when stated, "aliases_in_doc" (other surface forms of the same entity in this text), "confidence", and "start_char"/"end_char" of the first mention when you can locate it.

Return exactly: {"events":[...], "entities_mentioned":[...]}. Return empty arrays when nothing qualifies. Never invent facts not present in the text.`

const canonicalizePromptTemplate = `You are merging event extractions taken from overlapping chunks of one document. Respond with JSON only, no prose, no code fences.

**Document title:** {{.Title}}

**Per-chunk extractions (JSON):**
{{.Chunks}}

Produce the document-level result:

1. "events": the union of all chunk events with duplicates merged. Two events are duplicates when they describe the same occurrence (same actors, same subject, near-identical narrative) even if worded differently across chunks. A merged event keeps the clearest narrative, the union of actors, and an "evidence" ARRAY holding every distinct span from the merged duplicates (each {"quote","start_char","end_char"} unchanged from its chunk). Keep the highest confidence among duplicates.

2. "entities": the union of all mentioned entities with in-document aliases folded together — when two surface forms clearly denote the same entity in this document, emit one record whose "aliases_in_doc" lists the other forms. Keep the same fields as the input records.

Return exactly: {"events":[...], "entities":[...]}.`

const mergePromptTemplate = `Two entity records may denote the same real-world entity. Respond with JSON only, no prose, no code fences.

**Record A:**
{{.Left}}
**Record B:**
{{.Right}}

Decide:
- "same" only when the records clearly denote one real-world entity
- "different" when they clearly do not
- "uncertain" when the evidence is insufficient either way

Return exactly: {"decision":"same"|"different"|"uncertain", "canonical_name":"<the fullest correct name if same, else the name of record A>", "reason":"<one sentence>"}.`
