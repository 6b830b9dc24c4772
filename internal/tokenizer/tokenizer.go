// Package tokenizer estimates token counts and splits oversized content into
// overlapping windows with stable ids and preserved character offsets.
package tokenizer

import (
	"math"
	"strings"
	"unicode"

	"github.com/engramkit/engram/internal/idgen"
)

// tokensPerWord is the word-to-token heuristic used everywhere a count is
// estimated. Counts only need to be consistent, not exact.
const tokensPerWord = 1.3

// EstimateTokens approximates the token count of text: tokens ~ words * 1.3.
func EstimateTokens(text string) int {
	words := len(strings.Fields(text))
	return int(math.Ceil(float64(words) * tokensPerWord))
}

// Chunk is one window of an artifact's content. StartChar/EndChar are rune
// offsets into the original text, so evidence spans quoted against the
// original can be mapped into a chunk and back.
type Chunk struct {
	ChunkID    string
	Index      int
	Content    string
	StartChar  int
	EndChar    int
	TokenCount int
}

// Chunker splits content that exceeds the single-piece threshold into
// overlapping windows.
type Chunker struct {
	singleMax int // above this, content is chunked
	target    int // window size in tokens
	overlap   int // tokens shared between consecutive windows
}

// NewChunker builds a Chunker. Zero values fall back to 1200/900/100.
func NewChunker(singleMax, target, overlap int) *Chunker {
	if singleMax == 0 {
		singleMax = 1200
	}
	if target == 0 {
		target = 900
	}
	if overlap == 0 {
		overlap = 100
	}
	return &Chunker{singleMax: singleMax, target: target, overlap: overlap}
}

// NeedsChunking reports whether content exceeds the single-piece threshold.
func (c *Chunker) NeedsChunking(text string) bool {
	return EstimateTokens(text) > c.singleMax
}

// word is a whitespace-delimited run of text with its rune offsets.
type word struct {
	start, end int // rune offsets, end exclusive
}

// Split cuts text into overlapping windows. The final window absorbs a short
// tail instead of emitting a sliver chunk, but never grows past
// target + 2*overlap tokens. Returns nil when the text fits in a single
// piece.
func (c *Chunker) Split(artifactID, text string) []Chunk {
	if !c.NeedsChunking(text) {
		return nil
	}

	words := scanWords(text)
	runes := []rune(text)

	targetWords := wordsFor(c.target)
	overlapWords := wordsFor(c.overlap)
	stepWords := targetWords - overlapWords
	maxLastWords := wordsFor(c.target + 2*c.overlap)

	var chunks []Chunk
	for start := 0; start < len(words); start += stepWords {
		end := start + targetWords
		if end >= len(words) {
			end = len(words)
		} else if len(words)-end <= overlapWords && len(words)-start <= maxLastWords {
			// The remainder after this window would be smaller than the
			// overlap; fold it in rather than emitting a sliver chunk.
			end = len(words)
		}

		startChar := words[start].start
		endChar := words[end-1].end
		content := string(runes[startChar:endChar])
		idx := len(chunks)
		chunks = append(chunks, Chunk{
			ChunkID:    idgen.ChunkID(artifactID, idx, content),
			Index:      idx,
			Content:    content,
			StartChar:  startChar,
			EndChar:    endChar,
			TokenCount: EstimateTokens(content),
		})
		if end == len(words) {
			break
		}
	}
	return chunks
}

// scanWords returns every whitespace-delimited word with rune offsets.
func scanWords(text string) []word {
	var words []word
	inWord := false
	start := 0
	i := 0
	for _, r := range text {
		if unicode.IsSpace(r) {
			if inWord {
				words = append(words, word{start: start, end: i})
				inWord = false
			}
		} else if !inWord {
			start = i
			inWord = true
		}
		i++
	}
	if inWord {
		words = append(words, word{start: start, end: i})
	}
	return words
}

// wordsFor converts a token budget into a word budget under the estimator.
func wordsFor(tokens int) int {
	return int(float64(tokens) / tokensPerWord)
}
