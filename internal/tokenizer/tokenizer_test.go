package tokenizer

import (
	"fmt"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wordsText(n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = fmt.Sprintf("word%04d", i)
	}
	return strings.Join(words, " ")
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int
	}{
		{"empty", "", 0},
		{"one word", "hello", 2},
		{"ten words", wordsText(10), 13},
		{"whitespace only", "   \n\t  ", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EstimateTokens(tt.text))
		})
	}
}

func TestChunkerThresholdBoundary(t *testing.T) {
	c := NewChunker(1200, 900, 100)

	// 923 words estimate to exactly 1200 tokens: single piece.
	atLimit := wordsText(923)
	require.Equal(t, 1200, EstimateTokens(atLimit))
	assert.False(t, c.NeedsChunking(atLimit))
	assert.Nil(t, c.Split("art-x", atLimit))

	// One more word crosses the threshold and forces chunking.
	over := wordsText(924)
	require.Greater(t, EstimateTokens(over), 1200)
	chunks := c.Split("art-x", over)
	require.NotEmpty(t, chunks)
	assert.GreaterOrEqual(t, len(chunks), 2)
}

func TestChunkerWindows(t *testing.T) {
	c := NewChunker(1200, 900, 100)
	text := wordsText(3000)
	chunks := c.Split("art-7", text)
	require.NotEmpty(t, chunks)

	runes := []rune(text)
	idPattern := regexp.MustCompile(`^art-7::chunk::\d{3}::[0-9a-f]{8}$`)
	for i, ch := range chunks {
		assert.Equal(t, i, ch.Index)
		assert.Regexp(t, idPattern, ch.ChunkID)
		// Offsets must reproduce the stored content exactly.
		assert.Equal(t, ch.Content, string(runes[ch.StartChar:ch.EndChar]))
		assert.LessOrEqual(t, ch.TokenCount, 1100, "chunk %d too large", i)
		if i > 0 {
			assert.Less(t, chunks[i].StartChar, chunks[i-1].EndChar,
				"consecutive chunks must overlap")
		}
	}

	// Every word of the source appears in some chunk.
	last := chunks[len(chunks)-1]
	assert.Equal(t, len(runes), last.EndChar)
	assert.Equal(t, 0, chunks[0].StartChar)
}

func TestChunkerAbsorbsShortTail(t *testing.T) {
	c := NewChunker(1200, 900, 100)
	// Sized so the final step leaves a remainder smaller than the overlap.
	text := wordsText(1400)
	chunks := c.Split("art-t", text)
	require.NotEmpty(t, chunks)
	for _, ch := range chunks {
		assert.LessOrEqual(t, ch.TokenCount, 1100)
	}
	// No sliver chunk at the end.
	tail := chunks[len(chunks)-1]
	assert.Greater(t, tail.TokenCount, 100)
}

func TestChunkIDsStablePerContent(t *testing.T) {
	c := NewChunker(1200, 900, 100)
	text := wordsText(2500)
	first := c.Split("art-s", text)
	second := c.Split("art-s", text)
	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].ChunkID, second[i].ChunkID)
	}
}
