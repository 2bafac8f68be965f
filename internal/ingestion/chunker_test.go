package ingestion

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conversehq/converse/internal/retrieval"
)

func TestChunkTextFAQDocument(t *testing.T) {
	t.Parallel()

	text := "# FAQ\n\nQ: reset?\nA: press hold 5s.\n\nQ: warranty?\nA: two years."
	chunks := ChunkText(text, DefaultChunkConfig())

	require.Len(t, chunks, 2)
	assert.Equal(t, "Q: reset?\nA: press hold 5s.", chunks[0].Text)
	assert.Equal(t, "faq", chunks[0].Format)
	assert.Equal(t, "FAQ", chunks[0].Section)
	assert.Contains(t, chunks[1].Text, "warranty")
}

func TestChunkTextFAQTable(t *testing.T) {
	t.Parallel()

	text := strings.Join([]string{
		"# Support",
		"",
		"| Question | Answer |",
		"| --- | --- |",
		"| How do I reset? | Press and hold 5 seconds. |",
		"| Is shipping free? | Yes, over $50. |",
	}, "\n")

	chunks := ChunkText(text, DefaultChunkConfig())
	require.Len(t, chunks, 2)
	assert.Equal(t, "Q: How do I reset?\nA: Press and hold 5 seconds.", chunks[0].Text)
	assert.Equal(t, "faq", chunks[0].Format)
	assert.Equal(t, "Q: Is shipping free?\nA: Yes, over $50.", chunks[1].Text)
}

func TestChunkTextSectionsCarryHeadings(t *testing.T) {
	t.Parallel()

	text := "intro paragraph\n\n# Returns\n\nreturns body text\n\n# Shipping\n\nshipping body text"
	chunks := ChunkText(text, DefaultChunkConfig())

	require.Len(t, chunks, 3)
	assert.Equal(t, "", chunks[0].Section)
	assert.Equal(t, "Returns", chunks[1].Section)
	assert.Equal(t, "Shipping", chunks[2].Section)
}

func TestChunkTextLongBodySplitsWithOverlap(t *testing.T) {
	t.Parallel()

	paragraph := strings.Repeat("word ", 1000) // ~1250 estimated tokens
	cfg := ChunkConfig{MaxTokens: 256, OverlapTokens: 32, MinTokens: 8}
	chunks := ChunkText(paragraph, cfg)

	require.Greater(t, len(chunks), 1)
	for _, chunk := range chunks {
		assert.LessOrEqual(t, retrieval.EstimateTokens(chunk.Text), cfg.MaxTokens+1)
	}

	// Consecutive windows share overlapping text.
	first := chunks[0].Text
	second := chunks[1].Text
	tail := first[len(first)-40:]
	assert.Contains(t, second, strings.TrimSpace(tail[:20]))
}

func TestChunkTextParagraphAssembly(t *testing.T) {
	t.Parallel()

	text := "short one\n\nshort two\n\nshort three"
	chunks := ChunkText(text, DefaultChunkConfig())

	// Small paragraphs assemble into one chunk.
	require.Len(t, chunks, 1)
	assert.Contains(t, chunks[0].Text, "short one")
	assert.Contains(t, chunks[0].Text, "short three")
}

func TestChunkTextEmpty(t *testing.T) {
	t.Parallel()

	assert.Nil(t, ChunkText("", DefaultChunkConfig()))
	assert.Nil(t, ChunkText("   \n\n  ", DefaultChunkConfig()))
}
