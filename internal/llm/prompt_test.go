package llm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildMessagesShape(t *testing.T) {
	t.Parallel()

	messages := BuildMessages(PromptInput{
		Persona: "You are the Acme support assistant.",
		Snippets: []Snippet{
			{Text: "Press and hold 5s to reset.", Section: "FAQ"},
			{Text: "Warranty lasts two years."},
		},
		History: []Turn{
			{Direction: "in", Content: "hi"},
			{Direction: "out", Content: "hello, how can I help?"},
		},
		HistoryTurns: 6,
		UserMessage:  "how do I reset",
		Locale:       "en-US",
	})

	require.Len(t, messages, 4)
	assert.Equal(t, RoleSystem, messages[0].Role)
	assert.Contains(t, messages[0].Content, "Acme support assistant")
	assert.Contains(t, messages[0].Content, "[1] (FAQ) Press and hold 5s to reset.")
	assert.Contains(t, messages[0].Content, "[2] Warranty lasts two years.")
	assert.Contains(t, messages[0].Content, "en-US")

	assert.Equal(t, RoleUser, messages[1].Role)
	assert.Equal(t, RoleAssistant, messages[2].Role)
	assert.Equal(t, Message{Role: RoleUser, Content: "how do I reset"}, messages[3])
}

func TestBuildMessagesTruncatesHistory(t *testing.T) {
	t.Parallel()

	history := make([]Turn, 20)
	for i := range history {
		history[i] = Turn{Direction: "in", Content: strings.Repeat("x", i+1)}
	}

	messages := BuildMessages(PromptInput{
		History:      history,
		HistoryTurns: 4,
		UserMessage:  "latest",
	})

	// System + 4 history turns + current message.
	require.Len(t, messages, 6)
	assert.Equal(t, strings.Repeat("x", 17), messages[1].Content)
	assert.Equal(t, strings.Repeat("x", 20), messages[4].Content)
}

func TestBuildMessagesEmptyContext(t *testing.T) {
	t.Parallel()

	messages := BuildMessages(PromptInput{UserMessage: "hello"})
	require.Len(t, messages, 2)
	assert.Contains(t, messages[0].Content, "Context: (none available)")
	assert.Contains(t, messages[0].Content, "helpful, honest assistant")
}
