package llm

import (
	"fmt"
	"strings"
)

// Snippet is a retrieved context passage included in the prompt.
type Snippet struct {
	Text    string
	Section string
}

// Turn is one prior exchange from the conversation history.
type Turn struct {
	Direction string // "in" or "out"
	Content   string
}

// PromptInput gathers everything the prompt builder needs.
type PromptInput struct {
	Persona      string
	Snippets     []Snippet
	History      []Turn
	HistoryTurns int
	UserMessage  string
	Locale       string
}

const defaultPersona = "You are a helpful, honest assistant for this brand. " +
	"Answer only from the provided context; if the context does not cover the question, say so."

// BuildMessages assembles the chat payload: system directive with numbered
// context snippets, the last N conversation turns, then the user message.
func BuildMessages(input PromptInput) []Message {
	persona := strings.TrimSpace(input.Persona)
	if persona == "" {
		persona = defaultPersona
	}

	var system strings.Builder
	system.WriteString(persona)
	if input.Locale != "" {
		fmt.Fprintf(&system, "\nRespond in the user's locale: %s.", input.Locale)
	}
	if len(input.Snippets) > 0 {
		system.WriteString("\n\nContext:\n")
		for i, snippet := range input.Snippets {
			text := strings.TrimSpace(snippet.Text)
			if snippet.Section != "" {
				fmt.Fprintf(&system, "[%d] (%s) %s\n", i+1, snippet.Section, text)
			} else {
				fmt.Fprintf(&system, "[%d] %s\n", i+1, text)
			}
		}
	} else {
		system.WriteString("\n\nContext: (none available)")
	}

	messages := []Message{{Role: RoleSystem, Content: system.String()}}

	history := input.History
	limit := input.HistoryTurns
	if limit <= 0 {
		limit = 6
	}
	if len(history) > limit {
		history = history[len(history)-limit:]
	}
	for _, turn := range history {
		role := RoleUser
		if turn.Direction == "out" {
			role = RoleAssistant
		}
		messages = append(messages, Message{Role: role, Content: turn.Content})
	}

	messages = append(messages, Message{Role: RoleUser, Content: input.UserMessage})
	return messages
}
