package orchestrator

import (
	"fmt"
	"strings"

	"agentbridge/internal/store"
)

// History modes accepted by NewPromptBuilder.
const (
	HistoryNone = "none"
	HistoryFull = "full"
)

// PromptBuilder assembles the text sent to the backend for one chat message.
// history holds the persisted messages that precede current.
type PromptBuilder interface {
	Build(systemPrompt string, history []store.Message, current string) string
}

// NewPromptBuilder returns the builder for mode. maxTurns bounds the number
// of prior messages WithHistory includes; zero or less means all of them.
func NewPromptBuilder(mode string, maxTurns int) (PromptBuilder, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", HistoryNone:
		return CurrentOnly{}, nil
	case HistoryFull:
		return WithHistory{MaxTurns: maxTurns}, nil
	}
	return nil, fmt.Errorf("unknown prompt history mode %q (want %s or %s)", mode, HistoryNone, HistoryFull)
}

// CurrentOnly sends the system prompt and the current message. Continuity is
// left to the backend's own session.
type CurrentOnly struct{}

func (CurrentOnly) Build(systemPrompt string, _ []store.Message, current string) string {
	return withSystem(systemPrompt, current)
}

// WithHistory frames the current message with prior turns as plain text.
type WithHistory struct {
	MaxTurns int
}

func (w WithHistory) Build(systemPrompt string, history []store.Message, current string) string {
	if w.MaxTurns > 0 && len(history) > w.MaxTurns {
		history = history[len(history)-w.MaxTurns:]
	}
	if len(history) == 0 {
		return withSystem(systemPrompt, current)
	}

	var b strings.Builder
	b.WriteString("Conversation so far:\n")
	for _, m := range history {
		b.WriteString(speaker(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Body)
		b.WriteString("\n")
	}
	b.WriteString("\nCurrent message:\n")
	b.WriteString(current)
	return withSystem(systemPrompt, b.String())
}

func speaker(role string) string {
	if role == store.RoleAssistant {
		return "Assistant"
	}
	return "User"
}

func withSystem(systemPrompt, body string) string {
	systemPrompt = strings.TrimSpace(systemPrompt)
	if systemPrompt == "" {
		return body
	}
	return systemPrompt + "\n\n" + body
}
