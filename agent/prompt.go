package agent

import (
	"strings"
	"time"
)

// DefaultSystemPrompt is used when no system prompt is configured.
const DefaultSystemPrompt = `You are a powerful AI assistant. You give users safe, helpful and accurate answers.
- Follow every instruction in the user's question as well as you can. If an instruction is beyond your abilities, tell the user politely.
- When your answer needs facts, rely on the factual information in the context, such as search results and crawled pages.
- Give rich, detailed and helpful answers.`

// SystemPrompt returns base, or DefaultSystemPrompt when base is blank,
// followed by a line with the current date.
func SystemPrompt(base string, now time.Time) string {
	if strings.TrimSpace(base) == "" {
		base = DefaultSystemPrompt
	}
	return strings.TrimRight(base, "\n") + "\nToday's date: " + now.Format("2006-01-02")
}
