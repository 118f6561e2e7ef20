// Package history fits a chat history into a model token budget.
package history

import (
	"github.com/aschepis/backscratcher/chatgw/llm"
	"github.com/samber/lo"
)

// Trimmer reduces a chat history to its most recent messages that fit a
// token budget.
type Trimmer struct {
	Tokenizer Tokenizer
	// MaxTurns limits the history to the last MaxTurns user/assistant pairs
	// before token trimming. A negative value disables the limit.
	MaxTurns int
}

// Trim returns the longest suffix of history whose token count is at most
// budget, oldest first. The walk runs from newest to oldest and stops at the
// first message that would overflow, so the result is always contiguous.
// System messages are not part of the history and are dropped.
func (t Trimmer) Trim(history []llm.Message, budget int) []llm.Message {
	msgs := lo.Filter(history, func(m llm.Message, _ int) bool {
		return m.Role == llm.RoleUser || m.Role == llm.RoleAssistant
	})

	if t.MaxTurns >= 0 && len(msgs) > 2*t.MaxTurns {
		msgs = msgs[len(msgs)-2*t.MaxTurns:]
	}
	if budget <= 0 || len(msgs) == 0 {
		return []llm.Message{}
	}

	total := 0
	start := len(msgs)
	for i := len(msgs) - 1; i >= 0; i-- {
		n := t.Tokenizer.Count(msgs[i].Text())
		if total+n > budget {
			break
		}
		total += n
		start = i
	}

	out := make([]llm.Message, len(msgs)-start)
	copy(out, msgs[start:])
	return out
}

// Count returns the total token count of msgs.
func Count(tok Tokenizer, msgs []llm.Message) int {
	return lo.SumBy(msgs, func(m llm.Message) int { return tok.Count(m.Text()) })
}
