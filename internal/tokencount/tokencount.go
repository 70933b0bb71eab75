// Package tokencount estimates LLM token counts for budget checks. Uses a
// character-based heuristic (~4 chars per token for English) which is
// sufficient for pre-call estimates; recorded usage carries the provider's
// actual numbers.
package tokencount

// Counter estimates token counts for prompts and text.
type Counter struct{}

// NewCounter creates a new Counter.
func NewCounter() *Counter {
	return &Counter{}
}

// perTurnOverhead covers the role and formatting tokens each conversation
// turn adds beyond its text, per the OpenAI tokenization spec.
const perTurnOverhead = 4

// EstimateText estimates tokens for a plain text string.
func (c *Counter) EstimateText(text string) int {
	return max(estimateTokens(text), 1)
}

// EstimateConversation estimates the total token count for a prompt plus its
// prior question/answer turns.
func (c *Counter) EstimateConversation(prompt string, turns ...string) int {
	total := perTurnOverhead + estimateTokens(prompt)
	for _, t := range turns {
		total += perTurnOverhead + estimateTokens(t)
	}
	total += 3 // every reply is primed with <|start|>assistant<|message|>
	return max(total, 1)
}

// estimateTokens uses the ~4 characters per token heuristic.
// This is a reasonable approximation for English text with GPT-family tokenizers.
func estimateTokens(s string) int {
	if len(s) == 0 {
		return 0
	}
	// ~4 bytes per token for English; ceil division.
	return (len(s) + 3) / 4
}
