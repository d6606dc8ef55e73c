package ai

// Token accounting for conversation history. Counts are approximations of
// the OpenAI tokenizer: close enough to budget history and trigger
// summarization, not suitable for billing.

// Per-message formatting overhead of the chat completion format, plus the
// fixed reply priming overhead per request.
const (
	tokensPerMessage = 4
	requestOverhead  = 3
)

// History budgets per model. Deliberately far below the real context
// windows to bound cost and keep replies focused.
var modelTokenLimits = map[string]int{
	"gpt-4o":        32000,
	"gpt-4o-mini":   32000,
	"gpt-4-turbo":   32000,
	"gpt-3.5-turbo": 12000,
}

const defaultTokenLimit = 16000

// summaryThreshold is the fraction of the budget at which a conversation
// summary is generated.
const summaryThreshold = 0.7

// EstimateTokens approximates the token count of a string: roughly four
// ASCII bytes per token, one token per non-ASCII rune (CJK text tokenizes
// close to one token per character).
func EstimateTokens(s string) int {
	tokens := 0
	ascii := 0
	for _, r := range s {
		if r < 128 {
			ascii++
		} else {
			tokens++
		}
	}
	return tokens + (ascii+3)/4
}

// MessageTokens approximates the cost of one message including format
// overhead.
func MessageTokens(m Message) int {
	return tokensPerMessage + EstimateTokens(m.Role) + EstimateTokens(m.Content)
}

// MessagesTokens approximates the cost of a full prompt.
func MessagesTokens(msgs []Message) int {
	total := requestOverhead
	for _, m := range msgs {
		total += MessageTokens(m)
	}
	return total
}

// TokenLimit returns the history budget for a model.
func TokenLimit(model string) int {
	if limit, ok := modelTokenLimits[model]; ok {
		return limit
	}
	return defaultTokenLimit
}

// ShouldSummarize reports whether the conversation has grown past the
// summarization threshold for its model.
func ShouldSummarize(tokenCount int, model string) bool {
	return tokenCount > int(float64(TokenLimit(model))*summaryThreshold)
}
