package session

import (
	"log"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter counts subword tokens with the cl100k_base encoding.
// If the encoding cannot be loaded it falls back to a bytes/4 estimate,
// which overshoots slightly on prose but keeps budgets enforceable.
type TokenCounter struct {
	enc *tiktoken.Tiktoken
}

func NewTokenCounter() *TokenCounter {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		log.Printf("[SESSION] cl100k_base unavailable, using heuristic token counts: %v", err)
		return &TokenCounter{}
	}
	return &TokenCounter{enc: enc}
}

func (c *TokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	if c.enc == nil {
		return (len(text) + 3) / 4
	}
	return len(c.enc.Encode(text, nil, nil))
}
