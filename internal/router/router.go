package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/journalyst/assistant/provider"
)

// Query types the router can assign.
const (
	TypeTradeOnly   = "trade_only"
	TypeJournalOnly = "journal_only"
	TypeMixed       = "mixed"
	TypeGeneralChat = "general_chat"
)

// Classification is the router's verdict. Degraded is set when the
// classifier call failed and the safe default was substituted; callers
// decide whether to surface that.
type Classification struct {
	InDomain  bool   `json:"is_in_domain"`
	QueryType string `json:"query_type"`
	Degraded  bool   `json:"-"`
	Reason    string `json:"-"`
}

// NeedsTrades reports whether the query type implies trade retrieval.
func (c Classification) NeedsTrades() bool {
	return c.QueryType == TypeTradeOnly || c.QueryType == TypeMixed
}

// NeedsJournals reports whether the query type implies journal search.
func (c Classification) NeedsJournals() bool {
	return c.QueryType == TypeJournalOnly || c.QueryType == TypeMixed
}

const systemPrompt = `You are the Query Analyzer for Journalyst, an AI trading assistant.
Your task is to analyze user input and determine which data sources are required to answer it.

Available Data Sources:
1. SQL Database: Structured trade data (executions, P&L, symbols, strategies, timestamps, accounts).
2. Vector Database: Unstructured journal entries (daily notes, emotional reflections, tags, text logs).

Output Schema (JSON):
{
    "is_in_domain": boolean, // True if related to trading, finance, psychology, or the user's data. False if completely unrelated.
    "query_type": string, // One of: "trade_only", "journal_only", "mixed", "general_chat"
}

Classification Rules:
- "trade_only": Questions about performance metrics, specific trade details, P&L, win rates, or account balances.
  Examples: "What's my win rate this month?", "Show me my AAPL trades", "Best performing strategy?".

- "journal_only": Questions about thoughts, feelings, specific notes, or text searches within journals.
  Examples: "What did I say about patience?", "Show entries tagged 'FOMO'", "Why was I frustrated last week?".

- "mixed": Questions connecting performance/data with qualitative factors/notes.
  Examples: "P&L on days I felt anxious", "Show trades where I noted 'revenge trading'", "Do I trade better when I journal?".

- "general_chat": Greetings, definitions, or questions not requiring user data.
  Examples: "Hello", "What is a stop loss?", "Help me calculate position size" (if generic).

Constraints:
- Always return valid JSON.
- If the user asks to perform an action (update, delete), classify as "general_chat" (the system will handle the refusal).`

// Router classifies queries with a single zero-temperature model call.
type Router struct {
	provider provider.Provider
	model    string
	logger   *log.Logger
}

func New(p provider.Provider, model string, logger *log.Logger) *Router {
	if logger == nil {
		logger = log.New(log.Writer(), "[ROUTER] ", log.LstdFlags)
	}
	return &Router{provider: p, model: model, logger: logger}
}

// Classify routes the query to the data sources needed to answer it.
// Any failure degrades to in-domain general_chat rather than erroring:
// a routing outage should cost retrieval quality, not the whole turn.
func (r *Router) Classify(ctx context.Context, query string) Classification {
	start := time.Now()

	content, err := r.provider.Complete(ctx, provider.Completion{
		Model:       r.model,
		System:      systemPrompt,
		User:        query,
		Temperature: 0,
		JSONOnly:    true,
	})
	if err != nil {
		return r.degrade(start, fmt.Sprintf("routing failed: %v", err))
	}
	if strings.TrimSpace(content) == "" {
		return r.degrade(start, "routing failed: empty response from router model")
	}

	var c Classification
	if err := json.Unmarshal([]byte(content), &c); err != nil {
		return r.degrade(start, fmt.Sprintf("routing failed: malformed output: %v", err))
	}
	switch c.QueryType {
	case TypeTradeOnly, TypeJournalOnly, TypeMixed, TypeGeneralChat:
	default:
		return r.degrade(start, fmt.Sprintf("routing failed: unknown query_type %q", c.QueryType))
	}

	r.logger.Printf("classification complete | type=%s | in_domain=%v | total=%dms",
		c.QueryType, c.InDomain, time.Since(start).Milliseconds())
	return c
}

func (r *Router) degrade(start time.Time, reason string) Classification {
	r.logger.Printf("classification FAILED after %dms: %s", time.Since(start).Milliseconds(), reason)
	return Classification{
		InDomain:  true,
		QueryType: TypeGeneralChat,
		Degraded:  true,
		Reason:    reason,
	}
}
