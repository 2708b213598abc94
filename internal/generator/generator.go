package generator

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/journalyst/assistant/provider"
)

// Apology is returned in place of analysis when the completion call
// fails or produces no text.
const Apology = "I apologize, but I encountered an error while analyzing your data. Please try again in a moment."

const analysisTemperature = 0.7

// Request carries one turn's inputs for the analysis model.
type Request struct {
	Query      string
	Context    string
	UserName   string
	Now        time.Time
	DatePeriod string

	// IsFollowup plus a non-empty TradeScope pins the model's analysis
	// to the anchor trade set.
	IsFollowup bool
	TradeScope []int64
}

// Generator turns an assembled context and a user query into coaching
// text, sync or streamed.
type Generator struct {
	provider provider.Provider
	model    string
	logger   *log.Logger
}

func New(p provider.Provider, model string, logger *log.Logger) *Generator {
	if logger == nil {
		logger = log.New(log.Writer(), "[LLM] ", log.LstdFlags)
	}
	return &Generator{provider: p, model: model, logger: logger}
}

// Generate produces the full response text. Any failure, including an
// empty completion, yields the fixed apology so the caller always has
// something to show the user.
func (g *Generator) Generate(ctx context.Context, req Request) string {
	start := time.Now()
	g.logger.Printf("starting response generation | model=%s | query=%q", g.model, preview(req.Query, 50))

	out, err := g.provider.Complete(ctx, provider.Completion{
		Model:       g.model,
		System:      g.systemPrompt(req),
		User:        g.userTurn(req),
		Temperature: analysisTemperature,
	})
	if err != nil {
		g.logger.Printf("response generation FAILED after %s: %v", time.Since(start).Round(time.Millisecond), err)
		return Apology
	}
	if strings.TrimSpace(out) == "" {
		g.logger.Printf("response generation returned empty output after %s", time.Since(start).Round(time.Millisecond))
		return Apology
	}

	g.logger.Printf("response generated | chars=%d | total=%s", len(out), time.Since(start).Round(time.Millisecond))
	return out
}

// Stream yields response text incrementally. A setup failure produces a
// single-chunk channel carrying the error; mid-stream failures surface
// as a terminal error chunk from the provider.
func (g *Generator) Stream(ctx context.Context, req Request) <-chan provider.Chunk {
	g.logger.Printf("starting streaming response | model=%s | query=%q", g.model, preview(req.Query, 50))

	chunks, err := g.provider.CompleteStream(ctx, provider.Completion{
		Model:       g.model,
		System:      g.systemPrompt(req),
		User:        g.userTurn(req),
		Temperature: analysisTemperature,
	})
	if err != nil {
		g.logger.Printf("stream setup FAILED: %v", err)
		out := make(chan provider.Chunk, 1)
		out <- provider.Chunk{Err: err}
		close(out)
		return out
	}
	return chunks
}

func (g *Generator) systemPrompt(req Request) string {
	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}
	return RenderSystemPrompt(req.UserName, now, req.DatePeriod, "")
}

// userTurn builds the user message: scope constraint first when this is
// a follow-up pinned to specific trades, then context, then the query.
func (g *Generator) userTurn(req Request) string {
	var sb strings.Builder
	if req.IsFollowup && len(req.TradeScope) > 0 {
		ids := make([]string, len(req.TradeScope))
		for i, id := range req.TradeScope {
			ids[i] = fmt.Sprintf("%d", id)
		}
		fmt.Fprintf(&sb, "SCOPE CONSTRAINT: This is a follow-up question about a fixed set of %d trades (IDs: %s). Restrict your analysis to exactly these trades. Do not bring in any other trades or widen the scope.\n\n",
			len(req.TradeScope), strings.Join(ids, ", "))
	}
	fmt.Fprintf(&sb, "Context:\n%s\n\nUser Query:\n%s", req.Context, req.Query)
	return sb.String()
}

func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
