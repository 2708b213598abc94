package contextbuild

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/journalyst/assistant/internal/retriever"
	"github.com/journalyst/assistant/internal/session"
	"github.com/journalyst/assistant/internal/vector"
)

// historyWindow is how many recent raw messages enter the context.
const historyWindow = 10

// crossSessionLimit and snippetTail bound the best-effort recall of
// prior conversations.
const (
	crossSessionLimit = 2
	snippetTail       = 4
)

// ConversationSearcher finds semantically related past conversations.
type ConversationSearcher interface {
	SearchConversations(ctx context.Context, userID int64, query string, limit int) ([]vector.ConversationSnippet, error)
}

// Input is everything one turn contributes to the model context.
type Input struct {
	UserID      int64
	Query       string
	Session     *session.Session
	Result      *retriever.Result
	IsFollowup  bool
	AnchorScope *session.AnchorScope
}

// Assembler builds the bounded text context fed to the response model.
// The section order is fixed: summary, recent history, cross-session
// snippets, data digest.
type Assembler struct {
	conversations ConversationSearcher
	logger        *log.Logger
}

// New builds an assembler. conversations may be nil, which disables the
// cross-session section.
func New(conversations ConversationSearcher, logger *log.Logger) *Assembler {
	if logger == nil {
		logger = log.New(log.Writer(), "[CONTEXT] ", log.LstdFlags)
	}
	return &Assembler{conversations: conversations, logger: logger}
}

func (a *Assembler) Build(ctx context.Context, in Input) string {
	var sb strings.Builder

	a.writeSummary(&sb, in.Session)
	a.writeHistory(&sb, in.Session)
	a.writeCrossSession(ctx, &sb, in)
	sb.WriteString(BuildCompactContext(in.Result, in.IsFollowup, in.AnchorScope))

	return sb.String()
}

func (a *Assembler) writeSummary(sb *strings.Builder, sess *session.Session) {
	if sess == nil || sess.ConversationSummary == "" {
		return
	}
	fmt.Fprintf(sb, "Conversation summary (covers %d earlier messages):\n%s\n\n",
		sess.MessagesSummarizedCount, sess.ConversationSummary)
}

func (a *Assembler) writeHistory(sb *strings.Builder, sess *session.Session) {
	if sess == nil || len(sess.Messages) == 0 {
		return
	}
	messages := sess.Messages
	if len(messages) > historyWindow {
		messages = messages[len(messages)-historyWindow:]
	}
	sb.WriteString("Conversation History:\n")
	for _, m := range messages {
		fmt.Fprintf(sb, "%s: %s\n", strings.ToUpper(m.Role), m.Content)
	}
	sb.WriteString("\n")
}

// writeCrossSession is best-effort: on search failure the section is
// omitted and the turn proceeds without it.
func (a *Assembler) writeCrossSession(ctx context.Context, sb *strings.Builder, in Input) {
	if a.conversations == nil {
		return
	}
	snippets, err := a.conversations.SearchConversations(ctx, in.UserID, in.Query, crossSessionLimit)
	if err != nil {
		a.logger.Printf("cross-session search failed, omitting: %v", err)
		return
	}
	if len(snippets) == 0 {
		return
	}

	sb.WriteString("Related past conversations:\n")
	for _, snippet := range snippets {
		messages := snippet.Messages
		if len(messages) > snippetTail {
			messages = messages[len(messages)-snippetTail:]
		}
		for _, m := range messages {
			fmt.Fprintf(sb, "%s: %s\n", strings.ToUpper(m.Role), m.Content)
		}
		sb.WriteString("---\n")
	}
	sb.WriteString("\n")
}

// BuildCompactContext renders the per-turn data digest: an anchor-scope
// restatement for follow-ups, a DATA SUMMARY header otherwise, then the
// serialized record sets.
func BuildCompactContext(result *retriever.Result, isFollowup bool, anchorScope *session.AnchorScope) string {
	var parts []string

	if isFollowup && anchorScope != nil {
		parts = append(parts, "FOLLOW-UP CONTEXT (analyzing previous query scope):")
		parts = append(parts, fmt.Sprintf("- Anchor trades: %d IDs %s", len(anchorScope.TradeIDs), formatIDList(anchorScope.TradeIDs)))
		parts = append(parts, fmt.Sprintf("- Anchor journals: %d IDs", len(anchorScope.JournalIDs)))
		if anchorScope.DateRange != nil {
			parts = append(parts, fmt.Sprintf("- Date range: %s to %s", anchorScope.DateRange.Start, anchorScope.DateRange.End))
		}
	} else {
		parts = append(parts, "DATA SUMMARY:")
	}

	if result != nil && len(result.Trades) > 0 {
		totalPnL := 0.0
		var symbols []string
		seen := map[string]bool{}
		for _, t := range result.Trades {
			totalPnL += t.PnL
			if !seen[t.Symbol] {
				seen[t.Symbol] = true
				symbols = append(symbols, t.Symbol)
			}
		}

		parts = append(parts, fmt.Sprintf("- Trades retrieved: %d", len(result.Trades)))
		parts = append(parts, fmt.Sprintf("- Total P&L: $%.2f", totalPnL))
		ellipsis := ""
		if len(symbols) > 10 {
			symbols = symbols[:10]
			ellipsis = "..."
		}
		parts = append(parts, fmt.Sprintf("- Symbols: %s%s", strings.Join(symbols, ", "), ellipsis))
		if details, err := json.Marshal(result.Trades); err == nil {
			parts = append(parts, "- Trade details: "+string(details))
		}
	}

	if result != nil && len(result.Journals) > 0 {
		parts = append(parts, fmt.Sprintf("- Journal entries retrieved: %d", len(result.Journals)))
		if details, err := json.Marshal(result.Journals); err == nil {
			parts = append(parts, "- Journal details: "+string(details))
		}
	}

	return strings.Join(parts, "\n")
}

func formatIDList(ids []int64) string {
	if len(ids) == 0 {
		return "[]"
	}
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = fmt.Sprintf("%d", id)
	}
	return "[" + strings.Join(strs, ", ") + "]"
}
