package session

import "time"

// Storage limits and summarization thresholds for session blobs.
const (
	// CurrentSchemaVersion marks blobs using id-only query contexts.
	// Version 1 (or absent) stored full trade/journal records inline.
	CurrentSchemaVersion = 2

	// TTL applied on every write; an idle session expires silently.
	SessionTTL = 24 * time.Hour

	// Summarization fires once the message count exceeds this.
	SummarizeThreshold = 15
	// RetainRecent raw messages survive each summarization pass.
	RetainRecent = 8

	// Per-turn identifier caps. Overflow is truncated, never an error.
	MaxTradeIDs   = 500
	MaxJournalIDs = 200
)

// Message is one conversation turn.
type Message struct {
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	TokenCount int       `json:"token_count"`
}

// DateRange carries ISO date strings through the session blob unchanged.
type DateRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// AnchorScope is the read-only projection of a QueryContext used to
// constrain a follow-up's retrieval and analysis.
type AnchorScope struct {
	TradeIDs     []int64    `json:"trade_ids"`
	TradeCount   int        `json:"trade_count"`
	JournalIDs   []string   `json:"journal_ids"`
	JournalCount int        `json:"journal_count"`
	Truncated    bool       `json:"truncated"`
	DateRange    *DateRange `json:"date_range,omitempty"`
}

// Empty reports whether the scope anchors to no records at all.
func (a *AnchorScope) Empty() bool {
	return a == nil || (len(a.TradeIDs) == 0 && len(a.JournalIDs) == 0)
}

// legacyTradeEntry decodes just enough of a v1 full-record context to
// recover the trade id.
type legacyTradeEntry struct {
	TradeID int64 `json:"trade_id"`
}

type legacyJournalEntry struct {
	ID string `json:"id"`
}

// QueryContext records what one user turn retrieved, by identifier only.
// Immutable once written.
type QueryContext struct {
	QueryIndex           int          `json:"query_index"`
	UserMessage          string       `json:"user_message"`
	IsFollowup           bool         `json:"is_followup"`
	FollowupRef          *AnchorScope `json:"followup_ref,omitempty"`
	TradeIDs             []int64      `json:"trade_ids"`
	TradeCount           int          `json:"trade_count"`
	JournalIDs           []string     `json:"journal_ids"`
	JournalCount         int          `json:"journal_count"`
	Truncated            bool         `json:"truncated"`
	OriginalTradeCount   int          `json:"original_trade_count"`
	OriginalJournalCount int          `json:"original_journal_count"`
	DateRange            *DateRange   `json:"date_range,omitempty"`
	Timestamp            time.Time    `json:"timestamp"`

	// v1 blobs stored full records under these keys. Decoded for the
	// upgrade path in GetScope, never written back.
	LegacyTradeEntries   []legacyTradeEntry   `json:"trade_entries,omitempty"`
	LegacyJournalEntries []legacyJournalEntry `json:"journal_entries,omitempty"`
}

// Session is the whole per-conversation blob stored in the KV store.
type Session struct {
	SchemaVersion           int            `json:"schema_version"`
	UserID                  int64          `json:"user_id"`
	CreatedAt               time.Time      `json:"created_at"`
	Messages                []Message      `json:"messages"`
	ConversationSummary     string         `json:"conversation_summary,omitempty"`
	SummaryGeneratedAt      *time.Time     `json:"summary_generated_at,omitempty"`
	MessagesSummarizedCount int            `json:"messages_summarized_count"`
	TotalTokenCount         int            `json:"total_token_count"`
	QueryContexts           []QueryContext `json:"query_contexts"`
}

// LastUserMessage returns the most recent user turn, if any.
func (s *Session) LastUserMessage() (string, bool) {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == "user" {
			return s.Messages[i].Content, true
		}
	}
	return "", false
}
