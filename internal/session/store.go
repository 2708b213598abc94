package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/journalyst/assistant/internal/kv"
)

// ErrNotFound marks reads or writes against a missing or expired session.
var ErrNotFound = errors.New("session not found")

// Store manages per-conversation state in the KV store. Each session is
// one serialized blob; reads and writes are whole-blob, last write wins.
type Store struct {
	kv               kv.KV
	counter          *TokenCounter
	summarizer       Summarizer
	maxContextTokens int
	logger           *log.Logger
	now              func() time.Time
}

// NewStore builds a session store. summarizer may be nil, in which case
// compaction always takes the truncation path.
func NewStore(store kv.KV, summarizer Summarizer, maxContextTokens int, logger *log.Logger) *Store {
	if maxContextTokens <= 0 {
		maxContextTokens = 128000
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[SESSION] ", log.LstdFlags)
	}
	return &Store{
		kv:               store,
		counter:          NewTokenCounter(),
		summarizer:       summarizer,
		maxContextTokens: maxContextTokens,
		logger:           logger,
		now:              time.Now,
	}
}

func sessionKey(sessionID string) string {
	return "session:" + sessionID
}

func keyPreview(sessionID string) string {
	if len(sessionID) > 8 {
		return sessionID[:8] + "..."
	}
	return sessionID
}

// Create initializes empty session state with a fresh TTL.
func (s *Store) Create(ctx context.Context, sessionID string, userID int64) error {
	s.logger.Printf("creating new session | session_id=%s | user_id=%d", keyPreview(sessionID), userID)
	sess := &Session{
		SchemaVersion: CurrentSchemaVersion,
		UserID:        userID,
		CreatedAt:     s.now(),
		Messages:      []Message{},
		QueryContexts: []QueryContext{},
	}
	return s.save(ctx, sessionID, sess)
}

// Get returns the session, or (nil, nil) on miss or expiry.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	raw, ok, err := s.kv.Get(ctx, sessionKey(sessionID))
	if err != nil {
		return nil, fmt.Errorf("session read: %w", err)
	}
	if !ok {
		s.logger.Printf("cache MISS | session_id=%s", keyPreview(sessionID))
		return nil, nil
	}

	var sess Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, fmt.Errorf("session blob corrupt: %w", err)
	}
	s.logger.Printf("cache HIT | session_id=%s | messages=%d | tokens=%d",
		keyPreview(sessionID), len(sess.Messages), sess.TotalTokenCount)
	return &sess, nil
}

// AddMessage appends a turn, recomputes token totals, compacts history
// when the message count exceeds the threshold, and refreshes the TTL.
func (s *Store) AddMessage(ctx context.Context, sessionID, role, content string) error {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		s.logger.Printf("cannot add message, session not found | session_id=%s", keyPreview(sessionID))
		return ErrNotFound
	}

	tokens := s.counter.Count(content)
	sess.Messages = append(sess.Messages, Message{
		Role:       role,
		Content:    content,
		Timestamp:  s.now(),
		TokenCount: tokens,
	})
	sess.TotalTokenCount = totalTokens(sess.Messages)

	if len(sess.Messages) > SummarizeThreshold {
		s.compact(ctx, sessionID, sess)
	}
	s.hardTrim(sess)

	if err := s.save(ctx, sessionID, sess); err != nil {
		return err
	}
	s.logger.Printf("message saved | session_id=%s | role=%s | tokens=%d | total_messages=%d | total_tokens=%d",
		keyPreview(sessionID), role, tokens, len(sess.Messages), sess.TotalTokenCount)
	return nil
}

// compact folds messages older than the retained window into the rolling
// summary. On summarizer failure the older messages are dropped anyway:
// losing detail is acceptable, an unbounded session is not.
func (s *Store) compact(ctx context.Context, sessionID string, sess *Session) {
	split := len(sess.Messages) - RetainRecent
	older := sess.Messages[:split]
	recent := sess.Messages[split:]

	summary, err := s.summarize(ctx, sess.ConversationSummary, older)
	if err != nil {
		s.logger.Printf("summarization failed, truncating %d messages without summary | session_id=%s | err=%v",
			len(older), keyPreview(sessionID), err)
	} else {
		now := s.now()
		sess.ConversationSummary = summary
		sess.SummaryGeneratedAt = &now
		sess.MessagesSummarizedCount += len(older)
		s.logger.Printf("summarized %d messages | session_id=%s | summarized_total=%d",
			len(older), keyPreview(sessionID), sess.MessagesSummarizedCount)
	}

	sess.Messages = recent
	sess.TotalTokenCount = totalTokens(sess.Messages)
}

func (s *Store) summarize(ctx context.Context, prior string, older []Message) (string, error) {
	if s.summarizer == nil {
		return "", errors.New("no summarizer configured")
	}
	return s.summarizer.Summarize(ctx, prior, older)
}

// hardTrim drops oldest messages until the token total fits the context
// budget. The summary is never dropped.
func (s *Store) hardTrim(sess *Session) {
	dropped := 0
	for sess.TotalTokenCount > s.maxContextTokens && len(sess.Messages) > 1 {
		sess.TotalTokenCount -= sess.Messages[0].TokenCount
		sess.Messages = sess.Messages[1:]
		dropped++
	}
	if dropped > 0 {
		s.logger.Printf("context overflow, dropped %d oldest messages | new_tokens=%d", dropped, sess.TotalTokenCount)
	}
}

// AddQueryContext appends the identifier record for one user turn. Only
// ids are stored; identifier lists beyond the caps are truncated with
// the original counts preserved.
func (s *Store) AddQueryContext(ctx context.Context, sessionID, userMessage string, tradeIDs []int64, journalIDs []string, isFollowup bool, followupRef *AnchorScope, dateRange *DateRange) error {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		s.logger.Printf("cannot add query context, session not found | session_id=%s", keyPreview(sessionID))
		return ErrNotFound
	}

	qc := QueryContext{
		QueryIndex:           len(sess.QueryContexts),
		UserMessage:          userMessage,
		IsFollowup:           isFollowup,
		FollowupRef:          followupRef,
		TradeIDs:             tradeIDs,
		JournalIDs:           journalIDs,
		OriginalTradeCount:   len(tradeIDs),
		OriginalJournalCount: len(journalIDs),
		DateRange:            dateRange,
		Timestamp:            s.now(),
	}
	if len(qc.TradeIDs) > MaxTradeIDs {
		qc.TradeIDs = qc.TradeIDs[:MaxTradeIDs]
		qc.Truncated = true
	}
	if len(qc.JournalIDs) > MaxJournalIDs {
		qc.JournalIDs = qc.JournalIDs[:MaxJournalIDs]
		qc.Truncated = true
	}
	qc.TradeCount = len(qc.TradeIDs)
	qc.JournalCount = len(qc.JournalIDs)

	sess.QueryContexts = append(sess.QueryContexts, qc)
	if err := s.save(ctx, sessionID, sess); err != nil {
		return err
	}
	s.logger.Printf("query context stored | session_id=%s | query_index=%d | is_followup=%v | trades=%d | journals=%d | truncated=%v",
		keyPreview(sessionID), qc.QueryIndex, isFollowup, qc.TradeCount, qc.JournalCount, qc.Truncated)
	return nil
}

// GetScope returns the anchor scope for a prior turn, or nil when the
// session or index does not exist. Legacy v1 contexts that stored full
// records are upgraded on read; the stored blob is left untouched.
func (s *Store) GetScope(ctx context.Context, sessionID string, queryIndex int) (*AnchorScope, error) {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, nil
	}

	for i := range sess.QueryContexts {
		qc := &sess.QueryContexts[i]
		if qc.QueryIndex != queryIndex {
			continue
		}

		scope := &AnchorScope{
			TradeIDs:     qc.TradeIDs,
			JournalIDs:   qc.JournalIDs,
			Truncated:    qc.Truncated,
			DateRange:    qc.DateRange,
			TradeCount:   qc.TradeCount,
			JournalCount: qc.JournalCount,
		}
		if len(scope.TradeIDs) == 0 && len(qc.LegacyTradeEntries) > 0 {
			s.logger.Printf("upgrading legacy query context on read | session_id=%s | query_index=%d",
				keyPreview(sessionID), queryIndex)
			for _, e := range qc.LegacyTradeEntries {
				scope.TradeIDs = append(scope.TradeIDs, e.TradeID)
			}
			scope.TradeCount = len(scope.TradeIDs)
		}
		if len(scope.JournalIDs) == 0 && len(qc.LegacyJournalEntries) > 0 {
			for _, e := range qc.LegacyJournalEntries {
				scope.JournalIDs = append(scope.JournalIDs, e.ID)
			}
			scope.JournalCount = len(scope.JournalIDs)
		}
		return scope, nil
	}
	return nil, nil
}

func (s *Store) save(ctx context.Context, sessionID string, sess *Session) error {
	blob, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("serialize session: %w", err)
	}
	if err := s.kv.Set(ctx, sessionKey(sessionID), string(blob), SessionTTL); err != nil {
		return fmt.Errorf("session write: %w", err)
	}
	return nil
}

func totalTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += m.TokenCount
	}
	return total
}
