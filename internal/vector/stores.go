package vector

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

const (
	// JournalCollection holds one point per journal entry.
	JournalCollection = "journal_entries"
	// ConversationCollection holds one point per archived conversation.
	ConversationCollection = "assistant_conversations"
)

// JournalEntry is a journal point as returned by search or retrieval.
// Text is empty when the caller asked for the compact form.
type JournalEntry struct {
	ID        string   `json:"id"`
	Score     float64  `json:"score,omitempty"`
	Text      string   `json:"text,omitempty"`
	Tags      []string `json:"tags"`
	CreatedAt string   `json:"created_at"`
}

// Message is one archived conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ConversationSnippet is a past conversation matched by semantic search.
type ConversationSnippet struct {
	ID       string    `json:"id"`
	Messages []Message `json:"messages"`
}

// JournalStore manages the journal_entries collection.
type JournalStore struct {
	client   *Client
	embedder *Embedder
	logger   *log.Logger
}

func NewJournalStore(client *Client, embedder *Embedder, logger *log.Logger) *JournalStore {
	if logger == nil {
		logger = log.New(log.Writer(), "[VECTOR] ", log.LstdFlags)
	}
	return &JournalStore{client: client, embedder: embedder, logger: logger}
}

// EnsureCollection creates the journal collection if missing.
func (s *JournalStore) EnsureCollection(ctx context.Context, dimension int) error {
	return s.client.EnsureCollection(ctx, JournalCollection, dimension)
}

// UpsertJournal embeds and stores one journal entry for a user.
func (s *JournalStore) UpsertJournal(ctx context.Context, userID int64, text string, tags []string, createdAt string) (string, error) {
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	point := Point{
		ID:     id,
		Vector: vec,
		Payload: map[string]interface{}{
			"user_id":    userID,
			"text":       text,
			"tags":       tags,
			"created_at": createdAt,
		},
	}
	if err := s.client.Upsert(ctx, JournalCollection, []Point{point}); err != nil {
		return "", fmt.Errorf("upsert journal for user %d: %w", userID, err)
	}
	return id, nil
}

// SearchJournals runs a semantic search over one user's journal entries.
func (s *JournalStore) SearchJournals(ctx context.Context, userID int64, query string, limit int) ([]JournalEntry, error) {
	start := time.Now()
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	points, err := s.client.Query(ctx, JournalCollection, vec, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("journal search for user %d: %w", userID, err)
	}

	entries := make([]JournalEntry, 0, len(points))
	for _, p := range points {
		entries = append(entries, JournalEntry{
			ID:        p.ID,
			Score:     p.Score,
			Text:      payloadString(p.Payload, "text"),
			Tags:      payloadStrings(p.Payload, "tags"),
			CreatedAt: payloadString(p.Payload, "created_at"),
		})
	}
	s.logger.Printf("journal search found %d entries in %dms | user_id=%d", len(entries), time.Since(start).Milliseconds(), userID)
	return entries, nil
}

// GetJournalsByIDs fetches specific journal entries, dropping any point
// that does not belong to the user. Retrieval by id has no server-side
// filter, so ownership is enforced here.
func (s *JournalStore) GetJournalsByIDs(ctx context.Context, userID int64, ids []string, includeText bool) ([]JournalEntry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	points, err := s.client.Retrieve(ctx, JournalCollection, ids)
	if err != nil {
		return nil, fmt.Errorf("journal retrieve for user %d: %w", userID, err)
	}

	entries := make([]JournalEntry, 0, len(points))
	for _, p := range points {
		if payloadInt64(p.Payload, "user_id") != userID {
			continue
		}
		entry := JournalEntry{
			ID:        p.ID,
			Tags:      payloadStrings(p.Payload, "tags"),
			CreatedAt: payloadString(p.Payload, "created_at"),
		}
		if includeText {
			entry.Text = payloadString(p.Payload, "text")
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// ConversationStore manages the assistant_conversations collection.
type ConversationStore struct {
	client   *Client
	embedder *Embedder
	logger   *log.Logger
}

func NewConversationStore(client *Client, embedder *Embedder, logger *log.Logger) *ConversationStore {
	if logger == nil {
		logger = log.New(log.Writer(), "[VECTOR] ", log.LstdFlags)
	}
	return &ConversationStore{client: client, embedder: embedder, logger: logger}
}

func (s *ConversationStore) EnsureCollection(ctx context.Context, dimension int) error {
	return s.client.EnsureCollection(ctx, ConversationCollection, dimension)
}

// UpsertConversation embeds the flattened transcript and stores it under
// the conversation id, replacing any earlier archive of the same id.
func (s *ConversationStore) UpsertConversation(ctx context.Context, userID int64, conversationID string, messages []Message) error {
	if len(messages) == 0 {
		return nil
	}
	var transcript string
	for i, m := range messages {
		if i > 0 {
			transcript += "\n"
		}
		transcript += m.Role + ": " + m.Content
	}
	vec, err := s.embedder.Embed(ctx, transcript)
	if err != nil {
		return err
	}

	point := Point{
		ID:     conversationID,
		Vector: vec,
		Payload: map[string]interface{}{
			"user_id":  userID,
			"messages": messages,
		},
	}
	if err := s.client.Upsert(ctx, ConversationCollection, []Point{point}); err != nil {
		return fmt.Errorf("upsert conversation %s for user %d: %w", conversationID, userID, err)
	}
	return nil
}

// SearchConversations finds past conversations relevant to the query.
func (s *ConversationStore) SearchConversations(ctx context.Context, userID int64, query string, limit int) ([]ConversationSnippet, error) {
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	points, err := s.client.Query(ctx, ConversationCollection, vec, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("conversation search for user %d: %w", userID, err)
	}

	snippets := make([]ConversationSnippet, 0, len(points))
	for _, p := range points {
		snippets = append(snippets, ConversationSnippet{
			ID:       p.ID,
			Messages: payloadMessages(p.Payload, "messages"),
		})
	}
	return snippets, nil
}

func payloadString(payload map[string]interface{}, key string) string {
	if s, ok := payload[key].(string); ok {
		return s
	}
	return ""
}

func payloadStrings(payload map[string]interface{}, key string) []string {
	raw, ok := payload[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func payloadInt64(payload map[string]interface{}, key string) int64 {
	switch v := payload[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return -1
}

func payloadMessages(payload map[string]interface{}, key string) []Message {
	raw, ok := payload[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]Message, 0, len(raw))
	for _, v := range raw {
		m, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		out = append(out, Message{
			Role:    payloadString(m, "role"),
			Content: payloadString(m, "content"),
		})
	}
	return out
}
