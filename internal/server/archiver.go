package server

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/gorhill/cronexpr"

	"github.com/journalyst/assistant/internal/kv"
	"github.com/journalyst/assistant/internal/session"
	"github.com/journalyst/assistant/internal/vector"
)

const (
	archiverLockKey = "archiver:lock"
	archiverLockTTL = 2 * time.Minute
	archivedMarkTTL = session.SessionTTL
)

// ConversationUpserter embeds a finished conversation for cross-session
// recall.
type ConversationUpserter interface {
	UpsertConversation(ctx context.Context, userID int64, conversationID string, messages []vector.Message) error
}

// Archiver periodically embeds idle sessions into the conversation
// collection before their TTL expires, so later sessions can recall
// them semantically.
type Archiver struct {
	KV            kv.KV
	Sessions      *session.Store
	Conversations ConversationUpserter
	Schedule      string
	IdleAfter     time.Duration
	Logger        *log.Logger
	Stop          chan struct{}

	now func() time.Time
}

func NewArchiver(store kv.KV, sessions *session.Store, conversations ConversationUpserter, schedule string, idleAfter time.Duration, logger *log.Logger) *Archiver {
	if logger == nil {
		logger = log.New(log.Writer(), "[ARCHIVER] ", log.LstdFlags)
	}
	if idleAfter <= 0 {
		idleAfter = 30 * time.Minute
	}
	return &Archiver{
		KV:            store,
		Sessions:      sessions,
		Conversations: conversations,
		Schedule:      schedule,
		IdleAfter:     idleAfter,
		Logger:        logger,
		Stop:          make(chan struct{}),
		now:           time.Now,
	}
}

// Start runs the schedule loop until Stop is closed. An unparseable
// schedule falls back to a 10 minute cadence.
func (a *Archiver) Start() {
	expr, err := cronexpr.Parse(a.Schedule)
	if err != nil {
		a.Logger.Printf("invalid schedule %q, using 10m fallback: %v", a.Schedule, err)
	}
	go func() {
		for {
			var wait time.Duration
			if expr != nil {
				wait = time.Until(expr.Next(a.now()))
			} else {
				wait = 10 * time.Minute
			}
			timer := time.NewTimer(wait)
			select {
			case <-a.Stop:
				timer.Stop()
				return
			case <-timer.C:
				a.tick(context.Background())
			}
		}
	}()
}

// tick scans live sessions and archives the idle ones. A redis lock
// keeps concurrent replicas from archiving the same batch.
func (a *Archiver) tick(ctx context.Context) {
	ok, err := a.KV.SetNX(ctx, archiverLockKey, "1", archiverLockTTL)
	if err != nil {
		a.Logger.Printf("lock acquisition failed: %v", err)
		archiverRuns.WithLabelValues("error").Inc()
		return
	}
	if !ok {
		archiverRuns.WithLabelValues("skipped").Inc()
		return
	}
	defer func() { _ = a.KV.Delete(ctx, archiverLockKey) }()

	keys, err := a.KV.Scan(ctx, "session:*")
	if err != nil {
		a.Logger.Printf("session scan failed: %v", err)
		archiverRuns.WithLabelValues("error").Inc()
		return
	}

	archived := 0
	for _, key := range keys {
		sessionID := strings.TrimPrefix(key, "session:")
		if n, err := a.archiveIfIdle(ctx, sessionID); err != nil {
			a.Logger.Printf("archive %s failed: %v", sessionID, err)
		} else {
			archived += n
		}
	}
	if archived > 0 {
		a.Logger.Printf("archived %d idle sessions", archived)
	}
	archiverRuns.WithLabelValues("ok").Inc()
}

func (a *Archiver) archiveIfIdle(ctx context.Context, sessionID string) (int, error) {
	sess, err := a.Sessions.Get(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if sess == nil || len(sess.Messages) == 0 {
		return 0, nil
	}
	last := sess.Messages[len(sess.Messages)-1].Timestamp
	if a.now().Sub(last) < a.IdleAfter {
		return 0, nil
	}

	// One archive per session per TTL window.
	fresh, err := a.KV.SetNX(ctx, "archived:"+sessionID, "1", archivedMarkTTL)
	if err != nil {
		return 0, err
	}
	if !fresh {
		return 0, nil
	}

	messages := make([]vector.Message, 0, len(sess.Messages))
	for _, m := range sess.Messages {
		messages = append(messages, vector.Message{Role: m.Role, Content: m.Content})
	}
	if err := a.Conversations.UpsertConversation(ctx, sess.UserID, sessionID, messages); err != nil {
		// Drop the marker so the next tick retries.
		_ = a.KV.Delete(ctx, "archived:"+sessionID)
		return 0, err
	}
	archivedSessions.Inc()
	return 1, nil
}
