package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/journalyst/assistant/internal/contextbuild"
	"github.com/journalyst/assistant/internal/followup"
	"github.com/journalyst/assistant/internal/generator"
	"github.com/journalyst/assistant/internal/helpers"
	"github.com/journalyst/assistant/internal/retriever"
	"github.com/journalyst/assistant/internal/session"
	"github.com/journalyst/assistant/internal/store"
	"github.com/journalyst/assistant/internal/vector"
	"github.com/journalyst/assistant/provider"
)

// OutOfDomainResponse is the fixed rejection for queries the router
// marks as outside the trading domain.
const OutOfDomainResponse = "I'm specifically designed to help with trading analysis and performance insights. Your question is outside my area of expertise. Please ask me about your trades, strategies, performance metrics, or trading psychology."

// followupConfidenceThreshold gates anchor-scope use. The classifier
// reports its own confidence; acting on a weak signal would silently
// narrow retrieval to a stale record set.
const followupConfidenceThreshold = 0.6

type ChatRequest struct {
	UserID    int64  `json:"user_id"`
	Query     string `json:"query"`
	UserName  string `json:"user_name"`
	Stream    bool   `json:"stream"`
	SessionID string `json:"session_id"`
}

type ChatResponse struct {
	Response string                 `json:"response"`
	Data     ChatData               `json:"data"`
	Metadata map[string]interface{} `json:"metadata"`
}

// ChatData is the retrieved record set echoed back to the client.
type ChatData struct {
	TradeData   []store.Trade         `json:"trade_data"`
	JournalData []vector.JournalEntry `json:"journal_data"`
}

// DataRetriever is the retrieval surface the handler needs.
type DataRetriever interface {
	Retrieve(ctx context.Context, userID int64, query string, anchorScope *session.AnchorScope) (*retriever.Result, error)
}

// ResponseGenerator is the completion surface the handler needs.
type ResponseGenerator interface {
	Generate(ctx context.Context, req generator.Request) string
	Stream(ctx context.Context, req generator.Request) <-chan provider.Chunk
}

type ChatHandler struct {
	Sessions  *session.Store
	Retriever DataRetriever
	Assembler *contextbuild.Assembler
	Generator ResponseGenerator
	Logger    *log.Logger

	// Now is injectable for tests; nil means the wall clock.
	Now func() time.Time
}

func (h *ChatHandler) Register(e *echo.Echo) {
	e.POST("/chat", h.handleChat)
}

func (h *ChatHandler) logger() *log.Logger {
	if h.Logger == nil {
		h.Logger = log.New(log.Writer(), "[API] ", log.LstdFlags)
	}
	return h.Logger
}

func (h *ChatHandler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func mode(stream bool) string {
	if stream {
		return "stream"
	}
	return "sync"
}

func (h *ChatHandler) handleChat(c echo.Context) error {
	start := time.Now()
	requestID := uuid.NewString()[:8]

	var req ChatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Query) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query required")
	}
	if req.UserID <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "user_id required")
	}
	if req.UserName == "" {
		req.UserName = "Trader"
	}
	ctx := c.Request().Context()

	h.logger().Printf("REQUEST START | id=%s | user=%d | stream=%v | session=%s",
		requestID, req.UserID, req.Stream, sessionPreview(req.SessionID))

	if req.SessionID != "" {
		sess, err := h.Sessions.Get(ctx, req.SessionID)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		if sess == nil {
			h.logger().Printf("session %s not found, creating", sessionPreview(req.SessionID))
			if err := h.Sessions.Create(ctx, req.SessionID, req.UserID); err != nil {
				return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
			}
		}
	} else {
		req.SessionID = uuid.NewString()
		if err := h.Sessions.Create(ctx, req.SessionID, req.UserID); err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		h.logger().Printf("generated session %s", sessionPreview(req.SessionID))
	}

	// Follow-up detection runs against the conversation as it stood
	// before this turn, so the current query must not be recorded yet.
	isFollowup := false
	var anchorScope *session.AnchorScope
	sess, err := h.Sessions.Get(ctx, req.SessionID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if sess != nil {
		if prev, ok := sess.LastUserMessage(); ok {
			det := followup.Classify(req.Query, prev)
			h.logger().Printf("follow-up detection | id=%s | is_followup=%v | confidence=%.2f | %s",
				requestID, det.IsFollowup, det.Confidence, det.Reason)
			if det.IsFollowup && det.Confidence >= followupConfidenceThreshold {
				isFollowup = true
				if n := len(sess.QueryContexts); n > 0 {
					anchorScope, err = h.Sessions.GetScope(ctx, req.SessionID, n-1)
					if err != nil {
						return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
					}
					if anchorScope == nil {
						h.logger().Printf("no anchor scope for query_index=%d", n-1)
					}
				}
			}
		}
	}

	if err := h.Sessions.AddMessage(ctx, req.SessionID, "user", req.Query); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	retrievalStart := time.Now()
	result, err := h.Retriever.Retrieve(ctx, req.UserID, req.Query, anchorScope)
	if err != nil {
		chatRequests.WithLabelValues(mode(req.Stream), "unknown", "error").Inc()
		h.logger().Printf("REQUEST FAILED | id=%s | retrieval error: %v", requestID, err)
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	retrievalMS := time.Since(retrievalStart).Milliseconds()
	stageDuration.WithLabelValues("retrieval").Observe(time.Since(retrievalStart).Seconds())
	h.logger().Printf("data retrieved | id=%s | trades=%d | journals=%d | duration=%dms",
		requestID, len(result.Trades), len(result.Journals), retrievalMS)

	var dateRange *session.DateRange
	if result.DateRange != nil {
		dateRange = &session.DateRange{
			Start: result.DateRange.Start.Format("2006-01-02"),
			End:   result.DateRange.End.Format("2006-01-02"),
		}
	}
	if err := h.Sessions.AddQueryContext(ctx, req.SessionID, req.Query,
		result.TradeIDs(), result.JournalIDs(), isFollowup, anchorScope, dateRange); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	if !result.Classification.InDomain {
		h.logger().Printf("OUT-OF-DOMAIN query rejected | id=%s", requestID)
		chatRequests.WithLabelValues(mode(req.Stream), "out_of_domain", "rejected").Inc()
		if req.Stream {
			return h.streamOutOfDomain(c, requestID, start)
		}
		return c.JSON(http.StatusOK, ChatResponse{
			Response: OutOfDomainResponse,
			Data:     ChatData{TradeData: []store.Trade{}, JournalData: []vector.JournalEntry{}},
			Metadata: map[string]interface{}{
				"request_id":  requestID,
				"duration_ms": time.Since(start).Milliseconds(),
				"query_type":  "out_of_domain",
				"status":      "rejected",
			},
		})
	}

	sess, err = h.Sessions.Get(ctx, req.SessionID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	contextText := h.Assembler.Build(ctx, contextbuild.Input{
		UserID:      req.UserID,
		Query:       req.Query,
		Session:     sess,
		Result:      result,
		IsFollowup:  isFollowup,
		AnchorScope: anchorScope,
	})

	genReq := generator.Request{
		Query:      req.Query,
		Context:    contextText,
		UserName:   req.UserName,
		Now:        h.now(),
		IsFollowup: isFollowup,
	}
	if result.DateRange != nil {
		genReq.DatePeriod = result.DateRange.Description
	}
	if isFollowup && anchorScope != nil {
		genReq.TradeScope = anchorScope.TradeIDs
	}

	if req.Stream {
		return h.streamResponse(c, req, requestID, start, result, genReq)
	}

	llmStart := time.Now()
	text := h.Generator.Generate(ctx, genReq)
	llmMS := time.Since(llmStart).Milliseconds()
	stageDuration.WithLabelValues("llm").Observe(time.Since(llmStart).Seconds())

	if text != generator.Apology {
		text = helpers.RedactOutput(text, h.logger())
	}
	if err := h.Sessions.AddMessage(ctx, req.SessionID, "assistant", text); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	totalMS := time.Since(start).Milliseconds()
	queryType := result.Classification.QueryType
	chatRequests.WithLabelValues("sync", queryType, "ok").Inc()
	chatDuration.WithLabelValues("sync").Observe(time.Since(start).Seconds())
	h.logger().Printf("REQUEST COMPLETE | id=%s | retrieval=%dms | llm=%dms | total=%dms",
		requestID, retrievalMS, llmMS, totalMS)

	return c.JSON(http.StatusOK, ChatResponse{
		Response: text,
		Data:     ChatData{TradeData: orEmptyTrades(result.Trades), JournalData: orEmptyJournals(result.Journals)},
		Metadata: map[string]interface{}{
			"request_id":   requestID,
			"session_id":   req.SessionID,
			"duration_ms":  totalMS,
			"retrieval_ms": retrievalMS,
			"llm_ms":       llmMS,
			"query_type":   queryType,
		},
	})
}

// streamResponse forwards completion chunks over SSE as they arrive
// from the provider's bounded channel. Client disconnect cancels the
// request context, which terminates the provider stream.
func (h *ChatHandler) streamResponse(c echo.Context, req ChatRequest, requestID string, start time.Time, result *retriever.Result, genReq generator.Request) error {
	send, err := sseWriter(c)
	if err != nil {
		return err
	}
	queryType := result.Classification.QueryType

	if err := send("start", map[string]interface{}{
		"request_id": requestID,
		"query_type": queryType,
	}); err != nil {
		return nil
	}
	if err := send("data", ChatData{
		TradeData:   orEmptyTrades(result.Trades),
		JournalData: orEmptyJournals(result.Journals),
	}); err != nil {
		return nil
	}

	ctx := c.Request().Context()
	llmStart := time.Now()
	var full strings.Builder
	chunkCount := 0
	for chunk := range h.Generator.Stream(ctx, genReq) {
		if chunk.Err != nil {
			h.logger().Printf("STREAM FAILED | id=%s | error=%v", requestID, chunk.Err)
			chatRequests.WithLabelValues("stream", queryType, "error").Inc()
			_ = send("error", map[string]string{"error": chunk.Err.Error()})
			return nil
		}
		full.WriteString(chunk.Text)
		chunkCount++
		streamedChunks.Inc()
		if err := send("chunk", map[string]string{"text": chunk.Text}); err != nil {
			h.logger().Printf("client disconnected | id=%s | chunks=%d", requestID, chunkCount)
			return nil
		}
	}
	llmMS := time.Since(llmStart).Milliseconds()
	stageDuration.WithLabelValues("llm").Observe(time.Since(llmStart).Seconds())

	// Chunks are already on the wire; redaction applies to the persisted
	// transcript.
	text := helpers.RedactOutput(full.String(), h.logger())
	if err := h.Sessions.AddMessage(ctx, req.SessionID, "assistant", text); err != nil {
		h.logger().Printf("failed to persist assistant reply | id=%s: %v", requestID, err)
	}

	totalMS := time.Since(start).Milliseconds()
	_ = send("done", map[string]interface{}{
		"request_id":      requestID,
		"duration_ms":     totalMS,
		"llm_ms":          llmMS,
		"response_length": full.Len(),
		"chunks":          chunkCount,
		"query_type":      queryType,
	})
	chatRequests.WithLabelValues("stream", queryType, "ok").Inc()
	chatDuration.WithLabelValues("stream").Observe(time.Since(start).Seconds())
	h.logger().Printf("STREAM COMPLETE | id=%s | llm=%dms | total=%dms | chunks=%d",
		requestID, llmMS, totalMS, chunkCount)
	return nil
}

func (h *ChatHandler) streamOutOfDomain(c echo.Context, requestID string, start time.Time) error {
	send, err := sseWriter(c)
	if err != nil {
		return err
	}
	if err := send("start", map[string]interface{}{
		"request_id": requestID,
		"query_type": "out_of_domain",
		"status":     "rejected",
	}); err != nil {
		return nil
	}
	if err := send("data", ChatData{TradeData: []store.Trade{}, JournalData: []vector.JournalEntry{}}); err != nil {
		return nil
	}
	if err := send("chunk", map[string]string{"text": OutOfDomainResponse}); err != nil {
		return nil
	}
	_ = send("done", map[string]interface{}{
		"request_id":      requestID,
		"duration_ms":     time.Since(start).Milliseconds(),
		"response_length": len(OutOfDomainResponse),
		"chunks":          1,
		"query_type":      "out_of_domain",
		"status":          "rejected",
	})
	return nil
}

func sseWriter(c echo.Context) (func(event string, payload interface{}) error, error) {
	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.Header().Set("X-Accel-Buffering", "no")
	resp.WriteHeader(http.StatusOK)
	flusher, ok := resp.Writer.(http.Flusher)
	if !ok {
		return nil, echo.NewHTTPError(http.StatusServiceUnavailable, "streaming unsupported")
	}
	return func(event string, payload interface{}) error {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(resp, "event: %s\ndata: %s\n\n", event, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}, nil
}

func sessionPreview(id string) string {
	if id == "" {
		return "none"
	}
	if len(id) <= 8 {
		return id
	}
	return id[:8] + "..."
}

func orEmptyTrades(trades []store.Trade) []store.Trade {
	if trades == nil {
		return []store.Trade{}
	}
	return trades
}

func orEmptyJournals(journals []vector.JournalEntry) []vector.JournalEntry {
	if journals == nil {
		return []vector.JournalEntry{}
	}
	return journals
}
