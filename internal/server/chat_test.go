package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/journalyst/assistant/internal/contextbuild"
	"github.com/journalyst/assistant/internal/generator"
	"github.com/journalyst/assistant/internal/kv"
	"github.com/journalyst/assistant/internal/retriever"
	"github.com/journalyst/assistant/internal/router"
	"github.com/journalyst/assistant/internal/session"
	"github.com/journalyst/assistant/internal/store"
	"github.com/journalyst/assistant/provider"
)

type fakeSummarizer struct{}

func (fakeSummarizer) Summarize(context.Context, string, []session.Message) (string, error) {
	return "summary", nil
}

type fakeRetriever struct {
	result    *retriever.Result
	err       error
	lastScope *session.AnchorScope
	lastQuery string
}

func (f *fakeRetriever) Retrieve(_ context.Context, _ int64, query string, scope *session.AnchorScope) (*retriever.Result, error) {
	f.lastQuery = query
	f.lastScope = scope
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeGenerator struct {
	reply   string
	chunks  []provider.Chunk
	lastReq generator.Request
}

func (f *fakeGenerator) Generate(_ context.Context, req generator.Request) string {
	f.lastReq = req
	return f.reply
}

func (f *fakeGenerator) Stream(_ context.Context, req generator.Request) <-chan provider.Chunk {
	f.lastReq = req
	out := make(chan provider.Chunk, len(f.chunks))
	for _, c := range f.chunks {
		out <- c
	}
	close(out)
	return out
}

func inDomainResult(trades []store.Trade) *retriever.Result {
	return &retriever.Result{
		Trades:         trades,
		TradesFetched:  true,
		Classification: router.Classification{InDomain: true, QueryType: router.TypeTradeOnly},
	}
}

type testEnv struct {
	handler   *ChatHandler
	sessions  *session.Store
	retriever *fakeRetriever
	generator *fakeGenerator
	echo      *echo.Echo
}

func newTestEnv(t *testing.T, ret *fakeRetriever, gen *fakeGenerator) *testEnv {
	t.Helper()
	logger := log.New(log.Writer(), "[API] ", 0)
	sessions := session.NewStore(kv.NewMemory(), fakeSummarizer{}, 0, log.New(log.Writer(), "[SESSION] ", 0))
	h := &ChatHandler{
		Sessions:  sessions,
		Retriever: ret,
		Assembler: contextbuild.New(nil, log.New(log.Writer(), "[CONTEXT] ", 0)),
		Generator: gen,
		Logger:    logger,
		Now:       func() time.Time { return time.Date(2024, time.February, 15, 10, 0, 0, 0, time.UTC) },
	}
	e := echo.New()
	h.Register(e)
	return &testEnv{handler: h, sessions: sessions, retriever: ret, generator: gen, echo: e}
}

func (env *testEnv) post(t *testing.T, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	env.echo.ServeHTTP(rec, req)
	return rec
}

func TestChatSync(t *testing.T) {
	ret := &fakeRetriever{result: inDomainResult([]store.Trade{{TradeID: 1, Symbol: "EURUSD", PnL: 50}})}
	gen := &fakeGenerator{reply: "Solid week, one winner on EURUSD."}
	env := newTestEnv(t, ret, gen)

	rec := env.post(t, `{"user_id": 7, "query": "how did I do?", "user_name": "Sam"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var resp ChatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Response != "Solid week, one winner on EURUSD." {
		t.Fatalf("response = %q", resp.Response)
	}
	if len(resp.Data.TradeData) != 1 {
		t.Fatalf("trade data = %+v", resp.Data)
	}
	if resp.Metadata["request_id"] == nil || resp.Metadata["session_id"] == nil {
		t.Fatalf("metadata incomplete: %+v", resp.Metadata)
	}
	if resp.Metadata["query_type"] != router.TypeTradeOnly {
		t.Fatalf("query_type = %v", resp.Metadata["query_type"])
	}

	// Both turns persisted and a query context recorded.
	sessionID := resp.Metadata["session_id"].(string)
	sess, err := env.sessions.Get(context.Background(), sessionID)
	if err != nil || sess == nil {
		t.Fatalf("session missing: %v", err)
	}
	if len(sess.Messages) != 2 || sess.Messages[0].Role != "user" || sess.Messages[1].Role != "assistant" {
		t.Fatalf("messages = %+v", sess.Messages)
	}
	if len(sess.QueryContexts) != 1 {
		t.Fatalf("query contexts = %d", len(sess.QueryContexts))
	}
	if got := sess.QueryContexts[0].TradeIDs; len(got) != 1 || got[0] != 1 {
		t.Fatalf("context trade ids = %v", got)
	}
	if gen.lastReq.UserName != "Sam" {
		t.Fatalf("user name not forwarded: %+v", gen.lastReq)
	}
}

func TestChatValidation(t *testing.T) {
	env := newTestEnv(t, &fakeRetriever{result: inDomainResult(nil)}, &fakeGenerator{reply: "x"})

	if rec := env.post(t, `{"user_id": 7, "query": "  "}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("blank query: status %d", rec.Code)
	}
	if rec := env.post(t, `{"query": "hello"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing user_id: status %d", rec.Code)
	}
}

func TestChatFollowupUsesAnchorScope(t *testing.T) {
	ret := &fakeRetriever{result: inDomainResult([]store.Trade{{TradeID: 42}})}
	gen := &fakeGenerator{reply: "Those two losses came from revenge trades."}
	env := newTestEnv(t, ret, gen)
	ctx := context.Background()

	if err := env.sessions.Create(ctx, "sess-1", 7); err != nil {
		t.Fatal(err)
	}
	if err := env.sessions.AddMessage(ctx, "sess-1", "user", "How did I do last week?"); err != nil {
		t.Fatal(err)
	}
	if err := env.sessions.AddMessage(ctx, "sess-1", "assistant", "You closed 2 trades."); err != nil {
		t.Fatal(err)
	}
	if err := env.sessions.AddQueryContext(ctx, "sess-1", "How did I do last week?",
		[]int64{42, 17}, nil, false, nil, nil); err != nil {
		t.Fatal(err)
	}

	rec := env.post(t, `{"user_id": 7, "query": "why were those losses so big?", "session_id": "sess-1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}

	if ret.lastScope == nil {
		t.Fatal("retriever should receive the prior turn's anchor scope")
	}
	if got := ret.lastScope.TradeIDs; len(got) != 2 || got[0] != 42 || got[1] != 17 {
		t.Fatalf("anchor trade ids = %v", got)
	}
	if !gen.lastReq.IsFollowup {
		t.Fatal("generator request should be marked follow-up")
	}
	if len(gen.lastReq.TradeScope) != 2 {
		t.Fatalf("generator trade scope = %v", gen.lastReq.TradeScope)
	}
}

func TestChatFreshQueryHasNoScope(t *testing.T) {
	ret := &fakeRetriever{result: inDomainResult(nil)}
	env := newTestEnv(t, ret, &fakeGenerator{reply: "x"})
	ctx := context.Background()

	if err := env.sessions.Create(ctx, "sess-2", 7); err != nil {
		t.Fatal(err)
	}
	if err := env.sessions.AddMessage(ctx, "sess-2", "user", "How did I do last week?"); err != nil {
		t.Fatal(err)
	}
	if err := env.sessions.AddQueryContext(ctx, "sess-2", "How did I do last week?",
		[]int64{42}, nil, false, nil, nil); err != nil {
		t.Fatal(err)
	}

	// Fresh-query phrase with a new temporal scope: not a follow-up.
	env.post(t, `{"user_id": 7, "query": "show me my trades this month", "session_id": "sess-2"}`)

	if ret.lastScope != nil {
		t.Fatalf("fresh query must not anchor, got %+v", ret.lastScope)
	}
}

func TestChatOutOfDomainSync(t *testing.T) {
	ret := &fakeRetriever{result: &retriever.Result{
		Classification: router.Classification{InDomain: false, QueryType: "out_of_domain"},
	}}
	env := newTestEnv(t, ret, &fakeGenerator{reply: "should not be called"})

	rec := env.post(t, `{"user_id": 7, "query": "what's the weather like?"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var resp ChatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Response != OutOfDomainResponse {
		t.Fatalf("response = %q", resp.Response)
	}
	if resp.Metadata["status"] != "rejected" {
		t.Fatalf("metadata = %+v", resp.Metadata)
	}
}

func TestChatRetrievalErrorIs500(t *testing.T) {
	env := newTestEnv(t, &fakeRetriever{err: errors.New("postgres down")}, &fakeGenerator{})

	rec := env.post(t, `{"user_id": 7, "query": "how did I do?"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "postgres down") {
		t.Fatalf("cause should be preserved: %s", rec.Body.String())
	}
}

func TestChatRedactsModelOutput(t *testing.T) {
	ret := &fakeRetriever{result: inDomainResult(nil)}
	gen := &fakeGenerator{reply: "Your best setup was password: hunter2 on Tuesday."}
	env := newTestEnv(t, ret, gen)

	rec := env.post(t, `{"user_id": 7, "query": "how did I do?"}`)
	var resp ChatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(resp.Response, "hunter2") {
		t.Fatalf("secret leaked: %q", resp.Response)
	}
	if !strings.Contains(resp.Response, "[REDACTED]") {
		t.Fatalf("expected redaction marker: %q", resp.Response)
	}
}

func TestChatStream(t *testing.T) {
	ret := &fakeRetriever{result: inDomainResult([]store.Trade{{TradeID: 9, Symbol: "GBPUSD"}})}
	gen := &fakeGenerator{chunks: []provider.Chunk{
		{Text: "Your "}, {Text: "discipline "}, {Text: "improved."},
	}}
	env := newTestEnv(t, ret, gen)

	rec := env.post(t, `{"user_id": 7, "query": "how did I do?", "stream": true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if ct := rec.Header().Get(echo.HeaderContentType); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	body := rec.Body.String()
	events := []string{"event: start", "event: data", "event: chunk", "event: done"}
	last := -1
	for _, ev := range events {
		idx := strings.Index(body, ev)
		if idx < 0 {
			t.Fatalf("missing %q in stream:\n%s", ev, body)
		}
		if idx < last {
			t.Fatalf("%q out of order:\n%s", ev, body)
		}
		last = idx
	}
	if got := strings.Count(body, "event: chunk"); got != 3 {
		t.Fatalf("chunk events = %d", got)
	}
	if !strings.Contains(body, `{"text":"Your "}`) {
		t.Fatalf("chunk payload wrong:\n%s", body)
	}
	if !strings.Contains(body, `"chunks":3`) {
		t.Fatalf("done metadata wrong:\n%s", body)
	}
	if !strings.Contains(body, `"trade_data"`) {
		t.Fatalf("data event missing record set:\n%s", body)
	}
}

func TestChatStreamPersistsAssembledReply(t *testing.T) {
	ret := &fakeRetriever{result: inDomainResult(nil)}
	gen := &fakeGenerator{chunks: []provider.Chunk{{Text: "All "}, {Text: "good."}}}
	env := newTestEnv(t, ret, gen)
	ctx := context.Background()

	if err := env.sessions.Create(ctx, "sess-3", 7); err != nil {
		t.Fatal(err)
	}
	env.post(t, `{"user_id": 7, "query": "status?", "session_id": "sess-3", "stream": true}`)

	sess, err := env.sessions.Get(ctx, "sess-3")
	if err != nil || sess == nil {
		t.Fatalf("session missing: %v", err)
	}
	lastMsg := sess.Messages[len(sess.Messages)-1]
	if lastMsg.Role != "assistant" || lastMsg.Content != "All good." {
		t.Fatalf("assistant reply not persisted: %+v", lastMsg)
	}
}

func TestChatStreamErrorEventIsTerminal(t *testing.T) {
	ret := &fakeRetriever{result: inDomainResult(nil)}
	gen := &fakeGenerator{chunks: []provider.Chunk{
		{Text: "partial "}, {Err: errors.New("upstream reset")},
	}}
	env := newTestEnv(t, ret, gen)

	rec := env.post(t, `{"user_id": 7, "query": "how did I do?", "stream": true}`)
	body := rec.Body.String()

	if !strings.Contains(body, "event: error") {
		t.Fatalf("missing error event:\n%s", body)
	}
	if !strings.Contains(body, "upstream reset") {
		t.Fatalf("error cause missing:\n%s", body)
	}
	if strings.Contains(body, "event: done") {
		t.Fatalf("done must not follow error:\n%s", body)
	}
}

func TestChatOutOfDomainStream(t *testing.T) {
	ret := &fakeRetriever{result: &retriever.Result{
		Classification: router.Classification{InDomain: false, QueryType: "out_of_domain"},
	}}
	env := newTestEnv(t, ret, &fakeGenerator{})

	rec := env.post(t, `{"user_id": 7, "query": "tell me a joke", "stream": true}`)
	body := rec.Body.String()

	if !strings.Contains(body, `"status":"rejected"`) {
		t.Fatalf("start event should mark rejection:\n%s", body)
	}
	if !strings.Contains(body, OutOfDomainResponse[:40]) {
		t.Fatalf("rejection text missing:\n%s", body)
	}
	if !strings.Contains(body, "event: done") {
		t.Fatalf("missing done event:\n%s", body)
	}
}

func TestMaskDSN(t *testing.T) {
	masked := maskDSN("postgres://app:s3cret@db:5432/journalyst?sslmode=disable")
	if strings.Contains(masked, "s3cret") || strings.Contains(masked, "app:") {
		t.Fatalf("credentials leaked: %s", masked)
	}
	if !strings.Contains(masked, "db:5432/journalyst") {
		t.Fatalf("host lost: %s", masked)
	}
}
