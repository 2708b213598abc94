package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"
	"time"
)

func testOptions(baseURL string) Options {
	return Options{APIKey: "test-key", EmbeddingModel: "text-embedding-3-small", Timeout: 5 * time.Second}
}

func TestCompleteParsesChoice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected auth header: %q", got)
		}
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		if body["model"] != "gpt-4o-mini" {
			t.Errorf("unexpected model: %v", body["model"])
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"hello"}}]}`)
	}))
	defer srv.Close()

	c := newClient(srv.URL, testOptions(srv.URL))
	got, err := c.Complete(context.Background(), Completion{Model: "gpt-4o-mini", User: "hi"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got != "hello" {
		t.Errorf("got %q, want %q", got, "hello")
	}
}

func TestCompleteJSONOnlySetsResponseFormat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ResponseFormat *struct {
				Type string `json:"type"`
			} `json:"response_format"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		if body.ResponseFormat == nil || body.ResponseFormat.Type != "json_object" {
			t.Errorf("response_format not set")
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"{}"}}]}`)
	}))
	defer srv.Close()

	c := newClient(srv.URL, testOptions(srv.URL))
	if _, err := c.Complete(context.Background(), Completion{Model: "m", User: "q", JSONOnly: true}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
}

func TestCompleteErrorIncludesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"rate limited"}}`)
	}))
	defer srv.Close()

	c := newClient(srv.URL, testOptions(srv.URL))
	_, err := c.Complete(context.Background(), Completion{Model: "m", User: "q"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "429") {
		t.Errorf("error should carry status: %v", err)
	}
}

func TestCompleteStreamDeliversChunksInOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Your \"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"win rate \"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"improved.\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := newClient(srv.URL, testOptions(srv.URL))
	ch, err := c.CompleteStream(context.Background(), Completion{Model: "m", User: "q"})
	if err != nil {
		t.Fatalf("CompleteStream: %v", err)
	}

	var sb strings.Builder
	for chunk := range ch {
		if chunk.Err != nil {
			t.Fatalf("unexpected stream error: %v", chunk.Err)
		}
		sb.WriteString(chunk.Text)
	}
	if got := sb.String(); got != "Your win rate improved." {
		t.Errorf("got %q", got)
	}
}

func TestCompleteStreamSkipsMalformedEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: not json\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"ok\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := newClient(srv.URL, testOptions(srv.URL))
	ch, err := c.CompleteStream(context.Background(), Completion{Model: "m", User: "q"})
	if err != nil {
		t.Fatalf("CompleteStream: %v", err)
	}
	var got string
	for chunk := range ch {
		if chunk.Err != nil {
			t.Fatalf("unexpected stream error: %v", chunk.Err)
		}
		got += chunk.Text
	}
	if got != "ok" {
		t.Errorf("got %q", got)
	}
}

func TestCompleteStreamCancelWithAbandonedConsumer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for i := 0; i < 300; i++ {
			fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n\n")
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	before := runtime.NumGoroutine()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := newClient(srv.URL, testOptions(srv.URL))
	ch, err := c.CompleteStream(ctx, Completion{Model: "m", User: "q"})
	if err != nil {
		t.Fatalf("CompleteStream: %v", err)
	}

	// Read nothing: wait for the producer to fill the buffer and block,
	// then cancel and walk away from the channel.
	deadline := time.Now().Add(3 * time.Second)
	for len(ch) < cap(ch) {
		if time.Now().After(deadline) {
			t.Fatalf("buffer never filled: %d/%d", len(ch), cap(ch))
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	for time.Now().Before(deadline) {
		if runtime.NumGoroutine() <= before {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("stream producer still running after cancel: %d goroutines, started with %d",
		runtime.NumGoroutine(), before)
}

func TestCreateEmbeddingPreservesInputOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Return data out of order; the client must reorder by index.
		fmt.Fprint(w, `{"data":[{"embedding":[0.2],"index":1},{"embedding":[0.1],"index":0}]}`)
	}))
	defer srv.Close()

	c := newClient(srv.URL, testOptions(srv.URL))
	vecs, err := c.CreateEmbedding(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("CreateEmbedding: %v", err)
	}
	if len(vecs) != 2 || vecs[0][0] != 0.1 || vecs[1][0] != 0.2 {
		t.Errorf("unexpected vectors: %v", vecs)
	}
}

func TestCreateEmbeddingEmptyInput(t *testing.T) {
	c := newClient("http://unused", testOptions(""))
	vecs, err := c.CreateEmbedding(context.Background(), nil)
	if err != nil || vecs != nil {
		t.Errorf("expected nil, nil; got %v, %v", vecs, err)
	}
}

func TestNewProviderRequiresKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := NewProvider(OpenAI, Options{}); err == nil {
		t.Fatal("expected error without api key")
	}
}
