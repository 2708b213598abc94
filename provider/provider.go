package provider

import (
	"context"
	"errors"
	"os"
	"time"
)

// Client represents different LLM providers
type Client string

const (
	OpenAI     Client = "openai"
	OpenRouter Client = "openrouter"
)

// Completion is a single chat-style request. Model selection is per-call
// because routing, summarization and analysis use different models.
type Completion struct {
	Model       string
	System      string
	User        string
	Temperature float64
	MaxTokens   int
	JSONOnly    bool
}

// Chunk is one increment of a streaming completion. A non-nil Err is
// terminal: the channel is closed immediately after it.
type Chunk struct {
	Text string
	Err  error
}

// Provider is the interface all LLM implementations must satisfy.
type Provider interface {
	Complete(ctx context.Context, req Completion) (string, error)
	CompleteStream(ctx context.Context, req Completion) (<-chan Chunk, error)
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)
}

// Options carries provider construction parameters, supplied by the
// composition root rather than read from globals.
type Options struct {
	APIKey         string
	BaseURL        string
	EmbeddingModel string
	Timeout        time.Duration
}

// NewProvider creates an LLM client for the given provider kind.
func NewProvider(client Client, opts Options) (Provider, error) {
	if opts.APIKey == "" {
		opts.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if opts.APIKey == "" {
		return nil, errors.New("llm api key not set")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	switch client {
	case OpenAI:
		return newClient("https://api.openai.com/v1", opts), nil
	case OpenRouter:
		base := opts.BaseURL
		if base == "" {
			base = "https://openrouter.ai/api/v1"
		}
		return newClient(base, opts), nil
	default:
		return nil, errors.New("unsupported LLM provider")
	}
}
