package vector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/journalyst/assistant/internal/kv"
	"github.com/journalyst/assistant/provider"
)

// Embedder wraps an LLM provider's embedding endpoint with a KV cache
// keyed by the sha256 of the normalized text, so identical queries do
// not pay for repeat embedding calls.
type Embedder struct {
	provider provider.Provider
	cache    kv.KV
	logger   *log.Logger
}

func NewEmbedder(p provider.Provider, cache kv.KV, logger *log.Logger) *Embedder {
	if logger == nil {
		logger = log.New(log.Writer(), "[EMBED] ", log.LstdFlags)
	}
	return &Embedder{provider: p, cache: cache, logger: logger}
}

// normalizeText collapses whitespace and lowercases so semantically
// identical strings hash to the same cache key.
func normalizeText(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(text))), " ")
}

func textHash(text string) string {
	sum := sha256.Sum256([]byte(normalizeText(text)))
	return hex.EncodeToString(sum[:])
}

// Embed returns an embedding for the text, serving from cache when
// possible. Cache failures are logged and treated as misses.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := "embed:" + textHash(text)

	start := time.Now()
	if cached, ok, err := e.cache.Get(ctx, key); err != nil {
		e.logger.Printf("cache read failed, regenerating: %v", err)
	} else if ok {
		var vec []float32
		if err := json.Unmarshal([]byte(cached), &vec); err == nil {
			e.logger.Printf("cache hit in %dms | hash=%s", time.Since(start).Milliseconds(), key[6:18])
			return vec, nil
		}
		e.logger.Printf("cache entry corrupt, regenerating | hash=%s", key[6:18])
	}

	vecs, err := e.provider.CreateEmbedding(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("embedding generation failed: %w", err)
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("embedding provider returned no vectors")
	}

	if encoded, err := json.Marshal(vecs[0]); err == nil {
		if err := e.cache.Set(ctx, key, string(encoded), 0); err != nil {
			e.logger.Printf("cache write failed: %v", err)
		}
	}
	e.logger.Printf("cache miss, generated in %dms | hash=%s", time.Since(start).Milliseconds(), key[6:18])
	return vecs[0], nil
}
