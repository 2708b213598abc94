package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/journalyst/assistant/provider"
)

// Summarizer compresses aged-out conversation turns into a short digest.
// An error means the caller should fall back to plain truncation.
type Summarizer interface {
	Summarize(ctx context.Context, priorSummary string, older []Message) (string, error)
}

const summaryInstruction = `You compress trading-assistant conversations. Produce a 2-4 sentence factual digest of the conversation below: topics discussed, symbols and strategies mentioned, decisions made, and any ongoing analysis threads. No commentary, no advice, facts only.`

// LLMSummarizer asks a lightweight completion model for the digest.
type LLMSummarizer struct {
	provider provider.Provider
	model    string
}

func NewLLMSummarizer(p provider.Provider, model string) *LLMSummarizer {
	return &LLMSummarizer{provider: p, model: model}
}

func (s *LLMSummarizer) Summarize(ctx context.Context, priorSummary string, older []Message) (string, error) {
	var sb strings.Builder
	if priorSummary != "" {
		sb.WriteString("Earlier summary:\n")
		sb.WriteString(priorSummary)
		sb.WriteString("\n\n")
	}
	sb.WriteString("Conversation to fold in:\n")
	for _, m := range older {
		sb.WriteString(m.Role)
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}

	out, err := s.provider.Complete(ctx, provider.Completion{
		Model:       s.model,
		System:      summaryInstruction,
		User:        sb.String(),
		Temperature: 0.3,
		MaxTokens:   500,
	})
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", fmt.Errorf("summarizer returned empty output")
	}
	return out, nil
}
