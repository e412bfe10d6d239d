package rag

import (
	"context"
	"strings"

	"askdocs/internal/ai"
)

// LLMSummarizer implements Summarizer with a non-streaming completion call.
type LLMSummarizer struct {
	client *ai.Client
	cfg    ai.ChatConfig
}

func NewLLMSummarizer(client *ai.Client, cfg ai.ChatConfig) *LLMSummarizer {
	return &LLMSummarizer{client: client, cfg: cfg}
}

func (s *LLMSummarizer) Summarize(ctx context.Context, text string) (string, error) {
	messages := []ai.ChatMessage{
		{
			Role: "system",
			Content: "Condense the following material into a short factual summary. " +
				"Keep names, numbers, and section references. Do not add information.",
		},
		{Role: "user", Content: text},
	}
	out, err := s.client.Complete(ctx, s.cfg, messages)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}
