// Package rag combines vector retrieval, context assembly, and streaming
// answer generation.
package rag

import (
	"context"
	"log/slog"
	"strings"

	"askdocs/internal/prompt"
	"askdocs/internal/vectorstore"
)

// Summarizer compresses a low-relevance text block into a short summary.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
}

// Assembler packs retrieved matches into a single context string under a
// token budget.
type Assembler struct {
	summarizer Summarizer
	est        prompt.TokenEstimator
	logger     *slog.Logger
}

func NewAssembler(summarizer Summarizer, est prompt.TokenEstimator, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	if est == nil {
		est = prompt.HeuristicEstimator{}
	}
	return &Assembler{summarizer: summarizer, est: est, logger: logger}
}

// Assemble splits matches by retrieval order: the first topK are high
// relevance and used verbatim, the rest are summarized into one block. Both
// groups are then packed in order under maxContextTokens; chunks are never
// split to fit, and the first chunk that would exceed the budget ends the
// packing.
func (a *Assembler) Assemble(ctx context.Context, matches []vectorstore.Match, topK, maxContextTokens int) string {
	if len(matches) == 0 {
		return ""
	}
	if topK <= 0 {
		topK = len(matches)
	}
	if topK > len(matches) {
		topK = len(matches)
	}

	candidates := make([]string, 0, topK+1)
	for _, m := range matches[:topK] {
		if text := m.Metadata["text"]; text != "" {
			candidates = append(candidates, text)
		}
	}

	if tail := a.summarizeTail(ctx, matches[topK:]); tail != "" {
		candidates = append(candidates, tail)
	}

	var packed []string
	total := 0
	for _, c := range candidates {
		cost := a.est.EstimateTokens(c)
		if total+cost > maxContextTokens {
			break
		}
		packed = append(packed, c)
		total += cost
	}
	return strings.Join(packed, "\n---\n")
}

// summarizeTail compresses the low-relevance remainder into one block.
// A summarization failure drops the tail rather than failing the question.
func (a *Assembler) summarizeTail(ctx context.Context, tail []vectorstore.Match) string {
	if len(tail) == 0 || a.summarizer == nil {
		return ""
	}
	var parts []string
	for _, m := range tail {
		if text := m.Metadata["text"]; text != "" {
			parts = append(parts, text)
		}
	}
	if len(parts) == 0 {
		return ""
	}

	summary, err := a.summarizer.Summarize(ctx, strings.Join(parts, "\n"))
	if err != nil {
		a.logger.Warn("low-relevance tail summarization failed, dropping tail", "err", err)
		return ""
	}
	return strings.TrimSpace(summary)
}
