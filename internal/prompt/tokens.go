package prompt

import (
	"log/slog"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// TokenEstimator reports how many tokens a text costs against a model budget.
type TokenEstimator interface {
	EstimateTokens(text string) int
}

// HeuristicEstimator approximates one token per four characters, rounded up.
// It is the fallback when no real tokenizer is available.
type HeuristicEstimator struct{}

func (HeuristicEstimator) EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

// TiktokenEstimator counts tokens with a tiktoken BPE encoding.
type TiktokenEstimator struct {
	enc *tiktoken.Tiktoken
}

func NewTiktokenEstimator(encoding string) (*TiktokenEstimator, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, err
	}
	return &TiktokenEstimator{enc: enc}, nil
}

func (e *TiktokenEstimator) EstimateTokens(text string) int {
	return len(e.enc.Encode(text, nil, nil))
}

// NewEstimator returns a tiktoken-backed estimator for the given encoding,
// degrading to the heuristic when the encoding cannot be loaded. A failed
// tokenizer must never take down unrelated code paths.
func NewEstimator(encoding string, logger *slog.Logger) TokenEstimator {
	if logger == nil {
		logger = slog.Default()
	}
	if encoding == "" {
		encoding = "cl100k_base"
	}
	est, err := NewTiktokenEstimator(encoding)
	if err != nil {
		logger.Warn("tokenizer init failed, using heuristic estimator",
			"encoding", encoding, "err", err)
		return HeuristicEstimator{}
	}
	return est
}
