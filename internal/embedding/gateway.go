// Package embedding wraps the remote embedding call behind a per-call timeout
// and a circuit breaker so a degraded provider cannot stall ingestion or
// question answering.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"askdocs/internal/ai"
	"askdocs/internal/prompt"
)

var (
	// ErrTimeout marks an embedding call that was cancelled by the per-call
	// deadline rather than by the provider.
	ErrTimeout = errors.New("embedding call timed out")
	// ErrBreakerOpen marks a call short-circuited by the breaker without
	// reaching the network.
	ErrBreakerOpen = errors.New("embedding circuit breaker is open")
)

// Provider is the remote embedding dependency. *ai.Client satisfies it.
type Provider interface {
	Embed(ctx context.Context, cfg ai.EmbedConfig, text string) ([]float32, error)
}

// Config tunes the timeout and breaker behavior.
type Config struct {
	CallTimeout      time.Duration // per-call deadline (default 10s)
	BreakerInterval  time.Duration // rolling window for error-rate counts (default 60s)
	BreakerCooldown  time.Duration // open -> half-open reset interval (default 30s)
	FailureThreshold float64       // error rate that trips the breaker (default 0.5)
	MinRequests      uint32        // minimum samples before tripping (default 5)
	MaxInputTokens   int           // inputs above this are trimmed (default 8192)
}

func (c *Config) withDefaults() {
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	if c.BreakerInterval <= 0 {
		c.BreakerInterval = 60 * time.Second
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	if c.FailureThreshold <= 0 || c.FailureThreshold > 1 {
		c.FailureThreshold = 0.5
	}
	if c.MinRequests == 0 {
		c.MinRequests = 5
	}
	if c.MaxInputTokens <= 0 {
		c.MaxInputTokens = 8192
	}
}

// Gateway is safe for concurrent use; breaker state transitions are atomic
// with respect to concurrent callers.
type Gateway struct {
	provider Provider
	embCfg   ai.EmbedConfig
	est      prompt.TokenEstimator
	breaker  *gobreaker.CircuitBreaker[[]float32]
	cfg      Config
	logger   *slog.Logger
}

// New builds a Gateway. The token estimator must already be initialized:
// constructing the breaker afterwards keeps tokenizer warm-up latency out of
// the breaker's timing samples.
func New(provider Provider, embCfg ai.EmbedConfig, est prompt.TokenEstimator, cfg Config, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if est == nil {
		est = prompt.HeuristicEstimator{}
	}
	cfg.withDefaults()

	g := &Gateway{
		provider: provider,
		embCfg:   embCfg,
		est:      est,
		cfg:      cfg,
		logger:   logger,
	}
	g.breaker = gobreaker.NewCircuitBreaker[[]float32](gobreaker.Settings{
		Name:        "embedding",
		MaxRequests: 1, // exactly one trial call in half-open
		Interval:    cfg.BreakerInterval,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			rate := float64(counts.TotalFailures) / float64(counts.Requests)
			return rate >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("embedding breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return g
}

// Embed sanitizes and embeds one text. Oversized inputs are trimmed to the
// configured token cap before the call.
func (g *Gateway) Embed(ctx context.Context, text string) ([]float32, error) {
	text = prompt.Sanitize(text)
	text = g.trimToBudget(text)

	vec, err := g.breaker.Execute(func() ([]float32, error) {
		callCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
		defer cancel()

		out, err := g.provider.Embed(callCtx, g.embCfg, text)
		if err != nil {
			if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w after %s: %v", ErrTimeout, g.cfg.CallTimeout, err)
			}
			return nil, err
		}
		return out, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", ErrBreakerOpen, err)
		}
		return nil, err
	}
	return vec, nil
}

// State exposes the breaker state for monitoring.
func (g *Gateway) State() gobreaker.State {
	return g.breaker.State()
}

func (g *Gateway) trimToBudget(text string) string {
	if g.est.EstimateTokens(text) <= g.cfg.MaxInputTokens {
		return text
	}
	runes := []rune(text)
	// Binary-search the longest prefix under the cap.
	lo, hi := 0, len(runes)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if g.est.EstimateTokens(string(runes[:mid])) <= g.cfg.MaxInputTokens {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	g.logger.Debug("embedding input trimmed to token cap",
		"cap", g.cfg.MaxInputTokens, "runes", lo)
	return string(runes[:lo])
}
