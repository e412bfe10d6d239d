package prompt

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const (
	SupportedLanguage     = "en"
	SupportedJurisdiction = "US"

	StrategyTruncateHistory = "truncate-history"
	StrategyTruncateContext = "truncate-context"
	StrategyError           = "error"
)

var (
	ErrUnsupportedLanguage     = errors.New("unsupported language: only \"en\" is supported")
	ErrUnsupportedJurisdiction = errors.New("unsupported jurisdiction: only \"US\" is supported")
	ErrUnknownStrategy         = errors.New("unknown truncate strategy")
	ErrPromptTooLong           = errors.New("prompt exceeds maxLength and strategy is \"error\"")
	ErrStillTooLong            = errors.New("prompt still exceeds maxLength after truncation")
)

// Config controls prompt assembly and the truncation policy.
type Config struct {
	Language         string
	Jurisdiction     string
	MaxLength        int // token budget for the whole prompt
	TruncateStrategy string
}

// Validate fails fast on any unsupported value; nothing is silently corrected.
func (c Config) Validate() error {
	if c.Language != SupportedLanguage {
		return fmt.Errorf("%w (got %q)", ErrUnsupportedLanguage, c.Language)
	}
	if c.Jurisdiction != "" && c.Jurisdiction != SupportedJurisdiction {
		return fmt.Errorf("%w (got %q)", ErrUnsupportedJurisdiction, c.Jurisdiction)
	}
	if c.MaxLength <= 0 {
		return errors.New("maxLength must be positive")
	}
	switch c.TruncateStrategy {
	case StrategyTruncateHistory, StrategyTruncateContext, StrategyError:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownStrategy, c.TruncateStrategy)
	}
}

// Builder renders question + context + history into a single prompt string,
// enforcing the token budget with the configured truncation strategy.
type Builder struct {
	est TokenEstimator
	cfg Config
}

func NewBuilder(est TokenEstimator, cfg Config) (*Builder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if est == nil {
		est = HeuristicEstimator{}
	}
	return &Builder{est: est, cfg: cfg}, nil
}

// Build assembles the prompt. history is ordered oldest first. The returned
// prompt is guaranteed to measure at or under MaxLength tokens; when no
// strategy can get it there, an error is returned instead of an oversized
// prompt.
func (b *Builder) Build(question, context string, history []string) (string, error) {
	question = Sanitize(question)
	prompt := render(question, context, history)
	if b.est.EstimateTokens(prompt) <= b.cfg.MaxLength {
		return prompt, nil
	}

	switch b.cfg.TruncateStrategy {
	case StrategyError:
		return "", ErrPromptTooLong
	case StrategyTruncateHistory:
		prompt = b.truncateHistory(question, context, history)
	case StrategyTruncateContext:
		prompt = b.truncateContext(question, context, history)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, b.cfg.TruncateStrategy)
	}

	if b.est.EstimateTokens(prompt) > b.cfg.MaxLength {
		return "", ErrStillTooLong
	}
	return prompt, nil
}

// truncateHistory drops the oldest history lines until the prompt fits,
// keeping the newest lines intact.
func (b *Builder) truncateHistory(question, context string, history []string) string {
	for drop := 1; drop <= len(history); drop++ {
		prompt := render(question, context, history[drop:])
		if b.est.EstimateTokens(prompt) <= b.cfg.MaxLength {
			return prompt
		}
	}
	return render(question, context, nil)
}

// structuralMarker matches headings like "Section 4.2" or "Article 12" that
// carry disproportionate weight in legal/technical documents.
var structuralMarker = regexp.MustCompile(`(?i)\b(section|article|clause)\s+\d+(\.\d+)*`)

// overflowAllowanceFraction bounds how far past the context sub-budget a
// structural-marker sentence may reach. The whole prompt still stays within
// MaxLength: the sub-budget reserves headroom the allowance can spend.
const overflowAllowanceFraction = 0.1

// truncateContext walks sentences from the end of the context backward,
// greedily keeping those that fit. A sentence matching a structural marker
// may exceed the context sub-budget within the overflow allowance, but only
// when the rendered prompt still measures at or under MaxLength.
func (b *Builder) truncateContext(question, context string, history []string) string {
	base := render(question, "", history)
	baseTokens := b.est.EstimateTokens(base)
	// Reserve room for the context header that render adds back.
	budget := b.cfg.MaxLength - baseTokens - 4
	if budget <= 0 {
		return base
	}
	allowance := int(float64(b.cfg.MaxLength) * overflowAllowanceFraction)

	sentences := splitSentences(context)
	kept := make([]string, 0, len(sentences))
	total := 0
	for i := len(sentences) - 1; i >= 0; i-- {
		s := sentences[i]
		cost := b.est.EstimateTokens(s)
		if total+cost <= budget {
			kept = append(kept, s)
			total += cost
			continue
		}
		if structuralMarker.MatchString(s) && total+cost <= budget+allowance {
			trial := make([]string, 0, len(kept)+1)
			trial = append(trial, kept...)
			trial = append(trial, s)
			if b.fitsRendered(question, history, trial) {
				kept = trial
				total += cost
			}
		}
	}

	// kept was collected back-to-front; restore document order.
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return render(question, strings.Join(kept, " "), history)
}

// fitsRendered measures the back-to-front sentence collection as a fully
// rendered prompt against MaxLength.
func (b *Builder) fitsRendered(question string, history []string, backward []string) bool {
	ordered := make([]string, len(backward))
	for i, s := range backward {
		ordered[len(backward)-1-i] = s
	}
	prompt := render(question, strings.Join(ordered, " "), history)
	return b.est.EstimateTokens(prompt) <= b.cfg.MaxLength
}

// splitSentences breaks text on sentence-final punctuation followed by
// whitespace. It is deliberately simple; abbreviation handling is not worth
// its weight for budget trimming.
func splitSentences(text string) []string {
	var sentences []string
	var current strings.Builder
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		current.WriteRune(runes[i])
		if runes[i] == '.' || runes[i] == '!' || runes[i] == '?' {
			if i+1 >= len(runes) || runes[i+1] == ' ' || runes[i+1] == '\n' {
				if s := strings.TrimSpace(current.String()); s != "" {
					sentences = append(sentences, s)
				}
				current.Reset()
			}
		}
	}
	if s := strings.TrimSpace(current.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

func render(question, context string, history []string) string {
	var b strings.Builder
	b.WriteString("You are an assistant that answers strictly from the provided context. ")
	b.WriteString("If the context does not contain the answer, say \"I don't know\".\n\n")
	if context != "" {
		b.WriteString("Context:\n")
		b.WriteString(context)
		b.WriteString("\n\n")
	}
	if len(history) > 0 {
		b.WriteString("Conversation so far:\n")
		for _, line := range history {
			b.WriteString(line)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	b.WriteString("Question: ")
	b.WriteString(question)
	b.WriteString("\nAnswer:")
	return b.String()
}
