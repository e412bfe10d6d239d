package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"askdocs/internal/ai"
	"askdocs/internal/embedding"
	"askdocs/internal/events"
	"askdocs/internal/model"
	"askdocs/internal/prompt"
	"askdocs/internal/vectorstore"
)

// NoContextAnswer is returned verbatim when retrieval finds nothing for the
// question's scope; the LLM is not invoked at all.
const NoContextAnswer = "No relevant context found. I don't know the answer."

// unknownMarker triggers web enrichment. Plain substring matching on model
// output is fragile but intentional; stricter matching would silently change
// which answers get enriched.
const unknownMarker = "I don't know"

var (
	ErrEmptyQuestion = errors.New("question is empty")
	// ErrStreamTimeout marks a stream cancelled by the wall-clock deadline,
	// distinguishable from transport failures.
	ErrStreamTimeout = errors.New("answer stream timed out")
)

// History provides fast recent-turn reads and best-effort appends. Appends
// are not transactional with vector writes; that gap is accepted.
type History interface {
	Recent(ctx context.Context, userID, fileID string, limit int) ([]model.ChatTurn, error)
	Append(ctx context.Context, turn model.ChatTurn) error
}

// Enricher pulls fresh web material into the vector store for a question the
// model could not answer. It reports how many vectors were added.
type Enricher interface {
	Enrich(ctx context.Context, question, userID, fileID string) (int, error)
}

// EventPublisher fans answer progress out to the asking user's connections.
type EventPublisher interface {
	Publish(ctx context.Context, identity, event string, payload any) bool
}

// Config tunes retrieval and streaming.
type Config struct {
	RetrieveK        int           // matches fetched from the store (default 10)
	ContextTopK      int           // matches used verbatim (default 5)
	MaxContextTokens int           // budget for the assembled context (default 1500)
	HistoryLimit     int           // recent turns included in the prompt (default 10)
	StreamTimeout    time.Duration // wall-clock bound per streaming pass (default 30s)
}

func (c *Config) withDefaults() {
	if c.RetrieveK <= 0 {
		c.RetrieveK = 10
	}
	if c.ContextTopK <= 0 {
		c.ContextTopK = 5
	}
	if c.MaxContextTokens <= 0 {
		c.MaxContextTokens = 1500
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 10
	}
	if c.StreamTimeout <= 0 {
		c.StreamTimeout = 30 * time.Second
	}
}

// Completer is the streaming LLM dependency. *ai.Client satisfies it.
type Completer interface {
	StreamComplete(ctx context.Context, cfg ai.ChatConfig, messages []ai.ChatMessage, onToken func(string) error) (string, error)
}

// Answerer drives the retrieval/answer-streaming pipeline for one question
// at a time per call; concurrent calls are independent.
type Answerer struct {
	llm       Completer
	chatCfg   ai.ChatConfig
	gateway   *embedding.Gateway
	store     vectorstore.Store
	assembler *Assembler
	builder   *prompt.Builder
	history   History
	enricher  Enricher
	events    EventPublisher
	cfg       Config
	logger    *slog.Logger
}

func NewAnswerer(
	llm Completer,
	chatCfg ai.ChatConfig,
	gateway *embedding.Gateway,
	store vectorstore.Store,
	assembler *Assembler,
	builder *prompt.Builder,
	history History,
	enricher Enricher,
	publisher EventPublisher,
	cfg Config,
	logger *slog.Logger,
) *Answerer {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.withDefaults()
	return &Answerer{
		llm:       llm,
		chatCfg:   chatCfg,
		gateway:   gateway,
		store:     store,
		assembler: assembler,
		builder:   builder,
		history:   history,
		enricher:  enricher,
		events:    publisher,
		cfg:       cfg,
		logger:    logger,
	}
}

// Ask answers question against the (userID, fileID) document scope and
// returns a token stream. Validation and retrieval happen synchronously so
// bad input fails before any stream exists; generation runs in a producer
// goroutine. Cancelling ctx or closing the stream stops the producer.
func (a *Answerer) Ask(ctx context.Context, userID, fileID, question string) (*Stream, error) {
	question = prompt.Sanitize(question)
	if question == "" {
		return nil, ErrEmptyQuestion
	}

	emb, err := a.gateway.Embed(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("embed question: %w", err)
	}
	matches, err := a.store.Query(ctx, emb, userID, fileID, a.cfg.RetrieveK)
	if err != nil {
		return nil, fmt.Errorf("query vectors: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	stream := newStream(cancel)

	if len(matches) == 0 {
		go a.answerWithoutContext(runCtx, stream, userID, fileID, question)
		return stream, nil
	}

	contextBlock := a.assembler.Assemble(runCtx, matches, a.cfg.ContextTopK, a.cfg.MaxContextTokens)
	promptText, err := a.builder.Build(question, contextBlock, a.historyLines(runCtx, userID, fileID))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build prompt: %w", err)
	}

	go a.run(runCtx, stream, userID, fileID, question, promptText)
	return stream, nil
}

func (a *Answerer) run(ctx context.Context, stream *Stream, userID, fileID, question, promptText string) {
	answer, err := a.streamPass(ctx, stream, userID, promptText)
	if err != nil {
		a.publish(ctx, userID, events.EventError, map[string]string{"message": err.Error()})
		stream.finish(err)
		return
	}

	if strings.Contains(answer, unknownMarker) && a.enricher != nil {
		if second := a.enrichAndRetry(ctx, stream, userID, fileID, question); second != "" {
			answer = answer + "\n" + second
		}
	}

	a.record(ctx, userID, fileID, question, answer)
	a.publish(ctx, userID, events.EventAnswerComplete, nil)
	stream.finish(nil)
}

func (a *Answerer) answerWithoutContext(ctx context.Context, stream *Stream, userID, fileID, question string) {
	if stream.push(ctx, NoContextAnswer) {
		a.publish(ctx, userID, events.EventAnswerChunk, map[string]string{"token": NoContextAnswer})
	}
	a.record(ctx, userID, fileID, question, NoContextAnswer)
	a.publish(ctx, userID, events.EventAnswerComplete, nil)
	stream.finish(nil)
}

// streamPass relays one streaming completion into the stream, bounded by the
// configured wall-clock timeout.
func (a *Answerer) streamPass(ctx context.Context, stream *Stream, userID, promptText string) (string, error) {
	passCtx, cancel := context.WithTimeout(ctx, a.cfg.StreamTimeout)
	defer cancel()

	messages := []ai.ChatMessage{{Role: "user", Content: promptText}}
	answer, err := a.llm.StreamComplete(passCtx, a.chatCfg, messages, func(token string) error {
		if !stream.push(ctx, token) {
			return context.Canceled
		}
		a.publish(ctx, userID, events.EventAnswerChunk, map[string]string{"token": token})
		return nil
	})
	if err != nil {
		if errors.Is(passCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return "", fmt.Errorf("%w after %s", ErrStreamTimeout, a.cfg.StreamTimeout)
		}
		return "", err
	}
	return answer, nil
}

// enrichAndRetry runs the web-enrichment side pipeline and, if it produced
// new material, streams a second answer pass into the same logical answer.
// Every failure here is logged and swallowed: the user-visible stream must
// never fail because enrichment did.
func (a *Answerer) enrichAndRetry(ctx context.Context, stream *Stream, userID, fileID, question string) string {
	added, err := a.enricher.Enrich(ctx, question, userID, fileID)
	if err != nil {
		a.logger.Warn("enrichment failed, keeping unenriched answer", "err", err)
		return ""
	}
	if added == 0 {
		return ""
	}

	emb, err := a.gateway.Embed(ctx, question)
	if err != nil {
		a.logger.Warn("re-embed after enrichment failed", "err", err)
		return ""
	}
	matches, err := a.store.Query(ctx, emb, userID, fileID, a.cfg.RetrieveK)
	if err != nil || len(matches) == 0 {
		a.logger.Warn("re-query after enrichment yielded nothing", "err", err)
		return ""
	}

	contextBlock := a.assembler.Assemble(ctx, matches, a.cfg.ContextTopK, a.cfg.MaxContextTokens)
	promptText, err := a.builder.Build(question, contextBlock, nil)
	if err != nil {
		a.logger.Warn("second prompt build failed", "err", err)
		return ""
	}

	second, err := a.streamPass(ctx, stream, userID, promptText)
	if err != nil {
		a.logger.Warn("second answer pass failed", "err", err)
		return ""
	}
	return second
}

func (a *Answerer) historyLines(ctx context.Context, userID, fileID string) []string {
	if a.history == nil {
		return nil
	}
	turns, err := a.history.Recent(ctx, userID, fileID, a.cfg.HistoryLimit)
	if err != nil {
		a.logger.Warn("history read failed, answering without it", "err", err)
		return nil
	}
	lines := make([]string, 0, len(turns))
	for _, t := range turns {
		lines = append(lines, t.Sender+": "+t.Message)
	}
	return lines
}

func (a *Answerer) record(ctx context.Context, userID, fileID, question, answer string) {
	if a.history == nil {
		return
	}
	now := time.Now()
	turns := []model.ChatTurn{
		{UserID: userID, FileID: fileID, Sender: model.SenderUser, Message: question, CreatedAt: now},
		{UserID: userID, FileID: fileID, Sender: model.SenderAI, Message: answer, CreatedAt: now},
	}
	for _, t := range turns {
		if err := a.history.Append(ctx, t); err != nil {
			a.logger.Warn("chat turn append failed", "sender", t.Sender, "err", err)
		}
	}
}

func (a *Answerer) publish(ctx context.Context, userID, event string, payload any) {
	if a.events == nil {
		return
	}
	a.events.Publish(ctx, userID, event, payload)
}
