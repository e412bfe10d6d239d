package rag

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"askdocs/internal/ai"
	"askdocs/internal/embedding"
	"askdocs/internal/events"
	"askdocs/internal/model"
	"askdocs/internal/prompt"
	"askdocs/internal/vectorstore"
)

type fakeProvider struct{}

func (fakeProvider) Embed(context.Context, ai.EmbedConfig, string) ([]float32, error) {
	return []float32{0.1, 0.2, 0.3}, nil
}

type fakeStore struct {
	mu      sync.Mutex
	matches []vectorstore.Match
	queries int
}

func (s *fakeStore) Upsert(context.Context, []vectorstore.Record) (vectorstore.UpsertResult, error) {
	return vectorstore.UpsertResult{}, nil
}

func (s *fakeStore) Query(context.Context, []float32, string, string, int) ([]vectorstore.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries++
	return s.matches, nil
}

// scriptedLLM streams each scripted answer, one rune at a time, across
// successive calls.
type scriptedLLM struct {
	mu      sync.Mutex
	answers []string
	calls   int
	block   bool // block until ctx is done instead of answering
}

func (l *scriptedLLM) StreamComplete(ctx context.Context, _ ai.ChatConfig, _ []ai.ChatMessage, onToken func(string) error) (string, error) {
	if l.block {
		<-ctx.Done()
		return "", ctx.Err()
	}

	l.mu.Lock()
	answer := l.answers[min(l.calls, len(l.answers)-1)]
	l.calls++
	l.mu.Unlock()

	for _, r := range answer {
		if err := onToken(string(r)); err != nil {
			return "", err
		}
	}
	return answer, nil
}

func (l *scriptedLLM) callCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

type memoryHistory struct {
	mu    sync.Mutex
	turns []model.ChatTurn
}

func (h *memoryHistory) Recent(context.Context, string, string, int) ([]model.ChatTurn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]model.ChatTurn(nil), h.turns...), nil
}

func (h *memoryHistory) Append(_ context.Context, turn model.ChatTurn) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = append(h.turns, turn)
	return nil
}

type stubEnricher struct {
	mu     sync.Mutex
	added  int
	err    error
	called int
}

func (e *stubEnricher) Enrich(context.Context, string, string, string) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.called++
	return e.added, e.err
}

type publishedEvent struct {
	identity string
	event    string
}

type stubPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *stubPublisher) Publish(_ context.Context, identity, event string, _ any) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{identity, event})
	return true
}

func (p *stubPublisher) names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		out = append(out, e.event)
	}
	return out
}

func matchesWithText(texts ...string) []vectorstore.Match {
	out := make([]vectorstore.Match, len(texts))
	for i, t := range texts {
		out[i] = vectorstore.Match{ID: t, Score: 1 - float64(i)*0.1, Metadata: map[string]string{"text": t}}
	}
	return out
}

func newTestAnswerer(t *testing.T, llm Completer, store vectorstore.Store, history History, enricher Enricher, pub EventPublisher, cfg Config) *Answerer {
	t.Helper()
	est := prompt.HeuristicEstimator{}
	gateway := embedding.New(fakeProvider{}, ai.EmbedConfig{}, est, embedding.Config{}, nil)
	builder, err := prompt.NewBuilder(est, prompt.Config{
		Language:         prompt.SupportedLanguage,
		MaxLength:        10000,
		TruncateStrategy: prompt.StrategyTruncateContext,
	})
	require.NoError(t, err)
	assembler := NewAssembler(nil, est, nil)
	return NewAnswerer(llm, ai.ChatConfig{}, gateway, store, assembler, builder, history, enricher, pub, cfg, nil)
}

func drain(t *testing.T, stream *Stream) string {
	t.Helper()
	var b strings.Builder
	for token := range stream.Tokens() {
		b.WriteString(token)
	}
	return b.String()
}

func TestAskRejectsEmptyQuestion(t *testing.T) {
	a := newTestAnswerer(t, &scriptedLLM{}, &fakeStore{}, nil, nil, nil, Config{})

	_, err := a.Ask(context.Background(), "u", "f", "   \u200B  ")
	assert.ErrorIs(t, err, ErrEmptyQuestion)
}

func TestAskWithoutMatchesSkipsLLM(t *testing.T) {
	llm := &scriptedLLM{answers: []string{"should never stream"}}
	history := &memoryHistory{}
	pub := &stubPublisher{}
	a := newTestAnswerer(t, llm, &fakeStore{}, history, nil, pub, Config{})

	stream, err := a.Ask(context.Background(), "u", "f", "anything indexed?")
	require.NoError(t, err)

	got := drain(t, stream)
	assert.Equal(t, NoContextAnswer, got)
	assert.NoError(t, stream.Err())
	assert.Zero(t, llm.callCount())

	require.Len(t, history.turns, 2)
	assert.Equal(t, model.SenderUser, history.turns[0].Sender)
	assert.Equal(t, NoContextAnswer, history.turns[1].Message)
	assert.Contains(t, pub.names(), events.EventAnswerComplete)
}

func TestAskStreamsAnswerTokens(t *testing.T) {
	llm := &scriptedLLM{answers: []string{"Paris is the capital."}}
	store := &fakeStore{matches: matchesWithText("France facts", "geography notes")}
	history := &memoryHistory{}
	pub := &stubPublisher{}
	a := newTestAnswerer(t, llm, store, history, nil, pub, Config{})

	stream, err := a.Ask(context.Background(), "u1", "f1", "What is the capital of France?")
	require.NoError(t, err)

	got := drain(t, stream)
	assert.Equal(t, "Paris is the capital.", got)
	assert.NoError(t, stream.Err())

	names := pub.names()
	assert.Contains(t, names, events.EventAnswerChunk)
	assert.Equal(t, events.EventAnswerComplete, names[len(names)-1])

	require.Len(t, history.turns, 2)
	assert.Equal(t, "Paris is the capital.", history.turns[1].Message)
}

func TestAskUnknownAnswerTriggersEnrichment(t *testing.T) {
	llm := &scriptedLLM{answers: []string{"I don't know about that.", "Now I do: it ships in 2026."}}
	store := &fakeStore{matches: matchesWithText("release notes")}
	enricher := &stubEnricher{added: 3}
	a := newTestAnswerer(t, llm, store, &memoryHistory{}, enricher, &stubPublisher{}, Config{})

	stream, err := a.Ask(context.Background(), "u", "f", "When does it ship?")
	require.NoError(t, err)

	got := drain(t, stream)
	assert.NoError(t, stream.Err())
	assert.Equal(t, 1, enricher.called)
	assert.Equal(t, 2, llm.callCount())
	assert.Contains(t, got, "I don't know about that.")
	assert.Contains(t, got, "Now I do: it ships in 2026.")
}

func TestAskEnrichmentFailureKeepsFirstAnswer(t *testing.T) {
	llm := &scriptedLLM{answers: []string{"I don't know."}}
	store := &fakeStore{matches: matchesWithText("unrelated text")}
	enricher := &stubEnricher{err: errors.New("search quota exhausted")}
	history := &memoryHistory{}
	a := newTestAnswerer(t, llm, store, history, enricher, &stubPublisher{}, Config{})

	stream, err := a.Ask(context.Background(), "u", "f", "Anything?")
	require.NoError(t, err)

	got := drain(t, stream)
	assert.NoError(t, stream.Err(), "enrichment failure must not fail the stream")
	assert.Equal(t, "I don't know.", got)
	assert.Equal(t, 1, enricher.called)
	require.Len(t, history.turns, 2)
}

func TestAskEnrichmentWithNothingAddedSkipsSecondPass(t *testing.T) {
	llm := &scriptedLLM{answers: []string{"I don't know."}}
	store := &fakeStore{matches: matchesWithText("text")}
	enricher := &stubEnricher{added: 0}
	a := newTestAnswerer(t, llm, store, &memoryHistory{}, enricher, &stubPublisher{}, Config{})

	stream, err := a.Ask(context.Background(), "u", "f", "Anything?")
	require.NoError(t, err)

	drain(t, stream)
	assert.Equal(t, 1, enricher.called)
	assert.Equal(t, 1, llm.callCount())
}

func TestAskConfidentAnswerSkipsEnrichment(t *testing.T) {
	llm := &scriptedLLM{answers: []string{"The answer is 42."}}
	store := &fakeStore{matches: matchesWithText("text")}
	enricher := &stubEnricher{added: 5}
	a := newTestAnswerer(t, llm, store, &memoryHistory{}, enricher, &stubPublisher{}, Config{})

	stream, err := a.Ask(context.Background(), "u", "f", "What is the answer?")
	require.NoError(t, err)

	drain(t, stream)
	assert.Zero(t, enricher.called)
}

func TestAskStreamTimeout(t *testing.T) {
	llm := &scriptedLLM{block: true}
	store := &fakeStore{matches: matchesWithText("text")}
	pub := &stubPublisher{}
	a := newTestAnswerer(t, llm, store, nil, nil, pub, Config{StreamTimeout: 50 * time.Millisecond})

	stream, err := a.Ask(context.Background(), "u", "f", "Slow question?")
	require.NoError(t, err)

	drain(t, stream)
	assert.ErrorIs(t, stream.Err(), ErrStreamTimeout)
	assert.Contains(t, pub.names(), events.EventError)
}

func TestAskConsumerCancelStopsProducer(t *testing.T) {
	llm := &scriptedLLM{block: true}
	store := &fakeStore{matches: matchesWithText("text")}
	a := newTestAnswerer(t, llm, store, nil, nil, nil, Config{StreamTimeout: time.Minute})

	stream, err := a.Ask(context.Background(), "u", "f", "Question?")
	require.NoError(t, err)

	stream.Close()
	done := make(chan struct{})
	go func() {
		drain(t, stream)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("producer did not stop after Close")
	}
}
