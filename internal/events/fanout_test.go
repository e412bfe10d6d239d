package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSink accepts everything and remembers it.
type recordingSink struct {
	mu      sync.Mutex
	events  []string
	drained chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{drained: make(chan struct{})}
}

func (s *recordingSink) Send(event string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event+":"+string(payload))
	return nil
}

func (s *recordingSink) Drained() <-chan struct{} { return s.drained }
func (s *recordingSink) Close() error             { return nil }

func (s *recordingSink) recorded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

// busySink rejects the first n sends with ErrSinkBusy, then accepts, firing
// the drain signal when poked.
type busySink struct {
	mu      sync.Mutex
	busy    int
	events  []string
	drained chan struct{}
	closed  bool
}

func newBusySink(busyCount int) *busySink {
	return &busySink{busy: busyCount, drained: make(chan struct{}, 4)}
}

func (s *busySink) Send(event string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy > 0 {
		s.busy--
		return ErrSinkBusy
	}
	s.events = append(s.events, event)
	return nil
}

func (s *busySink) drain() { s.drained <- struct{}{} }

func (s *busySink) Drained() <-chan struct{} { return s.drained }

func (s *busySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *busySink) recorded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

// memoryBroadcaster is an in-process Broadcaster shared by several Fanouts.
type memoryBroadcaster struct {
	mu   sync.Mutex
	subs []chan []byte
	fail bool
}

func (m *memoryBroadcaster) Broadcast(_ context.Context, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("broker unavailable")
	}
	for _, sub := range m.subs {
		sub <- payload
	}
	return nil
}

func (m *memoryBroadcaster) Subscribe(context.Context) (<-chan []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan []byte, 16)
	m.subs = append(m.subs, ch)
	return ch, nil
}

func TestPublishDeliversLocally(t *testing.T) {
	f := NewFanout(nil, nil)
	sink := newRecordingSink()
	f.Register("user-1", sink)

	ok := f.Publish(context.Background(), "user-1", EventAnswerChunk, map[string]string{"token": "hi"})
	assert.True(t, ok)
	require.Len(t, sink.recorded(), 1)
	assert.Contains(t, sink.recorded()[0], "answer_chunk")
	assert.Contains(t, sink.recorded()[0], "hi")
}

func TestPublishCrossProcess(t *testing.T) {
	broker := &memoryBroadcaster{}
	a := NewFanout(broker, nil)
	b := NewFanout(broker, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)
	go b.Run(ctx)
	time.Sleep(10 * time.Millisecond)

	remote := newRecordingSink()
	b.Register("user-1", remote)

	ok := a.Publish(ctx, "user-1", EventFileProcessed, FileDonePayload{FileID: "f1", Status: "processed"})
	assert.True(t, ok)

	require.Eventually(t, func() bool {
		return len(remote.recorded()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, remote.recorded()[0], "file-processed")
}

func TestPublishNoSelfEcho(t *testing.T) {
	broker := &memoryBroadcaster{}
	f := NewFanout(broker, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)
	time.Sleep(10 * time.Millisecond)

	sink := newRecordingSink()
	f.Register("user-1", sink)

	f.Publish(ctx, "user-1", EventAnswerComplete, nil)
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, sink.recorded(), 1, "local delivery must happen exactly once")
}

func TestPublishBrokerFailureDegradesToLocal(t *testing.T) {
	broker := &memoryBroadcaster{fail: true}
	f := NewFanout(broker, nil)
	sink := newRecordingSink()
	f.Register("user-1", sink)

	ok := f.Publish(context.Background(), "user-1", EventError, map[string]string{"message": "x"})
	assert.False(t, ok, "broker failure must be surfaced")
	assert.Len(t, sink.recorded(), 1, "local sinks still get the event")
}

func TestBackpressureQueueAndDrain(t *testing.T) {
	f := NewFanout(nil, nil)
	sink := newBusySink(1)
	f.Register("user-1", sink)

	f.Publish(context.Background(), "user-1", EventAnswerChunk, map[string]string{"token": "a"})
	assert.Empty(t, sink.recorded(), "first send was rejected busy")

	f.Publish(context.Background(), "user-1", EventAnswerChunk, map[string]string{"token": "b"})
	sink.drain()

	require.Eventually(t, func() bool {
		return len(sink.recorded()) == 2
	}, time.Second, 5*time.Millisecond)
}

// edgeSink behaves like a real connection sink: a bounded buffer, a consumer
// that pulls one message at a time, and an edge-triggered drain signal that
// is closed and replaced on every fire. A signal fired while no flusher is
// parked on the channel is gone for good.
type edgeSink struct {
	out chan [2]string

	mu      sync.Mutex
	drainCh chan struct{}
	events  []string
}

func newEdgeSink() *edgeSink {
	return &edgeSink{out: make(chan [2]string, 1), drainCh: make(chan struct{})}
}

func (s *edgeSink) Send(event string, payload []byte) error {
	select {
	case s.out <- [2]string{event, string(payload)}:
		return nil
	default:
		return ErrSinkBusy
	}
}

func (s *edgeSink) Drained() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drainCh
}

func (s *edgeSink) Close() error { return nil }

// consumeOne takes a message off the buffer and fires the drain signal
// immediately, the way the SSE write loop does after each flush.
func (s *edgeSink) consumeOne() {
	msg := <-s.out
	s.mu.Lock()
	s.events = append(s.events, msg[0])
	close(s.drainCh)
	s.drainCh = make(chan struct{})
	s.mu.Unlock()
}

func (s *edgeSink) buffered() int { return len(s.out) }

func (s *edgeSink) recorded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

// The drain signal often fires before the flusher goroutine has parked on
// the channel. The flusher must retry the send before parking, or the
// queued message is stranded and the sink stops receiving entirely.
func TestBackpressureDrainBeforePark(t *testing.T) {
	f := NewFanout(nil, nil)
	sink := newEdgeSink()
	f.Register("user-1", sink)

	ctx := context.Background()
	for i := 0; i < 200; i++ {
		f.Publish(ctx, "user-1", EventAnswerChunk, map[string]int{"seq": i * 2})
		f.Publish(ctx, "user-1", EventAnswerChunk, map[string]int{"seq": i*2 + 1})
		sink.consumeOne()

		require.Eventuallyf(t, func() bool {
			return sink.buffered() == 1
		}, time.Second, time.Millisecond, "queued message stalled at iteration %d", i)
		sink.consumeOne()
	}
	assert.Len(t, sink.recorded(), 400)
}

func TestFailingSinkDeregistered(t *testing.T) {
	f := NewFanout(nil, nil)
	failing := &failSink{}
	f.Register("user-1", failing)
	require.Equal(t, 1, f.Identities())

	f.Publish(context.Background(), "user-1", EventAnswerChunk, map[string]string{"token": "x"})
	assert.Equal(t, 0, f.Identities(), "last sink removal drops the identity")
	assert.True(t, failing.closed)
}

type failSink struct {
	closed bool
}

func (s *failSink) Send(string, []byte) error { return errors.New("connection reset") }
func (s *failSink) Drained() <-chan struct{}  { return nil }
func (s *failSink) Close() error              { s.closed = true; return nil }

func TestMultipleSinksPerIdentity(t *testing.T) {
	f := NewFanout(nil, nil)
	s1 := newRecordingSink()
	s2 := newRecordingSink()
	f.Register("user-1", s1)
	f.Register("user-1", s2)

	f.Publish(context.Background(), "user-1", EventAnswerChunk, map[string]string{"token": "x"})
	assert.Len(t, s1.recorded(), 1)
	assert.Len(t, s2.recorded(), 1)

	f.Unregister("user-1", s1)
	f.Publish(context.Background(), "user-1", EventAnswerChunk, map[string]string{"token": "y"})
	assert.Len(t, s1.recorded(), 1)
	assert.Len(t, s2.recorded(), 2)
	assert.Equal(t, 1, f.Identities())

	f.Unregister("user-1", s2)
	assert.Equal(t, 0, f.Identities())
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env := envelope{Origin: "i1", Identity: "u1", Event: EventFileProgress}
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	var back envelope
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, env.Origin, back.Origin)
	assert.Equal(t, env.Event, back.Event)
}
