package events

import (
	"errors"
	"log/slog"
	"sync"
)

// ErrSinkBusy is returned by a Sink that cannot accept more data right now;
// the registry queues the message and resumes on the drain signal.
var ErrSinkBusy = errors.New("sink busy")

// Sink is one open client connection. Implementations must make Drained
// fire after a Send that returned ErrSinkBusy once capacity is available.
type Sink interface {
	Send(event string, payload []byte) error
	Drained() <-chan struct{}
	Close() error
}

// sinkState wraps a registered sink with its pending-message queue.
type sinkState struct {
	sink     Sink
	mu       sync.Mutex
	pending  [][2]string // (event, payload) pairs awaiting a drain
	flushing bool
	dead     bool
}

// registry maps a client identity to its open sinks. One identity may hold
// several simultaneous connections. Mutated from connect/disconnect and from
// pub/sub delivery, so all access is mutex-guarded.
type registry struct {
	mu     sync.RWMutex
	sinks  map[string][]*sinkState
	logger *slog.Logger
}

func newRegistry(logger *slog.Logger) *registry {
	return &registry{
		sinks:  make(map[string][]*sinkState),
		logger: logger,
	}
}

func (r *registry) add(identity string, sink Sink) *sinkState {
	st := &sinkState{sink: sink}
	r.mu.Lock()
	r.sinks[identity] = append(r.sinks[identity], st)
	r.mu.Unlock()
	return st
}

// remove deregisters one sink; removing the last sink drops the identity.
func (r *registry) remove(identity string, sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	states := r.sinks[identity]
	for i, st := range states {
		if st.sink == sink {
			st.mu.Lock()
			st.dead = true
			st.pending = nil
			st.mu.Unlock()
			states = append(states[:i], states[i+1:]...)
			break
		}
	}
	if len(states) == 0 {
		delete(r.sinks, identity)
	} else {
		r.sinks[identity] = states
	}
}

func (r *registry) identityCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sinks)
}

// deliver writes one event to every sink registered for identity, queueing
// for busy sinks and dropping sinks that error outright.
func (r *registry) deliver(identity, event string, payload []byte) {
	r.mu.RLock()
	states := make([]*sinkState, len(r.sinks[identity]))
	copy(states, r.sinks[identity])
	r.mu.RUnlock()

	for _, st := range states {
		r.deliverOne(identity, st, event, payload)
	}
}

func (r *registry) deliverOne(identity string, st *sinkState, event string, payload []byte) {
	st.mu.Lock()
	if st.dead {
		st.mu.Unlock()
		return
	}
	if len(st.pending) > 0 {
		// Keep ordering: everything goes through the queue until it drains.
		st.pending = append(st.pending, [2]string{event, string(payload)})
		st.mu.Unlock()
		return
	}
	st.mu.Unlock()

	err := st.sink.Send(event, payload)
	switch {
	case err == nil:
		return
	case errors.Is(err, ErrSinkBusy):
		st.mu.Lock()
		st.pending = append(st.pending, [2]string{event, string(payload)})
		start := !st.flushing
		if start {
			st.flushing = true
		}
		st.mu.Unlock()
		if start {
			go r.flush(identity, st)
		}
	default:
		r.logger.Warn("sink write failed, deregistering", "identity", identity, "err", err)
		_ = st.sink.Close()
		r.remove(identity, st.sink)
	}
}

// flush resumes sending queued messages whenever the sink signals drain.
// If the sink errors or closes while messages are queued, the queue is
// discarded and the sink deregistered.
//
// The drain channel is captured before every send attempt, and the send is
// retried before parking: a drain signal fired between a busy Send and the
// park would otherwise be lost, stranding the queue. The flushing flag is
// cleared in the same critical section that observes an empty queue, so
// deliverOne can never append to a queue no flusher will revisit.
func (r *registry) flush(identity string, st *sinkState) {
	for {
		drained := st.sink.Drained()

		st.mu.Lock()
		if st.dead || len(st.pending) == 0 {
			st.flushing = false
			st.mu.Unlock()
			return
		}
		next := st.pending[0]
		st.mu.Unlock()

		err := st.sink.Send(next[0], []byte(next[1]))
		if errors.Is(err, ErrSinkBusy) {
			<-drained
			continue
		}
		if err != nil {
			st.mu.Lock()
			st.flushing = false
			st.mu.Unlock()
			r.logger.Warn("sink flush failed, discarding queue", "identity", identity, "err", err)
			_ = st.sink.Close()
			r.remove(identity, st.sink)
			return
		}

		st.mu.Lock()
		if len(st.pending) > 0 {
			st.pending = st.pending[1:]
		}
		st.mu.Unlock()
	}
}
