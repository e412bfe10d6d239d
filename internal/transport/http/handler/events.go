package handler

import (
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"

	"askdocs/internal/events"
	"askdocs/internal/transport/http/middleware"
	"askdocs/internal/transport/http/response"
)

var errSinkClosed = errors.New("sink closed")

type EventsHandler struct {
	fanout *events.Fanout
}

func NewEventsHandler(fanout *events.Fanout) *EventsHandler {
	return &EventsHandler{fanout: fanout}
}

// Subscribe holds an SSE connection open and forwards every event published
// for the caller's identity until the client disconnects.
func (h *EventsHandler) Subscribe(c *gin.Context) {
	identity, ok := middleware.IdentityFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "stream not supported")
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	sink := newSSESink(16)
	h.fanout.Register(identity.UserID, sink)
	defer h.fanout.Unregister(identity.UserID, sink)

	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	done := c.Request.Context().Done()
	for {
		select {
		case <-done:
			_ = sink.Close()
			return
		case msg, ok := <-sink.out:
			if !ok {
				return
			}
			if _, err := c.Writer.Write([]byte("event: " + msg[0] + "\ndata: " + sanitizeSSE(msg[1]) + "\n\n")); err != nil {
				_ = sink.Close()
				return
			}
			flusher.Flush()
			sink.drained()
		}
	}
}

// sseSink adapts one SSE connection to the fan-out Sink contract. Send is
// non-blocking: when the buffer is full it reports busy, and the drain
// signal fires as the connection loop catches up.
type sseSink struct {
	out chan [2]string

	mu      sync.Mutex
	drainCh chan struct{}
	closed  bool
}

func newSSESink(buffer int) *sseSink {
	return &sseSink{
		out:     make(chan [2]string, buffer),
		drainCh: make(chan struct{}),
	}
}

func (s *sseSink) Send(event string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSinkClosed
	}
	select {
	case s.out <- [2]string{event, string(payload)}:
		return nil
	default:
		return events.ErrSinkBusy
	}
}

func (s *sseSink) Drained() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drainCh
}

// drained fires the drain signal after a message leaves the buffer, waking
// any registry flusher parked on Drained.
func (s *sseSink) drained() {
	s.mu.Lock()
	close(s.drainCh)
	s.drainCh = make(chan struct{})
	s.mu.Unlock()
}

func (s *sseSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.out)
	}
	return nil
}
