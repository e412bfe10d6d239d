package events

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
)

// Broadcaster carries event envelopes between process instances. The Redis
// implementation lives in broadcast.go; tests use an in-memory one.
type Broadcaster interface {
	Broadcast(ctx context.Context, payload []byte) error
	Subscribe(ctx context.Context) (<-chan []byte, error)
}

// envelope is the wire format shared by all instances. Origin lets the
// publishing process skip its own broadcast echo, since it already delivered
// locally.
type envelope struct {
	Origin   string          `json:"origin"`
	Identity string          `json:"identity"`
	Event    string          `json:"event"`
	Payload  json.RawMessage `json:"payload"`
}

// Fanout broadcasts events to every process instance and delivers them to
// the local sinks registered for the target identity.
type Fanout struct {
	instanceID  string
	registry    *registry
	broadcaster Broadcaster
	logger      *slog.Logger
}

func NewFanout(broadcaster Broadcaster, logger *slog.Logger) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{
		instanceID:  uuid.NewString(),
		registry:    newRegistry(logger),
		broadcaster: broadcaster,
		logger:      logger,
	}
}

// Register attaches a sink for identity. The sink receives every event
// published to that identity until Unregister or a write failure.
func (f *Fanout) Register(identity string, sink Sink) {
	f.registry.add(identity, sink)
}

func (f *Fanout) Unregister(identity string, sink Sink) {
	f.registry.remove(identity, sink)
}

// Identities reports how many identities currently hold open sinks.
func (f *Fanout) Identities() int {
	return f.registry.identityCount()
}

// Publish delivers (event, payload) to every sink for identity across all
// instances. When the broadcast transport fails, local sinks are still
// served and false is returned so callers see the cluster-wide delivery
// degrade rather than silently losing it.
func (f *Fanout) Publish(ctx context.Context, identity, event string, payload any) bool {
	raw, err := json.Marshal(payload)
	if err != nil {
		f.logger.Error("event payload marshal failed", "event", event, "err", err)
		return false
	}

	env := envelope{
		Origin:   f.instanceID,
		Identity: identity,
		Event:    event,
		Payload:  raw,
	}
	wire, err := json.Marshal(env)
	if err != nil {
		f.logger.Error("event envelope marshal failed", "event", event, "err", err)
		return false
	}

	// Local delivery happens unconditionally so a broken broker degrades to
	// local-only fan-out instead of dropping the event entirely.
	f.registry.deliver(identity, event, raw)

	if f.broadcaster == nil {
		return true
	}
	if err := f.broadcaster.Broadcast(ctx, wire); err != nil {
		f.logger.Warn("event broadcast failed, delivered locally only",
			"event", event, "identity", identity, "err", err)
		return false
	}
	return true
}

// Run consumes the broadcast channel and forwards inbound envelopes to local
// sinks until ctx is done. Envelopes originating from this instance are
// skipped; they were already delivered in Publish.
func (f *Fanout) Run(ctx context.Context) error {
	if f.broadcaster == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	inbound, err := f.broadcaster.Subscribe(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case wire, ok := <-inbound:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal(wire, &env); err != nil {
				f.logger.Warn("malformed event envelope dropped", "err", err)
				continue
			}
			if env.Origin == f.instanceID {
				continue
			}
			f.registry.deliver(env.Identity, env.Event, env.Payload)
		}
	}
}
