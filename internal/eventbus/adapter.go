// Package eventbus implements the Event Bus Adapter (spec.md §4.6): a thin
// publish(channel, payload) wrapper over one of two interchangeable
// backends. Both backends a pack variant carries — nats.go
// (go-server/pkg/nats/client.go) and franz-go
// (ws/kafka/consumer.go, there a consumer, here adapted to a producer) —
// are wired in so neither third-party dependency goes unused: RAL picks one
// at construction via config.EventBusBackend.
package eventbus

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/odinlabs/solana-ral/internal/metrics"
)

// Envelope is the wire format every published event carries (spec.md §4.6).
type Envelope struct {
	Type      string          `json:"type"`
	Timestamp string          `json:"timestamp"`
	ID        string          `json:"id"`
	Data      json.RawMessage `json:"data"`
}

// Backend sends one already-serialized event to one channel. Both
// concrete backends (NATS subject, Kafka/Redpanda topic) implement it.
type Backend interface {
	Send(channel string, body []byte) error
	Close() error
}

// Publisher is the Event Bus Adapter's public surface (spec.md §4.6).
type Publisher struct {
	backend Backend
	logger  zerolog.Logger
	nextID  uint64
	metrics *metrics.Registry
}

// New builds a Publisher over the given Backend.
func New(backend Backend, logger zerolog.Logger) *Publisher {
	return &Publisher{
		backend: backend,
		logger:  logger.With().Str("component", "eventbus").Logger(),
	}
}

// SetMetrics wires a Prometheus registry into the publisher's internal
// instrumentation. Optional; nil disables recording.
func (p *Publisher) SetMetrics(m *metrics.Registry) {
	p.metrics = m
}

// Publish serializes payload as UTF-8 JSON, wraps it in the envelope, and
// hands it to the backend. Failures are logged and swallowed — they must
// never block the producing operation (spec.md §4.6).
func (p *Publisher) Publish(channel string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error().Err(err).Str("channel", channel).Msg("failed to marshal event payload")
		return
	}

	env := Envelope{
		Type:      channel,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		ID:        p.nextEventID(),
		Data:      data,
	}

	body, err := json.Marshal(env)
	if err != nil {
		p.logger.Error().Err(err).Str("channel", channel).Msg("failed to marshal event envelope")
		return
	}

	if err := p.backend.Send(channel, body); err != nil {
		p.logger.Warn().Err(err).Str("channel", channel).Msg("event bus publish failed, dropping")
		if p.metrics != nil {
			p.metrics.EventBusPublishFail.WithLabelValues(channel).Inc()
		}
	}
}

func (p *Publisher) nextEventID() string {
	n := atomic.AddUint64(&p.nextID, 1)
	return fmt.Sprintf("%d-%d", time.Now().UnixNano(), n)
}

// Close releases the underlying backend's resources.
func (p *Publisher) Close() error {
	return p.backend.Close()
}
