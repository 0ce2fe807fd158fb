package eventbus

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSConfig configures the NATS backend (grounded on go-server/pkg/nats/
// client.go's Config struct and connection-event handlers).
type NATSConfig struct {
	URL             string
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectJitter time.Duration
}

func (c NATSConfig) withDefaults() NATSConfig {
	if c.MaxReconnects == 0 {
		c.MaxReconnects = -1 // retry forever, matching nats.go's own convention for "unbounded"
	}
	if c.ReconnectWait == 0 {
		c.ReconnectWait = 2 * time.Second
	}
	if c.ReconnectJitter == 0 {
		c.ReconnectJitter = time.Second
	}
	return c
}

// NATSBackend publishes to NATS subjects, one subject per RAL channel.
type NATSBackend struct {
	conn   *nats.Conn
	logger zerolog.Logger
}

// NewNATSBackend connects to a NATS server with the teacher's reconnect
// handler wiring (client.go: ConnectHandler/DisconnectErrHandler/
// ReconnectHandler/ErrorHandler), logged through zerolog rather than the
// teacher's plain *log.Logger.
func NewNATSBackend(cfg NATSConfig, logger zerolog.Logger) (*NATSBackend, error) {
	cfg = cfg.withDefaults()
	log := logger.With().Str("component", "eventbus-nats").Logger()

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(cfg.ReconnectJitter, cfg.ReconnectJitter),
		nats.ConnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("connected to NATS")
		}),
		nats.DisconnectErrHandler(func(c *nats.Conn, err error) {
			log.Warn().Err(err).Msg("disconnected from NATS")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("reconnected to NATS")
		}),
		nats.ErrorHandler(func(c *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("eventbus: connect NATS: %w", err)
	}

	return &NATSBackend{conn: conn, logger: log}, nil
}

// Send publishes body to the NATS subject named channel.
func (b *NATSBackend) Send(channel string, body []byte) error {
	if err := b.conn.Publish(channel, body); err != nil {
		return fmt.Errorf("eventbus: nats publish to %s: %w", channel, err)
	}
	return nil
}

// Close drains and closes the NATS connection.
func (b *NATSBackend) Close() error {
	b.conn.Close()
	return nil
}
