// Package messaging provides the NATS client shared by ChattRoom services.
// Message creation events travel on a JetStream stream so every message is
// moderated at least once; room change notifications use plain NATS fan-out.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/chattroom/chat-app/internal/logging"
)

// NATS subjects and JetStream names used across ChattRoom services.
const (
	SubjectMessageCreated = "messages.created"
	SubjectRoomChanged    = "room.changed"

	StreamMessages    = "MESSAGES"
	ConsumerModerator = "moderator"
)

// ErrDrop tells the consumer to terminate a delivery instead of asking for
// redelivery. Wrap it for payloads that can never succeed.
var ErrDrop = errors.New("messaging: drop delivery")

// Handler processes one delivery. A nil error acknowledges it.
type Handler func(ctx context.Context, data []byte) error

// NATSClient wraps the NATS connection and its JetStream context.
type NATSClient struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger

	mu        sync.Mutex
	subs      map[string]*nats.Subscription
	consumers []jetstream.ConsumeContext
	closing   bool
	inflight  sync.WaitGroup
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "chattroom",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig, logger *slog.Logger) (*NATSClient, error) {
	logger = logging.Component(logger, "nats")

	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info("connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("messaging: connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("messaging: jetstream: %w", err)
	}

	logger.Info("connected", "url", nc.ConnectedUrl())

	return &NATSClient{
		conn:   nc,
		js:     js,
		logger: logger,
		subs:   make(map[string]*nats.Subscription),
	}, nil
}

// EnsureStream creates or updates the MESSAGES stream. Both publishers and
// consumers call it at startup.
func (c *NATSClient) EnsureStream(ctx context.Context) error {
	_, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       StreamMessages,
		Subjects:   []string{SubjectMessageCreated},
		Retention:  jetstream.LimitsPolicy,
		Storage:    jetstream.FileStorage,
		MaxAge:     24 * time.Hour,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("messaging: ensure stream %s: %w", StreamMessages, err)
	}
	return nil
}

// Publish sends data to the given core NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("messaging: publish %s: %w", subject, err)
	}
	return nil
}

// PublishMessageCreated stores a creation event in the MESSAGES stream. The
// message id doubles as the JetStream deduplication id, so a retried publish
// does not produce a second event.
func (c *NATSClient) PublishMessageCreated(ctx context.Context, messageID string, data []byte) error {
	if _, err := c.js.Publish(ctx, SubjectMessageCreated, data, jetstream.WithMsgID(messageID)); err != nil {
		return fmt.Errorf("messaging: publish %s %s: %w", SubjectMessageCreated, messageID, err)
	}
	return nil
}

// PublishRoomChanged notifies every feed subscriber.
func (c *NATSClient) PublishRoomChanged(data []byte) error {
	return c.Publish(SubjectRoomChanged, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("messaging: subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// SubscribeRoomChanged subscribes to room change notifications.
func (c *NATSClient) SubscribeRoomChanged(handler func(data []byte)) error {
	return c.Subscribe(SubjectRoomChanged, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// ConsumerConfig tunes the durable messages.created consumer.
type ConsumerConfig struct {
	Durable     string
	MaxInFlight int           // concurrent handler invocations and unacked deliveries
	AckWait     time.Duration // redelivery deadline for an unacked delivery
	MaxDeliver  int           // attempts before JetStream gives up
}

// DefaultConsumerConfig returns the moderator consumer settings.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Durable:     ConsumerModerator,
		MaxInFlight: 10,
		AckWait:     45 * time.Second,
		MaxDeliver:  5,
	}
}

// ConsumeMessageCreated starts delivering messages.created events to handler,
// each in its own goroutine with at most cfg.MaxInFlight running at once.
// Deliveries are acked on success, terminated on ErrDrop and negatively
// acked with a growing delay otherwise.
func (c *NATSClient) ConsumeMessageCreated(ctx context.Context, cfg ConsumerConfig, handler Handler) error {
	cons, err := c.js.CreateOrUpdateConsumer(ctx, StreamMessages, jetstream.ConsumerConfig{
		Durable:       cfg.Durable,
		FilterSubject: SubjectMessageCreated,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       cfg.AckWait,
		MaxDeliver:    cfg.MaxDeliver,
		MaxAckPending: cfg.MaxInFlight,
	})
	if err != nil {
		return fmt.Errorf("messaging: create consumer %s: %w", cfg.Durable, err)
	}

	slots := make(chan struct{}, cfg.MaxInFlight)

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		slots <- struct{}{}
		if !c.begin() {
			<-slots
			if err := msg.Nak(); err != nil {
				c.logger.Debug("nak during close", "subject", msg.Subject(), "error", err)
			}
			return
		}
		go func() {
			defer func() {
				<-slots
				c.inflight.Done()
			}()
			c.settle(msg, handler(ctx, msg.Data()))
		}()
	})
	if err != nil {
		return fmt.Errorf("messaging: consume %s: %w", cfg.Durable, err)
	}

	c.mu.Lock()
	c.consumers = append(c.consumers, cc)
	c.mu.Unlock()

	c.logger.Info("consuming", "subject", SubjectMessageCreated, "durable", cfg.Durable, "max_in_flight", cfg.MaxInFlight)
	return nil
}

// begin registers one in-flight handler. It reports false once Close has
// started; the WaitGroup is only added to under mu while not closing.
func (c *NATSClient) begin() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return false
	}
	c.inflight.Add(1)
	return true
}

func (c *NATSClient) settle(msg jetstream.Msg, err error) {
	var ackErr error
	switch {
	case err == nil:
		ackErr = msg.Ack()
	case errors.Is(err, ErrDrop):
		ackErr = msg.Term()
	default:
		var delivered uint64 = 1
		if meta, metaErr := msg.Metadata(); metaErr == nil {
			delivered = meta.NumDelivered
		}
		ackErr = msg.NakWithDelay(RetryDelay(delivered))
	}
	if ackErr != nil {
		c.logger.Warn("settle delivery", "subject", msg.Subject(), "error", ackErr)
	}
}

// stopConsumers refuses new deliveries, stops every consumer and waits for
// the handlers already running.
func (c *NATSClient) stopConsumers() {
	c.mu.Lock()
	c.closing = true
	for _, cc := range c.consumers {
		cc.Stop()
	}
	c.consumers = nil
	c.mu.Unlock()

	c.inflight.Wait()
}

// RetryDelay is the redelivery delay after the given number of attempts:
// 1s, 2s, 4s, ... capped at 30s.
func RetryDelay(delivered uint64) time.Duration {
	const maxDelay = 30 * time.Second
	if delivered == 0 {
		delivered = 1
	}
	if delivered > 6 {
		return maxDelay
	}
	d := time.Second << (delivered - 1)
	if d > maxDelay {
		return maxDelay
	}
	return d
}

// Close stops consumers, waits for in-flight handlers, drains all
// subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.stopConsumers()

	c.mu.Lock()
	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.logger.Warn("drain subscription", "subject", subject, "error", err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)
	c.mu.Unlock()

	if err := c.conn.Drain(); err != nil {
		c.logger.Warn("connection drain", "error", err)
	}

	c.logger.Info("client closed")
}
