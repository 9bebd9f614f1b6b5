// Package natsjetstream provides a saga.Bus backed by NATS JetStream,
// for deployments where the bus must outlive any one process and
// redeliver events a crashed participant never acked. Adapted from
// the teacher's messaging/transport/natsjetstream.Transport: same
// connect-then-ensure-stream-then-subscribe lifecycle, narrowed to the
// one publish/subscribe concern the saga engine needs.
//
// NATS subjects cannot contain colons, so every "saga:<type>" topic
// the saga package hands this transport is translated to
// "saga.<type>" on the wire and translated back on subscribe; callers
// never see the translated form.
package natsjetstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	cherrors "choreosaga/errors"
	"choreosaga/logging"
	"choreosaga/saga"
)

// Config configures the JetStream transport.
type Config struct {
	URL           string
	Stream        string
	SubjectPrefix string
	DurablePrefix string
	AckWait       time.Duration
	MaxAckPending int
	Logger        logging.ILogger
	Conn          *nats.Conn

	Retention         string // workqueue|limits|interest, default workqueue
	MaxBytes          int64
	Replicas          int
	MaxMsgsPerSubject int64 // default -1 (unbounded)
}

// Handler receives every ChoreographyEvent delivered for a subscribed
// topic. saga.Engine.HandleSagaEvent satisfies this.
type Handler func(ctx context.Context, event saga.ChoreographyEvent) error

// Bus is a saga.Bus backed by a NATS JetStream stream.
type Bus struct {
	cfg    Config
	logger logging.ILogger

	conn     *nats.Conn
	js       nats.JetStreamContext
	ownsConn bool

	mu       sync.RWMutex
	handlers map[string][]Handler
	subs     map[string]*nats.Subscription
	running  bool
}

// topicToSubject rewrites a "saga:<type>" topic to the NATS-legal
// "<prefix><type>" subject form.
func (b *Bus) topicToSubject(topic string) string {
	return b.cfg.SubjectPrefix + strings.TrimPrefix(topic, "saga:")
}

// New builds a Bus. Connect must be called before Publish or Subscribe
// take effect against a live stream.
func New(cfg Config) *Bus {
	if cfg.Stream == "" {
		cfg.Stream = "CHOREOSAGA"
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "saga."
	}
	if cfg.DurablePrefix == "" {
		cfg.DurablePrefix = "choreosaga-"
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = 30 * time.Second
	}
	if cfg.MaxAckPending <= 0 {
		cfg.MaxAckPending = 1024
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.GetLogger().WithFields(logging.String("component", "bus.natsjetstream"))
	}
	return &Bus{
		cfg:      cfg,
		logger:   cfg.Logger,
		handlers: make(map[string][]Handler),
		subs:     make(map[string]*nats.Subscription),
	}
}

// Connect establishes the NATS connection (if cfg.Conn wasn't already
// supplied) and ensures the backing stream exists, then subscribes any
// handler registered before Connect was called.
func (b *Bus) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return cherrors.New(cherrors.ErrCodeConflict, "bus/natsjetstream: already connected")
	}
	if err := b.ensureConnectionLocked(); err != nil {
		return err
	}
	if err := b.ensureStreamLocked(); err != nil {
		return err
	}
	for topic := range b.handlers {
		if err := b.subscribeLocked(topic); err != nil {
			return err
		}
	}
	b.running = true
	return nil
}

func (b *Bus) ensureConnectionLocked() error {
	if b.conn != nil && b.js != nil {
		return nil
	}
	if b.cfg.Conn != nil {
		b.conn = b.cfg.Conn
	} else {
		url := b.cfg.URL
		if url == "" {
			url = nats.DefaultURL
		}
		conn, err := nats.Connect(url)
		if err != nil {
			return cherrors.Wrap(context.Background(), err, cherrors.ErrCodeQueue, "bus/natsjetstream: connect")
		}
		b.conn = conn
		b.ownsConn = true
	}
	js, err := b.conn.JetStream()
	if err != nil {
		return cherrors.Wrap(context.Background(), err, cherrors.ErrCodeQueue, "bus/natsjetstream: jetstream context")
	}
	b.js = js
	return nil
}

func (b *Bus) ensureStreamLocked() error {
	_, err := b.js.StreamInfo(b.cfg.Stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) && !strings.Contains(err.Error(), "stream not found") {
		return cherrors.Wrap(context.Background(), err, cherrors.ErrCodeQueue, "bus/natsjetstream: stream info")
	}

	retention := nats.WorkQueuePolicy
	switch strings.ToLower(b.cfg.Retention) {
	case "limits":
		retention = nats.LimitsPolicy
	case "interest":
		retention = nats.InterestPolicy
	}
	sc := &nats.StreamConfig{
		Name:              b.cfg.Stream,
		Subjects:          []string{b.cfg.SubjectPrefix + ">"},
		Retention:         retention,
		MaxMsgsPerSubject: -1,
	}
	if b.cfg.MaxMsgsPerSubject != 0 {
		sc.MaxMsgsPerSubject = b.cfg.MaxMsgsPerSubject
	}
	if b.cfg.MaxBytes > 0 {
		sc.MaxBytes = b.cfg.MaxBytes
	}
	if b.cfg.Replicas > 0 {
		sc.Replicas = b.cfg.Replicas
	}
	if _, err := b.js.AddStream(sc); err != nil {
		return cherrors.Wrap(context.Background(), err, cherrors.ErrCodeQueue, "bus/natsjetstream: add stream")
	}
	return nil
}

// Subscribe registers handler for every event published to topic. If
// the bus is already connected the subscription is established
// immediately; otherwise it's deferred until Connect.
func (b *Bus) Subscribe(topic string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], handler)
	if b.running {
		return b.subscribeLocked(topic)
	}
	return nil
}

func (b *Bus) subscribeLocked(topic string) error {
	if _, exists := b.subs[topic]; exists {
		return nil
	}
	subject := b.topicToSubject(topic)
	durable := b.cfg.DurablePrefix + strings.ReplaceAll(topic, ":", "-")
	sub, err := b.js.QueueSubscribe(subject, durable, b.messageHandler(topic),
		nats.ManualAck(),
		nats.Durable(durable),
		nats.AckWait(b.cfg.AckWait),
		nats.MaxAckPending(b.cfg.MaxAckPending))
	if err != nil {
		return cherrors.Wrap(context.Background(), err, cherrors.ErrCodeQueue, fmt.Sprintf("bus/natsjetstream: subscribe %s", subject))
	}
	b.subs[topic] = sub
	return nil
}

func (b *Bus) messageHandler(topic string) nats.MsgHandler {
	return func(msg *nats.Msg) {
		event, err := saga.DecodeChoreographyEvent(msg.Data)
		if err != nil {
			b.logger.Warn(context.Background(), "decode nats message failed",
				logging.String("topic", topic), logging.Error(err))
			_ = msg.Ack()
			return
		}

		b.mu.RLock()
		handlers := append([]Handler(nil), b.handlers[topic]...)
		b.mu.RUnlock()

		for _, h := range handlers {
			if err := h(context.Background(), event); err != nil {
				b.logger.Warn(context.Background(), "saga handler returned error",
					logging.String("topic", topic), logging.Error(err))
			}
		}
		if err := msg.Ack(); err != nil {
			b.logger.Warn(context.Background(), "nats ack failed", logging.Error(err))
		}
	}
}

// Publish encodes event and publishes it to topic's JetStream subject.
func (b *Bus) Publish(ctx context.Context, topic string, event saga.ChoreographyEvent) error {
	b.mu.RLock()
	js := b.js
	running := b.running
	b.mu.RUnlock()
	if !running || js == nil {
		return cherrors.New(cherrors.ErrCodeServiceUnavailable, "bus/natsjetstream: not connected")
	}

	data, err := saga.EncodeChoreographyEvent(event)
	if err != nil {
		return fmt.Errorf("bus/natsjetstream: encode: %w", err)
	}
	if _, err := js.Publish(b.topicToSubject(topic), data); err != nil {
		return cherrors.Wrap(ctx, err, cherrors.ErrCodeQueue, "bus/natsjetstream: publish")
	}
	return nil
}

// Close drains every subscription and closes the connection, if this
// Bus opened it.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		if b.ownsConn && b.conn != nil {
			b.conn.Close()
		}
		return nil
	}
	b.running = false
	for topic, sub := range b.subs {
		_ = sub.Drain()
		delete(b.subs, topic)
	}
	if b.ownsConn && b.conn != nil {
		b.conn.Close()
	}
	b.conn = nil
	b.js = nil
	return nil
}
