// Package sinks provides delivery destinations for the processing
// pipeline.
package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/auditflow-go/contracts"
)

// AMQPSink publishes items to a RabbitMQ exchange in confirm mode. A
// delivery only counts as succeeded once the broker acks it, so the
// engine's at-least-once guarantee extends to the broker hand-off.
type AMQPSink struct {
	url            string
	exchange       string
	routingKey     string
	confirmTimeout time.Duration
	logger         *slog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// AMQPOption configures the sink
type AMQPOption func(*AMQPSink)

// WithExchange sets the target exchange
func WithExchange(exchange string) AMQPOption {
	return func(s *AMQPSink) {
		s.exchange = exchange
	}
}

// WithRoutingKey sets the routing key
func WithRoutingKey(key string) AMQPOption {
	return func(s *AMQPSink) {
		s.routingKey = key
	}
}

// WithConfirmTimeout sets how long to wait for a broker ack
func WithConfirmTimeout(timeout time.Duration) AMQPOption {
	return func(s *AMQPSink) {
		s.confirmTimeout = timeout
	}
}

// WithAMQPLogger sets the logger
func WithAMQPLogger(logger *slog.Logger) AMQPOption {
	return func(s *AMQPSink) {
		s.logger = logger
	}
}

// NewAMQPSink creates a sink publishing to the broker at url. The
// connection is established lazily on first delivery.
func NewAMQPSink(url string, options ...AMQPOption) *AMQPSink {
	s := &AMQPSink{
		url:            url,
		exchange:       "auditflow.events",
		routingKey:     "delivered",
		confirmTimeout: 5 * time.Second,
		logger:         slog.Default().With("component", "amqp-sink"),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// Name implements pipeline.Sink
func (s *AMQPSink) Name() string { return "amqp:" + s.exchange }

// SupportsBatch implements pipeline.Sink
func (s *AMQPSink) SupportsBatch() bool { return true }

// Deliver publishes one item and waits for the broker confirmation.
func (s *AMQPSink) Deliver(ctx context.Context, item *contracts.WorkItem) error {
	body, err := json.Marshal(item)
	if err != nil {
		return contracts.Fatal("encode item", err)
	}

	ch, err := s.channel()
	if err != nil {
		return contracts.Transient("amqp connect", err)
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(
		ctx,
		s.exchange,
		s.routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp.Persistent,
			MessageId:     item.ID,
			CorrelationId: item.CorrelationID,
			Timestamp:     item.CreatedAt,
			Body:          body,
		},
	)
	if err != nil {
		s.invalidate()
		return classifyAMQP("publish", err)
	}

	return s.await(ctx, confirm)
}

// DeliverBatch publishes all items on one channel, then waits for every
// confirmation. Any nack or timeout fails the whole batch.
func (s *AMQPSink) DeliverBatch(ctx context.Context, items []*contracts.WorkItem) error {
	ch, err := s.channel()
	if err != nil {
		return contracts.Transient("amqp connect", err)
	}

	confirms := make([]*amqp.DeferredConfirmation, 0, len(items))
	for _, item := range items {
		body, err := json.Marshal(item)
		if err != nil {
			return contracts.Fatal("encode item", err)
		}

		confirm, err := ch.PublishWithDeferredConfirmWithContext(
			ctx,
			s.exchange,
			s.routingKey,
			false,
			false,
			amqp.Publishing{
				ContentType:   "application/json",
				DeliveryMode:  amqp.Persistent,
				MessageId:     item.ID,
				CorrelationId: item.CorrelationID,
				Timestamp:     item.CreatedAt,
				Body:          body,
			},
		)
		if err != nil {
			s.invalidate()
			return classifyAMQP("publish batch", err)
		}
		confirms = append(confirms, confirm)
	}

	for _, confirm := range confirms {
		if err := s.await(ctx, confirm); err != nil {
			return err
		}
	}
	return nil
}

func (s *AMQPSink) await(ctx context.Context, confirm *amqp.DeferredConfirmation) error {
	waitCtx, cancel := context.WithTimeout(ctx, s.confirmTimeout)
	defer cancel()

	acked, err := confirm.WaitContext(waitCtx)
	if err != nil {
		s.invalidate()
		return contracts.Transient("await confirm", err)
	}
	if !acked {
		return contracts.Transient("await confirm", errors.New("message nacked by broker"))
	}
	return nil
}

// channel returns the shared confirm-mode channel, dialing on demand.
func (s *AMQPSink) channel() (*amqp.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ch != nil && !s.ch.IsClosed() {
		return s.ch, nil
	}

	if s.conn == nil || s.conn.IsClosed() {
		conn, err := amqp.Dial(s.url)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", s.url, err)
		}
		s.conn = conn
		s.logger.Info("connected to broker", "exchange", s.exchange)
	}

	ch, err := s.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("enable confirms: %w", err)
	}
	if err := ch.ExchangeDeclare(s.exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", s.exchange, err)
	}

	s.ch = ch
	return ch, nil
}

// invalidate drops the cached channel so the next delivery redials.
func (s *AMQPSink) invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch != nil {
		s.ch.Close()
		s.ch = nil
	}
}

// Close releases the broker connection.
func (s *AMQPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ch != nil {
		s.ch.Close()
		s.ch = nil
	}
	if s.conn != nil {
		err := s.conn.Close()
		s.conn = nil
		return err
	}
	return nil
}

// classifyAMQP maps broker errors onto the engine taxonomy. Broken
// connections and channels are retryable; hard protocol errors such as a
// missing exchange or refused access are not.
func classifyAMQP(op string, err error) error {
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		switch amqpErr.Code {
		case amqp.AccessRefused, amqp.NotFound, amqp.PreconditionFailed, amqp.NotAllowed:
			return contracts.Fatal(op, err)
		}
	}
	return contracts.Transient(op, err)
}
