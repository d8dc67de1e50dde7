// Copyright 2025 Auditflow Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package auditflow assembles the reliable delivery engine: a bounded
// work queue feeding a worker pool that verifies item integrity, delivers
// through a circuit breaker with scheduled retries, and captures
// permanent failures in a durable dead letter store.
package auditflow

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/glimte/auditflow-go/config"
	"github.com/glimte/auditflow-go/contracts"
	"github.com/glimte/auditflow-go/deadletter"
	"github.com/glimte/auditflow-go/health"
	"github.com/glimte/auditflow-go/integrity"
	"github.com/glimte/auditflow-go/pipeline"
	"github.com/glimte/auditflow-go/sinks"
)

// Client is the main entry point. It owns the processor, the dead letter
// store and the health registry.
type Client struct {
	cfg       *config.Config
	processor *pipeline.Processor
	verifier  *integrity.Verifier
	store     deadletter.Store
	sink      pipeline.Sink
	registry  *health.Registry
	logger    *slog.Logger
	ownsStore bool
}

type clientConfig struct {
	logger  *slog.Logger
	sink    pipeline.Sink
	store   deadletter.Store
	signer  integrity.Signer
	metrics pipeline.MetricsRecorder
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for every component.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *clientConfig) { c.logger = logger }
}

// WithSink overrides the default AMQP sink.
func WithSink(sink pipeline.Sink) ClientOption {
	return func(c *clientConfig) { c.sink = sink }
}

// WithStore overrides the default SQLite dead letter store. The caller
// keeps ownership and must close it.
func WithStore(store deadletter.Store) ClientOption {
	return func(c *clientConfig) { c.store = store }
}

// WithSigner delegates integrity signatures to an external signer
// instead of the shared-secret HMAC.
func WithSigner(signer integrity.Signer) ClientOption {
	return func(c *clientConfig) { c.signer = signer }
}

// WithMetrics overrides the metrics recorder.
func WithMetrics(m pipeline.MetricsRecorder) ClientOption {
	return func(c *clientConfig) { c.metrics = m }
}

// NewClient builds and starts an engine from cfg. Pass nil to load the
// configuration from the environment.
func NewClient(cfg *config.Config, options ...ClientOption) (*Client, error) {
	if cfg == nil {
		loaded, err := config.Load()
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cc := &clientConfig{logger: slog.Default()}
	for _, opt := range options {
		opt(cc)
	}

	logger := cc.logger

	sink := cc.sink
	if sink == nil {
		sink = sinks.NewAMQPSink(cfg.AMQPURL,
			sinks.WithExchange(cfg.AMQPExchange),
			sinks.WithRoutingKey(cfg.AMQPRoutingKey),
			sinks.WithAMQPLogger(logger),
		)
	}

	store := cc.store
	ownsStore := false
	if store == nil {
		sqlStore, err := deadletter.NewSQLiteStore(cfg.DeadLetterPath)
		if err != nil {
			return nil, fmt.Errorf("open dead letter store: %w", err)
		}
		store = sqlStore
		ownsStore = true
	}

	verifierOpts := []integrity.VerifierOption{
		integrity.WithFields(cfg.IntegrityFields...),
		integrity.WithVerifierLogger(logger),
	}
	if cc.signer != nil {
		verifierOpts = append(verifierOpts, integrity.WithSigner(cc.signer))
	} else if cfg.IntegritySecret != "" {
		verifierOpts = append(verifierOpts, integrity.WithSharedSecret([]byte(cfg.IntegritySecret)))
	}
	verifier := integrity.NewVerifier(verifierOpts...)

	metrics := cc.metrics
	if metrics == nil {
		metrics = pipeline.NopMetrics{}
		if cfg.MetricsEnabled {
			m, err := pipeline.NewOtelMetrics()
			if err != nil {
				return nil, fmt.Errorf("init metrics: %w", err)
			}
			metrics = m
		}
	}

	backpressure := pipeline.Reject
	if cfg.Backpressure == "block" {
		backpressure = pipeline.Block
	}
	drainPolicy := pipeline.DrainComplete
	if cfg.DrainPolicy == "dead-letter" {
		drainPolicy = pipeline.DrainToDeadLetter
	}

	opts := []pipeline.ProcessorOption{
		pipeline.WithWorkers(cfg.Workers),
		pipeline.WithQueueCapacity(cfg.QueueCapacity),
		pipeline.WithBackpressure(backpressure),
		pipeline.WithVerifier(verifier),
		pipeline.WithRetry(pipeline.RetryConfig{
			MaxAttempts:  cfg.RetryMaxAttempts,
			InitialDelay: cfg.RetryInitialDelay,
			MaxDelay:     cfg.RetryMaxDelay,
			Multiplier:   cfg.RetryMultiplier,
			Jitter:       cfg.RetryJitter,
		}),
		pipeline.WithBreaker(pipeline.BreakerConfig{
			FailureThreshold: cfg.BreakerFailureThreshold,
			SuccessThreshold: cfg.BreakerSuccessThreshold,
			OpenTimeout:      cfg.BreakerOpenTimeout,
			TrialConcurrency: cfg.BreakerTrialConcurrency,
		}),
		pipeline.WithDrainPolicy(drainPolicy),
		pipeline.WithDrainTimeout(cfg.DrainTimeout),
		pipeline.WithMetrics(metrics),
		pipeline.WithProcessorLogger(logger),
	}
	if cfg.BatchMaxSize > 1 {
		opts = append(opts, pipeline.WithBatching(cfg.BatchMaxSize, cfg.BatchMaxAge))
	}

	processor, err := pipeline.NewProcessor(sink, store, opts...)
	if err != nil {
		if ownsStore {
			store.(*deadletter.SQLiteStore).Close()
		}
		return nil, err
	}

	registry := health.NewRegistry()
	registry.Register(health.NewCircuitChecker(processor))
	registry.Register(health.NewQueueChecker(processor, 0.8))
	registry.Register(health.NewDeadLetterChecker(store, 1))

	client := &Client{
		cfg:       cfg,
		processor: processor,
		verifier:  verifier,
		store:     store,
		sink:      sink,
		registry:  registry,
		logger:    logger,
		ownsStore: ownsStore,
	}

	processor.Start()
	return client, nil
}

// Submit creates a sealed work item from payload and fields and hands it
// to the engine. It returns the accepted item so the caller can track it.
func (c *Client) Submit(ctx context.Context, payload []byte, fields map[string]string) (*contracts.WorkItem, error) {
	item := contracts.NewWorkItem(payload)
	item.Fields = fields
	if err := c.verifier.Seal(ctx, item); err != nil {
		return nil, err
	}
	if err := c.processor.Enqueue(ctx, item); err != nil {
		return nil, err
	}
	return item, nil
}

// Enqueue accepts a pre-built item. Items sealed elsewhere keep their
// digest; unsealed items will fail verification unless the verifier has
// no integrity fields configured.
func (c *Client) Enqueue(ctx context.Context, item *contracts.WorkItem) error {
	return c.processor.Enqueue(ctx, item)
}

// Verifier returns the engine's integrity verifier so producers in other
// processes of the same trust domain can seal items compatibly.
func (c *Client) Verifier() *integrity.Verifier {
	return c.verifier
}

// DeadLetters lists dead letter records matching the filter.
func (c *Client) DeadLetters(ctx context.Context, filter deadletter.Filter) ([]*deadletter.Record, error) {
	return c.store.List(ctx, filter)
}

// Replay re-enqueues a dead-lettered item with a fresh retry budget. The
// record is removed only after the queue accepts the item.
func (c *Client) Replay(ctx context.Context, recordID string) error {
	return deadletter.Replay(ctx, c.store, c.processor, recordID)
}

// PurgeDeadLetters removes records captured before the cutoff.
func (c *Client) PurgeDeadLetters(ctx context.Context, before time.Time) (int, error) {
	return c.store.Purge(ctx, before)
}

// Health runs every registered check.
func (c *Client) Health(ctx context.Context) health.OverallHealth {
	return c.registry.Check(ctx)
}

// HealthHandler returns an HTTP handler serving the health report.
func (c *Client) HealthHandler() http.Handler {
	return health.NewHandler(c.registry, 5*time.Second)
}

// QueueDepth returns the current queue depth.
func (c *Client) QueueDepth() int { return c.processor.QueueDepth() }

// CircuitState returns the breaker state name.
func (c *Client) CircuitState() string { return c.processor.CircuitState() }

// Shutdown drains the engine per the configured drain policy and closes
// owned resources. Items that cannot be delivered in time are
// dead-lettered, never dropped.
func (c *Client) Shutdown(ctx context.Context) error {
	err := c.processor.Shutdown(ctx)

	if closer, ok := c.sink.(interface{ Close() error }); ok {
		if cerr := closer.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if c.ownsStore {
		if closer, ok := c.store.(interface{ Close() error }); ok {
			if cerr := closer.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	}
	return err
}
