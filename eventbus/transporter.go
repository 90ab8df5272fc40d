package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/programme-lv/grader/event"
	"github.com/programme-lv/grader/metrics"
)

const (
	KindAMQP   = "amqp"
	KindSQS    = "sqs"
	KindMemory = "memory"
)

type Options struct {
	Kind        string
	URL         string
	Transformer event.Transformer

	// AMQP only
	Exchange           string
	DeadLetterExchange string
	Prefetch           int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Transporter publishes and consumes catalog events over one broker with one
// wire transformer. One instance is shared by the whole process.
type Transporter struct {
	broker Broker
	tf     event.Transformer
	logger *slog.Logger
	m      *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	// guards wg.Add against a concurrent Shutdown
	mu sync.Mutex

	closeOnce sync.Once
}

type Option func(*Transporter)

func WithLogger(l *slog.Logger) Option {
	return func(t *Transporter) {
		if l != nil {
			t.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Transporter) { t.m = m }
}

func New(broker Broker, tf event.Transformer, opts ...Option) *Transporter {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transporter{
		broker: broker,
		tf:     tf,
		logger: slog.Default().With("module", "eventbus"),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Dial connects to the broker named by opts.Kind and fails when it cannot be
// reached.
func Dial(ctx context.Context, opts Options) (*Transporter, error) {
	if opts.Transformer == nil {
		return nil, errors.New("eventbus: a wire transformer is required")
	}
	if opts.Kind != KindMemory && opts.URL == "" {
		return nil, fmt.Errorf("eventbus: %s transport requires a connection string", opts.Kind)
	}

	var (
		broker Broker
		err    error
	)
	switch opts.Kind {
	case KindAMQP:
		broker, err = DialAMQP(ctx, opts.URL, AMQPConfig{
			Exchange:           opts.Exchange,
			DeadLetterExchange: opts.DeadLetterExchange,
			Prefetch:           opts.Prefetch,
			Logger:             opts.Logger,
		})
	case KindSQS:
		broker, err = DialSQS(ctx, opts.URL, opts.Logger)
	case KindMemory:
		broker = NewMemoryBroker()
	default:
		return nil, fmt.Errorf("eventbus: unknown transport %q", opts.Kind)
	}
	if err != nil {
		return nil, err
	}
	return New(broker, opts.Transformer, WithLogger(opts.Logger), WithMetrics(opts.Metrics)), nil
}

// Bind verifies that every topic this process emits has a route. Run it at
// startup after the local consumers are registered.
func (t *Transporter) Bind(ctx context.Context, topics ...string) error {
	for _, topic := range topics {
		if err := t.broker.Bind(ctx, topic); err != nil {
			return fmt.Errorf("failed to bind %s: %w", topic, err)
		}
		t.logger.Info("route bound", "topic", topic)
	}
	return nil
}

// Shutdown stops all consumers, waits for in-flight handlers and closes the
// broker connection.
func (t *Transporter) Shutdown(ctx context.Context) error {
	var err error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.cancel()
		t.mu.Unlock()
		done := make(chan struct{})
		go func() {
			t.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = fmt.Errorf("consumers did not drain: %w", ctx.Err())
		}
		if cerr := t.broker.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	})
	return err
}

// enter registers an in-flight handler. It reports false once Shutdown has
// started.
func (t *Transporter) enter() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ctx.Err() != nil {
		return false
	}
	t.wg.Add(1)
	return true
}

// Emit validates payload, wraps it and publishes it to the descriptor's topic.
// Failures are logged and returned; the transporter never retries.
func Emit[T any](ctx context.Context, t *Transporter, d event.Descriptor[T], payload T) error {
	msg, err := event.Wrap(ctx, t.tf, d, payload)
	if err != nil {
		t.m.EmitFailed(d.Name)
		t.logger.Error("refusing to emit invalid event", "topic", d.Name, "error", err)
		return err
	}
	if err := t.broker.Publish(ctx, d.Name, msg); err != nil {
		t.m.EmitFailed(d.Name)
		t.logger.Error("failed to emit event", "topic", d.Name, "error", err)
		return fmt.Errorf("failed to emit %s: %w", d.Name, err)
	}
	t.m.EventEmitted(d.Name)
	return nil
}

// Consume subscribes handler to the descriptor's topic. Invalid messages are
// rejected before reaching handler. A handler error nacks the message unless
// it wraps event.ErrInvalidEvent, which rejects it.
func Consume[T any](ctx context.Context, t *Transporter, d event.Descriptor[T], handler func(context.Context, T) error) error {
	subCtx, cancel := context.WithCancel(t.ctx)
	context.AfterFunc(ctx, cancel)

	logger := t.logger.With("topic", d.Name)
	err := t.broker.Subscribe(subCtx, d.Name, func(ctx context.Context, del Delivery) Disposition {
		if !t.enter() {
			// shutting down, leave the message for another consumer
			return Nack
		}
		defer t.wg.Done()

		ctx, payload, err := event.Unwrap(ctx, t.tf, d, del.Body)
		if err != nil {
			logger.Warn("rejecting invalid event", "error", err)
			t.m.EventConsumed(d.Name, Reject.String())
			return Reject
		}
		if err := handler(ctx, payload); err != nil {
			if errors.Is(err, event.ErrInvalidEvent) {
				logger.Warn("handler rejected event", "error", err)
				t.m.EventConsumed(d.Name, Reject.String())
				return Reject
			}
			logger.Error("event handler failed", "error", err, "redelivered", del.Redelivered)
			t.m.EventConsumed(d.Name, Nack.String())
			return Nack
		}
		t.m.EventConsumed(d.Name, Ack.String())
		return Ack
	})
	if err != nil {
		cancel()
		return fmt.Errorf("failed to subscribe to %s: %w", d.Name, err)
	}
	logger.Info("consuming")
	return nil
}
