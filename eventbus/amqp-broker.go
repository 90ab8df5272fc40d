package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const amqpDialTimeout = 30 * time.Second

type AMQPConfig struct {
	Exchange           string
	DeadLetterExchange string // empty disables dead-lettering
	Prefetch           int
	Logger             *slog.Logger
}

// AMQPBroker publishes to a durable topic exchange with publisher confirms
// and mandatory routing. Each topic is consumed from a durable queue of the
// same name bound to the exchange.
type AMQPBroker struct {
	conn   *amqp.Connection
	cfg    AMQPConfig
	logger *slog.Logger

	pubMu   sync.Mutex
	pubCh   *amqp.Channel
	returns chan amqp.Return

	wg sync.WaitGroup
}

func DialAMQP(ctx context.Context, url string, cfg AMQPConfig) (*AMQPBroker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.Exchange == "" {
		return nil, errors.New("amqp: exchange name is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("module", "eventbus", "broker", "amqp")

	conn, err := amqp.DialConfig(url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(amqpDialTimeout),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to amqp broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open publish channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", cfg.Exchange, err)
	}
	if cfg.DeadLetterExchange != "" {
		if err := ch.ExchangeDeclare(cfg.DeadLetterExchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to declare dead letter exchange %s: %w", cfg.DeadLetterExchange, err)
		}
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	b := &AMQPBroker{
		conn:    conn,
		cfg:     cfg,
		logger:  logger,
		pubCh:   ch,
		returns: ch.NotifyReturn(make(chan amqp.Return, 64)),
	}
	logger.Info("connected", "exchange", cfg.Exchange)
	return b, nil
}

func (b *AMQPBroker) Publish(ctx context.Context, topic string, body []byte) error {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	id := uuid.NewString()
	dc, err := b.pubCh.PublishWithDeferredConfirmWithContext(ctx, b.cfg.Exchange, topic, true, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    id,
		Timestamp:    time.Now(),
		Type:         topic,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish: %w", err)
	}
	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to await publish confirm: %w", err)
	}

	// basic.return precedes basic.ack for unroutable mandatory messages
	unroutable := false
	for drained := false; !drained; {
		select {
		case r := <-b.returns:
			if r.MessageId == id {
				unroutable = true
			}
		default:
			drained = true
		}
	}
	if unroutable {
		return fmt.Errorf("%w: %s", ErrUnroutable, topic)
	}
	if !acked {
		return fmt.Errorf("broker nacked message on %s", topic)
	}
	return nil
}

func (b *AMQPBroker) Subscribe(ctx context.Context, topic string, h DeliveryHandler) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open consume channel: %w", err)
	}
	if err := b.declareQueue(ch, topic); err != nil {
		ch.Close()
		return err
	}
	if b.cfg.Prefetch > 0 {
		if err := ch.Qos(b.cfg.Prefetch, 0, false); err != nil {
			ch.Close()
			return fmt.Errorf("failed to set prefetch: %w", err)
		}
	}
	deliveries, err := ch.ConsumeWithContext(ctx, topic, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("failed to consume %s: %w", topic, err)
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer ch.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					b.logger.Warn("delivery channel closed", "topic", topic)
					return
				}
				b.settle(d, h(ctx, Delivery{Topic: topic, Body: d.Body, Redelivered: d.Redelivered}))
			}
		}
	}()
	return nil
}

func (b *AMQPBroker) settle(d amqp.Delivery, disp Disposition) {
	var err error
	switch disp {
	case Ack:
		err = d.Ack(false)
	case Nack:
		// requeue once, dead-letter on the second failure
		err = d.Nack(false, !d.Redelivered)
	default:
		err = d.Reject(false)
	}
	if err != nil {
		b.logger.Error("failed to settle delivery", "disposition", disp.String(), "error", err)
	}
}

func (b *AMQPBroker) declareQueue(ch *amqp.Channel, topic string) error {
	var args amqp.Table
	if dlx := b.cfg.DeadLetterExchange; dlx != "" {
		args = amqp.Table{"x-dead-letter-exchange": dlx}
		dead := topic + ".dead"
		if _, err := ch.QueueDeclare(dead, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", dead, err)
		}
		if err := ch.QueueBind(dead, topic, dlx, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue %s: %w", dead, err)
		}
	}
	if _, err := ch.QueueDeclare(topic, true, false, false, false, args); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", topic, err)
	}
	if err := ch.QueueBind(topic, topic, b.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", topic, err)
	}
	return nil
}

// Bind checks passively that the topic's queue exists. A failed passive
// declare closes the channel, so a throwaway one is used.
func (b *AMQPBroker) Bind(_ context.Context, topic string) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()
	if _, err := ch.QueueDeclarePassive(topic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnroutable, topic, err)
	}
	return nil
}

func (b *AMQPBroker) Close() error {
	b.wg.Wait()
	if err := b.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("failed to close amqp connection: %w", err)
	}
	return nil
}
