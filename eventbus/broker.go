package eventbus

import (
	"context"
	"errors"
)

// ErrUnroutable is returned when the broker has no route for a topic: no
// queue bound on AMQP, no queue of that name on SQS, no subscriber declared
// in memory.
var ErrUnroutable = errors.New("no route for topic")

type Delivery struct {
	Topic       string
	Body        []byte
	Redelivered bool
}

// Disposition tells a broker what to do with a delivery once handled.
type Disposition int

const (
	// Ack removes the message.
	Ack Disposition = iota
	// Nack returns the message for one more attempt, then dead-letters it.
	Nack
	// Reject dead-letters the message without another attempt.
	Reject
)

func (d Disposition) String() string {
	switch d {
	case Ack:
		return "ack"
	case Nack:
		return "nack"
	case Reject:
		return "reject"
	}
	return "unknown"
}

type DeliveryHandler func(ctx context.Context, d Delivery) Disposition

// Broker is a single connection to a message broker. Subscribe keeps
// delivering until ctx is cancelled or the broker is closed; it must not
// return before the subscription is established.
type Broker interface {
	Publish(ctx context.Context, topic string, body []byte) error
	Subscribe(ctx context.Context, topic string, h DeliveryHandler) error
	Bind(ctx context.Context, topic string) error
	Close() error
}
