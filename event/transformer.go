package event

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/programme-lv/grader/tracing"
)

// Transformer converts a validated JSON payload to and from the bytes a
// broker carries.
type Transformer interface {
	Wrap(ctx context.Context, topic string, payload []byte) ([]byte, error)
	Unwrap(ctx context.Context, topic string, msg []byte) (context.Context, []byte, error)
}

// JSONTransformer puts the payload on the wire as is.
type JSONTransformer struct{}

func (JSONTransformer) Wrap(_ context.Context, _ string, payload []byte) ([]byte, error) {
	return payload, nil
}

func (JSONTransformer) Unwrap(ctx context.Context, topic string, msg []byte) (context.Context, []byte, error) {
	if !json.Valid(msg) {
		return ctx, nil, invalid(topic, errors.New("message is not valid JSON"))
	}
	return ctx, msg, nil
}

// Envelope is the interop wrapper understood by MassTransit-style consumers.
type Envelope struct {
	MessageID   string            `json:"messageId"`
	MessageType []string          `json:"messageType,omitempty"`
	SentTime    time.Time         `json:"sentTime"`
	Headers     map[string]string `json:"headers,omitempty"`
	Message     json.RawMessage   `json:"message"`
}

// EnvelopeTransformer wraps payloads as {"message": <payload>, ...} and
// carries trace context in the envelope headers.
type EnvelopeTransformer struct {
	Now func() time.Time
}

func NewEnvelopeTransformer() *EnvelopeTransformer {
	return &EnvelopeTransformer{Now: time.Now}
}

func (t *EnvelopeTransformer) Wrap(ctx context.Context, topic string, payload []byte) ([]byte, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate message id: %w", err)
	}
	now := time.Now
	if t.Now != nil {
		now = t.Now
	}
	env := Envelope{
		MessageID:   id.String(),
		MessageType: []string{"urn:message:" + topic},
		SentTime:    now().UTC(),
		Headers:     tracing.Inject(ctx),
		Message:     payload,
	}
	return json.Marshal(env)
}

func (t *EnvelopeTransformer) Unwrap(ctx context.Context, topic string, msg []byte) (context.Context, []byte, error) {
	var env Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return ctx, nil, invalid(topic, fmt.Errorf("malformed envelope: %w", err))
	}
	body := bytes.TrimSpace(env.Message)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return ctx, nil, invalid(topic, errors.New("envelope has no message"))
	}
	return tracing.Extract(ctx, env.Headers), body, nil
}
