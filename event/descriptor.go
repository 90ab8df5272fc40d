package event

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidEvent marks messages that must never reach business logic:
// the envelope could not be parsed or the payload failed schema validation.
var ErrInvalidEvent = errors.New("invalid event")

// InvalidEventError carries the topic and the original cause of a rejection.
type InvalidEventError struct {
	Topic string
	Cause error
}

func (e *InvalidEventError) Error() string {
	return fmt.Sprintf("invalid %s event: %v", e.Topic, e.Cause)
}

func (e *InvalidEventError) Unwrap() []error {
	return []error{ErrInvalidEvent, e.Cause}
}

func invalid(topic string, cause error) error {
	return &InvalidEventError{Topic: topic, Cause: cause}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// report json field names in validation errors
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ValidateStruct checks s against its `validate` struct tags and, when s
// implements Validate() error, its own invariants.
func ValidateStruct(s any) error {
	if err := validate.Struct(s); err != nil {
		return err
	}
	if v, ok := s.(interface{ Validate() error }); ok {
		return v.Validate()
	}
	return nil
}

// Descriptor names a message kind and binds it to its payload schema T.
// Identity is Name, which is also the broker topic.
type Descriptor[T any] struct {
	Name    string
	Version int
}

func NewDescriptor[T any](name string, version int) Descriptor[T] {
	return Descriptor[T]{Name: name, Version: version}
}

func (d Descriptor[T]) Validate(payload T) error {
	if err := ValidateStruct(payload); err != nil {
		return invalid(d.Name, err)
	}
	return nil
}

// Encode validates payload and marshals it to JSON.
func (d Descriptor[T]) Encode(payload T) ([]byte, error) {
	if err := d.Validate(payload); err != nil {
		return nil, err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", d.Name, err)
	}
	return data, nil
}

// Decode unmarshals and validates a payload. The zero value is returned on
// any failure, never a partially populated one.
func (d Descriptor[T]) Decode(data []byte) (T, error) {
	var zero T
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return zero, invalid(d.Name, errors.New("payload is not a JSON object"))
	}
	var payload T
	if err := json.Unmarshal(data, &payload); err != nil {
		return zero, invalid(d.Name, err)
	}
	if err := d.Validate(payload); err != nil {
		return zero, err
	}
	return payload, nil
}

// Wrap runs the publish path: validate, encode, apply the wire transformer.
func Wrap[T any](ctx context.Context, tf Transformer, d Descriptor[T], payload T) ([]byte, error) {
	data, err := d.Encode(payload)
	if err != nil {
		return nil, err
	}
	return tf.Wrap(ctx, d.Name, data)
}

// Unwrap runs the consume path: strip the wire envelope, decode and validate
// the payload. The returned context carries any propagated trace context.
func Unwrap[T any](ctx context.Context, tf Transformer, d Descriptor[T], msg []byte) (context.Context, T, error) {
	var zero T
	ctx, data, err := tf.Unwrap(ctx, d.Name, msg)
	if err != nil {
		if errors.Is(err, ErrInvalidEvent) {
			return ctx, zero, err
		}
		return ctx, zero, invalid(d.Name, err)
	}
	payload, err := d.Decode(data)
	if err != nil {
		return ctx, zero, err
	}
	return ctx, payload, nil
}
