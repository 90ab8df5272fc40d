package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/puzpuzpuz/xsync/v3"
)

// SQSAPI is the part of the SQS client the broker uses.
type SQSAPI interface {
	GetQueueUrl(ctx context.Context, in *sqs.GetQueueUrlInput, opts ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	ListQueues(ctx context.Context, in *sqs.ListQueuesInput, opts ...func(*sqs.Options)) (*sqs.ListQueuesOutput, error)
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, opts ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, opts ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, opts ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, opts ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// SQSBroker maps every topic to a queue named <prefix><topic with dots
// replaced by dashes>. Dead-lettering is left to the queue's redrive policy.
type SQSBroker struct {
	client SQSAPI
	prefix string
	logger *slog.Logger

	urls     *xsync.MapOf[string, string]
	waitSecs int32
	wg       sync.WaitGroup
}

// DialSQS connects using a connection string of the form
// sqs://<region>?prefix=<queue prefix>&endpoint=<custom endpoint>.
func DialSQS(ctx context.Context, connStr string, logger *slog.Logger) (*SQSBroker, error) {
	u, err := url.Parse(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse sqs connection string: %w", err)
	}
	if u.Scheme != "sqs" || u.Host == "" {
		return nil, fmt.Errorf("sqs connection string must look like sqs://<region>, got %q", connStr)
	}
	endpoint := u.Query().Get("endpoint")

	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(u.Host),
		config.WithRetryer(func() aws.Retryer {
			return retry.AddWithMaxAttempts(retry.NewStandard(), 10)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	client := sqs.NewFromConfig(cfg, func(o *sqs.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	b := NewSQSBroker(client, u.Query().Get("prefix"), logger)
	_, err = client.ListQueues(ctx, &sqs.ListQueuesInput{
		QueueNamePrefix: aws.String(b.prefix),
		MaxResults:      aws.Int32(1),
	})
	if err != nil {
		return nil, fmt.Errorf("sqs is unreachable: %w", err)
	}
	b.logger.Info("connected", "region", u.Host, "prefix", b.prefix)
	return b, nil
}

func NewSQSBroker(client SQSAPI, prefix string, logger *slog.Logger) *SQSBroker {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQSBroker{
		client:   client,
		prefix:   prefix,
		logger:   logger.With("module", "eventbus", "broker", "sqs"),
		urls:     xsync.NewMapOf[string, string](),
		waitSecs: 20,
	}
}

func (b *SQSBroker) QueueName(topic string) string {
	return b.prefix + strings.ReplaceAll(topic, ".", "-")
}

func (b *SQSBroker) queueURL(ctx context.Context, topic string) (string, error) {
	if u, ok := b.urls.Load(topic); ok {
		return u, nil
	}
	out, err := b.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(b.QueueName(topic))})
	if err != nil {
		var missing *types.QueueDoesNotExist
		if errors.As(err, &missing) {
			return "", fmt.Errorf("%w: queue %s does not exist", ErrUnroutable, b.QueueName(topic))
		}
		return "", fmt.Errorf("failed to resolve queue url: %w", err)
	}
	u := aws.ToString(out.QueueUrl)
	b.urls.Store(topic, u)
	return u, nil
}

func (b *SQSBroker) Publish(ctx context.Context, topic string, body []byte) error {
	qURL, err := b.queueURL(ctx, topic)
	if err != nil {
		return err
	}
	_, err = b.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(qURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"topic": {DataType: aws.String("String"), StringValue: aws.String(topic)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// Subscribe long-polls the topic's queue until ctx is cancelled. Every
// message is handled in its own goroutine.
func (b *SQSBroker) Subscribe(ctx context.Context, topic string, h DeliveryHandler) error {
	qURL, err := b.queueURL(ctx, topic)
	if err != nil {
		return err
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			output, err := b.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
				QueueUrl:            aws.String(qURL),
				MaxNumberOfMessages: 10,
				WaitTimeSeconds:     b.waitSecs,
				AttributeNames:      []types.QueueAttributeName{types.QueueAttributeNameAll},
			})
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				b.logger.Error("failed to receive messages", "topic", topic, "error", err)
				continue
			}
			for _, msg := range output.Messages {
				if msg.ReceiptHandle == nil {
					b.logger.Error("message without receipt handle", "topic", topic)
					continue
				}
				b.wg.Add(1)
				go func(msg types.Message) {
					defer b.wg.Done()
					d := Delivery{
						Topic:       topic,
						Body:        []byte(aws.ToString(msg.Body)),
						Redelivered: receiveCount(msg) > 1,
					}
					b.settle(qURL, msg, d, h(ctx, d))
				}(msg)
			}
		}
	}()
	return nil
}

func receiveCount(msg types.Message) int {
	n, err := strconv.Atoi(msg.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)])
	if err != nil {
		return 1
	}
	return n
}

func (b *SQSBroker) settle(qURL string, msg types.Message, d Delivery, disp Disposition) {
	// settle even when the consumer is shutting down
	ctx := context.Background()
	var err error
	switch {
	case disp == Ack:
		_, err = b.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
			QueueUrl:      aws.String(qURL),
			ReceiptHandle: msg.ReceiptHandle,
		})
	case disp == Nack && !d.Redelivered:
		_, err = b.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
			QueueUrl:          aws.String(qURL),
			ReceiptHandle:     msg.ReceiptHandle,
			VisibilityTimeout: 0,
		})
	default:
		// left invisible; the redrive policy dead-letters it
		b.logger.Warn("message left for dead-lettering", "topic", d.Topic, "message_id", aws.ToString(msg.MessageId), "disposition", disp.String())
	}
	if err != nil {
		b.logger.Error("failed to settle message", "topic", d.Topic, "disposition", disp.String(), "error", err)
	}
}

func (b *SQSBroker) Bind(ctx context.Context, topic string) error {
	_, err := b.queueURL(ctx, topic)
	return err
}

func (b *SQSBroker) Close() error {
	b.wg.Wait()
	return nil
}
