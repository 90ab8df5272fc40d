package eventbus_test

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/programme-lv/grader/eventbus"
	"github.com/stretchr/testify/require"
)

type fakeSQS struct {
	mu       sync.Mutex
	queues   map[string][]types.Message // by queue url
	received map[string]int             // receipt handle -> receive count
	deleted  []string
	reset    []string
	seq      int
}

func newFakeSQS(names ...string) *fakeSQS {
	f := &fakeSQS{queues: map[string][]types.Message{}, received: map[string]int{}}
	for _, n := range names {
		f.queues["https://sqs.local/"+n] = nil
	}
	return f
}

func (f *fakeSQS) GetQueueUrl(_ context.Context, in *sqs.GetQueueUrlInput, _ ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := "https://sqs.local/" + aws.ToString(in.QueueName)
	if _, ok := f.queues[u]; !ok {
		return nil, &types.QueueDoesNotExist{Message: aws.String("no such queue")}
	}
	return &sqs.GetQueueUrlOutput{QueueUrl: aws.String(u)}, nil
}

func (f *fakeSQS) ListQueues(context.Context, *sqs.ListQueuesInput, ...func(*sqs.Options)) (*sqs.ListQueuesOutput, error) {
	return &sqs.ListQueuesOutput{}, nil
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	handle := "rh-" + strconv.Itoa(f.seq)
	u := aws.ToString(in.QueueUrl)
	f.queues[u] = append(f.queues[u], types.Message{
		MessageId:     aws.String(handle),
		ReceiptHandle: aws.String(handle),
		Body:          in.MessageBody,
	})
	return &sqs.SendMessageOutput{MessageId: aws.String(handle)}, nil
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	u := aws.ToString(in.QueueUrl)
	msgs := f.queues[u]
	f.queues[u] = nil
	for i := range msgs {
		h := aws.ToString(msgs[i].ReceiptHandle)
		f.received[h]++
		msgs[i].Attributes = map[string]string{
			string(types.MessageSystemAttributeNameApproximateReceiveCount): strconv.Itoa(f.received[h]),
		}
	}
	f.mu.Unlock()
	if len(msgs) == 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
	return &sqs.ReceiveMessageOutput{Messages: msgs}, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) ChangeMessageVisibility(_ context.Context, in *sqs.ChangeMessageVisibilityInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := aws.ToString(in.ReceiptHandle)
	f.reset = append(f.reset, h)
	// visible again straight away
	f.queues[aws.ToString(in.QueueUrl)] = append(f.queues[aws.ToString(in.QueueUrl)], types.Message{
		MessageId:     aws.String(h),
		ReceiptHandle: aws.String(h),
		Body:          aws.String(`{}`),
	})
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func (f *fakeSQS) counts() (deleted, reset int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deleted), len(f.reset)
}

func TestSQSQueueNaming(t *testing.T) {
	b := eventbus.NewSQSBroker(newFakeSQS(), "dev-", nil)
	require.Equal(t, "dev-grading-criterion-graded", b.QueueName("grading.criterion.graded"))
}

func TestSQSBindAndPublishWithoutQueue(t *testing.T) {
	ctx := context.Background()
	b := eventbus.NewSQSBroker(newFakeSQS("grading-criterion-graded"), "", nil)

	require.NoError(t, b.Bind(ctx, "grading.criterion.graded"))
	require.ErrorIs(t, b.Bind(ctx, "grading.criterion.failed"), eventbus.ErrUnroutable)
	require.ErrorIs(t, b.Publish(ctx, "grading.criterion.failed", []byte(`{}`)), eventbus.ErrUnroutable)
}

func TestSQSAckDeletesAndNackResetsVisibilityOnce(t *testing.T) {
	fake := newFakeSQS("grading-criterion-failed")
	b := eventbus.NewSQSBroker(fake, "", nil)
	ctx, cancel := context.WithCancel(context.Background())

	var mu sync.Mutex
	var seen []bool
	err := b.Subscribe(ctx, "grading.criterion.failed", func(_ context.Context, d eventbus.Delivery) eventbus.Disposition {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, d.Redelivered)
		if string(d.Body) == "ok" {
			return eventbus.Ack
		}
		return eventbus.Nack
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "grading.criterion.failed", []byte("ok")))
	require.NoError(t, b.Publish(ctx, "grading.criterion.failed", []byte("boom")))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, b.Close())

	deleted, reset := fake.counts()
	require.Equal(t, 1, deleted)
	require.Equal(t, 1, reset)
}
