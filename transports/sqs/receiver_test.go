package sqs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/glimte/msgpump/pump"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const queueURL = "https://sqs.eu-west-1.amazonaws.com/123456789012/orders"

type MockSQSClient struct {
	mock.Mock
}

func (m *MockSQSClient) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sqs.ReceiveMessageOutput), args.Error(1)
}

func (m *MockSQSClient) DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sqs.DeleteMessageOutput), args.Error(1)
}

func (m *MockSQSClient) ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sqs.ChangeMessageVisibilityOutput), args.Error(1)
}

func (m *MockSQSClient) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sqs.SendMessageOutput), args.Error(1)
}

func createSQSMessage(id, body, receiptHandle string) types.Message {
	return types.Message{
		MessageId:     aws.String(id),
		Body:          aws.String(body),
		ReceiptHandle: aws.String(receiptHandle),
		Attributes: map[string]string{
			"ApproximateReceiveCount": "3",
			"SentTimestamp":           "1767323045000",
		},
		MessageAttributes: map[string]types.MessageAttributeValue{
			"tenant":      {DataType: aws.String("String"), StringValue: aws.String("acme")},
			"ContentType": {DataType: aws.String("String"), StringValue: aws.String("application/vnd.order+json")},
		},
	}
}

func receiveOne(t *testing.T, r *Receiver, client *MockSQSClient) pump.Delivery {
	t.Helper()
	client.On("ReceiveMessage", mock.Anything, mock.Anything).Return(&sqs.ReceiveMessageOutput{
		Messages: []types.Message{createSQSMessage("msg-1", `{"id":1}`, "rh-1")},
	}, nil).Once()
	deliveries, err := r.Receive(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	return deliveries[0]
}

func TestNewReceiver(t *testing.T) {
	t.Run("requires queue url", func(t *testing.T) {
		_, err := NewReceiver(&MockSQSClient{}, "")
		assert.ErrorIs(t, err, ErrInvalidQueueURL)
	})

	t.Run("defaults", func(t *testing.T) {
		r, err := NewReceiver(&MockSQSClient{}, queueURL, WithWaitTime(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, queueURL, r.QueueURL())
		assert.Equal(t, queueURL, r.jobID)
		assert.Equal(t, 20*time.Second, r.waitTime)
		assert.Equal(t, DefaultVisibilityTimeout, r.visibilityTimeout)
	})
}

func TestReceiverReceive(t *testing.T) {
	t.Run("maps messages to deliveries", func(t *testing.T) {
		client := &MockSQSClient{}
		client.On("ReceiveMessage", mock.Anything, mock.MatchedBy(func(in *sqs.ReceiveMessageInput) bool {
			return aws.ToString(in.QueueUrl) == queueURL &&
				in.MaxNumberOfMessages == 2 &&
				in.WaitTimeSeconds == 5 &&
				in.VisibilityTimeout == 60
		})).Return(&sqs.ReceiveMessageOutput{
			Messages: []types.Message{
				createSQSMessage("msg-1", `{"id":1}`, "rh-1"),
				createSQSMessage("msg-2", `{"id":2}`, "rh-2"),
			},
		}, nil).Once()

		r, err := NewReceiver(client, queueURL,
			WithJobID("orders"), WithWaitTime(5*time.Second), WithVisibilityTimeout(time.Minute))
		require.NoError(t, err)

		deliveries, err := r.Receive(context.Background(), 2)
		require.NoError(t, err)
		require.Len(t, deliveries, 2)

		mc := deliveries[0].Context()
		assert.Equal(t, "msg-1", mc.MessageID)
		assert.Equal(t, "orders", mc.JobID)
		assert.Equal(t, 3, mc.DeliveryCount)
		assert.Equal(t, "application/vnd.order+json", mc.ContentType)
		assert.Equal(t, "acme", mc.PropertyString("tenant"))
		assert.Equal(t, time.UnixMilli(1767323045000).UTC(), mc.EnqueuedAt)
		assert.Equal(t, []byte(`{"id":2}`), deliveries[1].Body())
		client.AssertExpectations(t)
	})

	t.Run("caps the batch at the sqs limit", func(t *testing.T) {
		client := &MockSQSClient{}
		client.On("ReceiveMessage", mock.Anything, mock.MatchedBy(func(in *sqs.ReceiveMessageInput) bool {
			return in.MaxNumberOfMessages == MaxMessages
		})).Return(&sqs.ReceiveMessageOutput{}, nil).Once()

		r, err := NewReceiver(client, queueURL)
		require.NoError(t, err)

		deliveries, err := r.Receive(context.Background(), 50)
		require.NoError(t, err)
		assert.Empty(t, deliveries)
		client.AssertExpectations(t)
	})

	t.Run("defaults when attributes are missing", func(t *testing.T) {
		client := &MockSQSClient{}
		client.On("ReceiveMessage", mock.Anything, mock.Anything).Return(&sqs.ReceiveMessageOutput{
			Messages: []types.Message{
				{MessageId: aws.String("bare"), Body: aws.String("{}"), ReceiptHandle: aws.String("rh")},
				{MessageId: aws.String("no-handle"), Body: aws.String("{}")},
			},
		}, nil).Once()

		r, err := NewReceiver(client, queueURL)
		require.NoError(t, err)

		deliveries, err := r.Receive(context.Background(), 2)
		require.NoError(t, err)
		require.Len(t, deliveries, 1)
		mc := deliveries[0].Context()
		assert.Equal(t, 1, mc.DeliveryCount)
		assert.Equal(t, "application/json", mc.ContentType)
		assert.True(t, mc.EnqueuedAt.IsZero())
	})

	t.Run("receive error is wrapped", func(t *testing.T) {
		client := &MockSQSClient{}
		client.On("ReceiveMessage", mock.Anything, mock.Anything).Return(nil, errors.New("throttled")).Once()

		r, err := NewReceiver(client, queueURL)
		require.NoError(t, err)

		_, err = r.Receive(context.Background(), 1)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "throttled")
	})

	t.Run("cancelled long poll is not an error", func(t *testing.T) {
		client := &MockSQSClient{}
		client.On("ReceiveMessage", mock.Anything, mock.Anything).Return(nil, context.Canceled).Once()

		r, err := NewReceiver(client, queueURL)
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		deliveries, err := r.Receive(ctx, 1)
		assert.NoError(t, err)
		assert.Empty(t, deliveries)
	})

	t.Run("closed receiver", func(t *testing.T) {
		r, err := NewReceiver(&MockSQSClient{}, queueURL)
		require.NoError(t, err)
		require.NoError(t, r.Close())

		_, err = r.Receive(context.Background(), 1)
		assert.ErrorIs(t, err, pump.ErrReceiverClosed)
	})
}

func TestDeliverySettlement(t *testing.T) {
	ctx := context.Background()

	t.Run("complete deletes", func(t *testing.T) {
		client := &MockSQSClient{}
		r, _ := NewReceiver(client, queueURL)
		d := receiveOne(t, r, client)

		client.On("DeleteMessage", mock.Anything, &sqs.DeleteMessageInput{
			QueueUrl:      aws.String(queueURL),
			ReceiptHandle: aws.String("rh-1"),
		}).Return(&sqs.DeleteMessageOutput{}, nil).Once()

		require.NoError(t, d.Complete(ctx))
		client.AssertExpectations(t)
	})

	t.Run("abandon resets visibility", func(t *testing.T) {
		client := &MockSQSClient{}
		r, _ := NewReceiver(client, queueURL)
		d := receiveOne(t, r, client)

		client.On("ChangeMessageVisibility", mock.Anything, mock.MatchedBy(func(in *sqs.ChangeMessageVisibilityInput) bool {
			return in.VisibilityTimeout == 0 && aws.ToString(in.ReceiptHandle) == "rh-1"
		})).Return(&sqs.ChangeMessageVisibilityOutput{}, nil).Once()

		require.NoError(t, d.Abandon(ctx))
		client.AssertExpectations(t)
	})

	t.Run("renew lock extends visibility", func(t *testing.T) {
		client := &MockSQSClient{}
		r, _ := NewReceiver(client, queueURL, WithVisibilityTimeout(45*time.Second))
		d := receiveOne(t, r, client)

		client.On("ChangeMessageVisibility", mock.Anything, mock.MatchedBy(func(in *sqs.ChangeMessageVisibilityInput) bool {
			return in.VisibilityTimeout == 45
		})).Return(&sqs.ChangeMessageVisibilityOutput{}, nil).Once()

		require.NoError(t, d.RenewLock(ctx))
		client.AssertExpectations(t)
	})

	t.Run("dead letter without queue defers to redrive", func(t *testing.T) {
		client := &MockSQSClient{}
		r, _ := NewReceiver(client, queueURL)
		d := receiveOne(t, r, client)

		client.On("ChangeMessageVisibility", mock.Anything, mock.MatchedBy(func(in *sqs.ChangeMessageVisibilityInput) bool {
			return in.VisibilityTimeout == 0
		})).Return(&sqs.ChangeMessageVisibilityOutput{}, nil).Once()

		require.NoError(t, d.DeadLetter(ctx, "no handler matched"))
		client.AssertExpectations(t)
		client.AssertNotCalled(t, "SendMessage", mock.Anything, mock.Anything)
	})

	t.Run("dead letter copies then deletes", func(t *testing.T) {
		client := &MockSQSClient{}
		r, _ := NewReceiver(client, queueURL, WithDeadLetterQueue(queueURL+"-dlq"))
		d := receiveOne(t, r, client)

		client.On("SendMessage", mock.Anything, mock.MatchedBy(func(in *sqs.SendMessageInput) bool {
			reason := in.MessageAttributes[AttributeDeadLetterReason]
			tenant := in.MessageAttributes["tenant"]
			return aws.ToString(in.QueueUrl) == queueURL+"-dlq" &&
				aws.ToString(in.MessageBody) == `{"id":1}` &&
				aws.ToString(reason.StringValue) == "no handler matched" &&
				aws.ToString(tenant.StringValue) == "acme"
		})).Return(&sqs.SendMessageOutput{}, nil).Once()
		client.On("DeleteMessage", mock.Anything, mock.Anything).Return(&sqs.DeleteMessageOutput{}, nil).Once()

		require.NoError(t, d.DeadLetter(ctx, "no handler matched"))
		client.AssertExpectations(t)
	})

	t.Run("dead letter stays within the attribute limit", func(t *testing.T) {
		client := &MockSQSClient{}
		r, _ := NewReceiver(client, queueURL, WithDeadLetterQueue(queueURL+"-dlq"))

		msg := createSQSMessage("msg-1", `{"id":1}`, "rh-1")
		for _, k := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
			msg.MessageAttributes[k] = types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(k)}
		}
		require.Len(t, msg.MessageAttributes, MaxMessageAttributes)
		client.On("ReceiveMessage", mock.Anything, mock.Anything).Return(&sqs.ReceiveMessageOutput{
			Messages: []types.Message{msg},
		}, nil).Once()
		deliveries, err := r.Receive(ctx, 1)
		require.NoError(t, err)
		require.Len(t, deliveries, 1)

		client.On("SendMessage", mock.Anything, mock.MatchedBy(func(in *sqs.SendMessageInput) bool {
			_, hasType := in.MessageAttributes[AttributeContentType]
			_, hasTenant := in.MessageAttributes["tenant"]
			reason := in.MessageAttributes[AttributeDeadLetterReason]
			return len(in.MessageAttributes) == MaxMessageAttributes &&
				hasType && !hasTenant &&
				aws.ToString(reason.StringValue) == "poison"
		})).Return(&sqs.SendMessageOutput{}, nil).Once()
		client.On("DeleteMessage", mock.Anything, mock.Anything).Return(&sqs.DeleteMessageOutput{}, nil).Once()

		require.NoError(t, deliveries[0].DeadLetter(ctx, "poison"))
		client.AssertExpectations(t)
	})

	t.Run("send failure keeps the original", func(t *testing.T) {
		client := &MockSQSClient{}
		r, _ := NewReceiver(client, queueURL, WithDeadLetterQueue(queueURL+"-dlq"))
		d := receiveOne(t, r, client)

		client.On("SendMessage", mock.Anything, mock.Anything).Return(nil, errors.New("access denied")).Once()

		err := d.DeadLetter(ctx, "boom")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "access denied")
		client.AssertNotCalled(t, "DeleteMessage", mock.Anything, mock.Anything)
	})

	t.Run("delete failure is wrapped", func(t *testing.T) {
		client := &MockSQSClient{}
		r, _ := NewReceiver(client, queueURL)
		d := receiveOne(t, r, client)

		client.On("DeleteMessage", mock.Anything, mock.Anything).Return(nil, errors.New("receipt expired")).Once()

		err := d.Complete(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "msg-1")
	})
}

func TestDeadLetterAttributes(t *testing.T) {
	value := func(v string) types.MessageAttributeValue {
		return types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
	}

	t.Run("small sets are copied whole", func(t *testing.T) {
		attrs, dropped := deadLetterAttributes(map[string]types.MessageAttributeValue{"tenant": value("acme")}, "boom")
		assert.Empty(t, dropped)
		assert.Len(t, attrs, 2)
		assert.Equal(t, "boom", aws.ToString(attrs[AttributeDeadLetterReason].StringValue))
	})

	t.Run("previous reason is replaced", func(t *testing.T) {
		src := map[string]types.MessageAttributeValue{AttributeDeadLetterReason: value("old")}
		for i := 0; i < MaxMessageAttributes-1; i++ {
			src[string(rune('a'+i))] = value("x")
		}

		attrs, dropped := deadLetterAttributes(src, "new")
		assert.Empty(t, dropped)
		assert.Len(t, attrs, MaxMessageAttributes)
		assert.Equal(t, "new", aws.ToString(attrs[AttributeDeadLetterReason].StringValue))
	})

	t.Run("overflow drops the highest keys but keeps the content type", func(t *testing.T) {
		src := map[string]types.MessageAttributeValue{"zeta": value("z"), AttributeContentType: value("application/json")}
		for i := 0; i < MaxMessageAttributes; i++ {
			src[string(rune('a'+i))] = value("x")
		}

		attrs, dropped := deadLetterAttributes(src, "boom")
		assert.Len(t, attrs, MaxMessageAttributes)
		assert.Contains(t, attrs, AttributeContentType)
		assert.Contains(t, attrs, "a")
		assert.Equal(t, []string{"i", "j", "zeta"}, dropped)
	})
}
