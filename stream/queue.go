package stream

import (
	"context"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"

	"taskboard/domain"
)

// Enqueuer is the subset of *azqueue.QueueClient used by QueuePublisher.
type Enqueuer interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

// QueuePublisher forwards events to an Azure Storage queue for consumers
// outside the service.
type QueuePublisher struct {
	queue Enqueuer
}

var _ domain.Publisher = (*QueuePublisher)(nil)

func NewQueuePublisher(q Enqueuer) *QueuePublisher {
	return &QueuePublisher{queue: q}
}

// NewStorageQueuePublisher connects to the named queue.
func NewStorageQueuePublisher(connStr, queueName string) (*QueuePublisher, error) {
	opts := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, queueName, &opts)
	if err != nil {
		return nil, err
	}
	return NewQueuePublisher(q), nil
}

func (p *QueuePublisher) Publish(ctx context.Context, ev domain.Event) error {
	data, err := sonic.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = p.queue.EnqueueMessage(ctx, string(data), nil)
	return err
}
