package messagebus

import (
	"context"

	"github.com/courierd/courier/pkg/messages"
	"github.com/courierd/courier/pkg/models"
)

// TaskPublisher abstracts task announcement for testability.
type TaskPublisher interface {
	PublishTask(ctx context.Context, task *models.Task) error
	PublishCancel(ctx context.Context, msg *messages.CancelMessage) error
}

// StatusPublisher abstracts status and output publishing for testability.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, msg *messages.StatusMessage) error
	PublishOutput(ctx context.Context, msg *messages.OutputMessage) error
}

// TaskSubscriber abstracts the device-side subscriptions.
type TaskSubscriber interface {
	SubscribeTasks(deviceID string, handler func(*models.Task)) error
	SubscribeCancels(deviceID string, handler func(*messages.CancelMessage)) error
}

// Verify NatsMessageBus implements all interfaces at compile time.
var (
	_ TaskPublisher   = (*NatsMessageBus)(nil)
	_ StatusPublisher = (*NatsMessageBus)(nil)
	_ TaskSubscriber  = (*NatsMessageBus)(nil)
)
