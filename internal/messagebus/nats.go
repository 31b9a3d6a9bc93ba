// Package messagebus moves task, status, and output messages between
// the control plane and devices over NATS with JetStream.
package messagebus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/courierd/courier/pkg/messages"
	"github.com/courierd/courier/pkg/models"
)

// NatsMessageBus implements the message bus using NATS with JetStream.
type NatsMessageBus struct {
	conn           *nats.Conn
	js             nats.JetStreamContext
	subscriptions  map[string]*nats.Subscription
	streamName     string
	url            string
	consumerPrefix string
}

// Config holds NATS configuration.
type Config struct {
	URL            string        // NATS server URL (e.g., "nats://nats:4222")
	StreamName     string        // JetStream stream name (default: "COURIER")
	Timeout        time.Duration // Connection timeout
	ConsumerPrefix string        // Prefix for durable consumer names (for test isolation)
}

// NewNatsMessageBus connects to NATS and ensures the JetStream stream.
func NewNatsMessageBus(cfg Config) (*NatsMessageBus, error) {
	if cfg.URL == "" {
		cfg.URL = "nats://localhost:4222"
	}
	if cfg.StreamName == "" {
		cfg.StreamName = "COURIER"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Timeout(cfg.Timeout),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Printf("NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("NATS reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	mb := &NatsMessageBus{
		conn:           nc,
		js:             js,
		subscriptions:  make(map[string]*nats.Subscription),
		streamName:     cfg.StreamName,
		url:            cfg.URL,
		consumerPrefix: cfg.ConsumerPrefix,
	}

	if err := mb.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}

	log.Printf("Connected to NATS at %s with JetStream stream %s", cfg.URL, cfg.StreamName)
	return mb, nil
}

// ensureStream creates or updates the JetStream stream.
// Uses LimitsPolicy (not WorkQueue) so that multiple consumers can
// subscribe to the same subjects—required for status/output fan-out.
func (mb *NatsMessageBus) ensureStream() error {
	streamConfig := &nats.StreamConfig{
		Name:      mb.streamName,
		Subjects:  []string{"courier.>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    24 * time.Hour,
		MaxBytes:  1024 * 1024 * 1024, // 1GB
		Storage:   nats.FileStorage,
		Replicas:  1,
		Discard:   nats.DiscardOld,
	}

	_, err := mb.js.StreamInfo(mb.streamName)
	if err != nil {
		_, err = mb.js.AddStream(streamConfig)
		if err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
		log.Printf("Created JetStream stream: %s", mb.streamName)
	} else {
		_, err = mb.js.UpdateStream(streamConfig)
		if err != nil {
			return fmt.Errorf("failed to update stream: %w", err)
		}
	}

	return nil
}

// PublishTask announces a new task on the subject of its target device.
func (mb *NatsMessageBus) PublishTask(ctx context.Context, task *models.Task) error {
	subject := fmt.Sprintf("courier.tasks.%s", task.DeviceID)
	return mb.publish(subject, messages.TaskCreated(task))
}

// PublishStatus publishes a status transition for observers.
func (mb *NatsMessageBus) PublishStatus(ctx context.Context, msg *messages.StatusMessage) error {
	subject := fmt.Sprintf("courier.status.%s", msg.TaskID)
	return mb.publish(subject, msg)
}

// PublishOutput publishes one flushed output chunk.
func (mb *NatsMessageBus) PublishOutput(ctx context.Context, msg *messages.OutputMessage) error {
	subject := fmt.Sprintf("courier.output.%s", msg.TaskID)
	return mb.publish(subject, msg)
}

// PublishCancel asks the device holding a task to cancel it.
func (mb *NatsMessageBus) PublishCancel(ctx context.Context, msg *messages.CancelMessage) error {
	subject := fmt.Sprintf("courier.cancel.%s", msg.DeviceID)
	return mb.publish(subject, msg)
}

func (mb *NatsMessageBus) publish(subject string, msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	_, err = mb.js.Publish(subject, data)
	if err != nil {
		return fmt.Errorf("failed to publish message to %s: %w", subject, err)
	}

	return nil
}

// SubscribeTasks delivers newly created tasks addressed to the given
// device. Delivery is at-least-once; the dispatcher deduplicates.
func (mb *NatsMessageBus) SubscribeTasks(deviceID string, handler func(*models.Task)) error {
	subject := fmt.Sprintf("courier.tasks.%s", deviceID)
	consumerName := fmt.Sprintf("tasks-%s", deviceID)

	return mb.subscribe(subject, consumerName, func(msg *nats.Msg) {
		var tm messages.TaskMessage
		if err := json.Unmarshal(msg.Data, &tm); err != nil {
			log.Printf("Failed to unmarshal task message: %v", err)
			msg.Nak()
			return
		}

		if tm.Task != nil {
			handler(tm.Task)
		}
		msg.Ack()
	})
}

// SubscribeCancels delivers cancel requests addressed to the given device.
func (mb *NatsMessageBus) SubscribeCancels(deviceID string, handler func(*messages.CancelMessage)) error {
	subject := fmt.Sprintf("courier.cancel.%s", deviceID)
	consumerName := fmt.Sprintf("cancel-%s", deviceID)

	return mb.subscribe(subject, consumerName, func(msg *nats.Msg) {
		var cm messages.CancelMessage
		if err := json.Unmarshal(msg.Data, &cm); err != nil {
			log.Printf("Failed to unmarshal cancel message: %v", err)
			msg.Nak()
			return
		}

		handler(&cm)
		msg.Ack()
	})
}

// SubscribeStatus delivers status transitions for all tasks. Uses a core
// NATS subscription so every observer sees every update (fan-out, not
// work-queue).
func (mb *NatsMessageBus) SubscribeStatus(handler func(*messages.StatusMessage)) error {
	sub, err := mb.conn.Subscribe("courier.status.*", func(msg *nats.Msg) {
		var sm messages.StatusMessage
		if err := json.Unmarshal(msg.Data, &sm); err != nil {
			log.Printf("Failed to unmarshal status message: %v", err)
			return
		}
		handler(&sm)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to status updates: %w", err)
	}
	mb.subscriptions["courier.status.*"] = sub
	return nil
}

// SubscribeOutput delivers output chunks for all tasks, fan-out style.
func (mb *NatsMessageBus) SubscribeOutput(handler func(*messages.OutputMessage)) error {
	sub, err := mb.conn.Subscribe("courier.output.*", func(msg *nats.Msg) {
		var om messages.OutputMessage
		if err := json.Unmarshal(msg.Data, &om); err != nil {
			log.Printf("Failed to unmarshal output message: %v", err)
			return
		}
		handler(&om)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to output chunks: %w", err)
	}
	mb.subscriptions["courier.output.*"] = sub
	return nil
}

// prefixConsumer adds the optional consumer prefix for namespace isolation
func (mb *NatsMessageBus) prefixConsumer(name string) string {
	if mb.consumerPrefix != "" {
		return mb.consumerPrefix + "-" + name
	}
	return name
}

// subscribe is the internal method to set up durable subscriptions
func (mb *NatsMessageBus) subscribe(subject, consumerName string, handler nats.MsgHandler) error {
	prefixed := mb.prefixConsumer(consumerName)
	sub, err := mb.js.Subscribe(subject, handler,
		nats.Durable(prefixed),
		nats.AckExplicit(),
		nats.MaxDeliver(3),
		nats.AckWait(30*time.Second),
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	mb.subscriptions[subject] = sub
	log.Printf("Subscribed to %s with consumer %s", subject, prefixed)
	return nil
}

// Unsubscribe removes a subscription.
func (mb *NatsMessageBus) Unsubscribe(subject string) error {
	sub, ok := mb.subscriptions[subject]
	if !ok {
		return fmt.Errorf("no subscription found for %s", subject)
	}

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %w", subject, err)
	}

	delete(mb.subscriptions, subject)
	return nil
}

// Close closes all subscriptions and the NATS connection.
func (mb *NatsMessageBus) Close() error {
	for subject := range mb.subscriptions {
		_ = mb.Unsubscribe(subject)
	}

	mb.conn.Close()
	log.Printf("Closed NATS connection")
	return nil
}

// Health reports whether the connection and stream are usable.
func (mb *NatsMessageBus) Health() error {
	if mb.conn.IsClosed() {
		return fmt.Errorf("NATS connection is closed")
	}

	if !mb.conn.IsConnected() {
		return fmt.Errorf("NATS is not connected")
	}

	_, err := mb.js.StreamInfo(mb.streamName)
	if err != nil {
		return fmt.Errorf("JetStream stream %s is unhealthy: %w", mb.streamName, err)
	}

	return nil
}
