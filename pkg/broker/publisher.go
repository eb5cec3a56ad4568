package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/opchat/opchat/pkg/event"
)

// DefaultMaxRetries is the fixed retry budget stamped on every pending
// event at first publish.
const DefaultMaxRetries = 3

// maxSeenIDs caps the best-effort dedup set; when reached the set is reset
// rather than evicted piecemeal, since it is only a latency optimization.
const maxSeenIDs = 65536

// PublishPending emits a "message pending" event for a message the write
// path has accepted but not yet stored. The delivery is persistent, carries
// the producer-assigned message ID, and the retry bookkeeping headers start
// at zero. Duplicate IDs seen by this process are skipped; correctness does
// not depend on that check, only the persistence-layer idempotency key.
func (c *Client) PublishPending(ctx context.Context, chatID string, msg *event.PendingMessage) error {
	if c.alreadyPublished(msg.ID) {
		c.logger.Warn("Duplicate message ID detected, skipping publish",
			zap.String("message_id", msg.ID))
		return nil
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode pending message: %w", err)
	}

	headers := amqp.Table{
		event.HeaderRetryCount:       int32(0),
		event.HeaderMaxRetries:       int32(DefaultMaxRetries),
		event.HeaderFirstPublishTime: time.Now().UnixMilli(),
		event.HeaderIdempotencyKey:   msg.IdempotencyKey,
	}

	if err := c.publish(ctx, ExchangePending, PendingKey(chatID), amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    time.Now(),
		Headers:      headers,
	}); err != nil {
		return err
	}

	c.markPublished(msg.ID)
	return nil
}

// PublishCreated emits a "message created" event once storage succeeded.
// Duplicates here are harmless; fan-out is presentation-only.
func (c *Client) PublishCreated(ctx context.Context, chatID string, msg *event.CreatedMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode created message: %w", err)
	}
	return c.publish(ctx, ExchangeCreated, CreatedKey(chatID), amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    time.Now(),
	})
}

// PublishPresence emits a presence update on the presence stream.
func (c *Client) PublishPresence(ctx context.Context, userID string, update *event.PresenceUpdate) error {
	body, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("failed to encode presence update: %w", err)
	}
	return c.publish(ctx, ExchangePresence, PresenceKey(userID), amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
	})
}

// RetryLater moves a failed delivery into the delay queue with an
// incremented retry count and the backoff carried as the per-message
// expiration. When the expiration lapses the broker dead-letters the copy
// back into the worker queue.
func (c *Client) RetryLater(ctx context.Context, d amqp.Delivery, delay time.Duration) error {
	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[event.HeaderRetryCount] = int32(HeaderInt(d.Headers, event.HeaderRetryCount, 0) + 1)

	return c.publish(ctx, "", QueueWorkerDelay, amqp.Publishing{
		ContentType:  d.ContentType,
		Body:         d.Body,
		DeliveryMode: amqp.Persistent,
		MessageId:    d.MessageId,
		Timestamp:    d.Timestamp,
		Headers:      headers,
		Expiration:   strconv.FormatInt(delay.Milliseconds(), 10),
	})
}

func (c *Client) publish(ctx context.Context, exchange, routingKey string, publishing amqp.Publishing) error {
	tracer := otel.Tracer("opchat")
	_, span := tracer.Start(ctx, "Publish",
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("rabbitmq"),
			semconv.MessagingDestinationKey.String(exchange),
			semconv.MessagingRabbitmqRoutingKeyKey.String(routingKey),
		),
	)
	defer span.End()

	// Get a channel from the pool
	pooledChan, err := c.getChannel()
	if err != nil {
		span.RecordError(err)
		return err
	}
	defer c.releaseChannel(pooledChan)

	if err := pooledChan.channel.Publish(exchange, routingKey, false, false, publishing); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to publish to %s/%s: %w", exchange, routingKey, err)
	}

	span.SetAttributes(
		attribute.Int("messaging.message_payload_size_bytes", len(publishing.Body)),
	)

	return nil
}

func (c *Client) alreadyPublished(messageID string) bool {
	c.seenMu.Lock()
	defer c.seenMu.Unlock()
	_, seen := c.seenIDs[messageID]
	return seen
}

func (c *Client) markPublished(messageID string) {
	c.seenMu.Lock()
	defer c.seenMu.Unlock()
	if len(c.seenIDs) >= maxSeenIDs {
		c.seenIDs = make(map[string]struct{})
	}
	c.seenIDs[messageID] = struct{}{}
}
