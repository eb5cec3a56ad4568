package processor

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/opchat/opchat/pkg/broker"
	"github.com/opchat/opchat/pkg/config"
	"github.com/opchat/opchat/pkg/event"
	"github.com/opchat/opchat/pkg/store"
)

// CreatedPublisher is the slice of the broker the worker needs to emit
// created events.
type CreatedPublisher interface {
	PublishCreated(ctx context.Context, chatID string, msg *event.CreatedMessage) error
}

// Worker turns pending events into persisted messages and created events.
// It is stateless: retry bookkeeping travels in delivery headers, and the
// idempotency key in the store is what makes redelivery safe.
type Worker struct {
	store     store.MessageStore
	publisher CreatedPublisher
	policy    RetryPolicy
	tracer    trace.Tracer
	logger    *zap.Logger
}

// NewWorker creates a new instance of Worker.
func NewWorker(messageStore store.MessageStore, publisher CreatedPublisher, cfg *config.Settings, logger *zap.Logger) *Worker {
	return &Worker{
		store:     messageStore,
		publisher: publisher,
		policy: RetryPolicy{
			MaxRetries: cfg.Worker.MaxRetries,
			BaseDelay:  cfg.Worker.BaseBackoff,
		},
		tracer: otel.Tracer("opchat"),
		logger: logger,
	}
}

// Run consumes the worker queue until ctx is canceled. Prefetch 1 keeps a
// single delivery in flight per process; scale-out happens by running more
// worker processes.
func (w *Worker) Run(ctx context.Context, client *broker.Client, prefetch int) error {
	return client.Consume(ctx, broker.QueueWorker, "message_worker", prefetch, w.Handle)
}

// Handle resolves one pending delivery into an ack/nack decision. Every
// failure is resolved here; nothing propagates to a caller because there is
// no caller.
func (w *Worker) Handle(ctx context.Context, d amqp.Delivery) broker.Decision {
	retryCount := broker.HeaderInt(d.Headers, event.HeaderRetryCount, 0)
	maxRetries := broker.HeaderInt(d.Headers, event.HeaderMaxRetries, w.policy.MaxRetries)

	ctx, span := w.tracer.Start(ctx, "ProcessPendingMessage", trace.WithAttributes(
		attribute.String("messaging.message_id", d.MessageId),
		attribute.Int("messaging.retry_count", retryCount),
		attribute.Int("messaging.max_retries", maxRetries),
	))
	defer span.End()

	// Malformed input is a final classification, never a transient one: it
	// cannot succeed on any retry, so it dead-letters immediately.
	var msg event.PendingMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		w.logger.Error("Failed to parse pending message, dead-lettering",
			zap.String("message_id", d.MessageId), zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return broker.NackFinal()
	}
	if err := msg.Validate(); err != nil {
		w.logger.Error("Invalid pending message, dead-lettering",
			zap.String("message_id", d.MessageId), zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return broker.NackFinal()
	}

	w.logger.Info("Processing pending message",
		zap.String("message_id", msg.ID),
		zap.String("chat_id", msg.ChatID),
		zap.Int("retry_count", retryCount),
		zap.Int("max_retries", maxRetries))

	// Idempotency guard: if the key is already persisted this delivery is a
	// duplicate, but fan-out must still happen, so the existing row's
	// created event is re-emitted before acking.
	existing, err := w.store.GetByIdempotencyKey(ctx, msg.IdempotencyKey)
	if err == nil {
		w.logger.Info("Message already persisted, re-emitting created event",
			zap.String("message_id", existing.ID),
			zap.String("idempotency_key", msg.IdempotencyKey))
		if pubErr := w.publishCreated(ctx, existing); pubErr != nil {
			span.RecordError(pubErr)
			return w.retryOrDeadLetter(retryCount, maxRetries, pubErr)
		}
		return broker.Ack()
	}
	if !errors.Is(err, store.ErrNotFound) {
		span.RecordError(err)
		return w.retryOrDeadLetter(retryCount, maxRetries, err)
	}

	created, err := w.store.CreateMessage(ctx, msg.ChatID, msg.SenderID, msg.Content, msg.IdempotencyKey)
	if err != nil {
		span.RecordError(err)
		return w.retryOrDeadLetter(retryCount, maxRetries, err)
	}

	if err := w.publishCreated(ctx, created); err != nil {
		span.RecordError(err)
		return w.retryOrDeadLetter(retryCount, maxRetries, err)
	}

	w.logger.Info("Successfully processed message", zap.String("message_id", created.ID))
	return broker.Ack()
}

func (w *Worker) publishCreated(ctx context.Context, msg *store.Message) error {
	return w.publisher.PublishCreated(ctx, msg.ChatID, &event.CreatedMessage{
		ID:        msg.ID,
		ChatID:    msg.ChatID,
		SenderID:  msg.SenderID,
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt,
	})
}

func (w *Worker) retryOrDeadLetter(retryCount, maxRetries int, cause error) broker.Decision {
	if !w.policy.Exhausted(retryCount, maxRetries) {
		delay := w.policy.Delay(retryCount)
		w.logger.Warn("Transient failure, scheduling retry",
			zap.Int("retry_count", retryCount),
			zap.Int("max_retries", maxRetries),
			zap.Duration("delay", delay),
			zap.Error(cause))
		return broker.NackRetry(delay)
	}
	w.logger.Error("Max retries exceeded, dead-lettering",
		zap.Int("max_retries", maxRetries),
		zap.Error(cause))
	return broker.NackFinal()
}
