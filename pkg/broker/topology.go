package broker

import (
	"fmt"

	"github.com/streadway/amqp"
)

// Fixed topology names. Every process in the pipeline declares the same
// objects with the same parameters, so declaration is idempotent and a
// mismatch is a fatal startup error rather than a silent divergence.
const (
	ExchangePending    = "chat.message.pending"
	ExchangeCreated    = "chat.message.created"
	ExchangePresence   = "presence.updated"
	ExchangeDeadLetter = "dlx.failed.messages"

	QueueWorker        = "message_worker"
	QueueWorkerDelay   = "message_worker_delay"
	QueueDeadLetter    = "message_worker_dlq"
	QueueGatewayShared = "ws_gateway_consumers"

	FailedRoutingKey = "message_worker.failed"
)

const (
	workerMessageTTL = 3600000   // 1 hour on the worker queue
	dlqMessageTTL    = 86400000  // 24 hours per dead-lettered entry
	dlqQueueExpiry   = 604800000 // 7 days of queue inactivity
	dlqMaxLength     = 10000
)

// Binding patterns for the wildcard queue bindings.
const (
	pendingPattern  = "chat.*.pending"
	createdPattern  = "chat.*.created"
	presencePattern = "presence.*"
)

func PendingKey(chatID string) string { return "chat." + chatID + ".pending" }

func CreatedKey(chatID string) string { return "chat." + chatID + ".created" }

func PresenceKey(userID string) string { return "presence." + userID }

// DeclareTopology declares the durable exchanges, queues, and bindings the
// pipeline is wired through. Declarations are safe to repeat; redeclaring an
// existing object with identical parameters is a no-op, while a parameter
// mismatch fails the channel and surfaces as an error to the caller.
func DeclareTopology(ch *amqp.Channel) error {
	for _, exchange := range []string{ExchangePending, ExchangeCreated, ExchangePresence, ExchangeDeadLetter} {
		if err := ch.ExchangeDeclare(
			exchange, // name of the exchange
			"topic",  // type
			true,     // durable
			false,    // auto-deleted
			false,    // internal
			false,    // no-wait
			nil,      // arguments
		); err != nil {
			return fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
		}
	}

	// Dead-letter queue is bounded and time-boxed so a pathological failure
	// storm cannot grow it without limit; oldest entries are dropped first.
	if _, err := ch.QueueDeclare(QueueDeadLetter, true, false, false, false, amqp.Table{
		"x-message-ttl": int32(dlqMessageTTL),
		"x-expires":     int32(dlqQueueExpiry),
		"x-max-length":  int32(dlqMaxLength),
		"x-overflow":    "drop-head",
	}); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", QueueDeadLetter, err)
	}
	if err := ch.QueueBind(QueueDeadLetter, FailedRoutingKey, ExchangeDeadLetter, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", QueueDeadLetter, err)
	}

	// Worker queue routes exhausted and malformed messages to the
	// dead-letter exchange via nack-without-requeue.
	if _, err := ch.QueueDeclare(QueueWorker, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    ExchangeDeadLetter,
		"x-dead-letter-routing-key": FailedRoutingKey,
		"x-message-ttl":             int32(workerMessageTTL),
	}); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", QueueWorker, err)
	}
	if err := ch.QueueBind(QueueWorker, pendingPattern, ExchangePending, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", QueueWorker, err)
	}

	// Retrying messages wait here with a per-message expiration, then
	// dead-letter back into the worker queue through the default exchange.
	if _, err := ch.QueueDeclare(QueueWorkerDelay, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": QueueWorker,
	}); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", QueueWorkerDelay, err)
	}

	// The fan-out queue has a fixed, well-known name so every gateway
	// instance binds the same queue and they compete for deliveries instead
	// of each receiving a copy.
	if _, err := ch.QueueDeclare(QueueGatewayShared, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", QueueGatewayShared, err)
	}
	if err := ch.QueueBind(QueueGatewayShared, createdPattern, ExchangeCreated, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", QueueGatewayShared, err)
	}
	if err := ch.QueueBind(QueueGatewayShared, presencePattern, ExchangePresence, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", QueueGatewayShared, err)
	}

	return nil
}
