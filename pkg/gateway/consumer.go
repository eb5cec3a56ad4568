package gateway

import (
	"context"
	"encoding/json"

	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"github.com/opchat/opchat/pkg/broker"
	"github.com/opchat/opchat/pkg/event"
)

// Forwarder delivers an event payload to the real-time connections this
// gateway instance owns. The WebSocket plumbing behind it is not the
// pipeline's concern.
type Forwarder interface {
	ForwardToChat(chatID string, payload []byte)
	ForwardToUser(userID string, payload []byte)
}

// Consumer is one member of the gateway consumer group. Every instance
// consumes the same fixed-name queue, so the broker spreads created and
// presence events across instances and each event reaches exactly one of
// them.
type Consumer struct {
	client     *broker.Client
	forwarder  Forwarder
	instanceID string
	prefetch   int
	logger     *zap.Logger
}

func NewConsumer(client *broker.Client, forwarder Forwarder, instanceID string, prefetch int, logger *zap.Logger) *Consumer {
	return &Consumer{
		client:     client,
		forwarder:  forwarder,
		instanceID: instanceID,
		prefetch:   prefetch,
		logger:     logger,
	}
}

// Run consumes the shared fan-out queue until ctx is canceled. Gateway
// handling is cheap and duplicate-safe, so prefetch may be higher than the
// worker's.
func (c *Consumer) Run(ctx context.Context) error {
	consumerTag := "ws_gateway_" + c.instanceID
	return c.client.Consume(ctx, broker.QueueGatewayShared, consumerTag, c.prefetch, c.Handle)
}

// Handle routes one fan-out delivery by its source exchange. Forwarding is
// presentation-only: there is nothing to retry, so malformed events are
// dropped without requeue.
func (c *Consumer) Handle(ctx context.Context, d amqp.Delivery) broker.Decision {
	switch d.Exchange {
	case broker.ExchangeCreated:
		var msg event.CreatedMessage
		if err := json.Unmarshal(d.Body, &msg); err != nil || msg.ChatID == "" {
			c.logger.Error("Dropping malformed created event",
				zap.String("message_id", d.MessageId), zap.Error(err))
			return broker.NackFinal()
		}
		c.forwarder.ForwardToChat(msg.ChatID, d.Body)
		c.logger.Debug("Forwarded created event",
			zap.String("message_id", msg.ID), zap.String("chat_id", msg.ChatID))
	case broker.ExchangePresence:
		var update event.PresenceUpdate
		if err := json.Unmarshal(d.Body, &update); err != nil || update.UserID == "" {
			c.logger.Error("Dropping malformed presence event", zap.Error(err))
			return broker.NackFinal()
		}
		c.forwarder.ForwardToUser(update.UserID, d.Body)
		c.logger.Debug("Forwarded presence event", zap.String("user_id", update.UserID))
	default:
		c.logger.Warn("Dropping event from unexpected exchange",
			zap.String("exchange", d.Exchange),
			zap.String("routing_key", d.RoutingKey))
		return broker.NackFinal()
	}
	return broker.Ack()
}
