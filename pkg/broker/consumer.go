package broker

import (
	"context"
	"errors"
	"time"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

// Verdict is the outcome a handler assigns to a single delivery.
type Verdict int

const (
	// VerdictAck acknowledges the delivery as fully processed.
	VerdictAck Verdict = iota
	// VerdictNackFinal rejects without requeue; the queue's dead-letter
	// binding routes the message to the dead-letter queue.
	VerdictNackFinal
	// VerdictNackRetry reschedules the delivery through the delay queue
	// after the decision's backoff, then acknowledges the original.
	VerdictNackRetry
)

// Decision is the tagged result a handler returns for one delivery.
type Decision struct {
	Verdict Verdict
	Delay   time.Duration
}

func Ack() Decision { return Decision{Verdict: VerdictAck} }

func NackFinal() Decision { return Decision{Verdict: VerdictNackFinal} }

func NackRetry(delay time.Duration) Decision {
	return Decision{Verdict: VerdictNackRetry, Delay: delay}
}

// Handler processes one delivery and decides its fate. Handlers never touch
// ack/nack directly; the consume loop applies the decision so the broker
// protocol stays out of the processing state machine.
type Handler func(ctx context.Context, d amqp.Delivery) Decision

// Consume drives a single-threaded receive loop over the named queue with
// manual acknowledgment. Prefetch bounds the number of unacknowledged
// deliveries in flight. The loop stops when ctx is canceled, always after
// the in-flight delivery has been resolved, so partial processing is never
// observable from the queue's perspective.
func (c *Client) Consume(ctx context.Context, queue, consumerTag string, prefetch int, handler Handler) error {
	channel, err := c.connection.Channel()
	if err != nil {
		return err
	}
	defer channel.Close()

	if err := channel.Qos(prefetch, 0, false); err != nil {
		return err
	}

	deliveries, err := channel.Consume(
		queue,       // queue
		consumerTag, // consumer tag
		false,       // auto-ack off, reliability needs manual acks
		false,       // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // args
	)
	if err != nil {
		return err
	}

	c.logger.Info("Started consuming",
		zap.String("queue", queue),
		zap.String("consumer_tag", consumerTag),
		zap.Int("prefetch", prefetch))

	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				// Channel-level failure; unacked deliveries will be
				// redelivered by the broker after reconnect.
				return errors.New("delivery channel closed")
			}
			c.applyDecision(ctx, d, handler(ctx, d))
		case <-ctx.Done():
			if err := channel.Cancel(consumerTag, false); err != nil {
				c.logger.Warn("Failed to cancel consumer", zap.Error(err))
			}
			c.logger.Info("Stopped consuming", zap.String("consumer_tag", consumerTag))
			return ctx.Err()
		}
	}
}

func (c *Client) applyDecision(ctx context.Context, d amqp.Delivery, decision Decision) {
	switch decision.Verdict {
	case VerdictAck:
		if err := d.Ack(false); err != nil {
			c.logger.Error("Failed to ack delivery",
				zap.String("message_id", d.MessageId), zap.Error(err))
		}
	case VerdictNackFinal:
		if err := d.Nack(false, false); err != nil {
			c.logger.Error("Failed to nack delivery",
				zap.String("message_id", d.MessageId), zap.Error(err))
		}
	case VerdictNackRetry:
		if err := c.RetryLater(ctx, d, decision.Delay); err != nil {
			// Fall back to immediate requeue if the delay path is down.
			c.logger.Error("Failed to schedule delayed retry, requeueing",
				zap.String("message_id", d.MessageId), zap.Error(err))
			if nackErr := d.Nack(false, true); nackErr != nil {
				c.logger.Error("Failed to requeue delivery",
					zap.String("message_id", d.MessageId), zap.Error(nackErr))
			}
			return
		}
		// The copy sits in the delay queue now; the original is moved, not
		// lost.
		if err := d.Ack(false); err != nil {
			c.logger.Error("Failed to ack delivery after scheduling retry",
				zap.String("message_id", d.MessageId), zap.Error(err))
		}
	}
}
