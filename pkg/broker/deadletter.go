package broker

import (
	"errors"
	"time"

	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"github.com/opchat/opchat/pkg/event"
)

// ErrNotInDLQ is returned when a message ID is not found within the bounded
// dead-letter scan.
var ErrNotInDLQ = errors.New("message not found in dead letter queue")

// detailsScanLimit bounds the GetDetails scan; the DLQ itself is capped, so
// anything past this window is better served by Inspect with paging.
const detailsScanLimit = 100

// dlqChannel is the slice of an AMQP channel the dead-letter operations
// need. *amqp.Channel satisfies it.
type dlqChannel interface {
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	QueueInspect(name string) (amqp.Queue, error)
	Close() error
}

// DeadLetter is one entry in the dead-letter queue as seen by the operator
// tooling.
type DeadLetter struct {
	MessageID string     `json:"message_id"`
	Headers   amqp.Table `json:"headers"`
	Timestamp time.Time  `json:"timestamp"`
	Body      []byte     `json:"body"`
}

// RetryCount reads the retry bookkeeping the entry carried when it
// dead-lettered.
func (d *DeadLetter) RetryCount() int {
	return HeaderInt(d.Headers, event.HeaderRetryCount, 0)
}

// DeadLetterManager inspects, re-injects, and purges the bounded holding
// area for messages that exhausted their retry budget.
type DeadLetterManager struct {
	openChannel func() (dlqChannel, error)
	logger      *zap.Logger
}

func NewDeadLetterManager(client *Client, logger *zap.Logger) *DeadLetterManager {
	return &DeadLetterManager{
		openChannel: func() (dlqChannel, error) { return client.connection.Channel() },
		logger:      logger,
	}
}

// Count returns the current dead-letter depth without consuming anything.
func (m *DeadLetterManager) Count() (int, error) {
	channel, err := m.openChannel()
	if err != nil {
		return 0, err
	}
	defer channel.Close()

	queue, err := channel.QueueInspect(QueueDeadLetter)
	if err != nil {
		return 0, err
	}
	return queue.Messages, nil
}

// Inspect peeks at up to limit entries without removing them. Entries are
// held unacked for the duration of the scan and requeued in one shot at the
// end; nacking each one immediately would hand the same entry back on the
// next get.
func (m *DeadLetterManager) Inspect(limit int) ([]DeadLetter, error) {
	channel, err := m.openChannel()
	if err != nil {
		return nil, err
	}
	defer channel.Close()

	var entries []DeadLetter
	var lastTag uint64
	for i := 0; i < limit; i++ {
		d, ok, err := channel.Get(QueueDeadLetter, false)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		entries = append(entries, DeadLetter{
			MessageID: d.MessageId,
			Headers:   d.Headers,
			Timestamp: d.Timestamp,
			Body:      d.Body,
		})
		lastTag = d.DeliveryTag
	}

	if len(entries) > 0 {
		if err := channel.Nack(lastTag, true, true); err != nil {
			return entries, err
		}
	}

	m.logger.Info("Inspected dead letter queue", zap.Int("entries", len(entries)))
	return entries, nil
}

// GetDetails scans the dead-letter queue for one entry by message ID.
func (m *DeadLetterManager) GetDetails(messageID string) (*DeadLetter, error) {
	entries, err := m.Inspect(detailsScanLimit)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].MessageID == messageID {
			return &entries[i], nil
		}
	}
	return nil, ErrNotInDLQ
}

// Republish pops up to limit entries, resets their retry count to zero, and
// re-injects them into the worker queue. This is the operator-triggered
// recovery path after a transient outage has resolved. The retry count is
// reset explicitly; a re-injected entry must never inherit its exhausted
// budget.
func (m *DeadLetterManager) Republish(limit int) (int, error) {
	channel, err := m.openChannel()
	if err != nil {
		return 0, err
	}
	defer channel.Close()

	republished := 0
	for republished < limit {
		d, ok, err := channel.Get(QueueDeadLetter, false)
		if err != nil {
			return republished, err
		}
		if !ok {
			break
		}

		headers := amqp.Table{}
		for k, v := range d.Headers {
			headers[k] = v
		}
		headers[event.HeaderRetryCount] = int32(0)

		if err := channel.Publish("", QueueWorker, false, false, amqp.Publishing{
			ContentType:  d.ContentType,
			Body:         d.Body,
			DeliveryMode: amqp.Persistent,
			MessageId:    d.MessageId,
			Timestamp:    d.Timestamp,
			Headers:      headers,
		}); err != nil {
			// Leave the entry where it was.
			if nackErr := channel.Nack(d.DeliveryTag, false, true); nackErr != nil {
				m.logger.Error("Failed to requeue dead letter after publish failure",
					zap.Error(nackErr))
			}
			return republished, err
		}

		if err := channel.Ack(d.DeliveryTag, false); err != nil {
			return republished, err
		}
		republished++
	}

	m.logger.Info("Republished dead letters", zap.Int("count", republished))
	return republished, nil
}

// Cleanup removes entries at least maxAge old. The queue is FIFO by enqueue
// time, so the scan stops at the first entry younger than maxAge.
func (m *DeadLetterManager) Cleanup(maxAge time.Duration) (int, error) {
	channel, err := m.openChannel()
	if err != nil {
		return 0, err
	}
	defer channel.Close()

	cleaned := 0
	now := time.Now()
	for {
		d, ok, err := channel.Get(QueueDeadLetter, false)
		if err != nil {
			return cleaned, err
		}
		if !ok {
			break
		}

		publishedAt := d.Timestamp
		if publishedAt.IsZero() {
			// Re-injected entries may have lost the timestamp property.
			if millis := HeaderInt64(d.Headers, event.HeaderFirstPublishTime, 0); millis > 0 {
				publishedAt = time.UnixMilli(millis)
			}
		}

		if !publishedAt.IsZero() && now.Sub(publishedAt) >= maxAge {
			if err := channel.Ack(d.DeliveryTag, false); err != nil {
				return cleaned, err
			}
			cleaned++
			m.logger.Debug("Removed aged dead letter",
				zap.String("message_id", d.MessageId),
				zap.Time("published_at", publishedAt))
			continue
		}

		// Younger than maxAge; everything behind it is younger still.
		if err := channel.Nack(d.DeliveryTag, false, true); err != nil {
			return cleaned, err
		}
		break
	}

	m.logger.Info("Cleaned up dead letter queue", zap.Int("removed", cleaned))
	return cleaned, nil
}
