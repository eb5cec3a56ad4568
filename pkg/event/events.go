package event

import (
	"errors"
	"fmt"
	"time"
)

// Header names carried on every pending delivery. Retry bookkeeping
// travels in message metadata, never in a database row, so the worker
// stays stateless across restarts.
const (
	HeaderRetryCount       = "x-retry-count"
	HeaderMaxRetries       = "x-max-retries"
	HeaderFirstPublishTime = "x-first-publish-time"
	HeaderIdempotencyKey   = "x-idempotency-key"
)

// PendingMessage is the notification that a chat message was accepted by
// the write path but not yet durably stored. It exists only on the wire
// and in the worker/delay/dead-letter queues.
type PendingMessage struct {
	ID             string `json:"id"`
	ChatID         string `json:"chat_id"`
	SenderID       string `json:"sender_id"`
	Content        string `json:"content"`
	IdempotencyKey string `json:"idempotency_key"`
}

// Validate checks that all required fields are present. A pending message
// failing validation is not retryable and goes straight to the dead letter
// queue.
func (m *PendingMessage) Validate() error {
	var missing []string
	if m.ID == "" {
		missing = append(missing, "id")
	}
	if m.ChatID == "" {
		missing = append(missing, "chat_id")
	}
	if m.SenderID == "" {
		missing = append(missing, "sender_id")
	}
	if m.Content == "" {
		missing = append(missing, "content")
	}
	if m.IdempotencyKey == "" {
		missing = append(missing, "idempotency_key")
	}
	if len(missing) > 0 {
		return fmt.Errorf("pending message missing required fields: %v", missing)
	}
	return nil
}

// CreatedMessage is emitted once per successfully persisted message and
// triggers real-time fan-out.
type CreatedMessage struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chat_id"`
	SenderID  string    `json:"sender_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// PresenceUpdate is an independent event stream sharing the fan-out
// mechanism with created messages.
type PresenceUpdate struct {
	UserID string    `json:"user_id"`
	Status string    `json:"status"`
	At     time.Time `json:"at"`
}

func (p *PresenceUpdate) Validate() error {
	if p.UserID == "" {
		return errors.New("presence update missing user_id")
	}
	return nil
}
