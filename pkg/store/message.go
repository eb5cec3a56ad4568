package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by GetByIdempotencyKey when no message carries
// the key.
var ErrNotFound = errors.New("message not found")

// Message is a durably persisted chat message. The idempotency key is
// unique alongside the primary id; it is what makes at-least-once delivery
// from the broker safe.
type Message struct {
	ID             string    `json:"id"`
	ChatID         string    `json:"chat_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	IdempotencyKey string    `json:"idempotency_key"`
	CreatedAt      time.Time `json:"created_at"`
}

// MessageStore defines the persistence operations the worker depends on.
type MessageStore interface {
	// CreateMessage persists a message idempotently: a second call with the
	// same idempotency key returns the already-persisted row, content from
	// the first successful call, never a second row.
	CreateMessage(ctx context.Context, chatID, senderID, content, idempotencyKey string) (*Message, error)
	// GetByIdempotencyKey returns the message carrying the key, or
	// ErrNotFound.
	GetByIdempotencyKey(ctx context.Context, key string) (*Message, error)
}
