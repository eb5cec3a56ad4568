package store

import (
	"context"
	"time"

	"cloud.google.com/go/spanner"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
)

type SpannerStore struct {
	client *spanner.Client
}

const spannerSelectByKey = `SELECT id, chat_id, sender_id, content, idempotency_key, created_at
        FROM messages WHERE idempotency_key = @key`

func (s *SpannerStore) CreateMessage(ctx context.Context, chatID, senderID, content, idempotencyKey string) (*Message, error) {
	var out *Message

	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		// Read inside the transaction so a concurrent insert on the same
		// key aborts and retries one of the two.
		existing, err := queryByKey(ctx, txn, idempotencyKey)
		if err != nil && err != ErrNotFound {
			return err
		}
		if existing != nil {
			out = existing
			return nil
		}

		msg := &Message{
			ID:             uuid.NewString(),
			ChatID:         chatID,
			SenderID:       senderID,
			Content:        content,
			IdempotencyKey: idempotencyKey,
			CreatedAt:      time.Now().UTC(),
		}
		out = msg
		return txn.BufferWrite([]*spanner.Mutation{
			spanner.InsertMap("messages", map[string]interface{}{
				"id":              msg.ID,
				"chat_id":         msg.ChatID,
				"sender_id":       msg.SenderID,
				"content":         msg.Content,
				"idempotency_key": msg.IdempotencyKey,
				"created_at":      msg.CreatedAt,
			}),
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SpannerStore) GetByIdempotencyKey(ctx context.Context, key string) (*Message, error) {
	return queryByKey(ctx, s.client.Single(), key)
}

type spannerQuerier interface {
	Query(ctx context.Context, statement spanner.Statement) *spanner.RowIterator
}

func queryByKey(ctx context.Context, q spannerQuerier, key string) (*Message, error) {
	stmt := spanner.Statement{
		SQL:    spannerSelectByKey,
		Params: map[string]interface{}{"key": key},
	}

	iter := q.Query(ctx, stmt)
	defer iter.Stop()

	row, err := iter.Next()
	if err == iterator.Done {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var msg Message
	if err := row.Columns(
		&msg.ID,
		&msg.ChatID,
		&msg.SenderID,
		&msg.Content,
		&msg.IdempotencyKey,
		&msg.CreatedAt); err != nil {
		return nil, err
	}
	return &msg, nil
}
