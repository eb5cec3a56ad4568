package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
)

const insertMessageStmt = `INSERT INTO messages (id, chat_id, sender_id, content, idempotency_key, created_at)
         VALUES ($1, $2, $3, $4, $5, $6)
         ON CONFLICT (idempotency_key) DO NOTHING`

const selectByKeyStmt = `SELECT id, chat_id, sender_id, content, idempotency_key, created_at
         FROM messages WHERE idempotency_key = $1`

type PostgresStore struct {
	db *sql.DB // using database/sql
}

func (p *PostgresStore) CreateMessage(ctx context.Context, chatID, senderID, content, idempotencyKey string) (*Message, error) {
	tracer := otel.Tracer("opchat")
	ctx, span := tracer.Start(ctx, "CreateMessage")
	defer span.End()

	startTime := time.Now()

	// The unique index on idempotency_key arbitrates races: the insert is a
	// no-op for every caller but the first.
	_, err := p.db.ExecContext(ctx, insertMessageStmt,
		uuid.NewString(), chatID, senderID, content, idempotencyKey, time.Now().UTC())
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	// Read back whichever row won the insert.
	msg, err := p.GetByIdempotencyKey(ctx, idempotencyKey)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	addDBStatsToSpan(span, "postgresql", "INSERT messages ON CONFLICT DO NOTHING", time.Since(startTime))
	return msg, nil
}

func (p *PostgresStore) GetByIdempotencyKey(ctx context.Context, key string) (*Message, error) {
	var msg Message
	err := p.db.QueryRowContext(ctx, selectByKeyStmt, key).Scan(
		&msg.ID,
		&msg.ChatID,
		&msg.SenderID,
		&msg.Content,
		&msg.IdempotencyKey,
		&msg.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &msg, nil
}
