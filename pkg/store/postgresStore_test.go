package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
)

func messageRows(msg *Message) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "chat_id", "sender_id", "content", "idempotency_key", "created_at"}).
		AddRow(msg.ID, msg.ChatID, msg.SenderID, msg.Content, msg.IdempotencyKey, msg.CreatedAt)
}

func TestPostgresStore_CreateMessage(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	stored := &Message{
		ID:             "generated-id",
		ChatID:         "c1",
		SenderID:       "u1",
		Content:        "hello",
		IdempotencyKey: "k1",
		CreatedAt:      time.Now().UTC(),
	}

	mock.ExpectExec(`INSERT INTO messages`).
		WithArgs(sqlmock.AnyArg(), "c1", "u1", "hello", "k1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT id, chat_id, sender_id, content, idempotency_key, created_at`).
		WithArgs("k1").
		WillReturnRows(messageRows(stored))

	store := &PostgresStore{db: db}
	msg, err := store.CreateMessage(context.Background(), "c1", "u1", "hello", "k1")

	assert.NoError(t, err)
	assert.Equal(t, stored, msg)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateMessage_ConflictReturnsFirstWriter(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	first := &Message{
		ID:             "m-first",
		ChatID:         "c1",
		SenderID:       "u1",
		Content:        "first write wins",
		IdempotencyKey: "k1",
		CreatedAt:      time.Now().UTC(),
	}

	// ON CONFLICT DO NOTHING: zero rows affected, read-back returns the row
	// the first writer inserted.
	mock.ExpectExec(`INSERT INTO messages`).
		WithArgs(sqlmock.AnyArg(), "c1", "u1", "second write loses", "k1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT id, chat_id, sender_id, content, idempotency_key, created_at`).
		WithArgs("k1").
		WillReturnRows(messageRows(first))

	store := &PostgresStore{db: db}
	msg, err := store.CreateMessage(context.Background(), "c1", "u1", "second write loses", "k1")

	assert.NoError(t, err)
	assert.Equal(t, "m-first", msg.ID)
	assert.Equal(t, "first write wins", msg.Content)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetByIdempotencyKey_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT id, chat_id, sender_id, content, idempotency_key, created_at`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id", "chat_id", "sender_id", "content", "idempotency_key", "created_at"}))

	store := &PostgresStore{db: db}
	msg, err := store.GetByIdempotencyKey(context.Background(), "missing")

	assert.Nil(t, msg)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetByIdempotencyKey_Found(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	stored := &Message{
		ID:             "m1",
		ChatID:         "c1",
		SenderID:       "u1",
		Content:        "hello",
		IdempotencyKey: "k1",
		CreatedAt:      time.Now().UTC(),
	}
	mock.ExpectQuery(`SELECT id, chat_id, sender_id, content, idempotency_key, created_at`).
		WithArgs("k1").
		WillReturnRows(messageRows(stored))

	store := &PostgresStore{db: db}
	msg, err := store.GetByIdempotencyKey(context.Background(), "k1")

	assert.NoError(t, err)
	assert.Equal(t, stored, msg)
	assert.NoError(t, mock.ExpectationsWereMet())
}
