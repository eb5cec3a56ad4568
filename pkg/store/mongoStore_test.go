package store

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/mongo"
)

func TestMongoMessage_ToMessage(t *testing.T) {
	createdAt := time.Now().UTC()
	doc := mongoMessage{
		ID:             "m1",
		ChatID:         "c1",
		SenderID:       "u1",
		Content:        "hello",
		IdempotencyKey: "k1",
		CreatedAt:      createdAt,
	}

	msg := doc.toMessage()
	assert.Equal(t, &Message{
		ID:             "m1",
		ChatID:         "c1",
		SenderID:       "u1",
		Content:        "hello",
		IdempotencyKey: "k1",
		CreatedAt:      createdAt,
	}, msg)
}

func TestMapMongoErr(t *testing.T) {
	assert.ErrorIs(t, mapMongoErr(mongo.ErrNoDocuments), ErrNotFound)
	assert.ErrorIs(t, mapMongoErr(fmt.Errorf("decode: %w", mongo.ErrNoDocuments)), ErrNotFound)

	driverErr := errors.New("server selection timeout")
	assert.Equal(t, driverErr, mapMongoErr(driverErr))
}
