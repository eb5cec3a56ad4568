package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"
)

type MongoStore struct {
	client     *mongo.Client
	database   string
	collection string
}

func NewMongoStore(client *mongo.Client, database, collection string) *MongoStore {
	return &MongoStore{
		client:     client,
		database:   database,
		collection: collection,
	}
}

type mongoMessage struct {
	ID             string    `bson:"_id"`
	ChatID         string    `bson:"chat_id"`
	SenderID       string    `bson:"sender_id"`
	Content        string    `bson:"content"`
	IdempotencyKey string    `bson:"idempotency_key"`
	CreatedAt      time.Time `bson:"created_at"`
}

// EnsureIndexes creates the unique idempotency_key index the create path
// relies on.
func (m *MongoStore) EnsureIndexes(ctx context.Context) error {
	collection := m.client.Database(m.database).Collection(m.collection)
	_, err := collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "idempotency_key", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

func (m *MongoStore) CreateMessage(ctx context.Context, chatID, senderID, content, idempotencyKey string) (*Message, error) {
	tracer := otel.Tracer("opchat")
	ctx, span := tracer.Start(ctx, "CreateMessage")
	defer span.End()

	startTime := time.Now()

	collection := m.client.Database(m.database).Collection(m.collection)

	// $setOnInsert yields first-writer-wins: a concurrent upsert on the same
	// key leaves the earlier document untouched and returns it.
	filter := bson.M{"idempotency_key": idempotencyKey}
	update := bson.M{"$setOnInsert": mongoMessage{
		ID:             uuid.NewString(),
		ChatID:         chatID,
		SenderID:       senderID,
		Content:        content,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      time.Now().UTC(),
	}}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var doc mongoMessage
	if err := collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc); err != nil {
		span.RecordError(err)
		return nil, err
	}

	addDBStatsToSpan(span, "mongodb", "findOneAndUpdate upsert $setOnInsert", time.Since(startTime))
	return doc.toMessage(), nil
}

func (m *MongoStore) GetByIdempotencyKey(ctx context.Context, key string) (*Message, error) {
	collection := m.client.Database(m.database).Collection(m.collection)

	var doc mongoMessage
	err := collection.FindOne(ctx, bson.M{"idempotency_key": key}).Decode(&doc)
	if err != nil {
		return nil, mapMongoErr(err)
	}
	return doc.toMessage(), nil
}

// mapMongoErr translates driver sentinels into the store's contract.
func mapMongoErr(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	return err
}

func (d *mongoMessage) toMessage() *Message {
	return &Message{
		ID:             d.ID,
		ChatID:         d.ChatID,
		SenderID:       d.SenderID,
		Content:        d.Content,
		IdempotencyKey: d.IdempotencyKey,
		CreatedAt:      d.CreatedAt,
	}
}
