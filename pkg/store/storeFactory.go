package store

import (
	"context"
	"database/sql"
	"fmt"

	"cloud.google.com/go/spanner"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/opchat/opchat/pkg/config"

	_ "github.com/lib/pq" // PostgreSQL driver
)

var NewSpannerStoreFactory = func(client *spanner.Client) MessageStore {
	return &SpannerStore{client: client}
}

func NewStore(ctx context.Context, cfg config.DbSettings) (MessageStore, error) {
	switch cfg.Type {
	case "postgres":
		db, err := sql.Open("postgres", cfg.DSN)
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: db}, nil
	case "mongo":
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
		if err != nil {
			return nil, err
		}
		mongoStore := NewMongoStore(client, cfg.Database, cfg.Collection)
		if err := mongoStore.EnsureIndexes(ctx); err != nil {
			return nil, err
		}
		return mongoStore, nil
	case "spanner":
		client, err := spanner.NewClient(ctx, cfg.URI)
		if err != nil {
			return nil, err
		}
		return NewSpannerStoreFactory(client), nil
	default:
		return nil, fmt.Errorf("unsupported DB type: %s", cfg.Type)
	}
}
