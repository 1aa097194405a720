package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"cloud.google.com/go/spanner"
	"go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"

	"github.com/restaurant-platform/outbox-relay/pkg/config"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// Creator vars are swappable in tests.
var (
	NewSpannerClient = func(ctx context.Context, database string) (*spanner.Client, error) {
		return spanner.NewClient(ctx, database)
	}
	NewMongoClient = func(ctx context.Context, uri string) (*mongo.Client, error) {
		return mongo.Connect(ctx, mongooptions.Client().ApplyURI(uri))
	}
)

func NewRepository(ctx context.Context, cfg config.DbSettings, claimExpiry time.Duration) (OutBoxRepository, error) {
	switch cfg.Type {
	case "postgres":
		db, err := sql.Open("postgres", cfg.DSN)
		if err != nil {
			return nil, err
		}
		return NewPostgresRepository(db, claimExpiry), nil
	case "spanner":
		client, err := NewSpannerClient(ctx, cfg.URI)
		if err != nil {
			return nil, err
		}
		return NewSpannerRepository(client, claimExpiry), nil
	case "mongo":
		client, err := NewMongoClient(ctx, cfg.URI)
		if err != nil {
			return nil, err
		}
		return NewMongoRepository(client, cfg.Name, cfg.Collection, claimExpiry), nil
	default:
		return nil, fmt.Errorf("unsupported DB type: %s", cfg.Type)
	}
}
