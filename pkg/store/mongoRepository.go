package store

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"
)

type MongoRepository struct {
	client      *mongo.Client
	database    string
	collection  string
	claimExpiry time.Duration
}

func NewMongoRepository(client *mongo.Client, database, collection string, claimExpiry time.Duration) *MongoRepository {
	return &MongoRepository{
		client:      client,
		database:    database,
		collection:  collection,
		claimExpiry: claimExpiry,
	}
}

func (m *MongoRepository) coll() *mongo.Collection {
	return m.client.Database(m.database).Collection(m.collection)
}

// ClaimBatch claims documents one at a time with FindOneAndUpdate, which is
// atomic per document: each deliverable message goes to exactly one claimant
// even with concurrent relays on the same collection.
func (m *MongoRepository) ClaimBatch(ctx context.Context, limit int) ([]OutboxMessage, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "ClaimBatch")
	defer span.End()

	start := time.Now()

	filter := bson.M{
		"$or": []bson.M{
			{"status": StatusPending},
			{"status": StatusProcessing, "updated_at": bson.M{"$lt": time.Now().Add(-m.claimExpiry)}},
		},
	}

	var messages []OutboxMessage
	for i := 0; i < limit; i++ {
		now := time.Now()
		update := bson.M{"$set": bson.M{
			"status":            StatusProcessing,
			"updated_at":        now,
			"last_attempt_time": now,
		}}
		opts := options.FindOneAndUpdate().
			SetSort(bson.D{{Key: "created_at", Value: 1}}).
			SetReturnDocument(options.After)

		var msg OutboxMessage
		err := m.coll().FindOneAndUpdate(ctx, filter, update, opts).Decode(&msg)
		if err == mongo.ErrNoDocuments {
			break
		}
		if err != nil {
			span.RecordError(err)
			return nil, newError(CodeUnavailable, "claim failed", err)
		}
		messages = append(messages, msg)
	}

	addDBStatsToSpan(span, "mongodb", "ClaimBatch", len(messages), time.Since(start))
	return messages, nil
}

func (m *MongoRepository) UpdateStatus(ctx context.Context, messageID string, status Status, incrementRetry bool) error {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "UpdateStatus")
	defer span.End()

	update := bson.M{"$set": bson.M{"status": status, "updated_at": time.Now()}}
	if incrementRetry {
		update["$inc"] = bson.M{"retry_count": 1}
	}

	res, err := m.coll().UpdateOne(ctx, bson.M{"id": messageID}, update)
	if err != nil {
		span.RecordError(err)
		return newError(CodeUnavailable, "status update failed", err)
	}
	if res.MatchedCount == 0 {
		return newError(CodeNotFound, "no message with id "+messageID, nil)
	}
	return nil
}

func (m *MongoRepository) FindRetryCandidates(ctx context.Context, maxRetries, limit int) ([]OutboxMessage, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "FindRetryCandidates")
	defer span.End()

	filter := bson.M{"status": StatusFailed, "retry_count": bson.M{"$lt": maxRetries}}
	opts := options.Find().
		SetLimit(int64(limit)).
		SetSort(bson.D{{Key: "created_at", Value: 1}})

	cursor, err := m.coll().Find(ctx, filter, opts)
	if err != nil {
		span.RecordError(err)
		return nil, newError(CodeUnavailable, "retry candidate query failed", err)
	}
	defer cursor.Close(ctx)

	var messages []OutboxMessage
	if err := cursor.All(ctx, &messages); err != nil {
		span.RecordError(err)
		return nil, newError(CodeUnavailable, "retry candidate decode failed", err)
	}
	return messages, nil
}

func (m *MongoRepository) MarkDeadLettered(ctx context.Context, maxRetries int) (int64, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "MarkDeadLettered")
	defer span.End()

	filter := bson.M{"status": StatusFailed, "retry_count": bson.M{"$gte": maxRetries}}
	update := bson.M{"$set": bson.M{"status": StatusDeadLettered, "updated_at": time.Now()}}

	res, err := m.coll().UpdateMany(ctx, filter, update)
	if err != nil {
		span.RecordError(err)
		return 0, newError(CodeUnavailable, "dead-letter update failed", err)
	}
	return res.ModifiedCount, nil
}

func (m *MongoRepository) CountByStatus(ctx context.Context, status Status) (int64, error) {
	count, err := m.coll().CountDocuments(ctx, bson.M{"status": status})
	if err != nil {
		return 0, newError(CodeUnavailable, "count query failed", err)
	}
	return count, nil
}

// Append stages messages in the outbox collection. Run it with a session
// context inside the caller's transaction so the staging commits atomically
// with the aggregate write.
func (m *MongoRepository) Append(ctx context.Context, messages ...*OutboxMessage) error {
	if len(messages) == 0 {
		return nil
	}

	now := time.Now()
	docs := make([]interface{}, 0, len(messages))
	for _, msg := range messages {
		if err := prepareForAppend(msg, now); err != nil {
			return err
		}
		docs = append(docs, msg)
	}

	if _, err := m.coll().InsertMany(ctx, docs); err != nil {
		return newError(CodeUnavailable, "append failed", err)
	}
	return nil
}
