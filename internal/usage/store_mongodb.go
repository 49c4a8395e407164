package usage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const requestsCollection = "requests"

// MongoDBStore implements Store for MongoDB.
type MongoDBStore struct {
	coll          *mongo.Collection
	retentionDays int
	stopCleanup   chan struct{}
	closeOnce     sync.Once
}

// NewMongoDBStore prepares the requests collection and its indexes.
func NewMongoDBStore(db *mongo.Database, retentionDays int) (*MongoDBStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}

	coll := db.Collection(requestsCollection)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "timestamp", Value: 1}}},
		{Keys: bson.D{{Key: "client_id", Value: 1}}},
		{Keys: bson.D{{Key: "model", Value: 1}}},
	})
	if err != nil {
		slog.Warn("failed to create usage indexes", "error", err)
	}

	store := &MongoDBStore{
		coll:          coll,
		retentionDays: retentionDays,
		stopCleanup:   make(chan struct{}),
	}

	if retentionDays > 0 {
		go RunCleanupLoop(store.stopCleanup, store.cleanup)
	}

	return store, nil
}

func (s *MongoDBStore) WriteBatch(ctx context.Context, entries []*Entry) error {
	if len(entries) == 0 {
		return nil
	}

	docs := make([]any, len(entries))
	for i, e := range entries {
		docs[i] = e
	}

	// Unordered keeps one bad document from sinking the rest of the batch.
	_, err := s.coll.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err != nil {
		return fmt.Errorf("failed to insert usage batch: %w", err)
	}
	return nil
}

// Flush is a no-op; writes go straight to the collection.
func (s *MongoDBStore) Flush(_ context.Context) error {
	return nil
}

// Close stops the cleanup goroutine. The shared client is owned by the
// storage layer.
func (s *MongoDBStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCleanup)
	})
	return nil
}

func (s *MongoDBStore) cleanup() {
	cutoff := time.Now().AddDate(0, 0, -s.retentionDays)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	res, err := s.coll.DeleteMany(ctx, bson.M{"timestamp": bson.M{"$lt": cutoff}})
	if err != nil {
		slog.Error("usage cleanup failed", "error", err)
		return
	}
	if res.DeletedCount > 0 {
		slog.Info("usage cleanup removed old entries", "count", res.DeletedCount)
	}
}
