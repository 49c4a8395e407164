package usage

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"unigate/internal/storage"
)

// NewStore creates a usage store on the shared storage connection. Unlike
// the relational stores, usage rows are append-only documents and all three
// backends support them.
func NewStore(s storage.Storage, retentionDays int) (Store, error) {
	switch s.Type() {
	case storage.TypeSQLite:
		return NewSQLiteStore(s.SQLiteDB(), retentionDays)
	case storage.TypePostgreSQL:
		pool, ok := s.PostgreSQLPool().(*pgxpool.Pool)
		if !ok {
			return nil, fmt.Errorf("invalid PostgreSQL pool type")
		}
		return NewPostgreSQLStore(pool, retentionDays)
	case storage.TypeMongoDB:
		db, ok := s.MongoDatabase().(*mongo.Database)
		if !ok {
			return nil, fmt.Errorf("invalid MongoDB database type")
		}
		return NewMongoDBStore(db, retentionDays)
	default:
		return nil, fmt.Errorf("usage store does not support storage type %s", s.Type())
	}
}

// Init builds the recorder for the configured backend. Disabled usage
// recording yields a NoopRecorder so callers never branch.
func Init(s storage.Storage, cfg Config) (Recorder, error) {
	if !cfg.Enabled {
		return NoopRecorder{}, nil
	}
	store, err := NewStore(s, cfg.RetentionDays)
	if err != nil {
		return nil, err
	}
	return NewRecorder(store, cfg), nil
}
