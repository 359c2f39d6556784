package ingest

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// StoredRecord is the flattened document form of one OTLP log record.
type StoredRecord struct {
	Timestamp      time.Time         `bson:"timestamp"`
	SeverityText   string            `bson:"severity_text,omitempty"`
	SeverityNumber int               `bson:"severity_number,omitempty"`
	Body           string            `bson:"body"`
	Resource       map[string]string `bson:"resource,omitempty"`
	Attributes     map[string]string `bson:"attributes,omitempty"`
}

// Store persists flattened records, keyed by the pipeline they came from.
type Store interface {
	InsertBatch(ctx context.Context, pipeline string, records []StoredRecord) error
}

// Storage is the MongoDB-backed Store.
type Storage struct {
	client           *mongo.Client
	database         *mongo.Database
	collectionPrefix string
	logger           *zap.Logger
	ttlDays          int
}

// NewStorage connects to MongoDB and verifies the connection.
func NewStorage(uri, database, collectionPrefix string, maxPoolSize, ttlDays int, logger *zap.Logger) (*Storage, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	clientOpts := options.Client().ApplyURI(uri)
	clientOpts.SetMaxPoolSize(uint64(maxPoolSize))

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	logger.Info("connected to MongoDB",
		zap.String("database", database),
		zap.Int("max_pool_size", maxPoolSize))

	return &Storage{
		client:           client,
		database:         client.Database(database),
		collectionPrefix: collectionPrefix,
		logger:           logger,
		ttlDays:          ttlDays,
	}, nil
}

// InsertBatch bulk-inserts one request's records into the pipeline's
// collection.
func (s *Storage) InsertBatch(ctx context.Context, pipeline string, records []StoredRecord) error {
	if len(records) == 0 {
		return nil
	}

	collName := s.sanitizeCollectionName(pipeline)
	collection := s.database.Collection(collName)

	if err := s.ensureIndexes(ctx, collection); err != nil {
		// An insert is still worth attempting without indexes.
		s.logger.Error("failed to ensure indexes", zap.Error(err), zap.String("collection", collName))
	}

	docs := make([]interface{}, len(records))
	for i, rec := range records {
		docs[i] = rec
	}

	result, err := collection.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			s.logger.Warn("duplicate records in batch, re-export tolerated",
				zap.String("collection", collName),
				zap.Int("batch_size", len(records)))
			return nil
		}
		return fmt.Errorf("failed to insert batch: %w", err)
	}

	s.logger.Debug("batch stored",
		zap.String("collection", collName),
		zap.Int("inserted", len(result.InsertedIDs)))

	return nil
}

func (s *Storage) ensureIndexes(ctx context.Context, collection *mongo.Collection) error {
	indexModels := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "timestamp", Value: -1}},
			Options: options.Index().SetName("timestamp_desc"),
		},
		{
			Keys: bson.D{
				{Key: "resource.run.id", Value: 1},
				{Key: "timestamp", Value: -1},
			},
			Options: options.Index().SetName("run_timestamp"),
		},
	}

	if s.ttlDays > 0 {
		ttlSeconds := int32(s.ttlDays * 24 * 60 * 60)
		indexModels = append(indexModels, mongo.IndexModel{
			Keys: bson.D{{Key: "timestamp", Value: 1}},
			Options: options.Index().
				SetName("ttl_index").
				SetExpireAfterSeconds(ttlSeconds),
		})
	}

	// Index creation is idempotent.
	_, err := collection.Indexes().CreateMany(ctx, indexModels)
	if err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}
	return nil
}

func (s *Storage) sanitizeCollectionName(pipeline string) string {
	name := strings.ToLower(pipeline)
	reg := regexp.MustCompile(`[^a-z0-9_]`)
	name = reg.ReplaceAllString(name, "_")
	return s.collectionPrefix + name
}

// Close closes the MongoDB connection.
func (s *Storage) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
