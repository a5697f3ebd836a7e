package store

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"time"

	c "github.com/life-stream-dev/life-stream-go-shortener/internal/config"
	"github.com/life-stream-dev/life-stream-go-shortener/internal/logger"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const shortCodeIndexName = "short_urls_short_code_unique"

// MongoPersister stores one document per record. Saves upsert only the
// changed record unless a whole-table flush is requested.
type MongoPersister struct {
	client           *mongo.Client
	collection       *mongo.Collection
	operationTimeout time.Duration
}

func mongoURI(config c.MongoConfig) string {
	if config.Username == "" {
		return fmt.Sprintf("mongodb://%s:%d/", config.Host, config.Port)
	}
	return fmt.Sprintf("mongodb://%s:%s@%s:%d/?authSource=admin",
		url.QueryEscape(config.Username), url.QueryEscape(config.Password),
		config.Host,
		config.Port,
	)
}

func NewMongoPersister(ctx context.Context, appName string, config c.MongoConfig) (*MongoPersister, error) {
	logger.DebugF("Connecting to database...")

	clientOptions := options.Client().ApplyURI(mongoURI(config)).SetAppName(appName)
	clientOptions.SetMinPoolSize(config.MinPoolSize)
	clientOptions.SetMaxPoolSize(config.MaxPoolSize)
	clientOptions.SetMaxConnIdleTime(c.Duration(config.ConnectIdleTimeout))
	clientOptions.SetConnectTimeout(c.Duration(config.ConnectTimeout))
	clientOptions.SetSocketTimeout(c.Duration(config.SocketTimeout))
	clientOptions.SetHeartbeatInterval(c.Duration(config.Heartbeat))
	if config.UseTLS {
		clientOptions.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	clientOptions.SetPoolMonitor(&event.PoolMonitor{
		Event: func(evt *event.PoolEvent) {
			switch evt.Type {
			case event.ConnectionCreated:
				logger.DebugF("Database connection created: %s", evt.Address)
			case event.ConnectionClosed:
				logger.DebugF("Database connection closed: %s (%s)", evt.Address, evt.Reason)
			}
		},
	})

	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("error occured while connecting to database: %w", err)
	}
	if err = client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(connectCtx)
		return nil, fmt.Errorf("error occured while pinging database: %w", err)
	}

	collectionName := config.Collection
	if collectionName == "" {
		collectionName = "short_urls"
	}
	collection := client.Database(config.Database).Collection(collectionName)

	_, err = collection.Indexes().CreateOne(connectCtx, mongo.IndexModel{
		Keys:    bson.D{{Key: "short_code", Value: 1}},
		Options: options.Index().SetUnique(true).SetName(shortCodeIndexName),
	})
	if err != nil {
		_ = client.Disconnect(connectCtx)
		return nil, fmt.Errorf("error occured while creating database indexes: %w", err)
	}

	operationTimeout := c.Duration(config.OperationTimeout)
	if operationTimeout <= 0 {
		operationTimeout = 5 * time.Second
	}

	return &MongoPersister{
		client:           client,
		collection:       collection,
		operationTimeout: operationTimeout,
	}, nil
}

func (m *MongoPersister) Load(ctx context.Context) (map[string]Record, error) {
	ctx, cancel := context.WithTimeout(ctx, m.operationTimeout)
	defer cancel()

	cursor, err := m.collection.Find(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("database operation failed: %w", err)
	}
	defer func() { _ = cursor.Close(context.Background()) }()

	records := make(map[string]Record)
	for cursor.Next(ctx) {
		var record Record
		if err := cursor.Decode(&record); err != nil {
			return nil, fmt.Errorf("failed to decode record: %w", err)
		}
		records[record.ShortCode] = record
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("database operation failed: %w", err)
	}
	return records, nil
}

func (m *MongoPersister) Save(ctx context.Context, snapshot map[string]Record, changed string) error {
	models := upsertModels(snapshot, changed)
	if len(models) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, m.operationTimeout)
	defer cancel()

	startTime := time.Now()
	result, err := m.collection.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	logger.DebugF("short url upsert cost: %v", time.Since(startTime))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("unique key conflicts: %w", err)
		}
		return fmt.Errorf("database operation failed: %w", err)
	}

	logger.DebugF("Short urls saved: matched=%d, modified=%d, upserted=%d",
		result.MatchedCount, result.ModifiedCount, result.UpsertedCount)
	return nil
}

func (m *MongoPersister) Close(ctx context.Context) error {
	logger.InfoF("Closing database connection")
	ctx, cancel := context.WithTimeout(ctx, m.operationTimeout)
	defer cancel()
	if err := m.client.Disconnect(ctx); err != nil && !errors.Is(err, mongo.ErrClientDisconnected) {
		return err
	}
	return nil
}

func upsertModels(snapshot map[string]Record, changed string) []mongo.WriteModel {
	upsert := func(code string, record Record) mongo.WriteModel {
		record.ShortCode = code
		return mongo.NewReplaceOneModel().
			SetFilter(bson.D{{Key: "short_code", Value: code}}).
			SetReplacement(record).
			SetUpsert(true)
	}

	if changed != "" {
		record, ok := snapshot[changed]
		if !ok {
			return nil
		}
		return []mongo.WriteModel{upsert(changed, record)}
	}

	models := make([]mongo.WriteModel, 0, len(snapshot))
	for code, record := range snapshot {
		models = append(models, upsert(code, record))
	}
	return models
}
