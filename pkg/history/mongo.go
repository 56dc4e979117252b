package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/alim08/fin_advisor/pkg/logger"
	"github.com/alim08/fin_advisor/pkg/metrics"
	"github.com/alim08/fin_advisor/pkg/models"
)

const collectionName = "chat_sessions"

// sessionDoc is one chat session document; messages are embedded in order.
type sessionDoc struct {
	SessionID     string           `bson:"sessionId"`
	UserID        string           `bson:"userId"`
	Messages      []models.Message `bson:"messages"`
	MessageCount  int64            `bson:"messageCount"`
	LastMessageAt time.Time        `bson:"lastMessageAt"`
	IsActive      bool             `bson:"isActive"`
	CreatedAt     time.Time        `bson:"createdAt"`
}

// MongoStore implements Store on a MongoDB collection.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// NewMongoStore connects, pings and ensures indexes.
func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri).SetServerSelectionTimeout(5*time.Second))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}
	s := &MongoStore{client: client, coll: client.Database(database).Collection(collectionName)}
	if err := s.EnsureIndexes(ctx); err != nil {
		client.Disconnect(ctx)
		return nil, err
	}
	logger.Log.Info("history store connected", zap.String("database", database))
	return s, nil
}

// NewMongoStoreFromCollection wraps an existing collection.
func NewMongoStoreFromCollection(coll *mongo.Collection) *MongoStore {
	return &MongoStore{coll: coll}
}

// EnsureIndexes creates the unique session index and the per-user listing index.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "sessionId", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "userId", Value: 1}, {Key: "lastMessageAt", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}
	return nil
}

// Ping checks the connection when the store owns the client.
func (s *MongoStore) Ping(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Ping(ctx, nil)
}

// Close disconnects the client when the store owns it.
func (s *MongoStore) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Disconnect(ctx)
}

func observe(op string, start time.Time, err error) {
	metrics.DatabaseOperationDuration.WithLabelValues("mongo_"+op, metrics.Status(err)).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.DatabaseErrors.WithLabelValues("mongo_" + op).Inc()
	}
}

func (s *MongoStore) AppendMessages(ctx context.Context, sessionID, userID string, msgs ...models.Message) (err error) {
	if len(msgs) == 0 {
		return nil
	}
	start := time.Now()
	defer func() { observe("append", start, err) }()

	last := msgs[len(msgs)-1].Timestamp
	update := bson.M{
		"$push": bson.M{"messages": bson.M{"$each": msgs}},
		"$inc":  bson.M{"messageCount": len(msgs)},
		"$set":  bson.M{"lastMessageAt": last, "isActive": true},
		"$setOnInsert": bson.M{
			"createdAt": time.Now().UTC(),
		},
	}
	// The owner is part of the filter: another user's write misses the
	// document and its upsert collides with the unique sessionId index.
	filter := bson.M{"sessionId": sessionID, "userId": userID}
	_, err = s.coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("failed to append messages: %w", ErrForbidden)
	}
	if err != nil {
		return fmt.Errorf("failed to append messages: %w", err)
	}
	return nil
}

func (s *MongoStore) GetRecentMessages(ctx context.Context, sessionID string, n int) (msgs []models.Message, err error) {
	if n <= 0 {
		return []models.Message{}, nil
	}
	start := time.Now()
	defer func() { observe("recent", start, err) }()

	opts := options.FindOne().SetProjection(bson.M{
		"messages":     bson.M{"$slice": -n},
		"messageCount": 1,
	})
	var doc sessionDoc
	err = s.coll.FindOne(ctx, bson.M{"sessionId": sessionID}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return []models.Message{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get recent messages: %w", err)
	}
	return withSeq(sessionID, doc.Messages, doc.MessageCount), nil
}

func (s *MongoStore) Owner(ctx context.Context, sessionID string) (string, error) {
	var doc sessionDoc
	err := s.coll.FindOne(ctx, bson.M{"sessionId": sessionID},
		options.FindOne().SetProjection(bson.M{"userId": 1})).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get session owner: %w", err)
	}
	return doc.UserID, nil
}
