package progress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore keeps session entries in a MongoDB collection so workers in
// separate processes share them. Counters use $inc, so concurrent increments
// are never lost; expiry is a TTL index on expire_at refreshed by every write.
type MongoStore struct {
	coll *mongo.Collection
	ttl  time.Duration
	now  func() time.Time
}

// NewMongoStore stores entries in coll. ttl <= 0 means DefaultTTL. Call
// EnsureIndexes once before use.
func NewMongoStore(coll *mongo.Collection, ttl time.Duration) *MongoStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MongoStore{coll: coll, ttl: ttl, now: time.Now}
}

// EnsureIndexes creates the TTL index. Mongo's TTL monitor runs about once a
// minute, so reads also filter on expire_at.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expire_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	})
	if err != nil {
		return fmt.Errorf("progress: create ttl index: %w", err)
	}
	return nil
}

func (s *MongoStore) expiry() time.Time {
	return s.now().Add(s.ttl)
}

func (s *MongoStore) Start(ctx context.Context, key string, e Entry) error {
	update := bson.M{"$set": bson.M{
		"start_time":          e.StartTime,
		"documents_indexed":   e.DocumentsIndexed,
		"documents_total":     e.DocumentsTotal,
		"processes_completed": e.ProcessesCompleted,
		"processes_total":     e.ProcessesTotal,
		"expire_at":           s.expiry(),
	}}

	_, err := s.coll.UpdateOne(ctx, bson.M{"_id": key}, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("progress: start %q: %w", key, err)
	}
	return nil
}

func (s *MongoStore) Get(ctx context.Context, key string) (Entry, error) {
	filter := bson.M{"_id": key, "expire_at": bson.M{"$gt": s.now()}}

	var e Entry
	err := s.coll.FindOne(ctx, filter).Decode(&e)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("progress: get %q: %w", key, err)
	}
	return e, nil
}

func (s *MongoStore) Increment(ctx context.Context, key string, c Counter, delta int64) (Entry, error) {
	if c != DocumentsIndexed && c != ProcessesCompleted {
		return Entry{}, fmt.Errorf("progress: increment %q: %w", c, ErrUnknownCounter)
	}
	update := bson.M{
		"$inc": bson.M{string(c): delta},
		"$set": bson.M{"expire_at": s.expiry()},
	}
	return s.findAndModify(ctx, key, update)
}

func (s *MongoStore) AppendProcess(ctx context.Context, key, id string) (Entry, error) {
	update := bson.M{
		"$push": bson.M{"process_ids": id},
		"$set":  bson.M{"expire_at": s.expiry()},
	}
	return s.findAndModify(ctx, key, update)
}

func (s *MongoStore) findAndModify(ctx context.Context, key string, update bson.M) (Entry, error) {
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var e Entry
	if err := s.coll.FindOneAndUpdate(ctx, bson.M{"_id": key}, update, opts).Decode(&e); err != nil {
		return Entry{}, fmt.Errorf("progress: update %q: %w", key, err)
	}
	return e, nil
}

// Lock inserts a lock document; an existing one only yields once its own
// expire_at has passed.
func (s *MongoStore) Lock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	now := s.now()
	_, err := s.coll.InsertOne(ctx, bson.M{"_id": key, "expire_at": now.Add(ttl)})
	if err == nil {
		return true, nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return false, fmt.Errorf("progress: lock %q: %w", key, err)
	}

	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": key, "expire_at": bson.M{"$lte": now}},
		bson.M{"$set": bson.M{"expire_at": now.Add(ttl)}},
	)
	if err != nil {
		return false, fmt.Errorf("progress: take over lock %q: %w", key, err)
	}
	return res.ModifiedCount == 1, nil
}

func (s *MongoStore) Delete(ctx context.Context, key string) error {
	if _, err := s.coll.DeleteOne(ctx, bson.M{"_id": key}); err != nil {
		return fmt.Errorf("progress: delete %q: %w", key, err)
	}
	return nil
}
