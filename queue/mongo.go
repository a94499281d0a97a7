package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Job states in the collection.
const (
	StatusPending = "pending"
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// MongoQueue stores jobs in a collection. Any number of worker processes may
// consume it; a job is claimed by exactly one of them through an atomic status
// transition.
type MongoQueue struct {
	coll        *mongo.Collection
	maxInterval time.Duration
	now         func() time.Time
}

// NewMongoQueue polls an empty queue with exponential backoff capped at
// maxInterval.
func NewMongoQueue(coll *mongo.Collection, maxInterval time.Duration) *MongoQueue {
	if maxInterval <= 0 {
		maxInterval = 5 * time.Second
	}
	return &MongoQueue{coll: coll, maxInterval: maxInterval, now: time.Now}
}

func (q *MongoQueue) EnsureIndexes(ctx context.Context) error {
	_, err := q.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("queue: create index: %w", err)
	}
	return nil
}

func (q *MongoQueue) Enqueue(ctx context.Context, job Job) error {
	job.ensureID()

	_, err := q.coll.InsertOne(ctx, bson.M{
		"_id":        job.ID,
		"payload":    job.Payload,
		"tags":       job.Tags,
		"status":     StatusPending,
		"created_at": q.now(),
	})
	if err != nil {
		return fmt.Errorf("queue: enqueue %s: %w", job.ID, err)
	}
	return nil
}

// Claim takes the oldest pending job, or returns nil when there is none.
func (q *MongoQueue) Claim(ctx context.Context, worker string) (*Job, error) {
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "created_at", Value: 1}}).
		SetReturnDocument(options.After)
	update := bson.M{"$set": bson.M{
		"status":     StatusRunning,
		"worker":     worker,
		"started_at": q.now(),
	}}

	var job Job
	err := q.coll.FindOneAndUpdate(ctx, bson.M{"status": StatusPending}, update, opts).Decode(&job)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: claim: %w", err)
	}
	return &job, nil
}

// Finish records the outcome of a claimed job.
func (q *MongoQueue) Finish(ctx context.Context, id string, jobErr error) error {
	set := bson.M{"status": StatusDone, "finished_at": q.now()}
	if jobErr != nil {
		set["status"] = StatusFailed
		set["error"] = jobErr.Error()
	}

	if _, err := q.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set}); err != nil {
		return fmt.Errorf("queue: finish %s: %w", id, err)
	}
	return nil
}

// Consume claims and handles jobs until ctx is cancelled. Handler errors are
// recorded on the job and do not stop the loop; storage errors do.
func (q *MongoQueue) Consume(ctx context.Context, worker string, handler Handler) error {
	idle := backoff.NewExponentialBackOff()
	idle.InitialInterval = 100 * time.Millisecond
	idle.MaxInterval = q.maxInterval
	idle.MaxElapsedTime = 0

	for {
		job, err := q.Claim(ctx, worker)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if job == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(idle.NextBackOff()):
			}
			continue
		}
		idle.Reset()

		l := log.WithFields(logrus.Fields{"worker": worker, "job": job.ID, "tags": job.Tags})
		l.Info("Job claimed")

		jobErr := handler(ctx, *job)
		if jobErr != nil {
			l.WithError(jobErr).Error("Job failed")
		}

		if err := q.Finish(context.WithoutCancel(ctx), job.ID, jobErr); err != nil {
			return err
		}
	}
}
