// Package queue hands serialized work to independent consumers. Nothing but
// the job payload crosses the boundary.
package queue

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("pkg", "queue")

var ErrClosed = errors.New("queue closed")

// Job is one unit of work. Tags are informational labels used for filtering
// and display.
type Job struct {
	ID      string   `bson:"_id"`
	Payload []byte   `bson:"payload"`
	Tags    []string `bson:"tags"`
}

// Handler processes a job. A returned error marks the job failed; it is not
// retried.
type Handler func(ctx context.Context, job Job) error

// Queue accepts jobs for asynchronous execution.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
}

func (j *Job) ensureID() {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
}
