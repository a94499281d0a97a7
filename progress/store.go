// Package progress aggregates indexing progress across every worker that
// shares a session uuid, and fans progress events out to output channels.
package progress

import (
	"context"
	"errors"
	"time"
)

// KeyPrefix namespaces session entries in the shared store.
const KeyPrefix = "es:idx:log:"

// DefaultTTL bounds how long a session entry lives after its last write.
const DefaultTTL = 300 * time.Second

// Counter names a field that can be incremented atomically.
type Counter string

const (
	DocumentsIndexed   Counter = "documents_indexed"
	ProcessesCompleted Counter = "processes_completed"
)

var (
	ErrUnknownCounter = errors.New("unknown counter")
	ErrNotFound       = errors.New("entry not found")
)

// Entry is the shared state of one indexing session.
type Entry struct {
	StartTime          time.Time `bson:"start_time"`
	DocumentsIndexed   int64     `bson:"documents_indexed"`
	DocumentsTotal     int64     `bson:"documents_total"`
	ProcessesCompleted int64     `bson:"processes_completed"`
	ProcessesTotal     int64     `bson:"processes_total"`
	ProcessIDs         []string  `bson:"process_ids"`
}

// Store is a shared key-value store with TTL-bounded entries. Every write
// refreshes the entry's TTL. Increment and AppendProcess are atomic with
// respect to concurrent callers sharing a key and return the entry as it was
// right after the write.
type Store interface {
	// Start merges the session's initial values into the entry, leaving
	// process ids recorded by early joiners untouched.
	Start(ctx context.Context, key string, e Entry) error

	// Get returns ErrNotFound for missing or expired entries.
	Get(ctx context.Context, key string) (Entry, error)

	Increment(ctx context.Context, key string, c Counter, delta int64) (Entry, error)
	AppendProcess(ctx context.Context, key, id string) (Entry, error)

	// Lock creates key if it does not exist and reports whether it did.
	Lock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
}

func (e *Entry) add(c Counter, delta int64) error {
	switch c {
	case DocumentsIndexed:
		e.DocumentsIndexed += delta
	case ProcessesCompleted:
		e.ProcessesCompleted += delta
	default:
		return ErrUnknownCounter
	}
	return nil
}

func (e Entry) clone() Entry {
	e.ProcessIDs = append([]string(nil), e.ProcessIDs...)
	return e
}
