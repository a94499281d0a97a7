package indexing

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"searchsync/document"
)

// Query is one indexing session for an indexable, or one worker's slice of it.
// Slices produced by Split share the session uuid.
type Query struct {
	uuid      string
	indexable document.Indexable
	chunkSize int
	chunks    []Chunk
	processes int
}

// NewQuery counts the indexable's rows and plans chunks of chunkSize.
func NewQuery(ctx context.Context, indexable document.Indexable, chunkSize int) (*Query, error) {
	if indexable == nil {
		return nil, fmt.Errorf("indexing: nil indexable: %w", ErrInvalidArgument)
	}
	if chunkSize <= 0 {
		return nil, fmt.Errorf("indexing: chunk size %d: %w", chunkSize, ErrInvalidArgument)
	}

	total, err := indexable.IndexingQuery().Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("indexing: count %s: %w", indexable.Name(), err)
	}

	chunks, err := Plan(total, chunkSize)
	if err != nil {
		return nil, err
	}

	return &Query{
		uuid:      uuid.NewString(),
		indexable: indexable,
		chunkSize: chunkSize,
		chunks:    chunks,
		processes: 1,
	}, nil
}

func (q *Query) UUID() string { return q.uuid }
func (q *Query) Indexable() document.Indexable { return q.indexable }
func (q *Query) IndexableName() string { return q.indexable.Name() }
func (q *Query) ChunkSize() int { return q.chunkSize }
func (q *Query) ChunkCount() int { return len(q.chunks) }
func (q *Query) ProcessCount() int { return q.processes }
func (q *Query) Chunks() []Chunk { return append([]Chunk(nil), q.chunks...) }

// SessionID is UUID; it keys the query's progress session.
func (q *Query) SessionID() string { return q.uuid }

// DocumentCount re-counts the indexable's rows. It is not cached.
func (q *Query) DocumentCount(ctx context.Context) (int, error) {
	return q.indexable.IndexingQuery().Count(ctx)
}

// Split partitions the chunks into contiguous groups whose sizes differ by at
// most one, earlier groups taking the remainder. There are never more groups
// than chunks, and a query without chunks yields one empty group. Each
// returned query's ProcessCount is the number of groups.
func (q *Query) Split(processes int) ([]*Query, error) {
	if processes < 1 {
		return nil, fmt.Errorf("indexing: process count %d: %w", processes, ErrInvalidArgument)
	}

	groups := min(processes, len(q.chunks))
	if groups == 0 {
		groups = 1
	}
	base, rem := len(q.chunks)/groups, len(q.chunks)%groups

	out := make([]*Query, 0, groups)
	start := 0
	for i := 0; i < groups; i++ {
		size := base
		if i < rem {
			size++
		}

		sub := *q
		sub.chunks = append([]Chunk(nil), q.chunks[start:start+size]...)
		sub.processes = groups
		out = append(out, &sub)

		start += size
	}
	return out, nil
}

// Chunk fetches each chunk in order and passes its rows to fn along with the
// chunk's position in this query. It stops at the first error and checks ctx
// between chunks.
func (q *Query) Chunk(ctx context.Context, fn func(ctx context.Context, docs []document.Document, index int) error) error {
	source := q.indexable.IndexingQuery()

	for i, c := range q.chunks {
		if err := ctx.Err(); err != nil {
			return err
		}

		docs, err := source.Fetch(ctx, c.Offset, c.Limit)
		if err != nil {
			return fmt.Errorf("indexing: fetch chunk %d of %s: %w", i, q.uuid, err)
		}
		if err := fn(ctx, docs, i); err != nil {
			return err
		}
	}
	return nil
}

// Tags label the session's queue jobs.
func (q *Query) Tags() []string {
	return []string{
		"es",
		"es:indexing",
		"es:indexing:" + q.uuid,
		"es:indexing:indexable:" + q.indexable.Name(),
	}
}

type queryJSON struct {
	UUID      string  `json:"uuid"`
	Indexable string  `json:"indexable"`
	ChunkSize int     `json:"chunk_size"`
	Chunks    []Chunk `json:"chunks"`
	Processes int     `json:"process_count"`
}

// MarshalJSON encodes the query with its indexable by name.
func (q *Query) MarshalJSON() ([]byte, error) {
	chunks := q.chunks
	if chunks == nil {
		chunks = []Chunk{}
	}
	return json.Marshal(queryJSON{
		UUID:      q.uuid,
		Indexable: q.indexable.Name(),
		ChunkSize: q.chunkSize,
		Chunks:    chunks,
		Processes: q.processes,
	})
}

// UnmarshalQuery decodes a query produced by MarshalJSON, resolving its
// indexable in registry.
func UnmarshalQuery(data []byte, registry *document.Registry) (*Query, error) {
	var raw queryJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("indexing: decode query: %w", err)
	}

	indexable, ok := registry.Get(raw.Indexable)
	if !ok {
		return nil, fmt.Errorf("indexing: %w: %q", document.ErrUnknownIndexable, raw.Indexable)
	}
	if raw.UUID == "" || raw.ChunkSize <= 0 || raw.Processes < 1 {
		return nil, fmt.Errorf("indexing: decode query %q: %w", raw.UUID, ErrInvalidArgument)
	}

	return &Query{
		uuid:      raw.UUID,
		indexable: indexable,
		chunkSize: raw.ChunkSize,
		chunks:    raw.Chunks,
		processes: raw.Processes,
	}, nil
}
