// Package indexing streams indexable records into the search index in
// chunked bulk writes, optionally split across parallel workers that share
// one progress session.
package indexing

import (
	"fmt"
	"math"
)

// Unbounded is the limit of a plan's last chunk. It absorbs rows inserted after
// the count was taken.
const Unbounded = math.MaxInt

// Chunk is an offset/limit window over an indexing query.
type Chunk struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}

func (c Chunk) Unbounded() bool { return c.Limit == Unbounded }

// Plan divides total rows into ceil(total/size) windows of size rows each; the
// last window has no upper bound.
func Plan(total, size int) ([]Chunk, error) {
	if size <= 0 {
		return nil, fmt.Errorf("indexing: chunk size %d: %w", size, ErrInvalidArgument)
	}
	if total < 0 {
		return nil, fmt.Errorf("indexing: document count %d: %w", total, ErrInvalidArgument)
	}

	n := (total + size - 1) / size
	chunks := make([]Chunk, n)
	for i := range chunks {
		chunks[i] = Chunk{Offset: i * size, Limit: size}
	}
	if n > 0 {
		chunks[n-1].Limit = Unbounded
	}
	return chunks, nil
}
