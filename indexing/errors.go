package indexing

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrIndexing        = errors.New("indexing failed")
	ErrNoQueue         = errors.New("no queue configured")
)

// IndexingError is returned when a bulk response reports item failures. Items
// holds the per-row results of the failed items.
type IndexingError struct {
	Items []map[string]any
}

func (e *IndexingError) Error() string {
	return fmt.Sprintf("indexing: bulk response reported %d failed items", len(e.Items))
}

func (e *IndexingError) Is(target error) bool {
	return target == ErrIndexing
}
