// Package document defines what an entity has to expose to be written into the
// search index, and how a document body is assembled from it.
package document

import (
	"context"
)

// Document is one entity instance as it is written to the search engine.
type Document interface {
	// DocumentKey returns the stable identity used as the document _id.
	DocumentKey() string

	// DocumentType returns the type discriminator, usually the table name.
	DocumentType() string

	// DocumentBody returns the entity's own field data.
	DocumentBody() map[string]any

	// DocumentRelations lists the relations that belong in the document tree.
	DocumentRelations() []string

	// DocumentRelation returns the loaded value of a relation: a Document,
	// a []Document, a plain map, or nil when nothing is loaded.
	DocumentRelation(name string) any
}

// SoftDeletable is implemented by documents whose deletion is a state change
// kept in the index rather than a removal.
type SoftDeletable interface {
	SoftDeletes() bool
}

// Query selects every record that belongs in the index, soft-deleted rows
// included. Results must come back in a stable order.
type Query interface {
	Count(ctx context.Context) (int, error)

	// Fetch returns at most limit rows starting at offset. A limit of
	// math.MaxInt means no upper bound.
	Fetch(ctx context.Context, offset, limit int) ([]Document, error)
}

// Indexable is an entity type that can produce documents and an indexing query.
type Indexable interface {
	// Name is the registry key; it is what crosses process boundaries.
	Name() string
	DocumentType() string
	DocumentMappings() map[string]any
	IndexingQuery() Query
}

// IsSoftDeletable reports whether deleting doc should re-index it instead of
// removing it from the index.
func IsSoftDeletable(doc Document) bool {
	sd, ok := doc.(SoftDeletable)
	return ok && sd.SoftDeletes()
}
