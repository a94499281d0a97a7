package indexing

import (
	"context"

	"searchsync/document"
)

// Observer keeps the index in step with entity lifecycle events. Failures are
// logged and never returned, so the data change that triggered them stands.
type Observer struct {
	indexer *Indexer
}

// NewObserver returns an Observer writing through ix.
func NewObserver(ix *Indexer) *Observer {
	return &Observer{indexer: ix}
}

func (o *Observer) Created(ctx context.Context, doc document.Document) { o.index(ctx, doc) }
func (o *Observer) Updated(ctx context.Context, doc document.Document) { o.index(ctx, doc) }
func (o *Observer) Restored(ctx context.Context, doc document.Document) { o.index(ctx, doc) }

// Deleted re-indexes soft-deletable documents so the deletion marker is
// searchable, and removes everything else.
func (o *Observer) Deleted(ctx context.Context, doc document.Document) {
	if document.IsSoftDeletable(doc) {
		o.index(ctx, doc)
		return
	}
	if _, err := o.indexer.DeleteDocument(ctx, doc); err != nil {
		log.WithError(err).WithField("id", doc.DocumentKey()).Error("Could not delete document")
	}
}

func (o *Observer) index(ctx context.Context, doc document.Document) {
	if _, err := o.indexer.IndexDocument(ctx, doc); err != nil {
		log.WithError(err).WithField("id", doc.DocumentKey()).Error("Could not index document")
	}
}
