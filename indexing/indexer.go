package indexing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"searchsync/document"
	"searchsync/progress"
	"searchsync/queue"
	"searchsync/search"
)

var log = logrus.WithField("pkg", "indexing")

// Event messages for single-document writes.
const (
	MessageIndexDocument  = "Indexing document"
	MessageDeleteDocument = "Deleting document"
)

// Client is the part of the search engine client the indexer writes through.
type Client interface {
	Index(ctx context.Context, req search.IndexRequest) (*search.Response, error)
	Delete(ctx context.Context, req search.DeleteRequest) (*search.Response, error)
	Bulk(ctx context.Context, body []byte) (*search.BulkResponse, error)
}

// Options configure an Indexer.
type Options struct {
	// Index is the target index name.
	Index string

	// IncludeTypes addresses documents by type as well as id, in bulk action
	// headers and single document writes alike.
	IncludeTypes bool

	// Queue receives sub-queries from QueueQuery. It may be nil when only
	// in-process dispatch is used.
	Queue queue.Queue
}

// Indexer writes documents and indexing queries into the search index and
// reports their progress.
type Indexer struct {
	client   Client
	progress *progress.Logger
	registry *document.Registry
	opts     Options
}

// NewIndexer returns an Indexer writing through client and reporting to
// logger. registry resolves the indexables of queued jobs.
func NewIndexer(client Client, logger *progress.Logger, registry *document.Registry, opts Options) *Indexer {
	return &Indexer{
		client:   client,
		progress: logger,
		registry: registry,
		opts:     opts,
	}
}

// IndexDocument writes a single document, replacing any previous version.
func (ix *Indexer) IndexDocument(ctx context.Context, doc document.Document) (*search.Response, error) {
	ix.progress.Log(ctx, MessageIndexDocument, ix.documentFields(doc))

	return ix.client.Index(ctx, search.IndexRequest{
		Index: ix.opts.Index,
		Type:  ix.documentType(doc),
		ID:    doc.DocumentKey(),
		Body:  document.Tree(doc),
	})
}

// DeleteDocument removes a single document from the index.
func (ix *Indexer) DeleteDocument(ctx context.Context, doc document.Document) (*search.Response, error) {
	ix.progress.Log(ctx, MessageDeleteDocument, ix.documentFields(doc))

	return ix.client.Delete(ctx, search.DeleteRequest{
		Index: ix.opts.Index,
		Type:  ix.documentType(doc),
		ID:    doc.DocumentKey(),
	})
}

// documentType is empty unless IncludeTypes is set.
func (ix *Indexer) documentType(doc document.Document) string {
	if !ix.opts.IncludeTypes {
		return ""
	}
	return doc.DocumentType()
}

func (ix *Indexer) documentFields(doc document.Document) progress.Fields {
	return progress.Fields{
		"index": ix.opts.Index,
		"id":    doc.DocumentKey(),
		"type":  doc.DocumentType(),
	}
}

// IndexQuery runs q's chunks in order, one bulk write per chunk, and reports
// completion of this worker when all of them succeed. A failed bulk write aborts
// the remaining chunks without completing. When ctx is cancelled between chunks
// the worker still completes so the session can finish with a partial count.
func (ix *Indexer) IndexQuery(ctx context.Context, q *Query) error {
	l := log.WithFields(logrus.Fields{"uuid": q.UUID(), "indexable": q.IndexableName(), "chunks": q.ChunkCount()})

	if err := ix.progress.Join(ctx, q); err != nil {
		l.WithError(err).Warn("Could not join progress session")
	}

	err := q.Chunk(ctx, func(ctx context.Context, docs []document.Document, i int) error {
		if len(docs) == 0 {
			return nil
		}
		return ix.bulk(ctx, q, docs, i)
	})

	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		l.WithError(err).Warn("Indexing cancelled")
		if _, cerr := ix.progress.Complete(context.WithoutCancel(ctx), q); cerr != nil {
			l.WithError(cerr).Error("Could not complete cancelled worker")
		}
		return err
	}
	if err != nil {
		return err
	}

	if _, err := ix.progress.Complete(ctx, q); err != nil {
		return fmt.Errorf("indexing: complete %s: %w", q.UUID(), err)
	}
	return nil
}

func (ix *Indexer) bulk(ctx context.Context, q *Query, docs []document.Document, i int) error {
	body, err := BulkBody(ix.opts.Index, docs, ix.opts.IncludeTypes)
	if err != nil {
		return err
	}

	res, err := ix.client.Bulk(ctx, body)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ix.progress.Log(ctx, progress.MessageError, progress.Fields{
			"uuid":      q.UUID(),
			"indexable": q.IndexableName(),
			"chunk":     i,
			"error":     err.Error(),
		})
		return fmt.Errorf("indexing: bulk chunk %d of %s: %w", i, q.UUID(), err)
	}

	if !res.Valid() {
		items := res.Failed()
		ix.progress.Log(ctx, progress.MessageError, progress.Fields{
			"uuid":      q.UUID(),
			"indexable": q.IndexableName(),
			"chunk":     i,
			"items":     items,
		})
		return &IndexingError{Items: items}
	}

	if err := ix.progress.Progress(ctx, q, len(docs)); err != nil {
		log.WithError(err).WithField("uuid", q.UUID()).Warn("Could not record progress")
	}
	return nil
}

// QueueQuery starts the session and enqueues q split into at most processes
// sub-queries, one job each.
func (ix *Indexer) QueueQuery(ctx context.Context, q *Query, processes int) error {
	if ix.opts.Queue == nil {
		return ErrNoQueue
	}

	subs, err := q.Split(processes)
	if err != nil {
		return err
	}
	if err := ix.progress.Start(ctx, subs[0]); err != nil {
		return fmt.Errorf("indexing: start %s: %w", q.UUID(), err)
	}

	for _, sub := range subs {
		payload, err := json.Marshal(sub)
		if err != nil {
			return fmt.Errorf("indexing: encode %s: %w", sub.UUID(), err)
		}
		if err := ix.opts.Queue.Enqueue(ctx, queue.Job{Payload: payload, Tags: sub.Tags()}); err != nil {
			return fmt.Errorf("indexing: enqueue %s: %w", sub.UUID(), err)
		}
	}

	log.WithFields(logrus.Fields{"uuid": q.UUID(), "indexable": q.IndexableName(), "jobs": len(subs)}).
		Info("Indexing queued")
	return nil
}

// HandleJob is the queue consumer for jobs produced by QueueQuery.
func (ix *Indexer) HandleJob(ctx context.Context, job queue.Job) error {
	q, err := UnmarshalQuery(job.Payload, ix.registry)
	if err != nil {
		return err
	}
	return ix.IndexQuery(ctx, q)
}
