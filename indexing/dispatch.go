package indexing

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// DispatchOptions select how a query runs. Processes below 1 count as 1.
type DispatchOptions struct {
	Processes int
	Queue     bool
}

// Dispatcher decides where an indexing query runs: inline, on goroutines in
// this process, or on the job queue.
type Dispatcher struct {
	indexer *Indexer
}

// NewDispatcher returns a Dispatcher running queries through ix.
func NewDispatcher(ix *Indexer) *Dispatcher {
	return &Dispatcher{indexer: ix}
}

// Dispatch starts the session for q and runs it. With Queue set the
// sub-queries go to the indexer's queue and Dispatch returns once they are
// enqueued. Otherwise it blocks until every worker is done.
//
// In-process workers share ctx but nothing else: a failing worker does not
// stop its siblings, and their errors are combined.
func (d *Dispatcher) Dispatch(ctx context.Context, q *Query, opts DispatchOptions) error {
	processes := max(opts.Processes, 1)

	if opts.Queue {
		return d.indexer.QueueQuery(ctx, q, processes)
	}

	subs, err := q.Split(processes)
	if err != nil {
		return err
	}
	if err := d.indexer.progress.Start(ctx, subs[0]); err != nil {
		return fmt.Errorf("indexing: start %s: %w", q.UUID(), err)
	}

	if len(subs) == 1 {
		return d.indexer.IndexQuery(ctx, subs[0])
	}

	errs := make([]error, len(subs))
	var g errgroup.Group
	for i, sub := range subs {
		g.Go(func() error {
			errs[i] = d.indexer.IndexQuery(ctx, sub)
			return nil
		})
	}
	_ = g.Wait()
	return multierr.Combine(errs...)
}
