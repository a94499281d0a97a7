package indexing_test

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"searchsync/document"
	"searchsync/indexing"
	"searchsync/progress"
	"searchsync/queue"
	"searchsync/search"
	"searchsync/testutil"
)

type recorder struct {
	mu     sync.Mutex
	events []progress.Event
	onLog  func(progress.Event)
}

func (r *recorder) Log(_ context.Context, ev progress.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	hook := r.onLog
	r.mu.Unlock()
	if hook != nil {
		hook(ev)
	}
}

func (r *recorder) count(msg string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Message == msg {
			n++
		}
	}
	return n
}

func (r *recorder) last(msg string) progress.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Message == msg {
			return r.events[i]
		}
	}
	return progress.Event{}
}

type fixture struct {
	people    *testutil.People
	registry  *document.Registry
	transport *testutil.Transport
	store     *progress.MemoryStore
	logger    *progress.Logger
	events    *recorder
	indexer   *indexing.Indexer
}

func newFixture(t *testing.T, rows int, opts indexing.Options) *fixture {
	t.Helper()

	es, tr := testutil.NewElastic(t)
	f := &fixture{
		people:    testutil.NewPeople(rows),
		transport: tr,
		store:     progress.NewMemoryStore(0, time.Minute),
		events:    &recorder{},
	}
	f.registry = document.NewRegistry(f.people)
	f.logger = progress.NewLogger(f.store, "testing", f.events)
	if opts.Index == "" {
		opts.Index = "test"
	}
	f.indexer = indexing.NewIndexer(search.NewElastic(es, time.Second), f.logger, f.registry, opts)
	return f
}

func (f *fixture) entry(t *testing.T, q *indexing.Query) progress.Entry {
	t.Helper()
	e, err := f.logger.Entry(context.Background(), q)
	require.NoError(t, err)
	return e
}

// bulkIDs returns the _id of every index action sent to the fake cluster.
func (f *fixture) bulkIDs() []string {
	var ids []string
	for _, req := range f.transport.BulkRequests() {
		for _, line := range req.BulkLines() {
			if action, ok := line["index"].(map[string]any); ok {
				ids = append(ids, action["_id"].(string))
			}
		}
	}
	return ids
}

func TestBulkBody(t *testing.T) {
	people := testutil.NewPeople(2)
	docs, err := people.Fetch(context.Background(), 0, indexing.Unbounded)
	require.NoError(t, err)

	body, err := indexing.BulkBody("test", docs, false)
	require.NoError(t, err)

	lines := testutil.Request{Body: body}.BulkLines()
	require.Len(t, lines, 4)
	assert.Equal(t, map[string]any{"index": map[string]any{"_index": "test", "_id": "2"}}, lines[0])
	assert.Equal(t, "first-2", lines[1]["first_name"])
	assert.Equal(t, "2020-01-01T00:02:00Z", lines[1]["created_at"])
	assert.Contains(t, lines[1], "family")
	assert.Equal(t, map[string]any{"index": map[string]any{"_index": "test", "_id": "1"}}, lines[2])
	assert.Equal(t, byte('\n'), body[len(body)-1])

	body, err = indexing.BulkBody("test", docs, true)
	require.NoError(t, err)
	lines = testutil.Request{Body: body}.BulkLines()
	assert.Equal(t, "people", lines[0]["index"].(map[string]any)["_type"])
}

func TestIndexer_IndexQuery(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 339, indexing.Options{})
	q := newQuery(t, f.people, 50)

	require.NoError(t, f.logger.Start(ctx, q))
	require.NoError(t, f.indexer.IndexQuery(ctx, q))

	bulks := f.transport.BulkRequests()
	require.Len(t, bulks, 7)
	assert.Len(t, bulks[0].BulkLines(), 100)
	assert.Len(t, bulks[6].BulkLines(), 78)

	ids := f.bulkIDs()
	assert.Equal(t, f.people.IDs(), ids)

	e := f.entry(t, q)
	assert.EqualValues(t, 339, e.DocumentsIndexed)
	assert.EqualValues(t, 1, e.ProcessesCompleted)
	assert.Len(t, e.ProcessIDs, 1)

	assert.Equal(t, 1, f.events.count(progress.MessageStarted))
	assert.Equal(t, 7, f.events.count(progress.MessageProgress))
	assert.Equal(t, 1, f.events.count(progress.MessageCompleted))
	assert.Equal(t, "100% (339/339) indexed", f.events.last(progress.MessageCompleted).Data["indexing"])
}

func TestIndexer_IndexQueryStopsOnBulkErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 339, indexing.Options{})

	var calls atomic.Int32
	f.transport.Respond = func(req testutil.Request) (int, string) {
		if req.Method == http.MethodPost && calls.Add(1) == 2 {
			return http.StatusOK, `{"took":2,"errors":true,"items":[{"index":{"_id":"7","status":400,"error":{"type":"mapper_parsing_exception","reason":"bad"}}}]}`
		}
		return testutil.DefaultResponder(req)
	}

	q := newQuery(t, f.people, 50)
	require.NoError(t, f.logger.Start(ctx, q))

	err := f.indexer.IndexQuery(ctx, q)
	require.Error(t, err)
	assert.ErrorIs(t, err, indexing.ErrIndexing)

	var ierr *indexing.IndexingError
	require.ErrorAs(t, err, &ierr)
	require.Len(t, ierr.Items, 1)

	assert.Len(t, f.transport.BulkRequests(), 2, "no bulk calls after the failed chunk")

	ev := f.events.last(progress.MessageError)
	require.NotEmpty(t, ev.Message)
	assert.Equal(t, ierr.Items, ev.Data["items"])
	assert.Equal(t, "people", ev.Data["indexable"])

	e := f.entry(t, q)
	assert.EqualValues(t, 50, e.DocumentsIndexed)
	assert.EqualValues(t, 0, e.ProcessesCompleted)
	assert.Zero(t, f.events.count(progress.MessageCompleted))
}

func TestIndexer_IndexQueryTransportError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 120, indexing.Options{})
	f.transport.Respond = func(req testutil.Request) (int, string) {
		return http.StatusInternalServerError, `{"error":"unavailable"}`
	}

	q := newQuery(t, f.people, 50)
	require.NoError(t, f.logger.Start(ctx, q))

	err := f.indexer.IndexQuery(ctx, q)
	require.Error(t, err)
	assert.Len(t, f.transport.BulkRequests(), 1)
	assert.Equal(t, 1, f.events.count(progress.MessageError))
	assert.Zero(t, f.events.count(progress.MessageCompleted))
}

func TestIndexer_IndexQueryCancelledCompletes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t, 339, indexing.Options{})
	f.events.onLog = func(ev progress.Event) {
		if ev.Message == progress.MessageProgress {
			cancel()
		}
	}

	q := newQuery(t, f.people, 50)
	require.NoError(t, f.logger.Start(context.Background(), q))

	err := f.indexer.IndexQuery(ctx, q)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, f.transport.BulkRequests(), 1)

	e := f.entry(t, q)
	assert.EqualValues(t, 50, e.DocumentsIndexed)
	assert.EqualValues(t, 1, e.ProcessesCompleted)
	assert.Equal(t, 1, f.events.count(progress.MessageCompleted))
}

func TestIndexer_IndexQueryEmpty(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0, indexing.Options{})
	q := newQuery(t, f.people, 50)

	require.NoError(t, f.logger.Start(ctx, q))
	require.NoError(t, f.indexer.IndexQuery(ctx, q))

	assert.Empty(t, f.transport.BulkRequests())
	assert.Equal(t, "0% (0/0) indexed", f.events.last(progress.MessageCompleted).Data["indexing"])
}

func TestIndexer_SingleDocuments(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1, indexing.Options{Index: "people-index"})
	person := f.people.Add(1)[0]

	res, err := f.indexer.IndexDocument(ctx, person)
	require.NoError(t, err)
	assert.Equal(t, "created", res.Result)

	_, err = f.indexer.DeleteDocument(ctx, person)
	require.NoError(t, err)

	reqs := f.transport.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, http.MethodPut, reqs[0].Method)
	assert.Equal(t, "/people-index/_doc/2", reqs[0].Path)
	assert.Contains(t, string(reqs[0].Body), `"vehicles"`)
	assert.Equal(t, http.MethodDelete, reqs[1].Method)

	assert.Equal(t, 1, f.events.count(indexing.MessageIndexDocument))
	assert.Equal(t, 1, f.events.count(indexing.MessageDeleteDocument))
	assert.Equal(t, "2", f.events.last(indexing.MessageIndexDocument).Data["id"])
}

func TestIndexer_SingleDocumentsWithTypes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1, indexing.Options{Index: "people-index", IncludeTypes: true})
	person := f.people.Add(1)[0]

	_, err := f.indexer.IndexDocument(ctx, person)
	require.NoError(t, err)
	_, err = f.indexer.DeleteDocument(ctx, person)
	require.NoError(t, err)

	reqs := f.transport.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, http.MethodPut, reqs[0].Method)
	assert.Equal(t, "/people-index/people/2", reqs[0].Path)
	assert.Contains(t, string(reqs[0].Body), `"first_name":"first-2"`)
	assert.Equal(t, http.MethodDelete, reqs[1].Method)
	assert.Equal(t, "/people-index/people/2", reqs[1].Path)
}

func TestDispatcher_Sync(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 339, indexing.Options{})
	q := newQuery(t, f.people, 50)

	err := indexing.NewDispatcher(f.indexer).Dispatch(ctx, q, indexing.DispatchOptions{})
	require.NoError(t, err)

	assert.Len(t, f.transport.BulkRequests(), 7)
	assert.Equal(t, 1, f.events.count(progress.MessageStarted))
	assert.Equal(t, 1, f.events.count(progress.MessageCompleted))
	assert.Equal(t, "1/1 completed", f.events.last(progress.MessageCompleted).Data["processes"])
}

func TestDispatcher_Parallel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1000, indexing.Options{})
	q := newQuery(t, f.people, 100)

	err := indexing.NewDispatcher(f.indexer).Dispatch(ctx, q, indexing.DispatchOptions{Processes: 4})
	require.NoError(t, err)

	assert.Len(t, f.transport.BulkRequests(), 10)
	assert.ElementsMatch(t, f.people.IDs(), f.bulkIDs())

	e := f.entry(t, q)
	assert.EqualValues(t, 1000, e.DocumentsIndexed)
	assert.EqualValues(t, 4, e.ProcessesCompleted)
	assert.EqualValues(t, 4, e.ProcessesTotal)
	assert.Len(t, e.ProcessIDs, 4)
	assert.Equal(t, 1, f.events.count(progress.MessageCompleted))
}

func TestDispatcher_ParallelCapsProcesses(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 30, indexing.Options{})
	q := newQuery(t, f.people, 10)

	err := indexing.NewDispatcher(f.indexer).Dispatch(ctx, q, indexing.DispatchOptions{Processes: 8})
	require.NoError(t, err)

	e := f.entry(t, q)
	assert.EqualValues(t, 3, e.ProcessesTotal)
	assert.EqualValues(t, 3, e.ProcessesCompleted)
	assert.Equal(t, 1, f.events.count(progress.MessageCompleted))
}

func TestDispatcher_ParallelFailureLeavesSiblingsRunning(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 40, indexing.Options{})
	q := newQuery(t, f.people, 10)

	// The first worker owns rows 40..21 and fails on its first bulk. The second
	// worker owns rows 20..1 and only starts writing once that failure is logged.
	failed := make(chan struct{})
	var once sync.Once
	f.events.onLog = func(ev progress.Event) {
		if ev.Message == progress.MessageError {
			once.Do(func() { close(failed) })
		}
	}
	f.transport.Respond = func(req testutil.Request) (int, string) {
		first := req.BulkLines()[0]["index"].(map[string]any)["_id"]
		switch first {
		case "40":
			return http.StatusOK, `{"took":1,"errors":true,"items":[{"index":{"_id":"40","status":400}}]}`
		case "20":
			select {
			case <-failed:
			case <-time.After(5 * time.Second):
			}
		}
		return testutil.DefaultResponder(req)
	}

	err := indexing.NewDispatcher(f.indexer).Dispatch(ctx, q, indexing.DispatchOptions{Processes: 2})
	assert.ErrorIs(t, err, indexing.ErrIndexing)

	var sibling []string
	for _, id := range f.bulkIDs() {
		if n, _ := strconv.Atoi(id); n <= 20 {
			sibling = append(sibling, id)
		}
	}
	assert.Len(t, sibling, 20)
	assert.Len(t, f.transport.BulkRequests(), 3)

	e := f.entry(t, q)
	assert.EqualValues(t, 1, e.ProcessesCompleted)
	assert.EqualValues(t, 20, e.DocumentsIndexed)
	assert.Zero(t, f.events.count(progress.MessageCompleted))
}

func TestDispatcher_Queue(t *testing.T) {
	ctx := context.Background()
	jobs := queue.NewLocalQueue(8)
	f := newFixture(t, 339, indexing.Options{Queue: jobs})
	jobs.Start(ctx, 2, f.indexer.HandleJob)

	q := newQuery(t, f.people, 50)
	err := indexing.NewDispatcher(f.indexer).Dispatch(ctx, q, indexing.DispatchOptions{Processes: 3, Queue: true})
	require.NoError(t, err)
	require.NoError(t, jobs.Close())

	assert.ElementsMatch(t, f.people.IDs(), f.bulkIDs())
	assert.Equal(t, 1, f.events.count(progress.MessageStarted))
	assert.Equal(t, 1, f.events.count(progress.MessageCompleted))
	assert.Equal(t, "3/3 completed", f.events.last(progress.MessageCompleted).Data["processes"])
}

func TestIndexer_QueueQueryWithoutQueue(t *testing.T) {
	f := newFixture(t, 10, indexing.Options{})
	q := newQuery(t, f.people, 5)

	err := f.indexer.QueueQuery(context.Background(), q, 2)
	assert.ErrorIs(t, err, indexing.ErrNoQueue)
}

func TestIndexer_HandleJobRejectsBadPayload(t *testing.T) {
	f := newFixture(t, 10, indexing.Options{})
	err := f.indexer.HandleJob(context.Background(), queue.Job{ID: "1", Payload: []byte(`{"indexable":"cars"}`)})
	assert.ErrorIs(t, err, document.ErrUnknownIndexable)
	assert.Empty(t, f.transport.BulkRequests())
}

func TestObserver(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0, indexing.Options{})
	obs := indexing.NewObserver(f.indexer)

	person := f.people.Add(1)[0]
	vehicle := &testutil.Vehicle{ID: 9, Make: "Ford", Model: "Focus"}

	obs.Created(ctx, person)
	obs.Updated(ctx, person)
	obs.Restored(ctx, person)
	obs.Deleted(ctx, person)
	obs.Deleted(ctx, vehicle)

	reqs := f.transport.Requests()
	require.Len(t, reqs, 5)
	for _, r := range reqs[:4] {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/test/_doc/1", r.Path)
	}
	assert.Equal(t, http.MethodDelete, reqs[4].Method)
	assert.Equal(t, "/test/_doc/9", reqs[4].Path)
}

func TestObserver_SwallowsErrors(t *testing.T) {
	f := newFixture(t, 0, indexing.Options{})
	f.transport.Respond = func(testutil.Request) (int, string) {
		return http.StatusServiceUnavailable, `{"error":"down"}`
	}
	obs := indexing.NewObserver(f.indexer)
	person := f.people.Add(1)[0]

	assert.NotPanics(t, func() {
		obs.Created(context.Background(), person)
		obs.Deleted(context.Background(), &testutil.Vehicle{ID: 1})
	})
	assert.Len(t, f.transport.Requests(), 2)
}
