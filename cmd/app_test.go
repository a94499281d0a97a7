package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"searchsync/config"
	"searchsync/document"
	"searchsync/indexing"
	"searchsync/progress"
	"searchsync/queue"
	"searchsync/search"
	"searchsync/testutil"
)

func newTestApp(t *testing.T, people *testutil.People) (*app, *testutil.Transport) {
	t.Helper()

	es, tr := testutil.NewElastic(t)
	elastic := search.NewElastic(es, time.Second)

	cfg := &config.Config{Environment: "test"}
	cfg.Index.Name = "searchsync_test"
	cfg.Indexing.LockTTL = time.Minute

	a := &app{cfg: cfg, registry: document.NewRegistry(people)}
	a.store = progress.NewMemoryStore(0, time.Minute)
	a.logger = progress.NewLogger(a.store, cfg.Environment)
	a.local = queue.NewLocalQueue(8)
	a.indexer = indexing.NewIndexer(elastic, a.logger, a.registry, indexing.Options{Index: cfg.Index.Name, Queue: a.local})
	a.local.Start(context.Background(), 2, a.indexer.HandleJob)
	a.index = search.NewIndex(elastic, search.Settings{Name: cfg.Index.Name}, a.registry)

	t.Cleanup(func() { _ = a.close() })
	return a, tr
}

func TestRunIndex(t *testing.T) {
	people := testutil.NewPeople(25)
	a, tr := newTestApp(t, people)

	err := a.runIndex(context.Background(), indexOptions{ChunkSize: 10, Processes: 2})
	require.NoError(t, err)

	bulks := tr.BulkRequests()
	require.Len(t, bulks, 3)

	var ids []string
	for _, b := range bulks {
		for _, line := range b.BulkLines() {
			if action, ok := line["index"].(map[string]any); ok {
				ids = append(ids, action["_id"].(string))
			}
		}
	}
	assert.ElementsMatch(t, people.IDs(), ids)

	// lock is released once the run is over
	ok, err := a.store.Lock(context.Background(), lockKey, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRunIndex_Queue(t *testing.T) {
	people := testutil.NewPeople(12)
	a, tr := newTestApp(t, people)

	require.NoError(t, a.runIndex(context.Background(), indexOptions{ChunkSize: 5, Processes: 3, Queue: true}))
	require.NoError(t, a.close())

	assert.Len(t, tr.BulkRequests(), 3)
}

func TestRunIndex_Locked(t *testing.T) {
	a, tr := newTestApp(t, testutil.NewPeople(5))

	ok, err := a.store.Lock(context.Background(), lockKey, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	err = a.runIndex(context.Background(), indexOptions{ChunkSize: 10, Processes: 1})
	assert.ErrorIs(t, err, errLocked)
	assert.Empty(t, tr.BulkRequests())
}

func TestRunIndex_UnknownIndexable(t *testing.T) {
	a, _ := newTestApp(t, testutil.NewPeople(5))

	err := a.runIndex(context.Background(), indexOptions{ChunkSize: 10, Processes: 1, Indexables: []string{"planets"}})
	assert.ErrorIs(t, err, document.ErrUnknownIndexable)
}

func TestIndexOptions_Resolve(t *testing.T) {
	cfg := &config.Config{}
	cfg.Indexing.ChunkSize = 250
	cfg.Indexing.Processes = 4

	assert.Equal(t, indexOptions{ChunkSize: 250, Processes: 4}, indexOptions{}.resolve(cfg))
	assert.Equal(t, indexOptions{ChunkSize: 10, Processes: 4}, indexOptions{ChunkSize: 10}.resolve(cfg))
}

func TestRootCmd_Commands(t *testing.T) {
	root := newRootCmd()

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"index", "flush", "create-index", "delete-index", "worker"})

	index, _, err := root.Find([]string{"index"})
	require.NoError(t, err)
	for _, flag := range []string{"chunk-size", "processes", "indexables", "queue"} {
		assert.NotNil(t, index.Flags().Lookup(flag), flag)
	}
}
