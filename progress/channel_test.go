package progress_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"searchsync/progress"
)

func TestConsoleChannel(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	ch := progress.NewConsoleChannel(logger)

	ch.Log(context.Background(), progress.Event{
		Message: progress.MessageProgress,
		Data:    progress.Fields{"uuid": "abc", "indexing": "50% (1/2) indexed"},
	})
	ch.Log(context.Background(), progress.Event{
		Message: progress.MessageError,
		Data:    progress.Fields{"items": []any{}},
	})

	entries := hook.AllEntries()
	require.Len(t, entries, 2)
	assert.Equal(t, logrus.InfoLevel, entries[0].Level)
	assert.Equal(t, progress.MessageProgress, entries[0].Message)
	assert.Equal(t, "abc", entries[0].Data["uuid"])
	assert.Equal(t, logrus.ErrorLevel, entries[1].Level)
}

func TestWebhookChannel(t *testing.T) {
	var (
		mu   sync.Mutex
		body map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		mu.Lock()
		defer mu.Unlock()
		_ = json.Unmarshal(raw, &body)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ch := progress.NewWebhookChannel(srv.URL, time.Second)
	ch.Log(context.Background(), progress.Event{
		Message: progress.MessageError,
		Data:    progress.Fields{"indexable": "people"},
	})

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, body)
	assert.Equal(t, progress.MessageError, body["text"])

	attachments := body["attachments"].([]any)
	require.Len(t, attachments, 1)
	att := attachments[0].(map[string]any)
	assert.Equal(t, "danger", att["color"])
	fields := att["fields"].([]any)
	require.Len(t, fields, 1)
	assert.Contains(t, fields[0].(map[string]any)["value"], `"indexable": "people"`)
}

func TestWebhookChannel_FailureDoesNotPanic(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ch := progress.NewWebhookChannel(srv.URL, time.Second)
	assert.NotPanics(t, func() {
		ch.Log(context.Background(), progress.Event{Message: progress.MessageStarted})
	})
}

func TestMetricsChannel(t *testing.T) {
	ch := progress.NewMetricsChannel()
	ctx := context.Background()
	label := "metrics-test"

	started := testutil.ToFloat64(progress.SessionsStarted.WithLabelValues(label))
	completed := testutil.ToFloat64(progress.SessionsCompleted.WithLabelValues(label))
	errs := testutil.ToFloat64(progress.IndexingErrors.WithLabelValues(label))

	entry := &progress.Entry{StartTime: time.Now(), DocumentsIndexed: 40, DocumentsTotal: 100}
	ch.Log(ctx, progress.Event{Message: progress.MessageStarted, Data: progress.Fields{"indexable": label}, Entry: entry})
	ch.Log(ctx, progress.Event{Message: progress.MessageProgress, Data: progress.Fields{"indexable": label}, Entry: entry})
	ch.Log(ctx, progress.Event{Message: progress.MessageCompleted, Data: progress.Fields{"indexable": label}, Entry: entry})
	ch.Log(ctx, progress.Event{Message: progress.MessageError, Data: progress.Fields{"indexable": label}})

	assert.Equal(t, started+1, testutil.ToFloat64(progress.SessionsStarted.WithLabelValues(label)))
	assert.Equal(t, completed+1, testutil.ToFloat64(progress.SessionsCompleted.WithLabelValues(label)))
	assert.Equal(t, errs+1, testutil.ToFloat64(progress.IndexingErrors.WithLabelValues(label)))
	assert.Equal(t, float64(40), testutil.ToFloat64(progress.DocumentsIndexedGauge.WithLabelValues(label)))
	assert.Equal(t, float64(100), testutil.ToFloat64(progress.DocumentsTotalGauge.WithLabelValues(label)))
}
