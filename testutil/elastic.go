package testutil

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	elasticsearch "github.com/elastic/go-elasticsearch/v9"
)

// Request is one call seen by the fake cluster.
type Request struct {
	Method string
	Path   string
	Body   []byte
}

// BulkLines decodes an NDJSON bulk body into its lines.
func (r Request) BulkLines() []map[string]any {
	var lines []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(r.Body))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err == nil {
			lines = append(lines, m)
		}
	}
	return lines
}

// Responder produces the status code and JSON body for a request.
type Responder func(req Request) (int, string)

// Transport is an http.RoundTripper standing in for an Elasticsearch cluster.
// It records every request and answers with Respond, or a success body when
// Respond is nil.
type Transport struct {
	mu       sync.Mutex
	requests []Request
	Respond  Responder
}

func (t *Transport) RoundTrip(r *http.Request) (*http.Response, error) {
	var body []byte
	if r.Body != nil {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, err
		}
		body = b
	}
	req := Request{Method: r.Method, Path: r.URL.Path, Body: body}

	t.mu.Lock()
	t.requests = append(t.requests, req)
	respond := t.Respond
	t.mu.Unlock()

	if respond == nil {
		respond = DefaultResponder
	}
	status, payload := respond(req)

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("X-Elastic-Product", "Elasticsearch")

	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(payload)),
		Request:    r,
	}, nil
}

// Requests returns a copy of the recorded requests.
func (t *Transport) Requests() []Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Request(nil), t.requests...)
}

// BulkRequests returns only the _bulk calls.
func (t *Transport) BulkRequests() []Request {
	var out []Request
	for _, r := range t.Requests() {
		if strings.HasSuffix(r.Path, "/_bulk") {
			out = append(out, r)
		}
	}
	return out
}

// DefaultResponder acknowledges everything.
func DefaultResponder(req Request) (int, string) {
	switch {
	case strings.HasSuffix(req.Path, "/_bulk"):
		return http.StatusOK, `{"took":1,"errors":false,"items":[]}`
	case req.Method == http.MethodHead:
		return http.StatusNotFound, ``
	case req.Method == http.MethodDelete:
		return http.StatusOK, `{"acknowledged":true,"result":"deleted"}`
	default:
		return http.StatusOK, `{"acknowledged":true,"result":"created"}`
	}
}

// NewElastic returns a go-elasticsearch client wired to a fresh fake transport.
func NewElastic(t *testing.T) (*elasticsearch.Client, *Transport) {
	t.Helper()

	tr := &Transport{}
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses:    []string{"http://localhost:9200"},
		Transport:    tr,
		DisableRetry: true,
	})
	if err != nil {
		t.Fatalf("create elasticsearch client: %v", err)
	}
	return es, tr
}
