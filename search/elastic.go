// Package search wraps the Elasticsearch client with the small set of calls the
// indexing pipeline needs: single document writes, bulk writes and index
// management.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	elasticsearch "github.com/elastic/go-elasticsearch/v9"
	"github.com/elastic/go-elasticsearch/v9/esapi"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("pkg", "search")

// IndexRequest addresses a single document write. Type is only set for
// clusters that predate typeless indices; it puts the write on
// /{index}/{type}/{id} like the _type of a bulk action.
type IndexRequest struct {
	Index string
	Type  string
	ID    string
	Body  map[string]any
}

// DeleteRequest addresses a single document removal.
type DeleteRequest struct {
	Index string
	Type  string
	ID    string
}

// Response is a decoded single document response.
type Response struct {
	StatusCode int
	Result     string
	ID         string
	Version    int64
	Raw        map[string]any
}

// BulkResponse is a decoded _bulk response.
type BulkResponse struct {
	Took   int              `json:"took"`
	Errors bool             `json:"errors"`
	Items  []map[string]any `json:"items"`
}

// Valid reports whether every action in the bulk request succeeded.
func (r *BulkResponse) Valid() bool {
	return r != nil && !r.Errors
}

// Failed returns the per-action detail of a failed bulk request.
func (r *BulkResponse) Failed() []map[string]any {
	if r.Valid() {
		return nil
	}
	return r.Items
}

// Elastic is the document store client.
type Elastic struct {
	es      *elasticsearch.Client
	timeout time.Duration
}

// NewElastic wraps an Elasticsearch client. Every call gets its own timeout;
// zero means 60s.
func NewElastic(es *elasticsearch.Client, timeout time.Duration) *Elastic {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Elastic{es: es, timeout: timeout}
}

// Index writes a single document, overwriting any document with the same id.
func (e *Elastic) Index(ctx context.Context, req IndexRequest) (*Response, error) {
	body, err := json.Marshal(req.Body)
	if err != nil {
		return nil, fmt.Errorf("elasticsearch: marshal document %q: %w", req.ID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var res *esapi.Response
	if req.Type != "" {
		res, err = e.typed(ctx, http.MethodPut, req.Index, req.Type, req.ID, body)
	} else {
		res, err = e.es.Index(req.Index, bytes.NewReader(body),
			e.es.Index.WithContext(ctx),
			e.es.Index.WithDocumentID(req.ID),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("elasticsearch: index %q: %w", req.ID, err)
	}
	defer res.Body.Close()

	return decodeResponse(res, "index", req.ID)
}

// Delete removes a single document. A missing document is not an error.
func (e *Elastic) Delete(ctx context.Context, req DeleteRequest) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var (
		res *esapi.Response
		err error
	)
	if req.Type != "" {
		res, err = e.typed(ctx, http.MethodDelete, req.Index, req.Type, req.ID, nil)
	} else {
		res, err = e.es.Delete(req.Index, req.ID, e.es.Delete.WithContext(ctx))
	}
	if err != nil {
		return nil, fmt.Errorf("elasticsearch: delete %q: %w", req.ID, err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		log.WithField("id", req.ID).Debug("Document already absent")
		return &Response{StatusCode: res.StatusCode, Result: "not_found", ID: req.ID}, nil
	}
	return decodeResponse(res, "delete", req.ID)
}

// Bulk sends an NDJSON body to the _bulk endpoint. A non-2xx status is
// returned as an error; per-action failures are reported in the response.
func (e *Elastic) Bulk(ctx context.Context, body []byte) (*BulkResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	res, err := e.es.Bulk(bytes.NewReader(body),
		e.es.Bulk.WithContext(ctx),
		e.es.Bulk.WithRefresh("false"),
	)
	if err != nil {
		return nil, fmt.Errorf("elasticsearch: bulk: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, fmt.Errorf("elasticsearch: bulk returned error: %s", errorBody(res))
	}

	var out BulkResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("elasticsearch: decode bulk response: %w", err)
	}
	return &out, nil
}

// CreateIndex creates an index from a settings+mappings body.
func (e *Elastic) CreateIndex(ctx context.Context, name string, body map[string]any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("elasticsearch: marshal index body: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	res, err := e.es.Indices.Create(name,
		e.es.Indices.Create.WithBody(bytes.NewReader(payload)),
		e.es.Indices.Create.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("elasticsearch: indices.create %q: %w", name, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("elasticsearch: indices.create %q returned error: %s", name, errorBody(res))
	}
	return nil
}

// DeleteIndex drops an index. A missing index is fine.
func (e *Elastic) DeleteIndex(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	res, err := e.es.Indices.Delete([]string{name}, e.es.Indices.Delete.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("elasticsearch: indices.delete %q: %w", name, err)
	}
	defer res.Body.Close()

	if res.IsError() && res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("elasticsearch: indices.delete %q returned error: %s", name, errorBody(res))
	}
	return nil
}

// IndexExists reports whether the index is present.
func (e *Elastic) IndexExists(ctx context.Context, name string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	res, err := e.es.Indices.Exists([]string{name}, e.es.Indices.Exists.WithContext(ctx))
	if err != nil {
		return false, fmt.Errorf("elasticsearch: indices.exists %q: %w", name, err)
	}
	defer res.Body.Close()

	switch res.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("elasticsearch: indices.exists %q returned error: %s", name, res.Status())
	}
}

// Refresh makes recent writes visible to search.
func (e *Elastic) Refresh(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	res, err := e.es.Indices.Refresh(
		e.es.Indices.Refresh.WithIndex(name),
		e.es.Indices.Refresh.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("elasticsearch: refresh %q: %w", name, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("elasticsearch: refresh %q returned error: %s", name, errorBody(res))
	}
	return nil
}

// typed sends a single document request on the legacy typed path. The typed
// API variants are gone from esapi, so the request goes through Perform.
func (e *Elastic) typed(ctx context.Context, method, index, typ, id string, body []byte) (*esapi.Response, error) {
	path := "/" + url.PathEscape(index) + "/" + url.PathEscape(typ) + "/" + url.PathEscape(id)

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	r, err := http.NewRequestWithContext(ctx, method, path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		r.Header.Set("Content-Type", "application/json")
	}

	res, err := e.es.Perform(r)
	if err != nil {
		return nil, err
	}
	return &esapi.Response{StatusCode: res.StatusCode, Header: res.Header, Body: res.Body}, nil
}

func decodeResponse(res *esapi.Response, op, id string) (*Response, error) {
	if res.IsError() {
		return nil, fmt.Errorf("elasticsearch: %s %q returned error: %s", op, id, errorBody(res))
	}

	raw := make(map[string]any)
	if err := json.NewDecoder(res.Body).Decode(&raw); err != nil && err != io.EOF {
		return nil, fmt.Errorf("elasticsearch: decode %s response: %w", op, err)
	}

	out := &Response{StatusCode: res.StatusCode, Raw: raw}
	if v, ok := raw["result"].(string); ok {
		out.Result = v
	}
	if v, ok := raw["_id"].(string); ok {
		out.ID = v
	}
	if v, ok := raw["_version"].(float64); ok {
		out.Version = int64(v)
	}
	return out, nil
}

func errorBody(res *esapi.Response) string {
	b, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	if len(b) == 0 {
		return res.Status()
	}
	return res.Status() + " " + string(b)
}
