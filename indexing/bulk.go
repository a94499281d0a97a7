package indexing

import (
	"bytes"
	"encoding/json"
	"fmt"

	"searchsync/document"
)

type bulkAction struct {
	Index bulkMeta `json:"index"`
}

type bulkMeta struct {
	Index string `json:"_index"`
	ID    string `json:"_id"`
	Type  string `json:"_type,omitempty"`
}

// BulkBody builds the newline-delimited body of a bulk request: an index
// action line followed by the document tree, for each doc in order. The _type
// field is only written when includeTypes is set, for clusters that predate
// typeless indices.
func BulkBody(index string, docs []document.Document, includeTypes bool) ([]byte, error) {
	var buf bytes.Buffer

	for _, doc := range docs {
		meta := bulkMeta{Index: index, ID: doc.DocumentKey()}
		if includeTypes {
			meta.Type = doc.DocumentType()
		}

		header, err := json.Marshal(bulkAction{Index: meta})
		if err != nil {
			return nil, fmt.Errorf("indexing: encode action for %s: %w", meta.ID, err)
		}
		buf.Write(header)
		buf.WriteByte('\n')

		body, err := json.Marshal(document.Tree(doc))
		if err != nil {
			return nil, fmt.Errorf("indexing: encode document %s: %w", meta.ID, err)
		}
		buf.Write(body)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}
