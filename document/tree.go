package document

import (
	"time"
)

// Tree builds the full document body: the entity's own fields followed by every
// declared relation that has been loaded.
func Tree(doc Document) map[string]any {
	body := normalize(doc.DocumentBody())

	for _, name := range doc.DocumentRelations() {
		switch rel := doc.DocumentRelation(name).(type) {
		case nil:
			// not loaded
		case Document:
			body[name] = normalize(rel.DocumentBody())
		case []Document:
			bodies := make([]map[string]any, 0, len(rel))
			for _, d := range rel {
				bodies = append(bodies, normalize(d.DocumentBody()))
			}
			body[name] = bodies
		case map[string]any:
			body[name] = normalize(rel)
		case []map[string]any:
			rows := make([]map[string]any, 0, len(rel))
			for _, r := range rel {
				rows = append(rows, normalize(r))
			}
			body[name] = rows
		default:
			body[name] = rel
		}
	}

	return body
}

// normalize copies a body and renders dates as ISO 8601 strings.
func normalize(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch t := v.(type) {
		case time.Time:
			out[k] = t.UTC().Format(time.RFC3339)
		case *time.Time:
			if t == nil {
				out[k] = nil
			} else {
				out[k] = t.UTC().Format(time.RFC3339)
			}
		default:
			out[k] = v
		}
	}
	return out
}
