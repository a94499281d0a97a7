package sqlsource

import "fmt"

// Record is one table row with its loaded relations.
type Record struct {
	table       string
	key         string
	softDeletes bool
	columns     map[string]any
	names       []string
	relations   map[string]any
}

func (r *Record) DocumentKey() string { return fmt.Sprint(r.columns[r.key]) }
func (r *Record) DocumentType() string { return r.table }
func (r *Record) DocumentBody() map[string]any { return r.columns }
func (r *Record) DocumentRelations() []string { return r.names }
func (r *Record) SoftDeletes() bool { return r.softDeletes }

// DocumentRelation returns a map for a belongs-to, a slice of maps for a
// has-many, or nil when nothing matched.
func (r *Record) DocumentRelation(name string) any {
	v, ok := r.relations[name]
	if !ok {
		return nil
	}
	return v
}
