package sqlsource

import (
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/samber/lo"
)

// Relation is a table joined into each document of its parent.
//
// Belongs-to: {Table: families, ForeignKey: id, LocalKey: family_id}.
// Has-many:   {Table: vehicles, ForeignKey: person_id, LocalKey: id, Many: true}.
type Relation struct {
	Name    string   `mapstructure:"name"`
	Table   string   `mapstructure:"table"`
	Columns []string `mapstructure:"columns"`

	// ForeignKey is the column of Table matched against the parent's LocalKey.
	ForeignKey string `mapstructure:"foreign_key"`
	LocalKey   string `mapstructure:"local_key"`
	Many       bool   `mapstructure:"many"`
}

func (r *Relation) normalize() error {
	if r.Name == "" || r.Table == "" {
		return errors.New("relation needs a name and a table")
	}
	if r.ForeignKey == "" {
		r.ForeignKey = "id"
	}
	if r.LocalKey == "" {
		r.LocalKey = "id"
	}
	return nil
}

// parentKeys returns the distinct non-null LocalKey values of records.
func (r Relation) parentKeys(records []*Record) []string {
	keys := make([]string, 0, len(records))
	for _, rec := range records {
		if v, ok := rec.columns[r.LocalKey]; ok && v != nil {
			keys = append(keys, fmt.Sprint(v))
		}
	}
	return lo.Uniq(keys)
}

// selectSQL compares keys as text so one statement serves integer and uuid
// keys alike.
func (r Relation) selectSQL() string {
	return fmt.Sprintf("SELECT %s FROM %s WHERE %s::text = ANY($1)",
		columnList(r.Columns, r.ForeignKey),
		pq.QuoteIdentifier(r.Table),
		pq.QuoteIdentifier(r.ForeignKey))
}

// attach distributes related rows over their parent records. Parents without
// matches get nil for a belongs-to and an empty list for a has-many.
func (r Relation) attach(records []*Record, related []map[string]any) {
	byKey := lo.GroupBy(related, func(row map[string]any) string {
		return fmt.Sprint(row[r.ForeignKey])
	})

	for _, rec := range records {
		v, ok := rec.columns[r.LocalKey]
		var matches []map[string]any
		if ok && v != nil {
			matches = byKey[fmt.Sprint(v)]
		}

		if r.Many {
			if matches == nil {
				matches = []map[string]any{}
			}
			rec.relations[r.Name] = matches
			continue
		}
		if len(matches) > 0 {
			rec.relations[r.Name] = matches[0]
		}
	}
}
