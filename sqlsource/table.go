// Package sqlsource exposes Postgres tables as indexables. Each table is read in
// created_at descending pages with its configured relations eager loaded.
package sqlsource

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"

	"github.com/lib/pq"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"searchsync/document"
)

var log = logrus.WithField("pkg", "sqlsource")

// Querier is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// TableConfig describes one indexable table.
type TableConfig struct {
	// Name is the indexable name; it defaults to Table.
	Name  string `mapstructure:"name"`
	Table string `mapstructure:"table"`

	// Key is the primary key column used as document id. Default "id".
	Key string `mapstructure:"key"`

	// Columns selected into the document body. Empty selects every column.
	Columns []string `mapstructure:"columns"`

	// OrderBy is the pagination order column, read descending. Default
	// "created_at".
	OrderBy string `mapstructure:"order_by"`

	// SoftDeletes marks rows whose deletion is recorded in a column rather
	// than by removing the row.
	SoftDeletes bool `mapstructure:"soft_deletes"`

	Mappings  map[string]any `mapstructure:"mappings"`
	Relations []Relation     `mapstructure:"relations"`
}

// Table is an indexable and its indexing query.
type Table struct {
	db  Querier
	cfg TableConfig
}

// NewTable validates cfg, fills in its defaults and returns the table.
func NewTable(db Querier, cfg TableConfig) (*Table, error) {
	if cfg.Table == "" {
		return nil, fmt.Errorf("sqlsource: table name is required")
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Table
	}
	if cfg.Key == "" {
		cfg.Key = "id"
	}
	if cfg.OrderBy == "" {
		cfg.OrderBy = "created_at"
	}
	for i := range cfg.Relations {
		if err := cfg.Relations[i].normalize(); err != nil {
			return nil, fmt.Errorf("sqlsource: table %s: %w", cfg.Table, err)
		}
	}
	return &Table{db: db, cfg: cfg}, nil
}

func (t *Table) Name() string { return t.cfg.Name }
func (t *Table) DocumentType() string { return t.cfg.Table }
func (t *Table) DocumentMappings() map[string]any { return t.cfg.Mappings }
func (t *Table) IndexingQuery() document.Query { return t }

func (t *Table) Count(ctx context.Context) (int, error) {
	var n int
	if err := t.db.QueryRowContext(ctx, t.countSQL()).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlsource: count %s: %w", t.cfg.Table, err)
	}
	return n, nil
}

// Fetch reads one page in created_at descending order, ties broken by key.
// A limit of math.MaxInt reads to the end of the table.
func (t *Table) Fetch(ctx context.Context, offset, limit int) ([]document.Document, error) {
	query, args := t.selectSQL(offset, limit)

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlsource: fetch %s: %w", t.cfg.Table, err)
	}
	values, err := scanRows(rows)
	if err != nil {
		return nil, fmt.Errorf("sqlsource: scan %s: %w", t.cfg.Table, err)
	}

	records := make([]*Record, 0, len(values))
	for _, v := range values {
		records = append(records, t.newRecord(v))
	}

	for _, rel := range t.cfg.Relations {
		if err := t.load(ctx, rel, records); err != nil {
			return nil, err
		}
	}

	docs := make([]document.Document, 0, len(records))
	for _, r := range records {
		docs = append(docs, r)
	}
	return docs, nil
}

func (t *Table) newRecord(columns map[string]any) *Record {
	names := make([]string, 0, len(t.cfg.Relations))
	for _, rel := range t.cfg.Relations {
		names = append(names, rel.Name)
	}
	return &Record{
		table:       t.cfg.Table,
		key:         t.cfg.Key,
		softDeletes: t.cfg.SoftDeletes,
		columns:     columns,
		names:       names,
		relations:   make(map[string]any, len(names)),
	}
}

func (t *Table) load(ctx context.Context, rel Relation, records []*Record) error {
	keys := rel.parentKeys(records)
	if len(keys) == 0 {
		return nil
	}

	rows, err := t.db.QueryContext(ctx, rel.selectSQL(), pq.Array(keys))
	if err != nil {
		return fmt.Errorf("sqlsource: load %s.%s: %w", t.cfg.Table, rel.Name, err)
	}
	related, err := scanRows(rows)
	if err != nil {
		return fmt.Errorf("sqlsource: scan %s.%s: %w", t.cfg.Table, rel.Name, err)
	}

	log.WithFields(logrus.Fields{"table": t.cfg.Table, "relation": rel.Name, "parents": len(keys), "rows": len(related)}).
		Debug("Relation loaded")

	rel.attach(records, related)
	return nil
}

// requiredColumns are selected even when Columns leaves them out: the key,
// and the local key of every relation so it can be eager loaded.
func (t *Table) requiredColumns() []string {
	cols := []string{t.cfg.Key}
	for _, rel := range t.cfg.Relations {
		cols = append(cols, rel.LocalKey)
	}
	return cols
}

func (t *Table) countSQL() string {
	return "SELECT COUNT(*) FROM " + pq.QuoteIdentifier(t.cfg.Table)
}

func (t *Table) selectSQL(offset, limit int) (string, []any) {
	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(columnList(t.cfg.Columns, t.requiredColumns()...))
	b.WriteString(" FROM ")
	b.WriteString(pq.QuoteIdentifier(t.cfg.Table))
	fmt.Fprintf(&b, " ORDER BY %s DESC, %s DESC",
		pq.QuoteIdentifier(t.cfg.OrderBy), pq.QuoteIdentifier(t.cfg.Key))

	if limit == math.MaxInt {
		b.WriteString(" OFFSET $1")
		return b.String(), []any{offset}
	}
	b.WriteString(" OFFSET $1 LIMIT $2")
	return b.String(), []any{offset, limit}
}

// columnList quotes columns, prepending any required column not already
// listed. An empty list selects every column.
func columnList(columns []string, required ...string) string {
	if len(columns) == 0 {
		return "*"
	}

	missing := lo.Filter(lo.Uniq(required), func(c string, _ int) bool {
		return c != "" && !lo.Contains(columns, c)
	})
	quoted := lo.Map(append(missing, columns...), func(c string, _ int) string {
		return pq.QuoteIdentifier(c)
	})
	return strings.Join(quoted, ", ")
}

func scanRows(rows *sql.Rows) ([]map[string]any, error) {
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = normalizeValue(values[i])
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// normalizeValue turns driver byte slices (text, numeric, json) into strings.
func normalizeValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
