// Package testutil provides fixtures shared by package tests: an in-memory
// indexable and a recording Elasticsearch transport.
package testutil

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"searchsync/document"
)

// Family is a relation of Person.
type Family struct {
	ID      int
	Surname string
}

func (f *Family) DocumentKey() string { return strconv.Itoa(f.ID) }
func (f *Family) DocumentType() string { return "families" }
func (f *Family) DocumentRelations() []string { return nil }
func (f *Family) DocumentRelation(string) any { return nil }
func (f *Family) DocumentBody() map[string]any {
	return map[string]any{"id": f.ID, "surname": f.Surname}
}

// Vehicle is a has-many relation of Person.
type Vehicle struct {
	ID    int
	Make  string
	Model string
}

func (v *Vehicle) DocumentKey() string { return strconv.Itoa(v.ID) }
func (v *Vehicle) DocumentType() string { return "vehicles" }
func (v *Vehicle) DocumentRelations() []string { return nil }
func (v *Vehicle) DocumentRelation(string) any { return nil }
func (v *Vehicle) DocumentBody() map[string]any {
	return map[string]any{"id": v.ID, "make": v.Make, "model": v.Model}
}

// Person is a soft-deletable fixture document.
type Person struct {
	ID        int
	FirstName string
	LastName  string
	Email     string
	CreatedAt time.Time
	DeletedAt *time.Time
	Family    *Family
	Vehicles  []*Vehicle
}

func (p *Person) DocumentKey() string { return strconv.Itoa(p.ID) }
func (p *Person) DocumentType() string { return "people" }
func (p *Person) DocumentRelations() []string { return []string{"family", "vehicles"} }
func (p *Person) SoftDeletes() bool { return true }

func (p *Person) DocumentBody() map[string]any {
	return map[string]any{
		"id":         p.ID,
		"first_name": p.FirstName,
		"last_name":  p.LastName,
		"email":      p.Email,
		"created_at": p.CreatedAt,
		"deleted_at": p.DeletedAt,
	}
}

func (p *Person) DocumentRelation(name string) any {
	switch name {
	case "family":
		if p.Family == nil {
			return nil
		}
		return p.Family
	case "vehicles":
		if p.Vehicles == nil {
			return nil
		}
		docs := make([]document.Document, 0, len(p.Vehicles))
		for _, v := range p.Vehicles {
			docs = append(docs, v)
		}
		return docs
	}
	return nil
}

// People is an in-memory indexable. Rows are kept newest first, matching the
// created_at descending order of the SQL source.
type People struct {
	mu      sync.Mutex
	rows    []*Person
	fetches int
	counts  int
}

// NewPeople creates n people with sequential ids.
func NewPeople(n int) *People {
	p := &People{}
	p.Add(n)
	return p
}

// Add appends n more people; they become the newest rows.
func (p *People) Add(n int) []*Person {
	p.mu.Lock()
	defer p.mu.Unlock()

	base := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	created := make([]*Person, 0, n)
	for i := 0; i < n; i++ {
		id := len(p.rows) + len(created) + 1
		created = append(created, &Person{
			ID:        id,
			FirstName: fmt.Sprintf("first-%d", id),
			LastName:  fmt.Sprintf("last-%d", id),
			Email:     fmt.Sprintf("person%d@example.com", id),
			CreatedAt: base.Add(time.Duration(id) * time.Minute),
			Family:    &Family{ID: id%7 + 1, Surname: fmt.Sprintf("family-%d", id%7+1)},
			Vehicles:  []*Vehicle{{ID: id * 10, Make: "Toyota", Model: "Corolla"}},
		})
	}

	// newest first
	for i, j := 0, len(created)-1; i < j; i, j = i+1, j-1 {
		created[i], created[j] = created[j], created[i]
	}
	p.rows = append(created, p.rows...)
	return created
}

// IDs returns every row's id in query order.
func (p *People) IDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]string, 0, len(p.rows))
	for _, r := range p.rows {
		ids = append(ids, r.DocumentKey())
	}
	return ids
}

// FetchCalls returns how many times Fetch ran.
func (p *People) FetchCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fetches
}

// CountCalls returns how many times Count ran.
func (p *People) CountCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts
}

func (p *People) Name() string { return "people" }
func (p *People) DocumentType() string { return "people" }

func (p *People) DocumentMappings() map[string]any {
	return map[string]any{
		"first_name": map[string]any{"type": "text"},
		"email":      map[string]any{"type": "keyword"},
	}
}

func (p *People) IndexingQuery() document.Query { return p }

func (p *People) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts++
	return len(p.rows), nil
}

func (p *People) Fetch(ctx context.Context, offset, limit int) ([]document.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fetches++

	if offset >= len(p.rows) {
		return nil, nil
	}
	end := len(p.rows)
	if limit != math.MaxInt && offset+limit < end {
		end = offset + limit
	}

	docs := make([]document.Document, 0, end-offset)
	for _, r := range p.rows[offset:end] {
		docs = append(docs, r)
	}
	return docs, nil
}
