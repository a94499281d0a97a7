package search

import (
	"context"
	"errors"
	"fmt"

	"searchsync/document"
)

var ErrIndexExists = errors.New("index already exists")

// Settings describe the primary index: its name, its analysis settings and the
// default field mappings shared by every document type.
type Settings struct {
	Name     string
	Settings map[string]any
	Mappings map[string]any
}

// DefaultMappings are the fields every indexable carries.
func DefaultMappings() map[string]any {
	return map[string]any{
		"id":         map[string]any{"type": "keyword"},
		"created_at": map[string]any{"type": "date"},
		"updated_at": map[string]any{"type": "date"},
		"deleted_at": map[string]any{"type": "date"},
	}
}

// Index manages the single search index all indexables are written to.
type Index struct {
	client   *Elastic
	settings Settings
	registry *document.Registry
}

// NewIndex manages the index named in settings. Mappings default to
// DefaultMappings.
func NewIndex(client *Elastic, settings Settings, registry *document.Registry) *Index {
	if settings.Mappings == nil {
		settings.Mappings = DefaultMappings()
	}
	return &Index{client: client, settings: settings, registry: registry}
}

func (i *Index) Name() string { return i.settings.Name }

// Mappings merges the default mappings with the mappings declared by every
// registered indexable. Later indexables win on conflicting fields.
func (i *Index) Mappings() map[string]any {
	props := make(map[string]any, len(i.settings.Mappings))
	for k, v := range i.settings.Mappings {
		props[k] = v
	}
	if i.registry != nil {
		for _, idx := range i.registry.All() {
			for field, m := range idx.DocumentMappings() {
				props[field] = m
			}
		}
	}
	return map[string]any{"properties": props}
}

// Create creates the index and fails with ErrIndexExists if it is already there.
func (i *Index) Create(ctx context.Context) error {
	exists, err := i.Exists(ctx)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("search: %q: %w", i.Name(), ErrIndexExists)
	}

	body := map[string]any{"mappings": i.Mappings()}
	if len(i.settings.Settings) > 0 {
		body["settings"] = i.settings.Settings
	}

	if err := i.client.CreateIndex(ctx, i.Name(), body); err != nil {
		return err
	}
	log.WithField("index", i.Name()).Info("Index created")
	return nil
}

func (i *Index) Delete(ctx context.Context) error {
	if err := i.client.DeleteIndex(ctx, i.Name()); err != nil {
		return err
	}
	log.WithField("index", i.Name()).Info("Index deleted")
	return nil
}

func (i *Index) Exists(ctx context.Context) (bool, error) {
	return i.client.IndexExists(ctx, i.Name())
}
