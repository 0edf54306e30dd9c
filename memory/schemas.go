package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/shogotsuneto/go-simple-ingest/codec"
)

// Schemas is an in-memory schema provider whose schemas can be replaced at any time.
// Replaced schemas with an id stay available through SchemaByID.
type Schemas struct {
	mu      sync.RWMutex
	schemas map[string]codec.Schema
	byID    map[int]codec.Schema
}

// NewSchemas creates an empty schema provider.
func NewSchemas() *Schemas {
	return &Schemas{
		schemas: make(map[string]codec.Schema),
		byID:    make(map[int]codec.Schema),
	}
}

// SetSchema registers the current schema of a source.
func (s *Schemas) SetSchema(sourceID string, schema codec.Schema) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schemas[sourceID] = schema
	if schema.ID != 0 {
		s.byID[schema.ID] = schema
	}
}

// SchemaByID returns any schema ever registered under id.
func (s *Schemas) SchemaByID(ctx context.Context, id int) (*codec.Schema, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	schema, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("no schema registered under id %d", id)
	}
	return &schema, nil
}

// CurrentSchema returns the schema registered for the source.
func (s *Schemas) CurrentSchema(ctx context.Context, sourceID string) (*codec.Schema, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	schema, ok := s.schemas[sourceID]
	if !ok {
		return nil, fmt.Errorf("no schema registered for source '%s'", sourceID)
	}
	return &schema, nil
}
