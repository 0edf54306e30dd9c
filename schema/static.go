// Package schema provides ingest.SchemaProvider implementations.
package schema

import (
	"context"
	"fmt"
	"os"

	ingest "github.com/shogotsuneto/go-simple-ingest"
	"github.com/shogotsuneto/go-simple-ingest/codec"
)

var (
	_ ingest.SchemaProvider = (*Static)(nil)
	_ ingest.SchemaProvider = (*Registry)(nil)
	_ ingest.SchemaProvider = (*S3Provider)(nil)

	_ ingest.SchemaByIDProvider = (*Registry)(nil)
)

// Static serves fixed schemas keyed by source id.
type Static struct {
	schemas map[string]codec.Schema
}

// NewStatic creates a provider serving a copy of schemas.
func NewStatic(schemas map[string]codec.Schema) *Static {
	s := &Static{schemas: make(map[string]codec.Schema, len(schemas))}
	for id, schema := range schemas {
		s.schemas[id] = schema
	}
	return s
}

// FromFile reads an Avro schema definition from path and serves it for sourceID.
func FromFile(sourceID, path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema file: %w", err)
	}
	return NewStatic(map[string]codec.Schema{
		sourceID: {Subject: sourceID, Definition: string(data)},
	}), nil
}

// CurrentSchema returns the schema of the source.
func (s *Static) CurrentSchema(ctx context.Context, sourceID string) (*codec.Schema, error) {
	schema, ok := s.schemas[sourceID]
	if !ok {
		return nil, fmt.Errorf("no schema for source '%s'", sourceID)
	}
	return &schema, nil
}
