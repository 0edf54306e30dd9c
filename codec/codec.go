// Package codec provides the closed set of payload decoders used by the record source.
package codec

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/hamba/avro/v2"
)

// Kind selects a decoding variant.
type Kind string

const (
	// KindAvro decodes plain avro binary with an externally supplied schema.
	KindAvro Kind = "avro"
	// KindConfluentAvro decodes avro binary framed with a magic byte and a 4-byte schema id.
	KindConfluentAvro Kind = "confluent-avro"
	// KindJSON decodes JSON object payloads.
	KindJSON Kind = "json"
	// KindRaw passes the payload through unmodified under the "value" field.
	KindRaw Kind = "raw"
)

// RawValueField is the field under which the raw codec stores the payload.
const RawValueField = "value"

// confluentHeaderSize is the magic byte plus the big-endian schema id.
const confluentHeaderSize = 5

var (
	// ErrSchemaRequired is returned when a schema-based codec is built without a schema.
	ErrSchemaRequired = errors.New("codec requires a schema")

	// ErrUnknownKind is returned for codec names outside the supported set.
	ErrUnknownKind = errors.New("unknown codec")
)

// Schema is a schema handle obtained from a schema provider.
type Schema struct {
	// ID is the registry id of the schema, 0 when unknown
	ID int
	// Subject is the registry subject or source the schema belongs to
	Subject string
	// Definition is the schema document, an avro schema in JSON form
	Definition string
}

// Codec decodes raw payload bytes into a structured record.
type Codec interface {
	Kind() Kind
	Decode(data []byte) (map[string]any, error)
}

// Kinds lists every supported codec.
func Kinds() []Kind {
	return []Kind{KindAvro, KindConfluentAvro, KindJSON, KindRaw}
}

// ParseKind converts a configuration value into a Kind.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds() {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w %q", ErrUnknownKind, s)
}

// RequiresSchema reports whether the codec can only be built with a schema.
func (k Kind) RequiresSchema() bool {
	return k == KindAvro || k == KindConfluentAvro
}

// SchemaResolver returns the schema registered under a registry id.
type SchemaResolver func(id int) (*Schema, error)

// New builds the codec of the given kind. schema may be nil for kinds that do not need one.
func New(kind Kind, schema *Schema) (Codec, error) {
	return NewWithResolver(kind, schema, nil)
}

// NewWithResolver is like New. A confluent-avro codec decodes payloads framed with another
// schema id using the writer schema returned by resolve; without a resolver they are rejected.
func NewWithResolver(kind Kind, schema *Schema, resolve SchemaResolver) (Codec, error) {
	switch kind {
	case KindAvro, KindConfluentAvro:
		if schema == nil || schema.Definition == "" {
			return nil, fmt.Errorf("%s: %w", kind, ErrSchemaRequired)
		}
		parsed, err := avro.Parse(schema.Definition)
		if err != nil {
			return nil, fmt.Errorf("failed to parse avro schema: %w", err)
		}
		return &avroCodec{kind: kind, schema: parsed, schemaID: schema.ID, resolve: resolve}, nil
	case KindJSON:
		return jsonCodec{}, nil
	case KindRaw:
		return rawCodec{}, nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownKind, kind)
	}
}

type avroCodec struct {
	kind     Kind
	schema   avro.Schema
	schemaID int
	resolve  SchemaResolver

	mu      sync.Mutex
	writers map[int]avro.Schema
}

func (c *avroCodec) Kind() Kind {
	return c.kind
}

func (c *avroCodec) Decode(data []byte) (map[string]any, error) {
	schema := c.schema
	if c.kind == KindConfluentAvro {
		if len(data) < confluentHeaderSize || data[0] != 0 {
			return nil, fmt.Errorf("payload is not confluent framed (%d bytes)", len(data))
		}
		id := int(binary.BigEndian.Uint32(data[1:confluentHeaderSize]))
		if c.schemaID != 0 && id != c.schemaID {
			writer, err := c.writerSchema(id)
			if err != nil {
				return nil, err
			}
			schema = writer
		}
		data = data[confluentHeaderSize:]
	}

	var record map[string]any
	if err := avro.Unmarshal(schema, data, &record); err != nil {
		return nil, fmt.Errorf("failed to decode avro payload: %w", err)
	}
	return record, nil
}

// writerSchema returns the schema to decode a payload written under id with. A writer
// schema compatible with the current one is resolved against it, so records come out in
// the current shape with defaults filled in; otherwise the writer schema is used as is.
// Registry ids are immutable, so results are kept for the lifetime of the codec.
func (c *avroCodec) writerSchema(id int) (avro.Schema, error) {
	if c.resolve == nil {
		return nil, fmt.Errorf("payload written with schema id %d, expected %d", id, c.schemaID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if schema, ok := c.writers[id]; ok {
		return schema, nil
	}

	found, err := c.resolve(id)
	if err != nil {
		return nil, fmt.Errorf("resolve writer schema %d: %w", id, err)
	}
	if found == nil || found.Definition == "" {
		return nil, fmt.Errorf("no schema registered under id %d", id)
	}
	parsed, err := avro.ParseWithCache(found.Definition, "", &avro.SchemaCache{})
	if err != nil {
		return nil, fmt.Errorf("failed to parse writer schema %d: %w", id, err)
	}
	if resolved, err := avro.NewSchemaCompatibility().Resolve(c.schema, parsed); err == nil {
		parsed = resolved
	}
	if c.writers == nil {
		c.writers = make(map[int]avro.Schema)
	}
	c.writers[id] = parsed
	return parsed, nil
}

type jsonCodec struct{}

func (jsonCodec) Kind() Kind {
	return KindJSON
}

func (jsonCodec) Decode(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var record map[string]any
	if err := dec.Decode(&record); err != nil {
		return nil, fmt.Errorf("failed to decode json payload: %w", err)
	}
	if record == nil {
		return nil, fmt.Errorf("json payload is not an object")
	}
	return record, nil
}

type rawCodec struct{}

func (rawCodec) Kind() Kind {
	return KindRaw
}

func (rawCodec) Decode(data []byte) (map[string]any, error) {
	return map[string]any{RawValueField: append([]byte(nil), data...)}, nil
}
