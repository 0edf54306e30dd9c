package ingest

import (
	"context"
	"fmt"
	"iter"
	"sync/atomic"
	"time"

	"github.com/shogotsuneto/go-simple-ingest/codec"
)

// RawRecord is a single record as stored in the source log.
type RawRecord struct {
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	// Timestamp is the log append time, zero when the log does not keep one
	Timestamp time.Time
	Headers   map[string]string
}

// Position returns the position of the record in the log.
func (r RawRecord) Position() PartitionPosition {
	return PartitionPosition{Partition: r.Partition, Offset: r.Offset}
}

// SourceMetadata describes where a record was read from.
type SourceMetadata struct {
	Position PartitionPosition
	// Timestamp is the log timestamp of the record, or the ingestion time when the log has none
	Timestamp time.Time
}

// TypedRecord is a decoded record ready for the write path.
type TypedRecord struct {
	// Key identifies the record for merge-on-read tables
	Key    string
	Fields map[string]any
	// Source is set only when metadata enrichment is enabled
	Source *SourceMetadata
}

// LogReader reads a partitioned append-only log.
type LogReader interface {
	// Snapshot returns the retained bounds of every partition of the source.
	Snapshot(ctx context.Context, sourceID string) (LogSnapshot, error)
	// Read yields the records of one range in offset order. It yields an error when the
	// range cannot be covered, for example because the log ends before r.Until.
	Read(ctx context.Context, sourceID string, r OffsetRange) iter.Seq2[RawRecord, error]
}

// SchemaProvider supplies the current schema of a source.
type SchemaProvider interface {
	CurrentSchema(ctx context.Context, sourceID string) (*codec.Schema, error)
}

// SchemaByIDProvider is implemented by schema providers that can return the schema a
// framed payload was written with, so that records predating the current schema decode.
type SchemaByIDProvider interface {
	SchemaByID(ctx context.Context, id int) (*codec.Schema, error)
}

// SourceConfig configures a RecordSource. It is fixed for the lifetime of the source.
type SourceConfig struct {
	SourceID string
	Codec    codec.Kind
	// EnrichMetadata attaches the originating position and timestamp to every record
	EnrichMetadata bool
	// KeyField names the decoded field used as record key; empty means the log record key
	KeyField string
}

// RecordSource pulls raw records for a set of ranges and decodes them into typed records.
// It never advances persisted state.
type RecordSource struct {
	cfg     SourceConfig
	log     LogReader
	schemas SchemaProvider
	now     func() time.Time
}

// NewRecordSource creates a record source. schemas may be nil when the codec needs no schema.
func NewRecordSource(cfg SourceConfig, log LogReader, schemas SchemaProvider) (*RecordSource, error) {
	if cfg.SourceID == "" {
		return nil, &ConfigurationError{Field: "source.id", Reason: "must not be empty"}
	}
	if _, err := codec.ParseKind(string(cfg.Codec)); err != nil {
		return nil, &ConfigurationError{Field: "source.codec", Reason: err.Error()}
	}
	if log == nil {
		return nil, &ConfigurationError{Field: "log", Reason: "a log reader is required"}
	}
	return &RecordSource{cfg: cfg, log: log, schemas: schemas, now: time.Now}, nil
}

// resolveCodec builds the configured codec, fetching the current schema when the codec needs one.
func (s *RecordSource) resolveCodec(ctx context.Context) (codec.Codec, error) {
	var schema *codec.Schema
	if s.cfg.Codec.RequiresSchema() {
		if s.schemas == nil {
			return nil, &SchemaResolutionError{SourceID: s.cfg.SourceID, Codec: string(s.cfg.Codec), Err: codec.ErrSchemaRequired}
		}
		var err error
		schema, err = s.schemas.CurrentSchema(ctx, s.cfg.SourceID)
		if err != nil {
			return nil, &SchemaResolutionError{SourceID: s.cfg.SourceID, Codec: string(s.cfg.Codec), Err: err}
		}
		if schema == nil {
			return nil, &SchemaResolutionError{SourceID: s.cfg.SourceID, Codec: string(s.cfg.Codec), Err: codec.ErrSchemaRequired}
		}
	}

	var resolve codec.SchemaResolver
	if byID, ok := s.schemas.(SchemaByIDProvider); ok {
		resolve = func(id int) (*codec.Schema, error) {
			return byID.SchemaByID(ctx, id)
		}
	}

	c, err := codec.NewWithResolver(s.cfg.Codec, schema, resolve)
	if err != nil {
		return nil, &SchemaResolutionError{SourceID: s.cfg.SourceID, Codec: string(s.cfg.Codec), Err: err}
	}
	return c, nil
}

// Fetch returns a lazy, single-use sequence of the records covered by ranges.
// Schema problems are reported before any record is read.
// Iteration stops at the first read or decode failure, which is yielded as a *DecodeError.
func (s *RecordSource) Fetch(ctx context.Context, ranges []OffsetRange) (iter.Seq2[TypedRecord, error], error) {
	c, err := s.resolveCodec(ctx)
	if err != nil {
		return nil, err
	}

	var consumed atomic.Bool
	return func(yield func(TypedRecord, error) bool) {
		if consumed.Swap(true) {
			yield(TypedRecord{}, ErrSourceConsumed)
			return
		}

		for _, r := range ranges {
			if r.IsEmpty() {
				continue
			}

			last := r.From
			for raw, err := range s.log.Read(ctx, s.cfg.SourceID, r) {
				if err != nil {
					yield(TypedRecord{}, &DecodeError{Position: PartitionPosition{Partition: r.Partition, Offset: last + 1}, Err: err})
					return
				}
				if raw.Partition != r.Partition || raw.Offset <= r.From || raw.Offset > r.Until {
					yield(TypedRecord{}, &DecodeError{Position: raw.Position(), Err: fmt.Errorf("record outside range %s", r)})
					return
				}
				last = raw.Offset

				rec, err := s.decode(c, raw)
				if err != nil {
					yield(TypedRecord{}, &DecodeError{Position: raw.Position(), Err: err})
					return
				}
				if !yield(rec, nil) {
					return
				}
			}
		}
	}, nil
}

func (s *RecordSource) decode(c codec.Codec, raw RawRecord) (TypedRecord, error) {
	fields, err := c.Decode(raw.Value)
	if err != nil {
		return TypedRecord{}, err
	}

	rec := TypedRecord{Key: string(raw.Key), Fields: fields}
	if s.cfg.KeyField != "" {
		v, ok := fields[s.cfg.KeyField]
		if !ok || v == nil {
			return TypedRecord{}, fmt.Errorf("key field %q missing", s.cfg.KeyField)
		}
		rec.Key = fmt.Sprint(v)
	}

	if s.cfg.EnrichMetadata {
		ts := raw.Timestamp
		if ts.IsZero() {
			ts = s.now()
		}
		rec.Source = &SourceMetadata{Position: raw.Position(), Timestamp: ts}
	}
	return rec, nil
}

// Collect drains a record sequence into a slice, stopping at the first error.
func Collect(seq iter.Seq2[TypedRecord, error]) ([]TypedRecord, error) {
	var records []TypedRecord
	for rec, err := range seq {
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}
