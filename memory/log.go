package memory

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"time"

	ingest "github.com/shogotsuneto/go-simple-ingest"
)

// Log is a simple in-memory partitioned append-only log.
// This implementation is suitable for testing and demonstration purposes.
type Log struct {
	mu      sync.RWMutex
	sources map[string]map[int32]*partition
	now     func() time.Time
}

type partition struct {
	// earliest is the position before the first retained record
	earliest int64
	records  []ingest.RawRecord
}

func (p *partition) end() int64 {
	return p.earliest + int64(len(p.records))
}

// NewLog creates an empty in-memory log.
func NewLog() *Log {
	return &Log{
		sources: make(map[string]map[int32]*partition),
		now:     time.Now,
	}
}

// AddPartition creates an empty partition. It is a no-op for an existing partition.
func (l *Log) AddPartition(sourceID string, part int32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.partition(sourceID, part)
}

func (l *Log) partition(sourceID string, part int32) *partition {
	parts, ok := l.sources[sourceID]
	if !ok {
		parts = make(map[int32]*partition)
		l.sources[sourceID] = parts
	}
	p, ok := parts[part]
	if !ok {
		p = &partition{}
		parts[part] = p
	}
	return p
}

// Append adds a record to a partition, creating it if needed, and returns the record position.
func (l *Log) Append(sourceID string, part int32, key, value []byte) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	p := l.partition(sourceID, part)
	offset := p.end() + 1
	p.records = append(p.records, ingest.RawRecord{
		Partition: part,
		Offset:    offset,
		Key:       append([]byte(nil), key...),
		Value:     append([]byte(nil), value...),
		Timestamp: l.now(),
	})
	return offset
}

// Trim drops every record at or before offset, as log retention does.
func (l *Log) Trim(sourceID string, part int32, offset int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p := l.partition(sourceID, part)
	if offset <= p.earliest {
		return
	}
	if offset >= p.end() {
		p.earliest = p.end()
		p.records = nil
		return
	}
	p.records = append([]ingest.RawRecord(nil), p.records[offset-p.earliest:]...)
	p.earliest = offset
}

// Snapshot returns the retained bounds of every partition of the source.
func (l *Log) Snapshot(ctx context.Context, sourceID string) (ingest.LogSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return ingest.LogSnapshot{}, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	snap := ingest.LogSnapshot{Earliest: ingest.Positions{}, End: ingest.Positions{}}
	for part, p := range l.sources[sourceID] {
		snap.Earliest[part] = p.earliest
		snap.End[part] = p.end()
	}
	return snap, nil
}

// Read yields the records of r in offset order. It fails when r is not fully retained.
func (l *Log) Read(ctx context.Context, sourceID string, r ingest.OffsetRange) iter.Seq2[ingest.RawRecord, error] {
	return func(yield func(ingest.RawRecord, error) bool) {
		l.mu.RLock()
		var records []ingest.RawRecord
		var earliest int64
		p, ok := l.sources[sourceID][r.Partition]
		if ok {
			earliest = p.earliest
			records = p.records
		}
		l.mu.RUnlock()

		if !ok {
			yield(ingest.RawRecord{}, fmt.Errorf("partition %d of source '%s' does not exist", r.Partition, sourceID))
			return
		}
		if r.From < earliest {
			yield(ingest.RawRecord{}, fmt.Errorf("offset %d of partition %d is no longer retained: %w", r.From+1, r.Partition, ingest.ErrCheckpointOutOfRange))
			return
		}

		for offset := r.From + 1; offset <= r.Until; offset++ {
			i := offset - earliest - 1
			if i >= int64(len(records)) {
				yield(ingest.RawRecord{}, fmt.Errorf("partition %d ends at offset %d before end of range %s", r.Partition, earliest+int64(len(records)), r))
				return
			}
			if err := ctx.Err(); err != nil {
				yield(ingest.RawRecord{}, err)
				return
			}
			if !yield(records[i], nil) {
				return
			}
		}
	}
}
