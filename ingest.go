// Package ingest provides incremental, exactly-once ingestion of partitioned change logs
// into transactional tables, with checkpoint tracking and merge-on-read compaction scheduling.
package ingest

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// PartitionPosition is the consumption cursor of a single partition.
type PartitionPosition struct {
	// Partition is the partition id within the source log
	Partition int32
	// Offset counts records: the record at Offset n is the n-th record appended to the partition
	Offset int64
}

// Less reports whether p sorts before o. Positions order by partition, then by offset.
func (p PartitionPosition) Less(o PartitionPosition) bool {
	if p.Partition != o.Partition {
		return p.Partition < o.Partition
	}
	return p.Offset < o.Offset
}

func (p PartitionPosition) String() string {
	return fmt.Sprintf("p%d@%d", p.Partition, p.Offset)
}

// Positions maps partition ids to offsets.
type Positions map[int32]int64

// Checkpoint records, per partition, the highest offset that has been durably committed.
// A Checkpoint is immutable; every operation that changes it returns a new value.
type Checkpoint struct {
	offsets map[int32]int64
}

// NewCheckpoint creates a checkpoint holding a copy of the given offsets.
func NewCheckpoint(offsets map[int32]int64) Checkpoint {
	cp := Checkpoint{offsets: make(map[int32]int64, len(offsets))}
	for p, o := range offsets {
		cp.offsets[p] = o
	}
	return cp
}

// Offset returns the committed offset for a partition.
func (c Checkpoint) Offset(partition int32) (int64, bool) {
	o, ok := c.offsets[partition]
	return o, ok
}

// Len returns the number of partitions tracked by the checkpoint.
func (c Checkpoint) Len() int {
	return len(c.offsets)
}

// IsEmpty reports whether the checkpoint tracks no partitions.
func (c Checkpoint) IsEmpty() bool {
	return len(c.offsets) == 0
}

// Partitions returns the tracked partition ids in ascending order.
func (c Checkpoint) Partitions() []int32 {
	parts := make([]int32, 0, len(c.offsets))
	for p := range c.offsets {
		parts = append(parts, p)
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i] < parts[j] })
	return parts
}

// Map returns a copy of the checkpoint offsets.
func (c Checkpoint) Map() map[int32]int64 {
	out := make(map[int32]int64, len(c.offsets))
	for p, o := range c.offsets {
		out[p] = o
	}
	return out
}

// Advance returns a new checkpoint in which every range's partition is set to its Until offset.
// Partitions not covered by the ranges keep their prior offsets.
func (c Checkpoint) Advance(ranges []OffsetRange) Checkpoint {
	next := NewCheckpoint(c.offsets)
	for _, r := range ranges {
		next.offsets[r.Partition] = r.Until
	}
	return next
}

// Equal reports whether both checkpoints track the same offsets.
func (c Checkpoint) Equal(o Checkpoint) bool {
	if len(c.offsets) != len(o.offsets) {
		return false
	}
	for p, off := range c.offsets {
		if other, ok := o.offsets[p]; !ok || other != off {
			return false
		}
	}
	return true
}

// String renders the checkpoint as "partition:offset" pairs in partition order.
func (c Checkpoint) String() string {
	parts := c.Partitions()
	pairs := make([]string, 0, len(parts))
	for _, p := range parts {
		pairs = append(pairs, fmt.Sprintf("%d:%d", p, c.offsets[p]))
	}
	return strings.Join(pairs, ",")
}

// MarshalJSON encodes the checkpoint as an integer-keyed object.
func (c Checkpoint) MarshalJSON() ([]byte, error) {
	if c.offsets == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(c.offsets)
}

// UnmarshalJSON decodes an integer-keyed object.
func (c *Checkpoint) UnmarshalJSON(data []byte) error {
	var offsets map[int32]int64
	if err := json.Unmarshal(data, &offsets); err != nil {
		return fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	for p, o := range offsets {
		if o < 0 {
			return fmt.Errorf("negative offset %d for partition %d", o, p)
		}
	}
	*c = NewCheckpoint(offsets)
	return nil
}

// FormatCheckpoint renders a checkpoint as "topic,partition:offset,...".
func FormatCheckpoint(topic string, cp Checkpoint) string {
	if cp.IsEmpty() {
		return topic
	}
	return topic + "," + cp.String()
}

// ParseCheckpoint parses the form produced by FormatCheckpoint.
func ParseCheckpoint(s string) (string, Checkpoint, error) {
	fields := strings.Split(strings.TrimSpace(s), ",")
	topic := fields[0]
	if topic == "" {
		return "", Checkpoint{}, fmt.Errorf("invalid checkpoint %q: missing topic", s)
	}

	offsets := make(map[int32]int64, len(fields)-1)
	for _, field := range fields[1:] {
		part, off, ok := strings.Cut(field, ":")
		if !ok {
			return "", Checkpoint{}, fmt.Errorf("invalid checkpoint entry %q", field)
		}
		p, err := strconv.ParseInt(part, 10, 32)
		if err != nil {
			return "", Checkpoint{}, fmt.Errorf("invalid partition in %q: %w", field, err)
		}
		o, err := strconv.ParseInt(off, 10, 64)
		if err != nil {
			return "", Checkpoint{}, fmt.Errorf("invalid offset in %q: %w", field, err)
		}
		if o < 0 {
			return "", Checkpoint{}, fmt.Errorf("invalid offset in %q: must not be negative", field)
		}
		if _, dup := offsets[int32(p)]; dup {
			return "", Checkpoint{}, fmt.Errorf("duplicate partition %d in checkpoint", p)
		}
		offsets[int32(p)] = o
	}

	return topic, NewCheckpoint(offsets), nil
}

// OffsetRange is the interval of offsets to consume from one partition in one cycle.
// It covers offsets From < o <= Until; From equal to Until means nothing to consume.
type OffsetRange struct {
	Partition int32
	// From is the exclusive lower bound, the last checkpointed offset
	From int64
	// Until is the inclusive upper bound, the end of the log when the cycle started
	Until int64
}

// Count returns the number of records covered by the range.
func (r OffsetRange) Count() int64 {
	return r.Until - r.From
}

// IsEmpty reports whether the range covers no records.
func (r OffsetRange) IsEmpty() bool {
	return r.Until <= r.From
}

func (r OffsetRange) String() string {
	return fmt.Sprintf("p%d(%d,%d]", r.Partition, r.From, r.Until)
}

// TotalCount returns the number of records covered by all ranges.
func TotalCount(ranges []OffsetRange) int64 {
	var total int64
	for _, r := range ranges {
		total += r.Count()
	}
	return total
}

// AllEmpty reports whether none of the ranges covers a record.
func AllEmpty(ranges []OffsetRange) bool {
	for _, r := range ranges {
		if !r.IsEmpty() {
			return false
		}
	}
	return true
}
