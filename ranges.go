package ingest

import (
	"fmt"
	"sort"
)

// ResetPolicy chooses the starting offset of a partition that has no checkpoint yet.
type ResetPolicy string

const (
	// ResetUnset means no policy is configured; a newly observed partition is a configuration error.
	ResetUnset ResetPolicy = ""
	// ResetEarliest starts at the earliest retained offset.
	ResetEarliest ResetPolicy = "earliest"
	// ResetLatest starts at the end of the log, skipping the backlog.
	ResetLatest ResetPolicy = "latest"
)

// ParseResetPolicy converts a configuration value into a ResetPolicy.
func ParseResetPolicy(s string) (ResetPolicy, error) {
	switch ResetPolicy(s) {
	case ResetUnset, ResetEarliest, ResetLatest:
		return ResetPolicy(s), nil
	default:
		return ResetUnset, &ConfigurationError{Field: "reset", Reason: fmt.Sprintf("unknown policy %q (want earliest or latest)", s)}
	}
}

// LogSnapshot holds the retained bounds of every partition, read once per cycle.
type LogSnapshot struct {
	// Earliest is the offset before the first retained record; partitions not listed start at 0
	Earliest Positions
	// End is the offset of the last record in each partition
	End Positions
}

// ComputeRanges computes the ranges to consume given the last checkpoint and the current end positions.
// Unknown earliest positions are treated as 0.
func ComputeRanges(last Checkpoint, end Positions, policy ResetPolicy) ([]OffsetRange, error) {
	return RangeCalculator{Reset: policy}.Compute(last, LogSnapshot{End: end})
}

// RangeCalculator computes per-cycle offset ranges.
type RangeCalculator struct {
	Reset ResetPolicy
	// MaxRecordsPerCycle caps the records of one cycle; 0 means unlimited
	MaxRecordsPerCycle int64
	// FailOnDataLoss turns a checkpoint outside the retained log into an error instead of a reset
	FailOnDataLoss bool
}

// Compute returns one range per partition of the snapshot, in ascending partition order.
// Partitions that are checkpointed but absent from the snapshot are skipped.
func (c RangeCalculator) Compute(last Checkpoint, snap LogSnapshot) ([]OffsetRange, error) {
	parts := make([]int32, 0, len(snap.End))
	for p := range snap.End {
		parts = append(parts, p)
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i] < parts[j] })

	ranges := make([]OffsetRange, 0, len(parts))
	for _, p := range parts {
		until := snap.End[p]
		earliest := snap.Earliest[p]
		if earliest > until {
			earliest = until
		}

		from, ok := last.Offset(p)
		if !ok {
			switch c.Reset {
			case ResetEarliest:
				from = earliest
			case ResetLatest:
				from = until
			default:
				return nil, &ConfigurationError{
					Field:  "reset",
					Reason: fmt.Sprintf("no reset policy for newly observed partition %d", p),
				}
			}
		}

		switch {
		case from < earliest:
			if c.FailOnDataLoss {
				return nil, fmt.Errorf("partition %d checkpoint %d is before earliest retained offset %d: %w",
					p, from, earliest, ErrCheckpointOutOfRange)
			}
			from = earliest
		case from > until:
			if c.FailOnDataLoss {
				return nil, fmt.Errorf("partition %d checkpoint %d is past the end of the log %d: %w",
					p, from, until, ErrCheckpointOutOfRange)
			}
			from = until
		}

		ranges = append(ranges, OffsetRange{Partition: p, From: from, Until: until})
	}

	if c.MaxRecordsPerCycle > 0 && TotalCount(ranges) > c.MaxRecordsPerCycle {
		limitRanges(ranges, c.MaxRecordsPerCycle)
	}
	return ranges, nil
}

// limitRanges shrinks the ranges in place so they cover at most limit records,
// spreading the budget evenly over partitions that still have a backlog.
func limitRanges(ranges []OffsetRange, limit int64) {
	backlog := make([]int64, len(ranges))
	for i := range ranges {
		backlog[i] = ranges[i].Count()
		ranges[i].Until = ranges[i].From
	}

	remaining := limit
	for remaining > 0 {
		pending := 0
		for _, b := range backlog {
			if b > 0 {
				pending++
			}
		}
		if pending == 0 {
			return
		}

		share := remaining / int64(pending)
		if share == 0 {
			share = 1
		}
		for i := range ranges {
			if remaining == 0 {
				return
			}
			if backlog[i] == 0 {
				continue
			}
			take := min(share, backlog[i], remaining)
			ranges[i].Until += take
			backlog[i] -= take
			remaining -= take
		}
	}
}
