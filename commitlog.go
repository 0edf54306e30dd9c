package ingest

import (
	"context"
	"time"
)

// CommitRecord is one atomic commit of a table: the data, the checkpoint that protects it
// and the delta counter land together or not at all.
type CommitRecord struct {
	ID      int64
	TableID string
	CycleID string
	// Checkpoint is the consumption position covered by this and all earlier commits
	Checkpoint Checkpoint
	// DeltaCommits is the number of commits since the last compaction, this one included
	DeltaCommits int
	// Compaction is set when the commit merged the accumulated deltas into the base
	Compaction  bool
	Records     int
	CommittedAt time.Time
}

// CommitRequest asks a commit log to atomically apply a staged batch.
type CommitRequest struct {
	TableID string
	CycleID string
	// ParentID is the id of the commit the cycle started from, 0 for a table without commits
	ParentID     int64
	Outcome      WriteOutcome
	Checkpoint   Checkpoint
	DeltaCommits int
}

// CommitLog is the table's atomic, durable and totally ordered commit log.
type CommitLog interface {
	// LatestCommit returns the most recent commit of the table, or nil if it has none.
	LatestCommit(ctx context.Context, tableID string) (*CommitRecord, error)
	// Commit applies the request atomically. It fails with ErrConcurrentCommit when
	// ParentID is no longer the latest commit.
	Commit(ctx context.Context, req CommitRequest) (*CommitRecord, error)
}

// WriteRequest hands a batch of records to the write path.
type WriteRequest struct {
	TableID string
	Mode    TableMode
	Records []TypedRecord
	// Compact asks the write path to merge accumulated deltas as part of this batch
	Compact bool
}

// WriteOutcome describes a staged batch. Nothing is visible until the batch is committed.
type WriteOutcome struct {
	// Data is the implementation-defined staged batch, passed unchanged to CommitLog.Commit
	Data    any
	Written int
	// Compacted reports whether the staged batch performs a compaction
	Compacted bool
}

// WritePath stages batches for a commit log.
type WritePath interface {
	ApplyBatch(ctx context.Context, req WriteRequest) (WriteOutcome, error)
}

// Table is a transactional table that both stages and commits batches.
type Table interface {
	CommitLog
	WritePath
}

// Locker guards a table against concurrent cycles across processes.
type Locker interface {
	// Lock returns ErrCycleInProgress when another holder owns the table.
	Lock(ctx context.Context, tableID string) (unlock func(), err error)
}

// Observer is notified after every cycle.
type Observer interface {
	CycleFinished(tableID string, res CycleResult, err error)
}
