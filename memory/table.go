package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	ingest "github.com/shogotsuneto/go-simple-ingest"
)

// Table is a simple in-memory implementation of both ingest.CommitLog and ingest.WritePath.
// Append-only tables keep every committed record; merge-on-read tables keep a base merged
// by key plus the delta commits since the last compaction.
type Table struct {
	mu     sync.RWMutex
	tables map[string]*tableState
	now    func() time.Time

	// failures are returned, in order, by the next commits
	failures []error
}

type tableState struct {
	mode    ingest.TableMode
	commits []ingest.CommitRecord
	rows    []ingest.TypedRecord
	base    map[string]ingest.TypedRecord
	deltas  [][]ingest.TypedRecord
}

// stagedBatch is the WriteOutcome payload of this table.
type stagedBatch struct {
	tableID string
	mode    ingest.TableMode
	records []ingest.TypedRecord
	compact bool
}

// NewTable creates an empty in-memory table store.
func NewTable() *Table {
	return &Table{
		tables: make(map[string]*tableState),
		now:    time.Now,
	}
}

// FailNextCommit makes the next commit fail with err without changing any state.
func (t *Table) FailNextCommit(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures = append(t.failures, err)
}

// ApplyBatch stages records. Nothing becomes visible until the batch is committed.
func (t *Table) ApplyBatch(ctx context.Context, req ingest.WriteRequest) (ingest.WriteOutcome, error) {
	if err := ctx.Err(); err != nil {
		return ingest.WriteOutcome{}, err
	}
	if req.TableID == "" {
		return ingest.WriteOutcome{}, fmt.Errorf("table id must not be empty")
	}
	if _, err := ingest.ParseTableMode(string(req.Mode)); err != nil {
		return ingest.WriteOutcome{}, err
	}

	t.mu.RLock()
	state, ok := t.tables[req.TableID]
	t.mu.RUnlock()
	if ok && state.mode != req.Mode {
		return ingest.WriteOutcome{}, fmt.Errorf("table '%s' is %s, not %s", req.TableID, state.mode, req.Mode)
	}

	records := make([]ingest.TypedRecord, len(req.Records))
	for i, rec := range req.Records {
		if req.Mode == ingest.MergeOnRead && rec.Key == "" {
			return ingest.WriteOutcome{}, fmt.Errorf("record %d has no key", i)
		}
		records[i] = copyRecord(rec)
	}

	compact := req.Compact && req.Mode == ingest.MergeOnRead
	return ingest.WriteOutcome{
		Data: &stagedBatch{
			tableID: req.TableID,
			mode:    req.Mode,
			records: records,
			compact: compact,
		},
		Written:   len(records),
		Compacted: compact,
	}, nil
}

// LatestCommit returns the most recent commit of the table, or nil if it has none.
func (t *Table) LatestCommit(ctx context.Context, tableID string) (*ingest.CommitRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	state, ok := t.tables[tableID]
	if !ok || len(state.commits) == 0 {
		return nil, nil
	}
	latest := state.commits[len(state.commits)-1]
	return &latest, nil
}

// Commit applies a staged batch, its checkpoint and its delta counter atomically.
func (t *Table) Commit(ctx context.Context, req ingest.CommitRequest) (*ingest.CommitRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	batch, ok := req.Outcome.Data.(*stagedBatch)
	if !ok {
		return nil, fmt.Errorf("unexpected staged batch %T", req.Outcome.Data)
	}
	if batch.tableID != req.TableID {
		return nil, fmt.Errorf("batch staged for table '%s', not '%s'", batch.tableID, req.TableID)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.failures) > 0 {
		err := t.failures[0]
		t.failures = t.failures[1:]
		return nil, err
	}

	state, ok := t.tables[req.TableID]
	if !ok {
		state = &tableState{mode: batch.mode, base: make(map[string]ingest.TypedRecord)}
	}

	var parentID int64
	if n := len(state.commits); n > 0 {
		parentID = state.commits[n-1].ID
	}
	if req.ParentID != parentID {
		return nil, ingest.ErrConcurrentCommit
	}

	counter := ingest.NextDeltaCommits(ingest.DeltaCommitsFromHistory(state.commits), batch.compact)
	if req.DeltaCommits != counter {
		return nil, fmt.Errorf("delta commit counter %d does not match history (%d)", req.DeltaCommits, counter)
	}

	switch batch.mode {
	case ingest.AppendOnly:
		state.rows = append(state.rows, batch.records...)
	case ingest.MergeOnRead:
		state.deltas = append(state.deltas, batch.records)
		if batch.compact {
			for _, delta := range state.deltas {
				for _, rec := range delta {
					state.base[rec.Key] = rec
				}
			}
			state.deltas = nil
		}
	}

	commit := ingest.CommitRecord{
		ID:           parentID + 1,
		TableID:      req.TableID,
		CycleID:      req.CycleID,
		Checkpoint:   req.Checkpoint,
		DeltaCommits: counter,
		Compaction:   batch.compact,
		Records:      len(batch.records),
		CommittedAt:  t.now(),
	}
	state.commits = append(state.commits, commit)
	t.tables[req.TableID] = state

	return &commit, nil
}

// Commits returns the commit history of the table, oldest first.
func (t *Table) Commits(tableID string) []ingest.CommitRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()

	state, ok := t.tables[tableID]
	if !ok {
		return nil
	}
	return append([]ingest.CommitRecord(nil), state.commits...)
}

// PendingDeltas returns the number of delta commits not yet compacted into the base.
func (t *Table) PendingDeltas(tableID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	state, ok := t.tables[tableID]
	if !ok {
		return 0
	}
	return len(state.deltas)
}

// Rows returns the committed view of the table. For merge-on-read tables this is the base
// overlaid by the latest delta of every key, ordered by key.
func (t *Table) Rows(tableID string) []ingest.TypedRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()

	state, ok := t.tables[tableID]
	if !ok {
		return nil
	}

	if state.mode == ingest.AppendOnly {
		return append([]ingest.TypedRecord(nil), state.rows...)
	}

	merged := make(map[string]ingest.TypedRecord, len(state.base))
	for k, rec := range state.base {
		merged[k] = rec
	}
	for _, delta := range state.deltas {
		for _, rec := range delta {
			merged[rec.Key] = rec
		}
	}

	rows := make([]ingest.TypedRecord, 0, len(merged))
	for _, rec := range merged {
		rows = append(rows, rec)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Key < rows[j].Key })
	return rows
}

func copyRecord(rec ingest.TypedRecord) ingest.TypedRecord {
	fields := make(map[string]any, len(rec.Fields))
	for k, v := range rec.Fields {
		fields[k] = v
	}
	out := ingest.TypedRecord{Key: rec.Key, Fields: fields}
	if rec.Source != nil {
		src := *rec.Source
		out.Source = &src
	}
	return out
}
