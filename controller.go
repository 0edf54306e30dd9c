package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Stage is the furthest point a cycle reached.
type Stage string

const (
	StageIdle           Stage = "idle"
	StageRangesComputed Stage = "ranges-computed"
	StageRecordsFetched Stage = "records-fetched"
	StageBatchCommitted Stage = "batch-committed"
	StageAborted        Stage = "aborted"
)

// CycleResult describes one finished or aborted cycle.
type CycleResult struct {
	CycleID string
	Stage   Stage
	// Checkpoint is the checkpoint the cycle started from
	Checkpoint Checkpoint
	Ranges     []OffsetRange
	Records    int
	// Commit is the new commit, nil unless the cycle committed
	Commit *CommitRecord
	// Compacted reports whether the commit merged the accumulated deltas
	Compacted bool
	// CompactionDue reports whether the next cycle will compact
	CompactionDue bool
	// Skipped is set when there was nothing to ingest and no commit was made
	Skipped   bool
	StartedAt time.Time
	Duration  time.Duration
}

// Dependencies are the collaborators of a Controller. Locker and Observer are optional.
type Dependencies struct {
	Log     LogReader
	Schemas SchemaProvider
	Commits CommitLog
	Writer  WritePath
	Locker  Locker
	// Observer is notified after every cycle
	Observer Observer
	Logger   *zap.Logger
}

// Controller runs ingestion cycles for one table. Each cycle computes ranges from the last
// committed checkpoint, fetches and decodes the records and commits data, checkpoint and
// delta counter together. A failed cycle leaves the table untouched, so the next cycle
// retries the same ranges.
type Controller struct {
	opts     Options
	calc     RangeCalculator
	tracker  DeltaCommitTracker
	source   *RecordSource
	initial  Checkpoint
	log      LogReader
	commits  CommitLog
	writer   WritePath
	locker   Locker
	observer Observer
	logger   *zap.Logger

	running sync.Mutex

	statusMu sync.RWMutex
	last     *CycleResult
	lastErr  error
}

// NewController validates opts and creates a controller.
func NewController(opts Options, deps Dependencies) (*Controller, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if deps.Commits == nil {
		return nil, &ConfigurationError{Field: "commit log", Reason: "a commit log is required"}
	}
	if deps.Writer == nil {
		return nil, &ConfigurationError{Field: "write path", Reason: "a write path is required"}
	}

	source, err := NewRecordSource(opts.Source, deps.Log, deps.Schemas)
	if err != nil {
		return nil, err
	}
	tracker, err := NewDeltaCommitTracker(opts.Mode, opts.CompactionThreshold)
	if err != nil {
		return nil, err
	}
	initial, err := opts.initialCheckpoint()
	if err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Controller{
		opts: opts,
		calc: RangeCalculator{
			Reset:              opts.Reset,
			MaxRecordsPerCycle: opts.MaxRecordsPerCycle,
			FailOnDataLoss:     opts.FailOnDataLoss,
		},
		tracker:  tracker,
		source:   source,
		initial:  initial,
		log:      deps.Log,
		commits:  deps.Commits,
		writer:   deps.Writer,
		locker:   deps.Locker,
		observer: deps.Observer,
		logger:   logger.With(zap.String("table", opts.TableID), zap.String("source", opts.Source.SourceID)),
	}, nil
}

// TableID returns the table the controller ingests into.
func (c *Controller) TableID() string {
	return c.opts.TableID
}

// LastResult returns the most recent cycle result and its error, or nil if no cycle ran yet.
func (c *Controller) LastResult() (*CycleResult, error) {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	if c.last == nil {
		return nil, nil
	}
	res := *c.last
	return &res, c.lastErr
}

// RunCycle runs one ingestion cycle. It returns ErrCycleInProgress when a cycle for the
// table is already running, and a *CycleError when the cycle aborted.
func (c *Controller) RunCycle(ctx context.Context) (CycleResult, error) {
	if !c.running.TryLock() {
		return CycleResult{Stage: StageIdle}, ErrCycleInProgress
	}
	defer c.running.Unlock()

	res := CycleResult{CycleID: uuid.NewString(), Stage: StageIdle, StartedAt: time.Now()}
	logger := c.logger.With(zap.String("cycle_id", res.CycleID))

	err := c.runCycle(ctx, &res, logger)
	res.Duration = time.Since(res.StartedAt)

	switch {
	case err == nil && res.Skipped:
		logger.Debug("Nothing to ingest", zap.Stringer("checkpoint", res.Checkpoint))
	case err == nil:
		logger.Info("Committed cycle",
			zap.Int64("commit_id", res.Commit.ID),
			zap.Int("records", res.Records),
			zap.Stringer("checkpoint", res.Commit.Checkpoint),
			zap.Int("delta_commits", res.Commit.DeltaCommits),
			zap.Bool("compacted", res.Compacted),
			zap.Duration("duration", res.Duration))
	case errors.Is(err, ErrCycleInProgress):
		logger.Debug("Cycle already running elsewhere")
	case IsRetryable(err):
		logger.Warn("Cycle aborted, will retry", zap.Error(err))
	default:
		logger.Error("Cycle failed", zap.Error(err))
	}

	c.statusMu.Lock()
	last := res
	c.last, c.lastErr = &last, err
	c.statusMu.Unlock()

	if c.observer != nil {
		c.observer.CycleFinished(c.opts.TableID, res, err)
	}
	return res, err
}

func (c *Controller) runCycle(ctx context.Context, res *CycleResult, logger *zap.Logger) error {
	tableID := c.opts.TableID

	if c.locker != nil {
		unlock, err := c.locker.Lock(ctx, tableID)
		if err != nil {
			if errors.Is(err, ErrCycleInProgress) {
				return err
			}
			return c.abort(res, err)
		}
		defer unlock()
	}

	latest, err := c.commits.LatestCommit(ctx, tableID)
	if err != nil {
		return c.abort(res, &CommitError{TableID: tableID, Op: "read latest commit", Err: err})
	}
	last, parentID, counter := c.initial, int64(0), 0
	if latest != nil {
		last, parentID, counter = latest.Checkpoint, latest.ID, latest.DeltaCommits
	}
	res.Checkpoint = last

	snap, err := c.log.Snapshot(ctx, c.opts.Source.SourceID)
	if err != nil {
		return c.abort(res, err)
	}
	ranges, err := c.calc.Compute(last, snap)
	if err != nil {
		return c.abort(res, err)
	}
	res.Stage, res.Ranges = StageRangesComputed, ranges
	for _, r := range ranges {
		if off, ok := last.Offset(r.Partition); ok && off != r.From {
			logger.Warn("Checkpoint outside the retained log, resetting",
				zap.Int32("partition", r.Partition),
				zap.Int64("checkpoint", off),
				zap.Int64("from", r.From))
		}
	}
	logger.Debug("Computed ranges", zap.Stringers("ranges", ranges), zap.Int64("records", TotalCount(ranges)))

	if AllEmpty(ranges) {
		res.Skipped = true
		res.CompactionDue = c.tracker.ShouldCompact(counter)
		return nil
	}

	compact := c.tracker.ShouldCompact(counter)

	seq, err := c.source.Fetch(ctx, ranges)
	if err != nil {
		return c.abort(res, err)
	}
	records, err := Collect(seq)
	if err != nil {
		return c.abort(res, err)
	}
	res.Stage, res.Records = StageRecordsFetched, len(records)

	outcome, err := c.writer.ApplyBatch(ctx, WriteRequest{
		TableID: tableID,
		Mode:    c.opts.Mode,
		Records: records,
		Compact: compact,
	})
	if err != nil {
		return c.abort(res, &CommitError{TableID: tableID, Op: "apply batch", Err: err})
	}
	if compact && !outcome.Compacted {
		logger.Info("Write path deferred compaction", zap.Int("delta_commits", counter))
	}

	// cancellation is honored up to here; a commit that has started runs to completion
	if err := ctx.Err(); err != nil {
		return c.abort(res, err)
	}

	commit, err := c.commits.Commit(context.WithoutCancel(ctx), CommitRequest{
		TableID:      tableID,
		CycleID:      res.CycleID,
		ParentID:     parentID,
		Outcome:      outcome,
		Checkpoint:   last.Advance(ranges),
		DeltaCommits: c.tracker.OnCommit(counter, outcome.Compacted),
	})
	if err != nil {
		return c.abort(res, &CommitError{TableID: tableID, Op: "commit", Err: err})
	}

	res.Stage = StageBatchCommitted
	res.Commit = commit
	res.Compacted = commit.Compaction
	res.CompactionDue = c.tracker.ShouldCompact(commit.DeltaCommits)
	return nil
}

func (c *Controller) abort(res *CycleResult, err error) error {
	cerr := &CycleError{
		TableID:    c.opts.TableID,
		CycleID:    res.CycleID,
		Stage:      res.Stage,
		Checkpoint: res.Checkpoint,
		Ranges:     res.Ranges,
		Err:        err,
	}
	res.Stage = StageAborted
	return cerr
}

// Run runs a cycle immediately and then on every tick until ctx is done.
// Retryable failures are logged and retried on the next tick; a configuration error stops the loop.
func (c *Controller) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return &ConfigurationError{Field: "service.poll_interval_seconds", Reason: "must be positive"}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := c.RunCycle(ctx); err != nil && !IsRetryable(err) {
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
