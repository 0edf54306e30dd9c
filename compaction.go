package ingest

import "fmt"

// TableMode is fixed at table creation and decides whether compaction applies.
type TableMode string

const (
	// AppendOnly tables never merge by key and never compact.
	AppendOnly TableMode = "append-only"
	// MergeOnRead tables accumulate delta commits that compaction merges into the base by key.
	MergeOnRead TableMode = "merge-on-read"
)

// ParseTableMode converts a configuration value into a TableMode.
func ParseTableMode(s string) (TableMode, error) {
	switch TableMode(s) {
	case AppendOnly, MergeOnRead:
		return TableMode(s), nil
	default:
		return "", &ConfigurationError{Field: "table.mode", Reason: fmt.Sprintf("unknown mode %q (want %s or %s)", s, AppendOnly, MergeOnRead)}
	}
}

// ShouldCompact reports whether a compaction is due for a table holding counter consecutive delta commits.
func ShouldCompact(mode TableMode, counter, threshold int) bool {
	if mode != MergeOnRead {
		return false
	}
	return counter >= threshold
}

// NextDeltaCommits returns the counter value recorded by a commit.
func NextDeltaCommits(counter int, wasCompaction bool) int {
	if wasCompaction {
		return 0
	}
	return counter + 1
}

// DeltaCommitsFromHistory derives the delta counter from commit history ordered oldest first:
// the number of commits after the last compaction.
func DeltaCommitsFromHistory(commits []CommitRecord) int {
	n := 0
	for i := len(commits) - 1; i >= 0; i-- {
		if commits[i].Compaction {
			break
		}
		n++
	}
	return n
}

// DeltaCommitTracker decides when delta commits must be compacted.
// Its decision is advisory: the write path may defer a compaction, and the counter only
// resets on a commit that actually compacted.
type DeltaCommitTracker struct {
	mode      TableMode
	threshold int
}

// NewDeltaCommitTracker creates a tracker. threshold is the number of delta commits after which compaction is due.
func NewDeltaCommitTracker(mode TableMode, threshold int) (DeltaCommitTracker, error) {
	if _, err := ParseTableMode(string(mode)); err != nil {
		return DeltaCommitTracker{}, err
	}
	if threshold < 1 {
		return DeltaCommitTracker{}, &ConfigurationError{Field: "table.compaction_delta_commits", Reason: fmt.Sprintf("must be at least 1, got %d", threshold)}
	}
	return DeltaCommitTracker{mode: mode, threshold: threshold}, nil
}

// Mode returns the table mode the tracker was created for.
func (t DeltaCommitTracker) Mode() TableMode {
	return t.mode
}

// Threshold returns the configured compaction threshold.
func (t DeltaCommitTracker) Threshold() int {
	return t.threshold
}

// ShouldCompact reports whether a compaction is due at the given counter.
func (t DeltaCommitTracker) ShouldCompact(counter int) bool {
	return ShouldCompact(t.mode, counter, t.threshold)
}

// OnCommit returns the counter value to record in a commit.
func (t DeltaCommitTracker) OnCommit(counter int, wasCompaction bool) int {
	return NextDeltaCommits(counter, wasCompaction)
}
