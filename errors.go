package ingest

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for common error conditions.
var (
	// ErrCycleInProgress is returned when a cycle is started for a table that already has one in flight.
	ErrCycleInProgress = errors.New("ingestion cycle already in progress")

	// ErrConcurrentCommit is returned by a commit log when the commit a cycle started from is no longer the latest.
	ErrConcurrentCommit = errors.New("table advanced since the cycle started")

	// ErrCheckpointOutOfRange is returned when a checkpointed offset lies outside the retained log.
	ErrCheckpointOutOfRange = errors.New("checkpoint offset outside retained log")

	// ErrSourceConsumed is returned when a fetched record sequence is iterated more than once.
	ErrSourceConsumed = errors.New("record sequence already consumed")
)

// ConfigurationError indicates missing or invalid configuration. It is fatal: no cycle is attempted.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration %s: %s", e.Field, e.Reason)
}

// SchemaResolutionError indicates that the configured codec needs a schema that could not be obtained.
type SchemaResolutionError struct {
	SourceID string
	Codec    string
	Err      error
}

func (e *SchemaResolutionError) Error() string {
	return fmt.Sprintf("failed to resolve schema for source '%s' (codec %s): %v", e.SourceID, e.Codec, e.Err)
}

func (e *SchemaResolutionError) Unwrap() error {
	return e.Err
}

// DecodeError indicates a record that could not be read or decoded.
type DecodeError struct {
	Position PartitionPosition
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode record at %s: %v", e.Position, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// CommitError indicates a failure in the write path or the commit log.
// Commits are atomic, so a CommitError never leaves partial state behind.
type CommitError struct {
	TableID string
	Op      string
	Err     error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("%s failed for table '%s': %v", e.Op, e.TableID, e.Err)
}

func (e *CommitError) Unwrap() error {
	return e.Err
}

// CycleError reports a failed cycle with enough context to replay it manually.
type CycleError struct {
	TableID string
	CycleID string
	Stage   Stage
	// Checkpoint is the checkpoint the cycle started from
	Checkpoint Checkpoint
	Ranges     []OffsetRange
	Err        error
}

func (e *CycleError) Error() string {
	ranges := make([]string, 0, len(e.Ranges))
	for _, r := range e.Ranges {
		ranges = append(ranges, r.String())
	}
	return fmt.Sprintf("cycle %s for table '%s' aborted after %s (checkpoint [%s], ranges [%s]): %v",
		e.CycleID, e.TableID, e.Stage, e.Checkpoint, strings.Join(ranges, " "), e.Err)
}

func (e *CycleError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether a failed cycle may be retried with the next trigger.
// Configuration errors are fatal; everything else leaves persisted state untouched.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var cfgErr *ConfigurationError
	return !errors.As(err, &cfgErr)
}
