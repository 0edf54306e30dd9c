package ingest

import (
	"fmt"

	"github.com/shogotsuneto/go-simple-ingest/codec"
)

// DefaultCompactionThreshold compacts after every delta commit.
const DefaultCompactionThreshold = 1

// Options configures the ingestion of one source into one table.
type Options struct {
	TableID string
	Mode    TableMode
	// CompactionThreshold is the number of delta commits after which a merge-on-read table compacts
	CompactionThreshold int

	Source SourceConfig
	// Reset applies to partitions without a checkpoint
	Reset              ResetPolicy
	MaxRecordsPerCycle int64
	FailOnDataLoss     bool
	// InitialCheckpoint seeds a table without commits, in the form "source,partition:offset,..."
	InitialCheckpoint string
}

// Validate checks the options and returns a *ConfigurationError describing the first problem.
func (o Options) Validate() error {
	if o.TableID == "" {
		return &ConfigurationError{Field: "table.id", Reason: "must not be empty"}
	}
	if _, err := ParseTableMode(string(o.Mode)); err != nil {
		return err
	}
	if o.CompactionThreshold < 1 {
		return &ConfigurationError{Field: "table.compaction_delta_commits", Reason: fmt.Sprintf("must be at least 1, got %d", o.CompactionThreshold)}
	}
	if o.Source.SourceID == "" {
		return &ConfigurationError{Field: "source.id", Reason: "must not be empty"}
	}
	if _, err := codec.ParseKind(string(o.Source.Codec)); err != nil {
		return &ConfigurationError{Field: "source.codec", Reason: err.Error()}
	}
	if _, err := ParseResetPolicy(string(o.Reset)); err != nil {
		return err
	}
	if o.MaxRecordsPerCycle < 0 {
		return &ConfigurationError{Field: "source.max_records_per_cycle", Reason: "must not be negative"}
	}
	_, err := o.initialCheckpoint()
	return err
}

func (o Options) initialCheckpoint() (Checkpoint, error) {
	if o.InitialCheckpoint == "" {
		return Checkpoint{}, nil
	}
	source, cp, err := ParseCheckpoint(o.InitialCheckpoint)
	if err != nil {
		return Checkpoint{}, &ConfigurationError{Field: "source.initial_checkpoint", Reason: err.Error()}
	}
	if source != o.Source.SourceID {
		return Checkpoint{}, &ConfigurationError{
			Field:  "source.initial_checkpoint",
			Reason: fmt.Sprintf("checkpoint is for source '%s', not '%s'", source, o.Source.SourceID),
		}
	}
	return cp, nil
}
