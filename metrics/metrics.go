// Package metrics exports ingestion cycle outcomes as Prometheus metrics.
package metrics

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	ingest "github.com/shogotsuneto/go-simple-ingest"
)

// Compile-time interface compliance check
var _ ingest.Observer = (*Observer)(nil)

const namespace = "ingest"

// Cycle results used as the result label.
const (
	ResultCommitted  = "committed"
	ResultSkipped    = "skipped"
	ResultInProgress = "in_progress"
	ResultRetryable  = "retryable_error"
	ResultFatal      = "fatal_error"
)

// Observer records every finished cycle.
type Observer struct {
	cycles      *prometheus.CounterVec
	records     *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	deltas      *prometheus.GaugeVec
	compactions *prometheus.CounterVec
	checkpoint  *prometheus.GaugeVec
}

// NewObserver creates the metrics and registers them with reg.
func NewObserver(reg prometheus.Registerer) (*Observer, error) {
	o := &Observer{
		cycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cycles_total",
				Help:      "Total ingestion cycles by result.",
			},
			[]string{"table", "result"},
		),
		records: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_total",
				Help:      "Total records committed.",
			},
			[]string{"table"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cycle_duration_seconds",
				Help:      "Duration of ingestion cycles.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"table"},
		),
		deltas: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "delta_commits",
				Help:      "Commits since the last compaction.",
			},
			[]string{"table"},
		),
		compactions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "compactions_total",
				Help:      "Total commits that compacted the table.",
			},
			[]string{"table"},
		),
		checkpoint: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "checkpoint_position",
				Help:      "Committed log position per table/partition.",
			},
			[]string{"table", "partition"},
		),
	}

	for _, c := range []prometheus.Collector{o.cycles, o.records, o.duration, o.deltas, o.compactions, o.checkpoint} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// CycleFinished implements ingest.Observer.
func (o *Observer) CycleFinished(tableID string, res ingest.CycleResult, err error) {
	o.cycles.WithLabelValues(tableID, result(res, err)).Inc()
	if errors.Is(err, ingest.ErrCycleInProgress) {
		return
	}
	o.duration.WithLabelValues(tableID).Observe(res.Duration.Seconds())

	if err != nil || res.Commit == nil {
		return
	}
	commit := res.Commit
	o.records.WithLabelValues(tableID).Add(float64(commit.Records))
	o.deltas.WithLabelValues(tableID).Set(float64(commit.DeltaCommits))
	if commit.Compaction {
		o.compactions.WithLabelValues(tableID).Inc()
	}
	for _, p := range commit.Checkpoint.Partitions() {
		offset, _ := commit.Checkpoint.Offset(p)
		o.checkpoint.WithLabelValues(tableID, strconv.Itoa(int(p))).Set(float64(offset))
	}
}

func result(res ingest.CycleResult, err error) string {
	switch {
	case err == nil && res.Skipped:
		return ResultSkipped
	case err == nil:
		return ResultCommitted
	case errors.Is(err, ingest.ErrCycleInProgress):
		return ResultInProgress
	case ingest.IsRetryable(err):
		return ResultRetryable
	default:
		return ResultFatal
	}
}
