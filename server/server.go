// Package server exposes metrics, health and cycle status over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	ingest "github.com/shogotsuneto/go-simple-ingest"
)

// StatusSource reports the outcome of the latest cycle of a table.
type StatusSource interface {
	TableID() string
	LastResult() (*ingest.CycleResult, error)
}

// Status is the JSON body of /status.
type Status struct {
	Table         string             `json:"table"`
	CycleID       string             `json:"cycle_id,omitempty"`
	Stage         ingest.Stage       `json:"stage"`
	Checkpoint    *ingest.Checkpoint `json:"checkpoint,omitempty"`
	Ranges        []rangeStatus      `json:"ranges,omitempty"`
	Records       int                `json:"records"`
	Skipped       bool               `json:"skipped"`
	Commit        *commitStatus      `json:"commit,omitempty"`
	CompactionDue bool               `json:"compaction_due"`
	StartedAt     *time.Time         `json:"started_at,omitempty"`
	DurationMS    int64              `json:"duration_ms"`
	Error         string             `json:"error,omitempty"`
	Retryable     bool               `json:"retryable,omitempty"`
}

type rangeStatus struct {
	Partition int32 `json:"partition"`
	From      int64 `json:"from"`
	Until     int64 `json:"until"`
}

type commitStatus struct {
	ID           int64             `json:"id"`
	Checkpoint   ingest.Checkpoint `json:"checkpoint"`
	DeltaCommits int               `json:"delta_commits"`
	Compaction   bool              `json:"compaction"`
	CommittedAt  time.Time         `json:"committed_at"`
}

// Handler returns the HTTP handler for metrics, health checks and status.
func Handler(gatherer prometheus.Gatherer, status StatusSource) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(statusOf(status))
	})
	return mux
}

func statusOf(src StatusSource) Status {
	s := Status{Table: src.TableID(), Stage: ingest.StageIdle}
	res, err := src.LastResult()
	if res == nil {
		return s
	}

	cp := res.Checkpoint
	started := res.StartedAt
	s.CycleID = res.CycleID
	s.Stage = res.Stage
	s.Checkpoint = &cp
	s.Records = res.Records
	s.Skipped = res.Skipped
	s.CompactionDue = res.CompactionDue
	s.StartedAt = &started
	s.DurationMS = res.Duration.Milliseconds()
	for _, r := range res.Ranges {
		s.Ranges = append(s.Ranges, rangeStatus{Partition: r.Partition, From: r.From, Until: r.Until})
	}
	if res.Commit != nil {
		s.Commit = &commitStatus{
			ID:           res.Commit.ID,
			Checkpoint:   res.Commit.Checkpoint,
			DeltaCommits: res.Commit.DeltaCommits,
			Compaction:   res.Commit.Compaction,
			CommittedAt:  res.Commit.CommittedAt,
		}
	}
	if err != nil {
		s.Error = err.Error()
		s.Retryable = ingest.IsRetryable(err)
	}
	return s
}

// Start serves handler on addr until ctx is done.
func Start(ctx context.Context, addr string, handler http.Handler, logger *zap.Logger) error {
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Serving metrics and status", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
