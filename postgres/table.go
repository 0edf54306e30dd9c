package postgres

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	ingest "github.com/shogotsuneto/go-simple-ingest"
)

// Compile-time interface compliance check
var _ ingest.Table = (*Table)(nil)

// pgUniqueViolation is the SQLSTATE of a unique constraint violation.
const pgUniqueViolation = "23505"

// Table is a PostgreSQL implementation of ingest.CommitLog and ingest.WritePath.
// A commit writes the staged rows, the optional compaction and the commit row in one transaction.
type Table struct {
	db    *sql.DB
	names tableNames
	now   func() time.Time
}

// NewTable creates a PostgreSQL table store using the tables created by InitSchema for prefix.
func NewTable(db *sql.DB, prefix string) (*Table, error) {
	names, err := newTableNames(prefix)
	if err != nil {
		return nil, err
	}
	return &Table{db: db, names: names, now: time.Now}, nil
}

// stagedRow is one encoded record waiting for its commit.
type stagedRow struct {
	key       string
	payload   []byte
	partition sql.NullInt32
	offset    sql.NullInt64
	timestamp sql.NullTime
}

type stagedBatch struct {
	tableID string
	mode    ingest.TableMode
	rows    []stagedRow
	compact bool
}

// ApplyBatch encodes the records for the commit. It does not touch the database.
func (t *Table) ApplyBatch(ctx context.Context, req ingest.WriteRequest) (ingest.WriteOutcome, error) {
	if req.TableID == "" {
		return ingest.WriteOutcome{}, errors.New("table id must not be empty")
	}
	if _, err := ingest.ParseTableMode(string(req.Mode)); err != nil {
		return ingest.WriteOutcome{}, err
	}

	rows := make([]stagedRow, 0, len(req.Records))
	for i, rec := range req.Records {
		if req.Mode == ingest.MergeOnRead && rec.Key == "" {
			return ingest.WriteOutcome{}, fmt.Errorf("record %d has no key", i)
		}
		payload, err := json.Marshal(stripNUL(rec.Fields))
		if err != nil {
			return ingest.WriteOutcome{}, fmt.Errorf("failed to marshal record %d: %w", i, err)
		}

		row := stagedRow{key: strings.ReplaceAll(rec.Key, "\x00", ""), payload: payload}
		if rec.Source != nil {
			row.partition = sql.NullInt32{Int32: rec.Source.Position.Partition, Valid: true}
			row.offset = sql.NullInt64{Int64: rec.Source.Position.Offset, Valid: true}
			row.timestamp = sql.NullTime{Time: rec.Source.Timestamp, Valid: !rec.Source.Timestamp.IsZero()}
		}
		rows = append(rows, row)
	}

	compact := req.Compact && req.Mode == ingest.MergeOnRead
	return ingest.WriteOutcome{
		Data:      &stagedBatch{tableID: req.TableID, mode: req.Mode, rows: rows, compact: compact},
		Written:   len(rows),
		Compacted: compact,
	}, nil
}

// stripNUL removes U+0000 from the strings and map keys of a decoded value.
// PostgreSQL cannot store it in TEXT or JSONB.
func stripNUL(v any) any {
	switch v := v.(type) {
	case string:
		return strings.ReplaceAll(v, "\x00", "")
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[strings.ReplaceAll(k, "\x00", "")] = stripNUL(val)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = stripNUL(val)
		}
		return out
	default:
		return v
	}
}

// LatestCommit returns the most recent commit of the table, or nil if it has none.
func (t *Table) LatestCommit(ctx context.Context, tableID string) (*ingest.CommitRecord, error) {
	row := t.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT id, table_id, cycle_id, checkpoint, delta_commits, compaction, record_count, committed_at
		FROM %s
		WHERE table_id = $1
		ORDER BY id DESC
		LIMIT 1
	`, quoteIdentifier(t.names.commits)), tableID)

	commit, err := scanCommit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return commit, nil
}

// Commits returns the commit history of the table, oldest first.
func (t *Table) Commits(ctx context.Context, tableID string) ([]ingest.CommitRecord, error) {
	rows, err := t.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, table_id, cycle_id, checkpoint, delta_commits, compaction, record_count, committed_at
		FROM %s
		WHERE table_id = $1
		ORDER BY id ASC
	`, quoteIdentifier(t.names.commits)), tableID)
	if err != nil {
		return nil, fmt.Errorf("failed to query commits: %w", err)
	}
	defer rows.Close()

	var commits []ingest.CommitRecord
	for rows.Next() {
		commit, err := scanCommit(rows)
		if err != nil {
			return nil, err
		}
		commits = append(commits, *commit)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return commits, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCommit(s scanner) (*ingest.CommitRecord, error) {
	var commit ingest.CommitRecord
	var checkpointJSON []byte
	err := s.Scan(
		&commit.ID,
		&commit.TableID,
		&commit.CycleID,
		&checkpointJSON,
		&commit.DeltaCommits,
		&commit.Compaction,
		&commit.Records,
		&commit.CommittedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan commit: %w", err)
	}
	if err := json.Unmarshal(checkpointJSON, &commit.Checkpoint); err != nil {
		return nil, fmt.Errorf("commit %d: %w", commit.ID, err)
	}
	return &commit, nil
}

// Commit applies a staged batch, its checkpoint and its delta counter in one transaction.
func (t *Table) Commit(ctx context.Context, req ingest.CommitRequest) (*ingest.CommitRecord, error) {
	batch, ok := req.Outcome.Data.(*stagedBatch)
	if !ok {
		return nil, fmt.Errorf("unexpected staged batch %T", req.Outcome.Data)
	}
	if batch.tableID != req.TableID {
		return nil, fmt.Errorf("batch staged for table '%s', not '%s'", batch.tableID, req.TableID)
	}
	checkpointJSON, err := json.Marshal(req.Checkpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Lock the table to serialize commits
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", req.TableID); err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}

	var latestID int64
	err = tx.QueryRowContext(ctx, fmt.Sprintf("SELECT COALESCE(MAX(id), 0) FROM %s WHERE table_id = $1", quoteIdentifier(t.names.commits)), req.TableID).Scan(&latestID)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest commit: %w", err)
	}
	if latestID != req.ParentID {
		return nil, fmt.Errorf("%w: cycle started from commit %d, latest is %d", ingest.ErrConcurrentCommit, req.ParentID, latestID)
	}

	commit := ingest.CommitRecord{
		TableID:      req.TableID,
		CycleID:      req.CycleID,
		Checkpoint:   req.Checkpoint,
		DeltaCommits: req.DeltaCommits,
		Compaction:   batch.compact,
		Records:      len(batch.rows),
		CommittedAt:  t.now().UTC(),
	}
	err = tx.QueryRowContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (table_id, parent_id, cycle_id, checkpoint, delta_commits, compaction, record_count, committed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, quoteIdentifier(t.names.commits)),
		commit.TableID, req.ParentID, commit.CycleID, checkpointJSON, commit.DeltaCommits, commit.Compaction, commit.Records, commit.CommittedAt,
	).Scan(&commit.ID)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation {
			return nil, fmt.Errorf("%w: commit %d already has a child", ingest.ErrConcurrentCommit, req.ParentID)
		}
		return nil, fmt.Errorf("failed to insert commit: %w", err)
	}

	target := t.names.records
	if batch.mode == ingest.MergeOnRead {
		target = t.names.deltas
	}
	if err := copyRows(ctx, tx, target, req.TableID, commit.ID, batch.rows); err != nil {
		return nil, err
	}

	if batch.compact {
		if err := t.compact(ctx, tx, req.TableID); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return &commit, nil
}

// copyRows bulk loads staged rows with COPY.
func copyRows(ctx context.Context, tx *sql.Tx, table, tableID string, commitID int64, rows []stagedRow) error {
	if len(rows) == 0 {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn(table,
		"table_id", "commit_id", "record_key", "payload", "source_partition", "source_offset", "source_timestamp"))
	if err != nil {
		return fmt.Errorf("failed to prepare copy: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		// COPY sends text, so the JSONB payload goes as a string
		_, err := stmt.ExecContext(ctx, tableID, commitID, row.key, string(row.payload), row.partition, row.offset, row.timestamp)
		if err != nil {
			return fmt.Errorf("failed to copy row: %w", err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		return fmt.Errorf("failed to flush copy: %w", err)
	}
	return nil
}

// compact merges the latest delta of every key into the base and drops the deltas.
func (t *Table) compact(ctx context.Context, tx *sql.Tx, tableID string) error {
	_, err := tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %[1]s (table_id, record_key, commit_id, payload, source_partition, source_offset, source_timestamp)
		SELECT DISTINCT ON (record_key) table_id, record_key, commit_id, payload, source_partition, source_offset, source_timestamp
		FROM %[2]s
		WHERE table_id = $1
		ORDER BY record_key, id DESC
		ON CONFLICT (table_id, record_key) DO UPDATE SET
			commit_id = EXCLUDED.commit_id,
			payload = EXCLUDED.payload,
			source_partition = EXCLUDED.source_partition,
			source_offset = EXCLUDED.source_offset,
			source_timestamp = EXCLUDED.source_timestamp
	`, quoteIdentifier(t.names.base), quoteIdentifier(t.names.deltas)), tableID)
	if err != nil {
		return fmt.Errorf("failed to merge deltas: %w", err)
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE table_id = $1", quoteIdentifier(t.names.deltas)), tableID); err != nil {
		return fmt.Errorf("failed to delete deltas: %w", err)
	}
	return nil
}

// Read returns the committed view of the table. For merge-on-read tables this is the base
// overlaid by the latest delta of every key, ordered by key.
func (t *Table) Read(ctx context.Context, tableID string, mode ingest.TableMode) ([]ingest.TypedRecord, error) {
	var query string
	switch mode {
	case ingest.AppendOnly:
		query = fmt.Sprintf(`
			SELECT record_key, payload, source_partition, source_offset, source_timestamp
			FROM %s
			WHERE table_id = $1
			ORDER BY id ASC
		`, quoteIdentifier(t.names.records))
	case ingest.MergeOnRead:
		query = fmt.Sprintf(`
			SELECT record_key, payload, source_partition, source_offset, source_timestamp
			FROM (
				SELECT DISTINCT ON (record_key) record_key, payload, source_partition, source_offset, source_timestamp
				FROM (
					SELECT record_key, payload, source_partition, source_offset, source_timestamp, 1 AS layer, id
					FROM %[1]s WHERE table_id = $1
					UNION ALL
					SELECT record_key, payload, source_partition, source_offset, source_timestamp, 0 AS layer, 0 AS id
					FROM %[2]s WHERE table_id = $1
				) layered
				ORDER BY record_key, layer DESC, id DESC
			) merged
			ORDER BY record_key
		`, quoteIdentifier(t.names.deltas), quoteIdentifier(t.names.base))
	default:
		return nil, fmt.Errorf("unknown table mode %q", mode)
	}

	rows, err := t.db.QueryContext(ctx, query, tableID)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var records []ingest.TypedRecord
	for rows.Next() {
		var rec ingest.TypedRecord
		var payload []byte
		var partition sql.NullInt32
		var offset sql.NullInt64
		var timestamp sql.NullTime

		if err := rows.Scan(&rec.Key, &payload, &partition, &offset, &timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}

		dec := json.NewDecoder(bytes.NewReader(payload))
		dec.UseNumber()
		if err := dec.Decode(&rec.Fields); err != nil {
			return nil, fmt.Errorf("failed to unmarshal record %q: %w", rec.Key, err)
		}
		if partition.Valid {
			rec.Source = &ingest.SourceMetadata{
				Position:  ingest.PartitionPosition{Partition: partition.Int32, Offset: offset.Int64},
				Timestamp: timestamp.Time,
			}
		}
		records = append(records, rec)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return records, nil
}
