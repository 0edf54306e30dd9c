package postgres

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	ingest "github.com/shogotsuneto/go-simple-ingest"
)

func TestQuoteIdentifier(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "simple table name",
			input:    "ingest_commits",
			expected: `"ingest_commits"`,
		},
		{
			name:     "table name with spaces",
			input:    "my commits",
			expected: `"my commits"`,
		},
		{
			name:     "table name with double quotes",
			input:    `table"name`,
			expected: `"table""name"`,
		},
		{
			name:     "empty string",
			input:    "",
			expected: `""`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := quoteIdentifier(tt.input)
			if result != tt.expected {
				t.Errorf("quoteIdentifier(%q) = %q, expected %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestInitSchema_EmptyPrefix(t *testing.T) {
	err := InitSchema(nil, "")
	if err == nil {
		t.Fatal("InitSchema should return error for empty prefix")
	}

	expectedError := "table prefix must not be empty"
	if err.Error() != expectedError {
		t.Errorf("Expected error %q, got %q", expectedError, err.Error())
	}
}

func TestNewTable_EmptyPrefix(t *testing.T) {
	table, err := NewTable(nil, "")
	if err == nil {
		t.Error("NewTable should return error for empty prefix")
	}
	if table != nil {
		t.Error("NewTable should return nil table for empty prefix")
	}
}

func TestSchemaSQL(t *testing.T) {
	names, err := newTableNames("orders")
	if err != nil {
		t.Fatalf("newTableNames failed: %v", err)
	}
	query := schemaSQL(names)

	for _, want := range []string{
		`CREATE TABLE IF NOT EXISTS "orders_commits"`,
		`CREATE UNIQUE INDEX IF NOT EXISTS "idx_orders_commits_parent" ON "orders_commits"(table_id, parent_id)`,
		`CREATE TABLE IF NOT EXISTS "orders_records"`,
		`CREATE TABLE IF NOT EXISTS "orders_deltas"`,
		`CREATE TABLE IF NOT EXISTS "orders_base"`,
		`PRIMARY KEY (table_id, record_key)`,
	} {
		if !strings.Contains(query, want) {
			t.Errorf("Expected schema to contain %q", want)
		}
	}
	if strings.Contains(query, "%!") {
		t.Errorf("Schema contains formatting errors:\n%s", query)
	}
}

func TestApplyBatch_Stages(t *testing.T) {
	table, err := NewTable(nil, DefaultPrefix)
	if err != nil {
		t.Fatalf("NewTable failed: %v", err)
	}

	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	outcome, err := table.ApplyBatch(context.Background(), ingest.WriteRequest{
		TableID: "orders",
		Mode:    ingest.MergeOnRead,
		Compact: true,
		Records: []ingest.TypedRecord{
			{Key: "a", Fields: map[string]any{"id": json.Number("1")}},
			{Key: "b", Fields: map[string]any{"id": 2}, Source: &ingest.SourceMetadata{
				Position:  ingest.PartitionPosition{Partition: 3, Offset: 17},
				Timestamp: ts,
			}},
		},
	})
	if err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}
	if outcome.Written != 2 || !outcome.Compacted {
		t.Errorf("Unexpected outcome %+v", outcome)
	}

	batch, ok := outcome.Data.(*stagedBatch)
	if !ok {
		t.Fatalf("Expected *stagedBatch, got %T", outcome.Data)
	}
	if string(batch.rows[0].payload) != `{"id":1}` {
		t.Errorf("Unexpected payload %s", batch.rows[0].payload)
	}
	if batch.rows[0].partition.Valid {
		t.Error("Expected no source columns without metadata")
	}
	row := batch.rows[1]
	if !row.partition.Valid || row.partition.Int32 != 3 || row.offset.Int64 != 17 || !row.timestamp.Time.Equal(ts) {
		t.Errorf("Unexpected source columns %+v", row)
	}
}

func TestApplyBatch_StripsNUL(t *testing.T) {
	table, err := NewTable(nil, DefaultPrefix)
	if err != nil {
		t.Fatalf("NewTable failed: %v", err)
	}

	outcome, err := table.ApplyBatch(context.Background(), ingest.WriteRequest{
		TableID: "orders",
		Mode:    ingest.MergeOnRead,
		Records: []ingest.TypedRecord{{
			Key: "k\x001",
			Fields: map[string]any{
				"note":   "a\x00b",
				"nested": map[string]any{"k\x00": "v"},
				"tags":   []any{"x\x00", json.Number("2")},
			},
		}},
	})
	if err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}

	row := outcome.Data.(*stagedBatch).rows[0]
	if row.key != "k1" {
		t.Errorf("Expected key k1, got %q", row.key)
	}
	want := `{"nested":{"k":"v"},"note":"ab","tags":["x",2]}`
	if string(row.payload) != want {
		t.Errorf("Expected payload %s, got %s", want, row.payload)
	}
}

func TestApplyBatch_AppendOnlyNeverCompacts(t *testing.T) {
	table, _ := NewTable(nil, DefaultPrefix)
	outcome, err := table.ApplyBatch(context.Background(), ingest.WriteRequest{
		TableID: "orders",
		Mode:    ingest.AppendOnly,
		Compact: true,
	})
	if err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}
	if outcome.Compacted {
		t.Error("Expected append-only batch not to compact")
	}
}

func TestApplyBatch_Invalid(t *testing.T) {
	table, _ := NewTable(nil, DefaultPrefix)
	ctx := context.Background()

	tests := []struct {
		name string
		req  ingest.WriteRequest
	}{
		{name: "empty table id", req: ingest.WriteRequest{Mode: ingest.AppendOnly}},
		{name: "unknown mode", req: ingest.WriteRequest{TableID: "orders", Mode: "copy-on-write"}},
		{name: "missing key", req: ingest.WriteRequest{TableID: "orders", Mode: ingest.MergeOnRead, Records: []ingest.TypedRecord{{Fields: map[string]any{}}}}},
		{name: "unencodable field", req: ingest.WriteRequest{TableID: "orders", Mode: ingest.AppendOnly, Records: []ingest.TypedRecord{{Fields: map[string]any{"ch": make(chan int)}}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := table.ApplyBatch(ctx, tt.req); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestCommit_RejectsForeignBatch(t *testing.T) {
	table, _ := NewTable(nil, DefaultPrefix)
	ctx := context.Background()

	if _, err := table.Commit(ctx, ingest.CommitRequest{TableID: "orders", Outcome: ingest.WriteOutcome{Data: "nope"}}); err == nil {
		t.Error("Expected error for batch not staged by this table")
	}

	outcome, err := table.ApplyBatch(ctx, ingest.WriteRequest{TableID: "users", Mode: ingest.AppendOnly})
	if err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}
	if _, err := table.Commit(ctx, ingest.CommitRequest{TableID: "orders", Outcome: outcome}); err == nil {
		t.Error("Expected error for batch staged for another table")
	}
}
