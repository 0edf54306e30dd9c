package postgres

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// DefaultPrefix is the table prefix used when none is configured.
const DefaultPrefix = "ingest"

var errEmptyPrefix = errors.New("table prefix must not be empty")

// tableNames holds the physical table names derived from a prefix.
type tableNames struct {
	commits string
	records string
	deltas  string
	base    string
}

func newTableNames(prefix string) (tableNames, error) {
	if prefix == "" {
		return tableNames{}, errEmptyPrefix
	}
	return tableNames{
		commits: prefix + "_commits",
		records: prefix + "_records",
		deltas:  prefix + "_deltas",
		base:    prefix + "_base",
	}, nil
}

// quoteIdentifier quotes a PostgreSQL identifier to prevent SQL injection.
// It wraps the identifier in double quotes and escapes any existing double quotes.
func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// schemaSQL returns the statements that create the tables for a prefix.
func schemaSQL(names tableNames) string {
	rowColumns := `
		id BIGSERIAL PRIMARY KEY,
		table_id VARCHAR(255) NOT NULL,
		commit_id BIGINT NOT NULL,
		record_key TEXT NOT NULL,
		payload JSONB NOT NULL,
		source_partition INTEGER,
		source_offset BIGINT,
		source_timestamp TIMESTAMP WITH TIME ZONE`

	return fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s (
		id BIGSERIAL PRIMARY KEY,
		table_id VARCHAR(255) NOT NULL,
		parent_id BIGINT NOT NULL,
		cycle_id VARCHAR(255) NOT NULL,
		checkpoint JSONB NOT NULL,
		delta_commits INTEGER NOT NULL CHECK (delta_commits >= 0),
		compaction BOOLEAN NOT NULL,
		record_count INTEGER NOT NULL,
		committed_at TIMESTAMP WITH TIME ZONE NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS %[2]s ON %[1]s(table_id, parent_id);

	CREATE TABLE IF NOT EXISTS %[3]s (%[8]s
	);
	CREATE INDEX IF NOT EXISTS %[4]s ON %[3]s(table_id, commit_id);

	CREATE TABLE IF NOT EXISTS %[5]s (%[8]s
	);
	CREATE INDEX IF NOT EXISTS %[6]s ON %[5]s(table_id, record_key);

	CREATE TABLE IF NOT EXISTS %[7]s (
		table_id VARCHAR(255) NOT NULL,
		record_key TEXT NOT NULL,
		commit_id BIGINT NOT NULL,
		payload JSONB NOT NULL,
		source_partition INTEGER,
		source_offset BIGINT,
		source_timestamp TIMESTAMP WITH TIME ZONE,
		PRIMARY KEY (table_id, record_key)
	);
	`,
		quoteIdentifier(names.commits),
		quoteIdentifier("idx_"+names.commits+"_parent"),
		quoteIdentifier(names.records),
		quoteIdentifier("idx_"+names.records+"_commit"),
		quoteIdentifier(names.deltas),
		quoteIdentifier("idx_"+names.deltas+"_key"),
		quoteIdentifier(names.base),
		rowColumns,
	)
}

// InitSchema creates the commit, record, delta and base tables for the prefix if they don't exist.
func InitSchema(db *sql.DB, prefix string) error {
	names, err := newTableNames(prefix)
	if err != nil {
		return err
	}
	_, err = db.Exec(schemaSQL(names))
	return err
}
