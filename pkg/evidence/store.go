package evidence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS evidence (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id      TEXT NOT NULL,
	seq         INTEGER NOT NULL,
	schema      TEXT NOT NULL,
	payload     TEXT NOT NULL,
	created_at  TEXT NOT NULL,
	UNIQUE (run_id, seq, schema)
);

CREATE INDEX IF NOT EXISTS idx_evidence_run_seq ON evidence (run_id, seq);
`

// Record is one ledger row. Payload holds the JSONL record verbatim.
type Record struct {
	RunID     string
	Seq       uint64
	Schema    string
	Payload   string
	CreatedAt time.Time
}

// Store is an append-only SQLite ledger of evidence records, keyed by run.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the ledger at dbPath and runs migrations.
func OpenStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec(ledgerSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append writes records in a single transaction. CreatedAt defaults to now.
func (s *Store) Append(ctx context.Context, records ...Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO evidence (run_id, seq, schema, payload, created_at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, r := range records {
		at := r.CreatedAt
		if at.IsZero() {
			at = now
		}
		if _, err := stmt.ExecContext(ctx, r.RunID, int64(r.Seq), r.Schema, r.Payload, at.Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("insert %s seq %d: %w", r.Schema, r.Seq, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Records returns every record of runID in sequence order. An empty schema
// matches all schemas.
func (s *Store) Records(ctx context.Context, runID, schema string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, seq, schema, payload, created_at FROM evidence
		 WHERE run_id = ? AND (? = '' OR schema = ?)
		 ORDER BY seq, id`, runID, schema, schema)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r       Record
			seq     int64
			created string
		)
		if err := rows.Scan(&r.RunID, &seq, &r.Schema, &r.Payload, &created); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		r.Seq = uint64(seq)
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Count returns the number of records of runID with the given schema.
func (s *Store) Count(ctx context.Context, runID, schema string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM evidence WHERE run_id = ? AND schema = ?`, runID, schema).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

// Runs lists run IDs in the order they first appeared.
func (s *Store) Runs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id FROM evidence GROUP BY run_id ORDER BY MIN(id)`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
