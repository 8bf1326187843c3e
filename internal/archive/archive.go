// Package archive mirrors closed segments into SQLite for offline
// inspection and analytics. The archive is derived data: the journal
// remains the sole source of truth, and the archive can be rebuilt from it
// at any time.
package archive

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/danielpatrickdp/chronicle/internal/record"
	"github.com/danielpatrickdp/chronicle/internal/segment"
	"github.com/danielpatrickdp/chronicle/internal/state"
	_ "modernc.org/sqlite"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS segments (
	segment_id     TEXT PRIMARY KEY,
	created_at     TEXT NOT NULL,
	closed_at      TEXT NOT NULL,
	aggregate_hash TEXT NOT NULL,
	summary        TEXT,
	record_count   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS records (
	id              TEXT PRIMARY KEY,
	segment_id      TEXT NOT NULL,
	position        INTEGER NOT NULL,
	created_at      TEXT NOT NULL,
	input_digest    TEXT NOT NULL,
	tension         REAL NOT NULL,
	drift           REAL NOT NULL,
	risk            REAL NOT NULL,
	composite       REAL NOT NULL,
	decision_kind   TEXT NOT NULL,
	decision_reason TEXT,
	decision_target TEXT,
	prev_hash       TEXT NOT NULL,
	hash            TEXT NOT NULL,
	FOREIGN KEY (segment_id) REFERENCES segments(segment_id)
);
CREATE INDEX IF NOT EXISTS idx_records_segment ON records(segment_id, position);
CREATE INDEX IF NOT EXISTS idx_records_decision ON records(decision_kind);
`

// #endregion schema

// #region store

// Store manages the archive database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the archive database and runs migrations.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open archive db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate archive: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// #endregion store

// #region mirror

// StoreSegment mirrors one closed segment and all its records in a single
// transaction. Re-archiving the same segment replaces its rows, so the
// call is safe to retry.
func (s *Store) StoreSegment(seg *segment.Segment) error {
	if seg.Status != segment.StatusClosed {
		return fmt.Errorf("archive segment %s: segment still open", seg.ID)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM records WHERE segment_id = ?`, seg.ID); err != nil {
		return fmt.Errorf("clear records: %w", err)
	}
	_, err = tx.Exec(
		`INSERT OR REPLACE INTO segments (segment_id, created_at, closed_at, aggregate_hash, summary, record_count)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		seg.ID,
		seg.CreatedAt.Format(time.RFC3339Nano),
		seg.ClosedAt.Format(time.RFC3339Nano),
		seg.AggregateHash,
		nullIfEmpty(seg.Summary),
		seg.Len(),
	)
	if err != nil {
		return fmt.Errorf("insert segment: %w", err)
	}

	for i, r := range seg.Records() {
		_, err := tx.Exec(
			`INSERT INTO records (id, segment_id, position, created_at, input_digest,
			                      tension, drift, risk, composite,
			                      decision_kind, decision_reason, decision_target,
			                      prev_hash, hash)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, seg.ID, i, r.CreatedAt.Format(time.RFC3339Nano), r.InputDigest,
			r.State.Tension, r.State.Drift, r.State.Risk, r.State.Composite(),
			string(r.Decision.Kind), nullIfEmpty(r.Decision.Reason), nullIfEmpty(r.Decision.TargetHash),
			r.PrevHash, r.Hash,
		)
		if err != nil {
			return fmt.Errorf("insert record %s: %w", r.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// #endregion mirror

// #region queries

// SegmentRow is one archived segment header.
type SegmentRow struct {
	ID            string
	CreatedAt     time.Time
	ClosedAt      time.Time
	AggregateHash string
	Summary       string
	RecordCount   int
}

// Segments lists archived segments in creation order.
func (s *Store) Segments() ([]SegmentRow, error) {
	rows, err := s.db.Query(
		`SELECT segment_id, created_at, closed_at, aggregate_hash, COALESCE(summary, ''), record_count
		 FROM segments ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("query segments: %w", err)
	}
	defer rows.Close()

	var out []SegmentRow
	for rows.Next() {
		var sr SegmentRow
		var created, closed string
		if err := rows.Scan(&sr.ID, &created, &closed, &sr.AggregateHash, &sr.Summary, &sr.RecordCount); err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		if sr.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		if sr.ClosedAt, err = time.Parse(time.RFC3339Nano, closed); err != nil {
			return nil, fmt.Errorf("parse closed_at: %w", err)
		}
		out = append(out, sr)
	}
	return out, rows.Err()
}

// RecordsBySegment returns a segment's archived records in chain order.
func (s *Store) RecordsBySegment(segmentID string) ([]record.Record, error) {
	return s.queryRecords(
		`SELECT id, created_at, input_digest, tension, drift, risk,
		        decision_kind, COALESCE(decision_reason, ''), COALESCE(decision_target, ''),
		        prev_hash, hash
		 FROM records WHERE segment_id = ? ORDER BY position ASC`, segmentID)
}

// RecordsByDecision returns all archived records carrying the given
// decision kind, oldest first.
func (s *Store) RecordsByDecision(kind record.DecisionKind) ([]record.Record, error) {
	return s.queryRecords(
		`SELECT id, created_at, input_digest, tension, drift, risk,
		        decision_kind, COALESCE(decision_reason, ''), COALESCE(decision_target, ''),
		        prev_hash, hash
		 FROM records WHERE decision_kind = ? ORDER BY created_at ASC, position ASC`, string(kind))
}

func (s *Store) queryRecords(q string, arg any) ([]record.Record, error) {
	rows, err := s.db.Query(q, arg)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []record.Record
	for rows.Next() {
		var r record.Record
		var created, kind string
		var tension, drift, risk float64
		err := rows.Scan(&r.ID, &created, &r.InputDigest, &tension, &drift, &risk,
			&kind, &r.Decision.Reason, &r.Decision.TargetHash, &r.PrevHash, &r.Hash)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if r.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, fmt.Errorf("parse record created_at: %w", err)
		}
		r.State = state.New(tension, drift, risk)
		r.Decision.Kind = record.DecisionKind(kind)
		out = append(out, r)
	}
	return out, rows.Err()
}

// #endregion queries

// #region helpers
func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// #endregion helpers
