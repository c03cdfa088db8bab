// Package store implements the bounded, durable, append-only event log of
// spec.md §4.1: a single-file SQLite database with FIFO eviction once the
// row count exceeds a configured cap.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"vnidsd/internal/logging"
	"vnidsd/internal/model"
	"vnidsd/internal/vnidserr"
)

// evictBatch is the insert count between cap checks, and the number of
// rows an eviction pass removes beyond the cap (count - cap + evictBatch
// rows in all), matching spec.md §4.1.
const evictBatch = 1000

// Row is the persisted projection of an Event plus its assigned ordinal and
// insertion wall-clock.
type Row struct {
	Ordinal   int64
	Event     model.Event
	InsertedAt time.Time
}

// ArchiveFunc is called with the rows an eviction pass is about to delete,
// before the delete executes. It is the hook internal/archive attaches to
// for the optional zstd-compressed eviction archive.
type ArchiveFunc func(rows []Row) error

// Store is a durable, append-only event log with size-bounded FIFO
// eviction and a newest-first recency query.
type Store struct {
	logger *logging.Logger
	db     *sql.DB

	mu  sync.Mutex
	cap int64

	insertStmt       *sql.Stmt
	selectRecentStmt *sql.Stmt
	selectByOrdStmt  *sql.Stmt
	countStmt        *sql.Stmt
	deleteOldestStmt *sql.Stmt

	insertsSinceCheck int64
	inserted          int64
	deleted           int64
	insertErrors      int64

	onEvict ArchiveFunc
}

// Open creates the schema on first use, enables WAL mode and relaxed
// durability, and caches the five prepared statements spec.md names.
func Open(logger *logging.Logger, path string, cap int64) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, vnidserr.Wrap(vnidserr.KindIO, "create database directory", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, vnidserr.Wrap(vnidserr.KindIO, "open database", err)
	}

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, vnidserr.Wrap(vnidserr.KindIO, "set journal_mode", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, vnidserr.Wrap(vnidserr.KindIO, "set synchronous", err)
	}

	s := &Store{logger: logger, db: db, cap: cap}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.prepare(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS events (
  ordinal      INTEGER PRIMARY KEY AUTOINCREMENT,
  event_id     TEXT NOT NULL,
  ts_seconds   INTEGER NOT NULL,
  ts_micros    INTEGER NOT NULL,
  kind         INTEGER NOT NULL,
  severity     INTEGER NOT NULL,
  protocol     INTEGER NOT NULL,
  src_addr     TEXT NOT NULL,
  src_port     INTEGER NOT NULL,
  dst_addr     TEXT NOT NULL,
  dst_port     INTEGER NOT NULL,
  signature_id INTEGER NOT NULL,
  group_id     INTEGER NOT NULL,
  message      TEXT NOT NULL,
  metadata     TEXT,
  inserted_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts_seconds DESC, ts_micros DESC);
CREATE INDEX IF NOT EXISTS idx_events_severity ON events(severity);
CREATE INDEX IF NOT EXISTS idx_events_sig ON events(signature_id);
`)
	return err
}

func (s *Store) prepare() error {
	var err error
	if s.insertStmt, err = s.db.Prepare(`
		INSERT INTO events (event_id, ts_seconds, ts_micros, kind, severity, protocol,
			src_addr, src_port, dst_addr, dst_port, signature_id, group_id, message, metadata, inserted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`); err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	if s.selectRecentStmt, err = s.db.Prepare(`
		SELECT ordinal, event_id, ts_seconds, ts_micros, kind, severity, protocol,
			src_addr, src_port, dst_addr, dst_port, signature_id, group_id, message, metadata, inserted_at
		FROM events ORDER BY ts_seconds DESC, ts_micros DESC, ordinal DESC LIMIT ?
	`); err != nil {
		return fmt.Errorf("prepare select-recent: %w", err)
	}
	if s.selectByOrdStmt, err = s.db.Prepare(`
		SELECT ordinal, event_id, ts_seconds, ts_micros, kind, severity, protocol,
			src_addr, src_port, dst_addr, dst_port, signature_id, group_id, message, metadata, inserted_at
		FROM events WHERE ordinal = ?
	`); err != nil {
		return fmt.Errorf("prepare select-by-ordinal: %w", err)
	}
	if s.countStmt, err = s.db.Prepare(`SELECT COUNT(*) FROM events`); err != nil {
		return fmt.Errorf("prepare count: %w", err)
	}
	if s.deleteOldestStmt, err = s.db.Prepare(`
		DELETE FROM events WHERE ordinal IN (SELECT ordinal FROM events ORDER BY ordinal ASC LIMIT ?)
	`); err != nil {
		return fmt.Errorf("prepare delete-oldest: %w", err)
	}
	return nil
}

// SetArchiveFunc registers the hook called with rows about to be evicted.
func (s *Store) SetArchiveFunc(fn ArchiveFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEvict = fn
}

// Insert binds an event's fields and executes the cached insert statement.
// Every evictBatch inserts it checks whether the cap has been exceeded and,
// if so, evicts the oldest rows in a batch.
func (s *Store) Insert(e model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	metaJSON, err := marshalMetadata(e.Metadata)
	if err != nil {
		s.insertErrors++
		return vnidserr.Wrap(vnidserr.KindIO, "marshal metadata", err)
	}

	_, err = s.insertStmt.Exec(
		e.ID, e.Seconds, e.Microseconds, int(e.Kind), int(e.Severity), int(e.Protocol),
		e.Source.Address, e.Source.Port, e.Destination.Address, e.Destination.Port,
		e.Rule.SignatureID, e.Rule.GroupID, e.Message, metaJSON, time.Now().Unix(),
	)
	if err != nil {
		s.insertErrors++
		return vnidserr.Wrap(vnidserr.KindIO, "insert event", err)
	}
	s.inserted++

	s.insertsSinceCheck++
	if s.insertsSinceCheck >= evictBatch {
		s.insertsSinceCheck = 0
		if err := s.evictIfOverCapLocked(); err != nil {
			s.logger.Error("eviction failed", "error", err)
		}
	}
	return nil
}

func (s *Store) evictIfOverCapLocked() error {
	count, err := s.countLocked()
	if err != nil {
		return fmt.Errorf("count rows: %w", err)
	}
	if count <= s.cap {
		return nil
	}

	toDelete := count - s.cap + evictBatch
	if s.onEvict != nil {
		rows, err := s.queryOldestLocked(toDelete)
		if err != nil {
			s.logger.Error("read rows for archive failed", "error", err)
		} else if err := s.onEvict(rows); err != nil {
			s.logger.Error("archive evicted rows failed", "error", err)
		}
	}

	res, err := s.deleteOldestStmt.Exec(toDelete)
	if err != nil {
		return fmt.Errorf("delete oldest %d rows: %w", toDelete, err)
	}
	n, _ := res.RowsAffected()
	s.deleted += n
	return nil
}

func (s *Store) queryOldestLocked(n int64) ([]Row, error) {
	rows, err := s.db.Query(`
		SELECT ordinal, event_id, ts_seconds, ts_micros, kind, severity, protocol,
			src_addr, src_port, dst_addr, dst_port, signature_id, group_id, message, metadata, inserted_at
		FROM events ORDER BY ordinal ASC LIMIT ?
	`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRows(rows)
}

// QueryRecent returns the most recent rows, ordered by (timestamp desc,
// ordinal desc), at most min(max, count) of them (spec.md P4).
func (s *Store) QueryRecent(max int) ([]Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.selectRecentStmt.Query(max)
	if err != nil {
		return nil, fmt.Errorf("query recent: %w", err)
	}
	defer rows.Close()
	return scanRows(rows)
}

// QueryByOrdinal returns the row with the given ordinal, if present.
func (s *Store) QueryByOrdinal(ordinal int64) (Row, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.selectByOrdStmt.Query(ordinal)
	if err != nil {
		return Row{}, false, fmt.Errorf("query by ordinal: %w", err)
	}
	defer rows.Close()

	out, err := scanRows(rows)
	if err != nil {
		return Row{}, false, err
	}
	if len(out) == 0 {
		return Row{}, false, nil
	}
	return out[0], true, nil
}

// Count returns the current row count.
func (s *Store) Count() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countLocked()
}

func (s *Store) countLocked() (int64, error) {
	var n int64
	if err := s.countStmt.QueryRow().Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// SetCap updates the row cap; it takes effect on the next insert-triggered
// check rather than evicting immediately.
func (s *Store) SetCap(cap int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cap = cap
}

// Stats returns the lifetime inserted, deleted, and insert-error counters.
func (s *Store) Stats() (inserted, deleted, insertErrors int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inserted, s.deleted, s.insertErrors
}

// Close closes the prepared statements and the underlying connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, stmt := range []*sql.Stmt{s.insertStmt, s.selectRecentStmt, s.selectByOrdStmt, s.countStmt, s.deleteOldestStmt} {
		if stmt != nil {
			_ = stmt.Close()
		}
	}
	return s.db.Close()
}

func scanRows(rows *sql.Rows) ([]Row, error) {
	var out []Row
	for rows.Next() {
		var r Row
		var metaJSON sql.NullString
		var insertedAt int64
		var kind, severity, protocol int

		if err := rows.Scan(
			&r.Ordinal, &r.Event.ID, &r.Event.Seconds, &r.Event.Microseconds,
			&kind, &severity, &protocol,
			&r.Event.Source.Address, &r.Event.Source.Port,
			&r.Event.Destination.Address, &r.Event.Destination.Port,
			&r.Event.Rule.SignatureID, &r.Event.Rule.GroupID, &r.Event.Message,
			&metaJSON, &insertedAt,
		); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		r.Event.Kind = model.Kind(kind)
		r.Event.Severity = model.Severity(severity)
		r.Event.Protocol = model.Protocol(protocol)
		r.InsertedAt = time.Unix(insertedAt, 0).UTC()

		if metaJSON.Valid && metaJSON.String != "" {
			var md model.Metadata
			if err := json.Unmarshal([]byte(metaJSON.String), &md); err == nil {
				r.Event.Metadata = &md
			}
		}

		out = append(out, r)
	}
	return out, rows.Err()
}

func marshalMetadata(m *model.Metadata) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
