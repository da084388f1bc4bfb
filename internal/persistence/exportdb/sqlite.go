package exportdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"gridwright.io/internal/export"
)

// SQLiteIndex is the export audit index: one row per finished export
// request. Writes go through a single writer goroutine so pipelines never
// block on the database.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan export.AuditRecord
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool
}

func Open(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan export.AuditRecord, 1024),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL is much faster for append-style workloads.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS exports (
			request_id TEXT PRIMARY KEY,
			requester TEXT NOT NULL,
			grid_ref TEXT NOT NULL,
			name TEXT NOT NULL,
			succeeded INTEGER NOT NULL,
			failed_phase TEXT,
			reason TEXT,
			payload_bytes INTEGER NOT NULL,
			flush_deleted INTEGER NOT NULL,
			floating_deleted INTEGER NOT NULL,
			denied_deleted INTEGER NOT NULL,
			sanitize_failures INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			recorded_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_exports_requester ON exports(requester, recorded_at);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// RecordExport queues the record. It never blocks; if the buffer is full
// the record is dropped (the ops log still has the detail).
func (s *SQLiteIndex) RecordExport(rec export.AuditRecord) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- rec:
	default:
	}
}

func (s *SQLiteIndex) loop() {
	for rec := range s.ch {
		s.insert(rec)
	}
}

func (s *SQLiteIndex) insert(rec export.AuditRecord) {
	succeeded := 0
	if rec.Succeeded {
		succeeded = 1
	}
	_, _ = s.db.Exec(`INSERT OR REPLACE INTO exports
		(request_id, requester, grid_ref, name, succeeded, failed_phase, reason,
		 payload_bytes, flush_deleted, floating_deleted, denied_deleted,
		 sanitize_failures, duration_ms, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID, rec.Requester, rec.GridRef, rec.Name, succeeded,
		rec.FailedPhase, rec.Reason, rec.PayloadBytes, rec.FlushDeleted,
		rec.FloatingDeleted, rec.DeniedDeleted, rec.SanitizeFailures,
		rec.DurationMs, time.Now().UTC().Format(time.RFC3339Nano))
}

// RecentExports returns up to limit records, newest first. Admin/read-model
// surface; not on the pipeline's path.
func (s *SQLiteIndex) RecentExports(ctx context.Context, limit int) ([]export.AuditRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT request_id, requester, grid_ref, name,
		succeeded, failed_phase, reason, payload_bytes, flush_deleted,
		floating_deleted, denied_deleted, sanitize_failures, duration_ms
		FROM exports ORDER BY recorded_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []export.AuditRecord
	for rows.Next() {
		var rec export.AuditRecord
		var succeeded int
		var failedPhase, reason sql.NullString
		if err := rows.Scan(&rec.RequestID, &rec.Requester, &rec.GridRef, &rec.Name,
			&succeeded, &failedPhase, &reason, &rec.PayloadBytes, &rec.FlushDeleted,
			&rec.FloatingDeleted, &rec.DeniedDeleted, &rec.SanitizeFailures,
			&rec.DurationMs); err != nil {
			return nil, err
		}
		rec.Succeeded = succeeded == 1
		rec.FailedPhase = failedPhase.String
		rec.Reason = reason.String
		out = append(out, rec)
	}
	return out, rows.Err()
}
