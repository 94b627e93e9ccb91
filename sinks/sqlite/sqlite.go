// Package sqlite persists usage records to an embedded SQLite database.
// It implements usage.Sink with buffered, batched writes: records accumulate
// in memory and are flushed in a single transaction when the buffer fills,
// on a periodic tick, and on Close.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	_ "modernc.org/sqlite"

	"github.com/modelmux/modelmux/pkg/types"
	"github.com/modelmux/modelmux/pkg/usage"
)

const (
	defaultBufMax     = 64
	defaultFlushEvery = 2 * time.Second
)

// Sink writes usage records to SQLite. Rows carry indexed columns for
// aggregate queries plus the full record as JSON for faithful read-back.
type Sink struct {
	db     *sql.DB
	logger *slog.Logger

	mu     sync.Mutex
	buf    []usage.Record
	bufMax int

	flushEvery time.Duration
	stop       chan struct{}
	done       chan struct{}
	closeOnce  sync.Once
	closeErr   error
}

var _ usage.Sink = (*Sink)(nil)

// Open creates or opens a SQLite database at the given path (":memory:" for
// an in-process database) and prepares it for usage records.
func Open(path string, logger *slog.Logger) (*Sink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragmas: %w", err)
	}
	if strings.Contains(path, ":memory:") {
		// Each pooled connection would otherwise open its own empty database.
		db.SetMaxOpenConns(1)
	} else {
		// SQLite allows a single writer. Keep the pool small so readers do
		// not pile up behind the write lock.
		db.SetMaxOpenConns(4)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(time.Hour)
	}
	return New(db, logger)
}

// New wraps an existing SQLite handle. The sink takes ownership of the
// handle and closes it on Close.
func New(db *sql.DB, logger *slog.Logger) (*Sink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sink{
		db:         db,
		logger:     logger,
		bufMax:     defaultBufMax,
		flushEvery: defaultFlushEvery,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	go s.run()
	s.logger.Debug("usage sink ready")
	return s, nil
}

func (s *Sink) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS usage_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts INTEGER NOT NULL,
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT '',
			project_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'success',
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0,
			payload TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_ts ON usage_records(ts)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_provider ON usage_records(provider, model)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_project ON usage_records(project_id)`,
	}
	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("usage sink migrate: %w", err)
		}
	}
	return nil
}

func (s *Sink) run() {
	defer close(s.done)
	ticker := time.NewTicker(s.flushEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.Flush(); err != nil {
				s.logger.Warn("usage sink flush failed", "error", err)
			}
		case <-s.stop:
			return
		}
	}
}

// Write buffers a record. The record reaches disk at the next flush; when the
// buffer is full Write flushes synchronously and reports any failure.
func (s *Sink) Write(ctx context.Context, rec usage.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if rec.Tokens.Total == 0 {
		rec.Tokens.Total = rec.Tokens.Input + rec.Tokens.Output
	}

	s.mu.Lock()
	s.buf = append(s.buf, rec)
	if len(s.buf) >= s.bufMax {
		buf := s.buf
		s.buf = nil
		s.mu.Unlock()
		return s.flush(buf)
	}
	s.mu.Unlock()
	return nil
}

// Flush writes all buffered records to disk.
func (s *Sink) Flush() error {
	s.mu.Lock()
	buf := s.buf
	s.buf = nil
	s.mu.Unlock()
	if len(buf) == 0 {
		return nil
	}
	return s.flush(buf)
}

func (s *Sink) flush(records []usage.Record) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin usage flush: %w", err)
	}
	stmt, err := tx.Prepare(
		`INSERT INTO usage_records (ts, provider, model, role, project_id, status,
		 input_tokens, output_tokens, total_tokens, cost_usd, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare usage insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, rec := range records {
		payload, err := json.Marshal(rec)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("encode usage record: %w", err)
		}
		if _, err := stmt.Exec(
			rec.Timestamp.UnixMilli(), rec.Provider, rec.Model, rec.Role,
			rec.ProjectID, rec.Status,
			rec.Tokens.Input, rec.Tokens.Output, rec.Tokens.Total,
			rec.Cost, string(payload)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert usage record: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit usage flush: %w", err)
	}
	return nil
}

// Recent returns persisted records newest-first. limit defaults to 100.
func (s *Sink) Recent(ctx context.Context, limit, offset int) ([]usage.Record, error) {
	if err := s.Flush(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM usage_records ORDER BY ts DESC, id DESC LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var records []usage.Record
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var rec usage.Record
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			return nil, fmt.Errorf("decode usage record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// TotalsByProvider aggregates calls, tokens and cost per provider across all
// persisted records.
func (s *Sink) TotalsByProvider(ctx context.Context) (map[string]usage.Totals, error) {
	if err := s.Flush(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT provider, COUNT(*),
		 SUM(input_tokens), SUM(output_tokens), SUM(total_tokens), SUM(cost_usd)
		 FROM usage_records GROUP BY provider`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	totals := make(map[string]usage.Totals)
	for rows.Next() {
		var provider string
		var calls, in, out, total int64
		var cost float64
		if err := rows.Scan(&provider, &calls, &in, &out, &total, &cost); err != nil {
			return nil, err
		}
		totals[provider] = usage.Totals{
			Calls:  calls,
			Tokens: types.Usage{Input: int(in), Output: int(out), Total: int(total)},
			Cost:   cost,
		}
	}
	return totals, rows.Err()
}

// Prune deletes records older than the keep window and reports how many rows
// were removed.
func (s *Sink) Prune(ctx context.Context, keep time.Duration) (int64, error) {
	if err := s.Flush(); err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-keep).UnixMilli()
	result, err := s.db.ExecContext(ctx, `DELETE FROM usage_records WHERE ts < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Close stops the background writer, flushes remaining records and closes
// the database.
func (s *Sink) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		<-s.done
		s.closeErr = s.Flush()
		if err := s.db.Close(); err != nil && s.closeErr == nil {
			s.closeErr = err
		}
	})
	return s.closeErr
}
