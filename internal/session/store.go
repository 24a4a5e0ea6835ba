// Package session keeps per-conversation reset epochs and a log of finished
// streams in SQLite. The upstream gateway owns conversation history; the
// bridge only decides which session id to send it.
package session

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"wecombridge/internal/stream"

	_ "modernc.org/sqlite"
)

// Store implements stream.Journal and the reset-epoch bookkeeping.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

var _ stream.Journal = (*Store)(nil)

// Open creates the database file and directory if needed and migrates it.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	// Single connection for SQLite.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, logger: logger.With("component", "session"), now: time.Now}
	if err := RunMigrations(db, s.logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return s, nil
}

// BaseID names the conversation a message belongs to: the group chat for
// group messages, otherwise the sender.
func BaseID(isGroup bool, chatID, userID string) string {
	if isGroup {
		return "wecom_group_" + chatID
	}
	return "wecom_bot_" + userID
}

// EffectiveID is the session id sent upstream for a base id at an epoch.
func EffectiveID(base string, epoch int) string {
	if epoch <= 0 {
		return base
	}
	return base + "_" + strconv.Itoa(epoch)
}

// Epoch returns the current reset epoch for base, 0 if it was never reset.
func (s *Store) Epoch(ctx context.Context, base string) (int, error) {
	var epoch int
	err := s.db.QueryRowContext(ctx, `SELECT epoch FROM sessions WHERE base_id = ?`, base).Scan(&epoch)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query epoch: %w", err)
	}
	return epoch, nil
}

// SessionID resolves the effective session id for base.
func (s *Store) SessionID(ctx context.Context, base string) (string, error) {
	epoch, err := s.Epoch(ctx, base)
	if err != nil {
		return "", err
	}
	return EffectiveID(base, epoch), nil
}

// Reset starts a new conversation for base and returns the new epoch.
func (s *Store) Reset(ctx context.Context, base string) (int, error) {
	var epoch int
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO sessions (base_id, epoch, reset_at) VALUES (?, 1, ?)
		 ON CONFLICT(base_id) DO UPDATE SET epoch = epoch + 1, reset_at = excluded.reset_at
		 RETURNING epoch`,
		base, s.now().UnixMilli(),
	).Scan(&epoch)
	if err != nil {
		return 0, fmt.Errorf("reset session: %w", err)
	}
	s.logger.Info("session reset", "session", base, "epoch", epoch)
	return epoch, nil
}

// RecordOutcome appends a finished stream to stream_log.
func (s *Store) RecordOutcome(ctx context.Context, o stream.Outcome) error {
	finished := o.FinishedAt
	if finished.IsZero() {
		finished = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stream_log (stream_id, session_id, status, content_len, duration_ms, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		o.StreamID, o.SessionID, string(o.Status), o.ContentLen, o.Duration.Milliseconds(), finished.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	return nil
}

// RecentStreams returns the last limit outcomes, newest first.
func (s *Store) RecentStreams(ctx context.Context, limit int) ([]stream.Outcome, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT stream_id, session_id, status, content_len, duration_ms, finished_at
		 FROM stream_log ORDER BY finished_at DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []stream.Outcome
	for rows.Next() {
		var (
			o          stream.Outcome
			status     string
			durationMS int64
			finishedMS int64
		)
		if err := rows.Scan(&o.StreamID, &o.SessionID, &status, &o.ContentLen, &durationMS, &finishedMS); err != nil {
			return nil, err
		}
		o.Status = stream.Status(status)
		o.Duration = time.Duration(durationMS) * time.Millisecond
		o.FinishedAt = time.UnixMilli(finishedMS)
		out = append(out, o)
	}
	return out, rows.Err()
}

// StatusCounts tallies stream_log entries by status since the given time.
func (s *Store) StatusCounts(ctx context.Context, since time.Time) (map[stream.Status]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM stream_log WHERE finished_at >= ? GROUP BY status`,
		since.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[stream.Status]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[stream.Status(status)] = n
	}
	return counts, rows.Err()
}

// Snapshot writes a consistent copy of the database to dest, which must not
// exist. It is safe while the store is serving.
func (s *Store) Snapshot(ctx context.Context, dest string) error {
	if _, err := os.Stat(dest); err == nil {
		return fmt.Errorf("snapshot target %s already exists", dest)
	}
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", dest); err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	return nil
}

// Ping checks the database is usable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}
