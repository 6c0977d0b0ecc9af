// Package journal keeps a SQLite record of chat exchanges for diagnostics.
// Nothing in it is read back into the relay: a restart still starts with an
// empty correlation table.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Exchange is one finished chat request.
type Exchange struct {
	RequestID   string
	Topic       string
	Participant string
	Delivery    string
	Outcome     string
	Latency     time.Duration
	At          time.Time
}

// Stats summarizes exchanges since a point in time.
type Stats struct {
	ByOutcome        map[string]int
	AvgReplyLatency  time.Duration
	StaleReplies     int
	DeliveryFailures int
}

// Store is the SQLite-backed journal.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create journal directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open journal: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal migration failed: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the handle for diagnostics such as doctor.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) RecordExchange(ctx context.Context, e Exchange) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO exchanges (request_id, topic, participant, delivery, outcome, latency_ms, at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.RequestID, e.Topic, e.Participant, e.Delivery, e.Outcome, e.Latency.Milliseconds(), e.At.UnixMilli(),
	)
	return err
}

func (s *Store) RecordStale(ctx context.Context, requestID string, contentLen int, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stale_replies (request_id, content_len, at_ms) VALUES (?, ?, ?)`,
		requestID, contentLen, at.UnixMilli(),
	)
	return err
}

func (s *Store) RecordDeliveryFailure(ctx context.Context, requestID, delivery, errText string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO delivery_failures (request_id, delivery, error, at_ms) VALUES (?, ?, ?, ?)`,
		requestID, delivery, errText, at.UnixMilli(),
	)
	return err
}

// Recent returns the latest exchanges, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Exchange, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT request_id, topic, participant, delivery, outcome, latency_ms, at_ms
		 FROM exchanges ORDER BY at_ms DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Exchange
	for rows.Next() {
		var e Exchange
		var latencyMS, atMS int64
		if err := rows.Scan(&e.RequestID, &e.Topic, &e.Participant, &e.Delivery, &e.Outcome, &latencyMS, &atMS); err != nil {
			return nil, err
		}
		e.Latency = time.Duration(latencyMS) * time.Millisecond
		e.At = time.UnixMilli(atMS)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Stats counts exchanges at or after since.
func (s *Store) Stats(ctx context.Context, since time.Time) (Stats, error) {
	st := Stats{ByOutcome: make(map[string]int)}
	sinceMS := since.UnixMilli()

	rows, err := s.db.QueryContext(ctx,
		`SELECT outcome, COUNT(*) FROM exchanges WHERE at_ms >= ? GROUP BY outcome`, sinceMS)
	if err != nil {
		return st, err
	}
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			rows.Close()
			return st, err
		}
		st.ByOutcome[outcome] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return st, err
	}

	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx,
		`SELECT AVG(latency_ms) FROM exchanges WHERE at_ms >= ? AND outcome = 'reply'`, sinceMS,
	).Scan(&avg); err != nil {
		return st, err
	}
	if avg.Valid {
		st.AvgReplyLatency = time.Duration(avg.Float64 * float64(time.Millisecond))
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM stale_replies WHERE at_ms >= ?`, sinceMS,
	).Scan(&st.StaleReplies); err != nil {
		return st, err
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM delivery_failures WHERE at_ms >= ?`, sinceMS,
	).Scan(&st.DeliveryFailures); err != nil {
		return st, err
	}
	return st, nil
}

// Prune deletes rows older than before and returns how many were removed.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	for _, table := range []string{"exchanges", "stale_replies", "delivery_failures"} {
		res, err := s.db.ExecContext(ctx, "DELETE FROM "+table+" WHERE at_ms < ?", before.UnixMilli())
		if err != nil {
			return total, fmt.Errorf("prune %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if total > 0 {
		s.logger.Info("journal pruned", "rows", total, "before", before)
	}
	return total, nil
}
