// Package usage keeps an append-only ledger of generation backend calls:
// who asked, for what purpose, against which model, how many tokens it
// took, and whether it succeeded. Only the ledger is persisted; session
// state itself lives in memory.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// timeLayout is fixed-width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Record is one generation call.
type Record struct {
	ID             string
	Timestamp      time.Time
	ConversationID string
	Purpose        string // "reply", "probe", "reminder", "greeting"
	Model          string
	InputTokens    int
	OutputTokens   int
	Duration       time.Duration
	OK             bool
	Error          string
}

// Summary holds aggregated totals.
type Summary struct {
	Calls        int   `json:"calls"`
	Failures     int   `json:"failures"`
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Store is an append-only SQLite ledger. All methods are safe for
// concurrent use.
type Store struct {
	db *sql.DB
}

// NewStore opens the ledger at dbPath, creating the schema on first use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open usage database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS generation_calls (
		id              TEXT PRIMARY KEY,
		timestamp       TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		purpose         TEXT NOT NULL,
		model           TEXT NOT NULL,
		input_tokens    INTEGER NOT NULL,
		output_tokens   INTEGER NOT NULL,
		duration_ms     INTEGER NOT NULL,
		ok              INTEGER NOT NULL,
		error           TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_calls_timestamp ON generation_calls(timestamp);
	CREATE INDEX IF NOT EXISTS idx_calls_conversation ON generation_calls(conversation_id);
	`)
	return err
}

// Record persists rec. An empty ID gets a UUIDv7 and a zero Timestamp
// becomes now.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate usage record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO generation_calls
			(id, timestamp, conversation_id, purpose, model,
			 input_tokens, output_tokens, duration_ms, ok, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		formatTime(rec.Timestamp),
		rec.ConversationID,
		rec.Purpose,
		rec.Model,
		rec.InputTokens,
		rec.OutputTokens,
		rec.Duration.Milliseconds(),
		rec.OK,
		rec.Error,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// Summary returns totals for records within [start, end).
func (s *Store) Summary(ctx context.Context, start, end time.Time) (*Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(1 - ok), 0),
			COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		 FROM generation_calls
		 WHERE timestamp >= ? AND timestamp < ?`,
		formatTime(start), formatTime(end),
	)

	var sum Summary
	if err := row.Scan(&sum.Calls, &sum.Failures, &sum.InputTokens, &sum.OutputTokens); err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	return &sum, nil
}

// SummaryByPurpose returns per-purpose totals for records within [start, end).
func (s *Store) SummaryByPurpose(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "purpose", start, end)
}

// SummaryByModel returns per-model totals for records within [start, end).
func (s *Store) SummaryByModel(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "model", start, end)
}

// SummaryByConversation returns per-conversation totals for records
// within [start, end).
func (s *Store) SummaryByConversation(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "conversation_id", start, end)
}

// column is always a constant from the methods above.
func (s *Store) summaryGroupedBy(ctx context.Context, column string, start, end time.Time) (map[string]*Summary, error) {
	query := fmt.Sprintf(
		`SELECT %s, COUNT(*), COALESCE(SUM(1 - ok), 0),
			COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		 FROM generation_calls
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY %s`,
		column, column,
	)

	rows, err := s.db.QueryContext(ctx, query, formatTime(start), formatTime(end))
	if err != nil {
		return nil, fmt.Errorf("query usage by %s: %w", column, err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var key string
		var sum Summary
		if err := rows.Scan(&key, &sum.Calls, &sum.Failures, &sum.InputTokens, &sum.OutputTokens); err != nil {
			return nil, fmt.Errorf("scan usage by %s: %w", column, err)
		}
		result[key] = &sum
	}
	return result, rows.Err()
}

// Recent returns up to limit records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, conversation_id, purpose, model,
			input_tokens, output_tokens, duration_ms, ok, COALESCE(error, '')
		 FROM generation_calls
		 ORDER BY timestamp DESC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent usage: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var ts string
		var ms int64
		if err := rows.Scan(&rec.ID, &ts, &rec.ConversationID, &rec.Purpose, &rec.Model,
			&rec.InputTokens, &rec.OutputTokens, &ms, &rec.OK, &rec.Error); err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		rec.Timestamp, err = time.Parse(timeLayout, ts)
		if err != nil {
			return nil, fmt.Errorf("parse usage timestamp %q: %w", ts, err)
		}
		rec.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
