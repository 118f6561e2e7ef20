// Package usage keeps a request ledger in SQLite: one row per chat
// completion and one per admission rejection.
package usage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/rs/zerolog"
)

// DefaultRecentLimit is the number of rows Recent returns when no limit is given.
const DefaultRecentLimit = 50

// Event is one served chat completion request.
type Event struct {
	ID           int64         `json:"id"`
	RequestID    string        `json:"request_id"`
	UserID       string        `json:"user_id"`
	Model        string        `json:"model"`
	Slot         int           `json:"slot"`
	Stream       bool          `json:"stream"`
	Status       int           `json:"status"`
	StopReason   string        `json:"stop_reason,omitempty"`
	ModelCalls   int           `json:"model_calls"`
	ToolCalls    int           `json:"tool_calls"`
	InputTokens  int64         `json:"input_tokens"`
	OutputTokens int64         `json:"output_tokens"`
	Duration     time.Duration `json:"-"`
	Error        string        `json:"error,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// MarshalJSON reports Duration as whole milliseconds.
func (e Event) MarshalJSON() ([]byte, error) {
	type event Event
	return json.Marshal(struct {
		event
		DurationMs int64 `json:"duration_ms"`
	}{event(e), e.Duration.Milliseconds()})
}

// Summary aggregates a user's events since a point in time.
type Summary struct {
	UserID       string `json:"user_id"`
	Requests     int64  `json:"requests"`
	Failed       int64  `json:"failed"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	Rejections   int64  `json:"rejections"`
}

// Store handles persistence of usage events.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewStore creates a Store on a migrated database.
func NewStore(db *sql.DB, logger zerolog.Logger) *Store {
	return &Store{db: db, logger: logger.With().Str("component", "usage_store").Logger()}
}

// Record saves one event. A zero CreatedAt is set to now.
func (s *Store) Record(ctx context.Context, e Event) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	query := sq.Insert("usage_events").
		Columns(
			"request_id", "user_id", "model", "slot", "stream", "status", "stop_reason",
			"model_calls", "tool_calls", "input_tokens", "output_tokens", "duration_ms", "error", "created_at",
		).
		Values(
			e.RequestID, e.UserID, e.Model, e.Slot, e.Stream, e.Status, nullString(e.StopReason),
			e.ModelCalls, e.ToolCalls, e.InputTokens, e.OutputTokens, e.Duration.Milliseconds(), nullString(e.Error),
			e.CreatedAt.UnixMilli(),
		)

	queryStr, args, err := query.ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, queryStr, args...); err != nil {
		return fmt.Errorf("insert usage event: %w", err)
	}
	return nil
}

// RecordRejection saves an admission rejection of the given kind.
func (s *Store) RecordRejection(ctx context.Context, userID, kind string, at time.Time) error {
	query := sq.Insert("admission_rejections").
		Columns("user_id", "kind", "created_at").
		Values(userID, kind, at.UnixMilli())

	queryStr, args, err := query.ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, queryStr, args...); err != nil {
		return fmt.Errorf("insert rejection: %w", err)
	}
	return nil
}

// Recent returns the newest events, newest first. An empty userID returns
// events for all users.
func (s *Store) Recent(ctx context.Context, userID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	query := sq.Select(
		"id", "request_id", "user_id", "model", "slot", "stream", "status", "stop_reason",
		"model_calls", "tool_calls", "input_tokens", "output_tokens", "duration_ms", "error", "created_at",
	).
		From("usage_events").
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(limit))
	if userID != "" {
		query = query.Where(sq.Eq{"user_id": userID})
	}

	queryStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query usage events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e                     Event
			stopReason, errMsg    sql.NullString
			durationMs, createdAt int64
		)
		if err := rows.Scan(
			&e.ID, &e.RequestID, &e.UserID, &e.Model, &e.Slot, &e.Stream, &e.Status, &stopReason,
			&e.ModelCalls, &e.ToolCalls, &e.InputTokens, &e.OutputTokens, &durationMs, &errMsg, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan usage event: %w", err)
		}
		e.StopReason = stopReason.String
		e.Error = errMsg.String
		e.Duration = time.Duration(durationMs) * time.Millisecond
		e.CreatedAt = time.UnixMilli(createdAt)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Summarize aggregates userID's events and rejections since since.
func (s *Store) Summarize(ctx context.Context, userID string, since time.Time) (Summary, error) {
	summary := Summary{UserID: userID}

	query := sq.Select(
		"COUNT(*)",
		"COALESCE(SUM(CASE WHEN status >= 400 THEN 1 ELSE 0 END), 0)",
		"COALESCE(SUM(input_tokens), 0)",
		"COALESCE(SUM(output_tokens), 0)",
	).
		From("usage_events").
		Where(sq.Eq{"user_id": userID}).
		Where(sq.GtOrEq{"created_at": since.UnixMilli()})

	queryStr, args, err := query.ToSql()
	if err != nil {
		return summary, fmt.Errorf("build query: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, queryStr, args...).Scan(
		&summary.Requests, &summary.Failed, &summary.InputTokens, &summary.OutputTokens,
	); err != nil {
		return summary, fmt.Errorf("summarize usage: %w", err)
	}

	rejections := sq.Select("COUNT(*)").
		From("admission_rejections").
		Where(sq.Eq{"user_id": userID}).
		Where(sq.GtOrEq{"created_at": since.UnixMilli()})
	queryStr, args, err = rejections.ToSql()
	if err != nil {
		return summary, fmt.Errorf("build query: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, queryStr, args...).Scan(&summary.Rejections); err != nil {
		return summary, fmt.Errorf("count rejections: %w", err)
	}
	return summary, nil
}

// Prune deletes rows older than before and returns how many were removed.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	for _, table := range []string{"usage_events", "admission_rejections"} {
		queryStr, args, err := sq.Delete(table).Where(sq.Lt{"created_at": before.UnixMilli()}).ToSql()
		if err != nil {
			return total, fmt.Errorf("build query: %w", err)
		}
		res, err := s.db.ExecContext(ctx, queryStr, args...)
		if err != nil {
			return total, fmt.Errorf("prune %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if total > 0 {
		s.logger.Info().Int64("rows", total).Time("before", before).Msg("Pruned usage ledger")
	}
	return total, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
