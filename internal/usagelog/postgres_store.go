package usagelog

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Record(ctx context.Context, e *Entry) error {
	e.Overconsumed = overconsumed(e)
	query := `
		INSERT INTO usage_entries (app_id, scope, request_id, model, reserved_tokens, prompt_tokens, completion_tokens, overconsumed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`
	err := s.db.QueryRow(ctx, query,
		e.AppID, e.Scope, e.RequestID, e.Model,
		e.ReservedTokens, e.PromptTokens, e.CompletionTokens, e.Overconsumed,
	).Scan(&e.ID, &e.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}

	return nil
}

func (s *PostgresStore) ByApp(ctx context.Context, appID string, from, to time.Time) ([]*Entry, error) {
	query := `
		SELECT id, app_id, scope, request_id, model, reserved_tokens, prompt_tokens, completion_tokens, overconsumed, created_at
		FROM usage_entries
		WHERE app_id = $1 AND created_at BETWEEN $2 AND $3
		ORDER BY created_at DESC
	`
	rows, err := s.db.Query(ctx, query, appID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage entries: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var e Entry
		err := rows.Scan(
			&e.ID, &e.AppID, &e.Scope, &e.RequestID, &e.Model,
			&e.ReservedTokens, &e.PromptTokens, &e.CompletionTokens, &e.Overconsumed, &e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage entry: %w", err)
		}
		entries = append(entries, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage entries: %w", err)
	}

	return entries, nil
}

// TotalOverconsumed sums how far actual usage ran past reservations in
// the window. A persistently positive total means estimates are short
// and the counters run optimistic.
func (s *PostgresStore) TotalOverconsumed(ctx context.Context, from, to time.Time) (int64, error) {
	query := `
		SELECT COALESCE(SUM(overconsumed), 0)
		FROM usage_entries
		WHERE created_at BETWEEN $1 AND $2
	`
	var total int64
	err := s.db.QueryRow(ctx, query, from, to).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to total overconsumption: %w", err)
	}

	return total, nil
}

func overconsumed(e *Entry) int {
	used := e.PromptTokens + e.CompletionTokens
	if used > e.ReservedTokens {
		return used - e.ReservedTokens
	}
	return 0
}
