// Package storage keeps the scheduler's job-event history in PostgreSQL.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/cuongbtq/buildstash/internal/scheduler/domain"
	"github.com/jmoiron/sqlx"
)

const schema = `
	CREATE TABLE IF NOT EXISTS job_events (
		id          BIGSERIAL PRIMARY KEY,
		job_id      TEXT        NOT NULL,
		server_id   TEXT        NOT NULL,
		from_state  TEXT        NOT NULL DEFAULT '',
		to_state    TEXT        NOT NULL,
		reason      TEXT        NOT NULL,
		at          TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS job_events_job_id_idx ON job_events (job_id);
	CREATE INDEX IF NOT EXISTS job_events_at_id_idx ON job_events (at DESC, id DESC);
`

type Storage struct {
	db *sqlx.DB
}

func NewStorage(db *sqlx.DB) *Storage {
	return &Storage{
		db: db,
	}
}

// Migrate creates the job_events table if it does not exist.
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate job_events: %w", err)
	}
	return nil
}

// SaveJobEvent inserts ev and stores the generated id back into it.
func (s *Storage) SaveJobEvent(ctx context.Context, ev *domain.JobEvent) error {
	query := `
		INSERT INTO job_events (
			job_id, server_id, from_state, to_state, reason, at
		) VALUES (
			$1, $2, $3, $4, $5, $6
		)
		RETURNING id
	`

	err := s.db.QueryRowxContext(
		ctx,
		query,
		ev.JobID,
		ev.ServerID,
		ev.FromState,
		ev.ToState,
		ev.Reason,
		ev.At,
	).Scan(&ev.ID)

	if err != nil {
		return fmt.Errorf("failed to save job event: %w", err)
	}

	return nil
}

type EventFilter struct {
	JobID    string
	ServerID string
	PageSize int
	Cursor   *EventCursor
}

type EventCursor struct {
	At time.Time
	ID int64
}

// ListJobEvents returns events newest first. It fetches PageSize+1 rows so the
// caller can tell whether another page exists.
func (s *Storage) ListJobEvents(ctx context.Context, filter EventFilter) ([]domain.JobEvent, error) {
	query := `
		SELECT
			id, job_id, server_id, from_state, to_state, reason, at
		FROM job_events
		WHERE 1=1
	`
	args := []interface{}{}
	argIdx := 1

	if filter.JobID != "" {
		query += fmt.Sprintf(" AND job_id = $%d", argIdx)
		args = append(args, filter.JobID)
		argIdx++
	}

	if filter.ServerID != "" {
		query += fmt.Sprintf(" AND server_id = $%d", argIdx)
		args = append(args, filter.ServerID)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (at, id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.At, filter.Cursor.ID)
		argIdx += 2
	}

	query += " ORDER BY at DESC, id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var events []domain.JobEvent
	if err := s.db.SelectContext(ctx, &events, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list job events: %w", err)
	}

	return events, nil
}
