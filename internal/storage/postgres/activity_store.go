// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/extraction-jobs/internal/store"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const (
	defaultActivityTable = "job_activity"
	defaultOutcomeTable  = "job_outcomes"
)

// Config controls the Postgres connection pool and table names.
type Config struct {
	DSN             string
	ActivityTable   string
	OutcomeTable    string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// ActivityStore implements store.ActivityRepository on Postgres.
type ActivityStore struct {
	pool          pool
	activityTable string
	outcomeTable  string
}

// NewActivityStore connects a pool using cfg.
func NewActivityStore(ctx context.Context, cfg Config) (*ActivityStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewActivityStoreWithPool(p, cfg.ActivityTable, cfg.OutcomeTable)
	if err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// NewActivityStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewActivityStoreWithPool(p pool, activityTable, outcomeTable string) (*ActivityStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if activityTable == "" {
		activityTable = defaultActivityTable
	}
	if outcomeTable == "" {
		outcomeTable = defaultOutcomeTable
	}
	for _, table := range []string{activityTable, outcomeTable} {
		if !validTableName.MatchString(table) {
			return nil, fmt.Errorf("invalid table name %q", table)
		}
	}
	return &ActivityStore{pool: p, activityTable: activityTable, outcomeTable: outcomeTable}, nil
}

// Close releases the underlying pool resources.
func (s *ActivityStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const activityColumns = 8

// AppendActivity inserts all records with a single multi-row statement.
func (s *ActivityStore) AppendActivity(ctx context.Context, records []store.ActivityRecord) error {
	if len(records) == 0 {
		return nil
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, `INSERT INTO %s (
	app_job_id, worker_job_id, kind, status, rows_added, rows_total, note, recorded_at
) VALUES `, s.activityTable)
	args := make([]any, 0, len(records)*activityColumns)
	for i, rec := range records {
		if rec.AppJobID == "" {
			return fmt.Errorf("record %d: app job id is required", i)
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * activityColumns
		sb.WriteString("(")
		for c := 1; c <= activityColumns; c++ {
			if c > 1 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", base+c)
		}
		sb.WriteString(")")
		args = append(args,
			rec.AppJobID,
			rec.WorkerJobID,
			rec.Kind,
			rec.Status,
			rec.RowsAdded,
			rec.RowsTotal,
			rec.Note,
			rec.RecordedAt,
		)
	}
	if _, err := s.pool.Exec(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

// RecordOutcome upserts the terminal outcome of a job.
func (s *ActivityStore) RecordOutcome(ctx context.Context, outcome store.JobOutcome) error {
	if outcome.AppJobID == "" {
		return fmt.Errorf("app job id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (app_job_id, worker_job_id, status, finished_at, row_count, error_message, artifact_uri)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (app_job_id) DO UPDATE SET
	worker_job_id = EXCLUDED.worker_job_id,
	status = EXCLUDED.status,
	finished_at = EXCLUDED.finished_at,
	row_count = EXCLUDED.row_count,
	error_message = EXCLUDED.error_message,
	artifact_uri = COALESCE(NULLIF(EXCLUDED.artifact_uri, ''), %s.artifact_uri);
`, s.outcomeTable, s.outcomeTable)
	_, err := s.pool.Exec(ctx, query,
		outcome.AppJobID,
		outcome.WorkerJobID,
		outcome.Status,
		outcome.FinishedAt,
		outcome.RowCount,
		outcome.ErrorMessage,
		outcome.ArtifactURI,
	)
	if err != nil {
		return fmt.Errorf("upsert outcome: %w", err)
	}
	return nil
}

// ListActivity returns a job's archived records oldest first.
func (s *ActivityStore) ListActivity(
	ctx context.Context,
	appJobID string,
	limit,
	offset int,
) ([]store.ActivityRecord, error) {
	query := fmt.Sprintf(`
SELECT app_job_id, worker_job_id, kind, status, rows_added, rows_total, note, recorded_at
FROM %s
WHERE app_job_id = $1
ORDER BY recorded_at ASC, id ASC
LIMIT $2 OFFSET $3;
`, s.activityTable)
	rows, err := s.pool.Query(ctx, query, appJobID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	defer rows.Close()

	records := []store.ActivityRecord{}
	for rows.Next() {
		var rec store.ActivityRecord
		if err := rows.Scan(
			&rec.AppJobID,
			&rec.WorkerJobID,
			&rec.Kind,
			&rec.Status,
			&rec.RowsAdded,
			&rec.RowsTotal,
			&rec.Note,
			&rec.RecordedAt,
		); err != nil {
			return nil, fmt.Errorf("scan activity row: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activity rows: %w", err)
	}
	return records, nil
}

// GetOutcome loads a job outcome.
func (s *ActivityStore) GetOutcome(ctx context.Context, appJobID string) (store.JobOutcome, error) {
	query := fmt.Sprintf(`
SELECT app_job_id, worker_job_id, status, finished_at, row_count, error_message, artifact_uri
FROM %s
WHERE app_job_id = $1;
`, s.outcomeTable)
	var out store.JobOutcome
	err := s.pool.QueryRow(ctx, query, appJobID).Scan(
		&out.AppJobID,
		&out.WorkerJobID,
		&out.Status,
		&out.FinishedAt,
		&out.RowCount,
		&out.ErrorMessage,
		&out.ArtifactURI,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.JobOutcome{}, store.ErrNotFound
		}
		return store.JobOutcome{}, fmt.Errorf("get outcome: %w", err)
	}
	return out, nil
}
