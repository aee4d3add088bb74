package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/david/hazard-ingest/internal/models"
)

// Runs records per-source cycle history in ingest_runs.
type Runs struct {
	pool *pgxpool.Pool
}

func NewRuns(pool *pgxpool.Pool) *Runs {
	return &Runs{pool: pool}
}

func (r *Runs) StartRun(ctx context.Context, run models.RunSummary) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO ingest_runs (run_id, cycle_id, source_id, platform, status, started_at)
		 VALUES ($1, $2, $3, $4, 'running', $5)`,
		run.RunID, run.CycleID, run.SourceID, run.Platform, run.StartedAt)
	if err != nil {
		return fmt.Errorf("insert ingest run: %w", err)
	}
	return nil
}

func (r *Runs) FinishRun(ctx context.Context, run models.RunSummary) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE ingest_runs SET
			status = $2,
			items_found = $3,
			items_new = $4,
			items_published = $5,
			items_duplicate = $6,
			items_dropped = $7,
			errors = $8,
			error_kind = NULLIF($9, ''),
			completed_at = $10
		 WHERE run_id = $1`,
		run.RunID, run.Status, run.ItemsFound, run.ItemsNew, run.ItemsPublished,
		run.ItemsDuplicate, run.ItemsDropped, run.Errors, run.ErrorKind, run.CompletedAt)
	if err != nil {
		return fmt.Errorf("update ingest run: %w", err)
	}
	return nil
}

// Recent lists the latest runs, newest first, optionally for one source.
func (r *Runs) Recent(ctx context.Context, sourceID string, limit int) ([]models.RunSummary, error) {
	if limit <= 0 || limit > 500 {
		limit = 20
	}
	rows, err := r.pool.Query(ctx, `
		SELECT run_id, cycle_id, source_id, platform, status,
		       items_found, items_new, items_published, items_duplicate, items_dropped,
		       errors, COALESCE(error_kind, ''), started_at, completed_at
		FROM ingest_runs
		WHERE $1 = '' OR source_id = $1
		ORDER BY started_at DESC
		LIMIT $2`, sourceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []models.RunSummary
	for rows.Next() {
		var run models.RunSummary
		if err := rows.Scan(&run.RunID, &run.CycleID, &run.SourceID, &run.Platform, &run.Status,
			&run.ItemsFound, &run.ItemsNew, &run.ItemsPublished, &run.ItemsDuplicate, &run.ItemsDropped,
			&run.Errors, &run.ErrorKind, &run.StartedAt, &run.CompletedAt); err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
