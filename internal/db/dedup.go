package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/david/hazard-ingest/internal/ingest"
	"github.com/david/hazard-ingest/internal/models"
)

// Dedup is the durable dedup store. Keys outlive the process; entries older
// than the retention window count as unseen and are purged by PurgeOlderThan.
type Dedup struct {
	pool      *pgxpool.Pool
	retention time.Duration
}

func NewDedup(pool *pgxpool.Pool, retention time.Duration) *Dedup {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &Dedup{pool: pool, retention: retention}
}

// markSQL inserts the key or re-arms an expired one in a single statement.
// One affected row means the caller is the first to see the key.
const markSQL = `
	INSERT INTO seen_records (platform, record_id, seen_at)
	VALUES ($1, $2, NOW())
	ON CONFLICT (platform, record_id) DO UPDATE
		SET seen_at = EXCLUDED.seen_at
		WHERE seen_records.seen_at < NOW() - make_interval(secs => $3)`

func (d *Dedup) IsNewAndMark(ctx context.Context, platform, id string) (bool, error) {
	tag, err := d.pool.Exec(ctx, markSQL, platform, id, d.retention.Seconds())
	if err != nil {
		return false, fmt.Errorf("%w: mark %s:%s: %v", ingest.ErrDedupStoreUnavailable, platform, id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (d *Dedup) PurgeOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	tag, err := d.pool.Exec(ctx, "DELETE FROM seen_records WHERE seen_at < NOW() - make_interval(secs => $1)", age.Seconds())
	if err != nil {
		return 0, fmt.Errorf("%w: purge: %v", ingest.ErrDedupStoreUnavailable, err)
	}
	return tag.RowsAffected(), nil
}

// Counts summarizes seen keys per platform.
func (d *Dedup) Counts(ctx context.Context) ([]models.PlatformCount, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT platform, COUNT(*), MIN(seen_at), MAX(seen_at)
		FROM seen_records
		GROUP BY platform
		ORDER BY platform`)
	if err != nil {
		return nil, fmt.Errorf("%w: counts: %v", ingest.ErrDedupStoreUnavailable, err)
	}
	defer rows.Close()

	var counts []models.PlatformCount
	for rows.Next() {
		var c models.PlatformCount
		if err := rows.Scan(&c.Platform, &c.Keys, &c.Oldest, &c.Newest); err != nil {
			return nil, err
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}
