package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Cursors persists the newest id per source in source_cursors.
type Cursors struct {
	pool *pgxpool.Pool
}

func NewCursors(pool *pgxpool.Pool) *Cursors {
	return &Cursors{pool: pool}
}

func (c *Cursors) GetCursor(ctx context.Context, sourceID string) (string, error) {
	var cursor string
	err := c.pool.QueryRow(ctx, "SELECT cursor_value FROM source_cursors WHERE source_id = $1", sourceID).Scan(&cursor)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get cursor %s: %w", sourceID, err)
	}
	return cursor, nil
}

// SetCursor only ever advances: numeric ids compare by length, then lexically.
func (c *Cursors) SetCursor(ctx context.Context, sourceID, cursor string) error {
	_, err := c.pool.Exec(ctx, `
		INSERT INTO source_cursors (source_id, cursor_value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (source_id) DO UPDATE
			SET cursor_value = EXCLUDED.cursor_value, updated_at = NOW()
			WHERE length(EXCLUDED.cursor_value) > length(source_cursors.cursor_value)
			   OR (length(EXCLUDED.cursor_value) = length(source_cursors.cursor_value) AND EXCLUDED.cursor_value > source_cursors.cursor_value)`,
		sourceID, cursor)
	if err != nil {
		return fmt.Errorf("set cursor %s: %w", sourceID, err)
	}
	return nil
}
