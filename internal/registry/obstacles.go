package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/dl-alexandre/docsync/internal/types"
)

var obstacleColumns = []string{"node_sync_id", "kind", "title", "detail", "recorded_at"}

func scanObstacle(row rowScanner) (*types.Obstacle, error) {
	var (
		o          types.Obstacle
		kind       string
		recordedAt int64
	)
	if err := row.Scan(&o.NodeSyncID, &kind, &o.Title, &o.Detail, &recordedAt); err != nil {
		return nil, err
	}
	o.Kind = types.ObstacleKind(kind)
	o.RecordedAt = time.UnixMilli(recordedAt).UTC()
	return &o, nil
}

// PutObstacle stores an obstacle. An existing entry for the node is replaced.
func (r *Registry) PutObstacle(ctx context.Context, o types.Obstacle) error {
	if o.RecordedAt.IsZero() {
		o.RecordedAt = time.Now().UTC()
	}
	query, args, err := r.builder.Replace(obstaclesTable).
		Columns(obstacleColumns...).
		Values(o.NodeSyncID, string(o.Kind), o.Title, o.Detail, o.RecordedAt.UnixMilli()).
		ToSql()
	if err != nil {
		return fmt.Errorf("building put obstacle query: %w", err)
	}
	return r.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("executing put obstacle query: %w", err)
		}
		return nil
	})
}

// Obstacle returns the obstacle recorded for a node, or nil
func (r *Registry) Obstacle(ctx context.Context, syncID string) (*types.Obstacle, error) {
	query, args, err := r.builder.Select(obstacleColumns...).
		From(obstaclesTable).
		Where(sq.Eq{"node_sync_id": syncID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building get obstacle query: %w", err)
	}
	o, err := scanObstacle(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("executing get obstacle query: %w", err)
	}
	return o, nil
}

// Obstacles lists unresolved obstacles, oldest first
func (r *Registry) Obstacles(ctx context.Context) (result []*types.Obstacle, err error) {
	query, args, err := r.builder.Select(obstacleColumns...).
		From(obstaclesTable).
		OrderBy("recorded_at", "node_sync_id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building list obstacles query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("executing list obstacles query: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	for rows.Next() {
		o, err := scanObstacle(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning obstacle row: %w", err)
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

// DeleteObstacle removes the obstacle for a node. It reports whether one existed.
func (r *Registry) DeleteObstacle(ctx context.Context, syncID string) (bool, error) {
	query, args, err := r.builder.Delete(obstaclesTable).Where(sq.Eq{"node_sync_id": syncID}).ToSql()
	if err != nil {
		return false, fmt.Errorf("building delete obstacle query: %w", err)
	}
	var removed bool
	err = r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("executing delete obstacle query: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		removed = n > 0
		return nil
	})
	return removed, err
}
