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

// SetSyncError records the last failure for a node, replacing any previous one
func (r *Registry) SetSyncError(ctx context.Context, e types.SyncError) error {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	query, args, err := r.builder.Replace(errorsTable).
		Columns("node_sync_id", "code", "detail", "occurred_at").
		Values(e.NodeSyncID, e.Code, e.Detail, e.OccurredAt.UnixMilli()).
		ToSql()
	if err != nil {
		return fmt.Errorf("building set sync error query: %w", err)
	}
	return r.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("executing set sync error query: %w", err)
		}
		return nil
	})
}

// SyncError returns the recorded failure for a node, or nil
func (r *Registry) SyncError(ctx context.Context, syncID string) (*types.SyncError, error) {
	query, args, err := r.builder.Select("node_sync_id", "code", "detail", "occurred_at").
		From(errorsTable).
		Where(sq.Eq{"node_sync_id": syncID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building get sync error query: %w", err)
	}

	var (
		e          types.SyncError
		occurredAt int64
	)
	err = r.db.QueryRowContext(ctx, query, args...).Scan(&e.NodeSyncID, &e.Code, &e.Detail, &occurredAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("executing get sync error query: %w", err)
	}
	e.OccurredAt = time.UnixMilli(occurredAt).UTC()
	return &e, nil
}

// SyncErrors returns every recorded failure in the partition
func (r *Registry) SyncErrors(ctx context.Context) (result []types.SyncError, err error) {
	query, args, err := r.builder.Select("node_sync_id", "code", "detail", "occurred_at").
		From(errorsTable).
		OrderBy("occurred_at").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building list sync errors query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("executing list sync errors query: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	for rows.Next() {
		var (
			e          types.SyncError
			occurredAt int64
		)
		if err := rows.Scan(&e.NodeSyncID, &e.Code, &e.Detail, &occurredAt); err != nil {
			return nil, fmt.Errorf("scanning sync error row: %w", err)
		}
		e.OccurredAt = time.UnixMilli(occurredAt).UTC()
		result = append(result, e)
	}
	return result, rows.Err()
}

// ClearSyncError removes the recorded failure for a node, if any
func (r *Registry) ClearSyncError(ctx context.Context, syncID string) error {
	query, args, err := r.builder.Delete(errorsTable).Where(sq.Eq{"node_sync_id": syncID}).ToSql()
	if err != nil {
		return fmt.Errorf("building clear sync error query: %w", err)
	}
	return r.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("executing clear sync error query: %w", err)
		}
		return nil
	})
}
