package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	sq "github.com/Masterminds/squirrel"
)

const metaTable = "partition_meta"

// Partition metadata keys
const (
	MetaSyncEnabled = "sync_enabled"
	MetaUsername    = "username"
	MetaServerURL   = "server_url"
)

// SetMeta stores a partition-level value
func (r *Registry) SetMeta(ctx context.Context, key, value string) error {
	query, args, err := r.builder.Replace(metaTable).
		Columns("key", "value").
		Values(key, value).
		ToSql()
	if err != nil {
		return fmt.Errorf("building set meta query: %w", err)
	}
	return r.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("executing set meta query: %w", err)
		}
		return nil
	})
}

// Meta returns a partition-level value, or "" when unset
func (r *Registry) Meta(ctx context.Context, key string) (string, error) {
	query, args, err := r.builder.Select("value").
		From(metaTable).
		Where(sq.Eq{"key": key}).
		ToSql()
	if err != nil {
		return "", fmt.Errorf("building get meta query: %w", err)
	}
	var value string
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("executing get meta query: %w", err)
	}
	return value, nil
}

// SyncEnabled reports whether sync was left enabled for the partition
func (r *Registry) SyncEnabled(ctx context.Context) (bool, error) {
	v, err := r.Meta(ctx, MetaSyncEnabled)
	if err != nil || v == "" {
		return false, err
	}
	return strconv.ParseBool(v)
}

// SetSyncEnabled records whether sync is enabled for the partition
func (r *Registry) SetSyncEnabled(ctx context.Context, enabled bool) error {
	return r.SetMeta(ctx, MetaSyncEnabled, strconv.FormatBool(enabled))
}
