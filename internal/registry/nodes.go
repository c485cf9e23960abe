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

var nodeColumns = []string{
	"node_sync_id",
	"parent_sync_id",
	"title",
	"is_folder",
	"is_top_level",
	"is_removed_with_local_changes",
	"has_local_changes",
	"reload_content",
	"last_downloaded_at",
	"remote_node_snapshot",
	"remote_permissions_snapshot",
	"local_content_path",
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *Registry) scanNode(row rowScanner) (*types.SyncNodeInfo, error) {
	var (
		info           types.SyncNodeInfo
		isFolder       int
		isTopLevel     int
		isRemoved      int
		dirty          int
		reload         int
		lastDownloaded sql.NullInt64
	)
	err := row.Scan(
		&info.NodeSyncID,
		&info.ParentSyncID,
		&info.Title,
		&isFolder,
		&isTopLevel,
		&isRemoved,
		&dirty,
		&reload,
		&lastDownloaded,
		&info.RemoteNodeSnapshot,
		&info.RemotePermissionsSnapshot,
		&info.LocalContentPath,
	)
	if err != nil {
		return nil, err
	}
	info.AccountID = r.accountID
	info.IsFolder = isFolder != 0
	info.IsTopLevelSyncNode = isTopLevel != 0
	info.IsRemovedFromSyncWithLocalChanges = isRemoved != 0
	info.HasLocalChanges = dirty != 0
	info.ReloadContentFlag = reload != 0
	if lastDownloaded.Valid {
		ts := time.UnixMilli(lastDownloaded.Int64).UTC()
		info.LastDownloadedDate = &ts
	}
	return &info, nil
}

func (r *Registry) queryNodes(ctx context.Context, q queryer, where interface{}) (nodes []*types.SyncNodeInfo, err error) {
	b := r.builder.Select(nodeColumns...).From(nodesTable).OrderBy("node_sync_id")
	if where != nil {
		b = b.Where(where)
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building node query: %w", err)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("executing node query: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	for rows.Next() {
		node, err := r.scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning node row: %w", err)
		}
		nodes = append(nodes, node)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return nodes, nil
}

func (r *Registry) getNode(ctx context.Context, q queryer, syncID string) (*types.SyncNodeInfo, error) {
	query, args, err := r.builder.Select(nodeColumns...).
		From(nodesTable).
		Where(sq.Eq{"node_sync_id": syncID}).
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building get node query: %w", err)
	}

	node, err := r.scanNode(q.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, syncID)
		}
		return nil, fmt.Errorf("executing get node query: %w", err)
	}
	return node, nil
}

// Get returns the node record, or ErrNotFound
func (r *Registry) Get(ctx context.Context, syncID string) (*types.SyncNodeInfo, error) {
	return r.getNode(ctx, r.db, syncID)
}

// Exists reports whether the node is tracked
func (r *Registry) Exists(ctx context.Context, syncID string) (bool, error) {
	_, err := r.Get(ctx, syncID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (r *Registry) upsertNode(ctx context.Context, e execer, info *types.SyncNodeInfo) error {
	if info.NodeSyncID == "" {
		return fmt.Errorf("node sync id is required")
	}
	var lastDownloaded interface{}
	if info.LastDownloadedDate != nil {
		lastDownloaded = info.LastDownloadedDate.UnixMilli()
	}

	query, args, err := r.builder.Replace(nodesTable).
		Columns(nodeColumns...).
		Values(
			info.NodeSyncID,
			info.ParentSyncID,
			info.Title,
			boolToInt(info.IsFolder),
			boolToInt(info.IsTopLevelSyncNode),
			boolToInt(info.IsRemovedFromSyncWithLocalChanges),
			boolToInt(info.HasLocalChanges),
			boolToInt(info.ReloadContentFlag),
			lastDownloaded,
			info.RemoteNodeSnapshot,
			info.RemotePermissionsSnapshot,
			info.LocalContentPath,
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("building upsert node query: %w", err)
	}

	if _, err := e.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("executing upsert node query: %w", err)
	}
	return nil
}

// Upsert inserts or replaces a node record
func (r *Registry) Upsert(ctx context.Context, info *types.SyncNodeInfo) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		return r.upsertNode(ctx, tx, info)
	})
}

// UpsertMany writes several records in one transaction
func (r *Registry) UpsertMany(ctx context.Context, infos []*types.SyncNodeInfo) error {
	if len(infos) == 0 {
		return nil
	}
	return r.withTx(ctx, func(tx *sql.Tx) error {
		for _, info := range infos {
			if err := r.upsertNode(ctx, tx, info); err != nil {
				return err
			}
		}
		return nil
	})
}

// Update applies fn to the stored record and writes it back atomically.
// fn's error aborts the update and is returned unchanged.
func (r *Registry) Update(ctx context.Context, syncID string, fn func(info *types.SyncNodeInfo) error) (*types.SyncNodeInfo, error) {
	var updated *types.SyncNodeInfo
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		info, err := r.getNode(ctx, tx, syncID)
		if err != nil {
			return err
		}
		if err := fn(info); err != nil {
			return err
		}
		info.NodeSyncID = syncID
		if err := r.upsertNode(ctx, tx, info); err != nil {
			return err
		}
		updated = info
		return nil
	})
	return updated, err
}

func (r *Registry) deleteRows(ctx context.Context, e execer, syncIDs []string) error {
	for _, table := range []string{nodesTable, errorsTable, obstaclesTable} {
		query, args, err := r.builder.Delete(table).Where(sq.Eq{"node_sync_id": syncIDs}).ToSql()
		if err != nil {
			return fmt.Errorf("building delete query: %w", err)
		}
		if _, err := e.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("executing delete from %s: %w", table, err)
		}
	}
	return nil
}

// Delete removes a node together with its SyncError and obstacle records.
// Children are not touched; use DeleteMany with a collected subtree for that.
func (r *Registry) Delete(ctx context.Context, syncID string) error {
	return r.DeleteMany(ctx, []string{syncID})
}

// DeleteMany removes several nodes and their side records in one transaction
func (r *Registry) DeleteMany(ctx context.Context, syncIDs []string) error {
	if len(syncIDs) == 0 {
		return nil
	}
	return r.withTx(ctx, func(tx *sql.Tx) error {
		return r.deleteRows(ctx, tx, syncIDs)
	})
}

// ChildrenOf returns the direct children of a node
func (r *Registry) ChildrenOf(ctx context.Context, parentSyncID string) ([]*types.SyncNodeInfo, error) {
	if parentSyncID == "" {
		return nil, nil
	}
	return r.queryNodes(ctx, r.db, sq.Eq{"parent_sync_id": parentSyncID})
}

// TopLevelNodes returns the roots of the registry forest: nodes the user chose
// to sync plus nodes detached from a removed parent.
func (r *Registry) TopLevelNodes(ctx context.Context) ([]*types.SyncNodeInfo, error) {
	return r.queryNodes(ctx, r.db, sq.Or{
		sq.Eq{"is_top_level": 1},
		sq.Eq{"parent_sync_id": ""},
	})
}

// AllNodes returns every record in the partition
func (r *Registry) AllNodes(ctx context.Context) ([]*types.SyncNodeInfo, error) {
	return r.queryNodes(ctx, r.db, nil)
}

// AllNodesRecursively returns the root followed by its descendants, breadth first
func (r *Registry) AllNodesRecursively(ctx context.Context, rootSyncID string) ([]*types.SyncNodeInfo, error) {
	root, err := r.Get(ctx, rootSyncID)
	if err != nil {
		return nil, err
	}

	result := []*types.SyncNodeInfo{root}
	visited := map[string]bool{root.NodeSyncID: true}
	queue := []*types.SyncNodeInfo{root}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if !current.IsFolder {
			continue
		}
		children, err := r.ChildrenOf(ctx, current.NodeSyncID)
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			if visited[child.NodeSyncID] {
				return nil, fmt.Errorf("%w: cycle at %s", ErrRegistryCorruption, child.NodeSyncID)
			}
			visited[child.NodeSyncID] = true
			result = append(result, child)
			queue = append(queue, child)
		}
	}
	return result, nil
}

// Ancestors returns the parent chain of a node, nearest first
func (r *Registry) Ancestors(ctx context.Context, syncID string) ([]string, error) {
	var chain []string
	seen := map[string]bool{syncID: true}
	current := syncID
	for {
		node, err := r.Get(ctx, current)
		if err != nil {
			if errors.Is(err, ErrNotFound) && current != syncID {
				return chain, fmt.Errorf("%w: missing ancestor %s", ErrRegistryCorruption, current)
			}
			return chain, err
		}
		if node.ParentSyncID == "" {
			return chain, nil
		}
		if seen[node.ParentSyncID] {
			return chain, fmt.Errorf("%w: cycle at %s", ErrRegistryCorruption, node.ParentSyncID)
		}
		seen[node.ParentSyncID] = true
		chain = append(chain, node.ParentSyncID)
		current = node.ParentSyncID
	}
}

// Count returns the number of tracked nodes
func (r *Registry) Count(ctx context.Context) (int, error) {
	query, args, err := r.builder.Select("COUNT(*)").From(nodesTable).ToSql()
	if err != nil {
		return 0, fmt.Errorf("building count query: %w", err)
	}
	var n int
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("executing count query: %w", err)
	}
	return n, nil
}
