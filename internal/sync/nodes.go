package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dl-alexandre/docsync/internal/identity"
	"github.com/dl-alexandre/docsync/internal/logging"
	"github.com/dl-alexandre/docsync/internal/obstacle"
	"github.com/dl-alexandre/docsync/internal/queue"
	"github.com/dl-alexandre/docsync/internal/registry"
	"github.com/dl-alexandre/docsync/internal/remote"
	"github.com/dl-alexandre/docsync/internal/types"
)

// ErrNotTopLevel is returned when unsyncing a node the user did not add
var ErrNotTopLevel = errors.New("node is not a top-level sync node")

// RemoveOptions controls RemoveNode
type RemoveOptions struct {
	// DiscardLocalChanges allows removing nodes whose edits were never uploaded
	DiscardLocalChanges bool
}

// AddNodeToSync makes a remote node a top-level sync node, favoriting it when
// the repository supports that, and waits until its content settled
func (o *Orchestrator) AddNodeToSync(ctx context.Context, remoteID string) (*RefreshResult, error) {
	node, err := o.repo.GetNode(ctx, remoteID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch node %s: %w", remoteID, err)
	}
	if editor, ok := o.repo.(remote.FavoritesEditor); ok {
		if err := editor.SetFavorite(ctx, node.ID, true); err != nil {
			return nil, fmt.Errorf("failed to favorite %s: %w", remoteID, err)
		}
	}

	o.refreshMu.Lock()
	defer o.refreshMu.Unlock()

	run := &refreshRun{o: o, result: &RefreshResult{}, visited: make(map[string]bool)}
	if err := run.loadFailed(ctx); err != nil {
		return nil, err
	}
	s := scope{topLevel: true}
	if err := run.create(ctx, node, s); err != nil {
		return nil, err
	}
	if node.IsFolder {
		syncID := identity.SyncIDForNode(node)
		run.visited[syncID] = true
		if err := run.walk(ctx, []folderVisit{{node: node, batch: syncID}}); err != nil && len(run.handles) == 0 {
			return nil, err
		}
	}

	if err := o.queue.WaitSettled(ctx, run.handles); err != nil {
		return nil, err
	}
	run.tally()
	run.result.Completed = true
	return run.result, nil
}

// UnsyncNode removes a top-level node from the sync set. Nodes below it that
// hold unsent edits are kept as obstacles, exactly as a refresh would do.
func (o *Orchestrator) UnsyncNode(ctx context.Context, syncID string) (*RefreshResult, error) {
	info, err := o.reg.Get(ctx, syncID)
	if err != nil {
		return nil, err
	}
	if !info.IsTopLevelSyncNode {
		return nil, fmt.Errorf("%w: %s", ErrNotTopLevel, syncID)
	}
	if err := o.unfavorite(ctx, info); err != nil {
		return nil, err
	}

	o.refreshMu.Lock()
	defer o.refreshMu.Unlock()

	run := &refreshRun{o: o, result: &RefreshResult{}}
	if err := run.remove(ctx, info, scope{topLevel: true}); err != nil {
		return nil, err
	}
	run.result.Completed = true
	return run.result, nil
}

// RemoveNode deletes a node and its subtree from the registry and disk. It
// refuses with ErrHasLocalChanges when any of them holds unsent edits, unless
// the caller chose to discard them.
func (o *Orchestrator) RemoveNode(ctx context.Context, syncID string, opts RemoveOptions) error {
	o.refreshMu.Lock()
	defer o.refreshMu.Unlock()

	nodes, err := o.subtree(ctx, syncID)
	if err != nil {
		return err
	}
	if !opts.DiscardLocalChanges {
		for _, n := range nodes {
			if n.HasLocalChanges {
				return fmt.Errorf("%w: %s", ErrHasLocalChanges, n.NodeSyncID)
			}
		}
	}

	root := nodes[0]
	if root.IsTopLevelSyncNode {
		if err := o.unfavorite(ctx, root); err != nil {
			return err
		}
	}

	ids := make([]string, 0, len(nodes))
	for _, n := range nodes {
		ids = append(ids, n.NodeSyncID)
	}
	if err := queue.WaitDone(ctx, o.queue.CancelNodes(ids)); err != nil {
		return err
	}
	removed, err := o.deleteNodes(ctx, ids)
	if err != nil {
		return err
	}
	o.logger.Info("Node removed from sync",
		logging.F("account", o.account.ID),
		logging.F("node", syncID),
		logging.F("removed", removed))
	return nil
}

// UploadDocument schedules an upload of a document's local content. A
// successful upload clears the node's obstacle.
func (o *Orchestrator) UploadDocument(ctx context.Context, syncID string) (*queue.Handle, error) {
	info, err := o.reg.Get(ctx, syncID)
	if err != nil {
		return nil, err
	}
	return o.enqueueUpload(info, syncID)
}

// MarkLocallyModified records that a document's local content was edited and
// has not been uploaded yet
func (o *Orchestrator) MarkLocallyModified(ctx context.Context, syncID string) error {
	updated, err := o.reg.Update(ctx, syncID, func(info *types.SyncNodeInfo) error {
		if info.IsFolder {
			return fmt.Errorf("%w: %s", ErrNotDocument, syncID)
		}
		info.HasLocalChanges = true
		return nil
	})
	if err != nil {
		return err
	}
	o.publish(ctx, ChangeUpdated, syncID, updated.ParentSyncID)
	return nil
}

// NoteLocalEdit marks a document modified when its content file changed after
// the last download. Changes made while a transfer of the node is in flight
// are the engine's own and are ignored.
func (o *Orchestrator) NoteLocalEdit(ctx context.Context, syncID string, modified time.Time) (bool, error) {
	if o.queue.InFlight(syncID) {
		return false, nil
	}
	info, err := o.reg.Get(ctx, syncID)
	if err != nil {
		return false, err
	}
	if info.IsFolder || info.HasLocalChanges || info.LocalContentPath == "" {
		return false, nil
	}
	if last := info.LastDownloadedDate; last != nil && !modified.Truncate(time.Millisecond).After(*last) {
		return false, nil
	}
	if err := o.MarkLocallyModified(ctx, syncID); err != nil {
		return false, err
	}
	return true, nil
}

// RetryNode clears a node's SyncError and schedules its transfer again:
// an upload when local edits are pending, a download otherwise
func (o *Orchestrator) RetryNode(ctx context.Context, syncID string) (*queue.Handle, error) {
	info, err := o.reg.Get(ctx, syncID)
	if err != nil {
		return nil, err
	}
	if info.IsFolder {
		return nil, fmt.Errorf("%w: %s", ErrNotDocument, syncID)
	}
	if err := o.reg.ClearSyncError(ctx, syncID); err != nil {
		return nil, err
	}

	if info.HasLocalChanges {
		return o.enqueueUpload(info, "")
	}
	node, err := o.freshNode(ctx, info)
	if err != nil {
		return nil, err
	}
	return o.enqueueDownload(node, "")
}

// ResolvedObstacle applies the caller's decision to a node's obstacle and
// performs the removal or overwrite that was deferred. The returned handle is
// nil when no transfer is needed.
func (o *Orchestrator) ResolvedObstacle(ctx context.Context, syncID string, resolution obstacle.Resolution) (*queue.Handle, error) {
	ob, err := o.ledger.Get(ctx, syncID)
	if err != nil {
		return nil, err
	}
	if ob == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoObstacle, syncID)
	}
	action, err := obstacle.Plan(ob.Kind, resolution)
	if err != nil {
		return nil, err
	}
	info, err := o.reg.Get(ctx, syncID)
	if err != nil {
		return nil, err
	}

	o.logger.Info("Resolving obstacle",
		logging.F("account", o.account.ID),
		logging.F("node", syncID),
		logging.F("kind", string(ob.Kind)),
		logging.F("action", string(action)))

	switch action {
	case obstacle.ActionPurge:
		if err := queue.WaitDone(ctx, o.queue.CancelNodes([]string{syncID})); err != nil {
			return nil, err
		}
		o.publish(ctx, ChangeObstacle, syncID, info.ParentSyncID)
		_, err := o.deleteNodes(ctx, []string{syncID})
		return nil, err

	case obstacle.ActionDownload:
		node, err := o.repo.GetNode(ctx, remoteIDOf(info))
		if err != nil {
			return nil, fmt.Errorf("failed to fetch node %s: %w", syncID, err)
		}
		updated, err := o.reg.Update(ctx, syncID, func(i *types.SyncNodeInfo) error {
			i.HasLocalChanges = false
			i.ReloadContentFlag = true
			return nil
		})
		if err != nil {
			return nil, err
		}
		if _, err := o.ledger.Clear(ctx, syncID); err != nil {
			return nil, err
		}
		o.publish(ctx, ChangeObstacle, syncID, updated.ParentSyncID)
		return o.enqueueDownload(node, "")

	case obstacle.ActionUpload:
		return o.enqueueUpload(info, "")
	}
	return nil, fmt.Errorf("unsupported obstacle action %q", action)
}

// subtree returns a node followed by its descendants. A corrupted subtree
// yields the node alone.
func (o *Orchestrator) subtree(ctx context.Context, syncID string) ([]*types.SyncNodeInfo, error) {
	nodes, err := o.reg.AllNodesRecursively(ctx, syncID)
	if err == nil {
		return nodes, nil
	}
	if !errors.Is(err, registry.ErrRegistryCorruption) {
		return nil, err
	}
	root, gerr := o.reg.Get(ctx, syncID)
	if gerr != nil {
		return nil, gerr
	}
	o.logger.Warn("Subtree is corrupted, removing its root only",
		logging.F("account", o.account.ID),
		logging.F("node", syncID),
		logging.F("error", err))
	return []*types.SyncNodeInfo{root}, nil
}

// purgeSubtree deletes a subtree that left the sync set. Nodes that hold
// unsent edits are detached and kept with a RemoteDeletedLocalDirty obstacle.
func (o *Orchestrator) purgeSubtree(ctx context.Context, rootSyncID, detail string) (removed, kept, recorded int, err error) {
	nodes, err := o.subtree(ctx, rootSyncID)
	if err != nil {
		return 0, 0, 0, err
	}

	var doomed []string
	var keep []*types.SyncNodeInfo
	for _, n := range nodes {
		if n.HasLocalChanges || n.IsRemovedFromSyncWithLocalChanges {
			keep = append(keep, n)
			continue
		}
		doomed = append(doomed, n.NodeSyncID)
	}

	if err := queue.WaitDone(ctx, o.queue.CancelNodes(doomed)); err != nil {
		return 0, 0, 0, err
	}

	for _, n := range keep {
		detached, err := o.reg.Update(ctx, n.NodeSyncID, func(i *types.SyncNodeInfo) error {
			i.ParentSyncID = ""
			i.IsTopLevelSyncNode = false
			i.IsRemovedFromSyncWithLocalChanges = true
			return nil
		})
		if err != nil {
			return removed, kept, recorded, err
		}
		_, changed, err := o.ledger.Record(ctx, detached, types.ObstacleRemoteDeletedLocalDirty, detail)
		if err != nil {
			return removed, kept, recorded, err
		}
		kept++
		if changed {
			recorded++
			o.publish(ctx, ChangeObstacle, n.NodeSyncID, n.ParentSyncID)
		}
	}

	removed, err = o.deleteNodes(ctx, doomed)
	return removed, kept, recorded, err
}

// deleteNodes drops records and their content. Callers make sure no
// transfer for them is still running.
func (o *Orchestrator) deleteNodes(ctx context.Context, ids []string) (int, error) {
	type gone struct {
		id    string
		path  string
		chain map[string]bool
	}
	scoped := o.subs.scoped()
	var doomed []gone
	for _, id := range ids {
		info, err := o.reg.Get(ctx, id)
		if err != nil {
			if errors.Is(err, registry.ErrNotFound) {
				continue
			}
			return 0, err
		}
		g := gone{id: id, path: info.LocalContentPath}
		if scoped {
			g.chain = o.lineage(ctx, id, info.ParentSyncID)
		}
		doomed = append(doomed, g)
	}
	if len(doomed) == 0 {
		return 0, nil
	}

	syncIDs := make([]string, 0, len(doomed))
	for _, g := range doomed {
		syncIDs = append(syncIDs, g.id)
	}
	if err := o.reg.DeleteMany(ctx, syncIDs); err != nil {
		return 0, err
	}
	for _, g := range doomed {
		o.removeContent(g.path)
		o.queue.Forget(g.id)
		o.publishChain(ChangeEvent{AccountID: o.account.ID, Kind: ChangeRemoved, NodeSyncID: g.id}, g.chain)
	}
	o.logger.Debug("Nodes deleted",
		logging.F("account", o.account.ID),
		logging.F("count", len(doomed)))
	return len(doomed), nil
}

func (o *Orchestrator) unfavorite(ctx context.Context, info *types.SyncNodeInfo) error {
	editor, ok := o.repo.(remote.FavoritesEditor)
	if !ok {
		return nil
	}
	if err := editor.SetFavorite(ctx, remoteIDOf(info), false); err != nil {
		return fmt.Errorf("failed to unfavorite %s: %w", info.NodeSyncID, err)
	}
	return nil
}

// freshNode fetches current metadata, falling back to the stored snapshot
// when the repository cannot be reached. The transfer then parks offline.
func (o *Orchestrator) freshNode(ctx context.Context, info *types.SyncNodeInfo) (*types.RemoteNode, error) {
	node, err := o.repo.GetNode(ctx, remoteIDOf(info))
	if err == nil {
		return node, nil
	}
	if !remote.IsOffline(err) {
		return nil, fmt.Errorf("failed to fetch node %s: %w", info.NodeSyncID, err)
	}
	return o.remoteNode(info)
}

// remoteIDOf returns the id the repository knows a tracked node by
func remoteIDOf(info *types.SyncNodeInfo) string {
	if node, err := info.RemoteNode(); err == nil && node != nil && node.ID != "" {
		return node.ID
	}
	return info.NodeSyncID
}
