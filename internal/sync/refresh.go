package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/dl-alexandre/docsync/internal/identity"
	"github.com/dl-alexandre/docsync/internal/logging"
	"github.com/dl-alexandre/docsync/internal/queue"
	"github.com/dl-alexandre/docsync/internal/registry"
	"github.com/dl-alexandre/docsync/internal/remote"
	"github.com/dl-alexandre/docsync/internal/sync/diff"
	"github.com/dl-alexandre/docsync/internal/types"
	"golang.org/x/sync/errgroup"
)

// RefreshResult summarizes one refresh pass. Completed is true once every
// operation the pass enqueued reached a terminal state or was parked offline,
// whatever the individual outcomes.
type RefreshResult struct {
	Completed bool `json:"completed"`
	Enqueued  int  `json:"enqueued"`
	Created   int  `json:"created"`
	Updated   int  `json:"updated"`
	Removed   int  `json:"removed"`
	Kept      int  `json:"kept"`
	Obstacles int  `json:"obstacles"`
	Repaired  int  `json:"repaired"`

	Successful int `json:"successful"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
	Offline    int `json:"offline"`
}

// scope is the parent a diff is applied under
type scope struct {
	parent   string
	topLevel bool
	batch    string
}

func (s scope) owns(info *types.SyncNodeInfo) bool {
	if info.IsRemovedFromSyncWithLocalChanges {
		return false
	}
	if s.topLevel {
		return info.IsTopLevelSyncNode
	}
	return info.ParentSyncID == s.parent
}

func (s scope) batchFor(syncID string) string {
	if s.topLevel || s.batch == "" {
		return syncID
	}
	return s.batch
}

type folderVisit struct {
	node  *types.RemoteNode
	batch string
}

type refreshRun struct {
	o       *Orchestrator
	result  *RefreshResult
	handles []*queue.Handle
	failed  map[string]bool
	visited map[string]bool
}

// Refresh fetches the favorite set, reconciles it and every synced folder
// with the registry, and waits until the enqueued transfers settle. Only one
// refresh runs at a time per account.
func (o *Orchestrator) Refresh(ctx context.Context) (*RefreshResult, error) {
	o.refreshMu.Lock()
	defer o.refreshMu.Unlock()
	o.refreshing.Store(true)
	defer o.refreshing.Store(false)

	walkCtx, cancel := context.WithCancel(ctx)
	o.walkMu.Lock()
	o.walkCancel = cancel
	o.walkMu.Unlock()
	defer func() {
		o.walkMu.Lock()
		o.walkCancel = nil
		o.walkMu.Unlock()
		cancel()
	}()

	run := &refreshRun{
		o:       o,
		result:  &RefreshResult{},
		visited: make(map[string]bool),
	}
	walkErr := run.reconcile(walkCtx)
	if walkErr != nil && ctx.Err() == nil && walkCtx.Err() != nil {
		// CancelAllSyncOperations stopped the walk; what was enqueued still settles.
		walkErr = nil
	}
	if walkErr != nil && len(run.handles) == 0 {
		return nil, walkErr
	}

	if err := o.queue.WaitSettled(ctx, run.handles); err != nil {
		return nil, err
	}
	run.tally()
	run.result.Completed = true

	o.logger.Info("Refresh completed",
		logging.F("account", o.account.ID),
		logging.F("enqueued", run.result.Enqueued),
		logging.F("created", run.result.Created),
		logging.F("removed", run.result.Removed),
		logging.F("obstacles", run.result.Obstacles),
		logging.F("failed", run.result.Failed))
	return run.result, walkErr
}

// RefreshWithCompletion runs Refresh in the background and delivers its
// result exactly once on the callback executor
func (o *Orchestrator) RefreshWithCompletion(ctx context.Context, completion func(*RefreshResult, error)) {
	go func() {
		result, err := o.Refresh(ctx)
		if completion != nil {
			o.exec.Dispatch(func() { completion(result, err) })
		}
	}()
}

func (r *refreshRun) reconcile(ctx context.Context) error {
	o := r.o
	if err := r.repair(ctx); err != nil {
		return err
	}

	favorites, err := remote.AllFavorites(ctx, o.repo)
	if err != nil {
		if remote.IsOffline(err) {
			o.queue.SetOnline(false)
		}
		return fmt.Errorf("failed to retrieve favorites: %w", err)
	}
	if !o.queue.Online() {
		o.queue.SetOnline(true)
	}

	if err := r.loadFailed(ctx); err != nil {
		return err
	}
	tracked, err := o.reg.TopLevelNodes(ctx)
	if err != nil {
		return err
	}

	level, err := r.applyLevel(ctx, favorites, tracked, scope{topLevel: true})
	if err != nil {
		return err
	}
	return r.walk(ctx, level)
}

// repair purges subtrees whose parent links are broken. The walk that follows
// rebuilds them from a fresh listing.
func (r *refreshRun) repair(ctx context.Context) error {
	problems, err := r.o.reg.Verify(ctx)
	if err != nil {
		return err
	}
	for _, p := range problems {
		exists, err := r.o.reg.Exists(ctx, p.NodeSyncID)
		if err != nil {
			return err
		}
		if !exists {
			continue
		}
		r.o.logger.Warn("Repairing registry subtree",
			logging.F("account", r.o.account.ID),
			logging.F("node", p.NodeSyncID),
			logging.F("problem", string(p.Kind)))
		if err := r.purge(ctx, p.NodeSyncID, "registry link repaired"); err != nil {
			return err
		}
		r.result.Repaired++
	}
	return nil
}

func (r *refreshRun) loadFailed(ctx context.Context) error {
	failures, err := r.o.reg.SyncErrors(ctx)
	if err != nil {
		return err
	}
	r.failed = make(map[string]bool, len(failures))
	for _, f := range failures {
		r.failed[f.NodeSyncID] = true
	}
	return nil
}

// walk descends breadth-first into synced folders. Listings of one level are
// fetched concurrently; their diffs are applied one folder at a time.
func (r *refreshRun) walk(ctx context.Context, level []folderVisit) error {
	for len(level) > 0 {
		listings := make([][]*types.RemoteNode, len(level))
		listed := make([]bool, len(level))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.o.listConcurrency)
		for i, f := range level {
			g.Go(func() error {
				children, err := remote.AllChildren(gctx, r.o.repo, f.node.ID)
				if err != nil {
					if remote.IsOffline(err) || gctx.Err() != nil {
						return err
					}
					r.o.logger.Warn("Folder listing failed, subtree left unchanged",
						logging.F("account", r.o.account.ID),
						logging.F("folder", identity.SyncIDForNode(f.node)),
						logging.F("error", err))
					return nil
				}
				listings[i] = children
				listed[i] = true
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			if remote.IsOffline(err) {
				r.o.queue.SetOnline(false)
			}
			return fmt.Errorf("folder walk stopped: %w", err)
		}

		var next []folderVisit
		for i, f := range level {
			if !listed[i] {
				continue
			}
			folderID := identity.SyncIDForNode(f.node)
			tracked, err := r.o.reg.ChildrenOf(ctx, folderID)
			if err != nil {
				return err
			}
			sub, err := r.applyLevel(ctx, listings[i], tracked, scope{parent: folderID, batch: f.batch})
			if err != nil {
				return err
			}
			next = append(next, sub...)
		}
		level = next
	}
	return nil
}

// applyLevel diffs one listing against the records of its scope, applies the
// actions and returns the folders to descend into
func (r *refreshRun) applyLevel(ctx context.Context, listing []*types.RemoteNode, tracked []*types.SyncNodeInfo, s scope) ([]folderVisit, error) {
	snapshot := diff.Snapshot{
		Remote:  make(map[string]*types.RemoteNode, len(listing)),
		Tracked: make(map[string]*types.SyncNodeInfo, len(tracked)),
		Failed:  r.failed,
	}
	for _, n := range listing {
		snapshot.Remote[identity.SyncIDForNode(n)] = n
	}
	for _, t := range tracked {
		snapshot.Tracked[t.NodeSyncID] = t
	}

	for _, a := range diff.Compute(snapshot) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := r.apply(ctx, a, s); err != nil {
			return nil, err
		}
	}

	ids := make([]string, 0, len(snapshot.Remote))
	for id, n := range snapshot.Remote {
		if n.IsFolder {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	var folders []folderVisit
	for _, id := range ids {
		if r.visited[id] {
			continue
		}
		info, err := r.o.reg.Get(ctx, id)
		if err != nil {
			if errors.Is(err, registry.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if !s.owns(info) {
			continue
		}
		r.visited[id] = true
		folders = append(folders, folderVisit{node: snapshot.Remote[id], batch: s.batchFor(id)})
	}
	return folders, nil
}

func (r *refreshRun) apply(ctx context.Context, a diff.Action, s scope) error {
	switch a.Type {
	case diff.ActionCreate:
		return r.create(ctx, a.Remote, s)
	case diff.ActionDownload:
		return r.redownload(ctx, a, s)
	case diff.ActionUpdateMetadata:
		return r.updateMetadata(ctx, a)
	case diff.ActionRemove:
		return r.remove(ctx, a.Tracked, s)
	case diff.ActionRestore:
		return r.restore(ctx, a, s)
	case diff.ActionConflict:
		return r.conflict(ctx, a.Tracked, "remote content changed while local edits are pending")
	}
	return fmt.Errorf("unknown action %q", a.Type)
}

func (r *refreshRun) create(ctx context.Context, node *types.RemoteNode, s scope) error {
	o := r.o
	syncID := identity.SyncIDForNode(node)

	existing, err := o.reg.Get(ctx, syncID)
	switch {
	case err == nil:
		if existing.IsRemovedFromSyncWithLocalChanges {
			return r.restore(ctx, diff.Action{Type: diff.ActionRestore, NodeSyncID: syncID, Remote: node, Tracked: existing}, s)
		}
		if s.topLevel && !existing.IsTopLevelSyncNode {
			if _, err := o.reg.Update(ctx, syncID, func(i *types.SyncNodeInfo) error {
				i.IsTopLevelSyncNode = true
				return nil
			}); err != nil {
				return err
			}
			r.result.Updated++
			o.publish(ctx, ChangeUpdated, syncID, existing.ParentSyncID)
		}
		return nil
	case !errors.Is(err, registry.ErrNotFound):
		return err
	}

	info, err := o.newInfo(ctx, node, s)
	if err != nil {
		return err
	}
	if err := o.reg.Upsert(ctx, info); err != nil {
		return err
	}
	r.result.Created++
	o.publish(ctx, ChangeAdded, syncID, info.ParentSyncID)

	if !node.IsFolder {
		r.download(ctx, node, s.batchFor(syncID))
	}
	return nil
}

func (r *refreshRun) redownload(ctx context.Context, a diff.Action, s scope) error {
	if _, err := r.o.reg.Update(ctx, a.NodeSyncID, func(i *types.SyncNodeInfo) error {
		i.ReloadContentFlag = true
		return nil
	}); err != nil {
		return err
	}
	r.download(ctx, a.Remote, s.batchFor(a.NodeSyncID))
	return nil
}

func (r *refreshRun) updateMetadata(ctx context.Context, a diff.Action) error {
	snapshot, err := types.MarshalSnapshot(a.Remote)
	if err != nil {
		return err
	}
	updated, err := r.o.reg.Update(ctx, a.NodeSyncID, func(i *types.SyncNodeInfo) error {
		// A dirty document keeps its snapshot so a later content change is still detected as a conflict.
		if i.IsFolder || !i.HasLocalChanges {
			i.RemoteNodeSnapshot = snapshot
		}
		i.Title = a.Remote.Name
		return nil
	})
	if err != nil {
		return err
	}
	r.result.Updated++
	r.o.publish(ctx, ChangeUpdated, a.NodeSyncID, updated.ParentSyncID)
	return nil
}

// remove handles a record that vanished from its listing. A node reachable
// from another scope only loses its link to this one.
func (r *refreshRun) remove(ctx context.Context, tracked *types.SyncNodeInfo, s scope) error {
	o := r.o
	switch {
	case s.topLevel && tracked.IsTopLevelSyncNode && tracked.ParentSyncID != "":
		if _, err := o.reg.Update(ctx, tracked.NodeSyncID, func(i *types.SyncNodeInfo) error {
			i.IsTopLevelSyncNode = false
			return nil
		}); err != nil {
			return err
		}
		r.result.Updated++
		o.publish(ctx, ChangeUpdated, tracked.NodeSyncID, tracked.ParentSyncID)
		return nil
	case !s.topLevel && tracked.IsTopLevelSyncNode:
		if _, err := o.reg.Update(ctx, tracked.NodeSyncID, func(i *types.SyncNodeInfo) error {
			i.ParentSyncID = ""
			return nil
		}); err != nil {
			return err
		}
		r.result.Updated++
		o.publish(ctx, ChangeUpdated, tracked.NodeSyncID, tracked.ParentSyncID)
		return nil
	}

	detail := "removed from the remote folder"
	if s.topLevel {
		detail = "removed from favorites"
	}
	return r.purge(ctx, tracked.NodeSyncID, detail)
}

func (r *refreshRun) purge(ctx context.Context, rootSyncID, detail string) error {
	removed, kept, recorded, err := r.o.purgeSubtree(ctx, rootSyncID, detail)
	r.result.Removed += removed
	r.result.Kept += kept
	r.result.Obstacles += recorded
	return err
}

func (r *refreshRun) restore(ctx context.Context, a diff.Action, s scope) error {
	o := r.o
	restored, err := o.reg.Update(ctx, a.NodeSyncID, func(i *types.SyncNodeInfo) error {
		i.IsRemovedFromSyncWithLocalChanges = false
		if s.topLevel {
			i.IsTopLevelSyncNode = true
		} else {
			i.ParentSyncID = s.parent
		}
		return nil
	})
	if err != nil {
		return err
	}
	obstacle, err := o.ledger.Get(ctx, a.NodeSyncID)
	if err != nil {
		return err
	}
	if obstacle != nil && obstacle.Kind == types.ObstacleRemoteDeletedLocalDirty {
		if _, err := o.ledger.Clear(ctx, a.NodeSyncID); err != nil {
			return err
		}
		o.publish(ctx, ChangeObstacle, a.NodeSyncID, restored.ParentSyncID)
	}
	r.result.Updated++
	o.logger.Info("Node restored to sync",
		logging.F("account", o.account.ID),
		logging.F("node", a.NodeSyncID))
	o.publish(ctx, ChangeUpdated, a.NodeSyncID, restored.ParentSyncID)

	// The restored record is compared again, so a remote edit made meanwhile
	// turns into a conflict or a download.
	follow := diff.Compute(diff.Snapshot{
		Remote:  map[string]*types.RemoteNode{a.NodeSyncID: a.Remote},
		Tracked: map[string]*types.SyncNodeInfo{a.NodeSyncID: restored},
		Failed:  r.failed,
	})
	for _, next := range follow {
		if err := r.apply(ctx, next, s); err != nil {
			return err
		}
	}
	return nil
}

func (r *refreshRun) conflict(ctx context.Context, tracked *types.SyncNodeInfo, detail string) error {
	_, changed, err := r.o.ledger.Record(ctx, tracked, types.ObstacleRemoteContentReplacedLocalDirty, detail)
	if err != nil {
		return err
	}
	if changed {
		r.result.Obstacles++
		r.o.publish(ctx, ChangeObstacle, tracked.NodeSyncID, tracked.ParentSyncID)
	}
	return nil
}

// enqueue keeps the handle of a scheduled transfer. A node that already has
// an operation in flight is left to it.
// download enqueues a transfer unless the walk was cancelled. The check and
// the enqueue share walkMu with CancelAllSyncOperations.
func (r *refreshRun) download(ctx context.Context, node *types.RemoteNode, batch string) {
	r.o.walkMu.Lock()
	defer r.o.walkMu.Unlock()
	if ctx.Err() != nil {
		return
	}
	r.enqueue(r.o.enqueueDownload(node, batch))
}

func (r *refreshRun) enqueue(h *queue.Handle, err error) {
	if err != nil {
		if !errors.Is(err, queue.ErrAlreadyInFlight) {
			r.o.logger.Warn("Failed to enqueue transfer",
				logging.F("account", r.o.account.ID),
				logging.F("error", err))
		}
		return
	}
	r.handles = append(r.handles, h)
	r.result.Enqueued++
}

// tally counts outcomes. Handles still open are parked offline.
func (r *refreshRun) tally() {
	for _, h := range r.handles {
		select {
		case <-h.Done():
		default:
			r.result.Offline++
			continue
		}
		switch h.Outcome().Status {
		case types.StatusSuccessful:
			r.result.Successful++
		case types.StatusFailed:
			r.result.Failed++
		case types.StatusCancelled, types.StatusDisabled:
			r.result.Cancelled++
		}
	}
}

// newInfo builds the record of a newly discovered node. Permissions are
// fetched once so they are available offline.
func (o *Orchestrator) newInfo(ctx context.Context, node *types.RemoteNode, s scope) (*types.SyncNodeInfo, error) {
	snapshot, err := types.MarshalSnapshot(node)
	if err != nil {
		return nil, err
	}
	info := &types.SyncNodeInfo{
		AccountID:          o.account.ID,
		NodeSyncID:         identity.SyncIDForNode(node),
		Title:              node.Name,
		IsFolder:           node.IsFolder,
		IsTopLevelSyncNode: s.topLevel,
		RemoteNodeSnapshot: snapshot,
	}
	if !s.topLevel {
		info.ParentSyncID = s.parent
	}

	perms, err := o.repo.GetPermissions(ctx, node)
	if err != nil {
		o.logger.Debug("Permissions not fetched",
			logging.F("node", info.NodeSyncID),
			logging.F("error", err))
		return info, nil
	}
	if info.RemotePermissionsSnapshot, err = types.MarshalSnapshot(perms); err != nil {
		return nil, err
	}
	return info, nil
}
