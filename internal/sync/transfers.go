package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dl-alexandre/docsync/internal/identity"
	"github.com/dl-alexandre/docsync/internal/logging"
	"github.com/dl-alexandre/docsync/internal/queue"
	"github.com/dl-alexandre/docsync/internal/remote"
	"github.com/dl-alexandre/docsync/internal/types"
	"github.com/dl-alexandre/docsync/internal/utils"
)

// enqueueDownload schedules a content fetch for node. batch groups the
// operation with the other transfers of its top-level node.
func (o *Orchestrator) enqueueDownload(node *types.RemoteNode, batch string) (*queue.Handle, error) {
	syncID := identity.SyncIDForNode(node)
	if batch == "" {
		batch = syncID
	}
	return o.queue.Enqueue(queue.Request{
		NodeSyncID: syncID,
		Activity:   types.ActivityDownload,
		Batch:      batch,
		BytesTotal: node.Size,
		Run: func(ctx context.Context, progress remote.ProgressFunc) error {
			return o.download(ctx, node, progress)
		},
		Finish: o.finishTransfer,
	})
}

// enqueueUpload schedules an upload of the node's local content
func (o *Orchestrator) enqueueUpload(info *types.SyncNodeInfo, batch string) (*queue.Handle, error) {
	if info.IsFolder {
		return nil, fmt.Errorf("%w: %s", ErrNotDocument, info.NodeSyncID)
	}
	if info.LocalContentPath == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoLocalContent, info.NodeSyncID)
	}
	size, err := o.contentSize(info.LocalContentPath)
	if err != nil {
		return nil, err
	}
	if batch == "" {
		batch = info.NodeSyncID
	}
	syncID := info.NodeSyncID
	return o.queue.Enqueue(queue.Request{
		NodeSyncID: syncID,
		Activity:   types.ActivityUpload,
		Batch:      batch,
		BytesTotal: size,
		Run: func(ctx context.Context, progress remote.ProgressFunc) error {
			return o.upload(ctx, syncID, progress)
		},
		Finish: o.finishTransfer,
	})
}

func (o *Orchestrator) contentSize(path string) (int64, error) {
	rc, size, err := o.store.Open(path)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNoLocalContent, err)
	}
	rc.Close()
	return size, nil
}

// download fetches a document into a pending file and promotes it only once
// the transfer completed. The previous content stays in place on failure.
func (o *Orchestrator) download(ctx context.Context, node *types.RemoteNode, progress remote.ProgressFunc) error {
	syncID := identity.SyncIDForNode(node)
	if _, err := o.reg.Get(ctx, syncID); err != nil {
		return err
	}

	pending, err := o.store.Create(syncID, utils.ExtensionFor(node.MimeType))
	if err != nil {
		return err
	}
	if err := o.repo.Download(ctx, node, pending, progress); err != nil {
		pending.Discard()
		return err
	}
	if err := ctx.Err(); err != nil {
		pending.Discard()
		return err
	}

	// The content is on disk; the record must follow even if a cancel arrives now.
	bg := context.WithoutCancel(ctx)
	snapshot, err := types.MarshalSnapshot(node)
	if err != nil {
		pending.Discard()
		return err
	}
	// Promotion happens on the registry write path, so an edit reported by
	// MarkLocallyModified is either seen here or lands after the new content.
	var previous, path string
	updated, err := o.reg.Update(bg, syncID, func(info *types.SyncNodeInfo) error {
		if info.HasLocalChanges {
			return errLocalEditsPending
		}
		committed, err := pending.Commit()
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		previous, path = info.LocalContentPath, committed
		info.LastDownloadedDate = &now
		info.LocalContentPath = committed
		info.ReloadContentFlag = false
		info.RemoteNodeSnapshot = snapshot
		info.Title = node.Name
		return nil
	})
	if errors.Is(err, errLocalEditsPending) {
		pending.Discard()
		return o.downloadConflict(bg, syncID)
	}
	if err != nil {
		pending.Discard()
		return err
	}
	if previous != "" && previous != path {
		o.removeContent(previous)
	}
	if err := o.reg.ClearSyncError(bg, syncID); err != nil {
		o.logger.Warn("Failed to clear sync error", logging.F("node", syncID), logging.F("error", err))
	}

	o.logger.Debug("Content downloaded",
		logging.F("account", o.account.ID),
		logging.F("node", syncID),
		logging.F("path", path))
	o.publish(bg, ChangeContent, syncID, updated.ParentSyncID)
	return nil
}

// errLocalEditsPending aborts the promotion of downloaded content
var errLocalEditsPending = errors.New("local edits pending")

// downloadConflict keeps the local edits that arrived while a download was
// running and records the divergence instead of replacing them
func (o *Orchestrator) downloadConflict(ctx context.Context, syncID string) error {
	info, err := o.reg.Get(ctx, syncID)
	if err != nil {
		return err
	}
	_, changed, err := o.ledger.Record(ctx, info, types.ObstacleRemoteContentReplacedLocalDirty,
		"remote content changed while local edits were pending")
	if err != nil {
		return err
	}
	o.logger.Warn("Downloaded content dropped to keep local edits",
		logging.F("account", o.account.ID),
		logging.F("node", syncID))
	if changed {
		o.publish(ctx, ChangeObstacle, syncID, info.ParentSyncID)
	}
	return nil
}

// upload sends local content and stores the returned metadata, so the next
// refresh does not see the node as remotely modified
func (o *Orchestrator) upload(ctx context.Context, syncID string, progress remote.ProgressFunc) error {
	info, err := o.reg.Get(ctx, syncID)
	if err != nil {
		return err
	}
	if info.LocalContentPath == "" {
		return fmt.Errorf("%w: %s", ErrNoLocalContent, syncID)
	}
	node, err := o.remoteNode(info)
	if err != nil {
		return err
	}

	src, size, err := o.store.Open(info.LocalContentPath)
	if err != nil {
		return err
	}
	defer src.Close()

	updatedNode, err := o.repo.Upload(ctx, node, src, size, progress)
	if err != nil {
		return err
	}

	bg := context.WithoutCancel(ctx)
	fresh, err := o.reg.Get(bg, syncID)
	if err != nil {
		return err
	}
	if fresh.IsRemovedFromSyncWithLocalChanges {
		return o.purgeUploaded(bg, fresh)
	}

	snapshot, err := types.MarshalSnapshot(updatedNode)
	if err != nil {
		return err
	}
	updated, err := o.reg.Update(bg, syncID, func(i *types.SyncNodeInfo) error {
		i.RemoteNodeSnapshot = snapshot
		i.Title = updatedNode.Name
		i.HasLocalChanges = false
		i.ReloadContentFlag = false
		return nil
	})
	if err != nil {
		return err
	}
	if err := o.reg.ClearSyncError(bg, syncID); err != nil {
		o.logger.Warn("Failed to clear sync error", logging.F("node", syncID), logging.F("error", err))
	}
	cleared, err := o.ledger.Clear(bg, syncID)
	if err != nil {
		return err
	}

	o.logger.Info("Content uploaded",
		logging.F("account", o.account.ID),
		logging.F("node", syncID),
		logging.F("version", updatedNode.VersionLabel))
	o.publish(bg, ChangeUpdated, syncID, updated.ParentSyncID)
	if cleared {
		o.publish(bg, ChangeObstacle, syncID, updated.ParentSyncID)
	}
	return nil
}

// purgeUploaded performs the removal that was deferred while the node still
// held unsent edits. The edits are now on the server, so nothing is lost.
func (o *Orchestrator) purgeUploaded(ctx context.Context, info *types.SyncNodeInfo) error {
	if err := o.reg.Delete(ctx, info.NodeSyncID); err != nil {
		return err
	}
	if info.LocalContentPath != "" {
		o.removeContent(info.LocalContentPath)
	}
	o.logger.Info("Deferred removal completed after upload",
		logging.F("account", o.account.ID),
		logging.F("node", info.NodeSyncID))
	o.publish(ctx, ChangeObstacle, info.NodeSyncID, info.ParentSyncID)
	o.publish(ctx, ChangeRemoved, info.NodeSyncID, info.ParentSyncID)
	return nil
}

// finishTransfer records a SyncError for failed transfers. Cancelled and
// offline outcomes never produce one.
func (o *Orchestrator) finishTransfer(out queue.Outcome) {
	if out.Status != types.StatusFailed || out.Err == nil {
		return
	}
	ctx := context.Background()
	exists, err := o.reg.Exists(ctx, out.NodeSyncID)
	if err != nil || !exists {
		return
	}

	code := utils.ClassifySyncError(out.Err)
	if code == utils.ErrCodeUnknown {
		code = utils.ErrCodeTransferFailed
	}
	if err := o.reg.SetSyncError(ctx, types.SyncError{
		NodeSyncID: out.NodeSyncID,
		Code:       code,
		Detail:     out.Err.Error(),
		OccurredAt: time.Now().UTC(),
	}); err != nil {
		o.logger.Error("Failed to record sync error",
			logging.F("account", o.account.ID),
			logging.F("node", out.NodeSyncID),
			logging.F("error", err))
	}
}

func (o *Orchestrator) removeContent(path string) {
	if err := o.store.Remove(path); err != nil {
		o.logger.Warn("Failed to remove content",
			logging.F("account", o.account.ID),
			logging.F("path", path),
			logging.F("error", err))
	}
}
