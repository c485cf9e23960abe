// Package sync keeps the offline replica of an account's favorite nodes
// consistent with the remote repository.
//
// An Orchestrator owns one account partition: its registry, content store,
// obstacle ledger and operation queue. The Manager opens and closes
// orchestrators as accounts are enabled, disabled and removed.
package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/dl-alexandre/docsync/internal/content"
	"github.com/dl-alexandre/docsync/internal/dispatch"
	"github.com/dl-alexandre/docsync/internal/logging"
	"github.com/dl-alexandre/docsync/internal/obstacle"
	"github.com/dl-alexandre/docsync/internal/queue"
	"github.com/dl-alexandre/docsync/internal/registry"
	"github.com/dl-alexandre/docsync/internal/remote"
	"github.com/dl-alexandre/docsync/internal/types"
	"github.com/dl-alexandre/docsync/internal/utils"
)

var (
	// ErrHasLocalChanges is returned when removing a node would discard unsent edits
	ErrHasLocalChanges = utils.ErrHasLocalChanges
	// ErrAccountNotEnabled is returned for accounts without an open partition
	ErrAccountNotEnabled = utils.ErrAccountUnknown
	// ErrDisableAborted is returned when the caller declines to disable sync
	ErrDisableAborted = utils.ErrDisableAborted
	// ErrNoLocalContent is returned when uploading a node that was never downloaded
	ErrNoLocalContent = utils.ErrNoLocalContent
	// ErrNoObstacle is returned when resolving a node without an obstacle
	ErrNoObstacle = errors.New("node has no unresolved obstacle")
	// ErrNotDocument is returned for document-only operations on folders
	ErrNotDocument = errors.New("node is a folder")
)

// Delegate receives account-wide notifications on the callback executor
type Delegate struct {
	OnOperationCount func(accountID string, inProgress int)
	OnProgress       func(accountID string, totalBytes, syncedBytes int64)
}

// Options configures an Orchestrator
type Options struct {
	Account          types.Account
	Registry         *registry.Registry
	Store            *content.Store
	Repository       remote.Repository
	Executor         dispatch.Executor
	Delegate         Delegate
	ProgressInterval time.Duration
	ListConcurrency  int
	Logger           logging.Logger
}

// Orchestrator coordinates sync for one account
type Orchestrator struct {
	account         types.Account
	reg             *registry.Registry
	store           *content.Store
	ledger          *obstacle.Ledger
	repo            remote.Repository
	queue           *queue.Queue
	exec            dispatch.Executor
	delegate        Delegate
	listConcurrency int
	logger          logging.Logger

	refreshMu  gosync.Mutex
	refreshing atomic.Bool
	walkMu     gosync.Mutex
	walkCancel context.CancelFunc

	subs subscribers
}

// New builds an orchestrator over an open registry partition
func New(opts Options) (*Orchestrator, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("content store is required")
	}
	if opts.Repository == nil {
		return nil, fmt.Errorf("remote repository is required")
	}
	if opts.Account.ID == "" {
		opts.Account.ID = opts.Registry.AccountID()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNoOpLogger()
	}
	if opts.Executor == nil {
		opts.Executor = dispatch.Inline{}
	}
	if opts.ListConcurrency <= 0 {
		opts.ListConcurrency = utils.DefaultListConcurrency
	}

	o := &Orchestrator{
		account:         opts.Account,
		reg:             opts.Registry,
		store:           opts.Store,
		ledger:          obstacle.NewLedger(opts.Registry, opts.Logger),
		repo:            opts.Repository,
		exec:            opts.Executor,
		delegate:        opts.Delegate,
		listConcurrency: opts.ListConcurrency,
		logger:          opts.Logger,
	}
	o.subs.init()

	accountID := o.account.ID
	o.queue = queue.New(queue.Options{
		AccountID:        accountID,
		ProgressInterval: opts.ProgressInterval,
		Executor:         opts.Executor,
		Logger:           opts.Logger,
		Callbacks: queue.Callbacks{
			OnOperationCount: func(n int) {
				if cb := o.delegate.OnOperationCount; cb != nil {
					cb(accountID, n)
				}
			},
			OnProgress: func(total, synced int64) {
				if cb := o.delegate.OnProgress; cb != nil {
					cb(accountID, total, synced)
				}
			},
			OnNodeStatus: o.onNodeStatus,
		},
	})
	return o, nil
}

// Account returns the account this orchestrator serves
func (o *Orchestrator) Account() types.Account {
	return o.account
}

// Registry returns the account's registry partition
func (o *Orchestrator) Registry() *registry.Registry {
	return o.reg
}

// Store returns the account's content store
func (o *Orchestrator) Store() *content.Store {
	return o.store
}

// Ledger returns the account's obstacle ledger
func (o *Orchestrator) Ledger() *obstacle.Ledger {
	return o.ledger
}

// Queue returns the account's operation queue
func (o *Orchestrator) Queue() *queue.Queue {
	return o.queue
}

// IsCurrentlySyncing reports whether a refresh or any transfer is in progress
func (o *Orchestrator) IsCurrentlySyncing() bool {
	return o.refreshing.Load() || o.queue.IsBusy()
}

// CancelAllSyncOperations stops a running refresh walk and cancels every
// queued and running transfer.
func (o *Orchestrator) CancelAllSyncOperations() []*queue.Handle {
	// Holding walkMu across both steps keeps a walk from enqueueing after the
	// sweep; see refreshRun.download.
	o.walkMu.Lock()
	defer o.walkMu.Unlock()
	if o.walkCancel != nil {
		o.walkCancel()
	}
	return o.queue.CancelAll(types.ActivityNone)
}

// Cancel cancels the transfer of a document, running or not. For a folder it
// cancels the transfers of its subtree that have not started yet and lets
// running ones finish. It returns how many operations were cancelled.
func (o *Orchestrator) Cancel(ctx context.Context, syncID string) (int, error) {
	info, err := o.reg.Get(ctx, syncID)
	if err != nil {
		return 0, err
	}
	if !info.IsFolder {
		if o.queue.Cancel(syncID) {
			return 1, nil
		}
		return 0, nil
	}

	count := 0
	if info.IsTopLevelSyncNode {
		count = o.queue.CancelBatch(syncID)
	}
	nodes, err := o.subtree(ctx, syncID)
	if err != nil {
		return count, err
	}
	ids := make([]string, 0, len(nodes))
	for _, n := range nodes {
		ids = append(ids, n.NodeSyncID)
	}
	count += o.queue.CancelPending(ids)
	o.logger.Info("Cancelled folder transfers",
		logging.F("account", o.account.ID),
		logging.F("node", syncID),
		logging.F("count", count))
	return count, nil
}

// CancelOperations cancels the transfers of one activity, or all of them for
// types.ActivityNone
func (o *Orchestrator) CancelOperations(activity types.ActivityType) []*queue.Handle {
	if activity == types.ActivityNone {
		return o.CancelAllSyncOperations()
	}
	return o.queue.CancelAll(activity)
}

// Pause stops starting new transfers without cancelling running ones
func (o *Orchestrator) Pause(paused bool) {
	o.queue.Pause(paused)
}

// SetOnline parks waiting transfers while offline. Going online resumes the
// queue and retries nodes whose last transfer failed.
func (o *Orchestrator) SetOnline(ctx context.Context, online bool) error {
	o.queue.SetOnline(online)
	if !online {
		return nil
	}

	failures, err := o.reg.SyncErrors(ctx)
	if err != nil {
		return err
	}
	for _, f := range failures {
		if _, err := o.RetryNode(ctx, f.NodeSyncID); err != nil && !errors.Is(err, queue.ErrAlreadyInFlight) {
			o.logger.Warn("Retry after reconnect failed",
				logging.F("account", o.account.ID),
				logging.F("node", f.NodeSyncID),
				logging.F("error", err))
		}
	}
	return nil
}

// CheckConnectivity probes the repository with a one-item favorites listing
// and switches the queue when reachability changed. Errors other than being
// offline count as reachable and are returned.
func (o *Orchestrator) CheckConnectivity(ctx context.Context) (bool, error) {
	_, err := o.repo.RetrieveFavorites(ctx, remote.Paging{PageSize: 1})
	online := !remote.IsOffline(err)
	if online != o.queue.Online() {
		o.logger.Info("Connectivity changed",
			logging.F("account", o.account.ID),
			logging.F("online", online))
		if serr := o.SetOnline(ctx, online); serr != nil {
			return online, serr
		}
	}
	if !online {
		return false, nil
	}
	return true, err
}

// SyncStatusForNode returns the node's transfer state. Nodes the queue has not
// seen are reported from the registry.
func (o *Orchestrator) SyncStatusForNode(ctx context.Context, syncID string) (types.SyncNodeStatus, error) {
	if st, ok := o.queue.Status(syncID); ok {
		return st, nil
	}

	info, err := o.reg.Get(ctx, syncID)
	if err != nil {
		return types.SyncNodeStatus{}, err
	}
	st := types.SyncNodeStatus{NodeSyncID: syncID}
	syncErr, err := o.reg.SyncError(ctx, syncID)
	if err != nil {
		return st, err
	}
	switch {
	case syncErr != nil:
		st.Status = types.StatusFailed
	case info.IsFolder || (info.LocalContentPath != "" && !info.ReloadContentFlag):
		st.Status = types.StatusSuccessful
	}
	return st, nil
}

// PermissionsForSyncNode returns the permissions stored with the node. When
// none were stored yet they are fetched and kept for offline use.
func (o *Orchestrator) PermissionsForSyncNode(ctx context.Context, syncID string) (*types.Permissions, error) {
	info, err := o.reg.Get(ctx, syncID)
	if err != nil {
		return nil, err
	}
	perms, err := info.Permissions()
	if err == nil && perms != nil {
		return perms, nil
	}

	node, err := o.remoteNode(info)
	if err != nil {
		return nil, err
	}
	perms, err = o.repo.GetPermissions(ctx, node)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch permissions for %s: %w", syncID, err)
	}
	snapshot, err := types.MarshalSnapshot(perms)
	if err != nil {
		return nil, err
	}
	if _, err := o.reg.Update(ctx, syncID, func(i *types.SyncNodeInfo) error {
		i.RemotePermissionsSnapshot = snapshot
		return nil
	}); err != nil {
		return nil, err
	}
	return perms, nil
}

// Obstacles returns the unresolved obstacles of the account
func (o *Orchestrator) Obstacles(ctx context.Context) ([]*types.Obstacle, error) {
	return o.ledger.Present(ctx)
}

// Close cancels every transfer and stops the queue. The registry stays open.
func (o *Orchestrator) Close() {
	o.walkMu.Lock()
	if o.walkCancel != nil {
		o.walkCancel()
	}
	o.walkMu.Unlock()
	o.queue.Disable()
}

// remoteNode returns the last known remote metadata of a tracked node, or a
// minimal node carrying its id when no snapshot was stored
func (o *Orchestrator) remoteNode(info *types.SyncNodeInfo) (*types.RemoteNode, error) {
	node, err := info.RemoteNode()
	if err != nil {
		return nil, fmt.Errorf("%w: unreadable snapshot for %s: %v", registry.ErrRegistryCorruption, info.NodeSyncID, err)
	}
	if node == nil {
		node = &types.RemoteNode{ID: info.NodeSyncID, Name: info.Title, IsFolder: info.IsFolder}
	}
	return node, nil
}
