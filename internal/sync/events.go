package sync

import (
	"context"
	gosync "sync"

	"github.com/dl-alexandre/docsync/internal/logging"
	"github.com/dl-alexandre/docsync/internal/types"
)

// ChangeKind classifies a ChangeEvent
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeUpdated  ChangeKind = "updated"
	ChangeContent  ChangeKind = "content"
	ChangeRemoved  ChangeKind = "removed"
	ChangeObstacle ChangeKind = "obstacle"
	ChangeStatus   ChangeKind = "status"
)

// ChangeEvent reports a change to one tracked node. Status is set for
// ChangeStatus events only.
type ChangeEvent struct {
	AccountID  string
	Kind       ChangeKind
	NodeSyncID string
	Status     *types.SyncNodeStatus
}

type subscription struct {
	root string
	fn   func(ChangeEvent)
}

type subscribers struct {
	mu     gosync.Mutex
	nextID int
	subs   map[int]subscription
}

func (s *subscribers) init() {
	s.subs = make(map[int]subscription)
}

// scoped reports whether any subscriber is limited to a subtree
func (s *subscribers) scoped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if sub.root != "" {
			return true
		}
	}
	return false
}

func (s *subscribers) snapshot() []subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, sub)
	}
	return out
}

// Subscribe delivers events for rootSyncID and every node below it on the
// callback executor. An empty root receives every event of the account.
// The returned func cancels the subscription.
func (o *Orchestrator) Subscribe(rootSyncID string, fn func(ChangeEvent)) func() {
	o.subs.mu.Lock()
	id := o.subs.nextID
	o.subs.nextID++
	o.subs.subs[id] = subscription{root: rootSyncID, fn: fn}
	o.subs.mu.Unlock()

	var once gosync.Once
	return func() {
		once.Do(func() {
			o.subs.mu.Lock()
			delete(o.subs.subs, id)
			o.subs.mu.Unlock()
		})
	}
}

// lineage returns the node and its ancestors. parentSyncID is passed for
// nodes that were already deleted from the registry.
func (o *Orchestrator) lineage(ctx context.Context, syncID, parentSyncID string) map[string]bool {
	chain := map[string]bool{syncID: true}
	if parentSyncID == "" {
		if info, err := o.reg.Get(ctx, syncID); err == nil {
			parentSyncID = info.ParentSyncID
		}
	}
	if parentSyncID == "" {
		return chain
	}
	chain[parentSyncID] = true
	ancestors, err := o.reg.Ancestors(ctx, parentSyncID)
	if err != nil {
		o.logger.Debug("Lineage lookup failed",
			logging.F("node", syncID),
			logging.F("error", err))
	}
	for _, id := range ancestors {
		chain[id] = true
	}
	return chain
}

// publish sends an event to every subscriber whose root covers the node
func (o *Orchestrator) publish(ctx context.Context, kind ChangeKind, syncID, parentSyncID string) {
	o.publishEvent(ctx, ChangeEvent{AccountID: o.account.ID, Kind: kind, NodeSyncID: syncID}, parentSyncID)
}

func (o *Orchestrator) publishEvent(ctx context.Context, ev ChangeEvent, parentSyncID string) {
	var chain map[string]bool
	if o.subs.scoped() {
		chain = o.lineage(ctx, ev.NodeSyncID, parentSyncID)
	}
	o.publishChain(ev, chain)
}

// publishChain delivers ev to the subscribers whose root is in chain. It is
// used directly when the lineage was resolved before the records were deleted.
func (o *Orchestrator) publishChain(ev ChangeEvent, chain map[string]bool) {
	for _, sub := range o.subs.snapshot() {
		if sub.root != "" && !chain[sub.root] {
			continue
		}
		fn := sub.fn
		o.exec.Dispatch(func() { fn(ev) })
	}
}

// onNodeStatus forwards queue status changes as events. The queue already
// delivers it on the callback executor, so subscribers are called directly.
func (o *Orchestrator) onNodeStatus(st types.SyncNodeStatus) {
	subs := o.subs.snapshot()
	if len(subs) == 0 {
		return
	}
	status := st
	ev := ChangeEvent{AccountID: o.account.ID, Kind: ChangeStatus, NodeSyncID: st.NodeSyncID, Status: &status}

	var chain map[string]bool
	for _, sub := range subs {
		if sub.root == "" || sub.root == st.NodeSyncID {
			sub.fn(ev)
			continue
		}
		if chain == nil {
			chain = o.lineage(context.Background(), st.NodeSyncID, "")
		}
		if chain[sub.root] {
			sub.fn(ev)
		}
	}
}
