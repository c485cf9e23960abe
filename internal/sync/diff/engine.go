package diff

import (
	"sort"

	"github.com/dl-alexandre/docsync/internal/types"
)

// Compute compares a remote listing against the registry and returns the
// actions that reconcile them, ordered by sync id. A node may get more than
// one action; they are meant to be applied in order.
func Compute(snapshot Snapshot) []Action {
	ids := make(map[string]struct{}, len(snapshot.Remote)+len(snapshot.Tracked))
	for id := range snapshot.Remote {
		ids[id] = struct{}{}
	}
	for id := range snapshot.Tracked {
		ids[id] = struct{}{}
	}

	var all []string
	for id := range ids {
		all = append(all, id)
	}
	sort.Strings(all)

	var actions []Action
	for _, id := range all {
		remote, remoteOK := snapshot.Remote[id]
		tracked, trackedOK := snapshot.Tracked[id]

		switch {
		case remoteOK && !trackedOK:
			actions = append(actions, Action{Type: ActionCreate, NodeSyncID: id, Remote: remote})

		case !remoteOK && trackedOK:
			actions = append(actions, Action{Type: ActionRemove, NodeSyncID: id, Tracked: tracked})

		case remoteOK && trackedOK:
			actions = append(actions, compare(id, remote, tracked, snapshot.Failed[id])...)
		}
	}
	return actions
}

func compare(id string, remote *types.RemoteNode, tracked *types.SyncNodeInfo, failed bool) []Action {
	var actions []Action
	action := func(t ActionType) {
		actions = append(actions, Action{Type: t, NodeSyncID: id, Remote: remote, Tracked: tracked})
	}

	// A restored record is compared again once its flag is cleared.
	if tracked.IsRemovedFromSyncWithLocalChanges {
		action(ActionRestore)
		return actions
	}

	prev, _ := tracked.RemoteNode()
	changed := isRemoteModified(remote, prev)

	switch {
	case remote.IsFolder:
		if changed || isRenamed(remote, tracked) {
			action(ActionUpdateMetadata)
		}
	case changed && tracked.HasLocalChanges:
		action(ActionConflict)
	case tracked.HasLocalChanges:
		if isRenamed(remote, tracked) {
			action(ActionUpdateMetadata)
		}
	case changed, tracked.ReloadContentFlag, tracked.LocalContentPath == "":
		if !failed {
			action(ActionDownload)
		}
	case isRenamed(remote, tracked):
		action(ActionUpdateMetadata)
	}
	return actions
}

// isRemoteModified compares modification dates. A missing or unreadable
// snapshot counts as modified.
func isRemoteModified(remote *types.RemoteNode, prev *types.RemoteNode) bool {
	if prev == nil {
		return true
	}
	if remote.IsFolder != prev.IsFolder {
		return true
	}
	return !remote.ModifiedAt.Equal(prev.ModifiedAt)
}
