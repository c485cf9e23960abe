package diff

import (
	"github.com/dl-alexandre/docsync/internal/types"
)

// ActionType is what the orchestrator does for one node
type ActionType string

const (
	// ActionCreate registers a node the registry does not know yet
	ActionCreate ActionType = "create"
	// ActionDownload re-fetches content that changed remotely or was never fetched
	ActionDownload ActionType = "download"
	// ActionUpdateMetadata stores fresh metadata without a transfer
	ActionUpdateMetadata ActionType = "update_metadata"
	// ActionRemove takes a node that left the remote set out of sync
	ActionRemove ActionType = "remove"
	// ActionRestore reattaches a node kept for its local changes that is back in the remote set
	ActionRestore ActionType = "restore"
	// ActionConflict records that remote content changed under pending local edits
	ActionConflict ActionType = "conflict"
)

// Action is one planned change for a node
type Action struct {
	Type       ActionType
	NodeSyncID string
	Remote     *types.RemoteNode
	Tracked    *types.SyncNodeInfo
}

// Snapshot is the input of one comparison: the fresh remote listing of a
// level and the registry records at that level, both keyed by sync id.
type Snapshot struct {
	Remote  map[string]*types.RemoteNode
	Tracked map[string]*types.SyncNodeInfo
	// Failed holds nodes with a recorded SyncError. They are not re-fetched
	// automatically.
	Failed map[string]bool
}
