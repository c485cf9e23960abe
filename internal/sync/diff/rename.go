package diff

import (
	"github.com/dl-alexandre/docsync/internal/types"
)

// isRenamed reports a title change that did not move the modification date
func isRenamed(remote *types.RemoteNode, tracked *types.SyncNodeInfo) bool {
	return remote.Name != "" && remote.Name != tracked.Title
}

// Filter returns the actions of the given types, keeping their order
func Filter(actions []Action, keep ...ActionType) []Action {
	wanted := make(map[ActionType]bool, len(keep))
	for _, t := range keep {
		wanted[t] = true
	}
	filtered := make([]Action, 0, len(actions))
	for _, action := range actions {
		if wanted[action.Type] {
			filtered = append(filtered, action)
		}
	}
	return filtered
}
