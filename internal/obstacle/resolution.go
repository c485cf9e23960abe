package obstacle

import (
	"fmt"

	"github.com/dl-alexandre/docsync/internal/types"
)

// Resolution is the caller's decision for an obstacle
type Resolution string

const (
	// ResolutionAcceptRemote discards local edits in favor of the remote state
	ResolutionAcceptRemote Resolution = "accept-remote"
	// ResolutionKeepLocal pushes local edits to the repository
	ResolutionKeepLocal Resolution = "keep-local"
)

// ActionType is the deferred work a resolution performs
type ActionType string

const (
	// ActionPurge deletes the node record and its local content
	ActionPurge ActionType = "purge"
	// ActionDownload overwrites local content with the remote version
	ActionDownload ActionType = "download"
	// ActionUpload uploads local content, then follows the upload completion rules
	ActionUpload ActionType = "upload"
)

// ParseResolution accepts the CLI spelling of a resolution
func ParseResolution(s string) (Resolution, error) {
	switch Resolution(s) {
	case ResolutionAcceptRemote, ResolutionKeepLocal:
		return Resolution(s), nil
	case "":
		return ResolutionAcceptRemote, nil
	}
	return "", fmt.Errorf("invalid resolution %q (must be %q or %q)", s, ResolutionAcceptRemote, ResolutionKeepLocal)
}

// Plan returns the action that settles an obstacle under a resolution
func Plan(kind types.ObstacleKind, resolution Resolution) (ActionType, error) {
	switch resolution {
	case ResolutionAcceptRemote:
		switch kind {
		case types.ObstacleRemoteDeletedLocalDirty:
			return ActionPurge, nil
		case types.ObstacleRemoteContentReplacedLocalDirty:
			return ActionDownload, nil
		}
	case ResolutionKeepLocal:
		switch kind {
		case types.ObstacleRemoteDeletedLocalDirty, types.ObstacleRemoteContentReplacedLocalDirty:
			return ActionUpload, nil
		}
	default:
		return "", fmt.Errorf("unknown resolution %q", resolution)
	}
	return "", fmt.Errorf("unknown obstacle kind %q", kind)
}
