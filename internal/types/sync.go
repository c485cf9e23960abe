package types

import "time"

// Account identifies a repository account whose content is kept offline
type Account struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	ServerURL string `json:"serverUrl,omitempty"`
}

// SyncNodeInfo is the registry record of one tracked node
type SyncNodeInfo struct {
	AccountID                         string     `json:"accountId"`
	NodeSyncID                        string     `json:"nodeSyncId"`
	ParentSyncID                      string     `json:"parentSyncId,omitempty"`
	Title                             string     `json:"title"`
	IsFolder                          bool       `json:"isFolder"`
	IsTopLevelSyncNode                bool       `json:"isTopLevelSyncNode"`
	IsRemovedFromSyncWithLocalChanges bool       `json:"isRemovedFromSyncWithLocalChanges"`
	HasLocalChanges                   bool       `json:"hasLocalChanges"`
	ReloadContentFlag                 bool       `json:"reloadContentFlag"`
	LastDownloadedDate                *time.Time `json:"lastDownloadedDate,omitempty"`
	RemoteNodeSnapshot                string     `json:"remoteNodeSnapshot,omitempty"`
	RemotePermissionsSnapshot         string     `json:"remotePermissionsSnapshot,omitempty"`
	LocalContentPath                  string     `json:"localContentPath,omitempty"`
}

// RemoteNode decodes the stored snapshot
func (i *SyncNodeInfo) RemoteNode() (*RemoteNode, error) {
	return UnmarshalNodeSnapshot(i.RemoteNodeSnapshot)
}

// Permissions decodes the stored permissions snapshot
func (i *SyncNodeInfo) Permissions() (*Permissions, error) {
	return UnmarshalPermissionsSnapshot(i.RemotePermissionsSnapshot)
}

// SyncError is the last transfer failure recorded for a node
type SyncError struct {
	NodeSyncID string    `json:"nodeSyncId"`
	Code       string    `json:"code"`
	Detail     string    `json:"detail"`
	OccurredAt time.Time `json:"occurredAt"`
}

// ObstacleKind classifies a local/remote divergence
type ObstacleKind string

const (
	ObstacleRemoteDeletedLocalDirty         ObstacleKind = "remote_deleted_local_dirty"
	ObstacleRemoteContentReplacedLocalDirty ObstacleKind = "remote_content_replaced_local_dirty"
)

// Obstacle is an unresolved divergence that needs a caller decision
type Obstacle struct {
	NodeSyncID string       `json:"nodeSyncId"`
	Kind       ObstacleKind `json:"kind"`
	Title      string       `json:"title"`
	Detail     string       `json:"detail,omitempty"`
	RecordedAt time.Time    `json:"recordedAt"`
}

// NodeStatus is the queue state of a node
type NodeStatus string

const (
	StatusNone       NodeStatus = ""
	StatusWaiting    NodeStatus = "waiting"
	StatusLoading    NodeStatus = "loading"
	StatusSuccessful NodeStatus = "successful"
	StatusFailed     NodeStatus = "failed"
	StatusCancelled  NodeStatus = "cancelled"
	StatusOffline    NodeStatus = "offline"
	StatusDisabled   NodeStatus = "disabled"
)

// IsTerminal reports whether no further transition happens without an external trigger
func (s NodeStatus) IsTerminal() bool {
	switch s {
	case StatusSuccessful, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ActivityType is the kind of transfer a node status describes
type ActivityType string

const (
	ActivityNone     ActivityType = ""
	ActivityDownload ActivityType = "download"
	ActivityUpload   ActivityType = "upload"
)

// SyncNodeStatus is the in-memory transfer state of one node
type SyncNodeStatus struct {
	NodeSyncID       string       `json:"nodeSyncId"`
	Status           NodeStatus   `json:"status"`
	Activity         ActivityType `json:"activity,omitempty"`
	BytesTransferred int64        `json:"bytesTransferred"`
	BytesTotal       int64        `json:"bytesTotal"`
}

// ErrorKind is the engine-level error taxonomy
type ErrorKind string

const (
	ErrorKindTransferFailed     ErrorKind = "transfer_failed"
	ErrorKindCancelled          ErrorKind = "cancelled"
	ErrorKindOffline            ErrorKind = "offline"
	ErrorKindObstacle           ErrorKind = "obstacle"
	ErrorKindRegistryCorruption ErrorKind = "registry_corruption"
)
