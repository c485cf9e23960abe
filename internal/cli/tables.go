package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/dl-alexandre/docsync/internal/registry"
	docsync "github.com/dl-alexandre/docsync/internal/sync"
	"github.com/dl-alexandre/docsync/internal/types"
)

// nodeView is a registry record together with its queue state
type nodeView struct {
	*types.SyncNodeInfo
	Status           types.NodeStatus   `json:"status,omitempty"`
	Activity         types.ActivityType `json:"activity,omitempty"`
	BytesTransferred int64              `json:"bytesTransferred,omitempty"`
	BytesTotal       int64              `json:"bytesTotal,omitempty"`
	Obstacle         types.ObstacleKind `json:"obstacle,omitempty"`
}

type nodeList []nodeView

func (l nodeList) Headers() []string {
	return []string{"ID", "Title", "Type", "Status", "Local", "Downloaded"}
}

func (l nodeList) Rows() [][]string {
	rows := make([][]string, 0, len(l))
	for _, n := range l {
		kind := "doc"
		if n.IsFolder {
			kind = "folder"
		}
		if n.IsTopLevelSyncNode {
			kind += " *"
		}
		status := string(n.Status)
		if status == "" {
			status = "-"
		}
		if n.Status == types.StatusLoading && n.BytesTotal > 0 {
			status = fmt.Sprintf("%s %s/%s", status, formatSize(n.BytesTransferred), formatSize(n.BytesTotal))
		}
		if n.Obstacle != "" {
			status = "obstacle"
		}
		local := "-"
		switch {
		case n.IsRemovedFromSyncWithLocalChanges:
			local = "kept"
		case n.HasLocalChanges:
			local = "modified"
		}
		downloaded := "-"
		if n.LastDownloadedDate != nil {
			downloaded = n.LastDownloadedDate.Local().Format(time.DateTime)
		}
		rows = append(rows, []string{
			truncate(n.NodeSyncID, 24),
			truncate(n.Title, 40),
			kind,
			status,
			local,
			downloaded,
		})
	}
	return rows
}

func (l nodeList) EmptyMessage() string {
	return "No nodes are synced. Favorite a document or run 'docsync add <id>'."
}

type obstacleList []*types.Obstacle

func (l obstacleList) Headers() []string {
	return []string{"ID", "Title", "Kind", "Recorded", "Detail"}
}

func (l obstacleList) Rows() [][]string {
	rows := make([][]string, 0, len(l))
	for _, o := range l {
		rows = append(rows, []string{
			truncate(o.NodeSyncID, 24),
			truncate(o.Title, 40),
			string(o.Kind),
			o.RecordedAt.Local().Format(time.DateTime),
			truncate(o.Detail, 60),
		})
	}
	return rows
}

func (l obstacleList) EmptyMessage() string {
	return "No obstacles."
}

// refreshSummary is the outcome of a refresh of one account
type refreshSummary struct {
	Account string `json:"account"`
	*docsync.RefreshResult
}

func (s refreshSummary) Headers() []string {
	return []string{"Field", "Value"}
}

func (s refreshSummary) Rows() [][]string {
	r := s.RefreshResult
	if r == nil {
		r = &docsync.RefreshResult{}
	}
	pairs := []struct {
		name  string
		value int
	}{
		{"enqueued", r.Enqueued},
		{"created", r.Created},
		{"updated", r.Updated},
		{"removed", r.Removed},
		{"kept", r.Kept},
		{"obstacles", r.Obstacles},
		{"repaired", r.Repaired},
		{"successful", r.Successful},
		{"failed", r.Failed},
		{"cancelled", r.Cancelled},
		{"offline", r.Offline},
	}
	rows := [][]string{
		{"account", s.Account},
		{"completed", strconv.FormatBool(r.Completed)},
	}
	for _, p := range pairs {
		rows = append(rows, []string{p.name, strconv.Itoa(p.value)})
	}
	return rows
}

func (s refreshSummary) EmptyMessage() string {
	return "Nothing to report."
}

type accountView struct {
	ID      string `json:"id"`
	Enabled bool   `json:"enabled"`
	Nodes   int    `json:"nodes"`
	Default bool   `json:"default"`
}

type accountList []accountView

func (l accountList) Headers() []string {
	return []string{"Account", "Enabled", "Nodes", "Default"}
}

func (l accountList) Rows() [][]string {
	rows := make([][]string, 0, len(l))
	for _, a := range l {
		def := ""
		if a.Default {
			def = "*"
		}
		rows = append(rows, []string{a.ID, strconv.FormatBool(a.Enabled), strconv.Itoa(a.Nodes), def})
	}
	return rows
}

func (l accountList) EmptyMessage() string {
	return "No accounts. Run 'docsync account enable <id>'."
}

type problemList []registry.Problem

func (l problemList) Headers() []string {
	return []string{"ID", "Problem"}
}

func (l problemList) Rows() [][]string {
	rows := make([][]string, 0, len(l))
	for _, p := range l {
		rows = append(rows, []string{p.NodeSyncID, string(p.Kind)})
	}
	return rows
}

func (l problemList) EmptyMessage() string {
	return "Registry is consistent."
}
