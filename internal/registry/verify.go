package registry

import (
	"context"
	"sort"

	"github.com/dl-alexandre/docsync/internal/logging"
	"github.com/dl-alexandre/docsync/internal/types"
)

// ProblemKind classifies a broken link found by Verify
type ProblemKind string

const (
	// ProblemDanglingParent means the parent record does not exist
	ProblemDanglingParent ProblemKind = "dangling_parent"
	// ProblemCycle means the ancestor chain loops back on itself
	ProblemCycle ProblemKind = "cycle"
	// ProblemOrphan means a descendant node has lost its parent reference
	ProblemOrphan ProblemKind = "orphan"
)

// Problem is one corrupted node
type Problem struct {
	NodeSyncID string      `json:"nodeSyncId"`
	Kind       ProblemKind `json:"kind"`
}

// Verify checks every parent/child link in the partition. Children of a
// dangling node are not reported; the whole chain of a cycle is.
func (r *Registry) Verify(ctx context.Context) ([]Problem, error) {
	nodes, err := r.AllNodes(ctx)
	if err != nil {
		return nil, err
	}
	return findProblems(nodes, r.logger), nil
}

func findProblems(nodes []*types.SyncNodeInfo, logger logging.Logger) []Problem {
	byID := make(map[string]*types.SyncNodeInfo, len(nodes))
	for _, n := range nodes {
		byID[n.NodeSyncID] = n
	}

	var problems []Problem
	for _, n := range nodes {
		switch {
		case n.ParentSyncID == "":
			// Detached nodes are legitimate roots only while an obstacle holds them.
			if !n.IsTopLevelSyncNode && !n.IsRemovedFromSyncWithLocalChanges {
				problems = append(problems, Problem{NodeSyncID: n.NodeSyncID, Kind: ProblemOrphan})
			}
		case byID[n.ParentSyncID] == nil:
			problems = append(problems, Problem{NodeSyncID: n.NodeSyncID, Kind: ProblemDanglingParent})
		case inCycle(n, byID):
			problems = append(problems, Problem{NodeSyncID: n.NodeSyncID, Kind: ProblemCycle})
		}
	}

	sort.Slice(problems, func(i, j int) bool { return problems[i].NodeSyncID < problems[j].NodeSyncID })
	for _, p := range problems {
		logger.Warn("Registry corruption", logging.F("node", p.NodeSyncID), logging.F("kind", string(p.Kind)))
	}
	return problems
}

func inCycle(n *types.SyncNodeInfo, byID map[string]*types.SyncNodeInfo) bool {
	seen := map[string]bool{n.NodeSyncID: true}
	current := n
	for current.ParentSyncID != "" {
		if seen[current.ParentSyncID] {
			return true
		}
		seen[current.ParentSyncID] = true
		next := byID[current.ParentSyncID]
		if next == nil {
			return false
		}
		current = next
	}
	return false
}
