// Package obstacle records local/remote divergences that need a caller decision.
package obstacle

import (
	"context"
	"fmt"
	"time"

	"github.com/dl-alexandre/docsync/internal/logging"
	"github.com/dl-alexandre/docsync/internal/registry"
	"github.com/dl-alexandre/docsync/internal/types"
)

// Ledger is the obstacle store of one account partition. Entries are keyed by
// node sync id and stay until they are cleared.
type Ledger struct {
	reg    *registry.Registry
	logger logging.Logger
}

// NewLedger creates a ledger over a registry partition
func NewLedger(reg *registry.Registry, logger logging.Logger) *Ledger {
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	return &Ledger{reg: reg, logger: logger}
}

// Record stores an obstacle for node. Recording the same kind twice keeps the
// original entry; a different kind replaces it. The bool reports whether the
// ledger changed.
func (l *Ledger) Record(ctx context.Context, node *types.SyncNodeInfo, kind types.ObstacleKind, detail string) (*types.Obstacle, bool, error) {
	existing, err := l.reg.Obstacle(ctx, node.NodeSyncID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil && existing.Kind == kind {
		return existing, false, nil
	}

	o := types.Obstacle{
		NodeSyncID: node.NodeSyncID,
		Kind:       kind,
		Title:      node.Title,
		Detail:     detail,
		RecordedAt: time.Now().UTC(),
	}
	if err := l.reg.PutObstacle(ctx, o); err != nil {
		return nil, false, fmt.Errorf("failed to record obstacle: %w", err)
	}
	l.logger.Warn("Obstacle recorded",
		logging.F("account", l.reg.AccountID()),
		logging.F("node", o.NodeSyncID),
		logging.F("kind", string(kind)),
	)
	return &o, true, nil
}

// Present returns the unresolved obstacles, oldest first
func (l *Ledger) Present(ctx context.Context) ([]*types.Obstacle, error) {
	return l.reg.Obstacles(ctx)
}

// Get returns the obstacle for a node, or nil
func (l *Ledger) Get(ctx context.Context, syncID string) (*types.Obstacle, error) {
	return l.reg.Obstacle(ctx, syncID)
}

// Clear removes the obstacle for a node and reports whether one existed
func (l *Ledger) Clear(ctx context.Context, syncID string) (bool, error) {
	removed, err := l.reg.DeleteObstacle(ctx, syncID)
	if err != nil {
		return false, err
	}
	if removed {
		l.logger.Info("Obstacle cleared", logging.F("account", l.reg.AccountID()), logging.F("node", syncID))
	}
	return removed, nil
}
