package cli

import (
	"context"
	"fmt"

	"github.com/dl-alexandre/docsync/internal/queue"
	docsync "github.com/dl-alexandre/docsync/internal/sync"
	"github.com/dl-alexandre/docsync/internal/types"
	"github.com/dl-alexandre/docsync/internal/utils"
	"github.com/spf13/cobra"
)

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Sync favorites with the repository",
	Long: `Fetch the favorite set, reconcile it and every synced folder with the
local registry, and wait until the resulting downloads finish.`,
	Args: cobra.NoArgs,
	RunE: runRefresh,
}

var statusCmd = &cobra.Command{
	Use:   "status [node-id]",
	Short: "Show synced nodes and their transfer state",
	Long:  "List every synced node, or the given node and everything below it",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatus,
}

var addCmd = &cobra.Command{
	Use:   "add <remote-id>",
	Short: "Add a document or folder to offline sync",
	Long:  "Favorite a remote node and download it, with everything below it for folders",
	Args:  cobra.ExactArgs(1),
	RunE:  runAdd,
}

var unsyncCmd = &cobra.Command{
	Use:   "unsync <node-id>",
	Short: "Stop syncing a top-level node",
	Long: `Unfavorite a top-level node and remove it with its subtree. Documents
with unsent edits are kept and reported as obstacles.`,
	Args: cobra.ExactArgs(1),
	RunE: runUnsync,
}

var removeCmd = &cobra.Command{
	Use:   "remove <node-id>",
	Short: "Delete a node and its subtree from offline storage",
	Args:  cobra.ExactArgs(1),
	RunE:  runRemove,
}

var uploadCmd = &cobra.Command{
	Use:   "upload <node-id>",
	Short: "Upload the local content of a document",
	Args:  cobra.ExactArgs(1),
	RunE:  runUpload,
}

var retryCmd = &cobra.Command{
	Use:   "retry <node-id>",
	Short: "Retry the failed transfer of a document",
	Args:  cobra.ExactArgs(1),
	RunE:  runRetry,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <node-id>",
	Short: "Cancel the transfers of a document or folder",
	Long:  "Cancel a document's transfer, or the transfers below a folder that have not started yet",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

var markModifiedCmd = &cobra.Command{
	Use:   "mark-modified <node-id>",
	Short: "Record that a document was edited locally",
	Long:  "Flag a document as locally modified so the next upload sends it and refreshes do not overwrite it",
	Args:  cobra.ExactArgs(1),
	RunE:  runMarkModified,
}

var permissionsCmd = &cobra.Command{
	Use:   "permissions <node-id>",
	Short: "Show what the account may do with a node",
	Args:  cobra.ExactArgs(1),
	RunE:  runPermissions,
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check the registry for broken parent links",
	Args:  cobra.NoArgs,
	RunE:  runVerify,
}

var removeDiscardLocalChanges bool

func init() {
	removeCmd.Flags().BoolVar(&removeDiscardLocalChanges, "discard-local-changes", false, "Remove nodes even when their edits were never uploaded")

	rootCmd.AddCommand(refreshCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(unsyncCmd)
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(markModifiedCmd)
	rootCmd.AddCommand(permissionsCmd)
	rootCmd.AddCommand(verifyCmd)
}

func runRefresh(cmd *cobra.Command, args []string) error {
	out := newOutput()
	return withOrchestrator(cmd.Context(), func(o *docsync.Orchestrator) error {
		result, err := o.Refresh(cmd.Context())
		if err != nil {
			return err
		}
		warnOnOutcome(out, result)
		return out.WriteSuccess("refresh", refreshSummary{Account: o.Account().ID, RefreshResult: result})
	})
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := newOutput()
	ctx := cmd.Context()
	return withOrchestrator(ctx, func(o *docsync.Orchestrator) error {
		var (
			nodes []*types.SyncNodeInfo
			err   error
		)
		if len(args) == 1 {
			nodes, err = o.Registry().AllNodesRecursively(ctx, args[0])
		} else {
			nodes, err = o.Registry().AllNodes(ctx)
		}
		if err != nil {
			return err
		}
		views, err := describeNodes(ctx, o, nodes)
		if err != nil {
			return err
		}
		return out.WriteSuccess("status", views)
	})
}

// describeNodes joins registry records with their queue state and obstacles
func describeNodes(ctx context.Context, o *docsync.Orchestrator, nodes []*types.SyncNodeInfo) (nodeList, error) {
	obstacles, err := o.Obstacles(ctx)
	if err != nil {
		return nil, err
	}
	kinds := make(map[string]types.ObstacleKind, len(obstacles))
	for _, ob := range obstacles {
		kinds[ob.NodeSyncID] = ob.Kind
	}

	views := make(nodeList, 0, len(nodes))
	for _, n := range nodes {
		st, err := o.SyncStatusForNode(ctx, n.NodeSyncID)
		if err != nil {
			return nil, err
		}
		views = append(views, nodeView{
			SyncNodeInfo:     n,
			Status:           st.Status,
			Activity:         st.Activity,
			BytesTransferred: st.BytesTransferred,
			BytesTotal:       st.BytesTotal,
			Obstacle:         kinds[n.NodeSyncID],
		})
	}
	return views, nil
}

func runAdd(cmd *cobra.Command, args []string) error {
	out := newOutput()
	return withOrchestrator(cmd.Context(), func(o *docsync.Orchestrator) error {
		out.Log("Adding %s...", args[0])
		result, err := o.AddNodeToSync(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		warnOnOutcome(out, result)
		return out.WriteSuccess("add", refreshSummary{Account: o.Account().ID, RefreshResult: result})
	})
}

func runUnsync(cmd *cobra.Command, args []string) error {
	out := newOutput()
	return withOrchestrator(cmd.Context(), func(o *docsync.Orchestrator) error {
		result, err := o.UnsyncNode(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if result.Kept > 0 {
			out.AddWarning(utils.ErrCodeSyncLocalChanges,
				fmt.Sprintf("%d documents with local changes were kept; see 'docsync obstacles list'", result.Kept), "warning")
		}
		return out.WriteSuccess("unsync", refreshSummary{Account: o.Account().ID, RefreshResult: result})
	})
}

func runRemove(cmd *cobra.Command, args []string) error {
	out := newOutput()
	return withOrchestrator(cmd.Context(), func(o *docsync.Orchestrator) error {
		if removeDiscardLocalChanges && !confirm(fmt.Sprintf("Discard unsent local changes below %s?", args[0])) {
			return utils.ErrAborted
		}
		err := o.RemoveNode(cmd.Context(), args[0], docsync.RemoveOptions{DiscardLocalChanges: removeDiscardLocalChanges})
		if err != nil {
			return err
		}
		out.Log("Removed %s", args[0])
		return out.WriteSuccess("remove", map[string]interface{}{
			"nodeSyncId": args[0],
			"status":     "removed",
		})
	})
}

func runUpload(cmd *cobra.Command, args []string) error {
	out := newOutput()
	return withOrchestrator(cmd.Context(), func(o *docsync.Orchestrator) error {
		h, err := o.UploadDocument(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return writeOutcome(cmd.Context(), out, "upload", h)
	})
}

func runRetry(cmd *cobra.Command, args []string) error {
	out := newOutput()
	return withOrchestrator(cmd.Context(), func(o *docsync.Orchestrator) error {
		h, err := o.RetryNode(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return writeOutcome(cmd.Context(), out, "retry", h)
	})
}

func runCancel(cmd *cobra.Command, args []string) error {
	out := newOutput()
	return withOrchestrator(cmd.Context(), func(o *docsync.Orchestrator) error {
		n, err := o.Cancel(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		out.Log("Cancelled %d transfers below %s", n, args[0])
		return out.WriteSuccess("cancel", map[string]interface{}{
			"nodeSyncId": args[0],
			"cancelled":  n,
		})
	})
}

func runMarkModified(cmd *cobra.Command, args []string) error {
	out := newOutput()
	return withOrchestrator(cmd.Context(), func(o *docsync.Orchestrator) error {
		if err := o.MarkLocallyModified(cmd.Context(), args[0]); err != nil {
			return err
		}
		return out.WriteSuccess("mark-modified", map[string]interface{}{
			"nodeSyncId":      args[0],
			"hasLocalChanges": true,
		})
	})
}

func runPermissions(cmd *cobra.Command, args []string) error {
	out := newOutput()
	return withOrchestrator(cmd.Context(), func(o *docsync.Orchestrator) error {
		perms, err := o.PermissionsForSyncNode(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return out.WriteSuccess("permissions", perms)
	})
}

func runVerify(cmd *cobra.Command, args []string) error {
	out := newOutput()
	return withOrchestrator(cmd.Context(), func(o *docsync.Orchestrator) error {
		problems, err := o.Registry().Verify(cmd.Context())
		if err != nil {
			return err
		}
		if len(problems) > 0 {
			out.AddWarning(utils.ErrCodeRegistryCorruption,
				fmt.Sprintf("%d broken links; the next refresh repairs them", len(problems)), "warning")
		}
		return out.WriteSuccess("verify", problemList(problems))
	})
}

// writeOutcome waits for a scheduled transfer and reports how it ended
func writeOutcome(ctx context.Context, out *OutputWriter, command string, h *queue.Handle) error {
	outcome, err := h.Wait(ctx)
	if err != nil {
		return err
	}
	switch outcome.Status {
	case types.StatusFailed:
		if outcome.Err != nil {
			return outcome.Err
		}
		return fmt.Errorf("%s of %s failed", outcome.Activity, outcome.NodeSyncID)
	case types.StatusOffline:
		return fmt.Errorf("%w: %s parked until the repository is reachable", utils.ErrOffline, outcome.NodeSyncID)
	}
	data := map[string]interface{}{
		"nodeSyncId": outcome.NodeSyncID,
		"activity":   outcome.Activity,
		"status":     outcome.Status,
	}
	if kind := outcome.Kind(); kind != "" {
		data["kind"] = kind
	}
	return out.WriteSuccess(command, data)
}

func warnOnOutcome(out *OutputWriter, result *docsync.RefreshResult) {
	if result == nil {
		return
	}
	if result.Failed > 0 {
		out.AddWarning(utils.ErrCodeBatchPartialFailure,
			fmt.Sprintf("%d transfers failed; run 'docsync retry <id>' or refresh again", result.Failed), "warning")
	}
	if result.Offline > 0 {
		out.AddWarning(utils.ErrCodeOffline,
			fmt.Sprintf("%d transfers are waiting for the repository to come back", result.Offline), "info")
	}
	if result.Obstacles > 0 {
		out.AddWarning(utils.ErrCodeSyncObstacle,
			fmt.Sprintf("%d new obstacles; see 'docsync obstacles list'", result.Obstacles), "warning")
	}
}
