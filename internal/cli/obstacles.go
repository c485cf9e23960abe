package cli

import (
	"github.com/dl-alexandre/docsync/internal/obstacle"
	docsync "github.com/dl-alexandre/docsync/internal/sync"
	"github.com/dl-alexandre/docsync/internal/utils"
	"github.com/spf13/cobra"
)

var obstaclesCmd = &cobra.Command{
	Use:   "obstacles",
	Short: "Inspect and resolve sync conflicts",
	Long: `Obstacles are documents with unsent local edits whose remote copy was
deleted or replaced. Nothing is removed or overwritten until they are resolved.`,
}

var obstaclesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List unresolved obstacles",
	Args:  cobra.NoArgs,
	RunE:  runObstaclesList,
}

var obstaclesResolveCmd = &cobra.Command{
	Use:   "resolve <node-id>",
	Short: "Resolve an obstacle",
	Long: `Resolve an obstacle with --resolution:
  accept-remote  discard the local edits (delete or re-download the document)
  keep-local     upload the local edits`,
	Args: cobra.ExactArgs(1),
	RunE: runObstaclesResolve,
}

var obstacleResolution string

func init() {
	obstaclesResolveCmd.Flags().StringVar(&obstacleResolution, "resolution", "", "accept-remote or keep-local")
	_ = obstaclesResolveCmd.MarkFlagRequired("resolution")

	obstaclesCmd.AddCommand(obstaclesListCmd)
	obstaclesCmd.AddCommand(obstaclesResolveCmd)
	rootCmd.AddCommand(obstaclesCmd)
}

func runObstaclesList(cmd *cobra.Command, args []string) error {
	out := newOutput()
	return withOrchestrator(cmd.Context(), func(o *docsync.Orchestrator) error {
		obstacles, err := o.Obstacles(cmd.Context())
		if err != nil {
			return err
		}
		return out.WriteSuccess("obstacles.list", obstacleList(obstacles))
	})
}

func runObstaclesResolve(cmd *cobra.Command, args []string) error {
	out := newOutput()
	resolution, err := obstacle.ParseResolution(obstacleResolution)
	if err != nil {
		return utils.WrapAppError(utils.NewCLIError(utils.ErrCodeInvalidArgument, err.Error()).Build(), err)
	}
	if resolution == obstacle.ResolutionAcceptRemote &&
		!confirm("Discard the local edits of "+args[0]+"?") {
		return utils.ErrAborted
	}

	return withOrchestrator(cmd.Context(), func(o *docsync.Orchestrator) error {
		h, err := o.ResolvedObstacle(cmd.Context(), args[0], resolution)
		if err != nil {
			return err
		}
		if h == nil {
			return out.WriteSuccess("obstacles.resolve", map[string]interface{}{
				"nodeSyncId": args[0],
				"resolution": resolution,
				"status":     "removed",
			})
		}
		return writeOutcome(cmd.Context(), out, "obstacles.resolve", h)
	})
}
