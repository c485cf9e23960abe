package cli

import (
	"errors"
	"fmt"

	"github.com/dl-alexandre/docsync/internal/logging"
	"github.com/dl-alexandre/docsync/internal/scheduler"
	docsync "github.com/dl-alexandre/docsync/internal/sync"
	"github.com/dl-alexandre/docsync/internal/watcher"
	"github.com/spf13/cobra"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Keep enabled accounts in sync until interrupted",
	Long: `Refresh every enabled account on the configured schedule, probe the
repository so parked transfers resume when it comes back, and watch the
content directories for local edits.`,
	Args: cobra.NoArgs,
	RunE: runDaemon,
}

var (
	daemonSchedule string
	daemonNoWatch  bool
)

func init() {
	daemonCmd.Flags().StringVar(&daemonSchedule, "schedule", "", "Cron spec overriding the configured refresh schedule")
	daemonCmd.Flags().BoolVar(&daemonNoWatch, "no-watch", false, "Do not watch content directories for local edits")
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := newOutput()

	mgr, err := newManager()
	if err != nil {
		return err
	}
	defer mgr.Close()

	ids, err := mgr.Accounts()
	if err != nil {
		return err
	}
	if globalFlags.Account != "" {
		ids = []string{globalFlags.Account}
	}

	var targets []scheduler.Target
	for _, id := range ids {
		o, err := mgr.Open(ctx, id)
		if errors.Is(err, docsync.ErrAccountNotEnabled) {
			continue
		}
		if err != nil {
			return err
		}
		targets = append(targets, o)

		if daemonNoWatch || !appConfig.WatchLocalEdits {
			continue
		}
		w, err := watcher.New(o.Store().Root(), o, logger)
		if err != nil {
			return err
		}
		if err := w.Start(ctx); err != nil {
			return err
		}
		defer w.Stop()
	}
	if len(targets) == 0 {
		return fmt.Errorf("%w: no enabled accounts to sync", docsync.ErrAccountNotEnabled)
	}

	schedule := daemonSchedule
	if schedule == "" {
		schedule = appConfig.RefreshSchedule
	}
	sched, err := scheduler.New(func() []scheduler.Target { return targets }, scheduler.Options{
		RefreshSchedule: schedule,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	sched.Start()
	// Catch up on whatever changed while the daemon was not running.
	go sched.RefreshAll()
	logger.Info("Daemon running",
		logging.F("accounts", len(targets)),
		logging.F("schedule", schedule),
		logging.F("next", sched.Next()))
	out.Log("Syncing %d accounts on %q; press Ctrl-C to stop", len(targets), schedule)

	<-ctx.Done()
	sched.Stop()

	runs := make(map[string]interface{}, len(targets))
	for _, t := range targets {
		id := t.Account().ID
		if run, ok := sched.LastResult(id); ok {
			entry := map[string]interface{}{"at": run.At, "result": run.Result}
			if run.Err != nil {
				entry["error"] = run.Err.Error()
			}
			runs[id] = entry
		}
	}
	return out.WriteSuccess("daemon", map[string]interface{}{
		"status":      "stopped",
		"lastRefresh": runs,
	})
}
