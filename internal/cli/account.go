package cli

import (
	"errors"
	"fmt"

	docsync "github.com/dl-alexandre/docsync/internal/sync"
	"github.com/dl-alexandre/docsync/internal/types"
	"github.com/dl-alexandre/docsync/internal/utils"
	"github.com/spf13/cobra"
)

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Manage offline sync accounts",
	Long:  "Enable, disable and remove the accounts whose favorites are kept offline",
}

var accountEnableCmd = &cobra.Command{
	Use:   "enable <account-id>",
	Short: "Enable offline sync for an account",
	Long:  "Create the account's registry if needed and download its favorites",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountEnable,
}

var accountDisableCmd = &cobra.Command{
	Use:   "disable <account-id>",
	Short: "Disable offline sync for an account",
	Long: `Cancel the account's operations and stop syncing. Records are kept;
with --purge downloaded content is deleted, except for documents with local changes.`,
	Args: cobra.ExactArgs(1),
	RunE: runAccountDisable,
}

var accountCleanupCmd = &cobra.Command{
	Use:   "cleanup <account-id>",
	Short: "Remove all offline data of an account",
	Long:  "Cancel the account's operations and delete its registry and content",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountCleanup,
}

var accountListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accounts with offline data",
	RunE:  runAccountList,
}

var accountUseCmd = &cobra.Command{
	Use:   "use <account-id>",
	Short: "Set the default account",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountUse,
}

var (
	accountUsername  string
	accountServerURL string
	accountPurge     bool
)

func init() {
	accountEnableCmd.Flags().StringVar(&accountUsername, "username", "", "User name recorded with the account")
	accountEnableCmd.Flags().StringVar(&accountServerURL, "server-url", "", "Repository server URL recorded with the account")
	accountDisableCmd.Flags().BoolVar(&accountPurge, "purge", false, "Delete downloaded content that has no local changes")

	accountCmd.AddCommand(accountEnableCmd)
	accountCmd.AddCommand(accountDisableCmd)
	accountCmd.AddCommand(accountCleanupCmd)
	accountCmd.AddCommand(accountListCmd)
	accountCmd.AddCommand(accountUseCmd)
	rootCmd.AddCommand(accountCmd)
}

func runAccountEnable(cmd *cobra.Command, args []string) error {
	out := newOutput()
	mgr, err := newManager()
	if err != nil {
		return err
	}
	defer mgr.Close()

	account := types.Account{ID: args[0], Username: accountUsername, ServerURL: accountServerURL}
	out.Log("Enabling offline sync for %s...", account.ID)
	_, result, err := mgr.EnableSync(cmd.Context(), account)
	if err != nil {
		return err
	}
	return out.WriteSuccess("account.enable", refreshSummary{Account: account.ID, RefreshResult: result})
}

func runAccountDisable(cmd *cobra.Command, args []string) error {
	out := newOutput()
	mgr, err := newManager()
	if err != nil {
		return err
	}
	defer mgr.Close()

	ctx := cmd.Context()
	id := args[0]
	if _, err := mgr.Open(ctx, id); err != nil {
		return err
	}
	err = mgr.DisableSync(ctx, id, docsync.DisableOptions{
		Confirm: func(inFlight int) bool {
			return inFlight == 0 || confirm(fmt.Sprintf("%d operations are in progress. Cancel them?", inFlight))
		},
		PurgeContent: accountPurge,
	})
	if err != nil {
		return err
	}
	out.Log("Offline sync disabled for %s", id)
	return out.WriteSuccess("account.disable", map[string]interface{}{
		"account": id,
		"purged":  accountPurge,
	})
}

func runAccountCleanup(cmd *cobra.Command, args []string) error {
	out := newOutput()
	id := args[0]
	if !confirm(fmt.Sprintf("Delete all offline data of %s, including unsent local changes?", id)) {
		return utils.ErrAborted
	}

	mgr, err := newManager()
	if err != nil {
		return err
	}
	defer mgr.Close()

	ctx := cmd.Context()
	// A disabled account has no running orchestrator; its files are still removed.
	if _, err := mgr.Open(ctx, id); err != nil && !errors.Is(err, docsync.ErrAccountNotEnabled) {
		return err
	}
	if err := mgr.CleanupAccount(ctx, id, types.ActivityNone); err != nil {
		return err
	}
	out.Log("Offline data removed for %s", id)
	return out.WriteSuccess("account.cleanup", map[string]interface{}{
		"account": id,
		"status":  "removed",
	})
}

func runAccountList(cmd *cobra.Command, args []string) error {
	out := newOutput()
	mgr, err := newManager()
	if err != nil {
		return err
	}
	defer mgr.Close()

	ctx := cmd.Context()
	ids, err := mgr.Accounts()
	if err != nil {
		return err
	}
	accounts := make(accountList, 0, len(ids))
	for _, id := range ids {
		view := accountView{ID: id, Default: id == appConfig.DefaultAccount}
		o, err := mgr.Open(ctx, id)
		switch {
		case errors.Is(err, docsync.ErrAccountNotEnabled):
		case err != nil:
			out.AddWarning(utils.ToCLIError(err).Code, fmt.Sprintf("%s: %v", id, err), "warning")
		default:
			view.Enabled = true
			if view.Nodes, err = o.Registry().Count(ctx); err != nil {
				return err
			}
		}
		accounts = append(accounts, view)
	}
	return out.WriteSuccess("account.list", accounts)
}

func runAccountUse(cmd *cobra.Command, args []string) error {
	out := newOutput()
	if err := appConfig.Set("defaultAccount", args[0]); err != nil {
		return err
	}
	if err := saveConfig(); err != nil {
		return err
	}
	out.Log("Default account: %s", args[0])
	return out.WriteSuccess("account.use", map[string]interface{}{
		"defaultAccount": args[0],
	})
}
