package cli

import (
	"fmt"
	"os/exec"
	"runtime"
	"time"

	"github.com/dl-alexandre/docsync/internal/auth"
	"github.com/dl-alexandre/docsync/internal/utils"
	"github.com/spf13/cobra"
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Authentication management",
	Long:  "Sign accounts in and out of the document repository",
}

var authLoginCmd = &cobra.Command{
	Use:   "login <account>",
	Short: "Sign an account in",
	Long: `Authorize docsync in the browser and store the token for the account.
The OAuth client is taken from --client-id/--client-secret or
DOCSYNC_OAUTH_CLIENT_ID/DOCSYNC_OAUTH_CLIENT_SECRET.`,
	Args: cobra.ExactArgs(1),
	RunE: runAuthLogin,
}

var authLogoutCmd = &cobra.Command{
	Use:   "logout <account>",
	Short: "Remove the stored token of an account",
	Args:  cobra.ExactArgs(1),
	RunE:  runAuthLogout,
}

var authStatusCmd = &cobra.Command{
	Use:   "status <account>",
	Short: "Show whether an account is signed in",
	Args:  cobra.ExactArgs(1),
	RunE:  runAuthStatus,
}

var authListCmd = &cobra.Command{
	Use:   "list",
	Short: "List signed-in accounts",
	RunE:  runAuthList,
}

var (
	clientID     string
	clientSecret string
)

func init() {
	authLoginCmd.Flags().StringVar(&clientID, "client-id", "", "OAuth client ID")
	authLoginCmd.Flags().StringVar(&clientSecret, "client-secret", "", "OAuth client secret")

	authCmd.AddCommand(authLoginCmd)
	authCmd.AddCommand(authLogoutCmd)
	authCmd.AddCommand(authStatusCmd)
	authCmd.AddCommand(authListCmd)
	rootCmd.AddCommand(authCmd)
}

func runAuthLogin(cmd *cobra.Command, args []string) error {
	out := newOutput()
	account := args[0]

	mgr, err := newAuthManager()
	if err != nil {
		return err
	}
	if clientID != "" {
		mgr.SetOAuthConfig(clientID, clientSecret, utils.ScopesSync)
	}
	if _, _, ok := auth.OAuthClient(); !ok && clientID == "" {
		return utils.NewAppError(utils.NewCLIError(utils.ErrCodeAuthRequired,
			"OAuth client ID and secret required. Set via --client-id/--client-secret or DOCSYNC_OAUTH_CLIENT_ID/DOCSYNC_OAUTH_CLIENT_SECRET").Build())
	}

	// Display storage warning if any
	if warning := mgr.StorageWarning(); warning != "" {
		out.Log("%s", warning)
	}

	if err := mgr.Login(cmd.Context(), account, openBrowser, stderr); err != nil {
		return utils.WrapAppError(utils.NewCLIError(utils.ErrCodeAuthRequired, err.Error()).Build(), err)
	}

	out.Log("Successfully authenticated!")
	return out.WriteSuccess("auth.login", map[string]interface{}{
		"account":        account,
		"scopes":         utils.ScopesSync,
		"storageBackend": mgr.StorageBackend(),
	})
}

func runAuthLogout(cmd *cobra.Command, args []string) error {
	out := newOutput()
	account := args[0]

	mgr, err := newAuthManager()
	if err != nil {
		return err
	}
	if err := mgr.DeleteToken(account); err != nil {
		return utils.WrapAppError(utils.NewCLIError(utils.ErrCodeAuthRequired,
			fmt.Sprintf("No credentials found for account '%s'", account)).Build(), err)
	}

	out.Log("Credentials removed for account: %s", account)
	return out.WriteSuccess("auth.logout", map[string]interface{}{
		"account": account,
		"status":  "logged_out",
	})
}

func runAuthStatus(cmd *cobra.Command, args []string) error {
	out := newOutput()
	account := args[0]

	mgr, err := newAuthManager()
	if err != nil {
		return err
	}
	if warning := mgr.StorageWarning(); warning != "" && globalFlags.Verbose {
		out.Log("%s", warning)
	}

	token, err := mgr.LoadToken(account)
	if err != nil {
		return out.WriteSuccess("auth.status", map[string]interface{}{
			"account":        account,
			"authenticated":  false,
			"storageBackend": mgr.StorageBackend(),
		})
	}

	expired := !token.Expiry.IsZero() && time.Now().After(token.Expiry)
	return out.WriteSuccess("auth.status", map[string]interface{}{
		"account":        account,
		"authenticated":  token.RefreshToken != "" || !expired,
		"expiry":         token.Expiry.Format(time.RFC3339),
		"expired":        expired,
		"canRefresh":     token.RefreshToken != "",
		"storageBackend": mgr.StorageBackend(),
	})
}

func runAuthList(cmd *cobra.Command, args []string) error {
	out := newOutput()
	mgr, err := newAuthManager()
	if err != nil {
		return err
	}
	accounts, err := mgr.Accounts()
	if err != nil {
		return utils.WrapAppError(utils.NewCLIError(utils.ErrCodeStorageError,
			fmt.Sprintf("Failed to list accounts: %v", err)).Build(), err)
	}
	return out.WriteSuccess("auth.list", map[string]interface{}{
		"accounts":       accounts,
		"count":          len(accounts),
		"storageBackend": mgr.StorageBackend(),
	})
}

func openBrowser(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "linux":
		cmd = exec.Command("xdg-open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		return fmt.Errorf("unsupported platform")
	}
	return cmd.Start()
}
