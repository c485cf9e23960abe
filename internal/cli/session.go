package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dl-alexandre/docsync/internal/auth"
	"github.com/dl-alexandre/docsync/internal/config"
	"github.com/dl-alexandre/docsync/internal/logging"
	"github.com/dl-alexandre/docsync/internal/remote"
	"github.com/dl-alexandre/docsync/internal/remote/memory"
	docsync "github.com/dl-alexandre/docsync/internal/sync"
	"github.com/dl-alexandre/docsync/internal/types"
	"github.com/dl-alexandre/docsync/internal/utils"
)

// confirmInput is read by confirm; tests swap it
var confirmInput io.Reader = os.Stdin

func dataDir() (string, error) {
	dir := globalFlags.DataDir
	if dir == "" {
		dir = appConfig.DataDir
	}
	if dir == "" {
		return "", utils.NewAppError(utils.NewCLIError(utils.ErrCodeInvalidArgument,
			"no data directory configured; pass --data-dir or run 'docsync config set dataDir <path>'").Build())
	}
	if globalFlags.Demo {
		dir = filepath.Join(dir, "demo")
	}
	return dir, nil
}

func newManager() (*docsync.Manager, error) {
	dir, err := dataDir()
	if err != nil {
		return nil, err
	}
	factory := driveRepository
	if globalFlags.Demo {
		factory = demoRepository
	}
	return docsync.NewManager(docsync.ManagerOptions{
		DataDir:          dir,
		Factory:          factory,
		ProgressInterval: appConfig.GetProgressThrottle(),
		ListConcurrency:  appConfig.ListConcurrency,
		Logger:           logger,
		Delegate: docsync.Delegate{
			OnOperationCount: func(accountID string, inProgress int) {
				logger.Debug("Operations in progress", logging.F("account", accountID), logging.F("count", inProgress))
			},
			OnProgress: func(accountID string, totalBytes, syncedBytes int64) {
				logger.Debug("Transfer progress",
					logging.F("account", accountID),
					logging.F("synced", formatSize(syncedBytes)),
					logging.F("total", formatSize(totalBytes)))
			},
		},
	})
}

func newAuthManager() (*auth.Manager, error) {
	dir, err := config.GetConfigDir()
	if err != nil {
		return nil, err
	}
	mgr, err := auth.NewManager(dir, auth.ManagerOptions{Logger: logger})
	if err != nil {
		return nil, err
	}
	if id, secret, ok := auth.OAuthClient(); ok {
		mgr.SetOAuthConfig(id, secret, utils.ScopesSync)
	}
	return mgr, nil
}

func driveRepository(ctx context.Context, account types.Account) (remote.Repository, error) {
	mgr, err := newAuthManager()
	if err != nil {
		return nil, err
	}
	repo, err := mgr.DriveRepository(ctx, account.ID, appConfig.MaxRetries, appConfig.RetryBaseDelay)
	if err != nil {
		return nil, utils.WrapAppError(utils.NewCLIError(utils.ErrCodeAuthRequired,
			fmt.Sprintf("account %s is not signed in: %v (run 'docsync auth login %s')", account.ID, err, account.ID)).Build(), err)
	}
	return repo, nil
}

// demoRepository serves a small fixed tree. State lives only as long as
// the process.
func demoRepository(ctx context.Context, account types.Account) (remote.Repository, error) {
	repo := memory.New()
	repo.AddFolder("projects", "Projects", "")
	repo.AddDocument("roadmap", "Roadmap", "projects", []byte("Q1: offline sync\nQ2: sharing\n"))
	repo.AddDocument("minutes", "Meeting minutes", "projects", []byte("Decided to ship.\n"))
	repo.AddFolder("drafts", "Drafts", "projects")
	repo.AddDocument("proposal", "Proposal", "drafts", []byte("A proposal.\n"))
	repo.AddDocument("readme", "Readme", "", []byte("Welcome to docsync.\n"))
	repo.AddDocument("archive", "Archive notes", "", []byte("Old notes.\n"))
	repo.Favorite("projects", "readme")
	repo.SetPermissions("readme", types.Permissions{CanDownload: true, CanComment: true})
	return repo, nil
}

// accountID picks the account a command addresses: --account, then the
// configured default, then the only partition on disk
func accountID(mgr *docsync.Manager) (string, error) {
	if globalFlags.Account != "" {
		return globalFlags.Account, nil
	}
	if appConfig.DefaultAccount != "" {
		return appConfig.DefaultAccount, nil
	}
	ids, err := mgr.Accounts()
	if err != nil {
		return "", err
	}
	if len(ids) == 1 {
		return ids[0], nil
	}
	return "", utils.NewAppError(utils.NewCLIError(utils.ErrCodeAccountUnknown,
		"no account selected; pass --account or run 'docsync account use <id>'").Build())
}

// withOrchestrator opens the selected account for the duration of fn
func withOrchestrator(ctx context.Context, fn func(o *docsync.Orchestrator) error) error {
	mgr, err := newManager()
	if err != nil {
		return err
	}
	defer mgr.Close()

	id, err := accountID(mgr)
	if err != nil {
		return err
	}
	o, err := mgr.Open(ctx, id)
	if err != nil {
		return err
	}
	return fn(o)
}

// confirm asks a yes/no question on stderr; --yes answers it
func confirm(question string) bool {
	if globalFlags.Yes {
		return true
	}
	fmt.Fprintf(stderr, "%s [y/N]: ", question)
	line, err := bufio.NewReader(confirmInput).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
