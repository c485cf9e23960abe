package sync

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	gosync "sync"
	"time"

	"github.com/dl-alexandre/docsync/internal/content"
	"github.com/dl-alexandre/docsync/internal/dispatch"
	"github.com/dl-alexandre/docsync/internal/identity"
	"github.com/dl-alexandre/docsync/internal/logging"
	"github.com/dl-alexandre/docsync/internal/registry"
	"github.com/dl-alexandre/docsync/internal/remote"
	"github.com/dl-alexandre/docsync/internal/types"
	"github.com/spf13/afero"
)

// RepositoryFactory opens the remote repository of an account
type RepositoryFactory func(ctx context.Context, account types.Account) (remote.Repository, error)

// ManagerOptions configures a Manager
type ManagerOptions struct {
	DataDir string
	Factory RepositoryFactory
	// Executor delivers Delegate and subscription callbacks. When nil the
	// manager runs its own dispatch.Serial and stops it on Close.
	Executor         dispatch.Executor
	Delegate         Delegate
	ProgressInterval time.Duration
	ListConcurrency  int
	// LegacyDir is scanned for content of an older layout when an account is enabled
	LegacyDir string
	Fs        afero.Fs
	Logger    logging.Logger
}

// DisableOptions controls DisableSync
type DisableOptions struct {
	// Confirm is asked before in-flight operations are cancelled. Returning
	// false aborts with ErrDisableAborted.
	Confirm func(inFlight int) bool
	// PurgeContent deletes downloaded content; records are kept and flagged
	// for reload
	PurgeContent bool
}

// Manager owns the orchestrators of every enabled account
type Manager struct {
	opts ManagerOptions

	mu       gosync.Mutex
	accounts map[string]*Orchestrator
	current  string
	serial   *dispatch.Serial
}

// NewManager creates a manager rooted at opts.DataDir
func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if opts.Factory == nil {
		return nil, fmt.Errorf("repository factory is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNoOpLogger()
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	m := &Manager{opts: opts, accounts: make(map[string]*Orchestrator)}
	if opts.Executor == nil {
		m.serial = dispatch.NewSerial()
		m.opts.Executor = m.serial
	}
	return m, nil
}

// EnableSync opens (creating if needed) the account's partition, starts its
// orchestrator and runs the initial refresh
func (m *Manager) EnableSync(ctx context.Context, account types.Account) (*Orchestrator, *RefreshResult, error) {
	o, err := m.open(ctx, account)
	if err != nil {
		return nil, nil, err
	}
	if err := o.reg.SetSyncEnabled(ctx, true); err != nil {
		return o, nil, err
	}

	result, err := o.Refresh(ctx)
	if err != nil {
		m.opts.Logger.Warn("Initial refresh did not complete",
			logging.F("account", account.ID),
			logging.F("error", err))
	}
	return o, result, err
}

// Open starts the orchestrator of an account that was enabled earlier,
// without refreshing
func (m *Manager) Open(ctx context.Context, accountID string) (*Orchestrator, error) {
	m.mu.Lock()
	if o, ok := m.accounts[accountID]; ok {
		m.mu.Unlock()
		return o, nil
	}
	m.mu.Unlock()

	path := identity.RegistryPath(m.opts.DataDir, accountID)
	if _, err := m.opts.Fs.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotEnabled, accountID)
	}
	reg, err := registry.Open(ctx, path, accountID, m.opts.Logger)
	if err != nil {
		return nil, err
	}
	enabled, err := reg.SyncEnabled(ctx)
	if err != nil {
		reg.Close()
		return nil, err
	}
	username, _ := reg.Meta(ctx, registry.MetaUsername)
	serverURL, _ := reg.Meta(ctx, registry.MetaServerURL)
	reg.Close()
	if !enabled {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotEnabled, accountID)
	}
	return m.open(ctx, types.Account{ID: accountID, Username: username, ServerURL: serverURL})
}

func (m *Manager) open(ctx context.Context, account types.Account) (*Orchestrator, error) {
	if account.ID == "" {
		return nil, fmt.Errorf("account id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.accounts[account.ID]; ok {
		return o, nil
	}

	reg, err := registry.Open(ctx, identity.RegistryPath(m.opts.DataDir, account.ID), account.ID, m.opts.Logger)
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*Orchestrator, error) {
		reg.Close()
		return nil, err
	}

	store := content.NewStoreWithFs(m.opts.Fs, identity.ContentRoot(m.opts.DataDir, account.ID), m.opts.Logger)
	if err := store.Ensure(); err != nil {
		return fail(err)
	}
	if n, err := store.CleanPartials(); err != nil {
		return fail(err)
	} else if n > 0 {
		m.opts.Logger.Info("Removed partial downloads", logging.F("account", account.ID), logging.F("count", n))
	}
	if m.opts.LegacyDir != "" {
		if n, err := reg.ImportLegacyContent(ctx, m.opts.Fs, m.opts.LegacyDir, store.Root()); err != nil {
			m.opts.Logger.Warn("Legacy content import failed", logging.F("account", account.ID), logging.F("error", err))
		} else if n > 0 {
			m.opts.Logger.Info("Imported legacy content", logging.F("account", account.ID), logging.F("count", n))
		}
	}
	if account.Username != "" {
		if err := reg.SetMeta(ctx, registry.MetaUsername, account.Username); err != nil {
			return fail(err)
		}
	}
	if account.ServerURL != "" {
		if err := reg.SetMeta(ctx, registry.MetaServerURL, account.ServerURL); err != nil {
			return fail(err)
		}
	}

	repo, err := m.opts.Factory(ctx, account)
	if err != nil {
		return fail(fmt.Errorf("failed to open repository for %s: %w", account.ID, err))
	}
	o, err := New(Options{
		Account:          account,
		Registry:         reg,
		Store:            store,
		Repository:       repo,
		Executor:         m.opts.Executor,
		Delegate:         m.opts.Delegate,
		ProgressInterval: m.opts.ProgressInterval,
		ListConcurrency:  m.opts.ListConcurrency,
		Logger:           m.opts.Logger,
	})
	if err != nil {
		return fail(err)
	}

	m.accounts[account.ID] = o
	if m.current == "" {
		m.current = account.ID
	}
	m.opts.Logger.Info("Sync enabled", logging.F("account", account.ID))
	return o, nil
}

// DisableSync cancels the account's operations and closes its orchestrator.
// The registry partition is kept.
func (m *Manager) DisableSync(ctx context.Context, accountID string, opts DisableOptions) error {
	o, err := m.Orchestrator(accountID)
	if err != nil {
		return err
	}
	if inFlight := o.queue.Len(); opts.Confirm != nil && !opts.Confirm(inFlight) {
		return ErrDisableAborted
	}

	m.mu.Lock()
	delete(m.accounts, accountID)
	if m.current == accountID {
		m.current = ""
	}
	m.mu.Unlock()

	o.Close()
	// A refresh or node operation that is still unwinding holds refreshMu.
	o.refreshMu.Lock()
	defer o.refreshMu.Unlock()

	if opts.PurgeContent {
		if err := o.purgeContent(ctx); err != nil {
			return err
		}
	}

	if err := o.reg.SetSyncEnabled(ctx, false); err != nil {
		return err
	}
	m.opts.Logger.Info("Sync disabled",
		logging.F("account", accountID),
		logging.F("purged", opts.PurgeContent))
	return o.reg.Close()
}

// CleanupAccount is used when an account is removed: it cancels operations of
// the given activity (types.ActivityNone for all), waits for the rest, then
// drops the registry partition and all content of the account
func (m *Manager) CleanupAccount(ctx context.Context, accountID string, cancel types.ActivityType) error {
	m.mu.Lock()
	o := m.accounts[accountID]
	delete(m.accounts, accountID)
	if m.current == accountID {
		m.current = ""
	}
	m.mu.Unlock()

	if o != nil {
		o.CancelOperations(cancel)
		if err := o.waitIdle(ctx); err != nil {
			return err
		}
		o.Close()
		o.refreshMu.Lock()
		err := o.reg.Close()
		o.refreshMu.Unlock()
		if err != nil {
			m.opts.Logger.Warn("Failed to close registry", logging.F("account", accountID), logging.F("error", err))
		}
	}

	if err := content.DropDir(m.opts.Fs, identity.AccountDir(m.opts.DataDir, accountID)); err != nil {
		return err
	}
	m.opts.Logger.Info("Account cleaned up", logging.F("account", accountID))
	return nil
}

// Orchestrator returns the orchestrator of an enabled account
func (m *Manager) Orchestrator(accountID string) (*Orchestrator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotEnabled, accountID)
	}
	return o, nil
}

// Current returns the orchestrator of the current account
func (m *Manager) Current() (*Orchestrator, error) {
	m.mu.Lock()
	id := m.current
	m.mu.Unlock()
	if id == "" {
		return nil, fmt.Errorf("%w: no current account", ErrAccountNotEnabled)
	}
	return m.Orchestrator(id)
}

// SetCurrent switches the current account. Switching only changes which
// partition is addressed; no data is moved.
func (m *Manager) SetCurrent(accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[accountID]; !ok {
		return fmt.Errorf("%w: %s", ErrAccountNotEnabled, accountID)
	}
	m.current = accountID
	return nil
}

// Enabled returns the ids of the accounts with an open orchestrator
func (m *Manager) Enabled() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.accounts))
	for id := range m.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Accounts lists every account that has a partition on disk
func (m *Manager) Accounts() ([]string, error) {
	root := filepath.Join(m.opts.DataDir, "accounts")
	entries, err := afero.ReadDir(m.opts.Fs, root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, err := url.QueryUnescape(e.Name())
		if err != nil {
			continue
		}
		if ok, _ := afero.Exists(m.opts.Fs, identity.RegistryPath(m.opts.DataDir, id)); ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Close stops every orchestrator and closes their registries
func (m *Manager) Close() error {
	m.mu.Lock()
	accounts := m.accounts
	m.accounts = make(map[string]*Orchestrator)
	m.current = ""
	m.mu.Unlock()

	var firstErr error
	for _, o := range accounts {
		o.Close()
		if err := o.reg.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if m.serial != nil {
		m.serial.Close()
	}
	return firstErr
}

// waitIdle waits for every operation that is still in flight. Parked
// operations count as idle.
func (o *Orchestrator) waitIdle(ctx context.Context) error {
	return o.queue.WaitSettled(ctx, o.queue.Handles())
}

// purgeContent deletes downloaded content and flags the records for reload.
// Content holding unsent edits is kept.
func (o *Orchestrator) purgeContent(ctx context.Context) error {
	nodes, err := o.reg.AllNodes(ctx)
	if err != nil {
		return err
	}
	var purged []*types.SyncNodeInfo
	for _, n := range nodes {
		if n.IsFolder || n.LocalContentPath == "" || n.HasLocalChanges || n.IsRemovedFromSyncWithLocalChanges {
			continue
		}
		o.removeContent(n.LocalContentPath)
		n.LocalContentPath = ""
		n.ReloadContentFlag = true
		purged = append(purged, n)
	}
	return o.reg.UpsertMany(ctx, purged)
}
