// Package auth stores per-account OAuth tokens and turns them into
// authenticated Drive repositories.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dl-alexandre/docsync/internal/logging"
	"github.com/dl-alexandre/docsync/internal/remote/gdrive"
	"github.com/dl-alexandre/docsync/internal/utils"
	"github.com/zalando/go-keyring"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const (
	serviceName  = "docsync"
	accountsFile = "accounts.json"
)

// storedToken is the persisted form of an account's token
type storedToken struct {
	Account      string    `json:"account"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Expiry       time.Time `json:"expiry"`
	Scopes       []string  `json:"scopes,omitempty"`
}

// Manager handles token storage and OAuth configuration
type Manager struct {
	configDir      string
	useKeyring     bool
	storage        StorageBackend
	oauthConfig    *oauth2.Config
	storageWarning string
	logger         logging.Logger
	listMu         sync.Mutex
}

// ManagerOptions configures the auth manager
type ManagerOptions struct {
	ForceEncryptedFile bool // skip the system keyring
	Logger             logging.Logger
}

// NewManager creates a new auth manager
func NewManager(configDir string, opts ManagerOptions) (*Manager, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	mgr := &Manager{configDir: configDir, logger: logger}

	if opts.ForceEncryptedFile || !checkKeyringAvailable() {
		storage, err := NewEncryptedFileStorage(configDir)
		if err != nil {
			return nil, err
		}
		mgr.storage = storage
		if !opts.ForceEncryptedFile {
			mgr.storageWarning = "System keyring not available. Using encrypted file storage."
		}
	} else {
		mgr.storage = NewKeyringStorage(serviceName)
		mgr.useKeyring = true
	}
	return mgr, nil
}

// checkKeyringAvailable tests if the system keyring accepts writes
func checkKeyringAvailable() bool {
	testKey := serviceName + "-probe"
	if err := keyring.Set(serviceName, testKey, "probe"); err != nil {
		return false
	}
	_ = keyring.Delete(serviceName, testKey)
	return true
}

// SetOAuthConfig sets the OAuth2 client used for login and token refresh
func (m *Manager) SetOAuthConfig(clientID, clientSecret string, scopes []string) {
	m.oauthConfig = &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Scopes:       scopes,
		Endpoint:     google.Endpoint,
	}
}

// SetOAuthEndpoint overrides the OAuth endpoint
func (m *Manager) SetOAuthEndpoint(endpoint oauth2.Endpoint) {
	if m.oauthConfig != nil {
		m.oauthConfig.Endpoint = endpoint
	}
}

// OAuthConfig returns the current OAuth2 configuration
func (m *Manager) OAuthConfig() *oauth2.Config {
	return m.oauthConfig
}

// SaveToken stores an account's token
func (m *Manager) SaveToken(account string, token *oauth2.Token) error {
	stored := storedToken{
		Account:      account,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
		Expiry:       token.Expiry,
	}
	if m.oauthConfig != nil {
		stored.Scopes = m.oauthConfig.Scopes
	}

	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}
	if err := m.storage.Save(account, data); err != nil {
		return err
	}
	if err := m.trackAccount(account, true); err != nil {
		m.logger.Warn("Failed to update account list", logging.F("error", err))
	}
	return nil
}

// LoadToken loads an account's token
func (m *Manager) LoadToken(account string) (*oauth2.Token, error) {
	data, err := m.storage.Load(account)
	if err != nil {
		return nil, err
	}
	var stored storedToken
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	return &oauth2.Token{
		AccessToken:  stored.AccessToken,
		RefreshToken: stored.RefreshToken,
		TokenType:    stored.TokenType,
		Expiry:       stored.Expiry,
	}, nil
}

// DeleteToken removes an account's token
func (m *Manager) DeleteToken(account string) error {
	if err := m.storage.Delete(account); err != nil {
		return err
	}
	if err := m.trackAccount(account, false); err != nil {
		m.logger.Warn("Failed to update account list", logging.F("error", err))
	}
	return nil
}

// Accounts lists accounts with stored tokens
func (m *Manager) Accounts() ([]string, error) {
	if files, ok := m.storage.(*EncryptedFileStorage); ok {
		accounts, err := files.Accounts()
		sort.Strings(accounts)
		return accounts, err
	}
	return m.readAccountList()
}

func (m *Manager) readAccountList() ([]string, error) {
	data, err := os.ReadFile(filepath.Join(m.configDir, accountsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}
	var accounts []string
	if err := json.Unmarshal(data, &accounts); err != nil {
		return nil, err
	}
	sort.Strings(accounts)
	return accounts, nil
}

// trackAccount maintains the account list the keyring cannot enumerate
func (m *Manager) trackAccount(account string, present bool) error {
	if !m.useKeyring {
		return nil
	}
	m.listMu.Lock()
	defer m.listMu.Unlock()

	accounts, err := m.readAccountList()
	if err != nil {
		return err
	}
	updated := make([]string, 0, len(accounts)+1)
	for _, a := range accounts {
		if a != account {
			updated = append(updated, a)
		}
	}
	if present {
		updated = append(updated, account)
	}

	data, err := json.Marshal(updated)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(m.configDir, 0700); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(m.configDir, accountsFile), data, 0600)
}

// TokenSource returns a token source for an account that refreshes through
// the OAuth config and persists every new token
func (m *Manager) TokenSource(ctx context.Context, account string) (oauth2.TokenSource, error) {
	token, err := m.LoadToken(account)
	if err != nil {
		return nil, utils.WrapAppError(utils.NewCLIError(utils.ErrCodeAuthRequired,
			fmt.Sprintf("No credentials for %s. Run 'docsync auth login --account %s' first.", account, account)).Build(),
			utils.ErrAuthRequired)
	}

	var base oauth2.TokenSource
	if m.oauthConfig != nil {
		base = m.oauthConfig.TokenSource(ctx, token)
	} else {
		base = oauth2.StaticTokenSource(token)
	}
	return &persistingTokenSource{
		account: account,
		base:    oauth2.ReuseTokenSource(token, base),
		manager: m,
		last:    token.AccessToken,
	}, nil
}

// HTTPClient returns an authenticated HTTP client for an account
func (m *Manager) HTTPClient(ctx context.Context, account string) (*http.Client, error) {
	ts, err := m.TokenSource(ctx, account)
	if err != nil {
		return nil, err
	}
	return oauth2.NewClient(ctx, ts), nil
}

// DriveRepository builds the Drive-backed repository of an account
func (m *Manager) DriveRepository(ctx context.Context, account string, maxRetries, retryDelayMs int) (*gdrive.Repository, error) {
	httpClient, err := m.HTTPClient(ctx, account)
	if err != nil {
		return nil, err
	}
	service, err := gdrive.NewService(ctx, httpClient)
	if err != nil {
		return nil, err
	}
	return gdrive.NewRepository(gdrive.NewClient(service, maxRetries, retryDelayMs, m.logger)), nil
}

// UseKeyring returns whether the manager is using the system keyring
func (m *Manager) UseKeyring() bool {
	return m.useKeyring
}

// StorageBackend returns the name of the storage backend in use
func (m *Manager) StorageBackend() string {
	return m.storage.Name()
}

// StorageWarning returns any warning about the storage backend
func (m *Manager) StorageWarning() string {
	return m.storageWarning
}

type persistingTokenSource struct {
	account string
	base    oauth2.TokenSource
	manager *Manager
	mu      sync.Mutex
	last    string
}

func (s *persistingTokenSource) Token() (*oauth2.Token, error) {
	token, err := s.base.Token()
	if err != nil {
		return nil, utils.WrapAppError(utils.NewCLIError(utils.ErrCodeAuthExpired,
			"Token refresh failed. Run 'docsync auth login' to re-authenticate.").Build(),
			fmt.Errorf("%w: %v", utils.ErrAuthRequired, err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if token.AccessToken != s.last {
		s.last = token.AccessToken
		if err := s.manager.SaveToken(s.account, token); err != nil {
			s.manager.logger.Warn("Failed to persist refreshed token",
				logging.F("account", s.account),
				logging.F("error", err),
			)
		}
	}
	return token, nil
}
