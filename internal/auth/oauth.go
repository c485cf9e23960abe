package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/dl-alexandre/docsync/internal/logging"
	"golang.org/x/oauth2"
)

// loginTimeout bounds how long the browser round trip may take
const loginTimeout = 5 * time.Minute

// OAuthFlow runs the loopback authorization code flow with PKCE
type OAuthFlow struct {
	config   *oauth2.Config
	listener net.Listener
	state    string
	verifier string
	codeChan chan string
	errChan  chan error
}

// NewOAuthFlow creates a flow that receives the callback on listener
func NewOAuthFlow(config *oauth2.Config, listener net.Listener) (*OAuthFlow, error) {
	if config == nil {
		return nil, fmt.Errorf("OAuth config not set")
	}
	state, err := generateState()
	if err != nil {
		return nil, fmt.Errorf("failed to generate state: %w", err)
	}

	cfg := *config
	addr := listener.Addr().(*net.TCPAddr)
	cfg.RedirectURL = fmt.Sprintf("http://127.0.0.1:%d/callback", addr.Port)

	return &OAuthFlow{
		config:   &cfg,
		listener: listener,
		state:    state,
		verifier: oauth2.GenerateVerifier(),
		codeChan: make(chan string, 1),
		errChan:  make(chan error, 1),
	}, nil
}

// AuthURL returns the URL the user approves access at
func (f *OAuthFlow) AuthURL() string {
	return f.config.AuthCodeURL(f.state, oauth2.AccessTypeOffline, oauth2.S256ChallengeOption(f.verifier))
}

// Serve starts the callback server until ctx is done
func (f *OAuthFlow) Serve(ctx context.Context) {
	mux := http.NewServeMux()
	mux.HandleFunc("/callback", f.handleCallback)
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := server.Serve(f.listener); err != nil && err != http.ErrServerClosed {
			f.report(err)
		}
	}()
	go func() {
		<-ctx.Done()
		_ = server.Close()
	}()
}

func (f *OAuthFlow) report(err error) {
	select {
	case f.errChan <- err:
	default:
	}
}

func (f *OAuthFlow) handleCallback(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("state") != f.state {
		f.report(fmt.Errorf("invalid state parameter"))
		http.Error(w, "Invalid state", http.StatusBadRequest)
		return
	}
	code := r.URL.Query().Get("code")
	if code == "" {
		f.report(fmt.Errorf("auth error: %s", r.URL.Query().Get("error")))
		http.Error(w, "No code received", http.StatusBadRequest)
		return
	}

	select {
	case f.codeChan <- code:
	default:
	}
	w.Header().Set("Content-Type", "text/html")
	fmt.Fprint(w, `<html><body><h1>docsync is authorized</h1><p>You can close this window.</p></body></html>`)
}

// WaitForCode waits for the authorization code
func (f *OAuthFlow) WaitForCode(ctx context.Context) (string, error) {
	select {
	case code := <-f.codeChan:
		return code, nil
	case err := <-f.errChan:
		return "", err
	case <-ctx.Done():
		return "", fmt.Errorf("authentication timed out: %w", ctx.Err())
	}
}

// Exchange trades the code for a token
func (f *OAuthFlow) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	token, err := f.config.Exchange(ctx, code, oauth2.VerifierOption(f.verifier))
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}
	return token, nil
}

// Close releases the listener
func (f *OAuthFlow) Close() {
	_ = f.listener.Close()
}

func generateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

// Login runs the browser flow for account and stores the resulting token.
// The URL is always written to out so headless users can open it elsewhere.
func (m *Manager) Login(ctx context.Context, account string, openBrowser func(string) error, out io.Writer) error {
	if m.oauthConfig == nil {
		return fmt.Errorf("OAuth client not configured (set DOCSYNC_OAUTH_CLIENT_ID and DOCSYNC_OAUTH_CLIENT_SECRET)")
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("failed to start local server: %w", err)
	}
	flow, err := NewOAuthFlow(m.oauthConfig, listener)
	if err != nil {
		_ = listener.Close()
		return err
	}
	defer flow.Close()

	ctx, cancel := context.WithTimeout(ctx, loginTimeout)
	defer cancel()
	flow.Serve(ctx)

	authURL := flow.AuthURL()
	fmt.Fprintf(out, "Open this URL to authorize docsync for %s:\n%s\n", account, authURL)
	if openBrowser != nil && !isHeadlessEnv() {
		if err := openBrowser(authURL); err != nil {
			m.logger.Debug("Failed to open browser", logging.F("error", err))
		}
	}

	code, err := flow.WaitForCode(ctx)
	if err != nil {
		return err
	}
	token, err := flow.Exchange(ctx, code)
	if err != nil {
		return err
	}
	return m.SaveToken(account, token)
}

func isHeadlessEnv() bool {
	if os.Getenv("DOCSYNC_NO_BROWSER") != "" || os.Getenv("CI") != "" {
		return true
	}
	if os.Getenv("SSH_CONNECTION") != "" || os.Getenv("SSH_TTY") != "" {
		return true
	}
	return runtime.GOOS == "linux" && os.Getenv("DISPLAY") == "" && os.Getenv("WAYLAND_DISPLAY") == ""
}
