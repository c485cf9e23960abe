package testing

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dl-alexandre/docsync/internal/content"
	"github.com/dl-alexandre/docsync/internal/identity"
	"github.com/dl-alexandre/docsync/internal/registry"
	"github.com/dl-alexandre/docsync/internal/types"
)

// TestAccountID is the account used by engine tests
const TestAccountID = "alice"

// TestContext creates a standard test context
func TestContext() context.Context {
	return context.Background()
}

// TestAccount returns the account used by engine tests
func TestAccount() types.Account {
	return types.Account{ID: TestAccountID, Username: "alice@example.com"}
}

// NewRegistry opens a registry partition under a temporary data directory.
// It is closed when the test ends.
func NewRegistry(t *testing.T, dataDir string) *registry.Registry {
	t.Helper()
	if dataDir == "" {
		dataDir = t.TempDir()
	}
	reg, err := registry.Open(TestContext(), identity.RegistryPath(dataDir, TestAccountID), TestAccountID, nil)
	if err != nil {
		t.Fatalf("failed to open registry: %v", err)
	}
	t.Cleanup(func() { reg.Close() })
	return reg
}

// NewStore creates the content store of the test account under dataDir
func NewStore(t *testing.T, dataDir string) *content.Store {
	t.Helper()
	store := content.NewStore(identity.ContentRoot(dataDir, TestAccountID), nil)
	if err := store.Ensure(); err != nil {
		t.Fatalf("failed to create content store: %v", err)
	}
	return store
}

// TestDocument creates a remote document node for testing
func TestDocument(id, name, parentID string, modified time.Time) *types.RemoteNode {
	n := &types.RemoteNode{
		ID:           id,
		Name:         name,
		MimeType:     "text/plain",
		Size:         1024,
		ModifiedAt:   modified,
		VersionLabel: "1",
	}
	if parentID != "" {
		n.ParentIDs = []string{parentID}
	}
	return n
}

// TestFolder creates a remote folder node for testing
func TestFolder(id, name, parentID string) *types.RemoteNode {
	n := TestDocument(id, name, parentID, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	n.IsFolder = true
	n.MimeType = "application/vnd.google-apps.folder"
	n.Size = 0
	return n
}

// ReadContent returns the content stored at path, failing the test if it is missing
func ReadContent(t *testing.T, path string) string {
	t.Helper()
	if path == "" {
		t.Fatal("node has no local content path")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read content: %v", err)
	}
	return string(data)
}

// WriteContent replaces local content as an editor would
func WriteContent(t *testing.T, path, data string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("failed to write content: %v", err)
	}
}

// FileExists reports whether path exists on disk
func FileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(filepath.Clean(path))
	return err == nil
}
