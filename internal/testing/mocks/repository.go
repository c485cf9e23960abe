package mocks

import (
	"context"
	"io"
	"sync"

	"github.com/dl-alexandre/docsync/internal/remote"
	"github.com/dl-alexandre/docsync/internal/types"
)

// MockRepository is a remote.Repository whose calls are answered by the
// configured funcs. Unset funcs return empty results.
type MockRepository struct {
	ListChildrenFunc      func(folderID string, paging remote.Paging) (*remote.PagedResult, error)
	RetrieveFavoritesFunc func(paging remote.Paging) (*remote.PagedResult, error)
	GetNodeFunc           func(id string) (*types.RemoteNode, error)
	GetPermissionsFunc    func(node *types.RemoteNode) (*types.Permissions, error)
	DownloadFunc          func(node *types.RemoteNode, sink io.Writer, progress remote.ProgressFunc) error
	UploadFunc            func(node *types.RemoteNode, source io.Reader, size int64, progress remote.ProgressFunc) (*types.RemoteNode, error)

	mu    sync.Mutex
	calls map[string]int
}

// NewMockRepository creates a mock with no configured behavior
func NewMockRepository() *MockRepository {
	return &MockRepository{calls: make(map[string]int)}
}

func (m *MockRepository) record(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calls == nil {
		m.calls = make(map[string]int)
	}
	m.calls[name]++
}

// Calls returns how often a method was called
func (m *MockRepository) Calls(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[name]
}

// ListChildren mocks listing a folder
func (m *MockRepository) ListChildren(ctx context.Context, folderID string, paging remote.Paging) (*remote.PagedResult, error) {
	m.record("ListChildren")
	if m.ListChildrenFunc != nil {
		return m.ListChildrenFunc(folderID, paging)
	}
	return &remote.PagedResult{}, nil
}

// RetrieveFavorites mocks listing the favorite set
func (m *MockRepository) RetrieveFavorites(ctx context.Context, paging remote.Paging) (*remote.PagedResult, error) {
	m.record("RetrieveFavorites")
	if m.RetrieveFavoritesFunc != nil {
		return m.RetrieveFavoritesFunc(paging)
	}
	return &remote.PagedResult{}, nil
}

// GetNode mocks fetching node metadata
func (m *MockRepository) GetNode(ctx context.Context, id string) (*types.RemoteNode, error) {
	m.record("GetNode")
	if m.GetNodeFunc != nil {
		return m.GetNodeFunc(id)
	}
	return &types.RemoteNode{ID: id, Name: "mock-node"}, nil
}

// GetPermissions mocks fetching permissions
func (m *MockRepository) GetPermissions(ctx context.Context, node *types.RemoteNode) (*types.Permissions, error) {
	m.record("GetPermissions")
	if m.GetPermissionsFunc != nil {
		return m.GetPermissionsFunc(node)
	}
	return &types.Permissions{CanDownload: true}, nil
}

// Download mocks a content download
func (m *MockRepository) Download(ctx context.Context, node *types.RemoteNode, sink io.Writer, progress remote.ProgressFunc) error {
	m.record("Download")
	if m.DownloadFunc != nil {
		return m.DownloadFunc(node, sink, progress)
	}
	return nil
}

// Upload mocks a content upload
func (m *MockRepository) Upload(ctx context.Context, node *types.RemoteNode, source io.Reader, size int64, progress remote.ProgressFunc) (*types.RemoteNode, error) {
	m.record("Upload")
	if m.UploadFunc != nil {
		return m.UploadFunc(node, source, size, progress)
	}
	updated := *node
	return &updated, nil
}

var _ remote.Repository = (*MockRepository)(nil)
