// Package remote defines the repository capability the sync engine consumes.
//
// Implementations talk to a document repository. The engine never depends on a
// concrete transport, only on Repository and the error kinds below.
package remote

import (
	"context"
	"errors"
	"io"

	"github.com/dl-alexandre/docsync/internal/types"
	"github.com/dl-alexandre/docsync/internal/utils"
)

var (
	// ErrOffline means the repository could not be reached. Operations failing
	// with it are parked rather than failed.
	ErrOffline = utils.ErrOffline
	// ErrAuth means credentials are missing or were rejected
	ErrAuth = utils.ErrAuthRequired
	// ErrNotFound means the node no longer exists remotely
	ErrNotFound = errors.New("remote node not found")
)

// DefaultPageSize is used when Paging.PageSize is zero
const DefaultPageSize = 100

// Paging selects one page of a listing
type Paging struct {
	PageToken string
	PageSize  int
}

// PagedResult is one page of nodes. An empty NextPageToken ends the listing.
type PagedResult struct {
	Nodes         []*types.RemoteNode
	NextPageToken string
}

// ProgressFunc receives transfer progress. total is -1 when unknown.
type ProgressFunc func(transferred, total int64)

// Repository is the remote repository of one account
type Repository interface {
	// ListChildren lists the direct children of a folder
	ListChildren(ctx context.Context, folderID string, paging Paging) (*PagedResult, error)
	// RetrieveFavorites lists the account's top-level sync set
	RetrieveFavorites(ctx context.Context, paging Paging) (*PagedResult, error)
	// GetNode fetches fresh metadata for a node
	GetNode(ctx context.Context, id string) (*types.RemoteNode, error)
	// GetPermissions fetches the caller's permissions on a node
	GetPermissions(ctx context.Context, node *types.RemoteNode) (*types.Permissions, error)
	// Download streams a document's content into sink
	Download(ctx context.Context, node *types.RemoteNode, sink io.Writer, progress ProgressFunc) error
	// Upload replaces a document's content and returns the updated node
	Upload(ctx context.Context, node *types.RemoteNode, source io.Reader, size int64, progress ProgressFunc) (*types.RemoteNode, error)
}

// FavoritesEditor is implemented by repositories that let the engine change
// the favorite set
type FavoritesEditor interface {
	SetFavorite(ctx context.Context, id string, favorite bool) error
}

// IsOffline reports whether err means the repository is unreachable
func IsOffline(err error) bool {
	return errors.Is(err, ErrOffline)
}

// ListAll follows NextPageToken until the listing is exhausted
func ListAll(ctx context.Context, pageSize int, fetch func(ctx context.Context, paging Paging) (*PagedResult, error)) ([]*types.RemoteNode, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	var all []*types.RemoteNode
	paging := Paging{PageSize: pageSize}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := fetch(ctx, paging)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Nodes...)
		if page.NextPageToken == "" {
			return all, nil
		}
		paging.PageToken = page.NextPageToken
	}
}

// AllFavorites returns the complete favorite set
func AllFavorites(ctx context.Context, repo Repository) ([]*types.RemoteNode, error) {
	return ListAll(ctx, DefaultPageSize, repo.RetrieveFavorites)
}

// AllChildren returns every child of a folder
func AllChildren(ctx context.Context, repo Repository, folderID string) ([]*types.RemoteNode, error) {
	return ListAll(ctx, DefaultPageSize, func(ctx context.Context, paging Paging) (*PagedResult, error) {
		return repo.ListChildren(ctx, folderID, paging)
	})
}
