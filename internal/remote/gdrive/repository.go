package gdrive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dl-alexandre/docsync/internal/identity"
	"github.com/dl-alexandre/docsync/internal/remote"
	"github.com/dl-alexandre/docsync/internal/types"
	"github.com/dl-alexandre/docsync/internal/utils"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
)

const (
	nodeFields        = "id, name, mimeType, size, modifiedTime, headRevisionId, version, parents, starred, md5Checksum, createdTime, owners(emailAddress), properties, appProperties"
	listFields        = "nextPageToken, files(" + nodeFields + ")"
	capabilityFields  = "capabilities(canEdit, canDelete, canDownload, canComment)"
	favoritesQuery    = "starred = true and trashed = false"
	childrenQueryTmpl = "'%s' in parents and trashed = false"
)

// Repository implements remote.Repository and remote.FavoritesEditor on Drive
type Repository struct {
	client *Client
}

// NewRepository creates a Drive-backed repository
func NewRepository(client *Client) *Repository {
	return &Repository{client: client}
}

func (r *Repository) list(ctx context.Context, op, query string, paging remote.Paging) (*remote.PagedResult, error) {
	size := paging.PageSize
	if size <= 0 {
		size = remote.DefaultPageSize
	}
	list, err := execute(ctx, r.client, op, func() (*drive.FileList, error) {
		call := r.client.service.Files.List().
			Q(query).
			Fields(googleapi.Field(listFields)).
			PageSize(int64(size)).
			SupportsAllDrives(true).
			IncludeItemsFromAllDrives(true).
			Context(ctx)
		if paging.PageToken != "" {
			call = call.PageToken(paging.PageToken)
		}
		return call.Do()
	})
	if err != nil {
		return nil, err
	}

	result := &remote.PagedResult{NextPageToken: list.NextPageToken}
	for _, f := range list.Files {
		result.Nodes = append(result.Nodes, toRemoteNode(f))
	}
	return result, nil
}

// RetrieveFavorites lists starred files and folders
func (r *Repository) RetrieveFavorites(ctx context.Context, paging remote.Paging) (*remote.PagedResult, error) {
	return r.list(ctx, "files.list.starred", favoritesQuery, paging)
}

// ListChildren lists the non-trashed children of a folder
func (r *Repository) ListChildren(ctx context.Context, folderID string, paging remote.Paging) (*remote.PagedResult, error) {
	id := identity.SyncIDFromRemoteID(folderID)
	return r.list(ctx, "files.list.children", fmt.Sprintf(childrenQueryTmpl, escapeQuery(id)), paging)
}

// GetNode fetches current metadata
func (r *Repository) GetNode(ctx context.Context, id string) (*types.RemoteNode, error) {
	fileID := identity.SyncIDFromRemoteID(id)
	f, err := execute(ctx, r.client, "files.get", func() (*drive.File, error) {
		return r.client.service.Files.Get(fileID).
			Fields(googleapi.Field(nodeFields)).
			SupportsAllDrives(true).
			Context(ctx).
			Do()
	})
	if err != nil {
		return nil, err
	}
	return toRemoteNode(f), nil
}

// GetPermissions maps Drive capabilities onto Permissions
func (r *Repository) GetPermissions(ctx context.Context, node *types.RemoteNode) (*types.Permissions, error) {
	fileID := identity.SyncIDForNode(node)
	f, err := execute(ctx, r.client, "files.get.capabilities", func() (*drive.File, error) {
		return r.client.service.Files.Get(fileID).
			Fields(capabilityFields).
			SupportsAllDrives(true).
			Context(ctx).
			Do()
	})
	if err != nil {
		return nil, err
	}
	perms := &types.Permissions{}
	if c := f.Capabilities; c != nil {
		perms.CanEdit = c.CanEdit
		perms.CanDelete = c.CanDelete
		perms.CanDownload = c.CanDownload
		perms.CanComment = c.CanComment
	}
	return perms, nil
}

// Download streams file content. Workspace documents are exported to their
// offline format.
func (r *Repository) Download(ctx context.Context, node *types.RemoteNode, sink io.Writer, progress remote.ProgressFunc) error {
	fileID := identity.SyncIDForNode(node)
	export, isWorkspace := utils.ExportMappings[node.MimeType]

	resp, err := execute(ctx, r.client, "files.download", func() (*http.Response, error) {
		if isWorkspace {
			return r.client.service.Files.Export(fileID, export).Context(ctx).Download()
		}
		return r.client.service.Files.Get(fileID).SupportsAllDrives(true).Context(ctx).Download()
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	total := node.Size
	if isWorkspace || total <= 0 {
		total = resp.ContentLength
	}
	if _, err := io.Copy(remote.NewProgressWriter(ctx, sink, total, progress), resp.Body); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return classifyError("files.download", err, r.client.logger)
	}
	return nil
}

// Upload replaces file content. The source is consumed once, so uploads are
// not retried here.
func (r *Repository) Upload(ctx context.Context, node *types.RemoteNode, source io.Reader, size int64, progress remote.ProgressFunc) (*types.RemoteNode, error) {
	fileID := identity.SyncIDForNode(node)
	contentType := node.MimeType
	if export, ok := utils.ExportMappings[node.MimeType]; ok {
		contentType = export
	}

	call := r.client.service.Files.Update(fileID, &drive.File{}).
		Fields(googleapi.Field(nodeFields)).
		SupportsAllDrives(true).
		Context(ctx)
	if contentType != "" {
		call = call.Media(remote.NewProgressReader(ctx, source, size, progress), googleapi.ContentType(contentType))
	} else {
		call = call.Media(remote.NewProgressReader(ctx, source, size, progress))
	}

	f, err := call.Do()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classifyError("files.update", err, r.client.logger)
	}
	return toRemoteNode(f), nil
}

// SetFavorite stars or unstars a file
func (r *Repository) SetFavorite(ctx context.Context, id string, favorite bool) error {
	fileID := identity.SyncIDFromRemoteID(id)
	_, err := execute(ctx, r.client, "files.update.starred", func() (*drive.File, error) {
		f := &drive.File{Starred: favorite}
		f.ForceSendFields = []string{"Starred"}
		return r.client.service.Files.Update(fileID, f).
			Fields("id, starred").
			SupportsAllDrives(true).
			Context(ctx).
			Do()
	})
	return err
}

func escapeQuery(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `'`, `\'`)
}

// toRemoteNode converts a Drive file. Known fields become typed properties;
// custom and app properties are kept as extensions.
func toRemoteNode(f *drive.File) *types.RemoteNode {
	modified, _ := time.Parse(time.RFC3339, f.ModifiedTime)
	version := f.HeadRevisionId
	if version == "" && f.Version > 0 {
		version = strconv.FormatInt(f.Version, 10)
	}

	n := &types.RemoteNode{
		ID:           f.Id,
		Name:         f.Name,
		IsFolder:     f.MimeType == utils.MimeTypeFolder,
		MimeType:     f.MimeType,
		Size:         f.Size,
		ModifiedAt:   modified.UTC(),
		VersionLabel: version,
		ParentIDs:    f.Parents,
		Properties: map[string]types.PropertyValue{
			"starred": types.BoolProperty(f.Starred),
			"version": types.IntProperty(f.Version),
		},
	}
	if f.Md5Checksum != "" {
		n.Properties["md5Checksum"] = types.StringProperty(f.Md5Checksum)
	}
	if created, err := time.Parse(time.RFC3339, f.CreatedTime); err == nil {
		n.Properties["createdTime"] = types.TimeProperty(created.UTC())
	}
	if len(f.Owners) > 0 {
		owners := make([]string, 0, len(f.Owners))
		for _, o := range f.Owners {
			owners = append(owners, o.EmailAddress)
		}
		n.Properties["owners"] = types.StringsProperty(owners)
	}

	addExtensions := func(prefix string, props map[string]string) {
		for k, v := range props {
			raw, err := json.Marshal(v)
			if err != nil {
				continue
			}
			if n.Extensions == nil {
				n.Extensions = make(map[string]json.RawMessage)
			}
			n.Extensions[prefix+k] = raw
		}
	}
	addExtensions("", f.Properties)
	addExtensions("app:", f.AppProperties)
	return n
}
