// Package memory is an in-process remote.Repository.
//
// It backs the engine tests and the --demo mode of the CLI. Failures, offline
// periods and slow transfers can be injected per operation and node.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/dl-alexandre/docsync/internal/identity"
	"github.com/dl-alexandre/docsync/internal/remote"
	"github.com/dl-alexandre/docsync/internal/types"
	"github.com/dl-alexandre/docsync/internal/utils"
)

// Op names a repository call for failure injection and call counting
type Op string

const (
	OpList        Op = "list"
	OpFavorites   Op = "favorites"
	OpGet         Op = "get"
	OpPermissions Op = "permissions"
	OpDownload    Op = "download"
	OpUpload      Op = "upload"
)

const defaultChunkSize = 4096

type entry struct {
	node    types.RemoteNode
	content []byte
	perms   types.Permissions
}

// Repository keeps nodes, content and the favorite set in memory
type Repository struct {
	mu        sync.Mutex
	entries   map[string]*entry
	favorites map[string]bool
	offline   bool
	failOnce  map[string][]error
	failAll   map[string]error
	gates     map[string]*Gate
	calls     map[string]int
	clock     time.Time
	versioned bool
	chunkSize int
}

// Option configures a Repository
type Option func(*Repository)

// WithVersionedIDs makes returned node ids carry a ";<version>" suffix, the
// way repositories that expose version-specific ids do
func WithVersionedIDs() Option {
	return func(r *Repository) { r.versioned = true }
}

// WithChunkSize sets the transfer chunk size, which controls how often
// progress is reported
func WithChunkSize(n int) Option {
	return func(r *Repository) {
		if n > 0 {
			r.chunkSize = n
		}
	}
}

// New returns an empty repository
func New(opts ...Option) *Repository {
	r := &Repository{
		entries:   make(map[string]*entry),
		favorites: make(map[string]bool),
		failOnce:  make(map[string][]error),
		failAll:   make(map[string]error),
		gates:     make(map[string]*Gate),
		calls:     make(map[string]int),
		clock:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		chunkSize: defaultChunkSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func key(op Op, id string) string {
	return string(op) + "/" + id
}

// tick advances the logical clock. Callers hold mu.
func (r *Repository) tick() time.Time {
	r.clock = r.clock.Add(time.Minute)
	return r.clock
}

// AddFolder creates a folder under parentID ("" for the root)
func (r *Repository) AddFolder(id, name, parentID string) *types.RemoteNode {
	return r.add(id, name, parentID, true, utils.MimeTypeFolder, nil)
}

// AddDocument creates a document with content under parentID
func (r *Repository) AddDocument(id, name, parentID string, content []byte) *types.RemoteNode {
	return r.add(id, name, parentID, false, "text/plain", content)
}

func (r *Repository) add(id, name, parentID string, folder bool, mime string, content []byte) *types.RemoteNode {
	r.mu.Lock()
	defer r.mu.Unlock()

	var parents []string
	if parentID != "" {
		parents = []string{parentID}
	}
	e := &entry{
		node: types.RemoteNode{
			ID:           id,
			Name:         name,
			IsFolder:     folder,
			MimeType:     mime,
			Size:         int64(len(content)),
			ModifiedAt:   r.tick(),
			VersionLabel: "1",
			ParentIDs:    parents,
			Properties: map[string]types.PropertyValue{
				"title": types.StringProperty(name),
			},
		},
		content: append([]byte(nil), content...),
		perms:   types.Permissions{CanEdit: true, CanDelete: true, CanDownload: true, CanComment: true},
	}
	r.entries[id] = e
	return r.export(e)
}

// Update replaces a document's content as if another client edited it
func (r *Repository) Update(id string, content []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", remote.ErrNotFound, id)
	}
	r.bump(e, content)
	return nil
}

func (r *Repository) bump(e *entry, content []byte) {
	e.content = append([]byte(nil), content...)
	e.node.Size = int64(len(content))
	e.node.ModifiedAt = r.tick()
	v, _ := strconv.Atoi(e.node.VersionLabel)
	e.node.VersionLabel = strconv.Itoa(v + 1)
}

// Remove deletes a node and everything below it
func (r *Repository) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	queue := []string{id}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		delete(r.entries, current)
		delete(r.favorites, current)
		for childID, e := range r.entries {
			for _, p := range e.node.ParentIDs {
				if p == current {
					queue = append(queue, childID)
				}
			}
		}
	}
}

// SetPermissions replaces the permissions reported for a node
func (r *Repository) SetPermissions(id string, perms types.Permissions) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.perms = perms
	}
}

// SetOffline makes every call fail with remote.ErrOffline until reset
func (r *Repository) SetOffline(offline bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offline = offline
}

// FailNext makes the next call of op for id fail with err
func (r *Repository) FailNext(op Op, id string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(op, id)
	r.failOnce[k] = append(r.failOnce[k], err)
}

// FailAlways makes every call of op for id fail with err; nil clears it
func (r *Repository) FailAlways(op Op, id string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.failAll, key(op, id))
		return
	}
	r.failAll[key(op, id)] = err
}

// Calls returns how many times op was called for id
func (r *Repository) Calls(op Op, id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[key(op, id)]
}

// Content returns a copy of a document's current content
func (r *Repository) Content(id string) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		return append([]byte(nil), e.content...)
	}
	return nil
}

// IsFavorite reports whether a node is in the favorite set
func (r *Repository) IsFavorite(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.favorites[id]
}

// Favorite adds nodes to the favorite set
func (r *Repository) Favorite(ids ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		if _, ok := r.entries[id]; ok {
			r.favorites[id] = true
		}
	}
}

// Unfavorite removes nodes from the favorite set
func (r *Repository) Unfavorite(ids ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		delete(r.favorites, id)
	}
}

// begin records a call and returns the injected error for it, if any.
// Callers hold mu.
func (r *Repository) begin(op Op, id string) error {
	k := key(op, id)
	r.calls[k]++
	if r.offline {
		return remote.ErrOffline
	}
	if errs := r.failOnce[k]; len(errs) > 0 {
		r.failOnce[k] = errs[1:]
		return errs[0]
	}
	return r.failAll[k]
}

func (r *Repository) export(e *entry) *types.RemoteNode {
	n := e.node
	n.ParentIDs = append([]string(nil), e.node.ParentIDs...)
	n.Properties = make(map[string]types.PropertyValue, len(e.node.Properties))
	for k, v := range e.node.Properties {
		n.Properties[k] = v
	}
	if r.versioned {
		n.ID = n.ID + identity.VersionSeparator + n.VersionLabel
	}
	return &n
}

func (r *Repository) lookup(id string) (*entry, error) {
	e, ok := r.entries[identity.SyncIDFromRemoteID(id)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", remote.ErrNotFound, id)
	}
	return e, nil
}

func (r *Repository) page(ids []string, paging remote.Paging) (*remote.PagedResult, error) {
	sort.Strings(ids)
	offset := 0
	if paging.PageToken != "" {
		n, err := strconv.Atoi(paging.PageToken)
		if err != nil || n < 0 || n > len(ids) {
			return nil, fmt.Errorf("invalid page token %q", paging.PageToken)
		}
		offset = n
	}
	size := paging.PageSize
	if size <= 0 {
		size = remote.DefaultPageSize
	}
	end := offset + size
	if end > len(ids) {
		end = len(ids)
	}

	result := &remote.PagedResult{}
	for _, id := range ids[offset:end] {
		result.Nodes = append(result.Nodes, r.export(r.entries[id]))
	}
	if end < len(ids) {
		result.NextPageToken = strconv.Itoa(end)
	}
	return result, nil
}

// ListChildren implements remote.Repository
func (r *Repository) ListChildren(ctx context.Context, folderID string, paging remote.Paging) (*remote.PagedResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	folderID = identity.SyncIDFromRemoteID(folderID)
	if err := r.begin(OpList, folderID); err != nil {
		return nil, err
	}
	folder, err := r.lookup(folderID)
	if err != nil {
		return nil, err
	}
	if !folder.node.IsFolder {
		return nil, fmt.Errorf("%s is not a folder", folderID)
	}

	var ids []string
	for id, e := range r.entries {
		for _, p := range e.node.ParentIDs {
			if p == folderID {
				ids = append(ids, id)
				break
			}
		}
	}
	return r.page(ids, paging)
}

// RetrieveFavorites implements remote.Repository
func (r *Repository) RetrieveFavorites(ctx context.Context, paging remote.Paging) (*remote.PagedResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin(OpFavorites, ""); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(r.favorites))
	for id := range r.favorites {
		ids = append(ids, id)
	}
	return r.page(ids, paging)
}

// GetNode implements remote.Repository
func (r *Repository) GetNode(ctx context.Context, id string) (*types.RemoteNode, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin(OpGet, identity.SyncIDFromRemoteID(id)); err != nil {
		return nil, err
	}
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	return r.export(e), nil
}

// GetPermissions implements remote.Repository
func (r *Repository) GetPermissions(ctx context.Context, node *types.RemoteNode) (*types.Permissions, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin(OpPermissions, identity.SyncIDForNode(node)); err != nil {
		return nil, err
	}
	e, err := r.lookup(node.ID)
	if err != nil {
		return nil, err
	}
	perms := e.perms
	return &perms, nil
}

// SetFavorite implements remote.FavoritesEditor
func (r *Repository) SetFavorite(ctx context.Context, id string, favorite bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.offline {
		return remote.ErrOffline
	}
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	if favorite {
		r.favorites[e.node.ID] = true
	} else {
		delete(r.favorites, e.node.ID)
	}
	return nil
}

// Download implements remote.Repository
func (r *Repository) Download(ctx context.Context, node *types.RemoteNode, sink io.Writer, progress remote.ProgressFunc) error {
	id := identity.SyncIDForNode(node)
	r.mu.Lock()
	err := r.begin(OpDownload, id)
	var content []byte
	if err == nil {
		var e *entry
		e, err = r.lookup(id)
		if err == nil {
			if e.node.IsFolder {
				err = fmt.Errorf("%s is a folder", id)
			}
			content = append([]byte(nil), e.content...)
		}
	}
	gate := r.gates[key(OpDownload, id)]
	r.mu.Unlock()
	if err != nil {
		return err
	}

	if err := gate.wait(ctx); err != nil {
		return err
	}
	return r.stream(ctx, bytes.NewReader(content), remote.NewProgressWriter(ctx, sink, int64(len(content)), progress))
}

// Upload implements remote.Repository
func (r *Repository) Upload(ctx context.Context, node *types.RemoteNode, source io.Reader, size int64, progress remote.ProgressFunc) (*types.RemoteNode, error) {
	id := identity.SyncIDForNode(node)
	r.mu.Lock()
	err := r.begin(OpUpload, id)
	if err == nil {
		_, err = r.lookup(id)
	}
	gate := r.gates[key(OpUpload, id)]
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if err := gate.wait(ctx); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := r.stream(ctx, remote.NewProgressReader(ctx, source, size, progress), &buf); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	r.bump(e, buf.Bytes())
	return r.export(e), nil
}

func (r *Repository) stream(ctx context.Context, src io.Reader, dst io.Writer) error {
	buf := make([]byte, r.chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
