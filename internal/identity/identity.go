// Package identity derives stable sync identifiers for remote nodes and
// maps them onto the per-account on-disk layout.
package identity

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/dl-alexandre/docsync/internal/types"
)

// VersionSeparator separates a node id from its version label
const VersionSeparator = ";"

const (
	accountsDir  = "accounts"
	contentDir   = "content"
	registryFile = "registry.db"
)

// SyncIDForNode returns the version-independent identifier of a remote node
func SyncIDForNode(node *types.RemoteNode) string {
	if node == nil {
		return ""
	}
	return SyncIDFromRemoteID(node.ID)
}

// SyncIDFromRemoteID strips any version-label suffix, so every version of a
// document maps to the same identifier.
func SyncIDFromRemoteID(id string) string {
	id = strings.TrimSpace(id)
	if i := strings.Index(id, VersionSeparator); i >= 0 {
		id = id[:i]
	}
	return id
}

// AccountDir is the root of everything stored for one account
func AccountDir(dataDir, accountID string) string {
	return filepath.Join(dataDir, accountsDir, url.QueryEscape(accountID))
}

// ContentRoot is the directory holding an account's offline content
func ContentRoot(dataDir, accountID string) string {
	return filepath.Join(AccountDir(dataDir, accountID), contentDir)
}

// RegistryPath is the database file of an account's registry partition
func RegistryPath(dataDir, accountID string) string {
	return filepath.Join(AccountDir(dataDir, accountID), registryFile)
}

// ContentFileName maps a sync id and extension to a file name. The sync id is
// query-escaped, which keeps the mapping collision-free and path-separator free.
func ContentFileName(syncID, ext string) string {
	name := url.QueryEscape(syncID)
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		return name
	}
	return name + "." + ext
}

// ContentPath returns <contentRoot>/<escaped sync id>.<ext>
func ContentPath(contentRoot, syncID, ext string) string {
	return filepath.Join(contentRoot, ContentFileName(syncID, ext))
}

// ParseContentFileName reverses ContentFileName. The extension is everything
// after the last dot, which is safe because escaped ids never gain new dots.
func ParseContentFileName(name string) (syncID, ext string, err error) {
	base := name
	if i := strings.LastIndex(name, "."); i > 0 {
		base, ext = name[:i], name[i+1:]
	}
	syncID, err = url.QueryUnescape(base)
	if err != nil {
		return "", "", fmt.Errorf("invalid content file name %q: %w", name, err)
	}
	if syncID == "" {
		return "", "", fmt.Errorf("invalid content file name %q", name)
	}
	return syncID, ext, nil
}
