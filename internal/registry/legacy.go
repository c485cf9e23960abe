package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dl-alexandre/docsync/internal/identity"
	"github.com/dl-alexandre/docsync/internal/logging"
	"github.com/dl-alexandre/docsync/internal/types"
	"github.com/spf13/afero"
)

// ImportLegacyContent migrates a flat legacy content directory into the
// partition. Each file named <escaped sync id>.<ext> is moved under
// contentRoot and registered as a top-level node flagged for reload, so the
// next refresh re-fetches metadata and content. Already-registered nodes and
// unparseable names are left in place. The legacy directory is removed once empty.
func (r *Registry) ImportLegacyContent(ctx context.Context, fs afero.Fs, legacyDir, contentRoot string) (int, error) {
	entries, err := afero.ReadDir(fs, legacyDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read legacy content directory: %w", err)
	}
	if err := fs.MkdirAll(contentRoot, 0700); err != nil {
		return 0, fmt.Errorf("failed to create content root: %w", err)
	}

	imported := 0
	for _, entry := range entries {
		if !entry.Mode().IsRegular() {
			continue
		}
		syncID, ext, err := identity.ParseContentFileName(entry.Name())
		if err != nil {
			r.logger.Warn("Skipping legacy file", logging.F("file", entry.Name()), logging.F("error", err))
			continue
		}
		exists, err := r.Exists(ctx, syncID)
		if err != nil {
			return imported, err
		}
		if exists {
			continue
		}

		target := identity.ContentPath(contentRoot, syncID, ext)
		if err := fs.Rename(filepath.Join(legacyDir, entry.Name()), target); err != nil {
			return imported, fmt.Errorf("failed to move legacy file %s: %w", entry.Name(), err)
		}

		info := &types.SyncNodeInfo{
			NodeSyncID:         syncID,
			Title:              syncID,
			IsTopLevelSyncNode: true,
			ReloadContentFlag:  true,
			LocalContentPath:   target,
		}
		if err := r.Upsert(ctx, info); err != nil {
			return imported, err
		}
		imported++
	}

	if remaining, err := afero.ReadDir(fs, legacyDir); err == nil && len(remaining) == 0 {
		if err := fs.Remove(legacyDir); err != nil {
			r.logger.Warn("Failed to remove legacy directory", logging.F("dir", legacyDir), logging.F("error", err))
		}
	}

	r.logger.Info("Imported legacy content", logging.F("account", r.accountID), logging.F("count", imported))
	return imported, nil
}
