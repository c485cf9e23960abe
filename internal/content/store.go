// Package content owns the on-disk offline content of one account.
//
// Files are only visible under their final name once a transfer has fully
// completed. Transfers write to a ".partial-" file in the same directory and
// the file is renamed into place on Commit.
package content

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dl-alexandre/docsync/internal/identity"
	"github.com/dl-alexandre/docsync/internal/logging"
	"github.com/oklog/ulid/v2"
	"github.com/spf13/afero"
)

const (
	partialPrefix   = ".partial-"
	tombstonePrefix = ".tombstone-"
)

// ErrOutsideRoot is returned for paths that do not belong to the store
var ErrOutsideRoot = errors.New("path is outside the content root")

// Store is the content directory of one account
type Store struct {
	fs     afero.Fs
	root   string
	logger logging.Logger
}

// NewStore returns a store rooted at root on the OS file system
func NewStore(root string, logger logging.Logger) *Store {
	return NewStoreWithFs(afero.NewOsFs(), root, logger)
}

// NewStoreWithFs returns a store on an arbitrary afero file system
func NewStoreWithFs(fs afero.Fs, root string, logger logging.Logger) *Store {
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	return &Store{fs: fs, root: filepath.Clean(root), logger: logger}
}

// Root returns the content directory
func (s *Store) Root() string {
	return s.root
}

// Ensure creates the content directory
func (s *Store) Ensure() error {
	if err := s.fs.MkdirAll(s.root, 0700); err != nil {
		return fmt.Errorf("failed to create content directory: %w", err)
	}
	return nil
}

// Path returns the final location of a node's content
func (s *Store) Path(syncID, ext string) string {
	return identity.ContentPath(s.root, syncID, ext)
}

// Pending is a content file being written. Nothing is visible at the target
// path until Commit succeeds.
type Pending struct {
	store   *Store
	file    afero.File
	temp    string
	target  string
	written int64
	closed  bool
}

// Create starts writing content for a node
func (s *Store) Create(syncID, ext string) (*Pending, error) {
	if err := s.Ensure(); err != nil {
		return nil, err
	}
	temp := filepath.Join(s.root, partialPrefix+ulid.Make().String())
	file, err := s.fs.OpenFile(temp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create partial file: %w", err)
	}
	return &Pending{store: s, file: file, temp: temp, target: s.Path(syncID, ext)}, nil
}

// Write implements io.Writer
func (p *Pending) Write(b []byte) (int, error) {
	n, err := p.file.Write(b)
	p.written += int64(n)
	return n, err
}

// Written returns the number of bytes written so far
func (p *Pending) Written() int64 {
	return p.written
}

// Target returns the path the content is promoted to
func (p *Pending) Target() string {
	return p.target
}

// Commit promotes the partial file to its final path and returns that path.
// An existing file at the target is replaced.
func (p *Pending) Commit() (string, error) {
	if p.closed {
		return "", fmt.Errorf("pending content already finished")
	}
	p.closed = true
	if err := p.file.Sync(); err != nil {
		_ = p.file.Close()
		_ = p.store.fs.Remove(p.temp)
		return "", fmt.Errorf("failed to flush content: %w", err)
	}
	if err := p.file.Close(); err != nil {
		_ = p.store.fs.Remove(p.temp)
		return "", fmt.Errorf("failed to close content: %w", err)
	}
	if err := p.store.fs.Rename(p.temp, p.target); err != nil {
		_ = p.store.fs.Remove(p.temp)
		return "", fmt.Errorf("failed to promote content: %w", err)
	}
	return p.target, nil
}

// Discard drops the partial file. It is a no-op after Commit.
func (p *Pending) Discard() error {
	if p.closed {
		return nil
	}
	p.closed = true
	_ = p.file.Close()
	if err := p.store.fs.Remove(p.temp); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to discard partial content: %w", err)
	}
	return nil
}

// Open opens stored content for reading and returns its size
func (s *Store) Open(path string) (io.ReadCloser, int64, error) {
	if err := s.contains(path); err != nil {
		return nil, 0, err
	}
	f, err := s.fs.Open(path)
	if err != nil {
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, err
	}
	return f, info.Size(), nil
}

// Exists reports whether a content file is present
func (s *Store) Exists(path string) (bool, error) {
	if path == "" {
		return false, nil
	}
	return afero.Exists(s.fs, path)
}

// Remove deletes one content file. A missing file is not an error.
func (s *Store) Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := s.contains(path); err != nil {
		return err
	}
	if err := s.fs.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove content %s: %w", filepath.Base(path), err)
	}
	return nil
}

// CleanPartials removes partial files left behind by an interrupted transfer
func (s *Store) CleanPartials() (int, error) {
	entries, err := afero.ReadDir(s.fs, s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read content directory: %w", err)
	}
	removed := 0
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), partialPrefix) {
			continue
		}
		if err := s.fs.Remove(filepath.Join(s.root, entry.Name())); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("failed to remove partial file: %w", err)
		}
		removed++
	}
	if removed > 0 {
		s.logger.Debug("Removed partial content", logging.F("root", s.root), logging.F("count", removed))
	}
	return removed, nil
}

func (s *Store) contains(path string) error {
	rel, err := filepath.Rel(s.root, filepath.Clean(path))
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}
	return nil
}

// DropDir removes dir as a single step: the directory is first renamed to a
// tombstone next to it, so it is never observed half-deleted under its own
// name, and the tombstone is then removed. Missing directories are ignored.
func DropDir(fs afero.Fs, dir string) error {
	dir = filepath.Clean(dir)
	if _, err := fs.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to stat %s: %w", dir, err)
	}

	tombstone := filepath.Join(filepath.Dir(dir), tombstonePrefix+filepath.Base(dir)+"-"+ulid.Make().String())
	if err := fs.Rename(dir, tombstone); err != nil {
		return fmt.Errorf("failed to retire %s: %w", dir, err)
	}
	if err := fs.RemoveAll(tombstone); err != nil {
		return fmt.Errorf("failed to remove %s: %w", tombstone, err)
	}
	return nil
}
