package content

import (
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMemStore(t *testing.T) (*Store, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	return NewStoreWithFs(fs, "/data/accounts/alice/content", nil), fs
}

func TestPending_CommitPromotes(t *testing.T) {
	store, fs := newMemStore(t)

	p, err := store.Create("doc-1", "pdf")
	require.NoError(t, err)
	_, err = io.Copy(p, strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), p.Written())

	exists, err := afero.Exists(fs, p.Target())
	require.NoError(t, err)
	assert.False(t, exists, "target must not exist before commit")

	path, err := p.Commit()
	require.NoError(t, err)
	assert.Equal(t, "/data/accounts/alice/content/doc-1.pdf", path)

	data, err := afero.ReadFile(fs, path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	n, err := store.CleanPartials()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPending_CommitReplacesExisting(t *testing.T) {
	store, fs := newMemStore(t)

	for _, body := range []string{"v1", "v2"} {
		p, err := store.Create("doc-1", "txt")
		require.NoError(t, err)
		_, err = p.Write([]byte(body))
		require.NoError(t, err)
		_, err = p.Commit()
		require.NoError(t, err)
	}

	data, err := afero.ReadFile(fs, store.Path("doc-1", "txt"))
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))
}

func TestPending_DiscardKeepsPreviousContent(t *testing.T) {
	store, fs := newMemStore(t)
	require.NoError(t, store.Ensure())
	target := store.Path("doc-1", "txt")
	require.NoError(t, afero.WriteFile(fs, target, []byte("old"), 0600))

	p, err := store.Create("doc-1", "txt")
	require.NoError(t, err)
	_, err = p.Write([]byte("partial"))
	require.NoError(t, err)
	require.NoError(t, p.Discard())
	require.NoError(t, p.Discard())

	data, err := afero.ReadFile(fs, target)
	require.NoError(t, err)
	assert.Equal(t, "old", string(data))

	entries, err := afero.ReadDir(fs, store.Root())
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestStore_CleanPartials(t *testing.T) {
	store, _ := newMemStore(t)

	_, err := store.Create("a", "txt")
	require.NoError(t, err)
	_, err = store.Create("b", "txt")
	require.NoError(t, err)

	n, err := store.CleanPartials()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestStore_OpenAndRemove(t *testing.T) {
	store, _ := newMemStore(t)

	p, err := store.Create("doc", "txt")
	require.NoError(t, err)
	_, err = p.Write([]byte("abc"))
	require.NoError(t, err)
	path, err := p.Commit()
	require.NoError(t, err)

	r, size, err := store.Open(path)
	require.NoError(t, err)
	assert.Equal(t, int64(3), size)
	require.NoError(t, r.Close())

	require.NoError(t, store.Remove(path))
	require.NoError(t, store.Remove(path), "removing a missing file is not an error")

	exists, err := store.Exists(path)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestStore_RejectsPathsOutsideRoot(t *testing.T) {
	store, _ := newMemStore(t)

	assert.ErrorIs(t, store.Remove("/etc/passwd"), ErrOutsideRoot)
	assert.ErrorIs(t, store.Remove(store.Root()), ErrOutsideRoot)
	_, _, err := store.Open(filepath.Join(store.Root(), "..", "registry.db"))
	assert.ErrorIs(t, err, ErrOutsideRoot)
}

func TestDropDir(t *testing.T) {
	fs := afero.NewOsFs()
	accounts := filepath.Join(t.TempDir(), "accounts")
	dir := filepath.Join(accounts, "alice")
	require.NoError(t, fs.MkdirAll(filepath.Join(dir, "content"), 0700))
	require.NoError(t, afero.WriteFile(fs, filepath.Join(dir, "registry.db"), []byte("x"), 0600))

	require.NoError(t, DropDir(fs, dir))

	exists, err := afero.DirExists(fs, dir)
	require.NoError(t, err)
	assert.False(t, exists)

	entries, err := afero.ReadDir(fs, accounts)
	require.NoError(t, err)
	assert.Empty(t, entries, "tombstone must be removed")

	require.NoError(t, DropDir(fs, dir), "dropping a missing directory is a no-op")
}

func TestStore_OnDisk(t *testing.T) {
	root := filepath.Join(t.TempDir(), "content")
	store := NewStore(root, nil)

	p, err := store.Create("a b/c", "docx")
	require.NoError(t, err)
	_, err = p.Write([]byte("x"))
	require.NoError(t, err)
	path, err := p.Commit()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "a+b%2Fc.docx"), path)

	require.NoError(t, store.Remove(path))
	exists, err := store.Exists(path)
	require.NoError(t, err)
	assert.False(t, exists)
}
