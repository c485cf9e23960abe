package sync

import (
	"context"
	"testing"
	"time"

	"github.com/dl-alexandre/docsync/internal/identity"
	"github.com/dl-alexandre/docsync/internal/remote"
	"github.com/dl-alexandre/docsync/internal/remote/memory"
	testhelpers "github.com/dl-alexandre/docsync/internal/testing"
	"github.com/dl-alexandre/docsync/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, repos map[string]*memory.Repository) (*Manager, string) {
	t.Helper()
	dataDir := t.TempDir()
	m, err := NewManager(ManagerOptions{
		DataDir: dataDir,
		Factory: func(ctx context.Context, account types.Account) (remote.Repository, error) {
			repo, ok := repos[account.ID]
			if !ok {
				repo = memory.New()
				repos[account.ID] = repo
			}
			return repo, nil
		},
		ProgressInterval: time.Hour,
	})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m, dataDir
}

func TestNewManager_Validation(t *testing.T) {
	_, err := NewManager(ManagerOptions{})
	assert.Error(t, err)

	_, err = NewManager(ManagerOptions{DataDir: t.TempDir()})
	assert.Error(t, err)
}

func TestManager_EnableSync(t *testing.T) {
	repo := memory.New()
	repo.AddDocument("A", "Alpha", "", []byte("alpha"))
	repo.Favorite("A")
	m, dataDir := newTestManager(t, map[string]*memory.Repository{"alice": repo})
	ctx := testhelpers.TestContext()

	o, res, err := m.EnableSync(ctx, testhelpers.TestAccount())
	require.NoError(t, err)
	assert.True(t, res.Completed)
	assert.Equal(t, 1, res.Successful)

	info, err := o.Registry().Get(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, identity.ContentPath(identity.ContentRoot(dataDir, "alice"), "A", "txt"), info.LocalContentPath)

	current, err := m.Current()
	require.NoError(t, err)
	assert.Same(t, o, current)

	ids, err := m.Accounts()
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, ids)
	assert.Equal(t, []string{"alice"}, m.Enabled())

	// Enabling again returns the running orchestrator.
	again, _, err := m.EnableSync(ctx, testhelpers.TestAccount())
	require.NoError(t, err)
	assert.Same(t, o, again)
}

func TestManager_DisableSync(t *testing.T) {
	repo := memory.New()
	repo.AddDocument("A", "Alpha", "", []byte("alpha"))
	repo.AddDocument("B", "Beta", "", []byte("beta"))
	repo.Favorite("A", "B")
	m, _ := newTestManager(t, map[string]*memory.Repository{"alice": repo})
	ctx := testhelpers.TestContext()

	o, _, err := m.EnableSync(ctx, testhelpers.TestAccount())
	require.NoError(t, err)
	require.NoError(t, o.MarkLocallyModified(ctx, "B"))
	a, err := o.Registry().Get(ctx, "A")
	require.NoError(t, err)
	b, err := o.Registry().Get(ctx, "B")
	require.NoError(t, err)

	err = m.DisableSync(ctx, "alice", DisableOptions{Confirm: func(int) bool { return false }})
	assert.ErrorIs(t, err, ErrDisableAborted)
	_, err = m.Orchestrator("alice")
	require.NoError(t, err)

	var asked bool
	err = m.DisableSync(ctx, "alice", DisableOptions{
		Confirm:      func(inFlight int) bool { asked = true; return inFlight == 0 },
		PurgeContent: true,
	})
	require.NoError(t, err)
	assert.True(t, asked)
	assert.False(t, testhelpers.FileExists(a.LocalContentPath))
	assert.Equal(t, "beta", testhelpers.ReadContent(t, b.LocalContentPath))

	_, err = m.Orchestrator("alice")
	assert.ErrorIs(t, err, ErrAccountNotEnabled)
	_, err = m.Open(ctx, "alice")
	assert.ErrorIs(t, err, ErrAccountNotEnabled)

	// Re-enabling downloads the purged content again and keeps the edits.
	o, res, err := m.EnableSync(ctx, testhelpers.TestAccount())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Enqueued)
	a, err = o.Registry().Get(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, "alpha", testhelpers.ReadContent(t, a.LocalContentPath))
	b, err = o.Registry().Get(ctx, "B")
	require.NoError(t, err)
	assert.True(t, b.HasLocalChanges)
}

func TestManager_DisableSyncWaitsForRefresh(t *testing.T) {
	repo := memory.New()
	repo.AddDocument("A", "Alpha", "", []byte("v1"))
	repo.Favorite("A")
	m, _ := newTestManager(t, map[string]*memory.Repository{"alice": repo})
	ctx := testhelpers.TestContext()

	o, _, err := m.EnableSync(ctx, testhelpers.TestAccount())
	require.NoError(t, err)

	require.NoError(t, repo.Update("A", []byte("v2")))
	gate := repo.Block(memory.OpDownload, "A")
	t.Cleanup(gate.Release)

	refreshed := make(chan struct{})
	go func() {
		defer close(refreshed)
		_, _ = o.Refresh(ctx)
	}()
	select {
	case <-gate.Started():
	case <-time.After(waitFor):
		t.Fatal("download of A never started")
	}

	require.NoError(t, m.DisableSync(ctx, "alice", DisableOptions{}))
	assert.False(t, o.refreshing.Load(), "DisableSync returned while a refresh was still running")
	select {
	case <-refreshed:
	case <-time.After(waitFor):
		t.Fatal("refresh did not return after DisableSync")
	}
}

func TestManager_OpenAfterRestart(t *testing.T) {
	repos := map[string]*memory.Repository{}
	m, dataDir := newTestManager(t, repos)
	ctx := testhelpers.TestContext()

	_, _, err := m.EnableSync(ctx, types.Account{ID: "alice", Username: "alice@example.com", ServerURL: "https://docs.example.com"})
	require.NoError(t, err)
	require.NoError(t, m.Close())

	restarted, err := NewManager(ManagerOptions{
		DataDir: dataDir,
		Factory: func(ctx context.Context, account types.Account) (remote.Repository, error) {
			assert.Equal(t, "alice@example.com", account.Username)
			assert.Equal(t, "https://docs.example.com", account.ServerURL)
			return repos[account.ID], nil
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { restarted.Close() })

	o, err := restarted.Open(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", o.Account().ID)

	_, err = restarted.Open(ctx, "bob")
	assert.ErrorIs(t, err, ErrAccountNotEnabled)
}

func TestManager_CleanupAccount(t *testing.T) {
	repo := memory.New()
	repo.AddDocument("A", "Alpha", "", []byte("alpha"))
	repo.Favorite("A")
	m, dataDir := newTestManager(t, map[string]*memory.Repository{"alice": repo})
	ctx := testhelpers.TestContext()

	_, _, err := m.EnableSync(ctx, testhelpers.TestAccount())
	require.NoError(t, err)

	require.NoError(t, m.CleanupAccount(ctx, "alice", types.ActivityNone))
	assert.False(t, testhelpers.FileExists(identity.AccountDir(dataDir, "alice")))

	ids, err := m.Accounts()
	require.NoError(t, err)
	assert.Empty(t, ids)
	_, err = m.Current()
	assert.ErrorIs(t, err, ErrAccountNotEnabled)
}

func TestManager_AccountsAreIndependent(t *testing.T) {
	alice := memory.New()
	alice.AddDocument("A", "Alpha", "", []byte("alpha"))
	alice.Favorite("A")
	bob := memory.New()
	bob.AddDocument("A", "Another alpha", "", []byte("bob's alpha"))
	bob.Favorite("A")
	m, _ := newTestManager(t, map[string]*memory.Repository{"alice": alice, "bob": bob})
	ctx := testhelpers.TestContext()

	oa, _, err := m.EnableSync(ctx, types.Account{ID: "alice"})
	require.NoError(t, err)
	ob, _, err := m.EnableSync(ctx, types.Account{ID: "bob"})
	require.NoError(t, err)

	a, err := oa.Registry().Get(ctx, "A")
	require.NoError(t, err)
	b, err := ob.Registry().Get(ctx, "A")
	require.NoError(t, err)
	assert.NotEqual(t, a.LocalContentPath, b.LocalContentPath)
	assert.Equal(t, "alpha", testhelpers.ReadContent(t, a.LocalContentPath))
	assert.Equal(t, "bob's alpha", testhelpers.ReadContent(t, b.LocalContentPath))

	current, err := m.Current()
	require.NoError(t, err)
	assert.Equal(t, "alice", current.Account().ID)
	require.NoError(t, m.SetCurrent("bob"))
	current, err = m.Current()
	require.NoError(t, err)
	assert.Equal(t, "bob", current.Account().ID)
	assert.ErrorIs(t, m.SetCurrent("carol"), ErrAccountNotEnabled)

	require.NoError(t, m.CleanupAccount(ctx, "bob", types.ActivityNone))
	_, err = oa.Registry().Get(ctx, "A")
	assert.NoError(t, err)
	assert.Equal(t, []string{"alice"}, m.Enabled())
}
