package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dl-alexandre/docsync/internal/identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingMarker struct {
	mu  sync.Mutex
	ids []string
}

func (m *recordingMarker) NoteLocalEdit(ctx context.Context, nodeSyncID string, modified time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids = append(m.ids, nodeSyncID)
	return true, nil
}

func (m *recordingMarker) seen() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.ids...)
}

func TestWatcher_MarksEditedContent(t *testing.T) {
	root := t.TempDir()
	marker := &recordingMarker{}
	w, err := New(root, marker, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() { w.Stop() })

	require.NoError(t, os.WriteFile(filepath.Join(root, ".partial-01HZZ"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(identity.ContentPath(root, "doc/1", "txt"), []byte("edited"), 0o600))

	require.Eventually(t, func() bool {
		for _, id := range marker.seen() {
			if id == "doc/1" {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
	for _, id := range marker.seen() {
		assert.Equal(t, "doc/1", id)
	}
}

func TestWatcher_StartTwice(t *testing.T) {
	w, err := New(t.TempDir(), &recordingMarker{}, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	assert.Error(t, w.Start(context.Background()))
	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())
}

func TestNew_RequiresMarker(t *testing.T) {
	_, err := New(t.TempDir(), nil, nil)
	assert.Error(t, err)
}
