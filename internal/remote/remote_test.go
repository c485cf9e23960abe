package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/dl-alexandre/docsync/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListAll_FollowsPageTokens(t *testing.T) {
	pages := map[string]*PagedResult{
		"":   {Nodes: []*types.RemoteNode{{ID: "a"}, {ID: "b"}}, NextPageToken: "p2"},
		"p2": {Nodes: []*types.RemoteNode{{ID: "c"}}, NextPageToken: "p3"},
		"p3": {Nodes: []*types.RemoteNode{{ID: "d"}}},
	}
	var sizes []int
	nodes, err := ListAll(context.Background(), 2, func(ctx context.Context, paging Paging) (*PagedResult, error) {
		sizes = append(sizes, paging.PageSize)
		page, ok := pages[paging.PageToken]
		if !ok {
			return nil, fmt.Errorf("unexpected token %q", paging.PageToken)
		}
		return page, nil
	})
	require.NoError(t, err)

	var ids []string
	for _, n := range nodes {
		ids = append(ids, n.ID)
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, ids)
	assert.Equal(t, []int{2, 2, 2}, sizes)
}

func TestListAll_PropagatesError(t *testing.T) {
	_, err := ListAll(context.Background(), 0, func(ctx context.Context, paging Paging) (*PagedResult, error) {
		return nil, fmt.Errorf("listing: %w", ErrOffline)
	})
	assert.True(t, IsOffline(err))
}

func TestListAll_StopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ListAll(ctx, 0, func(ctx context.Context, paging Paging) (*PagedResult, error) {
		t.Fatal("fetch must not be called")
		return nil, nil
	})
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestProgressWriter(t *testing.T) {
	var buf bytes.Buffer
	var calls [][2]int64
	w := NewProgressWriter(context.Background(), &buf, 6, func(done, total int64) {
		calls = append(calls, [2]int64{done, total})
	})

	_, err := w.Write([]byte("abc"))
	require.NoError(t, err)
	_, err = w.Write([]byte("def"))
	require.NoError(t, err)

	assert.Equal(t, "abcdef", buf.String())
	assert.Equal(t, [][2]int64{{3, 6}, {6, 6}}, calls)
	assert.Equal(t, int64(6), w.Written())
}

func TestProgressWriter_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var buf bytes.Buffer
	w := NewProgressWriter(ctx, &buf, -1, nil)
	cancel()

	_, err := w.Write([]byte("abc"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, buf.Len())
}

func TestProgressReader(t *testing.T) {
	var last int64
	r := NewProgressReader(context.Background(), strings.NewReader("hello"), 5, func(done, total int64) {
		last = done
	})
	var buf bytes.Buffer
	_, err := buf.ReadFrom(r)
	require.NoError(t, err)
	assert.Equal(t, int64(5), last)
}
