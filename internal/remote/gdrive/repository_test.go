package gdrive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dl-alexandre/docsync/internal/remote"
	"github.com/dl-alexandre/docsync/internal/types"
	"github.com/dl-alexandre/docsync/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

func newTestRepository(t *testing.T, handler http.Handler) *Repository {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	service, err := NewService(context.Background(), srv.Client(), option.WithEndpoint(srv.URL+"/"))
	require.NoError(t, err)
	return NewRepository(NewClient(service, 2, 1, nil))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func apiError(code int, reason string) map[string]interface{} {
	return map[string]interface{}{
		"error": map[string]interface{}{
			"code":    code,
			"message": http.StatusText(code),
			"errors":  []map[string]string{{"reason": reason}},
		},
	}
}

func TestRepository_RetrieveFavorites(t *testing.T) {
	repo := newTestRepository(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/files", r.URL.Path)
		assert.Equal(t, favoritesQuery, r.URL.Query().Get("q"))
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"nextPageToken": "next",
			"files": []map[string]interface{}{
				{
					"id":             "doc1",
					"name":           "Report",
					"mimeType":       "application/pdf",
					"size":           "42",
					"modifiedTime":   "2024-03-01T10:00:00.000Z",
					"headRevisionId": "rev7",
					"starred":        true,
					"properties":     map[string]string{"team": "ops"},
				},
				{
					"id":       "folder1",
					"name":     "Shared",
					"mimeType": utils.MimeTypeFolder,
					"version":  "12",
				},
			},
		})
	}))

	page, err := repo.RetrieveFavorites(context.Background(), remote.Paging{})
	require.NoError(t, err)
	assert.Equal(t, "next", page.NextPageToken)
	require.Len(t, page.Nodes, 2)

	doc := page.Nodes[0]
	assert.Equal(t, "doc1", doc.ID)
	assert.Equal(t, int64(42), doc.Size)
	assert.Equal(t, "rev7", doc.VersionLabel)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), doc.ModifiedAt)
	assert.True(t, doc.Properties["starred"].Bool)

	var team string
	found, err := doc.Extension("team", &team)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "ops", team)

	folder := page.Nodes[1]
	assert.True(t, folder.IsFolder)
	assert.Equal(t, "12", folder.VersionLabel)
}

func TestRepository_RetriesServerErrors(t *testing.T) {
	var hits int32
	repo := newTestRepository(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			writeJSON(w, http.StatusServiceUnavailable, apiError(503, "backendError"))
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"id": "doc1", "name": "Report"})
	}))

	node, err := repo.GetNode(context.Background(), "doc1;rev3")
	require.NoError(t, err)
	assert.Equal(t, "Report", node.Name)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestRepository_NotFoundIsNotRetried(t *testing.T) {
	var hits int32
	repo := newTestRepository(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		writeJSON(w, http.StatusNotFound, apiError(404, "notFound"))
	}))

	_, err := repo.GetNode(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, remote.ErrNotFound)
	assert.Equal(t, utils.ErrCodeNodeNotFound, utils.ClassifySyncError(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestRepository_Download(t *testing.T) {
	repo := newTestRepository(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/files/doc1", r.URL.Path)
		assert.Equal(t, "media", r.URL.Query().Get("alt"))
		_, _ = w.Write([]byte("payload"))
	}))

	var buf bytes.Buffer
	var last int64
	err := repo.Download(context.Background(), nodeWithSize("doc1", 7), &buf, func(done, total int64) {
		last = done
		assert.Equal(t, int64(7), total)
	})
	require.NoError(t, err)
	assert.Equal(t, "payload", buf.String())
	assert.Equal(t, int64(7), last)
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantIs   error
		wantCode string
	}{
		{"unauthorized", &googleapi.Error{Code: 401}, remote.ErrAuth, utils.ErrCodeAuthExpired},
		{"not found", &googleapi.Error{Code: 404}, remote.ErrNotFound, utils.ErrCodeNodeNotFound},
		{"rate limited", &googleapi.Error{Code: 429}, nil, utils.ErrCodeRateLimited},
		{"quota reason", &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "userRateLimitExceeded"}}}, nil, utils.ErrCodeRateLimited},
		{"forbidden", &googleapi.Error{Code: 403}, nil, utils.ErrCodePermissionDenied},
		{"server", &googleapi.Error{Code: 502}, nil, utils.ErrCodeNetworkError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyError("test", tt.err, nopLogger())
			if tt.wantIs != nil {
				assert.ErrorIs(t, err, tt.wantIs)
			}
			assert.Equal(t, tt.wantCode, utils.ClassifySyncError(err))
		})
	}
}

func TestClassifyError_NetworkIsOffline(t *testing.T) {
	_, err := http.Get("http://127.0.0.1:1/unreachable")
	require.Error(t, err)
	assert.True(t, remote.IsOffline(classifyError("test", err, nopLogger())))

	assert.True(t, errors.Is(classifyError("test", context.Canceled, nopLogger()), context.Canceled))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, isRetryable(&googleapi.Error{Code: 503}))
	assert.True(t, isRetryable(&googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "rateLimitExceeded"}}}))
	assert.False(t, isRetryable(&googleapi.Error{Code: 403}))
	assert.False(t, isRetryable(errors.New("plain")))
}

func TestToRemoteNode_FallsBackToVersion(t *testing.T) {
	n := toRemoteNode(&drive.File{Id: "x", Version: 5, ModifiedTime: "bad"})
	assert.Equal(t, "5", n.VersionLabel)
	assert.True(t, n.ModifiedAt.IsZero())
	assert.Nil(t, n.Extensions)
}

func TestToRemoteNode_TypedProperties(t *testing.T) {
	n := toRemoteNode(&drive.File{
		Id:          "x",
		CreatedTime: "2024-03-01T10:00:00Z",
		Owners:      []*drive.User{{EmailAddress: "ann@example.com"}},
	})
	created := n.Properties["createdTime"]
	assert.Equal(t, types.PropertyTime, created.Kind)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), created.Time)
	assert.Equal(t, []string{"ann@example.com"}, n.Properties["owners"].Value())
	_, ok := toRemoteNode(&drive.File{Id: "y"}).Properties["createdTime"]
	assert.False(t, ok)
}
