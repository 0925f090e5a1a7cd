package storage

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docmill/docmill/internal/faults"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newTestFileStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := NewFileStore(testLogger(), filepath.Join(t.TempDir(), "blobs"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func TestFileStore_UploadDownloadRoundTrip(t *testing.T) {
	store := newTestFileStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upload(ctx, "users/alice/batches/b1/a.pdf", []byte("doc")))

	data, err := store.Download(ctx, "users/alice/batches/b1/a.pdf")
	require.NoError(t, err)
	assert.Equal(t, []byte("doc"), data)
}

func TestFileStore_DownloadMissing(t *testing.T) {
	store := newTestFileStore(t)

	_, err := store.Download(context.Background(), "nope.pdf")
	assert.ErrorIs(t, err, faults.ErrFileNotFound)
}

func TestFileStore_ListByPrefix(t *testing.T) {
	store := newTestFileStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upload(ctx, "users/alice/a.pdf", []byte("1")))
	require.NoError(t, store.Upload(ctx, "users/alice/b.pdf", []byte("2")))
	require.NoError(t, store.Upload(ctx, "users/bob/c.pdf", []byte("3")))

	names, err := store.List(ctx, "users/alice/")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"users/alice/a.pdf", "users/alice/b.pdf"}, names)
}

func TestFileStore_RemoveIsBestEffort(t *testing.T) {
	store := newTestFileStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upload(ctx, "x.pdf", []byte("1")))

	// Removing a mix of present and absent paths succeeds.
	err := store.Remove(ctx, []string{"x.pdf", "never-existed.pdf"})
	require.NoError(t, err)

	_, err = store.Download(ctx, "x.pdf")
	assert.ErrorIs(t, err, faults.ErrFileNotFound)
}

func TestFileStore_RejectsPathTraversal(t *testing.T) {
	store := newTestFileStore(t)

	err := store.Upload(context.Background(), "../outside.pdf", []byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes store root")
}

func TestFileStore_RootLockedAgainstSecondStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "blobs")
	first, err := NewFileStore(testLogger(), dir)
	require.NoError(t, err)
	defer func() {
		_ = first.Close()
	}()

	_, err = NewFileStore(testLogger(), dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "locked")
}

func TestHTTPStore_UploadAndErrors(t *testing.T) {
	var gotPath, gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPut:
			gotPath = r.URL.Path
			gotAuth = r.Header.Get("Authorization")
			w.WriteHeader(http.StatusCreated)
		case http.MethodGet:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	store := NewHTTPStore(testLogger(), server.URL, "secret")
	ctx := context.Background()

	require.NoError(t, store.Upload(ctx, "users/alice/a.pdf", []byte("doc")))
	assert.Equal(t, "/blobs/users/alice/a.pdf", gotPath)
	assert.Equal(t, "Bearer secret", gotAuth)

	_, err := store.Download(ctx, "users/alice/missing.pdf")
	require.Error(t, err)
	assert.Equal(t, faults.ClassFileNotFound, faults.Classify(err))
}

func TestHTTPStore_ServerErrorIsClassified(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	store := NewHTTPStore(testLogger(), server.URL, "")
	err := store.Upload(context.Background(), "a.pdf", []byte("x"))

	require.Error(t, err)
	assert.Equal(t, faults.ClassServer, faults.Classify(err))
	assert.True(t, faults.ShouldRetry(err), "5xx upload errors are retryable")
}

func TestHTTPStore_List(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "users/alice/", r.URL.Query().Get("prefix"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`["users/alice/a.pdf"]`))
	}))
	defer server.Close()

	store := NewHTTPStore(testLogger(), server.URL, "")
	names, err := store.List(context.Background(), "users/alice/")
	require.NoError(t, err)
	assert.Equal(t, []string{"users/alice/a.pdf"}, names)
}
