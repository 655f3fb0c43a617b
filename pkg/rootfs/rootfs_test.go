package rootfs

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/qubed/pkg/config"
)

func withTempContainersBase(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	orig := config.ContainersBase
	config.ContainersBase = dir
	t.Cleanup(func() { config.ContainersBase = orig })
	return dir
}

func TestRootAndRootfsPaths(t *testing.T) {
	withTempContainersBase(t)
	assert.Equal(t, filepath.Join(config.ContainersBase, "web"), Root("web"))
	assert.Equal(t, filepath.Join(config.ContainersBase, "web", "rootfs"), Rootfs("web"))
}

func TestPrepareCreatesFreshDirectory(t *testing.T) {
	withTempContainersBase(t)

	require.NoError(t, Prepare("web"))
	stale := filepath.Join(Rootfs("web"), "leftover.txt")
	require.NoError(t, os.WriteFile(stale, []byte("x"), 0o644))

	require.NoError(t, Prepare("web"))
	_, err := os.Stat(stale)
	assert.True(t, os.IsNotExist(err), "Prepare should discard prior rootfs contents")

	info, err := os.Stat(Rootfs("web"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestEnsureImageUsesCacheOnHit(t *testing.T) {
	withTempContainersBase(t)

	require.NoError(t, os.MkdirAll(config.ImageCacheDir(), 0o755))
	cachedPath := filepath.Join(config.ImageCacheDir(), "alpine.tar")
	require.NoError(t, os.WriteFile(cachedPath, []byte("tarball"), 0o644))

	path, err := EnsureImage(context.Background(), "alpine.tar")
	require.NoError(t, err)
	assert.Equal(t, cachedPath, path)
}

func TestEnsureImageDownloadsOnMiss(t *testing.T) {
	withTempContainersBase(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("fake-tar-bytes"))
	}))
	defer srv.Close()

	origBase := config.BaseURL
	config.BaseURL = srv.URL
	t.Cleanup(func() { config.BaseURL = origBase })

	path, err := EnsureImage(context.Background(), "app.tar")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "fake-tar-bytes", string(data))
}

func TestEnsureImageSurfacesHTTPErrors(t *testing.T) {
	withTempContainersBase(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	origBase := config.BaseURL
	config.BaseURL = srv.URL
	t.Cleanup(func() { config.BaseURL = origBase })

	_, err := EnsureImage(context.Background(), "missing.tar")
	assert.Error(t, err)
}
