package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jjudge-oj/usermanagement/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalClientRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "uploads")

	s, err := Open(ctx, config.StorageConfig{Backend: "local", UploadDir: dir})
	require.NoError(t, err)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	require.NoError(t, s.Put(ctx, "avatar.png", strings.NewReader("png-bytes"), 9, "image/png"))

	body, err := s.Get(ctx, "avatar.png")
	require.NoError(t, err)
	data, err := io.ReadAll(body)
	require.NoError(t, body.Close())
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(data))

	require.NoError(t, s.Delete(ctx, "avatar.png"))
	_, err = s.Get(ctx, "avatar.png")
	assert.ErrorIs(t, err, ErrObjectNotFound)

	assert.NoError(t, s.Delete(ctx, "avatar.png"), "deleting a missing object is not an error")
}

func TestLocalClientRejectsTraversal(t *testing.T) {
	ctx := context.Background()
	client, err := NewLocalClient(t.TempDir())
	require.NoError(t, err)

	for _, key := range []string{"", "..", "../etc/passwd", `a\b`, "nested/key.png"} {
		assert.Error(t, client.Put(ctx, key, strings.NewReader("x"), 1, ""), key)
	}
}

func TestLocalClientShortWrite(t *testing.T) {
	ctx := context.Background()
	client, err := NewLocalClient(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, client.EnsureBucket(ctx))

	err = client.Put(ctx, "a.png", strings.NewReader("abc"), 10, "image/png")
	assert.Error(t, err)

	_, err = client.Get(ctx, "a.png")
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), config.StorageConfig{Backend: "tape"})
	assert.Error(t, err)
}
