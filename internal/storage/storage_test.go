package storage

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewKey(t *testing.T) {
	key := NewKey("results", "png")
	assert.True(t, strings.HasPrefix(key, "results/"))
	assert.True(t, strings.HasSuffix(key, ".png"))
	assert.NotEqual(t, key, NewKey("results", "png"))
}

func TestExtForContentType(t *testing.T) {
	assert.Equal(t, ".png", ExtForContentType("image/png"))
	assert.Equal(t, ".jpg", ExtForContentType("image/jpeg; charset=binary"))
	assert.Equal(t, ".mp4", ExtForContentType("video/mp4"))
	assert.Equal(t, "", ExtForContentType("application/octet-stream"))
}

func TestMemory_RoundTrip(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.Put(ctx, "a/b.png", "image/png", strings.NewReader("pixels"), 6))

	rc, err := m.Get(ctx, "a/b.png")
	require.NoError(t, err)
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	assert.Equal(t, "pixels", string(data))

	_, err = m.Get(ctx, "missing")
	assert.Error(t, err)

	require.NoError(t, m.Delete(ctx, "a/b.png"))
	require.NoError(t, m.Delete(ctx, "a/b.png"))
	assert.Zero(t, m.Len())
}
