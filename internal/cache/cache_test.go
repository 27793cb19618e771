package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"diagramflow/internal/backend"
	"diagramflow/internal/catalog"
)

func TestKey_StableAndSensitive(t *testing.T) {
	base := backend.Request{ID: "1", Kind: "Bar Chart", Content: "a: 1"}
	same := backend.Request{ID: "2", SessionID: "other", Kind: "bar_chart", Content: "a: 1"}
	assert.Equal(t, Key(base, 1), Key(same, 1), "request and session ids must not affect the key")

	themed := base
	themed.Theme = backend.Theme{PrimaryColor: "#fff"}
	assert.NotEqual(t, Key(base, 1), Key(themed, 1))

	other := base
	other.Content = "a: 2"
	assert.NotEqual(t, Key(base, 1), Key(other, 1))

	assert.NotEqual(t, Key(base, 1), Key(base, 2), "a template reload must change the key")
}

func TestMemoryCache_SetGet(t *testing.T) {
	c := NewMemoryCache(time.Minute)
	defer c.Close()
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	entry := Entry{Method: catalog.MethodChart, Artifact: backend.Artifact{Content: "<svg/>", ContentType: backend.ContentTypeSVG}}
	require.NoError(t, c.Set(ctx, "k", entry))

	got, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, entry, *got)
}

func TestMemoryCache_Expiry(t *testing.T) {
	c := NewMemoryCache(10 * time.Millisecond)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", Entry{}))
	time.Sleep(20 * time.Millisecond)

	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	c.evictExpired()
	assert.Equal(t, 0, c.Len())
}

func TestMemoryCache_EmptyKey(t *testing.T) {
	c := NewMemoryCache(time.Minute)
	defer c.Close()

	assert.ErrorIs(t, c.Set(context.Background(), "", Entry{}), ErrEmptyKey)
	_, _, err := c.Get(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptyKey)
}

func TestMemoryCache_CloseTwice(t *testing.T) {
	c := NewMemoryCache(time.Minute)
	assert.NoError(t, c.Close())
	assert.NoError(t, c.Close())
}

func TestRedisCache(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx := context.Background()
	c, err := NewRedisCache(ctx, addr, "", 0, time.Minute)
	require.NoError(t, err)
	defer c.Close()

	entry := Entry{Method: catalog.MethodTemplate, Artifact: backend.Artifact{Content: "<svg/>"}}
	require.NoError(t, c.Set(ctx, "test-key", entry))

	got, ok, err := c.Get(ctx, "test-key")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, entry, *got)
}
