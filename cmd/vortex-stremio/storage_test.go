package main

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/google/go-cmp/cmp"
	gocache "github.com/patrickmn/go-cache"
	"github.com/stretchr/testify/require"

	"github.com/deflix-tv/go-stremio/pkg/cinemeta"
)

func TestMetaCache(t *testing.T) {
	cache := &metaCache{cache: fastcache.New(1024 * 1024)}

	meta := cinemeta.Meta{
		ID:          "tt1254207",
		Name:        "Big Buck Bunny",
		ReleaseInfo: "2008",
	}
	require.NoError(t, cache.Set("movie:tt1254207", meta))

	got, created, found, err := cache.Get("movie:tt1254207")
	require.NoError(t, err)
	require.True(t, found)
	if diff := cmp.Diff(meta, got); diff != "" {
		t.Fatalf("Cached meta differs: %v", diff)
	}
	// The gob round trip strips the monotonic clock, so compare with a tolerance.
	require.WithinDuration(t, time.Now(), created, time.Second)

	_, _, found, err = cache.Get("movie:tt0000000")
	require.NoError(t, err)
	require.False(t, found)
}

func TestCreationCache(t *testing.T) {
	cache := &creationCache{cache: gocache.New(time.Hour, time.Hour)}

	require.NoError(t, cache.Set("some-token"))

	created, found, err := cache.Get("some-token")
	require.NoError(t, err)
	require.True(t, found)
	require.WithinDuration(t, time.Now(), created, time.Second)

	_, found, err = cache.Get("other-token")
	require.NoError(t, err)
	require.False(t, found)
}

func TestGoCachePersistence(t *testing.T) {
	goCache := gocache.New(time.Hour, time.Hour)
	tokenCache := &creationCache{cache: goCache}
	require.NoError(t, tokenCache.Set("some-token"))

	filePath := filepath.Join(t.TempDir(), "token.gob")
	require.NoError(t, saveGoCache(goCache.Items(), filePath))

	items, err := loadGoCache(filePath)
	require.NoError(t, err)
	require.Len(t, items, 1)

	loadedCache := &creationCache{cache: gocache.NewFrom(time.Hour, time.Hour, items)}
	created, found, err := loadedCache.Get("some-token")
	require.NoError(t, err)
	require.True(t, found)
	require.WithinDuration(t, time.Now(), created, time.Second)
}
