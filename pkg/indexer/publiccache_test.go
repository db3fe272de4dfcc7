package indexer

import (
	"context"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/doingodswork/vortex-stremio/pkg/torrent"
)

func newTestPublicCache(t *testing.T, handler http.HandlerFunc) *PublicCache {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	opts := DefaultPublicCacheOpts
	opts.BaseURL = srv.URL
	cache, err := NewPublicCache(opts, zap.NewNop())
	require.NoError(t, err)
	return cache
}

func TestPublicCacheParsesAliases(t *testing.T) {
	var gotPath string
	cache := newTestPublicCache(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte(`[
			{"raw_title": "Movie.2008.1080p.x264-GRP", "info_hash": "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA", "size": 123, "languages": ["fr"], "indexer": "ygg", "privacy": "private", "seeders": 3},
			{"title": "Other.2008.720p", "hash": "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", "language": "en"},
			{"name": "NoHash.2008"}
		]`))
	})

	results, err := cache.Search(context.Background(), torrent.Media{ID: "tt0123456", Type: "movie"})
	require.NoError(t, err)
	assert.Equal(t, "/getResult/movie/tt0123456", gotPath)
	require.Len(t, results, 2)

	assert.Equal(t, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", results[0].InfoHash)
	assert.Equal(t, []string{"fr"}, results[0].Languages)
	assert.Equal(t, "ygg", results[0].Indexer)
	assert.Equal(t, torrent.PrivacyPrivate, results[0].Privacy)

	assert.Equal(t, "Other.2008.720p", results[1].Title)
	assert.Equal(t, []string{"en"}, results[1].Languages)
	assert.Equal(t, "cache", results[1].Indexer)
	assert.Equal(t, torrent.PrivacyPublic, results[1].Privacy)
}

func TestPublicCacheSeriesMediaID(t *testing.T) {
	var gotPath string
	cache := newTestPublicCache(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte("[]"))
	})

	_, err := cache.Search(context.Background(), torrent.Media{ID: "tt0903747", Type: "series", Season: 5, Episode: 14})
	require.NoError(t, err)
	assert.Equal(t, "/getResult/series/tt0903747:5:14", gotPath)
}

func TestPublicCachePush(t *testing.T) {
	var gotPath, gotBody string
	cache := newTestPublicCache(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		body, err := ioutil.ReadAll(r.Body)
		require.NoError(t, err)
		gotBody = string(body)
	})

	items := []torrent.Item{
		{
			RawTitle:  "Show.S02E05.1080p.WEB.x264-GRP",
			InfoHash:  "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
			SizeBytes: 42,
			Seeders:   7,
			Languages: []string{"en"},
			Indexer:   "ygg",
			Privacy:   torrent.PrivacyPublic,
		},
		{
			RawTitle: "Show.S02E05.720p.PRIVATE",
			InfoHash: "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
			Privacy:  torrent.PrivacyPrivate,
		},
	}
	media := torrent.Media{ID: "tt1475582", Type: "series", Season: 2, Episode: 5}
	require.NoError(t, cache.Push(context.Background(), media, items))

	assert.Equal(t, "/pushResult/series/tt1475582:2:5", gotPath)
	var entries []map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(gotBody), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "Show.S02E05.1080p.WEB.x264-GRP", entries[0]["raw_title"])
	assert.Equal(t, "public", entries[0]["privacy"])
}

func TestPublicCachePushNothingPublic(t *testing.T) {
	requests := 0
	cache := newTestPublicCache(t, func(w http.ResponseWriter, r *http.Request) {
		requests++
	})

	items := []torrent.Item{{
		RawTitle: "Show.S01E01",
		InfoHash: "cccccccccccccccccccccccccccccccccccccccc",
		Privacy:  torrent.PrivacyPrivate,
	}}
	require.NoError(t, cache.Push(context.Background(), torrent.Media{ID: "tt1", Type: "movie"}, items))
	assert.Zero(t, requests)
}
