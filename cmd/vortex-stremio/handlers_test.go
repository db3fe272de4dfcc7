package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/deflix-tv/go-stremio/pkg/cinemeta"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/doingodswork/vortex-stremio/pkg/cachestore"
	"github.com/doingodswork/vortex-stremio/pkg/debrid"
	"github.com/doingodswork/vortex-stremio/pkg/indexer"
	"github.com/doingodswork/vortex-stremio/pkg/metadata"
	"github.com/doingodswork/vortex-stremio/pkg/playback"
	"github.com/doingodswork/vortex-stremio/pkg/search"
	"github.com/doingodswork/vortex-stremio/pkg/stremio"
	"github.com/doingodswork/vortex-stremio/pkg/torrent"
)

const testInfoHash = "dd8255ecdc7ca55fb0bbf81323d87062db1f6d1c"

type fakeMetaGetter struct{}

func (g fakeMetaGetter) GetMovie(ctx context.Context, imdbID string) (cinemeta.Meta, error) {
	if imdbID != "tt1254207" {
		return cinemeta.Meta{}, errors.New("not found")
	}
	return cinemeta.Meta{ID: imdbID, Name: "Big Buck Bunny", ReleaseInfo: "2008"}, nil
}

func (g fakeMetaGetter) GetTVShow(ctx context.Context, imdbID string, season, episode int) (cinemeta.Meta, error) {
	return cinemeta.Meta{}, errors.New("not found")
}

type fakeIndexer struct{}

func (fakeIndexer) Name() string  { return "jackett" }
func (fakeIndexer) Priority() int { return 1 }

func (fakeIndexer) Search(ctx context.Context, media torrent.Media) ([]torrent.RawResult, error) {
	return []torrent.RawResult{{
		Title:     "Big Buck Bunny 2008 1080p WEB-DL x264",
		InfoHash:  testInfoHash,
		Magnet:    "magnet:?xt=urn:btih:" + testInfoHash + "&dn=bbb",
		SizeBytes: 700 * 1024 * 1024,
		Seeders:   42,
		Indexer:   "SomeTracker",
		Privacy:   torrent.PrivacyPublic,
	}}, nil
}

type fakeDebridClient struct{}

func (fakeDebridClient) Code() string { return torrent.CodeRealDebrid }

func (fakeDebridClient) TestToken(ctx context.Context, keyOrToken string) error { return nil }

func (fakeDebridClient) CheckAvailability(ctx context.Context, keyOrToken string, infoHashes ...string) (map[string]torrent.Availability, error) {
	availabilities := map[string]torrent.Availability{}
	for _, hash := range infoHashes {
		availabilities[hash] = torrent.Availability{InfoHash: hash, Cached: true}
	}
	return availabilities, nil
}

func (fakeDebridClient) AddMagnet(ctx context.Context, keyOrToken, magnet string) (*debrid.AddResult, error) {
	return nil, errors.New("not implemented")
}

func (fakeDebridClient) GetStreamLink(ctx context.Context, keyOrToken string, query debrid.StreamQuery) (string, error) {
	return "", errors.New("not implemented")
}

// newStreamTestApp wires the stream route the way main does, with fakes
// behind the orchestrator and a middleware that plants the locals the
// real middleware chain would.
func newStreamTestApp(t *testing.T) *fiber.App {
	t.Helper()
	logger := zap.NewNop()

	store := cachestore.NewMemory()
	t.Cleanup(func() { store.Close() })
	indexers := indexer.NewClient([]indexer.Searcher{fakeIndexer{}}, logger)
	searcher := search.NewOrchestrator(search.DefaultOptions, store, indexers, nil, logger)
	metaFetcher, err := metadata.NewFetcher("", fakeMetaGetter{}, logger)
	require.NoError(t, err)

	conf := config{BaseURL: "http://localhost:8080"}
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals(localsUserData, userData{Jackett: true, MinCachedResults: 1})
		c.Locals(localsServices, []search.Service{{Client: fakeDebridClient{}, Token: "some-token"}})
		return c.Next()
	})
	app.Get("/:userData/stream/:type/:id.json", createStreamHandler(conf, searcher, metaFetcher, logger))
	return app
}

func TestStreamHandler(t *testing.T) {
	app := newStreamTestApp(t)

	res, err := app.Test(httptest.NewRequest("GET", "/eyJmb28iOiJiYXIifQ/stream/movie/tt1254207.json", nil), 10000)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, res.StatusCode)
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)

	streamsRes := stremio.StreamsResponse{}
	require.NoError(t, json.Unmarshal(body, &streamsRes))
	require.NotEmpty(t, streamsRes.Streams)

	stream := streamsRes.Streams[0]
	assert.Contains(t, stream.Name, "RD+")
	assert.Contains(t, stream.URL, "http://localhost:8080/playback/eyJmb28iOiJiYXIifQ/")
	assert.Equal(t, "stream-"+testInfoHash, stream.BehaviorHints.BingeGroup)
}

func TestStreamHandlerMalformedID(t *testing.T) {
	app := newStreamTestApp(t)

	res, err := app.Test(httptest.NewRequest("GET", "/eyJmb28iOiJiYXIifQ/stream/movie/id123.json", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, res.StatusCode)
}

func TestStreamHandlerUnknownType(t *testing.T) {
	app := newStreamTestApp(t)

	res, err := app.Test(httptest.NewRequest("GET", "/eyJmb28iOiJiYXIifQ/stream/channel/tt1254207.json", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, res.StatusCode)
}

func TestStreamHandlerUnknownMedia(t *testing.T) {
	app := newStreamTestApp(t)

	res, err := app.Test(httptest.NewRequest("GET", "/eyJmb28iOiJiYXIifQ/stream/movie/tt7654321.json", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, res.StatusCode)
}

func TestManifestHandler(t *testing.T) {
	app := fiber.New()
	handler := createManifestHandler(zap.NewNop())
	app.Get("/manifest.json", handler)
	app.Get("/:userData/manifest.json", handler)

	res, err := app.Test(httptest.NewRequest("GET", "/manifest.json", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, res.StatusCode)
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	withoutData := stremio.Manifest{}
	require.NoError(t, json.Unmarshal(body, &withoutData))
	assert.True(t, withoutData.BehaviorHints.ConfigurationRequired)
	assert.Equal(t, manifest.ID, withoutData.ID)

	res, err = app.Test(httptest.NewRequest("GET", "/eyJmb28iOiJiYXIifQ/manifest.json", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, res.StatusCode)
	body, err = io.ReadAll(res.Body)
	require.NoError(t, err)
	withData := stremio.Manifest{}
	require.NoError(t, json.Unmarshal(body, &withData))
	assert.False(t, withData.BehaviorHints.ConfigurationRequired)
}

func TestRootHandler(t *testing.T) {
	app := fiber.New()
	app.Get("/", createRootHandler(config{}, zap.NewNop()))

	res, err := app.Test(httptest.NewRequest("GET", "/", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusMovedPermanently, res.StatusCode)
	assert.Equal(t, "/configure", res.Header.Get("Location"))

	app = fiber.New()
	app.Get("/", createRootHandler(config{RootURL: "https://vortex.example.com"}, zap.NewNop()))
	res, err = app.Test(httptest.NewRequest("GET", "/", nil))
	require.NoError(t, err)
	assert.Equal(t, "https://vortex.example.com", res.Header.Get("Location"))
}

func TestPlaybackHeadHandler(t *testing.T) {
	store := cachestore.NewMemory()
	defer store.Close()
	resolver := playback.NewResolver(playback.DefaultOptions, store, zap.NewNop())

	app := fiber.New()
	app.Head("/playback/:userData/:query", createPlaybackHeadHandler(resolver, zap.NewNop()))

	query, err := stremio.EncodeQuery(debrid.StreamQuery{
		InfoHash: testInfoHash,
		ImdbID:   "tt1254207",
		Type:     "movie",
		Service:  torrent.CodeRealDebrid,
	})
	require.NoError(t, err)

	res, err := app.Test(httptest.NewRequest("HEAD", "/playback/eyJmb28iOiJiYXIifQ/"+query, nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, res.StatusCode)
	assert.Equal(t, "video/mp4", res.Header.Get("Content-Type"))

	res, err = app.Test(httptest.NewRequest("HEAD", "/playback/eyJmb28iOiJiYXIifQ/not-base64!", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, res.StatusCode)
}

func TestAggregatedPlaybackHeadHandler(t *testing.T) {
	app := fiber.New()
	app.Head("/playback/stremthru/:store/:userData/:query", createAggregatedPlaybackHeadHandler(zap.NewNop()))

	res, err := app.Test(httptest.NewRequest("HEAD", "/playback/stremthru/rd/eyJmb28iOiJiYXIifQ/whatever", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, res.StatusCode)
}

func TestRequestIP(t *testing.T) {
	app := fiber.New()
	app.Get("/", func(c *fiber.Ctx) error {
		return c.SendString(requestIP(c))
	})

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	res, err := app.Test(req)
	require.NoError(t, err)
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.7", string(body))

	res, err = app.Test(httptest.NewRequest("GET", "/", nil))
	require.NoError(t, err)
	body, err = io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.NotEmpty(t, string(body))
}

func TestIndexerFilter(t *testing.T) {
	filter := indexerFilter(userData{Jackett: true, Cache: true})
	assert.True(t, filter("jackett"))
	assert.True(t, filter("cache"))
	assert.False(t, filter("zilean"))
	assert.False(t, filter("sharewood"))
	// Indexers without a toggle stay enabled.
	assert.True(t, filter("some-future-indexer"))
}

func TestStreamIDregex(t *testing.T) {
	for _, id := range []string{"tt1254207", "tt12345678", "tt1475582:2:1", "tt12345678:10:22"} {
		assert.True(t, streamIDregex.MatchString(id), id)
	}
	for _, id := range []string{"", "1254207", "tt123", "tt1254207:2", "tt1254207:2:1:4", "kitsu:1254207"} {
		assert.False(t, streamIDregex.MatchString(id), id)
	}
}
