package search

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/doingodswork/vortex-stremio/pkg/cachestore"
	"github.com/doingodswork/vortex-stremio/pkg/debrid"
	"github.com/doingodswork/vortex-stremio/pkg/indexer"
	"github.com/doingodswork/vortex-stremio/pkg/stremio"
	"github.com/doingodswork/vortex-stremio/pkg/torrent"
)

const (
	testHashA = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	testHashB = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

type fakeSearcher struct {
	results []torrent.RawResult
	err     error
	calls   int
	medias  []torrent.Media
}

func (s *fakeSearcher) Search(ctx context.Context, media torrent.Media) ([]torrent.RawResult, error) {
	s.calls++
	s.medias = append(s.medias, media)
	return s.results, s.err
}

func (s *fakeSearcher) Name() string { return "fake" }

func (s *fakeSearcher) Priority() int { return 1 }

type fakeDebrid struct {
	code          string
	announcements map[string]torrent.Availability
	err           error
	gotToken      string
	gotIP         string
	gotHashes     []string
	calls         int
}

func (d *fakeDebrid) Code() string { return d.code }

func (d *fakeDebrid) TestToken(ctx context.Context, keyOrToken string) error { return nil }

func (d *fakeDebrid) CheckAvailability(ctx context.Context, keyOrToken string, infoHashes ...string) (map[string]torrent.Availability, error) {
	d.calls++
	d.gotToken = keyOrToken
	d.gotIP = debrid.OriginIP(ctx)
	d.gotHashes = infoHashes
	return d.announcements, d.err
}

func (d *fakeDebrid) AddMagnet(ctx context.Context, keyOrToken, magnet string) (*debrid.AddResult, error) {
	return nil, errors.New("not implemented")
}

func (d *fakeDebrid) GetStreamLink(ctx context.Context, keyOrToken string, query debrid.StreamQuery) (string, error) {
	return "", errors.New("not implemented")
}

func testOpts() Options {
	opts := DefaultOptions
	opts.PollInterval = 5 * time.Millisecond
	opts.PollBudget = 30 * time.Millisecond
	return opts
}

func newTestOrchestrator(store cachestore.Store, opts Options, searchers ...indexer.Searcher) *Orchestrator {
	indexers := indexer.NewClient(searchers, zap.NewNop())
	return NewOrchestrator(opts, store, indexers, nil, zap.NewNop())
}

func testRaw(hash, title string) torrent.RawResult {
	return torrent.RawResult{
		Title:     title,
		InfoHash:  hash,
		SizeBytes: 2 << 30,
		Seeders:   12,
		Indexer:   "fake",
		Privacy:   torrent.PrivacyPrivate,
	}
}

func testMovieParams(services ...Service) Params {
	return Params{
		Media: torrent.Media{
			ID:        "tt0120338",
			Type:      torrent.TypeMovie,
			Titles:    []string{"Titanic"},
			Year:      "1997",
			Languages: []string{"fr"},
		},
		APIKey:           "key1",
		ClientIP:         "1.2.3.4",
		Services:         services,
		MinCachedResults: 1,
		MaxResults:       20,
		Sort:             "quality",
		AddonHost:        "http://localhost:7000",
		ConfigB64:        "e2NmZ30",
	}
}

func lastQuery(t *testing.T, stream stremio.StreamItem) debrid.StreamQuery {
	t.Helper()
	slash := strings.LastIndexByte(stream.URL, '/')
	require.GreaterOrEqual(t, slash, 0)
	query, err := stremio.DecodeQuery(stream.URL[slash+1:])
	require.NoError(t, err)
	return query
}

func TestSearchFullPipeline(t *testing.T) {
	store := cachestore.NewMemory()
	searcher := &fakeSearcher{results: []torrent.RawResult{
		testRaw(testHashA, "Titanic.1997.1080p.BluRay.x264-GRP"),
		testRaw(testHashB, "Titanic.1997.720p.WEB.x264-GRP"),
	}}
	rd := &fakeDebrid{
		code: torrent.CodeRealDebrid,
		announcements: map[string]torrent.Availability{
			testHashA: {Cached: true, Files: []torrent.FileEntry{
				{FileIndex: 1, FileName: "titanic.mkv", SizeBytes: 2 << 30},
			}},
		},
	}
	o := newTestOrchestrator(store, testOpts(), searcher)

	streams, err := o.Search(context.Background(), testMovieParams(Service{Client: rd, Token: "tok"}))
	require.NoError(t, err)
	require.Len(t, streams, 2)

	// The instantly playable stream sorts first.
	assert.True(t, strings.HasPrefix(streams[0].Name, "⚡RD+"), streams[0].Name)
	assert.True(t, strings.HasPrefix(streams[1].Name, "⬇️"), streams[1].Name)

	query := lastQuery(t, streams[0])
	assert.Equal(t, torrent.CodeRealDebrid, query.Service)
	assert.Equal(t, testHashA, query.InfoHash)
	assert.Equal(t, 1, query.FileIndex)

	assert.Equal(t, "tok", rd.gotToken)
	assert.Equal(t, "1.2.3.4", rd.gotIP)
	assert.Len(t, rd.gotHashes, 2)
}

func TestSearchServedFromStreamCache(t *testing.T) {
	store := cachestore.NewMemory()
	searcher := &fakeSearcher{results: []torrent.RawResult{testRaw(testHashA, "Titanic.1997.1080p.x264")}}
	o := newTestOrchestrator(store, testOpts(), searcher)
	params := testMovieParams()

	first, err := o.Search(context.Background(), params)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// The second search never reaches the indexers.
	searcher.results = nil
	second, err := o.Search(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, searcher.calls)
}

func TestSearchMediaCacheSharedBetweenUsers(t *testing.T) {
	store := cachestore.NewMemory()
	searcher := &fakeSearcher{results: []torrent.RawResult{testRaw(testHashA, "Titanic.1997.1080p.x264")}}
	rd := &fakeDebrid{code: torrent.CodeRealDebrid}
	o := newTestOrchestrator(store, testOpts(), searcher)

	_, err := o.Search(context.Background(), testMovieParams(Service{Client: rd, Token: "tok1"}))
	require.NoError(t, err)

	// A different user shares the raw results but gets a fresh
	// availability check.
	other := testMovieParams(Service{Client: rd, Token: "tok2"})
	other.APIKey = "key2"
	_, err = o.Search(context.Background(), other)
	require.NoError(t, err)

	assert.Equal(t, 1, searcher.calls)
	assert.Equal(t, 2, rd.calls)
	assert.Equal(t, "tok2", rd.gotToken)
}

func TestSearchRefetchesBelowFloor(t *testing.T) {
	store := cachestore.NewMemory()
	params := testMovieParams()
	params.MinCachedResults = 5
	mediaKey := keyPrefixMedia + cacheKeySuffix("", params.Media)

	// A single cached result is below the floor of 5.
	cached := []torrent.Item{torrent.FromRaw(testRaw(testHashA, "Titanic.1997.720p.x264"), torrent.TypeMovie)}
	cachedJSON, err := json.Marshal(cached)
	require.NoError(t, err)
	require.NoError(t, store.Set(context.Background(), mediaKey, cachedJSON, time.Minute))

	searcher := &fakeSearcher{results: []torrent.RawResult{
		testRaw(testHashA, "Titanic.1997.720p.x264"),
		testRaw(testHashB, "Titanic.1997.1080p.x264"),
	}}
	o := newTestOrchestrator(store, testOpts(), searcher)

	streams, err := o.Search(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, 1, searcher.calls)
	assert.Len(t, streams, 2)
}

func TestSearchPollsLockHolder(t *testing.T) {
	store := cachestore.NewMemory()
	params := testMovieParams()
	streamKey := keyPrefixStream + cacheKeySuffix(user(params), params.Media)

	// Another instance holds the lock and has already published, but a
	// refresh flag forces this request past the initial cache check.
	locker := cachestore.NewLocker(store)
	acquired, err := locker.Acquire(context.Background(), keyPrefixLock+streamKey, time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)
	require.NoError(t, store.Set(context.Background(), keyForceRefresh, []byte("1"), time.Minute))

	published := []stremio.StreamItem{{Name: "⚡RD+", URL: "http://localhost/playback/cfg/abc"}}
	publishedJSON, err := json.Marshal(published)
	require.NoError(t, err)
	require.NoError(t, store.Set(context.Background(), streamKey, publishedJSON, time.Minute))

	searcher := &fakeSearcher{}
	o := newTestOrchestrator(store, testOpts(), searcher)
	streams, err := o.Search(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, published, streams)
	assert.Zero(t, searcher.calls)
}

func TestSearchBusy(t *testing.T) {
	store := cachestore.NewMemory()
	params := testMovieParams()
	streamKey := keyPrefixStream + cacheKeySuffix(user(params), params.Media)

	locker := cachestore.NewLocker(store)
	acquired, err := locker.Acquire(context.Background(), keyPrefixLock+streamKey, time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	o := newTestOrchestrator(store, testOpts(), &fakeSearcher{})
	_, err = o.Search(context.Background(), params)
	assert.ErrorIs(t, err, ErrBusy)
}

func TestSearchInvalidationFlag(t *testing.T) {
	store := cachestore.NewMemory()
	searcher := &fakeSearcher{results: []torrent.RawResult{testRaw(testHashA, "Titanic.1997.1080p.x264")}}
	o := newTestOrchestrator(store, testOpts(), searcher)
	params := testMovieParams()

	_, err := o.Search(context.Background(), params)
	require.NoError(t, err)
	require.Equal(t, 1, searcher.calls)

	// The flag makes the next search ignore the cached streams, and is
	// consumed doing so.
	mediaKey := keyPrefixMedia + cacheKeySuffix("", params.Media)
	flagKey := keyPrefixUpdate + mediaKey
	require.NoError(t, store.Set(context.Background(), flagKey, []byte("1"), time.Minute))
	require.NoError(t, store.Del(context.Background(), mediaKey))

	_, err = o.Search(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, 2, searcher.calls)

	_, found, err := store.Get(context.Background(), flagKey)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSearchUpgradesWorkingStreams(t *testing.T) {
	store := cachestore.NewMemory()
	searcher := &fakeSearcher{results: []torrent.RawResult{testRaw(testHashA, "Titanic.1997.1080p.x264")}}
	o := newTestOrchestrator(store, testOpts(), searcher)

	// No services configured: the stream caches as download-marked.
	params := testMovieParams()
	streams, err := o.Search(context.Background(), params)
	require.NoError(t, err)
	require.Len(t, streams, 1)
	require.True(t, strings.HasPrefix(streams[0].Name, "⬇️"), streams[0].Name)

	// A playback on another instance proved the torrent works on RD.
	workingKey := keyPrefixWorking + "RD:" + testHashA
	require.NoError(t, store.Set(context.Background(), workingKey, []byte("1"), time.Minute))

	rd := &fakeDebrid{code: torrent.CodeRealDebrid}
	params.Services = []Service{{Client: rd, Token: "tok"}}
	streams, err = o.Search(context.Background(), params)
	require.NoError(t, err)
	require.Len(t, streams, 1)
	assert.True(t, strings.HasPrefix(streams[0].Name, "⚡RD+"), streams[0].Name)

	query := lastQuery(t, streams[0])
	assert.Equal(t, torrent.CodeRealDebrid, query.Service)
	assert.True(t, query.Cached)

	// The upgraded list was re-cached: it survives the marker's expiry.
	require.NoError(t, store.Del(context.Background(), workingKey))
	streams, err = o.Search(context.Background(), params)
	require.NoError(t, err)
	require.Len(t, streams, 1)
	assert.True(t, strings.HasPrefix(streams[0].Name, "⚡RD+"), streams[0].Name)
	assert.Equal(t, 1, searcher.calls)
}

func TestSearchPrefetchesNextEpisode(t *testing.T) {
	store := cachestore.NewMemory()
	searcher := &fakeSearcher{results: []torrent.RawResult{testRaw(testHashA, "Show.S02.COMPLETE.1080p.x264")}}
	o := newTestOrchestrator(store, testOpts(), searcher)

	params := testMovieParams()
	params.Media = torrent.Media{
		ID:        "tt1475582",
		Type:      torrent.TypeSeries,
		Titles:    []string{"Sherlock"},
		Season:    2,
		Episode:   1,
		Languages: []string{"fr"},
	}

	_, err := o.Search(context.Background(), params)
	require.NoError(t, err)
	o.Wait()

	require.Equal(t, 2, searcher.calls)
	assert.Equal(t, 1, searcher.medias[0].Episode)
	assert.Equal(t, 2, searcher.medias[1].Episode)
}

func TestSearchEmptyResultNotCached(t *testing.T) {
	store := cachestore.NewMemory()
	searcher := &fakeSearcher{}
	o := newTestOrchestrator(store, testOpts(), searcher)
	params := testMovieParams()

	streams, err := o.Search(context.Background(), params)
	require.NoError(t, err)
	assert.Empty(t, streams)

	_, err = o.Search(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, 2, searcher.calls)
}

func TestSearchIndexerFailure(t *testing.T) {
	store := cachestore.NewMemory()
	searcher := &fakeSearcher{err: errors.New("indexer down")}
	o := newTestOrchestrator(store, testOpts(), searcher)

	_, err := o.Search(context.Background(), testMovieParams())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "indexer down")
}

func TestCacheKeySuffix(t *testing.T) {
	movie := torrent.Media{ID: "tt1", Type: torrent.TypeMovie, Titles: []string{"Titanic"}, Year: "1997", Languages: []string{"fr"}}
	series := torrent.Media{ID: "tt2", Type: torrent.TypeSeries, Titles: []string{"Sherlock"}, Season: 2, Episode: 1, Languages: []string{"fr"}}

	assert.Len(t, cacheKeySuffix("u", movie), 16)
	assert.Equal(t, cacheKeySuffix("u", movie), cacheKeySuffix("u", movie))
	assert.NotEqual(t, cacheKeySuffix("u", movie), cacheKeySuffix("v", movie))
	assert.NotEqual(t, cacheKeySuffix("u", movie), cacheKeySuffix("", movie))

	otherLang := movie
	otherLang.Languages = []string{"en"}
	assert.NotEqual(t, cacheKeySuffix("u", movie), cacheKeySuffix("u", otherLang))

	nextEpisode := series
	nextEpisode.Episode = 2
	assert.NotEqual(t, cacheKeySuffix("u", series), cacheKeySuffix("u", nextEpisode))
}
