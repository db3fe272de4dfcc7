package stremio

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/doingodswork/vortex-stremio/pkg/debrid"
	"github.com/doingodswork/vortex-stremio/pkg/torrent"
)

const (
	testHash      = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	testConfigB64 = "eyJmb28iOiJiYXIifQ"
	testHost      = "https://addon.example.com"
)

func testMovie() torrent.Media {
	return torrent.Media{ID: "tt1254207", Type: torrent.TypeMovie, Titles: []string{"Big Buck Bunny"}}
}

func testEpisode() torrent.Media {
	return torrent.Media{ID: "tt1475582", Type: torrent.TypeSeries, Titles: []string{"Sherlock"}, Season: 2, Episode: 5}
}

func testItem(availability string, cached bool) torrent.Item {
	return torrent.Item{
		InfoHash:     testHash,
		RawTitle:     "Movie.2008.1080p.BluRay.x264-GRP",
		SizeBytes:    2 << 30,
		Magnet:       torrent.BuildMagnet(testHash, "Movie.2008.1080p.BluRay.x264-GRP"),
		Indexer:      "yggflix",
		Privacy:      torrent.PrivacyPrivate,
		Seeders:      42,
		Type:         torrent.TypeMovie,
		FileIndex:    -1,
		Availability: availability,
		Cached:       cached,
		AlwaysShow:   true,
	}
}

func defaultOpts() BuildOptions {
	return BuildOptions{
		AddonHost: testHost,
		ConfigB64: testConfigB64,
	}
}

func decodeQuery(t *testing.T, streamURL string) debrid.StreamQuery {
	t.Helper()
	parts := strings.Split(streamURL, "/")
	qb64 := strings.ReplaceAll(parts[len(parts)-1], "%3D", "=")
	queryJSON, err := base64.StdEncoding.DecodeString(qb64)
	require.NoError(t, err)
	var query debrid.StreamQuery
	require.NoError(t, json.Unmarshal(queryJSON, &query))
	return query
}

func TestBuildStreamsNames(t *testing.T) {
	boolPtr := func(b bool) *bool { return &b }

	for name, tc := range map[string]struct {
		item torrent.Item
		want string
	}{
		"real-debrid": {
			item: testItem("RD", true),
			want: "⚡RD+",
		},
		"alldebrid": {
			item: testItem("AD", true),
			want: "⚡AD+",
		},
		"premiumize cached": {
			item: func() torrent.Item {
				item := testItem("PM", true)
				item.PMCached = boolPtr(true)
				return item
			}(),
			want: "⚡PM+",
		},
		"premiumize uncached": {
			item: func() torrent.Item {
				item := testItem("PM", true)
				item.PMCached = boolPtr(false)
				return item
			}(),
			want: "⬇️PM",
		},
		"torbox cached": {
			item: func() torrent.Item {
				item := testItem("TB", true)
				item.TBCached = boolPtr(true)
				return item
			}(),
			want: "⚡TB+",
		},
		"torbox uncached": {
			item: func() torrent.Item {
				item := testItem("TB", true)
				item.TBCached = boolPtr(false)
				return item
			}(),
			want: "⬇️TB",
		},
		"aggregator cached": {
			item: testItem("ST:AD", true),
			want: "⚡ST:AD+",
		},
		"aggregator uncached": {
			item: testItem("ST:AD", false),
			want: "⬇️ST:AD",
		},
		"no provider": {
			item: testItem("", false),
			want: "⬇️Movie.2008.1080p.BluRay.x264-GRP",
		},
	} {
		t.Run(name, func(t *testing.T) {
			streams := BuildStreams([]torrent.Item{tc.item}, testMovie(), defaultOpts(), zap.NewNop())
			require.Len(t, streams, 1)
			assert.Equal(t, tc.want, strings.Split(streams[0].Name, "\n")[0])
		})
	}
}

func TestBuildStreamsResolutionLine(t *testing.T) {
	item := testItem("RD", true)
	item.Parsed.Resolution = "1080p"

	streams := BuildStreams([]torrent.Item{item}, testMovie(), defaultOpts(), zap.NewNop())
	require.Len(t, streams, 1)
	assert.Equal(t, "⚡RD+\n |_1080p_|", streams[0].Name)
}

func TestBuildStreamsPlaybackURL(t *testing.T) {
	item := testItem("RD", true)
	item.Type = torrent.TypeSeries
	item.FileIndex = 3
	item.FileName = "Sherlock.S02E05.mkv"

	streams := BuildStreams([]torrent.Item{item}, testEpisode(), defaultOpts(), zap.NewNop())
	require.Len(t, streams, 1)
	require.True(t, strings.HasPrefix(streams[0].URL, testHost+"/playback/"+testConfigB64+"/"), streams[0].URL)

	query := decodeQuery(t, streams[0].URL)
	assert.Equal(t, "RD", query.Service)
	assert.Equal(t, item.Magnet, query.Magnet)
	assert.Equal(t, testHash, query.InfoHash)
	assert.Equal(t, 2, query.Season)
	assert.Equal(t, 5, query.Episode)
	assert.Equal(t, 3, query.FileIndex)
	assert.True(t, query.Cached)

	assert.Equal(t, "stream-"+testHash, streams[0].BehaviorHints.BingeGroup)
	assert.Equal(t, "Sherlock.S02E05.mkv", streams[0].BehaviorHints.Filename)
}

func TestBuildStreamsAggregatorURL(t *testing.T) {
	streams := BuildStreams([]torrent.Item{testItem("ST:RD", true)}, testMovie(), defaultOpts(), zap.NewNop())
	require.Len(t, streams, 1)
	require.True(t, strings.HasPrefix(streams[0].URL, testHost+"/playback/stremthru/RD/"+testConfigB64+"/"), streams[0].URL)

	query := decodeQuery(t, streams[0].URL)
	assert.Equal(t, "ST:RD", query.Service)
}

func TestBuildStreamsDownloadService(t *testing.T) {
	streams := BuildStreams([]torrent.Item{testItem("", false)}, testMovie(), defaultOpts(), zap.NewNop())
	require.Len(t, streams, 1)

	query := decodeQuery(t, streams[0].URL)
	assert.Equal(t, debrid.ServiceDownload, query.Service)
}

func TestBuildStreamsDedupes(t *testing.T) {
	first := testItem("RD", true)
	second := testItem("RD", true)
	second.Indexer = "jackett"

	streams := BuildStreams([]torrent.Item{first, second}, testMovie(), defaultOpts(), zap.NewNop())
	assert.Len(t, streams, 1)
}

func TestBuildStreamsTorrenting(t *testing.T) {
	item := testItem("RD", true)
	item.Privacy = torrent.PrivacyPublic
	opts := defaultOpts()
	opts.Torrenting = true

	streams := BuildStreams([]torrent.Item{item}, testMovie(), opts, zap.NewNop())
	require.Len(t, streams, 2)

	// The plain torrent descriptor sorts last.
	direct := streams[1]
	assert.True(t, strings.HasPrefix(direct.Name, "🏴‍☠️"), direct.Name)
	assert.Equal(t, testHash, direct.InfoHash)
	assert.Empty(t, direct.URL)

	// Private results never get one.
	item.Privacy = torrent.PrivacyPrivate
	streams = BuildStreams([]torrent.Item{item}, testMovie(), opts, zap.NewNop())
	assert.Len(t, streams, 1)
}

func TestBuildStreamsSortsCachedFirst(t *testing.T) {
	uncached := testItem("", false)
	cached := testItem("RD", true)
	cached.InfoHash = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"

	streams := BuildStreams([]torrent.Item{uncached, cached}, testMovie(), defaultOpts(), zap.NewNop())
	require.Len(t, streams, 2)
	assert.True(t, strings.HasPrefix(streams[0].Name, "⚡"), streams[0].Name)
	assert.True(t, strings.HasPrefix(streams[1].Name, "⬇️"), streams[1].Name)
}

func TestBuildStreamsMaxResults(t *testing.T) {
	items := []torrent.Item{testItem("RD", true), testItem("AD", true), testItem("PM", true)}
	items[1].InfoHash = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	items[2].InfoHash = "cccccccccccccccccccccccccccccccccccccccc"
	opts := defaultOpts()
	opts.MaxResults = 2

	streams := BuildStreams(items, testMovie(), opts, zap.NewNop())
	assert.Len(t, streams, 2)
}

func TestDescription(t *testing.T) {
	item := testItem("RD", true)
	item.Languages = []string{"VFF"}
	item.Parsed.Group = "GRP"
	item.Parsed.Codec = "x264"
	item.Parsed.Quality = "BluRay"
	item.Parsed.Audio = []string{"AAC"}

	desc := description(item, testMovie())
	assert.Contains(t, desc, "Movie.2008.1080p.BluRay.x264-GRP\n")
	assert.Contains(t, desc, "🇫🇷 VFF")
	assert.Contains(t, desc, "☠️ GRP")
	assert.Contains(t, desc, "👥 42")
	assert.Contains(t, desc, "💾 2.00GB")
	assert.Contains(t, desc, "🔍 yggflix")
	assert.Contains(t, desc, "🎥 x264")
	assert.Contains(t, desc, "📺 BluRay")
	assert.Contains(t, desc, "🎧 AAC")
}

func TestDescriptionSeriesFileName(t *testing.T) {
	item := testItem("RD", true)
	item.FileName = "Sherlock.S02E05.mkv"

	desc := description(item, testEpisode())
	assert.Contains(t, desc, "\nSherlock.S02E05.mkv\n")

	// The selected file only matters for series.
	desc = description(item, testMovie())
	assert.NotContains(t, desc, "Sherlock.S02E05.mkv")
}

func TestLanguageFlagFallbacks(t *testing.T) {
	assert.Equal(t, "🇫🇷 FRENCH", languageFlag("fr"))
	assert.Equal(t, "🌍 MULTi", languageFlag("MULTI"))
	assert.Equal(t, "🇫🇷 VFQ", languageFlag("vfq"))
	assert.Equal(t, "🇬🇧", languageFlag("xx"))
}

func TestQueryRoundTrip(t *testing.T) {
	query := debrid.StreamQuery{
		Magnet:    "magnet:?xt=urn:btih:" + testHash,
		InfoHash:  testHash,
		Type:      "movie",
		FileIndex: -1,
		Service:   "RD",
		Privacy:   torrent.PrivacyPrivate,
		Cached:    true,
	}
	qb64, err := EncodeQuery(query)
	require.NoError(t, err)
	assert.NotContains(t, qb64, "=")

	decoded, err := DecodeQuery(qb64)
	require.NoError(t, err)
	assert.Equal(t, query, decoded)

	// Proxies may hand us the segment with the padding already unescaped.
	decoded, err = DecodeQuery(strings.ReplaceAll(qb64, "%3D", "="))
	require.NoError(t, err)
	assert.Equal(t, query, decoded)
}

func TestUpgradeStream(t *testing.T) {
	item := testItem("", false)
	item.Parsed.Resolution = "1080p"
	streams := BuildStreams([]torrent.Item{item}, testMovie(), defaultOpts(), zap.NewNop())
	require.Len(t, streams, 1)
	require.True(t, strings.HasPrefix(streams[0].Name, "⬇️"), streams[0].Name)

	upgraded, ok := UpgradeStream(streams[0], "RD")
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(upgraded.Name, "⚡RD+"), upgraded.Name)
	// The resolution line survives the rename.
	assert.Contains(t, upgraded.Name, "|_1080p_|")

	query := decodeQuery(t, upgraded.URL)
	assert.Equal(t, "RD", query.Service)
	assert.True(t, query.Cached)
}

func TestUpgradeStreamKeepsAggregatedService(t *testing.T) {
	streams := BuildStreams([]torrent.Item{testItem("ST:AD", false)}, testMovie(), defaultOpts(), zap.NewNop())
	require.Len(t, streams, 1)

	upgraded, ok := UpgradeStream(streams[0], "AD")
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(upgraded.Name, "⚡ST:AD+"), upgraded.Name)

	query := decodeQuery(t, upgraded.URL)
	assert.Equal(t, "ST:AD", query.Service)
	assert.True(t, query.Cached)
}

func TestUpgradeStreamSkipsInstant(t *testing.T) {
	streams := BuildStreams([]torrent.Item{testItem("RD", true)}, testMovie(), defaultOpts(), zap.NewNop())
	require.Len(t, streams, 1)

	_, ok := UpgradeStream(streams[0], "RD")
	assert.False(t, ok)
}
