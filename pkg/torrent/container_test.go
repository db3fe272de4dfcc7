package torrent

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

const (
	hashA = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	hashB = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

func movieMedia() Media {
	return Media{ID: "tt0137523", Type: TypeMovie, Titles: []string{"Fight Club"}, Year: "1999"}
}

func seriesMedia(season, episode int) Media {
	return Media{ID: "tt0944947", Type: TypeSeries, Titles: []string{"Game of Thrones"}, Season: season, Episode: episode}
}

func testItem(hash string) Item {
	return Item{
		InfoHash:   hash,
		RawTitle:   "Some.Movie.2019.1080p.WEB-DL.x264",
		SizeBytes:  2_000_000_000,
		Magnet:     BuildMagnet(hash, "Some.Movie.2019"),
		Type:       TypeMovie,
		FileIndex:  -1,
		Cached:     true,
		AlwaysShow: true,
	}
}

func TestContainerInsertDedupes(t *testing.T) {
	c := NewContainer(movieMedia())
	c.Insert(testItem(hashA), testItem(hashA), testItem(strings.ToUpper(hashA)))
	require.Equal(t, 1, c.Len())

	// Hashes that aren't 40-char hex are dropped.
	c.Insert(testItem("123abc"), testItem(""))
	require.Equal(t, 1, c.Len())

	c.Insert(testItem(hashB))
	require.Equal(t, []string{hashA, hashB}, c.Hashes())
}

func TestContainerUnresolvedHashes(t *testing.T) {
	c := NewContainer(movieMedia())
	c.Insert(testItem(hashA), testItem(hashB))
	require.Equal(t, []string{hashA, hashB}, c.UnresolvedHashes())

	c.UpdateAvailability(CodeRealDebrid, map[string]Availability{
		hashA: {InfoHash: hashA, Cached: true},
	})
	require.Equal(t, []string{hashB}, c.UnresolvedHashes())
}

func TestContainerDirectUpdateSelectsLargestMovieFile(t *testing.T) {
	c := NewContainer(movieMedia())
	c.Insert(testItem(hashA))
	c.UpdateAvailability(CodeRealDebrid, map[string]Availability{
		hashA: {
			InfoHash: hashA,
			Cached:   true,
			Files: []FileEntry{
				{FileIndex: 0, FileName: "sample.mkv", SizeBytes: 50_000_000},
				{FileIndex: 1, FileName: "movie.mkv", SizeBytes: 2_000_000_000},
				{FileIndex: 2, FileName: "movie.nfo", SizeBytes: 5_000},
			},
		},
	})

	items := c.Items()
	require.Len(t, items, 1)
	require.Equal(t, "RD", items[0].Availability)
	require.True(t, items[0].Cached)
	require.Equal(t, 1, items[0].FileIndex)
	require.Equal(t, "movie.mkv", items[0].FileName)
	require.Equal(t, int64(2_000_000_000), items[0].FileSizeBytes)
}

func TestContainerSeriesUpdateSelectsEpisode(t *testing.T) {
	c := NewContainer(seriesMedia(1, 2))
	item := testItem(hashA)
	item.Type = TypeSeries
	c.Insert(item)
	c.UpdateAvailability(CodeAllDebrid, map[string]Availability{
		hashA: {
			InfoHash: hashA,
			Cached:   true,
			Files: []FileEntry{
				{FileIndex: 0, FileName: "S01E01.mkv", SizeBytes: 1_000_000_000},
				{FileIndex: 1, FileName: "S01E02.mkv", SizeBytes: 2_000_000_000},
			},
		},
	})

	items := c.Items()
	require.Equal(t, "AD", items[0].Availability)
	require.Equal(t, 1, items[0].FileIndex)
	require.Equal(t, "S01E02.mkv", items[0].FileName)
}

func TestContainerPremiumizeSplitsPresenceFromCached(t *testing.T) {
	c := NewContainer(movieMedia())
	c.Insert(testItem(hashA), testItem(hashB))
	c.UpdateAvailability(CodePremiumize, map[string]Availability{
		hashA: {InfoHash: hashA, Cached: true},
		hashB: {InfoHash: hashB, Cached: false},
	})

	items := c.Items()
	require.Equal(t, "PM", items[0].Availability)
	require.NotNil(t, items[0].PMCached)
	require.True(t, *items[0].PMCached)
	require.True(t, items[0].Cached)

	require.Equal(t, "PM", items[1].Availability)
	require.NotNil(t, items[1].PMCached)
	require.False(t, *items[1].PMCached)
	require.False(t, items[1].Cached)
}

func TestContainerTorBoxAbsenceMeansUnavailable(t *testing.T) {
	c := NewContainer(movieMedia())
	c.Insert(testItem(hashA), testItem(hashB))
	c.UpdateAvailability(CodeTorBox, map[string]Availability{
		hashA: {InfoHash: hashA, Cached: true},
	})

	items := c.Items()
	require.Equal(t, "TB", items[0].Availability)
	require.NotNil(t, items[0].TBCached)
	require.True(t, *items[0].TBCached)

	// hashB wasn't announced, so it stays unresolved.
	require.Empty(t, items[1].Availability)
	require.Nil(t, items[1].TBCached)
	require.Equal(t, []string{hashB}, c.UnresolvedHashes())
}

func TestContainerAggregatorCachedFlag(t *testing.T) {
	c := NewContainer(movieMedia())
	c.Insert(testItem(hashA), testItem(hashB))
	c.UpdateAvailability("ST:AD", map[string]Availability{
		hashA: {
			InfoHash: hashA,
			Cached:   true,
			Store:    "alldebrid",
			Files:    []FileEntry{{FileIndex: 0, FileName: "x.mkv", SizeBytes: 1}},
		},
		hashB: {InfoHash: hashB, Cached: false, Store: "alldebrid"},
	})

	items := c.Items()
	require.Equal(t, "ST:AD", items[0].Availability)
	require.True(t, items[0].Cached)
	require.Equal(t, 0, items[0].FileIndex)

	// Uncached items stay visible as "download required" entries.
	require.Equal(t, "ST:AD", items[1].Availability)
	require.False(t, items[1].Cached)
	require.True(t, items[1].AlwaysShow)
}

func TestContainerUpdateIsIdempotent(t *testing.T) {
	announcements := map[string]Availability{
		hashA: {
			InfoHash: hashA,
			Cached:   true,
			Files: []FileEntry{
				{FileIndex: 0, FileName: "movie.mkv", SizeBytes: 2_000_000_000},
			},
		},
	}

	c1 := NewContainer(movieMedia())
	c1.Insert(testItem(hashA))
	c1.UpdateAvailability(CodeRealDebrid, announcements)

	c2 := NewContainer(movieMedia())
	c2.Insert(testItem(hashA))
	c2.UpdateAvailability(CodeRealDebrid, announcements)
	c2.UpdateAvailability(CodeRealDebrid, announcements)

	diff := cmp.Diff(c1.Items(), c2.Items())
	require.Empty(t, diff)
}

func TestContainerBestMatchingSeriesPack(t *testing.T) {
	c := NewContainer(seriesMedia(1, 2))
	item := testItem(hashA)
	item.Type = TypeSeries
	item.FullIndex = []FileEntry{
		{FileIndex: 0, FileName: "S01E01.mkv", SizeBytes: 1_000_000_000, Seasons: []int{1}, Episodes: []int{1}},
		{FileIndex: 1, FileName: "S01E02.mkv", SizeBytes: 2_000_000_000, Seasons: []int{1}, Episodes: []int{2}},
	}
	c.Insert(item)

	best := c.BestMatching()
	require.Len(t, best, 1)
	require.Equal(t, 1, best[0].FileIndex)
	require.Equal(t, "S01E02.mkv", best[0].FileName)
	require.Equal(t, int64(2_000_000_000), best[0].FileSizeBytes)
}

func TestContainerBestMatchingKeepsAlwaysShow(t *testing.T) {
	c := NewContainer(movieMedia())
	hidden := testItem(hashA)
	hidden.Magnet = ""
	hidden.AlwaysShow = false
	shown := testItem(hashB)
	shown.Magnet = ""
	shown.AlwaysShow = true
	c.Insert(hidden, shown)

	best := c.BestMatching()
	require.Len(t, best, 1)
	require.Equal(t, hashB, best[0].InfoHash)
}
