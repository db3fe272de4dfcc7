package torrent

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestFromRawDerivesMagnet(t *testing.T) {
	raw := RawResult{
		Title:     "Some.Movie.2019.MULTI.VFF.1080p.BluRay.x264-GRP",
		InfoHash:  strings.ToUpper(hashA),
		SizeBytes: 2_000_000_000,
		Seeders:   42,
		Indexer:   "jackett",
		Privacy:   PrivacyPublic,
	}
	item := FromRaw(raw, TypeMovie)

	require.Equal(t, hashA, item.InfoHash)
	require.Contains(t, item.Magnet, "magnet:?xt=urn:btih:"+hashA)
	require.Equal(t, -1, item.FileIndex)
	require.True(t, item.Cached)
	require.True(t, item.AlwaysShow)
	require.Contains(t, item.Languages, "MULTI")
	require.Contains(t, item.Languages, "VFF")
	require.Equal(t, "1080p", item.Parsed.Resolution)
}

func TestFromRawExtractsHashFromMagnet(t *testing.T) {
	raw := RawResult{
		Title:  "Some.Show.S01E02.720p",
		Magnet: "magnet:?xt=urn:btih:" + hashB + "&dn=Some.Show",
	}
	item := FromRaw(raw, TypeSeries)
	require.Equal(t, hashB, item.InfoHash)
}

func TestItemJSONRoundTrip(t *testing.T) {
	pmCached := true
	item := Item{
		InfoHash:      hashA,
		RawTitle:      "Some.Movie.2019.1080p",
		SizeBytes:     2_000_000_000,
		Magnet:        BuildMagnet(hashA, "Some.Movie"),
		Indexer:       "ygg",
		Privacy:       PrivacyPrivate,
		Seeders:       7,
		Languages:     []string{"VFF"},
		Type:          TypeMovie,
		Parsed:        ParsedMeta{Resolution: "1080p", Languages: []string{"VFF"}},
		FileIndex:     1,
		FileName:      "movie.mkv",
		FileSizeBytes: 1_900_000_000,
		FullIndex: []FileEntry{
			{FileIndex: 0, FileName: "sample.mkv", SizeBytes: 1},
			{FileIndex: 1, FileName: "movie.mkv", SizeBytes: 1_900_000_000},
		},
		Availability: "PM",
		Cached:       true,
		AlwaysShow:   true,
		PMCached:     &pmCached,
	}

	encoded, err := json.Marshal(item)
	require.NoError(t, err)
	var decoded Item
	require.NoError(t, json.Unmarshal(encoded, &decoded))

	diff := cmp.Diff(item, decoded)
	require.Empty(t, diff)
}

func TestDetectLanguages(t *testing.T) {
	langs := DetectLanguages("Some.Movie.2019.TRUEFRENCH.VOSTFR.MULTi.VFF.1080p")
	require.Equal(t, []string{"VFF", "VOSTFR", "MULTI"}, langs)

	require.Empty(t, DetectLanguages("Some.Movie.2019.1080p"))
}

func TestInfoHashFromMagnet(t *testing.T) {
	require.Equal(t, hashA, InfoHashFromMagnet("magnet:?xt=urn:btih:"+strings.ToUpper(hashA)+"&dn=x"))
	require.Empty(t, InfoHashFromMagnet("magnet:?xt=urn:btih:tooshort"))
	require.Empty(t, InfoHashFromMagnet("https://example.com/file.torrent"))
}

func TestValidInfoHash(t *testing.T) {
	require.True(t, ValidInfoHash(hashA))
	require.False(t, ValidInfoHash(strings.ToUpper(hashA)))
	require.False(t, ValidInfoHash("abc"))
	require.False(t, ValidInfoHash(""))
}

func TestLargestVideoFile(t *testing.T) {
	entry, ok := LargestVideoFile([]FileEntry{
		{FileIndex: 0, FileName: "movie.iso", SizeBytes: 8_000_000_000},
		{FileIndex: 1, FileName: "movie.mkv", SizeBytes: 2_000_000_000},
	})
	require.True(t, ok)
	require.Equal(t, 1, entry.FileIndex)

	// Without any video extension the largest file wins.
	entry, ok = LargestVideoFile([]FileEntry{
		{FileIndex: 0, FileName: "a.iso", SizeBytes: 1},
		{FileIndex: 1, FileName: "b.iso", SizeBytes: 2},
	})
	require.True(t, ok)
	require.Equal(t, 1, entry.FileIndex)

	_, ok = LargestVideoFile(nil)
	require.False(t, ok)
}
