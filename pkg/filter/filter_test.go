package filter

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/doingodswork/vortex-stremio/pkg/torrent"
)

func item(title, resolution string, size int64, langs ...string) torrent.Item {
	return torrent.Item{
		RawTitle:  title,
		SizeBytes: size,
		Languages: langs,
		Parsed:    torrent.ParsedMeta{Resolution: resolution},
	}
}

func TestLanguageGroup(t *testing.T) {
	require.Equal(t, 1, LanguageGroup(item("a", "1080p", 1, "VFF")))
	require.Equal(t, 1, LanguageGroup(item("a", "1080p", 1, "MULTI", "VOF")))
	require.Equal(t, 2, LanguageGroup(item("a", "1080p", 1, "VFQ")))
	require.Equal(t, 3, LanguageGroup(item("a", "1080p", 1, "VOSTFR")))
	require.Equal(t, 4, LanguageGroup(item("a", "1080p", 1, "FRENCH")))
	require.Equal(t, 999, LanguageGroup(item("a", "1080p", 1, "MULTI")))
	require.Equal(t, 999, LanguageGroup(item("a", "1080p", 1)))

	// The best group wins when several tags are present.
	require.Equal(t, 1, LanguageGroup(item("a", "1080p", 1, "VOSTFR", "VFF")))
}

func TestSortByLanguageIsStable(t *testing.T) {
	items := []torrent.Item{
		item("first-vostfr", "1080p", 1, "VOSTFR"),
		item("first-vff", "1080p", 2, "VFF"),
		item("second-vostfr", "720p", 3, "VOSTFR"),
		item("second-vff", "720p", 4, "VFF"),
	}
	SortByLanguage(items)

	titles := make([]string, len(items))
	for i, it := range items {
		titles[i] = it.RawTitle
	}
	require.Equal(t, []string{"first-vff", "second-vff", "first-vostfr", "second-vostfr"}, titles)
}

func TestCapPerResolution(t *testing.T) {
	items := []torrent.Item{
		item("a", "1080p", 1),
		item("b", "1080p", 2),
		item("c", "1080p", 3),
		item("d", "720p", 4),
	}

	capped := CapPerResolution(items, 2, SortQuality)
	require.Len(t, capped, 3)
	require.Equal(t, "a", capped[0].RawTitle)
	require.Equal(t, "b", capped[1].RawTitle)
	require.Equal(t, "d", capped[2].RawTitle)

	// Size-based sorts bypass the cap.
	require.Len(t, CapPerResolution(items, 2, SortSizeDesc), 4)
	require.Len(t, CapPerResolution(items, 2, SortQualityThenSize), 4)
}

func TestSortItems(t *testing.T) {
	items := []torrent.Item{
		item("small-720", "720p", 100),
		item("big-1080", "1080p", 300),
		item("small-1080", "1080p", 200),
		item("big-2160", "2160p", 400),
	}

	byQuality := append([]torrent.Item(nil), items...)
	SortItems(byQuality, SortQuality)
	require.Equal(t, "big-2160", byQuality[0].RawTitle)
	// Stable: 1080p items keep their input order.
	require.Equal(t, "big-1080", byQuality[1].RawTitle)
	require.Equal(t, "small-1080", byQuality[2].RawTitle)

	bySize := append([]torrent.Item(nil), items...)
	SortItems(bySize, SortSizeDesc)
	require.Equal(t, "big-2160", bySize[0].RawTitle)
	require.Equal(t, "big-1080", bySize[1].RawTitle)
	require.Equal(t, "small-720", bySize[3].RawTitle)

	byQualitySize := append([]torrent.Item(nil), items...)
	SortItems(byQualitySize, SortQualityThenSize)
	require.Equal(t, "big-2160", byQualitySize[0].RawTitle)
	require.Equal(t, "big-1080", byQualitySize[1].RawTitle)
	require.Equal(t, "small-1080", byQualitySize[2].RawTitle)
	require.Equal(t, "small-720", byQualitySize[3].RawTitle)
}

func TestApply(t *testing.T) {
	items := []torrent.Item{
		item("eng-1080-a", "1080p", 500),
		item("vff-720", "720p", 100, "VFF"),
		item("eng-1080-b", "1080p", 400),
		item("vff-1080", "1080p", 300, "VFF"),
	}

	out := Apply(items, Options{Sort: SortQuality, MaxResults: 3, ResultsPerQuality: 2})
	require.Len(t, out, 3)
	// Language priority puts the VFF 1080p before the English ones, the
	// per-resolution cap then drops the second English 1080p.
	require.Equal(t, "vff-1080", out[0].RawTitle)
	require.Equal(t, "eng-1080-a", out[1].RawTitle)
	require.Equal(t, "vff-720", out[2].RawTitle)
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	items := []torrent.Item{
		item("b", "720p", 1),
		item("a", "1080p", 2),
	}
	Apply(items, Options{Sort: SortSizeDesc})
	require.Equal(t, "b", items[0].RawTitle)
	require.Equal(t, "a", items[1].RawTitle)
}

func TestResolutionRank(t *testing.T) {
	require.Greater(t, ResolutionRank("2160p"), ResolutionRank("1080p"))
	require.Greater(t, ResolutionRank("4K"), ResolutionRank("1080p"))
	require.Greater(t, ResolutionRank("1080p"), ResolutionRank("720p"))
	require.Greater(t, ResolutionRank("720p"), ResolutionRank("480p"))
	require.Greater(t, ResolutionRank("480p"), ResolutionRank(""))
}
