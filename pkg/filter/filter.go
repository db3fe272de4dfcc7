// Package filter ranks and trims torrent items before they're turned
// into stream descriptors. All sorts are stable so earlier orderings
// survive as tie-breakers of later ones.
package filter

import (
	"sort"
	"strings"

	"github.com/doingodswork/vortex-stremio/pkg/torrent"
)

// Sort modes. Size-based modes disable the per-resolution result cap.
const (
	SortQuality         = "quality"
	SortQualityThenSize = "qualitythensize"
	SortSizeDesc        = "sizedesc"
	SortSizeAsc         = "sizeasc"
	SortSeeders         = "seeders"
)

// languageGroupOther ranks items without any recognized language tag
// behind everything else.
const languageGroupOther = 999

// Options controls how results are ranked and trimmed.
type Options struct {
	Sort              string
	MaxResults        int
	ResultsPerQuality int
}

// Apply runs the full chain: language priority, per-resolution caps,
// the configured sort, then the overall result cap.
func Apply(items []torrent.Item, opts Options) []torrent.Item {
	out := append([]torrent.Item(nil), items...)
	SortByLanguage(out)
	out = CapPerResolution(out, opts.ResultsPerQuality, opts.Sort)
	SortItems(out, opts.Sort)
	if opts.MaxResults > 0 && len(out) > opts.MaxResults {
		out = out[:opts.MaxResults]
	}
	return out
}

// LanguageGroup buckets an item by its language tags: 1 for the French
// theatrical dubs (VFF, VOF, VFI), 2 for secondary dubs (VF2, VFQ), 3
// for subtitled (VOSTFR), 4 for generic French tags (VQ, FRENCH), 999
// otherwise. Lower is better.
func LanguageGroup(item torrent.Item) int {
	group := languageGroupOther
	for _, lang := range item.Languages {
		var g int
		switch strings.ToUpper(lang) {
		case "VFF", "VOF", "VFI":
			g = 1
		case "VF2", "VFQ":
			g = 2
		case "VOSTFR":
			g = 3
		case "VQ", "FRENCH":
			g = 4
		default:
			continue
		}
		if g < group {
			group = g
		}
	}
	return group
}

// SortByLanguage stable-sorts items by language group.
func SortByLanguage(items []torrent.Item) {
	sort.SliceStable(items, func(i, j int) bool {
		return LanguageGroup(items[i]) < LanguageGroup(items[j])
	})
}

// CapPerResolution keeps at most max items per resolution, preserving
// order. Size-based sort modes pass everything through: when the user
// sorts by size they want the complete list.
func CapPerResolution(items []torrent.Item, max int, mode string) []torrent.Item {
	if max <= 0 || sizeBasedSort(mode) {
		return items
	}
	counts := map[string]int{}
	out := make([]torrent.Item, 0, len(items))
	for _, item := range items {
		res := item.Parsed.Resolution
		if res == "" {
			res = "?"
		}
		if counts[res] >= max {
			continue
		}
		counts[res]++
		out = append(out, item)
	}
	return out
}

// SortItems stable-sorts items according to the given mode. Unknown
// modes fall back to quality.
func SortItems(items []torrent.Item, mode string) {
	switch mode {
	case SortSizeDesc:
		sort.SliceStable(items, func(i, j int) bool {
			return items[i].SizeBytes > items[j].SizeBytes
		})
	case SortSizeAsc:
		sort.SliceStable(items, func(i, j int) bool {
			return items[i].SizeBytes < items[j].SizeBytes
		})
	case SortSeeders:
		sort.SliceStable(items, func(i, j int) bool {
			return items[i].Seeders > items[j].Seeders
		})
	case SortQualityThenSize:
		sort.SliceStable(items, func(i, j int) bool {
			ri, rj := ResolutionRank(items[i].Parsed.Resolution), ResolutionRank(items[j].Parsed.Resolution)
			if ri != rj {
				return ri > rj
			}
			return items[i].SizeBytes > items[j].SizeBytes
		})
	default:
		sort.SliceStable(items, func(i, j int) bool {
			return ResolutionRank(items[i].Parsed.Resolution) > ResolutionRank(items[j].Parsed.Resolution)
		})
	}
}

// ResolutionRank orders resolutions best-first. Higher is better.
func ResolutionRank(resolution string) int {
	res := strings.ToLower(resolution)
	switch {
	case strings.Contains(res, "2160") || strings.Contains(res, "4k"):
		return 4
	case strings.Contains(res, "1080"):
		return 3
	case strings.Contains(res, "720"):
		return 2
	case strings.Contains(res, "480") || strings.Contains(res, "576"):
		return 1
	default:
		return 0
	}
}

func sizeBasedSort(mode string) bool {
	return mode == SortSizeDesc || mode == SortSizeAsc || mode == SortQualityThenSize
}
