package torrent

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var seasonMarkerRegex = regexp.MustCompile(`(?i)s(\d{1,2})e\d{1,4}`)

// MatchEpisodeFile selects the file holding the given episode from a
// torrent's file list. Non-video files are ignored. When several files
// match, the largest wins, so samples and previews lose against the real
// episode. Deterministic: the same input always selects the same file.
func MatchEpisodeFile(files []FileEntry, season, episode int) (FileEntry, bool) {
	var videos []FileEntry
	for _, f := range files {
		if IsVideoFile(f.FileName) {
			videos = append(videos, f)
		}
	}
	if len(videos) == 0 {
		return FileEntry{}, false
	}

	// Entries that carry parsed season/episode metadata are authoritative.
	var structured []FileEntry
	for _, f := range videos {
		if containsInt(f.Seasons, season) && containsInt(f.Episodes, episode) {
			structured = append(structured, f)
		}
	}
	if len(structured) > 0 {
		return largestEntry(structured), true
	}

	for _, re := range episodePatterns(season, episode, singleSeasonPack(videos)) {
		var matches []FileEntry
		for _, f := range videos {
			if re.MatchString(f.FileName) {
				matches = append(matches, f)
			}
		}
		if len(matches) > 0 {
			return largestEntry(matches), true
		}
	}

	// Season packs often name files too loosely for any pattern. Fall
	// back to the largest file of the wanted season, then to the largest
	// video overall.
	if len(videos) >= 6 {
		tag := fmt.Sprintf("s%02d", season)
		var sameSeason []FileEntry
		for _, f := range videos {
			if strings.Contains(strings.ToLower(f.FileName), tag) {
				sameSeason = append(sameSeason, f)
			}
		}
		if len(sameSeason) > 0 {
			return largestEntry(sameSeason), true
		}
		return largestEntry(videos), true
	}

	return FileEntry{}, false
}

// episodePatterns returns the filename patterns to try, most specific
// first. The bare "E03" form is only safe when all files belong to one
// season, and the concatenated "103" form only when the season has a
// single digit.
func episodePatterns(season, episode int, singleSeason bool) []*regexp.Regexp {
	var exprs []string
	exprs = append(exprs, fmt.Sprintf(`(?i)s%02de%02d(?:\D|$)`, season, episode))
	if season < 10 {
		exprs = append(exprs, fmt.Sprintf(`(?i)s%de%02d(?:\D|$)`, season, episode))
	}
	exprs = append(exprs, fmt.Sprintf(`(?i)(?:^|\D)%02dx%02d(?:\D|$)`, season, episode))
	if season < 10 {
		exprs = append(exprs, fmt.Sprintf(`(?i)(?:^|\D)%dx%02d(?:\D|$)`, season, episode))
	}
	if singleSeason {
		exprs = append(exprs, fmt.Sprintf(`(?i)(?:^|[^0-9a-z])e%02d(?:\D|$)`, episode))
	}
	exprs = append(exprs,
		fmt.Sprintf(`(?i)episode.?%02d(?:\D|$)`, episode),
		fmt.Sprintf(`\.%02d\.`, episode),
		fmt.Sprintf(`_%02d\.`, episode),
	)
	if season < 10 {
		exprs = append(exprs, fmt.Sprintf(`(?i)(?:^|\D)%d%02d(?:\D|$)`, season, episode))
	}

	patterns := make([]*regexp.Regexp, 0, len(exprs))
	for _, expr := range exprs {
		patterns = append(patterns, regexp.MustCompile(expr))
	}
	return patterns
}

// singleSeasonPack reports whether the files mention at most one distinct
// season. Files without any season marker don't disqualify the pack.
func singleSeasonPack(files []FileEntry) bool {
	seasons := map[int]bool{}
	for _, f := range files {
		for _, s := range f.Seasons {
			seasons[s] = true
		}
		if m := seasonMarkerRegex.FindStringSubmatch(f.FileName); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				seasons[n] = true
			}
		}
	}
	return len(seasons) <= 1
}

// largestEntry picks the biggest file. Ties keep the earliest entry so
// the choice is stable.
func largestEntry(files []FileEntry) FileEntry {
	best := files[0]
	for _, f := range files[1:] {
		if f.SizeBytes > best.SizeBytes {
			best = f
		}
	}
	return best
}

func containsInt(haystack []int, needle int) bool {
	for _, n := range haystack {
		if n == needle {
			return true
		}
	}
	return false
}
