package torrent

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var (
	infoHashRegex   = regexp.MustCompile(`\bbtih:([a-fA-F0-9]{40})`)
	validHashRegex  = regexp.MustCompile(`^[a-f0-9]{40}$`)
	videoExtensions = map[string]bool{
		".mkv":  true,
		".mp4":  true,
		".avi":  true,
		".mov":  true,
		".wmv":  true,
		".flv":  true,
		".webm": true,
	}
)

// ValidInfoHash reports whether h is a 40-char lowercase hex info-hash.
func ValidInfoHash(h string) bool {
	return validHashRegex.MatchString(h)
}

// InfoHashFromMagnet extracts the lowercase info-hash from a magnet URI,
// or returns "" when none is found.
func InfoHashFromMagnet(magnet string) string {
	m := infoHashRegex.FindStringSubmatch(magnet)
	if m == nil {
		return ""
	}
	return strings.ToLower(m[1])
}

// BuildMagnet creates a minimal magnet URI for the given info-hash.
func BuildMagnet(infoHash, displayName string) string {
	magnet := "magnet:?xt=urn:btih:" + strings.ToLower(infoHash)
	if displayName != "" {
		magnet += "&dn=" + url.QueryEscape(displayName)
	}
	return magnet
}

// IsVideoFile reports whether the filename has a recognized video
// extension.
func IsVideoFile(name string) bool {
	i := strings.LastIndex(name, ".")
	if i == -1 {
		return false
	}
	return videoExtensions[strings.ToLower(name[i:])]
}

// LargestVideoFile returns the largest file with a video extension, or,
// when none has one, the largest file overall. ok is false for an empty
// list.
func LargestVideoFile(files []FileEntry) (FileEntry, bool) {
	var best FileEntry
	found := false
	for _, f := range files {
		if IsVideoFile(f.FileName) && (!found || f.SizeBytes > best.SizeBytes) {
			best = f
			found = true
		}
	}
	if found {
		return best, true
	}
	for _, f := range files {
		if !found || f.SizeBytes > best.SizeBytes {
			best = f
			found = true
		}
	}
	if !found {
		return FileEntry{}, false
	}
	return best, true
}

// EpisodeTag formats season and episode the scene way, like "S01E03".
func EpisodeTag(season, episode int) string {
	return fmt.Sprintf("S%02dE%02d", season, episode)
}
