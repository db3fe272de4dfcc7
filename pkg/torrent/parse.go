package torrent

import (
	"regexp"
	"sort"
	"strings"

	"github.com/cehbz/torrentname"
)

// ParsedMeta is what can be derived from a release title alone. Derived
// deterministically, no I/O.
type ParsedMeta struct {
	Title      string   `json:"title,omitempty"`
	Resolution string   `json:"resolution,omitempty"`
	Quality    string   `json:"quality,omitempty"`
	Codec      string   `json:"codec,omitempty"`
	Audio      []string `json:"audio,omitempty"`
	Group      string   `json:"group,omitempty"`
	Seasons    []int    `json:"seasons,omitempty"`
	Episodes   []int    `json:"episodes,omitempty"`
	Languages  []string `json:"languages,omitempty"`
	Complete   bool     `json:"complete,omitempty"`
	Confidence float64  `json:"confidence,omitempty"`
}

var (
	// Scene language tags, most specific first. "VF" alone is ambiguous
	// and deliberately not matched, it would swallow VFF/VFQ/VF2.
	languageTagRegex  = regexp.MustCompile(`(?i)\b(VFF|VOF|VFI|VF2|VFQ|VOSTFR|VQ|FRENCH|TRUEFRENCH|MULTI|VOST|ENGLISH|ENG)\b`)
	audioTagRegex     = regexp.MustCompile(`(?i)\b(AAC|AC3|EAC3|DDP?5[. ]1|DTS(?:-?HD)?|TRUEHD|ATMOS|OPUS|FLAC)\b`)
	releaseGroupRegex = regexp.MustCompile(`-([A-Za-z0-9]+)$`)
)

// ParseTitle extracts resolution, quality, codec, season/episode numbers,
// language and audio tags from a release title.
func ParseTitle(title string) ParsedMeta {
	meta := ParsedMeta{
		Languages: DetectLanguages(title),
		Audio:     detectAudio(title),
	}
	if m := releaseGroupRegex.FindStringSubmatch(strings.TrimSpace(title)); m != nil {
		meta.Group = m[1]
	}

	info := torrentname.Parse(title)
	if info == nil {
		return meta
	}
	meta.Title = info.Title
	meta.Resolution = info.Resolution
	meta.Quality = info.Source
	meta.Codec = info.Codec
	meta.Complete = info.IsComplete
	meta.Confidence = float64(info.Confidence)
	if info.Season > 0 {
		meta.Seasons = []int{info.Season}
	}
	if info.Episode > 0 {
		meta.Episodes = []int{info.Episode}
	}
	return meta
}

// DetectLanguages returns the scene language tags found in a release
// title, uppercased and deduplicated, in title order.
func DetectLanguages(title string) []string {
	var langs []string
	seen := map[string]bool{}
	for _, m := range languageTagRegex.FindAllString(title, -1) {
		tag := strings.ToUpper(m)
		// TRUEFRENCH is the older name for VFF.
		if tag == "TRUEFRENCH" {
			tag = "VFF"
		}
		if tag == "ENG" {
			tag = "ENGLISH"
		}
		if !seen[tag] {
			seen[tag] = true
			langs = append(langs, tag)
		}
	}
	return langs
}

func detectAudio(title string) []string {
	var audio []string
	seen := map[string]bool{}
	for _, m := range audioTagRegex.FindAllString(title, -1) {
		tag := strings.ToUpper(strings.ReplaceAll(m, " ", "."))
		if !seen[tag] {
			seen[tag] = true
			audio = append(audio, tag)
		}
	}
	sort.Strings(audio)
	return audio
}
