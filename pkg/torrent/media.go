// Package torrent holds the types that flow through the search pipeline:
// raw indexer results, parsed torrent items and the container that
// reconciles availability announcements from debrid services with
// per-episode file selection.
package torrent

const (
	TypeMovie  = "movie"
	TypeSeries = "series"
)

// Privacy of the tracker a result came from.
const (
	PrivacyPublic  = "public"
	PrivacyPrivate = "private"
)

// Media identifies what the user wants to watch. For series both Season
// and Episode are 1-based.
type Media struct {
	// ID is the IMDb ID, like "tt1254207".
	ID   string
	Type string
	// Titles holds the primary title first, followed by alternative and
	// original titles. Used for indexer queries and cache keys.
	Titles []string
	// Year is the release year, or a range like "2009-2013" for series.
	Year      string
	Season    int
	Episode   int
	Languages []string
}

func (m Media) IsSeries() bool {
	return m.Type == TypeSeries
}

// EpisodeTag returns the canonical "S01E03" form, or "" for movies.
func (m Media) EpisodeTag() string {
	if !m.IsSeries() {
		return ""
	}
	return EpisodeTag(m.Season, m.Episode)
}

// Title returns the primary title, or "" when no title is known.
func (m Media) Title() string {
	if len(m.Titles) == 0 {
		return ""
	}
	return m.Titles[0]
}
