package torrent

// RawResult is what an indexer returns before any parsing or availability
// checks. The JSON tags matter: raw result lists round-trip through the
// media cache, so both directions must agree.
type RawResult struct {
	Title     string `json:"title"`
	InfoHash  string `json:"infoHash"`
	SizeBytes int64  `json:"size"`
	// Magnet and TorrentURL are alternatives. Some indexers return one,
	// some the other, some both.
	Magnet     string   `json:"magnet,omitempty"`
	TorrentURL string   `json:"torrentURL,omitempty"`
	Seeders    int      `json:"seeders"`
	Languages  []string `json:"languages,omitempty"`
	Indexer    string   `json:"indexer"`
	Privacy    string   `json:"privacy"`
	// Seasons and Episodes are hints some indexers provide in addition to
	// what the title parser finds.
	Seasons  []int `json:"seasons,omitempty"`
	Episodes []int `json:"episodes,omitempty"`
}
