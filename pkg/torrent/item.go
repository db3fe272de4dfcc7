package torrent

import "strings"

// Availability codes of the supported debrid services. Aggregated stores
// are prefixed, like "ST:AD".
const (
	CodeRealDebrid = "RD"
	CodeAllDebrid  = "AD"
	CodePremiumize = "PM"
	CodeTorBox     = "TB"
	CodeDebridLink = "DL"
	CodeEasyDebrid = "ED"
	CodeOffcloud   = "OC"
	CodePikPak     = "PK"

	// AggregatorPrefix marks codes produced by the aggregating client.
	AggregatorPrefix = "ST:"
)

// FileEntry describes one file inside a torrent. Used both for the full
// file listing a debrid service announces and for the per-episode
// selection the container performs.
type FileEntry struct {
	FileIndex int    `json:"fileIndex"`
	FileName  string `json:"fileName"`
	SizeBytes int64  `json:"size"`
	Seasons   []int  `json:"seasons,omitempty"`
	Episodes  []int  `json:"episodes,omitempty"`
}

// Availability is the per-hash answer of a debrid service to a bulk
// availability check.
type Availability struct {
	InfoHash string
	// Cached means the service can serve the content instantly.
	Cached bool
	Files  []FileEntry
	// Store is the underlying store name when the answer came through an
	// aggregator.
	Store string
}

// Item is the unit the container holds: one torrent, its parsed metadata,
// the selected file (if any) and the merged availability state. Items
// round-trip through the result cache as JSON, so every stateful field
// carries a tag.
type Item struct {
	InfoHash   string     `json:"infoHash"`
	RawTitle   string     `json:"rawTitle"`
	SizeBytes  int64      `json:"size"`
	Magnet     string     `json:"magnet,omitempty"`
	TorrentURL string     `json:"torrentURL,omitempty"`
	Indexer    string     `json:"indexer,omitempty"`
	Privacy    string     `json:"privacy,omitempty"`
	Seeders    int        `json:"seeders,omitempty"`
	Languages  []string   `json:"languages,omitempty"`
	Type       string     `json:"type"`
	Parsed     ParsedMeta `json:"parsed"`

	// FileIndex is -1 until a file has been selected.
	FileIndex     int         `json:"fileIndex"`
	FileName      string      `json:"fileName,omitempty"`
	FileSizeBytes int64       `json:"fileSize,omitempty"`
	FullIndex     []FileEntry `json:"fullIndex,omitempty"`

	// Availability is "", a 2-letter code or an "ST:XX" aggregator code.
	Availability string `json:"availability,omitempty"`
	Cached       bool   `json:"cached"`
	AlwaysShow   bool   `json:"alwaysShow"`
	// PMCached and TBCached stay nil until the respective service
	// answered. For both, presence and being cached are distinct.
	PMCached *bool `json:"pmCached,omitempty"`
	TBCached *bool `json:"tbCached,omitempty"`
}

// FromRaw converts an indexer result into an Item, parsing the release
// title and normalizing hash and magnet so that each one can be derived
// from the other.
func FromRaw(raw RawResult, mediaType string) Item {
	parsed := ParseTitle(raw.Title)
	if len(raw.Seasons) > 0 {
		parsed.Seasons = raw.Seasons
	}
	if len(raw.Episodes) > 0 {
		parsed.Episodes = raw.Episodes
	}

	langs := raw.Languages
	for _, l := range parsed.Languages {
		if !containsString(langs, l) {
			langs = append(langs, l)
		}
	}

	item := Item{
		InfoHash:   strings.ToLower(raw.InfoHash),
		RawTitle:   raw.Title,
		SizeBytes:  raw.SizeBytes,
		Magnet:     raw.Magnet,
		TorrentURL: raw.TorrentURL,
		Indexer:    raw.Indexer,
		Privacy:    raw.Privacy,
		Seeders:    raw.Seeders,
		Languages:  langs,
		Type:       mediaType,
		Parsed:     parsed,
		FileIndex:  -1,
		Cached:     true,
		AlwaysShow: true,
	}
	if item.InfoHash == "" && item.Magnet != "" {
		item.InfoHash = InfoHashFromMagnet(item.Magnet)
	}
	if item.Magnet == "" && ValidInfoHash(item.InfoHash) {
		item.Magnet = BuildMagnet(item.InfoHash, raw.Title)
	}
	return item
}

// IsAggregated reports whether the item's availability came through the
// aggregating client.
func (i *Item) IsAggregated() bool {
	return strings.HasPrefix(i.Availability, AggregatorPrefix)
}

// StoreCode returns the 2-letter code of the store serving this item,
// stripping the aggregator prefix, or "" when no service announced it.
func (i *Item) StoreCode() string {
	return strings.TrimPrefix(i.Availability, AggregatorPrefix)
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
