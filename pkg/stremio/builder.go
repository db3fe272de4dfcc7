package stremio

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/doingodswork/vortex-stremio/pkg/debrid"
	"github.com/doingodswork/vortex-stremio/pkg/torrent"
)

// Markers a stream name starts with. Clients show them verbatim, so they
// double as the sort key that puts instantly playable streams first and
// plain torrents last.
const (
	markerInstant  = "⚡"
	markerDownload = "⬇️"
	markerTorrent  = "🏴‍☠️"
)

// BuildOptions carries the parts of the user's configuration that shape the
// descriptor list.
type BuildOptions struct {
	// AddonHost is the scheme+host the playback URLs point back to.
	AddonHost string
	// ConfigB64 is the user's config exactly as it appeared in the request
	// path. It goes back into every playback URL unchanged.
	ConfigB64 string
	// MaxResults caps the number of torrents turned into descriptors.
	// 0 means no cap.
	MaxResults int
	// Torrenting adds a plain torrent descriptor for public results, for
	// clients that can download themselves.
	Torrenting bool
}

// BuildStreams turns ranked torrent items into the stream descriptors served
// to the client. Items sharing an (info hash, file index) pair are emitted
// only once.
func BuildStreams(items []torrent.Item, media torrent.Media, opts BuildOptions, logger *zap.Logger) []StreamItem {
	maxResults := len(items)
	if opts.MaxResults > 0 && opts.MaxResults < maxResults {
		maxResults = opts.MaxResults
	}

	type fileKey struct {
		hash  string
		index int
	}
	seen := make(map[fileKey]bool, maxResults)
	streams := make([]StreamItem, 0, maxResults)

	for _, item := range items[:maxResults] {
		key := fileKey{hash: item.InfoHash, index: item.FileIndex}
		if seen[key] {
			continue
		}
		seen[key] = true

		stream, err := buildStream(item, media, opts)
		if err != nil {
			logger.Error("Couldn't build stream descriptor", zap.Error(err), zap.String("infoHash", item.InfoHash))
			continue
		}
		streams = append(streams, stream)

		if opts.Torrenting && item.Privacy == torrent.PrivacyPublic {
			streams = append(streams, torrentStream(item, media))
		}
	}

	sortStreams(streams)
	return streams
}

func buildStream(item torrent.Item, media torrent.Media, opts BuildOptions) (StreamItem, error) {
	qb64, err := EncodeQuery(streamQuery(item, media))
	if err != nil {
		return StreamItem{}, err
	}

	url := opts.AddonHost + "/playback/"
	if item.IsAggregated() {
		// Aggregator streams resolve on a dedicated route that carries the
		// underlying store's code.
		url += "stremthru/" + item.StoreCode() + "/" + opts.ConfigB64 + "/" + qb64
	} else {
		url += opts.ConfigB64 + "/" + qb64
	}

	return StreamItem{
		Name:        displayName(item),
		Description: description(item, media),
		URL:         url,
		BehaviorHints: StreamBehaviorHints{
			BingeGroup: "stream-" + item.InfoHash,
			Filename:   displayFilename(item),
		},
	}, nil
}

// torrentStream is the descriptor torrent-capable clients download
// themselves. It's emitted in addition to the debrid descriptor.
func torrentStream(item torrent.Item, media torrent.Media) StreamItem {
	name := markerTorrent
	if item.Parsed.Quality != "" {
		name += "\n(" + item.Parsed.Quality + ")"
	}
	stream := StreamItem{
		Name:        name,
		Description: description(item, media),
		InfoHash:    item.InfoHash,
		BehaviorHints: StreamBehaviorHints{
			BingeGroup: "stream-" + item.InfoHash,
			Filename:   displayFilename(item),
		},
	}
	if item.FileIndex > 0 {
		stream.FileIndex = item.FileIndex
	}
	return stream
}

// streamQuery assembles what the playback resolver needs to produce a
// stream URL for this item later.
func streamQuery(item torrent.Item, media torrent.Media) debrid.StreamQuery {
	service := item.Availability
	if service == "" {
		service = debrid.ServiceDownload
	}
	privacy := item.Privacy
	if privacy == "" {
		privacy = torrent.PrivacyPrivate
	}
	return debrid.StreamQuery{
		Magnet:          item.Magnet,
		InfoHash:        item.InfoHash,
		ImdbID:          media.ID,
		Type:            item.Type,
		Season:          media.Season,
		Episode:         media.Episode,
		FileIndex:       item.FileIndex,
		TorrentDownload: item.TorrentURL,
		Service:         service,
		Privacy:         privacy,
		Cached:          item.Cached,
		AlwaysShow:      item.AlwaysShow,
	}
}

// EncodeQuery serializes a playback query into a single URL path segment:
// standard base64 with the padding escaped.
func EncodeQuery(query debrid.StreamQuery) (string, error) {
	queryJSON, err := json.Marshal(query)
	if err != nil {
		return "", fmt.Errorf("Couldn't marshal stream query: %v", err)
	}
	return strings.ReplaceAll(base64.StdEncoding.EncodeToString(queryJSON), "=", "%3D"), nil
}

// DecodeQuery parses a playback URL path segment produced by EncodeQuery.
// The padding may arrive escaped or already unescaped, depending on what
// decoded the path before us.
func DecodeQuery(segment string) (debrid.StreamQuery, error) {
	queryJSON, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(segment, "%3D", "="))
	if err != nil {
		return debrid.StreamQuery{}, fmt.Errorf("Couldn't decode stream query: %v", err)
	}
	var query debrid.StreamQuery
	if err := json.Unmarshal(queryJSON, &query); err != nil {
		return debrid.StreamQuery{}, fmt.Errorf("Couldn't unmarshal stream query: %v", err)
	}
	return query, nil
}

// DownloadMarked reports whether the stream's name carries the download
// marker, i.e. playing it would first wait for the service to fetch the
// torrent.
func DownloadMarked(stream StreamItem) bool {
	return strings.HasPrefix(stream.Name, markerDownload)
}

// UpgradeStream rewrites a download-marked stream into an instant one after
// a working marker proved the torrent is ready on the service with the given
// availability code. It reports false when the stream isn't download-marked
// or its playback query can't be rewritten.
func UpgradeStream(stream StreamItem, serviceCode string) (StreamItem, bool) {
	if !strings.HasPrefix(stream.Name, markerDownload) {
		return stream, false
	}
	slash := strings.LastIndexByte(stream.URL, '/')
	if slash < 0 {
		return stream, false
	}
	query, err := DecodeQuery(stream.URL[slash+1:])
	if err != nil {
		return stream, false
	}

	query.Cached = true
	if query.Service == debrid.ServiceDownload {
		query.Service = serviceCode
	}
	qb64, err := EncodeQuery(query)
	if err != nil {
		return stream, false
	}
	stream.URL = stream.URL[:slash+1] + qb64

	name := markerInstant + query.Service + "+"
	if newline := strings.IndexByte(stream.Name, '\n'); newline >= 0 {
		name += stream.Name[newline:]
	}
	stream.Name = name
	return stream, true
}

// displayName builds the stream name: the availability marker line plus a
// resolution line when the release title revealed one.
func displayName(item torrent.Item) string {
	var name string
	switch {
	case item.Availability == "":
		name = markerDownload + displayFilename(item)
	case item.IsAggregated():
		if item.Cached {
			name = markerInstant + item.Availability + "+"
		} else {
			name = markerDownload + item.Availability
		}
	case item.Availability == torrent.CodePremiumize:
		if item.PMCached != nil && *item.PMCached {
			name = markerInstant + "PM+"
		} else {
			name = markerDownload + "PM"
		}
	case item.Availability == torrent.CodeTorBox:
		if item.TBCached != nil && *item.TBCached {
			name = markerInstant + "TB+"
		} else {
			name = markerDownload + "TB"
		}
	default:
		name = markerInstant + item.Availability + "+"
	}

	if item.Parsed.Resolution != "" {
		name += "\n |_" + item.Parsed.Resolution + "_|"
	}
	return name
}

// description builds the multi-line stream description: release title,
// selected file for series, language flags and release group, then seeder,
// size and indexer counts, then the technical tags.
func description(item torrent.Item, media torrent.Media) string {
	var b strings.Builder
	b.WriteString(item.RawTitle)
	b.WriteByte('\n')

	if media.IsSeries() && item.FileName != "" {
		b.WriteString(item.FileName)
		b.WriteByte('\n')
	}

	if len(item.Languages) > 0 {
		flags := make([]string, 0, len(item.Languages))
		for _, lang := range item.Languages {
			flags = append(flags, languageFlag(lang))
		}
		b.WriteString(strings.Join(flags, "/"))
	} else {
		b.WriteString("🌐")
	}
	if item.Parsed.Group != "" {
		b.WriteString("  ☠️ " + item.Parsed.Group)
	}
	b.WriteByte('\n')

	sizeGB := float64(item.SizeBytes) / 1024 / 1024 / 1024
	fmt.Fprintf(&b, "👥 %d   💾 %.2fGB   🔍 %s\n", item.Seeders, sizeGB, item.Indexer)

	var techLine bool
	if item.Parsed.Codec != "" {
		fmt.Fprintf(&b, "🎥 %s ", item.Parsed.Codec)
		techLine = true
	}
	if item.Parsed.Quality != "" {
		fmt.Fprintf(&b, "📺 %s ", item.Parsed.Quality)
		techLine = true
	}
	if len(item.Parsed.Audio) > 0 {
		fmt.Fprintf(&b, "🎧 %s", strings.Join(item.Parsed.Audio, " "))
		techLine = true
	}
	if techLine {
		b.WriteByte('\n')
	}
	return b.String()
}

func displayFilename(item torrent.Item) string {
	if item.FileName != "" {
		return item.FileName
	}
	return item.RawTitle
}

// sortStreams orders instantly playable streams first and plain torrent
// descriptors last, keeping the ranker's order within each band.
func sortStreams(streams []StreamItem) {
	sort.SliceStable(streams, func(i, j int) bool {
		return streamBand(streams[i]) < streamBand(streams[j])
	})
}

func streamBand(stream StreamItem) int {
	switch {
	case strings.HasPrefix(stream.Name, markerTorrent):
		return 2
	case strings.HasPrefix(stream.Name, markerInstant):
		return 0
	}
	return 1
}

var languageFlags = map[string]string{
	"fr":    "🇫🇷 FRENCH",
	"en":    "🇬🇧 ENGLISH",
	"es":    "🇪🇸 SPANISH",
	"de":    "🇩🇪 GERMAN",
	"it":    "🇮🇹 ITALIAN",
	"pt":    "🇵🇹 PORTUGUESE",
	"ru":    "🇷🇺 RUSSIAN",
	"in":    "🇮🇳 INDIAN",
	"nl":    "🇳🇱 DUTCH",
	"hu":    "🇭🇺 HUNGARIAN",
	"la":    "🇲🇽 LATINO",
	"multi": "🌍 MULTi",
}

// languageFlag renders one language as the flag+tag fragment of the
// description's language line. Indexers report ISO-ish codes, release
// titles scene tags; both are accepted.
func languageFlag(lang string) string {
	if flag, ok := languageFlags[strings.ToLower(lang)]; ok {
		return flag
	}
	switch tag := strings.ToUpper(lang); tag {
	case "VFF", "VOF", "VFI", "VF2", "VFQ", "VQ", "FRENCH", "VOSTFR":
		return "🇫🇷 " + tag
	case "ENGLISH", "VOST":
		return "🇬🇧 " + tag
	}
	return "🇬🇧"
}
