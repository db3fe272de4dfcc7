package torrent

import (
	"strings"
	"sync"
)

// Container reconciles torrent items with the availability announcements
// of multiple debrid services. Updates for different services run
// concurrently during the search fan-out, so all methods are safe for
// concurrent use. Updates are idempotent per (service, hash): applying
// the same announcement twice leaves an item unchanged.
type Container struct {
	mu    sync.Mutex
	media Media
	items map[string]*Item
	// order keeps insertion order so iteration stays deterministic.
	order []string
}

// NewContainer creates an empty container for the given media.
func NewContainer(media Media) *Container {
	return &Container{
		media: media,
		items: map[string]*Item{},
	}
}

// Insert adds items, dropping those without a valid info-hash and those
// whose hash is already present. The first occurrence wins.
func (c *Container) Insert(items ...Item) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, item := range items {
		item.InfoHash = strings.ToLower(item.InfoHash)
		if !ValidInfoHash(item.InfoHash) {
			continue
		}
		if _, ok := c.items[item.InfoHash]; ok {
			continue
		}
		clone := item
		c.items[item.InfoHash] = &clone
		c.order = append(c.order, item.InfoHash)
	}
}

// Len returns the number of held items.
func (c *Container) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Hashes returns all info-hashes in insertion order.
func (c *Container) Hashes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.order...)
}

// UnresolvedHashes returns the hashes no service has announced yet.
func (c *Container) UnresolvedHashes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var hashes []string
	for _, h := range c.order {
		if c.items[h].Availability == "" {
			hashes = append(hashes, h)
		}
	}
	return hashes
}

// UpdateAvailability merges one service's announcements into the
// container. code is the service's availability code ("RD", "AD", "PM",
// "TB" or an aggregator "ST:XX"). Hashes the service did not announce
// are left untouched, which for TorBox doubles as "not available".
func (c *Container) UpdateAvailability(code string, announcements map[string]Availability) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for hash, ann := range announcements {
		item, ok := c.items[strings.ToLower(hash)]
		if !ok {
			continue
		}
		c.applyAnnouncement(item, code, ann)
	}
}

func (c *Container) applyAnnouncement(item *Item, code string, ann Availability) {
	item.Availability = code
	if len(ann.Files) > 0 {
		item.FullIndex = ann.Files
	}

	switch code {
	case CodePremiumize:
		cached := ann.Cached
		item.PMCached = &cached
		item.Cached = cached
	case CodeTorBox:
		cached := ann.Cached
		item.TBCached = &cached
		item.Cached = cached
	default:
		if strings.HasPrefix(code, AggregatorPrefix) {
			// Aggregated stores report cached explicitly. Uncached items
			// stay visible as "download required" entries.
			item.Cached = ann.Cached
			item.AlwaysShow = true
		} else {
			// RD and AD only announce hashes they can serve.
			item.Cached = true
		}
	}

	c.selectFile(item, ann.Files)
}

// selectFile picks the file to play from an announcement's file list:
// the matching episode for series, the largest video for movies. An
// already selected file is only replaced when the new list yields a
// match, so a richer announcement can refine but never clear a
// selection.
func (c *Container) selectFile(item *Item, files []FileEntry) {
	if len(files) == 0 {
		return
	}
	var (
		entry FileEntry
		ok    bool
	)
	if c.media.IsSeries() {
		entry, ok = MatchEpisodeFile(files, c.media.Season, c.media.Episode)
	} else {
		entry, ok = LargestVideoFile(files)
	}
	if !ok {
		return
	}
	item.FileIndex = entry.FileIndex
	item.FileName = entry.FileName
	item.FileSizeBytes = entry.SizeBytes
}

// BestMatching returns the items worth showing to the user: those with a
// torrent file and a known file index, those with a magnet and an
// identified file, and those flagged to always show. Series items that
// still lack a file selection get one last episode-matching pass over
// their full file index.
func (c *Container) BestMatching() []Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Item
	for _, h := range c.order {
		item := c.items[h]
		if c.media.IsSeries() && item.FileIndex < 0 && len(item.FullIndex) > 0 {
			if entry, ok := MatchEpisodeFile(item.FullIndex, c.media.Season, c.media.Episode); ok {
				item.FileIndex = entry.FileIndex
				item.FileName = entry.FileName
				item.FileSizeBytes = entry.SizeBytes
			}
		}

		switch {
		case item.TorrentURL != "" && item.FileIndex >= 0:
		case item.Magnet != "" && item.FileIndex >= 0:
		case item.AlwaysShow:
		default:
			continue
		}
		out = append(out, *item)
	}
	return out
}

// Items returns a snapshot of all items in insertion order.
func (c *Container) Items() []Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Item, 0, len(c.order))
	for _, h := range c.order {
		out = append(out, *c.items[h])
	}
	return out
}
