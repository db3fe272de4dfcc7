package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/doingodswork/vortex-stremio/pkg/torrent"
)

type PublicCacheOptions struct {
	BaseURL string
	Timeout time.Duration
}

var DefaultPublicCacheOpts = PublicCacheOptions{
	Timeout: 10 * time.Second,
}

var _ Searcher = (*PublicCache)(nil)

// PublicCache reads a community-shared result cache: other instances of the
// addon publish what their searches found, so popular media often needs no
// live indexer queries at all. It runs first in the chain.
type PublicCache struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewPublicCache(opts PublicCacheOptions, logger *zap.Logger) (*PublicCache, error) {
	// Precondition check
	if opts.BaseURL == "" {
		return nil, errors.New("opts.BaseURL must not be empty")
	}
	return &PublicCache{
		baseURL:    strings.TrimSuffix(opts.BaseURL, "/"),
		httpClient: &http.Client{Timeout: opts.Timeout},
		logger:     logger,
	}, nil
}

func (p *PublicCache) Name() string {
	return "cache"
}

func (p *PublicCache) Priority() int {
	return 1
}

func (p *PublicCache) Search(ctx context.Context, media torrent.Media) ([]torrent.RawResult, error) {
	reqURL := p.baseURL + "/getResult/" + media.Type + "/" + cacheMediaID(media)
	resBytes, err := fetch(ctx, p.httpClient, reqURL, http.Header{"Accept": []string{"application/json"}})
	if err != nil {
		return nil, fmt.Errorf("Couldn't fetch shared cache results: %w", err)
	}
	if !gjson.ValidBytes(resBytes) {
		p.logger.Warn("Got invalid JSON from the shared cache", zap.String("indexer", "cache"))
		return nil, nil
	}

	// Entries were serialized by other instances with varying versions, so
	// every field is probed under its known aliases.
	var results []torrent.RawResult
	for _, res := range gjson.ParseBytes(resBytes).Array() {
		title := firstString(res, "raw_title", "title", "name")
		infoHash := strings.ToLower(firstString(res, "info_hash", "infoHash", "hash"))
		if title == "" || infoHash == "" {
			continue
		}
		var languages []string
		for _, lang := range res.Get("languages").Array() {
			languages = append(languages, lang.String())
		}
		if len(languages) == 0 {
			if lang := res.Get("language").String(); lang != "" {
				languages = []string{lang}
			}
		}
		indexerName := firstString(res, "indexer", "from")
		if indexerName == "" {
			indexerName = "cache"
		}
		privacy := res.Get("privacy").String()
		if privacy != torrent.PrivacyPrivate {
			privacy = torrent.PrivacyPublic
		}
		results = append(results, torrent.RawResult{
			Title:     title,
			InfoHash:  infoHash,
			SizeBytes: res.Get("size").Int(),
			Magnet:    res.Get("magnet").String(),
			Seeders:   int(res.Get("seeders").Int()),
			Languages: languages,
			Indexer:   indexerName,
			Privacy:   privacy,
		})
	}
	return results, nil
}

// Push publishes search results back to the shared cache so that other
// instances can skip their live indexers for this media. Only public torrents
// are shared. Callers typically run this in the background and use the error
// for logging only.
func (p *PublicCache) Push(ctx context.Context, media torrent.Media, items []torrent.Item) error {
	type entry struct {
		RawTitle  string   `json:"raw_title"`
		InfoHash  string   `json:"info_hash"`
		SizeBytes int64    `json:"size"`
		Magnet    string   `json:"magnet,omitempty"`
		Seeders   int      `json:"seeders,omitempty"`
		Languages []string `json:"languages,omitempty"`
		Indexer   string   `json:"indexer,omitempty"`
		Privacy   string   `json:"privacy"`
	}
	entries := make([]entry, 0, len(items))
	for _, item := range items {
		if item.Privacy != torrent.PrivacyPublic || !torrent.ValidInfoHash(item.InfoHash) {
			continue
		}
		entries = append(entries, entry{
			RawTitle:  item.RawTitle,
			InfoHash:  item.InfoHash,
			SizeBytes: item.SizeBytes,
			Magnet:    item.Magnet,
			Seeders:   item.Seeders,
			Languages: item.Languages,
			Indexer:   item.Indexer,
			Privacy:   item.Privacy,
		})
	}
	if len(entries) == 0 {
		return nil
	}

	body, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("Couldn't marshal shared cache entries: %v", err)
	}
	reqURL := p.baseURL + "/pushResult/" + media.Type + "/" + cacheMediaID(media)
	if _, err := post(ctx, p.httpClient, reqURL, "application/json", string(body)); err != nil {
		return fmt.Errorf("Couldn't push results to the shared cache: %w", err)
	}
	p.logger.Debug("Pushed results to the shared cache",
		zap.Int("count", len(entries)),
		zap.String("mediaID", media.ID))
	return nil
}

// cacheMediaID is the media's key path segment in the shared cache. Series
// keys carry season and episode the same way Stremio encodes them in stream
// request IDs.
func cacheMediaID(media torrent.Media) string {
	if media.IsSeries() {
		return fmt.Sprintf("%s:%d:%d", media.ID, media.Season, media.Episode)
	}
	return media.ID
}

func firstString(res gjson.Result, keys ...string) string {
	for _, key := range keys {
		if val := res.Get(key).String(); val != "" {
			return val
		}
	}
	return ""
}
