package indexer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/doingodswork/vortex-stremio/pkg/torrent"
)

type SharewoodOptions struct {
	BaseURL string
	// Passkey is the account's API passkey. It's part of the URL path, so
	// it must never end up in logs.
	Passkey string
	Timeout time.Duration
}

var DefaultSharewoodOpts = SharewoodOptions{
	Timeout: 20 * time.Second,
}

var _ Searcher = (*Sharewood)(nil)

// Sharewood queries the private tracker's REST API. The tracker enforces
// one request per second per passkey, so queries run sequentially.
type Sharewood struct {
	baseURL    string
	passkey    string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewSharewood(opts SharewoodOptions, logger *zap.Logger) (*Sharewood, error) {
	// Precondition check
	if opts.BaseURL == "" {
		return nil, errors.New("opts.BaseURL must not be empty")
	}
	if opts.Passkey == "" {
		return nil, errors.New("opts.Passkey must not be empty")
	}
	return &Sharewood{
		baseURL:    strings.TrimSuffix(opts.BaseURL, "/"),
		passkey:    opts.Passkey,
		httpClient: &http.Client{Timeout: opts.Timeout},
		logger:     logger,
	}, nil
}

func (s *Sharewood) Name() string {
	return "sharewood"
}

func (s *Sharewood) Priority() int {
	return 4
}

func (s *Sharewood) Search(ctx context.Context, media torrent.Media) ([]torrent.RawResult, error) {
	queries := sharewoodQueries(media)

	var results []torrent.RawResult
	var lastErr error
	for i, query := range queries {
		if i > 0 {
			// Tracker-side rate limit.
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return results, ctx.Err()
			}
		}
		queryResults, err := s.search(ctx, query)
		if err != nil {
			lastErr = fmt.Errorf("Couldn't search Sharewood for %q: %w", query, err)
			s.logger.Warn("Sharewood query failed", zap.Error(err), zap.String("indexer", "sharewood"))
			continue
		}
		results = append(results, queryResults...)
	}
	if len(results) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return results, nil
}

func (s *Sharewood) search(ctx context.Context, query string) ([]torrent.RawResult, error) {
	reqURL := s.baseURL + "/api/" + s.passkey + "/search?name=" + url.QueryEscape(query)
	resBytes, err := fetch(ctx, s.httpClient, reqURL, http.Header{"Accept": []string{"application/json"}})
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(resBytes) {
		s.logger.Warn("Got invalid JSON from Sharewood", zap.String("indexer", "sharewood"))
		return nil, nil
	}

	var results []torrent.RawResult
	for _, res := range gjson.ParseBytes(resBytes).Array() {
		infoHash := strings.ToLower(res.Get("info_hash").String())
		result := torrent.RawResult{
			Title:     res.Get("name").String(),
			InfoHash:  infoHash,
			SizeBytes: res.Get("size").Int(),
			Seeders:   int(res.Get("seeders").Int()),
			Indexer:   "sharewood",
			Privacy:   torrent.PrivacyPrivate,
		}
		// The .torrent download carries the passkey; debrid services that
		// accept torrent files use it, everything else falls back to the
		// magnet derived from the hash.
		if id := res.Get("id").String(); id != "" {
			result.TorrentURL = s.baseURL + "/api/" + s.passkey + "/download/" + id
		}
		if infoHash != "" {
			result.Magnet = torrent.BuildMagnet(infoHash, result.Title)
		}
		results = append(results, result)
	}
	return results, nil
}

func sharewoodQueries(media torrent.Media) []string {
	title := media.Title()
	if title == "" {
		return nil
	}
	if media.IsSeries() {
		return []string{
			fmt.Sprintf("%s %s", title, media.EpisodeTag()),
			fmt.Sprintf("%s S%02d", title, media.Season),
		}
	}
	return []string{title}
}
