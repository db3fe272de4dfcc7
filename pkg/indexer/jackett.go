package indexer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/doingodswork/vortex-stremio/pkg/torrent"
)

type JackettOptions struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

var DefaultJackettOpts = JackettOptions{
	Timeout: 20 * time.Second,
}

var _ Searcher = (*Jackett)(nil)

// Jackett is the fallback meta-indexer: one API fronting whatever trackers
// the operator configured in their Jackett instance.
type Jackett struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewJackett(opts JackettOptions, logger *zap.Logger) (*Jackett, error) {
	// Precondition check
	if opts.BaseURL == "" {
		return nil, errors.New("opts.BaseURL must not be empty")
	}
	if opts.APIKey == "" {
		return nil, errors.New("opts.APIKey must not be empty")
	}
	return &Jackett{
		baseURL:    strings.TrimSuffix(opts.BaseURL, "/"),
		apiKey:     opts.APIKey,
		httpClient: &http.Client{Timeout: opts.Timeout},
		logger:     logger,
	}, nil
}

func (j *Jackett) Name() string {
	return "jackett"
}

func (j *Jackett) Priority() int {
	return 5
}

func (j *Jackett) Search(ctx context.Context, media torrent.Media) ([]torrent.RawResult, error) {
	queries := jackettQueries(media)

	var mu sync.Mutex
	var results []torrent.RawResult
	p := pool.New().WithContext(ctx).WithMaxGoroutines(4)
	for _, query := range queries {
		query := query
		p.Go(func(ctx context.Context) error {
			queryResults, err := j.search(ctx, query)
			if err != nil {
				return fmt.Errorf("Couldn't search Jackett for %q: %w", query, err)
			}
			mu.Lock()
			results = append(results, queryResults...)
			mu.Unlock()
			return nil
		})
	}
	err := p.Wait()
	// Partial failures are fine as long as one query variant delivered.
	if len(results) == 0 && err != nil {
		return nil, err
	}
	return results, nil
}

func (j *Jackett) search(ctx context.Context, query string) ([]torrent.RawResult, error) {
	reqURL := j.baseURL + "/api/v2.0/indexers/all/results?apikey=" + url.QueryEscape(j.apiKey) +
		"&Query=" + url.QueryEscape(query)
	resBytes, err := fetch(ctx, j.httpClient, reqURL, nil)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(resBytes) {
		j.logger.Warn("Got invalid JSON from Jackett", zap.String("query", query))
		return nil, nil
	}

	var results []torrent.RawResult
	for _, res := range gjson.GetBytes(resBytes, "Results").Array() {
		indexerName := res.Get("Tracker").String()
		if indexerName == "" {
			indexerName = "jackett"
		}
		results = append(results, torrent.RawResult{
			Title:      res.Get("Title").String(),
			InfoHash:   strings.ToLower(res.Get("InfoHash").String()),
			SizeBytes:  res.Get("Size").Int(),
			Magnet:     res.Get("MagnetUri").String(),
			TorrentURL: res.Get("Link").String(),
			Seeders:    int(res.Get("Seeders").Int()),
			Indexer:    indexerName,
			Privacy:    torrent.PrivacyPublic,
		})
	}
	return results, nil
}

// jackettQueries builds the query variants for one media: movies search as
// "title year", series fan out into an episode and a season-pack variant
// per title.
func jackettQueries(media torrent.Media) []string {
	titles := uniqueTitles(media.Titles, 2)
	var queries []string
	for _, title := range titles {
		if media.IsSeries() {
			queries = append(queries,
				fmt.Sprintf("%s %s", title, media.EpisodeTag()),
				fmt.Sprintf("%s S%02d", title, media.Season))
		} else {
			query := title
			if media.Year != "" {
				query += " " + media.Year
			}
			queries = append(queries, query)
		}
	}
	return queries
}
