package indexer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/sourcegraph/conc/pool"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/doingodswork/vortex-stremio/pkg/torrent"
)

// imdbResultFloor is the DMM result count above which title searches are
// skipped, because the IMDb ID search alone was specific enough.
const imdbResultFloor = 10

// zileanCacheMaxEntries bounds the in-process query cache.
const zileanCacheMaxEntries = 100

type ZileanOptions struct {
	BaseURL string
	Timeout time.Duration
	// CacheTTL is how long identical queries are answered from the
	// in-process cache instead of hitting the API.
	CacheTTL time.Duration
}

var DefaultZileanOpts = ZileanOptions{
	Timeout:  20 * time.Second,
	CacheTTL: 15 * time.Minute,
}

var _ Searcher = (*Zilean)(nil)

// Zilean searches a Zilean instance, which indexes the Debrid Media Manager
// hash lists. Results come pre-parsed (seasons, episodes, languages) but
// carry no seeder counts.
type Zilean struct {
	baseURL    string
	httpClient *http.Client
	queryCache *gocache.Cache
	logger     *zap.Logger
}

func NewZilean(opts ZileanOptions, logger *zap.Logger) (*Zilean, error) {
	// Precondition check
	if opts.BaseURL == "" {
		return nil, errors.New("opts.BaseURL must not be empty")
	}
	cacheTTL := opts.CacheTTL
	if cacheTTL == 0 {
		cacheTTL = DefaultZileanOpts.CacheTTL
	}
	return &Zilean{
		baseURL:    strings.TrimSuffix(opts.BaseURL, "/"),
		httpClient: &http.Client{Timeout: opts.Timeout},
		queryCache: gocache.New(cacheTTL, 2*cacheTTL),
		logger:     logger,
	}, nil
}

func (z *Zilean) Name() string {
	return "zilean"
}

func (z *Zilean) Priority() int {
	return 2
}

func (z *Zilean) Search(ctx context.Context, media torrent.Media) ([]torrent.RawResult, error) {
	// The IMDb ID search is the most precise one, so it runs first and
	// title searches only top it up when it came back thin.
	results, err := z.filtered(ctx, url.Values{"ImdbId": []string{media.ID}})
	if err != nil {
		z.logger.Warn("Couldn't search Zilean by IMDb ID", zap.Error(err), zap.String("imdbID", media.ID))
	}
	if len(results) >= imdbResultFloor {
		return dedupeZilean(results), nil
	}

	var mu sync.Mutex
	p := pool.New().WithContext(ctx).WithMaxGoroutines(3)
	for _, title := range uniqueTitles(media.Titles, 3) {
		title := title
		p.Go(func(ctx context.Context) error {
			var titleResults []torrent.RawResult
			var err error
			if media.IsSeries() {
				params := url.Values{"Query": []string{title}}
				if media.Season > 0 {
					params.Set("Season", strconv.Itoa(media.Season))
				}
				if media.Episode > 0 {
					params.Set("Episode", strconv.Itoa(media.Episode))
				}
				titleResults, err = z.filtered(ctx, params)
			} else {
				titleResults, err = z.search(ctx, title)
			}
			if err != nil {
				return fmt.Errorf("Couldn't search Zilean for %q: %w", title, err)
			}
			mu.Lock()
			results = append(results, titleResults...)
			mu.Unlock()
			return nil
		})
	}
	err = p.Wait()
	if len(results) == 0 && err != nil {
		return nil, err
	}
	return dedupeZilean(results), nil
}

// filtered calls GET /dmm/filtered, answering identical queries from the
// in-process cache for a while.
func (z *Zilean) filtered(ctx context.Context, params url.Values) ([]torrent.RawResult, error) {
	cacheKey := "/dmm/filtered?" + params.Encode()
	if cached, found := z.queryCache.Get(cacheKey); found {
		return cached.([]torrent.RawResult), nil
	}

	resBytes, err := fetch(ctx, z.httpClient, z.baseURL+"/dmm/filtered?"+params.Encode(), http.Header{"Accept": []string{"application/json"}})
	if err != nil {
		return nil, err
	}
	results, err := z.parseResults(resBytes)
	if err != nil {
		return nil, err
	}

	// The cache is tiny and short-lived; when it fills up, a wholesale
	// flush is simpler than tracking insertion order.
	if z.queryCache.ItemCount() >= zileanCacheMaxEntries {
		z.queryCache.DeleteExpired()
		if z.queryCache.ItemCount() >= zileanCacheMaxEntries {
			z.queryCache.Flush()
		}
	}
	z.queryCache.SetDefault(cacheKey, results)
	return results, nil
}

// search calls POST /dmm/search. Free-text searches are not cached.
func (z *Zilean) search(ctx context.Context, queryText string) ([]torrent.RawResult, error) {
	reqBody := fmt.Sprintf(`{"queryText":%s}`, strconv.Quote(queryText))
	resBytes, err := post(ctx, z.httpClient, z.baseURL+"/dmm/search", "application/json", reqBody)
	if err != nil {
		return nil, err
	}
	return z.parseResults(resBytes)
}

func (z *Zilean) parseResults(resBytes []byte) ([]torrent.RawResult, error) {
	if !gjson.ValidBytes(resBytes) {
		z.logger.Warn("Got invalid JSON from Zilean")
		return nil, nil
	}
	var results []torrent.RawResult
	for _, res := range gjson.ParseBytes(resBytes).Array() {
		var languages []string
		for _, lang := range res.Get("languages").Array() {
			languages = append(languages, lang.String())
		}
		results = append(results, torrent.RawResult{
			Title:     res.Get("raw_title").String(),
			InfoHash:  strings.ToLower(res.Get("info_hash").String()),
			SizeBytes: res.Get("size").Int(),
			Languages: languages,
			Indexer:   "zilean",
			Privacy:   torrent.PrivacyPublic,
			Seasons:   intsFrom(res.Get("seasons")),
			Episodes:  intsFrom(res.Get("episodes")),
		})
	}
	return results, nil
}

// dedupeZilean drops entries that repeat title, hash and size, which the
// DMM data contains plenty of.
func dedupeZilean(results []torrent.RawResult) []torrent.RawResult {
	seen := map[string]struct{}{}
	deduped := make([]torrent.RawResult, 0, len(results))
	for _, result := range results {
		key := result.Title + "|" + result.InfoHash + "|" + strconv.FormatInt(result.SizeBytes, 10)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		deduped = append(deduped, result)
	}
	return deduped
}

func intsFrom(res gjson.Result) []int {
	var ints []int
	for _, val := range res.Array() {
		ints = append(ints, int(val.Int()))
	}
	return ints
}
