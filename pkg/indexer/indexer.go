// Package indexer queries torrent indexers and merges their answers into
// the raw result list the search pipeline ranks. Indexers form a priority
// chain: cheap shared caches run first, scraping and meta-search fallbacks
// last, and later links only run while the result count is below the floor
// the user configured.
package indexer

import (
	"context"
	"fmt"
	"io/ioutil"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/doingodswork/vortex-stremio/pkg/torrent"
)

// Searcher is one torrent indexer.
type Searcher interface {
	// Search returns the indexer's results for the given media. An empty
	// list is a valid answer and not an error.
	Search(ctx context.Context, media torrent.Media) ([]torrent.RawResult, error)
	// Name is the stable name used in config toggles and logs.
	Name() string
	// Priority orders the chain. Lower runs first.
	Priority() int
}

// Options control a single chain run.
type Options struct {
	// Enabled filters searchers by name. nil enables all of them.
	Enabled func(name string) bool
	// MinResults is the result floor: the next searcher in the chain is
	// only invoked while fewer results than this were collected. 0 means
	// every enabled searcher runs.
	MinResults int
}

// Client runs the indexer chain.
type Client struct {
	searchers []Searcher
	logger    *zap.Logger
}

func NewClient(searchers []Searcher, logger *zap.Logger) *Client {
	sorted := make([]Searcher, len(searchers))
	copy(sorted, searchers)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority() < sorted[j].Priority()
	})
	return &Client{
		searchers: sorted,
		logger:    logger,
	}
}

// Search walks the chain in priority order, deduplicates by info-hash
// (first indexer wins) and drops results without a valid hash. Individual
// searcher failures are logged and skipped. An error is only returned when
// every invoked searcher failed, combined via multierr.
func (c *Client) Search(ctx context.Context, media torrent.Media, opts Options) ([]torrent.RawResult, error) {
	var results []torrent.RawResult
	seen := map[string]struct{}{}
	var combinedErr error
	invoked, failed := 0, 0
	for _, searcher := range c.searchers {
		if opts.Enabled != nil && !opts.Enabled(searcher.Name()) {
			continue
		}
		if opts.MinResults > 0 && len(results) >= opts.MinResults {
			break
		}
		invoked++
		zapFieldIndexer := zap.String("indexer", searcher.Name())
		searcherResults, err := searcher.Search(ctx, media)
		if err != nil {
			failed++
			combinedErr = multierr.Append(combinedErr, fmt.Errorf("%v: %w", searcher.Name(), err))
			c.logger.Warn("Indexer search failed", zap.Error(err), zapFieldIndexer)
			continue
		}
		added := 0
		for _, result := range searcherResults {
			result.InfoHash = strings.ToLower(result.InfoHash)
			if result.InfoHash == "" && result.Magnet != "" {
				result.InfoHash = torrent.InfoHashFromMagnet(result.Magnet)
			}
			if !torrent.ValidInfoHash(result.InfoHash) {
				continue
			}
			if _, ok := seen[result.InfoHash]; ok {
				continue
			}
			seen[result.InfoHash] = struct{}{}
			results = append(results, result)
			added++
		}
		c.logger.Debug("Indexer returned results",
			zap.Int("count", len(searcherResults)),
			zap.Int("new", added),
			zapFieldIndexer)
	}
	if invoked > 0 && failed == invoked {
		return nil, combinedErr
	}
	return results, nil
}

// uniqueTitles deduplicates titles case-insensitively, keeping order, and
// caps the list so one media with many alternative titles doesn't turn
// into a request storm.
func uniqueTitles(titles []string, max int) []string {
	seen := map[string]struct{}{}
	var unique []string
	for _, title := range titles {
		if title == "" {
			continue
		}
		lower := strings.ToLower(title)
		if _, ok := seen[lower]; ok {
			continue
		}
		seen[lower] = struct{}{}
		unique = append(unique, title)
		if len(unique) == max {
			break
		}
	}
	return unique
}

// fetch GETs the URL with up to 3 attempts. 429 and 5xx responses and
// connection errors are retried, other statuses fail immediately.
func fetch(ctx context.Context, httpClient *http.Client, url string, header http.Header) ([]byte, error) {
	return retry.DoWithData(func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
		if err != nil {
			return nil, retry.Unrecoverable(fmt.Errorf("Couldn't create GET request: %v", err))
		}
		for key, vals := range header {
			for _, val := range vals {
				req.Header.Add(key, val)
			}
		}
		return readResponse(httpClient, req)
	},
		retry.Attempts(3),
		retry.Delay(100*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx))
}

// post sends a request body the same way fetch GETs.
func post(ctx context.Context, httpClient *http.Client, url, contentType, body string) ([]byte, error) {
	return retry.DoWithData(func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, "POST", url, strings.NewReader(body))
		if err != nil {
			return nil, retry.Unrecoverable(fmt.Errorf("Couldn't create POST request: %v", err))
		}
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("Accept", "application/json")
		return readResponse(httpClient, req)
	},
		retry.Attempts(3),
		retry.Delay(100*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx))
}

func readResponse(httpClient *http.Client, req *http.Request) ([]byte, error) {
	res, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("Couldn't send request: %v", err)
	}
	defer res.Body.Close()
	resBody, err := ioutil.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("Couldn't read response body: %v", err)
	}
	if res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500 {
		return nil, fmt.Errorf("bad HTTP response status: %v", res.Status)
	}
	if res.StatusCode != http.StatusOK {
		return nil, retry.Unrecoverable(fmt.Errorf("bad HTTP response status: %v", res.Status))
	}
	return resBody, nil
}
