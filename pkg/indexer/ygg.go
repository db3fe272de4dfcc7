package indexer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/doingodswork/vortex-stremio/pkg/torrent"
)

// yggMaxDetailPages caps how many detail pages get fetched per search, as
// the info-hash only appears there and each one is a full page load.
const yggMaxDetailPages = 12

var yggHashRegex = regexp.MustCompile(`\b[a-fA-F0-9]{40}\b`)

type YggOptions struct {
	BaseURL string
	// SocksProxyAddr enables fetching via a SOCKS5 proxy (e.g. a TOR
	// daemon), for deployments where the site is blocked.
	SocksProxyAddr string
	Timeout        time.Duration
}

var DefaultYggOpts = YggOptions{
	Timeout: 20 * time.Second,
}

var _ Searcher = (*Ygg)(nil)

// Ygg scrapes the YGG catalog's HTML search. The search table gives title,
// size and seeders; the info-hash sits on the detail page.
type Ygg struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewYgg(opts YggOptions, logger *zap.Logger) (*Ygg, error) {
	// Precondition check
	if opts.BaseURL == "" {
		return nil, errors.New("opts.BaseURL must not be empty")
	}
	httpClient := &http.Client{Timeout: opts.Timeout}
	if opts.SocksProxyAddr != "" {
		var err error
		if httpClient, err = newSOCKS5httpClient(opts.Timeout, opts.SocksProxyAddr); err != nil {
			return nil, fmt.Errorf("Couldn't create HTTP client with SOCKS5 proxy: %v", err)
		}
	}
	return &Ygg{
		baseURL:    strings.TrimSuffix(opts.BaseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

func (y *Ygg) Name() string {
	return "yggflix"
}

func (y *Ygg) Priority() int {
	return 3
}

type yggRow struct {
	title     string
	detailURL string
	sizeBytes int64
	seeders   int
}

func (y *Ygg) Search(ctx context.Context, media torrent.Media) ([]torrent.RawResult, error) {
	queries := yggQueries(media)

	// The search pages are walked sequentially to keep the load on the
	// site low; only the capped detail page fetches run concurrently.
	var rows []yggRow
	seenDetail := map[string]struct{}{}
	var lastErr error
	for _, query := range queries {
		queryRows, err := y.searchPage(ctx, query)
		if err != nil {
			lastErr = err
			y.logger.Warn("Couldn't scrape search page", zap.Error(err), zap.String("query", query), zap.String("indexer", "yggflix"))
			continue
		}
		for _, row := range queryRows {
			if _, ok := seenDetail[row.detailURL]; ok {
				continue
			}
			seenDetail[row.detailURL] = struct{}{}
			rows = append(rows, row)
		}
	}
	if len(rows) == 0 {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, nil
	}
	if len(rows) > yggMaxDetailPages {
		rows = rows[:yggMaxDetailPages]
	}

	var mu sync.Mutex
	var results []torrent.RawResult
	p := pool.New().WithContext(ctx).WithMaxGoroutines(4)
	for _, row := range rows {
		row := row
		p.Go(func(ctx context.Context) error {
			infoHash, err := y.detailPageHash(ctx, row.detailURL)
			if err != nil {
				y.logger.Debug("Couldn't extract info-hash from detail page", zap.Error(err), zap.String("detailURL", row.detailURL), zap.String("indexer", "yggflix"))
				return nil
			}
			mu.Lock()
			results = append(results, torrent.RawResult{
				Title:     row.title,
				InfoHash:  infoHash,
				SizeBytes: row.sizeBytes,
				Magnet:    torrent.BuildMagnet(infoHash, row.title),
				Seeders:   row.seeders,
				Indexer:   "yggflix",
				Privacy:   torrent.PrivacyPublic,
			})
			mu.Unlock()
			return nil
		})
	}
	if err := p.Wait(); err != nil && len(results) == 0 {
		return nil, err
	}
	return results, nil
}

func (y *Ygg) searchPage(ctx context.Context, query string) ([]yggRow, error) {
	reqURL := y.baseURL + "/engine/search?do=search&order=desc&sort=seed&name=" + url.QueryEscape(query)
	doc, err := y.getDoc(ctx, reqURL)
	if err != nil {
		return nil, err
	}

	var rows []yggRow
	doc.Find("table.table tbody tr").Each(func(i int, s *goquery.Selection) {
		nameLink := s.Find("a#torrent_name")
		if nameLink.Length() == 0 {
			nameLink = s.Find("td a[href*='/torrent/']").First()
		}
		detailURL, ok := nameLink.Attr("href")
		if !ok || detailURL == "" {
			return
		}
		if !strings.HasPrefix(detailURL, "http") {
			detailURL = y.baseURL + detailURL
		}
		cells := s.Find("td")
		rows = append(rows, yggRow{
			title:     strings.TrimSpace(nameLink.Text()),
			detailURL: detailURL,
			sizeBytes: parseHumanSize(cells.Eq(5).Text()),
			seeders:   atoi(cells.Eq(7).Text()),
		})
	})
	return rows, nil
}

// detailPageHash scans the torrent's detail page for the info-hash, which
// YGG prints in the information table.
func (y *Ygg) detailPageHash(ctx context.Context, detailURL string) (string, error) {
	doc, err := y.getDoc(ctx, detailURL)
	if err != nil {
		return "", err
	}
	infoText := doc.Find("#informationsContainer").Text()
	if infoText == "" {
		infoText = doc.Text()
	}
	infoHash := yggHashRegex.FindString(infoText)
	if infoHash == "" {
		return "", errors.New("no info-hash on detail page")
	}
	return strings.ToLower(infoHash), nil
}

func (y *Ygg) getDoc(ctx context.Context, reqURL string) (*goquery.Document, error) {
	resBytes, err := fetch(ctx, y.httpClient, reqURL, nil)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resBytes))
	if err != nil {
		return nil, fmt.Errorf("Couldn't parse HTML: %v", err)
	}
	return doc, nil
}

func yggQueries(media torrent.Media) []string {
	titles := uniqueTitles(media.Titles, 2)
	var queries []string
	for _, title := range titles {
		if media.IsSeries() {
			queries = append(queries,
				fmt.Sprintf("%s %s", title, media.EpisodeTag()),
				fmt.Sprintf("%s S%02d", title, media.Season))
		} else {
			queries = append(queries, title)
		}
	}
	return queries
}

// sizeUnits covers the French units the site uses plus the usual English
// ones.
var sizeUnits = map[string]float64{
	"o": 1, "ko": 1e3, "mo": 1e6, "go": 1e9, "to": 1e12,
	"b": 1, "kb": 1e3, "mb": 1e6, "gb": 1e9, "tb": 1e12,
	"kib": 1 << 10, "mib": 1 << 20, "gib": 1 << 30, "tib": 1 << 40,
}

// parseHumanSize turns texts like "1.37Go" or "700 MB" into bytes.
// Unparseable text yields 0.
func parseHumanSize(text string) int64 {
	text = strings.ToLower(strings.TrimSpace(text))
	numEnd := strings.IndexFunc(text, func(r rune) bool {
		return (r < '0' || r > '9') && r != '.' && r != ','
	})
	if numEnd == -1 {
		num, _ := strconv.ParseFloat(text, 64)
		return int64(num)
	}
	num, err := strconv.ParseFloat(strings.ReplaceAll(text[:numEnd], ",", "."), 64)
	if err != nil {
		return 0
	}
	factor, ok := sizeUnits[strings.TrimSpace(text[numEnd:])]
	if !ok {
		return 0
	}
	return int64(num * factor)
}

func atoi(text string) int {
	n, _ := strconv.Atoi(strings.TrimSpace(text))
	return n
}
