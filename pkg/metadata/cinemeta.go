// Package metadata resolves IMDb IDs to the titles and release years the
// torrent search runs on. The primary backend is an imdb2meta gRPC server,
// with Stremio's public Cinemeta addon as HTTP fallback.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"io/ioutil"
	"net/http"
	"time"

	"github.com/deflix-tv/go-stremio/pkg/cinemeta"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

type CinemetaOptions struct {
	BaseURL  string
	Timeout  time.Duration
	CacheAge time.Duration
}

func NewCinemetaOpts(baseURL string, timeout, cacheAge time.Duration) CinemetaOptions {
	return CinemetaOptions{
		BaseURL:  baseURL,
		Timeout:  timeout,
		CacheAge: cacheAge,
	}
}

var DefaultCinemetaOpts = CinemetaOptions{
	BaseURL:  "https://v3-cinemeta.strem.io",
	Timeout:  5 * time.Second,
	CacheAge: 30 * 24 * time.Hour,
}

// CinemetaClient fetches movie and TV show metadata from a Cinemeta
// deployment.
type CinemetaClient struct {
	baseURL    string
	httpClient *http.Client
	cache      cinemeta.Cache
	cacheAge   time.Duration
	logger     *zap.Logger
}

func NewCinemetaClient(opts CinemetaOptions, cache cinemeta.Cache, logger *zap.Logger) (*CinemetaClient, error) {
	// Precondition check
	if opts.BaseURL == "" {
		return nil, errors.New("opts.BaseURL must not be empty")
	}
	if cache == nil {
		return nil, errors.New("cache must not be nil")
	}

	return &CinemetaClient{
		baseURL: opts.BaseURL,
		httpClient: &http.Client{
			Timeout: opts.Timeout,
		},
		cache:    cache,
		cacheAge: opts.CacheAge,
		logger:   logger,
	}, nil
}

// GetMovie looks up the metadata of a movie.
func (c *CinemetaClient) GetMovie(ctx context.Context, imdbID string) (cinemeta.Meta, error) {
	return c.getMeta(ctx, "movie", imdbID)
}

// GetTVShow looks up the metadata of a TV show. Cinemeta serves one meta
// object per show, so season and episode don't affect the request.
func (c *CinemetaClient) GetTVShow(ctx context.Context, imdbID string, season int, episode int) (cinemeta.Meta, error) {
	return c.getMeta(ctx, "series", imdbID)
}

func (c *CinemetaClient) getMeta(ctx context.Context, mediaType, imdbID string) (cinemeta.Meta, error) {
	zapFieldID := zap.String("imdbID", imdbID)
	zapFieldMediaType := zap.String("mediaType", mediaType)

	// Check cache first
	cacheKey := mediaType + ":" + imdbID
	meta, created, found, err := c.cache.Get(cacheKey)
	if err != nil {
		c.logger.Error("Couldn't decode meta cache item", zap.Error(err), zapFieldID, zapFieldMediaType)
	} else if !found {
		c.logger.Debug("Meta not found in cache", zapFieldID, zapFieldMediaType)
	} else if time.Since(created) > c.cacheAge {
		expiredSince := time.Since(created.Add(c.cacheAge))
		c.logger.Debug("Hit cache for meta, but item is expired", zap.Duration("expiredSince", expiredSince), zapFieldID, zapFieldMediaType)
	} else {
		c.logger.Debug("Hit cache for meta, returning result", zapFieldID, zapFieldMediaType)
		return meta, nil
	}

	reqURL := c.baseURL + "/meta/" + mediaType + "/" + imdbID + ".json"
	req, err := http.NewRequestWithContext(ctx, "GET", reqURL, nil)
	if err != nil {
		return cinemeta.Meta{}, fmt.Errorf("Couldn't create request: %v", err)
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return cinemeta.Meta{}, fmt.Errorf("Couldn't send request: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return cinemeta.Meta{}, fmt.Errorf("Got a non-OK status code: %v", res.StatusCode)
	}
	resBody, err := ioutil.ReadAll(res.Body)
	if err != nil {
		return cinemeta.Meta{}, fmt.Errorf("Couldn't read response body: %v", err)
	}

	name := gjson.GetBytes(resBody, "meta.name").String()
	if name == "" {
		return cinemeta.Meta{}, fmt.Errorf("Couldn't find name in Cinemeta response for %v", imdbID)
	}
	releaseInfo := gjson.GetBytes(resBody, "meta.releaseInfo").String()
	if releaseInfo == "" {
		// Movie metas carry the year in a separate field.
		releaseInfo = gjson.GetBytes(resBody, "meta.year").String()
	}

	meta = cinemeta.Meta{
		ID:          imdbID,
		Name:        name,
		ReleaseInfo: releaseInfo,
	}

	// Fill cache
	if err = c.cache.Set(cacheKey, meta); err != nil {
		c.logger.Error("Couldn't cache meta", zap.Error(err), zapFieldID, zapFieldMediaType)
	}

	return meta, nil
}
