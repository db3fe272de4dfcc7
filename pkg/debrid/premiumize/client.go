// Package premiumize implements the debrid.Client contract for Premiumize.
//
// Premiumize differs from the other direct services in two ways: cache/check
// answers with parallel arrays instead of objects, and a positive answer only
// means the transfer is accepted. Whether the content is instantly playable
// is a separate "transcoded" flag, which callers get as Availability.Cached.
package premiumize

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

	"github.com/doingodswork/vortex-stremio/pkg/debrid"
	"github.com/doingodswork/vortex-stremio/pkg/torrent"
)

type ClientOptions struct {
	BaseURL         string
	Timeout         time.Duration
	CacheAge        time.Duration
	ExtraHeaders    []string
	UseOAUTH2       bool
	ForwardOriginIP bool
}

func NewClientOpts(baseURL string, timeout, cacheAge time.Duration, extraHeaders []string, useOAUTH2, forwardOriginIP bool) ClientOptions {
	return ClientOptions{
		BaseURL:         baseURL,
		Timeout:         timeout,
		CacheAge:        cacheAge,
		ExtraHeaders:    extraHeaders,
		UseOAUTH2:       useOAUTH2,
		ForwardOriginIP: forwardOriginIP,
	}
}

var DefaultClientOpts = ClientOptions{
	BaseURL:  "https://www.premiumize.me/api",
	Timeout:  20 * time.Second,
	CacheAge: 24 * time.Hour,
}

var (
	_ debrid.Client           = (*Client)(nil)
	_ debrid.BackgroundCacher = (*Client)(nil)
)

type Client struct {
	baseURL string
	caller  *debrid.Caller
	// For API key validity
	apiKeyCache     debrid.Cache
	cacheAge        time.Duration
	extraHeaders    map[string]string
	useOAUTH2       bool
	forwardOriginIP bool
	logger          *zap.Logger
}

func NewClient(opts ClientOptions, apiKeyCache debrid.Cache, logger *zap.Logger) (*Client, error) {
	// Precondition check
	if opts.BaseURL == "" {
		return nil, errors.New("opts.BaseURL must not be empty")
	}
	for _, extraHeader := range opts.ExtraHeaders {
		if extraHeader != "" {
			colonIndex := strings.Index(extraHeader, ":")
			if colonIndex <= 0 || colonIndex == len(extraHeader)-1 {
				return nil, errors.New("opts.ExtraHeaders elements must have a format like \"X-Foo: bar\"")
			}
		}
	}

	extraHeaderMap := make(map[string]string, len(opts.ExtraHeaders))
	for _, extraHeader := range opts.ExtraHeaders {
		if extraHeader != "" {
			extraHeaderParts := strings.SplitN(extraHeader, ":", 2)
			extraHeaderMap[extraHeaderParts[0]] = extraHeaderParts[1]
		}
	}

	return &Client{
		baseURL:         opts.BaseURL,
		caller:          debrid.NewCaller(&http.Client{Timeout: opts.Timeout}, debrid.NewLimiter(logger), logger),
		apiKeyCache:     apiKeyCache,
		cacheAge:        opts.CacheAge,
		extraHeaders:    extraHeaderMap,
		useOAUTH2:       opts.UseOAUTH2,
		forwardOriginIP: opts.ForwardOriginIP,
		logger:          logger,
	}, nil
}

func (c *Client) Code() string {
	return torrent.CodePremiumize
}

func (c *Client) TestToken(ctx context.Context, keyOrToken string) error {
	zapFieldDebridSite := zap.String("debridSite", "Premiumize")
	zapFieldAPIkey := zap.String("keyOrToken", keyOrToken)
	c.logger.Debug("Testing API key...", zapFieldDebridSite, zapFieldAPIkey)

	// Check cache first.
	// Note: Only valid keys are cached, because a valid key is likely to stay valid for a while, whereas an invalid one can become valid again any moment (e.g. the user extends his premium status).
	created, found, err := c.apiKeyCache.Get(keyOrToken)
	if err != nil {
		c.logger.Error("Couldn't decode API key cache item", zap.Error(err), zapFieldDebridSite, zapFieldAPIkey)
	} else if !found {
		c.logger.Debug("API key not found in cache", zapFieldDebridSite, zapFieldAPIkey)
	} else if time.Since(created) > c.cacheAge {
		expiredSince := time.Since(created.Add(c.cacheAge))
		c.logger.Debug("API key cached as valid, but item is expired", zap.Duration("expiredSince", expiredSince), zapFieldDebridSite, zapFieldAPIkey)
	} else {
		c.logger.Debug("API key cached as valid", zapFieldDebridSite, zapFieldAPIkey)
		return nil
	}

	resBytes, err := c.get(ctx, c.baseURL+"/account/info", keyOrToken)
	if err != nil {
		return fmt.Errorf("Couldn't fetch account info from www.premiumize.me with the provided API key: %v", err)
	}
	if gjson.GetBytes(resBytes, "status").String() != "success" {
		errMsg := gjson.GetBytes(resBytes, "message").String()
		return fmt.Errorf("Got error response from www.premiumize.me: %v", errMsg)
	}

	c.logger.Debug("API key OK", zapFieldDebridSite, zapFieldAPIkey)

	// Create cache item
	if err = c.apiKeyCache.Set(keyOrToken); err != nil {
		c.logger.Error("Couldn't cache API key", zap.Error(err), zapFieldDebridSite, zapFieldAPIkey)
	}

	return nil
}

func (c *Client) CheckAvailability(ctx context.Context, keyOrToken string, infoHashes ...string) (map[string]torrent.Availability, error) {
	zapFieldDebridSite := zap.String("debridSite", "Premiumize")
	zapFieldAPIkey := zap.String("keyOrToken", keyOrToken)

	// Precondition check
	if len(infoHashes) == 0 {
		return nil, nil
	}

	data := url.Values{"items[]": infoHashes}
	resBytes, err := c.post(ctx, c.baseURL+"/cache/check", keyOrToken, data)
	if err != nil {
		return nil, fmt.Errorf("Couldn't check torrents' cache status on www.premiumize.me: %v", err)
	}
	if !gjson.ValidBytes(resBytes) {
		c.logger.Warn("Got invalid JSON in cache check response", zapFieldDebridSite, zapFieldAPIkey)
		return nil, nil
	}
	if gjson.GetBytes(resBytes, "status").String() != "success" {
		errMsg := gjson.GetBytes(resBytes, "message").String()
		return nil, fmt.Errorf("Got error response from www.premiumize.me: %v", errMsg)
	}

	// The response carries parallel arrays, one entry per requested item.
	parsed := gjson.ParseBytes(resBytes)
	responses := parsed.Get("response").Array()
	transcoded := parsed.Get("transcoded").Array()
	filenames := parsed.Get("filename").Array()
	filesizes := parsed.Get("filesize").Array()

	availabilities := map[string]torrent.Availability{}
	for i, infoHash := range infoHashes {
		if i >= len(responses) || !responses[i].Bool() {
			continue
		}
		infoHash = strings.ToLower(infoHash)
		availability := torrent.Availability{
			InfoHash: infoHash,
			Store:    torrent.CodePremiumize,
		}
		if i < len(transcoded) {
			availability.Cached = transcoded[i].Bool()
		}
		// Premiumize names the file it would serve, but has no index concept.
		if i < len(filenames) && filenames[i].String() != "" {
			availability.Files = []torrent.FileEntry{{
				FileIndex: -1,
				FileName:  filenames[i].String(),
				SizeBytes: fileSize(filesizes, i),
			}}
		}
		availabilities[infoHash] = availability
	}
	c.logger.Debug("Checked cache status",
		zap.Int("requested", len(infoHashes)),
		zap.Int("available", len(availabilities)),
		zapFieldDebridSite, zapFieldAPIkey)
	return availabilities, nil
}

func (c *Client) AddMagnet(ctx context.Context, keyOrToken, magnet string) (*debrid.AddResult, error) {
	zapFieldDebridSite := zap.String("debridSite", "Premiumize")
	zapFieldAPIkey := zap.String("keyOrToken", keyOrToken)
	c.logger.Debug("Creating transfer on Premiumize...", zapFieldDebridSite, zapFieldAPIkey)
	data := url.Values{}
	data.Set("src", magnet)
	resBytes, err := c.post(ctx, c.baseURL+"/transfer/create", keyOrToken, data)
	if err != nil {
		return nil, fmt.Errorf("Couldn't create transfer on Premiumize: %v", err)
	}
	if gjson.GetBytes(resBytes, "status").String() != "success" {
		errMsg := gjson.GetBytes(resBytes, "message").String()
		return nil, fmt.Errorf("Got error response from www.premiumize.me: %v", errMsg)
	}
	transferID := gjson.GetBytes(resBytes, "id").String()
	if transferID == "" {
		return nil, errors.New("Couldn't determine transfer ID in response from www.premiumize.me")
	}
	c.logger.Debug("Finished creating transfer on Premiumize", zapFieldDebridSite, zapFieldAPIkey)
	return &debrid.AddResult{ID: transferID}, nil
}

// StartBackgroundCaching submits the magnet as a transfer. Premiumize keeps
// downloading transfers server-side, so submitting is all there is to do.
func (c *Client) StartBackgroundCaching(ctx context.Context, keyOrToken, magnet string) bool {
	addResult, err := c.AddMagnet(ctx, keyOrToken, magnet)
	if err != nil {
		c.logger.Error("Couldn't start background caching", zap.Error(err), zap.String("debridSite", "Premiumize"))
		return false
	}
	return addResult.ID != ""
}

func (c *Client) GetStreamLink(ctx context.Context, keyOrToken string, query debrid.StreamQuery) (string, error) {
	zapFieldDebridSite := zap.String("debridSite", "Premiumize")
	zapFieldAPIkey := zap.String("keyOrToken", keyOrToken)

	magnet := query.Magnet
	if magnet == "" {
		if query.InfoHash == "" {
			return "", errors.New("Query contains neither a magnet nor an info_hash")
		}
		magnet = torrent.BuildMagnet(query.InfoHash, "")
	}

	c.logger.Debug("Requesting direct download on Premiumize...", zapFieldDebridSite, zapFieldAPIkey)
	data := url.Values{}
	data.Set("src", magnet)
	// Different from the other services, Premiumize wants the user's IP with the directdl request.
	if c.forwardOriginIP {
		if ip := debrid.OriginIP(ctx); ip != "" {
			data.Set("download_ip", ip)
		}
	}
	resBytes, err := c.post(ctx, c.baseURL+"/transfer/directdl", keyOrToken, data)
	if err != nil {
		return "", fmt.Errorf("Couldn't request direct download on Premiumize: %v", err)
	}
	if gjson.GetBytes(resBytes, "status").String() != "success" {
		errMsg := gjson.GetBytes(resBytes, "message").String()
		return "", fmt.Errorf("Got error response from www.premiumize.me: %v", errMsg)
	}

	content := gjson.GetBytes(resBytes, "content").Array()
	if len(content) == 0 {
		// Single file torrents answer with a direct location instead of a content list.
		if location := gjson.GetBytes(resBytes, "location").String(); location != "" {
			return location, nil
		}
		return "", debrid.ErrNoFileInTorrent
	}
	files := make([]torrent.FileEntry, 0, len(content))
	for i, entry := range content {
		files = append(files, torrent.FileEntry{
			FileIndex: i,
			FileName:  entry.Get("path").String(),
			SizeBytes: entry.Get("size").Int(),
		})
	}
	file, err := debrid.SelectFile(query, files)
	if err != nil {
		return "", fmt.Errorf("Couldn't find proper file in direct download content: %v", err)
	}
	chosen := content[file.FileIndex]
	streamURL := chosen.Get("stream_link").String()
	if streamURL == "" {
		streamURL = chosen.Get("link").String()
	}
	if streamURL == "" {
		return "", errors.New("Couldn't find a link in the direct download content")
	}
	c.logger.Debug("Created direct download link", zap.String("ddlLink", streamURL), zapFieldDebridSite, zapFieldAPIkey)

	return streamURL, nil
}

func (c *Client) get(ctx context.Context, url, keyOrToken string) ([]byte, error) {
	if c.useOAUTH2 {
		url += "?access_token=" + keyOrToken
	} else {
		url += "?apikey=" + keyOrToken
	}
	return c.caller.Do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
		if err != nil {
			return nil, fmt.Errorf("Couldn't create GET request: %v", err)
		}
		for headerKey, headerVal := range c.extraHeaders {
			req.Header.Add(headerKey, headerVal)
		}
		return req, nil
	})
}

func (c *Client) post(ctx context.Context, urlString, keyOrToken string, data url.Values) ([]byte, error) {
	if c.useOAUTH2 {
		urlString += "?access_token=" + keyOrToken
	} else {
		urlString += "?apikey=" + keyOrToken
	}
	return c.caller.Do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, "POST", urlString, strings.NewReader(data.Encode()))
		if err != nil {
			return nil, fmt.Errorf("Couldn't create POST request: %v", err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		for headerKey, headerVal := range c.extraHeaders {
			req.Header.Add(headerKey, headerVal)
		}
		return req, nil
	})
}

// fileSize tolerates the size arriving as a number, a numeric string or null.
func fileSize(filesizes []gjson.Result, i int) int64 {
	if i >= len(filesizes) {
		return 0
	}
	return filesizes[i].Int()
}
