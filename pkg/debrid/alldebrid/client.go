// Package alldebrid implements the debrid.Client contract for AllDebrid.
package alldebrid

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/doingodswork/vortex-stremio/pkg/debrid"
	"github.com/doingodswork/vortex-stremio/pkg/torrent"
)

// agent is sent with every request, as required by the AllDebrid v4 API.
const agent = "vortex"

type ClientOptions struct {
	BaseURL      string
	Timeout      time.Duration
	CacheAge     time.Duration
	ExtraHeaders []string
}

func NewClientOpts(baseURL string, timeout, cacheAge time.Duration, extraHeaders []string) ClientOptions {
	return ClientOptions{
		BaseURL:      baseURL,
		Timeout:      timeout,
		CacheAge:     cacheAge,
		ExtraHeaders: extraHeaders,
	}
}

var DefaultClientOpts = ClientOptions{
	BaseURL:  "https://api.alldebrid.com",
	Timeout:  20 * time.Second,
	CacheAge: 24 * time.Hour,
}

var _ debrid.Client = (*Client)(nil)

type Client struct {
	baseURL string
	caller  *debrid.Caller
	// For API key validity
	apiKeyCache  debrid.Cache
	cacheAge     time.Duration
	extraHeaders map[string]string
	logger       *zap.Logger
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
		baseURL:      opts.BaseURL,
		caller:       debrid.NewCaller(&http.Client{Timeout: opts.Timeout}, debrid.NewLimiter(logger), logger),
		apiKeyCache:  apiKeyCache,
		cacheAge:     opts.CacheAge,
		extraHeaders: extraHeaderMap,
		logger:       logger,
	}, nil
}

func (c *Client) Code() string {
	return torrent.CodeAllDebrid
}

func (c *Client) TestToken(ctx context.Context, keyOrToken string) error {
	zapFieldDebridSite := zap.String("debridSite", "AllDebrid")
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

	resBytes, err := c.get(ctx, c.baseURL+"/v4/user", keyOrToken)
	if err != nil {
		return fmt.Errorf("Couldn't fetch user info from api.alldebrid.com with the provided API key: %v", err)
	}
	if gjson.GetBytes(resBytes, "status").String() != "success" {
		errMsg := gjson.GetBytes(resBytes, "error.message").String()
		return fmt.Errorf("Got error response from api.alldebrid.com: %v", errMsg)
	}

	c.logger.Debug("API key OK", zapFieldDebridSite, zapFieldAPIkey)

	// Create cache item
	if err = c.apiKeyCache.Set(keyOrToken); err != nil {
		c.logger.Error("Couldn't cache API key", zap.Error(err), zapFieldDebridSite, zapFieldAPIkey)
	}

	return nil
}

func (c *Client) CheckAvailability(ctx context.Context, keyOrToken string, infoHashes ...string) (map[string]torrent.Availability, error) {
	zapFieldDebridSite := zap.String("debridSite", "AllDebrid")
	zapFieldAPIkey := zap.String("keyOrToken", keyOrToken)

	// Precondition check
	if len(infoHashes) == 0 {
		return nil, nil
	}

	data := url.Values{"magnets[]": infoHashes}
	resBytes, err := c.post(ctx, c.baseURL+"/v4/magnet/instant", keyOrToken, data)
	if err != nil {
		return nil, fmt.Errorf("Couldn't check torrents' instant availability on api.alldebrid.com: %v", err)
	}
	if !gjson.ValidBytes(resBytes) {
		c.logger.Warn("Got invalid JSON in instant availability response", zapFieldDebridSite, zapFieldAPIkey)
		return nil, nil
	}
	if gjson.GetBytes(resBytes, "status").String() != "success" {
		errMsg := gjson.GetBytes(resBytes, "error.message").String()
		return nil, fmt.Errorf("Got error response from api.alldebrid.com: %v", errMsg)
	}

	availabilities := map[string]torrent.Availability{}
	magnets := gjson.GetBytes(resBytes, "data.magnets").Array()
	for _, magnet := range magnets {
		if !magnet.Get("instant").Bool() {
			continue
		}
		infoHash := strings.ToLower(magnet.Get("hash").String())
		if infoHash == "" {
			infoHash = strings.ToLower(magnet.Get("magnet").String())
		}
		availabilities[infoHash] = torrent.Availability{
			InfoHash: infoHash,
			Cached:   true,
			Files:    flattenFolders(magnet.Get("files").Array()),
			Store:    torrent.CodeAllDebrid,
		}
	}
	c.logger.Debug("Checked instant availability",
		zap.Int("requested", len(infoHashes)),
		zap.Int("available", len(availabilities)),
		zapFieldDebridSite, zapFieldAPIkey)
	return availabilities, nil
}

func (c *Client) AddMagnet(ctx context.Context, keyOrToken, magnet string) (*debrid.AddResult, error) {
	zapFieldDebridSite := zap.String("debridSite", "AllDebrid")
	zapFieldAPIkey := zap.String("keyOrToken", keyOrToken)
	c.logger.Debug("Adding magnet to AllDebrid...", zapFieldDebridSite, zapFieldAPIkey)
	data := url.Values{}
	data.Set("magnets[]", magnet)
	resBytes, err := c.post(ctx, c.baseURL+"/v4/magnet/upload", keyOrToken, data)
	if err != nil {
		return nil, fmt.Errorf("Couldn't add magnet to AllDebrid: %v", err)
	}
	if gjson.GetBytes(resBytes, "status").String() != "success" {
		errMsg := gjson.GetBytes(resBytes, "error.message").String()
		return nil, fmt.Errorf("Got error response from api.alldebrid.com: %v", errMsg)
	}
	c.logger.Debug("Finished adding magnet to AllDebrid", zapFieldDebridSite, zapFieldAPIkey)
	adID := gjson.GetBytes(resBytes, "data.magnets.0.id").String()
	if adID == "" {
		return nil, errors.New("Couldn't determine torrent ID in magnet upload response from api.alldebrid.com")
	}

	links, err := c.magnetStatusLinks(ctx, keyOrToken, adID)
	if err != nil {
		return nil, err
	}
	return &debrid.AddResult{
		ID:    adID,
		Files: linkFiles(links),
	}, nil
}

func (c *Client) GetStreamLink(ctx context.Context, keyOrToken string, query debrid.StreamQuery) (string, error) {
	zapFieldDebridSite := zap.String("debridSite", "AllDebrid")
	zapFieldAPIkey := zap.String("keyOrToken", keyOrToken)

	magnet := query.Magnet
	if magnet == "" {
		if query.InfoHash == "" {
			return "", errors.New("Query contains neither a magnet nor an info_hash")
		}
		magnet = torrent.BuildMagnet(query.InfoHash, "")
	}
	addResult, err := c.AddMagnet(ctx, keyOrToken, magnet)
	if err != nil {
		return "", err
	}

	links, err := c.magnetStatusLinks(ctx, keyOrToken, addResult.ID)
	if err != nil {
		return "", err
	}
	file, err := debrid.SelectFile(query, linkFiles(links))
	if err != nil {
		return "", fmt.Errorf("Couldn't find proper link in magnet status: %v", err)
	}
	link := links[file.FileIndex-1].Get("link").String()
	c.logger.Debug("Magnet status OK", zapFieldDebridSite, zapFieldAPIkey)

	// Unlock the link

	c.logger.Debug("Getting download link...", zapFieldDebridSite, zapFieldAPIkey)
	unlockURL := c.baseURL + "/v4/link/unlock?link=" + url.QueryEscape(link)
	resBytes, err := c.get(ctx, unlockURL, keyOrToken)
	if err != nil {
		return "", fmt.Errorf("Couldn't unrestrict link: %v", err)
	}
	if gjson.GetBytes(resBytes, "status").String() != "success" {
		errMsg := gjson.GetBytes(resBytes, "error.message").String()
		return "", fmt.Errorf("Got error response from api.alldebrid.com: %v", errMsg)
	}
	streamURL := gjson.GetBytes(resBytes, "data.link").String()
	c.logger.Debug("Unlocked link", zap.String("unlockedLink", streamURL), zapFieldDebridSite, zapFieldAPIkey)

	return streamURL, nil
}

func (c *Client) magnetStatusLinks(ctx context.Context, keyOrToken, adID string) ([]gjson.Result, error) {
	statusURL := c.baseURL + "/v4/magnet/status?id=" + adID
	resBytes, err := c.get(ctx, statusURL, keyOrToken)
	if err != nil {
		return nil, fmt.Errorf("Couldn't get magnet info from api.alldebrid.com: %v", err)
	}
	if gjson.GetBytes(resBytes, "status").String() != "success" {
		errMsg := gjson.GetBytes(resBytes, "error.message").String()
		return nil, fmt.Errorf("Got error response from api.alldebrid.com: %v", errMsg)
	}
	return gjson.GetBytes(resBytes, "data.magnets.links").Array(), nil
}

func (c *Client) get(ctx context.Context, url, keyOrToken string) ([]byte, error) {
	if strings.Contains(url, "?") {
		url += "&agent=" + agent + "&apikey=" + keyOrToken
	} else {
		url += "?agent=" + agent + "&apikey=" + keyOrToken
	}
	return c.caller.Do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
		if err != nil {
			return nil, fmt.Errorf("Couldn't create GET request: %v", err)
		}
		c.setCommonHeaders(req)
		return req, nil
	})
}

func (c *Client) post(ctx context.Context, url string, keyOrToken string, data url.Values) ([]byte, error) {
	url += "?agent=" + agent + "&apikey=" + keyOrToken
	return c.caller.Do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, "POST", url, strings.NewReader(data.Encode()))
		if err != nil {
			return nil, fmt.Errorf("Couldn't create POST request: %v", err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		c.setCommonHeaders(req)
		return req, nil
	})
}

func (c *Client) setCommonHeaders(req *http.Request) {
	for headerKey, headerVal := range c.extraHeaders {
		req.Header.Add(headerKey, headerVal)
	}
	// In case AD blocks requests based on User-Agent
	fakeVersion := strconv.Itoa(rand.Intn(10000))
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/80.0."+fakeVersion+".149 Safari/537.36")
}

// flattenFolders walks the nested file tree of an instant availability entry.
// Entries are {n: name, s: size, e: [children]}. File numbering starts at 1
// and counts files only, matching the order of the magnet status links.
func flattenFolders(entries []gjson.Result) []torrent.FileEntry {
	var files []torrent.FileEntry
	counter := 1
	var walk func(entries []gjson.Result)
	walk = func(entries []gjson.Result) {
		for _, entry := range entries {
			if children := entry.Get("e").Array(); len(children) > 0 {
				walk(children)
				continue
			}
			files = append(files, torrent.FileEntry{
				FileIndex: counter,
				FileName:  entry.Get("n").String(),
				SizeBytes: entry.Get("s").Int(),
			})
			counter++
		}
	}
	walk(entries)
	return files
}

// linkFiles converts magnet status links into file entries, numbered from 1.
func linkFiles(links []gjson.Result) []torrent.FileEntry {
	files := make([]torrent.FileEntry, 0, len(links))
	for i, link := range links {
		files = append(files, torrent.FileEntry{
			FileIndex: i + 1,
			FileName:  link.Get("filename").String(),
			SizeBytes: link.Get("size").Int(),
		})
	}
	return files
}
