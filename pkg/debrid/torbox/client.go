// Package torbox implements the debrid.Client contract for TorBox.
package torbox

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
	BaseURL:  "https://api.torbox.app/v1",
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
	return torrent.CodeTorBox
}

func (c *Client) TestToken(ctx context.Context, keyOrToken string) error {
	zapFieldDebridSite := zap.String("debridSite", "TorBox")
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

	resBytes, err := c.get(ctx, c.baseURL+"/api/user/me", keyOrToken)
	if err != nil {
		return fmt.Errorf("Couldn't fetch user info from api.torbox.app with the provided API key: %v", err)
	}
	if !gjson.GetBytes(resBytes, "success").Bool() {
		errMsg := gjson.GetBytes(resBytes, "detail").String()
		return fmt.Errorf("Got error response from api.torbox.app: %v", errMsg)
	}

	c.logger.Debug("API key OK", zapFieldDebridSite, zapFieldAPIkey)

	// Create cache item
	if err = c.apiKeyCache.Set(keyOrToken); err != nil {
		c.logger.Error("Couldn't cache API key", zap.Error(err), zapFieldDebridSite, zapFieldAPIkey)
	}

	return nil
}

func (c *Client) CheckAvailability(ctx context.Context, keyOrToken string, infoHashes ...string) (map[string]torrent.Availability, error) {
	zapFieldDebridSite := zap.String("debridSite", "TorBox")
	zapFieldAPIkey := zap.String("keyOrToken", keyOrToken)

	// Precondition check
	if len(infoHashes) == 0 {
		return nil, nil
	}

	url := c.baseURL + "/api/torrents/checkcached?format=object&list_files=true&hash=" + strings.Join(infoHashes, ",")
	resBytes, err := c.get(ctx, url, keyOrToken)
	if err != nil {
		return nil, fmt.Errorf("Couldn't check torrents' cache status on api.torbox.app: %v", err)
	}
	if !gjson.ValidBytes(resBytes) {
		c.logger.Warn("Got invalid JSON in cache check response", zapFieldDebridSite, zapFieldAPIkey)
		return nil, nil
	}
	if !gjson.GetBytes(resBytes, "success").Bool() {
		errMsg := gjson.GetBytes(resBytes, "detail").String()
		return nil, fmt.Errorf("Got error response from api.torbox.app: %v", errMsg)
	}

	// The data object only carries the hashes TorBox has cached.
	// Hashes missing from it are not cached, and the caller must treat them
	// as unavailable rather than as "will download on demand".
	availabilities := map[string]torrent.Availability{}
	gjson.GetBytes(resBytes, "data").ForEach(func(key gjson.Result, value gjson.Result) bool {
		infoHash := strings.ToLower(key.String())
		availabilities[infoHash] = torrent.Availability{
			InfoHash: infoHash,
			Cached:   true,
			Files:    listedFiles(value.Get("files").Array()),
			Store:    torrent.CodeTorBox,
		}
		return true
	})
	c.logger.Debug("Checked cache status",
		zap.Int("requested", len(infoHashes)),
		zap.Int("available", len(availabilities)),
		zapFieldDebridSite, zapFieldAPIkey)
	return availabilities, nil
}

func (c *Client) AddMagnet(ctx context.Context, keyOrToken, magnet string) (*debrid.AddResult, error) {
	zapFieldDebridSite := zap.String("debridSite", "TorBox")
	zapFieldAPIkey := zap.String("keyOrToken", keyOrToken)
	c.logger.Debug("Creating torrent on TorBox...", zapFieldDebridSite, zapFieldAPIkey)
	data := url.Values{}
	data.Set("magnet", magnet)
	resBytes, err := c.post(ctx, c.baseURL+"/api/torrents/createtorrent", keyOrToken, data)
	if err != nil {
		return nil, fmt.Errorf("Couldn't create torrent on TorBox: %v", err)
	}
	if !gjson.GetBytes(resBytes, "success").Bool() {
		errMsg := gjson.GetBytes(resBytes, "detail").String()
		return nil, fmt.Errorf("Got error response from api.torbox.app: %v", errMsg)
	}
	torrentID := gjson.GetBytes(resBytes, "data.torrent_id").String()
	if torrentID == "" {
		// Torrents TorBox has to fetch first are answered with a queued ID.
		torrentID = gjson.GetBytes(resBytes, "data.queued_id").String()
	}
	if torrentID == "" {
		return nil, errors.New("Couldn't determine torrent ID in response from api.torbox.app")
	}
	c.logger.Debug("Finished creating torrent on TorBox", zapFieldDebridSite, zapFieldAPIkey)

	files, err := c.torrentFiles(ctx, keyOrToken, torrentID)
	if err != nil {
		c.logger.Debug("Couldn't list torrent files yet", zap.Error(err), zapFieldDebridSite, zapFieldAPIkey)
	}
	return &debrid.AddResult{ID: torrentID, Files: files}, nil
}

func (c *Client) GetStreamLink(ctx context.Context, keyOrToken string, query debrid.StreamQuery) (string, error) {
	zapFieldDebridSite := zap.String("debridSite", "TorBox")
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
	files := addResult.Files
	if len(files) == 0 {
		if files, err = c.torrentFiles(ctx, keyOrToken, addResult.ID); err != nil {
			return "", err
		}
	}
	file, err := debrid.SelectFile(query, files)
	if err != nil {
		return "", fmt.Errorf("Couldn't find proper file in torrent: %v", err)
	}

	c.logger.Debug("Requesting download link...", zapFieldDebridSite, zapFieldAPIkey)
	dlURL := c.baseURL + "/api/torrents/requestdl/?token=" + keyOrToken +
		"&torrent_id=" + addResult.ID +
		"&file_id=" + url.QueryEscape(fmt.Sprint(file.FileIndex))
	resBytes, err := c.get(ctx, dlURL, keyOrToken)
	if err != nil {
		return "", fmt.Errorf("Couldn't request download link from api.torbox.app: %v", err)
	}
	if !gjson.GetBytes(resBytes, "success").Bool() {
		errMsg := gjson.GetBytes(resBytes, "detail").String()
		return "", fmt.Errorf("Got error response from api.torbox.app: %v", errMsg)
	}
	streamURL := gjson.GetBytes(resBytes, "data").String()
	if streamURL == "" {
		return "", errors.New("Couldn't find a download link in response from api.torbox.app")
	}
	c.logger.Debug("Got download link", zap.String("downloadLink", streamURL), zapFieldDebridSite, zapFieldAPIkey)

	return streamURL, nil
}

// torrentFiles reads the torrent's file list, with the TorBox file IDs the
// requestdl endpoint expects.
func (c *Client) torrentFiles(ctx context.Context, keyOrToken, torrentID string) ([]torrent.FileEntry, error) {
	resBytes, err := c.get(ctx, c.baseURL+"/api/torrents/mylist/?id="+torrentID, keyOrToken)
	if err != nil {
		return nil, fmt.Errorf("Couldn't get torrent info from api.torbox.app: %v", err)
	}
	if !gjson.GetBytes(resBytes, "success").Bool() {
		errMsg := gjson.GetBytes(resBytes, "detail").String()
		return nil, fmt.Errorf("Got error response from api.torbox.app: %v", errMsg)
	}
	fileResults := gjson.GetBytes(resBytes, "data.files").Array()
	files := make([]torrent.FileEntry, 0, len(fileResults))
	for i, res := range fileResults {
		index := i
		if id := res.Get("id"); id.Exists() {
			index = int(id.Int())
		}
		files = append(files, torrent.FileEntry{
			FileIndex: index,
			FileName:  res.Get("name").String(),
			SizeBytes: res.Get("size").Int(),
		})
	}
	return files, nil
}

func (c *Client) get(ctx context.Context, url, keyOrToken string) ([]byte, error) {
	return c.caller.Do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
		if err != nil {
			return nil, fmt.Errorf("Couldn't create GET request: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+keyOrToken)
		for headerKey, headerVal := range c.extraHeaders {
			req.Header.Add(headerKey, headerVal)
		}
		return req, nil
	})
}

func (c *Client) post(ctx context.Context, url string, keyOrToken string, data url.Values) ([]byte, error) {
	return c.caller.Do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, "POST", url, strings.NewReader(data.Encode()))
		if err != nil {
			return nil, fmt.Errorf("Couldn't create POST request: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+keyOrToken)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		for headerKey, headerVal := range c.extraHeaders {
			req.Header.Add(headerKey, headerVal)
		}
		return req, nil
	})
}

// listedFiles converts checkcached file lists. TorBox numbers files by their
// position in the torrent.
func listedFiles(fileResults []gjson.Result) []torrent.FileEntry {
	files := make([]torrent.FileEntry, 0, len(fileResults))
	for i, res := range fileResults {
		files = append(files, torrent.FileEntry{
			FileIndex: i,
			FileName:  res.Get("name").String(),
			SizeBytes: res.Get("size").Int(),
		})
	}
	return files
}
