// Package stremthru implements the debrid.Client contract for StremThru,
// an aggregating proxy that fronts several stores (RealDebrid, Premiumize,
// TorBox and others) behind one API. The wrapped store is picked per client
// via the X-StremThru-Store-Name header, while the store's own key travels
// in X-StremThru-Store-Authorization.
package stremthru

import (
	"context"
	"encoding/json"
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

// storeCodes maps StremThru store names to the short codes shown to users.
var storeCodes = map[string]string{
	"realdebrid": torrent.CodeRealDebrid,
	"alldebrid":  torrent.CodeAllDebrid,
	"premiumize": torrent.CodePremiumize,
	"torbox":     torrent.CodeTorBox,
	"debridlink": torrent.CodeDebridLink,
	"easydebrid": torrent.CodeEasyDebrid,
	"offcloud":   torrent.CodeOffcloud,
	"pikpak":     torrent.CodePikPak,
}

// AutoDetectOrder is the order in which configured store credentials are
// tried when no store was picked explicitly.
var AutoDetectOrder = []string{"realdebrid", "premiumize", "torbox", "alldebrid", "debridlink", "easydebrid", "offcloud", "pikpak"}

// StoreCode returns the short code for a store name, or "" for unknown names.
func StoreCode(storeName string) string {
	return storeCodes[storeName]
}

// checkChunkSize limits how many magnets go into a single availability check.
const checkChunkSize = 50

type ClientOptions struct {
	// BaseURL is the URL of the StremThru instance, without the API path.
	BaseURL string
	// StoreName is the store StremThru should proxy, like "realdebrid".
	StoreName       string
	Timeout         time.Duration
	CacheAge        time.Duration
	ExtraHeaders    []string
	ForwardOriginIP bool
}

func NewClientOpts(baseURL, storeName string, timeout, cacheAge time.Duration, extraHeaders []string, forwardOriginIP bool) ClientOptions {
	return ClientOptions{
		BaseURL:         baseURL,
		StoreName:       storeName,
		Timeout:         timeout,
		CacheAge:        cacheAge,
		ExtraHeaders:    extraHeaders,
		ForwardOriginIP: forwardOriginIP,
	}
}

var DefaultClientOpts = ClientOptions{
	BaseURL:  "https://stremthru.13377001.xyz",
	Timeout:  20 * time.Second,
	CacheAge: 24 * time.Hour,
}

var _ debrid.Client = (*Client)(nil)
var _ debrid.BackgroundCacher = (*Client)(nil)

type Client struct {
	apiURL    string
	storeName string
	storeCode string
	caller    *debrid.Caller
	// For token validity
	tokenCache      debrid.Cache
	cacheAge        time.Duration
	extraHeaders    map[string]string
	forwardOriginIP bool
	logger          *zap.Logger
}

func NewClient(opts ClientOptions, tokenCache debrid.Cache, logger *zap.Logger) (*Client, error) {
	// Precondition check
	if opts.BaseURL == "" {
		return nil, errors.New("opts.BaseURL must not be empty")
	}
	storeCode, ok := storeCodes[opts.StoreName]
	if !ok {
		return nil, fmt.Errorf("opts.StoreName must be a known store name (have %q)", opts.StoreName)
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
		apiURL:          strings.TrimSuffix(opts.BaseURL, "/") + "/v0/store",
		storeName:       opts.StoreName,
		storeCode:       storeCode,
		caller:          debrid.NewCaller(&http.Client{Timeout: opts.Timeout}, debrid.NewLimiter(logger), logger),
		tokenCache:      tokenCache,
		cacheAge:        opts.CacheAge,
		extraHeaders:    extraHeaderMap,
		forwardOriginIP: opts.ForwardOriginIP,
		logger:          logger,
	}, nil
}

// Code returns the aggregator-prefixed code of the wrapped store, like "ST:RD".
func (c *Client) Code() string {
	return torrent.AggregatorPrefix + c.storeCode
}

// StoreName returns the name of the wrapped store, like "realdebrid".
func (c *Client) StoreName() string {
	return c.storeName
}

func (c *Client) TestToken(ctx context.Context, keyOrToken string) error {
	zapFieldDebridSite := zap.String("debridSite", "StremThru:"+c.storeName)
	zapFieldAPIkey := zap.String("keyOrToken", keyOrToken)
	c.logger.Debug("Testing token...", zapFieldDebridSite, zapFieldAPIkey)

	// Check cache first.
	// Note: Only valid tokens are cached, because a valid token is likely to stay valid for a while, whereas an invalid one can become valid again any moment (e.g. the user extends his premium status).
	created, found, err := c.tokenCache.Get(c.storeName + ":" + keyOrToken)
	if err != nil {
		c.logger.Error("Couldn't decode token cache item", zap.Error(err), zapFieldDebridSite, zapFieldAPIkey)
	} else if !found {
		c.logger.Debug("Token not found in cache", zapFieldDebridSite, zapFieldAPIkey)
	} else if time.Since(created) > c.cacheAge {
		expiredSince := time.Since(created.Add(c.cacheAge))
		c.logger.Debug("Token cached as valid, but item is expired", zap.Duration("expiredSince", expiredSince), zapFieldDebridSite, zapFieldAPIkey)
	} else {
		c.logger.Debug("Token cached as valid", zapFieldDebridSite, zapFieldAPIkey)
		return nil
	}

	resBytes, err := c.get(ctx, c.apiURL+"/user", keyOrToken)
	if err != nil {
		return fmt.Errorf("Couldn't fetch user info from StremThru with the provided token: %v", err)
	}
	if !gjson.GetBytes(resBytes, "data").Exists() {
		errMsg := gjson.GetBytes(resBytes, "error.message").String()
		return fmt.Errorf("Got error response from StremThru: %v", errMsg)
	}
	if gjson.GetBytes(resBytes, "data.subscription_status").String() != "premium" {
		return errors.New("Account isn't premium")
	}

	c.logger.Debug("Token OK", zapFieldDebridSite, zapFieldAPIkey)

	// Create cache item
	if err = c.tokenCache.Set(c.storeName + ":" + keyOrToken); err != nil {
		c.logger.Error("Couldn't cache token", zap.Error(err), zapFieldDebridSite, zapFieldAPIkey)
	}

	return nil
}

func (c *Client) CheckAvailability(ctx context.Context, keyOrToken string, infoHashes ...string) (map[string]torrent.Availability, error) {
	zapFieldDebridSite := zap.String("debridSite", "StremThru:"+c.storeName)
	zapFieldAPIkey := zap.String("keyOrToken", keyOrToken)

	// Precondition check
	if len(infoHashes) == 0 {
		return nil, nil
	}

	availabilities := map[string]torrent.Availability{}
	for start := 0; start < len(infoHashes); start += checkChunkSize {
		end := start + checkChunkSize
		if end > len(infoHashes) {
			end = len(infoHashes)
		}
		chunk := infoHashes[start:end]
		magnets := make([]string, 0, len(chunk))
		for _, infoHash := range chunk {
			magnets = append(magnets, url.QueryEscape(torrent.BuildMagnet(strings.ToLower(infoHash), "")))
		}
		checkURL := c.withOriginIP(ctx, c.apiURL+"/magnets/check?magnet="+strings.Join(magnets, ","))
		resBytes, err := c.get(ctx, checkURL, keyOrToken)
		if err != nil {
			return nil, fmt.Errorf("Couldn't check magnets' cache status on StremThru: %v", err)
		}
		if !gjson.ValidBytes(resBytes) {
			c.logger.Warn("Got invalid JSON in cache check response", zapFieldDebridSite, zapFieldAPIkey)
			continue
		}
		for _, item := range gjson.GetBytes(resBytes, "data.items").Array() {
			if item.Get("status").String() != "cached" {
				continue
			}
			infoHash := strings.ToLower(item.Get("hash").String())
			availabilities[infoHash] = torrent.Availability{
				InfoHash: infoHash,
				Cached:   true,
				Files:    magnetFiles(item.Get("files").Array()),
				Store:    c.Code(),
			}
		}
	}
	c.logger.Debug("Checked cache status",
		zap.Int("requested", len(infoHashes)),
		zap.Int("available", len(availabilities)),
		zapFieldDebridSite, zapFieldAPIkey)
	return availabilities, nil
}

func (c *Client) AddMagnet(ctx context.Context, keyOrToken, magnet string) (*debrid.AddResult, error) {
	data, err := c.addMagnet(ctx, keyOrToken, magnet)
	if err != nil {
		return nil, err
	}
	return &debrid.AddResult{
		ID:    data.Get("id").String(),
		Files: magnetFiles(data.Get("files").Array()),
	}, nil
}

// StartBackgroundCaching hands the magnet to the wrapped store and returns
// without waiting for the download to finish.
func (c *Client) StartBackgroundCaching(ctx context.Context, keyOrToken, magnet string) bool {
	zapFieldDebridSite := zap.String("debridSite", "StremThru:"+c.storeName)
	addResult, err := c.AddMagnet(ctx, keyOrToken, magnet)
	if err != nil {
		c.logger.Warn("Couldn't start background caching", zap.Error(err), zapFieldDebridSite)
		return false
	}
	if addResult.ID == "" {
		c.logger.Warn("No magnet ID in response when starting background caching", zapFieldDebridSite)
		return false
	}
	c.logger.Debug("Started background caching", zap.String("magnetID", addResult.ID), zapFieldDebridSite)
	return true
}

func (c *Client) GetStreamLink(ctx context.Context, keyOrToken string, query debrid.StreamQuery) (string, error) {
	zapFieldDebridSite := zap.String("debridSite", "StremThru:"+c.storeName)
	zapFieldAPIkey := zap.String("keyOrToken", keyOrToken)

	magnet := query.Magnet
	if magnet == "" {
		if query.InfoHash == "" {
			return "", errors.New("Query contains neither a magnet nor an info_hash")
		}
		magnet = torrent.BuildMagnet(query.InfoHash, "")
	}
	data, err := c.addMagnet(ctx, keyOrToken, magnet)
	if err != nil {
		return "", err
	}
	magnetID := data.Get("id").String()
	fileResults := data.Get("files").Array()
	if len(fileResults) == 0 && magnetID != "" {
		// The add response of some stores omits files until the magnet was
		// processed, so read the magnet once more.
		if data, err = c.magnetData(ctx, keyOrToken, magnetID); err != nil {
			return "", err
		}
		fileResults = data.Get("files").Array()
	}
	file, err := debrid.SelectFile(query, magnetFiles(fileResults))
	if err != nil {
		return "", fmt.Errorf("Couldn't find proper file in magnet: %v", err)
	}
	fileLink := ""
	for _, fileResult := range fileResults {
		if int(fileResult.Get("index").Int()) == file.FileIndex {
			fileLink = fileResult.Get("link").String()
			break
		}
	}
	if fileLink == "" {
		return "", fmt.Errorf("Magnet %v has no link for the selected file yet", magnetID)
	}

	c.logger.Debug("Generating stream link...", zapFieldDebridSite, zapFieldAPIkey)
	reqBody, err := json.Marshal(map[string]string{"link": fileLink})
	if err != nil {
		return "", fmt.Errorf("Couldn't marshal link generation request: %v", err)
	}
	resBytes, err := c.postJSON(ctx, c.withOriginIP(ctx, c.apiURL+"/link/generate"), keyOrToken, reqBody)
	if err != nil {
		return "", fmt.Errorf("Couldn't generate link on StremThru: %v", err)
	}
	streamURL := gjson.GetBytes(resBytes, "data.link").String()
	if streamURL == "" {
		errMsg := gjson.GetBytes(resBytes, "error.message").String()
		return "", fmt.Errorf("Couldn't find a stream link in response from StremThru: %v", errMsg)
	}
	c.logger.Debug("Got stream link", zap.String("streamLink", streamURL), zapFieldDebridSite, zapFieldAPIkey)

	return streamURL, nil
}

// addMagnet adds the magnet to the wrapped store and returns the magnet data.
// StremThru answers with 200 for known magnets and 201 for new ones.
func (c *Client) addMagnet(ctx context.Context, keyOrToken, magnet string) (gjson.Result, error) {
	zapFieldDebridSite := zap.String("debridSite", "StremThru:"+c.storeName)
	c.logger.Debug("Adding magnet to StremThru...", zapFieldDebridSite)
	reqBody, err := json.Marshal(map[string]string{"magnet": magnet})
	if err != nil {
		return gjson.Result{}, fmt.Errorf("Couldn't marshal magnet request: %v", err)
	}
	resBytes, err := c.postJSON(ctx, c.withOriginIP(ctx, c.apiURL+"/magnets"), keyOrToken, reqBody)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("Couldn't add magnet to StremThru: %v", err)
	}
	data := gjson.GetBytes(resBytes, "data")
	if !data.Exists() {
		errMsg := gjson.GetBytes(resBytes, "error.message").String()
		return gjson.Result{}, fmt.Errorf("Got error response from StremThru: %v", errMsg)
	}
	c.logger.Debug("Finished adding magnet to StremThru", zapFieldDebridSite)
	return data, nil
}

func (c *Client) magnetData(ctx context.Context, keyOrToken, magnetID string) (gjson.Result, error) {
	resBytes, err := c.get(ctx, c.withOriginIP(ctx, c.apiURL+"/magnets/"+magnetID), keyOrToken)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("Couldn't get magnet info from StremThru: %v", err)
	}
	data := gjson.GetBytes(resBytes, "data")
	if !data.Exists() {
		errMsg := gjson.GetBytes(resBytes, "error.message").String()
		return gjson.Result{}, fmt.Errorf("Got error response from StremThru: %v", errMsg)
	}
	return data, nil
}

func (c *Client) get(ctx context.Context, url, keyOrToken string) ([]byte, error) {
	return c.caller.Do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
		if err != nil {
			return nil, fmt.Errorf("Couldn't create GET request: %v", err)
		}
		c.setStoreHeaders(req, keyOrToken)
		return req, nil
	})
}

func (c *Client) postJSON(ctx context.Context, url, keyOrToken string, body []byte) ([]byte, error) {
	return c.caller.Do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, "POST", url, strings.NewReader(string(body)))
		if err != nil {
			return nil, fmt.Errorf("Couldn't create POST request: %v", err)
		}
		req.Header.Set("Content-Type", "application/json")
		c.setStoreHeaders(req, keyOrToken)
		return req, nil
	})
}

func (c *Client) setStoreHeaders(req *http.Request, keyOrToken string) {
	req.Header.Set("X-StremThru-Store-Name", c.storeName)
	req.Header.Set("X-StremThru-Store-Authorization", "Bearer "+keyOrToken)
	for headerKey, headerVal := range c.extraHeaders {
		req.Header.Add(headerKey, headerVal)
	}
}

// withOriginIP appends the requesting user's IP, so the wrapped store counts
// the download against the user's connection instead of this server's.
func (c *Client) withOriginIP(ctx context.Context, reqURL string) string {
	if !c.forwardOriginIP {
		return reqURL
	}
	originIP := debrid.OriginIP(ctx)
	if originIP == "" {
		return reqURL
	}
	separator := "?"
	if strings.Contains(reqURL, "?") {
		separator = "&"
	}
	return reqURL + separator + "client_ip=" + url.QueryEscape(originIP)
}

// magnetFiles converts StremThru file objects, keeping the store-side index.
func magnetFiles(fileResults []gjson.Result) []torrent.FileEntry {
	files := make([]torrent.FileEntry, 0, len(fileResults))
	for _, res := range fileResults {
		files = append(files, torrent.FileEntry{
			FileIndex: int(res.Get("index").Int()),
			FileName:  res.Get("name").String(),
			SizeBytes: res.Get("size").Int(),
		})
	}
	return files
}
