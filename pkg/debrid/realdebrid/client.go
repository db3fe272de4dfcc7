// Package realdebrid implements the debrid.Client contract for RealDebrid.
package realdebrid

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"sort"
	"strconv"
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
	ForwardOriginIP bool
}

func NewClientOpts(baseURL string, timeout, cacheAge time.Duration, extraHeaders []string, forwardOriginIP bool) ClientOptions {
	return ClientOptions{
		BaseURL:         baseURL,
		Timeout:         timeout,
		CacheAge:        cacheAge,
		ExtraHeaders:    extraHeaders,
		ForwardOriginIP: forwardOriginIP,
	}
}

var DefaultClientOpts = ClientOptions{
	BaseURL:  "https://api.real-debrid.com",
	Timeout:  20 * time.Second,
	CacheAge: 24 * time.Hour,
}

var _ debrid.Client = (*Client)(nil)

type Client struct {
	baseURL string
	caller  *debrid.Caller
	// For API token validity
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
		tokenCache:      tokenCache,
		cacheAge:        opts.CacheAge,
		extraHeaders:    extraHeaderMap,
		forwardOriginIP: opts.ForwardOriginIP,
		logger:          logger,
	}, nil
}

func (c *Client) Code() string {
	return torrent.CodeRealDebrid
}

func (c *Client) TestToken(ctx context.Context, keyOrToken string) error {
	zapFieldDebridSite := zap.String("debridSite", "RealDebrid")
	zapFieldAPItoken := zap.String("keyOrToken", keyOrToken)
	c.logger.Debug("Testing token...", zapFieldDebridSite, zapFieldAPItoken)

	// Check cache first.
	// Note: Only valid tokens are cached, because a valid token is likely to stay valid for a while, whereas an invalid one can become valid again any moment (e.g. the user extends his premium status).
	created, found, err := c.tokenCache.Get(keyOrToken)
	if err != nil {
		c.logger.Error("Couldn't decode token cache item", zap.Error(err), zapFieldDebridSite, zapFieldAPItoken)
	} else if !found {
		c.logger.Debug("API token not found in cache", zapFieldDebridSite, zapFieldAPItoken)
	} else if time.Since(created) > c.cacheAge {
		expiredSince := time.Since(created.Add(c.cacheAge))
		c.logger.Debug("Token cached as valid, but item is expired", zap.Duration("expiredSince", expiredSince), zapFieldDebridSite, zapFieldAPItoken)
	} else {
		c.logger.Debug("Token cached as valid", zapFieldDebridSite, zapFieldAPItoken)
		return nil
	}

	resBytes, err := c.get(ctx, c.baseURL+"/rest/1.0/user", keyOrToken)
	if err != nil {
		return fmt.Errorf("Couldn't fetch user info from real-debrid.com with the provided token: %v", err)
	}
	if !gjson.GetBytes(resBytes, "id").Exists() {
		return fmt.Errorf("Couldn't parse user info response from real-debrid.com")
	}

	c.logger.Debug("Token OK", zapFieldDebridSite, zapFieldAPItoken)

	// Create cache item
	if err = c.tokenCache.Set(keyOrToken); err != nil {
		c.logger.Error("Couldn't cache API token", zap.Error(err), zapFieldDebridSite, zapFieldAPItoken)
	}

	return nil
}

func (c *Client) CheckAvailability(ctx context.Context, keyOrToken string, infoHashes ...string) (map[string]torrent.Availability, error) {
	zapFieldDebridSite := zap.String("debridSite", "RealDebrid")
	zapFieldAPItoken := zap.String("keyOrToken", keyOrToken)

	// Precondition check
	if len(infoHashes) == 0 {
		return nil, nil
	}

	url := c.baseURL + "/rest/1.0/torrents/instantAvailability"
	for _, infoHash := range infoHashes {
		url += "/" + infoHash
	}
	resBytes, err := c.get(ctx, url, keyOrToken)
	if err != nil {
		return nil, fmt.Errorf("Couldn't check torrents' instant availability on real-debrid.com: %v", err)
	}
	if !gjson.ValidBytes(resBytes) {
		c.logger.Warn("Got invalid JSON in instant availability response", zapFieldDebridSite, zapFieldAPItoken)
		return nil, nil
	}

	// The response object is keyed by info_hash. A hash is cached when its
	// "rd" element holds at least one file variant.
	availabilities := map[string]torrent.Availability{}
	gjson.ParseBytes(resBytes).ForEach(func(key gjson.Result, value gjson.Result) bool {
		variants := value.Get("rd").Array()
		if len(variants) == 0 {
			return true
		}
		infoHash := strings.ToLower(key.String())
		availabilities[infoHash] = torrent.Availability{
			InfoHash: infoHash,
			Cached:   true,
			Files:    filesFromVariants(variants),
			Store:    torrent.CodeRealDebrid,
		}
		return true
	})
	c.logger.Debug("Checked instant availability",
		zap.Int("requested", len(infoHashes)),
		zap.Int("available", len(availabilities)),
		zapFieldDebridSite, zapFieldAPItoken)
	return availabilities, nil
}

func (c *Client) AddMagnet(ctx context.Context, keyOrToken, magnet string) (*debrid.AddResult, error) {
	zapFieldDebridSite := zap.String("debridSite", "RealDebrid")
	zapFieldAPItoken := zap.String("keyOrToken", keyOrToken)
	c.logger.Debug("Adding torrent to RealDebrid...", zapFieldDebridSite, zapFieldAPItoken)
	data := url.Values{}
	data.Set("magnet", magnet)
	resBytes, err := c.post(ctx, c.baseURL+"/rest/1.0/torrents/addMagnet", keyOrToken, data)
	if err != nil {
		return nil, fmt.Errorf("Couldn't add torrent to RealDebrid: %v", err)
	}
	torrentID := gjson.GetBytes(resBytes, "id").String()
	if torrentID == "" {
		return nil, errors.New("Couldn't add torrent to RealDebrid: response body doesn't contain \"id\" key")
	}
	c.logger.Debug("Finished adding torrent to RealDebrid", zapFieldDebridSite, zapFieldAPItoken)

	resBytes, err = c.get(ctx, c.baseURL+"/rest/1.0/torrents/info/"+torrentID, keyOrToken)
	if err != nil {
		return nil, fmt.Errorf("Couldn't get torrent info from real-debrid.com: %v", err)
	}
	return &debrid.AddResult{
		ID:    torrentID,
		Files: torrentInfoFiles(resBytes),
	}, nil
}

func (c *Client) GetStreamLink(ctx context.Context, keyOrToken string, query debrid.StreamQuery) (string, error) {
	zapFieldDebridSite := zap.String("debridSite", "RealDebrid")
	zapFieldAPItoken := zap.String("keyOrToken", keyOrToken)

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
	if len(addResult.Files) == 0 {
		return "", debrid.ErrNoFileInTorrent
	}
	file, err := debrid.SelectFile(query, addResult.Files)
	if err != nil {
		return "", fmt.Errorf("Couldn't find proper file in torrent: %v", err)
	}

	// Add the selected file to the RealDebrid downloads

	c.logger.Debug("Adding torrent to RealDebrid downloads...", zapFieldDebridSite, zapFieldAPItoken)
	data := url.Values{}
	data.Set("files", strconv.Itoa(file.FileIndex))
	_, err = c.post(ctx, c.baseURL+"/rest/1.0/torrents/selectFiles/"+addResult.ID, keyOrToken, data)
	if err != nil {
		return "", fmt.Errorf("Couldn't add torrent to RealDebrid downloads: %v", err)
	}
	c.logger.Debug("Finished adding torrent to RealDebrid downloads", zapFieldDebridSite, zapFieldAPItoken)

	// Wait for the torrent to be downloaded

	infoURL := c.baseURL + "/rest/1.0/torrents/info/" + addResult.ID
	c.logger.Debug("Checking torrent status...", zapFieldDebridSite, zapFieldAPItoken)
	torrentStatus := ""
	waitForDownloadSeconds := 5
	waitedForDownloadSeconds := 0
	var resBytes []byte
	for torrentStatus != "downloaded" {
		resBytes, err = c.get(ctx, infoURL, keyOrToken)
		if err != nil {
			return "", fmt.Errorf("Couldn't get torrent info from real-debrid.com: %v", err)
		}
		torrentStatus = gjson.GetBytes(resBytes, "status").String()
		// Stop immediately if an error occurred.
		// Possible status: magnet_error, magnet_conversion, waiting_files_selection, queued, downloading, downloaded, error, virus, compressing, uploading, dead
		if torrentStatus == "magnet_error" ||
			torrentStatus == "error" ||
			torrentStatus == "virus" ||
			torrentStatus == "dead" {
			return "", fmt.Errorf("Bad torrent status: %v", torrentStatus)
		}
		if torrentStatus != "downloaded" {
			if waitedForDownloadSeconds >= waitForDownloadSeconds {
				zapFieldWaited := zap.String("waited", strconv.Itoa(waitForDownloadSeconds)+"s")
				c.logger.Debug("Torrent not downloaded yet", zapFieldWaited, zap.String("torrentStatus", torrentStatus), zapFieldDebridSite, zapFieldAPItoken)
				return "", fmt.Errorf("Torrent still %v on real-debrid.com after waiting for %v seconds", torrentStatus, waitForDownloadSeconds)
			}
			waitedForDownloadSeconds++
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Second):
			}
		}
	}
	links := gjson.GetBytes(resBytes, "links").Array()
	if len(links) == 0 {
		return "", errors.New("Couldn't get torrent info from real-debrid.com: response body doesn't contain \"links\" key")
	}
	debridURL := links[0].String()
	c.logger.Debug("Torrent is downloaded", zapFieldDebridSite, zapFieldAPItoken)

	// Unrestrict the link

	c.logger.Debug("Unrestricting link...", zapFieldDebridSite, zapFieldAPItoken)
	data = url.Values{}
	data.Set("link", debridURL)
	if c.forwardOriginIP {
		if ip := debrid.OriginIP(ctx); ip != "" {
			data.Set("ip", ip)
		}
	}
	resBytes, err = c.post(ctx, c.baseURL+"/rest/1.0/unrestrict/link", keyOrToken, data)
	if err != nil {
		return "", fmt.Errorf("Couldn't unrestrict link: %v", err)
	}
	streamURL := gjson.GetBytes(resBytes, "download").String()
	c.logger.Debug("Unrestricted link", zap.String("unrestrictedLink", streamURL), zapFieldDebridSite, zapFieldAPItoken)

	return streamURL, nil
}

func (c *Client) get(ctx context.Context, url, keyOrToken string) ([]byte, error) {
	resBytes, err := c.caller.Do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
		if err != nil {
			return nil, fmt.Errorf("Couldn't create GET request: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+keyOrToken)
		c.setCommonHeaders(req)
		return req, nil
	})
	return resBytes, replaceStatusError(err)
}

func (c *Client) post(ctx context.Context, url, keyOrToken string, data url.Values) ([]byte, error) {
	resBytes, err := c.caller.Do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, "POST", url, strings.NewReader(data.Encode()))
		if err != nil {
			return nil, fmt.Errorf("Couldn't create POST request: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+keyOrToken)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		c.setCommonHeaders(req)
		return req, nil
	})
	return resBytes, replaceStatusError(err)
}

func (c *Client) setCommonHeaders(req *http.Request) {
	for headerKey, headerVal := range c.extraHeaders {
		req.Header.Add(headerKey, headerVal)
	}
	// In case RD blocks requests based on User-Agent
	fakeVersion := strconv.Itoa(rand.Intn(10000))
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/80.0."+fakeVersion+".149 Safari/537.36")
}

// replaceStatusError turns the two RealDebrid status codes with a fixed
// meaning into readable errors.
func replaceStatusError(err error) error {
	var statusErr *debrid.StatusError
	if !errors.As(err, &statusErr) {
		return err
	}
	if statusErr.Code == http.StatusUnauthorized {
		return fmt.Errorf("Invalid token")
	}
	if statusErr.Code == http.StatusForbidden {
		return fmt.Errorf("Account locked")
	}
	return err
}

// filesFromVariants flattens the instant availability file variants.
// Each variant is an object keyed by the RealDebrid file ID, and the same
// file can appear in several variants.
func filesFromVariants(variants []gjson.Result) []torrent.FileEntry {
	seen := map[int]bool{}
	var files []torrent.FileEntry
	for _, variant := range variants {
		variant.ForEach(func(id gjson.Result, file gjson.Result) bool {
			fileID, err := strconv.Atoi(id.String())
			if err != nil || seen[fileID] {
				return true
			}
			seen[fileID] = true
			files = append(files, torrent.FileEntry{
				FileIndex: fileID,
				FileName:  file.Get("filename").String(),
				SizeBytes: file.Get("filesize").Int(),
			})
			return true
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].FileIndex < files[j].FileIndex })
	return files
}

// torrentInfoFiles reads the file list of a torrents/info response.
// RealDebrid file IDs start at 1.
func torrentInfoFiles(resBytes []byte) []torrent.FileEntry {
	fileResults := gjson.GetBytes(resBytes, "files").Array()
	files := make([]torrent.FileEntry, 0, len(fileResults))
	for _, res := range fileResults {
		files = append(files, torrent.FileEntry{
			FileIndex: int(res.Get("id").Int()),
			FileName:  res.Get("path").String(),
			SizeBytes: res.Get("bytes").Int(),
		})
	}
	return files
}
