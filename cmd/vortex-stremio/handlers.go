package main

import (
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

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/doingodswork/vortex-stremio/pkg/apikey"
	"github.com/doingodswork/vortex-stremio/pkg/debrid"
	"github.com/doingodswork/vortex-stremio/pkg/indexer"
	"github.com/doingodswork/vortex-stremio/pkg/metadata"
	"github.com/doingodswork/vortex-stremio/pkg/playback"
	"github.com/doingodswork/vortex-stremio/pkg/search"
	"github.com/doingodswork/vortex-stremio/pkg/stremio"
	"github.com/doingodswork/vortex-stremio/pkg/torrent"
)

// Big Buck Bunny is in the cache of every debrid service out there, which
// makes it a good probe for the status endpoint and the tester CLI.
const bigBuckBunnyHash = "dd8255ecdc7ca55fb0bbf81323d87062db1f6d1c"

// Stream IDs come from Stremio as "tt1254207" for movies and
// "tt1475582:2:1" for series episodes.
var streamIDregex = regexp.MustCompile(`^tt\d{7,8}(:\d+:\d+)?$`)

// linkProxier is implemented by API key validators whose key records carry a
// proxied-links flag.
type linkProxier interface {
	ProxiedLinks(ctx context.Context, key string) bool
}

// proxyHTTPClient delivers proxied streams. No timeout, movies run for hours.
var proxyHTTPClient = &http.Client{}

func createHealthHandler(logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		logger.Debug("healthHandler called", zap.String("request", fmt.Sprintf("%+v", c.Request())))
		return c.SendString("OK")
	}
}

func createRootHandler(conf config, logger *zap.Logger) fiber.Handler {
	redirectURL := conf.RootURL
	if redirectURL == "" {
		redirectURL = "/configure"
	}
	return func(c *fiber.Ctx) error {
		logger.Debug("rootHandler called", zap.String("request", fmt.Sprintf("%+v", c.Request())))
		c.Set(fiber.HeaderLocation, redirectURL)
		return c.SendStatus(fiber.StatusMovedPermanently)
	}
}

func createManifestHandler(logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		logger.Debug("manifestHandler called", zap.String("request", fmt.Sprintf("%+v", c.Request())))

		// The manifest behind "/:userData/manifest.json" tells Stremio that
		// the addon is already configured, the one behind "/manifest.json"
		// that the user must visit the configuration page first.
		res := manifest
		if c.Params("userData", "") != "" {
			res.BehaviorHints.ConfigurationRequired = false
		}
		return c.JSON(res)
	}
}

func createStreamHandler(conf config, searcher *search.Orchestrator, metaFetcher *metadata.Fetcher, logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		logger.Debug("streamHandler called", zap.String("request", fmt.Sprintf("%+v", c.Request())))

		ud, ok := c.Locals(localsUserData).(userData)
		if !ok {
			logger.Error("Locals value is no userData object")
			return c.SendStatus(fiber.StatusInternalServerError)
		}
		services, ok := c.Locals(localsServices).([]search.Service)
		if !ok {
			logger.Error("Locals value is no service list")
			return c.SendStatus(fiber.StatusInternalServerError)
		}
		// Empty when API keys aren't required.
		userAPIkey, _ := c.Locals(localsAPIkey).(string)

		mediaType := c.Params("type", "")
		if mediaType != torrent.TypeMovie && mediaType != torrent.TypeSeries {
			return c.SendStatus(fiber.StatusNotFound)
		}
		id := c.Params("id", "")
		if unescaped, err := url.PathUnescape(id); err == nil {
			id = unescaped
		}
		if !streamIDregex.MatchString(id) {
			logger.Warn("Stream ID is malformed", zap.String("id", id))
			return c.SendStatus(fiber.StatusBadRequest)
		}
		imdbID := id
		season, episode := 0, 0
		if parts := strings.Split(id, ":"); len(parts) == 3 {
			imdbID = parts[0]
			// The regex guarantees digits.
			season, _ = strconv.Atoi(parts[1])
			episode, _ = strconv.Atoi(parts[2])
		}

		clientIP := requestIP(c)
		rCtx := debrid.WithOriginIP(c.Context(), clientIP)

		media, err := metaFetcher.GetMedia(rCtx, mediaType, imdbID, season, episode)
		if err != nil {
			logger.Warn("Couldn't get media metadata", zap.Error(err), zap.String("imdbID", imdbID))
			return c.SendStatus(fiber.StatusNotFound)
		}
		media.Languages = ud.Languages

		addonHost := ud.AddonHost
		if addonHost == "" {
			addonHost = conf.BaseURL
		}
		params := search.Params{
			Media:             media,
			APIKey:            userAPIkey,
			ClientIP:          clientIP,
			Services:          services,
			IndexerEnabled:    indexerFilter(ud),
			MinCachedResults:  ud.MinCachedResults,
			MaxResults:        ud.MaxResults,
			ResultsPerQuality: ud.ResultsPerQuality,
			Sort:              ud.Sort,
			Torrenting:        ud.Torrenting,
			SharePublic:       conf.SharePublicCache,
			AddonHost:         addonHost,
			ConfigB64:         c.Params("userData", ""),
		}
		streams, err := searcher.Search(rCtx, params)
		if err != nil {
			if errors.Is(err, search.ErrBusy) {
				logger.Info("Another search for the same media is already running", zap.String("imdbID", imdbID))
				return c.SendStatus(fiber.StatusServiceUnavailable)
			}
			logger.Error("Couldn't search for streams", zap.Error(err), zap.String("imdbID", imdbID))
			return c.SendStatus(fiber.StatusInternalServerError)
		}

		logger.Info("Responding with streams", zap.Int("count", len(streams)), zap.String("imdbID", imdbID))
		return c.JSON(stremio.StreamsResponse{Streams: streams})
	}
}

func createPlaybackHandler(resolver *playback.Resolver, clients *clientSet, validator apikey.Validator, logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		logger.Debug("playbackHandler called", zap.String("request", fmt.Sprintf("%+v", c.Request())))

		ud, ok := c.Locals(localsUserData).(userData)
		if !ok {
			logger.Error("Locals value is no userData object")
			return c.SendStatus(fiber.StatusInternalServerError)
		}
		services, ok := c.Locals(localsServices).([]search.Service)
		if !ok {
			logger.Error("Locals value is no service list")
			return c.SendStatus(fiber.StatusInternalServerError)
		}
		userAPIkey, _ := c.Locals(localsAPIkey).(string)

		query, err := stremio.DecodeQuery(c.Params("query", ""))
		if err != nil {
			logger.Warn("Couldn't decode stream query", zap.Error(err))
			return c.SendStatus(fiber.StatusBadRequest)
		}
		service, err := clients.playbackService(ud, services, query.Service)
		if err != nil {
			logger.Error("Couldn't determine playback service", zap.Error(err), zap.String("service", query.Service))
			return c.SendStatus(fiber.StatusInternalServerError)
		}

		clientIP := requestIP(c)
		rCtx := debrid.WithOriginIP(c.Context(), clientIP)
		link, err := resolver.Resolve(rCtx, playback.Params{
			Query:    query,
			Client:   service.Client,
			Token:    service.Token,
			APIKey:   userAPIkey,
			ClientIP: clientIP,
		})
		if err != nil {
			if errors.Is(err, playback.ErrBusy) {
				logger.Info("Another playback request for the same stream holds the lock", zap.String("service", query.Service))
				return c.SendStatus(fiber.StatusServiceUnavailable)
			} else if errors.Is(err, debrid.ErrNoFileInTorrent) {
				logger.Warn("Torrent has no playable file", zap.String("service", query.Service))
				return c.SendStatus(fiber.StatusNotFound)
			}
			logger.Error("Couldn't resolve stream link", zap.Error(err), zap.String("service", query.Service))
			return c.SendStatus(fiber.StatusInternalServerError)
		}

		if query.Service == debrid.ServiceDownload {
			// The service is still fetching the torrent, so the link is the
			// placeholder clip. A temporary redirect keeps players retrying
			// the playback URL instead of remembering the placeholder.
			c.Set(fiber.HeaderLocation, link)
			return c.SendStatus(fiber.StatusFound)
		}

		proxied := false
		if proxier, ok := validator.(linkProxier); ok && userAPIkey != "" {
			proxied = proxier.ProxiedLinks(rCtx, userAPIkey)
		}
		if !proxied {
			logger.Info("Redirecting to stream link", zap.String("service", query.Service))
			c.Set(fiber.HeaderLocation, link)
			return c.SendStatus(fiber.StatusMovedPermanently)
		}
		if storeOf(service.Client) == "torbox" {
			// TorBox CDN links reject server-side fetching, so they're
			// redirected even for proxied users.
			c.Set(fiber.HeaderLocation, link)
			return c.SendStatus(fiber.StatusFound)
		}

		logger.Info("Proxying stream", zap.String("service", query.Service))
		return proxyStream(c, link, logger)
	}
}

// createPlaybackHeadHandler answers the HEAD requests some players send
// before the GET. 202 signals that the download service is still fetching
// the torrent, 200 that playback can start.
func createPlaybackHeadHandler(resolver *playback.Resolver, logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		logger.Debug("playbackHeadHandler called", zap.String("request", fmt.Sprintf("%+v", c.Request())))

		userAPIkey, _ := c.Locals(localsAPIkey).(string)
		query, err := stremio.DecodeQuery(c.Params("query", ""))
		if err != nil {
			logger.Warn("Couldn't decode stream query", zap.Error(err))
			return c.SendStatus(fiber.StatusBadRequest)
		}

		c.Set(fiber.HeaderContentType, "video/mp4")
		c.Set("Accept-Ranges", "bytes")
		params := playback.Params{
			Query:    query,
			APIKey:   userAPIkey,
			ClientIP: requestIP(c),
		}
		if resolver.InProgress(c.Context(), params) {
			return c.SendStatus(fiber.StatusAccepted)
		}
		return c.SendStatus(fiber.StatusOK)
	}
}

// createAggregatedPlaybackHandler handles playback URLs that pin a specific
// aggregator store in the path, the shape shared result caches hand out.
func createAggregatedPlaybackHandler(resolver *playback.Resolver, clients *clientSet, logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		logger.Debug("aggregatedPlaybackHandler called", zap.String("request", fmt.Sprintf("%+v", c.Request())))

		ud, ok := c.Locals(localsUserData).(userData)
		if !ok {
			logger.Error("Locals value is no userData object")
			return c.SendStatus(fiber.StatusInternalServerError)
		}
		userAPIkey, _ := c.Locals(localsAPIkey).(string)

		storeCode := strings.ToUpper(c.Params("store", ""))
		store, found := storeNamesByCode[storeCode]
		if !found {
			logger.Error("Playback URL names an unknown store", zap.String("store", storeCode))
			return c.SendStatus(fiber.StatusInternalServerError)
		}
		query, err := stremio.DecodeQuery(c.Params("query", ""))
		if err != nil {
			logger.Warn("Couldn't decode stream query", zap.Error(err))
			return c.SendStatus(fiber.StatusBadRequest)
		}
		client, err := clients.stremThruClient(ud, store)
		if err != nil {
			logger.Error("Couldn't create aggregator client", zap.Error(err), zap.String("store", store))
			return c.SendStatus(fiber.StatusInternalServerError)
		}

		clientIP := requestIP(c)
		rCtx := debrid.WithOriginIP(c.Context(), clientIP)
		link, err := resolver.Resolve(rCtx, playback.Params{
			Query:  query,
			Client: client,
			// Empty when the aggregator instance holds the credential itself.
			Token:    string(ud.storeToken(store)),
			APIKey:   userAPIkey,
			ClientIP: clientIP,
		})
		if err != nil {
			if errors.Is(err, playback.ErrBusy) {
				return c.SendStatus(fiber.StatusServiceUnavailable)
			} else if errors.Is(err, debrid.ErrNoFileInTorrent) {
				return c.SendStatus(fiber.StatusNotFound)
			}
			logger.Error("Couldn't resolve stream link", zap.Error(err), zap.String("store", store))
			return c.SendStatus(fiber.StatusInternalServerError)
		}

		logger.Info("Redirecting to aggregated stream link", zap.String("store", store))
		c.Set(fiber.HeaderLocation, link)
		return c.SendStatus(fiber.StatusFound)
	}
}

func createAggregatedPlaybackHeadHandler(logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		logger.Debug("aggregatedPlaybackHeadHandler called", zap.String("request", fmt.Sprintf("%+v", c.Request())))
		c.Set(fiber.HeaderContentType, "video/mp4")
		return c.SendStatus(fiber.StatusOK)
	}
}

func createStatusHandler(searchers []indexer.Searcher, clients *clientSet, metaFetcher *metadata.Fetcher, logger *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		logger.Debug("statusHandler called", zap.String("request", fmt.Sprintf("%+v", c.Request())))

		imdbID := c.Query("imdbid", "")
		if imdbID == "" {
			logger.Warn("\"/status\" was called without IMDb ID")
			return c.SendStatus(fiber.StatusBadRequest)
		}

		start := time.Now()
		res := "{\n"

		rCtx := c.Context()
		media, err := metaFetcher.GetMedia(rCtx, torrent.TypeMovie, imdbID, 0, 0)
		res += "\t\"metadata\": {\n"
		if err != nil {
			res += "\t\t\"err\":\"" + err.Error() + "\",\n"
		} else {
			res += "\t\t\"title\":\"" + strings.Join(media.Titles, " / ") + "\",\n"
			res += "\t\t\"year\":\"" + media.Year + "\",\n"
		}
		res += "\t\t\"duration\": \"" + strconv.Itoa(int(time.Since(start).Milliseconds())) + "ms\"\n"
		res += "\t},\n"

		// Only probe the indexers when the metadata lookup gave us something
		// to search for.
		if err == nil {
			lock := sync.Mutex{}
			sections := map[string]string{}
			wg := sync.WaitGroup{}
			wg.Add(len(searchers))
			for _, searcher := range searchers {
				go func(searcher indexer.Searcher) {
					defer wg.Done()
					probeStart := time.Now()
					section := "\t\"" + searcher.Name() + "\": {\n"
					results, probeErr := searcher.Search(rCtx, media)
					if probeErr != nil {
						section += "\t\t\"err\":\"" + probeErr.Error() + "\",\n"
					} else {
						section += "\t\t\"resCount\":\"" + strconv.Itoa(len(results)) + "\",\n"
						if len(results) > 0 {
							section += "\t\t\"resExample\":\"" + results[0].Title + "\",\n"
						}
					}
					section += "\t\t\"duration\": \"" + strconv.Itoa(int(time.Since(probeStart).Milliseconds())) + "ms\"\n"
					section += "\t},\n"
					lock.Lock()
					defer lock.Unlock()
					sections[searcher.Name()] = section
				}(searcher)
			}
			wg.Wait()
			// Stable section order makes diffs between two status calls useful.
			for _, searcher := range searchers {
				res += sections[searcher.Name()]
			}
		}

		// Debrid service probe, when a token was passed.
		if service, token := c.Query("service", ""), c.Query("token", ""); service != "" && token != "" {
			probeStart := time.Now()
			res += "\t\"" + service + "\": {\n"
			client, probeErr := clients.probeClient(service)
			if probeErr == nil {
				probeErr = client.TestToken(rCtx, token)
			}
			if probeErr == nil {
				var availability map[string]torrent.Availability
				availability, probeErr = client.CheckAvailability(rCtx, token, bigBuckBunnyHash)
				if probeErr == nil {
					_, cached := availability[bigBuckBunnyHash]
					res += "\t\t\"bigBuckBunnyCached\":\"" + strconv.FormatBool(cached) + "\",\n"
				}
			}
			if probeErr != nil {
				res += "\t\t\"err\":\"" + probeErr.Error() + "\",\n"
			}
			res += "\t\t\"duration\": \"" + strconv.Itoa(int(time.Since(probeStart).Milliseconds())) + "ms\"\n"
			res += "\t},\n"
		}

		res = strings.TrimRight(res, ",\n") + "\n"
		res += "}"

		logger.Info("Responding to status request", zap.Int("durationMS", int(time.Since(start).Milliseconds())))
		c.Set(fiber.HeaderContentType, "application/json")
		return c.SendString(res)
	}
}

// proxyStream fetches the link server-side and relays the response, for
// users whose API key asks for proxied links. The Range header is passed
// through so players can seek.
func proxyStream(c *fiber.Ctx, link string, logger *zap.Logger) error {
	req, err := http.NewRequestWithContext(c.Context(), http.MethodGet, link, nil)
	if err != nil {
		logger.Error("Couldn't create proxy request", zap.Error(err))
		return c.SendStatus(fiber.StatusInternalServerError)
	}
	if rangeHeader := c.Get(fiber.HeaderRange); rangeHeader != "" {
		req.Header.Set(fiber.HeaderRange, rangeHeader)
	}
	res, err := proxyHTTPClient.Do(req)
	if err != nil {
		logger.Error("Couldn't fetch stream for proxying", zap.Error(err), zap.String("link", link))
		return c.SendStatus(fiber.StatusBadGateway)
	}

	c.Set(fiber.HeaderContentType, "video/mp4")
	c.Set("Accept-Ranges", "bytes")
	c.Set(fiber.HeaderCacheControl, "no-store, no-cache, must-revalidate, max-age=0")
	c.Set(fiber.HeaderContentDisposition, "inline")
	for _, header := range []string{fiber.HeaderContentRange, fiber.HeaderETag, fiber.HeaderLastModified} {
		if val := res.Header.Get(header); val != "" {
			c.Set(header, val)
		}
	}
	// fasthttp closes the body once the stream is done.
	if res.ContentLength >= 0 {
		return c.Status(res.StatusCode).SendStream(res.Body, int(res.ContentLength))
	}
	return c.Status(res.StatusCode).SendStream(res.Body)
}

// requestIP is the caller's IP, preferring the first X-Forwarded-For entry
// set by a reverse proxy.
func requestIP(c *fiber.Ctx) string {
	if xff := c.Get(fiber.HeaderXForwardedFor); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	return c.IP()
}

// indexerFilter turns the user's indexer toggles into the filter func the
// search orchestrator takes. Indexers without a toggle stay enabled, so new
// indexers don't silently vanish for users with old configurations.
func indexerFilter(ud userData) func(string) bool {
	enabled := map[string]bool{
		"cache":     ud.Cache,
		"jackett":   ud.Jackett,
		"zilean":    ud.Zilean,
		"yggflix":   ud.YggFlix,
		"sharewood": ud.Sharewood,
	}
	return func(name string) bool {
		on, found := enabled[name]
		return !found || on
	}
}
