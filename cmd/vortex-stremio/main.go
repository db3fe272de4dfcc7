package main

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"io/ioutil"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/VictoriaMetrics/fastcache"
	gostremio "github.com/deflix-tv/go-stremio"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/filesystem"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/markbates/pkger"
	gocache "github.com/patrickmn/go-cache"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/doingodswork/vortex-stremio/pkg/apikey"
	"github.com/doingodswork/vortex-stremio/pkg/cachestore"
	"github.com/doingodswork/vortex-stremio/pkg/debrid/alldebrid"
	"github.com/doingodswork/vortex-stremio/pkg/debrid/premiumize"
	"github.com/doingodswork/vortex-stremio/pkg/debrid/realdebrid"
	"github.com/doingodswork/vortex-stremio/pkg/debrid/stremthru"
	"github.com/doingodswork/vortex-stremio/pkg/debrid/torbox"
	"github.com/doingodswork/vortex-stremio/pkg/indexer"
	"github.com/doingodswork/vortex-stremio/pkg/metadata"
	"github.com/doingodswork/vortex-stremio/pkg/playback"
	"github.com/doingodswork/vortex-stremio/pkg/search"
	"github.com/doingodswork/vortex-stremio/pkg/stremio"
)

const (
	version = "0.4.0"
)

var manifest = stremio.Manifest{
	ID:          "tv.vortex.stremio",
	Name:        "Vortex",
	Description: "Searches torrent indexers like Jackett, Zilean, YGG and Sharewood for movies and TV shows and automatically turns them into cached HTTP streams with a debrid service like RealDebrid, AllDebrid, Premiumize or TorBox, for high speed 4k streaming and no P2P uploading (!)",
	Version:     version,

	ResourceItems: []stremio.ResourceItem{
		{
			Name:  "stream",
			Types: []string{"movie", "series"},
			// Shouldn't be required as long as they're defined globally in the manifest, but some Stremio clients send stream requests for non-IMDb IDs, so maybe setting this here as well helps
			IDprefixes: []string{"tt"},
		},
	},
	Types: []string{"movie", "series"},
	// An empty slice is required for serializing to a JSON that Stremio expects
	Catalogs: []stremio.CatalogItem{},

	IDprefixes: []string{"tt"},

	BehaviorHints: stremio.ManifestBehaviorHints{
		Configurable:          true,
		ConfigurationRequired: true,
	},
}

var (
	// Timeout used for HTTP requests in the metadata client.
	// The indexer clients have their own, longer timeouts.
	timeout = 5 * time.Second
	// Timeout for a single HTTP request in the debrid clients. Their retry
	// ladder sits on top of this, so a slow provider can occupy a request
	// for several times this duration.
	debridTimeout = 20 * time.Second
	// Expiration for cached users' API keys and tokens.
	// A user who streamed something yesterday shouldn't need a verification request today.
	tokenExpiration = 24 * time.Hour
	// Size of the in-memory Cinemeta cache. Metas are small, so this fits
	// hundreds of thousands of them.
	cinemetaCacheSize = 32 * 1024 * 1024
)

// The shared store: Redis when configured, embedded BadgerDB otherwise.
var store cachestore.Store

// In-memory caches, filled from a file on startup and persisted to a file in
// regular intervals.
var (
	// fastcache
	cinemetaCache *metaCache
	// go-cache
	tokenCache *creationCache
)

// Clients
var (
	metaFetcher   *metadata.Fetcher
	searchers     []indexer.Searcher
	indexerClient *indexer.Client
	publicCache   *indexer.PublicCache
	clients       *clientSet
)

func init() {
	// Timeout for global default HTTP client (for when using `http.Get()`)
	http.DefaultClient.Timeout = 5 * time.Second

	// Make predicting "random" numbers harder
	rand.NewSource(time.Now().UnixNano())

	// Register types for gob en- and decoding, required when using go-cache, because a go-cache item is always an `interface{}`.
	registerTypes()
}

func main() {
	mainCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Create an "info" logger at first, replace later in case the logging level is configured to be something else
	logger, err := gostremio.NewLogger("info", "console")
	if err != nil {
		panic(err)
	}

	// Parse and validate config

	logger.Info("Parsing config...")
	config := parseConfig(logger)
	configJSON, err := json.Marshal(config)
	if err != nil {
		logger.Fatal("Couldn't marshal config to JSON", zap.Error(err))
	}
	if config.LogLevel != "info" || config.LogEncoding != "console" {
		// Replace previously created logger
		if logger, err = gostremio.NewLogger(config.LogLevel, config.LogEncoding); err != nil {
			logger.Fatal("Couldn't create new logger", zap.Error(err))
		}
	}
	logger.Info("Parsed config", zap.ByteString("config", configJSON))

	config.validate(logger)
	logger.Info("Validated config")

	// Load or create caches and stores

	// Caches first, because some things can go wrong here, and we don't have the store closer yet, which can lead to corrupted BadgerDB files.
	initCaches(config, logger)

	closer := initStores(config, logger)
	defer func() {
		if err := closer(); err != nil {
			logger.Error("Couldn't close all stores", zap.Error(err))
		}
	}()

	// Create clients

	initClients(config, logger)
	defer func() {
		if err := metaFetcher.Close(); err != nil {
			logger.Error("Couldn't close metadata fetcher", zap.Error(err))
		}
	}()

	// Search orchestrator and playback resolver

	searchOpts := search.DefaultOptions
	searchOpts.MediaCacheTTL = config.MaxAgeTorrents
	searcher := search.NewOrchestrator(searchOpts, store, indexerClient, publicCache, logger)

	playbackOpts := playback.DefaultOptions
	if config.PlaceholderVideoURL != "" {
		playbackOpts.PlaceholderURL = config.PlaceholderVideoURL
	}
	resolver := playback.NewResolver(playbackOpts, store, logger)

	var validator apikey.Validator = apikey.Noop{}
	if config.RequireAPIkeys {
		validator = apikey.NewStoreValidator(store, logger)
	}

	// Init cache maps

	fastCaches := map[string]*fastcache.Cache{
		"cinemeta": cinemetaCache.cache,
	}
	goCaches := map[string]*gocache.Cache{
		"token": tokenCache.cache,
	}
	// Log cache stats every hour
	go func() {
		// Don't run at the same time as the persistence
		time.Sleep(time.Minute)
		for {
			logCacheStats(fastCaches, goCaches, logger)
			time.Sleep(time.Hour)
		}
	}()
	// Save caches to files every hour
	go func() {
		for {
			time.Sleep(time.Hour)
			persistCaches(mainCtx, config.CachePath, fastCaches, goCaches, logger)
		}
	}()

	// Web files for "/configure"

	var httpFS http.FileSystem
	if config.WebConfigurePath == "" {
		pkgerDir := pkger.Dir("/web/configure")
		mm := afero.NewMemMapFs()
		// Copy all files from pkger to afero memory-mapped FS.
		// This is a workaround so we can *write* a file to it.
		for _, fName := range []string{"/vortex.css", "/index-apikey.html", "/index-oauth2.html"} {
			f, err := pkgerDir.Open(fName)
			if err != nil {
				logger.Fatal("Couldn't open "+fName, zap.Error(err))
			}
			fData, err := ioutil.ReadAll(f)
			if err != nil {
				logger.Fatal("Couldn't read "+fName, zap.Error(err))
			}
			absPath := "/" + fName
			if err = afero.WriteFile(mm, absPath, fData, 0644); err != nil {
				logger.Fatal("Couldn't write to "+absPath, zap.Error(err))
			}
		}

		// Rename one of the index.html files depending on OAuth2 configuration
		var fromPath string
		if config.UseOAUTH2 {
			fromPath = "/index-oauth2.html"
		} else {
			fromPath = "/index-apikey.html"
		}
		from, err := mm.Open(fromPath)
		if err != nil {
			logger.Fatal("Couldn't open "+fromPath, zap.Error(err))
		}
		to, err := mm.Create("/index.html")
		if err != nil {
			logger.Fatal(`Couldn't create "/index.html"`, zap.Error(err))
		}
		fromBytes, err := ioutil.ReadAll(from)
		if err != nil {
			logger.Fatal("Couldn't read "+fromPath, zap.Error(err))
		}
		_, err = to.Write(fromBytes)
		if err != nil {
			logger.Fatal(`Couldn't write "/index.html"`, zap.Error(err))
		}

		// Clean up memory and FS a bit by removing the unnecessary files.
		// FS because we don't want people to access `www.example.com/index-apikey.html` for example.
		if err = mm.Remove("/index-oauth2.html"); err != nil {
			logger.Fatal(`Couldn't remove "/index-oauth2.html"`, zap.Error(err))
		}
		if err = mm.Remove("/index-apikey.html"); err != nil {
			logger.Fatal(`Couldn't remove "/index-apikey.html"`, zap.Error(err))
		}
		httpFS = afero.NewHttpFs(mm)
	} else {
		configurePath := filepath.Clean(config.WebConfigurePath)
		logger.Info("Cleaned web configure path", zap.String("path", configurePath))
		httpFS = http.Dir(configurePath)
	}

	// OAuth2 configuration

	var confRD oauth2.Config
	var confPM oauth2.Config
	if config.UseOAUTH2 {
		confRD = oauth2.Config{
			ClientID:     config.OAUTH2clientIDrd,
			ClientSecret: config.OAUTH2clientSecretRD,
			RedirectURL:  config.BaseURL + "/oauth2/install/rd",
			Endpoint: oauth2.Endpoint{
				AuthURL:  config.OAUTH2authorizeURLrd,
				TokenURL: config.OAUTH2tokenURLrd,
			},
		}
		confPM = oauth2.Config{
			ClientID:     config.OAUTH2clientIDpm,
			ClientSecret: config.OAUTH2clientSecretPM,
			RedirectURL:  config.BaseURL + "/oauth2/install/pm",
			Endpoint: oauth2.Endpoint{
				AuthURL:  config.OAUTH2authorizeURLpm,
				TokenURL: config.OAUTH2tokenURLpm,
			},
		}
	}

	// Fiber app

	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			logger.Error("Fiber's error handler was called", zap.Error(err), zap.String("url", c.OriginalURL()))
			c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
			return c.Status(code).SendString("An internal server error occurred")
		},
		DisableStartupMessage: true,
		ReadTimeout:           timeout,
		// Docker stop only gives us 10s. We want to close all connections before that.
		WriteTimeout: 9 * time.Second,
		IdleTimeout:  9 * time.Second,
	})
	app.Use(recover.New())
	app.Use(createLoggingMiddleware(logger))
	// Stremio doesn't show stream responses when no CORS middleware is used!
	corsMiddleware := cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Accept, Accept-Language, Content-Type, Origin",
		AllowMethods: "GET, HEAD",
	})

	userDataMiddleware := createUserDataMiddleware(logger)
	apiKeyMiddleware := createAPIkeyMiddleware(validator, logger)
	tokenMiddleware := createTokenMiddleware(clients, logger)

	// Routes

	app.Get("/health", createHealthHandler(logger))
	// Requires URL query: "?imdbid=123", optionally "&service=RD&token=foo"
	app.Get("/status", createStatusHandler(searchers, clients, metaFetcher, logger))
	app.Get("/", createRootHandler(config, logger))

	manifestHandler := createManifestHandler(logger)
	app.Get("/manifest.json", corsMiddleware, manifestHandler)
	app.Get("/:userData/manifest.json", corsMiddleware, userDataMiddleware, apiKeyMiddleware, manifestHandler)

	streamHandler := createStreamHandler(config, searcher, metaFetcher, logger)
	app.Get("/:userData/stream/:type/:id.json", corsMiddleware, userDataMiddleware, apiKeyMiddleware, tokenMiddleware, streamHandler)

	// The aggregated route must be registered first, so "stremthru" isn't
	// parsed as user data by the generic one.
	app.Get("/playback/stremthru/:store/:userData/:query", userDataMiddleware, apiKeyMiddleware, createAggregatedPlaybackHandler(resolver, clients, logger))
	app.Head("/playback/stremthru/:store/:userData/:query", userDataMiddleware, apiKeyMiddleware, createAggregatedPlaybackHeadHandler(logger))
	app.Get("/playback/:userData/:query", userDataMiddleware, apiKeyMiddleware, tokenMiddleware, createPlaybackHandler(resolver, clients, validator, logger))
	// Stremio and some players send a HEAD request before starting a stream.
	// No token middleware: the answer never requires valid debrid credentials.
	app.Head("/playback/:userData/:query", userDataMiddleware, apiKeyMiddleware, createPlaybackHeadHandler(resolver, logger))

	// For OAuth2 redirect handling for RealDebrid and Premiumize
	if config.UseOAUTH2 {
		isHTTPS := strings.HasPrefix(config.BaseURL, "https")
		app.Get("/oauth2/init/:service", createOAUTH2initHandler(confRD, confPM, isHTTPS, logger))
		app.Get("/oauth2/install/:service", createOAUTH2installHandler(confRD, confPM, clients.oauth2key, logger))
	}

	app.Use("/configure", filesystem.New(filesystem.Config{
		Root: httpFS,
	}))

	// Start server

	stopping := false
	stoppingPtr := &stopping
	addr := config.BindAddr + ":" + strconv.Itoa(config.Port)
	logger.Info("Starting server", zap.String("address", addr))
	go func() {
		if err := app.Listen(addr); err != nil {
			if !*stoppingPtr {
				logger.Fatal("Couldn't start server", zap.Error(err))
			} else {
				logger.Fatal("Error in app.Listen() during server shutdown (probably time ran out before the server could shut down cleanly)", zap.Error(err))
			}
		}
	}()

	// Graceful shutdown

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	sig := <-c
	logger.Info("Received signal, shutting down server...", zap.String("signal", sig.String()))
	*stoppingPtr = true
	if err := app.Shutdown(); err != nil {
		logger.Fatal("Error shutting down server", zap.Error(err))
	}

	// Background searches write to the store, let them finish before
	// persisting and closing.
	searcher.Wait()
	cancel()
	persistCaches(context.Background(), config.CachePath, fastCaches, goCaches, logger)
}

func initStores(config config, logger *zap.Logger) (closer func() error) {
	logger.Info("Initializing stores...")
	start := time.Now()

	var closers []func() error
	multiCloser := func() error {
		var result error
		for _, closer := range closers {
			if err := closer(); err != nil {
				result = multierr.Append(result, err)
			}
		}
		return result
	}

	if config.RedisAddr != "" {
		redisStore, err := cachestore.NewRedis(config.RedisAddr, config.RedisCreds, logger)
		if err != nil {
			logger.Fatal("Couldn't create Redis store", zap.Error(err))
		}
		store = redisStore
		closers = append(closers, redisStore.Close)
	} else {
		badgerStore, err := cachestore.NewBadger(config.StoragePath, logger)
		if err != nil {
			logger.Fatal("Couldn't create BadgerDB store", zap.Error(err))
		}
		store = badgerStore
		closers = append(closers, badgerStore.Close)
	}

	duration := time.Since(start).Milliseconds()
	durationString := strconv.FormatInt(duration, 10) + "ms"
	logger.Info("Initialized stores", zap.String("duration", durationString))

	return multiCloser
}

func initCaches(config config, logger *zap.Logger) {
	logger.Info("Initializing caches...")
	start := time.Now()

	// fastcache (re-)creates its directory itself.
	cinemetaCache = &metaCache{
		cache: fastcache.LoadFromFileOrNew(config.CachePath+"/cinemeta", cinemetaCacheSize),
	}

	tokenCacheItems, err := loadGoCache(config.CachePath + "/token.gob")
	if err != nil {
		logger.Error("Couldn't load token cache from file - continuing with an empty cache", zap.Error(err))
		tokenCacheItems = map[string]gocache.Item{}
	}
	tokenCache = &creationCache{
		cache: gocache.NewFrom(tokenExpiration, 24*time.Hour, tokenCacheItems),
	}

	duration := time.Since(start).Milliseconds()
	durationString := strconv.FormatInt(duration, 10) + "ms"
	logger.Info("Initialized caches", zap.String("duration", durationString))
}

func initClients(config config, logger *zap.Logger) {
	logger.Info("Initializing clients...")
	start := time.Now()

	cinemetaOpts := metadata.NewCinemetaOpts(config.BaseURLcinemeta, timeout, metadata.DefaultCinemetaOpts.CacheAge)
	cinemetaClient, err := metadata.NewCinemetaClient(cinemetaOpts, cinemetaCache, logger)
	if err != nil {
		logger.Fatal("Couldn't create Cinemeta client", zap.Error(err))
	}
	metaFetcher, err = metadata.NewFetcher(config.IMDB2metaAddr, cinemetaClient, logger)
	if err != nil {
		logger.Fatal("Couldn't create metadata fetcher", zap.Error(err))
	}

	// Indexers. The chain runs them in priority order, the shared result
	// cache first and the HTML scrapers last.
	if config.BaseURLpublicCache != "" {
		pcOpts := indexer.DefaultPublicCacheOpts
		pcOpts.BaseURL = config.BaseURLpublicCache
		if publicCache, err = indexer.NewPublicCache(pcOpts, logger); err != nil {
			logger.Fatal("Couldn't create public cache client", zap.Error(err))
		}
		searchers = append(searchers, publicCache)
	}
	if config.BaseURLzilean != "" {
		zOpts := indexer.DefaultZileanOpts
		zOpts.BaseURL = config.BaseURLzilean
		zilean, err := indexer.NewZilean(zOpts, logger)
		if err != nil {
			logger.Fatal("Couldn't create Zilean client", zap.Error(err))
		}
		searchers = append(searchers, zilean)
	}
	if config.BaseURLygg != "" {
		yOpts := indexer.DefaultYggOpts
		yOpts.BaseURL = config.BaseURLygg
		yOpts.SocksProxyAddr = config.SocksProxyAddrYgg
		ygg, err := indexer.NewYgg(yOpts, logger)
		if err != nil {
			logger.Fatal("Couldn't create YGG client", zap.Error(err))
		}
		searchers = append(searchers, ygg)
	}
	if config.BaseURLsharewood != "" && config.SharewoodPasskey != "" {
		swOpts := indexer.DefaultSharewoodOpts
		swOpts.BaseURL = config.BaseURLsharewood
		swOpts.Passkey = config.SharewoodPasskey
		sharewood, err := indexer.NewSharewood(swOpts, logger)
		if err != nil {
			logger.Fatal("Couldn't create Sharewood client", zap.Error(err))
		}
		searchers = append(searchers, sharewood)
	}
	if config.BaseURLjackett != "" {
		jOpts := indexer.DefaultJackettOpts
		jOpts.BaseURL = config.BaseURLjackett
		jOpts.APIKey = config.JackettAPIkey
		jackett, err := indexer.NewJackett(jOpts, logger)
		if err != nil {
			logger.Fatal("Couldn't create Jackett client", zap.Error(err))
		}
		searchers = append(searchers, jackett)
	}
	indexerClient = indexer.NewClient(searchers, logger)

	// Debrid clients

	rdOpts := realdebrid.NewClientOpts(config.BaseURLrd, debridTimeout, config.CacheAgeAvailability, config.ExtraHeadersDebrid, config.ForwardOriginIP)
	adOpts := alldebrid.NewClientOpts(config.BaseURLad, debridTimeout, config.CacheAgeAvailability, config.ExtraHeadersDebrid)
	pmOpts := premiumize.NewClientOpts(config.BaseURLpm, debridTimeout, config.CacheAgeAvailability, config.ExtraHeadersDebrid, config.UseOAUTH2, config.ForwardOriginIP)
	tbOpts := torbox.NewClientOpts(config.BaseURLtb, debridTimeout, config.CacheAgeAvailability, config.ExtraHeadersDebrid)

	rdClient, err := realdebrid.NewClient(rdOpts, tokenCache, logger)
	if err != nil {
		logger.Fatal("Couldn't create RealDebrid client", zap.Error(err))
	}
	adClient, err := alldebrid.NewClient(adOpts, tokenCache, logger)
	if err != nil {
		logger.Fatal("Couldn't create AllDebrid client", zap.Error(err))
	}
	pmClient, err := premiumize.NewClient(pmOpts, tokenCache, logger)
	if err != nil {
		logger.Fatal("Couldn't create Premiumize client", zap.Error(err))
	}
	tbClient, err := torbox.NewClient(tbOpts, tokenCache, logger)
	if err != nil {
		logger.Fatal("Couldn't create TorBox client", zap.Error(err))
	}

	var aesKey []byte
	if config.UseOAUTH2 {
		// We need 32 bytes for AES-256, but the provided password might not be 32 bytes long.
		// => Simply hash the password.
		// Hashing it doesn't reduce the security. Also: Using a slow hash (like bcrypt) doesn't help much,
		// because we don't store the hash anywhere where an attacker could start calculating hashes of values in dictionaries to find a match.
		hash := sha256.Sum256([]byte(config.OAUTH2encryptionKey))
		// SHA-256 result is 32 bytes, exactly as many as we need.
		aesKey = hash[:]
	}

	clients = &clientSet{
		rd:                rdClient,
		ad:                adClient,
		pm:                pmClient,
		tb:                tbClient,
		stremThru:         map[string]*stremthru.Client{},
		stBaseURL:         config.BaseURLst,
		stTimeout:         debridTimeout,
		stCacheAge:        config.CacheAgeAvailability,
		stExtraHeaders:    config.ExtraHeadersDebrid,
		stForwardOriginIP: config.ForwardOriginIP,
		useOAUTH2:         config.UseOAUTH2,
		oauth2key:         aesKey,
		tokenCache:        tokenCache,
		logger:            logger,
	}
	for _, storeName := range stremthru.AutoDetectOrder {
		client, err := clients.newStremThruClient(config.BaseURLst, storeName)
		if err != nil {
			logger.Fatal("Couldn't create StremThru client", zap.Error(err), zap.String("store", storeName))
		}
		clients.stremThru[storeName] = client
	}

	duration := time.Since(start).Milliseconds()
	durationString := strconv.FormatInt(duration, 10) + "ms"
	logger.Info("Initialized clients", zap.String("duration", durationString))
}
