package main

import (
	"flag"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

type config struct {
	BindAddr             string        `json:"bindAddr"`
	Port                 int           `json:"port"`
	BaseURL              string        `json:"baseURL"`
	RootURL              string        `json:"rootURL"`
	StoragePath          string        `json:"storagePath"`
	CachePath            string        `json:"cachePath"`
	MaxAgeTorrents       time.Duration `json:"maxAgeTorrents"`
	CacheAgeAvailability time.Duration `json:"cacheAgeAvailability"`
	RedisAddr            string        `json:"redisAddr"`
	RedisCreds           string        `json:"-"`
	BaseURLpublicCache   string        `json:"baseURLpublicCache"`
	SharePublicCache     bool          `json:"sharePublicCache"`
	BaseURLzilean        string        `json:"baseURLzilean"`
	BaseURLygg           string        `json:"baseURLygg"`
	SocksProxyAddrYgg    string        `json:"socksProxyAddrYgg"`
	BaseURLsharewood     string        `json:"baseURLsharewood"`
	SharewoodPasskey     string        `json:"-"`
	BaseURLjackett       string        `json:"baseURLjackett"`
	JackettAPIkey        string        `json:"-"`
	BaseURLrd            string        `json:"baseURLrd"`
	BaseURLad            string        `json:"baseURLad"`
	BaseURLpm            string        `json:"baseURLpm"`
	BaseURLtb            string        `json:"baseURLtb"`
	BaseURLst            string        `json:"baseURLst"`
	IMDB2metaAddr        string        `json:"imdb2metaAddr"`
	BaseURLcinemeta      string        `json:"baseURLcinemeta"`
	PlaceholderVideoURL  string        `json:"placeholderVideoURL"`
	ExtraHeadersDebrid   []string      `json:"extraHeadersDebrid"`
	ForwardOriginIP      bool          `json:"forwardOriginIP"`
	RequireAPIkeys       bool          `json:"requireAPIkeys"`
	LogLevel             string        `json:"logLevel"`
	LogEncoding          string        `json:"logEncoding"`
	WebConfigurePath     string        `json:"webConfigurePath"`
	UseOAUTH2            bool          `json:"useOAUTH2"`
	OAUTH2authorizeURLrd string        `json:"oauth2authURLrd"`
	OAUTH2authorizeURLpm string        `json:"oauth2authURLpm"`
	OAUTH2tokenURLrd     string        `json:"oauth2tokenURLrd"`
	OAUTH2tokenURLpm     string        `json:"oauth2tokenURLpm"`
	OAUTH2clientIDrd     string        `json:"oauth2clientIDrd"`
	OAUTH2clientIDpm     string        `json:"oauth2clientIDpm"`
	OAUTH2clientSecretRD string        `json:"-"`
	OAUTH2clientSecretPM string        `json:"-"`
	OAUTH2encryptionKey  string        `json:"-"`
	EnvPrefix            string        `json:"envPrefix"`
}

func parseConfig(logger *zap.Logger) config {
	result := config{}

	// Flags
	var (
		bindAddr             = flag.String("bindAddr", "localhost", `Local interface address to bind to. "localhost" only allows access from the local host. "0.0.0.0" binds to all network interfaces.`)
		port                 = flag.Int("port", 8080, "Port to listen on")
		baseURL              = flag.String("baseURL", "http://localhost:8080", "Base URL of this addon. It's used in the stream and playback URLs that are delivered to Stremio, for the OAuth2 redirects and to determine whether the state cookie is a secure one or not.")
		rootURL              = flag.String("rootURL", "", `Redirect target for the root. An empty value redirects to "/configure".`)
		storagePath          = flag.String("storagePath", "", `Path for storing the data of the persistent DB which backs the shared store when no Redis address is configured. An empty value will lead to 'os.UserCacheDir()+"/vortex-stremio/badger"'.`)
		cachePath            = flag.String("cachePath", "", `Path for loading persisted caches on startup and persisting the current cache in regular intervals. An empty value will lead to 'os.UserCacheDir()+"/vortex-stremio/cache"'.`)
		maxAgeTorrents       = flag.Duration("maxAgeTorrents", 24*time.Hour, "Max age of cache entries for torrent results found per media. The format must be acceptable by Go's 'time.ParseDuration()', for example \"24h\".")
		cacheAgeAvailability = flag.Duration("cacheAgeAvailability", 24*time.Hour, "Max age of cache entries for token validity responses from the debrid services. The format must be acceptable by Go's 'time.ParseDuration()', for example \"24h\".")
		redisAddr            = flag.String("redisAddr", "", `Redis host and port, for example "localhost:6379". It's used for the shared store (result caches, stream links, locks, API keys). Keep empty to use an embedded BadgerDB instead, which can't be shared between addon instances.`)
		redisCreds           = flag.String("redisCreds", "", `Credentials for Redis. Password for Redis version 5 and older, username and password for Redis version 6 and newer. Use the colon character (":") for separating username and password. This implies you can't use a colon in the password when using Redis version 5 or older.`)
		baseURLpublicCache   = flag.String("baseURLpublicCache", "https://stremio-jackett-cacher.elfhosted.com", "Base URL for the community result cache. Keep empty to disable it.")
		sharePublicCache     = flag.Bool("sharePublicCache", false, "Set to true to publish freshly found public torrent results to the community result cache")
		baseURLzilean        = flag.String("baseURLzilean", "", `Base URL for a Zilean instance, for example "http://localhost:8181". Keep empty to disable it.`)
		baseURLygg           = flag.String("baseURLygg", "https://yggflix.fr", "Base URL for the YGG catalog. Keep empty to disable it.")
		socksProxyAddrYgg    = flag.String("socksProxyAddrYgg", "", "SOCKS5 proxy address for accessing the YGG catalog, required for deployments where the site is blocked (where \"127.0.0.1:9050\" would be a typical value)")
		baseURLsharewood     = flag.String("baseURLsharewood", "https://www.sharewood.tv", "Base URL for the Sharewood API. Requires a passkey to be of any use.")
		sharewoodPasskey     = flag.String("sharewoodPasskey", "", "Passkey for the Sharewood API. Keep empty to disable the Sharewood indexer.")
		baseURLjackett       = flag.String("baseURLjackett", "", `Base URL for a Jackett instance, for example "http://localhost:9117". Keep empty to disable it.`)
		jackettAPIkey        = flag.String("jackettAPIkey", "", "API key of the Jackett instance")
		baseURLrd            = flag.String("baseURLrd", "https://api.real-debrid.com", "Base URL for RealDebrid")
		baseURLad            = flag.String("baseURLad", "https://api.alldebrid.com", "Base URL for AllDebrid")
		baseURLpm            = flag.String("baseURLpm", "https://www.premiumize.me/api", "Base URL for Premiumize")
		baseURLtb            = flag.String("baseURLtb", "https://api.torbox.app", "Base URL for TorBox")
		baseURLst            = flag.String("baseURLst", "https://stremthru.13377001.xyz", "Base URL for the default StremThru instance. Users can override it with their own instance in the configuration webpage.")
		imdb2metaAddr        = flag.String("imdb2metaAddr", "", "Address of the imdb2meta gRPC server. Won't be used if empty.")
		baseURLcinemeta      = flag.String("baseURLcinemeta", "https://v3-cinemeta.strem.io", "Base URL for Cinemeta")
		placeholderVideoURL  = flag.String("placeholderVideoURL", "", "URL of the video that's served while a torrent is still being downloaded by a debrid service. An empty value leads to a publicly hosted placeholder clip.")
		extraHeadersDebrid   = flag.String("extraHeadersDebrid", "", `Additional HTTP request headers to set for requests to the debrid services, in a format like "X-Foo: bar", separated by newline characters ("\n")`)
		forwardOriginIP      = flag.Bool("forwardOriginIP", false, `Forward the user's original IP address to RealDebrid, Premiumize and StremThru. The first "X-Forwarded-For" entry will be used.`)
		requireAPIkeys       = flag.Bool("requireAPIkeys", false, "Set to true to require a valid API key in the user configuration. Key records are read from the shared store and are written by an external key management service.")
		logLevel             = flag.String("logLevel", "debug", `Log level to show only logs with the given and more severe levels. Can be "debug", "info", "warn", "error".`)
		logEncoding          = flag.String("logEncoding", "console", `Log encoding. Can be "console" or "json", where "json" makes more sense when using centralized logging solutions like ELK, Graylog or Loki.`)
		webConfigurePath     = flag.String("webConfigurePath", "", "Path to the directory with web files for the '/configure' endpoint. If empty, files compiled into the binary will be used")
		useOAUTH2            = flag.Bool("useOAUTH2", false, "Flag for indicating whether to use OAuth2 for RealDebrid and Premiumize authorization. This leads to a different configuration webpage that doesn't require API keys for those two. It requires client IDs to be configured.")
		oauth2authURLrd      = flag.String("oauth2authURLrd", "https://api.real-debrid.com/oauth/v2/auth", "URL of the OAuth2 authorization endpoint of RealDebrid")
		oauth2authURLpm      = flag.String("oauth2authURLpm", "https://www.premiumize.me/authorize", "URL of the OAuth2 authorization endpoint of Premiumize")
		oauth2tokenURLrd     = flag.String("oauth2tokenURLrd", "https://api.real-debrid.com/oauth/v2/token", "URL of the OAuth2 token endpoint of RealDebrid")
		oauth2tokenURLpm     = flag.String("oauth2tokenURLpm", "https://www.premiumize.me/token", "URL of the OAuth2 token endpoint of Premiumize")
		oauth2clientIDrd     = flag.String("oauth2clientIDrd", "", "Client ID for vortex-stremio on RealDebrid")
		oauth2clientIDpm     = flag.String("oauth2clientIDpm", "", "Client ID for vortex-stremio on Premiumize")
		oauth2clientSecretRD = flag.String("oauth2clientSecretRD", "", "Client secret for vortex-stremio on RealDebrid")
		oauth2clientSecretPM = flag.String("oauth2clientSecretPM", "", "Client secret for vortex-stremio on Premiumize")
		oauth2encryptionKey  = flag.String("oauth2encryptionKey", "", "OAuth2 data encryption key")
		envPrefix            = flag.String("envPrefix", "", "Prefix for environment variables")
	)

	flag.Parse()

	if *envPrefix != "" && !strings.HasSuffix(*envPrefix, "_") {
		*envPrefix += "_"
	}
	result.EnvPrefix = *envPrefix

	// Only overwrite the values by their env var counterparts that have not been set (and that *are* set via env var).
	var err error
	if !isArgSet("bindAddr") {
		if val, ok := os.LookupEnv(*envPrefix + "BIND_ADDR"); ok {
			*bindAddr = val
		}
	}
	result.BindAddr = *bindAddr

	if !isArgSet("port") {
		if val, ok := os.LookupEnv(*envPrefix + "PORT"); ok {
			if *port, err = strconv.Atoi(val); err != nil {
				logger.Fatal("Couldn't convert environment variable from string to int", zap.Error(err), zap.String("envVar", "PORT"))
			}
		}
	}
	result.Port = *port

	if !isArgSet("baseURL") {
		if val, ok := os.LookupEnv(*envPrefix + "BASE_URL"); ok {
			*baseURL = val
		}
	}
	result.BaseURL = *baseURL

	if !isArgSet("rootURL") {
		if val, ok := os.LookupEnv(*envPrefix + "ROOT_URL"); ok {
			*rootURL = val
		}
	}
	result.RootURL = *rootURL

	if !isArgSet("storagePath") {
		if val, ok := os.LookupEnv(*envPrefix + "STORAGE_PATH"); ok {
			*storagePath = val
		}
	}
	result.StoragePath = *storagePath

	if !isArgSet("cachePath") {
		if val, ok := os.LookupEnv(*envPrefix + "CACHE_PATH"); ok {
			*cachePath = val
		}
	}
	result.CachePath = *cachePath

	if !isArgSet("maxAgeTorrents") {
		if val, ok := os.LookupEnv(*envPrefix + "MAX_AGE_TORRENTS"); ok {
			if *maxAgeTorrents, err = time.ParseDuration(val); err != nil {
				logger.Fatal("Couldn't convert environment variable from string to time.Duration", zap.Error(err), zap.String("envVar", "MAX_AGE_TORRENTS"))
			}
		}
	}
	result.MaxAgeTorrents = *maxAgeTorrents

	if !isArgSet("cacheAgeAvailability") {
		if val, ok := os.LookupEnv(*envPrefix + "CACHE_AGE_AVAILABILITY"); ok {
			if *cacheAgeAvailability, err = time.ParseDuration(val); err != nil {
				logger.Fatal("Couldn't convert environment variable from string to time.Duration", zap.Error(err), zap.String("envVar", "CACHE_AGE_AVAILABILITY"))
			}
		}
	}
	result.CacheAgeAvailability = *cacheAgeAvailability

	if !isArgSet("redisAddr") {
		if val, ok := os.LookupEnv(*envPrefix + "REDIS_ADDR"); ok {
			*redisAddr = val
		}
	}
	result.RedisAddr = *redisAddr

	if !isArgSet("redisCreds") {
		if val, ok := os.LookupEnv(*envPrefix + "REDIS_CREDS"); ok {
			*redisCreds = val
		}
	}
	result.RedisCreds = *redisCreds

	if !isArgSet("baseURLpublicCache") {
		if val, ok := os.LookupEnv(*envPrefix + "BASE_URL_PUBLIC_CACHE"); ok {
			*baseURLpublicCache = val
		}
	}
	result.BaseURLpublicCache = *baseURLpublicCache

	if !isArgSet("sharePublicCache") {
		if val, ok := os.LookupEnv(*envPrefix + "SHARE_PUBLIC_CACHE"); ok {
			if *sharePublicCache, err = strconv.ParseBool(val); err != nil {
				logger.Fatal("Couldn't convert environment variable from string to bool", zap.Error(err), zap.String("envVar", "SHARE_PUBLIC_CACHE"))
			}
		}
	}
	result.SharePublicCache = *sharePublicCache

	if !isArgSet("baseURLzilean") {
		if val, ok := os.LookupEnv(*envPrefix + "BASE_URL_ZILEAN"); ok {
			*baseURLzilean = val
		}
	}
	result.BaseURLzilean = *baseURLzilean

	if !isArgSet("baseURLygg") {
		if val, ok := os.LookupEnv(*envPrefix + "BASE_URL_YGG"); ok {
			*baseURLygg = val
		}
	}
	result.BaseURLygg = *baseURLygg

	if !isArgSet("socksProxyAddrYgg") {
		if val, ok := os.LookupEnv(*envPrefix + "SOCKS_PROXY_ADDR_YGG"); ok {
			*socksProxyAddrYgg = val
		}
	}
	result.SocksProxyAddrYgg = *socksProxyAddrYgg

	if !isArgSet("baseURLsharewood") {
		if val, ok := os.LookupEnv(*envPrefix + "BASE_URL_SHAREWOOD"); ok {
			*baseURLsharewood = val
		}
	}
	result.BaseURLsharewood = *baseURLsharewood

	if !isArgSet("sharewoodPasskey") {
		if val, ok := os.LookupEnv(*envPrefix + "SHAREWOOD_PASSKEY"); ok {
			*sharewoodPasskey = val
		}
	}
	result.SharewoodPasskey = *sharewoodPasskey

	if !isArgSet("baseURLjackett") {
		if val, ok := os.LookupEnv(*envPrefix + "BASE_URL_JACKETT"); ok {
			*baseURLjackett = val
		}
	}
	result.BaseURLjackett = *baseURLjackett

	if !isArgSet("jackettAPIkey") {
		if val, ok := os.LookupEnv(*envPrefix + "JACKETT_API_KEY"); ok {
			*jackettAPIkey = val
		}
	}
	result.JackettAPIkey = *jackettAPIkey

	if !isArgSet("baseURLrd") {
		if val, ok := os.LookupEnv(*envPrefix + "BASE_URL_RD"); ok {
			*baseURLrd = val
		}
	}
	result.BaseURLrd = *baseURLrd

	if !isArgSet("baseURLad") {
		if val, ok := os.LookupEnv(*envPrefix + "BASE_URL_AD"); ok {
			*baseURLad = val
		}
	}
	result.BaseURLad = *baseURLad

	if !isArgSet("baseURLpm") {
		if val, ok := os.LookupEnv(*envPrefix + "BASE_URL_PM"); ok {
			*baseURLpm = val
		}
	}
	result.BaseURLpm = *baseURLpm

	if !isArgSet("baseURLtb") {
		if val, ok := os.LookupEnv(*envPrefix + "BASE_URL_TB"); ok {
			*baseURLtb = val
		}
	}
	result.BaseURLtb = *baseURLtb

	if !isArgSet("baseURLst") {
		if val, ok := os.LookupEnv(*envPrefix + "BASE_URL_ST"); ok {
			*baseURLst = val
		}
	}
	result.BaseURLst = *baseURLst

	if !isArgSet("imdb2metaAddr") {
		if val, ok := os.LookupEnv(*envPrefix + "IMDB_2_META_ADDR"); ok {
			*imdb2metaAddr = val
		}
	}
	result.IMDB2metaAddr = *imdb2metaAddr

	if !isArgSet("baseURLcinemeta") {
		if val, ok := os.LookupEnv(*envPrefix + "BASE_URL_CINEMETA"); ok {
			*baseURLcinemeta = val
		}
	}
	result.BaseURLcinemeta = *baseURLcinemeta

	if !isArgSet("placeholderVideoURL") {
		if val, ok := os.LookupEnv(*envPrefix + "PLACEHOLDER_VIDEO_URL"); ok {
			*placeholderVideoURL = val
		}
	}
	result.PlaceholderVideoURL = *placeholderVideoURL

	if !isArgSet("extraHeadersDebrid") {
		if val, ok := os.LookupEnv(*envPrefix + "EXTRA_HEADERS_DEBRID"); ok {
			*extraHeadersDebrid = val
		}
	}
	if *extraHeadersDebrid != "" {
		headers := strings.Split(*extraHeadersDebrid, "\n")
		for _, header := range headers {
			header = strings.TrimSpace(header)
			if header != "" {
				result.ExtraHeadersDebrid = append(result.ExtraHeadersDebrid, header)
			}
		}
	}

	if !isArgSet("forwardOriginIP") {
		if val, ok := os.LookupEnv(*envPrefix + "FORWARD_ORIGIN_IP"); ok {
			if *forwardOriginIP, err = strconv.ParseBool(val); err != nil {
				logger.Fatal("Couldn't convert environment variable from string to bool", zap.Error(err), zap.String("envVar", "FORWARD_ORIGIN_IP"))
			}
		}
	}
	result.ForwardOriginIP = *forwardOriginIP

	if !isArgSet("requireAPIkeys") {
		if val, ok := os.LookupEnv(*envPrefix + "REQUIRE_API_KEYS"); ok {
			if *requireAPIkeys, err = strconv.ParseBool(val); err != nil {
				logger.Fatal("Couldn't convert environment variable from string to bool", zap.Error(err), zap.String("envVar", "REQUIRE_API_KEYS"))
			}
		}
	}
	result.RequireAPIkeys = *requireAPIkeys

	if !isArgSet("logLevel") {
		if val, ok := os.LookupEnv(*envPrefix + "LOG_LEVEL"); ok {
			*logLevel = val
		}
	}
	result.LogLevel = *logLevel

	if !isArgSet("logEncoding") {
		if val, ok := os.LookupEnv(*envPrefix + "LOG_ENCODING"); ok {
			*logEncoding = val
		}
	}
	result.LogEncoding = *logEncoding

	if !isArgSet("webConfigurePath") {
		if val, ok := os.LookupEnv(*envPrefix + "WEB_CONFIGURE_PATH"); ok {
			*webConfigurePath = val
		}
	}
	result.WebConfigurePath = *webConfigurePath

	if !isArgSet("useOAUTH2") {
		if val, ok := os.LookupEnv(*envPrefix + "USE_OAUTH2"); ok {
			if *useOAUTH2, err = strconv.ParseBool(val); err != nil {
				logger.Fatal("Couldn't convert environment variable from string to bool", zap.Error(err), zap.String("envVar", "USE_OAUTH2"))
			}
		}
	}
	result.UseOAUTH2 = *useOAUTH2

	if !isArgSet("oauth2authURLrd") {
		if val, ok := os.LookupEnv(*envPrefix + "OAUTH2_AUTH_URL_RD"); ok {
			*oauth2authURLrd = val
		}
	}
	result.OAUTH2authorizeURLrd = *oauth2authURLrd

	if !isArgSet("oauth2authURLpm") {
		if val, ok := os.LookupEnv(*envPrefix + "OAUTH2_AUTH_URL_PM"); ok {
			*oauth2authURLpm = val
		}
	}
	result.OAUTH2authorizeURLpm = *oauth2authURLpm

	if !isArgSet("oauth2tokenURLrd") {
		if val, ok := os.LookupEnv(*envPrefix + "OAUTH2_TOKEN_URL_RD"); ok {
			*oauth2tokenURLrd = val
		}
	}
	result.OAUTH2tokenURLrd = *oauth2tokenURLrd

	if !isArgSet("oauth2tokenURLpm") {
		if val, ok := os.LookupEnv(*envPrefix + "OAUTH2_TOKEN_URL_PM"); ok {
			*oauth2tokenURLpm = val
		}
	}
	result.OAUTH2tokenURLpm = *oauth2tokenURLpm

	if !isArgSet("oauth2clientIDrd") {
		if val, ok := os.LookupEnv(*envPrefix + "OAUTH2_CLIENT_ID_RD"); ok {
			*oauth2clientIDrd = val
		}
	}
	result.OAUTH2clientIDrd = *oauth2clientIDrd

	if !isArgSet("oauth2clientIDpm") {
		if val, ok := os.LookupEnv(*envPrefix + "OAUTH2_CLIENT_ID_PM"); ok {
			*oauth2clientIDpm = val
		}
	}
	result.OAUTH2clientIDpm = *oauth2clientIDpm

	if !isArgSet("oauth2clientSecretRD") {
		if val, ok := os.LookupEnv(*envPrefix + "OAUTH2_CLIENT_SECRET_RD"); ok {
			*oauth2clientSecretRD = val
		}
	}
	result.OAUTH2clientSecretRD = *oauth2clientSecretRD

	if !isArgSet("oauth2clientSecretPM") {
		if val, ok := os.LookupEnv(*envPrefix + "OAUTH2_CLIENT_SECRET_PM"); ok {
			*oauth2clientSecretPM = val
		}
	}
	result.OAUTH2clientSecretPM = *oauth2clientSecretPM

	if !isArgSet("oauth2encryptionKey") {
		if val, ok := os.LookupEnv(*envPrefix + "OAUTH2_ENCRYPTION_KEY"); ok {
			*oauth2encryptionKey = val
		}
	}
	result.OAUTH2encryptionKey = *oauth2encryptionKey

	return result
}

func (c *config) validate(logger *zap.Logger) {
	if c.StoragePath == "" {
		userCacheDir, err := os.UserCacheDir()
		if err != nil {
			logger.Fatal("Couldn't determine user cache directory via `os.UserCacheDir()`", zap.Error(err))
		}
		// Add two levels, because even if we're in `os.UserCacheDir()`, on Windows that's for example `C:\Users\John\AppData\Local`
		c.StoragePath = filepath.Join(userCacheDir, "vortex-stremio/badger")
	} else {
		c.StoragePath = filepath.Clean(c.StoragePath)
	}
	// If the dir doesn't exist, BadgerDB creates it when writing its DB files.

	if c.CachePath == "" {
		userCacheDir, err := os.UserCacheDir()
		if err != nil {
			logger.Fatal("Couldn't determine user cache directory via `os.UserCacheDir()`", zap.Error(err))
		}
		// Add two levels, because even if we're in `os.UserCacheDir()`, on Windows that's for example `C:\Users\John\AppData\Local`
		c.CachePath = filepath.Join(userCacheDir, "vortex-stremio/cache")
	} else {
		c.CachePath = filepath.Clean(c.CachePath)
	}
	// If the dir doesn't exist, it's created when the files are written.

	if c.BaseURLjackett != "" && c.JackettAPIkey == "" {
		logger.Fatal("Using Jackett requires setting its API key")
	}

	if c.UseOAUTH2 &&
		(c.OAUTH2authorizeURLpm == "" || c.OAUTH2clientIDpm == "" || c.OAUTH2clientSecretPM == "" || c.OAUTH2tokenURLpm == "" ||
			c.OAUTH2authorizeURLrd == "" || c.OAUTH2clientIDrd == "" || c.OAUTH2clientSecretRD == "" || c.OAUTH2tokenURLrd == "" ||
			c.OAUTH2encryptionKey == "") {
		logger.Fatal("Using OAuth2 requires setting all OAuth2 config values")
	}

	if c.LogEncoding != "console" && c.LogEncoding != "json" {
		logger.Fatal(`logEncoding must be one of "console" or "json"`, zap.String("logEncoding", c.LogEncoding))
	}
}

// isArgSet returns true if the argument you're looking for is actually set as command line argument.
// Pass without "-" prefix.
func isArgSet(arg string) bool {
	found := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == arg {
			found = true
		}
	})
	return found
}
