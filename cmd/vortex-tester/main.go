package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	gostremio "github.com/deflix-tv/go-stremio"
	"go.uber.org/zap"

	"github.com/doingodswork/vortex-stremio/pkg/debrid"
	"github.com/doingodswork/vortex-stremio/pkg/debrid/alldebrid"
	"github.com/doingodswork/vortex-stremio/pkg/debrid/premiumize"
	"github.com/doingodswork/vortex-stremio/pkg/debrid/realdebrid"
	"github.com/doingodswork/vortex-stremio/pkg/debrid/stremthru"
	"github.com/doingodswork/vortex-stremio/pkg/debrid/torbox"
	"github.com/doingodswork/vortex-stremio/pkg/torrent"
)

const (
	bigBuckBunnyMagnet = `magnet:?xt=urn:btih:dd8255ecdc7ca55fb0bbf81323d87062db1f6d1c&dn=Big+Buck+Bunny&tr=udp%3A%2F%2Fexplodie.org%3A6969&tr=udp%3A%2F%2Ftracker.coppersurfer.tk%3A6969&tr=udp%3A%2F%2Ftracker.empire-js.us%3A1337&tr=udp%3A%2F%2Ftracker.leechers-paradise.org%3A6969&tr=udp%3A%2F%2Ftracker.opentrackr.org%3A1337&tr=wss%3A%2F%2Ftracker.btorrent.xyz&tr=wss%3A%2F%2Ftracker.fastcast.nz&tr=wss%3A%2F%2Ftracker.openwebtorrent.com&ws=https%3A%2F%2Fwebtorrent.io%2Ftorrents%2F&xs=https%3A%2F%2Fwebtorrent.io%2Ftorrents%2Fbig-buck-bunny.torrent`
)

// Default base URLs, the same ones the addon uses.
var defaultBaseURLs = map[string]string{
	"rd": "https://api.real-debrid.com",
	"ad": "https://api.alldebrid.com",
	"pm": "https://www.premiumize.me/api",
	"tb": "https://api.torbox.app",
	"st": stremthru.DefaultClientOpts.BaseURL,
}

var (
	service      = flag.String("service", "rd", `Service to test: "rd", "ad", "pm", "tb" or "st:<store>" (for example "st:realdebrid")`)
	baseURL      = flag.String("baseURL", "", "Base URL of the service. Uses the service's default when empty")
	keyOrToken   = flag.String("keyOrToken", "", "API key or OAuth2 access token for the service")
	magnetURL    = flag.String("magnet", bigBuckBunnyMagnet, "Magnet URL of the torrent to test with")
	extraHeaders = flag.String("extraHeaders", "", "Additional headers to set, for example for a proxy. Format: \"X-Foo: bar\". Separated by newline characters (\"\\n\")")
	getStream    = flag.Bool("getStream", false, "Also resolve a stream URL. Note: This adds the torrent to your account")
)

func main() {
	ctx := context.Background()
	flag.Parse()

	// Precondition checks
	if *keyOrToken == "" {
		log.Fatal("keyOrToken CLI argument must not be empty")
	}
	infoHash := torrent.InfoHashFromMagnet(*magnetURL)
	if infoHash == "" {
		log.Fatal("Couldn't extract info hash from the magnet URL")
	}

	// Parse extra headers
	var extraHeaderSlice []string
	if *extraHeaders != "" {
		headers := strings.Split(*extraHeaders, "\n")
		for _, header := range headers {
			header = strings.TrimSpace(header)
			if header != "" {
				extraHeaderSlice = append(extraHeaderSlice, header)
			}
		}
	}

	logger, err := gostremio.NewLogger("error", "console")
	if err != nil {
		log.Fatalf("Couldn't create logger: %v", err)
	}

	client, err := createClient(*service, *baseURL, extraHeaderSlice, logger)
	if err != nil {
		log.Fatalf("Couldn't create client: %v", err)
	}

	if err = client.TestToken(ctx, *keyOrToken); err != nil {
		log.Fatalf("Token test failed: %v", err)
	}
	fmt.Println("Token OK")

	availabilities, err := client.CheckAvailability(ctx, *keyOrToken, infoHash)
	if err != nil {
		log.Fatalf("Availability check failed: %v", err)
	}
	availability, cached := availabilities[infoHash]
	cached = cached && availability.Cached
	if cached {
		fmt.Printf("Torrent is cached (%d known files)\n", len(availability.Files))
	} else {
		fmt.Println("Torrent is not cached")
	}

	if !*getStream {
		return
	}

	streamURL, err := client.GetStreamLink(ctx, *keyOrToken, debrid.StreamQuery{
		Magnet:    *magnetURL,
		InfoHash:  infoHash,
		Type:      torrent.TypeMovie,
		FileIndex: -1,
		Service:   client.Code(),
		Cached:    cached,
	})
	if err != nil {
		log.Fatalf("Couldn't get stream URL: %v", err)
	}
	fmt.Printf("Stream URL retrieved successfully: %v\n", streamURL)
}

func createClient(service, baseURL string, extraHeaders []string, logger *zap.Logger) (debrid.Client, error) {
	// The tester makes single requests, so availability caching is off
	// (age 0) and the token cache is a throwaway.
	cache := debrid.NewInMemoryCache()
	timeout := 20 * time.Second

	if store := strings.TrimPrefix(service, "st:"); store != service {
		if baseURL == "" {
			baseURL = defaultBaseURLs["st"]
		}
		opts := stremthru.NewClientOpts(baseURL, store, timeout, 0, extraHeaders, false)
		return stremthru.NewClient(opts, cache, logger)
	}

	if baseURL == "" {
		baseURL = defaultBaseURLs[service]
	}
	switch service {
	case "rd":
		opts := realdebrid.NewClientOpts(baseURL, timeout, 0, extraHeaders, false)
		return realdebrid.NewClient(opts, cache, logger)
	case "ad":
		opts := alldebrid.NewClientOpts(baseURL, timeout, 0, extraHeaders)
		return alldebrid.NewClient(opts, cache, logger)
	case "pm":
		opts := premiumize.NewClientOpts(baseURL, timeout, 0, extraHeaders, false, false)
		return premiumize.NewClient(opts, cache, logger)
	case "tb":
		opts := torbox.NewClientOpts(baseURL, timeout, 0, extraHeaders)
		return torbox.NewClient(opts, cache, logger)
	}
	return nil, fmt.Errorf("unknown service %q", service)
}
