package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/doingodswork/vortex-stremio/pkg/debrid"
	"github.com/doingodswork/vortex-stremio/pkg/debrid/alldebrid"
	"github.com/doingodswork/vortex-stremio/pkg/debrid/premiumize"
	"github.com/doingodswork/vortex-stremio/pkg/debrid/realdebrid"
	"github.com/doingodswork/vortex-stremio/pkg/debrid/stremthru"
	"github.com/doingodswork/vortex-stremio/pkg/debrid/torbox"
	"github.com/doingodswork/vortex-stremio/pkg/search"
	"github.com/doingodswork/vortex-stremio/pkg/torrent"
)

// storeNamesByCode is the reverse of the store codes the clients report.
var storeNamesByCode = map[string]string{
	torrent.CodeRealDebrid: "realdebrid",
	torrent.CodeAllDebrid:  "alldebrid",
	torrent.CodePremiumize: "premiumize",
	torrent.CodeTorBox:     "torbox",
	torrent.CodeDebridLink: "debridlink",
	torrent.CodeEasyDebrid: "easydebrid",
	torrent.CodeOffcloud:   "offcloud",
	torrent.CodePikPak:     "pikpak",
}

// clientSet holds the long-lived debrid clients and builds the per-request
// service list from a user's configuration.
type clientSet struct {
	rd *realdebrid.Client
	ad *alldebrid.Client
	pm *premiumize.Client
	tb *torbox.Client
	// stremThru holds one aggregating client per store for the operator's
	// default StremThru instance. Clients for user-supplied instances are
	// built on the fly.
	stremThru map[string]*stremthru.Client

	stBaseURL         string
	stTimeout         time.Duration
	stCacheAge        time.Duration
	stExtraHeaders    []string
	stForwardOriginIP bool

	useOAUTH2 bool
	// oauth2key is the 32-byte AES key derived from the configured
	// encryption key.
	oauth2key []byte

	tokenCache debrid.Cache
	logger     *zap.Logger
}

// storeOf returns the canonical store name a client fronts, with the
// aggregator prefix stripped.
func storeOf(client debrid.Client) string {
	code := strings.TrimPrefix(client.Code(), torrent.AggregatorPrefix)
	return storeNamesByCode[code]
}

// buildServices turns the user's service list into clients with credentials.
// The "StremThru" entry is only a flag carrier and produces no service of its
// own, it switches the listed stores to the aggregating transport.
func (cs *clientSet) buildServices(ud userData) ([]search.Service, error) {
	services := make([]search.Service, 0, len(ud.Services))
	seen := map[string]bool{}
	for _, name := range ud.Services {
		store := normalizeService(name)
		if store == "stremthru" || seen[store] {
			continue
		}
		seen[store] = true
		token, err := cs.storeCredential(ud, store)
		if err != nil {
			return nil, err
		}
		client, err := cs.storeClient(ud, store)
		if err != nil {
			return nil, err
		}
		services = append(services, search.Service{Client: client, Token: token})
	}
	if len(services) == 0 {
		return nil, errors.New("no debrid service configured")
	}
	return services, nil
}

// storeCredential returns the user's credential for a store. With OAuth2
// enabled, the encrypted token from the install flow takes precedence over a
// plain key.
func (cs *clientSet) storeCredential(ud userData, store string) (string, error) {
	if cs.useOAUTH2 {
		var blob string
		switch store {
		case "realdebrid":
			blob = ud.RDoauth2
		case "premiumize":
			blob = ud.PMoauth2
		}
		if blob != "" {
			accessToken, err := decryptToken(blob, cs.oauth2key)
			if err != nil {
				return "", fmt.Errorf("Couldn't decrypt OAuth2 data: %w", err)
			}
			return accessToken, nil
		}
	}
	if token := ud.storeToken(store); token != "" {
		return token, nil
	}
	return "", fmt.Errorf("no credential for service %q", store)
}

// storeClient returns the client for a store, aggregated through StremThru
// when the user switched that on.
func (cs *clientSet) storeClient(ud userData, store string) (debrid.Client, error) {
	if ud.stremThruOn() && stremthru.StoreCode(store) != "" {
		return cs.stremThruClient(ud, store)
	}
	switch store {
	case "realdebrid":
		return cs.rd, nil
	case "alldebrid":
		return cs.ad, nil
	case "premiumize":
		return cs.pm, nil
	case "torbox":
		return cs.tb, nil
	}
	return nil, fmt.Errorf("unknown service %q", store)
}

// stremThruClient returns an aggregating client for the store, respecting a
// custom instance URL in the user data.
func (cs *clientSet) stremThruClient(ud userData, store string) (*stremthru.Client, error) {
	if ud.StremThruURL != "" && ud.StremThruURL != cs.stBaseURL {
		return cs.newStremThruClient(ud.StremThruURL, store)
	}
	if client, ok := cs.stremThru[store]; ok {
		return client, nil
	}
	return cs.newStremThruClient(cs.stBaseURL, store)
}

func (cs *clientSet) newStremThruClient(baseURL, store string) (*stremthru.Client, error) {
	opts := stremthru.NewClientOpts(baseURL, store, cs.stTimeout, cs.stCacheAge, cs.stExtraHeaders, cs.stForwardOriginIP)
	return stremthru.NewClient(opts, cs.tokenCache, cs.logger)
}

// downloadService picks the service that starts downloads for uncached
// torrents. With a single configured service the choice is obvious, otherwise
// the user has to name one.
func (cs *clientSet) downloadService(ud userData, services []search.Service) (search.Service, error) {
	if ud.DebridDownloader == "" {
		if len(services) == 1 {
			return services[0], nil
		}
		return search.Service{}, errors.New("multiple services configured, but no debrid downloader picked")
	}
	store := normalizeService(ud.DebridDownloader)
	if store == "stremthru" {
		// The configuration webpage allows picking StremThru as the
		// downloader without naming a store. Use the first store we have a
		// credential for.
		for _, autoStore := range stremthru.AutoDetectOrder {
			token := ud.storeToken(autoStore)
			if token == "" {
				continue
			}
			client, err := cs.stremThruClient(ud, autoStore)
			if err != nil {
				return search.Service{}, err
			}
			return search.Service{Client: client, Token: token}, nil
		}
		return search.Service{}, errors.New("no store credential for the StremThru downloader")
	}
	for _, service := range services {
		if storeOf(service.Client) == store {
			return service, nil
		}
	}
	return search.Service{}, fmt.Errorf("debrid downloader %q is not among the configured services", ud.DebridDownloader)
}

// playbackService resolves the service code in a playback query to the client
// and credential that serve it.
func (cs *clientSet) playbackService(ud userData, services []search.Service, queryService string) (search.Service, error) {
	switch {
	// "DL" marks download queries. The DebridLink store shares the letters,
	// but only ever appears with the aggregator prefix.
	case queryService == debrid.ServiceDownload, queryService == "ST":
		// Bare "ST" appears in descriptors from configs that picked StremThru
		// as the downloader.
		return cs.downloadService(ud, services)
	case strings.HasPrefix(queryService, torrent.AggregatorPrefix):
		code := strings.TrimPrefix(queryService, torrent.AggregatorPrefix)
		store, ok := storeNamesByCode[code]
		if !ok {
			return search.Service{}, fmt.Errorf("unknown store code %q", code)
		}
		token, err := cs.storeCredential(ud, store)
		if err != nil {
			return search.Service{}, err
		}
		client, err := cs.stremThruClient(ud, store)
		if err != nil {
			return search.Service{}, err
		}
		return search.Service{Client: client, Token: token}, nil
	default:
		for _, service := range services {
			if service.Client.Code() == queryService {
				return service, nil
			}
		}
		// In StremThru mode the services carry aggregated codes, but
		// descriptors from before the switch may still name the store
		// directly.
		for _, service := range services {
			if strings.TrimPrefix(service.Client.Code(), torrent.AggregatorPrefix) == queryService {
				return service, nil
			}
		}
		return search.Service{}, fmt.Errorf("unknown service code %q", queryService)
	}
}

// probeClient returns a client for the status endpoint's debrid probe. The
// code may be a direct one like "RD" or an aggregated one like "ST:RD".
func (cs *clientSet) probeClient(code string) (debrid.Client, error) {
	if strings.HasPrefix(code, torrent.AggregatorPrefix) {
		store, ok := storeNamesByCode[strings.TrimPrefix(code, torrent.AggregatorPrefix)]
		if !ok {
			return nil, fmt.Errorf("unknown store code %q", code)
		}
		return cs.stremThruClient(userData{}, store)
	}
	switch code {
	case torrent.CodeRealDebrid:
		return cs.rd, nil
	case torrent.CodeAllDebrid:
		return cs.ad, nil
	case torrent.CodePremiumize:
		return cs.pm, nil
	case torrent.CodeTorBox:
		return cs.tb, nil
	}
	return nil, fmt.Errorf("unknown service code %q", code)
}
