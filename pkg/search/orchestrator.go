// Package search runs the whole stream search pipeline: it resolves torrent
// results from the caches or the indexer chain, checks availability with
// every configured debrid service, ranks what's left and renders the stream
// descriptors the addon answers with. Identical searches are deduplicated
// across requests and instances through a store-backed lock.
package search

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/doingodswork/vortex-stremio/pkg/cachestore"
	"github.com/doingodswork/vortex-stremio/pkg/debrid"
	"github.com/doingodswork/vortex-stremio/pkg/filter"
	"github.com/doingodswork/vortex-stremio/pkg/indexer"
	"github.com/doingodswork/vortex-stremio/pkg/stremio"
	"github.com/doingodswork/vortex-stremio/pkg/torrent"
)

// ErrBusy means another request is already searching the same media and
// didn't publish its results within the poll budget.
var ErrBusy = errors.New("another search for this media is still running")

// Store key prefixes. The playback resolver writes some of these keys, so
// they're part of the deployment's shared key format.
const (
	keyPrefixStream  = "stream:"
	keyPrefixMedia   = "media:"
	keyPrefixLock    = "lock:search:"
	keyPrefixWorking = "working:"

	// Invalidation flags, set on playback outcomes that changed what the
	// cached descriptor lists claim about availability.
	keyForceRefresh      = "force_refresh:all"
	keyPrefixUpdate      = "global_update_needed:"
	keyPrefixRefreshHint = "stremthru:imdb:"
)

// Service pairs a debrid client with the user's credential for it.
type Service struct {
	Client debrid.Client
	Token  string
}

// Params describes one search: the media, who's asking and how their
// configuration shapes the result list.
type Params struct {
	Media torrent.Media
	// APIKey identifies the user for the per-user stream cache. ClientIP
	// takes its place when empty.
	APIKey string
	// ClientIP is handed to debrid services that bind links to the
	// requester's IP.
	ClientIP string
	// Services are checked for availability concurrently.
	Services []Service
	// IndexerEnabled filters the indexer chain by name. nil enables all.
	IndexerEnabled func(name string) bool
	// MinCachedResults is the floor under which cached result sets are
	// discarded and searched fresh. It's also the indexer chain's result
	// floor.
	MinCachedResults int
	// MaxResults caps the descriptor list. 0 means no cap.
	MaxResults int
	// ResultsPerQuality caps items per resolution. 0 means no cap.
	ResultsPerQuality int
	// Sort is one of the filter package's sort modes.
	Sort string
	// Torrenting adds plain torrent descriptors for public results.
	Torrenting bool
	// SharePublic publishes freshly found public results to the shared
	// result cache.
	SharePublic bool
	// AddonHost and ConfigB64 shape the playback URLs in the descriptors.
	AddonHost string
	ConfigB64 string
}

// Options tune the orchestrator's caching and locking.
type Options struct {
	// MediaCacheTTL is how long raw results are shared between users.
	MediaCacheTTL time.Duration
	// StreamCacheTTL is how long a user's descriptor list is served
	// unchanged. The aggregated TTL applies when an aggregating client is
	// among the user's services.
	StreamCacheTTL           time.Duration
	StreamCacheTTLAggregated time.Duration
	// LockTTL caps how long a crashed search can block identical ones.
	LockTTL time.Duration
	// PollInterval and PollBudget pace the wait for a concurrent search's
	// published results.
	PollInterval time.Duration
	PollBudget   time.Duration
	// PrefetchBudget caps the background search for a series' next episode.
	PrefetchBudget time.Duration
}

var DefaultOptions = Options{
	MediaCacheTTL:            24 * time.Hour,
	StreamCacheTTL:           20 * time.Minute,
	StreamCacheTTLAggregated: 10 * time.Minute,
	LockTTL:                  60 * time.Second,
	PollInterval:             time.Second,
	PollBudget:               30 * time.Second,
	PrefetchBudget:           12 * time.Second,
}

// Orchestrator wires the search pipeline together. Safe for concurrent use.
type Orchestrator struct {
	opts     Options
	store    cachestore.Store
	locker   *cachestore.Locker
	indexers *indexer.Client
	public   *indexer.PublicCache
	logger   *zap.Logger
	bg       sync.WaitGroup
}

// NewOrchestrator creates a new Orchestrator. public may be nil when no
// shared result cache is configured, sharing is then skipped.
func NewOrchestrator(opts Options, store cachestore.Store, indexers *indexer.Client, public *indexer.PublicCache, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		opts:     opts,
		store:    store,
		locker:   cachestore.NewLocker(store),
		indexers: indexers,
		public:   public,
		logger:   logger,
	}
}

// Search returns the stream descriptors for params.Media. The first request
// for a (user, media) pair runs the pipeline under a store-backed lock,
// concurrent ones wait for its published result and fail with ErrBusy when
// the poll budget runs out.
func (o *Orchestrator) Search(ctx context.Context, params Params) ([]stremio.StreamItem, error) {
	return o.search(ctx, params, false)
}

func (o *Orchestrator) search(ctx context.Context, params Params, prefetch bool) ([]stremio.StreamItem, error) {
	streamKey := keyPrefixStream + cacheKeySuffix(user(params), params.Media)
	mediaKey := keyPrefixMedia + cacheKeySuffix("", params.Media)
	zapFieldMedia := zap.String("mediaID", params.Media.ID)

	invalidated := o.invalidated(ctx, params.Media, mediaKey)
	if !invalidated {
		if streams, found := o.cachedStreams(ctx, streamKey); found {
			o.logger.Debug("Serving streams from cache", zap.Int("count", len(streams)), zapFieldMedia)
			return o.upgradeWorking(ctx, streamKey, streams, params), nil
		}
	}

	lockName := keyPrefixLock + streamKey
	acquired, err := o.locker.Acquire(ctx, lockName, o.opts.LockTTL)
	switch {
	case err != nil:
		// A broken lock store only costs deduplication, not the search.
		o.logger.Warn("Couldn't acquire search lock, searching without it", zap.Error(err), zapFieldMedia)
	case !acquired && prefetch:
		// Someone is already searching it, which is all a prefetch wants.
		return nil, nil
	case !acquired:
		o.logger.Debug("Search lock is taken, waiting for the holder's results", zapFieldMedia)
		return o.pollStreams(ctx, streamKey)
	default:
		defer func() {
			// Release even when the request context already expired.
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := o.locker.Release(releaseCtx, lockName); err != nil {
				o.logger.Error("Couldn't release search lock", zap.Error(err), zapFieldMedia)
			}
		}()
		// The previous lock holder may have published while we waited.
		if !invalidated {
			if streams, found := o.cachedStreams(ctx, streamKey); found {
				return streams, nil
			}
		}
	}

	items, freshSearch, err := o.searchResults(ctx, params, mediaKey)
	if err != nil {
		return nil, err
	}

	// Trim before the fan-out to keep the per-service hash lists short.
	filter.SortByLanguage(items)
	items = filter.CapPerResolution(items, params.ResultsPerQuality, params.Sort)

	container := torrent.NewContainer(params.Media)
	container.Insert(items...)
	o.checkAvailability(ctx, container, params)

	best := filter.Apply(container.BestMatching(), filter.Options{
		Sort:              params.Sort,
		MaxResults:        params.MaxResults,
		ResultsPerQuality: params.ResultsPerQuality,
	})

	streams := stremio.BuildStreams(best, params.Media, stremio.BuildOptions{
		AddonHost:  params.AddonHost,
		ConfigB64:  params.ConfigB64,
		MaxResults: params.MaxResults,
		Torrenting: params.Torrenting,
	}, o.logger)
	o.logger.Info("Search finished",
		zap.Int("results", len(items)),
		zap.Int("streams", len(streams)),
		zap.Bool("freshSearch", freshSearch),
		zap.Bool("prefetch", prefetch),
		zapFieldMedia)

	o.cacheStreams(ctx, streamKey, streams, params)

	if freshSearch && params.SharePublic && o.public != nil {
		o.sharePublic(params.Media, items)
	}
	if !prefetch {
		o.prefetchNextEpisode(params)
	}
	return streams, nil
}

// searchResults returns the media's torrent items, preferring the shared
// result cache. Cached sets below the result floor are dropped and searched
// fresh. The second return value tells whether the indexer chain ran.
func (o *Orchestrator) searchResults(ctx context.Context, params Params, mediaKey string) ([]torrent.Item, bool, error) {
	zapFieldMedia := zap.String("mediaID", params.Media.ID)
	if data, found, err := o.store.Get(ctx, mediaKey); err != nil {
		o.logger.Error("Couldn't read result cache", zap.Error(err), zapFieldMedia)
	} else if found {
		var items []torrent.Item
		if err := json.Unmarshal(data, &items); err != nil {
			o.logger.Error("Couldn't decode cached results", zap.Error(err), zapFieldMedia)
		} else if len(items) >= params.MinCachedResults {
			o.logger.Debug("Serving results from cache", zap.Int("count", len(items)), zapFieldMedia)
			return items, false, nil
		} else {
			o.logger.Debug("Cached results are below the floor, searching fresh",
				zap.Int("count", len(items)),
				zap.Int("floor", params.MinCachedResults),
				zapFieldMedia)
			if err := o.store.Del(ctx, mediaKey); err != nil {
				o.logger.Error("Couldn't drop cached results", zap.Error(err), zapFieldMedia)
			}
		}
	}

	raws, err := o.indexers.Search(ctx, params.Media, indexer.Options{
		Enabled:    params.IndexerEnabled,
		MinResults: params.MinCachedResults,
	})
	if err != nil {
		return nil, false, fmt.Errorf("Couldn't search indexers: %w", err)
	}
	items := make([]torrent.Item, 0, len(raws))
	for _, raw := range raws {
		items = append(items, torrent.FromRaw(raw, params.Media.Type))
	}

	if len(items) > 0 {
		if itemsJSON, err := json.Marshal(items); err != nil {
			o.logger.Error("Couldn't marshal results for caching", zap.Error(err), zapFieldMedia)
		} else if err := o.store.Set(ctx, mediaKey, itemsJSON, o.opts.MediaCacheTTL); err != nil {
			o.logger.Error("Couldn't cache results", zap.Error(err), zapFieldMedia)
		}
	}
	return items, true, nil
}

// checkAvailability fans the container's hashes out to every configured
// service concurrently. Failing services are logged and skipped, their
// hashes simply stay unannounced.
func (o *Orchestrator) checkAvailability(ctx context.Context, container *torrent.Container, params Params) {
	hashes := container.UnresolvedHashes()
	if len(hashes) == 0 || len(params.Services) == 0 {
		return
	}
	if params.ClientIP != "" {
		ctx = debrid.WithOriginIP(ctx, params.ClientIP)
	}

	p := pool.New().WithContext(ctx).WithMaxGoroutines(len(params.Services))
	for _, svc := range params.Services {
		svc := svc
		p.Go(func(ctx context.Context) error {
			announcements, err := svc.Client.CheckAvailability(ctx, svc.Token, hashes...)
			if err != nil {
				o.logger.Warn("Couldn't check availability",
					zap.Error(err),
					zap.String("service", svc.Client.Code()),
					zap.Int("hashes", len(hashes)))
				return nil
			}
			container.UpdateAvailability(svc.Client.Code(), announcements)
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		o.logger.Warn("Availability fan-out interrupted", zap.Error(err))
	}
}

// pollStreams waits for the concurrent lock holder to publish its
// descriptor list.
func (o *Orchestrator) pollStreams(ctx context.Context, streamKey string) ([]stremio.StreamItem, error) {
	deadline := time.Now().Add(o.opts.PollBudget)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(o.opts.PollInterval):
		}
		if streams, found := o.cachedStreams(ctx, streamKey); found {
			return streams, nil
		}
	}
	return nil, ErrBusy
}

// invalidated reports whether a playback outcome flagged this media's
// cached descriptor lists as outdated. The media-scoped flags are one-shot.
func (o *Orchestrator) invalidated(ctx context.Context, media torrent.Media, mediaKey string) bool {
	for _, key := range []string{
		keyForceRefresh,
		keyPrefixUpdate + mediaKey,
		keyPrefixRefreshHint + media.ID,
	} {
		_, found, err := o.store.Get(ctx, key)
		if err != nil {
			o.logger.Error("Couldn't check invalidation flag", zap.Error(err), zap.String("key", key))
			continue
		}
		if !found {
			continue
		}
		o.logger.Debug("Cached streams invalidated", zap.String("key", key), zap.String("mediaID", media.ID))
		if key != keyForceRefresh {
			if err := o.store.Del(ctx, key); err != nil {
				o.logger.Error("Couldn't clear invalidation flag", zap.Error(err), zap.String("key", key))
			}
		}
		return true
	}
	return false
}

// upgradeWorking promotes download-marked cached streams whose torrent a
// prior playback proved ready on one of the user's services. The list is
// re-cached when anything changed.
func (o *Orchestrator) upgradeWorking(ctx context.Context, streamKey string, streams []stremio.StreamItem, params Params) []stremio.StreamItem {
	changed := false
	for i, stream := range streams {
		if !stremio.DownloadMarked(stream) {
			continue
		}
		slash := strings.LastIndexByte(stream.URL, '/')
		if slash < 0 {
			continue
		}
		query, err := stremio.DecodeQuery(stream.URL[slash+1:])
		if err != nil || query.InfoHash == "" {
			continue
		}
		for _, code := range candidateCodes(query, params.Services) {
			workingKey := keyPrefixWorking + strings.TrimPrefix(code, torrent.AggregatorPrefix) + ":" + query.InfoHash
			_, found, err := o.store.Get(ctx, workingKey)
			if err != nil {
				o.logger.Error("Couldn't check working marker", zap.Error(err), zap.String("key", workingKey))
				continue
			}
			if !found {
				continue
			}
			if upgraded, ok := stremio.UpgradeStream(stream, code); ok {
				streams[i] = upgraded
				changed = true
			}
			break
		}
	}
	if changed {
		o.cacheStreams(ctx, streamKey, streams, params)
	}
	return streams
}

// candidateCodes returns the service codes that could have produced a
// working marker for this query: its own service, or every configured one
// for queries still routed to the download service.
func candidateCodes(query debrid.StreamQuery, services []Service) []string {
	if query.Service != debrid.ServiceDownload {
		return []string{query.Service}
	}
	codes := make([]string, 0, len(services))
	for _, svc := range services {
		codes = append(codes, svc.Client.Code())
	}
	return codes
}

func (o *Orchestrator) cachedStreams(ctx context.Context, streamKey string) ([]stremio.StreamItem, bool) {
	data, found, err := o.store.Get(ctx, streamKey)
	if err != nil {
		o.logger.Error("Couldn't read stream cache", zap.Error(err), zap.String("key", streamKey))
		return nil, false
	}
	if !found {
		return nil, false
	}
	var streams []stremio.StreamItem
	if err := json.Unmarshal(data, &streams); err != nil {
		o.logger.Error("Couldn't decode cached streams", zap.Error(err), zap.String("key", streamKey))
		return nil, false
	}
	return streams, true
}

// cacheStreams publishes the descriptor list under the user's stream key.
// Empty lists aren't cached, so the next request searches again.
func (o *Orchestrator) cacheStreams(ctx context.Context, streamKey string, streams []stremio.StreamItem, params Params) {
	if len(streams) == 0 {
		return
	}
	streamsJSON, err := json.Marshal(streams)
	if err != nil {
		o.logger.Error("Couldn't marshal streams for caching", zap.Error(err), zap.String("key", streamKey))
		return
	}
	ttl := o.opts.StreamCacheTTL
	if hasAggregated(params.Services) {
		ttl = o.opts.StreamCacheTTLAggregated
	}
	if err := o.store.Set(ctx, streamKey, streamsJSON, ttl); err != nil {
		o.logger.Error("Couldn't cache streams", zap.Error(err), zap.String("key", streamKey))
	}
}

// sharePublic publishes the public share of freshly found results to the
// shared result cache in the background.
func (o *Orchestrator) sharePublic(media torrent.Media, items []torrent.Item) {
	o.bg.Add(1)
	go func() {
		defer o.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := o.public.Push(ctx, media, items); err != nil {
			o.logger.Warn("Couldn't share results", zap.Error(err), zap.String("mediaID", media.ID))
		}
	}()
}

// prefetchNextEpisode warms the caches for a series' next episode so that
// bingeing doesn't pay the search latency twice. All failures are swallowed.
func (o *Orchestrator) prefetchNextEpisode(params Params) {
	if !params.Media.IsSeries() {
		return
	}
	next := params
	next.Media.Episode++

	o.bg.Add(1)
	go func() {
		defer o.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), o.opts.PrefetchBudget)
		defer cancel()
		if _, err := o.search(ctx, next, true); err != nil && !errors.Is(err, ErrBusy) {
			o.logger.Debug("Next-episode prefetch failed",
				zap.Error(err),
				zap.String("mediaID", next.Media.ID),
				zap.Int("episode", next.Media.Episode))
		}
	}()
}

// Wait blocks until all spawned background work (sharing, prefetches) has
// finished.
func (o *Orchestrator) Wait() {
	o.bg.Wait()
}

// user is the identity the stream cache is scoped by.
func user(params Params) string {
	if params.APIKey != "" {
		return params.APIKey
	}
	return params.ClientIP
}

// cacheKeySuffix builds the hashed identity the cache keys share: who asks
// and for what, languages included. Series keys carry the episode tag
// instead of the year, so every episode caches separately. user is "" for
// the media key, which all users share.
func cacheKeySuffix(user string, media torrent.Media) string {
	langs := strings.Join(media.Languages, ",")
	var identity string
	if media.IsSeries() {
		identity = user + ":" + media.Title() + ":" + langs + ":" + media.EpisodeTag()
	} else {
		identity = user + ":" + media.Title() + ":" + media.Year + ":" + langs
	}
	sum := sha256.Sum256([]byte(identity))
	return hex.EncodeToString(sum[:])[:16]
}

func hasAggregated(services []Service) bool {
	for _, svc := range services {
		if strings.HasPrefix(svc.Client.Code(), torrent.AggregatorPrefix) {
			return true
		}
	}
	return false
}
