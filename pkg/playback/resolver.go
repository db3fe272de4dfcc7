// Package playback turns the queries encoded in stream descriptor URLs into
// direct video URLs at playback time. Identical resolutions are collapsed
// in-process with singleflight and across instances with store locks.
// Queries routed to the user's download service run a small state machine
// that submits the torrent once and answers with a placeholder video until
// the service finished fetching it.
package playback

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/doingodswork/vortex-stremio/pkg/cachestore"
	"github.com/doingodswork/vortex-stremio/pkg/debrid"
	"github.com/doingodswork/vortex-stremio/pkg/torrent"
)

// ErrBusy means another request is resolving the same stream and didn't
// publish a link within the poll budget.
var ErrBusy = errors.New("another resolution for this stream is still running")

// Store key prefixes, shared with the search layer's readers.
const (
	keyPrefixLink     = "stream_link:"
	keyPrefixLock     = "lock:stream:"
	keyPrefixDownload = "download:"
	keyPrefixReady    = "ready:"
	keyPrefixDirect   = "direct_link:"
	keyPrefixWorking  = "working:"
	keyPrefixSource   = "current_source:"
	keyForceRefresh   = "force_refresh:all"
	keyPrefixHint     = "stremthru:imdb:"

	stateInProgress = "DOWNLOAD_IN_PROGRESS"
	stateReady      = "READY"
)

// Params describe one resolution: the decoded query, the service that
// should resolve it and who's asking.
type Params struct {
	// Query decoded from the playback URL's last path segment.
	Query debrid.StreamQuery
	// Client resolves the query: the service matching Query.Service, or
	// the user's configured download service for "DL" queries.
	Client debrid.Client
	// Token is the user's credential for Client.
	Token string
	// APIKey scopes the per-user keys. ClientIP takes its place when empty.
	APIKey   string
	ClientIP string
}

// Options tune the resolver's caching, locking and the placeholder.
type Options struct {
	// PlaceholderURL is the video served while the download service is
	// still fetching the torrent.
	PlaceholderURL string
	// LinkTTL is how long resolved links are reused.
	LinkTTL time.Duration
	// DirectLinkTTL, InProgressTTL and ReadyTTL pace the download state
	// machine's keys.
	DirectLinkTTL time.Duration
	InProgressTTL time.Duration
	ReadyTTL      time.Duration
	// WorkingTTL is how long a proven (service, torrent) pair upgrades
	// search descriptors.
	WorkingTTL time.Duration
	// RefreshTTL bounds the cross-user cache refresh after an aggregator
	// resolution.
	RefreshTTL time.Duration
	// LockTTL caps how long a crashed resolution blocks identical ones.
	LockTTL time.Duration
	// PollInterval and PollBudget pace the wait for a concurrent
	// resolution's published link.
	PollInterval time.Duration
	PollBudget   time.Duration
}

var DefaultOptions = Options{
	PlaceholderURL: "https://github.com/aymene69/stremio-jackett/raw/main/source/videos/nocache.mp4",
	LinkTTL:        20 * time.Minute,
	DirectLinkTTL:  10 * time.Minute,
	InProgressTTL:  10 * time.Minute,
	ReadyTTL:       5 * time.Minute,
	WorkingTTL:     7 * 24 * time.Hour,
	RefreshTTL:     60 * time.Second,
	LockTTL:        60 * time.Second,
	PollInterval:   time.Second,
	PollBudget:     30 * time.Second,
}

// Resolver resolves playback queries. Safe for concurrent use.
type Resolver struct {
	opts   Options
	store  cachestore.Store
	locker *cachestore.Locker
	group  singleflight.Group
	logger *zap.Logger
}

// NewResolver creates a new Resolver on the given store.
func NewResolver(opts Options, store cachestore.Store, logger *zap.Logger) *Resolver {
	return &Resolver{
		opts:   opts,
		store:  store,
		locker: cachestore.NewLocker(store),
		logger: logger,
	}
}

// Resolve turns a playback query into a direct video URL. Queries routed to
// the download service go through the download state machine and may answer
// with the placeholder video, every other service resolves directly.
func (r *Resolver) Resolve(ctx context.Context, params Params) (string, error) {
	// Precondition check
	if params.Client == nil {
		return "", errors.New("params.Client must not be nil")
	}

	if params.Query.Service == debrid.ServiceDownload {
		return r.resolveDownload(ctx, params)
	}
	return r.resolveDirect(ctx, params)
}

// InProgress reports whether the download service is still fetching the
// torrent behind a download query. Queries for other services always report
// false. params.Client may be nil.
func (r *Resolver) InProgress(ctx context.Context, params Params) bool {
	if params.Query.Service != debrid.ServiceDownload {
		return false
	}
	val, found, err := r.store.Get(ctx, keyPrefixDownload+userKey(params))
	if err != nil || !found {
		return false
	}
	return string(val) == stateInProgress
}

func (r *Resolver) resolveDirect(ctx context.Context, params Params) (string, error) {
	linkKey := keyPrefixLink + userKey(params)

	// Concurrent requests for the same link share one resolution.
	link, err, _ := r.group.Do(linkKey, func() (interface{}, error) {
		return r.lockedResolve(ctx, linkKey, params)
	})
	if err != nil {
		return "", err
	}
	return link.(string), nil
}

func (r *Resolver) lockedResolve(ctx context.Context, linkKey string, params Params) (string, error) {
	zapFieldHash := zap.String("infoHash", params.Query.InfoHash)
	lockName := keyPrefixLock + userKey(params)
	acquired, err := r.locker.Acquire(ctx, lockName, r.opts.LockTTL)
	switch {
	case err != nil:
		// A broken lock store only costs deduplication, not the playback.
		r.logger.Warn("Couldn't acquire stream lock, resolving without it", zap.Error(err), zapFieldHash)
	case !acquired:
		r.logger.Debug("Stream lock is taken, waiting for the holder's link", zapFieldHash)
		return r.pollLink(ctx, linkKey)
	default:
		defer func() {
			// Release even when the request context already expired.
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := r.locker.Release(releaseCtx, lockName); err != nil {
				r.logger.Error("Couldn't release stream lock", zap.Error(err), zapFieldHash)
			}
		}()
	}

	r.pinSource(ctx, params)

	if link, found := r.cachedLink(ctx, linkKey); found {
		r.logger.Debug("Serving stream link from cache", zapFieldHash)
		return link, nil
	}

	link, err := r.streamLink(ctx, params)
	if err != nil {
		return "", err
	}
	if link != r.opts.PlaceholderURL {
		r.cacheLink(ctx, linkKey, link, r.opts.LinkTTL)
	}
	return link, nil
}

// resolveDownload runs the download state machine: READY serves the cached
// direct link, IN_PROGRESS probes once and otherwise keeps the placeholder
// playing, anything else submits the torrent and starts the cycle.
func (r *Resolver) resolveDownload(ctx context.Context, params Params) (string, error) {
	zapFieldHash := zap.String("infoHash", params.Query.InfoHash)
	qh := userKey(params)
	downloadKey := keyPrefixDownload + qh
	readyKey := keyPrefixReady + qh
	directKey := keyPrefixDirect + qh

	if _, found, err := r.store.Get(ctx, readyKey); err != nil {
		r.logger.Error("Couldn't check ready marker", zap.Error(err), zapFieldHash)
	} else if found {
		if link, ok := r.cachedLink(ctx, directKey); ok {
			return link, nil
		}
		link, err := r.streamLink(ctx, params)
		if err == nil && link != r.opts.PlaceholderURL {
			r.cacheLink(ctx, directKey, link, r.opts.DirectLinkTTL)
			return link, nil
		}
		if err != nil {
			// The service may have evicted the finished download. Falling
			// through resubmits it.
			r.logger.Warn("Ready-marked download didn't resolve", zap.Error(err), zapFieldHash)
		}
	}

	if _, found, err := r.store.Get(ctx, downloadKey); err != nil {
		r.logger.Error("Couldn't check download state", zap.Error(err), zapFieldHash)
	} else if found {
		link, err := r.streamLink(ctx, params)
		if err == nil && link != r.opts.PlaceholderURL {
			r.logger.Info("Download finished, serving the direct link", zapFieldHash)
			if err := r.store.Del(ctx, downloadKey); err != nil {
				r.logger.Error("Couldn't clear download state", zap.Error(err), zapFieldHash)
			}
			if err := r.store.Set(ctx, readyKey, []byte(stateReady), r.opts.ReadyTTL); err != nil {
				r.logger.Error("Couldn't set ready marker", zap.Error(err), zapFieldHash)
			}
			r.cacheLink(ctx, directKey, link, r.opts.DirectLinkTTL)
			return link, nil
		}
		if err != nil {
			r.logger.Debug("Download not ready yet", zap.Error(err), zapFieldHash)
		}
		return r.opts.PlaceholderURL, nil
	}

	// AddMagnet is idempotent on the provider side, so a failed flag write
	// only costs a redundant submission.
	if err := r.store.Set(ctx, downloadKey, []byte(stateInProgress), r.opts.InProgressTTL); err != nil {
		r.logger.Error("Couldn't set download state", zap.Error(err), zapFieldHash)
	}
	if err := r.submit(ctx, params); err != nil {
		if delErr := r.store.Del(ctx, downloadKey); delErr != nil {
			r.logger.Error("Couldn't clear download state", zap.Error(delErr), zapFieldHash)
		}
		return "", err
	}
	return r.opts.PlaceholderURL, nil
}

// submit hands the torrent to the download service. Services that keep
// fetching on their own side go through their background-caching entry.
func (r *Resolver) submit(ctx context.Context, params Params) error {
	magnet := params.Query.Magnet
	if magnet == "" {
		return errors.New("the query carries no magnet")
	}
	if params.ClientIP != "" {
		ctx = debrid.WithOriginIP(ctx, params.ClientIP)
	}
	zapFields := []zap.Field{
		zap.String("service", params.Client.Code()),
		zap.String("infoHash", params.Query.InfoHash),
	}

	if cacher, ok := params.Client.(debrid.BackgroundCacher); ok {
		if !cacher.StartBackgroundCaching(ctx, params.Token, magnet) {
			return fmt.Errorf("Couldn't start background caching on %v", params.Client.Code())
		}
		r.logger.Info("Started background caching", zapFields...)
		return nil
	}
	if _, err := params.Client.AddMagnet(ctx, params.Token, magnet); err != nil {
		return fmt.Errorf("Couldn't add magnet to %v: %w", params.Client.Code(), err)
	}
	r.logger.Info("Added magnet for background download", zapFields...)
	return nil
}

// streamLink asks the service for the direct URL and on success marks the
// torrent as working, so searches can upgrade stale descriptors.
func (r *Resolver) streamLink(ctx context.Context, params Params) (string, error) {
	if params.ClientIP != "" {
		ctx = debrid.WithOriginIP(ctx, params.ClientIP)
	}
	link, err := params.Client.GetStreamLink(ctx, params.Token, params.Query)
	if err != nil {
		return "", fmt.Errorf("Couldn't get stream link: %w", err)
	}
	if link != r.opts.PlaceholderURL {
		r.markWorking(ctx, params)
	}
	return link, nil
}

// markWorking records a proven (service, torrent) pair. Aggregated stores
// additionally flag the search caches for a refresh, since their cached
// availability is the least reliable.
func (r *Resolver) markWorking(ctx context.Context, params Params) {
	query := params.Query
	if query.InfoHash == "" {
		return
	}
	code := serviceCode(params)
	store := strings.TrimPrefix(code, torrent.AggregatorPrefix)
	workingKey := keyPrefixWorking + store + ":" + query.InfoHash
	if err := r.store.Set(ctx, workingKey, []byte("1"), r.opts.WorkingTTL); err != nil {
		r.logger.Error("Couldn't set working marker", zap.Error(err), zap.String("key", workingKey))
	}

	if !strings.HasPrefix(code, torrent.AggregatorPrefix) {
		return
	}
	if err := r.store.Set(ctx, keyForceRefresh, []byte("1"), r.opts.RefreshTTL); err != nil {
		r.logger.Error("Couldn't set refresh flag", zap.Error(err))
	}
	if query.ImdbID != "" {
		if err := r.store.Set(ctx, keyPrefixHint+query.ImdbID, []byte(store), r.opts.WorkingTTL); err != nil {
			r.logger.Error("Couldn't set refresh hint", zap.Error(err), zap.String("imdbID", query.ImdbID))
		}
	}
}

// pinSource refreshes the marker naming the torrent behind the user's
// latest playback of this stream, so binge-group requests for consecutive
// episodes can be traced to their source. Write-only here; kept as long as
// the link itself.
func (r *Resolver) pinSource(ctx context.Context, params Params) {
	query := params.Query
	if query.Magnet == "" && query.InfoHash == "" {
		return
	}
	source, err := json.Marshal(struct {
		Magnet   string `json:"magnet,omitempty"`
		InfoHash string `json:"info_hash,omitempty"`
		Service  string `json:"service"`
	}{query.Magnet, query.InfoHash, query.Service})
	if err != nil {
		return
	}
	key := keyPrefixSource + userKey(params)
	if err := r.store.Set(ctx, key, source, r.opts.LinkTTL); err != nil {
		r.logger.Error("Couldn't pin the playback source", zap.Error(err), zap.String("key", key))
	}
}

// pollLink waits for the concurrent lock holder to publish its link.
func (r *Resolver) pollLink(ctx context.Context, linkKey string) (string, error) {
	deadline := time.Now().Add(r.opts.PollBudget)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(r.opts.PollInterval):
		}
		if link, found := r.cachedLink(ctx, linkKey); found {
			return link, nil
		}
	}
	return "", ErrBusy
}

func (r *Resolver) cachedLink(ctx context.Context, key string) (string, bool) {
	data, found, err := r.store.Get(ctx, key)
	if err != nil {
		r.logger.Error("Couldn't read link cache", zap.Error(err), zap.String("key", key))
		return "", false
	}
	if !found || len(data) == 0 {
		return "", false
	}
	return string(data), true
}

func (r *Resolver) cacheLink(ctx context.Context, key, link string, ttl time.Duration) {
	if err := r.store.Set(ctx, key, []byte(link), ttl); err != nil {
		r.logger.Error("Couldn't cache link", zap.Error(err), zap.String("key", key))
	}
}

// serviceCode is the availability code the resolution ran under: the
// query's service, or the client's own code for download-service queries.
func serviceCode(params Params) string {
	if params.Query.Service == debrid.ServiceDownload {
		return params.Client.Code()
	}
	return params.Query.Service
}

// userKey scopes a query's keys to one user: "<user>:<queryhash>".
func userKey(params Params) string {
	user := params.APIKey
	if user == "" {
		user = params.ClientIP
	}
	return user + ":" + queryHash(params.Query)
}

// queryHash is the stable identity of one playable file: service, torrent,
// selected file and the episode for series. Magnet and title bytes don't
// contribute, so differently encoded queries for the same file share their
// keys.
func queryHash(query debrid.StreamQuery) string {
	source := query.InfoHash
	if source == "" {
		source = query.Magnet
	}
	identity := strings.Join([]string{
		query.Service,
		source,
		strconv.Itoa(query.FileIndex),
		query.Type,
		torrent.EpisodeTag(query.Season, query.Episode),
	}, ":")
	sum := sha256.Sum256([]byte(identity))
	return hex.EncodeToString(sum[:])[:16]
}
