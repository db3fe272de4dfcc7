// Package debrid defines the contract shared by all debrid service clients
// and the HTTP behavior (rate limiting, retries) they have in common.
//
// A debrid service takes a torrent identified by a magnet URI and serves its
// content over plain HTTPS. Clients answer three questions: is this torrent
// already cached, can you start caching it, and what URL streams this file.
package debrid

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/doingodswork/vortex-stremio/pkg/torrent"
)

// ErrNoFileInTorrent is returned by GetStreamLink when a torrent was added
// successfully but none of its files qualifies for playback.
var ErrNoFileInTorrent = errors.New("no suitable file in torrent")

// ServiceDownload in a StreamQuery routes the query to the user's configured
// download service instead of a specific debrid client. DebridLink shares the
// two letters, but its availability code only ever appears with the
// aggregator prefix.
const ServiceDownload = "DL"

// Client is the capability set every debrid integration provides.
// The keyOrToken is the user's API key or OAuth2 access token and is passed
// per call, so a single client instance serves all users.
type Client interface {
	// Code returns the availability code this client announces, e.g. "RD",
	// or a prefixed code like "ST:AD" for aggregated stores.
	Code() string
	// TestToken returns nil if the keyOrToken belongs to an account that can
	// create stream links.
	TestToken(ctx context.Context, keyOrToken string) error
	// CheckAvailability reports which of the info_hashes are cached.
	// Hashes the service doesn't know are simply absent from the result.
	// The returned file lists may be empty when the service doesn't expose them.
	CheckAvailability(ctx context.Context, keyOrToken string, infoHashes ...string) (map[string]torrent.Availability, error)
	// AddMagnet submits a magnet to the service. Providers answer 200 or 201
	// for a magnet they already know, so re-adding is not an error.
	AddMagnet(ctx context.Context, keyOrToken, magnet string) (*AddResult, error)
	// GetStreamLink turns a query into a direct stream URL.
	GetStreamLink(ctx context.Context, keyOrToken string, query StreamQuery) (string, error)
}

// BackgroundCacher is implemented by clients whose service keeps downloading
// a torrent after the request that submitted it ends.
type BackgroundCacher interface {
	// StartBackgroundCaching submits the magnet and reports whether the
	// service accepted it. It must not wait for the download to finish.
	StartBackgroundCaching(ctx context.Context, keyOrToken, magnet string) bool
}

// AddResult is the answer to AddMagnet.
type AddResult struct {
	// ID of the torrent or transfer within the service
	ID string
	// Files is set when the service already knows the torrent's content
	Files []torrent.FileEntry
}

// StreamQuery identifies one playable file. It round-trips base64-encoded
// through playback URLs, so the JSON keys are part of the addon's URL format.
type StreamQuery struct {
	Magnet          string `json:"magnet,omitempty"`
	InfoHash        string `json:"info_hash,omitempty"`
	ImdbID          string `json:"imdb_id,omitempty"`
	Type            string `json:"type"`
	Season          int    `json:"season,omitempty"`
	Episode         int    `json:"episode,omitempty"`
	FileIndex       int    `json:"file_index"`
	TorrentDownload string `json:"torrent_download,omitempty"`
	// Service is the availability code of the client that should resolve the
	// query, or "DL" for the user's configured download service.
	Service    string `json:"service"`
	Privacy    string `json:"privacy,omitempty"`
	Cached     bool   `json:"cached"`
	AlwaysShow bool   `json:"always_show,omitempty"`
}

// UnmarshalJSON defaults FileIndex to -1 (not selected), so queries encoded
// without an index don't accidentally select file 0.
func (q *StreamQuery) UnmarshalJSON(b []byte) error {
	type alias StreamQuery
	a := alias{FileIndex: -1}
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	*q = StreamQuery(a)
	return nil
}

// SelectFile picks the file to stream from a torrent's file list:
// the query's explicit index if it's in the list, else the episode the query
// asks for, else the largest video file (or largest file overall).
func SelectFile(query StreamQuery, files []torrent.FileEntry) (torrent.FileEntry, error) {
	if len(files) == 0 {
		return torrent.FileEntry{}, ErrNoFileInTorrent
	}
	if query.FileIndex >= 0 {
		for _, file := range files {
			if file.FileIndex == query.FileIndex {
				return file, nil
			}
		}
	}
	if query.Type == torrent.TypeSeries && query.Episode > 0 {
		if file, ok := torrent.MatchEpisodeFile(files, query.Season, query.Episode); ok {
			return file, nil
		}
	}
	if file, ok := torrent.LargestVideoFile(files); ok {
		return file, nil
	}
	return torrent.FileEntry{}, ErrNoFileInTorrent
}

type originIPCtxKey struct{}

// WithOriginIP attaches the requesting user's IP address to the context.
// Clients with origin IP forwarding enabled pass it on to their service, so
// the stream URL is bound to the user's connection instead of the addon's.
func WithOriginIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, originIPCtxKey{}, ip)
}

// OriginIP returns the IP set by WithOriginIP, or "".
func OriginIP(ctx context.Context) string {
	ip, _ := ctx.Value(originIPCtxKey{}).(string)
	return ip
}
