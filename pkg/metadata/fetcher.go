package metadata

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/deflix-tv/go-stremio/pkg/cinemeta"
	"github.com/deflix-tv/imdb2meta/pb"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/doingodswork/vortex-stremio/pkg/torrent"
)

// MetaGetter looks up movie and TV show metadata. It's implemented by the
// CinemetaClient and by the Cinemeta client of the go-stremio SDK.
type MetaGetter interface {
	GetMovie(ctx context.Context, imdbID string) (cinemeta.Meta, error)
	GetTVShow(ctx context.Context, imdbID string, season int, episode int) (cinemeta.Meta, error)
}

var _ MetaGetter = (*CinemetaClient)(nil)

// Fetcher resolves IMDb IDs to the media description the torrent search
// works with.
type Fetcher struct {
	imdb2metaClient pb.MetaFetcherClient
	cinemetaClient  MetaGetter
	conn            *grpc.ClientConn
	logger          *zap.Logger
}

// NewFetcher creates a new metadata fetcher.
// One of imdb2metaAddress and cinemetaClient can be empty/nil.
// If imdb2metaAddress is passed, an imdb2meta gRPC client is created and used.
// If both are passed, the imdb2meta gRPC client is used first, and only if it fails the cinemetaClient is used.
// You should call Close() when finished.
func NewFetcher(imdb2metaAddress string, cinemetaClient MetaGetter, logger *zap.Logger) (*Fetcher, error) {
	if imdb2metaAddress == "" && cinemetaClient == nil {
		return nil, errors.New("one of the arguments must not be empty/nil")
	}

	var imdb2metaClient pb.MetaFetcherClient
	var conn *grpc.ClientConn
	if imdb2metaAddress != "" {
		// Set up a connection to the server.
		logger.Info("Connecting to imdb2meta gRPC server...", zap.String("address", imdb2metaAddress))
		var err error
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		conn, err = grpc.DialContext(ctx, imdb2metaAddress, grpc.WithInsecure(), grpc.WithBlock())
		if err != nil {
			return nil, err
		}
		imdb2metaClient = pb.NewMetaFetcherClient(conn)
		logger.Info("Connected to imdb2meta gRPC server")
	}

	return &Fetcher{
		imdb2metaClient: imdb2metaClient,
		cinemetaClient:  cinemetaClient,
		conn:            conn,
		logger:          logger,
	}, nil
}

// GetMedia resolves an IMDb ID to the titles and release year used for
// torrent searches. For series, season and episode are carried over into
// the result. The caller is expected to fill Media.Languages from the user's
// configuration.
func (f *Fetcher) GetMedia(ctx context.Context, mediaType, imdbID string, season int, episode int) (torrent.Media, error) {
	media := torrent.Media{
		ID:      imdbID,
		Type:    mediaType,
		Season:  season,
		Episode: episode,
	}

	if f.imdb2metaClient != nil {
		request := &pb.MetaRequest{
			Id: imdbID,
		}
		res, err := f.imdb2metaClient.Get(ctx, request)
		if err == nil {
			// The original title is often the one release names use, so it's
			// worth a search query of its own.
			media.Titles = appendTitle(media.Titles, res.GetPrimaryTitle())
			media.Titles = appendTitle(media.Titles, res.GetOriginalTitle())
			if year := res.GetStartYear(); year > 0 {
				media.Year = strconv.Itoa(int(year))
			}
			if len(media.Titles) > 0 {
				return media, nil
			}
		} else {
			f.logger.Error("Couldn't get meta from imdb2meta gRPC server. Falling back to Cinemeta.", zap.Error(err), zap.String("imdbID", imdbID))
		}
	}

	if f.cinemetaClient == nil {
		return torrent.Media{}, fmt.Errorf("Couldn't resolve %v: no metadata source answered", imdbID)
	}

	var meta cinemeta.Meta
	var err error
	if mediaType == torrent.TypeSeries {
		meta, err = f.cinemetaClient.GetTVShow(ctx, imdbID, season, episode)
	} else {
		meta, err = f.cinemetaClient.GetMovie(ctx, imdbID)
	}
	if err != nil {
		return torrent.Media{}, err
	}
	media.Titles = appendTitle(media.Titles, meta.Name)
	media.Year = meta.ReleaseInfo
	return media, nil
}

// Close closes the connection to the imdb2meta gRPC server if one was set up.
func (f *Fetcher) Close() error {
	if f.conn == nil {
		return nil
	}
	return f.conn.Close()
}

// appendTitle appends a title unless it's empty or already in the list
// (compared case-insensitively).
func appendTitle(titles []string, title string) []string {
	if title == "" {
		return titles
	}
	for _, existing := range titles {
		if strings.EqualFold(existing, title) {
			return titles
		}
	}
	return append(titles, title)
}
