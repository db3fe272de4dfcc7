package indexer

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/doingodswork/vortex-stremio/pkg/torrent"
)

type fakeSearcher struct {
	name     string
	priority int
	results  []torrent.RawResult
	err      error
	calls    int
}

func (f *fakeSearcher) Search(ctx context.Context, media torrent.Media) ([]torrent.RawResult, error) {
	f.calls++
	return f.results, f.err
}

func (f *fakeSearcher) Name() string  { return f.name }
func (f *fakeSearcher) Priority() int { return f.priority }

func rawResult(hash string) torrent.RawResult {
	return torrent.RawResult{
		Title:    "Some.Movie.2019.1080p.WEB-DL.x264",
		InfoHash: hash,
		Seeders:  10,
		Indexer:  "test",
		Privacy:  torrent.PrivacyPublic,
	}
}

func testHash(n int) string {
	return fmt.Sprintf("%040d", n)
}

func TestChainStopsAtResultFloor(t *testing.T) {
	first := &fakeSearcher{name: "cache", priority: 1, results: []torrent.RawResult{
		rawResult(testHash(1)), rawResult(testHash(2)), rawResult(testHash(3)),
	}}
	second := &fakeSearcher{name: "jackett", priority: 5, results: []torrent.RawResult{
		rawResult(testHash(4)),
	}}
	client := NewClient([]Searcher{second, first}, zap.NewNop())

	results, err := client.Search(context.Background(), torrent.Media{ID: "tt1", Type: torrent.TypeMovie}, Options{MinResults: 3})
	require.NoError(t, err)
	require.Len(t, results, 3)
	require.Equal(t, 1, first.calls)
	require.Equal(t, 0, second.calls, "the floor was met, the fallback indexer must not run")
}

func TestChainContinuesBelowFloor(t *testing.T) {
	first := &fakeSearcher{name: "cache", priority: 1, results: []torrent.RawResult{rawResult(testHash(1))}}
	second := &fakeSearcher{name: "jackett", priority: 5, results: []torrent.RawResult{rawResult(testHash(2))}}
	client := NewClient([]Searcher{first, second}, zap.NewNop())

	results, err := client.Search(context.Background(), torrent.Media{ID: "tt1", Type: torrent.TypeMovie}, Options{MinResults: 5})
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, 1, second.calls)
}

func TestChainDropsInvalidAndDuplicateHashes(t *testing.T) {
	magnetOnly := torrent.RawResult{Title: "X", Magnet: torrent.BuildMagnet(testHash(7), "X")}
	first := &fakeSearcher{name: "cache", priority: 1, results: []torrent.RawResult{
		rawResult(testHash(1)),
		rawResult(testHash(1)),
		rawResult("deadbeef"),
		rawResult(""),
		magnetOnly,
	}}
	client := NewClient([]Searcher{first}, zap.NewNop())

	results, err := client.Search(context.Background(), torrent.Media{ID: "tt1", Type: torrent.TypeMovie}, Options{})
	require.NoError(t, err)
	require.Len(t, results, 2)
	// The hash was recovered from the magnet URI.
	require.Equal(t, testHash(7), results[1].InfoHash)
}

func TestChainToleratesPartialFailure(t *testing.T) {
	first := &fakeSearcher{name: "cache", priority: 1, err: errors.New("down")}
	second := &fakeSearcher{name: "jackett", priority: 5, results: []torrent.RawResult{rawResult(testHash(1))}}
	client := NewClient([]Searcher{first, second}, zap.NewNop())

	results, err := client.Search(context.Background(), torrent.Media{ID: "tt1", Type: torrent.TypeMovie}, Options{})
	require.NoError(t, err)
	require.Len(t, results, 1)
}

func TestChainAllFailed(t *testing.T) {
	first := &fakeSearcher{name: "cache", priority: 1, err: errors.New("down")}
	second := &fakeSearcher{name: "jackett", priority: 5, err: errors.New("also down")}
	client := NewClient([]Searcher{first, second}, zap.NewNop())

	_, err := client.Search(context.Background(), torrent.Media{ID: "tt1", Type: torrent.TypeMovie}, Options{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "down")
	require.Contains(t, err.Error(), "also down")
}

func TestChainEnabledFilter(t *testing.T) {
	first := &fakeSearcher{name: "cache", priority: 1, results: []torrent.RawResult{rawResult(testHash(1))}}
	second := &fakeSearcher{name: "jackett", priority: 5, results: []torrent.RawResult{rawResult(testHash(2))}}
	client := NewClient([]Searcher{first, second}, zap.NewNop())

	results, err := client.Search(context.Background(), torrent.Media{ID: "tt1", Type: torrent.TypeMovie}, Options{
		Enabled: func(name string) bool { return name == "jackett" },
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, 0, first.calls)
	require.Equal(t, testHash(2), results[0].InfoHash)
}

func TestUniqueTitles(t *testing.T) {
	titles := uniqueTitles([]string{"Dark", "dark", "", "DARK", "Dunkel", "Mörk"}, 2)
	require.Equal(t, []string{"Dark", "Dunkel"}, titles)
}

func TestParseHumanSize(t *testing.T) {
	require.Equal(t, int64(1_370_000_000), parseHumanSize("1.37Go"))
	require.Equal(t, int64(700_000_000), parseHumanSize("700 MB"))
	require.Equal(t, int64(1_500_000_000), parseHumanSize("1,5 go"))
	require.Equal(t, int64(1073741824), parseHumanSize("1 GiB"))
	require.Equal(t, int64(0), parseHumanSize("n/a"))
}
