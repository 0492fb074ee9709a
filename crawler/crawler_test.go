package crawler

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nix-community/nix-index/fetcher"
	"github.com/nix-community/nix-index/filetree"
	"github.com/nix-community/nix-index/storepath"
	"github.com/nix-community/nix-index/workset"
)

func mustPath(t *testing.T, attr, hash, name string) storepath.StorePath {
	t.Helper()
	sp, err := storepath.Parse(storepath.PathOrigin{Attr: attr, Output: "out", Toplevel: true}, "/nix/store/"+hash+"-"+name)
	require.NoError(t, err)
	return sp
}

// stubFetcher serves references/files from in-memory maps keyed by hash.
type stubFetcher struct {
	mu         sync.Mutex
	references map[string]fetcher.ReferencesResult
	files      map[string]*filetree.Tree
}

func (s *stubFetcher) FetchReferences(ctx context.Context, path storepath.StorePath) (fetcher.ReferencesResult, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.references[path.Hash]
	return res, ok, nil
}

func (s *stubFetcher) FetchFiles(ctx context.Context, path storepath.StorePath) (*filetree.Tree, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tree, ok := s.files[path.Hash]
	return tree, ok, nil
}

func TestCrawlFollowsReferencesAndEmitsResults(t *testing.T) {
	root := mustPath(t, "root", "aaaa", "root-1")
	dep := mustPath(t, "root", "bbbb", "dep-1")

	sf := &stubFetcher{
		references: map[string]fetcher.ReferencesResult{
			"aaaa": {Path: root, NarURL: "nar/aaaa.nar.xz", References: []storepath.StorePath{dep}},
			"bbbb": {Path: dep, NarURL: "nar/bbbb.nar.xz"},
		},
		files: map[string]*filetree.Tree{
			"aaaa": filetree.NewDirectory(nil),
			"bbbb": filetree.NewDirectory(nil),
		},
	}

	var mu sync.Mutex
	var results []Result
	err := Crawl(context.Background(), sf, []workset.Item{{Key: "aaaa", Value: root}}, func(r Result) error {
		mu.Lock()
		defer mu.Unlock()
		results = append(results, r)
		return nil
	}, WithJobs(2))
	require.NoError(t, err)

	require.Len(t, results, 2)
	var hashes []string
	for _, r := range results {
		hashes = append(hashes, r.Path.Hash)
	}
	assert.ElementsMatch(t, []string{"aaaa", "bbbb"}, hashes)
}

func TestCrawlReportsMissingWithoutFailing(t *testing.T) {
	root := mustPath(t, "root", "aaaa", "root-1")

	sf := &stubFetcher{
		references: map[string]fetcher.ReferencesResult{}, // 404 on narinfo
		files:      map[string]*filetree.Tree{},
	}

	var results []Result
	err := Crawl(context.Background(), sf, []workset.Item{{Key: "aaaa", Value: root}}, func(r Result) error {
		results = append(results, r)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Missing)
}

func TestCrawlPropagatesOnResultError(t *testing.T) {
	root := mustPath(t, "root", "aaaa", "root-1")
	sf := &stubFetcher{
		references: map[string]fetcher.ReferencesResult{
			"aaaa": {Path: root, NarURL: "nar/aaaa.nar.xz"},
		},
		files: map[string]*filetree.Tree{
			"aaaa": filetree.NewDirectory(nil),
		},
	}

	boom := assert.AnError
	err := Crawl(context.Background(), sf, []workset.Item{{Key: "aaaa", Value: root}}, func(r Result) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
}
