// Package crawler composes the fetcher and work-set packages into a
// bounded-concurrency crawl: each yielded path is resolved to its
// references and file listing, newly discovered references are fed back
// into the work-set, and every completed package (or confirmed-missing
// path) is handed to the caller as it finishes, in whatever order the
// in-flight fetches happen to complete.
package crawler

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	nixindex "github.com/nix-community/nix-index"
	"github.com/nix-community/nix-index/filetree"
	"github.com/nix-community/nix-index/fetcher"
	"github.com/nix-community/nix-index/progress"
	"github.com/nix-community/nix-index/storepath"
	"github.com/nix-community/nix-index/workset"
)

// Fetcher is the subset of *fetcher.Client the crawler depends on;
// satisfied by *fetcher.Client itself, and narrow enough for tests to
// substitute a stub.
type Fetcher interface {
	FetchReferences(ctx context.Context, path storepath.StorePath) (fetcher.ReferencesResult, bool, error)
	FetchFiles(ctx context.Context, path storepath.StorePath) (*filetree.Tree, bool, error)
}

// Result is one completed crawl item: either a fully-resolved package
// (Missing == false, Files populated) or a confirmed-absent path (Missing
// == true, zero Files) - either narinfo or the file listing 404'd.
type Result struct {
	Path    storepath.StorePath
	NarURL  string
	Files   *filetree.Tree
	Missing bool
}

// Option configures a Crawl run.
type Option func(*options)

type options struct {
	jobs     int64
	progress *progress.Reporter
}

func defaultOptions() options {
	return options{jobs: 32}
}

// WithJobs sets the maximum number of in-flight package fetches (default 32).
func WithJobs(n int) Option {
	return func(o *options) { o.jobs = int64(n) }
}

// WithProgress attaches a progress.Reporter updated as results complete
// and as the work-set queue depth changes.
func WithProgress(r *progress.Reporter) Option {
	return func(o *options) { o.progress = r }
}

// Crawl seeds a work-set from seeds and fetches every reachable package
// through fc, invoking onResult once per completed item. Fetches run
// concurrently, but calls to onResult are serialized, so it may touch
// non-concurrency-safe state (such as a database.Writer). Crawl returns the first fatal error encountered by
// any task, or nil once the work-set is exhausted.
func Crawl(ctx context.Context, fc Fetcher, seeds []workset.Item, onResult func(Result) error, opts ...Option) error {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	set := workset.FromSeed(seeds)
	status := set.Watch()
	sem := semaphore.NewWeighted(o.jobs)

	g, gctx := errgroup.WithContext(ctx)

	var resultMu sync.Mutex

	for {
		handle, path, ok, err := set.Next(gctx)
		if err != nil {
			break
		}
		if !ok {
			break
		}

		if err := sem.Acquire(gctx, 1); err != nil {
			handle.Release()
			break
		}

		if o.progress != nil {
			o.progress.SetQueued(status.QueueLen())
		}

		g.Go(func() error {
			defer sem.Release(1)
			defer handle.Release()

			res, err := crawlOne(gctx, fc, handle, path)
			if err != nil {
				return err
			}

			if o.progress != nil {
				if res.Missing {
					o.progress.Missing()
				} else {
					o.progress.Indexed()
				}
				o.progress.SetQueued(status.QueueLen())
			}

			resultMu.Lock()
			defer resultMu.Unlock()
			return onResult(res)
		})
	}

	if waitErr := g.Wait(); waitErr != nil {
		return waitErr
	}
	return ctx.Err()
}

// crawlOne performs the two-phase fetch for one path: references first
// (feeding newly discovered references back into the work-set via
// handle), then the file listing.
func crawlOne(ctx context.Context, fc Fetcher, handle *workset.Handle, path storepath.StorePath) (Result, error) {
	refs, ok, err := fc.FetchReferences(ctx, path)
	if err != nil {
		return Result{}, nixindex.Wrap(nixindex.KindFetchReferences, path.String(), err)
	}
	if !ok {
		return Result{Path: path, Missing: true}, nil
	}

	for _, ref := range refs.References {
		handle.AddWork(ref.Hash, ref)
	}

	tree, ok, err := fc.FetchFiles(ctx, refs.Path)
	if err != nil {
		return Result{}, nixindex.Wrap(nixindex.KindFetchFiles, refs.Path.String(), err)
	}
	if !ok {
		return Result{Path: refs.Path, Missing: true}, nil
	}

	return Result{Path: refs.Path, NarURL: refs.NarURL, Files: tree}, nil
}
