// Command nix-index builds the "files" database by querying nixpkgs for
// its package set, crawling each package's binary-cache entry, and
// writing the result to a nix-index database file.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	nixindex "github.com/nix-community/nix-index"
	"github.com/nix-community/nix-index/crawler"
	"github.com/nix-community/nix-index/database"
	"github.com/nix-community/nix-index/fetcher"
	"github.com/nix-community/nix-index/nixpkgs"
	"github.com/nix-community/nix-index/pathscache"
	"github.com/nix-community/nix-index/progress"
	"github.com/nix-community/nix-index/workset"
)

func main() {
	nixpkgsExpr := flag.String("nixpkgs", "<nixpkgs>", "nixpkgs expression passed to nix-env --file")
	systems := flag.String("system", "", "comma-separated --argstr system values (default: host system)")
	scopes := flag.String("scope", "", "comma-separated -A attribute scopes (default: whole tree)")
	showTrace := flag.Bool("show-trace", false, "pass --show-trace to nix-env")
	jobs := flag.Int("jobs", 32, "maximum number of in-flight package fetches")
	cacheURL := flag.String("cache-url", "https://cache.nixos.org", "binary cache base URL")
	dbPath := flag.String("db", "", "output database path (default: $NIX_INDEX_DATABASE or XDG cache dir)")
	loadCache := flag.String("load-cache", "", "load fetch results from a paths.cache file instead of the network")
	writeCache := flag.String("write-cache", "", "write fetched results to a paths.cache file")
	flag.Parse()

	if err := run(*nixpkgsExpr, splitList(*systems), splitList(*scopes), *showTrace, *jobs, *cacheURL, *dbPath, *loadCache, *writeCache); err != nil {
		fmt.Fprintf(os.Stderr, "nix-index: %+v\n", err)
		os.Exit(2)
	}
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func run(nixpkgsExpr string, systems, scopes []string, showTrace bool, jobs int, cacheURL, dbPath, loadCachePath, writeCachePath string) error {
	ctx := context.Background()

	if dbPath == "" {
		p, err := defaultDatabasePath()
		if err != nil {
			return nixindex.Wrap(nixindex.KindCreateDatabaseDir, "", err)
		}
		dbPath = p
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nixindex.Wrap(nixindex.KindCreateDatabaseDir, filepath.Dir(dbPath), err)
	}

	var cached []pathscache.Entry
	if loadCachePath != "" {
		var err error
		cached, err = pathscache.Load(loadCachePath)
		if err != nil {
			return nixindex.Wrap(nixindex.KindLoadPathsCache, loadCachePath, err)
		}
		slog.Info("[nix-index] loaded cached fetch results", "path", loadCachePath, "packages", len(cached))
	}

	slog.Info("[nix-index] querying nixpkgs", "nixpkgs", nixpkgsExpr, "systems", systems, "scopes", scopes)
	seeds, err := nixpkgs.QueryPackages(ctx, nixpkgs.Options{
		Nixpkgs:   nixpkgsExpr,
		Systems:   systems,
		Scopes:    scopes,
		ShowTrace: showTrace,
	})
	if err != nil {
		return nixindex.Wrap(nixindex.KindQueryPackages, "", err)
	}
	slog.Info("[nix-index] nixpkgs query complete", "seeds", len(seeds))

	writer, err := database.Create(dbPath, database.WithOrderCheck(false))
	if err != nil {
		return nixindex.Wrap(nixindex.KindCreateDatabase, dbPath, err)
	}

	reporter := progress.New()
	defer reporter.Close()

	var toCache []pathscache.Entry
	onResult := func(res crawler.Result) error {
		if res.Missing {
			return nil
		}
		if writeCachePath != "" {
			toCache = append(toCache, pathscache.Entry{Path: res.Path, NarURL: res.NarURL, Files: res.Files})
		}
		if err := writer.Add(res.Path, res.Files); err != nil {
			return nixindex.Wrap(nixindex.KindWriteDatabase, dbPath, err)
		}
		return nil
	}

	seedItems := make([]workset.Item, len(seeds))
	for i, sp := range seeds {
		seedItems[i] = workset.Item{Key: sp.Hash, Value: sp}
	}

	if loadCachePath != "" {
		for _, entry := range cached {
			reporter.Indexed()
			if err := onResult(crawler.Result{Path: entry.Path, NarURL: entry.NarURL, Files: entry.Files}); err != nil {
				return err
			}
		}
	} else {
		client := fetcher.New(cacheURL)
		if err := crawler.Crawl(ctx, client, seedItems, onResult, crawler.WithJobs(jobs), crawler.WithProgress(reporter)); err != nil {
			return fmt.Errorf("nix-index: crawl: %w", err)
		}
	}

	size, err := writer.Close()
	if err != nil {
		return nixindex.Wrap(nixindex.KindWriteDatabase, dbPath, err)
	}
	slog.Info("[nix-index] build complete",
		"packages", writer.Stats.PackagesWritten,
		"entries", writer.Stats.EntriesWritten,
		"skipped_symlinks", writer.Stats.SkippedSymlinks,
		"bytes", size,
	)

	if writeCachePath != "" {
		if err := pathscache.Save(writeCachePath, toCache); err != nil {
			return nixindex.Wrap(nixindex.KindWritePathsCache, writeCachePath, err)
		}
	}

	return nil
}

// defaultDatabasePath resolves NIX_INDEX_DATABASE or, failing that, the
// XDG cache directory's nix-index/files.
func defaultDatabasePath() (string, error) {
	if p := os.Getenv("NIX_INDEX_DATABASE"); p != "" {
		return p, nil
	}
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(cacheDir, "nix-index", "files"), nil
}
