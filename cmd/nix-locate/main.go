// Command nix-locate queries a nix-index database for packages that
// provide a given path fragment.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	nixindex "github.com/nix-community/nix-index"
	"github.com/nix-community/nix-index/database"
)

func main() {
	dbPath := flag.String("db", "", "database path (default: $NIX_INDEX_DATABASE or XDG cache dir)")
	wholeName := flag.Bool("whole-name", false, "require the match to span the whole file name, not just a substring")
	top := flag.Int("top", 0, "print at most this many matches (0 = unlimited)")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: nix-locate [flags] <pattern>")
		os.Exit(2)
	}

	path := *dbPath
	if path == "" {
		var err error
		path, err = defaultDatabasePath()
		if err != nil {
			fmt.Fprintf(os.Stderr, "nix-locate: %+v\n", err)
			os.Exit(2)
		}
	}

	count, err := run(path, flag.Arg(0), *wholeName, *top)
	if err != nil {
		fmt.Fprintf(os.Stderr, "nix-locate: %+v\n", err)
		os.Exit(2)
	}
	if count == 0 {
		os.Exit(127)
	}
}

func run(dbPath, pattern string, wholeName bool, top int) (int, error) {
	re, err := compilePattern(pattern, wholeName)
	if err != nil {
		return 0, nixindex.Wrap(nixindex.KindReadDatabase, pattern, err)
	}

	reader, err := database.Open(dbPath)
	if err != nil {
		return 0, nixindex.Wrap(nixindex.KindReadDatabase, dbPath, err)
	}
	defer reader.Close()

	it := reader.FindIter(re)
	count := 0
	for {
		m, ok, err := it.Next()
		if err != nil {
			return count, nixindex.Wrap(nixindex.KindReadDatabase, dbPath, err)
		}
		if !ok {
			break
		}
		if top > 0 && count >= top {
			break
		}
		fmt.Printf("%-40s %s%s\n", m.Package.Name, m.Package.String(), m.Entry.Path)
		count++
	}
	return count, nil
}

// compilePattern turns a plain path fragment into a regexp: wholeName
// anchors the match to an entire path component, otherwise the fragment
// is matched as a substring anywhere in the path.
func compilePattern(pattern string, wholeName bool) (*regexp.Regexp, error) {
	if !wholeName {
		return regexp.Compile(regexp.QuoteMeta(pattern))
	}
	base := filepath.Base(pattern)
	return regexp.Compile(`/` + regexp.QuoteMeta(base) + `$`)
}

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
