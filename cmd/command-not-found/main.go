// Command command-not-found looks up which package provides a missing
// shell command, for use as a shell's command-not-found handler. It
// reuses nix-locate's query path, narrowed to a single exact /bin/<cmd>
// match.
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
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: command-not-found <command>")
		os.Exit(2)
	}

	path := *dbPath
	if path == "" {
		var err error
		path, err = defaultDatabasePath()
		if err != nil {
			fmt.Fprintf(os.Stderr, "command-not-found: %+v\n", err)
			os.Exit(2)
		}
	}

	found, err := run(path, flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "command-not-found: %+v\n", err)
		os.Exit(2)
	}
	if !found {
		fmt.Fprintf(os.Stderr, "%s: command not found\n", flag.Arg(0))
		os.Exit(127)
	}
}

func run(dbPath, command string) (bool, error) {
	re, err := regexp.Compile(`/bin/` + regexp.QuoteMeta(command) + `$`)
	if err != nil {
		return false, nixindex.Wrap(nixindex.KindReadDatabase, command, err)
	}

	reader, err := database.Open(dbPath)
	if err != nil {
		return false, nixindex.Wrap(nixindex.KindReadDatabase, dbPath, err)
	}
	defer reader.Close()

	it := reader.FindIter(re)
	found := false
	for {
		m, ok, err := it.Next()
		if err != nil {
			return found, nixindex.Wrap(nixindex.KindReadDatabase, dbPath, err)
		}
		if !ok {
			break
		}
		fmt.Printf("The program '%s' is provided by the package '%s'.\n", command, m.Package.Name)
		found = true
	}
	return found, nil
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
