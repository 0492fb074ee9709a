// Package nixpkgs gathers the initial seed set of store paths by invoking
// nix-env against a nixpkgs expression, once per requested (system, scope)
// pair, and parsing its --xml output.
package nixpkgs

import (
	"bytes"
	"context"
	"encoding/xml"
	"io"
	"os/exec"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/nix-community/nix-index/storepath"
)

// Options configures a seed query.
type Options struct {
	// Nixpkgs is the nixpkgs expression passed to nix-env's --file, e.g.
	// a checkout path, "<nixpkgs>", or a tarball URL.
	Nixpkgs string
	// Systems is the set of --argstr system values to query, one
	// subprocess per entry. A nil/empty slice queries the host's default
	// system.
	Systems []string
	// Scopes is the set of -A attribute scopes to query, one subprocess
	// per (system, scope) pair. A nil/empty slice queries the whole tree.
	Scopes []string
	// ShowTrace adds nix-env's --show-trace flag.
	ShowTrace bool
	// Concurrency bounds how many nix-env subprocesses run at once
	// (default 4).
	Concurrency int
}

const defaultConcurrency = 4

// QueryPackages runs one nix-env subprocess per (system, scope) pair named
// by opts and merges their output. A non-zero exit from any subprocess
// aborts the whole query.
func QueryPackages(ctx context.Context, opts Options) ([]storepath.StorePath, error) {
	systems := opts.Systems
	if len(systems) == 0 {
		systems = []string{""}
	}
	scopes := opts.Scopes
	if len(scopes) == 0 {
		scopes = []string{""}
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	type pair struct{ system, scope string }
	var pairs []pair
	for _, sys := range systems {
		for _, sc := range scopes {
			pairs = append(pairs, pair{sys, sc})
		}
	}

	results := make(chan []storepath.StorePath, len(pairs))
	g, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(int64(concurrency))

	for _, p := range pairs {
		p := p
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			pkgs, err := queryOne(gctx, opts.Nixpkgs, p.system, p.scope, opts.ShowTrace)
			if err != nil {
				return err
			}
			select {
			case results <- pkgs:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}

	go func() {
		_ = g.Wait()
		close(results)
	}()

	var merged []storepath.StorePath
	for pkgs := range results {
		merged = append(merged, pkgs...)
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return merged, nil
}

// queryOne runs a single nix-env invocation for one (system, scope) pair.
// An empty system or scope omits the corresponding flag.
func queryOne(ctx context.Context, nixpkgsExpr, system, scope string, showTrace bool) ([]storepath.StorePath, error) {
	args := []string{
		"-qaP", "--out-path", "--xml",
		"--arg", "config", "{ allowAliases = false; }",
		"--arg", "overlays", "[ ]",
		"--file", nixpkgsExpr,
	}
	if system != "" {
		args = append(args, "--argstr", "system", system)
	}
	if scope != "" {
		args = append(args, "-A", scope)
	}
	if showTrace {
		args = append(args, "--show-trace")
	}

	cmd := exec.CommandContext(ctx, "nix-env", args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	pkgs, parseErr := parsePackages(stdout)

	waitErr := cmd.Wait()
	if waitErr != nil {
		// A parse error is most likely garbage output caused by the
		// subprocess itself failing; surface the command's own error
		// (with stderr) in that case rather than the parser's.
		return nil, &CommandError{Err: waitErr, Stderr: stderr.String()}
	}
	if parseErr != nil {
		return nil, parseErr
	}

	return pkgs, nil
}

// parsePackages streams nix-env's --xml output: one root <items> containing
// repeated <item attrPath="..." system="..."> each with one or more
// <output name="..." path="..."/> children.
func parsePackages(r io.Reader) ([]storepath.StorePath, error) {
	dec := xml.NewDecoder(r)

	var out []storepath.StorePath
	var inItem bool
	var currentAttr, currentSystem string

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &ParseError{Kind: KindXML, Err: err}
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "item":
				if inItem {
					return nil, &ParseError{Kind: KindParentNotAllowed, Element: "item", Detail: "item"}
				}
				attrPath, ok := attrValue(t, "attrPath")
				if !ok {
					return nil, &ParseError{Kind: KindMissingAttribute, Element: "item", Detail: "attrPath"}
				}
				sys, ok := attrValue(t, "system")
				if !ok {
					return nil, &ParseError{Kind: KindMissingAttribute, Element: "item", Detail: "system"}
				}
				inItem = true
				currentAttr = attrPath
				currentSystem = sys

			case "output":
				if !inItem {
					return nil, &ParseError{Kind: KindMissingParent, Element: "output", Detail: "item"}
				}
				name, ok := attrValue(t, "name")
				if !ok {
					return nil, &ParseError{Kind: KindMissingAttribute, Element: "output", Detail: "name"}
				}
				path, ok := attrValue(t, "path")
				if !ok {
					return nil, &ParseError{Kind: KindMissingAttribute, Element: "output", Detail: "path"}
				}

				origin := storepath.PathOrigin{
					Attr:     currentAttr,
					Output:   name,
					Toplevel: true,
					System:   currentSystem,
				}
				sp, err := storepath.Parse(origin, path)
				if err != nil {
					return nil, &ParseError{Kind: KindInvalidStorePath, Element: "output", Detail: path, Err: err}
				}
				out = append(out, sp)
			}

		case xml.EndElement:
			if t.Name.Local == "item" {
				if !inItem {
					return nil, &ParseError{Kind: KindMissingStartTag, Element: "item"}
				}
				inItem = false
			}
		}
	}

	return out, nil
}

func attrValue(t xml.StartElement, name string) (string, bool) {
	for _, a := range t.Attr {
		if a.Name.Local == name {
			return a.Value, true
		}
	}
	return "", false
}
