// Package pathscache implements the developer-mode "paths.cache" artifact:
// an opaque serialization of fetched (path, nar_url, file_tree) tuples that
// lets a rebuild skip the network phase entirely.
package pathscache

import (
	"bytes"
	"errors"
	"fmt"
	"hash"
	"os"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/zeebo/blake3"

	"github.com/nix-community/nix-index/filetree"
	"github.com/nix-community/nix-index/storepath"
)

// ErrTruncated is returned when the cache file is too short to contain
// even the checksum header.
var ErrTruncated = errors.New("pathscache: file is too short to contain a checksum")

// ErrChecksumMismatch is returned when the stored checksum does not match
// the payload, indicating a truncated write or an on-disk corruption.
var ErrChecksumMismatch = errors.New("pathscache: checksum mismatch")

// Entry is one cached fetch result, equivalent to a crawler.Result except
// Missing entries are simply omitted from the cache.
type Entry struct {
	Path   storepath.StorePath
	NarURL string
	Files  *filetree.Tree
}

type wireNode struct {
	Type       string              `msgpack:"type"`
	Size       uint64              `msgpack:"size,omitempty"`
	Executable bool                `msgpack:"executable,omitempty"`
	Target     []byte              `msgpack:"target,omitempty"`
	Children   map[string]wireNode `msgpack:"children,omitempty"`
}

type wireEntry struct {
	Path   string   `msgpack:"path"`
	System string   `msgpack:"system,omitempty"`
	NarURL string   `msgpack:"nar_url"`
	Root   wireNode `msgpack:"root"`
}

func toWireNode(t *filetree.Tree) wireNode {
	switch n := t.Node.(type) {
	case filetree.Regular:
		return wireNode{Type: "regular", Size: n.Size, Executable: n.Executable}
	case filetree.Symlink:
		return wireNode{Type: "symlink", Target: n.Target}
	case filetree.Directory:
		children := make(map[string]wireNode, len(t.Children))
		for name, child := range t.Children {
			children[name] = toWireNode(child)
		}
		return wireNode{Type: "directory", Size: n.Size, Children: children}
	default:
		panic(fmt.Sprintf("pathscache: unknown node type %T", n))
	}
}

func fromWireNode(w wireNode) (*filetree.Tree, error) {
	switch w.Type {
	case "regular":
		return filetree.NewRegular(w.Size, w.Executable), nil
	case "symlink":
		return filetree.NewSymlink(w.Target), nil
	case "directory":
		children := make(map[string]*filetree.Tree, len(w.Children))
		for name, child := range w.Children {
			t, err := fromWireNode(child)
			if err != nil {
				return nil, err
			}
			children[name] = t
		}
		return filetree.NewDirectory(children), nil
	default:
		return nil, fmt.Errorf("pathscache: unknown node type %q", w.Type)
	}
}

// Save serializes entries to path: a 32-byte BLAKE3 checksum of the
// payload followed by the msgpack-encoded entry list (map keys emitted in
// sorted order, for a reproducible checksum across runs).
func Save(path string, entries []Entry) error {
	wireEntries := make([]wireEntry, len(entries))
	for i, e := range entries {
		wireEntries[i] = wireEntry{
			Path:   e.Path.Encode(),
			System: e.Path.Origin.System,
			NarURL: e.NarURL,
			Root:   toWireNode(e.Files),
		}
	}

	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(wireEntries); err != nil {
		return fmt.Errorf("pathscache: encode: %w", err)
	}

	sum := checksum(buf.Bytes())

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("pathscache: create: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(sum); err != nil {
		return fmt.Errorf("pathscache: write checksum: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("pathscache: write payload: %w", err)
	}
	return nil
}

// Load reads and verifies path, returning the cached entries.
func Load(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pathscache: read: %w", err)
	}
	if len(data) < blake3.New().Size() {
		return nil, ErrTruncated
	}

	sumLen := blake3.New().Size()
	wantSum, payload := data[:sumLen], data[sumLen:]
	if !bytes.Equal(wantSum, checksum(payload)) {
		return nil, ErrChecksumMismatch
	}

	var wireEntries []wireEntry
	if err := msgpack.Unmarshal(payload, &wireEntries); err != nil {
		return nil, fmt.Errorf("pathscache: decode: %w", err)
	}

	entries := make([]Entry, len(wireEntries))
	for i, w := range wireEntries {
		sp, err := storepath.Decode(w.Path)
		if err != nil {
			return nil, fmt.Errorf("pathscache: decode path %q: %w", w.Path, err)
		}
		sp.Origin.System = w.System

		tree, err := fromWireNode(w.Root)
		if err != nil {
			return nil, err
		}

		entries[i] = Entry{Path: sp, NarURL: w.NarURL, Files: tree}
	}
	return entries, nil
}

func checksum(payload []byte) []byte {
	var h hash.Hash = blake3.New()
	h.Write(payload)
	return h.Sum(nil)
}
