// Package database implements the on-disk index file: a magic header and
// format version followed by an outer zstd stream of frcode records, one
// run of file entries per package terminated by a footer record binding
// that run to its StorePath.
package database

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/klauspost/compress/zstd"

	"github.com/nix-community/nix-index/filetree"
	"github.com/nix-community/nix-index/frcode"
	"github.com/nix-community/nix-index/storepath"
)

// FileMagic identifies a nix-index database file.
const FileMagic = "NIXI"

// FormatVersion is the only version this package reads or writes.
const FormatVersion uint64 = 1

// footerMeta is the frcode meta byte that marks a package-footer record;
// the reader's fixed marker pattern is this byte followed by the frcode
// separator.
var footerMeta = []byte("p")

// Option configures a Writer.
type Option func(*writerOptions)

type writerOptions struct {
	level        zstd.EncoderLevel
	filterPrefix []byte
	checkOrder   bool
}

func defaultWriterOptions() writerOptions {
	return writerOptions{level: zstd.SpeedBestCompression}
}

// WithCompressionLevel overrides the outer zstd stream's level. The
// klauspost/compress encoder exposes four preset levels rather than the
// reference encoder's 1-22 scale; WithCompressionLevel takes one of
// those presets (zstd.SpeedFastest ... zstd.SpeedBestCompression).
func WithCompressionLevel(level zstd.EncoderLevel) Option {
	return func(o *writerOptions) { o.level = level }
}

// WithFilterPrefix restricts the index to entries whose path begins with
// prefix; all others (including directory entries at or above prefix's
// own depth) are omitted.
func WithFilterPrefix(prefix []byte) Option {
	return func(o *writerOptions) { o.filterPrefix = prefix }
}

// WithOrderCheck enables a debug assertion that packages are added in
// non-decreasing hash order, catching a non-deterministic crawl the way
// the historical nix-index-sort tool did.
func WithOrderCheck(enabled bool) Option {
	return func(o *writerOptions) { o.checkOrder = enabled }
}

// Stats accumulates counters across a build.
type Stats struct {
	PackagesWritten int
	EntriesWritten  int
	SkippedSymlinks int
}

// Writer builds one index file.
type Writer struct {
	f        *os.File
	zw       *zstd.Encoder
	opts     writerOptions
	lastHash string
	Stats    Stats
}

// Create opens path, writes the magic header and version, and wraps the
// remainder of the file in a streaming zstd encoder.
func Create(path string, opts ...Option) (*Writer, error) {
	options := defaultWriterOptions()
	for _, opt := range opts {
		opt(&options)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create database: %w", err)
	}

	if _, err := f.WriteString(FileMagic); err != nil {
		f.Close()
		return nil, fmt.Errorf("write magic: %w", err)
	}
	if err := binary.Write(f, binary.LittleEndian, FormatVersion); err != nil {
		f.Close()
		return nil, fmt.Errorf("write version: %w", err)
	}

	zw, err := zstd.NewWriter(f, zstd.WithEncoderLevel(options.level))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}

	return &Writer{f: f, zw: zw, opts: options}, nil
}

// Add flattens tree and writes one package's run of entries followed by
// its footer. Entries whose path does not start with the configured
// filter prefix are omitted; symlinks whose target contains a reserved
// byte are skipped and counted rather than failing the build.
func (w *Writer) Add(sp storepath.StorePath, tree *filetree.Tree) error {
	if w.opts.checkOrder {
		if w.lastHash != "" && sp.Hash < w.lastHash {
			return fmt.Errorf("database: packages added out of order: %q after %q", sp.Hash, w.lastHash)
		}
		w.lastHash = sp.Hash
	}

	enc := frcode.NewEncoder(w.zw)
	entries := filetree.Flatten(tree)

	written := 0
	for _, entry := range entries {
		if w.opts.filterPrefix != nil && !bytes.HasPrefix(entry.Path, w.opts.filterPrefix) {
			continue
		}

		meta, ok := encodeNodeMeta(entry.Node)
		if !ok {
			w.Stats.SkippedSymlinks++
			continue
		}

		if err := enc.WriteRecord(meta, entry.Path); err != nil {
			return fmt.Errorf("write entry %q: %w", entry.Path, err)
		}
		written++
	}

	footerPath := []byte(sp.Encode())
	if err := enc.Close(footerMeta, footerPath); err != nil {
		return fmt.Errorf("write footer for %q: %w", sp, err)
	}

	w.Stats.PackagesWritten++
	w.Stats.EntriesWritten += written
	return nil
}

// Close flushes and closes the zstd stream and the underlying file, and
// returns the total number of bytes written to disk.
func (w *Writer) Close() (int64, error) {
	if err := w.zw.Close(); err != nil {
		w.f.Close()
		return 0, fmt.Errorf("close zstd encoder: %w", err)
	}
	size, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		w.f.Close()
		return 0, err
	}
	if err := w.f.Close(); err != nil {
		return 0, fmt.Errorf("close database file: %w", err)
	}
	return size, nil
}

// encodeNodeMeta renders a FileNode's frcode meta field: "<size>r" for a
// non-executable regular file, "<size>x" for an executable one,
// "<size>d" for a directory, or "<target>s" for a symlink. It returns
// ok=false for a symlink whose target contains a reserved byte, which
// the caller must skip.
func encodeNodeMeta(node filetree.Node) (meta []byte, ok bool) {
	switch n := node.(type) {
	case filetree.Regular:
		tag := byte('r')
		if n.Executable {
			tag = 'x'
		}
		return append(strconv.AppendUint(nil, n.Size, 10), tag), true
	case filetree.Directory:
		return append(strconv.AppendUint(nil, n.Size, 10), 'd'), true
	case filetree.Symlink:
		if bytes.ContainsAny(n.Target, "\x00\x01\x02\n") {
			return nil, false
		}
		return append(append([]byte(nil), n.Target...), 's'), true
	default:
		return nil, false
	}
}
