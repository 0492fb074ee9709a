package database

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"

	"github.com/klauspost/compress/zstd"

	"github.com/nix-community/nix-index/filetree"
	"github.com/nix-community/nix-index/frcode"
	"github.com/nix-community/nix-index/storepath"
)

// ErrBadMagic is returned when a file does not begin with FileMagic.
var ErrBadMagic = errors.New("database: bad magic bytes")

// ErrUnsupportedFileType is returned when a record's meta tag byte is
// not one of 'r', 'x', 'd' or 's'.
var ErrUnsupportedFileType = errors.New("database: unsupported file type tag")

// ErrMissingPackageEntry is returned when the stream ends while file
// records remain unbound to any package footer.
var ErrMissingPackageEntry = errors.New("database: file entry has no following package footer")

// UnsupportedVersionError is returned when the file's format version
// does not equal FormatVersion.
type UnsupportedVersionError struct {
	Version uint64
}

func (e *UnsupportedVersionError) Error() string {
	return fmt.Sprintf("database: unsupported format version %d", e.Version)
}

// EntryParseError is returned when a matched record's bytes cannot be
// split into (meta, path) or the meta cannot be decoded.
type EntryParseError struct {
	Record []byte
	Err    error
}

func (e *EntryParseError) Error() string {
	return fmt.Sprintf("database: failed to parse entry %q: %v", e.Record, e.Err)
}
func (e *EntryParseError) Unwrap() error { return e.Err }

// StorePathParseError is returned when a footer's embedded store path
// text cannot be decoded.
type StorePathParseError struct {
	Text []byte
	Err  error
}

func (e *StorePathParseError) Error() string {
	return fmt.Sprintf("database: failed to parse store path %q: %v", e.Text, e.Err)
}
func (e *StorePathParseError) Unwrap() error { return e.Err }

// footerMarker finds the start of every footer record: one whose frcode
// meta field is exactly "p", decoded as the literal bytes "p\x00" at the
// start of a line within a decoded block.
var footerMarker = regexp.MustCompile(`(?m)^p\x00`)

// Reader opens and scans a database file built by Writer.
type Reader struct {
	f   *os.File
	zr  *zstd.Decoder
	dec decoderLike
}

// decoderLike is satisfied by *frcode.Decoder; indirected so tests can
// drive MatchIter over an in-memory decoder without a real file.
type decoderLike interface {
	Decode() ([]byte, error)
}

// Open verifies the magic and version and prepares to scan records.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	magic := make([]byte, len(FileMagic))
	if _, err := io.ReadFull(f, magic); err != nil {
		f.Close()
		return nil, fmt.Errorf("read magic: %w", err)
	}
	if string(magic) != FileMagic {
		f.Close()
		return nil, ErrBadMagic
	}

	var version uint64
	if err := binary.Read(f, binary.LittleEndian, &version); err != nil {
		f.Close()
		return nil, fmt.Errorf("read version: %w", err)
	}
	if version != FormatVersion {
		f.Close()
		return nil, &UnsupportedVersionError{Version: version}
	}

	zr, err := zstd.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	return &Reader{f: f, zr: zr, dec: frcode.NewDecoder(zr)}, nil
}

// Close releases the underlying file and decompressor.
func (r *Reader) Close() error {
	r.zr.Close()
	return r.f.Close()
}

// Match is one resolved (package, file entry) pair.
type Match struct {
	Package storepath.StorePath
	Entry   filetree.Entry
}

// FindIter returns an iterator over every record in the database whose
// path matches pattern, each resolved to its owning package.
func (r *Reader) FindIter(pattern *regexp.Regexp) *MatchIter {
	return &MatchIter{dec: r.dec, pattern: pattern}
}

type footerRecord struct {
	start int
	end   int
	pkg   storepath.StorePath
}

// MatchIter is a pull-based sequence of Match values.
type MatchIter struct {
	dec     decoderLike
	pattern *regexp.Regexp

	ready   []Match
	pending [][]byte // raw "meta\x00path" record bytes awaiting a footer
	done    bool
}

// Next returns the next match. ok is false once the stream is exhausted.
func (it *MatchIter) Next() (Match, bool, error) {
	for {
		if len(it.ready) > 0 {
			m := it.ready[0]
			it.ready = it.ready[1:]
			return m, true, nil
		}
		if it.done {
			return Match{}, false, nil
		}
		if err := it.advance(); err != nil {
			return Match{}, false, err
		}
	}
}

func (it *MatchIter) advance() error {
	block, err := it.dec.Decode()
	if err != nil {
		if err == io.EOF {
			it.done = true
			if len(it.pending) > 0 {
				return ErrMissingPackageEntry
			}
			return nil
		}
		return err
	}

	footerPositions := footerMarker.FindAllIndex(block, -1)
	footers := make([]footerRecord, 0, len(footerPositions))
	for _, pos := range footerPositions {
		lineEnd := indexByteFrom(block, '\n', pos[1])
		if lineEnd < 0 {
			return fmt.Errorf("database: %w", io.ErrUnexpectedEOF)
		}
		text := block[pos[1]:lineEnd]
		sp, err := storepath.Decode(string(text))
		if err != nil {
			return &StorePathParseError{Text: append([]byte(nil), text...), Err: err}
		}
		footers = append(footers, footerRecord{start: pos[0], end: lineEnd, pkg: sp})
	}

	if len(it.pending) > 0 && len(footers) > 0 {
		for _, rec := range it.pending {
			m, err := buildMatch(footers[0].pkg, rec)
			if err != nil {
				return err
			}
			it.ready = append(it.ready, m)
		}
		it.pending = it.pending[:0]
	}

	footerCursor := 0
	for next := 0; next < len(block); {
		lineStart := next
		lineEnd := indexByteFrom(block, '\n', lineStart)
		if lineEnd < 0 {
			return fmt.Errorf("database: %w", io.ErrUnexpectedEOF)
		}
		next = lineEnd + 1

		if isFooterLineStart(footers, lineStart) {
			continue
		}

		// The pattern is matched against the record's path alone, so ^ and $
		// anchor to the path and meta bytes never produce a match.
		sep := bytes.IndexByte(block[lineStart:lineEnd], 0x00)
		if sep >= 0 && !it.pattern.Match(block[lineStart+sep+1:lineEnd]) {
			continue
		}

		record := append([]byte(nil), block[lineStart:lineEnd]...)

		for footerCursor < len(footers) && footers[footerCursor].start < lineEnd {
			footerCursor++
		}
		if footerCursor < len(footers) {
			m, err := buildMatch(footers[footerCursor].pkg, record)
			if err != nil {
				return err
			}
			it.ready = append(it.ready, m)
			continue
		}

		it.pending = append(it.pending, record)
	}

	return nil
}

func isFooterLineStart(footers []footerRecord, lineStart int) bool {
	for _, f := range footers {
		if f.start == lineStart {
			return true
		}
	}
	return false
}

func buildMatch(pkg storepath.StorePath, record []byte) (Match, error) {
	metaEnd := bytes.IndexByte(record, 0x00)
	if metaEnd < 0 {
		return Match{}, &EntryParseError{Record: record, Err: errors.New("missing meta separator")}
	}
	meta := record[:metaEnd]
	path := record[metaEnd+1:]

	node, err := decodeNodeMeta(meta)
	if err != nil {
		return Match{}, &EntryParseError{Record: record, Err: err}
	}

	return Match{
		Package: pkg,
		Entry:   filetree.Entry{Path: append([]byte(nil), path...), Node: node},
	}, nil
}

// decodeNodeMeta parses a frcode meta field for a file entry: the final
// byte is the type tag ('r', 'x', 'd' or 's'); for 's' the remaining
// bytes are the symlink target, for the others they are a decimal size.
func decodeNodeMeta(meta []byte) (filetree.Node, error) {
	if len(meta) == 0 {
		return nil, ErrUnsupportedFileType
	}
	tag := meta[len(meta)-1]
	rest := meta[:len(meta)-1]

	switch tag {
	case 'r', 'x':
		size, err := strconv.ParseUint(string(rest), 10, 64)
		if err != nil {
			return nil, err
		}
		return filetree.Regular{Size: size, Executable: tag == 'x'}, nil
	case 'd':
		size, err := strconv.ParseUint(string(rest), 10, 64)
		if err != nil {
			return nil, err
		}
		return filetree.Directory{Size: size}, nil
	case 's':
		return filetree.Symlink{Target: append([]byte(nil), rest...)}, nil
	default:
		return nil, ErrUnsupportedFileType
	}
}

func indexByteFrom(data []byte, c byte, from int) int {
	idx := bytes.IndexByte(data[from:], c)
	if idx < 0 {
		return -1
	}
	return from + idx
}
