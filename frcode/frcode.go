// Package frcode implements the prefix-differential ("front-compressed")
// record codec used by the on-disk index: each record stores only the
// signed delta of shared-prefix length relative to the previous record,
// plus its tail bytes and an attached metadata blob, so that long runs of
// closely related sorted paths compress to a handful of bytes each while
// remaining scannable by an ordinary line-oriented regex without full
// per-record decoding.
package frcode

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// Errors returned by Encoder and Decoder.
var (
	// ErrForbiddenByte is returned when meta or path bytes passed to
	// Encoder.WriteRecord contain a 0x00 or newline byte.
	ErrForbiddenByte = errors.New("frcode: meta or path contains a reserved byte (0x00 or newline)")

	// ErrSharedOutOfRange is returned by the decoder when a reconstructed
	// shared-prefix length is negative or exceeds the previous path's length.
	ErrSharedOutOfRange = errors.New("frcode: shared-prefix length out of range")

	// ErrSharedOverflow is returned when the previous shared length plus
	// the decoded differential does not fit in an int16.
	ErrSharedOverflow = errors.New("frcode: shared-prefix differential overflow")

	// ErrMissingNul is returned when the stream ends mid-metadata, before
	// the 0x00 separator was found.
	ErrMissingNul = errors.New("frcode: stream ended before metadata separator")

	// ErrMissingNewline is returned when the stream ends mid-record,
	// after the separator but before the terminating newline.
	ErrMissingNewline = errors.New("frcode: stream ended before record terminator")
)

const (
	minSharedLen = 0
	maxSharedLen = 32767

	diffMarker byte = 0x80
)

func hasForbiddenByte(b []byte) bool {
	return bytes.IndexByte(b, 0x00) >= 0 || bytes.IndexByte(b, '\n') >= 0
}

// Encoder writes a sequence of (meta, path) records sharing one
// prefix-differential state. Each Encoder starts from shared-length 0;
// Close emits a footer record that resets shared-length back to 0, so
// a stream can concatenate any number of Encoders, one per package,
// over the same underlying writer.
type Encoder struct {
	w         io.Writer
	last      []byte
	sharedLen int16
	closed    bool
}

// NewEncoder returns an Encoder writing records to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// WriteRecord encodes one (meta, path) record. meta and path must not
// contain 0x00 or '\n'.
func (e *Encoder) WriteRecord(meta, path []byte) error {
	if e.closed {
		return errors.New("frcode: write on closed encoder")
	}
	if hasForbiddenByte(meta) || hasForbiddenByte(path) {
		return ErrForbiddenByte
	}

	shared := commonPrefixLen(e.last, path)
	if shared > maxSharedLen {
		shared = maxSharedLen
	}
	diff := int32(shared) - int32(e.sharedLen)

	if _, err := e.w.Write(meta); err != nil {
		return err
	}
	if _, err := e.w.Write([]byte{0x00}); err != nil {
		return err
	}
	if err := writeDiff(e.w, diff); err != nil {
		return err
	}
	if _, err := e.w.Write(path[shared:]); err != nil {
		return err
	}
	if _, err := e.w.Write([]byte{'\n'}); err != nil {
		return err
	}

	e.last = append(e.last[:0], path...)
	e.sharedLen = int16(shared)
	return nil
}

// Close emits the footer record, with the differential reset so that
// shared-length returns to 0 (a fresh Encoder over the same writer can
// start a new scope right after it). footerPath is written as the full,
// unshared tail of the footer record - callers bind package identity by
// putting their serialized package key there. Both arguments must not
// contain 0x00 or '\n'.
func (e *Encoder) Close(footerMeta, footerPath []byte) error {
	if e.closed {
		return nil
	}
	if hasForbiddenByte(footerMeta) || hasForbiddenByte(footerPath) {
		return ErrForbiddenByte
	}

	diff := int32(0) - int32(e.sharedLen)
	if _, err := e.w.Write(footerMeta); err != nil {
		return err
	}
	if _, err := e.w.Write([]byte{0x00}); err != nil {
		return err
	}
	if err := writeDiff(e.w, diff); err != nil {
		return err
	}
	if _, err := e.w.Write(footerPath); err != nil {
		return err
	}
	if _, err := e.w.Write([]byte{'\n'}); err != nil {
		return err
	}

	e.closed = true
	e.last = nil
	e.sharedLen = 0
	return nil
}

func commonPrefixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

// writeDiff encodes diff as a single two's-complement byte when it fits
// in [-127, 127], else as the marker byte 0x80 followed by a big-endian
// int16.
func writeDiff(w io.Writer, diff int32) error {
	if diff >= -127 && diff <= 127 {
		_, err := w.Write([]byte{byte(int8(diff))})
		return err
	}
	if diff < -32768 || diff > 32767 {
		return fmt.Errorf("%w: %d", ErrSharedOverflow, diff)
	}
	v := uint16(int16(diff))
	_, err := w.Write([]byte{diffMarker, byte(v >> 8), byte(v)})
	return err
}

// Decoder reads a stream of frcode records and reassembles them into
// decoded blocks of "meta\x00path\n" lines. Decode is called repeatedly;
// each call reads from the underlying reader only until at least one
// full record has been reconstructed, then returns everything that is
// already fully buffered without issuing a further read, so that callers
// observe the same block granularity the underlying reader delivers.
type Decoder struct {
	r         io.Reader
	readSize  int
	pending   []byte
	eof       bool
	lastPath  []byte
	sharedLen int16
}

// DefaultReadSize is the number of bytes requested per underlying Read
// when the caller does not need to control block granularity.
const DefaultReadSize = 64 * 1024

// NewDecoder returns a Decoder reading from r with the default read size.
func NewDecoder(r io.Reader) *Decoder {
	return NewDecoderSize(r, DefaultReadSize)
}

// NewDecoderSize returns a Decoder that requests at most readSize bytes
// per underlying Read call. Tests use a small readSize (or a reader that
// itself returns small chunks) to force deterministic block boundaries.
func NewDecoderSize(r io.Reader, readSize int) *Decoder {
	return &Decoder{r: r, readSize: readSize}
}

// Decode returns the next decoded block, or (nil, io.EOF) when the
// stream is exhausted cleanly.
func (d *Decoder) Decode() ([]byte, error) {
	var out []byte
	tmp := make([]byte, d.readSize)

	for {
		consumedAny := false
		for {
			rec, total, needMore, err := parseRawRecord(d.pending, d.eof)
			if err != nil {
				return nil, err
			}
			if needMore {
				break
			}

			full, err := d.apply(rec.diff, rec.tail)
			if err != nil {
				return nil, err
			}

			out = append(out, rec.meta...)
			out = append(out, 0x00)
			out = append(out, full...)
			out = append(out, '\n')

			d.lastPath = full
			d.sharedLen = int16(len(full) - len(rec.tail))
			d.pending = d.pending[total:]
			consumedAny = true
		}

		if consumedAny {
			return out, nil
		}

		if d.eof {
			if len(d.pending) == 0 {
				return nil, io.EOF
			}
			// Leftover bytes that never completed a record.
			if bytes.IndexByte(d.pending, 0x00) < 0 {
				return nil, ErrMissingNul
			}
			return nil, ErrMissingNewline
		}

		n, err := d.r.Read(tmp)
		if n > 0 {
			d.pending = append(d.pending, tmp[:n]...)
		}
		if err != nil {
			if err == io.EOF {
				d.eof = true
				continue
			}
			return nil, err
		}
	}
}

func (d *Decoder) apply(diff int16, tail []byte) ([]byte, error) {
	shared32 := int32(d.sharedLen) + int32(diff)
	if shared32 < -32768 || shared32 > 32767 {
		return nil, fmt.Errorf("%w: %d", ErrSharedOverflow, shared32)
	}
	shared := int(shared32)
	if shared < 0 || shared > len(d.lastPath) {
		return nil, fmt.Errorf("%w: shared=%d previous_len=%d", ErrSharedOutOfRange, shared, len(d.lastPath))
	}

	full := make([]byte, shared+len(tail))
	copy(full, d.lastPath[:shared])
	copy(full[shared:], tail)
	return full, nil
}

type rawRecord struct {
	meta []byte
	diff int16
	tail []byte
}

// parseRawRecord attempts to parse one record from the front of data. If
// the record is not yet fully buffered, needMore is true and eof
// determines whether that is a genuine error (stream ended mid-record)
// or merely "come back with more bytes".
func parseRawRecord(data []byte, eof bool) (rec rawRecord, total int, needMore bool, err error) {
	metaEnd := bytes.IndexByte(data, 0x00)
	if metaEnd < 0 {
		if eof {
			return rawRecord{}, 0, false, ErrMissingNul
		}
		return rawRecord{}, 0, true, nil
	}

	rest := data[metaEnd+1:]
	diff, diffLen, ok := parseDiff(rest)
	if !ok {
		if eof {
			return rawRecord{}, 0, false, ErrMissingNewline
		}
		return rawRecord{}, 0, true, nil
	}

	rest2 := rest[diffLen:]
	nl := bytes.IndexByte(rest2, '\n')
	if nl < 0 {
		if eof {
			return rawRecord{}, 0, false, ErrMissingNewline
		}
		return rawRecord{}, 0, true, nil
	}

	rec = rawRecord{
		meta: data[:metaEnd],
		diff: diff,
		tail: rest2[:nl],
	}
	total = metaEnd + 1 + diffLen + nl + 1
	return rec, total, false, nil
}

// parseDiff reads a differential from the front of data. ok is false if
// data does not yet contain enough bytes to decide.
func parseDiff(data []byte) (diff int16, n int, ok bool) {
	if len(data) < 1 {
		return 0, 0, false
	}
	if data[0] != diffMarker {
		return int16(int8(data[0])), 1, true
	}
	if len(data) < 3 {
		return 0, 0, false
	}
	v := uint16(data[1])<<8 | uint16(data[2])
	return int16(v), 3, true
}
