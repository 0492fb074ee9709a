package fetcher

import (
	"bufio"
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/ulikunitz/xz"

	"github.com/nix-community/nix-index/filetree"
	"github.com/nix-community/nix-index/storepath"
)

// longParseThreshold is the elapsed JSON-decode duration above which
// FetchFiles logs a warning rather than just returning the result.
const longParseThreshold = 2 * time.Second

// ReferencesResult is the resolved result of FetchReferences.
type ReferencesResult struct {
	Path       storepath.StorePath
	NarURL     string
	References []storepath.StorePath
}

// FetchReferences retrieves and parses the narinfo document for path,
// returning ok=false (not an error) when the cache answers 404.
func (c *Client) FetchReferences(ctx context.Context, path storepath.StorePath) (ReferencesResult, bool, error) {
	url := c.baseURL + "/" + path.Hash + ".narinfo"

	resp, err := c.get(ctx, url)
	if err != nil {
		return ReferencesResult{}, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ReferencesResult{}, false, nil
	}

	body, err := decodeBody(url, resp)
	if err != nil {
		return ReferencesResult{}, false, err
	}

	resolved := path
	var narURL string
	var refTokens []string

	scanner := bufio.NewScanner(bytes.NewReader(body))
	for scanner.Scan() {
		line := scanner.Bytes()
		switch {
		case bytes.HasPrefix(line, []byte("StorePath:")):
			rest := line[len("StorePath:"):]
			if !utf8.Valid(rest) {
				return ReferencesResult{}, false, &UnicodeError{URL: url, Position: invalidUTF8Position(rest)}
			}
			text := strings.TrimSpace(string(rest))
			sp, err := storepath.Parse(path.Origin, text)
			if err != nil {
				return ReferencesResult{}, false, &ParseStorePathError{URL: url, Text: text, Err: err}
			}
			resolved = sp
		case bytes.HasPrefix(line, []byte("URL:")):
			narURL = strings.TrimSpace(string(line[len("URL:"):]))
		case bytes.HasPrefix(line, []byte("References:")):
			rest := line[len("References:"):]
			if !utf8.Valid(rest) {
				return ReferencesResult{}, false, &UnicodeError{URL: url, Position: invalidUTF8Position(rest)}
			}
			refTokens = strings.Fields(string(rest))
		}
	}
	if err := scanner.Err(); err != nil {
		return ReferencesResult{}, false, &DecodeError{URL: url, Err: err}
	}

	if narURL == "" {
		return ReferencesResult{}, false, fmt.Errorf("%s: %w", url, ErrMissingURL)
	}

	derivedOrigin := resolved.Origin
	derivedOrigin.Toplevel = false

	references := make([]storepath.StorePath, 0, len(refTokens))
	for _, basename := range refTokens {
		text := resolved.StoreDir + "/" + basename
		sp, err := storepath.Parse(derivedOrigin, text)
		if err != nil {
			return ReferencesResult{}, false, &ParseStorePathError{URL: url, Text: text, Err: err}
		}
		references = append(references, sp)
	}

	return ReferencesResult{Path: resolved, NarURL: narURL, References: references}, true, nil
}

// FetchFiles retrieves and parses the file listing for path, trying the
// uncompressed ".ls" document first and falling back to the xz-compressed
// ".ls.xz" one. ok is false (not an error) only when both 404.
func (c *Client) FetchFiles(ctx context.Context, path storepath.StorePath) (*filetree.Tree, bool, error) {
	plainURL := c.baseURL + "/" + path.Hash + ".ls"
	resp, err := c.get(ctx, plainURL)
	if err != nil {
		return nil, false, err
	}

	var body []byte
	url := plainURL
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()

		xzURL := c.baseURL + "/" + path.Hash + ".ls.xz"
		xzResp, err := c.get(ctx, xzURL)
		if err != nil {
			return nil, false, err
		}
		defer xzResp.Body.Close()

		if xzResp.StatusCode == http.StatusNotFound {
			return nil, false, nil
		}

		raw, err := decodeBody(xzURL, xzResp)
		if err != nil {
			return nil, false, err
		}
		xr, err := xz.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, false, &DecodeError{URL: xzURL, Err: err}
		}
		body, err = io.ReadAll(xr)
		if err != nil {
			return nil, false, &DecodeError{URL: xzURL, Err: err}
		}
		url = xzURL
	} else {
		defer resp.Body.Close()
		body, err = decodeBody(plainURL, resp)
		if err != nil {
			return nil, false, err
		}
	}

	// The body is parsed by hand rather than via encoding/json into a
	// string-keyed struct: directory entry names (and symlink targets)
	// are byte strings that are not required to be valid UTF-8, and
	// Go's JSON string decoder would replace any invalid sequence with
	// U+FFFD instead of preserving it.
	start := time.Now()
	tree, err := parseFileListing(body)
	elapsed := time.Since(start)
	if elapsed > longParseThreshold {
		slog.Warn("[nix-index] file-listing parse took longer than expected", "url", url, "elapsed", elapsed)
	}
	if err != nil {
		tmpPath, dumpErr := dumpBody(body)
		if dumpErr != nil {
			tmpPath = "(failed to persist body: " + dumpErr.Error() + ")"
		}
		return nil, false, &ParseResponseError{URL: url, TempPath: tmpPath, Err: err}
	}

	return tree, true, nil
}

// parseFileListing parses a file-listing response body of the form
// {"root": <node>}, ignoring unknown top-level fields.
func parseFileListing(body []byte) (*filetree.Tree, error) {
	i := skipWS(body, 0)
	if i >= len(body) || body[i] != '{' {
		return nil, fmt.Errorf("fetcher: expected object at offset %d", i)
	}
	i++

	var root *filetree.Tree
	haveRoot := false

	for {
		i = skipWS(body, i)
		if i >= len(body) {
			return nil, io.ErrUnexpectedEOF
		}
		if body[i] == '}' {
			i++
			break
		}

		key, next, err := parseByteString(body, i)
		if err != nil {
			return nil, err
		}
		i = skipWS(body, next)
		if i >= len(body) || body[i] != ':' {
			return nil, fmt.Errorf("fetcher: expected ':' at offset %d", i)
		}
		i = skipWS(body, i+1)

		if string(key) == "root" {
			root, i, err = parseNode(body, i)
			haveRoot = true
		} else {
			i, err = skipValue(body, i)
		}
		if err != nil {
			return nil, err
		}

		i = skipWS(body, i)
		if i < len(body) && body[i] == ',' {
			i++
			continue
		}
		if i < len(body) && body[i] == '}' {
			i++
			break
		}
		return nil, fmt.Errorf("fetcher: expected ',' or '}' at offset %d", i)
	}

	if !haveRoot {
		return nil, fmt.Errorf("fetcher: file listing has no root field")
	}
	return root, nil
}

// parseNode parses one file-listing node: an object carrying "type" plus
// whichever of "size"/"executable"/"target"/"entries" its type tag uses.
// Unknown fields are skipped, matching the upstream format's forward
// compatibility guarantee.
func parseNode(data []byte, i int) (*filetree.Tree, int, error) {
	i = skipWS(data, i)
	if i >= len(data) || data[i] != '{' {
		return nil, i, fmt.Errorf("fetcher: expected object at offset %d", i)
	}
	i++

	var typ []byte
	var size uint64
	var executable bool
	var target []byte
	haveTarget := false
	var entries map[string]*filetree.Tree
	haveEntries := false

	for {
		i = skipWS(data, i)
		if i >= len(data) {
			return nil, i, io.ErrUnexpectedEOF
		}
		if data[i] == '}' {
			i++
			break
		}

		key, next, err := parseByteString(data, i)
		if err != nil {
			return nil, i, err
		}
		i = skipWS(data, next)
		if i >= len(data) || data[i] != ':' {
			return nil, i, fmt.Errorf("fetcher: expected ':' at offset %d", i)
		}
		i = skipWS(data, i+1)

		switch string(key) {
		case "type":
			typ, i, err = parseByteString(data, i)
		case "size":
			size, i, err = parseUintValue(data, i)
		case "executable":
			executable, i, err = parseBoolValue(data, i)
		case "target":
			target, i, err = parseByteString(data, i)
			haveTarget = true
		case "entries":
			entries, i, err = parseEntries(data, i)
			haveEntries = true
		default:
			i, err = skipValue(data, i)
		}
		if err != nil {
			return nil, i, err
		}

		i = skipWS(data, i)
		if i < len(data) && data[i] == ',' {
			i++
			continue
		}
		if i < len(data) && data[i] == '}' {
			i++
			break
		}
		return nil, i, fmt.Errorf("fetcher: expected ',' or '}' at offset %d", i)
	}

	switch string(typ) {
	case "regular":
		return filetree.NewRegular(size, executable), i, nil
	case "symlink":
		if !haveTarget {
			return nil, i, fmt.Errorf("fetcher: symlink node missing target field")
		}
		return filetree.NewSymlink(target), i, nil
	case "directory":
		if !haveEntries {
			return nil, i, fmt.Errorf("fetcher: directory node missing entries field")
		}
		return filetree.NewDirectory(entries), i, nil
	default:
		return nil, i, fmt.Errorf("fetcher: unknown file-listing node type %q", typ)
	}
}

// parseEntries parses a directory's "entries" object, whose keys are raw
// byte strings rather than guaranteed-UTF-8 text.
func parseEntries(data []byte, i int) (map[string]*filetree.Tree, int, error) {
	i = skipWS(data, i)
	if i >= len(data) || data[i] != '{' {
		return nil, i, fmt.Errorf("fetcher: expected object at offset %d", i)
	}
	i++

	children := make(map[string]*filetree.Tree)
	for {
		i = skipWS(data, i)
		if i >= len(data) {
			return nil, i, io.ErrUnexpectedEOF
		}
		if data[i] == '}' {
			return children, i + 1, nil
		}

		key, next, err := parseByteString(data, i)
		if err != nil {
			return nil, i, err
		}
		i = skipWS(data, next)
		if i >= len(data) || data[i] != ':' {
			return nil, i, fmt.Errorf("fetcher: expected ':' at offset %d", i)
		}

		var child *filetree.Tree
		child, i, err = parseNode(data, i+1)
		if err != nil {
			return nil, i, err
		}
		children[string(key)] = child

		i = skipWS(data, i)
		if i < len(data) && data[i] == ',' {
			i++
			continue
		}
		if i < len(data) && data[i] == '}' {
			return children, i + 1, nil
		}
		return nil, i, fmt.Errorf("fetcher: expected ',' or '}' at offset %d", i)
	}
}

func skipWS(data []byte, i int) int {
	for i < len(data) {
		switch data[i] {
		case ' ', '\t', '\n', '\r':
			i++
		default:
			return i
		}
	}
	return i
}

// parseByteString decodes one JSON string literal starting at data[i]=='"'
// into its raw decoded bytes. \uXXXX escapes are decoded by hand, via
// appendWTF8, rather than through a Go string/rune: an escaped surrogate
// that has no matching partner (invalid as Unicode) is still appended as
// bytes rather than rejected or replaced, so a non-UTF-8-safe name
// round-trips unchanged.
func parseByteString(data []byte, i int) ([]byte, int, error) {
	if i >= len(data) || data[i] != '"' {
		return nil, i, fmt.Errorf("fetcher: expected string at offset %d", i)
	}
	i++

	var out []byte
	for i < len(data) {
		c := data[i]
		switch {
		case c == '"':
			return out, i + 1, nil
		case c == '\\':
			if i+1 >= len(data) {
				return nil, i, io.ErrUnexpectedEOF
			}
			switch data[i+1] {
			case '"', '\\', '/':
				out = append(out, data[i+1])
				i += 2
			case 'b':
				out = append(out, '\b')
				i += 2
			case 'f':
				out = append(out, '\f')
				i += 2
			case 'n':
				out = append(out, '\n')
				i += 2
			case 'r':
				out = append(out, '\r')
				i += 2
			case 't':
				out = append(out, '\t')
				i += 2
			case 'u':
				r, next, err := decodeEscapedRune(data, i+2)
				if err != nil {
					return nil, i, err
				}
				i = next

				if utf16.IsSurrogate(r) {
					if lo, next2, ok := tryLowSurrogate(data, i); ok {
						out = appendWTF8(out, uint32(utf16.DecodeRune(r, lo)))
						i = next2
						break
					}
				}
				out = appendWTF8(out, uint32(r))
			default:
				return nil, i, fmt.Errorf("fetcher: invalid escape \\%c at offset %d", data[i+1], i)
			}
		default:
			out = append(out, c)
			i++
		}
	}
	return nil, i, io.ErrUnexpectedEOF
}

// tryLowSurrogate attempts to read a \uXXXX low-surrogate escape
// immediately at data[i], for combining with a preceding high surrogate.
func tryLowSurrogate(data []byte, i int) (rune, int, bool) {
	if i+1 >= len(data) || data[i] != '\\' || data[i+1] != 'u' {
		return 0, i, false
	}
	r, next, err := decodeEscapedRune(data, i+2)
	if err != nil || r < 0xDC00 || r > 0xDFFF {
		return 0, i, false
	}
	return r, next, true
}

func decodeEscapedRune(data []byte, i int) (rune, int, error) {
	if i+4 > len(data) {
		return 0, i, io.ErrUnexpectedEOF
	}
	v, err := strconv.ParseUint(string(data[i:i+4]), 16, 32)
	if err != nil {
		return 0, i, fmt.Errorf("fetcher: invalid \\u escape at offset %d: %w", i, err)
	}
	return rune(v), i + 4, nil
}

// appendWTF8 appends the UTF-8-shaped byte encoding of r, including for
// surrogate code points (0xD800-0xDFFF) that plain UTF-8 forbids. This is
// how an unpaired \uXXXX surrogate escape survives as raw bytes instead
// of being rejected or replaced with U+FFFD.
func appendWTF8(dst []byte, r uint32) []byte {
	switch {
	case r < 0x80:
		return append(dst, byte(r))
	case r < 0x800:
		return append(dst, byte(0xC0|r>>6), byte(0x80|r&0x3F))
	case r < 0x10000:
		return append(dst, byte(0xE0|r>>12), byte(0x80|(r>>6)&0x3F), byte(0x80|r&0x3F))
	default:
		return append(dst, byte(0xF0|r>>18), byte(0x80|(r>>12)&0x3F), byte(0x80|(r>>6)&0x3F), byte(0x80|r&0x3F))
	}
}

func parseUintValue(data []byte, i int) (uint64, int, error) {
	start := i
	for i < len(data) && data[i] >= '0' && data[i] <= '9' {
		i++
	}
	if i == start {
		return 0, i, fmt.Errorf("fetcher: expected number at offset %d", start)
	}
	v, err := strconv.ParseUint(string(data[start:i]), 10, 64)
	if err != nil {
		return 0, i, err
	}
	return v, i, nil
}

func parseBoolValue(data []byte, i int) (bool, int, error) {
	if bytes.HasPrefix(data[i:], []byte("true")) {
		return true, i + 4, nil
	}
	if bytes.HasPrefix(data[i:], []byte("false")) {
		return false, i + 5, nil
	}
	return false, i, fmt.Errorf("fetcher: expected bool at offset %d", i)
}

// skipValue skips one arbitrary JSON value, for fields this parser does
// not otherwise recognize.
func skipValue(data []byte, i int) (int, error) {
	i = skipWS(data, i)
	if i >= len(data) {
		return i, io.ErrUnexpectedEOF
	}

	switch data[i] {
	case '"':
		_, next, err := parseByteString(data, i)
		return next, err
	case '{':
		i++
		for {
			i = skipWS(data, i)
			if i >= len(data) {
				return i, io.ErrUnexpectedEOF
			}
			if data[i] == '}' {
				return i + 1, nil
			}
			_, next, err := parseByteString(data, i)
			if err != nil {
				return i, err
			}
			i = skipWS(data, next)
			if i >= len(data) || data[i] != ':' {
				return i, fmt.Errorf("fetcher: expected ':' at offset %d", i)
			}
			i, err = skipValue(data, i+1)
			if err != nil {
				return i, err
			}
			i = skipWS(data, i)
			if i < len(data) && data[i] == ',' {
				i++
				continue
			}
			if i < len(data) && data[i] == '}' {
				return i + 1, nil
			}
			return i, fmt.Errorf("fetcher: expected ',' or '}' at offset %d", i)
		}
	case '[':
		i++
		for {
			i = skipWS(data, i)
			if i >= len(data) {
				return i, io.ErrUnexpectedEOF
			}
			if data[i] == ']' {
				return i + 1, nil
			}
			var err error
			i, err = skipValue(data, i)
			if err != nil {
				return i, err
			}
			i = skipWS(data, i)
			if i < len(data) && data[i] == ',' {
				i++
				continue
			}
			if i < len(data) && data[i] == ']' {
				return i + 1, nil
			}
			return i, fmt.Errorf("fetcher: expected ',' or ']' at offset %d", i)
		}
	case 't':
		if bytes.HasPrefix(data[i:], []byte("true")) {
			return i + 4, nil
		}
	case 'f':
		if bytes.HasPrefix(data[i:], []byte("false")) {
			return i + 5, nil
		}
	case 'n':
		if bytes.HasPrefix(data[i:], []byte("null")) {
			return i + 4, nil
		}
	}

	start := i
	for i < len(data) && strings.ContainsRune("-+.eE0123456789", rune(data[i])) {
		i++
	}
	if i == start {
		return i, fmt.Errorf("fetcher: unexpected byte %q at offset %d", data[i], i)
	}
	return i, nil
}

// decodeBody reads and, per Content-Encoding, decompresses resp's body.
// The client's Accept-Encoding header disables net/http's own transparent
// gzip handling, so this package applies it manually; br is advertised but
// not decodable (no brotli implementation appears anywhere in this
// project's dependency pool), so a brotli-encoded reply is reported as an
// UnsupportedEncodingError instead of silently mishandled.
func decodeBody(url string, resp *http.Response) ([]byte, error) {
	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "", "identity":
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, &DecodeError{URL: url, Err: err}
		}
		return b, nil
	case "gzip":
		gr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, &DecodeError{URL: url, Err: err}
		}
		defer gr.Close()
		b, err := io.ReadAll(gr)
		if err != nil {
			return nil, &DecodeError{URL: url, Err: err}
		}
		return b, nil
	case "deflate":
		fr := flate.NewReader(resp.Body)
		defer fr.Close()
		b, err := io.ReadAll(fr)
		if err != nil {
			return nil, &DecodeError{URL: url, Err: err}
		}
		return b, nil
	default:
		return nil, &UnsupportedEncodingError{URL: url, Value: resp.Header.Get("Content-Encoding")}
	}
}

// dumpBody persists an unparseable response body to a uniquely-named file
// in the system temp directory for post-mortem inspection.
func dumpBody(body []byte) (string, error) {
	f, err := os.CreateTemp("", fmt.Sprintf("nix-index-%s-*.body", uuid.NewString()))
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.Write(body); err != nil {
		return "", err
	}
	return f.Name(), nil
}

func invalidUTF8Position(b []byte) int {
	for i := 0; i < len(b); {
		r, size := utf8.DecodeRune(b[i:])
		if r == utf8.RuneError && size == 1 {
			return i
		}
		i += size
	}
	return len(b)
}
