// Package storepath parses and formats binary-cache store path
// identifiers of the form "<store_dir>/<hash>-<name>", together with the
// origin metadata recording how a path was discovered during a crawl.
package storepath

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMalformed is returned when a store-path string cannot be split into
// a store directory, hash and name.
var ErrMalformed = errors.New("storepath: malformed store path")

// ErrForbiddenByte is returned when a field destined for the frcode wire
// format contains one of the bytes reserved as separators: 0x00, 0x01,
// 0x02 or newline.
var ErrForbiddenByte = errors.New("storepath: field contains a reserved byte")

const forbidden = "\x00\x01\x02\n"

func checkToken(field, value string) error {
	if strings.ContainsAny(value, forbidden) {
		return fmt.Errorf("%w: %s %q", ErrForbiddenByte, field, value)
	}
	return nil
}

// PathOrigin records how a StorePath was discovered: attr is the symbolic
// attribute path that produced this output (it may name a discovering
// ancestor rather than the actual producer); output names the derivation
// output ("out", "bin", ...); toplevel distinguishes seed packages from
// paths discovered transitively via references; system optionally names
// the target platform the seed query ran for. System is carried in
// memory only - it is never part of the encoded wire form.
type PathOrigin struct {
	Attr     string
	Output   string
	Toplevel bool
	System   string
}

// Encode renders the origin as "attr\x02output" with a trailing \x02 iff
// the origin is not toplevel, matching the index writer's footer format.
func (o PathOrigin) Encode() string {
	var b strings.Builder
	b.WriteString(o.Attr)
	b.WriteByte(0x02)
	b.WriteString(o.Output)
	if !o.Toplevel {
		b.WriteByte(0x02)
	}
	return b.String()
}

// Validate checks that Attr and Output contain none of the bytes reserved
// by the wire format.
func (o PathOrigin) Validate() error {
	if err := checkToken("attr", o.Attr); err != nil {
		return err
	}
	return checkToken("output", o.Output)
}

// DecodeOrigin parses the output of Encode. System is never recovered
// from the wire form; callers that need it must track it out of band.
func DecodeOrigin(s string) (PathOrigin, error) {
	attr, rest, ok := strings.Cut(s, "\x02")
	if !ok {
		return PathOrigin{}, fmt.Errorf("%w: origin %q has no attr separator", ErrMalformed, s)
	}
	toplevel := true
	output := rest
	if strings.HasSuffix(rest, "\x02") {
		toplevel = false
		output = rest[:len(rest)-1]
	}
	return PathOrigin{Attr: attr, Output: output, Toplevel: toplevel}, nil
}

// StorePath identifies one build output in a binary cache: the absolute
// textual form is exactly StoreDir + "/" + Hash + "-" + Name.
type StorePath struct {
	StoreDir string
	Hash     string
	Name     string
	Origin   PathOrigin
}

// String renders the canonical absolute path.
func (p StorePath) String() string {
	return p.StoreDir + "/" + p.Hash + "-" + p.Name
}

// Validate checks that Hash, Name and the origin contain none of the
// bytes reserved by the wire format.
func (p StorePath) Validate() error {
	if err := checkToken("hash", p.Hash); err != nil {
		return err
	}
	if err := checkToken("name", p.Name); err != nil {
		return err
	}
	return p.Origin.Validate()
}

// Parse splits an absolute store path "<store_dir>/<hash>-<name>" and
// attaches the given origin. The hash/name boundary is the first '-'
// after the final '/'.
func Parse(origin PathOrigin, path string) (StorePath, error) {
	slash := strings.LastIndexByte(path, '/')
	if slash < 0 {
		return StorePath{}, fmt.Errorf("%w: %q has no directory separator", ErrMalformed, path)
	}
	storeDir, base := path[:slash], path[slash+1:]
	hash, name, ok := strings.Cut(base, "-")
	if !ok {
		return StorePath{}, fmt.Errorf("%w: %q has no hash-name separator", ErrMalformed, path)
	}

	sp := StorePath{StoreDir: storeDir, Hash: hash, Name: name, Origin: origin}
	if err := sp.Validate(); err != nil {
		return StorePath{}, err
	}
	return sp, nil
}

// Encode renders the path and its origin for storage as
// "<path>\x01<origin>". 0x01 is used rather than a newline because this
// serialization is embedded verbatim in a frcode footer record's tail,
// which is newline-terminated; 0x01 is already reserved out of Hash,
// Name, Attr and Output, so it cannot collide with either half.
func (p StorePath) Encode() string {
	return p.String() + "\x01" + p.Origin.Encode()
}

// Decode parses the output of Encode.
func Decode(s string) (StorePath, error) {
	pathPart, originPart, ok := strings.Cut(s, "\x01")
	if !ok {
		return StorePath{}, fmt.Errorf("%w: %q has no origin separator", ErrMalformed, s)
	}
	origin, err := DecodeOrigin(originPart)
	if err != nil {
		return StorePath{}, err
	}
	return Parse(origin, pathPart)
}
