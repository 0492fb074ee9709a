package database

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nix-community/nix-index/filetree"
	"github.com/nix-community/nix-index/frcode"
	"github.com/nix-community/nix-index/storepath"
)

// splitReader returns first in its entirety on the first Read call and
// second on the next, forcing frcode.Decoder to surface the data as two
// separate blocks regardless of DefaultReadSize.
type splitReader struct {
	first, second []byte
	usedFirst     bool
}

func (r *splitReader) Read(p []byte) (int, error) {
	if !r.usedFirst {
		r.usedFirst = true
		return copy(p, r.first), nil
	}
	if len(r.second) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.second)
	r.second = r.second[n:]
	return n, nil
}

func mustStorePath(t *testing.T, dir, hash, name string, origin storepath.PathOrigin) storepath.StorePath {
	t.Helper()
	sp, err := storepath.Parse(origin, dir+"/"+hash+"-"+name)
	require.NoError(t, err)
	return sp
}

func collect(t *testing.T, r *Reader, pattern string) []Match {
	t.Helper()
	it := r.FindIter(regexp.MustCompile(pattern))
	var out []Match
	for {
		m, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		out = append(out, m)
	}
	return out
}

func TestSingleFilePackage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "files")

	w, err := Create(path)
	require.NoError(t, err)

	sp := mustStorePath(t, "/X", "aaaa", "p-1", storepath.PathOrigin{Attr: "p", Output: "out", Toplevel: true})
	tree := filetree.NewDirectory(map[string]*filetree.Tree{
		"bin": filetree.NewDirectory(map[string]*filetree.Tree{
			"foo": filetree.NewRegular(42, true),
		}),
	})
	require.NoError(t, w.Add(sp, tree))
	_, err = w.Close()
	require.NoError(t, err)

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	matches := collect(t, r, `/bin/foo$`)
	require.Len(t, matches, 1)
	assert.Equal(t, "/X/aaaa-p-1", matches[0].Package.String())
	assert.Equal(t, "/bin/foo", string(matches[0].Entry.Path))
	assert.Equal(t, filetree.Regular{Size: 42, Executable: true}, matches[0].Entry.Node)
}

func TestFilterPrefix(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "files")

	w, err := Create(path, WithFilterPrefix([]byte("/bin/")))
	require.NoError(t, err)

	sp := mustStorePath(t, "/X", "aaaa", "p-1", storepath.PathOrigin{Attr: "p", Output: "out", Toplevel: true})
	tree := filetree.NewDirectory(map[string]*filetree.Tree{
		"bin": filetree.NewDirectory(map[string]*filetree.Tree{
			"foo": filetree.NewRegular(1, false),
		}),
		"lib": filetree.NewDirectory(map[string]*filetree.Tree{
			"bar": filetree.NewRegular(1, false),
		}),
	})
	require.NoError(t, w.Add(sp, tree))
	_, err = w.Close()
	require.NoError(t, err)

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	matches := collect(t, r, `.`)
	var paths []string
	for _, m := range matches {
		paths = append(paths, string(m.Entry.Path))
	}
	assert.Contains(t, paths, "/bin/foo")
	assert.NotContains(t, paths, "/lib/bar")
}

func TestEmptyFileListingStillIndexesPackage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "files")

	w, err := Create(path)
	require.NoError(t, err)

	sp := mustStorePath(t, "/X", "bbbb", "q-1", storepath.PathOrigin{Attr: "q", Output: "out", Toplevel: true})
	require.NoError(t, w.Add(sp, filetree.NewDirectory(nil)))
	_, err = w.Close()
	require.NoError(t, err)
	assert.Equal(t, 1, w.Stats.PackagesWritten)

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	matches := collect(t, r, `.`)
	assert.Empty(t, matches)
}

func TestMultiplePackagesDistinctMatches(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "files")

	w, err := Create(path)
	require.NoError(t, err)

	sp1 := mustStorePath(t, "/X", "aaaa", "p-1", storepath.PathOrigin{Attr: "p", Output: "out", Toplevel: true})
	sp2 := mustStorePath(t, "/X", "bbbb", "q-1", storepath.PathOrigin{Attr: "q", Output: "out", Toplevel: true})

	require.NoError(t, w.Add(sp1, filetree.NewDirectory(map[string]*filetree.Tree{
		"bin": filetree.NewDirectory(map[string]*filetree.Tree{"p": filetree.NewRegular(1, true)}),
	})))
	require.NoError(t, w.Add(sp2, filetree.NewDirectory(map[string]*filetree.Tree{
		"bin": filetree.NewDirectory(map[string]*filetree.Tree{"q": filetree.NewRegular(1, true)}),
	})))
	_, err = w.Close()
	require.NoError(t, err)

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	matches := collect(t, r, `^/bin/[pq]$`)
	require.Len(t, matches, 2)
	owners := map[string]string{}
	for _, m := range matches {
		owners[string(m.Entry.Path)] = m.Package.String()
	}
	assert.Equal(t, "/X/aaaa-p-1", owners["/bin/p"])
	assert.Equal(t, "/X/bbbb-q-1", owners["/bin/q"])
}

// TestCrossBlockFooterBinding drives MatchIter directly over a frcode
// stream whose footer record lands in a later block than the file
// entries it binds, exercising advance()'s pending-record buffering at
// the database/Reader level rather than just frcode's own decoder.
func TestCrossBlockFooterBinding(t *testing.T) {
	sp := mustStorePath(t, "/X", "aaaa", "p-1", storepath.PathOrigin{Attr: "p", Output: "out", Toplevel: true})

	buf := &bytes.Buffer{}
	enc := frcode.NewEncoder(buf)
	require.NoError(t, enc.WriteRecord([]byte("1r"), []byte("/bin/aaa")))
	require.NoError(t, enc.WriteRecord([]byte("1r"), []byte("/bin/bbb")))
	require.NoError(t, enc.Close([]byte("p"), []byte(sp.Encode())))
	data := buf.Bytes()

	splitAt := bytes.Index(data, []byte("p\x00"))
	require.Greater(t, splitAt, 0)

	dec := frcode.NewDecoder(&splitReader{first: data[:splitAt], second: data[splitAt:]})
	it := &MatchIter{dec: dec, pattern: regexp.MustCompile(`^/bin/`)}

	var matches []Match
	for {
		m, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		matches = append(matches, m)
	}

	require.Len(t, matches, 2)
	paths := map[string]bool{}
	for _, m := range matches {
		assert.Equal(t, sp.String(), m.Package.String())
		paths[string(m.Entry.Path)] = true
	}
	assert.True(t, paths["/bin/aaa"])
	assert.True(t, paths["/bin/bbb"])
}

func TestBadMagicRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "files")
	require.NoError(t, os.WriteFile(path, []byte("NOPE"), 0o644))

	_, err := Open(path)
	assert.ErrorIs(t, err, ErrBadMagic)
}
