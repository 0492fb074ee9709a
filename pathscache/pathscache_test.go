package pathscache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nix-community/nix-index/filetree"
	"github.com/nix-community/nix-index/storepath"
)

func mustPath(t *testing.T, attr, hash, name string) storepath.StorePath {
	t.Helper()
	sp, err := storepath.Parse(storepath.PathOrigin{Attr: attr, Output: "out", Toplevel: true, System: "x86_64-linux"}, "/nix/store/"+hash+"-"+name)
	require.NoError(t, err)
	return sp
}

func sampleTree() *filetree.Tree {
	return filetree.NewDirectory(map[string]*filetree.Tree{
		"bin": filetree.NewDirectory(map[string]*filetree.Tree{
			"hello": filetree.NewRegular(4096, true),
		}),
		"share": filetree.NewDirectory(map[string]*filetree.Tree{
			"doc": filetree.NewSymlink([]byte("../bin/hello")),
		}),
	})
}

func TestSaveLoadRoundTrip(t *testing.T) {
	entries := []Entry{
		{
			Path:   mustPath(t, "hello", "aaaaaaaa", "hello-2.12"),
			NarURL: "nar/aaaaaaaa.nar.xz",
			Files:  sampleTree(),
		},
		{
			Path:   mustPath(t, "coreutils", "bbbbbbbb", "coreutils-9.4"),
			NarURL: "nar/bbbbbbbb.nar.xz",
			Files:  filetree.NewRegular(128, false),
		},
	}

	dir := t.TempDir()
	cachePath := filepath.Join(dir, "paths.cache")
	require.NoError(t, Save(cachePath, entries))

	got, err := Load(cachePath)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, entries[0].Path.String(), got[0].Path.String())
	assert.Equal(t, entries[0].Path.Origin, got[0].Path.Origin)
	assert.Equal(t, entries[0].NarURL, got[0].NarURL)
	assert.Equal(t, entries[0].Files, got[0].Files)

	assert.Equal(t, entries[1].Path.Origin, got[1].Path.Origin)
	assert.Equal(t, entries[1].Files, got[1].Files)
}

func TestLoadRejectsTruncatedFile(t *testing.T) {
	dir := t.TempDir()
	cachePath := filepath.Join(dir, "paths.cache")
	require.NoError(t, os.WriteFile(cachePath, []byte("short"), 0o644))

	_, err := Load(cachePath)
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestLoadDetectsCorruption(t *testing.T) {
	entries := []Entry{{
		Path:   mustPath(t, "hello", "aaaaaaaa", "hello-2.12"),
		NarURL: "nar/aaaaaaaa.nar.xz",
		Files:  filetree.NewRegular(1, false),
	}}

	dir := t.TempDir()
	cachePath := filepath.Join(dir, "paths.cache")
	require.NoError(t, Save(cachePath, entries))

	data, err := os.ReadFile(cachePath)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xff
	require.NoError(t, os.WriteFile(cachePath, data, 0o644))

	_, err = Load(cachePath)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist"))
	assert.Error(t, err)
}
