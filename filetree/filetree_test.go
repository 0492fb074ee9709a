package filetree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlattenSingleFile(t *testing.T) {
	root := NewDirectory(map[string]*Tree{
		"bin": NewDirectory(map[string]*Tree{
			"foo": NewRegular(42, true),
		}),
	})

	entries := Flatten(root)
	require.Len(t, entries, 3)
	assert.Equal(t, "", string(entries[0].Path))
	assert.Equal(t, "/bin", string(entries[1].Path))
	assert.Equal(t, "/bin/foo", string(entries[2].Path))
	assert.Equal(t, Regular{Size: 42, Executable: true}, entries[2].Node)
}

func TestFlattenLexicographicOrder(t *testing.T) {
	root := NewDirectory(map[string]*Tree{
		"a": NewDirectory(map[string]*Tree{
			"b": NewDirectory(map[string]*Tree{
				"c": NewRegular(1, false),
				"d": NewRegular(1, false),
				"e": NewDirectory(map[string]*Tree{
					"f": NewRegular(1, false),
				}),
			}),
		}),
	})

	entries := Flatten(root)
	var paths []string
	for _, e := range entries {
		paths = append(paths, string(e.Path))
	}
	assert.Equal(t, []string{
		"", "/a", "/a/b", "/a/b/c", "/a/b/d", "/a/b/e", "/a/b/e/f",
	}, paths)
}

func TestDirectorySizeIsChildCount(t *testing.T) {
	root := NewDirectory(map[string]*Tree{
		"one": NewRegular(1, false),
		"two": NewRegular(2, false),
	})
	assert.Equal(t, Directory{Size: 2}, root.Node)
}

func TestFlattenSymlink(t *testing.T) {
	root := NewDirectory(map[string]*Tree{
		"link": NewSymlink([]byte("/nix/store/xxx-target")),
	})
	entries := Flatten(root)
	require.Len(t, entries, 2)
	assert.Equal(t, Symlink{Target: []byte("/nix/store/xxx-target")}, entries[1].Node)
}

func TestFlattenEmptyDirectory(t *testing.T) {
	root := NewDirectory(nil)
	entries := Flatten(root)
	require.Len(t, entries, 1)
	assert.Equal(t, "", string(entries[0].Path))
}
