// Package filetree holds the in-memory representation of a package's
// file listing: a rooted tree of regular files, symlinks and
// directories, plus the depth-first flattening into a sorted entry list
// that the index writer consumes.
package filetree

import "sort"

// Node is one of Regular, Symlink or Directory.
type Node interface {
	isNode()
}

// Regular is a plain file.
type Regular struct {
	Size       uint64
	Executable bool
}

// Symlink is a symbolic link; Target is the raw, possibly non-UTF-8 link
// target.
type Symlink struct {
	Target []byte
}

// Directory is a directory; Size is its direct child count, not the
// recursive total. Its contents live in the containing Tree's Children.
type Directory struct {
	Size uint64
}

func (Regular) isNode()   {}
func (Symlink) isNode()   {}
func (Directory) isNode() {}

// Tree is a rooted file tree. Children is only meaningful when Node is a
// Directory; keys are raw byte-string child names (not necessarily valid
// UTF-8) so that non-Unicode filenames survive unmodified.
type Tree struct {
	Node     Node
	Children map[string]*Tree
}

// NewDirectory builds a directory node whose Size is derived from the
// child count, matching the invariant that a directory's size equals its
// direct child count.
func NewDirectory(children map[string]*Tree) *Tree {
	return &Tree{Node: Directory{Size: uint64(len(children))}, Children: children}
}

// NewRegular builds a leaf regular-file node.
func NewRegular(size uint64, executable bool) *Tree {
	return &Tree{Node: Regular{Size: size, Executable: executable}}
}

// NewSymlink builds a leaf symlink node.
func NewSymlink(target []byte) *Tree {
	return &Tree{Node: Symlink{Target: target}}
}

// Entry is one flattened (path, node) pair. Path begins with '/' for
// every node except the root, which is emitted with an empty path.
type Entry struct {
	Path []byte
	Node Node
}

// Flatten performs a depth-first traversal of t, visiting each
// directory's children in lexicographic byte order, and returns the
// resulting entries in that visitation order: parent before children,
// siblings sorted.
func Flatten(t *Tree) []Entry {
	var out []Entry
	var walk func(path []byte, n *Tree)
	walk = func(path []byte, n *Tree) {
		entryPath := append([]byte(nil), path...)
		out = append(out, Entry{Path: entryPath, Node: n.Node})

		if _, isDir := n.Node.(Directory); !isDir {
			return
		}

		names := make([]string, 0, len(n.Children))
		for name := range n.Children {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			childPath := make([]byte, 0, len(path)+1+len(name))
			childPath = append(childPath, path...)
			childPath = append(childPath, '/')
			childPath = append(childPath, name...)
			walk(childPath, n.Children[name])
		}
	}
	walk([]byte{}, t)
	return out
}
