package objstore

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
)

type FileFlags uint32

const (
	FlagText FileFlags = 1 << iota
	FlagUtf16
	FlagReadOnly
	FlagExecutable
)

func (f FileFlags) Has(flag FileFlags) bool { return f&flag != 0 }

type FileEntry struct {
	Name    string    `json:"name"`
	Flags   FileFlags `json:"flags,omitempty"`
	Length  int64     `json:"length"`
	Content Ref       `json:"content"`
	Digest  string    `json:"digest"`
}

type DirEntry struct {
	Name string `json:"name"`
	Ref  Ref    `json:"ref"`
}

// Directory is the stored form of one tree level, entries sorted by name.
type Directory struct {
	Files []FileEntry `json:"files,omitempty"`
	Dirs  []DirEntry  `json:"dirs,omitempty"`
}

type dirNode struct {
	ref    Ref
	loaded bool
	dirty  bool
	files  map[string]FileEntry
	dirs   map[string]*dirNode
}

func (n *dirNode) load(ctx context.Context, s Store) error {
	if n.loaded {
		return nil
	}
	n.files = map[string]FileEntry{}
	n.dirs = map[string]*dirNode{}
	if !n.ref.IsZero() {
		var d Directory
		if err := ReadObject(ctx, s, n.ref, KindDirectory, &d); err != nil {
			return err
		}
		for _, f := range d.Files {
			n.files[f.Name] = f
		}
		for _, sub := range d.Dirs {
			n.dirs[sub.Name] = &dirNode{ref: sub.Ref}
		}
	}
	n.loaded = true
	return nil
}

// TreeBuilder applies file additions and removals to a stored directory tree. Subtrees that are
// not touched keep their refs.
type TreeBuilder struct {
	store Store
	root  *dirNode
}

// NewTreeBuilder starts from root, or from an empty tree when root is zero.
func NewTreeBuilder(store Store, root Ref) *TreeBuilder {
	return &TreeBuilder{store: store, root: &dirNode{ref: root}}
}

func splitPath(p string) ([]string, error) {
	p = strings.Trim(path.Clean("/"+strings.ReplaceAll(p, "\\", "/")), "/")
	if p == "" {
		return nil, fmt.Errorf("empty path")
	}
	return strings.Split(p, "/"), nil
}

// walk returns the directory holding the last component of parts, creating missing directories
// when create is set. It returns nil when a directory is missing and create is false.
func (b *TreeBuilder) walk(ctx context.Context, parts []string, create bool) (*dirNode, error) {
	n := b.root
	if err := n.load(ctx, b.store); err != nil {
		return nil, err
	}
	trail := []*dirNode{n}
	for _, name := range parts[:len(parts)-1] {
		next, ok := n.dirs[name]
		if !ok {
			if !create {
				return nil, nil
			}
			delete(n.files, name)
			next = &dirNode{loaded: true, files: map[string]FileEntry{}, dirs: map[string]*dirNode{}}
			n.dirs[name] = next
		}
		if err := next.load(ctx, b.store); err != nil {
			return nil, err
		}
		n = next
		trail = append(trail, n)
	}
	for _, d := range trail {
		d.dirty = true
	}
	return n, nil
}

// Add adds or replaces the file at p.
func (b *TreeBuilder) Add(ctx context.Context, p string, entry FileEntry) error {
	parts, err := splitPath(p)
	if err != nil {
		return err
	}
	dir, err := b.walk(ctx, parts, true)
	if err != nil {
		return err
	}
	name := parts[len(parts)-1]
	entry.Name = name
	delete(dir.dirs, name)
	dir.files[name] = entry
	return nil
}

// Remove deletes the file at p. Removing a missing file is not an error.
func (b *TreeBuilder) Remove(ctx context.Context, p string) error {
	parts, err := splitPath(p)
	if err != nil {
		return err
	}
	dir, err := b.walk(ctx, parts, false)
	if err != nil || dir == nil {
		return err
	}
	delete(dir.files, parts[len(parts)-1])
	return nil
}

// Write stores every modified directory and returns the root ref. Empty directories are dropped.
func (b *TreeBuilder) Write(ctx context.Context) (Ref, error) {
	if !b.root.dirty && !b.root.ref.IsZero() {
		return b.root.ref, nil
	}
	if err := b.root.load(ctx, b.store); err != nil {
		return "", err
	}
	b.root.dirty = true
	ref, _, err := b.write(ctx, b.root)
	return ref, err
}

func (b *TreeBuilder) write(ctx context.Context, n *dirNode) (Ref, bool, error) {
	if !n.dirty {
		return n.ref, false, nil
	}
	var d Directory
	for _, f := range n.files {
		d.Files = append(d.Files, f)
	}
	for name, sub := range n.dirs {
		ref, empty, err := b.write(ctx, sub)
		if err != nil {
			return "", false, err
		}
		if empty {
			delete(n.dirs, name)
			continue
		}
		d.Dirs = append(d.Dirs, DirEntry{Name: name, Ref: ref})
	}
	sort.Slice(d.Files, func(i, j int) bool { return d.Files[i].Name < d.Files[j].Name })
	sort.Slice(d.Dirs, func(i, j int) bool { return d.Dirs[i].Name < d.Dirs[j].Name })
	ref, err := WriteObject(ctx, b.store, KindDirectory, d)
	if err != nil {
		return "", false, err
	}
	n.ref = ref
	n.dirty = false
	return ref, len(d.Files) == 0 && len(d.Dirs) == 0, nil
}

// ListTree returns every file under root keyed by its slash separated path.
func ListTree(ctx context.Context, s Store, root Ref) (map[string]FileEntry, error) {
	out := map[string]FileEntry{}
	if root.IsZero() {
		return out, nil
	}
	err := listDir(ctx, s, root, "", out)
	return out, err
}

func listDir(ctx context.Context, s Store, ref Ref, prefix string, out map[string]FileEntry) error {
	var d Directory
	if err := ReadObject(ctx, s, ref, KindDirectory, &d); err != nil {
		return err
	}
	for _, f := range d.Files {
		out[prefix+f.Name] = f
	}
	for _, sub := range d.Dirs {
		if err := listDir(ctx, s, sub.Ref, prefix+sub.Name+"/", out); err != nil {
			return err
		}
	}
	return nil
}
