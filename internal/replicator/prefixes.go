package replicator

import (
	"sort"
	"strings"

	"github.com/qiniu/depotmirror/internal/vcs"
)

// Coverage prefixes use the VCS wildcard syntax: "dir/*" covers the direct files of dir and
// "dir/..." covers its whole subtree. The workspace root is "*" and "...".

func filesPrefix(dir string) string {
	if dir == "" {
		return "*"
	}
	return dir + "/*"
}

func treePrefix(dir string) string {
	if dir == "" {
		return "..."
	}
	return dir + "/..."
}

// prefixDir returns the directory a prefix applies to and whether it covers the subtree.
func prefixDir(p string) (string, bool) {
	switch {
	case p == "...":
		return "", true
	case p == "*":
		return "", false
	case strings.HasSuffix(p, "/..."):
		return strings.TrimSuffix(p, "/..."), true
	default:
		return strings.TrimSuffix(p, "/*"), false
	}
}

func within(dir, root string) bool {
	return root == "" || dir == root || strings.HasPrefix(dir, root+"/")
}

func normalizePath(p string) string {
	return strings.TrimPrefix(strings.ReplaceAll(p, "\\", "/"), "/")
}

func parentDir(p string) string {
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[:i]
	}
	return ""
}

// bucket is one directory with files left to sync.
type bucket struct {
	dir  string
	size int64
}

// dirIndex describes the directories touched by a sync preview.
type dirIndex struct {
	sizes    map[string]int64           // file path -> declared size
	direct   map[string]int64           // directory -> size of its direct files
	children map[string]map[string]bool // directory -> child directories
	dirs     map[string]bool
}

func buildIndex(files []vcs.PreviewFile) *dirIndex {
	idx := &dirIndex{
		sizes:    map[string]int64{},
		direct:   map[string]int64{},
		children: map[string]map[string]bool{},
		dirs:     map[string]bool{},
	}
	for _, f := range files {
		p := normalizePath(f.Path)
		idx.sizes[p] = f.Size
		dir := parentDir(p)
		idx.direct[dir] += f.Size
		idx.register(dir)
	}
	return idx
}

// register adds dir and every ancestor up to the root.
func (idx *dirIndex) register(dir string) {
	for {
		if idx.dirs[dir] {
			return
		}
		idx.dirs[dir] = true
		if dir == "" {
			return
		}
		parent := parentDir(dir)
		kids, ok := idx.children[parent]
		if !ok {
			kids = map[string]bool{}
			idx.children[parent] = kids
		}
		kids[dir] = true
		dir = parent
	}
}

func (idx *dirIndex) buckets() []bucket {
	out := make([]bucket, 0, len(idx.direct))
	for dir, size := range idx.direct {
		out = append(out, bucket{dir: dir, size: size})
	}
	return out
}

// planBatches orders buckets by size and groups them from the largest down. A batch grows until
// the next directory would push it past budget; its first directory is always taken.
func planBatches(buckets []bucket, budget int64) [][]bucket {
	sort.Slice(buckets, func(i, j int) bool {
		if buckets[i].size != buckets[j].size {
			return buckets[i].size < buckets[j].size
		}
		return buckets[i].dir < buckets[j].dir
	})
	var batches [][]bucket
	i := len(buckets) - 1
	for i >= 0 {
		batch := []bucket{buckets[i]}
		total := buckets[i].size
		i--
		for i >= 0 && total+buckets[i].size <= budget {
			batch = append(batch, buckets[i])
			total += buckets[i].size
			i--
		}
		batches = append(batches, batch)
	}
	return batches
}

// collapse merges the directories synced so far into the smallest prefix set covering them
// together with the prefixes covered before. A directory whose direct files and every descendant
// are done becomes one subtree prefix.
func collapse(prev []string, idx *dirIndex, done map[string]bool) []string {
	set := map[string]bool{}
	synced := map[string]bool{}
	var trees []string
	for _, p := range prev {
		set[p] = true
		if dir, tree := prefixDir(p); tree {
			trees = append(trees, dir)
		} else {
			synced[dir] = true
		}
	}
	for dir := range done {
		set[filesPrefix(dir)] = true
		synced[dir] = true
	}
	coveredBy := func(dir string, trees []string) bool {
		for _, root := range trees {
			if within(dir, root) {
				return true
			}
		}
		return false
	}

	memo := map[string]bool{}
	var complete func(dir string) bool
	complete = func(dir string) bool {
		if v, ok := memo[dir]; ok {
			return v
		}
		if coveredBy(dir, trees) {
			memo[dir] = true
			return true
		}
		_, pending := idx.direct[dir]
		ok := !pending || synced[dir]
		for kid := range idx.children[dir] {
			if !complete(kid) {
				ok = false
			}
		}
		memo[dir] = ok
		return ok
	}
	for dir := range idx.dirs {
		if complete(dir) {
			set[treePrefix(dir)] = true
		}
	}

	trees = trees[:0]
	for p := range set {
		if dir, tree := prefixDir(p); tree {
			trees = append(trees, dir)
		}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		dir, tree := prefixDir(p)
		covered := false
		for _, root := range trees {
			if within(dir, root) && !(tree && dir == root) {
				covered = true
				break
			}
		}
		if !covered {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}
