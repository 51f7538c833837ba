package commits

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/qiniu/depotmirror/internal/vcs"
)

var (
	mergeAuthorPattern = regexp.MustCompile(`(?m)^\s*#ROBOMERGE-AUTHOR:\s*(\S+)`)
	mergeSourcePattern = regexp.MustCompile(`(?m)^\s*#ROBOMERGE-SOURCE:\s*CL\s*(\d+)`)
)

// unwindMerge returns the author and originating change of a change submitted by the merge bot on
// behalf of someone else. Plain changes are their own origin.
func unwindMerge(desc *vcs.Description) (author string, original int) {
	author, original = desc.User, desc.Number
	if m := mergeAuthorPattern.FindStringSubmatch(desc.Description); m != nil {
		author = m[1]
	}
	if m := mergeSourcePattern.FindStringSubmatch(desc.Description); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			original = n
		}
	}
	return author, original
}

// basePath is the longest common directory of depot paths.
func basePath(paths []string) string {
	if len(paths) == 0 {
		return ""
	}
	common := dirOf(paths[0])
	for _, p := range paths[1:] {
		for common != "" && !strings.HasPrefix(p, common+"/") {
			common = dirOf(common)
		}
	}
	if common == "" || common == "/" {
		return "//"
	}
	return common
}

func dirOf(p string) string {
	i := strings.LastIndex(p, "/")
	if i <= 1 {
		return ""
	}
	return p[:i]
}

// buildRecord maps a described change through a stream view. It returns nil when no file of the
// change is visible in the stream.
func buildRecord(streamID string, view *vcs.StreamView, tags []*Tag, desc *vcs.Description) *CommitRecord {
	var depotPaths, clientPaths []string
	for _, f := range desc.Files {
		p, ok := view.Map(f.DepotPath, desc.Number)
		if !ok {
			continue
		}
		depotPaths = append(depotPaths, f.DepotPath)
		clientPaths = append(clientPaths, p)
	}
	if len(depotPaths) == 0 {
		return nil
	}
	author, original := unwindMerge(desc)
	return &CommitRecord{
		StreamID:       streamID,
		Change:         desc.Number,
		OriginalChange: original,
		AuthorID:       author,
		OwnerID:        desc.User,
		Description:    desc.Description,
		BasePath:       basePath(depotPaths),
		Time:           desc.Time.UTC(),
		Tags:           matchTags(tags, clientPaths),
	}
}
