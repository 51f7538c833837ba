package commits

import (
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/qiniu/depotmirror/internal/config"
	"github.com/qiniu/depotmirror/internal/vcs"
)

const (
	TagCode    = "code"
	TagContent = "content"
)

var codeExtensions = []string{
	"*.c", "*.cc", "*.cpp", "*.inl", "*.m", "*.mm", "*.rc", "*.cs", "*.csproj", "*.h", "*.hpp",
	"*.usf", "*.ush", "*.uproject", "*.uplugin", "*.sln", "*.py", "*.ini", "*.go", "*.java",
}

var tagNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]*$`)

type globRule struct {
	exclude bool
	pattern string
}

// Tag classifies a change by the files it touches. The filter is a ";" separated list of globs
// evaluated in order; a "-" prefix excludes and the last matching rule decides.
type Tag struct {
	Name  string
	rules []globRule
}

func NewTag(name, filter string) (*Tag, error) {
	if len(name) > 32 || !tagNamePattern.MatchString(name) {
		return nil, fmt.Errorf("invalid tag name %q", name)
	}
	t := &Tag{Name: name}
	for _, part := range strings.Split(filter, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		r := globRule{}
		if strings.HasPrefix(part, "-") {
			r.exclude = true
			part = part[1:]
		}
		if !strings.Contains(part, "/") {
			if _, err := path.Match(part, ""); err != nil {
				return nil, fmt.Errorf("tag %s: invalid glob %q: %w", name, part, err)
			}
		}
		r.pattern = part
		t.rules = append(t.rules, r)
	}
	if len(t.rules) == 0 {
		return nil, fmt.Errorf("tag %s: empty filter", name)
	}
	return t, nil
}

// Matches reports whether a client relative path passes the filter.
func (t *Tag) Matches(p string) bool {
	matched := false
	for _, r := range t.rules {
		if ruleMatches(r.pattern, p) {
			matched = !r.exclude
		}
	}
	return matched
}

// Globs without a separator apply to the file name only.
func ruleMatches(pattern, p string) bool {
	if !strings.Contains(pattern, "/") {
		ok, _ := path.Match(pattern, path.Base(p))
		return ok
	}
	return vcs.MatchWildcard(pattern, p)
}

// DefaultTags returns the built-in complementary code and content tags.
func DefaultTags() []*Tag {
	code, _ := NewTag(TagCode, strings.Join(codeExtensions, ";"))
	excludes := make([]string, 0, len(codeExtensions)+1)
	excludes = append(excludes, "*")
	for _, ext := range codeExtensions {
		excludes = append(excludes, "-"+ext)
	}
	content, _ := NewTag(TagContent, strings.Join(excludes, ";"))
	return []*Tag{code, content}
}

// LoadTags merges the topology tags over the defaults; a configured tag replaces a default of the
// same name.
func LoadTags(cfg []config.TagConfig) ([]*Tag, error) {
	byName := map[string]*Tag{}
	var order []string
	for _, t := range DefaultTags() {
		byName[t.Name] = t
		order = append(order, t.Name)
	}
	for _, c := range cfg {
		t, err := NewTag(c.Name, c.Filter)
		if err != nil {
			return nil, err
		}
		if _, ok := byName[c.Name]; !ok {
			order = append(order, c.Name)
		}
		byName[c.Name] = t
	}
	out := make([]*Tag, 0, len(order))
	for _, name := range order {
		out = append(out, byName[name])
	}
	return out, nil
}

// matchTags returns the sorted names of tags matched by any of paths.
func matchTags(tags []*Tag, paths []string) []string {
	out := []string{}
	for _, t := range tags {
		for _, p := range paths {
			if t.Matches(p) {
				out = append(out, t.Name)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}
