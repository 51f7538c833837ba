package vcs

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

type wildcard struct {
	kind string // "...", "*" or "%%N"
}

type mapping struct {
	exclude   bool
	left      string
	re        *regexp.Regexp
	wildcards []wildcard
	right     string
}

// View maps depot paths through a client or stream view. Later lines override earlier ones and a
// "-" line unmaps whatever it matches.
type View struct {
	mappings []mapping
}

// ParseView parses view lines of the form `[-|+]//depot/left/... //client/right/...`. The client
// name of the right side is dropped so mapped paths are client relative.
func ParseView(lines []string) (*View, error) {
	v := &View{}
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := splitQuoted(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("invalid view line %q", line)
		}
		left, right := fields[0], fields[1]
		m := mapping{}
		switch {
		case strings.HasPrefix(left, "-"):
			m.exclude = true
			left = left[1:]
		case strings.HasPrefix(left, "+"):
			left = left[1:]
		}
		re, wcs, err := compilePattern(left)
		if err != nil {
			return nil, fmt.Errorf("invalid view line %q: %w", line, err)
		}
		m.left = left
		m.re = re
		m.wildcards = wcs
		m.right = stripClient(right)
		v.mappings = append(v.mappings, m)
	}
	return v, nil
}

// Map translates a depot path into a client relative path.
func (v *View) Map(depotPath string) (string, bool) {
	for i := len(v.mappings) - 1; i >= 0; i-- {
		m := v.mappings[i]
		groups := m.re.FindStringSubmatch(depotPath)
		if groups == nil {
			continue
		}
		if m.exclude {
			return "", false
		}
		return m.expand(groups[1:]), true
	}
	return "", false
}

// DepotPaths returns the depot side of every line that maps files in, positional wildcards
// widened to "*". Later exclusions still apply through Map.
func (v *View) DepotPaths() []string {
	var out []string
	seen := map[string]bool{}
	for _, m := range v.mappings {
		if m.exclude {
			continue
		}
		p := positional.ReplaceAllString(m.left, "*")
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

var positional = regexp.MustCompile(`%%[0-9]`)

func (m mapping) expand(groups []string) string {
	var b strings.Builder
	used := map[string]int{}
	rest := m.right
	for rest != "" {
		switch {
		case strings.HasPrefix(rest, "..."):
			b.WriteString(m.capture(groups, "...", used))
			rest = rest[3:]
		case strings.HasPrefix(rest, "*"):
			b.WriteString(m.capture(groups, "*", used))
			rest = rest[1:]
		case strings.HasPrefix(rest, "%%") && len(rest) > 2 && rest[2] >= '0' && rest[2] <= '9':
			b.WriteString(m.capture(groups, rest[:3], used))
			rest = rest[3:]
		default:
			b.WriteByte(rest[0])
			rest = rest[1:]
		}
	}
	return b.String()
}

// capture returns the n-th left capture of the same wildcard kind, n counting uses on the right.
func (m mapping) capture(groups []string, kind string, used map[string]int) string {
	n := used[kind]
	used[kind]++
	seen := 0
	for i, wc := range m.wildcards {
		if wc.kind != kind {
			continue
		}
		if strings.HasPrefix(kind, "%%") || seen == n {
			return groups[i]
		}
		seen++
	}
	return ""
}

func compilePattern(pattern string) (*regexp.Regexp, []wildcard, error) {
	var b strings.Builder
	var wcs []wildcard
	b.WriteString("^")
	rest := pattern
	for rest != "" {
		switch {
		case strings.HasPrefix(rest, "..."):
			b.WriteString("(.*)")
			wcs = append(wcs, wildcard{kind: "..."})
			rest = rest[3:]
		case strings.HasPrefix(rest, "*"):
			b.WriteString("([^/]*)")
			wcs = append(wcs, wildcard{kind: "*"})
			rest = rest[1:]
		case strings.HasPrefix(rest, "%%") && len(rest) > 2 && rest[2] >= '0' && rest[2] <= '9':
			b.WriteString("([^/]*)")
			wcs = append(wcs, wildcard{kind: rest[:3]})
			rest = rest[3:]
		default:
			b.WriteString(regexp.QuoteMeta(rest[:1]))
			rest = rest[1:]
		}
	}
	b.WriteString("$")
	re, err := regexp.Compile(b.String())
	return re, wcs, err
}

func stripClient(right string) string {
	if !strings.HasPrefix(right, "//") {
		return right
	}
	rest := right[2:]
	if i := strings.Index(rest, "/"); i >= 0 {
		return rest[i+1:]
	}
	return ""
}

func splitQuoted(line string) []string {
	var fields []string
	for line != "" {
		line = strings.TrimLeft(line, " \t")
		if line == "" {
			break
		}
		if line[0] == '"' {
			end := strings.IndexByte(line[1:], '"')
			if end < 0 {
				fields = append(fields, line[1:])
				break
			}
			fields = append(fields, line[1:end+1])
			line = line[end+2:]
			continue
		}
		end := strings.IndexAny(line, " \t")
		if end < 0 {
			fields = append(fields, line)
			break
		}
		fields = append(fields, line[:end])
		line = line[end:]
	}
	return fields
}

type pin struct {
	re     *regexp.Regexp
	change int
}

// ChangeView pins paths of a stream at a fixed change.
type ChangeView struct {
	pins []pin
}

// ParseChangeView parses "//depot/path/...@change" entries.
func ParseChangeView(lines []string) (*ChangeView, error) {
	cv := &ChangeView{}
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		at := strings.LastIndex(line, "@")
		if at < 0 {
			return nil, fmt.Errorf("invalid change view %q", line)
		}
		change, err := strconv.Atoi(line[at+1:])
		if err != nil {
			return nil, fmt.Errorf("invalid change view %q: %w", line, err)
		}
		re, _, err := compilePattern(line[:at])
		if err != nil {
			return nil, fmt.Errorf("invalid change view %q: %w", line, err)
		}
		cv.pins = append(cv.pins, pin{re: re, change: change})
	}
	return cv, nil
}

// Visible reports whether a revision of depotPath submitted in change is visible through the view.
func (cv *ChangeView) Visible(depotPath string, change int) bool {
	for _, p := range cv.pins {
		if change > p.change && p.re.MatchString(depotPath) {
			return false
		}
	}
	return true
}

// StreamView combines a stream's path mapping with its change view.
type StreamView struct {
	View       *View
	ChangeView *ChangeView
}

func NewStreamView(spec *StreamSpec) (*StreamView, error) {
	view, err := ParseView(spec.View)
	if err != nil {
		return nil, err
	}
	cv, err := ParseChangeView(spec.ChangeView)
	if err != nil {
		return nil, err
	}
	return &StreamView{View: view, ChangeView: cv}, nil
}

// Map returns the client relative path of a file revision submitted in change.
func (sv *StreamView) Map(depotPath string, change int) (string, bool) {
	if !sv.ChangeView.Visible(depotPath, change) {
		return "", false
	}
	return sv.View.Map(depotPath)
}

// DefinitionHash digests the view and change view of a stream.
func DefinitionHash(spec *StreamSpec) string {
	h := sha256.New()
	for _, line := range spec.View {
		h.Write([]byte(line))
		h.Write([]byte{'\n'})
	}
	h.Write([]byte{0})
	for _, line := range spec.ChangeView {
		h.Write([]byte(line))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// MatchWildcard reports whether a client relative path matches a sync pattern such as "dir/...",
// "dir/*" or "...".
func MatchWildcard(pattern, path string) bool {
	re, _, err := compilePattern(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(path)
}
