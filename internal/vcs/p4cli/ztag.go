package p4cli

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/qiniu/depotmirror/internal/vcs"
)

// Record is one tagged record of `p4 -ztag` output.
type Record map[string]string

func (r Record) Int(key string) int {
	n, _ := strconv.Atoi(r[key])
	return n
}

func (r Record) Int64(key string) int64 {
	n, _ := strconv.ParseInt(r[key], 10, 64)
	return n
}

// Time reads a unix seconds field.
func (r Record) Time(key string) time.Time {
	return time.Unix(r.Int64(key), 0).UTC()
}

// Indexed returns the values of key0, key1, ... until the first gap.
func (r Record) Indexed(key string) []string {
	var out []string
	for i := 0; ; i++ {
		v, ok := r[key+strconv.Itoa(i)]
		if !ok {
			return out
		}
		out = append(out, v)
	}
}

// ParseTagged splits tagged output into records. A record ends when a key repeats; lines that do
// not start with "... " continue the previous value.
func ParseTagged(r io.Reader) ([]Record, error) {
	var (
		records []Record
		cur     Record
		lastKey string
	)
	flush := func() {
		if cur != nil {
			for k, v := range cur {
				cur[k] = strings.TrimRight(v, "\n")
			}
			records = append(records, cur)
		}
		cur = nil
		lastKey = ""
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "... ") {
			rest := line[4:]
			key, value, _ := strings.Cut(rest, " ")
			if cur == nil {
				cur = Record{}
			} else if _, dup := cur[key]; dup {
				flush()
				cur = Record{}
			}
			cur[key] = value
			lastKey = key
			continue
		}
		if lastKey != "" {
			cur[lastKey] += "\n" + line
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read tagged output: %w", err)
	}
	flush()
	return records, nil
}

var emptyMarkers = []string{
	"file(s) up-to-date",
	"no such file",
	"no file(s) at that changelist",
	"no such changelist",
	"file(s) not in client view",
	"no file(s) to reconcile",
	"- no file(s) at that revision",
}

// classify turns command stderr into an error, mapping "nothing matched" warnings to vcs.ErrEmpty.
func classify(args []string, stderr string, runErr error) error {
	msg := strings.TrimSpace(stderr)
	lower := strings.ToLower(msg)
	for _, m := range emptyMarkers {
		if strings.Contains(lower, m) {
			return fmt.Errorf("p4 %s: %s: %w", strings.Join(args, " "), msg, vcs.ErrEmpty)
		}
	}
	if runErr == nil {
		return nil
	}
	if msg == "" {
		return fmt.Errorf("p4 %s: %w", strings.Join(args, " "), runErr)
	}
	return fmt.Errorf("p4 %s: %s: %w", strings.Join(args, " "), msg, runErr)
}

func toChange(r Record) vcs.Change {
	return vcs.Change{
		Number:      r.Int("change"),
		User:        r["user"],
		Client:      r["client"],
		Time:        r.Time("time"),
		Description: r["desc"],
		Status:      r["status"],
	}
}

func toDescription(r Record) *vcs.Description {
	desc := &vcs.Description{Change: toChange(r)}
	paths := r.Indexed("depotFile")
	actions := r.Indexed("action")
	types := r.Indexed("type")
	revs := r.Indexed("rev")
	for i, p := range paths {
		f := vcs.FileAction{DepotPath: p}
		if i < len(actions) {
			f.Action = actions[i]
		}
		if i < len(types) {
			f.Type = types[i]
		}
		if i < len(revs) {
			f.Revision, _ = strconv.Atoi(revs[i])
		}
		desc.Files = append(desc.Files, f)
	}
	return desc
}
