// Package p4cli drives the p4 command line client with tagged output.
package p4cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/qiniu/depotmirror/internal/vcs"
)

const printChunk = 256 * 1024

type Dialer struct {
	Executable string
	Timeout    time.Duration // per command, 0 for none
}

func NewDialer(executable string, timeout time.Duration) *Dialer {
	if executable == "" {
		executable = "p4"
	}
	return &Dialer{Executable: executable, Timeout: timeout}
}

func (d *Dialer) Dial(ctx context.Context, opts vcs.DialOptions) (vcs.Conn, error) {
	if opts.Server == "" {
		return nil, errors.New("p4cli: server address required")
	}
	return &Conn{dialer: d, opts: opts, roots: map[string]string{}}, nil
}

// Conn runs one p4 process per command against a fixed server and user.
type Conn struct {
	dialer *Dialer
	opts   vcs.DialOptions

	mu    sync.Mutex
	roots map[string]string // client -> root
}

func (c *Conn) command(ctx context.Context, client string, tagged bool, args ...string) (*exec.Cmd, context.CancelFunc) {
	var cancel context.CancelFunc
	if c.dialer.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.dialer.Timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	var full []string
	if tagged {
		full = append(full, "-ztag")
	}
	full = append(full, "-p", c.opts.Server)
	if c.opts.User != "" {
		full = append(full, "-u", c.opts.User)
	}
	if client == "" {
		client = c.opts.Client
	}
	if client != "" {
		full = append(full, "-c", client)
	}
	full = append(full, args...)
	cmd := exec.CommandContext(ctx, c.dialer.Executable, full...)
	cmd.Env = append(os.Environ(), "P4CONFIG=", "P4ENVIRO=/dev/null")
	if c.opts.Password != "" {
		cmd.Env = append(cmd.Env, "P4PASSWD="+c.opts.Password)
	}
	return cmd, cancel
}

func (c *Conn) run(ctx context.Context, client string, stdin []byte, args ...string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmd, cancel := c.command(ctx, client, true, args...)
	defer cancel()
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	start := time.Now()
	runErr := cmd.Run()
	log.Trace().Str("server", c.opts.Server).Strs("args", args).Dur("took", time.Since(start)).Msg("p4 command")
	if err := classify(args, stderr.String(), runErr); err != nil {
		return nil, err
	}
	return ParseTagged(&stdout)
}

func (c *Conn) Info(ctx context.Context) (*vcs.Info, error) {
	records, err := c.run(ctx, "", nil, "info", "-s")
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("p4 info: no output")
	}
	r := records[0]
	return &vcs.Info{
		ServerAddress: r["serverAddress"],
		ServerID:      r["serverID"],
		ServerVersion: r["serverVersion"],
		ServerUptime:  r["serverUptime"],
	}, nil
}

func (c *Conn) Changes(ctx context.Context, q vcs.ChangesQuery) ([]vcs.Change, error) {
	args := []string{"changes", "-s", "submitted", "-l"}
	if q.Limit > 0 {
		args = append(args, "-m", strconv.Itoa(q.Limit))
	}
	paths := q.Paths
	if len(paths) == 0 {
		paths = []string{"//..."}
	}
	for _, p := range paths {
		args = append(args, p+revRange(q.Min, q.Max))
	}
	records, err := c.run(ctx, "", nil, args...)
	if err != nil {
		return nil, err
	}
	out := make([]vcs.Change, 0, len(records))
	seen := map[int]bool{}
	for _, r := range records {
		c := toChange(r)
		if !seen[c.Number] {
			seen[c.Number] = true
			out = append(out, c)
		}
	}
	if len(paths) > 1 {
		// one listing per path; merge them newest first
		sort.Slice(out, func(i, j int) bool { return out[i].Number > out[j].Number })
		if q.Limit > 0 && len(out) > q.Limit {
			out = out[:q.Limit]
		}
	}
	return out, nil
}

func revRange(min, max int) string {
	switch {
	case min > 0 && max > 0:
		return fmt.Sprintf("@%d,@%d", min, max)
	case min > 0:
		return fmt.Sprintf("@%d,@now", min)
	case max > 0:
		return fmt.Sprintf("@<=%d", max)
	}
	return ""
}

func (c *Conn) Describe(ctx context.Context, change int) (*vcs.Description, error) {
	records, err := c.run(ctx, "", nil, "describe", "-s", strconv.Itoa(change))
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("describe %d: %w", change, vcs.ErrEmpty)
	}
	return toDescription(records[0]), nil
}

func (c *Conn) Stream(ctx context.Context, name string) (*vcs.StreamSpec, error) {
	records, err := c.run(ctx, "", nil, "stream", "-o", "-v", name)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("stream %s: %w", name, vcs.ErrEmpty)
	}
	r := records[0]
	return &vcs.StreamSpec{
		Stream:     r["Stream"],
		Type:       r["Type"],
		Parent:     r["Parent"],
		View:       r.Indexed("View"),
		ChangeView: r.Indexed("ChangeView"),
	}, nil
}

func (c *Conn) EnsureClient(ctx context.Context, spec vcs.ClientSpec) error {
	root, err := filepath.Abs(spec.Root)
	if err != nil {
		return err
	}
	form := fmt.Sprintf("Client: %s\nRoot: %s\nOptions: allwrite clobber nocompress unlocked nomodtime rmdir\nLineEnd: local\nStream: %s\n",
		spec.Name, root, spec.Stream)
	if _, err := c.run(ctx, "", []byte(form), "client", "-i"); err != nil {
		return fmt.Errorf("create client %s: %w", spec.Name, err)
	}
	c.mu.Lock()
	c.roots[spec.Name] = root
	c.mu.Unlock()
	return nil
}

func syncPaths(client string, paths []string, change int) []string {
	rev := "@" + strconv.Itoa(change)
	if change <= 0 {
		rev = "#none"
	}
	if len(paths) == 0 {
		paths = []string{"..."}
	}
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		out = append(out, "//"+client+"/"+p+rev)
	}
	return out
}

func (c *Conn) SyncHave(ctx context.Context, client string, paths []string, change int) error {
	args := append([]string{"sync", "-k", "-q"}, syncPaths(client, paths, change)...)
	_, err := c.run(ctx, client, nil, args...)
	return err
}

func (c *Conn) Preview(ctx context.Context, client string, change int) ([]vcs.PreviewFile, error) {
	return c.preview(ctx, client, nil, change)
}

func (c *Conn) preview(ctx context.Context, client string, paths []string, change int) ([]vcs.PreviewFile, error) {
	root, err := c.root(ctx, client)
	if err != nil {
		return nil, err
	}
	args := append([]string{"sync", "-n"}, syncPaths(client, paths, change)...)
	records, err := c.run(ctx, client, nil, args...)
	if err != nil {
		return nil, err
	}
	out := make([]vcs.PreviewFile, 0, len(records))
	for _, r := range records {
		rel, err := filepath.Rel(root, r["clientFile"])
		if err != nil {
			return nil, fmt.Errorf("client file %s outside root %s", r["clientFile"], root)
		}
		out = append(out, vcs.PreviewFile{
			DepotPath: r["depotFile"],
			Path:      filepath.ToSlash(rel),
			Action:    r["action"],
			Size:      r.Int64("fileSize"),
			Revision:  r.Int("rev"),
		})
	}
	return out, nil
}

func (c *Conn) root(ctx context.Context, client string) (string, error) {
	c.mu.Lock()
	root, ok := c.roots[client]
	c.mu.Unlock()
	if ok {
		return root, nil
	}
	records, err := c.run(ctx, client, nil, "client", "-o", client)
	if err != nil {
		return "", err
	}
	if len(records) == 0 || records[0]["Root"] == "" {
		return "", fmt.Errorf("client %s has no root", client)
	}
	root = records[0]["Root"]
	c.mu.Lock()
	c.roots[client] = root
	c.mu.Unlock()
	return root, nil
}

// Sync transfers the files a preview of paths reports as out of date and emits them as events,
// then records them in the have table.
func (c *Conn) Sync(ctx context.Context, client string, paths []string, change int, fn func(vcs.SyncEvent) error) error {
	items, err := c.preview(ctx, client, paths, change)
	if err != nil {
		return err
	}
	types, err := c.fileTypes(ctx, client, paths, change)
	if err != nil && !vcs.IsEmpty(err) {
		return err
	}
	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		if it.Action == "deleted" {
			if err := fn(vcs.SyncEvent{Code: vcs.EventUnlink, Payload: vcs.EncodeUnlink(it.Path)}); err != nil {
				return err
			}
			continue
		}
		fileType := types[it.DepotPath]
		if err := fn(vcs.SyncEvent{Code: vcs.EventOpen, Payload: vcs.EncodeOpen(it.Path, fileType, vcs.PermsOf(fileType))}); err != nil {
			return err
		}
		if err := c.print(ctx, client, fmt.Sprintf("%s#%d", it.DepotPath, it.Revision), fn); err != nil {
			return err
		}
		if err := fn(vcs.SyncEvent{Code: vcs.EventClose}); err != nil {
			return err
		}
	}
	return c.SyncHave(ctx, client, paths, change)
}

func (c *Conn) fileTypes(ctx context.Context, client string, paths []string, change int) (map[string]string, error) {
	args := append([]string{"fstat", "-T", "depotFile,headType"}, syncPaths(client, paths, change)...)
	records, err := c.run(ctx, client, nil, args...)
	if err != nil {
		return map[string]string{}, err
	}
	types := make(map[string]string, len(records))
	for _, r := range records {
		types[r["depotFile"]] = r["headType"]
	}
	return types, nil
}

func (c *Conn) print(ctx context.Context, client, file string, fn func(vcs.SyncEvent) error) error {
	cmd, cancel := c.command(ctx, client, false, "print", "-q", file)
	defer cancel()
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	buf := make([]byte, printChunk)
	var cbErr error
	for {
		n, err := io.ReadFull(stdout, buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if cbErr = fn(vcs.SyncEvent{Code: vcs.EventWrite, Payload: chunk}); cbErr != nil {
				cancel()
				break
			}
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			cbErr = err
			cancel()
			break
		}
	}
	waitErr := cmd.Wait()
	if cbErr != nil {
		return cbErr
	}
	return classify([]string{"print", file}, stderr.String(), waitErr)
}

func (c *Conn) Close() error { return nil }
