// Package vcstest provides an in-memory depot implementing the vcs connection interfaces.
package vcstest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/qiniu/depotmirror/internal/vcs"
)

// ErrInterrupted is returned by Sync when FailAfterEvents trips.
var ErrInterrupted = errors.New("vcstest: sync interrupted")

// File is one file revision of a submitted change.
type File struct {
	DepotPath string
	Content   []byte
	Type      string // defaults to "text"
	Perms     string // defaults to "0644"
	Delete    bool
}

type revision struct {
	change  int
	rev     int
	file    File
	deleted bool
}

type client struct {
	stream string
	have   map[string]int // client path -> change of the synced revision
}

// Depot is a single in-memory server shared by every connection it dials.
type Depot struct {
	mu      sync.Mutex
	next    int
	changes map[int]*vcs.Description
	files   map[string][]revision
	streams map[string]*vcs.StreamSpec
	clients map[string]*client

	// Down makes Info fail for the listed server addresses.
	Down map[string]error
	// FailAfterEvents makes Sync return ErrInterrupted after that many events; it resets once hit.
	FailAfterEvents int
	// ChunkSize splits file content into several write events.
	ChunkSize int

	Dials     int
	Closed    int
	Describes int
}

func NewDepot() *Depot {
	return &Depot{
		next:      1,
		changes:   map[int]*vcs.Description{},
		files:     map[string][]revision{},
		streams:   map[string]*vcs.StreamSpec{},
		clients:   map[string]*client{},
		Down:      map[string]error{},
		ChunkSize: 4,
	}
}

// SetNextChange moves the change counter forward.
func (d *Depot) SetNextChange(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n > d.next {
		d.next = n
	}
}

// Submit records a change and returns its number.
func (d *Depot) Submit(user, description string, at time.Time, files ...File) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	number := d.next
	d.next++
	desc := &vcs.Description{Change: vcs.Change{
		Number:      number,
		User:        user,
		Client:      user + "-ws",
		Time:        at.UTC(),
		Description: description,
		Status:      "submitted",
	}}
	for _, f := range files {
		if f.Type == "" {
			f.Type = "text"
		}
		if f.Perms == "" {
			f.Perms = "0644"
		}
		revs := d.files[f.DepotPath]
		r := revision{change: number, rev: len(revs) + 1, file: f, deleted: f.Delete}
		d.files[f.DepotPath] = append(revs, r)
		action := "edit"
		switch {
		case f.Delete:
			action = "delete"
		case len(revs) == 0:
			action = "add"
		}
		desc.Files = append(desc.Files, vcs.FileAction{DepotPath: f.DepotPath, Action: action, Type: f.Type, Revision: r.rev})
	}
	d.changes[number] = desc
	return number
}

// SetStream creates or replaces a stream spec.
func (d *Depot) SetStream(spec vcs.StreamSpec) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.streams[spec.Stream] = &spec
}

// Have returns a copy of a client's have table.
func (d *Depot) Have(name string) map[string]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := map[string]int{}
	if c, ok := d.clients[name]; ok {
		for k, v := range c.have {
			out[k] = v
		}
	}
	return out
}

func (d *Depot) Dial(ctx context.Context, opts vcs.DialOptions) (vcs.Conn, error) {
	d.mu.Lock()
	d.Dials++
	d.mu.Unlock()
	return &Conn{depot: d, server: opts.Server}, nil
}

// Connect implements vcs.Connector without any server selection.
func (d *Depot) Connect(ctx context.Context, cluster string, opts vcs.ConnectOptions) (vcs.Conn, func(), error) {
	conn, err := d.Dial(ctx, vcs.DialOptions{Server: cluster, Client: opts.Client})
	if err != nil {
		return nil, nil, err
	}
	return conn, func() {}, nil
}

// Conn is a connection to a Depot.
type Conn struct {
	depot  *Depot
	server string
}

func (c *Conn) Info(ctx context.Context) (*vcs.Info, error) {
	c.depot.mu.Lock()
	defer c.depot.mu.Unlock()
	if err := c.depot.Down[c.server]; err != nil {
		return nil, err
	}
	return &vcs.Info{ServerAddress: c.server, ServerID: "vcstest", ServerVersion: "vcstest/1"}, nil
}

func (c *Conn) Changes(ctx context.Context, q vcs.ChangesQuery) ([]vcs.Change, error) {
	d := c.depot
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []vcs.Change
	for number, desc := range d.changes {
		if q.Min > 0 && number < q.Min {
			continue
		}
		if q.Max > 0 && number > q.Max {
			continue
		}
		if len(q.Paths) > 0 && !touches(desc, q.Paths) {
			continue
		}
		out = append(out, desc.Change)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number > out[j].Number })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func touches(desc *vcs.Description, paths []string) bool {
	for _, f := range desc.Files {
		for _, p := range paths {
			if vcs.MatchWildcard(p, f.DepotPath) {
				return true
			}
		}
	}
	return false
}

func (c *Conn) Describe(ctx context.Context, change int) (*vcs.Description, error) {
	c.depot.mu.Lock()
	defer c.depot.mu.Unlock()
	c.depot.Describes++
	desc, ok := c.depot.changes[change]
	if !ok {
		return nil, fmt.Errorf("change %d unknown: %w", change, vcs.ErrEmpty)
	}
	cp := *desc
	cp.Files = append([]vcs.FileAction(nil), desc.Files...)
	return &cp, nil
}

func (c *Conn) Stream(ctx context.Context, name string) (*vcs.StreamSpec, error) {
	c.depot.mu.Lock()
	defer c.depot.mu.Unlock()
	spec, ok := c.depot.streams[name]
	if !ok {
		return nil, fmt.Errorf("stream %s: %w", name, vcs.ErrEmpty)
	}
	cp := *spec
	return &cp, nil
}

func (c *Conn) EnsureClient(ctx context.Context, spec vcs.ClientSpec) error {
	d := c.depot
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.streams[spec.Stream]; !ok {
		return fmt.Errorf("stream %s unknown", spec.Stream)
	}
	if cl, ok := d.clients[spec.Name]; ok && cl.stream == spec.Stream {
		return nil
	}
	d.clients[spec.Name] = &client{stream: spec.Stream, have: map[string]int{}}
	return nil
}

func (c *Conn) SyncHave(ctx context.Context, name string, paths []string, change int) error {
	d := c.depot
	d.mu.Lock()
	defer d.mu.Unlock()
	cl, state, err := d.clientState(name, change)
	if err != nil {
		return err
	}
	for path := range cl.have {
		if matchAny(paths, path) {
			if _, ok := state[path]; !ok {
				delete(cl.have, path)
			}
		}
	}
	for path, r := range state {
		if matchAny(paths, path) {
			cl.have[path] = r.change
		}
	}
	return nil
}

func (c *Conn) Preview(ctx context.Context, name string, change int) ([]vcs.PreviewFile, error) {
	d := c.depot
	d.mu.Lock()
	defer d.mu.Unlock()
	cl, state, err := d.clientState(name, change)
	if err != nil {
		return nil, err
	}
	return preview(cl, state, nil), nil
}

func (c *Conn) Sync(ctx context.Context, name string, paths []string, change int, fn func(vcs.SyncEvent) error) error {
	d := c.depot
	d.mu.Lock()
	cl, state, err := d.clientState(name, change)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	items := preview(cl, state, paths)
	d.mu.Unlock()
	if len(items) == 0 {
		return fmt.Errorf("file(s) up-to-date: %w", vcs.ErrEmpty)
	}

	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		if it.Action == "deleted" {
			if err := d.emit(fn, vcs.SyncEvent{Code: vcs.EventUnlink, Payload: vcs.EncodeUnlink(it.Path)}); err != nil {
				return err
			}
			d.mu.Lock()
			delete(cl.have, it.Path)
			d.mu.Unlock()
			continue
		}
		r := state[it.Path]
		if err := d.emit(fn, vcs.SyncEvent{Code: vcs.EventOpen, Payload: vcs.EncodeOpen(it.Path, r.file.Type, r.file.Perms)}); err != nil {
			return err
		}
		content := r.file.Content
		for len(content) > 0 {
			n := d.ChunkSize
			if n <= 0 || n > len(content) {
				n = len(content)
			}
			if err := d.emit(fn, vcs.SyncEvent{Code: vcs.EventWrite, Payload: content[:n]}); err != nil {
				return err
			}
			content = content[n:]
		}
		if err := d.emit(fn, vcs.SyncEvent{Code: vcs.EventClose}); err != nil {
			return err
		}
		d.mu.Lock()
		cl.have[it.Path] = r.change
		d.mu.Unlock()
	}
	return nil
}

func (d *Depot) emit(fn func(vcs.SyncEvent) error, ev vcs.SyncEvent) error {
	d.mu.Lock()
	if d.FailAfterEvents > 0 {
		d.FailAfterEvents--
		if d.FailAfterEvents == 0 {
			d.mu.Unlock()
			return ErrInterrupted
		}
	}
	d.mu.Unlock()
	return fn(ev)
}

func (c *Conn) Close() error {
	c.depot.mu.Lock()
	c.depot.Closed++
	c.depot.mu.Unlock()
	return nil
}

// clientState returns the client and the visible head revision of every mapped file at change.
func (d *Depot) clientState(name string, change int) (*client, map[string]revision, error) {
	cl, ok := d.clients[name]
	if !ok {
		return nil, nil, fmt.Errorf("client %s unknown", name)
	}
	spec := d.streams[cl.stream]
	sv, err := vcs.NewStreamView(spec)
	if err != nil {
		return nil, nil, err
	}
	state := map[string]revision{}
	for depotPath, revs := range d.files {
		var head *revision
		for i := range revs {
			r := revs[i]
			if r.change > change || !sv.ChangeView.Visible(depotPath, r.change) {
				continue
			}
			head = &revs[i]
		}
		if head == nil || head.deleted {
			continue
		}
		path, ok := sv.View.Map(depotPath)
		if !ok {
			continue
		}
		state[path] = *head
	}
	return cl, state, nil
}

func preview(cl *client, state map[string]revision, paths []string) []vcs.PreviewFile {
	var out []vcs.PreviewFile
	for path, r := range state {
		if !matchAny(paths, path) {
			continue
		}
		have, ok := cl.have[path]
		if ok && have == r.change {
			continue
		}
		action := "added"
		if ok {
			action = "updated"
		}
		out = append(out, vcs.PreviewFile{DepotPath: r.file.DepotPath, Path: path, Action: action, Size: int64(len(r.file.Content)), Revision: r.rev})
	}
	for path := range cl.have {
		if _, ok := state[path]; ok || !matchAny(paths, path) {
			continue
		}
		out = append(out, vcs.PreviewFile{Path: path, Action: "deleted"})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func matchAny(patterns []string, path string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if vcs.MatchWildcard(p, path) {
			return true
		}
	}
	return false
}
