// Package vcs defines the slice of Perforce the service consumes: connections, change queries,
// stream specs and the low-level sync event stream used for content replication.
package vcs

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"
)

var (
	// ErrEmpty marks a command that succeeded but matched nothing ("no such file", "file(s)
	// up-to-date", a change that does not exist).
	ErrEmpty = errors.New("vcs: empty result")
	// ErrNoCredentials is returned when a cluster has no service account configured.
	ErrNoCredentials = errors.New("vcs: no credentials for cluster")
)

// IsEmpty reports whether err is an empty-result error.
func IsEmpty(err error) bool { return errors.Is(err, ErrEmpty) }

type Info struct {
	ServerAddress string
	ServerID      string
	ServerVersion string
	ServerUptime  string
}

type Change struct {
	Number      int
	User        string
	Client      string
	Time        time.Time
	Description string
	Status      string
}

type FileAction struct {
	DepotPath string
	Action    string // add, edit, delete, move/add, move/delete, integrate, branch...
	Type      string
	Revision  int
}

// IsDelete reports whether the action removes the file from the head revision.
func (f FileAction) IsDelete() bool {
	return f.Action == "delete" || f.Action == "move/delete" || f.Action == "purge" || f.Action == "archive"
}

type Description struct {
	Change
	Files []FileAction
}

type StreamSpec struct {
	Stream     string
	Type       string
	Parent     string
	View       []string // client view lines, "//depot/path/... //client/path/..."
	ChangeView []string // "//depot/path/...@change"
}

type ChangesQuery struct {
	Paths []string // defaults to every file on the server
	Min   int      // inclusive, 0 for no bound
	Max   int      // inclusive, 0 for no bound
	Limit int      // newest first when set
}

type ClientSpec struct {
	Name   string
	Stream string
	Root   string
}

// PreviewFile is one line of a dry-run sync.
type PreviewFile struct {
	DepotPath string
	Path      string // client relative, forward slashes
	Action    string // added, updated, deleted, refreshed
	Size      int64
	Revision  int
}

type EventCode int

const (
	EventOpen EventCode = iota + 1
	EventWrite
	EventClose
	EventUnlink
)

func (c EventCode) String() string {
	switch c {
	case EventOpen:
		return "open"
	case EventWrite:
		return "write"
	case EventClose:
		return "close"
	case EventUnlink:
		return "unlink"
	}
	return "unknown"
}

// SyncEvent is one message of a content sync. Open carries "path\x00type\x00perms", unlink carries
// "path\x00", write carries raw file bytes and close carries nothing.
type SyncEvent struct {
	Code    EventCode
	Payload []byte
}

// EncodeOpen builds an open payload.
func EncodeOpen(path, fileType, perms string) []byte {
	return []byte(path + "\x00" + fileType + "\x00" + perms)
}

// EncodeUnlink builds an unlink payload.
func EncodeUnlink(path string) []byte {
	return []byte(path + "\x00")
}

// Conn is a live connection to one server as one user.
type Conn interface {
	Info(ctx context.Context) (*Info, error)
	Changes(ctx context.Context, q ChangesQuery) ([]Change, error)
	Describe(ctx context.Context, change int) (*Description, error)
	Stream(ctx context.Context, name string) (*StreamSpec, error)
	EnsureClient(ctx context.Context, spec ClientSpec) error
	// SyncHave updates the client's have table for paths at change without transferring files.
	// No paths means the whole client; change 0 means "#none".
	SyncHave(ctx context.Context, client string, paths []string, change int) error
	Preview(ctx context.Context, client string, change int) ([]PreviewFile, error)
	Sync(ctx context.Context, client string, paths []string, change int, fn func(SyncEvent) error) error
	Close() error
}

type DialOptions struct {
	Server   string
	User     string
	Password string
	Client   string
}

type Dialer interface {
	Dial(ctx context.Context, opts DialOptions) (Conn, error)
}

// ConnectOptions describe the caller of Connector.Connect.
type ConnectOptions struct {
	Key        string   // sticky selection key, defaults to the cluster name
	Client     string   // optional client binding
	Properties []string // "name=value" caller properties
}

// Connector hands out pooled connections for a cluster. The returned func must be called once the
// connection is no longer used.
type Connector interface {
	Connect(ctx context.Context, cluster string, opts ConnectOptions) (Conn, func(), error)
}

// PermsOf derives the unix permissions a workspace file of fileType gets, such as "text",
// "text+w", "binary+x" or the legacy "kxtext". Files are read-only unless the type carries the
// w modifier.
func PermsOf(fileType string) string {
	base, mods, _ := strings.Cut(fileType, "+")
	legacy := base
	for _, kind := range []string{"text", "binary", "unicode", "utf16", "utf8"} {
		if strings.HasSuffix(base, kind) {
			legacy = strings.TrimSuffix(base, kind)
			break
		}
	}
	exec := strings.Contains(mods, "x") || strings.Contains(legacy, "x")
	write := strings.Contains(mods, "w") || base == "tempobj" || base == "ctempobj"
	switch {
	case exec && write:
		return "0755"
	case exec:
		return "0555"
	case write:
		return "0644"
	}
	return "0444"
}

// IsNumericHost reports whether addr ("ssl:host:port", "host:port" or "host") names an IP address.
func IsNumericHost(addr string) bool {
	return net.ParseIP(HostOf(addr)) != nil
}

// HostOf strips the transport prefix and port from a server address.
func HostOf(addr string) string {
	addr = strings.TrimPrefix(addr, "ssl:")
	addr = strings.TrimPrefix(addr, "tcp:")
	if strings.HasPrefix(addr, "[") {
		if i := strings.Index(addr, "]"); i > 0 {
			return addr[1:i]
		}
	}
	if i := strings.LastIndex(addr, ":"); i >= 0 && strings.Count(addr, ":") == 1 {
		return addr[:i]
	}
	return addr
}

// ReplaceHost swaps the host of addr for host, keeping prefix and port.
func ReplaceHost(addr, host string) string {
	prefix := ""
	for _, p := range []string{"ssl:", "tcp:"} {
		if strings.HasPrefix(addr, p) {
			prefix = p
			addr = addr[len(p):]
		}
	}
	port := ""
	if strings.HasPrefix(addr, "[") {
		if i := strings.Index(addr, "]"); i > 0 {
			port = addr[i+1:]
		}
	} else if i := strings.LastIndex(addr, ":"); i >= 0 && strings.Count(addr, ":") == 1 {
		port = addr[i:]
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return prefix + host + port
}
