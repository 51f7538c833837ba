// Package replicator mirrors the file content of stream commits into the object store as
// immutable directory trees linked into a per-stream commit history.
package replicator

import (
	"errors"
	"fmt"
	"time"

	"github.com/qiniu/depotmirror/internal/objstore"
)

var (
	// ErrSizeMismatch is returned when a synced file's length differs from its declared size.
	ErrSizeMismatch = errors.New("replicator: file size mismatch")
	// ErrMalformedEvent is returned for sync event payloads missing their delimiters.
	ErrMalformedEvent = errors.New("replicator: malformed sync event")
	// ErrMissingContent is returned when the commit chain references a node the store lost.
	ErrMissingContent = errors.New("replicator: missing commit content")
	// ErrUnknownStream is returned for streams outside the topology.
	ErrUnknownStream = errors.New("replicator: unknown stream")
)

// Stage names one step of a replication for error reporting and metrics.
type Stage string

const (
	StageLocateBase Stage = "locate-base"
	StageConnect    Stage = "connect"
	StageFlush      Stage = "flush"
	StageReplay     Stage = "replay"
	StagePreview    Stage = "preview"
	StageSync       Stage = "sync"
	StageCheckpoint Stage = "checkpoint"
	StageFinalize   Stage = "finalize"
)

// Error wraps a failure of one replication stage.
type Error struct {
	Stream string
	Change int
	Stage  Stage
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("replicate %s@%d: %s: %v", e.Stream, e.Change, e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// CommitNode is the stored form of one replicated change.
type CommitNode struct {
	Change      int          `json:"change"`
	Parent      objstore.Ref `json:"parent,omitempty"`
	Author      string       `json:"author"`
	Description string       `json:"description"`
	Time        time.Time    `json:"time"`
	Root        objstore.Ref `json:"root"`
}

// SyncCursor checkpoints a replication in flight. It is only valid for the exact
// (TargetChange, ParentChange) pair it was written for.
type SyncCursor struct {
	AttemptID       string       `json:"attemptId"`
	TargetChange    int          `json:"targetChange"`
	ParentChange    int          `json:"parentChange"`
	ContentTreeRef  objstore.Ref `json:"contentTreeRef"`
	CoveredPrefixes []string     `json:"coveredPrefixes,omitempty"`
}

func headRef(streamID string) string   { return "streams/" + streamID + "/head" }
func cursorRef(streamID string) string { return "streams/" + streamID + "/cursor" }
