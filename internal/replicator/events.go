package replicator

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"hash"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/qiniu/depotmirror/internal/objstore"
	"github.com/qiniu/depotmirror/internal/vcs"
)

// openFile is the file currently streamed between an open and its close.
type openFile struct {
	path   string
	flags  objstore.FileFlags
	size   int64
	writer *objstore.ChunkWriter
	digest hash.Hash
}

type stagedFile struct {
	path  string
	entry objstore.FileEntry
}

// eventHandler turns one batch's sync events into content nodes and tree updates. Added files
// are staged and applied when the batch completes; unlinks hit the tree directly.
type eventHandler struct {
	ctx       context.Context
	store     objstore.Store
	tree      *objstore.TreeBuilder
	sizes     map[string]int64
	chunkSize int

	cur    *openFile
	staged []stagedFile
	bytes  int64
	files  int
}

func (h *eventHandler) handle(ev vcs.SyncEvent) error {
	switch ev.Code {
	case vcs.EventOpen:
		return h.open(ev.Payload)
	case vcs.EventWrite:
		if h.cur == nil {
			return fmt.Errorf("%w: write without open", ErrMalformedEvent)
		}
		if _, err := h.cur.writer.Write(ev.Payload); err != nil {
			return err
		}
		h.cur.digest.Write(ev.Payload)
		return nil
	case vcs.EventClose:
		return h.close()
	case vcs.EventUnlink:
		path, _, ok := bytes.Cut(ev.Payload, []byte{0})
		if !ok {
			return fmt.Errorf("%w: unlink payload %q", ErrMalformedEvent, ev.Payload)
		}
		if err := h.tree.Remove(h.ctx, normalizePath(string(path))); err != nil {
			return fmt.Errorf("remove %s: %w", path, err)
		}
		return nil
	default:
		log.Warn().Int("code", int(ev.Code)).Msg("ignoring unknown sync event")
		return nil
	}
}

func (h *eventHandler) open(payload []byte) error {
	if h.cur != nil {
		return fmt.Errorf("%w: open of %q while %s is open", ErrMalformedEvent, payload, h.cur.path)
	}
	parts := strings.SplitN(string(payload), "\x00", 3)
	if len(parts) != 3 {
		return fmt.Errorf("%w: open payload %q", ErrMalformedEvent, payload)
	}
	path := normalizePath(parts[0])
	size, ok := h.sizes[path]
	if !ok {
		return fmt.Errorf("%w: %s has no declared size", ErrSizeMismatch, path)
	}
	h.cur = &openFile{
		path:   path,
		flags:  fileFlags(parts[1], parts[2]),
		size:   size,
		writer: objstore.NewChunkWriter(h.ctx, h.store, h.chunkSize),
		digest: md5.New(),
	}
	return nil
}

func (h *eventHandler) close() error {
	f := h.cur
	if f == nil {
		return fmt.Errorf("%w: close without open", ErrMalformedEvent)
	}
	h.cur = nil
	if f.writer.Length() != f.size {
		return fmt.Errorf("%w: %s wrote %d bytes, expected %d", ErrSizeMismatch, f.path, f.writer.Length(), f.size)
	}
	ref, err := f.writer.Finish()
	if err != nil {
		return fmt.Errorf("store %s: %w", f.path, err)
	}
	h.staged = append(h.staged, stagedFile{path: f.path, entry: objstore.FileEntry{
		Flags:   f.flags,
		Length:  f.size,
		Content: ref,
		Digest:  hex.EncodeToString(f.digest.Sum(nil)),
	}})
	h.bytes += f.size
	h.files++
	return nil
}

// apply moves the staged files into the tree.
func (h *eventHandler) apply() error {
	for _, s := range h.staged {
		if err := h.tree.Add(h.ctx, s.path, s.entry); err != nil {
			return fmt.Errorf("add %s: %w", s.path, err)
		}
	}
	h.staged = h.staged[:0]
	return nil
}

// fileFlags maps a VCS file type and octal permissions to tree flags.
func fileFlags(fileType, perms string) objstore.FileFlags {
	var flags objstore.FileFlags
	base, _, _ := strings.Cut(fileType, "+")
	switch {
	case strings.Contains(base, "utf16"):
		flags |= objstore.FlagText | objstore.FlagUtf16
	case !strings.Contains(base, "binary") && base != "apple" && base != "resource":
		flags |= objstore.FlagText
	}
	if mode, err := strconv.ParseUint(perms, 8, 32); err == nil {
		if mode&0o200 == 0 {
			flags |= objstore.FlagReadOnly
		}
		if mode&0o100 != 0 {
			flags |= objstore.FlagExecutable
		}
	}
	return flags
}
