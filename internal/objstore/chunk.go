package objstore

import (
	"bytes"
	"context"
	"fmt"
)

const DefaultChunkSize = 1 << 20

type chunkList struct {
	Length int64 `json:"length"`
	Chunks []Ref `json:"chunks"`
}

// ChunkWriter splits content into blob nodes of at most chunkSize bytes. Content that fits in one
// chunk is referenced by its blob node directly; larger content by a chunk list.
type ChunkWriter struct {
	ctx       context.Context
	store     Store
	chunkSize int
	buf       []byte
	chunks    []Ref
	length    int64
}

func NewChunkWriter(ctx context.Context, store Store, chunkSize int) *ChunkWriter {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &ChunkWriter{ctx: ctx, store: store, chunkSize: chunkSize}
}

func (w *ChunkWriter) Write(p []byte) (int, error) {
	n := len(p)
	for len(p) > 0 {
		room := w.chunkSize - len(w.buf)
		if room > len(p) {
			room = len(p)
		}
		w.buf = append(w.buf, p[:room]...)
		p = p[room:]
		if len(w.buf) == w.chunkSize {
			if err := w.flush(); err != nil {
				return n - len(p), err
			}
		}
	}
	w.length += int64(n)
	return n, nil
}

func (w *ChunkWriter) flush() error {
	ref, err := w.store.WriteNode(w.ctx, encode(KindBlob, w.buf))
	if err != nil {
		return fmt.Errorf("write chunk: %w", err)
	}
	w.chunks = append(w.chunks, ref)
	w.buf = w.buf[:0]
	return nil
}

// Length returns the number of bytes written so far.
func (w *ChunkWriter) Length() int64 { return w.length }

// Finish writes any buffered bytes and returns the content ref.
func (w *ChunkWriter) Finish() (Ref, error) {
	if len(w.buf) > 0 || len(w.chunks) == 0 {
		if err := w.flush(); err != nil {
			return "", err
		}
	}
	if len(w.chunks) == 1 {
		return w.chunks[0], nil
	}
	return WriteObject(w.ctx, w.store, KindChunkList, chunkList{Length: w.length, Chunks: w.chunks})
}

// WriteContent stores data in one call.
func WriteContent(ctx context.Context, s Store, data []byte) (Ref, error) {
	w := NewChunkWriter(ctx, s, DefaultChunkSize)
	if _, err := w.Write(data); err != nil {
		return "", err
	}
	return w.Finish()
}

// ReadContent expands a content ref written by ChunkWriter.
func ReadContent(ctx context.Context, s Store, ref Ref) ([]byte, error) {
	data, err := s.ReadNode(ctx, ref)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("node %s: empty", ref)
	}
	switch Kind(data[0]) {
	case KindBlob:
		return data[1:], nil
	case KindChunkList:
		var list chunkList
		if err := ReadObject(ctx, s, ref, KindChunkList, &list); err != nil {
			return nil, err
		}
		var out bytes.Buffer
		out.Grow(int(list.Length))
		for _, c := range list.Chunks {
			chunk, err := ReadTyped(ctx, s, c, KindBlob)
			if err != nil {
				return nil, err
			}
			out.Write(chunk)
		}
		return out.Bytes(), nil
	}
	return nil, fmt.Errorf("node %s: kind %q is not content", ref, data[0])
}
