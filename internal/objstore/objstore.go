// Package objstore is a content-addressed node store with named ref pointers. Nodes are typed by a
// one byte kind prefix; structured nodes are JSON.
package objstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("objstore: not found")

// Ref is the hex SHA-256 of a node's encoded bytes.
type Ref string

func (r Ref) IsZero() bool { return r == "" }

type Kind byte

const (
	KindBlob      Kind = 'b'
	KindChunkList Kind = 'c'
	KindDirectory Kind = 'd'
	KindCommit    Kind = 'n'
	KindCursor    Kind = 's'
)

type Store interface {
	ReadNode(ctx context.Context, ref Ref) ([]byte, error)
	WriteNode(ctx context.Context, data []byte) (Ref, error)
	ReadRef(ctx context.Context, name string) (Ref, error)
	WriteRef(ctx context.Context, name string, ref Ref) error
	DeleteRef(ctx context.Context, name string) error
}

// Hash computes the ref of encoded node bytes.
func Hash(data []byte) Ref {
	sum := sha256.Sum256(data)
	return Ref(hex.EncodeToString(sum[:]))
}

func encode(kind Kind, payload []byte) []byte {
	out := make([]byte, 0, len(payload)+1)
	out = append(out, byte(kind))
	return append(out, payload...)
}

// ReadTyped reads a node and checks its kind.
func ReadTyped(ctx context.Context, s Store, ref Ref, kind Kind) ([]byte, error) {
	data, err := s.ReadNode(ctx, ref)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 || Kind(data[0]) != kind {
		return nil, fmt.Errorf("node %s: expected kind %q", ref, kind)
	}
	return data[1:], nil
}

// WriteObject stores v as a JSON node of the given kind.
func WriteObject(ctx context.Context, s Store, kind Kind, v any) (Ref, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return s.WriteNode(ctx, encode(kind, payload))
}

// ReadObject decodes a JSON node of the given kind into v.
func ReadObject(ctx context.Context, s Store, ref Ref, kind Kind, v any) error {
	payload, err := ReadTyped(ctx, s, ref, kind)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decode node %s: %w", ref, err)
	}
	return nil
}

// ReadRefObject follows a named ref and decodes the node it points at. ErrNotFound is returned
// when the ref does not exist.
func ReadRefObject(ctx context.Context, s Store, name string, kind Kind, v any) (Ref, error) {
	ref, err := s.ReadRef(ctx, name)
	if err != nil {
		return "", err
	}
	if err := ReadObject(ctx, s, ref, kind, v); err != nil {
		return "", err
	}
	return ref, nil
}
