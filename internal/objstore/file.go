package objstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang/snappy"
)

// FileStore keeps snappy-compressed nodes under <dir>/nodes/<ab>/<ref> and refs as small files
// under <dir>/refs. Writes go through a temporary file and a rename.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	for _, sub := range []string{"nodes", "refs", "tmp"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) nodePath(ref Ref) (string, error) {
	if len(ref) != 64 || strings.ContainsAny(string(ref), "./\\") {
		return "", fmt.Errorf("invalid ref %q", ref)
	}
	return filepath.Join(s.dir, "nodes", string(ref[:2]), string(ref)), nil
}

func (s *FileStore) refPath(name string) string {
	return filepath.Join(s.dir, "refs", url.PathEscape(name))
}

func (s *FileStore) ReadNode(ctx context.Context, ref Ref) ([]byte, error) {
	p, err := s.nodePath(ref)
	if err != nil {
		return nil, err
	}
	compressed, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("node %s: %w", ref, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	data, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, fmt.Errorf("decompress node %s: %w", ref, err)
	}
	return data, nil
}

func (s *FileStore) WriteNode(ctx context.Context, data []byte) (Ref, error) {
	ref := Hash(data)
	p, err := s.nodePath(ref)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(p); err == nil {
		return ref, nil
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", err
	}
	if err := s.writeAtomic(p, snappy.Encode(nil, data)); err != nil {
		return "", err
	}
	return ref, nil
}

func (s *FileStore) ReadRef(ctx context.Context, name string) (Ref, error) {
	data, err := os.ReadFile(s.refPath(name))
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("ref %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	return Ref(strings.TrimSpace(string(data))), nil
}

func (s *FileStore) WriteRef(ctx context.Context, name string, ref Ref) error {
	return s.writeAtomic(s.refPath(name), []byte(string(ref)+"\n"))
}

func (s *FileStore) DeleteRef(ctx context.Context, name string) error {
	err := os.Remove(s.refPath(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (s *FileStore) writeAtomic(path string, data []byte) error {
	f, err := os.CreateTemp(filepath.Join(s.dir, "tmp"), "w-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
