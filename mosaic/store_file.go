package mosaic

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// FileStore keeps a catalog in a local file.
type FileStore struct {
	path string
}

// NewFileStore returns a store for the file at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Load(_ context.Context) (*Catalog, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &NotFoundError{Location: s.path, Err: err}
	}
	if err != nil {
		return nil, err
	}
	return UnmarshalCatalog(data)
}

// Save replaces the file atomically by renaming a temporary file over it.
func (s *FileStore) Save(_ context.Context, catalog *Catalog) error {
	data, err := MarshalCatalog(catalog, isGzipLocation(s.path))
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0644); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

func (s *FileStore) SupportsUpdate() bool {
	return true
}

func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) String() string {
	return s.path
}
