package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/uhyunpark/matchd/pkg/app/engine"
)

// FileStore writes the snapshot as a single JSON file, replacing it
// atomically on every save.
type FileStore struct {
	mu   sync.Mutex
	path string
}

func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	return &FileStore{path: path}, nil
}

func (s *FileStore) Save(ctx context.Context, st engine.State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	val, err := encodeState(st)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp*")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmp := f.Name()
	if _, err := f.Write(val); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

func (s *FileStore) Load(ctx context.Context) (engine.State, bool, error) {
	if err := ctx.Err(); err != nil {
		return engine.State{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	val, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return engine.State{}, false, nil
	}
	if err != nil {
		return engine.State{}, false, fmt.Errorf("read snapshot: %w", err)
	}
	st, err := decodeState(val)
	if err != nil {
		return engine.State{}, false, err
	}
	return st, true, nil
}

func (s *FileStore) Close() error { return nil }

var _ SnapshotStore = (*FileStore)(nil)
