package storage

import (
	"context"
	"sync"

	"github.com/uhyunpark/matchd/pkg/app/engine"
)

// MemoryStore keeps the newest snapshot in memory, encoded the same way
// the durable stores encode it. Used when persistence is disabled and in tests.
type MemoryStore struct {
	mu   sync.Mutex
	data []byte
	head Meta
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (s *MemoryStore) Save(ctx context.Context, st engine.State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	val, err := encodeState(st)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = val
	s.head.Seq++
	return nil
}

func (s *MemoryStore) Load(ctx context.Context) (engine.State, bool, error) {
	if err := ctx.Err(); err != nil {
		return engine.State{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return engine.State{}, false, nil
	}
	st, err := decodeState(s.data)
	if err != nil {
		return engine.State{}, false, err
	}
	return st, true, nil
}

// Saves returns how many snapshots have been written.
func (s *MemoryStore) Saves() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.head.Seq
}

func (s *MemoryStore) Close() error { return nil }

var _ SnapshotStore = (*MemoryStore)(nil)
