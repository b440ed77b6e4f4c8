package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/uhyunpark/matchd/pkg/app/engine"
	"github.com/uhyunpark/matchd/pkg/util"
)

// SnapshotStore persists engine snapshots. Load reports found=false when
// nothing has been saved yet.
type SnapshotStore interface {
	Save(ctx context.Context, s engine.State) error
	Load(ctx context.Context) (engine.State, bool, error)
	Close() error
}

// PebbleStore keeps the last few snapshots in a Pebble database.
type PebbleStore struct {
	db    *pebble.DB
	keep  uint64
	clock util.Clock

	mu   sync.Mutex
	head Meta
}

type PebbleOption func(*PebbleStore)

// WithClock stamps snapshot headers from c instead of wall time.
func WithClock(c util.Clock) PebbleOption { return func(s *PebbleStore) { s.clock = c } }

// NewPebbleStore opens (or creates) the database at path. keep is how many
// snapshots are retained; values below 1 mean 1.
func NewPebbleStore(path string, keep int, opts ...PebbleOption) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble db at %s: %w", path, err)
	}
	if keep < 1 {
		keep = 1
	}
	s := &PebbleStore{db: db, keep: uint64(keep), clock: util.RealClock{}}
	for _, opt := range opts {
		opt(s)
	}

	head, found, err := s.readHead()
	if err != nil {
		db.Close()
		return nil, err
	}
	if found {
		s.head = head
	}
	return s, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

func (s *PebbleStore) readHead() (Meta, bool, error) {
	val, closer, err := s.db.Get(headKey())
	if errors.Is(err, pebble.ErrNotFound) {
		return Meta{}, false, nil
	}
	if err != nil {
		return Meta{}, false, fmt.Errorf("read snapshot head: %w", err)
	}
	defer closer.Close()
	m, err := decodeMeta(val)
	if err != nil {
		return Meta{}, false, err
	}
	return m, true, nil
}

// Head returns metadata of the newest snapshot.
func (s *PebbleStore) Head() (Meta, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.head, s.head.Seq > 0
}

// Save writes s as the next snapshot and prunes the ones beyond retention.
// The snapshot and the head pointer are committed in one synced batch.
func (s *PebbleStore) Save(ctx context.Context, st engine.State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	val, err := encodeState(st)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := Meta{Seq: s.head.Seq + 1, SavedAt: s.clock.Now()}
	b := s.db.NewBatch()
	defer b.Close()

	if err := b.Set(snapshotKey(next.Seq), val, nil); err != nil {
		return fmt.Errorf("stage snapshot: %w", err)
	}
	if err := b.Set(headKey(), encodeMeta(next), nil); err != nil {
		return fmt.Errorf("stage snapshot head: %w", err)
	}
	if next.Seq > s.keep {
		if err := b.DeleteRange(snapshotKey(0), snapshotKey(next.Seq-s.keep+1), nil); err != nil {
			return fmt.Errorf("stage prune: %w", err)
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit snapshot %d: %w", next.Seq, err)
	}
	s.head = next
	return nil
}

// Load returns the newest snapshot.
func (s *PebbleStore) Load(ctx context.Context) (engine.State, bool, error) {
	if err := ctx.Err(); err != nil {
		return engine.State{}, false, err
	}
	head, ok := s.Head()
	if !ok {
		return engine.State{}, false, nil
	}
	st, err := s.loadSeq(head.Seq)
	if err != nil {
		return engine.State{}, false, err
	}
	return st, true, nil
}

func (s *PebbleStore) loadSeq(seq uint64) (engine.State, error) {
	val, closer, err := s.db.Get(snapshotKey(seq))
	if err != nil {
		return engine.State{}, fmt.Errorf("read snapshot %d: %w", seq, err)
	}
	defer closer.Close()
	return decodeState(val)
}

// Sequences lists the retained snapshot sequence numbers, oldest first.
func (s *PebbleStore) Sequences() ([]uint64, error) {
	prefix := []byte(prefixSnapshot)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("scan snapshots: %w", err)
	}
	defer iter.Close()

	var seqs []uint64
	for iter.First(); iter.Valid(); iter.Next() {
		k := iter.Key()
		if len(k) != len(prefix)+8 {
			continue
		}
		seqs = append(seqs, decodeSeq(k[len(prefix):]))
	}
	return seqs, nil
}

var _ SnapshotStore = (*PebbleStore)(nil)
var _ engine.SnapshotStore = (*PebbleStore)(nil)
