package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/uhyunpark/matchd/pkg/app/engine"
)

// Meta describes one stored snapshot.
type Meta struct {
	Seq     uint64
	SavedAt time.Time
}

func encodeState(s engine.State) ([]byte, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return b, nil
}

func decodeState(b []byte) (engine.State, error) {
	var s engine.State
	if err := json.Unmarshal(b, &s); err != nil {
		return engine.State{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return s, nil
}

func encodeMeta(m Meta) []byte {
	var b [16]byte
	binary.BigEndian.PutUint64(b[:8], m.Seq)
	binary.BigEndian.PutUint64(b[8:], uint64(m.SavedAt.UnixNano()))
	return b[:]
}

func decodeMeta(b []byte) (Meta, error) {
	if len(b) != 16 {
		return Meta{}, fmt.Errorf("snapshot head: want 16 bytes, got %d", len(b))
	}
	return Meta{
		Seq:     binary.BigEndian.Uint64(b[:8]),
		SavedAt: time.Unix(0, int64(binary.BigEndian.Uint64(b[8:]))),
	}, nil
}
