package permission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MrEthical07/goAuthClient/storage"
)

// KeySnapshot is the storage key of the last confirmed snapshot.
const KeySnapshot = "permissions-snapshot"

// ErrCorruptSnapshot is returned when the persisted snapshot is not a JSON grant array.
var ErrCorruptSnapshot = errors.New("corrupt permission snapshot")

// Store persists the last confirmed snapshot.
type Store struct {
	kv storage.KV
}

// NewStore wraps kv.
func NewStore(kv storage.KV) *Store {
	return &Store{kv: kv}
}

// Load returns the persisted snapshot. found is false when none was saved yet.
func (s *Store) Load(ctx context.Context) (snap Snapshot, found bool, err error) {
	raw, found, err := s.kv.Get(ctx, KeySnapshot)
	if err != nil || !found {
		return Snapshot{}, false, err
	}
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	return snap, true, nil
}

// Save persists snap.
func (s *Store) Save(ctx context.Context, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, KeySnapshot, string(data))
}

// Clear removes the persisted snapshot.
func (s *Store) Clear(ctx context.Context) error {
	return s.kv.Delete(ctx, KeySnapshot)
}
