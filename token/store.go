package token

import (
	"context"

	"github.com/MrEthical07/goAuthClient/storage"
)

const (
	// KeyAccess is the storage key of the access token.
	KeyAccess = "access-token"
	// KeyRefresh is the storage key of the refresh token.
	KeyRefresh = "refresh-token"
)

// Store reads and writes the persisted token pair.
type Store struct {
	kv storage.KV
}

// NewStore wraps kv.
func NewStore(kv storage.KV) *Store {
	return &Store{kv: kv}
}

// Load reads the persisted pair and decodes the access token's expiry.
// It never fails on a malformed token; only storage errors are returned.
func (s *Store) Load(ctx context.Context) (Record, error) {
	access, _, err := s.kv.Get(ctx, KeyAccess)
	if err != nil {
		return Record{}, err
	}
	refresh, _, err := s.kv.Get(ctx, KeyRefresh)
	if err != nil {
		return Record{}, err
	}
	return NewRecord(Pair{AccessToken: access, RefreshToken: refresh}), nil
}

// Save persists p. An empty refresh token removes the stored one.
func (s *Store) Save(ctx context.Context, p Pair) error {
	if err := s.kv.Set(ctx, KeyAccess, p.AccessToken); err != nil {
		return err
	}
	if p.RefreshToken == "" {
		return s.kv.Delete(ctx, KeyRefresh)
	}
	return s.kv.Set(ctx, KeyRefresh, p.RefreshToken)
}

// Clear removes both tokens.
func (s *Store) Clear(ctx context.Context) error {
	return s.kv.Delete(ctx, KeyAccess, KeyRefresh)
}
