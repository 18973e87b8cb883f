// Package key serves static ClearKey content keys configured per asset.
package key

import (
	"encoding/hex"
	"fmt"

	"github.com/king-prawns/Tape/internal/config"
)

// Service provides decryption keys based on the asset configuration.
// It is initialized once at startup and is safe for concurrent reads.
type Service struct {
	assetKeys map[string]*Store
}

// NewService creates a key service holding the keys of every asset that
// declares some.
func NewService(assets []config.Asset) (*Service, error) {
	keyMap := make(map[string]*Store)
	for _, asset := range assets {
		if len(asset.Keys) == 0 {
			continue
		}
		if _, exists := keyMap[asset.ID]; exists {
			return nil, fmt.Errorf("duplicate asset ID found in config: %s", asset.ID)
		}
		keyMap[asset.ID] = NewStore(asset.Keys)
	}

	return &Service{
		assetKeys: keyMap,
	}, nil
}

// StoreForAsset returns the keys of an asset.
func (s *Service) StoreForAsset(assetID string) (*Store, bool) {
	// No lock needed as the map is read-only after initialization.
	store, found := s.assetKeys[assetID]
	return store, found
}

// Store maps key ids to content keys.
type Store struct {
	keys map[string][]byte
}

// NewStore indexes pairs by key id. Later pairs win on duplicate ids.
func NewStore(pairs []config.KeyPair) *Store {
	keys := make(map[string][]byte, len(pairs))
	for _, p := range pairs {
		keys[hex.EncodeToString(p.KID)] = p.Key
	}
	return &Store{keys: keys}
}

// Lookup returns the key for kid. A nil store has no keys.
func (s *Store) Lookup(kid []byte) ([]byte, bool) {
	if s == nil {
		return nil, false
	}
	key, found := s.keys[hex.EncodeToString(kid)]
	return key, found
}

// Len is the number of keys held.
func (s *Store) Len() int {
	if s == nil {
		return 0
	}
	return len(s.keys)
}
