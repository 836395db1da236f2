// Package keybackend provides SecretStore implementations for the signing
// keys bearer tokens are verified with.
package keybackend

import (
	"fmt"

	"github.com/sagarc03/filevault"
)

// MapSecretStore retrieves signing secrets from an in-memory map.
// Suitable for configuration file-based key storage.
type MapSecretStore struct {
	keys map[string]string
}

// NewMapSecretStore creates a new map-based secret store with the given key ID to secret mapping.
func NewMapSecretStore(keys map[string]string) *MapSecretStore {
	return &MapSecretStore{keys: keys}
}

// Lookup retrieves the secret for the given key ID from the map.
func (s *MapSecretStore) Lookup(keyID string) (string, error) {
	secret, found := s.keys[keyID]
	if !found {
		return "", fmt.Errorf("%w: %s: %w", ErrKeyNotFound, keyID, filevault.ErrUnauthorized)
	}
	return secret, nil
}

// Len returns the number of keys in the store.
func (s *MapSecretStore) Len() int {
	return len(s.keys)
}
