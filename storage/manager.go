package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opmsg/groupstore/identity"
	"github.com/opmsg/groupstore/vault"
)

// dbKeyLength is the size of the per-identity column sealing key.
const dbKeyLength = 32

// Manager opens and caches one Store per identity. The per-identity column
// sealing key is generated on first use and kept in the vault; it never
// lives next to the database file.
type Manager struct {
	mu      sync.Mutex
	dataDir string
	vault   *vault.Vault
	stores  map[identity.Identity]*Store
}

// NewManager creates a store manager rooted at dataDir, using v to hold
// per-identity database keys.
func NewManager(dataDir string, v *vault.Vault) (*Manager, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	return &Manager{
		dataDir: dataDir,
		vault:   v,
		stores:  make(map[identity.Identity]*Store),
	}, nil
}

// ForIdentity returns the store owned by id, opening it on first use.
// Fails with identity.ErrNoAuthenticatedIdentity for an invalid identity;
// no operation ever proceeds under an empty or default identity.
func (m *Manager) ForIdentity(id identity.Identity) (*Store, error) {
	if !id.Valid() {
		return nil, identity.ErrNoAuthenticatedIdentity
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.stores[id]; ok {
		return s, nil
	}

	dbKey, err := m.databaseKey(id)
	if err != nil {
		return nil, err
	}
	defer vault.ZeroBytes(dbKey)

	s, err := Open(m.databasePath(id), id, dbKey)
	if err != nil {
		return nil, err
	}

	m.stores[id] = s

	logrus.WithFields(logrus.Fields{
		"function": "ForIdentity",
		"package":  "storage",
	}).Info("Opened encrypted store for identity")

	return s, nil
}

// Resolve is a convenience that resolves the current identity and returns
// its store in one step.
func (m *Manager) Resolve(r identity.Resolver) (*Store, error) {
	id, err := r.Current()
	if err != nil {
		return nil, err
	}
	return m.ForIdentity(id)
}

// Close closes every open store.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for id, s := range m.stores {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.stores, id)
	}
	return firstErr
}

// databasePath maps an identity to its database file. The identity is
// hashed so arbitrary identity strings never reach the filesystem.
func (m *Manager) databasePath(id identity.Identity) string {
	sum := sha256.Sum256([]byte(id))
	return filepath.Join(m.dataDir, "group-"+hex.EncodeToString(sum[:8])+".db")
}

// databaseKey fetches the identity's column sealing key from the vault,
// generating and storing a fresh one on first use.
func (m *Manager) databaseKey(id identity.Identity) ([]byte, error) {
	keyName := "database-key." + id.String()

	key, err := m.vault.Retrieve(keyName)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, vault.ErrKeyNotFound) {
		return nil, fmt.Errorf("failed to load database key: %w", err)
	}

	key, err = m.vault.GenerateSecureRandomKey(dbKeyLength)
	if err != nil {
		return nil, err
	}

	if err := m.vault.Store(keyName, key, vault.AccessAfterFirstUnlock); err != nil {
		vault.ZeroBytes(key)
		return nil, fmt.Errorf("failed to persist database key: %w", err)
	}

	return key, nil
}
