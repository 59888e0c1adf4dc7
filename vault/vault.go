// Package vault implements the secure key vault backing the encrypted
// group-messaging store.
//
// The vault is a flat key-to-bytes namespace holding opaque secret material:
// per-epoch ratchet secrets, long-lived signature/encryption/HPKE private
// keys and serialized group state. Every item is sealed with AES-256-GCM
// under a master key derived from an unlock passphrase via PBKDF2, written
// atomically and deleted with a best-effort zero overwrite.
//
// Nothing stored here is ever synchronized to a remote backup target. That
// is a hard invariant of the forward-secrecy threat model, not a
// performance choice: the vault writes only to its local data directory
// with owner-only permissions.
package vault

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/pbkdf2"
)

// AccessPolicy controls when a stored item may be read back.
type AccessPolicy uint8

const (
	// AccessAfterFirstUnlock allows reads any time after the vault has been
	// unlocked once in the process lifetime. Used for group state that must
	// survive a restart but still requires one unlock.
	AccessAfterFirstUnlock AccessPolicy = iota
	// AccessWhenUnlocked allows reads only while the vault is currently
	// unlocked. Used for active signing, encryption and HPKE private keys.
	AccessWhenUnlocked
)

const (
	// pbkdf2Iterations is the PBKDF2 iteration count for master key
	// derivation (NIST recommendation).
	pbkdf2Iterations = 100000
	// itemVersion is the current on-disk item format version.
	itemVersion = 1
	// saltSize is the size of the PBKDF2 salt.
	saltSize = 32
	// servicePrefix namespaces every vault key, so the data directory can
	// be shared with other local stores without collisions.
	servicePrefix = "groupstore.v1."
	// sentinelKey holds a known probe value used to verify the passphrase
	// on unlock and backend health in VerifyAccess.
	sentinelKey = "vault-sentinel"
)

var sentinelValue = []byte("groupstore-vault-ok")

// Vault is a file-backed encrypted key-value store for secret material.
//
// The master key stays resident after the first successful unlock so that
// AccessAfterFirstUnlock items remain readable while the vault is locked;
// Lock only gates AccessWhenUnlocked items.
type Vault struct {
	mu           sync.RWMutex
	dataDir      string
	saltFile     string
	masterKey    [32]byte
	unlocked     bool
	everUnlocked bool
}

// New prepares a vault rooted at dataDir. The vault starts locked; no item
// can be read or written before the first successful Unlock.
func New(dataDir string) (*Vault, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create vault directory: %w", err)
	}

	return &Vault{
		dataDir:  dataDir,
		saltFile: filepath.Join(dataDir, ".salt"),
	}, nil
}

// Unlock derives a candidate master key from the passphrase and verifies it
// against the stored sentinel before installing it. The first unlock of a
// fresh vault creates the salt and sentinel. A rejected passphrase changes
// nothing: the vault stays locked if it was locked, and a key verified by an
// earlier unlock stays resident, so AccessAfterFirstUnlock items remain
// readable for the rest of the process lifetime.
//
// The passphrase slice is wiped before Unlock returns; callers must not
// reuse it.
func (v *Vault) Unlock(passphrase []byte) error {
	if len(passphrase) == 0 {
		return fmt.Errorf("%w: empty passphrase", ErrAccessVerificationFailed)
	}

	salt, fresh, err := v.loadOrGenerateSalt()
	if err != nil {
		return err
	}

	derived := pbkdf2.Key(passphrase, salt, pbkdf2Iterations, 32, sha256.New)
	var candidate [32]byte
	copy(candidate[:], derived)
	ZeroBytes(derived)
	ZeroBytes(passphrase)

	// Existing vault: the sentinel must decrypt under the candidate key.
	// Verification happens against the candidate alone; the vault state is
	// untouched until the candidate has proven itself, so a concurrent
	// write can never seal an item under an unverified key.
	if !fresh {
		data, err := os.ReadFile(v.itemPath(sentinelKey))
		if err != nil {
			ZeroBytes(candidate[:])
			return fmt.Errorf("%w: vault sentinel unreadable: %v", ErrAccessVerificationFailed, err)
		}
		got, err := openItem(candidate, sentinelKey, data)
		if err != nil || !bytes.Equal(got, sentinelValue) {
			ZeroBytes(candidate[:])
			logrus.WithFields(logrus.Fields{
				"function": "Unlock",
				"package":  "vault",
			}).Warn("Vault unlock rejected: sentinel mismatch")
			return fmt.Errorf("%w: passphrase rejected", ErrAccessVerificationFailed)
		}
	}

	v.mu.Lock()
	v.masterKey = candidate
	v.unlocked = true
	v.everUnlocked = true
	v.mu.Unlock()
	ZeroBytes(candidate[:])

	if fresh {
		if err := v.Store(sentinelKey, sentinelValue, AccessAfterFirstUnlock); err != nil {
			// Nothing could have been stored under this key yet; wipe it.
			v.mu.Lock()
			ZeroBytes(v.masterKey[:])
			v.unlocked = false
			v.everUnlocked = false
			v.mu.Unlock()
			return fmt.Errorf("failed to seed vault sentinel: %w", err)
		}
	}

	return nil
}

// Lock gates AccessWhenUnlocked items until the next Unlock. Items stored
// under AccessAfterFirstUnlock remain readable.
func (v *Vault) Lock() {
	v.mu.Lock()
	v.unlocked = false
	v.mu.Unlock()
}

// Unlocked reports whether the vault is currently unlocked.
func (v *Vault) Unlocked() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.unlocked
}

// Close wipes the master key from memory. The vault must be unlocked again
// before further use.
func (v *Vault) Close() error {
	v.mu.Lock()
	ZeroBytes(v.masterKey[:])
	v.unlocked = false
	v.everUnlocked = false
	v.mu.Unlock()
	return nil
}

// Store seals value under key with the given access policy. Storing over an
// existing key replaces it, policy included.
func (v *Vault) Store(key string, value []byte, policy AccessPolicy) error {
	masterKey, err := v.keyForAccess(AccessWhenUnlocked)
	if err != nil {
		return err
	}

	sealed, err := sealItem(masterKey, key, value, policy)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreFailed, err)
	}

	if err := v.writeAtomic(v.itemPath(key), sealed); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Store",
			"package":  "vault",
			"error":    err.Error(),
		}).Error("Vault write failed")
		return fmt.Errorf("%w: %v", ErrStoreFailed, err)
	}

	return nil
}

// Retrieve opens the item stored under key. Returns ErrKeyNotFound when
// nothing is stored under key, and ErrLocked when the item's policy forbids
// access in the current lock state.
func (v *Vault) Retrieve(key string) ([]byte, error) {
	data, err := os.ReadFile(v.itemPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrRetrieveFailed, err)
	}

	policy, err := peekPolicy(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRetrieveFailed, err)
	}

	masterKey, err := v.keyForAccess(policy)
	if err != nil {
		return nil, err
	}

	value, err := openItem(masterKey, key, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRetrieveFailed, err)
	}
	return value, nil
}

// Delete removes the item stored under key, overwriting the file with
// zeros first on a best-effort basis. Deleting an absent key is not an
// error.
func (v *Vault) Delete(key string) error {
	path := v.itemPath(key)

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrDeleteFailed, err)
	}

	// Overwrite with zeros (best-effort secure deletion)
	zeros := make([]byte, info.Size())
	if err := os.WriteFile(path, zeros, 0o600); err != nil {
		if rmErr := os.Remove(path); rmErr != nil {
			return fmt.Errorf("%w: %v", ErrDeleteFailed, rmErr)
		}
		return nil
	}

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("%w: %v", ErrDeleteFailed, err)
	}
	return nil
}

// GenerateSecureRandomKey returns length cryptographically secure random
// bytes from the platform RNG.
func (v *Vault) GenerateSecureRandomKey(length int) ([]byte, error) {
	if length <= 0 {
		return nil, fmt.Errorf("%w: non-positive length %d", ErrRandomGenerationFailed, length)
	}

	key := make([]byte, length)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRandomGenerationFailed, err)
	}
	return key, nil
}

// VerifyAccess performs a write/read-back/delete round trip against the
// backend. Used at startup to fail fast when secure storage is unusable.
func (v *Vault) VerifyAccess() error {
	probe, err := v.GenerateSecureRandomKey(16)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAccessVerificationFailed, err)
	}

	probeKey := sentinelKey + ".probe"
	if err := v.Store(probeKey, probe, AccessWhenUnlocked); err != nil {
		return fmt.Errorf("%w: write: %v", ErrAccessVerificationFailed, err)
	}

	got, err := v.Retrieve(probeKey)
	if err != nil {
		return fmt.Errorf("%w: read-back: %v", ErrAccessVerificationFailed, err)
	}
	if !bytes.Equal(got, probe) {
		return fmt.Errorf("%w: read-back mismatch", ErrAccessVerificationFailed)
	}

	if err := v.Delete(probeKey); err != nil {
		return fmt.Errorf("%w: delete: %v", ErrAccessVerificationFailed, err)
	}

	return nil
}

// keyForAccess returns the master key if the lock state satisfies the given
// policy.
func (v *Vault) keyForAccess(policy AccessPolicy) ([32]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	switch policy {
	case AccessWhenUnlocked:
		if !v.unlocked {
			return [32]byte{}, ErrLocked
		}
	case AccessAfterFirstUnlock:
		if !v.everUnlocked {
			return [32]byte{}, ErrLocked
		}
	default:
		return [32]byte{}, fmt.Errorf("%w: unknown access policy %d", ErrRetrieveFailed, policy)
	}

	return v.masterKey, nil
}

// itemPath maps a vault key to its file path. Keys are hashed so arbitrary
// key strings never reach the filesystem.
func (v *Vault) itemPath(key string) string {
	sum := sha256.Sum256([]byte(servicePrefix + key))
	return filepath.Join(v.dataDir, hex.EncodeToString(sum[:])+".bin")
}

// writeAtomic writes data via a temporary file and rename so a crash never
// leaves a half-written item.
func (v *Vault) writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write temporary file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}

// loadOrGenerateSalt loads the existing PBKDF2 salt or generates a new one.
// The second return value reports whether the vault is fresh.
func (v *Vault) loadOrGenerateSalt() ([]byte, bool, error) {
	data, err := os.ReadFile(v.saltFile)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, false, fmt.Errorf("failed to read salt file: %w", err)
		}

		salt := make([]byte, saltSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, false, fmt.Errorf("failed to generate salt: %w", err)
		}
		if err := os.WriteFile(v.saltFile, salt, 0o600); err != nil {
			return nil, false, fmt.Errorf("failed to save salt: %w", err)
		}
		return salt, true, nil
	}

	if len(data) != saltSize {
		return nil, false, fmt.Errorf("invalid salt file size: got %d, want %d", len(data), saltSize)
	}
	return data, false, nil
}

// sealItem encrypts value with AES-256-GCM.
// Format: [version:2][policy:1][nonce:12][ciphertext+tag:N]
// The vault key string is bound in as additional authenticated data, so a
// sealed item cannot be replayed under a different key name.
func sealItem(masterKey [32]byte, key string, value []byte, policy AccessPolicy) ([]byte, error) {
	block, err := aes.NewCipher(masterKey[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, value, []byte(servicePrefix+key))

	out := make([]byte, 3+len(nonce)+len(ciphertext))
	binary.BigEndian.PutUint16(out[0:2], itemVersion)
	out[2] = byte(policy)
	copy(out[3:3+len(nonce)], nonce)
	copy(out[3+len(nonce):], ciphertext)
	return out, nil
}

// peekPolicy reads the access policy from a sealed item header without
// decrypting the payload.
func peekPolicy(data []byte) (AccessPolicy, error) {
	if len(data) < 3 {
		return 0, fmt.Errorf("item too short: %d bytes", len(data))
	}
	version := binary.BigEndian.Uint16(data[0:2])
	if version != itemVersion {
		return 0, fmt.Errorf("unsupported item version: %d", version)
	}
	return AccessPolicy(data[2]), nil
}

// openItem decrypts a sealed item, verifying the GCM tag and the key-name
// binding.
func openItem(masterKey [32]byte, key string, data []byte) ([]byte, error) {
	if _, err := peekPolicy(data); err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(masterKey[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	if len(data) < 3+gcm.NonceSize()+gcm.Overhead() {
		return nil, fmt.Errorf("item too short for nonce: %d bytes", len(data))
	}

	nonce := data[3 : 3+gcm.NonceSize()]
	ciphertext := data[3+gcm.NonceSize():]

	value, err := gcm.Open(nil, nonce, ciphertext, []byte(servicePrefix+key))
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}
	return value, nil
}
