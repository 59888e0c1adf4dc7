package vault

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opmsg/groupstore/identity"
)

// Key-naming scheme. Every item name is deterministic over
// (material kind, owning identity, conversation, optional epoch), so the
// same material is always found under the same key and never collides
// across identities.
const (
	kindEpochKey      = "epoch-key"
	kindSignatureKey  = "signature-key"
	kindEncryptionKey = "encryption-key"
	kindHPKEKey       = "hpke-private-key"
	kindGroupState    = "group-state"
	archiveNamespace  = "archive"

	// deleteAllEpochSlack extends DeleteAllKeys past the caller-reported
	// current epoch, covering secrets exported for pending commits that
	// never merged.
	deleteAllEpochSlack = 16
)

// scopeRef reduces an arbitrary scope component to a fixed-length token.
// Identities and conversation identifiers are free-form strings that may
// themselves contain the separator, so joining them raw would let distinct
// (identity, conversation) scopes collide on the same vault key. Hashing
// each component keeps the join unambiguous.
func scopeRef(component string) string {
	sum := sha256.Sum256([]byte(component))
	return hex.EncodeToString(sum[:8])
}

func epochKeyName(id identity.Identity, conversationID string, epoch uint64) string {
	return fmt.Sprintf("%s.%s.%s.%d", kindEpochKey, scopeRef(id.String()), scopeRef(conversationID), epoch)
}

func scopedKeyName(kind string, id identity.Identity, conversationID string) string {
	return fmt.Sprintf("%s.%s.%s", kind, scopeRef(id.String()), scopeRef(conversationID))
}

// StorePrivateKey stores per-epoch private key material for a conversation.
// Active ratchet material is gated on the vault being unlocked.
func (v *Vault) StorePrivateKey(id identity.Identity, conversationID string, epoch uint64, key []byte) error {
	if !id.Valid() {
		return identity.ErrNoAuthenticatedIdentity
	}
	return v.Store(epochKeyName(id, conversationID, epoch), key, AccessWhenUnlocked)
}

// RetrievePrivateKey fetches per-epoch private key material. Returns
// ErrKeyNotFound when the epoch's key was never stored or already purged.
func (v *Vault) RetrievePrivateKey(id identity.Identity, conversationID string, epoch uint64) ([]byte, error) {
	if !id.Valid() {
		return nil, identity.ErrNoAuthenticatedIdentity
	}
	return v.Retrieve(epochKeyName(id, conversationID, epoch))
}

// DeletePrivateKey removes one epoch's private key material.
func (v *Vault) DeletePrivateKey(id identity.Identity, conversationID string, epoch uint64) error {
	if !id.Valid() {
		return identity.ErrNoAuthenticatedIdentity
	}
	return v.Delete(epochKeyName(id, conversationID, epoch))
}

// DeletePrivateKeys purges all per-epoch private keys strictly before
// beforeEpoch. The purge is best-effort per key: absence of any individual
// key is not an error, and one failed deletion does not stop the rest.
func (v *Vault) DeletePrivateKeys(id identity.Identity, conversationID string, beforeEpoch uint64) error {
	if !id.Valid() {
		return identity.ErrNoAuthenticatedIdentity
	}

	var firstErr error
	for epoch := uint64(0); epoch < beforeEpoch; epoch++ {
		if err := v.Delete(epochKeyName(id, conversationID, epoch)); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if firstErr != nil {
		logrus.WithFields(logrus.Fields{
			"function":     "DeletePrivateKeys",
			"package":      "vault",
			"conversation": conversationID,
			"before_epoch": beforeEpoch,
			"error":        firstErr.Error(),
		}).Warn("Partial epoch key purge")
	}
	return firstErr
}

// StoreSignatureKey stores the long-lived signing key for a conversation.
func (v *Vault) StoreSignatureKey(id identity.Identity, conversationID string, key []byte) error {
	if !id.Valid() {
		return identity.ErrNoAuthenticatedIdentity
	}
	return v.Store(scopedKeyName(kindSignatureKey, id, conversationID), key, AccessWhenUnlocked)
}

// RetrieveSignatureKey fetches the long-lived signing key for a conversation.
func (v *Vault) RetrieveSignatureKey(id identity.Identity, conversationID string) ([]byte, error) {
	if !id.Valid() {
		return nil, identity.ErrNoAuthenticatedIdentity
	}
	return v.Retrieve(scopedKeyName(kindSignatureKey, id, conversationID))
}

// StoreEncryptionKey stores the long-lived encryption key for a conversation.
func (v *Vault) StoreEncryptionKey(id identity.Identity, conversationID string, key []byte) error {
	if !id.Valid() {
		return identity.ErrNoAuthenticatedIdentity
	}
	return v.Store(scopedKeyName(kindEncryptionKey, id, conversationID), key, AccessWhenUnlocked)
}

// RetrieveEncryptionKey fetches the long-lived encryption key for a
// conversation.
func (v *Vault) RetrieveEncryptionKey(id identity.Identity, conversationID string) ([]byte, error) {
	if !id.Valid() {
		return nil, identity.ErrNoAuthenticatedIdentity
	}
	return v.Retrieve(scopedKeyName(kindEncryptionKey, id, conversationID))
}

// StoreHPKEPrivateKey stores the HPKE private key for a conversation.
func (v *Vault) StoreHPKEPrivateKey(id identity.Identity, conversationID string, key []byte) error {
	if !id.Valid() {
		return identity.ErrNoAuthenticatedIdentity
	}
	return v.Store(scopedKeyName(kindHPKEKey, id, conversationID), key, AccessWhenUnlocked)
}

// RetrieveHPKEPrivateKey fetches the HPKE private key for a conversation.
func (v *Vault) RetrieveHPKEPrivateKey(id identity.Identity, conversationID string) ([]byte, error) {
	if !id.Valid() {
		return nil, identity.ErrNoAuthenticatedIdentity
	}
	return v.Retrieve(scopedKeyName(kindHPKEKey, id, conversationID))
}

// DeleteSignatureKey removes the long-lived signing key for a conversation.
func (v *Vault) DeleteSignatureKey(id identity.Identity, conversationID string) error {
	if !id.Valid() {
		return identity.ErrNoAuthenticatedIdentity
	}
	return v.Delete(scopedKeyName(kindSignatureKey, id, conversationID))
}

// DeleteEncryptionKey removes the long-lived encryption key for a
// conversation.
func (v *Vault) DeleteEncryptionKey(id identity.Identity, conversationID string) error {
	if !id.Valid() {
		return identity.ErrNoAuthenticatedIdentity
	}
	return v.Delete(scopedKeyName(kindEncryptionKey, id, conversationID))
}

// DeleteHPKEPrivateKey removes the HPKE private key for a conversation.
func (v *Vault) DeleteHPKEPrivateKey(id identity.Identity, conversationID string) error {
	if !id.Valid() {
		return identity.ErrNoAuthenticatedIdentity
	}
	return v.Delete(scopedKeyName(kindHPKEKey, id, conversationID))
}

// StoreGroupState persists serialized group state. Group state survives a
// restart and needs only one unlock, so it uses AccessAfterFirstUnlock.
func (v *Vault) StoreGroupState(id identity.Identity, conversationID string, state []byte) error {
	if !id.Valid() {
		return identity.ErrNoAuthenticatedIdentity
	}
	return v.Store(scopedKeyName(kindGroupState, id, conversationID), state, AccessAfterFirstUnlock)
}

// RetrieveGroupState fetches serialized group state for a conversation.
func (v *Vault) RetrieveGroupState(id identity.Identity, conversationID string) ([]byte, error) {
	if !id.Valid() {
		return nil, identity.ErrNoAuthenticatedIdentity
	}
	return v.Retrieve(scopedKeyName(kindGroupState, id, conversationID))
}

// DeleteAllKeys tears down every vault item for a conversation: epoch keys
// across a bounded range, the long-lived keys and the group state. Per-key
// "not found" is ignored; the teardown reports the first hard failure after
// attempting everything.
func (v *Vault) DeleteAllKeys(id identity.Identity, conversationID string, currentEpoch uint64) error {
	if !id.Valid() {
		return identity.ErrNoAuthenticatedIdentity
	}

	var firstErr error
	record := func(err error) {
		if err != nil && !errors.Is(err, ErrKeyNotFound) && firstErr == nil {
			firstErr = err
		}
	}

	for epoch := uint64(0); epoch <= currentEpoch+deleteAllEpochSlack; epoch++ {
		record(v.Delete(epochKeyName(id, conversationID, epoch)))
	}
	record(v.Delete(scopedKeyName(kindSignatureKey, id, conversationID)))
	record(v.Delete(scopedKeyName(kindEncryptionKey, id, conversationID)))
	record(v.Delete(scopedKeyName(kindHPKEKey, id, conversationID)))
	record(v.Delete(scopedKeyName(kindGroupState, id, conversationID)))

	logrus.WithFields(logrus.Fields{
		"function":     "DeleteAllKeys",
		"package":      "vault",
		"conversation": conversationID,
	}).Info("Vault teardown for conversation")

	return firstErr
}

// ArchiveKey copies the value stored under key into the archive namespace,
// for recovery flows. The original item is left in place.
func (v *Vault) ArchiveKey(key string) error {
	value, err := v.Retrieve(key)
	if err != nil {
		return err
	}
	defer ZeroBytes(value)

	return v.Store(archiveNamespace+"."+key, value, AccessAfterFirstUnlock)
}

// RetrieveArchivedKey fetches the escrow copy of key from the archive
// namespace.
func (v *Vault) RetrieveArchivedKey(key string) ([]byte, error) {
	return v.Retrieve(archiveNamespace + "." + key)
}
