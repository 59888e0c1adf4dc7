// Package lifecycle orchestrates conversation creation, membership change,
// epoch advancement and forward-secrecy key pruning across the vault and
// the encrypted relational store.
//
// A conversation moves through: nonexistent -> active -> (member add or
// remove, epoch+1) -> active -> inactive. Membership changes are combined
// transactions in effect: the new epoch's key material is durably stored
// before anything older is pruned, so in-flight messages from the prior
// epoch stay decryptable. No transaction ever spans the vault and the
// store.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opmsg/groupstore/config"
	"github.com/opmsg/groupstore/identity"
	"github.com/opmsg/groupstore/storage"
	"github.com/opmsg/groupstore/vault"
)

// epochKeyLength is the size of generated per-epoch key material.
const epochKeyLength = 32

// Manager coordinates the vault and the store for conversation lifecycle
// operations. All operations resolve the identity at the call boundary.
type Manager struct {
	vault     *vault.Vault
	stores    *storage.Manager
	resolver  identity.Resolver
	retention config.Retention
}

// NewManager creates a lifecycle manager.
func NewManager(v *vault.Vault, stores *storage.Manager, resolver identity.Resolver, retention config.Retention) *Manager {
	return &Manager{
		vault:     v,
		stores:    stores,
		resolver:  resolver,
		retention: retention,
	}
}

// CreateConversation brings a conversation into existence with epoch 0 key
// material in both the vault and the store. Idempotent on the conversation
// row; key material is only generated when epoch 0 has none yet.
func (m *Manager) CreateConversation(ctx context.Context, conversationID string, groupID []byte, title string) error {
	id, store, err := m.resolve()
	if err != nil {
		return err
	}

	// EnsureConversationExists is idempotent, so one retry on a transient
	// failure is safe. Non-idempotent operations below are never retried
	// blindly.
	if err := store.EnsureConversationExists(ctx, conversationID, groupID); err != nil {
		if err = store.EnsureConversationExists(ctx, conversationID, groupID); err != nil {
			return fmt.Errorf("failed to create conversation: %w", err)
		}
	}

	if title != "" {
		if err := store.SetConversationTitle(ctx, conversationID, title); err != nil {
			return err
		}
	}

	existing, err := store.GetEpochSecret(ctx, conversationID, 0)
	if err != nil {
		return err
	}
	if existing == nil {
		if err := m.installEpochKey(ctx, id, store, conversationID, 0); err != nil {
			return err
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":     "CreateConversation",
		"package":      "lifecycle",
		"conversation": conversationID,
	}).Info("Conversation created")

	return nil
}

// AddMember adds a member and advances the epoch. The new epoch's key is
// durably stored in both the vault and the store before any older key is
// pruned; pruning a key the engine still needs for in-flight prior-epoch
// messages would be unrecoverable.
func (m *Manager) AddMember(ctx context.Context, conversationID, identityRef string, leafIndex uint32, role string) (*storage.Member, error) {
	id, store, err := m.resolve()
	if err != nil {
		return nil, err
	}

	conv, err := store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	newEpoch := conv.Epoch + 1
	if err := m.installEpochKey(ctx, id, store, conversationID, newEpoch); err != nil {
		return nil, err
	}
	if err := store.AdvanceConversationEpoch(ctx, conversationID, newEpoch); err != nil {
		return nil, err
	}

	member, err := store.AddMember(ctx, conversationID, identityRef, leafIndex, role)
	if err != nil {
		return nil, err
	}

	m.pruneAfterRotation(ctx, id, store, conversationID, conv.Epoch)

	logrus.WithFields(logrus.Fields{
		"function":     "AddMember",
		"package":      "lifecycle",
		"conversation": conversationID,
		"leaf_index":   leafIndex,
		"epoch":        newEpoch,
	}).Info("Member added, epoch advanced")

	return member, nil
}

// RemoveMember removes a member (soft delete) and advances the epoch with
// the same store-then-prune ordering as AddMember.
func (m *Manager) RemoveMember(ctx context.Context, conversationID, memberID string) error {
	id, store, err := m.resolve()
	if err != nil {
		return err
	}

	conv, err := store.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}

	newEpoch := conv.Epoch + 1
	if err := m.installEpochKey(ctx, id, store, conversationID, newEpoch); err != nil {
		return err
	}
	if err := store.AdvanceConversationEpoch(ctx, conversationID, newEpoch); err != nil {
		return err
	}

	if err := store.RemoveMember(ctx, memberID); err != nil {
		return err
	}

	m.pruneAfterRotation(ctx, id, store, conversationID, conv.Epoch)

	logrus.WithFields(logrus.Fields{
		"function":     "RemoveMember",
		"package":      "lifecycle",
		"conversation": conversationID,
		"epoch":        newEpoch,
	}).Info("Member removed, epoch advanced")

	return nil
}

// RotateEpoch advances the epoch without a membership change, for key
// refresh on schedule or after suspected compromise.
func (m *Manager) RotateEpoch(ctx context.Context, conversationID string) (uint64, error) {
	id, store, err := m.resolve()
	if err != nil {
		return 0, err
	}

	conv, err := store.GetConversation(ctx, conversationID)
	if err != nil {
		return 0, err
	}

	newEpoch := conv.Epoch + 1
	if err := m.installEpochKey(ctx, id, store, conversationID, newEpoch); err != nil {
		return 0, err
	}
	if err := store.AdvanceConversationEpoch(ctx, conversationID, newEpoch); err != nil {
		return 0, err
	}

	m.pruneAfterRotation(ctx, id, store, conversationID, conv.Epoch)
	return newEpoch, nil
}

// DeleteConversation deactivates the conversation and tears down its vault
// material. The relational history survives as an audit record; nothing
// decryptable remains.
func (m *Manager) DeleteConversation(ctx context.Context, conversationID string) error {
	id, store, err := m.resolve()
	if err != nil {
		return err
	}

	conv, err := store.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}

	if err := store.DeactivateConversation(ctx, conversationID); err != nil {
		return err
	}

	if err := m.vault.DeleteAllKeys(id, conversationID, conv.Epoch); err != nil {
		// Vault teardown is best-effort per key; report but do not undo
		// the deactivation.
		logrus.WithFields(logrus.Fields{
			"function":     "DeleteConversation",
			"package":      "lifecycle",
			"conversation": conversationID,
			"error":        err.Error(),
		}).Warn("Partial vault teardown")
		return err
	}

	return nil
}

// MaintenanceResult summarizes one maintenance sweep.
type MaintenanceResult struct {
	ExpiredKeyPackages int64
	PurgedEpochKeys    int64
	SweptPlaintexts    int64
}

// RunMaintenance performs the identity-scoped sweeps: expired unused key
// packages, epoch keys past the soft-delete grace window, and stale cached
// plaintext.
func (m *Manager) RunMaintenance(ctx context.Context) (*MaintenanceResult, error) {
	_, store, err := m.resolve()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	result := &MaintenanceResult{}

	if result.ExpiredKeyPackages, err = store.DeleteExpiredKeyPackages(ctx, now, m.retention.KeyPackageTTL); err != nil {
		return nil, err
	}
	if result.PurgedEpochKeys, err = store.DeleteMarkedEpochKeys(ctx, now.Add(-m.retention.EpochKeyPurgeGrace)); err != nil {
		return nil, err
	}
	if result.SweptPlaintexts, err = store.CleanupMessageKeys(ctx, now.Add(-m.retention.PlaintextTTL)); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":             "RunMaintenance",
		"package":              "lifecycle",
		"expired_key_packages": result.ExpiredKeyPackages,
		"purged_epoch_keys":    result.PurgedEpochKeys,
		"swept_plaintexts":     result.SweptPlaintexts,
	}).Info("Maintenance sweep complete")

	return result, nil
}

// resolve returns the current identity and its store.
func (m *Manager) resolve() (identity.Identity, *storage.Store, error) {
	id, err := m.resolver.Current()
	if err != nil {
		return "", nil, err
	}
	store, err := m.stores.ForIdentity(id)
	if err != nil {
		return "", nil, err
	}
	return id, store, nil
}

// installEpochKey generates fresh key material and stores it durably in
// the vault first, then the store. Both writes must land before any
// pruning of older epochs.
func (m *Manager) installEpochKey(ctx context.Context, id identity.Identity, store *storage.Store, conversationID string, epoch uint64) error {
	key, err := m.vault.GenerateSecureRandomKey(epochKeyLength)
	if err != nil {
		return err
	}
	defer vault.ZeroBytes(key)

	if err := m.vault.StorePrivateKey(id, conversationID, epoch, key); err != nil {
		return err
	}
	if err := store.SaveEpochSecret(ctx, conversationID, epoch, key); err != nil {
		return err
	}
	return nil
}

// pruneAfterRotation runs only after the new epoch's key is durably
// stored. Store-side pruning is the two-phase soft delete; vault-side is
// the best-effort bulk purge of epochs before the previous one. Prune
// failures are logged, not propagated: the rotation itself succeeded.
func (m *Manager) pruneAfterRotation(ctx context.Context, id identity.Identity, store *storage.Store, conversationID string, previousEpoch uint64) {
	if err := store.DeleteOldEpochKeys(ctx, conversationID, m.retention.KeepLastEpochKeys); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":     "pruneAfterRotation",
			"package":      "lifecycle",
			"conversation": conversationID,
			"error":        err.Error(),
		}).Warn("Epoch key prune failed")
	}

	if err := m.vault.DeletePrivateKeys(id, conversationID, previousEpoch); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":     "pruneAfterRotation",
			"package":      "lifecycle",
			"conversation": conversationID,
			"error":        err.Error(),
		}).Warn("Vault key purge incomplete")
	}
}
