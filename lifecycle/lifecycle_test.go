package lifecycle

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opmsg/groupstore/config"
	"github.com/opmsg/groupstore/identity"
	"github.com/opmsg/groupstore/storage"
	"github.com/opmsg/groupstore/vault"
)

type testEnv struct {
	vault    *vault.Vault
	stores   *storage.Manager
	manager  *Manager
	resolver identity.StaticResolver
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dir := t.TempDir()
	v, err := vault.New(filepath.Join(dir, "vault"))
	require.NoError(t, err)
	require.NoError(t, v.Unlock([]byte("test-passphrase")))

	stores, err := storage.NewManager(filepath.Join(dir, "stores"), v)
	require.NoError(t, err)

	resolver := identity.StaticResolver{ID: "alice"}
	retention := config.Retention{
		KeepLastEpochKeys:  2,
		EpochKeyPurgeGrace: time.Hour,
		PlaintextTTL:       time.Hour,
		KeyPackageTTL:      time.Hour,
	}

	env := &testEnv{
		vault:    v,
		stores:   stores,
		manager:  NewManager(v, stores, resolver, retention),
		resolver: resolver,
	}
	t.Cleanup(func() {
		stores.Close()
		v.Close()
	})
	return env
}

func (e *testEnv) store(t *testing.T) *storage.Store {
	t.Helper()
	s, err := e.stores.ForIdentity(e.resolver.ID)
	require.NoError(t, err)
	return s
}

func TestCreateConversation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.manager.CreateConversation(ctx, "conv-1", []byte("group-1"), "Book club"))

	s := env.store(t)
	conv, err := s.GetConversation(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "Book club", conv.Title)
	assert.EqualValues(t, 0, conv.Epoch)

	// Epoch 0 key material lands in both the vault and the store.
	storeSecret, err := s.GetEpochSecret(ctx, "conv-1", 0)
	require.NoError(t, err)
	require.NotNil(t, storeSecret)

	vaultKey, err := env.vault.RetrievePrivateKey("alice", "conv-1", 0)
	require.NoError(t, err)
	assert.Equal(t, storeSecret, vaultKey)
}

func TestCreateConversationIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.manager.CreateConversation(ctx, "conv-1", []byte("g"), ""))

	s := env.store(t)
	first, err := s.GetEpochSecret(ctx, "conv-1", 0)
	require.NoError(t, err)

	// A second create must not regenerate the epoch 0 key.
	require.NoError(t, env.manager.CreateConversation(ctx, "conv-1", []byte("g"), ""))

	second, err := s.GetEpochSecret(ctx, "conv-1", 0)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

// Adding a member advances the epoch; the new epoch's key exists in vault
// and store before anything older is touched, and the previous epoch's key
// stays retrievable for in-flight messages.
func TestAddMemberAdvancesEpoch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.manager.CreateConversation(ctx, "conv-1", []byte("g"), ""))

	member, err := env.manager.AddMember(ctx, "conv-1", "bob", 1, storage.RoleMember)
	require.NoError(t, err)
	assert.Equal(t, "bob", member.IdentityRef)

	s := env.store(t)
	conv, err := s.GetConversation(ctx, "conv-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, conv.Epoch)
	assert.Equal(t, 1, conv.MemberCount)

	secret, err := s.GetEpochSecret(ctx, "conv-1", 1)
	require.NoError(t, err)
	require.NotNil(t, secret)

	_, err = env.vault.RetrievePrivateKey("alice", "conv-1", 1)
	require.NoError(t, err)

	// Epoch 0 is the previous epoch; it survives this rotation.
	_, err = env.vault.RetrievePrivateKey("alice", "conv-1", 0)
	assert.NoError(t, err)
}

// With retention keeping the last 2 epochs, the third rotation soft-deletes
// epoch 0 in the store and hard-deletes its vault copy.
func TestRotationPrunesOldEpochs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.manager.CreateConversation(ctx, "conv-1", []byte("g"), ""))

	epoch, err := env.manager.RotateEpoch(ctx, "conv-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, epoch)

	epoch, err = env.manager.RotateEpoch(ctx, "conv-1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, epoch)

	s := env.store(t)

	// Epoch 0 is soft-deleted: invisible to reads, row retained for the
	// grace window.
	secret, err := s.GetEpochSecret(ctx, "conv-1", 0)
	require.NoError(t, err)
	assert.Nil(t, secret)

	record, err := s.GetEpochKeyRecord(ctx, "conv-1", 0)
	require.NoError(t, err)
	assert.False(t, record.IsActive)
	require.NotNil(t, record.DeletedAt)

	// Vault purge runs strictly before the previous epoch: rotating to 2
	// removes epoch 0 but keeps epoch 1.
	_, err = env.vault.RetrievePrivateKey("alice", "conv-1", 0)
	assert.ErrorIs(t, err, vault.ErrKeyNotFound)
	_, err = env.vault.RetrievePrivateKey("alice", "conv-1", 1)
	assert.NoError(t, err)

	for _, e := range []uint64{1, 2} {
		got, err := s.GetEpochSecret(ctx, "conv-1", e)
		require.NoError(t, err)
		assert.NotNil(t, got, "epoch %d should stay readable", e)
	}
}

func TestRemoveMemberAdvancesEpoch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.manager.CreateConversation(ctx, "conv-1", []byte("g"), ""))
	member, err := env.manager.AddMember(ctx, "conv-1", "bob", 1, storage.RoleMember)
	require.NoError(t, err)

	require.NoError(t, env.manager.RemoveMember(ctx, "conv-1", member.MemberID))

	s := env.store(t)
	conv, err := s.GetConversation(ctx, "conv-1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, conv.Epoch)
	assert.Equal(t, 0, conv.MemberCount)

	got, err := s.GetMember(ctx, member.MemberID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
}

// Deleting a conversation keeps the relational audit trail but removes all
// vault material, so nothing stored remains decryptable.
func TestDeleteConversation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.manager.CreateConversation(ctx, "conv-1", []byte("g"), ""))
	require.NoError(t, env.vault.StoreSignatureKey("alice", "conv-1", []byte("sig")))
	require.NoError(t, env.vault.StoreGroupState("alice", "conv-1", []byte("state")))

	require.NoError(t, env.manager.DeleteConversation(ctx, "conv-1"))

	s := env.store(t)
	conv, err := s.GetConversation(ctx, "conv-1")
	require.NoError(t, err)
	assert.False(t, conv.IsActive)

	_, err = env.vault.RetrievePrivateKey("alice", "conv-1", 0)
	assert.ErrorIs(t, err, vault.ErrKeyNotFound)
	_, err = env.vault.RetrieveSignatureKey("alice", "conv-1")
	assert.ErrorIs(t, err, vault.ErrKeyNotFound)
	_, err = env.vault.RetrieveGroupState("alice", "conv-1")
	assert.ErrorIs(t, err, vault.ErrKeyNotFound)
}

func TestRunMaintenance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := env.store(t)

	require.NoError(t, env.manager.CreateConversation(ctx, "conv-1", []byte("g"), ""))

	// Expired unused key package.
	past := time.Now().Add(-time.Hour)
	require.NoError(t, s.SaveKeyPackage(ctx, &storage.KeyPackage{
		KeyPackageID:   "kp-expired",
		KeyPackageData: []byte("kp"),
		OwnerRef:       "alice",
		ExpiresAt:      &past,
	}))

	// Expiry-less unused package past the configured maximum age.
	require.NoError(t, s.SaveKeyPackage(ctx, &storage.KeyPackage{
		KeyPackageID:   "kp-stale",
		KeyPackageData: []byte("kp"),
		OwnerRef:       "alice",
		CreatedAt:      time.Now().Add(-2 * time.Hour),
	}))

	// Soft-deleted epoch key already past the grace window.
	require.NoError(t, s.SaveEpochSecret(ctx, "conv-1", 5, []byte("old")))
	require.NoError(t, s.DeleteEpochSecret(ctx, "conv-1", 5))

	// Stale cached plaintext.
	require.NoError(t, s.SaveMessage(ctx, &storage.Message{
		MessageID:      "m1",
		ConversationID: "conv-1",
		SenderRef:      "bob",
	}))
	require.NoError(t, s.SavePlaintextForMessage(ctx, "m1", []byte("stale"), nil))

	// Grace windows are one hour in this env; nothing qualifies yet except
	// the two key packages (one expired, one past the age bound).
	result, err := env.manager.RunMaintenance(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, result.ExpiredKeyPackages)
	assert.Zero(t, result.PurgedEpochKeys)
	assert.Zero(t, result.SweptPlaintexts)

	// Collapse the windows and everything qualifies.
	env.manager.retention.EpochKeyPurgeGrace = -time.Second
	env.manager.retention.PlaintextTTL = -time.Second

	result, err = env.manager.RunMaintenance(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, result.PurgedEpochKeys)
	assert.EqualValues(t, 1, result.SweptPlaintexts)

	_, err = s.GetEpochKeyRecord(ctx, "conv-1", 5)
	assert.ErrorIs(t, err, storage.ErrEpochKeyNotFound)
}

func TestOperationsRequireIdentity(t *testing.T) {
	env := newTestEnv(t)
	m := NewManager(env.vault, env.stores, identity.NewSwitchableResolver(), config.Default().Retention)

	err := m.CreateConversation(context.Background(), "conv-1", []byte("g"), "")
	assert.ErrorIs(t, err, identity.ErrNoAuthenticatedIdentity)
}
