package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Writing an epoch secret before the conversation exists must fail loudly
// with the referential-integrity error, never silently drop the secret.
func TestSaveEpochSecretRequiresConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.SaveEpochSecret(ctx, "ghost-conv", 0, []byte{0xAA})
	assert.ErrorIs(t, err, ErrReferentialIntegrity)

	secret, err := s.GetEpochSecret(ctx, "ghost-conv", 0)
	require.NoError(t, err)
	assert.Nil(t, secret)
}

// The same epoch may legitimately be exported twice by the engine; the
// second write overwrites, it never raises a uniqueness error.
func TestSaveEpochSecretUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.EnsureConversationExists(ctx, "conv-1", []byte("g")))
	require.NoError(t, s.SaveEpochSecret(ctx, "conv-1", 0, []byte("bytesA")))
	require.NoError(t, s.SaveEpochSecret(ctx, "conv-1", 0, []byte("bytesB")))

	got, err := s.GetEpochSecret(ctx, "conv-1", 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("bytesB"), got)
}

func TestGetEpochSecretAbsent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.EnsureConversationExists(ctx, "conv-1", []byte("g")))

	secret, err := s.GetEpochSecret(ctx, "conv-1", 42)
	require.NoError(t, err)
	assert.Nil(t, secret)
}

// Two-phase delete: after DeleteEpochSecret the secret reads back as
// absent, but the marked row survives until the sweep hard-purges it.
func TestTwoPhaseDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.EnsureConversationExists(ctx, "conv-1", []byte("g")))
	require.NoError(t, s.SaveEpochSecret(ctx, "conv-1", 3, []byte("secret")))
	require.NoError(t, s.DeleteEpochSecret(ctx, "conv-1", 3))

	secret, err := s.GetEpochSecret(ctx, "conv-1", 3)
	require.NoError(t, err)
	assert.Nil(t, secret)

	record, err := s.GetEpochKeyRecord(ctx, "conv-1", 3)
	require.NoError(t, err)
	assert.False(t, record.IsActive)
	require.NotNil(t, record.DeletedAt)

	// Within the grace window the sweep leaves the row alone.
	purged, err := s.DeleteMarkedEpochKeys(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, purged)

	// Past the window the row is gone.
	purged, err = s.DeleteMarkedEpochKeys(ctx, time.Now())
	require.NoError(t, err)
	assert.EqualValues(t, 1, purged)

	_, err = s.GetEpochKeyRecord(ctx, "conv-1", 3)
	assert.ErrorIs(t, err, ErrEpochKeyNotFound)
}

// Re-saving a soft-deleted epoch revives it: the engine re-exported the
// secret, superseding the recorded deletion intent.
func TestSaveRevivesSoftDeletedEpoch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.EnsureConversationExists(ctx, "conv-1", []byte("g")))
	require.NoError(t, s.SaveEpochSecret(ctx, "conv-1", 0, []byte("old")))
	require.NoError(t, s.DeleteEpochSecret(ctx, "conv-1", 0))
	require.NoError(t, s.SaveEpochSecret(ctx, "conv-1", 0, []byte("new")))

	got, err := s.GetEpochSecret(ctx, "conv-1", 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), got)

	record, err := s.GetEpochKeyRecord(ctx, "conv-1", 0)
	require.NoError(t, err)
	assert.True(t, record.IsActive)
	assert.Nil(t, record.DeletedAt)
}

func TestDeleteOldEpochKeys(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.EnsureConversationExists(ctx, "conv-1", []byte("g")))
	for epoch := uint64(0); epoch < 6; epoch++ {
		require.NoError(t, s.SaveEpochSecret(ctx, "conv-1", epoch, []byte{byte(epoch)}))
	}

	require.NoError(t, s.DeleteOldEpochKeys(ctx, "conv-1", 2))

	active, err := s.CountEpochKeys(ctx, "conv-1", true)
	require.NoError(t, err)
	assert.Equal(t, 2, active)

	// The newest two epochs survive, the rest are soft-deleted, not gone.
	for epoch := uint64(4); epoch < 6; epoch++ {
		secret, err := s.GetEpochSecret(ctx, "conv-1", epoch)
		require.NoError(t, err)
		assert.NotNil(t, secret, "epoch %d should stay active", epoch)
	}
	total, err := s.CountEpochKeys(ctx, "conv-1", false)
	require.NoError(t, err)
	assert.Equal(t, 6, total)
}

// Epoch secrets must survive a full process restart: reopen the same data
// directory and read the secret back.
func TestEpochSecretDurableAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	env := openEnvAt(t, dir)
	s := env.store(t, "alice")
	require.NoError(t, s.EnsureConversationExists(ctx, "conv-1", []byte("g")))
	require.NoError(t, s.SaveEpochSecret(ctx, "conv-1", 0, []byte{0xAA, 0xBB}))
	require.NoError(t, env.manager.Close())
	env.vault.Close()

	env2 := openEnvAt(t, dir)
	s2 := env2.store(t, "alice")

	got, err := s2.GetEpochSecret(ctx, "conv-1", 0)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xAA, 0xBB}, got)
}
