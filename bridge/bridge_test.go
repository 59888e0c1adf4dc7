package bridge

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opmsg/groupstore/identity"
	"github.com/opmsg/groupstore/storage"
	"github.com/opmsg/groupstore/vault"
)

func newTestBridge(t *testing.T, resolver identity.Resolver) (*Bridge, *storage.Manager) {
	t.Helper()

	dir := t.TempDir()
	v, err := vault.New(filepath.Join(dir, "vault"))
	require.NoError(t, err)
	require.NoError(t, v.Unlock([]byte("test-passphrase")))

	stores, err := storage.NewManager(filepath.Join(dir, "stores"), v)
	require.NoError(t, err)

	b := New(stores, resolver, 2)
	t.Cleanup(func() {
		b.Close()
		stores.Close()
		v.Close()
	})

	return b, stores
}

// Storing an epoch secret for a conversation the store has never seen
// auto-creates the conversation row before the secret write.
func TestStoreEpochSecretAutoCreates(t *testing.T) {
	b, stores := newTestBridge(t, identity.StaticResolver{ID: "alice"})

	ok := b.StoreEpochSecret("conv-1", 0, []byte{0xAA, 0xBB})
	require.True(t, ok)

	got := b.GetEpochSecret("conv-1", 0)
	assert.Equal(t, []byte{0xAA, 0xBB}, got)

	store, err := stores.ForIdentity("alice")
	require.NoError(t, err)
	conv, err := store.GetConversation(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.True(t, conv.IsActive)
}

// The engine may export the same epoch twice; the bridge reports success
// both times and the second write wins.
func TestStoreEpochSecretDuplicateExport(t *testing.T) {
	b, _ := newTestBridge(t, identity.StaticResolver{ID: "alice"})

	require.True(t, b.StoreEpochSecret("conv-1", 0, []byte("first")))
	require.True(t, b.StoreEpochSecret("conv-1", 0, []byte("second")))

	assert.Equal(t, []byte("second"), b.GetEpochSecret("conv-1", 0))
}

func TestGetEpochSecretAbsent(t *testing.T) {
	b, _ := newTestBridge(t, identity.StaticResolver{ID: "alice"})

	assert.Nil(t, b.GetEpochSecret("conv-1", 99))
}

func TestDeleteEpochSecret(t *testing.T) {
	b, _ := newTestBridge(t, identity.StaticResolver{ID: "alice"})

	require.True(t, b.StoreEpochSecret("conv-1", 0, []byte("secret")))
	require.True(t, b.DeleteEpochSecret("conv-1", 0))

	assert.Nil(t, b.GetEpochSecret("conv-1", 0))

	// Deleting an absent secret still succeeds; intent is recorded either
	// way.
	assert.True(t, b.DeleteEpochSecret("conv-1", 0))
}

// Without an authenticated identity every callback fails closed: boolean
// false or nil, never a panic or a write under a default identity.
func TestCallbacksFailWithoutIdentity(t *testing.T) {
	b, _ := newTestBridge(t, identity.NewSwitchableResolver())

	assert.False(t, b.StoreEpochSecret("conv-1", 0, []byte("x")))
	assert.Nil(t, b.GetEpochSecret("conv-1", 0))
	assert.False(t, b.DeleteEpochSecret("conv-1", 0))
}

// An identity switch between calls redirects subsequent operations to the
// new identity's isolated store.
func TestIdentitySwitchIsolation(t *testing.T) {
	resolver := identity.NewSwitchableResolver()
	b, _ := newTestBridge(t, resolver)

	require.NoError(t, resolver.SignIn("alice"))
	require.True(t, b.StoreEpochSecret("conv-1", 0, []byte("alice-secret")))

	require.NoError(t, resolver.SignIn("bob"))
	assert.Nil(t, b.GetEpochSecret("conv-1", 0))

	require.NoError(t, resolver.SignIn("alice"))
	assert.Equal(t, []byte("alice-secret"), b.GetEpochSecret("conv-1", 0))
}

// The callbacks may be invoked from many engine threads at once; every
// call's effect must be visible before that call returns.
func TestConcurrentCallbacks(t *testing.T) {
	b, _ := newTestBridge(t, identity.StaticResolver{ID: "alice"})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			conv := "conv-1"
			for epoch := uint64(0); epoch < 10; epoch++ {
				secret := []byte{byte(worker), byte(epoch)}
				if !b.StoreEpochSecret(conv, epoch*8+uint64(worker), secret) {
					t.Errorf("store failed for worker %d epoch %d", worker, epoch)
					return
				}
				got := b.GetEpochSecret(conv, epoch*8+uint64(worker))
				if len(got) != 2 {
					t.Errorf("read-back failed for worker %d epoch %d", worker, epoch)
					return
				}
			}
		}(i)
	}
	wg.Wait()
}

func TestClosedBridgeFailsClosed(t *testing.T) {
	b, _ := newTestBridge(t, identity.StaticResolver{ID: "alice"})
	b.Close()

	assert.False(t, b.StoreEpochSecret("conv-1", 0, []byte("x")))
	assert.Nil(t, b.GetEpochSecret("conv-1", 0))
	assert.False(t, b.DeleteEpochSecret("conv-1", 0))
}

func TestGroupIDFromKey(t *testing.T) {
	assert.Equal(t, []byte{0xAB, 0xCD}, groupIDFromKey("abcd"))
	assert.Equal(t, []byte("not-hex!"), groupIDFromKey("not-hex!"))
}
