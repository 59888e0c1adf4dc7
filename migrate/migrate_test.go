package migrate

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opmsg/groupstore/identity"
	"github.com/opmsg/groupstore/storage"
	"github.com/opmsg/groupstore/vault"
)

type testEnv struct {
	legacyDir string
	vault     *vault.Vault
	stores    *storage.Manager
	adapter   *Adapter
	resolver  identity.StaticResolver
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dir := t.TempDir()
	v, err := vault.New(filepath.Join(dir, "vault"))
	require.NoError(t, err)
	require.NoError(t, v.Unlock([]byte("test-passphrase")))

	stores, err := storage.NewManager(filepath.Join(dir, "stores"), v)
	require.NoError(t, err)

	legacyDir := filepath.Join(dir, "legacy")
	require.NoError(t, os.MkdirAll(legacyDir, 0o700))

	resolver := identity.StaticResolver{ID: "alice"}
	env := &testEnv{
		legacyDir: legacyDir,
		vault:     v,
		stores:    stores,
		adapter:   NewAdapter(legacyDir, v, stores, resolver),
		resolver:  resolver,
	}
	t.Cleanup(func() {
		stores.Close()
		v.Close()
	})
	return env
}

func (e *testEnv) writeBlob(t *testing.T, contents string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(e.legacyDir, legacyBlobName), []byte(contents), 0o600))
}

func (e *testEnv) writeRecord(t *testing.T, name, contents string) {
	t.Helper()
	dir := filepath.Join(e.legacyDir, legacyRecordsDir)
	require.NoError(t, os.MkdirAll(dir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(contents), 0o600))
}

func (e *testEnv) store(t *testing.T) *storage.Store {
	t.Helper()
	s, err := e.stores.ForIdentity(e.resolver.ID)
	require.NoError(t, err)
	return s
}

const legacyBlob = `{
  "conversations": [
    {
      "conversation_id": "conv-1",
      "title": "Old group",
      "members": [
        {"identity": "bob", "leaf_index": 1, "role": "admin"},
        {"identity": "carol", "leaf_index": 2}
      ],
      "messages": [
        {"message_id": "m1", "sender": "bob", "plaintext": "aGVsbG8=", "epoch": 0, "sequence": 1},
        {"message_id": "m2", "epoch": 0, "sequence": 2},
        {"sender": "carol", "plaintext": "bm8gaWQ=", "epoch": 1, "sequence": 1}
      ]
    }
  ]
}`

func TestRunImportsLegacyBlob(t *testing.T) {
	env := newTestEnv(t)
	env.writeBlob(t, legacyBlob)
	ctx := context.Background()

	result, err := env.adapter.Run(ctx)
	require.NoError(t, err)
	assert.False(t, result.AlreadyDone)
	assert.Equal(t, 1, result.Conversations)
	assert.Equal(t, 2, result.Members)
	assert.Equal(t, 3, result.Messages)

	s := env.store(t)
	conv, err := s.GetConversation(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "Old group", conv.Title)
	assert.Equal(t, 2, conv.MemberCount)

	bob, err := s.FindActiveMemberByIdentity(ctx, "conv-1", "bob")
	require.NoError(t, err)
	assert.Equal(t, storage.RoleAdmin, bob.Role)

	plaintext, err := s.FetchPlaintextForMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), plaintext)
}

// Fields absent from a legacy record get safe defaults instead of failing
// the whole import.
func TestRunAppliesDefaults(t *testing.T) {
	env := newTestEnv(t)
	env.writeBlob(t, legacyBlob)
	ctx := context.Background()

	_, err := env.adapter.Run(ctx)
	require.NoError(t, err)

	msg, err := env.store(t).GetMessage(ctx, "m2")
	require.NoError(t, err)
	assert.Equal(t, "unknown", msg.SenderRef)
	assert.True(t, msg.IsDelivered)
	assert.True(t, msg.IsRead)
	assert.True(t, msg.IsSent)
}

func TestRunReadsLooseRecords(t *testing.T) {
	env := newTestEnv(t)
	env.writeRecord(t, "conv-2.json", `{"id": "conv-2", "title": "Loose"}`)
	env.writeRecord(t, "garbage.json", `{not json`)
	env.writeRecord(t, "notes.txt", `ignored`)
	ctx := context.Background()

	result, err := env.adapter.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Conversations)

	conv, err := env.store(t).GetConversation(ctx, "conv-2")
	require.NoError(t, err)
	assert.Equal(t, "Loose", conv.Title)
}

// A migration resumed after a partial run (flag never set) must not
// duplicate rows: messages without identifiers get the same derived
// identifier on every run, and members already present are not recounted.
func TestResumedRunDoesNotDuplicate(t *testing.T) {
	env := newTestEnv(t)
	env.writeBlob(t, legacyBlob)
	ctx := context.Background()

	first, err := env.adapter.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, first.Messages)

	// Simulate a crash before completion: clear the flag and run again.
	require.NoError(t, env.vault.Delete(env.adapter.flagKey("alice")))

	second, err := env.adapter.Run(ctx)
	require.NoError(t, err)
	assert.False(t, second.AlreadyDone)
	assert.Zero(t, second.Members)

	count, err := env.store(t).CountMessages(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

// A second run is a no-op guarded by the persisted completion flag.
func TestRunIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.writeBlob(t, legacyBlob)
	ctx := context.Background()

	first, err := env.adapter.Run(ctx)
	require.NoError(t, err)
	require.False(t, first.AlreadyDone)

	second, err := env.adapter.Run(ctx)
	require.NoError(t, err)
	assert.True(t, second.AlreadyDone)
	assert.Zero(t, second.Conversations)
}

// No legacy sources at all still completes and sets the flag, so startup
// never scans again.
func TestRunWithoutLegacySources(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	result, err := env.adapter.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.Conversations)

	again, err := env.adapter.Run(ctx)
	require.NoError(t, err)
	assert.True(t, again.AlreadyDone)
}

func TestRollbackAllowsRerun(t *testing.T) {
	env := newTestEnv(t)
	env.writeBlob(t, legacyBlob)
	ctx := context.Background()

	_, err := env.adapter.Run(ctx)
	require.NoError(t, err)

	require.NoError(t, env.adapter.Rollback(ctx))

	_, err = env.store(t).GetConversation(ctx, "conv-1")
	assert.ErrorIs(t, err, storage.ErrConversationNotFound)

	// The flag is cleared, so the next run imports again.
	result, err := env.adapter.Run(ctx)
	require.NoError(t, err)
	assert.False(t, result.AlreadyDone)
	assert.Equal(t, 1, result.Conversations)
}

func TestRunRequiresIdentity(t *testing.T) {
	env := newTestEnv(t)
	adapter := NewAdapter(env.legacyDir, env.vault, env.stores, identity.NewSwitchableResolver())

	_, err := adapter.Run(context.Background())
	assert.ErrorIs(t, err, identity.ErrNoAuthenticatedIdentity)
}
