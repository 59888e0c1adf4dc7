// Package migrate implements the one-time importer from the legacy storage
// representation into the current per-identity schema.
//
// The migration is idempotent and resumable: a persisted completion flag
// guards re-entry, every insert tolerates already-present rows, and a
// controlled rollback path removes migrated rows and clears the flag for a
// re-run. It runs at startup before any other component touches the store.
package migrate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opmsg/groupstore/identity"
	"github.com/opmsg/groupstore/storage"
	"github.com/opmsg/groupstore/vault"
)

const (
	// legacyBlobName is the flat key-value blob of the legacy store.
	legacyBlobName = "legacy_store.json"
	// legacyRecordsDir holds loose per-conversation record files.
	legacyRecordsDir = "legacy_conversations"
)

// Adapter imports legacy data for one identity.
type Adapter struct {
	legacyDir string
	vault     *vault.Vault
	stores    *storage.Manager
	resolver  identity.Resolver
}

// NewAdapter creates a migration adapter reading legacy sources from
// legacyDir.
func NewAdapter(legacyDir string, v *vault.Vault, stores *storage.Manager, resolver identity.Resolver) *Adapter {
	return &Adapter{
		legacyDir: legacyDir,
		vault:     v,
		stores:    stores,
		resolver:  resolver,
	}
}

// Result summarizes a completed migration.
type Result struct {
	Conversations int
	Members       int
	Messages      int
	AlreadyDone   bool
}

// Run performs the migration if it has not completed before. Absent legacy
// sources complete trivially; the flag is still set so startup never scans
// again.
func (a *Adapter) Run(ctx context.Context) (*Result, error) {
	id, err := a.resolver.Current()
	if err != nil {
		return nil, err
	}

	done, err := a.completed(id)
	if err != nil {
		return nil, err
	}
	if done {
		return &Result{AlreadyDone: true}, nil
	}

	store, err := a.stores.ForIdentity(id)
	if err != nil {
		return nil, err
	}

	records := a.loadLegacyRecords()

	result := &Result{}
	for _, rec := range records {
		if err := a.importConversation(ctx, store, rec, result); err != nil {
			return nil, err
		}
	}

	if err := a.verify(ctx, store, records, result); err != nil {
		return nil, err
	}

	if err := a.setCompleted(id); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":      "Run",
		"package":       "migrate",
		"conversations": result.Conversations,
		"members":       result.Members,
		"messages":      result.Messages,
	}).Info("Legacy migration complete")

	return result, nil
}

// Rollback deletes migrated conversations and clears the completion flag
// so the migration can be re-run under control.
func (a *Adapter) Rollback(ctx context.Context) error {
	id, err := a.resolver.Current()
	if err != nil {
		return err
	}

	store, err := a.stores.ForIdentity(id)
	if err != nil {
		return err
	}

	for _, rec := range a.loadLegacyRecords() {
		conversationID := rec.stringField("conversation_id", rec.stringField("id", ""))
		if conversationID == "" {
			continue
		}
		if err := store.PurgeConversation(ctx, conversationID); err != nil {
			return fmt.Errorf("rollback of %s failed: %w", conversationID, err)
		}
	}

	return a.vault.Delete(a.flagKey(id))
}

// loadLegacyRecords gathers conversation records from both legacy sources:
// the flat key-value blob and the loose per-conversation files. Unreadable
// or malformed sources are skipped, not fatal.
func (a *Adapter) loadLegacyRecords() []legacyRecord {
	var records []legacyRecord

	if data, err := os.ReadFile(filepath.Join(a.legacyDir, legacyBlobName)); err == nil {
		var blob map[string]any
		if err := json.Unmarshal(data, &blob); err == nil {
			root := legacyRecord(blob)
			records = append(records, root.listField("conversations")...)
		}
	}

	entries, err := os.ReadDir(filepath.Join(a.legacyDir, legacyRecordsDir))
	if err != nil {
		return records
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(a.legacyDir, legacyRecordsDir, entry.Name()))
		if err != nil {
			continue
		}
		var rec map[string]any
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		records = append(records, legacyRecord(rec))
	}

	return records
}

// importConversation maps one legacy record and its nested members and
// messages into the current schema. Missing fields get safe defaults.
func (a *Adapter) importConversation(ctx context.Context, store *storage.Store, rec legacyRecord, result *Result) error {
	conversationID := rec.stringField("conversation_id", rec.stringField("id", ""))
	if conversationID == "" {
		// Unidentifiable record: nothing to key the row on.
		return nil
	}

	groupID := rec.bytesField("group_id", []byte(conversationID))
	if err := store.EnsureConversationExists(ctx, conversationID, groupID); err != nil {
		return err
	}
	if title := rec.stringField("title", ""); title != "" {
		if err := store.SetConversationTitle(ctx, conversationID, title); err != nil {
			return err
		}
	}
	result.Conversations++

	for _, memberRec := range rec.listField("members") {
		identityRef := memberRec.stringField("identity", memberRec.stringField("identity_ref", ""))
		if identityRef == "" {
			continue
		}
		leafIndex := uint32(memberRec.intField("leaf_index", int64(len(rec.listField("members")))))
		role := memberRec.stringField("role", storage.RoleMember)

		_, err := store.AddMember(ctx, conversationID, identityRef, leafIndex, role)
		switch {
		case err == nil:
			result.Members++
		case errors.Is(err, storage.ErrLeafIndexInUse):
			// Already imported by an earlier partial run.
		default:
			return err
		}
	}

	for _, msgRec := range rec.listField("messages") {
		messageID := msgRec.stringField("message_id", msgRec.stringField("id", ""))
		if messageID == "" {
			messageID = syntheticMessageID(conversationID, msgRec)
		}

		msg := &storage.Message{
			MessageID:      messageID,
			ConversationID: conversationID,
			SenderRef:      msgRec.stringField("sender", "unknown"),
			WireFormat:     msgRec.bytesField("ciphertext", nil),
			Plaintext:      msgRec.bytesField("plaintext", nil),
			Epoch:          uint64(msgRec.intField("epoch", 0)),
			SequenceNumber: uint64(msgRec.intField("sequence", 0)),
			IsDelivered:    msgRec.boolField("delivered", true),
			IsRead:         msgRec.boolField("read", true),
			IsSent:         msgRec.boolField("sent", true),
			CreatedAt:      msgRec.timeField("created_at", time.Now()),
		}
		if err := store.SaveMessage(ctx, msg); err != nil {
			return err
		}
		result.Messages++
	}

	return nil
}

// syntheticMessageID derives a stable identifier for a legacy message that
// carries none. The derivation is deterministic over the record's contents,
// so a migration resumed after a partial run upserts the same rows instead
// of duplicating them.
func syntheticMessageID(conversationID string, rec legacyRecord) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%d|%s|", conversationID,
		rec.intField("epoch", 0), rec.intField("sequence", 0),
		rec.stringField("sender", ""))
	h.Write(rec.bytesField("ciphertext", rec.bytesField("plaintext", nil)))
	return "legacy-" + hex.EncodeToString(h.Sum(nil)[:16])
}

// verify re-reads row counts for each migrated conversation and runs the
// vault self-test before the completion flag is set.
func (a *Adapter) verify(ctx context.Context, store *storage.Store, records []legacyRecord, result *Result) error {
	for _, rec := range records {
		conversationID := rec.stringField("conversation_id", rec.stringField("id", ""))
		if conversationID == "" {
			continue
		}

		if _, err := store.GetConversation(ctx, conversationID); err != nil {
			return fmt.Errorf("migration verification: %w", err)
		}

		wantMessages := len(rec.listField("messages"))
		gotMessages, err := store.CountMessages(ctx, conversationID)
		if err != nil {
			return fmt.Errorf("migration verification: %w", err)
		}
		if gotMessages < wantMessages {
			return fmt.Errorf("migration verification: %s has %d of %d messages",
				conversationID, gotMessages, wantMessages)
		}
	}

	if err := a.vault.VerifyAccess(); err != nil {
		return fmt.Errorf("migration verification: %w", err)
	}
	return nil
}

func (a *Adapter) flagKey(id identity.Identity) string {
	return "migration-complete." + id.String()
}

// completed reports whether the completion flag is set for id.
func (a *Adapter) completed(id identity.Identity) (bool, error) {
	_, err := a.vault.Retrieve(a.flagKey(id))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, vault.ErrKeyNotFound) {
		return false, nil
	}
	return false, err
}

// setCompleted persists the completion flag.
func (a *Adapter) setCompleted(id identity.Identity) error {
	return a.vault.Store(a.flagKey(id), []byte(time.Now().UTC().Format(time.RFC3339)), vault.AccessAfterFirstUnlock)
}
