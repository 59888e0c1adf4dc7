package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SaveEpochSecret stores the secret for (conversationID, epoch) with upsert
// semantics. A duplicate write for the same pair overwrites rather than
// errors: the cryptographic engine legitimately exports the same epoch's
// secret more than once, e.g. at group creation and again just before a
// pending commit merges. Treating the duplicate as a uniqueness violation
// is a known bug class.
//
// The conversation must already exist; a write against a missing
// conversation fails with ErrReferentialIntegrity, which signals an
// ordering bug in the caller.
func (s *Store) SaveEpochSecret(ctx context.Context, conversationID string, epoch uint64, secret []byte) error {
	if err := validateConversationID(conversationID); err != nil {
		return err
	}
	if len(secret) == 0 {
		return errors.New("empty epoch secret")
	}

	sealed, err := s.sealer.seal(secret)
	if err != nil {
		return fmt.Errorf("failed to seal epoch secret: %w", err)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		exists, err := conversationExists(ctx, tx, conversationID)
		if err != nil {
			return err
		}
		if !exists {
			s.logIntegrityBreach("SaveEpochSecret", conversationID)
			return fmt.Errorf("%w: epoch secret for %s", ErrReferentialIntegrity, conversationID)
		}

		// Re-saving revives a soft-deleted row: the engine re-exported the
		// secret, so the forward-secrecy intent is superseded.
		_, err = tx.ExecContext(ctx, `
			INSERT INTO epoch_keys (conversation_id, epoch, key_material, created_at, deleted_at, is_active)
			VALUES (?, ?, ?, ?, NULL, 1)
			ON CONFLICT(conversation_id, epoch) DO UPDATE SET
				key_material = excluded.key_material,
				deleted_at = NULL,
				is_active = 1`,
			conversationID, epoch, sealed, nanos(time.Now()))
		if err != nil {
			return fmt.Errorf("failed to save epoch secret: %w", err)
		}
		return nil
	})
}

// GetEpochSecret fetches the secret for (conversationID, epoch). Soft
// deleted rows are invisible here: after DeleteEpochSecret the secret reads
// back as absent even though the marked row still exists until the sweep.
func (s *Store) GetEpochSecret(ctx context.Context, conversationID string, epoch uint64) ([]byte, error) {
	var sealed []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT key_material FROM epoch_keys
		WHERE conversation_id = ? AND epoch = ? AND is_active = 1`,
		conversationID, epoch).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch epoch secret: %w", err)
	}

	secret, err := s.sealer.open(sealed)
	if err != nil {
		return nil, fmt.Errorf("failed to open epoch secret: %w", err)
	}
	return secret, nil
}

// DeleteEpochSecret performs the first phase of the two-phase delete:
// deleted_at is set and is_active cleared, recording the forward-secrecy
// intent immediately, while the row survives until DeleteMarkedEpochKeys
// hard-purges it. The grace window tolerates messages arriving slightly out
// of order across an epoch boundary. Deleting an absent secret is a no-op.
func (s *Store) DeleteEpochSecret(ctx context.Context, conversationID string, epoch uint64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE epoch_keys SET deleted_at = ?, is_active = 0
		WHERE conversation_id = ? AND epoch = ? AND is_active = 1`,
		nanos(time.Now()), conversationID, epoch)
	if err != nil {
		return fmt.Errorf("failed to mark epoch secret deleted: %w", err)
	}
	return nil
}

// GetEpochKeyRecord fetches the raw epoch key row including soft-delete
// state. Used by maintenance and tests; regular reads go through
// GetEpochSecret.
func (s *Store) GetEpochKeyRecord(ctx context.Context, conversationID string, epoch uint64) (*EpochKey, error) {
	var (
		ek        EpochKey
		sealed    []byte
		createdAt int64
		deletedAt sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT conversation_id, epoch, key_material, created_at, deleted_at, is_active
		FROM epoch_keys WHERE conversation_id = ? AND epoch = ?`,
		conversationID, epoch).Scan(&ek.ConversationID, &ek.Epoch, &sealed,
		&createdAt, &deletedAt, &ek.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEpochKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch epoch key record: %w", err)
	}

	material, err := s.sealer.open(sealed)
	if err != nil {
		return nil, fmt.Errorf("failed to open epoch key record: %w", err)
	}
	ek.KeyMaterial = material
	ek.CreatedAt = fromNanos(createdAt)
	ek.DeletedAt = optionalTime(deletedAt)
	return &ek, nil
}

// DeleteOldEpochKeys retains the keepLast most recent active epoch keys for
// the conversation and soft-deletes the rest.
func (s *Store) DeleteOldEpochKeys(ctx context.Context, conversationID string, keepLast int) error {
	if keepLast < 0 {
		keepLast = 0
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE epoch_keys SET deleted_at = ?, is_active = 0
		WHERE conversation_id = ? AND is_active = 1 AND epoch NOT IN (
			SELECT epoch FROM epoch_keys
			WHERE conversation_id = ? AND is_active = 1
			ORDER BY epoch DESC LIMIT ?
		)`,
		nanos(time.Now()), conversationID, conversationID, keepLast)
	if err != nil {
		return fmt.Errorf("failed to prune old epoch keys: %w", err)
	}
	return nil
}

// DeleteMarkedEpochKeys performs the second phase of the two-phase delete:
// rows soft-deleted before the cutoff are hard-purged. Returns the number
// of rows removed.
func (s *Store) DeleteMarkedEpochKeys(ctx context.Context, deletedBefore time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM epoch_keys
		WHERE deleted_at IS NOT NULL AND deleted_at <= ?`,
		nanos(deletedBefore))
	if err != nil {
		return 0, fmt.Errorf("failed to purge marked epoch keys: %w", err)
	}
	return res.RowsAffected()
}

// CountEpochKeys returns the number of epoch key rows for a conversation,
// optionally restricted to active rows.
func (s *Store) CountEpochKeys(ctx context.Context, conversationID string, activeOnly bool) (int, error) {
	query := `SELECT COUNT(*) FROM epoch_keys WHERE conversation_id = ?`
	if activeOnly {
		query += ` AND is_active = 1`
	}

	var n int
	if err := s.db.QueryRowContext(ctx, query, conversationID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count epoch keys: %w", err)
	}
	return n, nil
}
