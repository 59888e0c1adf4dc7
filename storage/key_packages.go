package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SaveKeyPackage stores a pre-published key package. The package bytes are
// sealed at rest. Upsert on the package identifier.
func (s *Store) SaveKeyPackage(ctx context.Context, kp *KeyPackage) error {
	if kp == nil || kp.KeyPackageID == "" {
		return errors.New("key package requires an identifier")
	}
	if len(kp.KeyPackageData) == 0 {
		return errors.New("empty key package data")
	}

	sealed, err := s.sealer.seal(kp.KeyPackageData)
	if err != nil {
		return fmt.Errorf("failed to seal key package: %w", err)
	}

	createdAt := kp.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	var expiresAt any
	if kp.ExpiresAt != nil {
		expiresAt = nanos(*kp.ExpiresAt)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO key_packages (key_package_id, key_package_data, cipher_suite,
			owner_ref, created_at, expires_at, is_used, used_at, conversation_id)
		VALUES (?, ?, ?, ?, ?, ?, 0, NULL, ?)
		ON CONFLICT(key_package_id) DO UPDATE SET
			key_package_data = excluded.key_package_data,
			cipher_suite = excluded.cipher_suite,
			expires_at = excluded.expires_at,
			conversation_id = excluded.conversation_id`,
		kp.KeyPackageID, sealed, kp.CipherSuite, kp.OwnerRef,
		nanos(createdAt), expiresAt, nullableString(kp.ConversationID))
	if err != nil {
		return fmt.Errorf("failed to save key package: %w", err)
	}
	return nil
}

// GetKeyPackage fetches one key package row.
func (s *Store) GetKeyPackage(ctx context.Context, keyPackageID string) (*KeyPackage, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key_package_id, key_package_data, cipher_suite, owner_ref,
		       created_at, expires_at, is_used, used_at, conversation_id
		FROM key_packages WHERE key_package_id = ?`, keyPackageID)
	return s.scanKeyPackage(row)
}

// MarkKeyPackageUsed consumes a key package. The used flag transitions
// false to true exactly once: a second attempt on an already-used package
// fails with ErrKeyPackageUsed. The single UPDATE with the is_used guard
// makes the transition atomic under the single-writer connection.
func (s *Store) MarkKeyPackageUsed(ctx context.Context, keyPackageID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE key_packages SET is_used = 1, used_at = ?
		WHERE key_package_id = ? AND is_used = 0`,
		nanos(time.Now()), keyPackageID)
	if err != nil {
		return fmt.Errorf("failed to mark key package used: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		// Distinguish "absent" from "already consumed".
		var used bool
		err := s.db.QueryRowContext(ctx,
			`SELECT is_used FROM key_packages WHERE key_package_id = ?`,
			keyPackageID).Scan(&used)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrKeyPackageNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to check key package: %w", err)
		}
		return fmt.Errorf("%w: %s", ErrKeyPackageUsed, keyPackageID)
	}
	return nil
}

// LinkKeyPackageToConversation records which conversation consumed the
// package.
func (s *Store) LinkKeyPackageToConversation(ctx context.Context, keyPackageID, conversationID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE key_packages SET conversation_id = ? WHERE key_package_id = ?`,
		conversationID, keyPackageID)
	if err != nil {
		return fmt.Errorf("failed to link key package: %w", err)
	}
	return requireRow(res, ErrKeyPackageNotFound)
}

// ListUnusedKeyPackages returns the unused, unexpired packages for an
// owner, oldest first.
func (s *Store) ListUnusedKeyPackages(ctx context.Context, ownerRef string) ([]*KeyPackage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key_package_id, key_package_data, cipher_suite, owner_ref,
		       created_at, expires_at, is_used, used_at, conversation_id
		FROM key_packages
		WHERE owner_ref = ? AND is_used = 0
		  AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY created_at ASC`,
		ownerRef, nanos(time.Now()))
	if err != nil {
		return nil, fmt.Errorf("failed to list key packages: %w", err)
	}
	defer rows.Close()

	var out []*KeyPackage
	for rows.Next() {
		kp, err := s.scanKeyPackage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, kp)
	}
	return out, rows.Err()
}

// DeleteExpiredKeyPackages purges unused packages that expired before now,
// plus unused packages carrying no explicit expiry once they are older than
// maxAge (maxAge <= 0 disables the age bound). Used packages are kept; their
// consumption is part of the group's history. Returns the number of rows
// removed.
func (s *Store) DeleteExpiredKeyPackages(ctx context.Context, now time.Time, maxAge time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM key_packages
		WHERE is_used = 0 AND (
			(expires_at IS NOT NULL AND expires_at <= ?)
			OR (expires_at IS NULL AND ? > 0 AND created_at <= ?)
		)`,
		nanos(now), int64(maxAge), nanos(now.Add(-maxAge)))
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired key packages: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) scanKeyPackage(row rowScanner) (*KeyPackage, error) {
	var (
		kp             KeyPackage
		sealed         []byte
		createdAt      int64
		expiresAt      sql.NullInt64
		usedAt         sql.NullInt64
		conversationID sql.NullString
	)
	err := row.Scan(&kp.KeyPackageID, &sealed, &kp.CipherSuite, &kp.OwnerRef,
		&createdAt, &expiresAt, &kp.IsUsed, &usedAt, &conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyPackageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan key package: %w", err)
	}

	if kp.KeyPackageData, err = s.sealer.open(sealed); err != nil {
		return nil, fmt.Errorf("failed to open key package: %w", err)
	}

	kp.CreatedAt = fromNanos(createdAt)
	kp.ExpiresAt = optionalTime(expiresAt)
	kp.UsedAt = optionalTime(usedAt)
	kp.ConversationID = conversationID.String
	return &kp, nil
}
