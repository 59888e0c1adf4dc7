package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AddMember inserts a member row and bumps the conversation's member count
// in the same transaction, keeping member_count equal to the number of
// active member rows. The leaf index must be free among active members;
// a collision fails with ErrLeafIndexInUse.
func (s *Store) AddMember(ctx context.Context, conversationID, identityRef string, leafIndex uint32, role string) (*Member, error) {
	if err := validateConversationID(conversationID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(identityRef) == "" {
		return nil, errors.New("empty member identity reference")
	}
	if role == "" {
		role = RoleMember
	}

	member := &Member{
		MemberID:       uuid.NewString(),
		ConversationID: conversationID,
		IdentityRef:    identityRef,
		LeafIndex:      leafIndex,
		Role:           role,
		IsActive:       true,
		AddedAt:        time.Now(),
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		exists, err := conversationExists(ctx, tx, conversationID)
		if err != nil {
			return err
		}
		if !exists {
			s.logIntegrityBreach("AddMember", conversationID)
			return fmt.Errorf("%w: member for %s", ErrReferentialIntegrity, conversationID)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO members (member_id, conversation_id, identity_ref, leaf_index, role, is_active, added_at)
			VALUES (?, ?, ?, ?, ?, 1, ?)`,
			member.MemberID, conversationID, identityRef, leafIndex, role, nanos(member.AddedAt))
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: leaf %d in %s", ErrLeafIndexInUse, leafIndex, conversationID)
			}
			return fmt.Errorf("failed to insert member: %w", err)
		}

		return syncMemberCount(ctx, tx, conversationID)
	})
	if err != nil {
		return nil, err
	}
	return member, nil
}

// RemoveMember soft-deletes a member: is_active flips to false and
// removed_at is set; the row is never hard-deleted so the membership audit
// trail survives. The member count is adjusted in the same transaction.
func (s *Store) RemoveMember(ctx context.Context, memberID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var conversationID string
		err := tx.QueryRowContext(ctx,
			`SELECT conversation_id FROM members WHERE member_id = ? AND is_active = 1`,
			memberID).Scan(&conversationID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrMemberNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to look up member: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE members SET is_active = 0, removed_at = ? WHERE member_id = ?`,
			nanos(time.Now()), memberID)
		if err != nil {
			return fmt.Errorf("failed to remove member: %w", err)
		}

		return syncMemberCount(ctx, tx, conversationID)
	})
}

// GetMember fetches one member row, active or removed.
func (s *Store) GetMember(ctx context.Context, memberID string) (*Member, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT member_id, conversation_id, identity_ref, leaf_index, role, is_active, added_at, removed_at
		FROM members WHERE member_id = ?`, memberID)
	return scanMember(row)
}

// ListActiveMembers returns the active members of a conversation ordered by
// leaf index.
func (s *Store) ListActiveMembers(ctx context.Context, conversationID string) ([]*Member, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT member_id, conversation_id, identity_ref, leaf_index, role, is_active, added_at, removed_at
		FROM members WHERE conversation_id = ? AND is_active = 1
		ORDER BY leaf_index ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	var out []*Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// FindActiveMemberByIdentity locates a conversation's active member by the
// remote party identifier.
func (s *Store) FindActiveMemberByIdentity(ctx context.Context, conversationID, identityRef string) (*Member, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT member_id, conversation_id, identity_ref, leaf_index, role, is_active, added_at, removed_at
		FROM members WHERE conversation_id = ? AND identity_ref = ? AND is_active = 1`,
		conversationID, identityRef)
	return scanMember(row)
}

// SetMemberRole updates an active member's role.
func (s *Store) SetMemberRole(ctx context.Context, memberID, role string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE members SET role = ? WHERE member_id = ? AND is_active = 1`,
		role, memberID)
	if err != nil {
		return fmt.Errorf("failed to set member role: %w", err)
	}
	return requireRow(res, ErrMemberNotFound)
}

// syncMemberCount recomputes member_count from the active member rows
// inside the caller's transaction.
func syncMemberCount(ctx context.Context, tx *sql.Tx, conversationID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE conversations SET
			member_count = (SELECT COUNT(*) FROM members WHERE conversation_id = ? AND is_active = 1),
			updated_at = ?
		WHERE conversation_id = ?`,
		conversationID, nanos(time.Now()), conversationID)
	if err != nil {
		return fmt.Errorf("failed to sync member count: %w", err)
	}
	return nil
}

// isUniqueViolation reports whether err is a SQLite uniqueness constraint
// failure.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func scanMember(row rowScanner) (*Member, error) {
	var (
		m         Member
		addedAt   int64
		removedAt sql.NullInt64
	)
	err := row.Scan(&m.MemberID, &m.ConversationID, &m.IdentityRef, &m.LeafIndex,
		&m.Role, &m.IsActive, &addedAt, &removedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMemberNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan member: %w", err)
	}

	m.AddedAt = fromNanos(addedAt)
	m.RemovedAt = optionalTime(removedAt)
	return &m, nil
}
