package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// EnsureConversationExists creates the conversation row if it is absent.
// Idempotent: concurrent calls for the same identifier are serialized by
// the single-writer connection, and the insert is a no-op once the row
// exists. Dependent writes (epoch secrets, members, messages) require this
// to have happened first.
func (s *Store) EnsureConversationExists(ctx context.Context, conversationID string, groupID []byte) error {
	if err := validateConversationID(conversationID); err != nil {
		return err
	}
	if err := validateGroupID(groupID); err != nil {
		return err
	}

	now := nanos(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (conversation_id, group_id, epoch, created_at, updated_at, is_active, member_count)
		VALUES (?, ?, 0, ?, ?, 1, 0)
		ON CONFLICT(conversation_id) DO NOTHING`,
		conversationID, groupID, now, now)
	if err != nil {
		return fmt.Errorf("failed to ensure conversation: %w", err)
	}
	return nil
}

// GetConversation fetches one conversation row.
func (s *Store) GetConversation(ctx context.Context, conversationID string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT conversation_id, group_id, epoch, created_at, updated_at,
		       last_message_at, title, is_active, member_count
		FROM conversations WHERE conversation_id = ?`, conversationID)

	return scanConversation(row)
}

// ListConversations returns all active conversations ordered by most recent
// activity.
func (s *Store) ListConversations(ctx context.Context) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id, group_id, epoch, created_at, updated_at,
		       last_message_at, title, is_active, member_count
		FROM conversations
		WHERE is_active = 1
		ORDER BY COALESCE(last_message_at, updated_at) DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

// AdvanceConversationEpoch moves the conversation to newEpoch. Epochs are
// monotonically non-decreasing; an attempt to move backwards fails with
// ErrEpochRegression and leaves the row untouched.
func (s *Store) AdvanceConversationEpoch(ctx context.Context, conversationID string, newEpoch uint64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var current uint64
		err := tx.QueryRowContext(ctx,
			`SELECT epoch FROM conversations WHERE conversation_id = ?`,
			conversationID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrConversationNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read conversation epoch: %w", err)
		}

		if newEpoch < current {
			return fmt.Errorf("%w: %d -> %d for %s", ErrEpochRegression, current, newEpoch, conversationID)
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE conversations SET epoch = ?, updated_at = ? WHERE conversation_id = ?`,
			newEpoch, nanos(time.Now()), conversationID)
		if err != nil {
			return fmt.Errorf("failed to advance epoch: %w", err)
		}
		return nil
	})
}

// SetConversationTitle updates the display title.
func (s *Store) SetConversationTitle(ctx context.Context, conversationID, title string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title = ?, updated_at = ? WHERE conversation_id = ?`,
		title, nanos(time.Now()), conversationID)
	if err != nil {
		return fmt.Errorf("failed to set title: %w", err)
	}
	return requireRow(res, ErrConversationNotFound)
}

// TouchLastMessage records message activity on the conversation.
func (s *Store) TouchLastMessage(ctx context.Context, conversationID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET last_message_at = ?, updated_at = ? WHERE conversation_id = ?`,
		nanos(at), nanos(time.Now()), conversationID)
	if err != nil {
		return fmt.Errorf("failed to touch conversation: %w", err)
	}
	return requireRow(res, ErrConversationNotFound)
}

// DeactivateConversation marks the conversation deleted. The row and its
// history are retained; vault teardown is the lifecycle manager's job.
func (s *Store) DeactivateConversation(ctx context.Context, conversationID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET is_active = 0, updated_at = ? WHERE conversation_id = ?`,
		nanos(time.Now()), conversationID)
	if err != nil {
		return fmt.Errorf("failed to deactivate conversation: %w", err)
	}
	return requireRow(res, ErrConversationNotFound)
}

// PurgeConversation hard-deletes a conversation and every row referencing
// it. Only the migration rollback uses this; normal deletion is the soft
// DeactivateConversation so the audit trail survives. Purging an absent
// conversation is a no-op.
func (s *Store) PurgeConversation(ctx context.Context, conversationID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		// Children first, the conversation row last (foreign keys).
		for _, stmt := range []string{
			`DELETE FROM messages WHERE conversation_id = ?`,
			`DELETE FROM members WHERE conversation_id = ?`,
			`DELETE FROM epoch_keys WHERE conversation_id = ?`,
			`DELETE FROM reports WHERE conversation_id = ?`,
			`DELETE FROM admin_roster WHERE conversation_id = ?`,
			`DELETE FROM conversations WHERE conversation_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, stmt, conversationID); err != nil {
				return fmt.Errorf("failed to purge conversation: %w", err)
			}
		}
		return nil
	})
}

// conversationExists reports whether a conversation row is present, using
// the given querier (connection or transaction).
func conversationExists(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, conversationID string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx,
		`SELECT 1 FROM conversations WHERE conversation_id = ?`, conversationID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check conversation: %w", err)
	}
	return true, nil
}

// requireRow converts a zero-row update into the given not-found error.
func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for the scan helpers.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var (
		conv          Conversation
		createdAt     int64
		updatedAt     int64
		lastMessageAt sql.NullInt64
		title         sql.NullString
	)

	err := row.Scan(&conv.ConversationID, &conv.GroupID, &conv.Epoch,
		&createdAt, &updatedAt, &lastMessageAt, &title,
		&conv.IsActive, &conv.MemberCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan conversation: %w", err)
	}

	conv.CreatedAt = fromNanos(createdAt)
	conv.UpdatedAt = fromNanos(updatedAt)
	conv.LastMessageAt = optionalTime(lastMessageAt)
	conv.Title = title.String

	return &conv, nil
}

// logIntegrityBreach records a referential-integrity violation. These
// indicate an ordering bug in the caller and must never be silent.
func (s *Store) logIntegrityBreach(operation, conversationID string) {
	logrus.WithFields(logrus.Fields{
		"function":     operation,
		"package":      "storage",
		"conversation": conversationID,
	}).Error("Referential integrity violation: conversation does not exist")
}
