package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SaveMessage inserts or replaces a message row. The plaintext and embed
// caches are sealed before they reach the database file.
func (s *Store) SaveMessage(ctx context.Context, msg *Message) error {
	if msg == nil || msg.MessageID == "" {
		return errors.New("message requires an identifier")
	}
	if err := validateConversationID(msg.ConversationID); err != nil {
		return err
	}

	sealedPlain, err := s.sealer.seal(msg.Plaintext)
	if err != nil {
		return fmt.Errorf("failed to seal plaintext: %w", err)
	}
	sealedEmbed, err := s.sealer.seal(msg.EmbedData)
	if err != nil {
		return fmt.Errorf("failed to seal embed data: %w", err)
	}

	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	var plaintextAt any
	if msg.Plaintext != nil {
		plaintextAt = nanos(time.Now())
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		exists, err := conversationExists(ctx, tx, msg.ConversationID)
		if err != nil {
			return err
		}
		if !exists {
			s.logIntegrityBreach("SaveMessage", msg.ConversationID)
			return fmt.Errorf("%w: message for %s", ErrReferentialIntegrity, msg.ConversationID)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO messages (message_id, conversation_id, sender_ref, wire_format,
				plaintext, plaintext_at, embed_data, epoch, sequence_number,
				is_delivered, is_read, is_sent, send_attempts, last_error, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(message_id) DO UPDATE SET
				sender_ref = excluded.sender_ref,
				wire_format = excluded.wire_format,
				plaintext = excluded.plaintext,
				plaintext_at = excluded.plaintext_at,
				embed_data = excluded.embed_data,
				epoch = excluded.epoch,
				sequence_number = excluded.sequence_number,
				is_delivered = excluded.is_delivered,
				is_read = excluded.is_read,
				is_sent = excluded.is_sent,
				send_attempts = excluded.send_attempts,
				last_error = excluded.last_error`,
			msg.MessageID, msg.ConversationID, msg.SenderRef, msg.WireFormat,
			sealedPlain, plaintextAt, sealedEmbed, msg.Epoch, msg.SequenceNumber,
			msg.IsDelivered, msg.IsRead, msg.IsSent, msg.SendAttempts,
			nullableString(msg.LastError), nanos(createdAt))
		if err != nil {
			return fmt.Errorf("failed to save message: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE conversations SET last_message_at = ?, updated_at = ? WHERE conversation_id = ?`,
			nanos(createdAt), nanos(time.Now()), msg.ConversationID)
		if err != nil {
			return fmt.Errorf("failed to touch conversation: %w", err)
		}
		return nil
	})
}

// SavePlaintextForMessage upserts the decrypted cache for a message. Once
// the ratchet has consumed the secret that produced this plaintext there is
// no second chance to decrypt, so callers store the plaintext in the same
// step as decryption. The raw wire format is dropped at the same time; it
// is no longer decryptable anyway.
func (s *Store) SavePlaintextForMessage(ctx context.Context, messageID string, plaintext, embedData []byte) error {
	if messageID == "" {
		return errors.New("message requires an identifier")
	}

	sealedPlain, err := s.sealer.seal(plaintext)
	if err != nil {
		return fmt.Errorf("failed to seal plaintext: %w", err)
	}
	sealedEmbed, err := s.sealer.seal(embedData)
	if err != nil {
		return fmt.Errorf("failed to seal embed data: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET plaintext = ?, plaintext_at = ?, embed_data = ?, wire_format = NULL
		WHERE message_id = ?`,
		sealedPlain, nanos(time.Now()), sealedEmbed, messageID)
	if err != nil {
		return fmt.Errorf("failed to save plaintext: %w", err)
	}
	return requireRow(res, ErrMessageNotFound)
}

// FetchPlaintextForMessage returns the cached plaintext for a message, or
// nil when no plaintext has been cached. No re-decryption is attempted;
// this is the only source of message content once the ratchet has advanced.
func (s *Store) FetchPlaintextForMessage(ctx context.Context, messageID string) ([]byte, error) {
	var sealed []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT plaintext FROM messages WHERE message_id = ?`, messageID).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch plaintext: %w", err)
	}
	return s.sealer.open(sealed)
}

// FetchEmbedForMessage returns the cached embed payload for a message, or
// nil when none is cached.
func (s *Store) FetchEmbedForMessage(ctx context.Context, messageID string) ([]byte, error) {
	var sealed []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT embed_data FROM messages WHERE message_id = ?`, messageID).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch embed data: %w", err)
	}
	return s.sealer.open(sealed)
}

// FetchSenderForMessage returns the sender reference for a message.
func (s *Store) FetchSenderForMessage(ctx context.Context, messageID string) (string, error) {
	var sender string
	err := s.db.QueryRowContext(ctx,
		`SELECT sender_ref FROM messages WHERE message_id = ?`, messageID).Scan(&sender)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrMessageNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to fetch sender: %w", err)
	}
	return sender, nil
}

// GetMessage fetches one full message row.
func (s *Store) GetMessage(ctx context.Context, messageID string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, messageColumns+` WHERE message_id = ?`, messageID)
	return s.scanMessage(row)
}

// FetchMessagesForConversation returns the most recent limit messages of a
// conversation ordered oldest to newest for display. The newest tail is
// selected by (epoch, sequence_number), not by arbitrary row order.
func (s *Store) FetchMessagesForConversation(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT * FROM (`+messageColumns+`
			WHERE conversation_id = ?
			ORDER BY epoch DESC, sequence_number DESC
			LIMIT ?
		) ORDER BY epoch ASC, sequence_number ASC`,
		conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		msg, err := s.scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// MarkMessageDelivered flips the delivery flag.
func (s *Store) MarkMessageDelivered(ctx context.Context, messageID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET is_delivered = 1 WHERE message_id = ?`, messageID)
	if err != nil {
		return fmt.Errorf("failed to mark delivered: %w", err)
	}
	return requireRow(res, ErrMessageNotFound)
}

// MarkMessageRead flips the read flag.
func (s *Store) MarkMessageRead(ctx context.Context, messageID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET is_read = 1 WHERE message_id = ?`, messageID)
	if err != nil {
		return fmt.Errorf("failed to mark read: %w", err)
	}
	return requireRow(res, ErrMessageNotFound)
}

// RecordSendAttempt increments the send counter and records the outcome of
// the latest attempt.
func (s *Store) RecordSendAttempt(ctx context.Context, messageID string, sent bool, sendErr string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET send_attempts = send_attempts + 1, is_sent = ?, last_error = ?
		WHERE message_id = ?`,
		sent, nullableString(sendErr), messageID)
	if err != nil {
		return fmt.Errorf("failed to record send attempt: %w", err)
	}
	return requireRow(res, ErrMessageNotFound)
}

// CleanupMessageKeys is the explicit-expiry sweep for the plaintext cache:
// messages whose plaintext was cached before the cutoff lose plaintext and
// embeds. This is the only path that clears a cached plaintext. Returns the
// number of messages swept.
func (s *Store) CleanupMessageKeys(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET plaintext = NULL, plaintext_at = NULL, embed_data = NULL
		WHERE plaintext_at IS NOT NULL AND plaintext_at <= ?`,
		nanos(olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to sweep stale plaintext: %w", err)
	}
	return res.RowsAffected()
}

// CountMessages returns the number of message rows in a conversation.
func (s *Store) CountMessages(ctx context.Context, conversationID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

const messageColumns = `
	SELECT message_id, conversation_id, sender_ref, wire_format, plaintext,
	       embed_data, epoch, sequence_number, is_delivered, is_read, is_sent,
	       send_attempts, last_error, created_at
	FROM messages`

func (s *Store) scanMessage(row rowScanner) (*Message, error) {
	var (
		msg         Message
		sealedPlain []byte
		sealedEmbed []byte
		lastError   sql.NullString
		createdAt   int64
	)
	err := row.Scan(&msg.MessageID, &msg.ConversationID, &msg.SenderRef,
		&msg.WireFormat, &sealedPlain, &sealedEmbed, &msg.Epoch,
		&msg.SequenceNumber, &msg.IsDelivered, &msg.IsRead, &msg.IsSent,
		&msg.SendAttempts, &lastError, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}

	if msg.Plaintext, err = s.sealer.open(sealedPlain); err != nil {
		return nil, fmt.Errorf("failed to open plaintext: %w", err)
	}
	if msg.EmbedData, err = s.sealer.open(sealedEmbed); err != nil {
		return nil, fmt.Errorf("failed to open embed data: %w", err)
	}

	msg.LastError = lastError.String
	msg.CreatedAt = fromNanos(createdAt)
	return &msg, nil
}

// nullableString maps an empty string to NULL.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
