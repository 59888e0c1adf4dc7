package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SaveReport records a moderation report against a conversation.
func (s *Store) SaveReport(ctx context.Context, report *Report) (*Report, error) {
	if report == nil {
		return nil, errors.New("nil report")
	}
	if err := validateConversationID(report.ConversationID); err != nil {
		return nil, err
	}

	saved := *report
	if saved.ReportID == "" {
		saved.ReportID = uuid.NewString()
	}
	if saved.CreatedAt.IsZero() {
		saved.CreatedAt = time.Now()
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		exists, err := conversationExists(ctx, tx, saved.ConversationID)
		if err != nil {
			return err
		}
		if !exists {
			s.logIntegrityBreach("SaveReport", saved.ConversationID)
			return fmt.Errorf("%w: report for %s", ErrReferentialIntegrity, saved.ConversationID)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO reports (report_id, conversation_id, reporter_ref, subject_ref, reason, detail, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			saved.ReportID, saved.ConversationID, saved.ReporterRef,
			saved.SubjectRef, saved.Reason, nullableString(saved.Detail),
			nanos(saved.CreatedAt))
		if err != nil {
			return fmt.Errorf("failed to save report: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &saved, nil
}

// ListReports returns the reports filed against a conversation, newest
// first.
func (s *Store) ListReports(ctx context.Context, conversationID string) ([]*Report, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT report_id, conversation_id, reporter_ref, subject_ref, reason, detail, created_at
		FROM reports WHERE conversation_id = ?
		ORDER BY created_at DESC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	defer rows.Close()

	var out []*Report
	for rows.Next() {
		var (
			r         Report
			detail    sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&r.ReportID, &r.ConversationID, &r.ReporterRef,
			&r.SubjectRef, &r.Reason, &detail, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan report: %w", err)
		}
		r.Detail = detail.String
		r.CreatedAt = fromNanos(createdAt)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// SaveAdminRoster upserts the versioned membership-authority blob for a
// conversation. Last version wins: an older version never overwrites a
// newer one. The payload is sealed at rest.
func (s *Store) SaveAdminRoster(ctx context.Context, roster *AdminRoster) error {
	if roster == nil {
		return errors.New("nil roster")
	}
	if err := validateConversationID(roster.ConversationID); err != nil {
		return err
	}

	sealed, err := s.sealer.seal(roster.Payload)
	if err != nil {
		return fmt.Errorf("failed to seal roster payload: %w", err)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		exists, err := conversationExists(ctx, tx, roster.ConversationID)
		if err != nil {
			return err
		}
		if !exists {
			s.logIntegrityBreach("SaveAdminRoster", roster.ConversationID)
			return fmt.Errorf("%w: roster for %s", ErrReferentialIntegrity, roster.ConversationID)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO admin_roster (conversation_id, version, roster_hash, payload, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(conversation_id) DO UPDATE SET
				version = excluded.version,
				roster_hash = excluded.roster_hash,
				payload = excluded.payload,
				updated_at = excluded.updated_at
			WHERE excluded.version >= admin_roster.version`,
			roster.ConversationID, roster.Version, roster.RosterHash,
			sealed, nanos(time.Now()))
		if err != nil {
			return fmt.Errorf("failed to save roster: %w", err)
		}
		return nil
	})
}

// GetAdminRoster fetches the current roster blob for a conversation.
func (s *Store) GetAdminRoster(ctx context.Context, conversationID string) (*AdminRoster, error) {
	var (
		roster    AdminRoster
		sealed    []byte
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT conversation_id, version, roster_hash, payload, updated_at
		FROM admin_roster WHERE conversation_id = ?`, conversationID).Scan(
		&roster.ConversationID, &roster.Version, &roster.RosterHash, &sealed, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch roster: %w", err)
	}

	if roster.Payload, err = s.sealer.open(sealed); err != nil {
		return nil, fmt.Errorf("failed to open roster payload: %w", err)
	}
	roster.UpdatedAt = fromNanos(updatedAt)
	return &roster, nil
}
