// Package storage implements the per-identity encrypted relational store
// for the group-messaging subsystem.
//
// Each authenticated identity owns one SQLite database file; no query ever
// spans identities. The database runs in WAL mode with a single-writer
// connection pool, so writes are serialized per identity while reads may
// proceed concurrently. Sensitive columns are sealed with AES-GCM under a
// per-identity key held by the vault, so the database file alone never
// exposes secret bytes.
package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/opmsg/groupstore/identity"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - Initial schema
const currentSchemaVersion = 1

// Store provides durable storage for one identity's conversations,
// members, messages, epoch keys, key packages and moderation records.
type Store struct {
	db     *sql.DB
	owner  identity.Identity
	sealer *columnSealer
}

// Open creates or opens the SQLite database at path for the given owner.
// dbKey is the per-identity sealing key material for sensitive columns.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
//
// This function is idempotent - safe to call multiple times.
func Open(path string, owner identity.Identity, dbKey []byte) (*Store, error) {
	if !owner.Valid() {
		return nil, identity.ErrNoAuthenticatedIdentity
	}

	sealer, err := newColumnSealer(dbKey)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize column sealer: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time; a single connection
	// serializes writes and avoids SQLITE_BUSY errors.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Open",
		"package":  "storage",
		"path":     path,
	}).Debug("Opened identity store")

	return &Store{db: db, owner: owner, sealer: sealer}, nil
}

// Owner returns the identity this store belongs to.
func (s *Store) Owner() identity.Identity {
	return s.owner
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < currentSchemaVersion {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
			return fmt.Errorf("set user_version: %w", err)
		}
	}

	return nil
}

// withTx runs fn inside a transaction, committing on nil error and rolling
// back otherwise. Multi-row invariants (member count versus active member
// rows) are maintained through this.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logrus.WithFields(logrus.Fields{
				"function": "withTx",
				"package":  "storage",
				"error":    rbErr.Error(),
			}).Warn("Transaction rollback failed")
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// validateGroupID rejects empty or oversized protocol group identifiers.
func validateGroupID(groupID []byte) error {
	if len(groupID) == 0 || len(groupID) > 256 {
		return ErrInvalidGroupID
	}
	return nil
}

// validateConversationID rejects empty conversation identifiers.
func validateConversationID(conversationID string) error {
	if strings.TrimSpace(conversationID) == "" {
		return ErrInvalidGroupID
	}
	return nil
}

// nanos converts a time to the INTEGER column representation.
func nanos(t time.Time) int64 {
	return t.UnixNano()
}

// fromNanos converts an INTEGER column back to a time.
func fromNanos(n int64) time.Time {
	return time.Unix(0, n)
}

// optionalTime converts a nullable INTEGER column to *time.Time.
func optionalTime(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}
