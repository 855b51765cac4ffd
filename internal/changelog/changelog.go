// Package changelog implements the Change Log (CL) component from
// spec §4.3: a persistent, per-document, append-only sequence of
// applied operations with a mutable versionId column.
package changelog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ghost-hands/collabdocs/internal/errkind"
	"github.com/ghost-hands/collabdocs/internal/ot"
	"github.com/ghost-hands/collabdocs/pkg/logger"
)

// ChangeType mirrors ot.OpType for persistence, kept distinct so the
// change log's on-disk shape doesn't couple to the OT engine's types.
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeDelete ChangeType = "DELETE"
)

// Entry is a single change-log row (spec §3's ChangeLogEntry).
type Entry struct {
	ID          string
	DocumentID  string
	AuthorID    string
	ChangeType  ChangeType
	Content     string // Insert only
	DeletedText string // Delete only, captured at application time
	Position    int
	Timestamp   time.Time
	VersionID   *string // nil means unversioned tail
}

// FromOperation builds an unversioned Entry from an applied operation.
func FromOperation(op ot.Operation, at time.Time) Entry {
	e := Entry{
		ID:         uuid.NewString(),
		DocumentID: op.DocumentID,
		AuthorID:   op.AuthorID,
		Position:   op.Position,
		Timestamp:  at,
	}
	if op.Type == ot.OpInsert {
		e.ChangeType = ChangeInsert
		e.Content = op.Content
	} else {
		e.ChangeType = ChangeDelete
		e.DeletedText = op.DeletedText
	}
	return e
}

// Store persists change-log entries in the shared SQLite database.
// Writes from different documents do not contend: every query is
// scoped by documentId.
type Store struct {
	db *sql.DB
}

// NewStore wraps an already-migrated *sql.DB.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// maxAppendRetries bounds the TransientError retry policy for Append
// from spec §7 ("up to 3 retries").
const maxAppendRetries = 3

// Append persists entry atomically, preserving insertion order. I/O
// failures are retried with bounded backoff, per spec §7's
// TransientError policy; it never partially commits.
func (s *Store) Append(ctx context.Context, entry Entry) error {
	var lastErr error
	for attempt := 0; attempt <= maxAppendRetries; attempt++ {
		if attempt > 0 {
			logger.Debug("changelog append retry %d for document %s", attempt, entry.DocumentID)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff(attempt)):
			}
		}

		_, err := s.db.ExecContext(ctx, `
			INSERT INTO change_tracking
				(id, document_id, user_id, change_type, content, deleted_text, position, timestamp, version_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, entry.ID, entry.DocumentID, entry.AuthorID, string(entry.ChangeType),
			entry.Content, entry.DeletedText, entry.Position, entry.Timestamp.UnixNano(), nullableString(entry.VersionID))
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("%w: append change log entry after %d attempts: %v", errkind.Transient, maxAppendRetries+1, lastErr)
}

func backoff(attempt int) time.Duration {
	return time.Duration(attempt) * 50 * time.Millisecond
}

// ListUnversioned returns all entries for documentId with a null
// versionId, in insertion order.
func (s *Store) ListUnversioned(ctx context.Context, documentID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, user_id, change_type, content, deleted_text, position, timestamp, version_id
		FROM change_tracking
		WHERE document_id = ? AND version_id IS NULL
		ORDER BY timestamp ASC, rowid ASC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list unversioned: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// ListByVersion returns entries linked to versionID, in order.
func (s *Store) ListByVersion(ctx context.Context, versionID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, user_id, change_type, content, deleted_text, position, timestamp, version_id
		FROM change_tracking
		WHERE version_id = ?
		ORDER BY timestamp ASC, rowid ASC
	`, versionID)
	if err != nil {
		return nil, fmt.Errorf("list by version: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// LinkToVersion sets versionId on every currently unversioned entry of
// documentId to versionID. Callers that must be atomic with the
// creation of the version row should use LinkToVersionTx within the
// same transaction (see version.Controller.CreateVersion).
func (s *Store) LinkToVersion(ctx context.Context, documentID, versionID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE change_tracking SET version_id = ? WHERE document_id = ? AND version_id IS NULL`,
		versionID, documentID)
	if err != nil {
		return fmt.Errorf("link to version: %w", err)
	}
	return nil
}

// LinkToVersionTx is LinkToVersion run inside an existing transaction.
func LinkToVersionTx(ctx context.Context, tx *sql.Tx, documentID, versionID string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE change_tracking SET version_id = ? WHERE document_id = ? AND version_id IS NULL`,
		versionID, documentID)
	if err != nil {
		return fmt.Errorf("link to version: %w", err)
	}
	return nil
}

// Unlink resets versionId to null on entries belonging to any of
// versionIDs. Used when those versions are purged (strategy A) or on
// explicit document deletion. This repo uses strategy B (append-only
// revert, spec §9), and version.Controller.DeleteAllForDocument deletes
// the change-log rows outright, so no production code path calls Unlink.
func (s *Store) Unlink(ctx context.Context, documentID string, versionIDs []string) error {
	if len(versionIDs) == 0 {
		return nil
	}
	placeholders := make([]any, 0, len(versionIDs)+1)
	placeholders = append(placeholders, documentID)
	query := `UPDATE change_tracking SET version_id = NULL WHERE document_id = ? AND version_id IN (`
	for i, id := range versionIDs {
		if i > 0 {
			query += ","
		}
		query += "?"
		placeholders = append(placeholders, id)
	}
	query += ")"

	_, err := s.db.ExecContext(ctx, query, placeholders...)
	if err != nil {
		return fmt.Errorf("unlink versions: %w", err)
	}
	return nil
}

// DeleteForDocument removes every change-log entry belonging to
// documentId, part of the cascade in spec §3's document-deletion
// lifecycle.
func (s *Store) DeleteForDocument(ctx context.Context, documentID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM change_tracking WHERE document_id = ?`, documentID)
	if err != nil {
		return fmt.Errorf("delete change log for document: %w", err)
	}
	return nil
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var (
			e         Entry
			changeStr string
			tsNanos   int64
			versionID sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.DocumentID, &e.AuthorID, &changeStr, &e.Content, &e.DeletedText, &e.Position, &tsNanos, &versionID); err != nil {
			return nil, fmt.Errorf("scan change log entry: %w", err)
		}
		e.ChangeType = ChangeType(changeStr)
		e.Timestamp = time.Unix(0, tsNanos)
		if versionID.Valid {
			v := versionID.String
			e.VersionID = &v
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
