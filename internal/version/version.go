// Package version implements the Version Controller (VC) from spec
// §4.4: snapshot and history management, per-user contribution
// aggregation, and line-diff computation between versions.
package version

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ghost-hands/collabdocs/internal/changelog"
	"github.com/ghost-hands/collabdocs/internal/diffutil"
	"github.com/ghost-hands/collabdocs/internal/errkind"
	"github.com/ghost-hands/collabdocs/internal/ot"
	"github.com/ghost-hands/collabdocs/pkg/logger"
	"github.com/ghost-hands/collabdocs/pkg/metrics"
)

// DocumentVersion is a single immutable snapshot (spec §3).
type DocumentVersion struct {
	ID                string
	DocumentID        string
	VersionNumber     int
	Content           string
	CreatedBy         string
	CreatedAt         time.Time
	ChangeDescription string
}

// UserContribution aggregates one (document, user) pair's activity
// (spec §3).
type UserContribution struct {
	ID                string
	DocumentID        string
	UserID            string
	EditCount         int
	CharactersAdded   int
	CharactersDeleted int
	FirstContribution time.Time
	LastContribution  time.Time
}

// RoomResetter is the narrow one-way interface the Version Controller
// uses to push a restored text back into a live DocumentRoom, per
// Design Note 1 in spec §9 ("expose VC -> DR as a narrow one-way
// interface, not a mutual reference").
type RoomResetter interface {
	ResetRoom(ctx context.Context, documentID, text string) error
}

// MetadataStore is the external document-metadata collaborator VC
// uses to keep a cached plaintext for fast open, per spec §6. Its
// internal design is out of scope; this repo only calls it.
type MetadataStore interface {
	UpdateContent(ctx context.Context, documentID, text string) error
}

// Controller implements the Version Controller.
type Controller struct {
	db       *sql.DB
	cl       *changelog.Store
	resetter RoomResetter   // may be nil if no room is live
	metadata MetadataStore  // may be nil (metadata store unavailable)
}

// NewController wires a Controller to its persistence, change log,
// and (optional) collaborators.
func NewController(db *sql.DB, cl *changelog.Store, resetter RoomResetter, metadata MetadataStore) *Controller {
	return &Controller{db: db, cl: cl, resetter: resetter, metadata: metadata}
}

// CreateInitialVersion creates version 0 for documentID, idempotently.
// Called exactly once at document creation in the happy path; if
// version 0 already exists, it is returned unchanged.
func (c *Controller) CreateInitialVersion(ctx context.Context, documentID, initialText, authorID string) (DocumentVersion, error) {
	existing, err := c.GetVersion(ctx, documentID, 0)
	if err == nil {
		return existing, nil
	}
	if err != sql.ErrNoRows {
		return DocumentVersion{}, err
	}

	v := DocumentVersion{
		ID:            uuid.NewString(),
		DocumentID:    documentID,
		VersionNumber: 0,
		Content:       initialText,
		CreatedBy:     authorID,
		CreatedAt:     time.Now(),
	}
	if err := c.insertVersion(ctx, c.db, v); err != nil {
		return DocumentVersion{}, fmt.Errorf("create initial version: %w", err)
	}
	return v, nil
}

// CreateVersion snapshots the current text, linking every currently
// unversioned change-log entry to the new version in the same
// transaction (spec §4.4 step 5).
func (c *Controller) CreateVersion(ctx context.Context, documentID, currentText, authorID, description string) (DocumentVersion, error) {
	unversioned, err := c.cl.ListUnversioned(ctx, documentID)
	if err != nil {
		return DocumentVersion{}, err
	}
	if len(unversioned) == 0 {
		return DocumentVersion{}, fmt.Errorf("%w: no changes to snapshot", errkind.Conflict)
	}

	maxVersion, err := c.maxVersionNumber(ctx, documentID)
	if err != nil {
		return DocumentVersion{}, err
	}
	nextNumber := maxVersion + 1
	if maxVersion < 0 {
		nextNumber = 0
	}

	v := DocumentVersion{
		ID:                uuid.NewString(),
		DocumentID:        documentID,
		VersionNumber:     nextNumber,
		Content:           currentText,
		CreatedBy:         authorID,
		CreatedAt:         time.Now(),
		ChangeDescription: description,
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return DocumentVersion{}, fmt.Errorf("begin snapshot transaction: %w", err)
	}
	defer tx.Rollback()

	if err := c.insertVersion(ctx, tx, v); err != nil {
		return DocumentVersion{}, fmt.Errorf("insert version: %w", err)
	}
	if err := changelog.LinkToVersionTx(ctx, tx, documentID, v.ID); err != nil {
		return DocumentVersion{}, fmt.Errorf("link change log: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return DocumentVersion{}, fmt.Errorf("commit snapshot: %w", err)
	}

	metrics.VersionsCreated.Inc()
	logger.Info("created version %d for document %s (%d changes linked)", v.VersionNumber, documentID, len(unversioned))
	return v, nil
}

// GetHistory returns all versions for documentID, newest first.
func (c *Controller) GetHistory(ctx context.Context, documentID string) ([]DocumentVersion, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, document_id, version_number, content, created_by, created_at, change_description
		FROM document_versions
		WHERE document_id = ?
		ORDER BY version_number DESC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}
	defer rows.Close()
	return scanVersions(rows)
}

// GetVersion returns the single version matching (documentID,
// versionNumber), or sql.ErrNoRows if absent.
func (c *Controller) GetVersion(ctx context.Context, documentID string, versionNumber int) (DocumentVersion, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT id, document_id, version_number, content, created_by, created_at, change_description
		FROM document_versions
		WHERE document_id = ? AND version_number = ?
	`, documentID, versionNumber)
	return scanVersion(row)
}

// RevertToVersion restores prior text by creating a new version whose
// content equals the target's (strategy B, spec §9): history is never
// rewritten. If a room is live, its text is replaced and a reset is
// broadcast to all members.
func (c *Controller) RevertToVersion(ctx context.Context, documentID string, targetVersionNumber int, userID string) (DocumentVersion, error) {
	target, err := c.GetVersion(ctx, documentID, targetVersionNumber)
	if err == sql.ErrNoRows {
		return DocumentVersion{}, fmt.Errorf("%w: version %d does not exist", errkind.Conflict, targetVersionNumber)
	}
	if err != nil {
		return DocumentVersion{}, err
	}

	maxVersion, err := c.maxVersionNumber(ctx, documentID)
	if err != nil {
		return DocumentVersion{}, err
	}

	v := DocumentVersion{
		ID:                uuid.NewString(),
		DocumentID:        documentID,
		VersionNumber:     maxVersion + 1,
		Content:           target.Content,
		CreatedBy:         userID,
		CreatedAt:         time.Now(),
		ChangeDescription: fmt.Sprintf("Reverted to version %d", targetVersionNumber),
	}
	if err := c.insertVersion(ctx, c.db, v); err != nil {
		return DocumentVersion{}, fmt.Errorf("insert revert version: %w", err)
	}

	// Change-log entries between the target and now remain linked to
	// their original versions; they are not rewritten (spec §4.4 step 5).

	if c.resetter != nil {
		if err := c.resetter.ResetRoom(ctx, documentID, target.Content); err != nil {
			// The DR will reconcile on next join by rehydrating from the
			// latest version (spec §4.4 failure semantics); log and continue.
			logger.Error("revert: failed to push reset to room for document %s: %v", documentID, err)
		}
	}
	if c.metadata != nil {
		if err := c.metadata.UpdateContent(ctx, documentID, target.Content); err != nil {
			logger.Error("revert: failed to update metadata cache for document %s: %v", documentID, err)
		}
	}

	metrics.Reverts.Inc()
	return v, nil
}

// GetDiff returns the line-level diff between fromVersion and
// toVersion. If fromVersion is nil, the diff is against the
// immediately prior version, or against the empty string if
// toVersion is version 0.
func (c *Controller) GetDiff(ctx context.Context, documentID string, fromVersion *int, toVersion int) (diffutil.Diff, error) {
	to, err := c.GetVersion(ctx, documentID, toVersion)
	if err != nil {
		return diffutil.Diff{}, err
	}

	var fromContent string
	switch {
	case fromVersion != nil:
		from, err := c.GetVersion(ctx, documentID, *fromVersion)
		if err != nil {
			return diffutil.Diff{}, err
		}
		fromContent = from.Content
	case toVersion == 0:
		fromContent = ""
	default:
		from, err := c.GetVersion(ctx, documentID, toVersion-1)
		if err != nil {
			return diffutil.Diff{}, err
		}
		fromContent = from.Content
	}

	return diffutil.Compute(fromContent, to.Content), nil
}

// GetUserContributions reads all contribution rows for documentID.
func (c *Controller) GetUserContributions(ctx context.Context, documentID string) ([]UserContribution, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, document_id, user_id, edit_count, characters_added, characters_deleted, first_contribution, last_contribution
		FROM user_contributions
		WHERE document_id = ?
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("get user contributions: %w", err)
	}
	defer rows.Close()

	var out []UserContribution
	for rows.Next() {
		var (
			uc            UserContribution
			firstNanos    int64
			lastNanos     int64
		)
		if err := rows.Scan(&uc.ID, &uc.DocumentID, &uc.UserID, &uc.EditCount, &uc.CharactersAdded, &uc.CharactersDeleted, &firstNanos, &lastNanos); err != nil {
			return nil, fmt.Errorf("scan contribution: %w", err)
		}
		uc.FirstContribution = time.Unix(0, firstNanos)
		uc.LastContribution = time.Unix(0, lastNanos)
		out = append(out, uc)
	}
	return out, rows.Err()
}

// RecordContribution applies the accounting rule from spec §4.5 for a
// single applied operation, creating the (document, user) row lazily.
// This repo uses accounting site (a): called incrementally from
// DocumentRoom.applyEdit, per the binding decision in SPEC_FULL.md §9.
func (c *Controller) RecordContribution(ctx context.Context, op ot.Operation, effectiveLength int, at time.Time) error {
	var added, deleted int
	if op.Type == ot.OpInsert {
		added = op.CodepointLen()
	} else {
		deleted = effectiveLength
	}

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO user_contributions
			(id, document_id, user_id, edit_count, characters_added, characters_deleted, first_contribution, last_contribution)
		VALUES (?, ?, ?, 1, ?, ?, ?, ?)
		ON CONFLICT(document_id, user_id) DO UPDATE SET
			edit_count = edit_count + 1,
			characters_added = characters_added + excluded.characters_added,
			characters_deleted = characters_deleted + excluded.characters_deleted,
			last_contribution = excluded.last_contribution
	`, uuid.NewString(), op.DocumentID, op.AuthorID, added, deleted, at.UnixNano(), at.UnixNano())
	if err != nil {
		return fmt.Errorf("record contribution: %w", err)
	}
	return nil
}

// DeleteAllForDocument cascades the deletion of versions, change log
// entries, and contributions for documentID, per spec §3's lifecycle.
func (c *Controller) DeleteAllForDocument(ctx context.Context, documentID string) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM document_versions WHERE document_id = ?`, documentID); err != nil {
		return fmt.Errorf("delete versions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM user_contributions WHERE document_id = ?`, documentID); err != nil {
		return fmt.Errorf("delete contributions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM change_tracking WHERE document_id = ?`, documentID); err != nil {
		return fmt.Errorf("delete change log: %w", err)
	}
	return tx.Commit()
}

func (c *Controller) maxVersionNumber(ctx context.Context, documentID string) (int, error) {
	var maxVersion sql.NullInt64
	err := c.db.QueryRowContext(ctx, `SELECT MAX(version_number) FROM document_versions WHERE document_id = ?`, documentID).Scan(&maxVersion)
	if err != nil {
		return -1, fmt.Errorf("max version number: %w", err)
	}
	if !maxVersion.Valid {
		return -1, nil
	}
	return int(maxVersion.Int64), nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (c *Controller) insertVersion(ctx context.Context, ex execer, v DocumentVersion) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO document_versions (id, document_id, version_number, content, created_by, created_at, change_description)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, v.ID, v.DocumentID, v.VersionNumber, v.Content, v.CreatedBy, v.CreatedAt.UnixNano(), v.ChangeDescription)
	return err
}

func scanVersions(rows *sql.Rows) ([]DocumentVersion, error) {
	var out []DocumentVersion
	for rows.Next() {
		var (
			v      DocumentVersion
			nanos  int64
		)
		if err := rows.Scan(&v.ID, &v.DocumentID, &v.VersionNumber, &v.Content, &v.CreatedBy, &nanos, &v.ChangeDescription); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		v.CreatedAt = time.Unix(0, nanos)
		out = append(out, v)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVersion(row rowScanner) (DocumentVersion, error) {
	var (
		v     DocumentVersion
		nanos int64
	)
	if err := row.Scan(&v.ID, &v.DocumentID, &v.VersionNumber, &v.Content, &v.CreatedBy, &nanos, &v.ChangeDescription); err != nil {
		return DocumentVersion{}, err
	}
	v.CreatedAt = time.Unix(0, nanos)
	return v, nil
}
