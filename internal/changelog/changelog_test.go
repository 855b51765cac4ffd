package changelog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghost-hands/collabdocs/internal/errkind"
	"github.com/ghost-hands/collabdocs/internal/ot"
	"github.com/ghost-hands/collabdocs/pkg/database"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db.DB())
}

func TestFromOperationInsert(t *testing.T) {
	op := ot.Operation{
		Type: ot.OpInsert, Content: "hi", Position: 3,
		AuthorID: "alice", DocumentID: "doc-1",
	}
	at := time.Unix(1000, 0)

	e := FromOperation(op, at)

	assert.Equal(t, ChangeInsert, e.ChangeType)
	assert.Equal(t, "hi", e.Content)
	assert.Equal(t, "", e.DeletedText)
	assert.Equal(t, 3, e.Position)
	assert.Equal(t, "alice", e.AuthorID)
	assert.Equal(t, "doc-1", e.DocumentID)
	assert.NotEmpty(t, e.ID)
}

func TestFromOperationDelete(t *testing.T) {
	op := ot.Operation{
		Type: ot.OpDelete, Length: 2, Position: 1,
		AuthorID: "bob", DocumentID: "doc-1", DeletedText: "xy",
	}

	e := FromOperation(op, time.Now())

	assert.Equal(t, ChangeDelete, e.ChangeType)
	assert.Equal(t, "xy", e.DeletedText)
	assert.Equal(t, "", e.Content)
}

func TestAppendAndListUnversioned(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e1 := FromOperation(ot.Operation{Type: ot.OpInsert, Content: "a", DocumentID: "doc-1", AuthorID: "alice"}, time.Unix(1, 0))
	e2 := FromOperation(ot.Operation{Type: ot.OpInsert, Content: "b", DocumentID: "doc-1", AuthorID: "bob"}, time.Unix(2, 0))

	require.NoError(t, s.Append(ctx, e1))
	require.NoError(t, s.Append(ctx, e2))

	entries, err := s.ListUnversioned(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].Content)
	assert.Equal(t, "b", entries[1].Content)
	assert.Nil(t, entries[0].VersionID)
}

func TestListUnversionedScopedToDocument(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, FromOperation(ot.Operation{Type: ot.OpInsert, Content: "a", DocumentID: "doc-1", AuthorID: "alice"}, time.Now())))
	require.NoError(t, s.Append(ctx, FromOperation(ot.Operation{Type: ot.OpInsert, Content: "z", DocumentID: "doc-2", AuthorID: "alice"}, time.Now())))

	entries, err := s.ListUnversioned(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a", entries[0].Content)
}

func TestLinkToVersionMovesEntriesOutOfUnversioned(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, FromOperation(ot.Operation{Type: ot.OpInsert, Content: "a", DocumentID: "doc-1", AuthorID: "alice"}, time.Now())))

	require.NoError(t, s.LinkToVersion(ctx, "doc-1", "version-1"))

	unversioned, err := s.ListUnversioned(ctx, "doc-1")
	require.NoError(t, err)
	assert.Empty(t, unversioned)

	versioned, err := s.ListByVersion(ctx, "version-1")
	require.NoError(t, err)
	require.Len(t, versioned, 1)
	assert.Equal(t, "version-1", *versioned[0].VersionID)
}

func TestUnlinkResetsVersionID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, FromOperation(ot.Operation{Type: ot.OpInsert, Content: "a", DocumentID: "doc-1", AuthorID: "alice"}, time.Now())))
	require.NoError(t, s.LinkToVersion(ctx, "doc-1", "version-1"))

	require.NoError(t, s.Unlink(ctx, "doc-1", []string{"version-1"}))

	unversioned, err := s.ListUnversioned(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, unversioned, 1)
}

func TestDeleteForDocumentRemovesAllEntries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, FromOperation(ot.Operation{Type: ot.OpInsert, Content: "a", DocumentID: "doc-1", AuthorID: "alice"}, time.Now())))
	require.NoError(t, s.DeleteForDocument(ctx, "doc-1"))

	entries, err := s.ListUnversioned(ctx, "doc-1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAppendRetriesThenFailsWithTransientError(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.db.Close()) // force every ExecContext to fail

	err := s.Append(context.Background(), FromOperation(ot.Operation{
		Type: ot.OpInsert, Content: "a", DocumentID: "doc-1", AuthorID: "alice",
	}, time.Now()))

	require.Error(t, err)
	assert.True(t, errors.Is(err, errkind.Transient))
}
