package room

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghost-hands/collabdocs/internal/cursor"
)

func newTestManager() *Manager {
	return NewManager(ManagerConfig{
		CL:           &fakeCL{},
		Versions:     nil,
		Cursors:      cursor.NewDefault(),
		Retention:    16,
		GraceSeconds: 20 * time.Millisecond,
		BufferSize:   4,
	})
}

func TestGetOrCreateHydratesOnce(t *testing.T) {
	m := newTestManager()
	defer func() {
		for _, id := range []string{"doc-a"} {
			m.Destroy(id)
		}
	}()

	hydrateCalls := 0
	hydrate := func(context.Context) (string, error) {
		hydrateCalls++
		return "seeded text", nil
	}

	r1, err := m.GetOrCreate(context.Background(), "doc-a", hydrate)
	require.NoError(t, err)
	r2, err := m.GetOrCreate(context.Background(), "doc-a", hydrate)
	require.NoError(t, err)

	assert.Same(t, r1, r2)
	assert.Equal(t, 1, hydrateCalls)

	snap, err := r1.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, "seeded text", snap.Text)
}

func TestResetRoomNoOpWhenRoomNotLive(t *testing.T) {
	m := newTestManager()
	err := m.ResetRoom(context.Background(), "never-opened", "irrelevant")
	assert.NoError(t, err)
}

func TestResetRoomPushesToLiveRoom(t *testing.T) {
	m := newTestManager()
	defer m.Destroy("doc-b")

	r, err := m.GetOrCreate(context.Background(), "doc-b", func(context.Context) (string, error) {
		return "before", nil
	})
	require.NoError(t, err)
	_, err = r.Join(context.Background(), "alice", "Alice")
	require.NoError(t, err)

	require.NoError(t, m.ResetRoom(context.Background(), "doc-b", "after"))

	snap, err := r.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, "after", snap.Text)
}

func TestDestroyRemovesRoomFromLiveSet(t *testing.T) {
	m := newTestManager()
	_, err := m.GetOrCreate(context.Background(), "doc-c", func(context.Context) (string, error) {
		return "", nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, m.Count())

	m.Destroy("doc-c")
	assert.Equal(t, 0, m.Count())

	_, ok := m.Get("doc-c")
	assert.False(t, ok)
}
