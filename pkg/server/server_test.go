package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/ghost-hands/collabdocs/internal/authz"
	"github.com/ghost-hands/collabdocs/internal/changelog"
	"github.com/ghost-hands/collabdocs/internal/cursor"
	"github.com/ghost-hands/collabdocs/internal/metadata"
	"github.com/ghost-hands/collabdocs/internal/protocol"
	"github.com/ghost-hands/collabdocs/internal/room"
	"github.com/ghost-hands/collabdocs/internal/version"
	"github.com/ghost-hands/collabdocs/pkg/database"
)

// testServer builds a Server wired to an in-memory SQLite database, a
// permissive Authorizer, and a no-op metadata store.
func testServer(t *testing.T, authorizer authz.Authorizer) *Server {
	t.Helper()

	db, err := database.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cl := changelog.NewStore(db.DB())
	manager := room.NewManager(room.ManagerConfig{
		CL:           cl,
		Cursors:      cursor.NewDefault(),
		Retention:    256,
		GraceSeconds: 200 * time.Millisecond,
		BufferSize:   64,
	})
	vc := version.NewController(db.DB(), cl, manager, metadata.NoopStore{})
	manager.SetVersions(vc)

	if authorizer == nil {
		authorizer = authz.AllowAll{}
	}
	return New(DefaultConfig(), manager, vc, cl, authorizer, metadata.NoopStore{})
}

// connectWebSocket dials docID as userID/userName against a running
// httptest.Server.
func connectWebSocket(t *testing.T, srv *httptest.Server, docID, userID, userName string) *websocket.Conn {
	t.Helper()

	url := fmt.Sprintf("ws%s/api/socket/%s?userId=%s&userName=%s",
		strings.TrimPrefix(srv.URL, "http"), docID, userID, userName)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readServerMsg(t *testing.T, conn *websocket.Conn) *protocol.ServerMsg {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var msg protocol.ServerMsg
	require.NoError(t, wsjson.Read(ctx, conn, &msg))
	return &msg
}

// readUntil reads frames until pred matches one, failing the test
// after a handful of attempts (join handshakes send several frames in
// an order this repo does not guarantee byte-for-byte).
func readUntil(t *testing.T, conn *websocket.Conn, pred func(*protocol.ServerMsg) bool) *protocol.ServerMsg {
	t.Helper()
	for i := 0; i < 10; i++ {
		msg := readServerMsg(t, conn)
		if pred(msg) {
			return msg
		}
	}
	t.Fatal("did not receive expected frame")
	return nil
}

func sendEdit(t *testing.T, conn *websocket.Conn, docID, userID, userName, opType, content string, length, position int, baseVersion int64) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	msg := protocol.ClientMsg{Edit: &protocol.EditFrame{
		DocumentID: docID,
		UserID:     userID,
		UserName:   userName,
		Operation: protocol.OperationFrame{
			Type: opType, Content: content, Length: length, Position: position, BaseVersion: baseVersion,
		},
	}}
	require.NoError(t, wsjson.Write(ctx, conn, msg))
}

func TestSingleUserConnectionReceivesSnapshot(t *testing.T) {
	srv := testServer(t, nil)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	conn := connectWebSocket(t, ts, "doc-1", "alice", "Alice")

	readUntil(t, conn, func(m *protocol.ServerMsg) bool { return m.UsersList != nil })
	reset := readUntil(t, conn, func(m *protocol.ServerMsg) bool { return m.Reset != nil })
	assert.Equal(t, "", reset.Reset.Text)
}

func TestMultipleUsersConnectionSeeUserJoined(t *testing.T) {
	srv := testServer(t, nil)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	alice := connectWebSocket(t, ts, "doc-2", "alice", "Alice")
	readUntil(t, alice, func(m *protocol.ServerMsg) bool { return m.Reset != nil })

	_ = connectWebSocket(t, ts, "doc-2", "bob", "Bob")

	readUntil(t, alice, func(m *protocol.ServerMsg) bool {
		return m.UserJoined != nil && m.UserJoined.UserID == "bob"
	})
}

func TestEditBroadcastReachesOtherMember(t *testing.T) {
	srv := testServer(t, nil)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	alice := connectWebSocket(t, ts, "doc-3", "alice", "Alice")
	readUntil(t, alice, func(m *protocol.ServerMsg) bool { return m.Reset != nil })
	bob := connectWebSocket(t, ts, "doc-3", "bob", "Bob")
	readUntil(t, bob, func(m *protocol.ServerMsg) bool { return m.Reset != nil })
	readUntil(t, alice, func(m *protocol.ServerMsg) bool { return m.UserJoined != nil }) // bob's join notice

	sendEdit(t, alice, "doc-3", "alice", "Alice", "INSERT", "hi", 0, 0, 0)

	op := readUntil(t, bob, func(m *protocol.ServerMsg) bool { return m.Operation != nil })
	assert.Equal(t, "hi", op.Operation.Content)
	assert.Equal(t, "alice", op.Operation.AuthorID)
}

func TestCursorBroadcastReachesOtherMember(t *testing.T) {
	srv := testServer(t, nil)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	alice := connectWebSocket(t, ts, "doc-4", "alice", "Alice")
	readUntil(t, alice, func(m *protocol.ServerMsg) bool { return m.Reset != nil })
	bob := connectWebSocket(t, ts, "doc-4", "bob", "Bob")
	readUntil(t, bob, func(m *protocol.ServerMsg) bool { return m.Reset != nil })
	readUntil(t, alice, func(m *protocol.ServerMsg) bool { return m.UserJoined != nil })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, alice, protocol.ClientMsg{Cursor: &protocol.CursorFrame{
		DocumentID: "doc-4", UserID: "alice", UserName: "Alice", Position: 0,
	}}))

	cursorMsg := readUntil(t, bob, func(m *protocol.ServerMsg) bool { return m.Cursor != nil })
	assert.Equal(t, "alice", cursorMsg.Cursor.UserID)
}

func TestUnauthorizedUserIsRejected(t *testing.T) {
	srv := testServer(t, authz.Static{Members: map[string]map[string]bool{
		"doc-5": {"alice": true},
	}})
	ts := httptest.NewServer(srv)
	defer ts.Close()

	url := fmt.Sprintf("ws%s/api/socket/doc-5?userId=mallory&userName=Mallory", strings.TrimPrefix(ts.URL, "http"))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, url, nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	}
}

func TestInvalidDocumentIDReturnsBadRequest(t *testing.T) {
	srv := testServer(t, nil)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/socket/?userId=alice")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatsEndpointReportsActiveRooms(t *testing.T) {
	srv := testServer(t, nil)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	_ = connectWebSocket(t, ts, "doc-6", "alice", "Alice")
	time.Sleep(50 * time.Millisecond) // let the join land in the manager

	resp, err := http.Get(ts.URL + "/api/stats")
	require.NoError(t, err)
	defer resp.Body.Close()

	var stats Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.GreaterOrEqual(t, stats.ActiveRooms, 1)
}

func TestVersionCreateHistoryAndRevertRoundTrip(t *testing.T) {
	srv := testServer(t, nil)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	alice := connectWebSocket(t, ts, "doc-7", "alice", "Alice")
	readUntil(t, alice, func(m *protocol.ServerMsg) bool { return m.Reset != nil })
	sendEdit(t, alice, "doc-7", "alice", "Alice", "INSERT", "draft one", 0, 0, 0)
	readUntil(t, alice, func(m *protocol.ServerMsg) bool { return m.Operation != nil })

	body, _ := json.Marshal(map[string]string{"authorId": "alice", "description": "first draft"})
	resp, err := http.Post(ts.URL+"/api/documents/doc-7/versions", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	histResp, err := http.Get(ts.URL + "/api/documents/doc-7/history")
	require.NoError(t, err)
	defer histResp.Body.Close()
	var versions []version.DocumentVersion
	require.NoError(t, json.NewDecoder(histResp.Body).Decode(&versions))
	require.Len(t, versions, 2) // version 0 (empty) + the snapshot just created

	revertResp, err := http.Post(ts.URL+"/api/documents/doc-7/revert/0?userId=alice", "application/json", nil)
	require.NoError(t, err)
	defer revertResp.Body.Close()
	require.Equal(t, http.StatusOK, revertResp.StatusCode)

	reset := readUntil(t, alice, func(m *protocol.ServerMsg) bool { return m.Reset != nil })
	assert.Equal(t, "", reset.Reset.Text)
}
