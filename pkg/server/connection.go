package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/ghost-hands/collabdocs/internal/errkind"
	"github.com/ghost-hands/collabdocs/internal/ot"
	"github.com/ghost-hands/collabdocs/internal/protocol"
	"github.com/ghost-hands/collabdocs/internal/room"
	"github.com/ghost-hands/collabdocs/pkg/logger"
)

// Connection represents a single client WebSocket connection, bound
// to one document's Room for its lifetime.
type Connection struct {
	documentID string
	userID     string
	userName   string

	room *room.Room
	conn *websocket.Conn
	cfg  Config

	ctx    context.Context
	cancel context.CancelFunc
	sendMu sync.Mutex
}

// NewConnection creates a connection handler already joined to r.
func NewConnection(documentID, userID, userName string, r *room.Room, conn *websocket.Conn, cfg Config) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		documentID: documentID,
		userID:     userID,
		userName:   userName,
		room:       r,
		conn:       conn,
		cfg:        cfg,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Handle manages the WebSocket connection lifecycle: join, send the
// initial snapshot, fan out broadcasts, and process inbound frames
// until the socket closes or a FatalError/AuthorizationError ends it.
func (c *Connection) Handle(ctx context.Context) error {
	defer c.cleanup()

	logger.Debug("connection established: document=%s user=%s", c.documentID, c.userID)

	snap, err := c.room.Join(ctx, c.userID, c.userName)
	if err != nil {
		return fmt.Errorf("join room: %w", err)
	}

	sub, err := c.room.Subscribe(c.userID)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	if err := c.sendSnapshot(snap); err != nil {
		return fmt.Errorf("send initial snapshot: %w", err)
	}

	done := make(chan struct{})
	go c.forwardBroadcasts(sub, done)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.ctx.Done():
			return c.ctx.Err()
		default:
		}

		// Bounded per-iteration read (rather than one read over the
		// life of the connection), so c.ctx being cancelled - e.g.
		// because the room tore itself down and closed our
		// subscription - aborts a pending read immediately instead of
		// waiting on the next client frame, and a genuinely dead
		// connection is reaped after WSReadTimeout of silence.
		readCtx, readCancel := context.WithTimeout(c.ctx, c.cfg.WSReadTimeout)
		var msg protocol.ClientMsg
		err := wsjson.Read(readCtx, c.conn, &msg)
		readCancel()
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("read message: %w", err)
		}

		if err := c.handleMessage(ctx, &msg); err != nil {
			if isFatal(err) {
				logger.Error("fatal error from document=%s user=%s: %v", c.documentID, c.userID, err)
				return err
			}
			// Validation/Conflict/Stale/Transient errors are surfaced
			// only to the originator (spec §7); the connection itself
			// stays open.
			logger.Debug("operation error from document=%s user=%s: %v", c.documentID, c.userID, err)
		}
	}
}

// sendSnapshot emits the users list and the current text as a reset
// frame, the boundary adapter's join handshake (spec §6).
func (c *Connection) sendSnapshot(snap room.Snapshot) error {
	users := make([]protocol.UserEntry, 0, len(snap.Members))
	for id, m := range snap.Members {
		users = append(users, protocol.UserEntry{UserID: id, UserName: m.UserName})
	}
	if err := c.send(protocol.NewUsersListMsg(users)); err != nil {
		return err
	}
	if err := c.send(protocol.NewResetMsg(snap.Text, snap.ServerVersion)); err != nil {
		return err
	}
	for id, cs := range snap.Cursors {
		if err := c.send(protocol.NewCursorMsg(protocol.CursorMsg{
			UserID: id, Position: cs.Position, UserName: cs.UserName, Color: cs.Color,
		})); err != nil {
			return err
		}
	}
	return c.send(protocol.NewUserJoinedMsg(c.userID, c.userName))
}

// handleMessage dispatches a single inbound frame to the room.
func (c *Connection) handleMessage(ctx context.Context, msg *protocol.ClientMsg) error {
	switch {
	case msg.Edit != nil:
		return c.handleEdit(ctx, msg.Edit)
	case msg.Cursor != nil:
		return c.room.BroadcastCursor(msg.Cursor.UserID, msg.Cursor.UserName, msg.Cursor.Position)
	default:
		return nil
	}
}

func (c *Connection) handleEdit(ctx context.Context, edit *protocol.EditFrame) error {
	opType := ot.OpInsert
	if edit.Operation.Type == "DELETE" {
		opType = ot.OpDelete
	}

	op := ot.Operation{
		Type:        opType,
		Content:     edit.Operation.Content,
		Length:      edit.Operation.Length,
		Position:    edit.Operation.Position,
		AuthorID:    edit.UserID,
		DocumentID:  edit.DocumentID,
		BaseVersion: edit.Operation.BaseVersion,
	}

	result, err := c.room.ApplyEdit(ctx, op)
	if err != nil {
		if errors.Is(err, errkind.Stale) {
			// Per spec §7: a stale edit triggers a reset frame to the
			// originator rather than being retried or silently dropped.
			if snap, snapErr := c.room.Snapshot(); snapErr == nil {
				_ = c.send(protocol.NewResetMsg(snap.Text, snap.ServerVersion))
			}
			return nil
		}
		return err
	}
	_ = result // the broadcast the room emits doubles as the originator's ack
	return nil
}

// forwardBroadcasts relays every message the room broadcasts to this
// connection's socket until sub closes (room destroyed) or the
// connection's context ends.
func (c *Connection) forwardBroadcasts(sub <-chan *protocol.ServerMsg, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg, ok := <-sub:
			if !ok {
				// The room closed our subscription: it was torn down
				// (grace timeout, explicit deletion, or a FatalError
				// invariant violation). End the connection so the
				// client reconnects and rehydrates from the latest
				// version (spec §7).
				c.cancel()
				return
			}
			if err := c.send(msg); err != nil {
				logger.Error("broadcast send failed for document=%s user=%s: %v", c.documentID, c.userID, err)
				c.cancel()
				return
			}
		}
	}
}

// send writes msg to the socket (thread-safe: broadcasts and direct
// replies may interleave from different goroutines).
func (c *Connection) send(msg *protocol.ServerMsg) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	writeCtx, writeCancel := context.WithTimeout(c.ctx, c.cfg.WSWriteTimeout)
	defer writeCancel()
	return c.conn.Write(writeCtx, websocket.MessageText, data)
}

// cleanup leaves the room and unsubscribes.
func (c *Connection) cleanup() {
	logger.Debug("disconnection: document=%s user=%s", c.documentID, c.userID)
	_ = c.room.Unsubscribe(c.userID)
	_ = c.room.Leave(c.userID)
	c.cancel()
}

func isFatal(err error) bool {
	return errors.Is(err, errkind.Fatal) || errors.Is(err, errkind.Authorization)
}
