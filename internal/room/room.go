// Package room implements the Document Room (DR) from spec §4.2: the
// single authoritative source of a document's current text, its
// membership, and the serialization of every mutating operation.
//
// Per Design Note 2 in spec §9, each Room is an independent actor: a
// single goroutine loop owns text, recent, and members, and every
// public method submits a closure to that goroutine's mailbox and
// waits for it to run. The mailbox *is* the "per-room exclusive gate"
// from spec §5 — there is no separate mutex.
package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ghost-hands/collabdocs/internal/changelog"
	"github.com/ghost-hands/collabdocs/internal/cursor"
	"github.com/ghost-hands/collabdocs/internal/errkind"
	"github.com/ghost-hands/collabdocs/internal/ot"
	"github.com/ghost-hands/collabdocs/internal/protocol"
	"github.com/ghost-hands/collabdocs/pkg/logger"
	"github.com/ghost-hands/collabdocs/pkg/metrics"
)

// ErrRoomDestroyed is returned by any operation submitted to a room
// whose loop has already exited.
var ErrRoomDestroyed = errors.New("room: destroyed")

// State is the room lifecycle state machine from spec §4.2.
type State int

const (
	StateEmpty State = iota
	StateActive
	StateDraining
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "Active"
	case StateDraining:
		return "Draining"
	case StateDestroyed:
		return "Destroyed"
	default:
		return "Empty"
	}
}

// Member is a connected participant, per spec §3.
type Member struct {
	UserName string
	JoinedAt time.Time
}

// Snapshot is the read-only view returned by Join and Snapshot,
// per spec §4.2.
type Snapshot struct {
	Text          string
	ServerVersion int64
	Members       map[string]Member
	Cursors       map[string]cursor.State
}

// ChangeLogAppender is the narrow slice of changelog.Store the room
// actually needs, satisfied by *changelog.Store.
type ChangeLogAppender interface {
	Append(ctx context.Context, entry changelog.Entry) error
}

// ContributionRecorder is the narrow slice of version.Controller the
// room uses for site-(a) accounting, satisfied by *version.Controller.
type ContributionRecorder interface {
	RecordContribution(ctx context.Context, op ot.Operation, effectiveLength int, at time.Time) error
}

// Config wires a Room to its collaborators.
type Config struct {
	DocumentID   string
	InitialText  string
	Retention    int // recent.retention, default 1024
	GraceSeconds time.Duration
	BufferSize   int // subscriber channel depth
	CL           ChangeLogAppender
	Contrib      ContributionRecorder
	Cursors      *cursor.Tracker
	OnEmpty      func(documentID string) // called once the grace period expires with no members
}

// Room is the Document Room actor for a single document.
type Room struct {
	id           string
	retention    int
	graceSeconds time.Duration
	bufSize      int

	cl      ChangeLogAppender
	contrib ContributionRecorder
	cursors *cursor.Tracker
	onEmpty func(documentID string)

	reqCh       chan func()
	stopCh      chan struct{}
	destroyOnce sync.Once

	// Everything below is touched only inside the loop goroutine.
	text            []rune
	recent          []ot.Operation
	nextOperationID int64
	members         map[string]Member
	subscribers     map[string]chan *protocol.ServerMsg
	state           State
	graceTimer      *time.Timer
}

// New constructs a Room already hydrated with initialText (the
// rehydration read from the Version Controller happens before this
// call, in the Manager, per spec §3's "rehydrated on entry from the
// latest persisted version snapshot").
func New(cfg Config) *Room {
	retention := cfg.Retention
	if retention <= 0 {
		retention = 1024
	}
	bufSize := cfg.BufferSize
	if bufSize <= 0 {
		bufSize = 16
	}
	grace := cfg.GraceSeconds
	if grace <= 0 {
		grace = 30 * time.Second
	}

	return &Room{
		id:           cfg.DocumentID,
		retention:    retention,
		graceSeconds: grace,
		bufSize:      bufSize,
		cl:           cfg.CL,
		contrib:      cfg.Contrib,
		cursors:      cfg.Cursors,
		onEmpty:      cfg.OnEmpty,
		reqCh:        make(chan func()),
		stopCh:       make(chan struct{}),
		text:         []rune(cfg.InitialText),
		members:      make(map[string]Member),
		subscribers:  make(map[string]chan *protocol.ServerMsg),
		state:        StateEmpty,
	}
}

// Start runs the room's actor loop. Callers must call Start exactly
// once before using the room.
func (r *Room) Start() {
	go r.loop()
}

func (r *Room) loop() {
	for {
		select {
		case cmd := <-r.reqCh:
			cmd()
		case <-r.stopCh:
			return
		}
	}
}

// do submits fn to the actor's mailbox and blocks until it has run,
// returning ErrRoomDestroyed if the room's loop has already exited.
func (r *Room) do(fn func()) error {
	done := make(chan struct{})
	select {
	case r.reqCh <- func() { fn(); close(done) }:
	case <-r.stopCh:
		return ErrRoomDestroyed
	}
	select {
	case <-done:
		return nil
	case <-r.stopCh:
		return ErrRoomDestroyed
	}
}

// ID returns the document ID this room serves.
func (r *Room) ID() string { return r.id }

// Join verifies membership has already been authorized by the caller
// (authorization itself happens outside the gate, per spec §5) and
// adds userID to the room, returning a snapshot of current state. If
// userID is already a member, joinedAt is refreshed.
func (r *Room) Join(ctx context.Context, userID, userName string) (Snapshot, error) {
	var snap Snapshot
	err := r.do(func() {
		if r.state == StateDraining || r.state == StateEmpty {
			r.cancelGraceTimer()
			r.state = StateActive
		}
		r.members[userID] = Member{UserName: userName, JoinedAt: time.Now()}
		r.broadcastLocked(protocol.NewUserJoinedMsg(userID, userName))
		snap = r.snapshotLocked()
	})
	return snap, err
}

// Leave removes userID from the room. If membership empties, a grace
// timer is armed; if it is still empty when the timer fires, onEmpty
// is invoked and the room transitions toward teardown.
func (r *Room) Leave(userID string) error {
	return r.do(func() {
		delete(r.members, userID)
		delete(r.subscribers, userID)
		if r.cursors != nil {
			r.cursors.Remove(r.id, userID)
		}
		r.broadcastLocked(protocol.NewUserLeftMsg(userID))
		if len(r.members) == 0 && r.state == StateActive {
			r.state = StateDraining
			r.armGraceTimer()
		}
	})
}

func (r *Room) armGraceTimer() {
	r.cancelGraceTimer()
	r.graceTimer = time.AfterFunc(r.graceSeconds, func() {
		_ = r.do(func() {
			if r.state == StateDraining && len(r.members) == 0 {
				r.state = StateEmpty
				if r.onEmpty != nil {
					// onEmpty (the Manager's remove) calls Destroy, which
					// must not run on the loop goroutine; see destroyAsync.
					go r.onEmpty(r.id)
				}
			}
		})
	})
}

func (r *Room) cancelGraceTimer() {
	if r.graceTimer != nil {
		r.graceTimer.Stop()
		r.graceTimer = nil
	}
}

// Destroy tears the room down immediately: closes every subscriber
// channel and stops the actor loop. Used on explicit document
// deletion, grace-timeout, or a FatalError invariant violation
// (spec §7, via destroyAsync). Safe to call more than once - e.g. an
// explicit Destroy racing a grace-timeout or a FatalError teardown -
// only the first call does anything.
func (r *Room) Destroy() {
	r.destroyOnce.Do(func() {
		_ = r.do(func() {
			for _, ch := range r.subscribers {
				close(ch)
			}
			r.subscribers = make(map[string]chan *protocol.ServerMsg)
			r.state = StateDestroyed
			r.cancelGraceTimer()
		})
		close(r.stopCh)
	})
}

// destroyAsync tears the room down in response to a FatalError raised
// from inside the gate (applyEditLocked). It cannot call Destroy (or
// go through onEmpty/manager.remove, which themselves call Destroy)
// synchronously here: Destroy's r.do would block forever trying to
// send to reqCh, since the only goroutine that ever receives from
// reqCh is this very loop goroutine, currently busy executing the
// closure that called destroyAsync. Running teardown on a separate
// goroutine lets this closure return first, freeing the loop to
// receive it.
//
// Preferring onEmpty (the Manager's remove, when set) over calling
// Destroy directly keeps the room out of the Manager's live-room map;
// otherwise a reconnecting member would be handed back this destroyed
// room instead of a freshly rehydrated one.
func (r *Room) destroyAsync() {
	go func() {
		if r.onEmpty != nil {
			r.onEmpty(r.id)
		} else {
			r.Destroy()
		}
	}()
}

// Subscribe registers a channel to receive broadcast frames for
// userID, replacing any previous subscription.
func (r *Room) Subscribe(userID string) (<-chan *protocol.ServerMsg, error) {
	var ch chan *protocol.ServerMsg
	err := r.do(func() {
		ch = make(chan *protocol.ServerMsg, r.bufSize)
		r.subscribers[userID] = ch
	})
	return ch, err
}

// Unsubscribe closes and removes userID's broadcast channel.
func (r *Room) Unsubscribe(userID string) error {
	return r.do(func() {
		if ch, ok := r.subscribers[userID]; ok {
			close(ch)
			delete(r.subscribers, userID)
		}
	})
}

// Snapshot returns the current state without mutating it.
func (r *Room) Snapshot() (Snapshot, error) {
	var snap Snapshot
	err := r.do(func() {
		snap = r.snapshotLocked()
	})
	return snap, err
}

func (r *Room) snapshotLocked() Snapshot {
	members := make(map[string]Member, len(r.members))
	for k, v := range r.members {
		members[k] = v
	}
	var cursors map[string]cursor.State
	if r.cursors != nil {
		cursors = r.cursors.List(r.id)
	} else {
		cursors = map[string]cursor.State{}
	}
	return Snapshot{
		Text:          string(r.text),
		ServerVersion: r.nextOperationID,
		Members:       members,
		Cursors:       cursors,
	}
}

// EditResult is returned by ApplyEdit on success.
type EditResult struct {
	OperationID int64
	BaseVersion int64
	Applied     bool // false if the transformed op was a suppressed no-op
}

// ApplyEdit runs the 11-step pipeline from spec §4.2 under the room's
// exclusive gate.
func (r *Room) ApplyEdit(ctx context.Context, rawOp ot.Operation) (EditResult, error) {
	var (
		result EditResult
		opErr  error
	)
	err := r.do(func() {
		result, opErr = r.applyEditLocked(ctx, rawOp)
	})
	if err != nil {
		return EditResult{}, err
	}
	return result, opErr
}

func (r *Room) applyEditLocked(ctx context.Context, rawOp ot.Operation) (EditResult, error) {
	// Step 1: validate.
	if _, ok := r.members[rawOp.AuthorID]; !ok {
		metrics.OperationsRejected.WithLabelValues("authorization").Inc()
		return EditResult{}, fmt.Errorf("%w: author %s is not a member of document %s", errkind.Authorization, rawOp.AuthorID, r.id)
	}
	if err := rawOp.Validate(); err != nil {
		metrics.OperationsRejected.WithLabelValues("validation").Inc()
		return EditResult{}, fmt.Errorf("%w: %v", errkind.Validation, err)
	}

	// baseVersion counts how many operations the client has already
	// incorporated (0 means none yet), so it ranges over [0,
	// nextOperationID]; bounds inside that range are validated against
	// the *transformed* op below, since rawOp's coordinates are
	// relative to text the client last saw, not r.text as it stands now.
	if len(r.recent) > 0 {
		oldestKept := r.recent[0].OperationID
		if rawOp.BaseVersion < oldestKept {
			metrics.OperationsRejected.WithLabelValues("stale").Inc()
			return EditResult{}, fmt.Errorf("%w: baseVersion %d predates retained history (oldest kept %d)", errkind.Stale, rawOp.BaseVersion, oldestKept)
		}
	}
	if rawOp.BaseVersion > r.nextOperationID {
		metrics.OperationsRejected.WithLabelValues("validation").Inc()
		return EditResult{}, fmt.Errorf("%w: baseVersion %d is ahead of current revision %d", errkind.Validation, rawOp.BaseVersion, r.nextOperationID)
	}

	// Step 2: compute concurrent tail.
	concurrent := r.concurrentSince(rawOp.BaseVersion)
	metrics.TransformFanOut.Observe(float64(len(concurrent)))

	// Step 3: transform.
	transformed := ot.TransformAgainstOperations(rawOp, concurrent)

	// Step 4: suppress no-ops (still acknowledged, never applied).
	if transformed.IsNoop() {
		return EditResult{BaseVersion: rawOp.BaseVersion, Applied: false}, nil
	}

	// Re-validate bounds against current text after transform: a
	// correct transform against a consistent concurrent tail should
	// always stay in-bounds, but this guards the FatalError case from
	// spec §7 (invariant violation) rather than silently corrupting text.
	// Per §7, a FatalError destroys the room: every member (not just
	// this operation's author) gets a reset and must reconnect.
	if err := transformed.ValidateBounds(len(r.text)); err != nil {
		metrics.OperationsRejected.WithLabelValues("fatal").Inc()
		logger.Error("applyEdit: fatal invariant violation in document %s, destroying room: %v", r.id, err)
		r.broadcastLocked(protocol.NewResetMsg(string(r.text), r.nextOperationID))
		r.destroyAsync()
		return EditResult{}, fmt.Errorf("%w: transformed operation out of bounds: %v", errkind.Fatal, err)
	}

	// Step 5: assign operationId.
	transformed.OperationID = r.nextOperationID
	r.nextOperationID++

	// Step 6: capture deleted text before mutating.
	if transformed.Type == ot.OpDelete {
		transformed.DeletedText = string(r.text[transformed.Position : transformed.Position+transformed.Length])
	}

	// Step 7: update text.
	r.text = ot.Apply(r.text, transformed)

	// Step 8: append to recent, trim to retention.
	r.recent = append(r.recent, transformed)
	if len(r.recent) > r.retention {
		r.recent = r.recent[len(r.recent)-r.retention:]
	}

	// Step 9: append change-log entry and update contributions (site
	// (a) accounting, the binding decision from SPEC_FULL.md §9). This
	// blocks the gate until the persistent append succeeds, per spec
	// §4.2's failure semantics ("the persistent append in step 9 must
	// succeed before acknowledging").
	entry := changelog.FromOperation(transformed, time.Now())
	if r.cl != nil {
		if err := r.cl.Append(ctx, entry); err != nil {
			metrics.OperationsRejected.WithLabelValues("transient").Inc()
			return EditResult{}, err
		}
	}
	if r.contrib != nil {
		effectiveLength := transformed.Length
		if err := r.contrib.RecordContribution(ctx, transformed, effectiveLength, entry.Timestamp); err != nil {
			logger.Error("applyEdit: failed to record contribution for document %s: %v", r.id, err)
		}
	}

	metrics.OperationsApplied.WithLabelValues(transformed.Type.String()).Inc()

	// Step 10: broadcast to all current members.
	r.broadcastLocked(protocol.NewOperationMsg(protocol.OperationMsg{
		OperationID: transformed.OperationID,
		BaseVersion: transformed.BaseVersion,
		AuthorID:    transformed.AuthorID,
		Type:        transformed.Type.String(),
		Content:     transformed.Content,
		Length:      transformed.Length,
		Position:    transformed.Position,
	}))

	// Step 11: acknowledgement (returned to caller).
	return EditResult{OperationID: transformed.OperationID, BaseVersion: rawOp.BaseVersion, Applied: true}, nil
}

// concurrentSince returns the tail of recent the client at baseVersion
// has not yet incorporated (OperationID >= baseVersion), per spec
// §4.1's contract.
func (r *Room) concurrentSince(baseVersion int64) []ot.Operation {
	for i, op := range r.recent {
		if op.OperationID >= baseVersion {
			return r.recent[i:]
		}
	}
	return nil
}

// BroadcastCursor validates membership and bounds, updates the
// Cursor Tracker, and fans out a cursor frame, per spec §4.2.
func (r *Room) BroadcastCursor(userID, userName string, position int) error {
	return r.do(func() {
		if _, ok := r.members[userID]; !ok {
			return
		}
		if position < 0 {
			position = 0
		}
		if position > len(r.text) {
			position = len(r.text)
		}
		var color string
		if r.cursors != nil {
			state := r.cursors.Update(r.id, userID, position, userName)
			color = state.Color
		}
		r.broadcastLocked(protocol.NewCursorMsg(protocol.CursorMsg{
			UserID:   userID,
			Position: position,
			UserName: userName,
			Color:    color,
		}))
	})
}

// ResetRoom replaces text with the given content, clears recent, and
// bumps nextOperationId, broadcasting a reset frame to all members.
// This is the only entry point Version Controller uses to push a
// restored text back into a live room (spec §4.4 step 4 / §9 Design
// Note 1).
func (r *Room) ResetRoom(ctx context.Context, text string) error {
	return r.do(func() {
		r.text = []rune(text)
		r.recent = nil
		r.nextOperationID++
		r.broadcastLocked(protocol.NewResetMsg(text, r.nextOperationID))
	})
}

// broadcastLocked fans msg out to every subscriber's buffered channel
// non-blocking: a full channel drops the message for that subscriber
// rather than stalling the gate (spec §5's "broadcast is non-blocking").
func (r *Room) broadcastLocked(msg *protocol.ServerMsg) {
	metrics.BroadcastFanOut.Observe(float64(len(r.subscribers)))
	for _, ch := range r.subscribers {
		select {
		case ch <- msg:
		default:
			logger.Error("broadcast: dropping frame for document %s, subscriber buffer full", r.id)
		}
	}
}

// State returns the room's current lifecycle state.
func (r *Room) State() (State, error) {
	var s State
	err := r.do(func() { s = r.state })
	return s, err
}
