// Package cursor implements the ephemeral Cursor Tracker from spec
// §4.7: a pure in-memory, per-document mapping from participant to
// caret position plus a deterministic display color. Nothing here is
// persisted; it is lost on room teardown.
package cursor

import "sync"

// DefaultPalette is the fixed 15-entry color palette from spec §4.7,
// configurable via cursor.palette but defaulted here.
var DefaultPalette = [15]string{
	"#e6194b", "#3cb44b", "#ffe119", "#4363d8", "#f58231",
	"#911eb4", "#46f0f0", "#f032e6", "#bcf60c", "#fabebe",
	"#008080", "#e6beff", "#9a6324", "#fffac8", "#800000",
}

// State is a single participant's cursor within one document.
type State struct {
	Position int
	UserName string
	Color    string
}

// Tracker holds cursor state for every document with an active
// participant, keyed first by documentId then by userId.
type Tracker struct {
	palette [15]string

	mu   sync.Mutex
	docs map[string]map[string]State
}

// New creates a Tracker using the given palette (DefaultPalette if
// empty, matching spec §6's cursor.palette configuration option).
func New(palette [15]string) *Tracker {
	if palette == ([15]string{}) {
		palette = DefaultPalette
	}
	return &Tracker{
		palette: palette,
		docs:    make(map[string]map[string]State),
	}
}

// NewDefault creates a Tracker using DefaultPalette.
func NewDefault() *Tracker {
	return New(DefaultPalette)
}

// colorFor deterministically assigns a palette entry to userID by
// hashing its bytes mod 15, per spec's "palette[userId mod 15]
// (absolute value)".
func (t *Tracker) colorFor(userID string) string {
	h := fnv32(userID)
	idx := int(h % uint32(len(t.palette)))
	return t.palette[idx]
}

// fnv32 is a small, dependency-free string hash (FNV-1a), used only
// to derive a stable palette index; it need not be cryptographic.
func fnv32(s string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}

// Update sets userID's cursor position within documentId, assigning a
// color on first sight.
func (t *Tracker) Update(documentID, userID string, position int, userName string) State {
	t.mu.Lock()
	defer t.mu.Unlock()

	perDoc, ok := t.docs[documentID]
	if !ok {
		perDoc = make(map[string]State)
		t.docs[documentID] = perDoc
	}

	existing, hadColor := perDoc[userID]
	color := existing.Color
	if !hadColor {
		color = t.colorFor(userID)
	}

	state := State{Position: position, UserName: userName, Color: color}
	perDoc[userID] = state
	return state
}

// Remove drops userID's cursor from documentId; when the inner map
// empties, the outer entry is dropped too.
func (t *Tracker) Remove(documentID, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	perDoc, ok := t.docs[documentID]
	if !ok {
		return
	}
	delete(perDoc, userID)
	if len(perDoc) == 0 {
		delete(t.docs, documentID)
	}
}

// RemoveAllForUser drops userID's cursor across every document.
func (t *Tracker) RemoveAllForUser(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for docID, perDoc := range t.docs {
		if _, ok := perDoc[userID]; ok {
			delete(perDoc, userID)
			if len(perDoc) == 0 {
				delete(t.docs, docID)
			}
		}
	}
}

// List returns a snapshot of all cursor state for documentId.
func (t *Tracker) List(documentID string) map[string]State {
	t.mu.Lock()
	defer t.mu.Unlock()

	perDoc, ok := t.docs[documentID]
	if !ok {
		return map[string]State{}
	}
	out := make(map[string]State, len(perDoc))
	for k, v := range perDoc {
		out[k] = v
	}
	return out
}
