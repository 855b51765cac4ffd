// Package errkind defines the error taxonomy from spec §7: each kind
// carries a distinct propagation policy, enforced by callers via
// errors.Is against these sentinels.
package errkind

import "errors"

var (
	// Validation marks a malformed or out-of-range operation. Surfaced
	// to the originator only; never aborts the room.
	Validation = errors.New("validation error")

	// Authorization marks a non-member attempting to join or edit.
	// Closes the socket at the boundary.
	Authorization = errors.New("authorization error")

	// Conflict marks a version snapshot request with no unversioned
	// changes, or a revert to a non-existent version.
	Conflict = errors.New("conflict error")

	// Stale marks an operation whose baseVersion predates the
	// retention window of recent. The room responds with a reset
	// frame; the client must rebase.
	Stale = errors.New("stale base version")

	// Transient marks a downstream I/O failure eligible for bounded
	// retry (change log append) or direct surfacing (version
	// persistence).
	Transient = errors.New("transient error")

	// Fatal marks a detected invariant violation. The room is
	// destroyed; members receive a reset and must reconnect.
	Fatal = errors.New("fatal error")
)
