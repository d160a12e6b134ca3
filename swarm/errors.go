package swarm

import "errors"

// Sentinel errors the coordinator produces. Peer-scoped errors
// (ErrTransientPeer, ErrInvalidPiece, ErrProtocolViolation) are always
// absorbed internally and converted to a disconnect; only
// ErrCoordinatorMisuse is ever returned to a caller.
var (
	// ErrTransientPeer marks an I/O failure scoped to one peer. The
	// coordinator drops that peer and continues.
	ErrTransientPeer = errors.New("swarm: transient peer error")

	// ErrInvalidPiece marks a hash mismatch on a piece believed complete.
	// The piece is left Missing for another peer to redeliver.
	ErrInvalidPiece = errors.New("swarm: piece failed hash validation")

	// ErrProtocolViolation marks a malformed message or an impossible
	// state transition, e.g. a block for a piece never requested. Treated
	// like ErrTransientPeer: the offending peer is dropped.
	ErrProtocolViolation = errors.New("swarm: protocol violation")

	// ErrCoordinatorMisuse marks a core operation invoked before Start or
	// after Stop. Unlike the other sentinels, this is raised synchronously
	// to the caller rather than absorbed.
	ErrCoordinatorMisuse = errors.New("swarm: coordinator invoked outside its running state")
)
