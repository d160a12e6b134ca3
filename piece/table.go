// Package piece implements the piece table, request bookkeeping, and the
// rarest-first / end-game selection policy used to decide which piece a
// swarm coordinator should request next from a given peer.
package piece

import (
	mapset "github.com/deckarep/golang-set"
)

// State is a piece's position in its download lifecycle. Only
// Missing->Requested, Requested->Downloading and
// Downloading->{Completed,ValidatedBad} transitions are legal; Completed is
// terminal.
type State int

const (
	Missing State = iota
	Requested
	Downloading
	Completed
	ValidatedBad
)

func (s State) String() string {
	switch s {
	case Missing:
		return "missing"
	case Requested:
		return "requested"
	case Downloading:
		return "downloading"
	case Completed:
		return "completed"
	case ValidatedBad:
		return "validated-bad"
	default:
		return "unknown"
	}
}

// Piece is one record of the piece table. It is not safe for concurrent
// use; callers serialize access under the swarm lock, matching the rest of
// the coordinator's lock discipline.
type Piece struct {
	Index        int
	Length       int64
	ExpectedHash []byte

	holders mapset.Set // peer ids (string) known to advertise this piece
	state   State
}

func newPiece(index int, length int64, hash []byte) *Piece {
	return &Piece{
		Index:        index,
		Length:       length,
		ExpectedHash: hash,
		holders:      mapset.NewSet(),
		state:        Missing,
	}
}

// Availability is the number of known holders, per the invariant
// Piece.availability == |holders|.
func (p *Piece) Availability() int { return p.holders.Cardinality() }

// SeenAt records that peerID advertises this piece.
func (p *Piece) SeenAt(peerID string) { p.holders.Add(peerID) }

// NoLongerAt records that peerID no longer advertises (or has disconnected
// while advertising) this piece.
func (p *Piece) NoLongerAt(peerID string) { p.holders.Remove(peerID) }

// Holds reports whether peerID is a known holder of this piece.
func (p *Piece) Holds(peerID string) bool { return p.holders.Contains(peerID) }

// Holders returns a snapshot slice of peer ids advertising this piece.
func (p *Piece) Holders() []string {
	out := make([]string, 0, p.holders.Cardinality())
	for v := range p.holders.Iter() {
		out = append(out, v.(string))
	}
	return out
}

func (p *Piece) State() State { return p.state }

func (p *Piece) SetState(s State) { p.state = s }

// Table is the vector of piece records for one torrent.
type Table struct {
	pieces []*Piece
}

// HashFunc returns the expected 20-byte hash for a piece index.
type HashFunc func(index int) []byte

// LengthFunc returns the length in bytes of a piece index.
type LengthFunc func(index int) int64

// NewTable builds a piece table for a torrent with the given piece count,
// deriving each piece's length and expected hash from the supplied
// functions (ordinarily backed by a parsed torrent's metadata).
func NewTable(numPieces int, length LengthFunc, hash HashFunc) *Table {
	pieces := make([]*Piece, numPieces)
	for i := 0; i < numPieces; i++ {
		pieces[i] = newPiece(i, length(i), hash(i))
	}
	return &Table{pieces: pieces}
}

func (t *Table) Len() int { return len(t.pieces) }

func (t *Table) Get(index int) *Piece { return t.pieces[index] }

// CompletedCount returns the number of pieces in the Completed state.
func (t *Table) CompletedCount() int {
	n := 0
	for _, p := range t.pieces {
		if p.state == Completed {
			n++
		}
	}
	return n
}

// IsComplete reports whether every piece in the table has been validated.
func (t *Table) IsComplete() bool {
	return t.CompletedCount() == len(t.pieces)
}

// RemovePeer subtracts peerID's holdings from every piece it advertised.
// Must run before any concurrent piece-selector call can observe the peer
// as gone, per the coordinator's disconnect-ordering guarantee.
func (t *Table) RemovePeer(peerID string, bitfield []int) {
	for _, index := range bitfield {
		if index >= 0 && index < len(t.pieces) {
			t.pieces[index].NoLongerAt(peerID)
		}
	}
}
