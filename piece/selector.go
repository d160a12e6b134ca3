package piece

import (
	"math/rand"
	"time"
)

// DefaultEndGameRatio is the fraction of completed pieces at which the
// selector begins permitting re-requests of already-requested pieces.
const DefaultEndGameRatio = 0.95

// Selector implements the piece-selection policy: partial-piece reuse,
// rarest-first among a peer's interesting pieces, and an end-game fallback
// that tolerates redundant requests once a torrent is nearly complete.
type Selector struct {
	table        *Table
	bookkeeper   *RequestBookkeeper
	endGameRatio float64
	rnd          *rand.Rand
	lastEndGame  bool
}

// LastWasEndGame reports whether the most recent NextPieceFor call
// engaged the end-game fallback. Valid only under the same swarm lock
// that serializes calls to NextPieceFor.
func (s *Selector) LastWasEndGame() bool { return s.lastEndGame }

// NewSelector builds a Selector over table and bookkeeper. rnd may be nil,
// in which case a process-seeded source is used; tests should inject a
// deterministic source instead.
func NewSelector(table *Table, bookkeeper *RequestBookkeeper, rnd *rand.Rand) *Selector {
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Selector{table: table, bookkeeper: bookkeeper, endGameRatio: DefaultEndGameRatio, rnd: rnd}
}

// SetEndGameRatio overrides the default end-game completion threshold.
func (s *Selector) SetEndGameRatio(ratio float64) { s.endGameRatio = ratio }

// NextPieceFor returns the next piece a peer advertising hasPiece should be
// asked to supply, or (nil, false) if nothing is currently worth
// requesting from it.
func (s *Selector) NextPieceFor(hasPiece func(index int) bool) (*DownloadingPiece, bool) {
	s.lastEndGame = false
	if dp, ok := s.bookkeeper.TakePartialFor(hasPiece); ok {
		s.bookkeeper.MarkRequested(dp.Index)
		return dp, true
	}

	interesting := s.interestingSet(hasPiece, false)
	if len(interesting) == 0 {
		total := s.table.Len()
		if total == 0 {
			return nil, false
		}
		if float64(s.table.CompletedCount())/float64(total) < s.endGameRatio {
			return nil, false
		}
		interesting = s.interestingSet(hasPiece, true)
		if len(interesting) == 0 {
			return nil, false
		}
		s.lastEndGame = true
	}

	rarest := s.rarestAmong(interesting)
	if len(rarest) == 0 {
		return nil, false
	}

	index := rarest[s.rnd.Intn(len(rarest))]
	s.bookkeeper.MarkRequested(index)
	return NewDownloadingPiece(index, s.table.Get(index).Length), true
}

// interestingSet lists piece indices the peer has that aren't yet
// completed. When endGame is false, indices already in the requested set
// are excluded; when true, they are permitted (the end-game fallback).
func (s *Selector) interestingSet(hasPiece func(index int) bool, endGame bool) []int {
	var out []int
	for i := 0; i < s.table.Len(); i++ {
		if !hasPiece(i) {
			continue
		}
		if s.table.Get(i).State() == Completed {
			continue
		}
		if !endGame && s.bookkeeper.IsRequested(i) {
			continue
		}
		out = append(out, i)
	}
	return out
}

// rarestAmong returns the subset of indices tied at the minimum
// availability greater than zero. Indices with zero availability are
// unservable by any known peer and are excluded outright.
func (s *Selector) rarestAmong(indices []int) []int {
	min := -1
	for _, i := range indices {
		a := s.table.Get(i).Availability()
		if a <= 0 {
			continue
		}
		if min == -1 || a < min {
			min = a
		}
	}
	if min == -1 {
		return nil
	}
	var rarest []int
	for _, i := range indices {
		if s.table.Get(i).Availability() == min {
			rarest = append(rarest, i)
		}
	}
	return rarest
}
