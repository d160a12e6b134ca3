package piece

import "github.com/RoaringBitmap/roaring"

// RequestBookkeeper tracks which piece indices are currently the subject of
// an active download attempt (the swarm-level requested_set) and holds
// orphaned partial pieces awaiting a new peer to adopt them. Not safe for
// concurrent use; the swarm coordinator serializes access under its swarm
// lock.
type RequestBookkeeper struct {
	requested *roaring.Bitmap
	partial   map[int]*DownloadingPiece
}

func NewRequestBookkeeper() *RequestBookkeeper {
	return &RequestBookkeeper{
		requested: roaring.New(),
		partial:   make(map[int]*DownloadingPiece),
	}
}

// IsRequested reports whether index is currently in the requested set.
func (b *RequestBookkeeper) IsRequested(index int) bool {
	return b.requested.Contains(uint32(index))
}

// MarkRequested adds index to the requested set.
func (b *RequestBookkeeper) MarkRequested(index int) {
	b.requested.Add(uint32(index))
}

// ClearRequested removes index from the requested set. A completed piece
// must never remain requested afterward.
func (b *RequestBookkeeper) ClearRequested(index int) {
	b.requested.Remove(uint32(index))
}

// RequestedCount returns the cardinality of the requested set.
func (b *RequestBookkeeper) RequestedCount() int {
	return int(b.requested.GetCardinality())
}

// StorePartial files dp as an orphaned partial piece, available for reuse
// by any future peer that advertises it.
func (b *RequestBookkeeper) StorePartial(dp *DownloadingPiece) {
	b.partial[dp.Index] = dp
}

// TakePartialFor scans the orphaned partial pieces and returns (removing)
// the first one whose index satisfies has. Iteration order over pending
// partials is unspecified, matching the selector's "first match, ties
// broken arbitrarily" contract.
func (b *RequestBookkeeper) TakePartialFor(has func(index int) bool) (*DownloadingPiece, bool) {
	for index, dp := range b.partial {
		if has(index) {
			delete(b.partial, index)
			return dp, true
		}
	}
	return nil, false
}

// DropPartial discards a partial piece outright, e.g. because the torrent
// finished before it was reused.
func (b *RequestBookkeeper) DropPartial(index int) {
	delete(b.partial, index)
}

// PartialCount returns the number of orphaned partial pieces on file.
func (b *RequestBookkeeper) PartialCount() int {
	return len(b.partial)
}
