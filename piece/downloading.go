package piece

import "github.com/boljen/go-bitmap"

// BlockSize is the block granularity used for request pipelining, matching
// the de facto BitTorrent standard of 16 KiB.
const BlockSize = 16384

// DownloadingPiece tracks a piece transfer in progress: which blocks have
// already been received, so a peer that adopts an orphaned partial piece
// only re-requests what is missing.
type DownloadingPiece struct {
	Index     int
	Length    int64
	received  bitmap.Bitmap
	numBlocks int
}

// NewDownloadingPiece creates a fresh, empty partial-piece record for a
// piece of the given length.
func NewDownloadingPiece(index int, length int64) *DownloadingPiece {
	numBlocks := int((length + BlockSize - 1) / BlockSize)
	return &DownloadingPiece{
		Index:     index,
		Length:    length,
		received:  bitmap.New(numBlocks),
		numBlocks: numBlocks,
	}
}

func (dp *DownloadingPiece) blockIndex(offset int64) int {
	return int(offset / BlockSize)
}

// BlockLength returns the length in bytes of the block starting at offset.
func (dp *DownloadingPiece) BlockLength(offset int64) int64 {
	remaining := dp.Length - offset
	if remaining < BlockSize {
		return remaining
	}
	return BlockSize
}

// MarkReceived records that the block at offset has arrived.
func (dp *DownloadingPiece) MarkReceived(offset int64) {
	bitmap.Set(dp.received, dp.blockIndex(offset), true)
}

// HasBlock reports whether the block at offset has already arrived.
func (dp *DownloadingPiece) HasBlock(offset int64) bool {
	return bitmap.Get(dp.received, dp.blockIndex(offset))
}

// MissingOffsets returns the byte offsets of blocks not yet received, in
// ascending order.
func (dp *DownloadingPiece) MissingOffsets() []int64 {
	var missing []int64
	for i := 0; i < dp.numBlocks; i++ {
		if !bitmap.Get(dp.received, i) {
			missing = append(missing, int64(i)*BlockSize)
		}
	}
	return missing
}

// Complete reports whether every block of this piece has been received.
func (dp *DownloadingPiece) Complete() bool {
	for i := 0; i < dp.numBlocks; i++ {
		if !bitmap.Get(dp.received, i) {
			return false
		}
	}
	return true
}

// AnyReceived reports whether at least one block has arrived — the
// condition under which an orphaned piece is worth keeping as a partial
// rather than discarding outright.
func (dp *DownloadingPiece) AnyReceived() bool {
	for i := 0; i < dp.numBlocks; i++ {
		if bitmap.Get(dp.received, i) {
			return true
		}
	}
	return false
}
