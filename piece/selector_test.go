package piece

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bitfieldOf(indices ...int) func(int) bool {
	set := map[int]bool{}
	for _, i := range indices {
		set[i] = true
	}
	return func(i int) bool { return set[i] }
}

// Scenario 1 from the coordinator's testable properties: two peers, rarest
// first among the interesting set, ties broken uniformly.
func TestNextPieceForRarestFirstTwoPeers(t *testing.T) {
	tbl := fixedTable(4)
	tbl.Get(0).SeenAt("A")
	tbl.Get(0).SeenAt("B")
	tbl.Get(1).SeenAt("A")
	tbl.Get(2).SeenAt("A")

	sel := NewSelector(tbl, NewRequestBookkeeper(), rand.New(rand.NewSource(1)))

	dp, ok := sel.NextPieceFor(bitfieldOf(0, 1, 2))
	require.True(t, ok)
	assert.Contains(t, []int{1, 2}, dp.Index)

	dp2, ok := sel.NextPieceFor(bitfieldOf(0, 1, 2))
	require.True(t, ok)
	assert.NotEqual(t, dp.Index, dp2.Index)
	assert.Contains(t, []int{1, 2}, dp2.Index)
}

func TestNextPieceForReturnsNoneWhenNothingInteresting(t *testing.T) {
	tbl := fixedTable(2)
	tbl.Get(0).SetState(Completed)
	tbl.Get(1).SetState(Completed)
	sel := NewSelector(tbl, NewRequestBookkeeper(), nil)

	_, ok := sel.NextPieceFor(bitfieldOf(0, 1))
	assert.False(t, ok)
}

func TestNextPieceForReturnsNoneWhenUnservable(t *testing.T) {
	tbl := fixedTable(1)
	// Piece 0 has zero availability: no known holder actually offers it.
	sel := NewSelector(tbl, NewRequestBookkeeper(), nil)
	_, ok := sel.NextPieceFor(bitfieldOf(0))
	assert.False(t, ok)
}

// Scenario 3: a choke mid-transfer orphans a partial piece, which the
// selector must hand back verbatim (Step A) to the next interested peer.
func TestNextPieceForReusesPartial(t *testing.T) {
	tbl := fixedTable(1)
	tbl.Get(0).SeenAt("B")
	bk := NewRequestBookkeeper()
	partial := NewDownloadingPiece(0, 65536)
	partial.MarkReceived(0)
	bk.StorePartial(partial)

	sel := NewSelector(tbl, bk, nil)
	dp, ok := sel.NextPieceFor(bitfieldOf(0))
	require.True(t, ok)
	assert.Equal(t, 0, dp.Index)
	assert.True(t, dp.HasBlock(0))
	assert.Equal(t, 0, bk.PartialCount())
	assert.True(t, bk.IsRequested(0))
}

// Scenario 5: end-game activation only once completion crosses the ratio.
func TestEndGameActivatesOnlyPastRatio(t *testing.T) {
	tbl := fixedTable(20)
	for i := 0; i < 19; i++ {
		tbl.Get(i).SetState(Completed)
	}
	tbl.Get(19).SeenAt("A")
	bk := NewRequestBookkeeper()
	bk.MarkRequested(19) // peer A already has it in flight

	sel := NewSelector(tbl, bk, nil)
	// 19/20 = 0.95 meets the default ratio.
	dp, ok := sel.NextPieceFor(bitfieldOf(19))
	require.True(t, ok)
	assert.Equal(t, 19, dp.Index)
}

func TestEndGameDoesNotActivateBelowRatio(t *testing.T) {
	tbl := fixedTable(20)
	for i := 0; i < 10; i++ {
		tbl.Get(i).SetState(Completed)
	}
	tbl.Get(10).SeenAt("A")
	bk := NewRequestBookkeeper()
	bk.MarkRequested(10)

	sel := NewSelector(tbl, bk, nil)
	_, ok := sel.NextPieceFor(bitfieldOf(10))
	assert.False(t, ok)
}

func TestNextPieceForMarksRequestedSet(t *testing.T) {
	tbl := fixedTable(1)
	tbl.Get(0).SeenAt("A")
	bk := NewRequestBookkeeper()
	sel := NewSelector(tbl, bk, nil)

	assert.False(t, bk.IsRequested(0))
	_, ok := sel.NextPieceFor(bitfieldOf(0))
	require.True(t, ok)
	assert.True(t, bk.IsRequested(0))
}
