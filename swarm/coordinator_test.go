package swarm

import (
	"context"
	"crypto/sha1"
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/christf/ttorrent/store"
	"github.com/christf/ttorrent/torrent"
	"github.com/christf/ttorrent/transport"
)

// testSwarm bundles one side (seeder or leecher) of a two-node exchange:
// its own Coordinator, transport, and listening socket, so tests can wire
// up a full seeder<->leecher pair over real TCP loopback.
type testSwarm struct {
	coord     *Coordinator
	transport *transport.Transport
	infoHash  []byte
	peerID    []byte
	addr      string
}

func buildTorrent(t *testing.T, pieceLength int64, data []byte) *torrent.Torrent {
	t.Helper()
	numPieces := (len(data) + int(pieceLength) - 1) / int(pieceLength)
	pieces := make([]byte, 0, numPieces*20)
	for i := 0; i < numPieces; i++ {
		start := i * int(pieceLength)
		end := start + int(pieceLength)
		if end > len(data) {
			end = len(data)
		}
		h := sha1.Sum(data[start:end])
		pieces = append(pieces, h[:]...)
	}
	return &torrent.Torrent{
		InfoHash:  make([]byte, 20),
		NumPieces: numPieces,
		Length:    int64(len(data)),
		MetaInfo: torrent.MetaInfo{
			Info: torrent.Info{
				Name:        "payload.bin",
				PieceLength: pieceLength,
				Length:      int64(len(data)),
				Pieces:      string(pieces),
			},
		},
	}
}

func newTestSwarm(t *testing.T, tor *torrent.Torrent, peerIDByte byte, seed rand.Source) *testSwarm {
	t.Helper()
	fs := afero.NewMemMapFs()
	disk, err := store.NewDisk(fs, "download", tor)
	require.NoError(t, err)

	peerID := make([]byte, 20)
	for i := range peerID {
		peerID[i] = peerIDByte
	}

	fastChoke := DefaultChokeConfig()
	fastChoke.UnchokePeriod = 20 * time.Millisecond

	ts := &testSwarm{infoHash: tor.InfoHash, peerID: peerID}
	ts.coord = New(Config{
		Torrent: tor,
		Store:   disk,
		Logger:  zerolog.Nop(),
		Rand:    rand.New(seed),
		Choke:   fastChoke,
	})
	ts.transport = transport.New(tor.InfoHash, peerID, ts.coord, zerolog.Nop())
	ts.coord.SetTransport(ts.transport)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	ts.addr = ln.Addr().String()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go ts.transport.Accept(conn)
		}
	}()

	require.NoError(t, ts.coord.Start())
	t.Cleanup(func() { ts.coord.Stop() })
	return ts
}

// TestFullTransferSeederToLeecher drives a complete download across two
// coordinators talking real peer-wire protocol over TCP loopback: the
// seeder starts with every piece, the leecher starts empty, and by the end
// the leecher has validated and requested every piece.
func TestFullTransferSeederToLeecher(t *testing.T) {
	pieceLength := int64(16384) // exactly one block per piece, keeps this fast
	data := make([]byte, pieceLength*4)
	for i := range data {
		data[i] = byte(i % 251)
	}
	tor := buildTorrent(t, pieceLength, data)

	seeder := newTestSwarm(t, tor, 1, rand.NewSource(1))
	for i := 0; i < tor.NumPieces; i++ {
		require.NoError(t, seeder.coord.store.WriteBlock(i, 0, data[int64(i)*pieceLength:int64(i+1)*pieceLength]))
		seeder.coord.MarkOwned(i)
	}

	completed := make(chan struct{}, 1)
	leecher := newTestSwarm(t, tor, 2, rand.NewSource(2))
	leecher.coord.Subscribe(func(evt TorrentEvent) {
		if evt.Completed == evt.Total {
			select {
			case completed <- struct{}{}:
			default:
			}
		}
	})

	leecher.coord.AddPeerCandidate(context.Background(), seeder.addr)

	select {
	case <-completed:
	case <-time.After(5 * time.Second):
		t.Fatal("transfer did not complete in time")
	}

	require.True(t, leecher.coord.table.IsComplete())
}

// TestChokeMidTransferStoresPartial covers a peer choking us mid-piece: a
// DownloadingPiece that already received at least one block must survive
// as a partial in the bookkeeper rather than being discarded, so a later
// unchoke (from this or another peer) resumes it instead of starting over.
// The transfer is driven directly through the coordinator's event handlers
// rather than over a real connection, so the choke can land deterministically
// between the first and second block instead of racing real network I/O.
func TestChokeMidTransferStoresPartial(t *testing.T) {
	pieceLength := int64(16384 * 2) // two blocks
	data := make([]byte, pieceLength)
	tor := buildTorrent(t, pieceLength, data)
	leecher := newTestSwarm(t, tor, 2, rand.NewSource(2))

	conn, _ := dialedPair(t)
	p, ok := leecher.coord.registry.GetOrCreate("peer-addr:1", "peer-A")
	require.True(t, ok)
	require.True(t, p.SetConnection(conn))
	for i := 0; i < tor.NumPieces; i++ {
		leecher.coord.handleHave(p, i)
	}

	leecher.coord.handleUnchoked(p)

	p.Lock()
	dp := p.RequestedPiece
	p.Unlock()
	require.NotNil(t, dp, "unchoke must start a piece download")
	require.Equal(t, 1, leecher.coord.bookkeeper.RequestedCount())

	// Simulate one block having arrived before the choke.
	dp.MarkReceived(0)

	leecher.coord.handleChoked(p)

	require.Equal(t, 0, leecher.coord.bookkeeper.RequestedCount(), "choke must clear the requested-set bit")
	require.Equal(t, 1, leecher.coord.bookkeeper.PartialCount(), "a piece with a received block survives as a partial")

	p.Lock()
	stillPending := p.RequestedPiece
	p.Unlock()
	require.Nil(t, stillPending, "choke must clear the peer's in-flight piece reference")
}

// TestChokeBeforeAnyBlockDropsPartial covers the companion case: choking a
// peer before any block of its assigned piece has arrived must not create a
// phantom partial.
func TestChokeBeforeAnyBlockDropsPartial(t *testing.T) {
	pieceLength := int64(16384)
	data := make([]byte, pieceLength)
	tor := buildTorrent(t, pieceLength, data)
	leecher := newTestSwarm(t, tor, 2, rand.NewSource(2))

	conn, _ := dialedPair(t)
	p, ok := leecher.coord.registry.GetOrCreate("peer-addr:1", "peer-A")
	require.True(t, ok)
	require.True(t, p.SetConnection(conn))
	leecher.coord.handleHave(p, 0)

	leecher.coord.handleUnchoked(p)
	require.Equal(t, 1, leecher.coord.bookkeeper.RequestedCount(), "unchoke must assign the piece")
	leecher.coord.handleChoked(p)

	require.Equal(t, 0, leecher.coord.bookkeeper.PartialCount())
	require.Equal(t, 0, leecher.coord.bookkeeper.RequestedCount())
}

// TestDisconnectSubtractsAvailability covers a peer vanishing: every piece
// index it advertised must lose that peer from its holder set so
// availability accounting (and rarest-first ranking) stays correct.
func TestDisconnectSubtractsAvailability(t *testing.T) {
	pieceLength := int64(16384)
	data := make([]byte, pieceLength*2)
	tor := buildTorrent(t, pieceLength, data)
	leecher := newTestSwarm(t, tor, 2, rand.NewSource(2))

	conn, _ := dialedPair(t)
	p, ok := leecher.coord.registry.GetOrCreate("peer-addr:1", "peer-A")
	require.True(t, ok)
	require.True(t, p.SetConnection(conn))

	bitfield := []byte{0xC0} // bits 0 and 1 set, both pieces advertised
	leecher.coord.handleBitfield(p, bitfield)

	require.Equal(t, 1, leecher.coord.table.Get(0).Availability())
	require.Equal(t, 1, leecher.coord.table.Get(1).Availability())

	leecher.coord.handlePeerGone(p)

	require.Equal(t, 0, leecher.coord.table.Get(0).Availability())
	require.Equal(t, 0, leecher.coord.table.Get(1).Availability())
}

// TestBitfieldUpdateDropsClearedBits covers a peer re-sending a bitfield
// with fewer bits set: every index that disappeared must lose that peer
// from its holder set, or availability inflates permanently across a
// bitfield(prev=∅,new=B) then bitfield(prev=B,new=∅) round trip.
func TestBitfieldUpdateDropsClearedBits(t *testing.T) {
	pieceLength := int64(16384)
	data := make([]byte, pieceLength*2)
	tor := buildTorrent(t, pieceLength, data)
	leecher := newTestSwarm(t, tor, 2, rand.NewSource(2))

	conn, _ := dialedPair(t)
	p, ok := leecher.coord.registry.GetOrCreate("peer-addr:1", "peer-A")
	require.True(t, ok)
	require.True(t, p.SetConnection(conn))

	leecher.coord.handleBitfield(p, []byte{0xC0}) // bits 0 and 1 set
	require.Equal(t, 1, leecher.coord.table.Get(0).Availability())
	require.Equal(t, 1, leecher.coord.table.Get(1).Availability())

	leecher.coord.handleBitfield(p, []byte{0x00}) // neither bit set anymore
	require.Equal(t, 0, leecher.coord.table.Get(0).Availability())
	require.Equal(t, 0, leecher.coord.table.Get(1).Availability())
}
