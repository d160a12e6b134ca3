package swarm

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/boljen/go-bitmap"

	"github.com/christf/ttorrent/piece"
	"github.com/christf/ttorrent/ratestats"
	"github.com/christf/ttorrent/transport"
)

var peerSeq uint64

func nextHolderKey() string {
	return strconv.FormatUint(atomic.AddUint64(&peerSeq, 1), 10)
}

// Request is one outstanding (piece, offset, length) block request we have
// sent to a peer, tracked FIFO so cancellation and completion match the
// order requests were made in.
type Request struct {
	Index  int
	Offset int
	Length int
}

// SharingPeer is the per-remote state the coordinator tracks: connection
// handle, advertised bitfield, choke/interest flags in both directions, a
// pipeline of outstanding requests, and transfer rate meters. Every method
// takes the peer lock itself, so none may be called while holding it; the
// exported flag fields are read and written by callers under
// (*SharingPeer).Lock.
type SharingPeer struct {
	mu sync.Mutex

	Endpoint string
	PeerID   string

	// HolderKey identifies this peer in piece holder sets. Unlike Endpoint
	// or PeerID, it never changes across a rebind, so availability
	// accounting survives the "duplicate identity" case where a peer's
	// endpoint or id becomes known only after other keys are already
	// tracking it.
	HolderKey string

	conn     *transport.PeerConn
	bitfield bitmap.Bitmap

	AmChoking      bool
	AmInterested   bool
	PeerChoking    bool
	PeerInterested bool

	outstanding []Request

	RequestedPiece *piece.DownloadingPiece

	DownloadMeter *ratestats.Meter
	UploadMeter   *ratestats.Meter

	lastBlockAt time.Time
}

func newSharingPeer(endpoint, peerID string, numPieces int, meterWindow int) *SharingPeer {
	return &SharingPeer{
		Endpoint:      endpoint,
		PeerID:        peerID,
		HolderKey:     nextHolderKey(),
		bitfield:      bitmap.New(numPieces),
		AmChoking:     true,
		PeerChoking:   true,
		DownloadMeter: ratestats.NewMeter(meterWindow),
		UploadMeter:   ratestats.NewMeter(meterWindow),
	}
}

func (p *SharingPeer) Lock()   { p.mu.Lock() }
func (p *SharingPeer) Unlock() { p.mu.Unlock() }

// SetConnection installs conn as this peer's transport handle. If a
// connection is already installed, the new one is rejected and false is
// returned; closing it is left to the caller, so duplicate connections
// from the same identity are collapsed to one.
func (p *SharingPeer) SetConnection(conn *transport.PeerConn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		return false
	}
	p.conn = conn
	return true
}

func (p *SharingPeer) Connection() *transport.PeerConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn
}

func (p *SharingPeer) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn != nil && !p.conn.IsClosed()
}

func (p *SharingPeer) ClearConnection() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conn = nil
}

func (p *SharingPeer) HasPiece(index int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return bitmap.Get(p.bitfield, index)
}

func (p *SharingPeer) SetHasPiece(index int, has bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	bitmap.Set(p.bitfield, index, has)
}

// BitfieldIndices returns the piece indices this peer currently advertises.
func (p *SharingPeer) BitfieldIndices(numPieces int) []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []int
	for i := 0; i < numPieces; i++ {
		if bitmap.Get(p.bitfield, i) {
			out = append(out, i)
		}
	}
	return out
}

func (p *SharingPeer) PushRequest(r Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outstanding = append(p.outstanding, r)
}

// PopRequest removes and returns the first outstanding request matching
// index/offset/length, reporting whether one was found. A piece message
// for a request we never made is a protocol violation the caller should
// treat as such.
func (p *SharingPeer) PopRequest(index, offset, length int) (Request, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, r := range p.outstanding {
		if r.Index == index && r.Offset == offset && r.Length == length {
			p.outstanding = append(p.outstanding[:i], p.outstanding[i+1:]...)
			return r, true
		}
	}
	return Request{}, false
}

// ClearOutstanding empties and returns the pipeline, e.g. on choke or
// disconnect.
func (p *SharingPeer) ClearOutstanding() []Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.outstanding
	p.outstanding = nil
	return out
}

func (p *SharingPeer) OutstandingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.outstanding)
}

func (p *SharingPeer) MarkBlockReceived(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastBlockAt = now
}

// Snubbed reports whether we are interested in and unchoked by this peer,
// yet its last delivered block is older than period — a peer claiming
// reciprocity but not honoring it. A peer that has never delivered a block
// is not reported as snubbed.
func (p *SharingPeer) Snubbed(now time.Time, period time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.AmInterested || p.PeerChoking {
		return false
	}
	if p.lastBlockAt.IsZero() {
		return false
	}
	return now.Sub(p.lastBlockAt) > period
}
