// Package swarm implements the per-torrent swarm coordinator: the peer
// registry, piece selection policy, choke scheduler, and the event
// dispatcher that ties remote peer activity to their effect on shared
// piece state. It is the core of the client; everything else (listening
// socket, tracker client, piece storage) is a collaborator it drives
// through a narrow interface.
package swarm

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/christf/ttorrent/piece"
	"github.com/christf/ttorrent/ratestats"
	"github.com/christf/ttorrent/store"
	"github.com/christf/ttorrent/torrent"
	"github.com/christf/ttorrent/transport"
	"github.com/christf/ttorrent/wire"
)

// State is the coordinator's process lifecycle, guarding against
// operations invoked before Start or after Stop.
type State int

const (
	Stopped State = iota
	Starting
	Started
	Stopping
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Started:
		return "started"
	case Stopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// pipelineDepth bounds how many blocks of a single piece we keep
// outstanding on one peer at a time.
const pipelineDepth = 5

// Coordinator is the Swarm Coordinator for one torrent. It implements
// transport.Handler, so a Transport can drive it directly.
type Coordinator struct {
	torrent *torrent.Torrent
	store   store.Store
	trans   *transport.Transport
	metrics *Metrics
	log     zerolog.Logger

	mu         sync.Mutex // the swarm lock: guards table, bookkeeper, selector, phase
	table      *piece.Table
	bookkeeper *piece.RequestBookkeeper
	selector   *piece.Selector
	phase      TorrentPhase

	registry *Registry
	choke    *ChokeScheduler

	listeners listenerSet

	stateMu sync.Mutex
	state   State

	downloaded uint64
	uploaded   uint64

	ourBitfieldMu sync.Mutex
	ourBitfield   []bool
}

// Config bundles the coordinator's tunables and collaborators.
type Config struct {
	Torrent      *torrent.Torrent
	Store        store.Store
	Transport    *transport.Transport
	MetricsReg   prometheus.Registerer
	Logger       zerolog.Logger
	Choke        ChokeConfig
	EndGameRatio float64
	MaxPeers     int
	Rand         *rand.Rand
}

// New builds an idle Coordinator. Call Start before feeding it events.
func New(cfg Config) *Coordinator {
	table := piece.NewTable(cfg.Torrent.NumPieces,
		func(i int) int64 { return cfg.Torrent.PieceLength(i) },
		func(i int) []byte { return cfg.Torrent.MetaInfo.PieceHash(i) },
	)
	bookkeeper := piece.NewRequestBookkeeper()

	// The selector and choke scheduler each need their own *rand.Rand:
	// math/rand.Rand isn't safe for concurrent use, and selection runs on
	// the message-pump goroutine while choking runs on its own ticker.
	// Derive an independent generator for choke from the caller-supplied
	// one at construction time, before either is ever used concurrently.
	selectorRand := cfg.Rand
	var chokeRand *rand.Rand
	if selectorRand != nil {
		chokeRand = rand.New(rand.NewSource(selectorRand.Int63()))
	}
	selector := piece.NewSelector(table, bookkeeper, selectorRand)
	if cfg.EndGameRatio > 0 {
		selector.SetEndGameRatio(cfg.EndGameRatio)
	}

	registry := NewRegistry(cfg.Torrent.NumPieces, ratestats.DefaultWindow, cfg.MaxPeers)

	c := &Coordinator{
		torrent:     cfg.Torrent,
		store:       cfg.Store,
		trans:       cfg.Transport,
		log:         cfg.Logger.With().Str("component", "swarm").Logger(),
		table:       table,
		bookkeeper:  bookkeeper,
		selector:    selector,
		registry:    registry,
		ourBitfield: make([]bool, cfg.Torrent.NumPieces),
	}
	if cfg.MetricsReg != nil {
		c.metrics = NewMetrics(cfg.MetricsReg, fmt.Sprintf("%x", cfg.Torrent.InfoHash))
	}
	choke := cfg.Choke
	if choke.UnchokePeriod == 0 {
		choke = DefaultChokeConfig()
	}
	c.choke = NewChokeScheduler(registry, choke, c.isSeeding, chokeRand)
	return c
}

// Subscribe registers l for torrent phase/completion notifications.
func (c *Coordinator) Subscribe(l TorrentListener) { c.listeners.Subscribe(l) }

// SetTransport binds the Transport this coordinator drives outbound
// connections through. Transport construction needs a Handler and the
// Coordinator needs a Transport, so callers build the Coordinator first,
// construct the Transport with it as the Handler, then call SetTransport
// before Start — mirroring Config.Transport for callers able to construct
// both up front.
func (c *Coordinator) SetTransport(t *transport.Transport) { c.trans = t }

// TrackerStats reports this torrent's total uploaded/downloaded byte counts
// and the bytes still needed to complete it, for a tracker announce.
func (c *Coordinator) TrackerStats() (uploaded, downloaded, left int64) {
	uploaded = int64(atomic.LoadUint64(&c.uploaded))
	downloaded = int64(atomic.LoadUint64(&c.downloaded))

	c.mu.Lock()
	completed := c.table.CompletedCount()
	total := c.table.Len()
	c.mu.Unlock()

	if completed >= total {
		return uploaded, downloaded, 0
	}
	left = c.torrent.Length - int64(completed)*c.torrent.MetaInfo.Info.PieceLength
	if left < 0 {
		left = 0
	}
	return uploaded, downloaded, left
}

func (c *Coordinator) isSeeding() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase == Seeding
}

// Start transitions Stopped -> Starting -> Started and begins the choke
// scheduler's ticking.
func (c *Coordinator) Start() error {
	c.stateMu.Lock()
	if c.state != Stopped {
		c.stateMu.Unlock()
		return fmt.Errorf("%w: Start called in state %s", ErrCoordinatorMisuse, c.state)
	}
	c.state = Starting
	c.stateMu.Unlock()

	go c.choke.Run()

	c.stateMu.Lock()
	c.state = Started
	c.stateMu.Unlock()
	return nil
}

// Stop transitions Started -> Stopping -> Stopped, cancelling every
// peer's outstanding requests and closing every connection.
func (c *Coordinator) Stop() error {
	c.stateMu.Lock()
	if c.state != Started {
		c.stateMu.Unlock()
		return fmt.Errorf("%w: Stop called in state %s", ErrCoordinatorMisuse, c.state)
	}
	c.state = Stopping
	c.stateMu.Unlock()

	c.choke.Stop()
	for _, p := range c.registry.List() {
		if conn := p.Connection(); conn != nil {
			conn.Close()
		}
	}

	c.stateMu.Lock()
	c.state = Stopped
	c.stateMu.Unlock()
	return nil
}

func (c *Coordinator) checkRunning() error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.state != Started {
		return fmt.Errorf("%w: state is %s", ErrCoordinatorMisuse, c.state)
	}
	return nil
}

// Tick runs one choke-scheduler round. Ordinarily invoked by the choke
// scheduler's own internal timer, but exposed for callers (or tests) that
// want to drive it explicitly.
func (c *Coordinator) Tick() error {
	if err := c.checkRunning(); err != nil {
		return err
	}
	c.choke.Tick()
	if c.metrics != nil {
		unchokedNow := 0
		for _, p := range c.registry.List() {
			p.Lock()
			if !p.AmChoking {
				unchokedNow++
			}
			p.Unlock()
		}
		c.metrics.UnchokedSlots.Set(float64(unchokedNow))
	}
	return nil
}

// AddPeerCandidate attempts an outbound connection to addr. Failures are
// absorbed as TransientPeerError; the tracker will offer other addresses.
func (c *Coordinator) AddPeerCandidate(ctx context.Context, addr string) {
	if c.checkRunning() != nil {
		return
	}
	go func() {
		if _, err := c.trans.Dial(ctx, addr); err != nil {
			c.log.Debug().Err(err).Str("addr", addr).Msg("outbound connect failed")
		}
	}()
}

// --- transport.Handler ---

func (c *Coordinator) OnHandshake(pc *transport.PeerConn) {
	peerID := string(pc.PeerID)
	p, ok := c.registry.GetOrCreate(pc.RemoteAddr, peerID)
	if !ok {
		pc.Close()
		return
	}
	if !p.SetConnection(pc) {
		pc.Close()
		return
	}
	if c.metrics != nil {
		c.metrics.ConnectedPeers.Inc()
	}
	if err := pc.SendBitfield(c.ourBitfieldBytes()); err != nil {
		c.log.Debug().Err(err).Str("addr", pc.RemoteAddr).Msg("send bitfield failed")
	}
}

func (c *Coordinator) OnIOError(pc *transport.PeerConn, err error) {
	c.log.Debug().Err(err).Str("addr", pc.RemoteAddr).Msg("peer io error")
}

func (c *Coordinator) OnDisconnect(pc *transport.PeerConn) {
	p, ok := c.registry.Lookup(pc.RemoteAddr)
	if !ok {
		return
	}
	c.handlePeerGone(p)
}

func (c *Coordinator) OnMessage(pc *transport.PeerConn, id uint8, payload []byte) {
	p, ok := c.registry.Lookup(pc.RemoteAddr)
	if !ok {
		return
	}
	switch id {
	case wire.Choke:
		c.handleChoked(p)
	case wire.Unchoke:
		c.handleUnchoked(p)
	case wire.Interested:
		p.Lock()
		p.PeerInterested = true
		p.Unlock()
	case wire.NotInterested:
		p.Lock()
		p.PeerInterested = false
		p.Unlock()
	case wire.Have:
		if len(payload) != 4 {
			c.protocolViolation(p, "malformed have")
			return
		}
		c.handleHave(p, int(binary.BigEndian.Uint32(payload)))
	case wire.Bitfield:
		c.handleBitfield(p, payload)
	case wire.Request:
		if len(payload) != 12 {
			c.protocolViolation(p, "malformed request")
			return
		}
		index := int(binary.BigEndian.Uint32(payload[0:4]))
		offset := int(binary.BigEndian.Uint32(payload[4:8]))
		length := int(binary.BigEndian.Uint32(payload[8:12]))
		c.handleRequest(p, index, offset, length)
	case wire.Piece:
		if len(payload) < 8 {
			c.protocolViolation(p, "malformed piece")
			return
		}
		index := int(binary.BigEndian.Uint32(payload[0:4]))
		offset := int(binary.BigEndian.Uint32(payload[4:8]))
		c.handlePiece(p, index, offset, payload[8:])
	case wire.Cancel:
		// Best-effort: we don't track a separate unsent-request queue to
		// cancel against, so there is nothing to do beyond letting the
		// in-flight response go out.
	case wire.Port:
		// DHT port announcement; DHT is out of scope.
	}
}

func (c *Coordinator) protocolViolation(p *SharingPeer, reason string) {
	c.log.Warn().Str("addr", p.Endpoint).Str("reason", reason).Msg("protocol violation")
	if conn := p.Connection(); conn != nil {
		conn.Close()
	}
}

func (c *Coordinator) handleHave(p *SharingPeer, index int) {
	if index < 0 || index >= c.table.Len() {
		c.protocolViolation(p, "have index out of range")
		return
	}
	c.mu.Lock()
	c.table.Get(index).SeenAt(p.HolderKey)
	c.mu.Unlock()
	p.SetHasPiece(index, true)
	c.maybeUpdateInterest(p)
}

func (c *Coordinator) handleBitfield(p *SharingPeer, payload []byte) {
	numPieces := c.table.Len()
	prev := make([]bool, numPieces)
	for _, i := range p.BitfieldIndices(numPieces) {
		prev[i] = true
	}
	c.mu.Lock()
	for i := 0; i < numPieces; i++ {
		has := bitmapGet(payload, i)
		if has == prev[i] {
			continue
		}
		if has {
			c.table.Get(i).SeenAt(p.HolderKey)
		} else {
			c.table.Get(i).NoLongerAt(p.HolderKey)
		}
	}
	c.mu.Unlock()
	for i := 0; i < numPieces; i++ {
		p.SetHasPiece(i, bitmapGet(payload, i))
	}
	c.maybeUpdateInterest(p)
}

// bitmapGet reads bit i of a big-endian bitfield payload as sent on the
// wire (MSB of byte 0 is piece index 0).
func bitmapGet(payload []byte, i int) bool {
	byteIndex := i / 8
	if byteIndex >= len(payload) {
		return false
	}
	bitIndex := 7 - uint(i%8)
	return payload[byteIndex]&(1<<bitIndex) != 0
}

func (c *Coordinator) maybeUpdateInterest(p *SharingPeer) {
	// Snapshot the peer's advertised indices before touching the swarm
	// lock: piece.Table.State() is only safe to read under c.mu, and the
	// swarm lock must never be held while calling back into a
	// peer-locked accessor like HasPiece.
	indices := p.BitfieldIndices(c.table.Len())

	interesting := false
	c.mu.Lock()
	for _, i := range indices {
		if c.table.Get(i).State() != piece.Completed {
			interesting = true
			break
		}
	}
	c.mu.Unlock()

	p.Lock()
	wasInterested := p.AmInterested
	p.AmInterested = interesting
	p.Unlock()

	conn := p.Connection()
	if conn == nil {
		return
	}
	if interesting && !wasInterested {
		conn.SendInterested()
	} else if !interesting && wasInterested {
		conn.SendNotInterested()
	}
}

func (c *Coordinator) handleChoked(p *SharingPeer) {
	p.Lock()
	if p.PeerChoking {
		p.Unlock()
		return
	}
	p.PeerChoking = true
	dp := p.RequestedPiece
	p.RequestedPiece = nil
	p.Unlock()
	p.ClearOutstanding()

	if dp == nil {
		return
	}
	c.mu.Lock()
	c.bookkeeper.ClearRequested(dp.Index)
	if dp.AnyReceived() {
		c.bookkeeper.StorePartial(dp)
	}
	c.mu.Unlock()
}

func (c *Coordinator) handleUnchoked(p *SharingPeer) {
	p.Lock()
	if !p.PeerChoking {
		p.Unlock()
		return
	}
	p.PeerChoking = false
	p.Unlock()

	c.requestNextPiece(p)
}

// requestNextPiece asks the selector for the next piece this peer can
// supply and starts its block pipeline. Called both when a peer first
// unchokes us and again after finishing a piece, so a still-unchoked peer
// keeps being fed without waiting for another choke/unchoke round-trip.
func (c *Coordinator) requestNextPiece(p *SharingPeer) {
	p.Lock()
	choking := p.PeerChoking
	alreadyRequesting := p.RequestedPiece != nil
	p.Unlock()
	if choking || alreadyRequesting {
		return
	}

	// Snapshot the peer's bitfield before acquiring the swarm lock: the
	// selector's scan calls hasPiece once per table index, and the swarm
	// lock must never be held while calling back into a peer-locked
	// accessor like HasPiece.
	numPieces := c.table.Len()
	has := make([]bool, numPieces)
	for _, i := range p.BitfieldIndices(numPieces) {
		has[i] = true
	}
	hasPiece := func(i int) bool { return has[i] }

	c.mu.Lock()
	dp, ok := c.selector.NextPieceFor(hasPiece)
	if ok && c.selector.LastWasEndGame() && c.metrics != nil {
		c.metrics.EndGameActivations.Inc()
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	p.Lock()
	p.RequestedPiece = dp
	p.Unlock()
	c.issueRequests(p, dp)
}

func (c *Coordinator) issueRequests(p *SharingPeer, dp *piece.DownloadingPiece) {
	conn := p.Connection()
	if conn == nil {
		return
	}
	p.Lock()
	pending := make(map[int]bool, len(p.outstanding))
	for _, r := range p.outstanding {
		if r.Index == dp.Index {
			pending[r.Offset] = true
		}
	}
	p.Unlock()
	budget := pipelineDepth - len(pending)
	for _, offset := range dp.MissingOffsets() {
		if budget <= 0 {
			return
		}
		if pending[int(offset)] {
			continue
		}
		budget--
		length := int(dp.BlockLength(offset))
		if err := conn.SendRequest(dp.Index, int(offset), length); err != nil {
			return
		}
		p.PushRequest(Request{Index: dp.Index, Offset: int(offset), Length: length})
	}
}

func (c *Coordinator) handleRequest(p *SharingPeer, index, offset, length int) {
	p.Lock()
	allowed := !p.AmChoking && p.PeerInterested
	p.Unlock()
	if !allowed {
		return
	}
	block, err := c.store.ReadBlock(index, offset, length)
	if err != nil {
		c.log.Debug().Err(err).Msg("read block for request failed")
		return
	}
	conn := p.Connection()
	if conn == nil {
		return
	}
	if err := conn.SendPiece(index, offset, block); err != nil {
		return
	}
	atomic.AddUint64(&c.uploaded, uint64(length))
	p.UploadMeter.Add(int64(length))
	if c.metrics != nil {
		c.metrics.BytesUploaded.Add(float64(length))
	}
}

func (c *Coordinator) handlePiece(p *SharingPeer, index, offset int, data []byte) {
	if _, ok := p.PopRequest(index, offset, len(data)); !ok {
		c.protocolViolation(p, "unrequested block")
		return
	}
	p.MarkBlockReceived(time.Now())
	atomic.AddUint64(&c.downloaded, uint64(len(data)))
	p.DownloadMeter.Add(int64(len(data)))
	if c.metrics != nil {
		c.metrics.BytesDownloaded.Add(float64(len(data)))
	}

	p.Lock()
	dp := p.RequestedPiece
	p.Unlock()
	if dp == nil || dp.Index != index {
		// End-game redundant arrival for a piece someone else already
		// claimed, or for a piece this peer's pipeline no longer owns.
		// Discarded without error.
		return
	}

	if err := c.store.WriteBlock(index, offset, data); err != nil {
		c.log.Warn().Err(err).Int("piece", index).Msg("write block failed")
		return
	}
	dp.MarkReceived(int64(offset))

	if !dp.Complete() {
		c.issueRequests(p, dp)
		return
	}

	p.Lock()
	p.RequestedPiece = nil
	p.Unlock()
	c.completePiece(dp)
	c.maybeUpdateInterest(p)
	c.requestNextPiece(p)
}

func (c *Coordinator) completePiece(dp *piece.DownloadingPiece) {
	c.mu.Lock()
	c.bookkeeper.ClearRequested(dp.Index)
	c.mu.Unlock()

	valid, err := c.store.ValidatePiece(dp.Index)
	if err != nil || !valid {
		c.mu.Lock()
		c.table.Get(dp.Index).SetState(piece.Missing)
		holderKeys := c.table.Get(dp.Index).Holders()
		c.mu.Unlock()
		c.log.Warn().Int("piece", dp.Index).Msg("piece failed validation")
		var peerIDs []string
		for _, key := range holderKeys {
			if p, ok := c.registry.LookupByHolderKey(key); ok && p.PeerID != "" {
				peerIDs = append(peerIDs, p.PeerID)
			}
		}
		c.registry.Ban(peerIDs...)
		return
	}

	c.mu.Lock()
	c.table.Get(dp.Index).SetState(piece.Completed)
	complete := c.table.IsComplete()
	completed := c.table.CompletedCount()
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.PiecesCompleted.Inc()
	}
	c.broadcastHave(dp.Index)
	c.listeners.Fire(TorrentEvent{Phase: c.currentPhase(), Completed: completed, Total: c.table.Len()})

	if complete {
		c.finish()
	}
}

func (c *Coordinator) broadcastHave(index int) {
	for _, p := range c.registry.List() {
		if conn := p.Connection(); conn != nil {
			conn.SendHave(index)
		}
	}
}

func (c *Coordinator) finish() {
	for _, p := range c.registry.List() {
		reqs := p.ClearOutstanding()
		conn := p.Connection()
		if conn == nil {
			continue
		}
		for _, r := range reqs {
			conn.SendCancel(r.Index, r.Offset, r.Length)
		}
	}
	if err := c.store.Finalize(); err != nil {
		c.log.Error().Err(err).Msg("finalize failed")
	}

	c.mu.Lock()
	c.phase = Seeding
	c.mu.Unlock()

	c.listeners.Fire(TorrentEvent{Phase: Seeding, Completed: c.table.Len(), Total: c.table.Len()})
}

func (c *Coordinator) currentPhase() TorrentPhase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *Coordinator) handlePeerGone(p *SharingPeer) {
	indices := p.BitfieldIndices(c.table.Len())
	p.Lock()
	dp := p.RequestedPiece
	p.RequestedPiece = nil
	p.Unlock()

	c.mu.Lock()
	c.table.RemovePeer(p.HolderKey, indices)
	if dp != nil {
		c.bookkeeper.ClearRequested(dp.Index)
		if dp.AnyReceived() {
			c.bookkeeper.StorePartial(dp)
		}
	}
	c.mu.Unlock()

	p.ClearOutstanding()
	p.ClearConnection()
	c.registry.Remove(p)
	if c.metrics != nil {
		c.metrics.ConnectedPeers.Dec()
	}
}

func (c *Coordinator) ourBitfieldBytes() []byte {
	c.ourBitfieldMu.Lock()
	defer c.ourBitfieldMu.Unlock()
	out := make([]byte, (len(c.ourBitfield)+7)/8)
	for i, has := range c.ourBitfield {
		if has {
			out[i/8] |= 1 << uint(7-i%8)
		}
	}
	return out
}

// MarkOwned flags piece index as already held locally (e.g. from a prior
// run), so it is advertised in our bitfield without going through the
// download path.
func (c *Coordinator) MarkOwned(index int) {
	c.ourBitfieldMu.Lock()
	c.ourBitfield[index] = true
	c.ourBitfieldMu.Unlock()
	c.mu.Lock()
	c.table.Get(index).SetState(piece.Completed)
	c.mu.Unlock()
}
