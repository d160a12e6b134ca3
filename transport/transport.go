// Package transport dials and accepts peer-wire connections, performs the
// handshake, and pumps decoded messages to a Handler. It knows nothing
// about piece selection or choking; it only turns bytes on the wire into
// callbacks and callbacks into bytes on the wire.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/christf/ttorrent/wire"
)

// Handler receives transport-level events. Implementations must not block;
// the swarm coordinator dispatches these onto its own event-handling path.
type Handler interface {
	OnHandshake(pc *PeerConn)
	OnMessage(pc *PeerConn, id uint8, payload []byte)
	OnIOError(pc *PeerConn, err error)
	OnDisconnect(pc *PeerConn)
}

// PeerConn is a connected, handshaken peer. It exposes the producer
// interface (send/request/cancel/close) the swarm coordinator uses to talk
// back to the remote peer.
type PeerConn struct {
	RemoteAddr string
	PeerID     []byte

	w      wire.Wire
	closed int32
	sendMu sync.Mutex
}

func (pc *PeerConn) Send(fn func(wire.Wire) error) error {
	pc.sendMu.Lock()
	defer pc.sendMu.Unlock()
	if atomic.LoadInt32(&pc.closed) == 1 {
		return fmt.Errorf("transport: peer %s is closed", pc.RemoteAddr)
	}
	return fn(pc.w)
}

func (pc *PeerConn) SendChoke() error         { return pc.Send(wire.Wire.SendChoke) }
func (pc *PeerConn) SendUnchoke() error       { return pc.Send(wire.Wire.SendUnchoke) }
func (pc *PeerConn) SendInterested() error    { return pc.Send(wire.Wire.SendInterested) }
func (pc *PeerConn) SendNotInterested() error { return pc.Send(wire.Wire.SendNotInterested) }

func (pc *PeerConn) SendHave(index int) error {
	return pc.Send(func(w wire.Wire) error { return w.SendHave(index) })
}

func (pc *PeerConn) SendBitfield(bitfield []byte) error {
	return pc.Send(func(w wire.Wire) error { return w.SendBitfield(bitfield) })
}

func (pc *PeerConn) SendRequest(index, begin, length int) error {
	return pc.Send(func(w wire.Wire) error { return w.SendRequest(index, begin, length) })
}

func (pc *PeerConn) SendPiece(index, begin int, block []byte) error {
	return pc.Send(func(w wire.Wire) error { return w.SendPiece(index, begin, block) })
}

func (pc *PeerConn) SendCancel(index, begin, length int) error {
	return pc.Send(func(w wire.Wire) error { return w.SendCancel(index, begin, length) })
}

// Close closes the underlying connection. Safe to call more than once.
func (pc *PeerConn) Close() error {
	if !atomic.CompareAndSwapInt32(&pc.closed, 0, 1) {
		return nil
	}
	return pc.w.Close()
}

func (pc *PeerConn) IsClosed() bool { return atomic.LoadInt32(&pc.closed) == 1 }

// Transport performs handshakes for one torrent's info-hash and pumps
// subsequent messages from every connection it establishes to a Handler.
type Transport struct {
	infoHash    []byte
	ourPeerID   []byte
	dialTimeout time.Duration
	ioTimeout   time.Duration
	handler     Handler
	log         zerolog.Logger
}

// New builds a Transport for a single torrent's info-hash.
func New(infoHash, ourPeerID []byte, handler Handler, log zerolog.Logger) *Transport {
	return &Transport{
		infoHash:    infoHash,
		ourPeerID:   ourPeerID,
		dialTimeout: 2 * time.Second,
		ioTimeout:   2 * time.Minute,
		handler:     handler,
		log:         log.With().Str("component", "transport").Logger(),
	}
}

// Dial opens an outbound connection to addr, performs the handshake, and
// starts pumping messages to the handler. It returns once the handshake
// either succeeds or fails; message pumping continues in the background.
func (t *Transport) Dial(ctx context.Context, addr string) (*PeerConn, error) {
	d := net.Dialer{Timeout: t.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	w := wire.New(conn, t.ioTimeout)

	if err := w.SendHandshake(t.infoHash, t.ourPeerID); err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: send handshake to %s: %w", addr, err)
	}
	hs, err := w.ReadHandshake()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: read handshake from %s: %w", addr, err)
	}
	if !bytes.Equal(hs.InfoHash, t.infoHash) {
		conn.Close()
		return nil, fmt.Errorf("transport: info hash mismatch from %s", addr)
	}

	pc := &PeerConn{RemoteAddr: addr, PeerID: hs.PeerID, w: w}
	t.handler.OnHandshake(pc)
	go t.pump(pc)
	return pc, nil
}

// Accept completes the inbound side of a handshake on an already-accepted
// connection: the remote sends first, we validate the info-hash and reply.
func (t *Transport) Accept(conn net.Conn) (*PeerConn, error) {
	w := wire.New(conn, t.ioTimeout)

	hs, err := w.ReadHandshake()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: read inbound handshake: %w", err)
	}
	if !bytes.Equal(hs.InfoHash, t.infoHash) {
		conn.Close()
		return nil, fmt.Errorf("transport: inbound info hash mismatch from %s", conn.RemoteAddr())
	}
	if err := w.SendHandshake(t.infoHash, t.ourPeerID); err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: reply handshake to %s: %w", conn.RemoteAddr(), err)
	}

	pc := &PeerConn{RemoteAddr: conn.RemoteAddr().String(), PeerID: hs.PeerID, w: w}
	t.handler.OnHandshake(pc)
	go t.pump(pc)
	return pc, nil
}

// pump reads messages until the connection fails or is closed, dispatching
// each to the handler. A zero-length read is a keep-alive and is silently
// dropped.
func (t *Transport) pump(pc *PeerConn) {
	go t.keepAlive(pc)

	for {
		length, id, payload, err := pc.w.ReadMessage()
		if err != nil {
			if pc.IsClosed() {
				return
			}
			t.handler.OnIOError(pc, err)
			t.handler.OnDisconnect(pc)
			pc.Close()
			return
		}
		if length == 0 {
			continue
		}
		t.handler.OnMessage(pc, id, payload)
	}
}

// keepAlive sends a keep-alive whenever a peer connection has been silent
// for a full minute, matching the wire protocol's expected cadence.
func (t *Transport) keepAlive(pc *PeerConn) {
	const interval = time.Minute
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		if pc.IsClosed() {
			return
		}
		if time.Since(pc.w.LastMessageSent()) < interval {
			continue
		}
		if err := pc.Send(wire.Wire.SendKeepAlive); err != nil {
			return
		}
	}
}
