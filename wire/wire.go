// Package wire implements the BitTorrent peer wire protocol message codec:
// the handshake and the length-prefixed message framing used once a
// connection is established. It has no knowledge of piece selection or
// choking policy — it only encodes and decodes bytes.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

// Message IDs, as defined by the BitTorrent peer wire protocol.
const (
	Choke         uint8 = 0
	Unchoke       uint8 = 1
	Interested    uint8 = 2
	NotInterested uint8 = 3
	Have          uint8 = 4
	Bitfield      uint8 = 5
	Request       uint8 = 6
	Piece         uint8 = 7
	Cancel        uint8 = 8
	Port          uint8 = 9
)

const protocolName = "BitTorrent protocol"

// Handshake is the fixed 68-byte greeting exchanged once per connection.
type Handshake struct {
	Protocol string
	InfoHash []byte
	PeerID   []byte
}

// Wire sends and receives peer-wire protocol messages over a single TCP
// connection. Implementations are not safe for concurrent writers; the
// transport layer serializes sends per peer.
type Wire interface {
	SendHandshake(infoHash, peerID []byte) error
	ReadHandshake() (Handshake, error)

	SendKeepAlive() error
	SendChoke() error
	SendUnchoke() error
	SendInterested() error
	SendNotInterested() error
	SendHave(index int) error
	SendBitfield(bitfield []byte) error
	SendRequest(index, begin, length int) error
	SendPiece(index, begin int, block []byte) error
	SendCancel(index, begin, length int) error
	SendPort(port uint16) error

	// ReadMessage blocks for the next message. length == 0 denotes a
	// keep-alive with no message ID or payload.
	ReadMessage() (length int32, id uint8, payload []byte, err error)

	LastMessageSent() time.Time
	Close() error
}

type wire struct {
	conn            net.Conn
	timeout         time.Duration
	lastMessageSent time.Time
}

// New wraps conn as a Wire, applying timeout as both the read and write
// deadline for every operation.
func New(conn net.Conn, timeout time.Duration) Wire {
	return &wire{conn: conn, timeout: timeout}
}

func (w *wire) LastMessageSent() time.Time { return w.lastMessageSent }

func (w *wire) Close() error { return w.conn.Close() }

func (w *wire) SendHandshake(infoHash, peerID []byte) error {
	if len(infoHash) != 20 || len(peerID) != 20 {
		return fmt.Errorf("wire: handshake requires 20-byte infoHash and peerID")
	}
	buf := &bytes.Buffer{}
	buf.WriteByte(uint8(len(protocolName)))
	buf.WriteString(protocolName)
	buf.Write(make([]byte, 8)) // reserved
	buf.Write(infoHash)
	buf.Write(peerID)
	return w.write(buf.Bytes())
}

func (w *wire) ReadHandshake() (Handshake, error) {
	w.conn.SetReadDeadline(time.Now().Add(w.timeout))
	var plen [1]byte
	if _, err := io.ReadFull(w.conn, plen[:]); err != nil {
		return Handshake{}, fmt.Errorf("wire: read handshake length: %w", err)
	}
	rest := make([]byte, int(plen[0])+8+20+20)
	if _, err := io.ReadFull(w.conn, rest); err != nil {
		return Handshake{}, fmt.Errorf("wire: read handshake body: %w", err)
	}
	protocol := string(rest[:plen[0]])
	infoHash := rest[int(plen[0])+8 : int(plen[0])+8+20]
	peerID := rest[int(plen[0])+8+20:]
	return Handshake{Protocol: protocol, InfoHash: infoHash, PeerID: peerID}, nil
}

func (w *wire) ReadMessage() (int32, uint8, []byte, error) {
	w.conn.SetReadDeadline(time.Now().Add(w.timeout))

	var length int32
	if err := binary.Read(w.conn, binary.BigEndian, &length); err != nil {
		return 0, 0, nil, fmt.Errorf("wire: read length prefix: %w", err)
	}
	if length == 0 {
		return 0, 0, nil, nil
	}
	if length < 0 || length > 1<<20 {
		return 0, 0, nil, fmt.Errorf("wire: implausible message length %d", length)
	}

	var id uint8
	if err := binary.Read(w.conn, binary.BigEndian, &id); err != nil {
		return 0, 0, nil, fmt.Errorf("wire: read message id: %w", err)
	}
	payload := make([]byte, length-1)
	if _, err := io.ReadFull(w.conn, payload); err != nil {
		return 0, 0, nil, fmt.Errorf("wire: read payload: %w", err)
	}
	return length, id, payload, nil
}

func (w *wire) SendKeepAlive() error {
	return w.write(encodeInt32(0))
}

func (w *wire) SendChoke() error         { return w.sendSimple(Choke) }
func (w *wire) SendUnchoke() error       { return w.sendSimple(Unchoke) }
func (w *wire) SendInterested() error    { return w.sendSimple(Interested) }
func (w *wire) SendNotInterested() error { return w.sendSimple(NotInterested) }

func (w *wire) sendSimple(id uint8) error {
	buf := &bytes.Buffer{}
	binary.Write(buf, binary.BigEndian, int32(1))
	buf.WriteByte(id)
	return w.write(buf.Bytes())
}

func (w *wire) SendHave(index int) error {
	buf := &bytes.Buffer{}
	binary.Write(buf, binary.BigEndian, int32(5))
	buf.WriteByte(Have)
	binary.Write(buf, binary.BigEndian, int32(index))
	return w.write(buf.Bytes())
}

func (w *wire) SendBitfield(bitfield []byte) error {
	buf := &bytes.Buffer{}
	binary.Write(buf, binary.BigEndian, int32(1+len(bitfield)))
	buf.WriteByte(Bitfield)
	buf.Write(bitfield)
	return w.write(buf.Bytes())
}

func (w *wire) SendRequest(index, begin, length int) error {
	return w.sendTriple(Request, index, begin, length)
}

func (w *wire) SendCancel(index, begin, length int) error {
	return w.sendTriple(Cancel, index, begin, length)
}

func (w *wire) sendTriple(id uint8, a, b, c int) error {
	buf := &bytes.Buffer{}
	binary.Write(buf, binary.BigEndian, int32(13))
	buf.WriteByte(id)
	binary.Write(buf, binary.BigEndian, int32(a))
	binary.Write(buf, binary.BigEndian, int32(b))
	binary.Write(buf, binary.BigEndian, int32(c))
	return w.write(buf.Bytes())
}

func (w *wire) SendPiece(index, begin int, block []byte) error {
	buf := &bytes.Buffer{}
	binary.Write(buf, binary.BigEndian, int32(9+len(block)))
	buf.WriteByte(Piece)
	binary.Write(buf, binary.BigEndian, int32(index))
	binary.Write(buf, binary.BigEndian, int32(begin))
	buf.Write(block)
	return w.write(buf.Bytes())
}

func (w *wire) SendPort(port uint16) error {
	buf := &bytes.Buffer{}
	binary.Write(buf, binary.BigEndian, int32(3))
	buf.WriteByte(Port)
	binary.Write(buf, binary.BigEndian, port)
	return w.write(buf.Bytes())
}

func (w *wire) write(msg []byte) error {
	w.lastMessageSent = time.Now()
	w.conn.SetWriteDeadline(time.Now().Add(w.timeout))
	_, err := w.conn.Write(msg)
	if err != nil {
		return fmt.Errorf("wire: write: %w", err)
	}
	return nil
}

func encodeInt32(v int32) []byte {
	buf := &bytes.Buffer{}
	binary.Write(buf, binary.BigEndian, v)
	return buf.Bytes()
}
