package trackerclient

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strings"
	"time"
)

// protocolID is the BEP 0015 magic constant identifying a connect request.
var protocolID, _ = hex.DecodeString("0000041727101980")

const (
	udpActionConnect  int32 = 0
	udpActionAnnounce int32 = 1
)

// UDP announces to a BEP 0015 UDP tracker: connect handshake first to
// obtain a connection id, then a single announce datagram carrying the
// transfer state and returning a compact peer list.
type UDP struct {
	rawURL string

	// Dial lets tests substitute an in-memory packet connection; defaults
	// to net.DialTimeout("udp", ...).
	Dial func(addr string) (net.Conn, error)
	Rand *rand.Rand
}

// NewUDP builds a UDP tracker client for the given udp:// announce URL.
func NewUDP(announceURL string) *UDP {
	return &UDP{
		rawURL: announceURL,
		Dial: func(addr string) (net.Conn, error) {
			return net.DialTimeout("udp", addr, 5*time.Second)
		},
		Rand: rand.New(rand.NewSource(1)),
	}
}

func (u *UDP) addr() string {
	rest := strings.TrimPrefix(u.rawURL, "udp://")
	rest = strings.TrimSuffix(rest, "/announce")
	rest = strings.TrimSuffix(rest, "/")
	return rest
}

func (u *UDP) Announce(ctx context.Context, req AnnounceRequest) (*AnnounceResponse, error) {
	conn, err := u.Dial(u.addr())
	if err != nil {
		return nil, fmt.Errorf("trackerclient: udp dial: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	connectionID, err := u.connect(conn)
	if err != nil {
		return nil, fmt.Errorf("trackerclient: udp connect: %w", err)
	}
	return u.announce(conn, req, connectionID)
}

func (u *UDP) connect(conn net.Conn) (int64, error) {
	request := &bytes.Buffer{}
	binary.Write(request, binary.BigEndian, protocolID)
	binary.Write(request, binary.BigEndian, udpActionConnect)
	transactionID := u.Rand.Int31()
	binary.Write(request, binary.BigEndian, transactionID)

	if _, err := conn.Write(request.Bytes()); err != nil {
		return 0, err
	}

	data := make([]byte, 16)
	if _, err := io.ReadFull(conn, data); err != nil {
		return 0, err
	}
	resp := bytes.NewReader(data)

	var action int32
	binary.Read(resp, binary.BigEndian, &action)
	if action != udpActionConnect {
		return 0, fmt.Errorf("connect response action != connect")
	}
	var gotTransactionID int32
	binary.Read(resp, binary.BigEndian, &gotTransactionID)
	if gotTransactionID != transactionID {
		return 0, fmt.Errorf("connect response transaction id mismatch")
	}
	var connectionID int64
	binary.Read(resp, binary.BigEndian, &connectionID)
	return connectionID, nil
}

func (u *UDP) announce(conn net.Conn, req AnnounceRequest, connectionID int64) (*AnnounceResponse, error) {
	request := &bytes.Buffer{}
	binary.Write(request, binary.BigEndian, connectionID)
	binary.Write(request, binary.BigEndian, udpActionAnnounce)
	transactionID := u.Rand.Int31()
	binary.Write(request, binary.BigEndian, transactionID)
	binary.Write(request, binary.BigEndian, req.InfoHash)
	binary.Write(request, binary.BigEndian, req.PeerID)
	binary.Write(request, binary.BigEndian, req.Downloaded)
	binary.Write(request, binary.BigEndian, req.Left)
	binary.Write(request, binary.BigEndian, req.Uploaded)
	binary.Write(request, binary.BigEndian, int32(req.Event))
	binary.Write(request, binary.BigEndian, int32(0)) // IP: default, let tracker use source address
	binary.Write(request, binary.BigEndian, u.Rand.Int31())
	numWant := req.NumWant
	if numWant == 0 {
		numWant = -1
	}
	binary.Write(request, binary.BigEndian, numWant)
	binary.Write(request, binary.BigEndian, req.Port)

	if _, err := conn.Write(request.Bytes()); err != nil {
		return nil, err
	}

	data := make([]byte, 20+6*100) // room for up to 100 compact peer entries
	n, err := conn.Read(data)
	if err != nil {
		return nil, err
	}
	if n < 20 {
		return nil, fmt.Errorf("malformed announce response body")
	}
	resp := bytes.NewReader(data[:n])

	var action int32
	binary.Read(resp, binary.BigEndian, &action)
	if action != udpActionAnnounce {
		return nil, fmt.Errorf("announce response action != announce")
	}
	var gotTransactionID int32
	binary.Read(resp, binary.BigEndian, &gotTransactionID)
	if gotTransactionID != transactionID {
		return nil, fmt.Errorf("announce response transaction id mismatch")
	}

	out := &AnnounceResponse{}
	binary.Read(resp, binary.BigEndian, &out.Interval)
	binary.Read(resp, binary.BigEndian, &out.Leechers)
	binary.Read(resp, binary.BigEndian, &out.Seeders)

	peerBytes, err := io.ReadAll(resp)
	if err != nil {
		return nil, err
	}
	out.Peers = parseCompactPeers(peerBytes)
	return out, nil
}
