package wire

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipe() (Wire, Wire) {
	a, b := net.Pipe()
	return New(a, time.Second), New(b, time.Second)
}

func TestHandshakeRoundTrip(t *testing.T) {
	client, server := pipe()
	defer client.Close()
	defer server.Close()

	infoHash := make([]byte, 20)
	peerID := make([]byte, 20)
	for i := range infoHash {
		infoHash[i] = byte(i)
		peerID[i] = byte(20 - i)
	}

	errc := make(chan error, 1)
	go func() { errc <- client.SendHandshake(infoHash, peerID) }()

	hs, err := server.ReadHandshake()
	require.NoError(t, err)
	require.NoError(t, <-errc)

	assert.Equal(t, "BitTorrent protocol", hs.Protocol)
	assert.Equal(t, infoHash, hs.InfoHash)
	assert.Equal(t, peerID, hs.PeerID)
}

func TestHandshakeRejectsShortIDs(t *testing.T) {
	client, _ := pipe()
	defer client.Close()
	assert.Error(t, client.SendHandshake([]byte("short"), make([]byte, 20)))
}

func TestSimpleMessageRoundTrip(t *testing.T) {
	client, server := pipe()
	defer client.Close()
	defer server.Close()

	go client.SendChoke()
	length, id, payload, err := server.ReadMessage()
	require.NoError(t, err)
	assert.EqualValues(t, 1, length)
	assert.Equal(t, Choke, id)
	assert.Empty(t, payload)
}

func TestKeepAliveHasZeroLength(t *testing.T) {
	client, server := pipe()
	defer client.Close()
	defer server.Close()

	go client.SendKeepAlive()
	length, _, _, err := server.ReadMessage()
	require.NoError(t, err)
	assert.EqualValues(t, 0, length)
}

func TestHaveEncodesIndex(t *testing.T) {
	client, server := pipe()
	defer client.Close()
	defer server.Close()

	go client.SendHave(42)
	_, id, payload, err := server.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, Have, id)
	require.Len(t, payload, 4)
	idx := int32(payload[0])<<24 | int32(payload[1])<<16 | int32(payload[2])<<8 | int32(payload[3])
	assert.EqualValues(t, 42, idx)
}

func TestRequestAndPieceRoundTrip(t *testing.T) {
	client, server := pipe()
	defer client.Close()
	defer server.Close()

	go client.SendRequest(1, 16384, 16384)
	_, id, payload, err := server.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, Request, id)
	assert.Len(t, payload, 12)

	block := []byte{1, 2, 3, 4}
	go client.SendPiece(1, 0, block)
	_, id, payload, err = server.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, Piece, id)
	assert.Equal(t, block, payload[8:])
}

func TestBitfieldRoundTrip(t *testing.T) {
	client, server := pipe()
	defer client.Close()
	defer server.Close()

	bf := []byte{0xFF, 0x00, 0x0F}
	go client.SendBitfield(bf)
	_, id, payload, err := server.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, Bitfield, id)
	assert.Equal(t, bf, payload)
}
