package listener

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingAccepter struct {
	mu    sync.Mutex
	conns int
}

func (r *recordingAccepter) Accept(conn net.Conn) {
	r.mu.Lock()
	r.conns++
	r.mu.Unlock()
	conn.Close()
}

func (r *recordingAccepter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns
}

func TestListenAssignsAndReportsPort(t *testing.T) {
	l, err := Listen(0, zerolog.Nop())
	require.NoError(t, err)
	defer l.Close()

	assert.NotZero(t, l.Port())
}

func TestServeDispatchesAcceptedConnections(t *testing.T) {
	l, err := Listen(0, zerolog.Nop())
	require.NoError(t, err)
	defer l.Close()

	accepter := &recordingAccepter{}
	go l.Serve(accepter)

	conn, err := net.Dial("tcp4", l.ln.Addr().String())
	require.NoError(t, err)
	conn.Close()

	require.Eventually(t, func() bool {
		return accepter.count() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestCloseStopsAcceptLoop(t *testing.T) {
	l, err := Listen(0, zerolog.Nop())
	require.NoError(t, err)

	accepter := &recordingAccepter{}
	done := make(chan struct{})
	go func() {
		l.Serve(accepter)
		close(done)
	}()

	require.NoError(t, l.Close())
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after Close")
	}
}

func TestNoGatewayFoundReturnsNilMapping(t *testing.T) {
	// In the test sandbox there is no real UPnP IGD, so discovery must fail
	// closed rather than panic or block indefinitely.
	m := tryMapPort(6881, zerolog.Nop())
	assert.Nil(t, m)
}
