// Package listener owns the client's inbound listening socket: accepting
// peer connections and, best-effort, mapping the listening port through a
// UPnP internet gateway device so peers outside the local network can dial
// in directly.
package listener

import (
	"fmt"
	"net"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Accepter is handed every accepted inbound connection; the client
// package's transportAccepter (wrapping transport.Transport.Accept)
// implements this.
type Accepter interface {
	Accept(conn net.Conn)
}

// Listener owns a TCP listening socket and its accept loop.
type Listener struct {
	ln      net.Listener
	port    int
	log     zerolog.Logger
	quit    chan struct{}
	done    chan struct{}
	serving atomic.Bool

	nat *natMapping
}

// Listen opens a TCP listening socket on the given port (0 for any free
// port) and attempts a UPnP port mapping for it, logging but not failing
// if no gateway is found.
func Listen(port int, log zerolog.Logger) (*Listener, error) {
	ln, err := net.Listen("tcp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("listener: listen: %w", err)
	}

	actualPort := ln.Addr().(*net.TCPAddr).Port
	l := &Listener{
		ln:   ln,
		port: actualPort,
		log:  log,
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}

	l.nat = tryMapPort(actualPort, log)
	return l, nil
}

// Port returns the local listening port (also the port a NAT mapping, if
// any, was requested for).
func (l *Listener) Port() int { return l.port }

// Serve runs the accept loop, handing every accepted connection to h,
// until Close is called.
func (l *Listener) Serve(h Accepter) {
	l.serving.Store(true)
	defer close(l.done)
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.quit:
				return
			default:
				l.log.Warn().Err(err).Msg("accept failed")
				return
			}
		}
		go h.Accept(conn)
	}
}

// Close stops the accept loop, closes the listening socket, and tears down
// any UPnP port mapping this Listener installed.
func (l *Listener) Close() error {
	close(l.quit)
	err := l.ln.Close()
	if l.serving.Load() {
		<-l.done
	}
	if l.nat != nil {
		l.nat.remove(l.log)
	}
	return err
}
