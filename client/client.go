// Package client is the top-level shell: it owns one swarm.Coordinator,
// one listening socket, and one trackerclient.Session per active torrent,
// plus an explicit lifecycle state machine, wiring the rest of the
// packages together into a running BitTorrent client.
package client

import (
	"encoding/hex"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/christf/ttorrent/listener"
	"github.com/christf/ttorrent/store"
	"github.com/christf/ttorrent/swarm"
	"github.com/christf/ttorrent/torrent"
	"github.com/christf/ttorrent/trackerclient"
	"github.com/christf/ttorrent/transport"
)

// State is the client shell's process lifecycle, distinct from any single
// torrent's swarm.Coordinator state.
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

// ErrClientMisuse marks a Client method invoked outside its running state.
var ErrClientMisuse = fmt.Errorf("client: invoked outside its running state")

// ClientStateChanged reports a transition of the client shell's own
// lifecycle state.
type ClientStateChanged struct {
	State State
}

// TorrentStateChanged reports a torrent's coordinator phase/completion
// change, tagged with the torrent it came from.
type TorrentStateChanged struct {
	InfoHashHex string
	Event       swarm.TorrentEvent
}

// ClientListener receives ClientStateChanged and TorrentStateChanged
// events over a buffered channel. Each event is sent on its own short-lived
// goroutine and dropped if the channel is full, so a slow listener can
// never block the coordinator that produced the event.
type ClientListener chan interface{}

// Config bundles what a Client needs to start: where to store downloaded
// data and the tunables each torrent's swarm.Coordinator inherits.
type Config struct {
	DataDir  string
	Fs       afero.Fs
	Choke    swarm.ChokeConfig
	Logger   zerolog.Logger
	MaxPeers int
}

// torrentHandle bundles one active torrent's collaborators: its own
// listening socket, transport, coordinator, and tracker session — mirroring
// the one-server-per-download shape of the collaborator this was grounded
// on, so torrents can be added and removed independently.
type torrentHandle struct {
	ln        *listener.Listener
	coord     *swarm.Coordinator
	transport *transport.Transport
	tracker   *trackerclient.Session
}

// Client is the shell that owns every active torrent's listening socket,
// coordinator, tracker session, and transport.
type Client struct {
	cfg    Config
	peerID []byte
	log    zerolog.Logger

	stateMu sync.Mutex
	state   State

	mu       sync.Mutex
	torrents map[string]*torrentHandle

	listenersMu sync.Mutex
	listeners   []ClientListener
}

// New builds an idle Client, using torrent.PeerID as its wire identity.
// Call Start before adding torrents.
func New(cfg Config) (*Client, error) {
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}
	return &Client{
		cfg:      cfg,
		peerID:   torrent.PeerID,
		log:      cfg.Logger,
		torrents: make(map[string]*torrentHandle),
	}, nil
}

// AddListener registers l for client and torrent state notifications,
// each delivered on a separate goroutine so a slow reader never blocks a
// coordinator.
func (c *Client) AddListener(l ClientListener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, l)
}

func (c *Client) fire(evt interface{}) {
	c.listenersMu.Lock()
	snapshot := append([]ClientListener(nil), c.listeners...)
	c.listenersMu.Unlock()
	for _, l := range snapshot {
		go func(l ClientListener) {
			select {
			case l <- evt:
			default:
			}
		}(l)
	}
}

// Start transitions Stopped -> Starting -> Started.
func (c *Client) Start() error {
	c.stateMu.Lock()
	if c.state != Stopped {
		c.stateMu.Unlock()
		return fmt.Errorf("%w: Start called in state %s", ErrClientMisuse, c.state)
	}
	c.state = Starting
	c.stateMu.Unlock()

	c.stateMu.Lock()
	c.state = Started
	c.stateMu.Unlock()
	c.fire(ClientStateChanged{State: Started})
	return nil
}

// Stop transitions Started -> Stopping -> Stopped, stopping every active
// torrent (its tracker session, coordinator, and listening socket).
func (c *Client) Stop() error {
	c.stateMu.Lock()
	if c.state != Started {
		c.stateMu.Unlock()
		return fmt.Errorf("%w: Stop called in state %s", ErrClientMisuse, c.state)
	}
	c.state = Stopping
	c.stateMu.Unlock()

	c.mu.Lock()
	handles := make([]*torrentHandle, 0, len(c.torrents))
	for hash := range c.torrents {
		handles = append(handles, c.torrents[hash])
	}
	c.torrents = make(map[string]*torrentHandle)
	c.mu.Unlock()

	var eg errgroup.Group
	for _, h := range handles {
		h := h
		eg.Go(func() error {
			stopHandle(h)
			return nil
		})
	}
	eg.Wait()

	c.stateMu.Lock()
	c.state = Stopped
	c.stateMu.Unlock()
	c.fire(ClientStateChanged{State: Stopped})
	return nil
}

// transportAccepter adapts transport.Transport's Accept (which returns a
// *PeerConn and error, for outbound-style callers) to listener.Accepter's
// fire-and-forget shape.
type transportAccepter struct {
	t   *transport.Transport
	log zerolog.Logger
}

func (a transportAccepter) Accept(conn net.Conn) {
	if _, err := a.t.Accept(conn); err != nil {
		a.log.Debug().Err(err).Msg("inbound handshake failed")
	}
}

func stopHandle(h *torrentHandle) {
	h.tracker.Stop()
	h.coord.Stop()
	h.ln.Close()
}

// AddTorrent parses a .torrent file's metadata, opens its piece store
// rooted under the client's data directory, opens a listening socket for
// inbound connections, and starts its coordinator and tracker session.
// Returns the torrent's info hash as hex.
func (c *Client) AddTorrent(tor *torrent.Torrent) (string, error) {
	c.stateMu.Lock()
	running := c.state == Started
	c.stateMu.Unlock()
	if !running {
		return "", fmt.Errorf("%w: AddTorrent called in state %s", ErrClientMisuse, c.state)
	}

	infoHashHex := hex.EncodeToString(tor.InfoHash)

	c.mu.Lock()
	if _, exists := c.torrents[infoHashHex]; exists {
		c.mu.Unlock()
		return infoHashHex, nil
	}
	c.mu.Unlock()

	disk, err := store.NewDisk(c.cfg.Fs, c.cfg.DataDir+"/"+infoHashHex, tor)
	if err != nil {
		return "", fmt.Errorf("client: open store: %w", err)
	}

	coord := swarm.New(swarm.Config{
		Torrent:  tor,
		Store:    disk,
		Logger:   c.log,
		Choke:    c.cfg.Choke,
		MaxPeers: c.cfg.MaxPeers,
	})
	trans := transport.New(tor.InfoHash, c.peerID, coord, c.log)
	coord.SetTransport(trans)

	coord.Subscribe(func(evt swarm.TorrentEvent) {
		c.fire(TorrentStateChanged{InfoHashHex: infoHashHex, Event: evt})
	})

	ln, err := listener.Listen(0, c.log)
	if err != nil {
		return "", fmt.Errorf("client: listen: %w", err)
	}
	go ln.Serve(transportAccepter{t: trans, log: c.log})

	if err := coord.Start(); err != nil {
		ln.Close()
		return "", fmt.Errorf("client: start coordinator: %w", err)
	}

	session := trackerclient.NewSession(tor, c.peerID, uint16(ln.Port()), coord, coord, c.log)
	session.Start()

	c.mu.Lock()
	c.torrents[infoHashHex] = &torrentHandle{ln: ln, coord: coord, transport: trans, tracker: session}
	c.mu.Unlock()

	return infoHashHex, nil
}

// RemoveTorrent stops a running torrent's listening socket, coordinator,
// and tracker session.
func (c *Client) RemoveTorrent(infoHashHex string) error {
	c.mu.Lock()
	h, ok := c.torrents[infoHashHex]
	if ok {
		delete(c.torrents, infoHashHex)
	}
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("client: unknown torrent %s", infoHashHex)
	}
	stopHandle(h)
	return nil
}

// Torrents returns the info hashes (hex) of every currently active torrent.
func (c *Client) Torrents() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.torrents))
	for hash := range c.torrents {
		out = append(out, hash)
	}
	return out
}
