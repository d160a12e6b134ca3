package trackerclient

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/christf/ttorrent/torrent"
)

// PeerSource is the subset of swarm.Coordinator a Session needs: somewhere
// to hand off announce-response peer addresses.
type PeerSource interface {
	AddPeerCandidate(ctx context.Context, addr string)
}

// StatsSource reports the transfer state a Session includes in each
// announce, decoupling this package from swarm.Coordinator's internals.
type StatsSource interface {
	TrackerStats() (uploaded, downloaded, left int64)
}

const defaultNumWant = 50
const minReannounceInterval = 15 * time.Second

// Session drives the announce loop for one torrent across its announce-list
// tiers, falling forward to the next tracker in a tier (and the next tier)
// when one fails, and feeding every returned peer to a PeerSource.
type Session struct {
	tor       *torrent.Torrent
	peerID    []byte
	port      uint16
	peers     PeerSource
	stats     StatsSource
	log       zerolog.Logger
	newClient func(trackerURL string) (Client, error)

	quit chan struct{}
	done chan struct{}
}

// NewSession builds a tracker session for tor, announcing this client's
// peerID and listening port.
func NewSession(tor *torrent.Torrent, peerID []byte, port uint16, peers PeerSource, stats StatsSource, log zerolog.Logger) *Session {
	return &Session{
		tor:       tor,
		peerID:    peerID,
		port:      port,
		peers:     peers,
		stats:     stats,
		log:       log,
		newClient: New,
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start runs the announce loop in a background goroutine until Stop is
// called, sending EventStarted on the first announce and EventStopped on
// the last.
func (s *Session) Start() {
	go s.run()
}

// Stop signals the announce loop to send a final stopped announce and
// return, blocking until it does.
func (s *Session) Stop() {
	close(s.quit)
	<-s.done
}

func (s *Session) run() {
	defer close(s.done)
	tiers := s.tiers()
	if len(tiers) == 0 {
		return
	}

	first := true
announceLoop:
	for {
		select {
		case <-s.quit:
			return
		default:
		}

		for _, tier := range tiers {
			for _, trackerURL := range tier {
				event := EventNone
				if first {
					event = EventStarted
				}
				interval, err := s.announceOnce(trackerURL, event)
				if err != nil {
					s.log.Warn().Err(err).Str("tracker", trackerURL).Msg("announce failed, trying next")
					continue
				}
				first = false
				if s.waitOrQuit(interval) {
					s.announceOnce(trackerURL, EventStopped)
					return
				}
				// Re-announce from the first tier, so a working tracker is
				// kept rather than rotated away from.
				continue announceLoop
			}
		}
		// every tracker in every tier failed; back off before retrying.
		if s.waitOrQuit(minReannounceInterval) {
			return
		}
	}
}

// waitOrQuit blocks for d or until Stop is called, returning true if Stop
// fired first.
func (s *Session) waitOrQuit(d time.Duration) bool {
	if d < minReannounceInterval {
		d = minReannounceInterval
	}
	select {
	case <-s.quit:
		return true
	case <-time.After(d):
		return false
	}
}

func (s *Session) announceOnce(trackerURL string, event Event) (time.Duration, error) {
	client, err := s.newClient(trackerURL)
	if err != nil {
		return 0, err
	}

	var uploaded, downloaded, left int64
	if s.stats != nil {
		uploaded, downloaded, left = s.stats.TrackerStats()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resp, err := client.Announce(ctx, AnnounceRequest{
		InfoHash:   s.tor.InfoHash,
		PeerID:     s.peerID,
		Port:       s.port,
		Uploaded:   uploaded,
		Downloaded: downloaded,
		Left:       left,
		NumWant:    defaultNumWant,
		Event:      event,
	})
	if err != nil {
		return 0, err
	}

	s.log.Debug().Str("tracker", trackerURL).Int("peers", len(resp.Peers)).Msg("announce ok")
	for _, addr := range resp.Peers {
		s.peers.AddPeerCandidate(context.Background(), addr)
	}
	return time.Duration(resp.Interval) * time.Second, nil
}

func (s *Session) tiers() [][]string {
	if len(s.tor.MetaInfo.AnnounceList) > 0 {
		return s.tor.MetaInfo.AnnounceList
	}
	if s.tor.MetaInfo.Announce != "" {
		return [][]string{{s.tor.MetaInfo.Announce}}
	}
	return nil
}
