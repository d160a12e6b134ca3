package swarm

import "sync"

// TorrentPhase is the coordinator's high-level phase, distinct from its
// process lifecycle State: a torrent is Sharing while downloading and
// Seeding once complete, and the choke scheduler's rate metric switches
// accordingly.
type TorrentPhase int

const (
	Sharing TorrentPhase = iota
	Seeding
)

func (p TorrentPhase) String() string {
	if p == Seeding {
		return "seeding"
	}
	return "sharing"
}

// TorrentEvent is pushed to subscribers on any phase or completion change.
// Listeners must not call back into the coordinator synchronously.
type TorrentEvent struct {
	Phase     TorrentPhase
	Completed int
	Total     int
}

// TorrentListener receives TorrentEvent notifications. Implementations
// must return promptly; the coordinator invokes listeners without holding
// its swarm lock, but on the goroutine that produced the event.
type TorrentListener func(TorrentEvent)

// listenerSet fans a single event out to any number of subscribers,
// decoupled from the coordinator's internal locks.
type listenerSet struct {
	mu        sync.Mutex
	listeners []TorrentListener
}

func (s *listenerSet) Subscribe(l TorrentListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *listenerSet) Fire(evt TorrentEvent) {
	s.mu.Lock()
	snapshot := append([]TorrentListener(nil), s.listeners...)
	s.mu.Unlock()
	for _, l := range snapshot {
		l(evt)
	}
}
