package swarm

import (
	"math/rand"
	"sort"
	"time"
)

// Choke tunables, named after the coordinator's tunables table.
const (
	DefaultUnchokePeriod         = 3 * time.Second
	DefaultOptimisticIterations  = 3
	DefaultMaxDownloadersUnchoke = 4
	DefaultSnubbedPeriod         = 60 * time.Second
)

// ChokeConfig holds the choke scheduler's tunables.
type ChokeConfig struct {
	UnchokePeriod         time.Duration
	OptimisticIterations  int
	MaxDownloadersUnchoke int
	SnubbedPeriod         time.Duration
}

// DefaultChokeConfig returns the tunables table's defaults.
func DefaultChokeConfig() ChokeConfig {
	return ChokeConfig{
		UnchokePeriod:         DefaultUnchokePeriod,
		OptimisticIterations:  DefaultOptimisticIterations,
		MaxDownloadersUnchoke: DefaultMaxDownloadersUnchoke,
		SnubbedPeriod:         DefaultSnubbedPeriod,
	}
}

// chokeCandidate is one peer's ranking input for a single scheduler tick.
type chokeCandidate struct {
	peer          *SharingPeer
	rate          float64
	interested    bool
	shouldUnchoke bool
}

// ChokeScheduler runs the fixed-interval tit-for-tat unchoke algorithm.
// Each tick it recomputes the full choke slate from every connected,
// interested peer — not just the currently choked ones — so the total
// unchoked count stays bounded across ticks (see DESIGN.md for why this
// departs from a literal peer-by-peer reading of the candidate-set step).
type ChokeScheduler struct {
	registry *Registry
	cfg      ChokeConfig
	seeding  func() bool
	rnd      *rand.Rand

	optimisticCountdown int

	quit chan struct{}
}

// NewChokeScheduler builds a scheduler over registry. seeding reports
// whether the torrent has finished downloading, switching the rate metric
// from download rate to upload rate.
func NewChokeScheduler(registry *Registry, cfg ChokeConfig, seeding func() bool, rnd *rand.Rand) *ChokeScheduler {
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &ChokeScheduler{
		registry: registry,
		cfg:      cfg,
		seeding:  seeding,
		rnd:      rnd,
		quit:     make(chan struct{}),
	}
}

// Run blocks, ticking the scheduler every UnchokePeriod until Stop is
// called.
func (c *ChokeScheduler) Run() {
	ticker := time.NewTicker(c.cfg.UnchokePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.quit:
			return
		case <-ticker.C:
			c.Tick()
		}
	}
}

func (c *ChokeScheduler) Stop() { close(c.quit) }

// Tick runs one round of the algorithm and returns the peers unchoked and
// choked as a result, for logging/testing.
func (c *ChokeScheduler) Tick() (unchoked, choked []*SharingPeer) {
	isOptimistic := c.optimisticCountdown == 0
	if isOptimistic {
		c.optimisticCountdown = c.cfg.OptimisticIterations
	} else {
		c.optimisticCountdown--
	}

	now := time.Now()
	seeding := c.seeding != nil && c.seeding()

	var connected []*SharingPeer
	var candidates []*chokeCandidate
	for _, p := range c.registry.List() {
		if !p.IsConnected() {
			continue
		}
		connected = append(connected, p)

		// Roll this period's transferred bytes into each meter's smoothing
		// window before ranking, regardless of interest, so Rate() reflects
		// a peer's most recent activity rather than staying at zero.
		p.DownloadMeter.Tick()
		p.UploadMeter.Tick()

		p.Lock()
		interested := p.PeerInterested
		p.Unlock()
		if !interested {
			continue
		}
		if p.Snubbed(now, c.cfg.SnubbedPeriod) {
			// Claims interest but isn't reciprocating; treat as
			// uninteresting for ranking purposes so it falls out of the
			// unchoke slate on its own (but still gets explicitly choked
			// below if it was previously unchoked).
			continue
		}
		var rate float64
		if seeding {
			rate = p.UploadMeter.Rate()
		} else {
			rate = p.DownloadMeter.Rate()
		}
		candidates = append(candidates, &chokeCandidate{peer: p, rate: rate, interested: true})
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].rate > candidates[j].rate })

	max := c.cfg.MaxDownloadersUnchoke
	for i, cand := range candidates {
		if i < max {
			cand.shouldUnchoke = true
		}
	}

	if isOptimistic && len(candidates) > max {
		rest := candidates[max:]
		pick := rest[c.rnd.Intn(len(rest))]
		pick.shouldUnchoke = true
	}

	shouldUnchoke := make(map[*SharingPeer]bool, len(candidates))
	for _, cand := range candidates {
		shouldUnchoke[cand.peer] = cand.shouldUnchoke
	}

	// Apply the decision to every connected peer, not just this tick's
	// ranked candidates, so a peer that drops out of contention (turns
	// uninterested or snubbed) still gets explicitly choked instead of
	// being left unchoked forever.
	for _, p := range connected {
		p.Lock()
		amChoking := p.AmChoking
		p.Unlock()

		conn := p.Connection()
		if conn == nil {
			continue
		}
		if shouldUnchoke[p] && amChoking {
			if conn.SendUnchoke() == nil {
				p.Lock()
				p.AmChoking = false
				p.Unlock()
				unchoked = append(unchoked, p)
			}
		} else if !shouldUnchoke[p] && !amChoking {
			if conn.SendChoke() == nil {
				p.Lock()
				p.AmChoking = true
				p.Unlock()
				choked = append(choked, p)
			}
		}
	}
	return unchoked, choked
}
