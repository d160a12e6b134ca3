package swarm

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the coordinator's Prometheus instrumentation. One Metrics
// instance is created per torrent, labeled by info hash, so a client
// running several torrents at once gets a per-swarm breakdown.
type Metrics struct {
	ConnectedPeers     prometheus.Gauge
	UnchokedSlots      prometheus.Gauge
	PiecesCompleted    prometheus.Counter
	BytesDownloaded    prometheus.Counter
	BytesUploaded      prometheus.Counter
	EndGameActivations prometheus.Counter
}

// NewMetrics registers a Metrics set for infoHashHex against reg. Pass
// prometheus.NewRegistry() (or DefaultRegisterer) from the client shell.
func NewMetrics(reg prometheus.Registerer, infoHashHex string) *Metrics {
	labels := prometheus.Labels{"info_hash": infoHashHex}
	m := &Metrics{
		ConnectedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "torrentd",
			Subsystem:   "swarm",
			Name:        "connected_peers",
			Help:        "Number of peers currently connected for this torrent.",
			ConstLabels: labels,
		}),
		UnchokedSlots: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "torrentd",
			Subsystem:   "swarm",
			Name:        "unchoked_slots",
			Help:        "Number of peers currently unchoked for this torrent.",
			ConstLabels: labels,
		}),
		PiecesCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "torrentd",
			Subsystem:   "swarm",
			Name:        "pieces_completed_total",
			Help:        "Pieces validated and marked complete.",
			ConstLabels: labels,
		}),
		BytesDownloaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "torrentd",
			Subsystem:   "swarm",
			Name:        "bytes_downloaded_total",
			Help:        "Bytes received from peers.",
			ConstLabels: labels,
		}),
		BytesUploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "torrentd",
			Subsystem:   "swarm",
			Name:        "bytes_uploaded_total",
			Help:        "Bytes sent to peers.",
			ConstLabels: labels,
		}),
		EndGameActivations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "torrentd",
			Subsystem:   "swarm",
			Name:        "end_game_activations_total",
			Help:        "Times the piece selector fell back to end-game re-requesting.",
			ConstLabels: labels,
		}),
	}
	for _, c := range []prometheus.Collector{
		m.ConnectedPeers, m.UnchokedSlots, m.PiecesCompleted,
		m.BytesDownloaded, m.BytesUploaded, m.EndGameActivations,
	} {
		reg.MustRegister(c)
	}
	return m
}
