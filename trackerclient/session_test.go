package trackerclient

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/christf/ttorrent/torrent"
)

type fakePeerSource struct {
	mu    sync.Mutex
	added []string
}

func (f *fakePeerSource) AddPeerCandidate(ctx context.Context, addr string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, addr)
}

func (f *fakePeerSource) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.added))
	copy(out, f.added)
	return out
}

type fakeStats struct{}

func (fakeStats) TrackerStats() (uploaded, downloaded, left int64) { return 10, 20, 30 }

type stubClient struct {
	resp *AnnounceResponse
	err  error
}

func (s *stubClient) Announce(ctx context.Context, req AnnounceRequest) (*AnnounceResponse, error) {
	if s.err != nil {
		return nil, s.err
	}
	if req.Event == EventStopped {
		return &AnnounceResponse{Interval: s.resp.Interval}, nil
	}
	return s.resp, nil
}

func testTorrent(announce string, announceList [][]string) *torrent.Torrent {
	return &torrent.Torrent{
		InfoHash: make([]byte, 20),
		MetaInfo: torrent.MetaInfo{
			Announce:     announce,
			AnnounceList: announceList,
		},
	}
}

// TestSessionFallsForwardAcrossTiers covers the announce-list fallback
// behavior: a failing tracker in a tier must not block the next tracker in
// the same tier (or a later tier) from being tried.
func TestSessionFallsForwardAcrossTiers(t *testing.T) {
	tor := testTorrent("", [][]string{
		{"udp://dead-1:1/announce", "udp://dead-2:2/announce"},
		{"udp://alive:3/announce"},
	})
	peers := &fakePeerSource{}
	s := NewSession(tor, make([]byte, 20), 6881, peers, fakeStats{}, zerolog.Nop())
	s.newClient = func(trackerURL string) (Client, error) {
		if trackerURL == "udp://alive:3/announce" {
			return &stubClient{resp: &AnnounceResponse{Interval: 3600, Peers: []string{"9.9.9.9:1"}}}, nil
		}
		return &stubClient{err: fmt.Errorf("connection refused")}, nil
	}

	s.Start()
	require.Eventually(t, func() bool {
		return len(peers.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)
	s.Stop()

	assert.Equal(t, []string{"9.9.9.9:1"}, peers.snapshot())
}

func TestSessionFallsBackToFlatAnnounce(t *testing.T) {
	tor := testTorrent("http://only-tracker/announce", nil)
	peers := &fakePeerSource{}
	s := NewSession(tor, make([]byte, 20), 6881, peers, fakeStats{}, zerolog.Nop())
	s.newClient = func(trackerURL string) (Client, error) {
		assert.Equal(t, "http://only-tracker/announce", trackerURL)
		return &stubClient{resp: &AnnounceResponse{Interval: 3600, Peers: []string{"1.1.1.1:1"}}}, nil
	}

	s.Start()
	require.Eventually(t, func() bool {
		return len(peers.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)
	s.Stop()
}

func TestSessionStopWithNoTrackersReturnsPromptly(t *testing.T) {
	tor := testTorrent("", nil)
	peers := &fakePeerSource{}
	s := NewSession(tor, make([]byte, 20), 6881, peers, fakeStats{}, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		s.Start()
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("session with no trackers did not stop promptly")
	}
}
