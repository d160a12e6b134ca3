package trackerclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/jackpal/bencode-go"
)

// HTTP announces to a BEP 0003 HTTP tracker, requesting the compact peer
// list format.
type HTTP struct {
	url string

	// Get lets tests substitute a stub round-tripper instead of hitting a
	// real HTTP server; defaults to http.DefaultClient.Get.
	Get func(url string) (*http.Response, error)
}

// NewHTTP builds an HTTP tracker client for the given announce URL.
func NewHTTP(announceURL string) *HTTP {
	return &HTTP{url: announceURL, Get: http.Get}
}

type bencodeAnnounceResponse struct {
	FailureReason string `bencode:"failure reason"`
	Interval      int32  `bencode:"interval"`
	Leechers      int32  `bencode:"incomplete"`
	Seeders       int32  `bencode:"complete"`
	Peers         string `bencode:"peers"`
}

func (h *HTTP) Announce(ctx context.Context, req AnnounceRequest) (*AnnounceResponse, error) {
	values := url.Values{}
	values.Set("info_hash", string(req.InfoHash))
	values.Set("peer_id", string(req.PeerID))
	values.Set("uploaded", strconv.FormatInt(req.Uploaded, 10))
	values.Set("downloaded", strconv.FormatInt(req.Downloaded, 10))
	values.Set("left", strconv.FormatInt(req.Left, 10))
	values.Set("port", strconv.Itoa(int(req.Port)))
	values.Set("compact", "1")
	if req.NumWant > 0 {
		values.Set("numwant", strconv.Itoa(int(req.NumWant)))
	}
	if ev := req.Event.String(); ev != "" {
		values.Set("event", ev)
	}

	sep := "?"
	if hasQuery(h.url) {
		sep = "&"
	}
	full := h.url + sep + values.Encode()

	resp, err := h.Get(full)
	if err != nil {
		return nil, fmt.Errorf("trackerclient: http announce: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("trackerclient: http announce read: %w", err)
	}

	var decoded bencodeAnnounceResponse
	if err := bencode.Unmarshal(bytes.NewReader(body), &decoded); err != nil {
		return nil, fmt.Errorf("trackerclient: http announce decode: %w", err)
	}
	if decoded.FailureReason != "" {
		return nil, fmt.Errorf("trackerclient: tracker failure: %s", decoded.FailureReason)
	}

	return &AnnounceResponse{
		Interval: decoded.Interval,
		Leechers: decoded.Leechers,
		Seeders:  decoded.Seeders,
		Peers:    parseCompactPeers([]byte(decoded.Peers)),
	}, nil
}

func hasQuery(u string) bool {
	for i := 0; i < len(u); i++ {
		if u[i] == '?' {
			return true
		}
	}
	return false
}
