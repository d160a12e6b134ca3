// Package torrent parses BitTorrent metadata (.torrent) files into the
// in-memory shape the rest of the swarm coordinator operates on.
package torrent

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"io"
	"math/rand"
	"time"

	bencode "github.com/jackpal/bencode-go"
)

// PeerID is this client's self-declared 20-byte BitTorrent peer identity,
// generated once at process start with an Azureus-style prefix.
var PeerID = newPeerID()

func newPeerID() []byte {
	id := make([]byte, 20)
	copy(id[:8], []byte("-GT0001-"))
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	r.Read(id[8:])
	return id
}

// Torrent is the parsed, ready-to-use form of a .torrent file: its metadata
// plus the derived values (info hash, piece count, total length) the swarm
// coordinator needs but a torrent file doesn't store directly.
type Torrent struct {
	MetaInfo  MetaInfo
	InfoHash  []byte
	NumPieces int
	Length    int64
}

// MetaInfo mirrors the bencoded top-level dictionary of a .torrent file.
type MetaInfo struct {
	Info         Info
	Announce     string
	AnnounceList [][]string `bencode:"announce-list"`
	CreationDate int64      `bencode:"creation date"`
	Comment      string
	CreatedBy    string `bencode:"created by"`
	Encoding     string
}

// Info mirrors the bencoded "info" dictionary — the part that is hashed to
// produce the info-hash used to identify the torrent on the wire.
type Info struct {
	PieceLength int64 `bencode:"piece length"`
	Pieces      string
	Private     int
	Name        string
	Length      int64
	Md5sum      string
	Files       []File
}

// File describes one entry of a multi-file torrent.
type File struct {
	Length int64
	Md5sum string
	Path   []string
}

// MultiFile reports whether this torrent describes more than one file.
func (mi MetaInfo) MultiFile() bool {
	return len(mi.Info.Files) > 0
}

// PieceHash returns the expected 20-byte SHA-1 digest for piece index.
func (mi MetaInfo) PieceHash(index int) []byte {
	return []byte(mi.Info.Pieces[20*index : 20*(index+1)])
}

// New parses a .torrent file from r into a Torrent, computing its info hash
// and derived piece/length metadata.
func New(r io.ReadSeeker) (*Torrent, error) {
	raw, err := bencode.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("torrent: decode: %w", err)
	}
	top, ok := raw.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("torrent: malformed metainfo, not a dictionary")
	}
	infoMap, ok := top["info"]
	if !ok {
		return nil, fmt.Errorf("torrent: malformed metainfo, missing info dictionary")
	}

	infoBencode := &bytes.Buffer{}
	if err := bencode.Marshal(infoBencode, infoMap); err != nil {
		return nil, fmt.Errorf("torrent: re-encode info dict: %w", err)
	}
	infoHash := sha1.Sum(infoBencode.Bytes())

	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("torrent: rewind: %w", err)
	}

	t := &Torrent{InfoHash: infoHash[:]}
	if err := bencode.Unmarshal(r, &t.MetaInfo); err != nil {
		return nil, fmt.Errorf("torrent: unmarshal: %w", err)
	}
	if len(t.MetaInfo.Info.Pieces)%20 != 0 {
		return nil, fmt.Errorf("torrent: pieces field not a multiple of 20 bytes")
	}
	t.NumPieces = len(t.MetaInfo.Info.Pieces) / 20
	if t.NumPieces == 0 {
		return nil, fmt.Errorf("torrent: zero pieces")
	}

	if t.MetaInfo.MultiFile() {
		for _, f := range t.MetaInfo.Info.Files {
			t.Length += f.Length
		}
	} else {
		t.Length = t.MetaInfo.Info.Length
	}
	return t, nil
}

// PieceLength returns the length of the piece at index, accounting for the
// final piece potentially being shorter than the nominal piece length.
func (t *Torrent) PieceLength(index int) int64 {
	if index == t.NumPieces-1 {
		last := t.Length - int64(t.NumPieces-1)*t.MetaInfo.Info.PieceLength
		return last
	}
	return t.MetaInfo.Info.PieceLength
}
