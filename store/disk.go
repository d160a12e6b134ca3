// Package store implements the Piece Store: it maps piece indices to
// content-addressed blocks on disk, validates completed pieces against
// their expected SHA-1 hash, and finalizes a torrent's files once every
// piece has been validated.
package store

import (
	"crypto/sha1"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/afero"

	"github.com/christf/ttorrent/torrent"
)

// Store is the interface the swarm coordinator uses to persist and
// validate downloaded data. Piece-index and byte-offset semantics mirror
// the wire protocol's request/piece messages.
type Store interface {
	ReadBlock(pieceIndex, blockOffset, length int) ([]byte, error)
	WriteBlock(pieceIndex, blockOffset int, data []byte) error
	ValidatePiece(pieceIndex int) (bool, error)
	Finalize() error
	Close() error
}

// fileSpan is one destination file's placement within the flattened,
// contiguous byte space of a (possibly multi-file) torrent.
type fileSpan struct {
	stagingPath string
	finalPath   string
	length      int64
	globalStart int64
	mu          sync.Mutex
	handle      afero.File
}

// Disk is a Store backed by an afero filesystem. Files are created with a
// ".part" suffix and renamed to their final name only once Finalize is
// called, so a crash mid-download never leaves a file that looks complete
// but isn't.
type Disk struct {
	fs          afero.Fs
	root        string
	torrent     *torrent.Torrent
	pieceLength int64
	spans       []*fileSpan
}

// NewDisk creates (or reopens) the on-disk layout for tor under root,
// using fs for all filesystem operations — ordinarily afero.NewOsFs() in
// production and afero.NewMemMapFs() in tests.
func NewDisk(fs afero.Fs, root string, tor *torrent.Torrent) (*Disk, error) {
	d := &Disk{
		fs:          fs,
		root:        root,
		torrent:     tor,
		pieceLength: tor.MetaInfo.Info.PieceLength,
	}
	if err := d.layout(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Disk) layout() error {
	if err := d.fs.MkdirAll(d.root, 0o755); err != nil {
		return fmt.Errorf("store: create root %s: %w", d.root, err)
	}

	var offset int64
	add := func(relPath string, length int64) error {
		finalPath := filepath.Join(d.root, relPath)
		stagingPath := finalPath + ".part"
		if dir := filepath.Dir(stagingPath); dir != "." {
			if err := d.fs.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("store: mkdir %s: %w", dir, err)
			}
		}
		f, err := d.fs.OpenFile(stagingPath, os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return fmt.Errorf("store: open %s: %w", stagingPath, err)
		}
		d.spans = append(d.spans, &fileSpan{
			stagingPath: stagingPath,
			finalPath:   finalPath,
			length:      length,
			globalStart: offset,
			handle:      f,
		})
		offset += length
		return nil
	}

	if d.torrent.MetaInfo.MultiFile() {
		for _, file := range d.torrent.MetaInfo.Info.Files {
			if err := add(strings.Join(file.Path, string(filepath.Separator)), file.Length); err != nil {
				return err
			}
		}
	} else {
		if err := add(d.torrent.MetaInfo.Info.Name, d.torrent.MetaInfo.Info.Length); err != nil {
			return err
		}
	}
	return nil
}

// spansFor returns the file spans overlapping [start, start+length), and
// the intra-span offset each read/write should start at.
func (d *Disk) spansFor(start, length int64) ([]*fileSpan, []int64) {
	end := start + length
	var spans []*fileSpan
	var offsets []int64
	for _, s := range d.spans {
		spanEnd := s.globalStart + s.length
		if spanEnd <= start || s.globalStart >= end {
			continue
		}
		spans = append(spans, s)
		if start > s.globalStart {
			offsets = append(offsets, start-s.globalStart)
		} else {
			offsets = append(offsets, 0)
		}
	}
	return spans, offsets
}

func (d *Disk) ReadBlock(pieceIndex, blockOffset, length int) ([]byte, error) {
	start := int64(pieceIndex)*d.pieceLength + int64(blockOffset)
	out := make([]byte, 0, length)
	spans, offsets := d.spansFor(start, int64(length))
	remaining := int64(length)
	for i, s := range spans {
		chunk := s.length - offsets[i]
		if chunk > remaining {
			chunk = remaining
		}
		buf := make([]byte, chunk)
		s.mu.Lock()
		_, err := s.handle.ReadAt(buf, offsets[i])
		s.mu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("store: read %s: %w", s.stagingPath, err)
		}
		out = append(out, buf...)
		remaining -= chunk
	}
	if remaining != 0 {
		return nil, fmt.Errorf("store: read request [piece %d, offset %d, len %d] out of bounds", pieceIndex, blockOffset, length)
	}
	return out, nil
}

func (d *Disk) WriteBlock(pieceIndex, blockOffset int, data []byte) error {
	start := int64(pieceIndex)*d.pieceLength + int64(blockOffset)
	spans, offsets := d.spansFor(start, int64(len(data)))
	remaining := data
	for i, s := range spans {
		chunk := s.length - offsets[i]
		if chunk > int64(len(remaining)) {
			chunk = int64(len(remaining))
		}
		s.mu.Lock()
		_, err := s.handle.WriteAt(remaining[:chunk], offsets[i])
		s.mu.Unlock()
		if err != nil {
			return fmt.Errorf("store: write %s: %w", s.stagingPath, err)
		}
		remaining = remaining[chunk:]
	}
	if len(remaining) != 0 {
		return fmt.Errorf("store: write request [piece %d, offset %d, len %d] out of bounds", pieceIndex, blockOffset, len(data))
	}
	return nil
}

// ValidatePiece re-reads a full piece from disk and compares its SHA-1
// digest against the torrent metadata's expected hash.
func (d *Disk) ValidatePiece(pieceIndex int) (bool, error) {
	length := d.torrent.PieceLength(pieceIndex)
	data, err := d.ReadBlock(pieceIndex, 0, int(length))
	if err != nil {
		return false, err
	}
	sum := sha1.Sum(data)
	expected := d.torrent.MetaInfo.PieceHash(pieceIndex)
	return string(sum[:]) == string(expected), nil
}

// Finalize renames every staged ".part" file to its final name. Called
// once the torrent is fully downloaded and validated.
func (d *Disk) Finalize() error {
	for _, s := range d.spans {
		s.mu.Lock()
		err := d.fs.Rename(s.stagingPath, s.finalPath)
		s.mu.Unlock()
		if err != nil {
			return fmt.Errorf("store: finalize %s: %w", s.stagingPath, err)
		}
		s.stagingPath = s.finalPath
	}
	return nil
}

func (d *Disk) Close() error {
	var firstErr error
	for _, s := range d.spans {
		if err := s.handle.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
