package store

import (
	"crypto/sha1"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/christf/ttorrent/torrent"
)

func singleFileTorrent(pieceLength, length int64, pieces string) *torrent.Torrent {
	return &torrent.Torrent{
		NumPieces: len(pieces) / 20,
		Length:    length,
		MetaInfo: torrent.MetaInfo{
			Info: torrent.Info{
				Name:        "movie.mkv",
				PieceLength: pieceLength,
				Length:      length,
				Pieces:      pieces,
			},
		},
	}
}

func multiFileTorrent(pieceLength int64, pieces string) *torrent.Torrent {
	files := []torrent.File{
		{Length: 300, Path: []string{"sub1", "name1"}},
		{Length: 300, Path: []string{"sub1", "sub2", "name2"}},
	}
	var total int64
	for _, f := range files {
		total += f.Length
	}
	return &torrent.Torrent{
		NumPieces: len(pieces) / 20,
		Length:    total,
		MetaInfo: torrent.MetaInfo{
			Info: torrent.Info{
				Name:        "root",
				PieceLength: pieceLength,
				Files:       files,
				Pieces:      pieces,
			},
		},
	}
}

func TestLayoutCreatesStagingFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	tor := multiFileTorrent(256, string(make([]byte, 20)))
	_, err := NewDisk(fs, "download", tor)
	require.NoError(t, err)

	exists, err := afero.Exists(fs, "download/sub1/name1.part")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = afero.Exists(fs, "download/sub1/sub2/name2.part")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestWriteAndReadBlockSingleFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	tor := singleFileTorrent(65536, 100000, string(make([]byte, 40)))
	d, err := NewDisk(fs, "download", tor)
	require.NoError(t, err)

	block := []byte("hello world")
	require.NoError(t, d.WriteBlock(0, 100, block))

	got, err := d.ReadBlock(0, 100, len(block))
	require.NoError(t, err)
	assert.Equal(t, block, got)
}

func TestWriteBlockSpanningTwoFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	tor := multiFileTorrent(256, string(make([]byte, 40)))
	d, err := NewDisk(fs, "download", tor)
	require.NoError(t, err)

	// pieceLength 256; piece 1 starts at global offset 256, first file
	// (name1) is 300 bytes long so this block straddles name1 and name2.
	block := make([]byte, 100)
	for i := range block {
		block[i] = byte(i)
	}
	require.NoError(t, d.WriteBlock(1, 20, block)) // global offset 276..376

	got, err := d.ReadBlock(1, 20, len(block))
	require.NoError(t, err)
	assert.Equal(t, block, got)
}

func TestValidatePieceDetectsMismatch(t *testing.T) {
	fs := afero.NewMemMapFs()
	data := []byte("exact piece contents")
	hash := sha1.Sum(data)
	pieces := string(hash[:])
	tor := singleFileTorrent(int64(len(data)), int64(len(data)), pieces)

	d, err := NewDisk(fs, "download", tor)
	require.NoError(t, err)
	require.NoError(t, d.WriteBlock(0, 0, data))

	ok, err := d.ValidatePiece(0)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, d.WriteBlock(0, 0, []byte("corrupted contents!!")))
	ok, err = d.ValidatePiece(0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFinalizeRenamesStagingFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	tor := singleFileTorrent(10, 10, string(make([]byte, 20)))
	d, err := NewDisk(fs, "download", tor)
	require.NoError(t, err)

	require.NoError(t, d.Finalize())

	exists, err := afero.Exists(fs, "download/movie.mkv")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = afero.Exists(fs, "download/movie.mkv.part")
	require.NoError(t, err)
	assert.False(t, exists)
}
