package core

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSingleFileMetaInfo(t *testing.T) {
	require := require.New(t)

	content := bytes.Repeat([]byte("a"), 100)
	mi, err := NewSingleFileMetaInfo("movie.mkv", bytes.NewReader(content), 40, "http://tracker.example.com/announce")
	require.NoError(err)

	require.False(mi.IsMultiFile())
	require.Equal(int64(100), mi.Length())
	require.Equal(3, mi.NumPieces())
	require.Equal(int64(40), mi.GetPieceLength(0))
	require.Equal(int64(40), mi.GetPieceLength(1))
	require.Equal(int64(20), mi.GetPieceLength(2))
	require.True(mi.VerifyPiece(0, content[:40]))
	require.False(mi.VerifyPiece(0, content[:39]))
	require.Equal("http://tracker.example.com/announce", mi.Announce())
}

func TestMultiFileMetaInfo(t *testing.T) {
	require := require.New(t)

	a := bytes.Repeat([]byte("a"), 30)
	b := bytes.Repeat([]byte("b"), 70)
	blob := append(append([]byte{}, a...), b...)

	files := []FileEntry{
		{Path: []string{"a.txt"}, Length: int64(len(a))},
		{Path: []string{"sub", "b.txt"}, Length: int64(len(b))},
	}
	mi, err := NewMultiFileMetaInfo("bundle", files, bytes.NewReader(blob), 25, "")
	require.NoError(err)

	require.True(mi.IsMultiFile())
	require.Equal(int64(100), mi.Length())
	require.Equal(files, mi.Files())
	require.Equal(4, mi.NumPieces())
}

func TestMultiFileMetaInfoLengthMismatch(t *testing.T) {
	require := require.New(t)

	files := []FileEntry{{Path: []string{"a.txt"}, Length: 10}}
	_, err := NewMultiFileMetaInfo("bundle", files, bytes.NewReader(make([]byte, 5)), 4, "")
	require.Error(err)
}

func TestMetaInfoSerializeRoundTrip(t *testing.T) {
	require := require.New(t)

	content := bytes.Repeat([]byte("x"), 64)
	mi, err := NewSingleFileMetaInfo("file", bytes.NewReader(content), 16, "")
	require.NoError(err)

	b, err := mi.Serialize()
	require.NoError(err)

	mi2, err := DeserializeMetaInfo(b)
	require.NoError(err)
	require.Equal(mi.InfoHash(), mi2.InfoHash())
	require.Equal(mi.NumPieces(), mi2.NumPieces())
}

func TestMetaInfoInfoHashStable(t *testing.T) {
	require := require.New(t)

	content := bytes.Repeat([]byte("z"), 50)
	mi1, err := NewSingleFileMetaInfo("f", bytes.NewReader(content), 10, "")
	require.NoError(err)
	mi2, err := NewSingleFileMetaInfo("f", bytes.NewReader(content), 10, "")
	require.NoError(err)

	require.Equal(mi1.InfoHash(), mi2.InfoHash())
}
