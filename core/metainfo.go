// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package core

import (
	"bytes"
	"crypto/sha1"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/btengine/engine/lib/torrent/bencode"
)

const pieceHashSize = sha1.Size

// FileEntry describes one file within a (possibly multi-file) torrent, in
// the order it appears within the concatenated piece stream.
type FileEntry struct {
	// Path is the file's path relative to the torrent's root directory. For
	// single-file torrents this is just the file name.
	Path []string `bencode:"path" json:"path"`

	// Length is the file's length in bytes.
	Length int64 `bencode:"length" json:"length"`
}

// FullPath joins Path into a single OS path.
func (f FileEntry) FullPath() string {
	return filepath.Join(f.Path...)
}

// info is the bencoded "info" dictionary that BEP 3 hashes to derive the
// torrent's InfoHash. Field order does not matter for bencode (dictionary
// keys are sorted automatically), but the semantics of which fields are
// present (single-file vs multi-file) must match the spec exactly, since the
// hash is computed over this exact encoding.
type info struct {
	PieceLength int64       `bencode:"piece length"`
	Pieces      string      `bencode:"pieces"`
	Name        string      `bencode:"name"`
	Length      int64       `bencode:"length,omitempty"`
	Files       []FileEntry `bencode:"files,omitempty"`
}

func (i *info) hash() (InfoHash, error) {
	var b bytes.Buffer
	if err := bencode.NewEncoder(&b).Encode(i); err != nil {
		return InfoHash{}, fmt.Errorf("bencode: %s", err)
	}
	return NewInfoHashFromBytes(b.Bytes()), nil
}

func (i *info) isMultiFile() bool {
	return len(i.Files) > 0
}

func (i *info) numPieces() int {
	return len(i.Pieces) / pieceHashSize
}

func (i *info) pieceHash(n int) [20]byte {
	var h [20]byte
	copy(h[:], i.Pieces[n*pieceHashSize:(n+1)*pieceHashSize])
	return h
}

func (i *info) totalLength() int64 {
	if i.isMultiFile() {
		var total int64
		for _, f := range i.Files {
			total += f.Length
		}
		return total
	}
	return i.Length
}

// MetaInfo contains torrent metadata: piece layout, file layout, and the
// derived InfoHash that uniquely identifies the torrent swarm.
type MetaInfo struct {
	info         info
	infoHash     InfoHash
	announce     string
	announceList [][]string
}

// NewSingleFileMetaInfo builds a MetaInfo for a torrent containing one file,
// hashing blob into pieceLength chunks with SHA-1 (BEP 3).
func NewSingleFileMetaInfo(name string, blob io.Reader, pieceLength int64, announce string) (*MetaInfo, error) {
	length, pieces, err := hashPieces(blob, pieceLength)
	if err != nil {
		return nil, err
	}
	i := info{
		PieceLength: pieceLength,
		Pieces:      pieces,
		Name:        name,
		Length:      length,
	}
	return newMetaInfo(i, announce, nil)
}

// NewMultiFileMetaInfo builds a MetaInfo for a torrent containing multiple
// files concatenated (in order) into the piece stream, per BEP 3.
func NewMultiFileMetaInfo(
	dirName string, files []FileEntry, blob io.Reader, pieceLength int64, announce string) (*MetaInfo, error) {

	if len(files) == 0 {
		return nil, errors.New("no files supplied")
	}
	length, pieces, err := hashPieces(blob, pieceLength)
	if err != nil {
		return nil, err
	}
	i := info{
		PieceLength: pieceLength,
		Pieces:      pieces,
		Name:        dirName,
		Files:       files,
	}
	if length != i.totalLength() {
		return nil, fmt.Errorf(
			"blob length %d does not match sum of file lengths %d", length, i.totalLength())
	}
	return newMetaInfo(i, announce, nil)
}

func newMetaInfo(i info, announce string, announceList [][]string) (*MetaInfo, error) {
	h, err := i.hash()
	if err != nil {
		return nil, fmt.Errorf("compute info hash: %s", err)
	}
	return &MetaInfo{info: i, infoHash: h, announce: announce, announceList: announceList}, nil
}

// InfoHash returns the torrent's InfoHash, the authoritative swarm
// identifier.
func (mi *MetaInfo) InfoHash() InfoHash {
	return mi.infoHash
}

// Name returns the torrent name (the suggested file name for single-file
// torrents, or the suggested directory name for multi-file torrents).
func (mi *MetaInfo) Name() string {
	return mi.info.Name
}

// Announce returns the primary tracker announce URL, if any.
func (mi *MetaInfo) Announce() string {
	return mi.announce
}

// AnnounceList returns the BEP 12 tiered announce-list, if any.
func (mi *MetaInfo) AnnounceList() [][]string {
	return mi.announceList
}

// IsMultiFile returns whether the info dictionary uses the multi-file
// layout (a non-empty "files" list), which may hold a single file.
func (mi *MetaInfo) IsMultiFile() bool {
	return mi.info.isMultiFile()
}

// Files returns the ordered list of files making up the torrent. For
// single-file torrents, this is a single synthetic entry.
func (mi *MetaInfo) Files() []FileEntry {
	if mi.info.isMultiFile() {
		return mi.info.Files
	}
	return []FileEntry{{Path: []string{mi.info.Name}, Length: mi.info.Length}}
}

// Length returns the total length of all files in the torrent.
func (mi *MetaInfo) Length() int64 {
	return mi.info.totalLength()
}

// NumPieces returns the number of pieces in the torrent.
func (mi *MetaInfo) NumPieces() int {
	return mi.info.numPieces()
}

// PieceLength returns the nominal piece length. The final piece may be
// shorter; use GetPieceLength for the true length of a given piece.
func (mi *MetaInfo) PieceLength() int64 {
	return mi.info.PieceLength
}

// GetPieceLength returns the length of piece i, accounting for the final
// (possibly truncated) piece.
func (mi *MetaInfo) GetPieceLength(i int) int64 {
	if i < 0 || i >= mi.info.numPieces() {
		return 0
	}
	if i == mi.info.numPieces()-1 {
		return mi.info.totalLength() - mi.info.PieceLength*int64(i)
	}
	return mi.info.PieceLength
}

// GetPieceHash returns the expected SHA-1 hash of piece i. Does not check
// bounds.
func (mi *MetaInfo) GetPieceHash(i int) [20]byte {
	return mi.info.pieceHash(i)
}

// VerifyPiece returns whether data hashes to the expected SHA-1 sum for
// piece i.
func (mi *MetaInfo) VerifyPiece(i int, data []byte) bool {
	return sha1.Sum(data) == mi.GetPieceHash(i)
}

// rawMetaInfo mirrors the top-level dictionary of a real .torrent file
// (BEP 3): an "info" dictionary plus an optional single announce URL and/or
// a BEP 12 tiered announce-list. This is distinct from metaInfoJSON, which
// is this package's own JSON session-persistence encoding; rawMetaInfo is
// the bencoded wire format produced by every BitTorrent client.
type rawMetaInfo struct {
	Info         info       `bencode:"info"`
	Announce     string     `bencode:"announce,omitempty"`
	AnnounceList [][]string `bencode:"announce-list,omitempty"`
}

// DecodeMetaInfo parses the bencoded bytes of a real .torrent file (spec.md
// §3 "created... from metainfo bytes"), as opposed to NewSingleFileMetaInfo/
// NewMultiFileMetaInfo which hash a blob the caller already has on disk.
// The piece hashes embedded in raw are trusted as-is; VerifyPiece is what
// catches a mismatch once data actually arrives over the wire.
func DecodeMetaInfo(raw []byte) (*MetaInfo, error) {
	var rmi rawMetaInfo
	if err := bencode.Unmarshal(raw, &rmi); err != nil {
		return nil, fmt.Errorf("decode metainfo bencode: %s", err)
	}
	if rmi.Info.PieceLength <= 0 {
		return nil, errors.New("metainfo: missing or invalid piece length")
	}
	if len(rmi.Info.Pieces)%pieceHashSize != 0 {
		return nil, fmt.Errorf("metainfo: pieces string length %d not a multiple of %d",
			len(rmi.Info.Pieces), pieceHashSize)
	}
	return newMetaInfo(rmi.Info, rmi.Announce, rmi.AnnounceList)
}

// metaInfoJSON is the on-disk / over-the-wire serialization of MetaInfo.
type metaInfoJSON struct {
	Info         info       `json:"info"`
	Announce     string     `json:"announce,omitempty"`
	AnnounceList [][]string `json:"announce-list,omitempty"`
}

// Serialize converts mi to a JSON blob suitable for session persistence.
func (mi *MetaInfo) Serialize() ([]byte, error) {
	return json.Marshal(&metaInfoJSON{mi.info, mi.announce, mi.announceList})
}

// DeserializeMetaInfo reconstructs a MetaInfo from a JSON blob produced by
// Serialize.
func DeserializeMetaInfo(data []byte) (*MetaInfo, error) {
	var j metaInfoJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("json: %s", err)
	}
	return newMetaInfo(j.Info, j.Announce, j.AnnounceList)
}

// hashPieces splits blob into pieceLength chunks and SHA-1 hashes each,
// concatenating the results into a single "pieces" string per BEP 3.
func hashPieces(blob io.Reader, pieceLength int64) (length int64, pieces string, err error) {
	if pieceLength <= 0 {
		return 0, "", errors.New("piece length must be positive")
	}
	var buf bytes.Buffer
	for {
		h := sha1.New()
		n, err := io.CopyN(h, blob, pieceLength)
		if err != nil && err != io.EOF {
			return 0, "", fmt.Errorf("read blob: %s", err)
		}
		length += n
		if n == 0 {
			break
		}
		buf.Write(h.Sum(nil))
		if n < pieceLength {
			break
		}
	}
	return length, buf.String(), nil
}
