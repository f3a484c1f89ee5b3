// Package metainfo decodes a bencoded .torrent file into a torrent
// Descriptor. Only the fields the core download coordinator needs are kept:
// the single-file payload model this module assumes has no use for
// announce-list tiers, comments, or creation timestamps.
package metainfo

import (
	"crypto/sha1"
	"errors"
	"fmt"

	"github.com/nilsolo/leech/internal/bencode"
	"github.com/nilsolo/leech/internal/cast"
	"github.com/nilsolo/leech/internal/torrent"
)

var (
	ErrTopLevelNotDict     = errors.New("metainfo: top-level is not a dict")
	ErrAnnounceMissing     = errors.New("metainfo: 'announce' missing")
	ErrInfoMissing         = errors.New("metainfo: 'info' missing")
	ErrInfoNotDict         = errors.New("metainfo: 'info' is not a dict")
	ErrNameMissing         = errors.New("metainfo: 'info' name missing")
	ErrPieceLenMissing     = errors.New("metainfo: 'info' piece length missing")
	ErrPieceLenNonPositive = errors.New("metainfo: 'info' piece length must be > 0")
	ErrPiecesMissing       = errors.New("metainfo: 'info' pieces missing")
	ErrLengthMissing       = errors.New("metainfo: 'info' length missing")
	ErrMultiFileUnsupported = errors.New("metainfo: multi-file torrents are not supported")
)

// Metainfo is the decoded .torrent file, trimmed to what the coordinator
// and the tracker client need.
type Metainfo struct {
	Announce string
	Desc     *torrent.Descriptor
}

// Parse decodes a .torrent file's raw bytes into a Metainfo. A "files" list
// in info (multi-file layout) is rejected: this module assumes the
// single-file payload model.
func Parse(data []byte) (*Metainfo, error) {
	raw, err := bencode.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("metainfo: %w", err)
	}
	root, ok := raw.(map[string]any)
	if !ok {
		return nil, ErrTopLevelNotDict
	}

	announce, err := cast.ToString(root["announce"])
	if err != nil || announce == "" {
		return nil, ErrAnnounceMissing
	}

	rawInfo, ok := root["info"]
	if !ok {
		return nil, ErrInfoMissing
	}
	info, ok := rawInfo.(map[string]any)
	if !ok {
		return nil, ErrInfoNotDict
	}

	if _, hasFiles := info["files"]; hasFiles {
		return nil, ErrMultiFileUnsupported
	}

	name, err := cast.ToString(info["name"])
	if err != nil || name == "" {
		return nil, ErrNameMissing
	}

	plVal, ok := info["piece length"]
	if !ok {
		return nil, ErrPieceLenMissing
	}
	pieceLength, err := cast.ToInt(plVal)
	if err != nil || pieceLength <= 0 {
		return nil, ErrPieceLenNonPositive
	}

	lengthVal, ok := info["length"]
	if !ok {
		return nil, ErrLengthMissing
	}
	length, err := cast.ToInt(lengthVal)
	if err != nil || length <= 0 {
		return nil, fmt.Errorf("metainfo: invalid 'length'")
	}

	piecesVal, ok := info["pieces"]
	if !ok {
		return nil, ErrPiecesMissing
	}
	hashBlob, err := cast.ToBytes(piecesVal)
	if err != nil {
		return nil, fmt.Errorf("metainfo: 'pieces': %w", err)
	}

	infoHash, err := computeInfoHash(info)
	if err != nil {
		return nil, fmt.Errorf("metainfo: info hash: %w", err)
	}

	desc, err := torrent.NewDescriptor(uint64(length), uint32(pieceLength), name, hashBlob, infoHash)
	if err != nil {
		return nil, fmt.Errorf("metainfo: %w", err)
	}

	return &Metainfo{Announce: announce, Desc: desc}, nil
}

func computeInfoHash(info map[string]any) ([torrent.HashSize]byte, error) {
	buf, err := bencode.Marshal(info)
	if err != nil {
		return [torrent.HashSize]byte{}, err
	}
	return sha1.Sum(buf), nil
}
