// Package torrent holds the immutable data model shared by every other
// package in this module: the torrent descriptor and the piece-work units
// it's sliced into.
package torrent

import (
	"crypto/sha1"
	"errors"
	"fmt"
)

// HashSize is the byte length of a single piece hash (and of the infohash).
const HashSize = sha1.Size

var (
	ErrTotalLengthNonPositive = errors.New("torrent: total length must be positive")
	ErrPieceLengthNonPositive = errors.New("torrent: piece length must be positive")
	ErrNameEmpty              = errors.New("torrent: name must not be empty")
	ErrPieceHashesMisaligned  = errors.New("torrent: piece hashes length is not a multiple of 20")
	ErrPieceCountMismatch     = errors.New("torrent: piece hash count does not match total/piece length")
)

// Descriptor is the immutable identity of a single-file download: its size,
// how it's sliced into pieces, and the expected hash of each piece.
type Descriptor struct {
	TotalLength uint64
	PieceLength uint32
	Name        string
	PieceHashes [][HashSize]byte
	InfoHash    [HashSize]byte
}

// NewDescriptor validates and constructs a Descriptor from its raw fields.
//
// hashBlob is the concatenated 20-byte piece hashes as found in a metainfo
// dictionary's "pieces" field. Its length must be a multiple of 20, and the
// resulting piece count must equal ceil(totalLength / pieceLength) -- a
// mismatch here means the descriptor was built from inconsistent fields and
// is a construction-time error, not something to silently tolerate.
func NewDescriptor(totalLength uint64, pieceLength uint32, name string, hashBlob []byte, infoHash [HashSize]byte) (*Descriptor, error) {
	if totalLength == 0 {
		return nil, ErrTotalLengthNonPositive
	}
	if pieceLength == 0 {
		return nil, ErrPieceLengthNonPositive
	}
	if name == "" {
		return nil, ErrNameEmpty
	}
	if len(hashBlob)%HashSize != 0 {
		return nil, ErrPieceHashesMisaligned
	}

	hashes := make([][HashSize]byte, len(hashBlob)/HashSize)
	for i := range hashes {
		copy(hashes[i][:], hashBlob[i*HashSize:(i+1)*HashSize])
	}

	want := PieceCount(totalLength, pieceLength)
	if uint32(len(hashes)) != want {
		return nil, fmt.Errorf("%w: got %d hashes, want %d", ErrPieceCountMismatch, len(hashes), want)
	}

	return &Descriptor{
		TotalLength: totalLength,
		PieceLength: pieceLength,
		Name:        name,
		PieceHashes: hashes,
		InfoHash:    infoHash,
	}, nil
}

// NumPieces returns the number of pieces in the descriptor.
func (d *Descriptor) NumPieces() int { return len(d.PieceHashes) }

// PieceSize returns the size in bytes of piece index i, which is
// PieceLength for every piece except the last.
func (d *Descriptor) PieceSize(index uint32) uint32 {
	return PieceSizeAt(index, d.TotalLength, d.PieceLength)
}

// Work returns the PieceWork descriptor for piece index i.
func (d *Descriptor) Work(index uint32) PieceWork {
	return PieceWork{Index: index, Size: d.PieceSize(index)}
}

// AllWork returns PieceWork for every piece in the descriptor, in index
// order -- the coordinator's initial unclaimed set.
func (d *Descriptor) AllWork() []PieceWork {
	work := make([]PieceWork, d.NumPieces())
	for i := range work {
		work[i] = d.Work(uint32(i))
	}
	return work
}

// PieceWork is a single unit of scheduling: a piece index and its byte size.
// It is immutable and carries no buffer -- a session allocates its own
// buffer of Size bytes when it's assigned this work. Equality is defined by
// Index alone; the same PieceWork value may legitimately be assigned to more
// than one peer near the end of a download.
type PieceWork struct {
	Index uint32
	Size  uint32
}

// PieceCount returns the number of pieces needed to cover totalLength bytes
// at pieceLength bytes per piece.
func PieceCount(totalLength uint64, pieceLength uint32) uint32 {
	if totalLength == 0 || pieceLength == 0 {
		return 0
	}
	return uint32((totalLength + uint64(pieceLength) - 1) / uint64(pieceLength))
}

// LastPieceSize returns the size of the final piece, which is shorter than
// pieceLength unless totalLength is an exact multiple of it.
func LastPieceSize(totalLength uint64, pieceLength uint32) uint32 {
	if totalLength == 0 || pieceLength == 0 {
		return 0
	}
	rem := totalLength % uint64(pieceLength)
	if rem == 0 {
		return pieceLength
	}
	return uint32(rem)
}

// PieceSizeAt returns the size of piece index within a totalLength/pieceLength
// layout. Indices beyond the last piece return 0.
func PieceSizeAt(index uint32, totalLength uint64, pieceLength uint32) uint32 {
	count := PieceCount(totalLength, pieceLength)
	if count == 0 || index >= count {
		return 0
	}
	if index == count-1 {
		return LastPieceSize(totalLength, pieceLength)
	}
	return pieceLength
}
