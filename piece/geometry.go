// Package piece implements the rarest-first piece picker and the block/piece
// geometry arithmetic it and the file manager share.
package piece

import "fmt"

// BlockSize is the standard request granularity (16 KiB). Only the final
// block of the final piece may be shorter.
const BlockSize = 16 * 1024

// Count returns how many pieces cover totalSize bytes given pieceLength.
func Count(totalSize, pieceLength int64) int {
	if totalSize <= 0 || pieceLength <= 0 {
		return 0
	}
	return int((totalSize + pieceLength - 1) / pieceLength)
}

// LastLength returns the byte length of the final piece.
func LastLength(totalSize, pieceLength int64) int64 {
	if totalSize <= 0 || pieceLength <= 0 {
		return 0
	}
	if rem := totalSize % pieceLength; rem != 0 {
		return rem
	}
	return pieceLength
}

// LengthAt returns the length of the piece at index.
func LengthAt(index int, totalSize, pieceLength int64) (int64, error) {
	n := Count(totalSize, pieceLength)
	if index < 0 || index >= n {
		return 0, fmt.Errorf("piece: index %d out of range (count=%d)", index, n)
	}
	if index == n-1 {
		return LastLength(totalSize, pieceLength), nil
	}
	return pieceLength, nil
}

// OffsetBounds returns the [start,end) byte range of a piece within the
// concatenated torrent stream.
func OffsetBounds(index int, totalSize, pieceLength int64) (start, end int64, err error) {
	pl, err := LengthAt(index, totalSize, pieceLength)
	if err != nil {
		return 0, 0, err
	}
	start = int64(index) * pieceLength
	return start, start + pl, nil
}

// IndexForOffset maps a stream byte offset to its piece index, or -1 if out
// of range.
func IndexForOffset(offset, totalSize, pieceLength int64) int {
	if offset < 0 || offset >= totalSize || pieceLength <= 0 {
		return -1
	}
	return int(offset / pieceLength)
}

// BlockCount returns how many blocks compose a piece of length pieceLen.
func BlockCount(pieceLen int64) int {
	if pieceLen <= 0 {
		return 0
	}
	n := pieceLen / BlockSize
	if pieceLen%BlockSize != 0 {
		n++
	}
	return int(n)
}

// LastBlockLength returns the byte length of the final block in a piece.
func LastBlockLength(pieceLen int64) int {
	if pieceLen <= 0 {
		return 0
	}
	if rem := pieceLen % BlockSize; rem != 0 {
		return int(rem)
	}
	return BlockSize
}

// BlockBounds returns a block's [begin,length) within its piece.
func BlockBounds(pieceLen int64, blockIdx int) (begin, length int, err error) {
	bc := BlockCount(pieceLen)
	if blockIdx < 0 || blockIdx >= bc {
		return 0, 0, fmt.Errorf("piece: block index %d out of range (count=%d)", blockIdx, bc)
	}
	begin = blockIdx * BlockSize
	length = BlockSize
	if blockIdx == bc-1 {
		length = LastBlockLength(pieceLen)
	}
	return begin, length, nil
}

// BlockIndexForBegin maps a byte offset within a piece to its block index, or
// -1 if out of range.
func BlockIndexForBegin(begin int, pieceLen int64) int {
	if begin < 0 || int64(begin) >= pieceLen {
		return -1
	}
	return begin / BlockSize
}
