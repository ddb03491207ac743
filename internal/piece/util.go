package piece

import "fmt"

// BlockLength is the wire-level request granularity. All blocks are
// BlockLength bytes except the final block of a piece, which may be
// shorter.
const BlockLength = 16 * 1024 // 16KiB

// PieceCount returns how many pieces are needed to cover totalSize bytes,
// given a fixed pieceLength (except the last piece which may be shorter).
func PieceCount(totalSize, pieceLength int64) int {
	if totalSize <= 0 || pieceLength <= 0 {
		return 0
	}

	return int((totalSize + pieceLength - 1) / pieceLength)
}

// LastPieceLength returns the exact byte length of the last piece.
// For totals that are an exact multiple of pieceLength, this equals
// pieceLength.
func LastPieceLength(totalSize, pieceLength int64) int {
	if totalSize <= 0 || pieceLength <= 0 {
		return 0
	}

	rem := int(totalSize % pieceLength)
	if rem == 0 {
		return int(pieceLength)
	}

	return rem
}

// PieceLengthAt returns the piece length for a specific piece index.
// All pieces but the last are pieceLength; the last may be shorter.
func PieceLengthAt(index int, totalSize, pieceLength int64) (int, error) {
	pc := PieceCount(totalSize, pieceLength)
	if index < 0 || index >= pc {
		return 0, fmt.Errorf("piece index out of range: %d (count=%d)", index, pc)
	}

	if index == pc-1 {
		return LastPieceLength(totalSize, pieceLength), nil
	}
	return int(pieceLength), nil
}

// PieceOffsetBounds returns [start,end) byte offsets in the global stream
// for a piece.
func PieceOffsetBounds(index int, totalSize, pieceLength int64) (start, end int64, err error) {
	pl, err := PieceLengthAt(index, totalSize, pieceLength)
	if err != nil {
		return 0, 0, err
	}

	start = int64(index) * pieceLength
	end = start + int64(pl)
	return start, end, nil
}

// BlockCountForPiece returns how many blocks compose a piece of length
// pieceLen, given a fixed blockLen. The final block may be shorter than
// blockLen; it is never a separate zero-length block.
func BlockCountForPiece(pieceLen, blockLen int) int {
	if pieceLen <= 0 || blockLen <= 0 {
		return 0
	}

	n := pieceLen / blockLen
	if pieceLen%blockLen != 0 {
		n++
	}

	return n
}

// LastBlockLength returns the exact byte length of the final block in a
// piece.
func LastBlockLength(pieceLen, blockLen int) int {
	if pieceLen <= 0 || blockLen <= 0 {
		return 0
	}

	rem := pieceLen % blockLen
	if rem == 0 {
		return blockLen
	}

	return rem
}

// BlockOffsetBounds returns the block's [begin,length] within a piece, where
// begin is the byte offset from the start of the piece.
func BlockOffsetBounds(pieceLen, blockLen, blockIdx int) (begin, length int, err error) {
	bc := BlockCountForPiece(pieceLen, blockLen)
	if blockIdx < 0 || blockIdx >= bc {
		return 0, 0, fmt.Errorf("block index out of range: %d (count=%d)", blockIdx, bc)
	}

	begin = blockIdx * blockLen
	length = blockLen
	if blockIdx == bc-1 {
		length = LastBlockLength(pieceLen, blockLen)
	}

	return begin, length, nil
}

// BlockIndexForBegin returns the block index inside a piece for a given byte
// offset 'begin' within that piece. Returns -1 when out of range.
func BlockIndexForBegin(begin, pieceLen, blockLen int) int {
	if begin < 0 || begin >= pieceLen || blockLen <= 0 {
		return -1
	}

	return begin / blockLen
}

// BlocksInPiece uses the package-wide BlockLength.
func BlocksInPiece(pieceLen int) int {
	return BlockCountForPiece(pieceLen, BlockLength)
}

// BlockBounds uses the package-wide BlockLength.
func BlockBounds(pieceLen, blockIdx int) (begin, length int, err error) {
	return BlockOffsetBounds(pieceLen, BlockLength, blockIdx)
}
