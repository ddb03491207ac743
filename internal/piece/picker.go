package piece

import (
	"crypto/sha1"
	"fmt"
	"math/bits"
	"math/rand"
	"net/netip"
	"sync"

	"github.com/nullbrane/leech/pkg/bitfield"
)

// PieceState reports the download progress of a single piece to callers
// outside the package (e.g. the startup verification scan and status
// reporting).
type PieceState int

const (
	PieceNotStarted PieceState = iota
	PieceInProgress
	PieceCompleted
)

// Request describes a single block to fetch from a specific peer.
type Request struct {
	Piece  int
	Begin  int
	Length int
}

// block tracks the lifecycle of one requestable unit within a piece. The
// scheduler is leech-only and single-owner: a block is requested from
// exactly one peer at a time, never duplicated across peers (no endgame).
type block struct {
	isReq bool
	owner netip.AddrPort
	done  bool
}

type pieceState struct {
	index      int
	length     int
	blockCount int
	sha        [sha1.Size]byte
	blocks     []block
	doneBlocks int
	verified   bool
	refNo      int // how many connected peers currently advertise this piece
}

type blockKey struct {
	piece int
	block int
}

// Picker implements rarest-first piece selection and per-block request
// bookkeeping over a fixed torrent layout.
//
// Availability is bucketed by refNo so the rarest non-empty bucket can be
// found in O(1) via a trailing-zero scan over a bitmap of non-empty
// buckets, rather than scanning every piece.
type Picker struct {
	mu sync.Mutex

	pieceCount  int
	totalSize   int64
	pieceLength int64

	pieces []*pieceState

	buckets      [][]int // buckets[refNo] = piece indices currently at that refNo
	pos          []int   // pos[pieceIdx] = index of pieceIdx within its bucket
	nonEmptyBits []uint64

	bitfield bitfield.Bitfield // pieces verified complete

	// peerBlocks lets a disconnecting peer's in-flight blocks be found and
	// requeued without scanning every piece.
	peerBlocks map[netip.AddrPort]map[blockKey]struct{}

	remainingPieces int
	rng             *rand.Rand
}

// NewPicker constructs a Picker for a torrent of the given size and piece
// layout. pieceHashes must contain one SHA-1 per piece, in order.
func NewPicker(totalSize, pieceLength int64, pieceHashes [][sha1.Size]byte) *Picker {
	pieceCount := len(pieceHashes)

	pk := &Picker{
		pieceCount:      pieceCount,
		totalSize:       totalSize,
		pieceLength:     pieceLength,
		pieces:          make([]*pieceState, pieceCount),
		pos:             make([]int, pieceCount),
		bitfield:        bitfield.New(pieceCount),
		peerBlocks:      make(map[netip.AddrPort]map[blockKey]struct{}),
		remainingPieces: pieceCount,
		rng:             rand.New(rand.NewSource(1)),
	}

	for i := 0; i < pieceCount; i++ {
		pl, _ := PieceLengthAt(i, totalSize, pieceLength)
		bc := BlocksInPiece(pl)

		pk.pieces[i] = &pieceState{
			index:      i,
			length:     pl,
			blockCount: bc,
			sha:        pieceHashes[i],
			blocks:     make([]block, bc),
		}
	}

	pk.growBuckets(0)
	for i := 0; i < pieceCount; i++ {
		pk.insert(i, 0)
	}

	return pk
}

func (pk *Picker) growBuckets(avail int) {
	for avail >= len(pk.buckets) {
		pk.buckets = append(pk.buckets, nil)
	}
	words := (len(pk.buckets) + 63) / 64
	for len(pk.nonEmptyBits) < words {
		pk.nonEmptyBits = append(pk.nonEmptyBits, 0)
	}
}

func (pk *Picker) setBit(i int)   { pk.nonEmptyBits[i/64] |= 1 << uint(i%64) }
func (pk *Picker) clearBit(i int) { pk.nonEmptyBits[i/64] &^= 1 << uint(i%64) }

func (pk *Picker) insert(pieceIdx, avail int) {
	pk.growBuckets(avail)
	pk.buckets[avail] = append(pk.buckets[avail], pieceIdx)
	pk.pos[pieceIdx] = len(pk.buckets[avail]) - 1
	pk.pieces[pieceIdx].refNo = avail
	if len(pk.buckets[avail]) == 1 {
		pk.setBit(avail)
	}
}

func (pk *Picker) remove(pieceIdx, avail int) {
	b := pk.buckets[avail]
	p := pk.pos[pieceIdx]
	last := len(b) - 1

	b[p] = b[last]
	pk.pos[b[p]] = p
	pk.buckets[avail] = b[:last]

	if len(pk.buckets[avail]) == 0 {
		pk.clearBit(avail)
	}
}

// move changes a piece's availability bucket by delta (+1 when a peer's
// bitfield/HAVE advertises it, -1 when that peer disconnects).
func (pk *Picker) move(pieceIdx, delta int) {
	ps := pk.pieces[pieceIdx]
	if ps.verified {
		return // completed pieces aren't selectable, no bucket membership
	}

	old := ps.refNo
	next := old + delta
	if next < 0 {
		next = 0
	}
	if old == next {
		return
	}

	pk.remove(pieceIdx, old)
	pk.insert(pieceIdx, next)
}

// firstNonEmpty returns the lowest availability bucket with at least one
// piece still in it.
func (pk *Picker) firstNonEmpty() (int, bool) {
	for w, word := range pk.nonEmptyBits {
		if word == 0 {
			continue
		}
		return w*64 + bits.TrailingZeros64(word), true
	}
	return 0, false
}

// OnPeerBitfield records that peer advertises every piece set in bf,
// bumping each piece's availability by one.
func (pk *Picker) OnPeerBitfield(peer netip.AddrPort, bf bitfield.Bitfield) {
	pk.mu.Lock()
	defer pk.mu.Unlock()

	for i := 0; i < pk.pieceCount; i++ {
		if bf.Has(i) {
			pk.move(i, +1)
		}
	}
}

// OnPeerHave records a single HAVE announcement.
func (pk *Picker) OnPeerHave(peer netip.AddrPort, pieceIdx int) {
	pk.mu.Lock()
	defer pk.mu.Unlock()

	if pieceIdx < 0 || pieceIdx >= pk.pieceCount {
		return
	}
	pk.move(pieceIdx, +1)
}

// OnPeerGone releases every block the peer owned back to the want state and
// lowers the availability of every piece it advertised in bf.
func (pk *Picker) OnPeerGone(peer netip.AddrPort, bf bitfield.Bitfield) {
	pk.mu.Lock()
	defer pk.mu.Unlock()

	for key := range pk.peerBlocks[peer] {
		ps := pk.pieces[key.piece]
		bl := &ps.blocks[key.block]
		if bl.isReq && bl.owner == peer {
			bl.isReq = false
			bl.owner = netip.AddrPort{}
		}
	}
	delete(pk.peerBlocks, peer)

	for i := 0; i < pk.pieceCount; i++ {
		if bf.Has(i) {
			pk.move(i, -1)
		}
	}
}

// HasAnyWantedPiece reports whether bf advertises at least one piece this
// picker hasn't yet verified.
func (pk *Picker) HasAnyWantedPiece(bf bitfield.Bitfield) bool {
	pk.mu.Lock()
	defer pk.mu.Unlock()

	for i := 0; i < pk.pieceCount; i++ {
		if bf.Has(i) && !pk.pieces[i].verified {
			return true
		}
	}
	return false
}

// NextForPeer picks up to maxRequests blocks to request from peer, using
// rarest-first piece selection and sequential-within-piece block order.
// Only pieces peerHas advertises are eligible.
func (pk *Picker) NextForPeer(peer netip.AddrPort, peerHas bitfield.Bitfield, maxRequests int) []Request {
	pk.mu.Lock()
	defer pk.mu.Unlock()

	if maxRequests <= 0 {
		return nil
	}

	var reqs []Request
	visited := make(map[int]bool)

	avail, ok := pk.firstNonEmpty()
	if !ok {
		return nil
	}

	for avail < len(pk.buckets) && len(reqs) < maxRequests {
		candidates := pk.buckets[avail]
		picked := -1
		for _, idx := range candidates {
			if visited[idx] || !peerHas.Has(idx) {
				continue
			}
			if picked < 0 || idx < picked {
				picked = idx
			}
		}

		if picked < 0 {
			// Nothing in this bucket is both unvisited and held by
			// peer; try the next bucket.
			avail++
			continue
		}
		visited[picked] = true

		ps := pk.pieces[picked]
		for b := 0; b < ps.blockCount && len(reqs) < maxRequests; b++ {
			bl := &ps.blocks[b]
			if bl.done || bl.isReq {
				continue
			}

			begin, length, err := BlockBounds(ps.length, b)
			if err != nil {
				continue
			}

			bl.isReq = true
			bl.owner = peer

			if pk.peerBlocks[peer] == nil {
				pk.peerBlocks[peer] = make(map[blockKey]struct{})
			}
			pk.peerBlocks[peer][blockKey{piece: picked, block: b}] = struct{}{}

			reqs = append(reqs, Request{Piece: picked, Begin: begin, Length: length})
		}
	}

	return reqs
}

// OnBlockReceived marks a block done and returns whether the piece is now
// byte-complete (all blocks received, not yet hash-verified).
func (pk *Picker) OnBlockReceived(peer netip.AddrPort, pieceIdx, begin int) (pieceComplete bool, err error) {
	pk.mu.Lock()
	defer pk.mu.Unlock()

	if pieceIdx < 0 || pieceIdx >= pk.pieceCount {
		return false, fmt.Errorf("piece: index %d out of range", pieceIdx)
	}
	ps := pk.pieces[pieceIdx]

	blockIdx := BlockIndexForBegin(begin, ps.length, BlockLength)
	if blockIdx < 0 || blockIdx >= ps.blockCount {
		return false, fmt.Errorf("piece %d: begin %d does not map to a block", pieceIdx, begin)
	}

	bl := &ps.blocks[blockIdx]
	if !bl.done {
		bl.done = true
		bl.isReq = false
		ps.doneBlocks++
	}
	delete(pk.peerBlocks[peer], blockKey{piece: pieceIdx, block: blockIdx})

	return ps.doneBlocks == ps.blockCount, nil
}

// MarkPieceVerified records the outcome of hashing a byte-complete piece.
// On success the piece leaves the selectable pool entirely. On failure
// every block in the piece is reset to wanted so it is re-downloaded.
func (pk *Picker) MarkPieceVerified(pieceIdx int, ok bool) {
	pk.mu.Lock()
	defer pk.mu.Unlock()

	ps := pk.pieces[pieceIdx]
	if ps.verified {
		return
	}

	if ok {
		ps.verified = true
		pk.bitfield.Set(pieceIdx)
		pk.remove(pieceIdx, ps.refNo)
		pk.remainingPieces--
		return
	}

	for b := range ps.blocks {
		ps.blocks[b] = block{}
	}
	ps.doneBlocks = 0
}

// MarkPieceVerifiedLocal is used by the startup verification scan to record
// a piece already matching on disk, without a prior OnBlockReceived
// sequence.
func (pk *Picker) MarkPieceVerifiedLocal(pieceIdx int) {
	pk.mu.Lock()
	defer pk.mu.Unlock()

	ps := pk.pieces[pieceIdx]
	if ps.verified {
		return
	}

	for b := range ps.blocks {
		ps.blocks[b].done = true
	}
	ps.doneBlocks = ps.blockCount
	ps.verified = true
	pk.bitfield.Set(pieceIdx)
	pk.remove(pieceIdx, ps.refNo)
	pk.remainingPieces--
}

// PieceHash returns the expected SHA-1 for a piece.
func (pk *Picker) PieceHash(idx int) [sha1.Size]byte {
	pk.mu.Lock()
	defer pk.mu.Unlock()

	return pk.pieces[idx].sha
}

// PiecesLeft returns the number of pieces not yet verified.
func (pk *Picker) PiecesLeft() int {
	pk.mu.Lock()
	defer pk.mu.Unlock()

	return pk.remainingPieces
}

// Bitfield returns a snapshot of verified pieces.
func (pk *Picker) Bitfield() bitfield.Bitfield {
	pk.mu.Lock()
	defer pk.mu.Unlock()

	return pk.bitfield.Clone()
}

// PieceStates returns the progress of every piece, for status reporting.
func (pk *Picker) PieceStates() []PieceState {
	pk.mu.Lock()
	defer pk.mu.Unlock()

	out := make([]PieceState, pk.pieceCount)
	for i, ps := range pk.pieces {
		switch {
		case ps.verified:
			out[i] = PieceCompleted
		case ps.doneBlocks > 0:
			out[i] = PieceInProgress
		default:
			out[i] = PieceNotStarted
		}
	}
	return out
}
