package piece

import (
	"crypto/sha1"
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/nullbrane/leech/pkg/bitfield"
)

// Manager coordinates between the piece picker (which decides what to
// download next) and the storage layer (which handles verified writes to
// disk).
type Manager struct {
	picker      *Picker
	store       *Store
	torrentSize int64
	pieceLength int64
	log         *slog.Logger
}

// NewPieceManager creates a Manager that coordinates piece picking and disk
// I/O. downloadDir is the destination root; files are laid out under
// downloadDir/torrentName.
func NewPieceManager(
	downloadDir, torrentName string,
	torrentSize, pieceLength int64,
	pieceHashes [][sha1.Size]byte,
	paths [][]string,
	lens []int64,
	log *slog.Logger,
) (*Manager, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "piece_manager")

	store, err := NewStore(downloadDir, torrentName, paths, lens, pieceLength)
	if err != nil {
		return nil, fmt.Errorf("piece manager: %w", err)
	}

	picker := NewPicker(torrentSize, pieceLength, pieceHashes)

	log.Info("piece manager initialized",
		"pieces", len(pieceHashes),
		"piece_length", pieceLength,
		"total_size", torrentSize,
	)

	return &Manager{
		picker:      picker,
		store:       store,
		torrentSize: torrentSize,
		pieceLength: pieceLength,
		log:         log,
	}, nil
}

func (m *Manager) Close() error {
	return m.store.Close()
}

// Bitfield returns a snapshot of verified pieces.
func (m *Manager) Bitfield() bitfield.Bitfield {
	return m.picker.Bitfield()
}

func (m *Manager) PiecesLeft() int {
	return m.picker.PiecesLeft()
}

// OnBlockReceived handles the full lifecycle of an arriving block: buffer it,
// and if it completes its piece, verify the hash and flush to disk.
func (m *Manager) OnBlockReceived(peer netip.AddrPort, pieceIdx, begin int, data []byte) (pieceComplete bool, err error) {
	ps := m.picker.pieces[pieceIdx]
	blockIdx := BlockIndexForBegin(begin, ps.length, BlockLength)
	if blockIdx < 0 {
		return false, fmt.Errorf("piece %d: begin %d out of range", pieceIdx, begin)
	}

	complete, err := m.picker.OnBlockReceived(peer, pieceIdx, begin)
	if err != nil {
		return false, err
	}

	m.store.BufferBlock(data, BlockInfo{
		PieceIndex:  pieceIdx,
		BlockIndex:  blockIdx,
		PieceLength: int(m.pieceLength),
		BlockLength: BlockLength,
		IsLastPiece: pieceIdx == len(m.picker.pieces)-1,
		TotalSize:   m.torrentSize,
	})

	if !complete {
		return false, nil
	}

	hash := m.picker.PieceHash(pieceIdx)
	ok, err := m.store.FlushPiece(pieceIdx, hash)
	if err != nil {
		m.log.Error("piece flush failed", "piece", pieceIdx, "error", err)
		return true, err
	}

	if ok {
		m.log.Info("piece verified", "piece", pieceIdx, "peer", peer.String())
	} else {
		m.log.Warn("piece verification failed, re-downloading", "piece", pieceIdx, "peer", peer.String())
	}

	m.picker.MarkPieceVerified(pieceIdx, ok)

	return true, nil
}

// NextForPeer picks up to maxRequests blocks to request from peer.
func (m *Manager) NextForPeer(peer netip.AddrPort, peerHas bitfield.Bitfield, maxRequests int) []Request {
	return m.picker.NextForPeer(peer, peerHas, maxRequests)
}

func (m *Manager) HasAnyWantedPiece(bf bitfield.Bitfield) bool {
	return m.picker.HasAnyWantedPiece(bf)
}

// OnPeerGone requeues every block the peer had in flight and lowers
// availability for every piece it advertised.
func (m *Manager) OnPeerGone(peer netip.AddrPort, bf bitfield.Bitfield) {
	m.log.Debug("peer disconnected", "peer", peer.String(), "pieces_had", bf.Count())
	m.picker.OnPeerGone(peer, bf)
}

func (m *Manager) OnPeerBitfield(peer netip.AddrPort, bf bitfield.Bitfield) {
	m.picker.OnPeerBitfield(peer, bf)
}

func (m *Manager) OnPeerHave(peer netip.AddrPort, pieceIdx int) {
	m.picker.OnPeerHave(peer, pieceIdx)
}

func (m *Manager) PieceStates() []PieceState {
	return m.picker.PieceStates()
}

// ReadPiece returns length bytes starting at begin within piece index. Any
// non-empty range inside the piece is accepted; begin and length need not be
// block-aligned.
func (m *Manager) ReadPiece(index, begin, length int) ([]byte, error) {
	pieceLen, err := PieceLengthAt(index, m.torrentSize, m.pieceLength)
	if err != nil {
		return nil, err
	}

	if begin < 0 || length <= 0 || begin+length > pieceLen {
		return nil, fmt.Errorf(
			"invalid request: index=%d begin=%d length=%d pieceLen=%d",
			index, begin, length, pieceLen,
		)
	}

	start, _, err := PieceOffsetBounds(index, m.torrentSize, m.pieceLength)
	if err != nil {
		return nil, err
	}
	streamOff := start + int64(begin)

	buf := make([]byte, length)
	if err := m.store.readStreamAt(buf, streamOff); err != nil {
		m.log.Error("failed to read piece", "piece", index, "begin", begin, "length", length, "error", err)
		return nil, err
	}
	return buf, nil
}

// RecheckPiece verifies a single piece's on-disk bytes against its expected
// hash without requiring any buffered blocks. Used by the startup
// verification scan.
func (m *Manager) RecheckPiece(pieceIdx int) (bool, error) {
	pieceLen, err := PieceLengthAt(pieceIdx, m.torrentSize, m.pieceLength)
	if err != nil {
		return false, err
	}

	hash := m.picker.PieceHash(pieceIdx)
	ok, err := m.store.RecheckPiece(pieceIdx, pieceLen, hash)
	if err != nil {
		return false, err
	}

	if ok {
		m.picker.MarkPieceVerifiedLocal(pieceIdx)
	}
	return ok, nil
}

func (m *Manager) PieceCount() int {
	return m.picker.pieceCount
}
