package peer

import (
	"context"
	"crypto/sha1"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nullbrane/leech/internal/config"
	"github.com/nullbrane/leech/internal/piece"
	"github.com/nullbrane/leech/internal/protocol"
	"github.com/nullbrane/leech/pkg/bitfield"
)

// Swarm owns the connected-peer set and the pending-candidate queue
// described in the piece/session scheduler: addresses discovered by the
// tracker enter the pending queue, migrate to the connected set on
// successful handshake, and are removed on disconnect. A peer address is
// in at most one of the two collections at any time.
type Swarm struct {
	logger   *slog.Logger
	peerMut  sync.RWMutex
	peers    map[netip.AddrPort]*Peer
	pending  map[netip.AddrPort]struct{}
	pendingQ chan netip.AddrPort

	infoHash   [sha1.Size]byte
	pieceCount int
	manager    *piece.Manager
	stats      *SwarmStats
	connLimit  int
}

type SwarmStats struct {
	TotalPeers       atomic.Uint32
	FailedConnection atomic.Uint32
	InterestedPeers  atomic.Uint32
	DownloadingFrom  atomic.Uint32
	TotalDownloaded  atomic.Uint64
	DownloadRate     atomic.Uint64
}

type SwarmOpts struct {
	Logger     *slog.Logger
	InfoHash   [sha1.Size]byte
	PieceCount int
	Manager    *piece.Manager
}

type SwarmMetrics struct {
	TotalPeers       uint32
	FailedConnection uint32
	InterestedPeers  uint32
	DownloadingFrom  uint32
	TotalDownloaded  uint64
	DownloadRate     uint64
}

func NewSwarm(opts *SwarmOpts) *Swarm {
	return &Swarm{
		logger:     opts.Logger.With("source", "peer_swarm"),
		infoHash:   opts.InfoHash,
		pieceCount: opts.PieceCount,
		manager:    opts.Manager,
		stats:      &SwarmStats{},
		peers:      make(map[netip.AddrPort]*Peer),
		pending:    make(map[netip.AddrPort]struct{}),
		pendingQ:   make(chan netip.AddrPort, 4096),
		connLimit:  config.Load().ConnLimit,
	}
}

func (s *Swarm) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	wg.Add(2)
	go func() { defer wg.Done(); s.maintenanceLoop(ctx) }()
	go func() { defer wg.Done(); s.statsLoop(ctx) }()

	const dialWorkers = 10
	wg.Add(dialWorkers)
	for i := 0; i < dialWorkers; i++ {
		go func() { defer wg.Done(); s.peerDialerLoop(ctx) }()
	}

	wg.Wait()
	return nil
}

func (s *Swarm) Stats() SwarmMetrics {
	ps := s.stats
	return SwarmMetrics{
		TotalPeers:       ps.TotalPeers.Load(),
		FailedConnection: ps.FailedConnection.Load(),
		InterestedPeers:  ps.InterestedPeers.Load(),
		DownloadingFrom:  ps.DownloadingFrom.Load(),
		TotalDownloaded:  ps.TotalDownloaded.Load(),
		DownloadRate:     ps.DownloadRate.Load(),
	}
}

func (s *Swarm) PeerMetrics() []PeerMetrics {
	s.peerMut.RLock()
	defer s.peerMut.RUnlock()

	metrics := make([]PeerMetrics, 0, len(s.peers))
	for _, peer := range s.peers {
		metrics = append(metrics, peer.Stats())
	}

	return metrics
}

// AdmitPeers appends addresses discovered by a tracker announce to the
// pending queue, skipping any already connected or already pending.
func (s *Swarm) AdmitPeers(addrs []netip.AddrPort) {
	s.peerMut.Lock()
	defer s.peerMut.Unlock()

	for _, addr := range addrs {
		if _, dup := s.peers[addr]; dup {
			continue
		}
		if _, dup := s.pending[addr]; dup {
			continue
		}

		select {
		case s.pendingQ <- addr:
			s.pending[addr] = struct{}{}
		default:
			s.logger.Warn("pending queue full; dropping candidate", "addr", addr)
		}
	}
}

// PendingEmpty reports whether the pending-candidate queue is empty, one
// half of the tracker loop's backpressure gate.
func (s *Swarm) PendingEmpty() bool {
	s.peerMut.RLock()
	defer s.peerMut.RUnlock()
	return len(s.pending) == 0
}

// AtCapacity reports whether the connected-peer set has reached CONN_LIMIT,
// the other half of the tracker loop's backpressure gate.
func (s *Swarm) AtCapacity() bool {
	s.peerMut.RLock()
	defer s.peerMut.RUnlock()
	return len(s.peers) >= s.connLimit
}

func (s *Swarm) connectedCount() int {
	s.peerMut.RLock()
	defer s.peerMut.RUnlock()
	return len(s.peers)
}

func (s *Swarm) addPeer(ctx context.Context, addr netip.AddrPort) (*Peer, error) {
	peer, err := Dial(ctx, addr, &PeerOpts{
		Log:          s.logger,
		PieceCount:   s.pieceCount,
		InfoHash:     s.infoHash,
		OnBitfield:   s.onPeerBitfield,
		OnHave:       s.onPeerHave,
		OnDisconnect: s.onPeerDisconnect,
		OnHandshake:  s.onPeerHandshake,
		OnPiece:      s.onPeerPiece,
		RequestWork:  s.requestWork,
	})
	if err != nil {
		s.stats.FailedConnection.Add(1)
		return nil, err
	}

	s.peerMut.Lock()
	s.peers[addr] = peer
	delete(s.pending, addr)
	s.peerMut.Unlock()

	s.stats.TotalPeers.Add(1)

	return peer, nil
}

func (s *Swarm) removePeer(addr netip.AddrPort) {
	s.peerMut.Lock()
	if _, exists := s.peers[addr]; !exists {
		s.peerMut.Unlock()
		return
	}
	delete(s.peers, addr)
	s.peerMut.Unlock()

	s.stats.TotalPeers.Add(^uint32(0))
}

func (s *Swarm) onPeerHandshake(addr netip.AddrPort) {
	peer, ok := s.getPeer(addr)
	if !ok {
		return
	}

	peer.SendBitfield(s.manager.Bitfield())

	if s.manager.PiecesLeft() > 0 {
		peer.SendInterested()
	}
}

func (s *Swarm) onPeerBitfield(addr netip.AddrPort, bf bitfield.Bitfield) {
	s.manager.OnPeerBitfield(addr, bf)

	peer, ok := s.getPeer(addr)
	if ok && s.manager.HasAnyWantedPiece(bf) {
		peer.SendInterested()
	}
}

func (s *Swarm) onPeerHave(addr netip.AddrPort, pieceIdx int) {
	s.manager.OnPeerHave(addr, pieceIdx)

	peer, ok := s.getPeer(addr)
	if ok && !peer.AmInterested() {
		peer.SendInterested()
	}
}

func (s *Swarm) onPeerDisconnect(addr netip.AddrPort) {
	peer, ok := s.getPeer(addr)
	if ok {
		s.manager.OnPeerGone(addr, peer.Bitfield())
	}
	s.removePeer(addr)
}

func (s *Swarm) onPeerPiece(addr netip.AddrPort, pieceIdx, begin int, data []byte) {
	complete, err := s.manager.OnBlockReceived(addr, pieceIdx, begin, data)
	if err != nil {
		s.logger.Warn("block receive failed", "addr", addr, "piece", pieceIdx, "error", err)
		return
	}

	if complete {
		s.broadcastHave(pieceIdx)
	}
}

func (s *Swarm) broadcastHave(pieceIdx int) {
	s.peerMut.RLock()
	defer s.peerMut.RUnlock()

	for _, peer := range s.peers {
		peer.enqueueMessage(protocol.MessageHave(uint32(pieceIdx)))
	}
}

// requestWork is the peer session's hook back into the scheduler: called
// whenever the peer becomes unchoked or finishes a block, it asks the
// manager for the next batch of block requests and pipelines them.
func (s *Swarm) requestWork(addr netip.AddrPort) {
	peer, ok := s.getPeer(addr)
	if !ok {
		return
	}

	reqs := s.manager.NextForPeer(addr, peer.Bitfield(), config.Load().MaxInflightRequestsPerPeer)
	for _, r := range reqs {
		peer.SendRequest(r.Piece, r.Begin, r.Length)
	}
}

func (s *Swarm) getPeer(addr netip.AddrPort) (*Peer, bool) {
	s.peerMut.RLock()
	defer s.peerMut.RUnlock()
	p, ok := s.peers[addr]
	return p, ok
}

func (s *Swarm) maintenanceLoop(ctx context.Context) {
	l := s.logger.With("component", "maintenance loop")
	l.Debug("started")

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	const maxIdle = 3 * time.Minute

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			var inactivePeerAddrs []netip.AddrPort

			s.peerMut.RLock()
			for addr, peer := range s.peers {
				if peer.Idleness() > maxIdle {
					inactivePeerAddrs = append(inactivePeerAddrs, addr)
				}
			}
			s.peerMut.RUnlock()

			for _, addr := range inactivePeerAddrs {
				if peer, ok := s.getPeer(addr); ok {
					peer.Close()
				}
				s.removePeer(addr)
			}

			if n := len(inactivePeerAddrs); n > 0 {
				l.Info("removed inactive peers", "count", n)
			}
		}
	}
}

// peerDialerLoop pulls candidates from the pending queue and dials them,
// honoring the CONN_LIMIT backpressure gate by polling at a 1-second
// interval when the connected set is full.
func (s *Swarm) peerDialerLoop(ctx context.Context) {
	l := s.logger.With("component", "peer dialer loop")
	l.Debug("started")

	for {
		if s.connectedCount() >= s.connLimit {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
				continue
			}
		}

		select {
		case <-ctx.Done():
			return

		case addr := <-s.pendingQ:
			peer, err := s.addPeer(ctx, addr)
			if err != nil {
				l.Debug("peer connection failed", "addr", addr, "error", err.Error())
				s.peerMut.Lock()
				delete(s.pending, addr)
				s.peerMut.Unlock()
				continue
			}

			go func(p *Peer) {
				defer s.removePeer(p.Addr())
				_ = p.Run(ctx)
			}(peer)
		}
	}
}

func (s *Swarm) statsLoop(ctx context.Context) {
	l := s.logger.With("component", "stats loop")
	l.Debug("started")

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			var totDown, downRate uint64
			var interested, downloadingFrom uint32

			s.peerMut.RLock()
			for _, peer := range s.peers {
				totDown += peer.stats.Downloaded.Load()
				rd := peer.stats.DownloadRate.Load()
				downRate += rd

				if peer.AmInterested() {
					interested++
				}
				if rd > 0 {
					downloadingFrom++
				}
			}
			s.peerMut.RUnlock()

			s.stats.TotalDownloaded.Store(totDown)
			s.stats.DownloadRate.Store(downRate)
			s.stats.InterestedPeers.Store(interested)
			s.stats.DownloadingFrom.Store(downloadingFrom)
		}
	}
}
