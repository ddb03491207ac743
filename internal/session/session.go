// Package session is the composition root that wires a parsed metainfo
// descriptor to storage, the piece scheduler, the tracker client, and the
// peer swarm, and drives the download to completion.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/nullbrane/leech/internal/config"
	"github.com/nullbrane/leech/internal/meta"
	"github.com/nullbrane/leech/internal/peer"
	"github.com/nullbrane/leech/internal/piece"
	"github.com/nullbrane/leech/internal/tracker"
	"golang.org/x/sync/errgroup"
)

// Session drives a single torrent from metainfo to a fully verified
// on-disk payload.
type Session struct {
	log      *slog.Logger
	metainfo *meta.Metainfo
	manager  *piece.Manager
	tracker  *tracker.Tracker
	swarm    *peer.Swarm
}

// New constructs a Session and performs the startup verification scan
// (spec.md §4.7): every piece's on-disk bytes, if any, are rechecked
// against its SHA-1 before the tracker is ever announced to, so a resumed
// download never re-fetches data it already has.
func New(ctx context.Context, mi *meta.Metainfo, destDir string, log *slog.Logger) (*Session, error) {
	paths, lens := filesOf(mi)

	// A single-file payload is written as <destDir>/<name>; only a
	// multi-file payload gets a <destDir>/<name>/ directory.
	rootName := mi.Info.Name
	if len(mi.Info.Files) == 0 {
		rootName = ""
	}

	manager, err := piece.NewPieceManager(
		destDir,
		rootName,
		mi.Size(),
		int64(mi.Info.PieceLength),
		mi.Info.Pieces,
		paths,
		lens,
		log,
	)
	if err != nil {
		return nil, fmt.Errorf("session: piece manager: %w", err)
	}

	if err := verifyOnDisk(manager, log); err != nil {
		return nil, fmt.Errorf("session: startup verification: %w", err)
	}

	s := &Session{
		log:      log.With("component", "session", "name", mi.Info.Name),
		metainfo: mi,
		manager:  manager,
	}
	s.log.Info("session initialized", "info_hash", mi.InfoHash, "pieces", manager.PieceCount())

	s.swarm = peer.NewSwarm(&peer.SwarmOpts{
		Logger:     log,
		InfoHash:   mi.InfoHash,
		PieceCount: manager.PieceCount(),
		Manager:    manager,
	})

	t, err := tracker.NewTracker(mi.Announce, mi.AnnounceList, &tracker.TrackerOpts{
		Log:               log,
		OnAnnounceStart:   s.announceParams,
		OnAnnounceSuccess: s.swarm.AdmitPeers,
		ShouldPause:       s.shouldPauseAnnounce,
	})
	if err != nil {
		_ = manager.Close()
		return nil, fmt.Errorf("session: tracker: %w", err)
	}
	s.tracker = t

	return s, nil
}

// verifyOnDisk runs RecheckPiece across every piece in the plan and marks
// whichever already match their SHA-1 as complete, before any network
// activity begins.
func verifyOnDisk(manager *piece.Manager, log *slog.Logger) error {
	total := manager.PieceCount()
	verified := 0

	for i := 0; i < total; i++ {
		ok, err := manager.RecheckPiece(i)
		if err != nil {
			return fmt.Errorf("recheck piece %d: %w", i, err)
		}
		if ok {
			verified++
		}
	}

	log.Info("startup verification complete", "pieces", total, "already_verified", verified)
	return nil
}

// Run drives the tracker loop and peer swarm until every piece has been
// downloaded and verified, or ctx is cancelled.
func (s *Session) Run(ctx context.Context) error {
	defer s.manager.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.tracker.Run(gctx) })
	g.Go(func() error { return s.swarm.Run(gctx) })
	g.Go(func() error { return s.waitForCompletion(gctx, cancel) })

	if err := g.Wait(); err != nil && gctx.Err() == nil {
		return err
	}
	return nil
}

func (s *Session) waitForCompletion(ctx context.Context, done context.CancelFunc) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if s.manager.PiecesLeft() == 0 {
				s.log.Info("download complete")
				done()
				return nil
			}
		}
	}
}

func (s *Session) announceParams() *tracker.AnnounceParams {
	cfg := config.Load()
	left := s.bytesLeft()

	event := tracker.EventNone
	if s.manager.PiecesLeft() == s.manager.PieceCount() {
		event = tracker.EventStarted
	} else if left == 0 {
		event = tracker.EventCompleted
	}

	return &tracker.AnnounceParams{
		InfoHash: s.metainfo.InfoHash,
		PeerID:   cfg.ClientID,
		Left:     uint64(left),
		Event:    event,
		NumWant:  cfg.NumWant,
		Port:     cfg.Port,
	}
}

// shouldPauseAnnounce implements the tracker loop's backpressure gate: a
// scheduled announce is skipped while the connected-peer count is at
// CONN_LIMIT, or while the pending queue already holds undialed candidates,
// since either condition means more peer addresses would have nowhere
// useful to go.
func (s *Session) shouldPauseAnnounce() bool {
	return s.swarm.AtCapacity() || !s.swarm.PendingEmpty()
}

// bytesLeft approximates remaining bytes as whole pieces still missing;
// it is only used for the tracker's informational "left" field, not for
// scheduling decisions.
func (s *Session) bytesLeft() int64 {
	total := s.metainfo.Size()
	left := int64(s.manager.PiecesLeft()) * int64(s.metainfo.Info.PieceLength)
	if left > total {
		left = total
	}
	return left
}

// AdmitPeers seeds the swarm directly, bypassing the tracker. Useful for
// tests and local-network peer discovery.
func (s *Session) AdmitPeers(addrs []netip.AddrPort) {
	s.swarm.AdmitPeers(addrs)
}

func filesOf(mi *meta.Metainfo) (paths [][]string, lens []int64) {
	if len(mi.Info.Files) == 0 {
		return [][]string{{mi.Info.Name}}, []int64{mi.Info.Length}
	}

	paths = make([][]string, len(mi.Info.Files))
	lens = make([]int64, len(mi.Info.Files))
	for i, f := range mi.Info.Files {
		paths[i] = f.Path
		lens[i] = f.Length
	}
	return paths, lens
}
