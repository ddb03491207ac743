package peer

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nullbrane/leech/internal/config"
	"github.com/nullbrane/leech/internal/protocol"
	"github.com/nullbrane/leech/pkg/bitfield"
	"golang.org/x/sync/errgroup"
)

const (
	maskAmChoking      = 1 << 0
	maskAmInterested   = 1 << 1
	maskPeerChoking    = 1 << 2
	maskPeerInterested = 1 << 3
)

// Peer is the state machine for a single established TCP connection:
// connecting -> handshaking -> awaiting-unchoke -> requesting <-> awaiting-block -> terminated.
//
// This client never seeds: it replies to interested with a liberal unchoke
// (harmless, matches how real clients behave towards it) but never serves
// piece data, since there is no upload path.
type Peer struct {
	log           *slog.Logger
	conn          net.Conn
	addr          netip.AddrPort
	state         uint32
	stats         *PeerStats
	bitfieldMu    sync.RWMutex
	bitfield      bitfield.Bitfield
	lastAcitivyAt atomic.Int64
	outbox        chan *protocol.Message
	closeOnce     sync.Once
	stopped       atomic.Bool
	cancel        context.CancelFunc
	onBitfield    func(netip.AddrPort, bitfield.Bitfield)
	onHave        func(netip.AddrPort, int)
	onDisconnect  func(netip.AddrPort)
	onHandshake   func(netip.AddrPort)
	onPiece       func(netip.AddrPort, int, int, []byte)
	requestWork   func(netip.AddrPort)
}

// PeerStats holds per-connection counters/timestamps. All counters are
// atomic and monotonically increasing for the lifetime of a peer.
type PeerStats struct {
	// Downloaded is the total number of BYTES we have received from this
	// peer.
	Downloaded atomic.Uint64

	// DownloadRate is a smoothed BYTES PER SECOND estimate of incoming
	// data.
	DownloadRate atomic.Uint64

	// MessagesReceived counts frames successfully READ from the socket,
	// including keep-alives.
	MessagesReceived atomic.Uint64

	// MessagesSent counts frames successfully WRITTEN to the socket,
	// including keep-alives.
	MessagesSent atomic.Uint64

	// RequestsSent counts REQUEST messages we successfully wrote to the
	// socket.
	RequestsSent atomic.Uint64

	// BlocksReceived counts PIECE messages we received (i.e., completed
	// blocks from the peer).
	BlocksReceived atomic.Uint64

	// Errors counts protocol or I/O errors local to this peer connection
	// (failed reads/writes, malformed messages, etc.).
	Errors atomic.Uint64

	// ConnectedAt is the wall-clock time when the TCP connection and
	// handshake succeeded.
	ConnectedAt time.Time

	// DisconnectedAt is the wall-clock time when the connection was
	// closed (local or remote).
	DisconnectedAt time.Time
}

// PeerMetrics is a snapshot of a single peer's connection + transfer stats.
type PeerMetrics struct {
	Addr         netip.AddrPort
	Downloaded   uint64
	RequestsSent uint64
	LastActive   time.Time
	ConnectedAt  time.Time
	ConnectedFor time.Duration
	DownloadRate uint64
	IsChoked     bool
	IsInterested bool
}

type PeerOpts struct {
	Log          *slog.Logger
	PieceCount   int
	InfoHash     [sha1.Size]byte
	OnBitfield   func(netip.AddrPort, bitfield.Bitfield)
	OnHave       func(netip.AddrPort, int)
	OnDisconnect func(netip.AddrPort)
	OnHandshake  func(netip.AddrPort)
	OnPiece      func(netip.AddrPort, int, int, []byte)
	RequestWork  func(netip.AddrPort)
}

// Dial connects to addr, performs the outbound handshake, and returns a
// running Peer. The handshake's own read is bounded separately from the
// dial timeout since a peer can accept a TCP connection but stall before
// writing anything back.
func Dial(ctx context.Context, addr netip.AddrPort, opts *PeerOpts) (*Peer, error) {
	log := opts.Log.With("src", "peer", "addr", addr)
	cfg := config.Load()

	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, err
	}

	_ = conn.SetDeadline(time.Now().Add(cfg.HandshakeTimeout))
	handshake := protocol.NewHandshake(opts.InfoHash, cfg.ClientID)
	if _, err := handshake.Exchange(conn, true); err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})

	p := &Peer{
		log:          log,
		conn:         conn,
		addr:         addr,
		stats:        &PeerStats{},
		onBitfield:   opts.OnBitfield,
		onHave:       opts.OnHave,
		onDisconnect: opts.OnDisconnect,
		onHandshake:  opts.OnHandshake,
		onPiece:      opts.OnPiece,
		requestWork:  opts.RequestWork,
		bitfield:     bitfield.New(opts.PieceCount),
		outbox:       make(chan *protocol.Message, cfg.PeerOutboundQueueBacklog),
	}
	p.setState(maskAmChoking|maskPeerChoking, true)
	p.lastAcitivyAt.Store(time.Now().UnixNano())
	p.stats.ConnectedAt = time.Now()

	return p, nil
}

func (p *Peer) Run(ctx context.Context) error {
	defer p.Close()

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return p.readMessagesLoop(gctx) })
	g.Go(func() error { return p.writeMessagesLoop(gctx) })
	g.Go(func() error { return p.rateLoop(gctx) })

	err := g.Wait()
	if p.onDisconnect != nil {
		p.onDisconnect(p.addr)
	}
	return err
}

func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		p.stopped.Store(true)

		if p.cancel != nil {
			p.cancel()
		}

		_ = p.conn.Close()
		close(p.outbox)
		p.stats.DisconnectedAt = time.Now()

		p.log.Debug("stopped peer")
	})
}

func (p *Peer) Addr() netip.AddrPort { return p.addr }

func (p *Peer) Idleness() time.Duration {
	ns := time.Unix(0, p.lastAcitivyAt.Load())
	return time.Since(ns)
}

func (p *Peer) Bitfield() bitfield.Bitfield {
	p.bitfieldMu.RLock()
	defer p.bitfieldMu.RUnlock()
	return p.bitfield.Clone()
}

func (p *Peer) SendBitfield(bf bitfield.Bitfield) {
	p.enqueueMessage(protocol.MessageBitfield(bf.Bytes()))
}

func (p *Peer) SendKeepAlive() {
	p.enqueueMessage(nil)
}

func (p *Peer) SendInterested() {
	p.setState(maskAmInterested, true)
	p.enqueueMessage(protocol.MessageInterested())
}

func (p *Peer) SendRequest(piece, begin, length int) bool {
	if p.PeerChoking() {
		return false
	}

	p.stats.RequestsSent.Add(1)
	return p.enqueueMessage(protocol.MessageRequest(uint32(piece), uint32(begin), uint32(length)))
}

func (p *Peer) readMessagesLoop(ctx context.Context) error {
	l := p.log.With("component", "read message loop")
	l.Debug("started")

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		message, err := p.readMessage()
		if err != nil {
			l.Warn("failed to read message, exiting!", "error", err.Error())
			return err
		}

		if err := p.handleMessage(message); err != nil {
			l.Warn("handle message failed", "error", err.Error())
			return err
		}
	}
}

func (p *Peer) writeMessagesLoop(ctx context.Context) error {
	l := p.log.With("component", "write messages loop")
	l.Debug("started")

	if p.onHandshake != nil {
		p.onHandshake(p.addr)
	}

	keepAliveInterval := config.Load().KeepAliveInterval
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case message, ok := <-p.outbox:
			if !ok {
				return nil
			}

			if err := p.writeMessage(message); err != nil {
				l.Warn(
					"failed to write message, exiting loop",
					"error", err.Error(),
				)
				return err
			}

		case <-ticker.C:
			lastAcitivyAt := time.Unix(0, p.lastAcitivyAt.Load())

			if time.Since(lastAcitivyAt) >= keepAliveInterval {
				p.SendKeepAlive()
			}
		}
	}
}

// rateLoop maintains a smoothed bytes/sec estimate of download throughput.
//
// A 1s ticker snapshots the monotonic Downloaded counter and computes the
// delta from the previous snapshot, then folds it into an exponential
// moving average to damp burstiness from pipelined block arrivals.
func (p *Peer) rateLoop(ctx context.Context) error {
	t := time.NewTicker(time.Second)
	defer t.Stop()

	lastDown := p.stats.Downloaded.Load()

	const alpha = 0.2
	var (
		downEMA uint64
		inited  bool
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			curDown := p.stats.Downloaded.Load()
			instDown := curDown - lastDown

			if !inited {
				downEMA = instDown
				inited = true
			} else {
				downEMA = uint64(alpha*float64(instDown) + (1-alpha)*float64(downEMA))
			}

			p.stats.DownloadRate.Store(downEMA)
			lastDown = curDown
		}
	}
}

// readMessage implements the spec's two-stage timeout: up to ReadTimeout
// to see the 4-byte length prefix arrive (peers may be idle up to their
// keep-alive interval), then BodyReadTimeout per subsequent read once the
// frame body itself is being streamed in.
func (p *Peer) readMessage() (*protocol.Message, error) {
	cfg := config.Load()

	_ = p.conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))

	var lp [4]byte
	if _, err := readFullDeadlined(p.conn, lp[:]); err != nil {
		p.stats.Errors.Add(1)
		return nil, err
	}

	_ = p.conn.SetReadDeadline(time.Now().Add(cfg.BodyReadTimeout))
	message, err := protocol.ReadMessage(&prependReader{prefix: lp[:], r: p.conn})
	if err != nil {
		p.stats.Errors.Add(1)
		return nil, err
	}

	p.stats.MessagesReceived.Add(1)
	p.lastAcitivyAt.Store(time.Now().UnixNano())

	return message, nil
}

func readFullDeadlined(conn net.Conn, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := conn.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// prependReader splices an already-consumed length prefix back in front of
// the remaining socket bytes so protocol.ReadMessage can parse a full frame.
// Every read from the socket re-arms the read deadline to BodyReadTimeout.
type prependReader struct {
	prefix []byte
	r      net.Conn
}

func (pr *prependReader) Read(p []byte) (int, error) {
	if len(pr.prefix) > 0 {
		n := copy(p, pr.prefix)
		pr.prefix = pr.prefix[n:]
		return n, nil
	}
	_ = pr.r.SetReadDeadline(time.Now().Add(config.Load().BodyReadTimeout))
	return pr.r.Read(p)
}

func (p *Peer) writeMessage(message *protocol.Message) error {
	_ = p.conn.SetWriteDeadline(time.Now().Add(config.Load().WriteTimeout))
	defer p.conn.SetWriteDeadline(time.Time{})

	if err := protocol.WriteMessage(p.conn, message); err != nil {
		p.stats.Errors.Add(1)
		return err
	}

	p.onMessageWritten()
	return nil
}

func (p *Peer) AmInterested() bool   { return p.getState(maskAmInterested) }
func (p *Peer) PeerChoking() bool    { return p.getState(maskPeerChoking) }
func (p *Peer) PeerInterested() bool { return p.getState(maskPeerInterested) }

func (p *Peer) getState(mask uint32) bool { return atomic.LoadUint32(&p.state)&mask != 0 }

func (p *Peer) setState(mask uint32, on bool) {
	for {
		old := atomic.LoadUint32(&p.state)
		var next uint32
		if on {
			next = old | mask
		} else {
			next = old &^ mask
		}

		if atomic.CompareAndSwapUint32(&p.state, old, next) {
			return
		}
	}
}

func (p *Peer) handleMessage(message *protocol.Message) error {
	if protocol.IsKeepAlive(message) {
		return nil
	}

	switch message.ID {
	case protocol.Choke:
		p.setState(maskPeerChoking, true)
	case protocol.Unchoke:
		p.setState(maskPeerChoking, false)
		if p.requestWork != nil {
			p.requestWork(p.addr)
		}
	case protocol.Interested:
		p.setState(maskPeerInterested, true)
		// Liberal unchoke: harmless since this client never serves
		// block data (no SendPiece path exists).
		p.enqueueMessage(protocol.MessageUnchoke())
	case protocol.NotInterested:
		p.setState(maskPeerInterested, false)
	case protocol.Bitfield:
		bf := bitfield.FromBytes(message.Payload)
		p.bitfieldMu.Lock()
		p.bitfield = bf
		p.bitfieldMu.Unlock()
		if p.onBitfield != nil {
			p.onBitfield(p.addr, bf)
		}
	case protocol.Have:
		piece, ok := message.ParseHave()
		if !ok {
			return errors.New("malformed have message")
		}
		p.bitfieldMu.Lock()
		p.bitfield.Set(int(piece))
		p.bitfieldMu.Unlock()
		if p.onHave != nil {
			p.onHave(p.addr, int(piece))
		}

	case protocol.Piece:
		piece, begin, block, ok := message.ParsePiece()
		if !ok {
			return errors.New("malformed piece message")
		}

		p.stats.BlocksReceived.Add(1)
		p.stats.Downloaded.Add(uint64(len(block)))
		if p.onPiece != nil {
			p.onPiece(p.addr, int(piece), int(begin), block)
		}
		if p.requestWork != nil {
			p.requestWork(p.addr)
		}
	case protocol.Request:
		// This client never seeds; acknowledge and ignore.
		if _, _, _, ok := message.ParseRequest(); !ok {
			return errors.New("malformed request message")
		}
	case protocol.Cancel, protocol.Port:
		// Nothing to do: no upload path to cancel, DHT unsupported.
	default:
		return fmt.Errorf("invalid message id '%d'", message.ID)
	}

	return nil
}

func (p *Peer) enqueueMessage(message *protocol.Message) bool {
	if p.stopped.Load() {
		return false
	}

	select {
	case p.outbox <- message:
		return true
	default:
		return false
	}
}

func (p *Peer) onMessageWritten() {
	p.stats.MessagesSent.Add(1)
	p.lastAcitivyAt.Store(time.Now().UnixNano())
}

// Stats returns a snapshot of metrics for this peer.
func (p *Peer) Stats() PeerMetrics {
	lastNs := p.lastAcitivyAt.Load()
	lastActive := time.Unix(0, lastNs)
	connectedAt := p.stats.ConnectedAt

	return PeerMetrics{
		Addr:         p.addr,
		Downloaded:   p.stats.Downloaded.Load(),
		RequestsSent: p.stats.RequestsSent.Load(),
		LastActive:   lastActive,
		ConnectedAt:  connectedAt,
		ConnectedFor: time.Since(connectedAt),
		DownloadRate: p.stats.DownloadRate.Load(),
		IsChoked:     p.PeerChoking(),
		IsInterested: p.AmInterested(),
	}
}
