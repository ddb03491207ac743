package peer

import (
	"io"
	"log/slog"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nullbrane/leech/internal/protocol"
	"github.com/nullbrane/leech/pkg/bitfield"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPeer(t *testing.T, conn net.Conn, pieceCount int) *Peer {
	t.Helper()
	return &Peer{
		log:      discardLogger(),
		conn:     conn,
		addr:     netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), 1),
		stats:    &PeerStats{},
		bitfield: bitfield.New(pieceCount),
		outbox:   make(chan *protocol.Message, 8),
	}
}

func TestHandleMessage_InterestedGetsLiberalUnchoke(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	p := newTestPeer(t, server, 4)

	err := p.handleMessage(protocol.MessageInterested())
	require.NoError(t, err)
	require.True(t, p.PeerInterested())

	select {
	case msg := <-p.outbox:
		require.Equal(t, protocol.Unchoke, msg.ID)
	default:
		t.Fatal("expected an unchoke to be queued")
	}
}

func TestHandleMessage_UnchokeTriggersRequestWork(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	p := newTestPeer(t, server, 4)
	p.setState(maskPeerChoking, true)

	var called netip.AddrPort
	p.requestWork = func(addr netip.AddrPort) { called = addr }

	err := p.handleMessage(&protocol.Message{ID: protocol.Unchoke})
	require.NoError(t, err)
	require.False(t, p.PeerChoking())
	require.Equal(t, p.addr, called)
}

func TestHandleMessage_BitfieldStoresAndCallsHook(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	p := newTestPeer(t, server, 8)

	var gotAddr netip.AddrPort
	var gotBf bitfield.Bitfield
	p.onBitfield = func(addr netip.AddrPort, bf bitfield.Bitfield) {
		gotAddr, gotBf = addr, bf
	}

	bf := bitfield.New(8)
	bf.Set(1)
	bf.Set(5)

	err := p.handleMessage(protocol.MessageBitfield(bf.Bytes()))
	require.NoError(t, err)
	require.Equal(t, p.addr, gotAddr)
	require.True(t, gotBf.Has(1))
	require.True(t, p.Bitfield().Has(5))
}

func TestHandleMessage_HaveSetsBitAndCallsHook(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	p := newTestPeer(t, server, 8)

	var gotPiece int
	p.onHave = func(_ netip.AddrPort, idx int) { gotPiece = idx }

	err := p.handleMessage(protocol.MessageHave(3))
	require.NoError(t, err)
	require.True(t, p.Bitfield().Has(3))
	require.Equal(t, 3, gotPiece)
}

func TestHandleMessage_PieceUpdatesStatsAndRequestsMore(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	p := newTestPeer(t, server, 1)

	requested := false
	p.requestWork = func(netip.AddrPort) { requested = true }

	var gotPiece, gotBegin int
	var gotBlock []byte
	p.onPiece = func(_ netip.AddrPort, piece, begin int, block []byte) {
		gotPiece, gotBegin, gotBlock = piece, begin, block
	}

	block := []byte{1, 2, 3, 4}
	err := p.handleMessage(protocol.MessagePiece(0, 0, block))
	require.NoError(t, err)

	require.Equal(t, 0, gotPiece)
	require.Equal(t, 0, gotBegin)
	require.Equal(t, block, gotBlock)
	require.True(t, requested)
	require.EqualValues(t, len(block), p.stats.Downloaded.Load())
}

func TestSendRequest_RefusesWhileChoked(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	p := newTestPeer(t, server, 1)
	p.setState(maskPeerChoking, true)

	ok := p.SendRequest(0, 0, 16384)
	require.False(t, ok)
	require.Zero(t, p.stats.RequestsSent.Load())
}

func TestSendRequest_EnqueuesWhenUnchoked(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	p := newTestPeer(t, server, 1)
	p.setState(maskPeerChoking, false)

	ok := p.SendRequest(0, 0, 16384)
	require.True(t, ok)
	require.EqualValues(t, 1, p.stats.RequestsSent.Load())
}

// readMessage must re-arm the read deadline after the length prefix arrives
// and still hand protocol.ReadMessage a byte-complete frame via
// prependReader, even though the prefix was already consumed off the wire.
func TestReadMessage_SplicesPrefixBackInViaPrependReader(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	p := newTestPeer(t, client, 1)

	done := make(chan struct{})
	var gotMsg *protocol.Message
	var gotErr error

	go func() {
		gotMsg, gotErr = p.readMessage()
		close(done)
	}()

	require.NoError(t, protocol.WriteMessage(server, protocol.MessageHave(7)))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for readMessage")
	}

	require.NoError(t, gotErr)
	idx, ok := gotMsg.ParseHave()
	require.True(t, ok)
	require.EqualValues(t, 7, idx)
}
