package udp

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EDiasAlberto/peerbrowser/pkg/protocol"
	"github.com/EDiasAlberto/peerbrowser/pkg/transport"
)

func newPair(t *testing.T) (*UDPTransport, *UDPTransport) {
	t.Helper()

	a := NewUDPTransport("127.0.0.1:0")
	require.NoError(t, a.Listen())
	t.Cleanup(func() { a.Close() })

	b := NewUDPTransport("127.0.0.1:0")
	require.NoError(t, b.Listen())
	t.Cleanup(func() { b.Close() })

	return a, b
}

func recv(t *testing.T, ch <-chan transport.Packet) transport.Packet {
	t.Helper()
	select {
	case pkt, ok := <-ch:
		require.True(t, ok, "consume channel closed early")
		return pkt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for packet")
		return transport.Packet{}
	}
}

func TestSendAndConsume(t *testing.T) {
	a, b := newPair(t)

	require.NoError(t, a.Send(b.LocalAddr(), protocol.Connect{TargetIP: "203.0.113.9"}))

	pkt := recv(t, b.Consume())
	assert.Equal(t, protocol.Connect{TargetIP: "203.0.113.9"}, pkt.Msg)
	assert.Equal(t, a.LocalAddr().Port, pkt.From.Port)
}

func TestMalformedDatagramsAreDropped(t *testing.T) {
	a, b := newPair(t)

	// Garbage first, then a valid message. Only the valid one should
	// come out of Consume.
	require.NoError(t, a.SendRaw(b.LocalAddr(), []byte{0x00}))
	require.NoError(t, a.SendRaw(b.LocalAddr(), []byte("not json at all")))
	require.NoError(t, a.Send(b.LocalAddr(), protocol.Register{}))

	pkt := recv(t, b.Consume())
	assert.Equal(t, protocol.Register{}, pkt.Msg)
}

func TestUnknownTypeIsDelivered(t *testing.T) {
	a, b := newPair(t)

	require.NoError(t, a.SendRaw(b.LocalAddr(), []byte(`{"type":"future_thing"}`)))

	pkt := recv(t, b.Consume())
	assert.Equal(t, protocol.Unknown{Tag: "future_thing"}, pkt.Msg)
}

func TestObservedSourceAddress(t *testing.T) {
	a, b := newPair(t)

	require.NoError(t, a.Send(b.LocalAddr(), protocol.Register{}))

	pkt := recv(t, b.Consume())
	// The source is whatever the socket saw, never payload content.
	assert.Equal(t, "127.0.0.1", pkt.From.IP.String())
	assert.Equal(t, a.LocalAddr().Port, pkt.From.Port)
}

func TestCloseEndsConsume(t *testing.T) {
	a := NewUDPTransport("127.0.0.1:0")
	require.NoError(t, a.Listen())
	require.NoError(t, a.Close())

	select {
	case _, ok := <-a.Consume():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("consume channel did not close")
	}

	// Close twice is fine.
	require.NoError(t, a.Close())
}

func TestSendBeforeListenFails(t *testing.T) {
	tr := NewUDPTransport("127.0.0.1:0")
	err := tr.Send(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9}, protocol.Register{})
	assert.Error(t, err)
}
