package udp

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/EDiasAlberto/peerbrowser/pkg/logger"
	"github.com/EDiasAlberto/peerbrowser/pkg/monitor"
	"github.com/EDiasAlberto/peerbrowser/pkg/protocol"
	"github.com/EDiasAlberto/peerbrowser/pkg/transport"
)

const (
	// Kernel receive buffer. Bursts of chunk traffic from several
	// peers land here before the read loop drains them.
	readBufferSize = 1 << 20
	// Largest datagram we accept. Chunks are far smaller, but the
	// socket must not truncate anything a peer could legally send.
	maxDatagramSize = 64 * 1024
)

// UDPTransport implements transport.Transport over a single wildcard
// socket. One socket carries rendezvous, punch and transfer traffic so
// the NAT mapping stays pinned to one public port.
type UDPTransport struct {
	listenAddr string
	conn       *net.UDPConn
	packetCh   chan transport.Packet
	closed     atomic.Bool
}

func NewUDPTransport(addr string) *UDPTransport {
	return &UDPTransport{
		listenAddr: addr,
		packetCh:   make(chan transport.Packet, 1024),
	}
}

func (t *UDPTransport) Listen() error {
	laddr, err := net.ResolveUDPAddr("udp", t.listenAddr)
	if err != nil {
		return err
	}

	t.conn, err = net.ListenUDP("udp", laddr)
	if err != nil {
		return err
	}

	if err := t.conn.SetReadBuffer(readBufferSize); err != nil {
		logger.Sugar.Warnf("[UDPTransport] set read buffer failed: size=%d err=%v", readBufferSize, err)
	}

	go t.readLoop()
	return nil
}

func (t *UDPTransport) readLoop() {
	defer close(t.packetCh)

	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if t.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Sugar.Errorf("[UDPTransport] read error: listen=%s err=%v", t.listenAddr, err)
			continue
		}
		monitor.CountIn()

		// Decode copies out of buf, so the buffer is reused across
		// iterations.
		msg, err := protocol.Decode(buf[:n])
		if err != nil {
			monitor.CountMalformed()
			logger.Sugar.Debugf("[UDPTransport] dropped malformed datagram: from=%s len=%d err=%v", from, n, err)
			continue
		}

		t.packetCh <- transport.Packet{From: from, Msg: msg}
	}
}

func (t *UDPTransport) Send(to *net.UDPAddr, msg protocol.Message) error {
	if t.conn == nil {
		return fmt.Errorf("transport is not listening")
	}

	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	if _, err := t.conn.WriteToUDP(data, to); err != nil {
		return fmt.Errorf("send %s to %s: %w", msg.Kind(), to, err)
	}
	monitor.CountOut()
	return nil
}

// SendRaw writes bytes without envelope encoding. Punching sends a raw
// zero byte alongside the JSON probe so even a peer that cannot parse
// the probe still opens its NAT mapping.
func (t *UDPTransport) SendRaw(to *net.UDPAddr, data []byte) error {
	if t.conn == nil {
		return fmt.Errorf("transport is not listening")
	}
	if _, err := t.conn.WriteToUDP(data, to); err != nil {
		return err
	}
	monitor.CountOut()
	return nil
}

func (t *UDPTransport) Consume() <-chan transport.Packet {
	return t.packetCh
}

func (t *UDPTransport) LocalAddr() *net.UDPAddr {
	if t.conn == nil {
		return nil
	}
	return t.conn.LocalAddr().(*net.UDPAddr)
}

func (t *UDPTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	if t.conn == nil {
		return nil
	}
	return t.conn.Close()
}
