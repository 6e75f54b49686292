package transport

import (
	"net"

	"github.com/EDiasAlberto/peerbrowser/pkg/protocol"
)

// Packet is one decoded datagram together with the source address the
// socket observed. The source address, not anything in the payload, is
// what identifies the sender.
type Packet struct {
	From *net.UDPAddr
	Msg  protocol.Message
}

// Sender is the write half of a transport. Handlers that only reply
// take this instead of the full Transport.
type Sender interface {
	Send(to *net.UDPAddr, msg protocol.Message) error
}

// Transport handles the network layer
type Transport interface {
	Sender
	Listen() error
	Consume() <-chan Packet
	// SendRaw writes bytes with no envelope, for punch traffic that
	// must reach the remote NAT even if it cannot be parsed.
	SendRaw(to *net.UDPAddr, data []byte) error
	LocalAddr() *net.UDPAddr
	Close() error
}
