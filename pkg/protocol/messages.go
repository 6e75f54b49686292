package protocol

import (
	"fmt"
	"net"
	"strconv"
)

// Kind is the wire discriminator carried in every envelope's "type" field.
type Kind string

const (
	KindRegister     Kind = "register"
	KindConnect      Kind = "connect"
	KindYourAddr     Kind = "your_addr"
	KindPeer         Kind = "peer"
	KindError        Kind = "error"
	KindPunch        Kind = "punch"
	KindFileRequest  Kind = "file_request"
	KindFileResponse Kind = "file_response"
	KindFileAck      Kind = "file_ack"
)

// Message is one decoded wire envelope. The set of variants is closed:
// everything a peer can legally receive is listed in this file, and
// anything else decodes to Unknown.
type Message interface {
	Kind() Kind
	sealed()
}

// Register asks the rendezvous server to record the sender's observed
// address. It carries no payload; the address comes from the datagram.
type Register struct{}

// Connect asks the rendezvous server to introduce the sender to a
// registered client whose IP equals TargetIP.
type Connect struct {
	TargetIP string `json:"target_ip"`
}

// YourAddr tells a client the address the server observed for it, which
// is how a NATed client learns its external mapping.
type YourAddr struct {
	Addr Addr `json:"addr"`
}

// PeerIntro hands a client the observed address of the peer it was
// matched with. Both sides of a match receive one.
type PeerIntro struct {
	Peer Addr `json:"peer"`
}

// ErrorReply is the server's negative response to a request.
type ErrorReply struct {
	Msg string `json:"msg"`
}

// Punch is the keepalive datagram peers fire at each other to open and
// hold the NAT path. Receivers drop it after counting it.
type Punch struct {
	T float64 `json:"t"`
}

// FileRequest opens a transfer: the requester names the path it wants
// and the nonce that will correlate every packet of the exchange.
type FileRequest struct {
	Filepath string `json:"filepath"`
	Nonce    string `json:"nonce"`
}

// FileResponse carries one chunk of content. Data is hex encoded; Hash
// is the MD5 of the complete file so the receiver can verify the
// reassembled bytes.
type FileResponse struct {
	Hash     string `json:"hash"`
	Data     string `json:"data"`
	Nonce    string `json:"nonce"`
	Filename string `json:"filename"`
	IsLast   bool   `json:"is_last"`
	Seq      int    `json:"seq"`
}

// FileAck acknowledges receipt of the chunk with the given sequence
// number within the transfer identified by Nonce.
type FileAck struct {
	Seq   int    `json:"seq"`
	Nonce string `json:"nonce"`
}

// Unknown is produced for any unrecognized "type" tag. It is never
// dispatched; dispatch loops log and drop it.
type Unknown struct {
	Tag string
}

func (Register) Kind() Kind     { return KindRegister }
func (Connect) Kind() Kind      { return KindConnect }
func (YourAddr) Kind() Kind     { return KindYourAddr }
func (PeerIntro) Kind() Kind    { return KindPeer }
func (ErrorReply) Kind() Kind   { return KindError }
func (Punch) Kind() Kind        { return KindPunch }
func (FileRequest) Kind() Kind  { return KindFileRequest }
func (FileResponse) Kind() Kind { return KindFileResponse }
func (FileAck) Kind() Kind      { return KindFileAck }
func (m Unknown) Kind() Kind    { return Kind(m.Tag) }

func (Register) sealed()     {}
func (Connect) sealed()      {}
func (YourAddr) sealed()     {}
func (PeerIntro) sealed()    {}
func (ErrorReply) sealed()   {}
func (Punch) sealed()        {}
func (FileRequest) sealed()  {}
func (FileResponse) sealed() {}
func (FileAck) sealed()      {}
func (Unknown) sealed()      {}

// Addr is an endpoint as it travels on the wire: a two element JSON
// array ["ip", port], matching the rendezvous protocol.
type Addr struct {
	IP   string
	Port int
}

func AddrFrom(u *net.UDPAddr) Addr {
	return Addr{IP: u.IP.String(), Port: u.Port}
}

func (a Addr) String() string {
	return net.JoinHostPort(a.IP, strconv.Itoa(a.Port))
}

// UDPAddr resolves the wire form back into a dialable address.
func (a Addr) UDPAddr() (*net.UDPAddr, error) {
	ip := net.ParseIP(a.IP)
	if ip == nil {
		return nil, fmt.Errorf("invalid ip %q", a.IP)
	}
	return &net.UDPAddr{IP: ip, Port: a.Port}, nil
}
