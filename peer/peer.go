package peer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/EDiasAlberto/peerbrowser/pkg/discovery"
	"github.com/EDiasAlberto/peerbrowser/pkg/logger"
	"github.com/EDiasAlberto/peerbrowser/pkg/protocol"
	"github.com/EDiasAlberto/peerbrowser/pkg/store"
	"github.com/EDiasAlberto/peerbrowser/pkg/tracker"
	"github.com/EDiasAlberto/peerbrowser/pkg/transport"
	"github.com/EDiasAlberto/peerbrowser/pkg/transport/udp"
)

// ErrPeerNotFound mirrors the rendezvous error reply for a target IP
// with no live registration.
var ErrPeerNotFound = errors.New("peer not found")

type Config struct {
	ListenAddr string
	// ServerAddr is the rendezvous endpoint. Empty means discover one
	// over mDNS.
	ServerAddr string
	MediaDir   string
	TrackerURL string
	// RegisterInterval is how often the node refreshes its rendezvous
	// registration (and keeps its NAT mapping warm).
	RegisterInterval time.Duration
	// PunchInterval is the keepalive cadence toward introduced peers.
	PunchInterval time.Duration
	// ConnectTimeout bounds one rendezvous introduction.
	ConnectTimeout time.Duration
	// FetchTimeout bounds one transfer attempt during a fetch.
	FetchTimeout time.Duration
	Transfer     TransferConfig
}

func (c Config) withDefaults() Config {
	if c.MediaDir == "" {
		c.MediaDir = "./media"
	}
	if c.RegisterInterval == 0 {
		c.RegisterInterval = 30 * time.Second
	}
	if c.PunchInterval == 0 {
		c.PunchInterval = 10 * time.Second
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.FetchTimeout == 0 {
		c.FetchTimeout = 30 * time.Second
	}
	return c
}

// pendingConnect is the single in-flight introduction waiter.
type pendingConnect struct {
	targetIP string
	ch       chan connectResult
}

type connectResult struct {
	peer *net.UDPAddr
	err  error
}

// PeerServer is one node: it keeps itself registered with the
// rendezvous server, punches toward introduced peers, serves files out
// of its media dir and fetches files through the tracker.
type PeerServer struct {
	cfg        Config
	Transport  transport.Transport
	transfers  *TransferManager
	store      *store.Store
	tracker    *tracker.Client
	serverAddr *net.UDPAddr

	mu         sync.Mutex
	publicAddr protocol.Addr
	hasPublic  bool
	pending    *pendingConnect
	punchers   map[string]struct{}

	quitCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func NewPeerServer(cfg Config) *PeerServer {
	cfg = cfg.withDefaults()
	trans := udp.NewUDPTransport(cfg.ListenAddr)
	p := &PeerServer{
		cfg:       cfg,
		Transport: trans,
		store:     store.NewStore(cfg.MediaDir),
		tracker:   tracker.NewClient(cfg.TrackerURL),
		punchers:  make(map[string]struct{}),
		quitCh:    make(chan struct{}),
	}
	p.transfers = NewTransferManager(cfg.Transfer, trans)

	logger.Sugar.Infof("[PeerServer] initialized: listen=%s media=%s", cfg.ListenAddr, cfg.MediaDir)
	return p
}

// Start listens, resolves the rendezvous endpoint and launches the
// dispatch and registration loops.
func (p *PeerServer) Start() error {
	if err := p.Transport.Listen(); err != nil {
		return fmt.Errorf("failed to start listening: %w", err)
	}

	addr, err := p.resolveServerAddr()
	if err != nil {
		p.Transport.Close()
		return err
	}
	p.serverAddr = addr

	p.transfers.Start()

	p.wg.Add(2)
	go p.dispatchLoop()
	go p.registerLoop()

	logger.Sugar.Infof("[PeerServer] started: local=%s rendezvous=%s", p.Transport.LocalAddr(), p.serverAddr)
	return nil
}

func (p *PeerServer) resolveServerAddr() (*net.UDPAddr, error) {
	endpoint := p.cfg.ServerAddr
	if endpoint == "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		found, err := discovery.Lookup(ctx)
		if err != nil {
			return nil, fmt.Errorf("no rendezvous server configured and none discovered: %w", err)
		}
		logger.Sugar.Infof("[PeerServer] discovered rendezvous server: addr=%s", found)
		endpoint = found
	}
	addr, err := net.ResolveUDPAddr("udp", endpoint)
	if err != nil {
		return nil, fmt.Errorf("resolving rendezvous addr %s: %w", endpoint, err)
	}
	return addr, nil
}

func (p *PeerServer) dispatchLoop() {
	defer p.wg.Done()

	for {
		select {
		case pkt, ok := <-p.Transport.Consume():
			if !ok {
				return
			}
			if err := p.handleMessage(pkt); err != nil {
				logger.Sugar.Errorf("[PeerServer] handle message failed: from=%s kind=%s err=%v",
					pkt.From, pkt.Msg.Kind(), err)
			}
		case <-p.quitCh:
			return
		}
	}
}

func (p *PeerServer) handleMessage(pkt transport.Packet) error {
	switch m := pkt.Msg.(type) {
	case protocol.YourAddr:
		p.handleYourAddr(m)
		return nil

	case protocol.PeerIntro:
		return p.handlePeerIntro(m)

	case protocol.ErrorReply:
		p.handleErrorReply(m)
		return nil

	case protocol.Punch:
		logger.Sugar.Debugf("[PeerServer] punch from peer: addr=%s t=%.3f", pkt.From, m.T)
		return nil

	case protocol.FileRequest:
		p.handleFileRequest(pkt.From, m)
		return nil

	case protocol.FileResponse:
		p.transfers.HandleResponse(pkt.From, m)
		return nil

	case protocol.FileAck:
		p.transfers.HandleAck(pkt.From, m)
		return nil

	case protocol.Unknown:
		logger.Sugar.Warnf("[PeerServer] dropping unknown message: from=%s type=%q", pkt.From, m.Tag)
		return nil

	default:
		// register/connect are rendezvous-bound; a copy landing on a
		// peer is just noise.
		logger.Sugar.Debugf("[PeerServer] dropping message not for us: from=%s kind=%s", pkt.From, pkt.Msg.Kind())
		return nil
	}
}

// handleYourAddr records the external address the rendezvous server
// observed for us.
func (p *PeerServer) handleYourAddr(m protocol.YourAddr) {
	p.mu.Lock()
	changed := !p.hasPublic || p.publicAddr != m.Addr
	p.publicAddr = m.Addr
	p.hasPublic = true
	p.mu.Unlock()

	if changed {
		logger.Sugar.Infof("[PeerServer] observed public address: addr=%s", m.Addr)
	}
}

// handlePeerIntro starts punching toward the introduced peer and, if a
// connect for that IP is waiting, resolves it. Unsolicited intros are
// the other half of every hole punch, so punching is unconditional.
func (p *PeerServer) handlePeerIntro(m protocol.PeerIntro) error {
	peerAddr, err := m.Peer.UDPAddr()
	if err != nil {
		return fmt.Errorf("peer intro addr: %w", err)
	}
	logger.Sugar.Infof("[PeerServer] peer introduced: addr=%s", peerAddr)
	p.startPunching(peerAddr)

	p.mu.Lock()
	waiter := p.pending
	if waiter != nil && waiter.targetIP == m.Peer.IP {
		p.pending = nil
	} else {
		waiter = nil
	}
	p.mu.Unlock()

	if waiter != nil {
		waiter.ch <- connectResult{peer: peerAddr}
	}
	return nil
}

func (p *PeerServer) handleErrorReply(m protocol.ErrorReply) {
	p.mu.Lock()
	waiter := p.pending
	p.pending = nil
	p.mu.Unlock()

	if waiter == nil {
		logger.Sugar.Warnf("[PeerServer] unexpected error reply: msg=%q", m.Msg)
		return
	}
	err := errors.New(m.Msg)
	if m.Msg == ErrPeerNotFound.Error() {
		err = fmt.Errorf("connect %s: %w", waiter.targetIP, ErrPeerNotFound)
	}
	waiter.ch <- connectResult{err: err}
}

// handleFileRequest starts serving a requested file. Paths that fail
// the store's safety check or do not exist are dropped without a reply;
// the requester's own timeout covers it.
func (p *PeerServer) handleFileRequest(from *net.UDPAddr, m protocol.FileRequest) {
	data, hash, err := p.store.Load(m.Filepath)
	if err != nil {
		logger.Sugar.Warnf("[PeerServer] unservable file request dropped: from=%s file=%s err=%v", from, m.Filepath, err)
		return
	}
	p.transfers.Serve(from, m.Nonce, path.Base(m.Filepath), data, hash)
}

// registerLoop keeps the node registered: once at startup, then on
// every refresh tick.
func (p *PeerServer) registerLoop() {
	defer p.wg.Done()

	p.register()
	ticker := time.NewTicker(p.cfg.RegisterInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.register()
		case <-p.quitCh:
			return
		}
	}
}

func (p *PeerServer) register() {
	if err := p.Transport.Send(p.serverAddr, protocol.Register{}); err != nil {
		logger.Sugar.Warnf("[PeerServer] register send failed: server=%s err=%v", p.serverAddr, err)
	}
}

// Connect asks the rendezvous server to introduce us to a peer behind
// targetIP. Only one introduction runs at a time. The returned address
// is the peer's observed public endpoint.
func (p *PeerServer) Connect(ctx context.Context, targetIP string) (*net.UDPAddr, error) {
	waiter := &pendingConnect{targetIP: targetIP, ch: make(chan connectResult, 1)}

	p.mu.Lock()
	if p.pending != nil {
		p.mu.Unlock()
		return nil, errors.New("another connect is already in flight")
	}
	p.pending = waiter
	p.mu.Unlock()

	clear := func() {
		p.mu.Lock()
		if p.pending == waiter {
			p.pending = nil
		}
		p.mu.Unlock()
	}

	if err := p.Transport.Send(p.serverAddr, protocol.Connect{TargetIP: targetIP}); err != nil {
		clear()
		return nil, fmt.Errorf("sending connect: %w", err)
	}
	logger.Sugar.Infof("[PeerServer] requesting introduction: target_ip=%s", targetIP)

	select {
	case res := <-waiter.ch:
		return res.peer, res.err
	case <-ctx.Done():
		clear()
		return nil, fmt.Errorf("connect %s: %w", targetIP, ctx.Err())
	case <-p.quitCh:
		clear()
		return nil, errors.New("peer server stopped")
	}
}

// startPunching launches one keepalive loop per peer address.
func (p *PeerServer) startPunching(peer *net.UDPAddr) {
	key := peer.String()

	p.mu.Lock()
	if _, running := p.punchers[key]; running {
		p.mu.Unlock()
		return
	}
	p.punchers[key] = struct{}{}
	p.mu.Unlock()

	logger.Sugar.Infof("[PeerServer] punching toward peer: addr=%s interval=%s", peer, p.cfg.PunchInterval)
	p.wg.Add(1)
	go p.punchLoop(peer)
}

// punchLoop fires a punch at the peer immediately and then on every
// tick, keeping both NAT mappings open for the life of the node.
func (p *PeerServer) punchLoop(peer *net.UDPAddr) {
	defer p.wg.Done()

	p.punch(peer)
	ticker := time.NewTicker(p.cfg.PunchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.punch(peer)
		case <-p.quitCh:
			return
		}
	}
}

// punch sends the json punch plus a single bare byte. The bare byte is
// the actual hole opener; the json form is what the far side logs.
func (p *PeerServer) punch(peer *net.UDPAddr) {
	msg := protocol.Punch{T: float64(time.Now().UnixNano()) / 1e9}
	if err := p.Transport.Send(peer, msg); err != nil {
		logger.Sugar.Debugf("[PeerServer] punch send failed: peer=%s err=%v", peer, err)
	}
	if err := p.Transport.SendRaw(peer, []byte{0}); err != nil {
		logger.Sugar.Debugf("[PeerServer] raw punch send failed: peer=%s err=%v", peer, err)
	}
}

// ObservedAddr reports the public address the rendezvous server has
// echoed back, once one has arrived.
func (p *PeerServer) ObservedAddr() (protocol.Addr, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.publicAddr, p.hasPublic
}

// PunchingPeers lists the peers this node is holding a path open to.
func (p *PeerServer) PunchingPeers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	peers := make([]string, 0, len(p.punchers))
	for key := range p.punchers {
		peers = append(peers, key)
	}
	sort.Strings(peers)
	return peers
}

func (p *PeerServer) GetStatus() string {
	public := "unknown (no your_addr yet)"
	if addr, ok := p.ObservedAddr(); ok {
		public = addr.String()
	}
	inbound, outbound := p.transfers.ActiveSessions()

	status := fmt.Sprintf("Peer Node Running on: %s\n", p.Transport.LocalAddr())
	status += fmt.Sprintf("Public Address: %s\n", public)
	status += fmt.Sprintf("Rendezvous Server: %s\n", p.serverAddr)
	status += fmt.Sprintf("Media Dir: %s\n", p.cfg.MediaDir)
	status += fmt.Sprintf("Active Transfers: inbound=%d outbound=%d\n", inbound, outbound)
	peers := p.PunchingPeers()
	status += fmt.Sprintf("Connected Peers: %d\n", len(peers))
	for _, addr := range peers {
		status += fmt.Sprintf(" - %s\n", addr)
	}
	return status
}

// Stop ends every loop, fails open transfers and tells the tracker we
// are gone.
func (p *PeerServer) Stop() {
	p.stopOnce.Do(func() {
		if addr, ok := p.ObservedAddr(); ok {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := p.tracker.PeerOffline(ctx, addr.IP); err != nil {
				logger.Sugar.Debugf("[PeerServer] offline notice failed: err=%v", err)
			}
			cancel()
		}

		close(p.quitCh)
		p.transfers.Stop()
		p.Transport.Close()
		p.wg.Wait()
		logger.Sugar.Info("[PeerServer] stopped")
	})
}
