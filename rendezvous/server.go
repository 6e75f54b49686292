package rendezvous

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/EDiasAlberto/peerbrowser/pkg/discovery"
	"github.com/EDiasAlberto/peerbrowser/pkg/logger"
	"github.com/EDiasAlberto/peerbrowser/pkg/protocol"
	"github.com/EDiasAlberto/peerbrowser/pkg/transport"
	"github.com/EDiasAlberto/peerbrowser/pkg/transport/udp"
)

// ErrPeerNotFound is the connect failure for a target IP with no live
// registration. Its text travels to the requester in an error reply.
var ErrPeerNotFound = errors.New("peer not found")

type Config struct {
	ListenAddr string
	// EntryTimeout is how long a registration stays matchable without
	// a refresh.
	EntryTimeout time.Duration
	// SweepInterval is how often expired entries are removed.
	SweepInterval time.Duration
	// Workers drain the inbound packet channel.
	Workers int
	// Advertise announces the endpoint over mDNS.
	Advertise bool
}

func (c Config) withDefaults() Config {
	if c.EntryTimeout == 0 {
		c.EntryTimeout = 120 * time.Second
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.Workers == 0 {
		c.Workers = 4
	}
	return c
}

// Server is the rendezvous service: it learns each client's public
// address from its registration datagrams and introduces pairs of
// clients to each other on connect requests.
type Server struct {
	cfg        Config
	Transport  transport.Transport
	registry   *Registry
	quitCh     chan struct{}
	wg         sync.WaitGroup
	advertiser *discovery.Advertiser
	stopOnce   sync.Once
}

func NewServer(cfg Config) *Server {
	cfg = cfg.withDefaults()
	return &Server{
		cfg:        cfg,
		Transport:  udp.NewUDPTransport(cfg.ListenAddr),
		registry:   NewRegistry(cfg.EntryTimeout),
		quitCh:     make(chan struct{}),
		advertiser: discovery.NewAdvertiser(),
	}
}

func (s *Server) Start() error {
	logger.Sugar.Infof("[Rendezvous] starting: listen=%s timeout=%s sweep=%s",
		s.cfg.ListenAddr, s.cfg.EntryTimeout, s.cfg.SweepInterval)

	if err := s.Transport.Listen(); err != nil {
		return err
	}

	if s.cfg.Advertise {
		meta := map[string]string{
			"version": "1.0.0",
			"role":    "rendezvous",
		}
		port := s.Transport.LocalAddr().Port
		if err := s.advertiser.Start("", port, meta); err != nil {
			logger.Sugar.Errorf("[Rendezvous] mDNS advertisement failed: err=%v", err)
		}
	}

	s.wg.Add(1)
	go s.sweepLoop()

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.dispatchLoop()
	}
	return nil
}

func (s *Server) dispatchLoop() {
	defer s.wg.Done()

	for {
		select {
		case pkt, ok := <-s.Transport.Consume():
			if !ok {
				return
			}
			if err := s.handleMessage(pkt); err != nil {
				logger.Sugar.Errorf("[Rendezvous] handle message failed: from=%s kind=%s err=%v",
					pkt.From, pkt.Msg.Kind(), err)
			}
		case <-s.quitCh:
			return
		}
	}
}

func (s *Server) handleMessage(pkt transport.Packet) error {
	switch m := pkt.Msg.(type) {
	case protocol.Register:
		return s.handleRegister(pkt)

	case protocol.Connect:
		return s.handleConnect(pkt, m)

	case protocol.Unknown:
		logger.Sugar.Warnf("[Rendezvous] dropping unknown message: from=%s type=%q", pkt.From, m.Tag)
		return nil

	default:
		// Transfer and punch traffic is peer-to-peer business; a copy
		// landing here is just noise.
		logger.Sugar.Debugf("[Rendezvous] dropping message not for us: from=%s kind=%s", pkt.From, pkt.Msg.Kind())
		return nil
	}
}

// handleRegister upserts the client under its observed address and
// echoes that address back so the client learns its public mapping.
func (s *Server) handleRegister(pkt transport.Packet) error {
	if s.registry.Register(pkt.From) {
		logger.Sugar.Infof("[Rendezvous] registered client: addr=%s", pkt.From)
	} else {
		logger.Sugar.Debugf("[Rendezvous] refreshed client: addr=%s", pkt.From)
	}

	reply := protocol.YourAddr{Addr: protocol.AddrFrom(pkt.From)}
	if err := s.Transport.Send(pkt.From, reply); err != nil {
		return fmt.Errorf("send your_addr: %w", err)
	}
	return nil
}

// handleConnect introduces the requester and the first live client
// matching the target IP to each other. Both intros go out in the same
// step so the two sides start punching toward each other together.
func (s *Server) handleConnect(pkt transport.Packet, m protocol.Connect) error {
	target, ok := s.registry.Match(m.TargetIP, pkt.From)
	if !ok {
		logger.Sugar.Warnf("[Rendezvous] connect failed: requester=%s target_ip=%s err=%v",
			pkt.From, m.TargetIP, ErrPeerNotFound)
		reply := protocol.ErrorReply{Msg: ErrPeerNotFound.Error()}
		if err := s.Transport.Send(pkt.From, reply); err != nil {
			return fmt.Errorf("send error reply: %w", err)
		}
		return nil
	}

	toRequester := protocol.PeerIntro{Peer: protocol.AddrFrom(target)}
	if err := s.Transport.Send(pkt.From, toRequester); err != nil {
		return fmt.Errorf("send peer intro to requester: %w", err)
	}

	toTarget := protocol.PeerIntro{Peer: protocol.AddrFrom(pkt.From)}
	if err := s.Transport.Send(target, toTarget); err != nil {
		return fmt.Errorf("send peer intro to target: %w", err)
	}

	logger.Sugar.Infof("[Rendezvous] introduced peers: requester=%s target=%s", pkt.From, target)
	return nil
}

func (s *Server) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.quitCh:
			return
		case <-ticker.C:
			if n := s.registry.Sweep(); n > 0 {
				logger.Sugar.Infof("[Rendezvous] swept expired entries: count=%d", n)
			}
		}
	}
}

func (s *Server) GetStatus() string {
	status := fmt.Sprintf("Rendezvous Server Running on: %s\n", s.Transport.LocalAddr())
	addrs := s.registry.Addresses()
	status += fmt.Sprintf("Registered Clients: %d\n", len(addrs))
	for _, addr := range addrs {
		status += fmt.Sprintf(" - %s\n", addr)
	}
	return status
}

// GetClientsList returns the live registered addresses for the shell.
func (s *Server) GetClientsList() []string {
	return s.registry.Addresses()
}

func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.advertiser.Stop()
		close(s.quitCh)
		s.Transport.Close()
		s.wg.Wait()
		logger.Sugar.Info("[Rendezvous] stopped")
	})
}
