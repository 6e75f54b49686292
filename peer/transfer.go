package peer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/EDiasAlberto/peerbrowser/pkg/logger"
	"github.com/EDiasAlberto/peerbrowser/pkg/monitor"
	"github.com/EDiasAlberto/peerbrowser/pkg/protocol"
	"github.com/EDiasAlberto/peerbrowser/pkg/store"
	"github.com/EDiasAlberto/peerbrowser/pkg/transport"
)

var (
	// ErrMaxRetries means a chunk went unacked through every retry.
	ErrMaxRetries = errors.New("chunk retransmission limit reached")
	// ErrIntegrity means the reassembled file did not match the sender's digest.
	ErrIntegrity = errors.New("file hash mismatch")
	// ErrTransferTimeout means a transfer saw no progress inside its window.
	ErrTransferTimeout = errors.New("transfer timed out")
)

// TransferConfig bounds one node's transfer behaviour. Zero values fall
// back to the protocol defaults.
type TransferConfig struct {
	ChunkSize     int
	RetryTimeout  time.Duration
	MaxRetries    int
	IdleWindow    time.Duration
	SweepInterval time.Duration
}

func (c TransferConfig) withDefaults() TransferConfig {
	if c.ChunkSize <= 0 {
		c.ChunkSize = 1200
	}
	if c.RetryTimeout <= 0 {
		c.RetryTimeout = 1 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.IdleWindow <= 0 {
		c.IdleWindow = 5 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	return c
}

// transferResult is what an inbound session hands back to its waiter.
type transferResult struct {
	data     []byte
	filename string
	hash     string
	err      error
}

// inboundSession reassembles one file we requested. Chunks are accepted
// strictly in order; anything past the expected seq is dropped unacked
// so the sender's stop-and-wait window stays honest.
type inboundSession struct {
	nonce    string
	peer     *net.UDPAddr
	filepath string

	mu       sync.Mutex
	filename string
	hash     string
	next     int
	buf      bytes.Buffer
	last     time.Time
	done     bool
	failure  error
	resultCh chan transferResult
	progress *TransferProgress
}

// deliver finishes the session exactly once. Callers hold s.mu.
func (s *inboundSession) deliver(res transferResult) {
	if s.done {
		return
	}
	s.done = true
	s.failure = res.err
	s.resultCh <- res
}

// abort fails the session if it is still open. It reports whether a
// waiter was actually failed.
func (s *inboundSession) abort(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return false
	}
	if s.progress != nil {
		s.progress.MarkFailed()
	}
	s.buf.Reset()
	s.deliver(transferResult{err: err})
	return true
}

// outboundSession streams one file to a requester, one chunk in flight.
type outboundSession struct {
	nonce    string
	peer     *net.UDPAddr
	filename string
	hash     string
	chunks   [][]byte

	ackCh      chan int
	cancelCh   chan struct{}
	cancelOnce sync.Once

	mu   sync.Mutex
	last time.Time
}

func (s *outboundSession) cancel() {
	s.cancelOnce.Do(func() { close(s.cancelCh) })
}

func (s *outboundSession) touch() {
	s.mu.Lock()
	s.last = time.Now()
	s.mu.Unlock()
}

func (s *outboundSession) lastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// TransferManager owns every transfer session on a node, keyed by
// nonce. The dispatch loop feeds it decoded file messages; requesters
// block on Request until their session finishes either way.
type TransferManager struct {
	cfg    TransferConfig
	sender transport.Sender

	mu       sync.Mutex
	inbound  map[string]*inboundSession
	outbound map[string]*outboundSession

	quitCh   chan struct{}
	wg       sync.WaitGroup
	stopped  atomic.Bool
	stopOnce sync.Once
}

// NewTransferManager wires a manager to the transport it replies on.
func NewTransferManager(cfg TransferConfig, sender transport.Sender) *TransferManager {
	return &TransferManager{
		cfg:      cfg.withDefaults(),
		sender:   sender,
		inbound:  make(map[string]*inboundSession),
		outbound: make(map[string]*outboundSession),
		quitCh:   make(chan struct{}),
	}
}

// Start launches the idle sweeper.
func (m *TransferManager) Start() {
	m.wg.Add(1)
	go m.sweepLoop()
}

// Stop cancels every open session and waits for the senders to exit.
// Inbound waiters are failed so nothing stays blocked on Request.
func (m *TransferManager) Stop() {
	m.stopOnce.Do(func() {
		m.stopped.Store(true)
		close(m.quitCh)

		m.mu.Lock()
		in := make([]*inboundSession, 0, len(m.inbound))
		for _, s := range m.inbound {
			in = append(in, s)
		}
		out := make([]*outboundSession, 0, len(m.outbound))
		for _, s := range m.outbound {
			out = append(out, s)
		}
		m.mu.Unlock()

		for _, s := range out {
			s.cancel()
		}
		for _, s := range in {
			s.abort(errors.New("transfer manager stopped"))
		}
		m.wg.Wait()
		logger.Sugar.Infof("[Transfer] manager stopped")
	})
}

// ActiveSessions reports how many sessions are open in each direction.
func (m *TransferManager) ActiveSessions() (inbound, outbound int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inbound), len(m.outbound)
}

// Request asks peer for the file at filepath and blocks until the
// transfer finishes, fails, or ctx expires. It returns the file content
// and the filename the sender declared for it.
func (m *TransferManager) Request(ctx context.Context, peer *net.UDPAddr, filepath string, progress *TransferProgress) ([]byte, string, error) {
	nonce := uuid.NewString()
	s := &inboundSession{
		nonce:    nonce,
		peer:     peer,
		filepath: filepath,
		last:     time.Now(),
		resultCh: make(chan transferResult, 1),
		progress: progress,
	}

	m.mu.Lock()
	m.inbound[nonce] = s
	m.mu.Unlock()

	req := protocol.FileRequest{Filepath: filepath, Nonce: nonce}
	if err := m.sender.Send(peer, req); err != nil {
		m.mu.Lock()
		delete(m.inbound, nonce)
		m.mu.Unlock()
		return nil, "", fmt.Errorf("requesting %s from %s: %w", filepath, peer, err)
	}
	logger.Sugar.Infof("[Transfer] requested file: peer=%s file=%s nonce=%s", peer, filepath, nonce)

	var res transferResult
	select {
	case res = <-s.resultCh:
	case <-ctx.Done():
		s.abort(fmt.Errorf("requesting %s: %w", filepath, ErrTransferTimeout))
		res = <-s.resultCh
	}
	if res.err != nil {
		return nil, "", res.err
	}
	return res.data, res.filename, nil
}

// HandleResponse applies one chunk to its inbound session. Only the
// expected seq is appended; duplicates below it are re-acked untouched
// and gaps above it are dropped without an ack.
func (m *TransferManager) HandleResponse(from *net.UDPAddr, msg protocol.FileResponse) {
	m.mu.Lock()
	s := m.inbound[msg.Nonce]
	m.mu.Unlock()
	if s == nil {
		logger.Sugar.Debugf("[Transfer] chunk for unknown session dropped: from=%s nonce=%s seq=%d", from, msg.Nonce, msg.Seq)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = time.Now()

	if s.done {
		// A completed session still re-acks its old chunks, so a
		// sender whose final ack got lost can finish cleanly.
		if s.failure == nil && msg.Seq < s.next {
			m.ack(from, msg.Nonce, msg.Seq)
		}
		return
	}

	switch {
	case msg.Seq == s.next:
		payload, err := msg.Payload()
		if err != nil {
			logger.Sugar.Debugf("[Transfer] undecodable chunk dropped: nonce=%s seq=%d err=%v", msg.Nonce, msg.Seq, err)
			return
		}
		if s.next == 0 {
			s.filename = msg.Filename
			s.hash = msg.Hash
		}
		s.buf.Write(payload)
		if s.progress != nil {
			s.progress.RecordChunk(len(payload))
		}
		m.ack(from, msg.Nonce, msg.Seq)
		s.next++
		if msg.IsLast {
			m.finishInbound(s)
		}

	case msg.Seq < s.next:
		m.ack(from, msg.Nonce, msg.Seq)

	default:
		logger.Sugar.Debugf("[Transfer] out-of-order chunk dropped: nonce=%s seq=%d want=%d", msg.Nonce, msg.Seq, s.next)
	}
}

// finishInbound verifies the digest and settles the session. The final
// chunk is acked before this runs; a mismatch is the receiver's problem
// alone. Callers hold s.mu.
func (m *TransferManager) finishInbound(s *inboundSession) {
	data := s.buf.Bytes()
	digest := store.HashBytes(data)
	if digest != s.hash {
		logger.Sugar.Warnf("[Transfer] integrity check failed: file=%s want=%s got=%s", s.filepath, s.hash, digest)
		if s.progress != nil {
			s.progress.MarkFailed()
		}
		s.deliver(transferResult{err: fmt.Errorf("%s: %w", s.filepath, ErrIntegrity)})
		s.buf.Reset()
		return
	}
	if s.progress != nil {
		s.progress.MarkComplete()
	}
	logger.Sugar.Infof("[Transfer] file received: file=%s size=%dKB chunks=%d", s.filepath, len(data)/1024, s.next)
	s.deliver(transferResult{data: data, filename: s.filename, hash: s.hash})
}

// Serve starts streaming content back to a requester. A nonce already
// in flight is ignored.
func (m *TransferManager) Serve(peer *net.UDPAddr, nonce, filename string, content []byte, hash string) {
	if m.stopped.Load() {
		return
	}

	s := &outboundSession{
		nonce:    nonce,
		peer:     peer,
		filename: filename,
		hash:     hash,
		chunks:   splitChunks(content, m.cfg.ChunkSize),
		ackCh:    make(chan int, 16),
		cancelCh: make(chan struct{}),
		last:     time.Now(),
	}

	m.mu.Lock()
	if _, exists := m.outbound[nonce]; exists {
		m.mu.Unlock()
		logger.Sugar.Warnf("[Transfer] duplicate request ignored: peer=%s nonce=%s", peer, nonce)
		return
	}
	m.outbound[nonce] = s
	m.mu.Unlock()

	logger.Sugar.Infof("[Transfer] serving file: peer=%s file=%s size=%dKB chunks=%d", peer, filename, len(content)/1024, len(s.chunks))
	monitor.StartTransfer()
	m.wg.Add(1)
	go m.runOutbound(s)
}

// HandleAck routes an ack to its outbound session. Acks for finished
// sessions are normal when our last chunk was retransmitted.
func (m *TransferManager) HandleAck(from *net.UDPAddr, msg protocol.FileAck) {
	m.mu.Lock()
	s := m.outbound[msg.Nonce]
	m.mu.Unlock()
	if s == nil {
		logger.Sugar.Debugf("[Transfer] ack for unknown session dropped: from=%s nonce=%s seq=%d", from, msg.Nonce, msg.Seq)
		return
	}
	select {
	case s.ackCh <- msg.Seq:
	default:
	}
}

// runOutbound walks the chunk list stop-and-wait: each chunk is resent
// on a timer until its ack arrives or the retry budget runs out.
func (m *TransferManager) runOutbound(s *outboundSession) {
	defer m.wg.Done()
	defer m.removeOutbound(s.nonce)

	total := 0
	for seq := 0; seq < len(s.chunks); seq++ {
		if !m.sendChunkUntilAcked(s, seq) {
			monitor.CountTransferFail()
			return
		}
		total += len(s.chunks[seq])
	}
	logger.Sugar.Infof("[Transfer] file served: peer=%s file=%s size=%dKB", s.peer, s.filename, total/1024)
	monitor.RecordTransfer(int64(total))
}

func (m *TransferManager) sendChunkUntilAcked(s *outboundSession, seq int) bool {
	msg := protocol.NewFileResponse(s.nonce, s.filename, s.hash, seq, s.chunks[seq], seq == len(s.chunks)-1)
	if err := m.sender.Send(s.peer, msg); err != nil {
		logger.Sugar.Warnf("[Transfer] send failed: peer=%s seq=%d err=%v", s.peer, seq, err)
	}

	timer := time.NewTimer(m.cfg.RetryTimeout)
	defer timer.Stop()

	retries := 0
	for {
		select {
		case acked := <-s.ackCh:
			s.touch()
			if acked == seq {
				return true
			}
			// stale ack for an already-advanced chunk

		case <-timer.C:
			if retries >= m.cfg.MaxRetries {
				logger.Sugar.Errorf("[Transfer] giving up on chunk: peer=%s file=%s seq=%d retries=%d err=%v",
					s.peer, s.filename, seq, retries, ErrMaxRetries)
				return false
			}
			retries++
			monitor.CountRetransmit()
			logger.Sugar.Debugf("[Transfer] retransmitting chunk: nonce=%s seq=%d attempt=%d", s.nonce, seq, retries)
			if err := m.sender.Send(s.peer, msg); err != nil {
				logger.Sugar.Warnf("[Transfer] resend failed: peer=%s seq=%d err=%v", s.peer, seq, err)
			}
			timer.Reset(m.cfg.RetryTimeout)

		case <-s.cancelCh:
			return false

		case <-m.quitCh:
			return false
		}
	}
}

func (m *TransferManager) removeOutbound(nonce string) {
	m.mu.Lock()
	delete(m.outbound, nonce)
	m.mu.Unlock()
}

// ack answers the observed source, not the session's recorded peer, so
// replies follow whatever path the NAT actually opened.
func (m *TransferManager) ack(to *net.UDPAddr, nonce string, seq int) {
	if err := m.sender.Send(to, protocol.FileAck{Seq: seq, Nonce: nonce}); err != nil {
		logger.Sugar.Warnf("[Transfer] ack send failed: peer=%s seq=%d err=%v", to, seq, err)
	}
}

// sweepLoop retires sessions that have gone quiet for the idle window.
// Completed inbound sessions age out here too, once they are past any
// use for re-acking.
func (m *TransferManager) sweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep(time.Now())
		case <-m.quitCh:
			return
		}
	}
}

func (m *TransferManager) sweep(now time.Time) {
	var expired []*inboundSession

	m.mu.Lock()
	for nonce, s := range m.inbound {
		s.mu.Lock()
		stale := now.Sub(s.last) > m.cfg.IdleWindow
		s.mu.Unlock()
		if stale {
			delete(m.inbound, nonce)
			expired = append(expired, s)
		}
	}
	var cancelled []*outboundSession
	for _, s := range m.outbound {
		if now.Sub(s.lastActivity()) > m.cfg.IdleWindow {
			cancelled = append(cancelled, s)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		if s.abort(fmt.Errorf("receiving %s: %w", s.filepath, ErrTransferTimeout)) {
			logger.Sugar.Warnf("[Transfer] idle session swept: nonce=%s file=%s", s.nonce, s.filepath)
		} else {
			logger.Sugar.Debugf("[Transfer] finished session retired: nonce=%s file=%s", s.nonce, s.filepath)
		}
	}
	for _, s := range cancelled {
		s.cancel()
		logger.Sugar.Warnf("[Transfer] idle outbound session cancelled: nonce=%s file=%s", s.nonce, s.filename)
	}
}

// splitChunks slices content for the wire. An empty file still gets one
// empty chunk so the receiver sees an is_last.
func splitChunks(data []byte, size int) [][]byte {
	if len(data) == 0 {
		return [][]byte{{}}
	}
	chunks := make([][]byte, 0, (len(data)+size-1)/size)
	for len(data) > size {
		chunks = append(chunks, data[:size])
		data = data[size:]
	}
	return append(chunks, data)
}
