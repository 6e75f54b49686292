package peer

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EDiasAlberto/peerbrowser/pkg/protocol"
	"github.com/EDiasAlberto/peerbrowser/pkg/store"
	"github.com/EDiasAlberto/peerbrowser/pkg/transport"
)

// testNet wires two transfer managers back to back. Sends route
// straight into the opposite manager's handlers, with an optional drop
// rule standing in for a lossy network.
type testNet struct {
	mu        sync.Mutex
	drop      func(msg protocol.Message) bool
	onRequest func(from *net.UDPAddr, req protocol.FileRequest)

	a, b         *TransferManager
	addrA, addrB *net.UDPAddr
}

func newTestNet(cfg TransferConfig) *testNet {
	n := &testNet{
		addrA: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40001},
		addrB: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40002},
	}
	n.a = NewTransferManager(cfg, endpoint{net: n, isA: true})
	n.b = NewTransferManager(cfg, endpoint{net: n, isA: false})
	return n
}

func (n *testNet) stop() {
	n.a.Stop()
	n.b.Stop()
}

// endpoint is one side's transport.Sender backed by the testNet.
type endpoint struct {
	net *testNet
	isA bool
}

func (e endpoint) Send(to *net.UDPAddr, msg protocol.Message) error {
	n := e.net
	n.mu.Lock()
	dropped := n.drop != nil && n.drop(msg)
	onRequest := n.onRequest
	n.mu.Unlock()
	if dropped {
		return nil
	}

	var dst *TransferManager
	var from *net.UDPAddr
	if e.isA {
		dst, from = n.b, n.addrA
	} else {
		dst, from = n.a, n.addrB
	}

	switch m := msg.(type) {
	case protocol.FileRequest:
		if onRequest != nil {
			onRequest(from, m)
		}
	case protocol.FileResponse:
		dst.HandleResponse(from, m)
	case protocol.FileAck:
		dst.HandleAck(from, m)
	}
	return nil
}

var _ transport.Sender = endpoint{}

// serveFromB answers file requests arriving at B with fixed content.
func (n *testNet) serveFromB(filename string, content []byte, hash string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onRequest = func(from *net.UDPAddr, req protocol.FileRequest) {
		n.b.Serve(from, req.Nonce, filename, content, hash)
	}
}

// captureSender records everything sent through it.
type captureSender struct {
	mu   sync.Mutex
	msgs []protocol.Message
}

func (c *captureSender) Send(to *net.UDPAddr, msg protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *captureSender) requests() []protocol.FileRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.FileRequest
	for _, m := range c.msgs {
		if r, ok := m.(protocol.FileRequest); ok {
			out = append(out, r)
		}
	}
	return out
}

func (c *captureSender) acks() []protocol.FileAck {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.FileAck
	for _, m := range c.msgs {
		if a, ok := m.(protocol.FileAck); ok {
			out = append(out, a)
		}
	}
	return out
}

func testContent(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i * 31)
	}
	return data
}

func TestFileRoundTrip(t *testing.T) {
	cfg := TransferConfig{ChunkSize: 512, RetryTimeout: 50 * time.Millisecond, MaxRetries: 3,
		IdleWindow: 500 * time.Millisecond, SweepInterval: 50 * time.Millisecond}
	n := newTestNet(cfg)
	n.a.Start()
	n.b.Start()
	defer n.stop()

	content := testContent(10_000)
	hash := store.HashBytes(content)
	n.serveFromB("pages/index.html", content, hash)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	progress := NewTransferProgress("pages/index.html", n.addrB.String())
	data, filename, err := n.a.Request(ctx, n.addrB, "pages/index.html", progress)
	require.NoError(t, err)
	require.Equal(t, content, data)
	assert.Equal(t, "pages/index.html", filename)
	assert.True(t, progress.IsComplete())

	chunks, bytes, _ := progress.GetProgress()
	assert.Equal(t, uint32(20), chunks)
	assert.Equal(t, uint64(len(content)), bytes)

	// The finished session lingers for late retransmits, then the
	// sweeper retires it.
	inbound, _ := n.a.ActiveSessions()
	assert.Equal(t, 1, inbound)
	require.Eventually(t, func() bool {
		in, out := n.a.ActiveSessions()
		_, bOut := n.b.ActiveSessions()
		return in == 0 && out == 0 && bOut == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestZeroByteFile(t *testing.T) {
	cfg := TransferConfig{ChunkSize: 512, RetryTimeout: 50 * time.Millisecond, MaxRetries: 3,
		IdleWindow: time.Minute, SweepInterval: time.Minute}
	n := newTestNet(cfg)
	defer n.stop()

	hash := store.HashBytes(nil)
	n.serveFromB("empty.bin", nil, hash)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, filename, err := n.a.Request(ctx, n.addrB, "empty.bin", nil)
	require.NoError(t, err)
	assert.Empty(t, data)
	assert.Equal(t, "empty.bin", filename)
}

func TestLostAckIsReacked(t *testing.T) {
	cfg := TransferConfig{ChunkSize: 4, RetryTimeout: 30 * time.Millisecond, MaxRetries: 5,
		IdleWindow: time.Minute, SweepInterval: time.Minute}
	n := newTestNet(cfg)
	defer n.stop()

	content := []byte("0123456789") // chunks 0..2, last seq 2
	hash := store.HashBytes(content)
	n.serveFromB("digits.txt", content, hash)

	finalAcks := 0
	n.drop = func(msg protocol.Message) bool {
		if ack, ok := msg.(protocol.FileAck); ok && ack.Seq == 2 {
			finalAcks++
			return finalAcks == 1 // lose the first ack for the last chunk
		}
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	progress := NewTransferProgress("digits.txt", n.addrB.String())
	data, _, err := n.a.Request(ctx, n.addrB, "digits.txt", progress)
	require.NoError(t, err)
	require.Equal(t, content, data)

	// The sender retransmits the last chunk and the completed session
	// re-acks it, so the sender still finishes cleanly.
	require.Eventually(t, func() bool {
		_, out := n.b.ActiveSessions()
		return out == 0
	}, 2*time.Second, 10*time.Millisecond)

	n.mu.Lock()
	reacked := finalAcks
	n.mu.Unlock()
	assert.GreaterOrEqual(t, reacked, 2)

	// The duplicate final chunk must not land in the buffer twice.
	chunks, bytes, _ := progress.GetProgress()
	assert.Equal(t, uint32(3), chunks)
	assert.Equal(t, uint64(len(content)), bytes)
}

func TestRetryBudgetExhausted(t *testing.T) {
	cfg := TransferConfig{ChunkSize: 4, RetryTimeout: 25 * time.Millisecond, MaxRetries: 3,
		IdleWindow: time.Minute, SweepInterval: time.Minute}
	n := newTestNet(cfg)
	defer n.stop()

	// No inbound session exists on A, so every chunk is dropped
	// without an ack and the sender burns its whole budget.
	sends := 0
	n.drop = func(msg protocol.Message) bool {
		if _, ok := msg.(protocol.FileResponse); ok {
			sends++
		}
		return false
	}

	n.b.Serve(n.addrA, "nonce-lost-peer", "gone.txt", []byte("abcd"), store.HashBytes([]byte("abcd")))

	require.Eventually(t, func() bool {
		_, out := n.b.ActiveSessions()
		return out == 0
	}, 2*time.Second, 10*time.Millisecond)

	n.mu.Lock()
	total := sends
	n.mu.Unlock()
	assert.Equal(t, cfg.MaxRetries+1, total)
}

func TestDigestMismatchFailsTransfer(t *testing.T) {
	cfg := TransferConfig{ChunkSize: 4, RetryTimeout: 30 * time.Millisecond, MaxRetries: 3,
		IdleWindow: time.Minute, SweepInterval: time.Minute}
	n := newTestNet(cfg)
	defer n.stop()

	content := []byte("0123456789")
	wrongHash := store.HashBytes([]byte("not the same bytes"))
	n.serveFromB("corrupt.txt", content, wrongHash)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	progress := NewTransferProgress("corrupt.txt", n.addrB.String())
	_, _, err := n.a.Request(ctx, n.addrB, "corrupt.txt", progress)
	require.ErrorIs(t, err, ErrIntegrity)
	assert.Equal(t, TransferFailed, progress.State())

	// Every chunk was still acked, so the sender side finishes too.
	require.Eventually(t, func() bool {
		_, out := n.b.ActiveSessions()
		return out == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReceiverOrderingRules(t *testing.T) {
	cfg := TransferConfig{IdleWindow: time.Minute, SweepInterval: time.Minute}
	sender := &captureSender{}
	m := NewTransferManager(cfg, sender)
	defer m.Stop()

	from := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40002}
	content := []byte("the quick brown fox")
	first, second := content[:10], content[10:]
	hash := store.HashBytes(content)

	type result struct {
		data []byte
		name string
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		data, name, err := m.Request(context.Background(), from, "fox.txt", nil)
		resCh <- result{data, name, err}
	}()

	require.Eventually(t, func() bool { return len(sender.requests()) == 1 }, 2*time.Second, 5*time.Millisecond)
	nonce := sender.requests()[0].Nonce

	// A chunk past the expected seq is dropped without an ack.
	m.HandleResponse(from, protocol.NewFileResponse(nonce, "fox.txt", hash, 1, second, true))
	assert.Empty(t, sender.acks())

	// The expected chunk is appended and acked.
	m.HandleResponse(from, protocol.NewFileResponse(nonce, "fox.txt", hash, 0, first, false))
	require.Len(t, sender.acks(), 1)
	assert.Equal(t, 0, sender.acks()[0].Seq)

	// A duplicate is re-acked but not appended again.
	m.HandleResponse(from, protocol.NewFileResponse(nonce, "fox.txt", hash, 0, first, false))
	require.Len(t, sender.acks(), 2)

	// The last chunk completes the transfer with an intact digest.
	m.HandleResponse(from, protocol.NewFileResponse(nonce, "fox.txt", hash, 1, second, true))
	res := <-resCh
	require.NoError(t, res.err)
	assert.Equal(t, content, res.data)
	assert.Equal(t, "fox.txt", res.name)
	require.Len(t, sender.acks(), 3)

	// A retransmit of the last chunk after completion is still acked.
	m.HandleResponse(from, protocol.NewFileResponse(nonce, "fox.txt", hash, 1, second, true))
	require.Len(t, sender.acks(), 4)
	assert.Equal(t, 1, sender.acks()[3].Seq)
}

func TestIdleSessionsAreSwept(t *testing.T) {
	cfg := TransferConfig{IdleWindow: 60 * time.Millisecond, SweepInterval: 20 * time.Millisecond}
	sender := &captureSender{}
	m := NewTransferManager(cfg, sender)
	m.Start()
	defer m.Stop()

	from := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40002}
	_, _, err := m.Request(context.Background(), from, "silent.txt", nil)
	require.ErrorIs(t, err, ErrTransferTimeout)

	inbound, _ := m.ActiveSessions()
	assert.Equal(t, 0, inbound)
}

func TestStopUnblocksWaiters(t *testing.T) {
	cfg := TransferConfig{IdleWindow: time.Minute, SweepInterval: time.Minute}
	sender := &captureSender{}
	m := NewTransferManager(cfg, sender)

	from := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40002}
	errCh := make(chan error, 1)
	go func() {
		_, _, err := m.Request(context.Background(), from, "never.txt", nil)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return len(sender.requests()) == 1 }, 2*time.Second, 5*time.Millisecond)

	m.Stop()
	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("request still blocked after Stop")
	}

	// Serving after Stop is a no-op.
	m.Serve(from, "nonce-after-stop", "late.txt", []byte("late"), store.HashBytes([]byte("late")))
	_, outbound := m.ActiveSessions()
	assert.Equal(t, 0, outbound)
}

func TestSplitChunks(t *testing.T) {
	t.Run("empty content still produces a last chunk", func(t *testing.T) {
		chunks := splitChunks(nil, 4)
		require.Len(t, chunks, 1)
		assert.Empty(t, chunks[0])
	})

	t.Run("exact multiple", func(t *testing.T) {
		chunks := splitChunks([]byte("abcdefgh"), 4)
		require.Len(t, chunks, 2)
		assert.Equal(t, []byte("abcd"), chunks[0])
		assert.Equal(t, []byte("efgh"), chunks[1])
	})

	t.Run("remainder goes in the final chunk", func(t *testing.T) {
		chunks := splitChunks([]byte("abcdefghi"), 4)
		require.Len(t, chunks, 3)
		assert.Equal(t, []byte("i"), chunks[2])
	})
}
