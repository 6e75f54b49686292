package peer

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EDiasAlberto/peerbrowser/pkg/store"
	"github.com/EDiasAlberto/peerbrowser/pkg/tracker"
	"github.com/EDiasAlberto/peerbrowser/rendezvous"
)

func startTestRendezvous(t *testing.T) *rendezvous.Server {
	t.Helper()
	rs := rendezvous.NewServer(rendezvous.Config{
		ListenAddr:    "127.0.0.1:0",
		EntryTimeout:  5 * time.Second,
		SweepInterval: 500 * time.Millisecond,
		Workers:       2,
	})
	require.NoError(t, rs.Start())
	t.Cleanup(rs.Stop)
	return rs
}

func startTestTracker(t *testing.T) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(tracker.NewServer(tracker.NewMemoryIndex()).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func startTestNode(t *testing.T, serverAddr, trackerURL, mediaDir string) *PeerServer {
	t.Helper()
	node := NewPeerServer(Config{
		ListenAddr:       "127.0.0.1:0",
		ServerAddr:       serverAddr,
		MediaDir:         mediaDir,
		TrackerURL:       trackerURL,
		RegisterInterval: 100 * time.Millisecond,
		PunchInterval:    50 * time.Millisecond,
		ConnectTimeout:   2 * time.Second,
		FetchTimeout:     5 * time.Second,
		Transfer: TransferConfig{
			ChunkSize:     800,
			RetryTimeout:  100 * time.Millisecond,
			MaxRetries:    3,
			IdleWindow:    10 * time.Second,
			SweepInterval: time.Second,
		},
	})
	require.NoError(t, node.Start())
	t.Cleanup(node.Stop)

	require.Eventually(t, func() bool {
		_, ok := node.ObservedAddr()
		return ok
	}, 3*time.Second, 20*time.Millisecond, "node never learned its public address")
	return node
}

func TestFetchEndToEnd(t *testing.T) {
	rs := startTestRendezvous(t)
	ts := startTestTracker(t)
	ctx := context.Background()

	content := testContent(10_000)
	seederMedia := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(seederMedia, "mysite"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(seederMedia, "mysite", "index.html"), content, 0o644))

	// The seeder registers first, so shared-IP matching resolves to it.
	seeder := startTestNode(t, rs.Transport.LocalAddr().String(), ts.URL, seederMedia)

	published, skipped, err := seeder.Publish(ctx, "mysite")
	require.NoError(t, err)
	require.Equal(t, []string{"mysite/index.html"}, published)
	assert.Empty(t, skipped)

	fetcher := startTestNode(t, rs.Transport.LocalAddr().String(), ts.URL, t.TempDir())

	saved, err := fetcher.Fetch(ctx, "mysite/index.html")
	require.NoError(t, err)

	got, err := os.ReadFile(saved)
	require.NoError(t, err)
	require.Equal(t, content, got)

	// The fetched copy is immediately servable from the fetcher's own
	// media dir.
	data, digest, err := fetcher.store.Load("mysite/index.html")
	require.NoError(t, err)
	assert.Equal(t, content, data)
	assert.Equal(t, store.HashBytes(content), digest)

	// Both sides hold the punched path open, the seeder from its
	// unsolicited intro.
	seederAddr := seeder.Transport.LocalAddr().String()
	fetcherAddr := fetcher.Transport.LocalAddr().String()
	require.Eventually(t, func() bool {
		return len(fetcher.PunchingPeers()) == 1 && fetcher.PunchingPeers()[0] == seederAddr
	}, 2*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		return len(seeder.PunchingPeers()) == 1 && seeder.PunchingPeers()[0] == fetcherAddr
	}, 2*time.Second, 20*time.Millisecond)

	// Both nodes share the loopback IP, so the tracker still lists one
	// source address for the file.
	peers, err := tracker.NewClient(ts.URL).GetPeers(ctx, "mysite/index.html")
	require.NoError(t, err)
	assert.Equal(t, []string{"127.0.0.1"}, peers)
}

func TestConnectUnknownIP(t *testing.T) {
	rs := startTestRendezvous(t)
	ts := startTestTracker(t)

	node := startTestNode(t, rs.Transport.LocalAddr().String(), ts.URL, t.TempDir())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := node.Connect(ctx, "203.0.113.9")
	require.ErrorIs(t, err, ErrPeerNotFound)
}

func TestFetchWithoutCandidates(t *testing.T) {
	rs := startTestRendezvous(t)
	ts := startTestTracker(t)

	node := startTestNode(t, rs.Transport.LocalAddr().String(), ts.URL, t.TempDir())

	_, err := node.Fetch(context.Background(), "nobody/has/this.html")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no peers serve")
}

func TestUnsafeFileRequestGetsNoReply(t *testing.T) {
	rs := startTestRendezvous(t)
	ts := startTestTracker(t)

	server := startTestNode(t, rs.Transport.LocalAddr().String(), ts.URL, t.TempDir())
	client := startTestNode(t, rs.Transport.LocalAddr().String(), ts.URL, t.TempDir())

	ctx, cancel := context.WithTimeout(context.Background(), 600*time.Millisecond)
	defer cancel()
	_, _, err := client.transfers.Request(ctx, server.Transport.LocalAddr(), "../outside.txt", nil)
	require.ErrorIs(t, err, ErrTransferTimeout)
}

func TestPublishNeedsPublicAddress(t *testing.T) {
	// Nothing answers on the discard port, so no your_addr ever arrives.
	node := NewPeerServer(Config{
		ListenAddr: "127.0.0.1:0",
		ServerAddr: "127.0.0.1:9",
		MediaDir:   t.TempDir(),
		TrackerURL: "http://127.0.0.1:1",
	})
	require.NoError(t, node.Start())
	t.Cleanup(node.Stop)

	_, _, err := node.Publish(context.Background(), "mysite")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "public address")
}
