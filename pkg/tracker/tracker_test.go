package tracker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker(t *testing.T) *Client {
	t.Helper()
	srv := httptest.NewServer(NewServer(NewMemoryIndex()).Handler())
	t.Cleanup(srv.Close)
	return NewClient(srv.URL)
}

func TestAddAndGetPeers(t *testing.T) {
	c := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, c.Add(ctx, "site/index.html", "203.0.113.1"))
	require.NoError(t, c.Add(ctx, "site/index.html", "203.0.113.2"))

	peers, err := c.GetPeers(ctx, "site/index.html")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"203.0.113.1", "203.0.113.2"}, peers)
}

func TestGetPeersUnknownFileIsEmpty(t *testing.T) {
	c := newTestTracker(t)

	peers, err := c.GetPeers(context.Background(), "nobody/has/this")
	require.NoError(t, err)
	assert.Empty(t, peers)
}

func TestRemoveDelistsOnePeer(t *testing.T) {
	c := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, c.Add(ctx, "a.txt", "203.0.113.1"))
	require.NoError(t, c.Add(ctx, "a.txt", "203.0.113.2"))
	require.NoError(t, c.Remove(ctx, "a.txt", "203.0.113.1"))

	peers, err := c.GetPeers(ctx, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, []string{"203.0.113.2"}, peers)
}

func TestPeerOfflineDelistsEverywhere(t *testing.T) {
	c := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, c.Add(ctx, "a.txt", "203.0.113.1"))
	require.NoError(t, c.Add(ctx, "b.txt", "203.0.113.1"))
	require.NoError(t, c.Add(ctx, "b.txt", "203.0.113.2"))

	require.NoError(t, c.PeerOffline(ctx, "203.0.113.1"))

	peers, err := c.GetPeers(ctx, "a.txt")
	require.NoError(t, err)
	assert.Empty(t, peers)

	peers, err = c.GetPeers(ctx, "b.txt")
	require.NoError(t, err)
	assert.Equal(t, []string{"203.0.113.2"}, peers)
}

func TestServerRejectsBadRequests(t *testing.T) {
	srv := httptest.NewServer(NewServer(NewMemoryIndex()).Handler())
	t.Cleanup(srv.Close)

	// /peers without filename
	resp, err := http.Get(srv.URL + "/peers")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// /add without params
	resp, err = http.Post(srv.URL+"/add", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// /add must be POST
	resp, err = http.Get(srv.URL + "/add?ip=1.2.3.4&filename=a")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestClientSurfacesServerErrors(t *testing.T) {
	c := newTestTracker(t)

	// Base URL pointing nowhere useful.
	broken := NewClient("http://127.0.0.1:1")
	_, err := broken.GetPeers(context.Background(), "a.txt")
	assert.Error(t, err)

	// Valid server still answers after the failed client.
	peers, err := c.GetPeers(context.Background(), "a.txt")
	require.NoError(t, err)
	assert.Empty(t, peers)
}
