package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to the directory service that maps published filenames
// to the public IPs of peers serving them.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// GetPeers returns the IPs currently listed as serving filename. An
// empty list is a normal answer, not an error.
func (c *Client) GetPeers(ctx context.Context, filename string) ([]string, error) {
	q := url.Values{"filename": {filename}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/peers?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tracker get peers: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tracker get peers: status %d", resp.StatusCode)
	}

	var body struct {
		Filename string   `json:"filename"`
		Peers    []string `json:"peers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("tracker get peers: decode: %w", err)
	}
	return body.Peers, nil
}

// Add lists ip as a serving peer for filename.
func (c *Client) Add(ctx context.Context, filename, ip string) error {
	return c.post(ctx, "/add", url.Values{"ip": {ip}, "filename": {filename}})
}

// Remove delists ip for filename, typically after a failed fetch from
// that peer.
func (c *Client) Remove(ctx context.Context, filename, ip string) error {
	return c.post(ctx, "/remove", url.Values{"ip": {ip}, "filename": {filename}})
}

// PeerOffline delists ip from every filename it was serving.
func (c *Client) PeerOffline(ctx context.Context, ip string) error {
	return c.post(ctx, "/peer_offline", url.Values{"ip": {ip}})
}

func (c *Client) post(ctx context.Context, path string, q url.Values) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("tracker %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("tracker %s: status %d", path, resp.StatusCode)
	}
	return nil
}
