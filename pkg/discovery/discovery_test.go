package discovery

import (
	"context"
	"testing"
	"time"
)

func TestAdvertiseAndBrowse(t *testing.T) {
	// Skip in CI/docker environments where multicast might not work
	if testing.Short() {
		t.Skip("Skipping mDNS test in short mode")
	}

	advertiser := NewAdvertiser()
	meta := map[string]string{"role": "rendezvous"}
	port := 23456

	if err := advertiser.Start("rendezvous-test", port, meta); err != nil {
		t.Fatalf("Failed to start advertiser: %v", err)
	}
	defer advertiser.Stop()

	// Give it a moment to announce
	time.Sleep(500 * time.Millisecond)

	resolver, err := NewResolver()
	if err != nil {
		t.Fatalf("Failed to create resolver: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ch, err := resolver.Browse(ctx)
	if err != nil {
		t.Fatalf("Failed to browse: %v", err)
	}

	found := false
	for info := range ch {
		if info.Port == port && info.Meta["role"] == "rendezvous" {
			found = true
			if len(info.IPs) == 0 {
				t.Error("Discovered service has no IPs")
			}
			t.Logf("Found service: %+v", info)
			break
		}
	}

	if !found {
		t.Error("Failed to discover the test service")
	}
}

func TestLookupFindsEndpoint(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping mDNS test in short mode")
	}

	advertiser := NewAdvertiser()
	if err := advertiser.Start("rendezvous-lookup-test", 23457, nil); err != nil {
		t.Fatalf("Failed to start advertiser: %v", err)
	}
	defer advertiser.Stop()

	time.Sleep(500 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	addr, err := Lookup(ctx)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if addr == "" {
		t.Fatal("Lookup returned empty address")
	}
	t.Logf("Resolved rendezvous endpoint: %s", addr)
}
