package rendezvous

import (
	"net"
	"sort"
	"sync"
	"time"
)

// Registry is the table of currently reachable clients, keyed by the
// public address observed on their datagrams. Entries expire when they
// stop refreshing; an entry past the timeout is invisible to Match
// even before the sweeper removes it.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	timeout time.Duration

	// swapped in tests to pin the clock
	now func() time.Time
}

type entry struct {
	addr      *net.UDPAddr
	firstSeen time.Time
	lastSeen  time.Time
}

func NewRegistry(timeout time.Duration) *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		timeout: timeout,
		now:     time.Now,
	}
}

// Register upserts the client at addr and refreshes its lastSeen. It
// reports whether the entry is new, which includes taking over an
// expired entry that was not yet swept.
func (r *Registry) Register(addr *net.UDPAddr) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	key := addr.String()

	e, ok := r.entries[key]
	if !ok || r.expired(e, now) {
		r.entries[key] = &entry{addr: cloneAddr(addr), firstSeen: now, lastSeen: now}
		return true
	}

	e.lastSeen = now
	return false
}

// Match finds the live registration whose IP equals targetIP, never
// returning the requester's own entry. Matching is by IP alone; when
// several distinct clients share the IP the one registered earliest
// wins, which is the inherited behavior for peers behind a common NAT.
func (r *Registry) Match(targetIP string, requester *net.UDPAddr) (*net.UDPAddr, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var excludeKey string
	if requester != nil {
		excludeKey = requester.String()
	}

	var best *entry
	var bestKey string
	for key, e := range r.entries {
		if key == excludeKey || r.expired(e, now) {
			continue
		}
		if e.addr.IP.String() != targetIP {
			continue
		}
		if best == nil || e.firstSeen.Before(best.firstSeen) ||
			(e.firstSeen.Equal(best.firstSeen) && key < bestKey) {
			best, bestKey = e, key
		}
	}

	if best == nil {
		return nil, false
	}
	return cloneAddr(best.addr), true
}

// Sweep removes every expired entry and returns how many went.
// Sweeping an already-removed entry is a no-op, so overlapping sweeps
// are harmless.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	removed := 0
	for key, e := range r.entries {
		if r.expired(e, now) {
			delete(r.entries, key)
			removed++
		}
	}
	return removed
}

// Len counts all entries still in the table, expired or not.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Addresses lists the live registrations, sorted for stable output.
func (r *Registry) Addresses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var addrs []string
	for key, e := range r.entries {
		if !r.expired(e, now) {
			addrs = append(addrs, key)
		}
	}
	sort.Strings(addrs)
	return addrs
}

// An entry is expired strictly after the timeout: at exactly timeout
// it still matches.
func (r *Registry) expired(e *entry, now time.Time) bool {
	return now.Sub(e.lastSeen) > r.timeout
}

func cloneAddr(a *net.UDPAddr) *net.UDPAddr {
	ip := make(net.IP, len(a.IP))
	copy(ip, a.IP)
	return &net.UDPAddr{IP: ip, Port: a.Port, Zone: a.Zone}
}
