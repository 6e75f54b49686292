package tracker

import (
	"sync"
	"time"

	redis "gopkg.in/redis.v5"
)

// Index is the directory state behind the tracker routes: which IPs
// serve which filenames.
type Index interface {
	AddMapping(ip, filename string) error
	RemoveMapping(ip, filename string) error
	PeersFor(filename string) ([]string, error)
	// DropPeer delists ip from every filename it served.
	DropPeer(ip string) error
}

// RedisIndex keeps the directory in redis so several tracker instances
// can share it. Keys: set file:<name> holds serving IPs, set ip:<ip>
// holds that peer's filenames, hash peer:lastseen holds refresh times.
type RedisIndex struct {
	rdb *redis.Client
}

func NewRedisIndex(addr string) (*RedisIndex, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping().Err(); err != nil {
		return nil, err
	}
	return &RedisIndex{rdb: rdb}, nil
}

func (x *RedisIndex) AddMapping(ip, filename string) error {
	if err := x.rdb.SAdd("file:"+filename, ip).Err(); err != nil {
		return err
	}
	if err := x.rdb.SAdd("ip:"+ip, filename).Err(); err != nil {
		return err
	}
	return x.rdb.HSet("peer:lastseen", ip, time.Now().UTC().Format(time.RFC3339)).Err()
}

func (x *RedisIndex) RemoveMapping(ip, filename string) error {
	if err := x.rdb.SRem("file:"+filename, ip).Err(); err != nil {
		return err
	}
	return x.rdb.SRem("ip:"+ip, filename).Err()
}

func (x *RedisIndex) PeersFor(filename string) ([]string, error) {
	return x.rdb.SMembers("file:" + filename).Result()
}

func (x *RedisIndex) DropPeer(ip string) error {
	files, err := x.rdb.SMembers("ip:" + ip).Result()
	if err != nil {
		return err
	}
	for _, f := range files {
		if err := x.rdb.SRem("file:"+f, ip).Err(); err != nil {
			return err
		}
	}
	if err := x.rdb.Del("ip:" + ip).Err(); err != nil {
		return err
	}
	return x.rdb.HDel("peer:lastseen", ip).Err()
}

func (x *RedisIndex) Close() error {
	return x.rdb.Close()
}

// MemoryIndex is the in-process Index used when no redis is around,
// for development and tests.
type MemoryIndex struct {
	mu      sync.Mutex
	byFile  map[string]map[string]struct{}
	byPeer  map[string]map[string]struct{}
	seen    map[string]time.Time
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		byFile: make(map[string]map[string]struct{}),
		byPeer: make(map[string]map[string]struct{}),
		seen:   make(map[string]time.Time),
	}
}

func (x *MemoryIndex) AddMapping(ip, filename string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.byFile[filename] == nil {
		x.byFile[filename] = make(map[string]struct{})
	}
	x.byFile[filename][ip] = struct{}{}

	if x.byPeer[ip] == nil {
		x.byPeer[ip] = make(map[string]struct{})
	}
	x.byPeer[ip][filename] = struct{}{}

	x.seen[ip] = time.Now()
	return nil
}

func (x *MemoryIndex) RemoveMapping(ip, filename string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	delete(x.byFile[filename], ip)
	delete(x.byPeer[ip], filename)
	return nil
}

func (x *MemoryIndex) PeersFor(filename string) ([]string, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	peers := make([]string, 0, len(x.byFile[filename]))
	for ip := range x.byFile[filename] {
		peers = append(peers, ip)
	}
	return peers, nil
}

func (x *MemoryIndex) DropPeer(ip string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	for f := range x.byPeer[ip] {
		delete(x.byFile[f], ip)
	}
	delete(x.byPeer, ip)
	delete(x.seen, ip)
	return nil
}
