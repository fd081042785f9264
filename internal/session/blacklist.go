package session

import "sync"

// IPBlacklist is a process-scoped set of addresses considered hostile.
// Constructed once and handed to every component that needs it, so tests can
// build isolated instances.
type IPBlacklist struct {
	mu  sync.RWMutex
	ips map[string]struct{}
}

// NewIPBlacklist creates an empty blacklist, optionally pre-seeded.
func NewIPBlacklist(seed ...string) *IPBlacklist {
	b := &IPBlacklist{ips: make(map[string]struct{}, len(seed))}
	for _, ip := range seed {
		b.ips[ip] = struct{}{}
	}
	return b
}

func (b *IPBlacklist) Add(ip string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ips[ip] = struct{}{}
}

func (b *IPBlacklist) Remove(ip string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.ips, ip)
}

func (b *IPBlacklist) Contains(ip string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.ips[ip]
	return ok
}
