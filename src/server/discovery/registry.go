package discovery

import (
	"sort"
	"sync"
	"time"
)

// Meter is what the gateway knows about one device on the segment.
type Meter struct {
	Address     string    `json:"address"`
	LastSeen    time.Time `json:"lastSeen"`
	LastReading time.Time `json:"lastReading,omitempty"`
	ReadingSize int       `json:"readingSize,omitempty"`
	Readings    int       `json:"readings"`
}

// Registry remembers the meters found by scans and read by address.
type Registry struct {
	mu     sync.RWMutex
	meters map[string]*Meter
	now    func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{meters: make(map[string]*Meter), now: time.Now}
}

func (r *Registry) meterLocked(addr string) *Meter {
	m, ok := r.meters[addr]
	if !ok {
		m = &Meter{Address: addr}
		r.meters[addr] = m
	}
	return m
}

// RecordScan marks every address of a completed scan as seen.
func (r *Registry) RecordScan(addrs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	for _, a := range addrs {
		r.meterLocked(a).LastSeen = now
	}
}

// RecordReading stores the size of the XML document read from addr.
func (r *Registry) RecordReading(addr string, size int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	m := r.meterLocked(addr)
	m.LastSeen = now
	m.LastReading = now
	m.ReadingSize = size
	m.Readings++
}

// Rename moves the entry of a meter whose primary address changed.
func (r *Registry) Rename(oldAddr, newAddr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.meters[oldAddr]
	if !ok {
		return
	}
	delete(r.meters, oldAddr)
	m.Address = newAddr
	r.meters[newAddr] = m
}

// List returns copies of all known meters sorted by address.
func (r *Registry) List() []Meter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Meter, 0, len(r.meters))
	for _, m := range r.meters {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

func (r *Registry) Get(addr string) (Meter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.meters[addr]
	if !ok {
		return Meter{}, false
	}
	return *m, true
}
