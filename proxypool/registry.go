package proxypool

import (
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"proxypulse/internal/shared/logger"
	"proxypulse/proxypool/model"
)

// Filter narrows All() by type, country and status. Zero fields match anything.
type Filter struct {
	Type    model.Protocol
	Country string
	Status  model.Status
}

func (f Filter) match(p *model.ProxyEntry) bool {
	if f.Type != "" && p.Type != f.Type {
		return false
	}
	if f.Country != "" && !strings.EqualFold(p.Country, f.Country) {
		return false
	}
	if f.Status != "" && p.Status != f.Status {
		return false
	}
	return true
}

// Criteria drives Best(). Zero fields are ignored.
type Criteria struct {
	Type      model.Protocol
	Country   string
	MinSpeed  float64
	MaxPing   int64
	Anonymity string
}

func (c Criteria) match(p *model.ProxyEntry) bool {
	if c.Type != "" && p.Type != c.Type {
		return false
	}
	if c.Country != "" && !strings.EqualFold(p.Country, c.Country) {
		return false
	}
	if c.MinSpeed > 0 && p.Speed < c.MinSpeed {
		return false
	}
	if c.MaxPing > 0 && (p.Ping <= 0 || p.Ping > c.MaxPing) {
		return false
	}
	if c.Anonymity != "" && !strings.EqualFold(p.Anonymity, c.Anonymity) {
		return false
	}
	return true
}

// Outcome is what a finished test reports back to the registry.
type Outcome struct {
	Alive bool
	Ping  int64   // ms; ignored when <= 0
	Speed float64 // req/s; ignored when <= 0
}

// Registry is the single owner of pool state. Every mutation is a short
// critical section keyed by id, so the orchestrator, the rotation controller
// and the health monitor can share one instance without long-held locks.
type Registry struct {
	mu      sync.RWMutex
	entries map[uint64]*model.ProxyEntry
	order   []uint64 // ascending ids
	nextID  uint64
	cursor  int

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[uint64]*model.ProxyEntry),
		nextID:  1,
		rng:     rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15)),
	}
}

// Add inserts an entry and returns its id. An entry without an id gets the
// next free one; an explicit id replaces any entry already stored under it.
func (r *Registry) Add(entry model.ProxyEntry) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addLocked(entry)
}

// AddUnique inserts the entry unless one with the same address and type is
// already present. Check and insert happen under one lock.
func (r *Registry) AddUnique(entry model.ProxyEntry) (uint64, bool) {
	if entry.Type == "" {
		entry.Type = model.ProtoHTTP
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.containsLocked(entry.Host, entry.Port, entry.Type) {
		return 0, false
	}
	return r.addLocked(entry), true
}

// addLocked must be called with r.mu held.
func (r *Registry) addLocked(entry model.ProxyEntry) uint64 {
	if entry.ID == 0 {
		entry.ID = r.nextID
	}
	if entry.ID >= r.nextID {
		r.nextID = entry.ID + 1
	}
	if entry.Status == "" {
		entry.Status = model.StatusPending
	}
	if entry.Type == "" {
		entry.Type = model.ProtoHTTP
	}
	if entry.AddedAt.IsZero() {
		entry.AddedAt = time.Now()
	}

	if _, exists := r.entries[entry.ID]; !exists {
		r.insertOrdered(entry.ID)
	}
	e := entry
	r.entries[entry.ID] = &e
	return entry.ID
}

func (r *Registry) insertOrdered(id uint64) {
	i := sort.Search(len(r.order), func(i int) bool { return r.order[i] >= id })
	r.order = append(r.order, 0)
	copy(r.order[i+1:], r.order[i:])
	r.order[i] = id
}

// Remove deletes an entry. It reports whether the id was known.
func (r *Registry) Remove(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[id]; !ok {
		return false
	}
	delete(r.entries, id)
	i := sort.Search(len(r.order), func(i int) bool { return r.order[i] >= id })
	if i < len(r.order) && r.order[i] == id {
		r.order = append(r.order[:i], r.order[i+1:]...)
	}
	return true
}

// Get returns a copy of the entry.
func (r *Registry) Get(id uint64) (model.ProxyEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.entries[id]
	if !ok {
		return model.ProxyEntry{}, false
	}
	return *p, true
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// IDs returns all ids in ascending order.
func (r *Registry) IDs() []uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]uint64, len(r.order))
	copy(ids, r.order)
	return ids
}

// StatusCounts 按状态统计条目数量。
func (r *Registry) StatusCounts() map[model.Status]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[model.Status]int, 4)
	for _, p := range r.entries {
		counts[p.Status]++
	}
	return counts
}

// All returns copies of every entry in id order.
func (r *Registry) All() []model.ProxyEntry {
	return r.Filter(Filter{})
}

// Filter returns copies of the entries matching f, in id order.
func (r *Registry) Filter(f Filter) []model.ProxyEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.ProxyEntry, 0, len(r.order))
	for _, id := range r.order {
		p := r.entries[id]
		if f.match(p) {
			out = append(out, *p)
		}
	}
	return out
}

// Contains reports whether an entry with the same address and type exists.
func (r *Registry) Contains(host string, port int, typ model.Protocol) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.containsLocked(host, port, typ)
}

func (r *Registry) containsLocked(host string, port int, typ model.Protocol) bool {
	for _, p := range r.entries {
		if p.Port == port && p.Type == typ && strings.EqualFold(p.Host, host) {
			return true
		}
	}
	return false
}

// aliveLocked must be called with r.mu held.
func (r *Registry) aliveLocked() []*model.ProxyEntry {
	alive := make([]*model.ProxyEntry, 0, len(r.order))
	for _, id := range r.order {
		if p := r.entries[id]; p.Status == model.StatusAlive {
			alive = append(alive, p)
		}
	}
	return alive
}

// Next walks the alive entries round-robin and wraps around. The boolean is
// false when nothing is alive.
func (r *Registry) Next() (model.ProxyEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	alive := r.aliveLocked()
	if len(alive) == 0 {
		return model.ProxyEntry{}, false
	}
	if r.cursor >= len(alive) {
		r.cursor = 0
	}
	p := alive[r.cursor]
	r.cursor = (r.cursor + 1) % len(alive)
	return *p, true
}

// Random picks an alive entry uniformly.
func (r *Registry) Random() (model.ProxyEntry, bool) {
	r.mu.RLock()
	alive := r.aliveLocked()
	if len(alive) == 0 {
		r.mu.RUnlock()
		return model.ProxyEntry{}, false
	}
	r.rngMu.Lock()
	i := r.rng.IntN(len(alive))
	r.rngMu.Unlock()
	p := *alive[i]
	r.mu.RUnlock()
	return p, true
}

// Best filters alive entries by c and returns the fastest one: highest speed
// first, lowest ping on ties.
func (r *Registry) Best(c Criteria) (model.ProxyEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *model.ProxyEntry
	for _, p := range r.aliveLocked() {
		if !c.match(p) {
			continue
		}
		if best == nil || p.Speed > best.Speed || (p.Speed == best.Speed && p.Ping < best.Ping) {
			best = p
		}
	}
	if best == nil {
		return model.ProxyEntry{}, false
	}
	return *best, true
}

// BeginTest moves an entry into the testing state.
func (r *Registry) BeginTest(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.entries[id]
	if !ok {
		return false
	}
	p.Status = model.StatusTesting
	return true
}

// AbortTest 在测试被取消且没有任何结果时，把状态退回到 prev。
// 只有仍处于 testing 的条目会被改动。
func (r *Registry) AbortTest(id uint64, prev model.Status) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.entries[id]
	if !ok || p.Status != model.StatusTesting {
		return false
	}
	if prev == "" || prev == model.StatusTesting {
		prev = model.StatusPending
	}
	p.Status = prev
	return true
}

// RecordOutcome closes a test: alive or dead, plus fresh metrics.
func (r *Registry) RecordOutcome(id uint64, o Outcome) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.entries[id]
	if !ok {
		return false
	}

	prev := p.Status
	if o.Alive {
		p.Status = model.StatusAlive
		if o.Ping > 0 {
			p.Ping = o.Ping
		}
	} else {
		p.Status = model.StatusDead
		p.Ping = 0
	}
	if o.Speed > 0 {
		p.Speed = o.Speed
	}
	p.LastTested = time.Now()

	if prev != p.Status && prev != model.StatusTesting {
		l := logger.WithComponent("Pool")
		l.Debug().Uint64("proxy_id", id).Str("from", string(prev)).Str("to", string(p.Status)).Msg("Proxy status changed.")
	}
	return true
}

// SetTags updates the opaque geo/anonymity tags. Empty values are left alone.
func (r *Registry) SetTags(id uint64, country, anonymity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.entries[id]
	if !ok {
		return false
	}
	if country != "" {
		p.Country = country
	}
	if anonymity != "" {
		p.Anonymity = anonymity
	}
	return true
}

// Restore replaces the whole pool, typically with what storage loaded.
func (r *Registry) Restore(entries []model.ProxyEntry) {
	r.mu.Lock()
	r.entries = make(map[uint64]*model.ProxyEntry, len(entries))
	r.order = r.order[:0]
	r.nextID = 1
	r.cursor = 0
	r.mu.Unlock()

	for _, e := range entries {
		r.Add(e)
	}
}
