package counters

import (
	"context"
	"sync"
	"time"
)

type memCounter struct {
	value   int64
	expires time.Time
}

type memHash struct {
	version int64
	total   int64
	entries map[string]int64
}

// Memory is a process-local implementation with the same semantics as the
// Redis scripts. It suits single-node deployments and tests.
type Memory struct {
	mu       sync.Mutex
	counters map[string]*memCounter
	hashes   map[string]*memHash
	version  int64
	now      func() time.Time
}

// NewMemory creates empty in-memory counters.
func NewMemory() *Memory {
	return &Memory{
		counters: make(map[string]*memCounter),
		hashes:   make(map[string]*memHash),
		version:  time.Now().UnixMilli(),
		now:      time.Now,
	}
}

// live returns the counter for key, dropping it when expired.
func (m *Memory) live(key string, now time.Time) *memCounter {
	c, ok := m.counters[key]
	if ok && !c.expires.IsZero() && !now.Before(c.expires) {
		delete(m.counters, key)
		return nil
	}
	return c
}

func (m *Memory) TTLCounter(_ context.Context, key string, count, max int64, window time.Duration) (Result, error) {
	if max <= 0 {
		return Result{Success: true}, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	c := m.live(key, now)
	var current int64
	if c != nil {
		current = c.value
	}

	if current+count > max {
		var ttl time.Duration
		if c != nil {
			ttl = c.expires.Sub(now)
		}
		recordCheck("ttl", false)
		return Result{Success: false, Value: current, TTL: ttl}, nil
	}

	if c == nil {
		c = &memCounter{expires: now.Add(time.Duration(seconds(window)) * time.Second)}
		m.counters[key] = c
	}
	c.value += count
	recordCheck("ttl", true)
	return Result{Success: true, Value: c.value, TTL: c.expires.Sub(now)}, nil
}

func (m *Memory) CachedCounter(_ context.Context, key string, count int64, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	c := m.live(key, now)
	if c == nil {
		c = &memCounter{}
		m.counters[key] = c
	}
	c.value += count
	if ttl > 0 {
		c.expires = now.Add(time.Duration(seconds(ttl)) * time.Second)
	}
	return c.value, nil
}

func (m *Memory) LimitedCounter(_ context.Context, key, entry string, count, limit int64) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.hashes[key]
	if !ok || h.version < m.version {
		h = &memHash{version: m.version, entries: make(map[string]int64)}
		m.hashes[key] = h
	}

	if _, ok := h.entries[entry]; ok {
		return Result{Success: true, Value: h.total}, nil
	}
	if h.total+count > limit {
		recordCheck("limited", false)
		return Result{Success: false, Value: h.total}, nil
	}

	h.entries[entry] = count
	h.total += count
	recordCheck("limited", true)
	return Result{Success: true, Value: h.total}, nil
}
