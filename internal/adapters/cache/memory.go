// Package cache implements the in-process ports.Cache used when no shared
// key-value store is configured: atomic counters with TTL for the rate
// limiter's buckets, plain values (the stats flusher stores its snapshot
// with Set), sorted sets, and a simple synchronous pub/sub fan-out.
// Everything here lives in one process's memory —
// swap in a real client by satisfying ports.Cache.
package cache

import (
	"context"
	"sort"
	"sync"
	"time"
)

type counterEntry struct {
	value    int64
	expireAt time.Time
}

type valueEntry struct {
	value    string
	expireAt time.Time // zero means no expiry
}

type subscriber struct {
	ch chan string
}

// Memory is an in-process ports.Cache. It is always Healthy: there is no
// network hop to lose.
type Memory struct {
	mu        sync.Mutex
	counters  map[string]counterEntry
	values    map[string]valueEntry
	sets      map[string]map[string]float64
	subs      map[string][]*subscriber
	now       func() time.Time
}

// New constructs an empty in-memory cache.
func New() *Memory {
	return &Memory{
		counters: make(map[string]counterEntry),
		values:   make(map[string]valueEntry),
		sets:     make(map[string]map[string]float64),
		subs:     make(map[string][]*subscriber),
		now:      time.Now,
	}
}

// Incr atomically increments key by 1. The ttl only takes effect the
// instant the counter is created (or has expired) — an in-flight counter
// keeps its original expiry, matching a Redis INCR+EXPIRE-if-new pattern.
func (m *Memory) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	entry, ok := m.counters[key]
	if !ok || (!entry.expireAt.IsZero() && now.After(entry.expireAt)) {
		entry = counterEntry{value: 0}
		if ttl > 0 {
			entry.expireAt = now.Add(ttl)
		}
	}
	entry.value++
	m.counters[key] = entry
	return entry.value, nil
}

// Get returns the value for key, or ("", false) if absent or expired.
func (m *Memory) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.values[key]
	if !ok {
		return "", false, nil
	}
	if !entry.expireAt.IsZero() && m.now().After(entry.expireAt) {
		delete(m.values, key)
		return "", false, nil
	}
	return entry.value, true, nil
}

// Set stores value under key. ttl of zero means no expiry.
func (m *Memory) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := valueEntry{value: value}
	if ttl > 0 {
		entry.expireAt = m.now().Add(ttl)
	}
	m.values[key] = entry
	return nil
}

// SortedSetAdd adds or updates member's score in set.
func (m *Memory) SortedSetAdd(ctx context.Context, set string, member string, score float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	members, ok := m.sets[set]
	if !ok {
		members = make(map[string]float64)
		m.sets[set] = members
	}
	members[member] = score
	return nil
}

// SortedSetRange returns members of set with score in [min, max], ordered
// by ascending score.
func (m *Memory) SortedSetRange(ctx context.Context, set string, min, max float64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	members, ok := m.sets[set]
	if !ok {
		return nil, nil
	}

	type scored struct {
		member string
		score  float64
	}
	var matched []scored
	for member, score := range members {
		if score >= min && score <= max {
			matched = append(matched, scored{member, score})
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].score < matched[j].score })

	out := make([]string, len(matched))
	for i, s := range matched {
		out[i] = s.member
	}
	return out, nil
}

// Publish fans payload out to every current subscriber of channel. It never
// blocks: a subscriber whose buffer is full misses the message, the same
// trade-off a best-effort pub/sub makes.
func (m *Memory) Publish(ctx context.Context, channel string, payload string) error {
	m.mu.Lock()
	subs := append([]*subscriber(nil), m.subs[channel]...)
	m.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- payload:
		default:
		}
	}
	return nil
}

// Subscribe registers a listener on channel and returns the receive end
// plus an unsubscribe func. Not part of ports.Cache (no caller needs cross-
// process subscription today) but exposed for same-process consumers, e.g.
// a future admin CLI watching engine:stats.
func (m *Memory) Subscribe(channel string, buffer int) (<-chan string, func()) {
	s := &subscriber{ch: make(chan string, buffer)}

	m.mu.Lock()
	m.subs[channel] = append(m.subs[channel], s)
	m.mu.Unlock()

	unsubscribe := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		subs := m.subs[channel]
		for i, sub := range subs {
			if sub == s {
				m.subs[channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(s.ch)
	}
	return s.ch, unsubscribe
}

// Healthy always reports true: an in-process map cannot become
// unreachable the way a network-attached store can.
func (m *Memory) Healthy() bool {
	return true
}
