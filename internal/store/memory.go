package store

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/moorej2400/sobertube-app-sub003/internal/notify"
)

// Memory is a single-process Store. TTLs follow the injected clock, which
// makes it the store of choice for time-driven tests.
type Memory struct {
	mu     sync.Mutex
	clock  notify.Clock
	kv     map[string]string
	zsets  map[string]map[string]float64
	lists  map[string][]string
	expiry map[string]time.Time
	closed bool
}

func NewMemory(clock notify.Clock) *Memory {
	if clock == nil {
		clock = notify.SystemClock{}
	}
	return &Memory{
		clock:  clock,
		kv:     map[string]string{},
		zsets:  map[string]map[string]float64{},
		lists:  map[string][]string{},
		expiry: map[string]time.Time{},
	}
}

// purgeLocked drops key if its TTL elapsed.
func (m *Memory) purgeLocked(key string) {
	exp, ok := m.expiry[key]
	if !ok || m.clock.Now().Before(exp) {
		return
	}
	m.deleteLocked(key)
}

func (m *Memory) deleteLocked(key string) {
	delete(m.kv, key)
	delete(m.zsets, key)
	delete(m.lists, key)
	delete(m.expiry, key)
}

func (m *Memory) setTTLLocked(key string, ttl time.Duration) {
	if ttl > 0 {
		m.expiry[key] = m.clock.Now().Add(ttl)
	} else {
		delete(m.expiry, key)
	}
}

func (m *Memory) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purgeLocked(key)
	cur, exists := m.kv[key]
	n, _ := strconv.ParseInt(cur, 10, 64)
	n++
	m.kv[key] = strconv.FormatInt(n, 10)
	if !exists {
		m.setTTLLocked(key, ttl)
	}
	return n, nil
}

func (m *Memory) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purgeLocked(key)
	if _, ok := m.kv[key]; ok {
		return false, nil
	}
	m.kv[key] = value
	m.setTTLLocked(key, ttl)
	return true, nil
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purgeLocked(key)
	v, ok := m.kv[key]
	return v, ok, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv[key] = value
	m.setTTLLocked(key, ttl)
	return nil
}

func (m *Memory) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		m.deleteLocked(k)
	}
	return nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purgeLocked(key)
	_, kv := m.kv[key]
	_, z := m.zsets[key]
	_, l := m.lists[key]
	if kv || z || l {
		m.setTTLLocked(key, ttl)
	}
	return nil
}

func (m *Memory) ZAdd(_ context.Context, key string, members ...Member) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purgeLocked(key)
	z := m.zsets[key]
	if z == nil {
		z = map[string]float64{}
		m.zsets[key] = z
	}
	for _, mem := range members {
		z[mem.Value] = mem.Score
	}
	return nil
}

func (m *Memory) ZRangeByScore(_ context.Context, key string, min, max float64, limit int) ([]Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purgeLocked(key)
	var out []Member
	for v, sc := range m.zsets[key] {
		if sc >= min && sc <= max {
			out = append(out, Member{Value: v, Score: sc})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score < out[j].Score
		}
		return out[i].Value < out[j].Value
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ZRem(_ context.Context, key, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purgeLocked(key)
	z := m.zsets[key]
	if _, ok := z[value]; !ok {
		return false, nil
	}
	delete(z, value)
	if len(z) == 0 {
		m.deleteLocked(key)
	}
	return true, nil
}

func (m *Memory) ZRemRangeByScore(_ context.Context, key string, min, max float64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purgeLocked(key)
	z := m.zsets[key]
	var n int64
	for v, sc := range z {
		if sc >= min && sc <= max {
			delete(z, v)
			n++
		}
	}
	if z != nil && len(z) == 0 {
		m.deleteLocked(key)
	}
	return n, nil
}

func (m *Memory) ZCard(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purgeLocked(key)
	return int64(len(m.zsets[key])), nil
}

func (m *Memory) RPush(_ context.Context, key string, values ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purgeLocked(key)
	m.lists[key] = append(m.lists[key], values...)
	return int64(len(m.lists[key])), nil
}

func (m *Memory) LPop(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purgeLocked(key)
	l := m.lists[key]
	if len(l) == 0 {
		return "", false, nil
	}
	v := l[0]
	if len(l) == 1 {
		m.deleteLocked(key)
	} else {
		m.lists[key] = l[1:]
	}
	return v, true, nil
}

func (m *Memory) LLen(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purgeLocked(key)
	return int64(len(m.lists[key])), nil
}

// LRange follows Redis index semantics, including negative indexes.
func (m *Memory) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purgeLocked(key)
	l := m.lists[key]
	n := int64(len(l))
	if start < 0 {
		start = max(n+start, 0)
	}
	if stop < 0 {
		stop = n + stop
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop {
		return []string{}, nil
	}
	return append([]string(nil), l[start:stop+1]...), nil
}

func (m *Memory) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrUnavailable
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
