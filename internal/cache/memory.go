package cache

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/tidwall/btree"
)

type zmember struct {
	score  float64
	member string
}

func zless(a, b zmember) bool {
	if a.score != b.score {
		return a.score < b.score
	}
	return a.member < b.member
}

type zset struct {
	tree   *btree.BTreeG[zmember]
	scores map[string]float64
}

func newZSet() *zset {
	return &zset{
		tree:   btree.NewBTreeG[zmember](zless),
		scores: make(map[string]float64),
	}
}

type entry struct {
	str      string
	zs       *zset
	expireAt time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expireAt.IsZero() && !now.Before(e.expireAt)
}

// MemoryStore is a single-process Store. Expiry is evaluated lazily on
// access against the injected clock.
type MemoryStore struct {
	mu    sync.Mutex
	clock clockwork.Clock
	data  map[string]*entry
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store. A nil clock uses the real clock.
func NewMemoryStore(clock clockwork.Clock) *MemoryStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryStore{clock: clock, data: make(map[string]*entry)}
}

// lookup returns the live entry for key, dropping it if expired.
// Caller holds mu.
func (m *MemoryStore) lookup(key string) *entry {
	e, ok := m.data[key]
	if !ok {
		return nil
	}
	if e.expired(m.clock.Now()) {
		delete(m.data, key)
		return nil
	}
	return e
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.lookup(key)
	if e == nil {
		return "", false, nil
	}
	if e.zs != nil {
		return "", false, ErrWrongType
	}
	return e.str, true, nil
}

func (m *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := &entry{str: value}
	if ttl > 0 {
		e.expireAt = m.clock.Now().Add(ttl)
	}
	m.data[key] = e
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

func (m *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookup(key) != nil, nil
}

func (m *MemoryStore) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.lookup(key)
	if e == nil {
		m.data[key] = &entry{str: "1"}
		return 1, nil
	}
	if e.zs != nil {
		return 0, ErrWrongType
	}
	n, err := strconv.ParseInt(e.str, 10, 64)
	if err != nil {
		return 0, ErrWrongType
	}
	n++
	e.str = strconv.FormatInt(n, 10)
	return n, nil
}

func (m *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.lookup(key)
	if e == nil {
		return nil
	}
	if ttl <= 0 {
		delete(m.data, key)
		return nil
	}
	e.expireAt = m.clock.Now().Add(ttl)
	return nil
}

func (m *MemoryStore) TTL(_ context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.lookup(key)
	if e == nil || e.expireAt.IsZero() {
		return 0, nil
	}
	return e.expireAt.Sub(m.clock.Now()), nil
}

// zsetFor returns the sorted set at key, creating it when create is set.
// Caller holds mu.
func (m *MemoryStore) zsetFor(key string, create bool) (*zset, error) {
	e := m.lookup(key)
	if e == nil {
		if !create {
			return nil, nil
		}
		e = &entry{zs: newZSet()}
		m.data[key] = e
	}
	if e.zs == nil {
		return nil, ErrWrongType
	}
	return e.zs, nil
}

func (m *MemoryStore) ZAdd(_ context.Context, key string, score float64, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	zs, err := m.zsetFor(key, true)
	if err != nil {
		return err
	}
	if old, ok := zs.scores[member]; ok {
		zs.tree.Delete(zmember{score: old, member: member})
	}
	zs.scores[member] = score
	zs.tree.Set(zmember{score: score, member: member})
	return nil
}

func (m *MemoryStore) ZRemRangeByScore(_ context.Context, key string, min, max float64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	zs, err := m.zsetFor(key, false)
	if err != nil || zs == nil {
		return 0, err
	}
	var doomed []zmember
	zs.tree.Ascend(zmember{score: min}, func(item zmember) bool {
		if item.score > max {
			return false
		}
		doomed = append(doomed, item)
		return true
	})
	for _, item := range doomed {
		zs.tree.Delete(item)
		delete(zs.scores, item.member)
	}
	if zs.tree.Len() == 0 {
		delete(m.data, key)
	}
	return int64(len(doomed)), nil
}

func (m *MemoryStore) ZCard(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	zs, err := m.zsetFor(key, false)
	if err != nil || zs == nil {
		return 0, err
	}
	return int64(zs.tree.Len()), nil
}

func (m *MemoryStore) ZMinScore(_ context.Context, key string) (float64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	zs, err := m.zsetFor(key, false)
	if err != nil || zs == nil {
		return 0, false, err
	}
	item, ok := zs.tree.Min()
	return item.score, ok, nil
}

func (m *MemoryStore) Ping(context.Context) error {
	return nil
}
