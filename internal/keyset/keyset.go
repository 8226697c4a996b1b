// Package keyset provides sharded concurrent maps of sets. Each key is
// guarded by the lock of its shard, so operations on different keys rarely
// contend and there is no lock spanning every key.
package keyset

import "sync"

const defaultShards = 32

type shard[K comparable, V comparable] struct {
	mu   sync.RWMutex
	sets map[K]map[V]struct{}
}

// Registry maps keys to sets of members.
type Registry[K comparable, V comparable] struct {
	shards []*shard[K, V]
	hash   func(K) uint64
}

// New builds a registry with n shards. hash spreads keys over shards.
func New[K comparable, V comparable](n int, hash func(K) uint64) *Registry[K, V] {
	if n <= 0 {
		n = defaultShards
	}
	r := &Registry[K, V]{shards: make([]*shard[K, V], n), hash: hash}
	for i := range r.shards {
		r.shards[i] = &shard[K, V]{sets: make(map[K]map[V]struct{})}
	}
	return r
}

// IntHash is a shard hash for integer ids.
func IntHash(k int) uint64 { return uint64(k) * 0x9E3779B97F4A7C15 }

func (r *Registry[K, V]) shardFor(k K) *shard[K, V] {
	return r.shards[r.hash(k)%uint64(len(r.shards))]
}

// Add inserts v into the set of k. first is true when the set went from
// empty to non-empty; added is false when v was already present.
func (r *Registry[K, V]) Add(k K, v V) (first, added bool) {
	_, first, added = r.AddThen(k, v, nil)
	return first, added
}

// AddThen is Add followed by fn, run under the key's lock with the resulting
// set size. fn must not call back into the registry.
func (r *Registry[K, V]) AddThen(k K, v V, fn func(size int, first, added bool)) (size int, first, added bool) {
	s := r.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[k]
	if !ok {
		set = make(map[V]struct{})
		s.sets[k] = set
	}
	if _, exists := set[v]; !exists {
		set[v] = struct{}{}
		added = true
	}
	size = len(set)
	first = added && size == 1
	if fn != nil {
		fn(size, first, added)
	}
	return size, first, added
}

// Remove deletes v from the set of k. last is true when the set became empty.
func (r *Registry[K, V]) Remove(k K, v V) (last, removed bool) {
	_, last, removed = r.RemoveThen(k, v, nil)
	return last, removed
}

// RemoveThen is Remove followed by fn under the key's lock.
func (r *Registry[K, V]) RemoveThen(k K, v V, fn func(size int, last, removed bool)) (size int, last, removed bool) {
	s := r.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[k]
	if ok {
		if _, exists := set[v]; exists {
			delete(set, v)
			removed = true
		}
		size = len(set)
		if size == 0 {
			delete(s.sets, k)
		}
	}
	last = removed && size == 0
	if fn != nil {
		fn(size, last, removed)
	}
	return size, last, removed
}

// Len returns the size of the set of k.
func (r *Registry[K, V]) Len(k K) int {
	s := r.shardFor(k)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sets[k])
}

// Members returns a snapshot of the set of k.
func (r *Registry[K, V]) Members(k K) []V {
	s := r.shardFor(k)
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.sets[k]
	out := make([]V, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	return out
}

// Each calls fn for every member of k while holding the key's read lock.
// Concurrent Each calls on the same key may interleave; callers that need a
// total order per key use a Locker around them.
func (r *Registry[K, V]) Each(k K, fn func(V)) {
	s := r.shardFor(k)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for v := range s.sets[k] {
		fn(v)
	}
}

// Keys returns the number of non-empty keys.
func (r *Registry[K, V]) Keys() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.sets)
		s.mu.RUnlock()
	}
	return n
}

// Locker is a striped mutex keyed by K.
type Locker[K comparable] struct {
	stripes []sync.Mutex
	hash    func(K) uint64
}

// NewLocker builds a Locker with n stripes.
func NewLocker[K comparable](n int, hash func(K) uint64) *Locker[K] {
	if n <= 0 {
		n = defaultShards
	}
	return &Locker[K]{stripes: make([]sync.Mutex, n), hash: hash}
}

// Lock locks the stripe of k and returns its unlock function.
func (l *Locker[K]) Lock(k K) func() {
	m := &l.stripes[l.hash(k)%uint64(len(l.stripes))]
	m.Lock()
	return m.Unlock
}
