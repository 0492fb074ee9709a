// Package workset implements a deduplicating work queue keyed by store-path
// hash: the crawler seeds it with the initial package set, then every
// fetched package's references are fed back in as further work until no
// in-flight handle remains to enqueue more.
package workset

import (
	"context"
	"sync"

	"github.com/nix-community/nix-index/storepath"
)

// Item is one (key, value) pair accepted by FromSeed or Handle.AddWork.
type Item struct {
	Key   string
	Value storepath.StorePath
}

type queued struct {
	key   string
	value storepath.StorePath
}

// Set is a single-process deduplicating task set. The zero value is not
// usable; construct with FromSeed.
type Set struct {
	mu   sync.Mutex
	cond *sync.Cond

	seen       map[string]struct{}
	queuedKeys map[string]struct{}
	queue      []queued
	live       int
}

// FromSeed builds a Set populated with seeds. A duplicate key is resolved
// by keeping whichever value's origin Attr is lexicographically shorter,
// giving the most canonical attribute path.
func FromSeed(seeds []Item) *Set {
	s := &Set{
		seen:       make(map[string]struct{}),
		queuedKeys: make(map[string]struct{}),
	}
	s.cond = sync.NewCond(&s.mu)

	order := make([]string, 0, len(seeds))
	best := make(map[string]Item, len(seeds))
	for _, it := range seeds {
		existing, ok := best[it.Key]
		if !ok {
			best[it.Key] = it
			order = append(order, it.Key)
			continue
		}
		if len(it.Value.Origin.Attr) < len(existing.Value.Origin.Attr) {
			best[it.Key] = it
		}
	}

	for _, key := range order {
		it := best[key]
		s.queue = append(s.queue, queued{key: it.Key, value: it.Value})
		s.queuedKeys[key] = struct{}{}
	}
	return s
}

// Status is a read-only view of a Set that never counts as a live handle,
// so holding one cannot prevent the set from terminating.
type Status struct {
	set *Set
}

// Watch returns a Status handle for observing queue depth.
func (s *Set) Watch() *Status {
	return &Status{set: s}
}

// QueueLen returns the number of items currently queued.
func (st *Status) QueueLen() int {
	st.set.mu.Lock()
	defer st.set.mu.Unlock()
	return len(st.set.queue)
}

// Handle is held by the consumer of one yielded item for as long as it
// might still enqueue further work derived from that item (e.g. while
// resolving its references). Release must be called exactly once, after
// which the handle no longer counts toward keeping the set alive.
type Handle struct {
	set      *Set
	released sync.Once
}

// AddWork enqueues (key, value) unless key has already been seen or is
// currently queued.
func (h *Handle) AddWork(key string, value storepath.StorePath) {
	h.set.addWork(key, value)
}

// Release drops this handle. Once every outstanding handle has been
// released and the queue is empty, Next reports the set as exhausted.
func (h *Handle) Release() {
	h.released.Do(func() {
		h.set.mu.Lock()
		h.set.live--
		h.set.cond.Broadcast()
		h.set.mu.Unlock()
	})
}

func (s *Set) addWork(key string, value storepath.StorePath) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.seen[key]; ok {
		return
	}
	if _, ok := s.queuedKeys[key]; ok {
		return
	}

	s.queue = append(s.queue, queued{key: key, value: value})
	s.queuedKeys[key] = struct{}{}
	s.cond.Broadcast()
}

// Next blocks until either an item is available (returning it with a new
// Handle the caller must Release when done deriving further work from it),
// or the set is exhausted (ok=false), or ctx is cancelled (err != nil).
func (s *Set) Next(ctx context.Context) (handle *Handle, value storepath.StorePath, ok bool, err error) {
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
		case <-watchDone:
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.queue) == 0 && s.live > 0 {
		if ctx.Err() != nil {
			return nil, storepath.StorePath{}, false, ctx.Err()
		}
		s.cond.Wait()
	}

	if ctx.Err() != nil {
		return nil, storepath.StorePath{}, false, ctx.Err()
	}

	if len(s.queue) == 0 {
		return nil, storepath.StorePath{}, false, nil
	}

	it := s.queue[0]
	s.queue = s.queue[1:]
	delete(s.queuedKeys, it.key)
	s.seen[it.key] = struct{}{}
	s.live++

	return &Handle{set: s}, it.value, true, nil
}
