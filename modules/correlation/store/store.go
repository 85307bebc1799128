package store

import (
	"container/list"
	"errors"
	"sync"
	"time"
)

var (
	ErrTooManyItems = errors.New("too many items")
	// ErrSidePending is returned when the same side of a key is already waiting for its partner.
	ErrSidePending = errors.New("side already pending")
)

var _ Store = (*store)(nil)

// store keeps pending entries in arrival order. All entries share one ttl, so
// expired entries are always at the head of the list.
type store struct {
	l   *list.List
	mtx sync.RWMutex
	m   map[string]*list.Element

	onComplete Callback
	onExpire   Callback
	ttl        time.Duration
	maxItems   int
}

func NewStore(ttl time.Duration, maxItems int, onComplete, onExpire Callback) Store {
	return &store{
		l: list.New(),
		m: make(map[string]*list.Element),

		onComplete: onComplete,
		onExpire:   onExpire,
		ttl:        ttl,
		maxItems:   maxItems,
	}
}

func (s *store) Len() int {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	return s.l.Len()
}

// shouldEvictHead reports whether the oldest entry has expired.
//
// Must be called under lock.
func (s *store) shouldEvictHead() bool {
	h := s.l.Front()
	if h == nil {
		return false
	}
	return h.Value.(*Entry).IsExpired()
}

// evict removes ele from the list and map.
//
// Must be called under lock.
func (s *store) evict(ele *list.Element) *Entry {
	e := ele.Value.(*Entry)
	delete(s.m, e.key)
	s.l.Remove(ele)
	return e
}

// Upsert inserts a pending entry or completes the existing one. Matching and
// removal happen under the same lock, so an entry completes at most once and a
// later arrival with the same key starts a new pending entry. Sides already
// resolved under another key are ignored.
func (s *store) Upsert(k string, side Side, cb Callback) (*Entry, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if ele, ok := s.m[k]; ok {
		e := ele.Value.(*Entry)
		if !e.pruneStale() {
			return s.update(ele, side, cb)
		}
		s.evict(ele)
	}

	if s.l.Len() >= s.maxItems {
		// make room if the head is stale before giving up
		if !s.shouldEvictHead() {
			return nil, ErrTooManyItems
		}
		s.expireLocked()
	}

	e := newEntry(k, s.ttl)
	cb(e)
	s.m[k] = s.l.PushBack(e)

	return e, nil
}

// update records side on an existing entry.
//
// Must be called under lock.
func (s *store) update(ele *list.Element, side Side, cb Callback) (*Entry, error) {
	e := ele.Value.(*Entry)
	if e.has(side) {
		return nil, ErrSidePending
	}

	cb(e)
	if e.IsCompleted() && e.complete() {
		s.evict(ele)
		if s.onComplete != nil {
			s.onComplete(e)
		}
	}
	return e, nil
}

// Release drops the side of key held by claim c, evicting the entry when no
// side is left. It does not report the side as expired.
func (s *store) Release(k string, c *Claim) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	ele, ok := s.m[k]
	if !ok {
		return
	}
	e := ele.Value.(*Entry)
	if e.release(c) && e.empty() {
		s.evict(ele)
	}
}

// Expire evicts all expired entries in the store.
func (s *store) Expire() {
	s.mtx.RLock()
	if !s.shouldEvictHead() {
		s.mtx.RUnlock()
		return
	}
	s.mtx.RUnlock()

	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.expireLocked()
}

func (s *store) expireLocked() {
	for s.shouldEvictHead() {
		e := s.evict(s.l.Front())
		if e.expire() && s.onExpire != nil {
			s.onExpire(e)
		}
	}
}
