package livetraces

import (
	"time"

	"github.com/cespare/xxhash/v2"
)

// PushResult is the outcome of a push.
type PushResult int

const (
	Pushed PushResult = iota
	Duplicate
	TooManyTraces
)

type LiveTrace[T any] struct {
	ID        string
	timestamp time.Time
	Batches   []T

	keys map[string]struct{}
	sz   uint64
}

// LiveTraces buffers the batches of traces that are still receiving data.
// It is not safe for concurrent use.
type LiveTraces[T any] struct {
	Traces map[uint64]*LiveTrace[T]

	sz      uint64
	szFunc  func(T) uint64
	keyFunc func(T) string
}

// New creates live traces. keyFunc identifies a batch within its trace; a batch
// whose key was already pushed is dropped. An empty key is never deduplicated.
func New[T any](sizeFunc func(T) uint64, keyFunc func(T) string) *LiveTraces[T] {
	return &LiveTraces[T]{
		Traces:  make(map[uint64]*LiveTrace[T]),
		szFunc:  sizeFunc,
		keyFunc: keyFunc,
	}
}

func (l *LiveTraces[T]) token(traceID string) uint64 {
	return xxhash.Sum64String(traceID)
}

// Size is the summed size of the trace's batches.
func (t *LiveTrace[T]) Size() uint64 {
	return t.sz
}

// Get returns the live trace with the given id.
func (l *LiveTraces[T]) Get(traceID string) (*LiveTrace[T], bool) {
	tr, ok := l.Traces[l.token(traceID)]
	return tr, ok
}

func (l *LiveTraces[T]) Len() uint64 {
	return uint64(len(l.Traces))
}

func (l *LiveTraces[T]) Size() uint64 {
	return l.sz
}

func (l *LiveTraces[T]) Push(traceID string, batch T, max uint64) PushResult {
	return l.PushWithTimestamp(time.Now(), traceID, batch, max)
}

func (l *LiveTraces[T]) PushWithTimestamp(ts time.Time, traceID string, batch T, max uint64) PushResult {
	token := l.token(traceID)

	tr := l.Traces[token]
	if tr == nil {
		// Zero means no limit
		if max > 0 && uint64(len(l.Traces)) >= max {
			return TooManyTraces
		}

		tr = &LiveTrace[T]{
			ID:   traceID,
			keys: map[string]struct{}{},
		}
		l.Traces[token] = tr
	}

	if l.keyFunc != nil {
		if key := l.keyFunc(batch); key != "" {
			if _, ok := tr.keys[key]; ok {
				return Duplicate
			}
			tr.keys[key] = struct{}{}
		}
	}

	sz := l.szFunc(batch)
	tr.sz += sz
	l.sz += sz

	tr.Batches = append(tr.Batches, batch)
	tr.timestamp = ts
	return Pushed
}

// CutIdle removes and returns the traces that received nothing since idleSince,
// or all traces when immediate is set.
func (l *LiveTraces[T]) CutIdle(idleSince time.Time, immediate bool) []*LiveTrace[T] {
	res := []*LiveTrace[T]{}

	for k, tr := range l.Traces {
		if tr.timestamp.Before(idleSince) || immediate {
			res = append(res, tr)
			l.sz -= tr.sz
			delete(l.Traces, k)
		}
	}

	return res
}
