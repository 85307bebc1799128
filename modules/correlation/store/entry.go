package store

import (
	"time"
)

type Side int

const (
	Unknown Side = iota
	Producer
	Consumer
)

func (s Side) String() string {
	switch s {
	case Producer:
		return "producer"
	case Consumer:
		return "consumer"
	default:
		return "unknown"
	}
}

// Endpoint is one side of a correlated call.
type Endpoint struct {
	TenantID            string
	BusinessTransaction string
	TransactionID       string
	URI                 string
	EndpointType        string
	HostName            string
	Timestamp           time.Time

	// Claim is shared by every entry the endpoint is pending under. It may be nil.
	Claim *Claim
}

// Entry is a pending or completed pair of endpoints sharing a correlation key.
type Entry struct {
	key string

	Producer *Endpoint
	Consumer *Endpoint

	// expiration is the unix nano timestamp at which the entry is evicted as unbound.
	expiration int64
}

func newEntry(key string, ttl time.Duration) *Entry {
	return &Entry{
		key:        key,
		expiration: time.Now().Add(ttl).UnixNano(),
	}
}

func (e *Entry) Key() string {
	return e.key
}

// Set stores ep as the given side.
func (e *Entry) Set(side Side, ep Endpoint) {
	switch side {
	case Producer:
		e.Producer = &ep
	case Consumer:
		e.Consumer = &ep
	}
	if ep.Claim != nil {
		ep.Claim.addKey(e.key)
	}
}

func (e *Entry) empty() bool {
	return e.Producer == nil && e.Consumer == nil
}

// prune drops sides resolved under another key and reports whether it
// dropped any.
//
// Must be called with claimMtx held.
func (e *Entry) prune() bool {
	pruned := false
	if stale(e.Producer) {
		e.Producer, pruned = nil, true
	}
	if stale(e.Consumer) {
		e.Consumer, pruned = nil, true
	}
	return pruned
}

// pruneStale drops sides resolved under another key. It reports whether the
// entry only held stale sides.
func (e *Entry) pruneStale() bool {
	claimMtx.Lock()
	defer claimMtx.Unlock()

	return e.prune() && e.empty()
}

// complete resolves both claims of a completed entry. It fails, leaving the
// claims untouched, when a side was resolved under another key meanwhile.
func (e *Entry) complete() bool {
	claimMtx.Lock()
	defer claimMtx.Unlock()

	e.prune()
	if !e.IsCompleted() {
		return false
	}
	resolve(e.Producer)
	resolve(e.Consumer)
	return true
}

// expire resolves the claim of the pending side. It reports false when the
// entry only held sides resolved under another key.
func (e *Entry) expire() bool {
	claimMtx.Lock()
	defer claimMtx.Unlock()

	if e.prune() && e.empty() {
		return false
	}
	resolve(e.Producer)
	resolve(e.Consumer)
	return true
}

// release drops the side holding claim c and reports whether it did.
func (e *Entry) release(c *Claim) bool {
	switch {
	case e.Producer != nil && e.Producer.Claim == c:
		e.Producer = nil
	case e.Consumer != nil && e.Consumer.Claim == c:
		e.Consumer = nil
	default:
		return false
	}
	return true
}

func (e *Entry) has(side Side) bool {
	switch side {
	case Producer:
		return e.Producer != nil
	case Consumer:
		return e.Consumer != nil
	}
	return false
}

// Opposite returns the endpoint on the other side of side.
func (e *Entry) Opposite(side Side) *Endpoint {
	if side == Producer {
		return e.Consumer
	}
	return e.Producer
}

// IsCompleted reports whether both sides arrived.
func (e *Entry) IsCompleted() bool {
	return e.Producer != nil && e.Consumer != nil
}

func (e *Entry) IsExpired() bool {
	return time.Now().UnixNano() >= e.expiration
}
