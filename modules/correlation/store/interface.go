package store

type Callback func(e *Entry)

// Store is the matching table of the correlation engine.
type Store interface {
	// Upsert records side of the entry under key. When the opposite side is
	// already pending the entry completes: it is removed from the store and
	// returned with both sides set.
	Upsert(key string, side Side, cb Callback) (*Entry, error)
	// Release drops the side of key held by c without reporting it expired.
	Release(key string, c *Claim)
	// Expire evicts all expired entries from the store.
	Expire()
	// Len is the number of pending entries.
	Len() int
}
