package store

import "sync"

// claimMtx guards every claim. Claims span shards, so it is taken inside a
// shard lock and never the other way round.
var claimMtx sync.Mutex

// Claim ties together the entries one endpoint is pending under when it
// carries several correlation keys. The first entry to complete or expire
// resolves the claim; the endpoint's other entries are then stale.
type Claim struct {
	keys     []string
	resolved bool
}

func NewClaim() *Claim {
	return &Claim{}
}

func (c *Claim) addKey(k string) {
	claimMtx.Lock()
	defer claimMtx.Unlock()

	c.keys = append(c.keys, k)
}

// Keys returns the keys the endpoint was recorded under.
func (c *Claim) Keys() []string {
	if c == nil {
		return nil
	}

	claimMtx.Lock()
	defer claimMtx.Unlock()

	return append([]string(nil), c.keys...)
}

func (c *Claim) Resolved() bool {
	if c == nil {
		return false
	}

	claimMtx.Lock()
	defer claimMtx.Unlock()

	return c.resolved
}

// stale reports whether ep was already resolved under another key.
//
// Must be called with claimMtx held.
func stale(ep *Endpoint) bool {
	return ep != nil && ep.Claim != nil && ep.Claim.resolved
}

// resolve marks the claim of ep resolved.
//
// Must be called with claimMtx held.
func resolve(ep *Endpoint) {
	if ep != nil && ep.Claim != nil {
		ep.Claim.resolved = true
	}
}
