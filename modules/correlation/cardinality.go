package correlation

import (
	"sync"
	"time"

	hll "github.com/axiomhq/hyperloglog"
	"github.com/cespare/xxhash/v2"
	"github.com/go-kit/log/level"

	"github.com/grafana/btm/pkg/util/log"
)

const cardinalityPrecision = 14

// uriCardinality estimates distinct unbound URIs over a sliding window. The
// window is a ring of sketches; advance drops the oldest one.
type uriCardinality struct {
	mu       sync.Mutex
	bucket   time.Duration
	sketches []*hll.Sketch
	cur      int
	lastFlip time.Time
}

func newURICardinality(window time.Duration, buckets int) *uriCardinality {
	if buckets < 1 {
		buckets = 1
	}
	if window <= 0 {
		window = time.Minute
	}

	// one extra sketch keeps entries resident for the full window
	c := &uriCardinality{
		bucket:   window / time.Duration(buckets),
		sketches: make([]*hll.Sketch, buckets+1),
		lastFlip: time.Now(),
	}
	for i := range c.sketches {
		c.sketches[i] = newSketch()
	}
	return c
}

func newSketch() *hll.Sketch {
	sk, err := hll.NewSketch(cardinalityPrecision, true)
	if err != nil {
		return hll.New()
	}
	return sk
}

func (c *uriCardinality) insert(uri string) {
	c.mu.Lock()
	c.sketches[c.cur].InsertHash(xxhash.Sum64String(uri))
	c.mu.Unlock()
}

func (c *uriCardinality) estimate() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	acc := newSketch()
	for _, sk := range c.sketches {
		_ = acc.Merge(sk)
	}
	return acc.Estimate()
}

// advance rotates the ring once per elapsed bucket.
func (c *uriCardinality) advance(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.bucket <= 0 {
		return
	}
	steps := int(now.Sub(c.lastFlip) / c.bucket)
	if steps <= 0 {
		return
	}
	if steps > len(c.sketches) {
		steps = len(c.sketches)
	}
	for i := 0; i < steps; i++ {
		c.cur = (c.cur + 1) % len(c.sketches)
		c.sketches[c.cur] = newSketch()
	}
	c.lastFlip = c.lastFlip.Add(time.Duration(steps) * c.bucket)
	if now.Sub(c.lastFlip) > c.bucket {
		c.lastFlip = now
	}

	level.Debug(log.Logger).Log("msg", "unbound uri cardinality advanced", "steps", steps)
}
