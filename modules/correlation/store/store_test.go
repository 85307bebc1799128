package store

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func set(side Side, uri string) Callback {
	return func(e *Entry) {
		e.Set(side, Endpoint{URI: uri, Timestamp: time.Now()})
	}
}

func TestStoreUpsert(t *testing.T) {
	const key = "Interaction/abc"

	var onCompletedCount, onExpireCount int
	si := NewStore(time.Hour, 1, countingCallback(&onCompletedCount), countingCallback(&onExpireCount))
	s := si.(*store)
	assert.Equal(t, 0, s.Len())

	e, err := s.Upsert(key, Producer, set(Producer, "/orders"))
	require.NoError(t, err)
	assert.False(t, e.IsCompleted())
	assert.Equal(t, 1, s.Len())

	// nothing expires with a ttl of 1h
	s.Expire()
	assert.Equal(t, 1, s.Len())

	e, err = s.Upsert(key, Consumer, set(Consumer, "/orders"))
	require.NoError(t, err)
	require.True(t, e.IsCompleted())
	assert.Equal(t, "/orders", e.Producer.URI)
	assert.Equal(t, key, e.Key())

	// completed entries leave the table
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, 1, onCompletedCount)
	assert.Equal(t, 0, onExpireCount)

	// the key is free again: a new arrival starts a new pending entry
	e, err = s.Upsert(key, Consumer, set(Consumer, "/orders"))
	require.NoError(t, err)
	assert.False(t, e.IsCompleted())
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, 1, onCompletedCount)
}

func TestStoreUpsert_sidePending(t *testing.T) {
	s := NewStore(time.Hour, 10, noopCallback, noopCallback)

	_, err := s.Upsert("k", Producer, set(Producer, "/a"))
	require.NoError(t, err)

	_, err = s.Upsert("k", Producer, set(Producer, "/b"))
	require.ErrorIs(t, err, ErrSidePending)
	assert.Equal(t, 1, s.Len())
}

func TestStoreUpsert_errTooManyItems(t *testing.T) {
	var onCallbackCounter int
	s := NewStore(time.Hour, 1, countingCallback(&onCallbackCounter), countingCallback(&onCallbackCounter))

	_, err := s.Upsert("key-1", Producer, set(Producer, "/a"))
	require.NoError(t, err)
	assert.Equal(t, 1, s.Len())

	_, err = s.Upsert("key-2", Producer, set(Producer, "/b"))
	require.ErrorIs(t, err, ErrTooManyItems)
	assert.Equal(t, 1, s.Len())

	// existing keys can still complete at capacity
	e, err := s.Upsert("key-1", Consumer, set(Consumer, "/a"))
	require.NoError(t, err)
	assert.True(t, e.IsCompleted())
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, 1, onCallbackCounter)
}

func TestStoreUpsert_evictsStaleAtCapacity(t *testing.T) {
	var onExpireCount int
	s := NewStore(-time.Second, 1, noopCallback, countingCallback(&onExpireCount))

	_, err := s.Upsert("key-1", Producer, noopCallback)
	require.NoError(t, err)
	_, err = s.Upsert("key-2", Producer, noopCallback)
	require.NoError(t, err)

	assert.Equal(t, 1, s.Len())
	assert.Equal(t, 1, onExpireCount)
}

func setClaimed(side Side, uri string, c *Claim) Callback {
	return func(e *Entry) {
		e.Set(side, Endpoint{URI: uri, Timestamp: time.Now(), Claim: c})
	}
}

func TestStoreUpsert_claimResolvesOnce(t *testing.T) {
	var onExpireCount int
	s := NewStore(time.Hour, 10, noopCallback, countingCallback(&onExpireCount))

	producer := NewClaim()
	for _, k := range []string{"k1", "k2"} {
		_, err := s.Upsert(k, Producer, setClaimed(Producer, "/a", producer))
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"k1", "k2"}, producer.Keys())

	e, err := s.Upsert("k1", Consumer, setClaimed(Consumer, "/a", NewClaim()))
	require.NoError(t, err)
	require.True(t, e.IsCompleted())
	assert.True(t, producer.Resolved())

	// the producer is stale under k2: a consumer there starts a new entry
	e, err = s.Upsert("k2", Consumer, setClaimed(Consumer, "/b", NewClaim()))
	require.NoError(t, err)
	assert.False(t, e.IsCompleted())
	assert.Nil(t, e.Producer)
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, 0, onExpireCount)
}

func TestStoreExpire_staleClaim(t *testing.T) {
	var expired []string
	s := NewStore(-time.Second, 10, noopCallback, func(e *Entry) {
		expired = append(expired, e.Key())
	})

	c := NewClaim()
	for _, k := range []string{"k1", "k2"} {
		_, err := s.Upsert(k, Producer, setClaimed(Producer, "/a", c))
		require.NoError(t, err)
	}

	// the first entry to expire resolves the claim, the second is stale
	s.Expire()
	assert.Equal(t, []string{"k1"}, expired)
	assert.Equal(t, 0, s.Len())
}

func TestStoreRelease(t *testing.T) {
	var onExpireCount int
	s := NewStore(-time.Second, 10, noopCallback, countingCallback(&onExpireCount))

	c := NewClaim()
	_, err := s.Upsert("k", Producer, setClaimed(Producer, "/a", c))
	require.NoError(t, err)

	// another claim leaves the entry alone
	s.Release("k", NewClaim())
	assert.Equal(t, 1, s.Len())

	s.Release("k", c)
	s.Release("missing", c)
	assert.Equal(t, 0, s.Len())

	s.Expire()
	assert.Equal(t, 0, onExpireCount)
}

func TestStoreExpire(t *testing.T) {
	const testSize = 100

	keys := map[string]bool{}
	for i := 0; i < testSize; i++ {
		keys[fmt.Sprintf("key-%d", i)] = true
	}

	var onCompletedCount int
	var mtx sync.Mutex
	expired := map[string]bool{}

	// new entries are immediately expired
	s := NewStore(-time.Second, testSize, countingCallback(&onCompletedCount), func(e *Entry) {
		mtx.Lock()
		expired[e.Key()] = true
		mtx.Unlock()
	})

	for key := range keys {
		_, err := s.Upsert(key, Producer, noopCallback)
		require.NoError(t, err)
	}

	s.Expire()
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, 0, onCompletedCount)
	assert.Equal(t, keys, expired)
}

func TestStore_concurrency(t *testing.T) {
	s := NewStore(10*time.Millisecond, 100000, noopCallback, noopCallback)

	end := make(chan struct{})
	var wg sync.WaitGroup

	accessor := func(f func()) {
		defer wg.Done()
		for {
			select {
			case <-end:
				return
			default:
				f()
			}
		}
	}

	letters := []rune("abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ")
	upsert := func(side Side) func() {
		return func() {
			key := make([]rune, 3)
			for i := range key {
				key[i] = letters[rand.Intn(len(letters))]
			}
			_, err := s.Upsert(string(key), side, set(side, string(key)))
			if err != nil {
				assert.ErrorIs(t, err, ErrSidePending)
			}
		}
	}

	wg.Add(3)
	go accessor(upsert(Producer))
	go accessor(upsert(Consumer))
	go accessor(s.Expire)

	time.Sleep(100 * time.Millisecond)
	close(end)
	wg.Wait()
}

func BenchmarkStoreUpsert(b *testing.B) {
	s := NewStore(10*time.Millisecond, 1e9, noopCallback, noopCallback)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, err := s.Upsert(fmt.Sprintf("key-%d", i), Producer, noopCallback)
		require.NoError(b, err)
	}
}

func noopCallback(_ *Entry) {
}

func countingCallback(counter *int) func(*Entry) {
	return func(_ *Entry) {
		*counter++
	}
}
