package syncutil

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestShardedMutex_BasicLockUnlock(t *testing.T) {
	var m ShardedMutex
	unlock := m.Lock("sub-1")
	unlock()
}

func TestShardedMutex_MutualExclusion(t *testing.T) {
	var m ShardedMutex

	var counter int64
	var wg sync.WaitGroup
	const n = 100

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			unlock := m.Lock("sub-42")
			defer unlock()
			// Non-atomic increment — if mutual exclusion is broken, this will be visible.
			v := atomic.LoadInt64(&counter)
			atomic.StoreInt64(&counter, v+1)
		}()
	}
	wg.Wait()

	if atomic.LoadInt64(&counter) != n {
		t.Fatalf("expected %d, got %d — mutual exclusion violated", n, atomic.LoadInt64(&counter))
	}
}

func TestShardedMutex_SameKeySameShard(t *testing.T) {
	var m ShardedMutex
	if m.shard("sub-7") != m.shard("sub-7") {
		t.Fatal("same key must map to the same shard")
	}
}
