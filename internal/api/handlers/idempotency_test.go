package handlers

import (
	"sync"
	"testing"
)

func TestKeyLocksEvictedWhenIdle(t *testing.T) {
	h := &Handlers{idemLocks: make(map[string]*keyLock)}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l := h.acquireKey("k1")
			h.releaseKey("k1", l)
		}()
	}
	l := h.acquireKey("k2")
	h.releaseKey("k2", l)
	wg.Wait()

	h.idemMu.Lock()
	defer h.idemMu.Unlock()
	if len(h.idemLocks) != 0 {
		t.Errorf("lock map holds %d entries after all requests finished, want 0", len(h.idemLocks))
	}
}

func TestKeyLockSerializesSameKey(t *testing.T) {
	h := &Handlers{idemLocks: make(map[string]*keyLock)}

	inside := 0
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l := h.acquireKey("shared")
			inside++
			if inside != 1 {
				t.Error("two holders inside the same key's critical section")
			}
			inside--
			h.releaseKey("shared", l)
		}()
	}
	wg.Wait()
}
