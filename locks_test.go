package larder

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestKeyedMutex_SerializesPerKey(t *testing.T) {
	km := newKeyedMutex()

	var (
		wg      sync.WaitGroup
		active  atomic.Int32
		overlap atomic.Bool
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("tacos")
			if active.Add(1) > 1 {
				overlap.Store(true)
			}
			active.Add(-1)
			unlock()
		}()
	}
	wg.Wait()

	if overlap.Load() {
		t.Error("two holders of the same key ran at once")
	}
	if n := km.size(); n != 0 {
		t.Errorf("size after release = %d, want 0", n)
	}
}

func TestKeyedMutex_IndependentKeys(t *testing.T) {
	km := newKeyedMutex()

	unlockA := km.Lock("a")
	done := make(chan struct{})
	go func() {
		unlock := km.Lock("b")
		unlock()
		close(done)
	}()
	<-done

	if n := km.size(); n != 1 {
		t.Errorf("size while a is held = %d, want 1", n)
	}
	unlockA()
	if n := km.size(); n != 0 {
		t.Errorf("size after release = %d, want 0", n)
	}
}
