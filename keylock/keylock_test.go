package keylock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func held(l *Locks) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func TestLockSerializesSameKey(t *testing.T) {
	var l Locks
	var wg sync.WaitGroup
	counter := 0

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.Lock("press-1")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, counter)
	assert.Zero(t, held(&l), "entries are released once unused")
}

func TestLockDifferentKeysIndependent(t *testing.T) {
	var l Locks
	unlockA := l.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := l.Lock("b")
		unlock()
		close(done)
	}()
	<-done
	assert.Equal(t, 1, held(&l))
}

func TestLockAllDeduplicatesAndOrders(t *testing.T) {
	var l Locks
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			l.LockAll([]string{"x", "y", "x"})()
		}()
		go func() {
			defer wg.Done()
			l.LockAll([]string{"y", "x"})()
		}()
	}
	wg.Wait()
	assert.Zero(t, held(&l))
}
