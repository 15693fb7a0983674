package locking

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTreeLocksSerialiseSameKey(t *testing.T) {
	t.Parallel()
	locks := newTreeLocks()

	release := locks.acquire("/trial/A")

	acquired := make(chan func())
	go func() {
		acquired <- locks.acquire("/trial/A")
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire of the same tree did not block")
	case <-time.After(50 * time.Millisecond):
	}

	// Other trees are independent.
	releaseOther := locks.acquire("/trial/E")
	assert.Equal(t, 2, locks.size())
	releaseOther()

	release()
	select {
	case releaseSecond := <-acquired:
		releaseSecond()
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken")
	}
	assert.Zero(t, locks.size())
}
