package ledger

import (
	"sync"
	"testing"
	"time"
)

func TestOwnerLocks_AcquireRelease(t *testing.T) {
	ol := newOwnerLocks()

	if !ol.acquire("owner-1", time.Millisecond) {
		t.Fatal("first acquire should succeed")
	}
	if ol.acquire("owner-1", 10*time.Millisecond) {
		t.Fatal("second acquire should time out while held")
	}
	ol.release("owner-1")
	if !ol.acquire("owner-1", time.Millisecond) {
		t.Fatal("acquire after release should succeed")
	}
}

func TestOwnerLocks_IndependentOwners(t *testing.T) {
	ol := newOwnerLocks()

	if !ol.acquire("owner-1", time.Millisecond) {
		t.Fatal("acquire owner-1 should succeed")
	}
	if !ol.acquire("owner-2", time.Millisecond) {
		t.Fatal("owner-2 must not contend with owner-1")
	}
}

func TestOwnerLocks_WaitersProceedAfterRelease(t *testing.T) {
	ol := newOwnerLocks()
	ol.acquire("owner-1", time.Millisecond)

	var wg sync.WaitGroup
	wg.Add(1)
	acquired := make(chan bool, 1)
	go func() {
		defer wg.Done()
		acquired <- ol.acquire("owner-1", time.Second)
	}()

	time.Sleep(10 * time.Millisecond)
	ol.release("owner-1")
	wg.Wait()

	if !<-acquired {
		t.Fatal("waiter should acquire after release")
	}
}

func TestOwnerLocks_ReleaseWithoutAcquireIsSafe(t *testing.T) {
	ol := newOwnerLocks()
	ol.release("never-held")

	if !ol.acquire("never-held", time.Millisecond) {
		t.Fatal("acquire should succeed after spurious release")
	}
}
