package protoclient

import (
	"sync"
	"testing"
	"time"
)

// the tests take mu around table access the way Client does
func TestPendingTableTake(t *testing.T) {
	var mu sync.Mutex
	table := newPendingTable()
	fired := make(chan *pendingCall, 1)

	mu.Lock()
	call := &pendingCall{key: 7, command: 7, cb: func(error, *Header, []byte) {}}
	table.add(call, 20*time.Millisecond, func(c *pendingCall) { fired <- c })
	if table.len() != 1 {
		t.Fatalf("expected 1 entry, got %d", table.len())
	}
	if got := table.take(7); got != call {
		t.Fatalf("take returned %v", got)
	}
	if table.take(7) != nil {
		t.Fatal("second take should find nothing")
	}
	mu.Unlock()

	select {
	case <-fired:
		t.Fatal("deadline fired after take")
	case <-time.After(60 * time.Millisecond):
	}
}

func TestPendingTableOverwrite(t *testing.T) {
	var mu sync.Mutex
	table := newPendingTable()
	expired := make(chan *pendingCall, 2)
	onTimeout := func(c *pendingCall) {
		mu.Lock()
		ok := table.expire(c)
		mu.Unlock()
		if ok {
			expired <- c
		}
	}

	mu.Lock()
	first := &pendingCall{key: 7}
	second := &pendingCall{key: 7}
	table.add(first, 20*time.Millisecond, onTimeout)
	if replaced := table.add(second, time.Hour, onTimeout); replaced != first {
		t.Fatalf("expected first call to be replaced, got %v", replaced)
	}
	if table.len() != 1 {
		t.Fatalf("expected a single entry per key, got %d", table.len())
	}
	mu.Unlock()

	select {
	case c := <-expired:
		if c != first {
			t.Fatal("wrong call expired")
		}
	case <-time.After(time.Second):
		t.Fatal("overwritten call never timed out")
	}

	mu.Lock()
	defer mu.Unlock()
	if table.len() != 1 {
		t.Fatalf("stale deadline removed the newer entry")
	}
	if table.take(7) != second {
		t.Fatal("newer call should still be registered")
	}
}

func TestPendingTableSettledOnce(t *testing.T) {
	table := newPendingTable()
	call := &pendingCall{key: 1}
	table.add(call, time.Hour, func(*pendingCall) {})

	if !table.cancel(call) {
		t.Fatal("cancel of a live call should succeed")
	}
	if table.expire(call) || table.cancel(call) {
		t.Fatal("settled call settled twice")
	}
	if table.len() != 0 {
		t.Fatalf("expected empty table, got %d", table.len())
	}
}

func TestPendingTableKeys(t *testing.T) {
	table := newPendingTable()
	for _, k := range []uint64{9, 3, 5} {
		table.add(&pendingCall{key: k}, time.Hour, func(*pendingCall) {})
	}
	keys := table.keys()
	if len(keys) != 3 || keys[0] != 3 || keys[1] != 5 || keys[2] != 9 {
		t.Errorf("unexpected keys %v", keys)
	}
	for _, k := range keys {
		table.take(k)
	}
}
