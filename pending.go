package protoclient

import (
	"sort"
	"time"
)

// Callback receives either err, or the header and payload of the matching response.
type Callback func(err error, h *Header, payload []byte)

type pendingCall struct {
	key      uint64
	command  uint16
	sequence uint32
	cb       Callback
	timer    *time.Timer
	// settled once taken by a response, expired or cancelled
	settled bool
}

// pendingTable holds at most one call per correlation key.
// Not goroutine safe, guarded by the owning Client's mutex.
type pendingTable struct {
	calls map[uint64]*pendingCall
}

func newPendingTable() *pendingTable {
	return &pendingTable{calls: make(map[uint64]*pendingCall)}
}

// add registers call under call.key and arms its deadline, onTimeout runs on the timer goroutine.
// An existing call for the same key is overwritten and returned: no response can reach it
// anymore, but its own deadline keeps running so it still times out.
func (t *pendingTable) add(call *pendingCall, timeout time.Duration, onTimeout func(*pendingCall)) (replaced *pendingCall) {
	replaced = t.calls[call.key]
	call.timer = time.AfterFunc(timeout, func() {
		onTimeout(call)
	})
	t.calls[call.key] = call
	return
}

// take removes the call for key and stops its deadline.
func (t *pendingTable) take(key uint64) *pendingCall {
	call, ok := t.calls[key]
	if !ok {
		return nil
	}
	delete(t.calls, key)
	call.timer.Stop()
	call.settled = true
	return call
}

// expire settles call on deadline. It reports false if the call was settled already.
// The table entry is only removed while it still belongs to call.
func (t *pendingTable) expire(call *pendingCall) bool {
	if call.settled {
		return false
	}
	call.settled = true
	if t.calls[call.key] == call {
		delete(t.calls, call.key)
	}
	return true
}

// cancel settles call without a result.
func (t *pendingTable) cancel(call *pendingCall) bool {
	if call.settled {
		return false
	}
	call.settled = true
	call.timer.Stop()
	if t.calls[call.key] == call {
		delete(t.calls, call.key)
	}
	return true
}

func (t *pendingTable) len() int {
	return len(t.calls)
}

func (t *pendingTable) keys() []uint64 {
	keys := make([]uint64, 0, len(t.calls))
	for k := range t.calls {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
