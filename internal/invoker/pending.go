package invoker

import (
	"sync"
	"time"

	"github.com/piwi3910/nebulafaas/internal/fabric"
	"github.com/piwi3910/nebulafaas/internal/protocol"
)

// invocation tracks the parts of one submission still awaiting a result.
// parts maps a worker slot to the part it carries.
type invocation struct {
	future  *Future
	parts   map[int]int
	started time.Time
	id      uint16
}

type postKey struct {
	wrid uint64
	qpn  uint32
}

type postRef struct {
	id   uint16
	slot int
}

// pendingTable is the invocation table. Ids are unique among outstanding
// invocations.
type pendingTable struct {
	entries map[uint16]*invocation
	posts   map[postKey]postRef
	// send completions that arrived before their post was tracked
	orphans map[postKey]fabric.WCStatus
	next    uint16
	mu      sync.Mutex
}

func newPendingTable() *pendingTable {
	return &pendingTable{
		entries: make(map[uint16]*invocation),
		posts:   make(map[postKey]postRef),
		orphans: make(map[postKey]fabric.WCStatus),
	}
}

func (t *pendingTable) register(slots []int, f *Future) (uint16, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for range 1 << 16 {
		id := t.next
		t.next++

		if _, busy := t.entries[id]; busy {
			continue
		}

		inv := &invocation{future: f, parts: make(map[int]int, len(slots)), started: time.Now(), id: id}
		for part, slot := range slots {
			inv.parts[slot] = part
		}

		t.entries[id] = inv

		return id, nil
	}

	return 0, ErrTooManyInvocations
}

// complete records slot's result for invocation id. It returns whether the
// slot was awaited and, if the invocation resolved, the finished record.
func (t *pendingTable) complete(id uint16, slot int, status protocol.Status, length int, err error) (bool, *invocation) {
	t.mu.Lock()
	defer t.mu.Unlock()

	inv, ok := t.entries[id]
	if !ok {
		return false, nil
	}

	part, ok := inv.parts[slot]
	if !ok {
		return false, nil
	}

	delete(inv.parts, slot)
	inv.future.part(part, status, length, err)

	if len(inv.parts) > 0 {
		return true, nil
	}

	delete(t.entries, id)
	inv.future.resolve()

	return true, inv
}

// track remembers which part a posted submission carries so a failed send
// completion can fail it. It reports a completion that already arrived.
func (t *pendingTable) track(key postKey, ref postRef) (fabric.WCStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if status, ok := t.orphans[key]; ok {
		delete(t.orphans, key)

		return status, true
	}

	t.posts[key] = ref

	return fabric.WCSuccess, false
}

// sent resolves a send completion to the part it carried. Completions for
// untracked posts are kept for track.
func (t *pendingTable) sent(key postKey, status fabric.WCStatus) (postRef, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ref, ok := t.posts[key]
	if ok {
		delete(t.posts, key)

		return ref, true
	}

	t.orphans[key] = status

	return postRef{}, false
}

// forget drops post tracking for a queue pair that is gone.
func (t *pendingTable) forget(qpn uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key := range t.posts {
		if key.qpn == qpn {
			delete(t.posts, key)
		}
	}

	for key := range t.orphans {
		if key.qpn == qpn {
			delete(t.orphans, key)
		}
	}
}

// awaiting returns the ids of invocations with a part on slot.
func (t *pendingTable) awaiting(slot int) []uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var ids []uint16

	for id, inv := range t.entries {
		if _, ok := inv.parts[slot]; ok {
			ids = append(ids, id)
		}
	}

	return ids
}

// ids returns every outstanding invocation id.
func (t *pendingTable) ids() []uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]uint16, 0, len(t.entries))
	for id := range t.entries {
		ids = append(ids, id)
	}

	return ids
}

// slots returns the slots invocation id still waits on.
func (t *pendingTable) slots(id uint16) []int {
	t.mu.Lock()
	defer t.mu.Unlock()

	inv, ok := t.entries[id]
	if !ok {
		return nil
	}

	slots := make([]int, 0, len(inv.parts))
	for slot := range inv.parts {
		slots = append(slots, slot)
	}

	return slots
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.entries)
}
