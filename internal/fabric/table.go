package fabric

import (
	"sync"
)

// Handle names a connection in a ConnectionTable. The low 16 bits are the
// slot index and the rest a generation, so a stale handle never resolves to
// a connection that later reused the slot.
type Handle uint32

// InvalidHandle never refers to a connection.
const InvalidHandle Handle = 0

func (h Handle) index() int  { return int(h & 0xffff) }
func (h Handle) gen() uint32 { return uint32(h >> 16) }

func makeHandle(gen uint32, index int) Handle {
	return Handle(gen<<16 | uint32(index))
}

const maxTableSlots = 1 << 16

type tableSlot struct {
	conn *Connection
	gen  uint32
}

// ConnectionTable is an arena of connections addressed by small handles,
// with a secondary index by queue pair number for demultiplexing shared
// completion queues.
type ConnectionTable struct {
	slots []tableSlot
	free  []int
	byQPN map[uint32]Handle
	mu    sync.RWMutex
}

// NewConnectionTable creates an empty table.
func NewConnectionTable() *ConnectionTable {
	return &ConnectionTable{byQPN: make(map[uint32]Handle)}
}

// Insert adds conn and returns its handle.
func (t *ConnectionTable) Insert(conn *Connection) (Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var idx int

	if n := len(t.free); n > 0 {
		idx = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		if len(t.slots) >= maxTableSlots {
			return InvalidHandle, ErrQueueFull
		}

		idx = len(t.slots)
		t.slots = append(t.slots, tableSlot{})
	}

	slot := &t.slots[idx]
	slot.gen++
	// Generation 0 is reserved so slot 0 never yields InvalidHandle.
	if slot.gen&0xffff == 0 {
		slot.gen++
	}

	slot.conn = conn

	h := makeHandle(slot.gen, idx)
	t.byQPN[conn.QPNum()] = h

	return h, nil
}

// Get resolves a handle.
func (t *ConnectionTable) Get(h Handle) (*Connection, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.get(h)
}

func (t *ConnectionTable) get(h Handle) (*Connection, bool) {
	idx := h.index()
	if h == InvalidHandle || idx >= len(t.slots) {
		return nil, false
	}

	slot := t.slots[idx]
	if slot.conn == nil || slot.gen&0xffff != h.gen() {
		return nil, false
	}

	return slot.conn, true
}

// LookupQPN finds the connection that owns queue pair number qpn.
func (t *ConnectionTable) LookupQPN(qpn uint32) (Handle, *Connection, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	h, ok := t.byQPN[qpn]
	if !ok {
		return InvalidHandle, nil, false
	}

	conn, ok := t.get(h)

	return h, conn, ok
}

// Remove drops the handle. It does not close the connection.
func (t *ConnectionTable) Remove(h Handle) (*Connection, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	conn, ok := t.get(h)
	if !ok {
		return nil, false
	}

	t.slots[h.index()].conn = nil
	t.free = append(t.free, h.index())
	delete(t.byQPN, conn.QPNum())

	return conn, true
}

// Len returns the number of live entries.
func (t *ConnectionTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.byQPN)
}

// Range calls fn for every live entry until fn returns false. fn runs
// without the table lock held.
func (t *ConnectionTable) Range(fn func(Handle, *Connection) bool) {
	type entry struct {
		conn *Connection
		h    Handle
	}

	t.mu.RLock()
	entries := make([]entry, 0, len(t.byQPN))

	for idx, slot := range t.slots {
		if slot.conn != nil {
			entries = append(entries, entry{h: makeHandle(slot.gen, idx), conn: slot.conn})
		}
	}
	t.mu.RUnlock()

	for _, e := range entries {
		if !fn(e.h, e.conn) {
			return
		}
	}
}

// CloseAll closes and removes every connection.
func (t *ConnectionTable) CloseAll() {
	t.Range(func(h Handle, conn *Connection) bool {
		conn.Close()
		t.Remove(h)

		return true
	})
}
