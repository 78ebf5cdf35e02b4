package executor

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/piwi3910/nebulafaas/internal/protocol"
)

// Function runs one invocation. It reads its arguments from in, writes its
// result into out and returns the number of bytes written. A result that does
// not fit must be reported with ErrOutputOverflow.
type Function func(in, out []byte) (int, error)

// FunctionTable maps function ids to functions. Ids are assigned in
// registration order, so clients learn them from the setup message.
type FunctionTable struct {
	byName map[string]uint16
	names  []string
	fns    []Function
	mu     sync.RWMutex
}

// NewFunctionTable creates an empty table.
func NewFunctionTable() *FunctionTable {
	return &FunctionTable{byName: make(map[string]uint16)}
}

// Register adds fn under name and returns its id.
func (t *FunctionTable) Register(name string, fn Function) (uint16, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.byName[name]; exists {
		return 0, fmt.Errorf("%w: %s", ErrDuplicateFunction, name)
	}

	if len(t.fns) > protocol.MaxFunctionID {
		return 0, ErrTooManyFunctions
	}

	id := uint16(len(t.fns))
	t.fns = append(t.fns, fn)
	t.names = append(t.names, name)
	t.byName[name] = id

	return id, nil
}

// Lookup resolves an id.
func (t *FunctionTable) Lookup(id uint16) (Function, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if int(id) >= len(t.fns) {
		return nil, false
	}

	return t.fns[id], true
}

// ID resolves a name.
func (t *FunctionTable) ID(name string) (uint16, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	id, ok := t.byName[name]

	return id, ok
}

// Names returns function names indexed by id.
func (t *FunctionTable) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return append([]string(nil), t.names...)
}

// Len returns the number of registered functions.
func (t *FunctionTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.fns)
}

// RegisterBuiltins adds noop, echo, reverse and sum64.
func RegisterBuiltins(t *FunctionTable) error {
	builtins := []struct {
		fn   Function
		name string
	}{
		{name: "noop", fn: Noop},
		{name: "echo", fn: Echo},
		{name: "reverse", fn: Reverse},
		{name: "sum64", fn: Sum64},
	}

	for _, b := range builtins {
		if _, err := t.Register(b.name, b.fn); err != nil {
			return err
		}
	}

	return nil
}

// Noop returns an empty result.
func Noop(_, _ []byte) (int, error) { return 0, nil }

// Echo returns its input.
func Echo(in, out []byte) (int, error) {
	if len(in) > len(out) {
		return 0, ErrOutputOverflow
	}

	return copy(out, in), nil
}

// Reverse returns its input byte-reversed.
func Reverse(in, out []byte) (int, error) {
	if len(in) > len(out) {
		return 0, ErrOutputOverflow
	}

	for i, b := range in {
		out[len(in)-1-i] = b
	}

	return len(in), nil
}

// Sum64 treats its input as little-endian uint64 values and returns their
// wrapping sum. Trailing bytes that do not form a full value are ignored.
func Sum64(in, out []byte) (int, error) {
	if len(out) < 8 {
		return 0, ErrOutputOverflow
	}

	var sum uint64
	for off := 0; off+8 <= len(in); off += 8 {
		sum += binary.LittleEndian.Uint64(in[off:])
	}

	binary.LittleEndian.PutUint64(out, sum)

	return 8, nil
}
