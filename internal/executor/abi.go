package executor

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"
)

// readGuestBytes copies length bytes out of the module's linear memory
// starting at ptr. The returned slice is a copy: wazero's Memory.Read
// aliases the live buffer, and host code must never retain a reference
// across a call the guest could still mutate.
func readGuestBytes(module api.Module, ptr, length uint32) ([]byte, bool) {
	data, ok := module.Memory().Read(ptr, length)
	if !ok {
		return nil, false
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, true
}

func readGuestString(module api.Module, ptr, length uint32) (string, bool) {
	data, ok := readGuestBytes(module, ptr, length)
	if !ok {
		return "", false
	}
	return string(data), true
}

// writeGuestBytes asks the guest's exported "alloc" function for a
// buffer large enough to hold data, writes data into it, and returns the
// destination pointer. Guests that export neither arity of alloc cannot
// receive host-returned byte payloads; such calls return ok=false and
// the capability surfaces an empty result instead of failing outright.
func writeGuestBytes(ctx context.Context, module api.Module, data []byte) (uint32, bool) {
	if len(data) == 0 {
		return 0, true
	}
	alloc := module.ExportedFunction("alloc")
	if alloc == nil {
		return 0, false
	}
	results, err := alloc.Call(ctx, uint64(len(data)))
	if err != nil || len(results) == 0 {
		return 0, false
	}
	destPtr := uint32(results[0])
	if !module.Memory().Write(destPtr, data) {
		return 0, false
	}
	return destPtr, true
}

// packPtrLen encodes a (ptr,len) pair into the single uint64 return
// value wazero host functions use to hand a buffer location back to the
// guest: high 32 bits are the pointer, low 32 bits are the length. A
// zero-length buffer with ptr 0 is what the guest sees both for an
// absent value and for a present, empty one; no host call tells the
// two apart.
func packPtrLen(ptr, length uint32) uint64 {
	return uint64(ptr)<<32 | uint64(length)
}

func mustExportedFunction(module api.Module, name string) (api.Function, error) {
	fn := module.ExportedFunction(name)
	if fn == nil {
		return nil, fmt.Errorf("executor: module has no exported function %q", name)
	}
	return fn, nil
}
