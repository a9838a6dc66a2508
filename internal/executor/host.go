package executor

import (
	"context"
	"encoding/binary"
	"log/slog"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/obelisk/plaid/internal/capability"
)

// callSlot holds the invocation currently bound to a host-module
// instance. Exactly one invocation owns an instance at a time (the pool
// never hands out a checked-out instance twice), so swapping the slot
// under mu before each Invoke and clearing it after is race-free.
type callSlot struct {
	mu  sync.Mutex
	ctx context.Context
	inv *capability.Invocation
}

func (s *callSlot) bind(ctx context.Context, inv *capability.Invocation) {
	s.mu.Lock()
	s.ctx = ctx
	s.inv = inv
	s.mu.Unlock()
}

func (s *callSlot) current() (context.Context, *capability.Invocation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx, s.inv
}

// slotRegistry maps a live guest instance's wazero module name to the
// callSlot tracking which invocation currently owns it. Host functions
// receive the calling guest's api.Module, never the host module itself,
// so looking the slot up by module.Name() recovers per-instance state
// without needing per-module closures at registration time.
type slotRegistry struct {
	mu    sync.Mutex
	slots map[string]*callSlot
}

func newSlotRegistry() *slotRegistry {
	return &slotRegistry{slots: make(map[string]*callSlot)}
}

func (r *slotRegistry) register(name string) *callSlot {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot := &callSlot{}
	r.slots[name] = slot
	return slot
}

func (r *slotRegistry) unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.slots, name)
}

func (r *slotRegistry) forModule(module api.Module) *callSlot {
	r.mu.Lock()
	slot, ok := r.slots[module.Name()]
	r.mu.Unlock()
	if !ok {
		return &callSlot{}
	}
	return slot
}

// buildHostModule registers the capability surface a rule module may
// import, built with wazero's NewHostModuleBuilder /
// readGuestString / alloc-write-back idiom.
// One host module instance is shared by every rule instance the runtime
// compiles; host functions read the invocation currently bound to the
// calling module via its callSlot.
func buildHostModule(ctx context.Context, runtime wazero.Runtime, registry *capability.Registry, logger *slog.Logger, slots *slotRegistry) error {
	builder := runtime.NewHostModuleBuilder("plaid")

	builder.NewFunctionBuilder().WithFunc(func(ctx context.Context, module api.Module, msgPtr, msgLen uint32) {
		slot := slots.forModule(module)
		_, inv := slot.current()
		if inv == nil {
			return
		}
		msg, ok := readGuestString(module, msgPtr, msgLen)
		if !ok {
			return
		}
		registry.PrintDebugString(inv, msg)
	}).Export("debug_print")

	builder.NewFunctionBuilder().WithFunc(func(ctx context.Context, module api.Module) uint64 {
		slot := slots.forModule(module)
		callCtx, inv := slot.current()
		if inv == nil {
			return 0
		}
		t, err := registry.GetTime(callCtx, inv)
		if err != nil {
			return 0
		}
		return uint64(t.UnixNano())
	}).Export("get_time")

	builder.NewFunctionBuilder().WithFunc(func(ctx context.Context, module api.Module, keyPtr, keyLen uint32) uint64 {
		slot := slots.forModule(module)
		callCtx, inv := slot.current()
		if inv == nil {
			return 0
		}
		key, ok := readGuestString(module, keyPtr, keyLen)
		if !ok {
			return 0
		}
		value, found, err := registry.StorageGet(callCtx, inv, key)
		if err != nil || !found {
			return 0
		}
		ptr, ok := writeGuestBytes(ctx, module, value)
		if !ok {
			return 0
		}
		return packPtrLen(ptr, uint32(len(value)))
	}).Export("storage_get")

	builder.NewFunctionBuilder().WithFunc(func(ctx context.Context, module api.Module, keyPtr, keyLen, valPtr, valLen uint32) uint32 {
		slot := slots.forModule(module)
		callCtx, inv := slot.current()
		if inv == nil {
			return 0
		}
		key, ok := readGuestString(module, keyPtr, keyLen)
		if !ok {
			return 0
		}
		value, ok := readGuestBytes(module, valPtr, valLen)
		if !ok {
			return 0
		}
		if err := registry.StoragePut(callCtx, inv, key, value); err != nil {
			return 0
		}
		return 1
	}).Export("storage_put")

	builder.NewFunctionBuilder().WithFunc(func(ctx context.Context, module api.Module, keyPtr, keyLen uint32) uint64 {
		slot := slots.forModule(module)
		callCtx, inv := slot.current()
		if inv == nil {
			return 0
		}
		key, ok := readGuestString(module, keyPtr, keyLen)
		if !ok {
			return 0
		}
		prior, err := registry.StorageDelete(callCtx, inv, key)
		if err != nil {
			return 0
		}
		ptr, ok := writeGuestBytes(ctx, module, prior)
		if !ok {
			return 0
		}
		return packPtrLen(ptr, uint32(len(prior)))
	}).Export("storage_delete")

	builder.NewFunctionBuilder().WithFunc(func(ctx context.Context, module api.Module, nsPtr, nsLen, keyPtr, keyLen uint32) uint64 {
		slot := slots.forModule(module)
		callCtx, inv := slot.current()
		if inv == nil {
			return 0
		}
		dbName, ok := readGuestString(module, nsPtr, nsLen)
		if !ok {
			return 0
		}
		key, ok := readGuestString(module, keyPtr, keyLen)
		if !ok {
			return 0
		}
		value, found, err := registry.SharedDBGet(callCtx, inv, dbName, key)
		if err != nil || !found {
			return 0
		}
		ptr, ok := writeGuestBytes(ctx, module, value)
		if !ok {
			return 0
		}
		return packPtrLen(ptr, uint32(len(value)))
	}).Export("shared_db_get")

	builder.NewFunctionBuilder().WithFunc(func(ctx context.Context, module api.Module, nsPtr, nsLen, keyPtr, keyLen, valPtr, valLen uint32) uint32 {
		slot := slots.forModule(module)
		callCtx, inv := slot.current()
		if inv == nil {
			return 0
		}
		dbName, ok := readGuestString(module, nsPtr, nsLen)
		if !ok {
			return 0
		}
		key, ok := readGuestString(module, keyPtr, keyLen)
		if !ok {
			return 0
		}
		value, ok := readGuestBytes(module, valPtr, valLen)
		if !ok {
			return 0
		}
		if err := registry.SharedDBInsert(callCtx, inv, dbName, key, value); err != nil {
			return 0
		}
		return 1
	}).Export("shared_db_insert")

	builder.NewFunctionBuilder().WithFunc(func(ctx context.Context, module api.Module, keyPtr, keyLen uint32) uint64 {
		slot := slots.forModule(module)
		callCtx, inv := slot.current()
		if inv == nil {
			return 0
		}
		key, ok := readGuestString(module, keyPtr, keyLen)
		if !ok {
			return 0
		}
		value, found, err := registry.CacheGet(callCtx, inv, key)
		if err != nil || !found {
			return 0
		}
		ptr, ok := writeGuestBytes(ctx, module, value)
		if !ok {
			return 0
		}
		return packPtrLen(ptr, uint32(len(value)))
	}).Export("cache_get")

	builder.NewFunctionBuilder().WithFunc(func(ctx context.Context, module api.Module, keyPtr, keyLen, valPtr, valLen uint32, ttlSeconds uint32) uint32 {
		slot := slots.forModule(module)
		callCtx, inv := slot.current()
		if inv == nil {
			return 0
		}
		key, ok := readGuestString(module, keyPtr, keyLen)
		if !ok {
			return 0
		}
		value, ok := readGuestBytes(module, valPtr, valLen)
		if !ok {
			return 0
		}
		if err := registry.CachePut(callCtx, inv, key, value, time.Duration(ttlSeconds)*time.Second); err != nil {
			return 0
		}
		return 1
	}).Export("cache_put")

	builder.NewFunctionBuilder().WithFunc(func(ctx context.Context, module api.Module, dataPtr, dataLen uint32) uint64 {
		slot := slots.forModule(module)
		callCtx, inv := slot.current()
		if inv == nil {
			return 0
		}
		data, ok := readGuestBytes(module, dataPtr, dataLen)
		if !ok {
			return 0
		}
		sum, err := registry.CryptoSHA256(callCtx, inv, data)
		if err != nil {
			return 0
		}
		ptr, ok := writeGuestBytes(ctx, module, sum)
		if !ok {
			return 0
		}
		return packPtrLen(ptr, uint32(len(sum)))
	}).Export("crypto_sha256")

	builder.NewFunctionBuilder().WithFunc(func(ctx context.Context, module api.Module, n uint32) uint64 {
		slot := slots.forModule(module)
		callCtx, inv := slot.current()
		if inv == nil {
			return 0
		}
		buf, err := registry.CryptoRandomBytes(callCtx, inv, int(n))
		if err != nil {
			return 0
		}
		ptr, ok := writeGuestBytes(ctx, module, buf)
		if !ok {
			return 0
		}
		return packPtrLen(ptr, uint32(len(buf)))
	}).Export("crypto_random_bytes")

	builder.NewFunctionBuilder().WithFunc(func(ctx context.Context, module api.Module, keyPtr, keyLen, dataPtr, dataLen uint32) uint64 {
		slot := slots.forModule(module)
		callCtx, inv := slot.current()
		if inv == nil {
			return 0
		}
		key, ok := readGuestBytes(module, keyPtr, keyLen)
		if !ok {
			return 0
		}
		data, ok := readGuestBytes(module, dataPtr, dataLen)
		if !ok {
			return 0
		}
		sum, err := registry.CryptoHMACSHA256(callCtx, inv, key, data)
		if err != nil {
			return 0
		}
		ptr, ok := writeGuestBytes(ctx, module, sum)
		if !ok {
			return 0
		}
		return packPtrLen(ptr, uint32(len(sum)))
	}).Export("crypto_hmac_sha256")

	builder.NewFunctionBuilder().WithFunc(func(ctx context.Context, module api.Module) uint64 {
		slot := slots.forModule(module)
		callCtx, inv := slot.current()
		if inv == nil {
			return 0
		}
		headers, err := registry.GetHeaders(callCtx, inv)
		if err != nil {
			return 0
		}
		encoded := encodeKVPairs(headers)
		ptr, ok := writeGuestBytes(ctx, module, encoded)
		if !ok {
			return 0
		}
		return packPtrLen(ptr, uint32(len(encoded)))
	}).Export("get_headers")

	builder.NewFunctionBuilder().WithFunc(func(ctx context.Context, module api.Module) uint64 {
		slot := slots.forModule(module)
		callCtx, inv := slot.current()
		if inv == nil {
			return 0
		}
		params, err := registry.GetQueryParams(callCtx, inv)
		if err != nil {
			return 0
		}
		encoded := encodeKVPairs(params)
		ptr, ok := writeGuestBytes(ctx, module, encoded)
		if !ok {
			return 0
		}
		return packPtrLen(ptr, uint32(len(encoded)))
	}).Export("get_query_params")

	builder.NewFunctionBuilder().WithFunc(func(ctx context.Context, module api.Module, routePtr, routeLen uint32) uint64 {
		slot := slots.forModule(module)
		callCtx, inv := slot.current()
		if inv == nil {
			return 0
		}
		route, ok := readGuestString(module, routePtr, routeLen)
		if !ok {
			return 0
		}
		body, found, err := registry.GetResponse(callCtx, inv, route)
		if err != nil || !found {
			return 0
		}
		ptr, ok := writeGuestBytes(ctx, module, body)
		if !ok {
			return 0
		}
		return packPtrLen(ptr, uint32(len(body)))
	}).Export("get_response")

	builder.NewFunctionBuilder().WithFunc(func(ctx context.Context, module api.Module, namePtr, nameLen, urlVarsPtr, urlVarsLen, bodyVarsPtr, bodyVarsLen, headersPtr, headersLen uint32) uint64 {
		slot := slots.forModule(module)
		callCtx, inv := slot.current()
		if inv == nil {
			return 0
		}
		name, ok := readGuestString(module, namePtr, nameLen)
		if !ok {
			return 0
		}
		urlVars, ok := decodeKVPairs(module, urlVarsPtr, urlVarsLen)
		if !ok {
			return 0
		}
		bodyVars, ok := decodeKVPairs(module, bodyVarsPtr, bodyVarsLen)
		if !ok {
			return 0
		}
		headersOverride, ok := decodeKVPairs(module, headersPtr, headersLen)
		if !ok {
			return 0
		}
		result, err := registry.MakeNamedRequest(callCtx, inv, name, urlVars, bodyVars, headersOverride)
		if err != nil {
			logger.Warn("make_named_request failed", "name", name, "error", err)
			return 0
		}
		// The guest sees a 4-byte big-endian status code followed by
		// the body, so a rule configured with return_code=true can
		// read the status even when return_body is also true.
		packed := make([]byte, 4+len(result.Body))
		binary.BigEndian.PutUint32(packed, uint32(result.StatusCode))
		copy(packed[4:], result.Body)
		ptr, ok := writeGuestBytes(ctx, module, packed)
		if !ok {
			return 0
		}
		return packPtrLen(ptr, uint32(len(packed)))
	}).Export("network_make_named_request")

	builder.NewFunctionBuilder().WithFunc(func(ctx context.Context, module api.Module, connPtr, connLen, textPtr, textLen uint32) uint32 {
		slot := slots.forModule(module)
		callCtx, inv := slot.current()
		if inv == nil {
			return 0
		}
		connector, ok := readGuestString(module, connPtr, connLen)
		if !ok {
			return 0
		}
		text, ok := readGuestString(module, textPtr, textLen)
		if !ok {
			return 0
		}
		if err := registry.TelegramNotify(callCtx, inv, connector, text); err != nil {
			logger.Warn("telegram_notify failed", "connector", connector, "error", err)
			return 0
		}
		return 1
	}).Export("cloud_telegram_notify")

	builder.NewFunctionBuilder().WithFunc(func(ctx context.Context, module api.Module, logTypePtr, logTypeLen, payloadPtr, payloadLen uint32, delaySeconds uint32) uint32 {
		slot := slots.forModule(module)
		callCtx, inv := slot.current()
		if inv == nil {
			return 0
		}
		logType, ok := readGuestString(module, logTypePtr, logTypeLen)
		if !ok {
			return 0
		}
		payload, ok := readGuestBytes(module, payloadPtr, payloadLen)
		if !ok {
			return 0
		}
		if err := registry.LogBack(callCtx, inv, logType, payload, time.Duration(delaySeconds)*time.Second); err != nil {
			logger.Debug("log_back refused", "log_type", logType, "error", err)
			return 0
		}
		return 1
	}).Export("log_back")

	_, err := builder.Instantiate(ctx)
	return err
}

// encodeKVPairs is decodeKVPairs's inverse, used for host-to-guest
// maps (get_headers, get_query_params): the same flat
// "key\x00value\x00..." layout, so a single guest-side parser handles
// both directions.
func encodeKVPairs(pairs map[string]string) []byte {
	if len(pairs) == 0 {
		return nil
	}
	var out []byte
	for k, v := range pairs {
		out = append(out, k...)
		out = append(out, 0)
		out = append(out, v...)
		out = append(out, 0)
	}
	return out
}

// decodeKVPairs reads a flat "key\x00value\x00key\x00value..." buffer
// out of guest memory. The encoding is intentionally primitive: rule
// modules construct it client-side and it only ever carries the small
// maps passed to make_named_request (URL variables, body variables,
// header overrides).
func decodeKVPairs(module api.Module, ptr, length uint32) (map[string]string, bool) {
	if length == 0 {
		return nil, true
	}
	raw, ok := readGuestBytes(module, ptr, length)
	if !ok {
		return nil, false
	}
	out := make(map[string]string)
	parts := splitNUL(raw)
	for i := 0; i+1 < len(parts); i += 2 {
		out[parts[i]] = parts[i+1]
	}
	return out, true
}

func splitNUL(data []byte) []string {
	var out []string
	start := 0
	for i, b := range data {
		if b == 0 {
			out = append(out, string(data[start:i]))
			start = i + 1
		}
	}
	if start < len(data) {
		out = append(out, string(data[start:]))
	}
	return out
}
