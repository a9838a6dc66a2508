package executor

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// poolKey identifies a ready-to-run instance: a compiled module is
// instantiated once per (filename, log_type) pair and then reused
// across invocations of that pair until evicted.
func poolKey(filename, logType string) string {
	return filename + "\x00" + logType
}

type pooledInstance struct {
	key      string
	filename string
	module   api.Module
	slot     *callSlot
}

// instancePool is the LRU cache of ready-to-run instances described in
// Bounded by capacity, guarded by a single mutex since the
// LRU operations are O(1) and contention is an accepted tradeoff.
type instancePool struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	index    map[string]*list.Element
}

func newInstancePool(capacity int) *instancePool {
	if capacity <= 0 {
		capacity = 64
	}
	return &instancePool{
		capacity: capacity,
		ll:       list.New(),
		index:    make(map[string]*list.Element),
	}
}

// checkout removes and returns a matching instance from the pool if one
// is idle, so no two invocations ever run the same instance
// concurrently: an instance not in the pool is, by construction,
// currently checked out.
func (p *instancePool) checkout(key string) (*pooledInstance, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	el, ok := p.index[key]
	if !ok {
		return nil, false
	}
	p.ll.Remove(el)
	delete(p.index, key)
	return el.Value.(*pooledInstance), true
}

// checkin returns an instance to the pool as most-recently-used,
// evicting the least-recently-used entry if that pushes the pool over
// capacity. A previous entry under the same key (shouldn't normally
// happen, since checkout removes it) is closed and discarded.
func (p *instancePool) checkin(ctx context.Context, inst *pooledInstance) {
	p.mu.Lock()
	if old, ok := p.index[inst.key]; ok {
		p.ll.Remove(old)
		delete(p.index, inst.key)
		stale := old.Value.(*pooledInstance)
		p.mu.Unlock()
		_ = stale.module.Close(ctx)
		p.mu.Lock()
	}
	el := p.ll.PushFront(inst)
	p.index[inst.key] = el
	var evicted *pooledInstance
	if p.ll.Len() > p.capacity {
		back := p.ll.Back()
		if back != nil {
			evicted = back.Value.(*pooledInstance)
			p.ll.Remove(back)
			delete(p.index, evicted.key)
		}
	}
	p.mu.Unlock()
	if evicted != nil {
		_ = evicted.module.Close(ctx)
	}
}

// discard drops inst without returning it to the pool, used after a
// trap or crash so a faulted instance's state can never leak into a
// later invocation ("on eviction or on any rule
// crash/trap, the evicted instance is dropped and replaced").
func (p *instancePool) discard(ctx context.Context, inst *pooledInstance) {
	_ = inst.module.Close(ctx)
}

// closeAll closes every idle instance currently resident in the pool.
func (p *instancePool) closeAll(ctx context.Context) {
	p.mu.Lock()
	instances := make([]*pooledInstance, 0, p.ll.Len())
	for el := p.ll.Front(); el != nil; el = el.Next() {
		instances = append(instances, el.Value.(*pooledInstance))
	}
	p.ll.Init()
	p.index = make(map[string]*list.Element)
	p.mu.Unlock()
	for _, inst := range instances {
		_ = inst.module.Close(ctx)
	}
}

// instantiate materializes a fresh instance of artifact's compiled
// module, named uniquely per (filename, log_type, generation) so wazero
// never collides two live instances under one module name.
func instantiate(ctx context.Context, runtime wazero.Runtime, compiled wazero.CompiledModule, key string, generation uint64) (api.Module, error) {
	name := fmt.Sprintf("%s#%d", key, generation)
	cfg := wazero.NewModuleConfig().WithName(name)
	module, err := runtime.InstantiateModule(ctx, compiled, cfg)
	if err != nil {
		return nil, fmt.Errorf("executor: instantiate %s: %w", key, err)
	}
	return module, nil
}
