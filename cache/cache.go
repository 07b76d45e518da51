// Package cache is a memory-budgeted soft-reference cache, adapted from the
// teacher's storage/cache.go CacheManager: a single-threaded op-channel
// goroutine tracks items by size and evicts the least-recently-used ones
// once the budget is exceeded.
//
// NectarDB uses it for spec.md §4.1/§9's datafile-unload trigger: a sealed
// wal.Logfile's in-memory buffer is a cache item, and eviction calls the
// collection's cleanup callback before unmapping (evicting every header's
// body-pointer that referenced it, per §3's unload invariant).
package cache

import (
	"sort"
	"time"
)

type softItem struct {
	pointer        interface{}
	size           int64
	priorityFactor int
	cleanup        func(pointer interface{})
	getLastUsed    func(pointer interface{}) time.Time
	effectiveTime  time.Time
}

// CacheManager manages memory-limited soft references.
type CacheManager struct {
	memoryBudget  int64
	currentMemory int64

	items    []softItem
	indexMap map[interface{}]int // pointer -> index in items slice

	opChan chan cacheOp
}

type cacheOp struct {
	add  *softItem
	del  interface{}
	done chan struct{}
}

// NewCacheManager creates a new CacheManager with the given memory budget.
func NewCacheManager(memoryBudget int64) *CacheManager {
	cm := &CacheManager{
		memoryBudget: memoryBudget,
		items:        make([]softItem, 0),
		indexMap:     make(map[interface{}]int),
		opChan:       make(chan cacheOp, 1024),
	}
	go cm.run()
	return cm
}

// AddItem inserts a new item into the cache. Cleanup is called if over budget.
func (cm *CacheManager) AddItem(
	pointer interface{},
	size int64,
	priorityFactor int,
	cleanup func(pointer interface{}),
	getLastUsed func(pointer interface{}) time.Time,
) {
	item := &softItem{
		pointer:        pointer,
		size:           size,
		priorityFactor: priorityFactor,
		cleanup:        cleanup,
		getLastUsed:    getLastUsed,
		effectiveTime:  time.Now(), // always now for new items
	}
	done := make(chan struct{})
	cm.opChan <- cacheOp{add: item, done: done}
	<-done
}

// Delete removes an item from the cache immediately, without running its
// cleanup callback (used when the underlying resource is already gone, e.g.
// compaction deleted the logfile the item referenced).
func (cm *CacheManager) Delete(pointer interface{}) {
	done := make(chan struct{})
	cm.opChan <- cacheOp{del: pointer, done: done}
	<-done
}

// run is the single-threaded goroutine handling all operations and cleanup.
func (cm *CacheManager) run() {
	for op := range cm.opChan {
		if op.add != nil {
			cm.add(op.add)
		} else if op.del != nil {
			cm.delete(op.del)
		}
		if op.done != nil {
			close(op.done)
		}
	}
}

// add inserts a new softItem and triggers cleanup if over budget.
func (cm *CacheManager) add(item *softItem) {
	if idx, ok := cm.indexMap[item.pointer]; ok {
		cm.currentMemory += item.size - cm.items[idx].size
		cm.items[idx] = *item
		if cm.currentMemory > cm.memoryBudget {
			cm.cleanup()
		}
		return
	}

	idx := len(cm.items)
	cm.items = append(cm.items, *item)
	cm.indexMap[item.pointer] = idx
	cm.currentMemory += item.size

	if cm.currentMemory > cm.memoryBudget {
		cm.cleanup()
	}
}

// delete removes an item's bookkeeping without running its cleanup callback.
func (cm *CacheManager) delete(pointer interface{}) {
	idx, ok := cm.indexMap[pointer]
	if !ok {
		return
	}
	item := cm.items[idx]
	cm.currentMemory -= item.size

	lastIdx := len(cm.items) - 1
	if idx != lastIdx {
		cm.items[idx] = cm.items[lastIdx]
		cm.indexMap[cm.items[idx].pointer] = idx
	}
	cm.items = cm.items[:lastIdx]
	delete(cm.indexMap, pointer)
}

// cleanup frees memory to respect the memory budget (simple-stupid approach:
// evict oldest-by-last-use first, down to 75% of budget).
func (cm *CacheManager) cleanup() {
	if cm.currentMemory <= cm.memoryBudget {
		return
	}

	targetMemory := cm.memoryBudget * 75 / 100

	for i := range cm.items {
		cm.items[i].effectiveTime = cm.items[i].getLastUsed(cm.items[i].pointer)
	}

	sort.Slice(cm.items, func(i, j int) bool {
		return cm.items[i].effectiveTime.Before(cm.items[j].effectiveTime)
	})

	i := 0
	for cm.currentMemory > targetMemory && i < len(cm.items) {
		item := cm.items[i]
		item.cleanup(item.pointer)
		cm.currentMemory -= item.size
		delete(cm.indexMap, item.pointer)
		i++
	}

	cm.items = cm.items[i:]
	for idx, item := range cm.items {
		cm.indexMap[item.pointer] = idx
	}
}
