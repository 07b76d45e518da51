// Package headerindex is the in-memory master-pointer table described in
// spec.md §4.3: O(1) access to a collection's live documents by key, plus
// ordered traversal by insertion/last-modification order via a doubly-linked
// list, backed by a free list recycled in geometric blocks.
//
// Grounded on the teacher's block-growth allocators (storage/storage-int.go,
// storage/storage-string.go allocate backing arrays in doubling blocks
// rather than growing one element at a time) and on storage/cache.go's
// index-map-plus-slice eviction bookkeeping, generalized here from column
// values to document headers.
package headerindex

import (
	"sync"

	"github.com/nectardb/nectar/errs"
)

// Header is the in-memory master pointer for one document (spec.md §3
// "Header (master pointer)"). FID/Offset locate the marker on disk, and
// collection reads re-read the marker there. BodyPointer is a cached body
// position; the collection layer currently always stores 0 in it.
type Header struct {
	Key string

	Revision    uint64
	FID         uint64
	Offset      int64
	BodyPointer int64

	// DeletionTick is nonzero once this header is a tombstone: the document
	// was removed but the header is retained for MVCC until compaction.
	DeletionTick uint64

	// MarkerSize is this header's current marker's aligned on-disk size,
	// tracked so Index.size() can maintain the §4.3 "size equals the sum of
	// aligned marker sizes of linked headers" invariant without re-reading
	// the datafile.
	MarkerSize uint32

	prev, next *Header
	onList     bool
	onFree     bool
}

// IsTombstone reports whether h is a deletion marker kept alive for MVCC.
func (h *Header) IsTombstone() bool { return h.DeletionTick != 0 }

// Snapshot captures enough of a header's list position to restore it later
// (spec.md's move/relink operations, used by undo and compaction).
type Snapshot struct {
	Prev, Next *Header
	OnList     bool
	MarkerSize uint32
}

// initialBlock / maxBlock bound the geometric growth schedule: the free-list
// backing store starts at 128 entries and doubles up to 256x that before
// plateauing, matching spec.md §4.3's "geometric growth ... starting at 128
// entries, doubling up to 256x before plateauing".
const (
	initialBlock = 128
	maxBlockMult = 256
)

// Index is one collection's header table: the free list, the ordered
// linked list, and the key→*Header map for O(1) lookup.
type Index struct {
	mu sync.RWMutex

	byKey map[string]*Header

	front, back *Header
	count       int
	size        int64

	freeHead  *Header
	nextBlock int // size of the next block to allocate, in entries
}

// New creates an empty header index.
func New() *Index {
	return &Index{
		byKey:     make(map[string]*Header),
		nextBlock: initialBlock,
	}
}

// Request returns a zeroed header from the free list, allocating a new
// geometric block if the free list is empty, and appends it at the tail of
// the linked list. The caller fills in Key/Revision/FID/Offset/... before
// publishing it via Publish.
func (idx *Index) Request(size uint32) *Header {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	h := idx.popFree()
	if h == nil {
		idx.growFreeList()
		h = idx.popFree()
	}
	h.MarkerSize = size
	idx.linkTail(h)
	return h
}

func (idx *Index) popFree() *Header {
	if idx.freeHead == nil {
		return nil
	}
	h := idx.freeHead
	idx.freeHead = h.next
	h.next = nil
	h.onFree = false
	return h
}

// growFreeList allocates nextBlock fresh headers onto the free list, then
// doubles nextBlock up to initialBlock*maxBlockMult, after which it
// plateaus (the teacher's column allocators use the same doubling-then-flat
// schedule to bound the number of distinct backing allocations).
func (idx *Index) growFreeList() {
	n := idx.nextBlock
	for i := 0; i < n; i++ {
		h := &Header{onFree: true}
		h.next = idx.freeHead
		idx.freeHead = h
	}
	if idx.nextBlock < initialBlock*maxBlockMult {
		idx.nextBlock *= 2
	}
}

func (idx *Index) linkTail(h *Header) {
	h.prev = idx.back
	h.next = nil
	if idx.back != nil {
		idx.back.next = h
	} else {
		idx.front = h
	}
	idx.back = h
	h.onList = true
	idx.count++
	idx.size += int64(h.MarkerSize)
}

// Publish registers h under key so Lookup can find it. Request does not do
// this itself because the caller may still need to fail the insert (e.g. a
// unique-constraint violation) before the key becomes visible.
func (idx *Index) Publish(key string, h *Header) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	h.Key = key
	idx.byKey[key] = h
}

// Lookup returns the live (or tombstoned) header for key, if any.
func (idx *Index) Lookup(key string) (*Header, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	h, ok := idx.byKey[key]
	return h, ok
}

// Release optionally unlinks h from the ordered list, then zeroes and
// returns it to the free list. Used when a tombstone is finally compacted
// away.
func (idx *Index) Release(h *Header, unlink bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if unlink && h.onList {
		idx.unlinkLocked(h)
	}
	delete(idx.byKey, h.Key)
	*h = Header{next: idx.freeHead, onFree: true}
	idx.freeHead = h
}

func (idx *Index) unlinkLocked(h *Header) {
	if h.prev != nil {
		h.prev.next = h.next
	} else {
		idx.front = h.next
	}
	if h.next != nil {
		h.next.prev = h.prev
	} else {
		idx.back = h.prev
	}
	h.prev, h.next = nil, nil
	h.onList = false
	idx.count--
	idx.size -= int64(h.MarkerSize)
}

// Unlink removes h from the ordered list but keeps it valid and published
// (spec.md §4.3 "unlink(header) — remove from list (keep the header
// valid)"): used when a remove turns the header into a tombstone.
func (idx *Index) Unlink(h *Header) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if h.onList {
		idx.unlinkLocked(h)
	}
}

// Snapshot captures h's current list linkage and size for a later Move.
func SnapshotOf(h *Header) Snapshot {
	return Snapshot{Prev: h.prev, Next: h.next, OnList: h.onList, MarkerSize: h.MarkerSize}
}

// MoveBack is called after an update: unlinks h at its old position and
// re-links it at the tail, adjusting the index's total size by the marker
// size delta (spec.md §4.3 "move-back").
func (idx *Index) MoveBack(h *Header, newSize uint32) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if h.onList {
		idx.unlinkLocked(h)
	}
	h.MarkerSize = newSize
	idx.linkTail(h)
}

// Relink restores h to the list position recorded in old — used to undo an
// update's MoveBack when a secondary index rejects the new version.
func (idx *Index) Relink(h *Header, old Snapshot) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if h.onList {
		idx.unlinkLocked(h)
	}
	if !old.OnList {
		return nil
	}
	h.prev, h.next = old.Prev, old.Next
	if h.prev != nil {
		h.prev.next = h
	} else {
		idx.front = h
	}
	if h.next != nil {
		h.next.prev = h
	} else {
		idx.back = h
	}
	h.onList = true
	h.MarkerSize = old.MarkerSize
	idx.count++
	idx.size += int64(h.MarkerSize)
	return nil
}

// Move is an alias of Relink named to match spec.md §4.3's listed operation
// names ("move(header, old-snapshot) / relink(header, old-snapshot)").
func (idx *Index) Move(h *Header, old Snapshot) error { return idx.Relink(h, old) }

func (idx *Index) Front() *Header {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.front
}

func (idx *Index) Back() *Header {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.back
}

func (idx *Index) Count() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.count
}

func (idx *Index) Size() int64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.size
}

// Walk calls fn for every header in insertion/last-modification order,
// front to back, stopping early if fn returns false.
func (idx *Index) Walk(fn func(*Header) bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	for h := idx.front; h != nil; h = h.next {
		if !fn(h) {
			return
		}
	}
}

var errNotFound = errs.New(errs.KindDocumentNotFound, "key not present in header index")

// MustLookup is Lookup with the spec's documented not-found error, used by
// callers that already expect the key to be live.
func (idx *Index) MustLookup(key string) (*Header, error) {
	h, ok := idx.Lookup(key)
	if !ok {
		return nil, errNotFound
	}
	return h, nil
}
