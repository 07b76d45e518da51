package wal

import (
	"sync"

	"github.com/nectardb/nectar/errs"
)

// SlotStatus is a slot's state: UNUSED while its writer fills it, USED once
// returned, SYNCED once persisted. There is no separate RETURNED state:
// ReturnUsed moves a slot straight from UNUSED to USED.
type SlotStatus int

const (
	SlotUnused SlotStatus = iota
	SlotUsed
	SlotSynced
)

// Slot is one handed-out byte range inside a logfile.
type Slot struct {
	Mem         []byte
	Size        uint32
	LogfileID   uint64
	Offset      int64
	Tick        uint64
	WaitForSync bool
	status      SlotStatus
	logfile     *Logfile
}

func (s *Slot) Status() SlotStatus { return s.status }

// SyncRegion is a contiguous range of USED slots from the same logfile that
// can be persisted in one flush (spec.md §4.5 "get-sync-region").
type SyncRegion struct {
	LogfileID   uint64
	From, To    int64 // byte range within the logfile
	FirstIndex  int
	LastIndex   int
	WaitForSync bool
	HighestTick uint64
}

// Rotator creates and seals logfiles for the ring. collection (the owner of
// a collection's WAL, or a database-wide WAL manager) supplies this so the
// ring stays ignorant of persist.Backend naming conventions.
type Rotator interface {
	// NewLogfile is called when the active logfile has no room left for the
	// next reservation.
	NewLogfile() (*Logfile, error)
}

// Ring is the fixed-size ring of slot descriptors described in spec.md
// §4.5/§5: one mutex plus one condition variable, blocking allocation when
// the ring is full and broadcasting on every sync completion. Grounded on
// the teacher's cache.go op-channel pattern for serializing concurrent
// mutation of one shared structure, adapted here to condition-variable
// blocking because next-unused must be able to wait rather than just queue.
type Ring struct {
	mu   sync.Mutex
	cond *sync.Cond

	slots []Slot
	n     int

	handoutIndex int // next slot index to hand out (mod n)
	recycleIndex int // oldest slot not yet fully synced+recycled (mod n)
	outstanding  int // handoutIndex - recycleIndex, conceptually

	active            *Logfile
	logfiles          map[uint64]*Logfile // every logfile a live slot still references
	rotator           Rotator
	lastCommittedTick uint64
	tickSource        func() uint64
}

// NewRing creates a ring of n slot descriptors over an initially active
// logfile, minting ticks from tickSource (spec.md's single monotonic
// counter, server.ServerContext.NextTick in practice).
func NewRing(n int, active *Logfile, rotator Rotator, tickSource func() uint64) *Ring {
	r := &Ring{
		slots:      make([]Slot, n),
		n:          n,
		active:     active,
		logfiles:   map[uint64]*Logfile{active.ID: active},
		rotator:    rotator,
		tickSource: tickSource,
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// ActiveLogfileID returns the id of the logfile currently accepting writes,
// so a caller like collection.Compact can tell which logfile must never be
// rewritten or deleted.
func (r *Ring) ActiveLogfileID() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active.ID
}

// Logfile returns the logfile registered under id, if the ring still has a
// live slot referencing it. The sync-region persist callback uses this to
// resolve a SyncRegion's LogfileID back to the object it must call Persist
// on.
func (r *Ring) Logfile(id uint64) (*Logfile, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lf, ok := r.logfiles[id]
	return lf, ok
}

// NextUnused allocates the next slot for a marker of `size` bytes. It blocks
// on the ring's condition variable while no free slots remain. If the
// active logfile has no room, it seals the current logfile and rotates to a
// fresh one (writing the footer slot) before carving from it, retrying the
// reservation once against the new logfile.
func (r *Ring) NextUnused(size uint32) (*Slot, error) {
	r.mu.Lock()
	for r.outstanding >= r.n {
		r.cond.Wait()
	}
	active := r.active
	r.mu.Unlock()

	offset, ok := active.Reserve(size)
	if !ok {
		if err := active.Seal(r.tickSource()); err != nil {
			return nil, err
		}
		next, err := r.rotator.NewLogfile()
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.active = next
		r.logfiles[next.ID] = next
		r.mu.Unlock()
		active = next
		offset, ok = active.Reserve(size)
		if !ok {
			return nil, errs.New(errs.KindDatafileFull, "marker does not fit even in a fresh logfile")
		}
	}

	tick := r.tickSource()
	r.mu.Lock()
	idx := r.handoutIndex % r.n
	r.slots[idx] = Slot{
		Size:      size,
		LogfileID: active.ID,
		Offset:    offset,
		Tick:      tick,
		status:    SlotUnused,
		logfile:   active,
	}
	slot := &r.slots[idx]
	r.handoutIndex++
	r.outstanding++
	r.mu.Unlock()

	slot.Mem = make([]byte, size) // writer fills this in before ReturnUsed
	return slot, nil
}

// ReturnUsed marks slot as USED (ready to be picked up by the sync loop) and
// writes its bytes into the owning logfile's in-memory buffer.
func (r *Ring) ReturnUsed(slot *Slot, waitForSync bool) {
	r.mu.Lock()
	slot.status = SlotUsed
	slot.WaitForSync = waitForSync
	r.mu.Unlock()

	if slot.logfile != nil {
		slot.logfile.WriteInto(slot.Offset, slot.Mem)
	}
	r.cond.Broadcast()
}

// GetSyncRegion scans forward from the oldest non-synced slot and
// accumulates a contiguous run of USED slots from the same logfile sharing
// a wait-for-sync requirement. It returns ok=false if no such region exists
// yet (the oldest outstanding slot is still UNUSED).
func (r *Ring) GetSyncRegion() (SyncRegion, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := r.recycleIndex
	if start >= r.handoutIndex {
		return SyncRegion{}, false
	}
	first := &r.slots[start%r.n]
	if first.status != SlotUsed {
		return SyncRegion{}, false
	}

	region := SyncRegion{
		LogfileID:   first.LogfileID,
		From:        first.Offset,
		To:          first.Offset + int64(first.Size),
		FirstIndex:  start,
		LastIndex:   start,
		WaitForSync: first.WaitForSync,
		HighestTick: first.Tick,
	}

	i := start + 1
	for i < r.handoutIndex {
		s := &r.slots[i%r.n]
		if s.status != SlotUsed || s.LogfileID != first.LogfileID || s.WaitForSync != first.WaitForSync {
			break
		}
		region.To = s.Offset + int64(s.Size)
		region.LastIndex = i
		if s.Tick > region.HighestTick {
			region.HighestTick = s.Tick
		}
		i++
	}
	return region, true
}

// ReturnSyncRegion marks every slot in the region SYNCED, advances
// last-committed-tick and recycle-index, and broadcasts so blocked
// NextUnused callers (and Flush waiters) wake up.
func (r *Ring) ReturnSyncRegion(region SyncRegion) {
	r.mu.Lock()
	for i := region.FirstIndex; i <= region.LastIndex; i++ {
		r.slots[i%r.n].status = SlotSynced
	}
	if region.HighestTick > r.lastCommittedTick {
		r.lastCommittedTick = region.HighestTick
	}
	if region.FirstIndex == r.recycleIndex {
		r.recycleIndex = region.LastIndex + 1
		r.outstanding = r.handoutIndex - r.recycleIndex
	}
	r.mu.Unlock()
	r.cond.Broadcast()
}

// LastCommittedTick returns the highest tick known to be durably synced.
func (r *Ring) LastCommittedTick() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastCommittedTick
}

// Flush drives the sync loop forward: SyncLoop (syncloop.go) calls it on
// every tick, and a writer that needs durability now may call it too. If
// wait is true, Flush blocks until every slot handed out before the call
// has reached SYNCED.
func (r *Ring) Flush(wait bool, persist func(SyncRegion) error) error {
	target := func() int {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.handoutIndex
	}()

	for {
		region, ok := r.GetSyncRegion()
		if !ok {
			break
		}
		if err := persist(region); err != nil {
			return err
		}
		r.ReturnSyncRegion(region)
	}

	if !wait {
		return nil
	}
	r.mu.Lock()
	for r.recycleIndex < target {
		r.cond.Wait()
	}
	r.mu.Unlock()
	return nil
}

// DefaultPersist resolves a SyncRegion's LogfileID back to the registered
// *Logfile and calls its Persist. This is the persist callback SyncLoop uses
// in production; tests that want to observe regions without touching disk
// pass their own function to Flush/NewSyncLoop instead.
func (r *Ring) DefaultPersist(region SyncRegion) error {
	lf, ok := r.Logfile(region.LogfileID)
	if !ok {
		return errs.New(errs.KindIllegalState, "sync region references an unregistered logfile")
	}
	return lf.Persist(region.From, region.To)
}

// Counts returns {used, unused, synced} outstanding slots for the §8
// invariant "used + unused + synced == N" (recycled/free slots count as
// neither used nor synced — they are simply not outstanding).
func (r *Ring) Counts() (used, unused, synced int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := r.recycleIndex; i < r.handoutIndex; i++ {
		switch r.slots[i%r.n].status {
		case SlotUsed:
			used++
		case SlotSynced:
			synced++
		default:
			unused++
		}
	}
	unused += r.n - (r.handoutIndex - r.recycleIndex)
	return
}
