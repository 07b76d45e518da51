package collection

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nectardb/nectar/cache"
	"github.com/nectardb/nectar/config"
	"github.com/nectardb/nectar/datafile"
	"github.com/nectardb/nectar/errs"
	"github.com/nectardb/nectar/headerindex"
	"github.com/nectardb/nectar/index"
	"github.com/nectardb/nectar/persist"
	"github.com/nectardb/nectar/server"
	"github.com/nectardb/nectar/shaper"
	"github.com/nectardb/nectar/txctx"
	"github.com/nectardb/nectar/wal"
)

// currentTx recovers the transaction driving the calling goroutine, if any,
// so Insert/Update/Remove can tally their operation into its commit-marker
// summary without taking an explicit *Tx parameter (spec.md §4.4's document
// API is "always within a transaction" but is written against the
// collection, not against the transaction object).
func currentTx() *Tx {
	tx, _ := txctx.Current().(*Tx)
	return tx
}

// ringSize is the fixed slot count every collection's WAL ring carves its
// journals into, matching spec.md §4.5's "fixed-size ring of N slot
// descriptors". One collection, one ring — the teacher gives each shard its
// own rollover sequence (storage/shard.go) rather than sharing one arena
// across a table, and collections here follow the same per-partition split.
const ringSize = 256

// defaultLogfileSize is used when a collection's MaximalSize parameter is
// left at zero.
const defaultLogfileSize = 32 << 20

// syncInterval bounds how long an unforced write can sit before the
// background sync loop picks it up (spec.md §4.5's group-commit window).
const syncInterval = 20 * time.Millisecond

// Collection is one document or edge collection: the header index, the
// shaper, the secondary indexes, and the WAL ring that backs its on-disk
// journals. Grounded on the teacher's table/shard split (storage/table.go
// holds shard list + schema; storage/shard.go holds one shard's storage +
// write lock) collapsed here into a single write-locked object per
// spec.md §4.4, since C4 does not itself shard a collection across files —
// sharding lives one level up, at the WAL ring/logfile rotation the teacher
// calls "new shard".
type Collection struct {
	mu sync.Mutex

	sc      *server.ServerContext
	backend persist.Backend
	db      *Database

	params config.CollectionParameters

	shp     *shaper.Shaper
	headers *headerindex.Index
	indexes []index.Index

	ring     *wal.Ring
	syncLoop *wal.SyncLoop

	nextFileSeq  uint64
	logfiles     map[uint64]*wal.Logfile
	logfileNames map[uint64]string

	cacheMgr     *cache.CacheManager
	cacheMu      sync.Mutex
	cacheTracked map[uint64]bool

	replSink ReplicationSink
	system   bool

	nextIndexID uint64
}

// datafileCacheBudget bounds how many bytes of sealed-logfile buffers a
// collection keeps memory-resident at once before CacheManager starts
// unloading the least-recently-used ones (spec.md §4.1/§9's unspecified
// unload trigger; see DESIGN.md's Open Question resolution).
const datafileCacheBudget = 64 << 20

// MarkSystem marks c as an internal system collection (e.g. the
// replication log) whose own mutations are never themselves forwarded to a
// replication sink. Without this, wiring a Database's replication sink with
// SetReplicationSink would make the replication log collection emit a
// document-insert event every time it logged a document-insert event,
// looping forever.
func (c *Collection) MarkSystem() {
	c.mu.Lock()
	c.system = true
	c.mu.Unlock()
}

func journalName(id uint64) string {
	return fmt.Sprintf("journal-%020d.db", id)
}

// compactorName names a compaction output file (spec.md §6.2
// "compactor-<n>.db — in-progress compaction outputs"). NectarDB leaves a
// finished compaction's output under this name rather than renaming it back
// to journal-<n>.db: Backend has no portable rename across its file/S3/Ceph
// implementations, and the name is just a discovery prefix — OpenCollection
// treats a sealed compactor-<n>.db exactly like a sealed journal-<n>.db.
func compactorName(id uint64) string {
	return fmt.Sprintf("compactor-%020d.db", id)
}

func parseNumberedFile(prefix, name string) (uint64, bool) {
	trimmed := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".db")
	if trimmed == name {
		return 0, false
	}
	id, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func parseJournalID(name string) (uint64, bool) { return parseNumberedFile("journal-", name) }
func parseCompactorID(name string) (uint64, bool) { return parseNumberedFile("compactor-", name) }

// CreateCollection initializes a brand-new collection's on-disk state: its
// parameter.json and an initial empty journal.
func CreateCollection(sc *server.ServerContext, backend persist.Backend, params config.CollectionParameters) (*Collection, error) {
	if params.MaximalSize == 0 {
		params.MaximalSize = config.ByteSize(defaultLogfileSize)
	}
	raw, err := json.MarshalIndent(params, "", "  ")
	if err != nil {
		return nil, errs.Wrap(errs.KindDocumentTypeInvalid, err, "marshaling parameter.json")
	}
	if err := backend.WriteParameter("parameter.json", raw); err != nil {
		return nil, errs.Wrap(errs.KindWriteError, err, "writing parameter.json")
	}

	c := &Collection{
		sc:           sc,
		backend:      backend,
		params:       params,
		shp:          shaper.New(),
		headers:      headerindex.New(),
		logfiles:     make(map[uint64]*wal.Logfile),
		logfileNames: make(map[uint64]string),
		cacheMgr:     cache.NewCacheManager(datafileCacheBudget),
		cacheTracked: make(map[uint64]bool),
	}
	active, err := c.NewLogfile()
	if err != nil {
		return nil, err
	}
	c.ring = wal.NewRing(ringSize, active, c, sc.NextTick)
	c.startSyncLoop()
	return c, nil
}

// OpenCollection reopens a collection directory at startup, replaying every
// journal file it finds to rebuild the header index, the shaper's
// attribute/shape tables, and the secondary indexes (spec.md §8 recovery).
func OpenCollection(sc *server.ServerContext, backend persist.Backend, params config.CollectionParameters) (*Collection, error) {
	c := &Collection{
		sc:           sc,
		backend:      backend,
		params:       params,
		shp:          shaper.New(),
		headers:      headerindex.New(),
		logfiles:     make(map[uint64]*wal.Logfile),
		logfileNames: make(map[uint64]string),
		cacheMgr:     cache.NewCacheManager(datafileCacheBudget),
		cacheTracked: make(map[uint64]bool),
	}

	journalNames, err := backend.ListFiles("journal-")
	if err != nil {
		return nil, errs.Wrap(errs.KindReadError, err, "listing journal files")
	}
	compactorNames, err := backend.ListFiles("compactor-")
	if err != nil {
		return nil, errs.Wrap(errs.KindReadError, err, "listing compactor files")
	}
	ids := make([]uint64, 0, len(journalNames)+len(compactorNames))
	idToName := make(map[uint64]string, len(journalNames)+len(compactorNames))
	for _, n := range journalNames {
		if id, ok := parseJournalID(n); ok {
			ids = append(ids, id)
			idToName[id] = n
		}
	}
	for _, n := range compactorNames {
		if id, ok := parseCompactorID(n); ok {
			ids = append(ids, id)
			idToName[id] = n
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var active *wal.Logfile
	for _, id := range ids {
		handle, err := backend.OpenFile(idToName[id])
		if err != nil {
			return nil, errs.Wrap(errs.KindReadError, err, "opening journal file")
		}
		lf, err := wal.OpenLogfile(handle, id)
		if err != nil {
			return nil, err
		}
		c.logfiles[id] = lf
		c.logfileNames[id] = idToName[id]
		if id >= c.nextFileSeq {
			c.nextFileSeq = id + 1
		}
		journal := lf.State() == wal.StateOpen
		if err := lf.Iterate(func(m datafile.Marker, pos int64) error {
			return c.replayMarker(m, pos, id)
		}, journal); err != nil {
			return nil, err
		}
		if journal {
			active = lf
		}
	}

	for _, idx := range c.indexes {
		if err := c.backfillIndex(idx); err != nil {
			return nil, err
		}
	}

	for id, lf := range c.logfiles {
		if lf != active {
			c.registerLogfileForCache(id, lf)
		}
	}

	if active == nil {
		active, err = c.NewLogfile()
		if err != nil {
			return nil, err
		}
	}

	c.ring = wal.NewRing(ringSize, active, c, sc.NextTick)
	c.startSyncLoop()
	return c, nil
}

func (c *Collection) startSyncLoop() {
	c.syncLoop = wal.NewSyncLoop(c.ring, c.ring.DefaultPersist, c.sc.Log, syncInterval)
	c.syncLoop.Start()
	c.sc.OnShutdown(func() { c.syncLoop.Stop() })
}

// registerLogfileForCache enrolls a sealed logfile's in-memory buffer as a
// cache.CacheManager item, so repeated reads against old data don't pin
// every datafile the collection has ever written into memory forever
// (spec.md §4.1/§9's datafile-unload trigger). The currently-active journal
// is never registered: it is still being appended to, and Unload refuses a
// non-sealed logfile anyway.
func (c *Collection) registerLogfileForCache(fid uint64, lf *wal.Logfile) {
	if lf.State() != wal.StateSealed {
		return
	}
	c.cacheMu.Lock()
	already := c.cacheTracked[fid]
	if !already {
		c.cacheTracked[fid] = true
	}
	c.cacheMu.Unlock()
	if already {
		return
	}
	c.cacheMgr.AddItem(lf, lf.Size(), 1,
		func(pointer interface{}) { c.evictLogfile(pointer.(*wal.Logfile)) },
		func(pointer interface{}) time.Time { return pointer.(*wal.Logfile).LastAccess() },
	)
}

// evictLogfile is the CacheManager cleanup callback for one sealed logfile:
// it clears every header's body-pointer into that logfile before unmapping
// it, matching spec.md §3's "if the datafile is unloaded all headers
// pointing into it must be evicted first." The header itself (key, fid,
// offset, revision) survives — only the cached direct pointer into the
// now-unmapped memory is invalidated; a later read transparently faults the
// logfile's buffer back in via wal.Logfile.Reload.
func (c *Collection) evictLogfile(lf *wal.Logfile) {
	c.evictHeadersFor(lf.ID)
	lf.Unload()
}

func (c *Collection) evictHeadersFor(fid uint64) {
	c.headers.Walk(func(h *headerindex.Header) bool {
		if h.FID == fid {
			h.BodyPointer = 0
		}
		return true
	})
}

// forgetLogfileCache drops a logfile's cache bookkeeping without running its
// cleanup callback, used by Compact when a logfile's backing file has
// already been deleted.
func (c *Collection) forgetLogfileCache(fid uint64, lf *wal.Logfile) {
	c.cacheMu.Lock()
	tracked := c.cacheTracked[fid]
	delete(c.cacheTracked, fid)
	c.cacheMu.Unlock()
	if tracked {
		c.cacheMgr.Delete(lf)
	}
}

// NewLogfile implements wal.Rotator: every call to it happens either before
// the collection is shared (CreateCollection, OpenCollection) or while the
// collection's write lock is held (ring.NextUnused, reached from
// appendBody), so nextFileSeq needs no separate lock of its own.
func (c *Collection) NewLogfile() (*wal.Logfile, error) {
	id := c.nextFileSeq
	c.nextFileSeq++
	handle, err := c.backend.OpenFile(journalName(id))
	if err != nil {
		return nil, errs.Wrap(errs.KindWriteError, err, "creating journal file")
	}
	lf, err := wal.CreateLogfile(handle, id, int64(c.params.MaximalSize))
	if err != nil {
		return nil, err
	}
	c.logfiles[id] = lf
	c.logfileNames[id] = journalName(id)
	return lf, nil
}

func (c *Collection) CID() uint64                   { return c.params.CID }
func (c *Collection) Name() string                  { return c.params.Name }
func (c *Collection) Parameters() config.CollectionParameters { return c.params }

// appendBody marshals body, reserves a slot sized to match, fills in the
// real tick once NextUnused returns it, and hands the bytes to the ring.
// The probe/real two-pass Encode is safe because both calls marshal the
// exact same already-computed raw bytes — tick is a fixed-width field, so
// it can never change the marker's aligned size between passes.
func (c *Collection) appendBody(typ datafile.MarkerType, body interface{}, forceSync bool) (*wal.Slot, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, errs.Wrap(errs.KindDocumentTypeInvalid, err, "marshaling marker body")
	}
	probe := datafile.Encode(typ, 0, raw)
	slot, err := c.ring.NextUnused(uint32(len(probe)))
	if err != nil {
		return nil, err
	}
	marker := datafile.Encode(typ, slot.Tick, raw)
	copy(slot.Mem, marker)
	c.ring.ReturnUsed(slot, forceSync)
	c.sc.Stats.AddMarker(slot.Size)
	if forceSync {
		if err := c.ring.Flush(true, c.ring.DefaultPersist); err != nil {
			return nil, err
		}
	}
	return slot, nil
}

// emitSchemaDeltas persists an attribute-name marker for every name FindAttributeName
// minted since attrBase, and a shape marker for every shape FindShape minted
// since shapeBase — spec.md §3's "attribute-name record" / "shape record"
// marker kinds, written ahead of the document marker that needed them so
// replay can re-derive the same ids in the same order before it reaches
// that document.
func (c *Collection) emitSchemaDeltas(attrBase, shapeBase int) error {
	for _, name := range c.shp.AttributeNamesFrom(attrBase) {
		if _, err := c.appendBody(datafile.MarkerAttributeName, attributeNameMarkerBody{Name: name}, false); err != nil {
			return err
		}
	}
	for _, sh := range c.shp.ShapesFrom(shapeBase) {
		body := shapeMarkerBody{Descriptor: sh.Describe()}
		if _, err := c.appendBody(datafile.MarkerShape, body, false); err != nil {
			return err
		}
	}
	return nil
}

func generateKey() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// Insert implements spec.md §4.4's insert operation.
func (c *Collection) Insert(key string, doc map[string]interface{}, waitForSync bool, edge *EdgeFields) (MPtr, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if key == "" {
		key = generateKey()
	}
	if existing, ok := c.headers.Lookup(key); ok && !existing.IsTombstone() {
		return MPtr{}, errs.New(errs.KindDuplicateIdentifier, "key already exists: "+key)
	}

	attrBase, shapeBase := c.shp.AttributeCount(), c.shp.ShapeCount()
	sid, shaped, err := c.shp.ToShaped(doc)
	if err != nil {
		return MPtr{}, err
	}
	if err := c.emitSchemaDeltas(attrBase, shapeBase); err != nil {
		return MPtr{}, err
	}

	body := docMarkerBody{Key: key, ShapeID: uint32(sid), Shaped: shaped, Edge: edgeToBody(edge)}
	markerType := datafile.MarkerDocument
	if edge != nil {
		markerType = datafile.MarkerEdge
	}
	forceSync := c.params.WaitForSync || waitForSync
	slot, err := c.appendBody(markerType, body, forceSync)
	if err != nil {
		return MPtr{}, err
	}

	h := c.headers.Request(slot.Size)
	h.FID, h.Offset, h.BodyPointer, h.Revision = slot.LogfileID, slot.Offset, 0, slot.Tick
	c.headers.Publish(key, h)

	if err := c.insertIntoIndexes(doc, key); err != nil {
		// Unlike update's rollback (which has a prior state to restore via
		// Relink), a failed insert has none: the key must go back to being
		// entirely absent, not linger as a lookup-able-but-unordered header,
		// so the caller's failed insert never becomes visible to a later Read.
		c.headers.Release(h, true)
		return MPtr{}, err
	}

	tx := currentTx()
	if tx != nil {
		tx.noteOp(c.params.CID)
	}
	if c.replSink != nil && !c.system {
		c.emitOrBufferDocEvent(tx, "insert", key, nil, doc)
	}
	return mptrFromHeader(h, edge), nil
}

// emitOrBufferDocEvent routes one operation's replication event either
// straight onto the sink (no enclosing transaction, or a single-operation
// transaction that never brackets with start/commit markers) or into tx's
// buffer to be flushed in order once Commit opens the transaction-start/
// transaction-commit bracket (spec.md §4.6).
func (c *Collection) emitOrBufferDocEvent(tx *Tx, kind, key string, oldRev *uint64, doc map[string]interface{}) {
	if tx != nil && !tx.hints.Has(HintSingleOperation) {
		tx.bufferDocEvent(c.params.CID, kind, key, oldRev, doc)
		return
	}
	c.replSink.EmitDocumentEvent(kind, c.params.CID, key, oldRev, doc)
}

// insertIntoIndexes drives every secondary index's Insert, rolling back
// (via Forget) any index that already succeeded if a later one reports a
// unique-constraint violation.
func (c *Collection) insertIntoIndexes(doc map[string]interface{}, key string) error {
	done := 0
	for _, idx := range c.indexes {
		entry := extractEntry(doc, idx.Descriptor().Fields, key)
		if err := idx.Insert(entry); err != nil {
			for i := 0; i < done; i++ {
				prev := c.indexes[i]
				prevEntry := extractEntry(doc, prev.Descriptor().Fields, key)
				prev.Forget(prevEntry)
			}
			return err
		}
		done++
	}
	return nil
}

func extractEntry(doc map[string]interface{}, fields []string, key string) index.Entry {
	vals := make([]interface{}, len(fields))
	for i, f := range fields {
		vals[i] = doc[f]
	}
	return index.Entry{Key: key, Values: vals}
}

// resolveRevisionConflict applies spec.md §4.4's policy table for update/remove.
func resolveRevisionConflict(expectedRev *uint64, actual uint64, policy Policy) error {
	if expectedRev == nil || *expectedRev == actual {
		return nil
	}
	switch policy {
	case PolicyLastWrite:
		return nil
	case PolicyIllegal:
		return errs.New(errs.KindForbidden, "revision mismatch not permitted under ILLEGAL policy")
	default:
		return errs.New(errs.KindConflict, "expected revision does not match stored revision")
	}
}

// Update implements spec.md §4.4's update operation.
func (c *Collection) Update(key string, doc map[string]interface{}, expectedRev *uint64, policy Policy, waitForSync bool) (MPtr, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	h, ok := c.headers.Lookup(key)
	if !ok || h.IsTombstone() {
		return MPtr{}, errs.New(errs.KindDocumentNotFound, "key not found: "+key)
	}
	if err := resolveRevisionConflict(expectedRev, h.Revision, policy); err != nil {
		return MPtr{}, err
	}

	oldDoc, _, oldEdge, err := c.readAt(h.FID, h.Offset)
	if err != nil {
		return MPtr{}, err
	}

	attrBase, shapeBase := c.shp.AttributeCount(), c.shp.ShapeCount()
	sid, shaped, err := c.shp.ToShaped(doc)
	if err != nil {
		return MPtr{}, err
	}
	if err := c.emitSchemaDeltas(attrBase, shapeBase); err != nil {
		return MPtr{}, err
	}

	edge := oldEdge
	body := docMarkerBody{Key: key, ShapeID: uint32(sid), Shaped: shaped, Edge: edgeToBody(edge)}
	markerType := datafile.MarkerDocument
	if edge != nil {
		markerType = datafile.MarkerEdge
	}
	forceSync := c.params.WaitForSync || waitForSync
	slot, err := c.appendBody(markerType, body, forceSync)
	if err != nil {
		return MPtr{}, err
	}

	snapshot := headerindex.SnapshotOf(h)
	oldFID, oldOffset, oldRev := h.FID, h.Offset, h.Revision
	h.FID, h.Offset, h.BodyPointer, h.Revision = slot.LogfileID, slot.Offset, 0, slot.Tick
	c.headers.MoveBack(h, slot.Size)

	if err := c.updateIndexes(oldDoc, doc, key); err != nil {
		h.FID, h.Offset, h.Revision = oldFID, oldOffset, oldRev
		c.headers.Relink(h, snapshot)
		return MPtr{}, err
	}

	tx := currentTx()
	if tx != nil {
		tx.noteOp(c.params.CID)
	}
	if c.replSink != nil && !c.system {
		rev := oldRev
		c.emitOrBufferDocEvent(tx, "update", key, &rev, doc)
	}
	return mptrFromHeader(h, edge), nil
}

// Remove implements spec.md §4.4's remove operation.
func (c *Collection) Remove(key string, expectedRev *uint64, policy Policy, waitForSync bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	h, ok := c.headers.Lookup(key)
	if !ok || h.IsTombstone() {
		return errs.New(errs.KindDocumentNotFound, "key not found: "+key)
	}
	if err := resolveRevisionConflict(expectedRev, h.Revision, policy); err != nil {
		return err
	}

	oldDoc, _, _, err := c.readAt(h.FID, h.Offset)
	if err != nil {
		return err
	}

	forceSync := c.params.WaitForSync || waitForSync
	slot, err := c.appendBody(datafile.MarkerDeletion, deletionMarkerBody{Key: key}, forceSync)
	if err != nil {
		return err
	}

	oldRev := h.Revision
	c.headers.Unlink(h)
	h.FID, h.Offset, h.BodyPointer = slot.LogfileID, slot.Offset, 0
	h.DeletionTick = slot.Tick

	for _, idx := range c.indexes {
		entry := extractEntry(oldDoc, idx.Descriptor().Fields, key)
		idx.Remove(entry)
	}

	tx := currentTx()
	if tx != nil {
		tx.noteOp(c.params.CID)
	}
	if c.replSink != nil && !c.system {
		c.emitOrBufferDocEvent(tx, "remove", key, &oldRev, nil)
	}
	return nil
}

// Walk iterates every live document in c in insertion/last-modification
// order (front to back), reading each one back from its datafile. The
// replication logger's system collection uses this to serve "events after
// tick" polls without needing a secondary index of its own: event primary
// keys are decimal ticks, and ticks are already monotone in insertion order.
func (c *Collection) Walk(fn func(key string, doc map[string]interface{}, rev uint64) bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var outerErr error
	c.headers.Walk(func(h *headerindex.Header) bool {
		if h.IsTombstone() {
			return true
		}
		doc, _, _, err := c.readAt(h.FID, h.Offset)
		if err != nil {
			outerErr = err
			return false
		}
		return fn(h.Key, doc, h.Revision)
	})
	return outerErr
}

// Read implements spec.md §4.4's read operation.
func (c *Collection) Read(key string) (map[string]interface{}, MPtr, error) {
	c.mu.Lock()
	h, ok := c.headers.Lookup(key)
	c.mu.Unlock()
	if !ok || h.IsTombstone() {
		return nil, MPtr{}, errs.New(errs.KindDocumentNotFound, "key not found: "+key)
	}
	doc, _, edge, err := c.readAt(h.FID, h.Offset)
	if err != nil {
		return nil, MPtr{}, err
	}
	return doc, mptrFromHeader(h, edge), nil
}

func (c *Collection) readAt(fid uint64, offset int64) (map[string]interface{}, uint32, *EdgeFields, error) {
	lf, ok := c.logfiles[fid]
	if !ok {
		return nil, 0, nil, errs.New(errs.KindIllegalState, "document references an unknown logfile")
	}
	c.registerLogfileForCache(fid, lf)
	m, err := lf.ReadMarkerAt(offset)
	if err != nil {
		return nil, 0, nil, err
	}
	body, err := decodeDocBody(m.Body)
	if err != nil {
		return nil, 0, nil, err
	}
	v, err := c.shp.FromShaped(shaper.ShapeID(body.ShapeID), body.Shaped)
	if err != nil {
		return nil, 0, nil, err
	}
	doc, _ := v.(map[string]interface{})
	return doc, m.Size, edgeFromBody(body.Edge), nil
}

// updateIndexes drives every secondary index's Update, rolling back any
// index that already succeeded if a later one reports a unique-constraint
// violation (spec.md §4.4: "a unique-constraint violation... rolls the step
// back").
func (c *Collection) updateIndexes(oldDoc, newDoc map[string]interface{}, key string) error {
	done := 0
	for _, idx := range c.indexes {
		oldEntry := extractEntry(oldDoc, idx.Descriptor().Fields, key)
		newEntry := extractEntry(newDoc, idx.Descriptor().Fields, key)
		if err := idx.Update(oldEntry, newEntry); err != nil {
			for i := 0; i < done; i++ {
				prev := c.indexes[i]
				prevOld := extractEntry(oldDoc, prev.Descriptor().Fields, key)
				prevNew := extractEntry(newDoc, prev.Descriptor().Fields, key)
				prev.Update(prevNew, prevOld)
			}
			return err
		}
		done++
	}
	return nil
}

// CreateIndex backfills idx's descriptor against every currently-live
// document before persisting the index-create marker, so a unique-index
// creation over data that already violates uniqueness fails loudly instead
// of silently wedging.
func (c *Collection) CreateIndex(desc index.Descriptor) (index.Index, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextIndexID++
	desc.ID = c.nextIndexID
	idx, err := index.New(desc)
	if err != nil {
		return nil, err
	}
	if err := c.backfillIndex(idx); err != nil {
		return nil, err
	}
	if _, err := c.appendBody(datafile.MarkerIndexCreate, indexMarkerBody{CID: c.params.CID, Descriptor: desc}, false); err != nil {
		return nil, err
	}
	c.indexes = append(c.indexes, idx)

	if c.replSink != nil {
		descJSON, _ := json.Marshal(desc)
		c.replSink.EmitIndexEvent("create", c.params.CID, descJSON)
	}
	return idx, nil
}

// DropIndex removes the index with the given id.
func (c *Collection) DropIndex(id uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, idx := range c.indexes {
		if idx.Descriptor().ID != id {
			continue
		}
		if _, err := c.appendBody(datafile.MarkerIndexDrop, indexMarkerBody{CID: c.params.CID, Descriptor: idx.Descriptor()}, false); err != nil {
			return err
		}
		idx.Cleanup()
		c.indexes = append(c.indexes[:i], c.indexes[i+1:]...)
		if c.replSink != nil {
			descJSON, _ := json.Marshal(idx.Descriptor())
			c.replSink.EmitIndexEvent("drop", c.params.CID, descJSON)
		}
		return nil
	}
	return errs.New(errs.KindIllegalState, "index not found")
}

func (c *Collection) backfillIndex(idx index.Index) error {
	var outerErr error
	c.headers.Walk(func(h *headerindex.Header) bool {
		if h.IsTombstone() {
			return true
		}
		doc, _, _, err := c.readAt(h.FID, h.Offset)
		if err != nil {
			outerErr = err
			return false
		}
		entry := extractEntry(doc, idx.Descriptor().Fields, h.Key)
		if err := idx.Insert(entry); err != nil {
			outerErr = err
			return false
		}
		return true
	})
	return outerErr
}

// replayMarker rebuilds one marker's effect on the collection's in-memory
// state during OpenCollection recovery. Index membership is rebuilt once,
// after every logfile has been replayed, via backfillIndex — the live
// header set at the end of recovery is exactly the set an index should
// contain, regardless of how document and index-create markers interleaved
// on disk.
func (c *Collection) replayMarker(m datafile.Marker, pos int64, fid uint64) error {
	c.sc.ObserveTick(m.Tick)
	switch m.Type {
	case datafile.MarkerDocument, datafile.MarkerEdge:
		body, err := decodeDocBody(m.Body)
		if err != nil {
			return err
		}
		h, ok := c.headers.Lookup(body.Key)
		if !ok {
			h = c.headers.Request(m.Size)
			c.headers.Publish(body.Key, h)
		} else {
			c.headers.MoveBack(h, m.Size)
		}
		h.FID, h.Offset, h.BodyPointer, h.Revision, h.DeletionTick = fid, pos, 0, m.Tick, 0
	case datafile.MarkerDeletion:
		body, err := decodeDeletionBody(m.Body)
		if err != nil {
			return err
		}
		if h, ok := c.headers.Lookup(body.Key); ok {
			c.headers.Unlink(h)
			h.FID, h.Offset, h.BodyPointer, h.DeletionTick = fid, pos, 0, m.Tick
		}
	case datafile.MarkerAttributeName:
		var b attributeNameMarkerBody
		if err := json.Unmarshal(m.Body, &b); err != nil {
			return errs.Wrap(errs.KindDatafileCorrupted, err, "decoding attribute-name marker")
		}
		c.shp.FindAttributeName(b.Name)
	case datafile.MarkerShape:
		var b shapeMarkerBody
		if err := json.Unmarshal(m.Body, &b); err != nil {
			return errs.Wrap(errs.KindDatafileCorrupted, err, "decoding shape marker")
		}
		if _, err := c.shp.ShapeFromDescriptor(b.Descriptor); err != nil {
			return err
		}
	case datafile.MarkerIndexCreate:
		var b indexMarkerBody
		if err := json.Unmarshal(m.Body, &b); err != nil {
			return errs.Wrap(errs.KindDatafileCorrupted, err, "decoding index-create marker")
		}
		idx, err := index.New(b.Descriptor)
		if err != nil {
			return err
		}
		c.indexes = append(c.indexes, idx)
		if b.Descriptor.ID >= c.nextIndexID {
			c.nextIndexID = b.Descriptor.ID
		}
	case datafile.MarkerIndexDrop:
		var b indexMarkerBody
		if err := json.Unmarshal(m.Body, &b); err != nil {
			return errs.Wrap(errs.KindDatafileCorrupted, err, "decoding index-drop marker")
		}
		for i, idx := range c.indexes {
			if idx.Descriptor().ID == b.Descriptor.ID {
				c.indexes = append(c.indexes[:i], c.indexes[i+1:]...)
				break
			}
		}
	case datafile.MarkerCollectionRename:
		var b collectionMarkerBody
		if err := json.Unmarshal(m.Body, &b); err != nil {
			return errs.Wrap(errs.KindDatafileCorrupted, err, "decoding collection-rename marker")
		}
		c.params.Name = b.NewName
	}
	return nil
}
