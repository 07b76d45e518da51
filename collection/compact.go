package collection

import (
	"encoding/json"

	"github.com/nectardb/nectar/datafile"
	"github.com/nectardb/nectar/errs"
	"github.com/nectardb/nectar/headerindex"
	"github.com/nectardb/nectar/wal"
)

// compactionTombstoneRatio is the fraction of tombstoned headers past which
// ShouldCompact reports a collection eligible — the trigger spec.md
// §4.2/§9 leaves undefined, decided here analogously to the teacher's
// max_shardsize-triggered shard rollover (storage/table.go).
const compactionTombstoneRatio = 0.5

// TombstoneRatio returns the fraction of c's header-index entries that are
// tombstones.
func (c *Collection) TombstoneRatio() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tombstoneRatioLocked()
}

func (c *Collection) tombstoneRatioLocked() float64 {
	var total, tomb int
	c.headers.Walk(func(h *headerindex.Header) bool {
		total++
		if h.IsTombstone() {
			tomb++
		}
		return true
	})
	if total == 0 {
		return 0
	}
	return float64(tomb) / float64(total)
}

// ShouldCompact reports whether c has accumulated enough tombstones to be
// worth compacting.
func (c *Collection) ShouldCompact() bool {
	return c.TombstoneRatio() >= compactionTombstoneRatio
}

// compactEntry is one live document Compact carries forward into the new
// compactor file.
type compactEntry struct {
	h   *headerindex.Header
	fid uint64
	off int64
}

// Compact rewrites every sealed (non-active) logfile into one fresh
// compactor file holding only live markers, swaps it in as the collection's
// sealed history, and deletes the originals — spec.md §6.2's
// compactor-<n>.db, and §3's "[headers are] removed on compaction of their
// tombstone." Grounded on the teacher's storageShard.rebuild()
// (storage/shard.go): build the new generation fully before retiring what
// it replaces. Run under c.mu, like every other mutating collection
// operation, so concurrent Insert/Update/Remove never observe a header
// mid-rewrite.
func (c *Collection) Compact() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	activeID := c.ring.ActiveLogfileID()
	sealed := make(map[uint64]*wal.Logfile)
	var capacity int64
	for id, lf := range c.logfiles {
		if id == activeID || lf.State() != wal.StateSealed {
			continue
		}
		sealed[id] = lf
		capacity += lf.Size()
	}
	if len(sealed) == 0 {
		return nil
	}

	id := c.nextFileSeq
	c.nextFileSeq++
	handle, err := c.backend.OpenFile(compactorName(id))
	if err != nil {
		return errs.Wrap(errs.KindWriteError, err, "creating compactor file")
	}
	out, err := wal.CreateLogfile(handle, id, capacity)
	if err != nil {
		return err
	}

	// Carry forward every attribute-name/shape marker the collection has
	// ever minted, not just the ones the copied documents reference: those
	// markers may have lived only in the sealed files about to be deleted.
	// Interning is idempotent (shaper.FindAttributeName/FindShape dedupe by
	// name/canonical key), so repeating them here is always safe.
	for _, name := range c.shp.AttributeNamesFrom(0) {
		raw, merr := json.Marshal(attributeNameMarkerBody{Name: name})
		if merr != nil {
			return errs.Wrap(errs.KindDocumentTypeInvalid, merr, "marshaling attribute-name marker")
		}
		if _, err := appendMarkerTo(out, datafile.MarkerAttributeName, raw, c.sc.NextTick()); err != nil {
			return err
		}
	}
	for _, sh := range c.shp.ShapesFrom(0) {
		raw, merr := json.Marshal(shapeMarkerBody{Descriptor: sh.Describe()})
		if merr != nil {
			return errs.Wrap(errs.KindDocumentTypeInvalid, merr, "marshaling shape marker")
		}
		if _, err := appendMarkerTo(out, datafile.MarkerShape, raw, c.sc.NextTick()); err != nil {
			return err
		}
	}

	var live []compactEntry
	var tombstones []*headerindex.Header
	c.headers.Walk(func(h *headerindex.Header) bool {
		if _, ok := sealed[h.FID]; !ok {
			return true
		}
		if h.IsTombstone() {
			tombstones = append(tombstones, h)
		} else {
			live = append(live, compactEntry{h: h, fid: h.FID, off: h.Offset})
		}
		return true
	})

	for _, e := range live {
		src := c.logfiles[e.fid]
		m, err := src.ReadMarkerAt(e.off)
		if err != nil {
			return err
		}
		tick := c.sc.NextTick()
		offset, err := appendMarkerTo(out, m.Type, m.Body, tick)
		if err != nil {
			return err
		}
		e.h.FID, e.h.Offset, e.h.BodyPointer, e.h.Revision = out.ID, offset, 0, tick
	}

	if err := out.Seal(c.sc.NextTick()); err != nil {
		return err
	}
	if err := out.Persist(0, out.Size()); err != nil {
		return err
	}

	// Only now, with the new generation durable, do tombstones finally go
	// away and the old generation get deleted.
	for _, h := range tombstones {
		c.headers.Release(h, true)
	}

	c.logfiles[out.ID] = out
	c.logfileNames[out.ID] = compactorName(out.ID)

	for fid, lf := range sealed {
		delete(c.logfiles, fid)
		name := c.logfileNames[fid]
		delete(c.logfileNames, fid)
		c.forgetLogfileCache(fid, lf)
		if name != "" {
			if err := c.backend.RemoveFile(name); err != nil {
				return errs.Wrap(errs.KindWriteError, err, "removing compacted logfile")
			}
		}
	}

	c.registerLogfileForCache(out.ID, out)
	return nil
}

// appendMarkerTo reserves and writes one marker directly into lf, bypassing
// the WAL ring — used only by Compact, which builds a logfile outside any
// collection's live write path.
func appendMarkerTo(lf *wal.Logfile, typ datafile.MarkerType, body []byte, tick uint64) (int64, error) {
	marker := datafile.Encode(typ, tick, body)
	offset, ok := lf.Reserve(uint32(len(marker)))
	if !ok {
		return 0, errs.New(errs.KindDatafileFull, "compactor file has no room for marker")
	}
	lf.WriteInto(offset, marker)
	return offset, nil
}
