// Package wal implements the write-ahead log described in spec.md §4.5: a
// fixed-size ring of pre-allocated slot descriptors handing out byte ranges
// inside rotating logfiles, with group-commit sync regions.
//
// Grounded on the teacher's shard rollover (storage/shard.go triggers a new
// shard once max_shardsize is exceeded) generalized from "shard" to
// "logfile", and on storage/shared_resource.go's small closed state-machine
// style for Logfile's EMPTY/OPEN/SEAL-REQUESTED/SEALED/COLLECT-REQUESTED/
// COLLECTED states.
package wal

import (
	"bytes"
	"encoding/binary"
	"sync"
	"time"

	"github.com/pierrec/lz4/v4"

	"github.com/nectardb/nectar/datafile"
	"github.com/nectardb/nectar/errs"
	"github.com/nectardb/nectar/persist"
)

// State is one of the six logfile lifecycle states named in spec.md §3.
type State int

const (
	StateEmpty State = iota
	StateOpen
	StateSealRequested
	StateSealed
	StateCollectRequested
	StateCollected
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateOpen:
		return "open"
	case StateSealRequested:
		return "seal-requested"
	case StateSealed:
		return "sealed"
	case StateCollectRequested:
		return "collect-requested"
	case StateCollected:
		return "collected"
	default:
		return "unknown"
	}
}

// footerSlotSize is the fixed size reserved at the end of every logfile for
// the seal footer written when the logfile is sealed.
const footerSlotSize = 32

// Logfile is a pre-allocated file backing a contiguous region from which
// slots are carved. Its live bytes are also kept in an in-process buffer
// (buf) — the teacher's persistence layer never mmaps either, so writers
// append into buf directly and the sync loop is what actually moves bytes
// to the backing persist.Handle.
type Logfile struct {
	mu sync.Mutex

	ID     uint64
	handle persist.Handle
	size   int64
	cursor int64
	state  State
	buf    []byte

	syncedUpTo int64     // bytes of buf already persisted to handle
	lastAccess time.Time // last time a reader touched buf; drives cache eviction
}

// headerBody packs a logfile header marker's payload: format version, the
// file id it was created under, and its nominal maximum size, matching
// spec.md §3's datafile header ("file version, nominal maximum size, file
// id").
func headerBody(fid uint64, maxSize int64) []byte {
	body := make([]byte, 24)
	binary.LittleEndian.PutUint64(body[0:8], uint64(datafile.FormatVersion))
	binary.LittleEndian.PutUint64(body[8:16], fid)
	binary.LittleEndian.PutUint64(body[16:24], uint64(maxSize))
	return body
}

// CreateLogfile pre-allocates a new logfile of `size` bytes and writes its
// header marker at offset 0.
func CreateLogfile(handle persist.Handle, id uint64, size int64) (*Logfile, error) {
	if err := handle.Truncate(size); err != nil {
		return nil, errs.Wrap(errs.KindWriteError, err, "preallocating logfile")
	}
	header := datafile.Encode(datafile.MarkerDatafileHeader, 0, headerBody(id, size))
	if int64(len(header)) > size {
		return nil, errs.New(errs.KindDatafileFull, "logfile too small to hold its own header")
	}
	l := &Logfile{ID: id, handle: handle, size: size, state: StateOpen, buf: make([]byte, size)}
	copy(l.buf, header)
	if _, err := handle.WriteAt(header, 0); err != nil {
		return nil, errs.Wrap(errs.KindWriteError, err, "writing logfile header")
	}
	l.cursor = int64(len(header))
	return l, nil
}

// OpenLogfile reads an existing on-disk logfile back for recovery, replaying
// its markers just far enough to find the write cursor and whether a footer
// marker (written by Seal) is present.
//
// A CRC failure partway through is not fatal: spec.md §4.4 requires startup
// recovery to truncate the logfile at the last good marker and continue, so
// that one torn write (the tail of whatever was being appended when the
// process died) does not abort the whole database's recovery.
func OpenLogfile(handle persist.Handle, id uint64) (*Logfile, error) {
	size, err := handle.Size()
	if err != nil {
		return nil, errs.Wrap(errs.KindReadError, err, "stat logfile")
	}
	buf := make([]byte, size)
	if _, err := handle.ReadAt(buf, 0); err != nil {
		return nil, errs.Wrap(errs.KindReadError, err, "reading logfile")
	}
	l := &Logfile{ID: id, handle: handle, size: size, buf: buf, syncedUpTo: size}

	header, err := decodeHeader(buf)
	if err != nil {
		return nil, err
	}

	cursor := int64(header.Size)
	sealed := false
	lastTick := header.Tick
	for cursor < size {
		m, derr := datafile.Decode(buf[cursor:])
		if derr == datafile.ErrEndOfData {
			break
		}
		if derr != nil {
			if err := l.truncateAt(cursor, lastTick); err != nil {
				return nil, err
			}
			return l, nil
		}
		lastTick = m.Tick
		cursor += int64(m.Size)
		if m.Type == datafile.MarkerDatafileFooter {
			sealed = true
			break
		}
	}
	l.cursor = cursor
	if sealed {
		l.state = StateSealed
	} else {
		l.state = StateOpen
	}
	return l, nil
}

// decodeHeader decodes and validates the datafile header marker expected at
// offset 0 of every logfile, rejecting a missing header, wrong marker type,
// or unrecognized format version.
func decodeHeader(buf []byte) (datafile.Marker, error) {
	header, herr := datafile.Decode(buf)
	if herr != nil || header.Type != datafile.MarkerDatafileHeader {
		return datafile.Marker{}, errs.New(errs.KindDatafileCorrupted, "missing or invalid logfile header")
	}
	if len(header.Body) < 8 || binary.LittleEndian.Uint64(header.Body[0:8]) != uint64(datafile.FormatVersion) {
		return datafile.Marker{}, errs.New(errs.KindDatafileCorrupted, "unrecognized logfile format version")
	}
	return header, nil
}

// truncateAt discards everything in l from byte offset at onward (the
// undecodable tail found during OpenLogfile's replay) and seals l at that
// boundary, recording tick as the footer's tick. A fresh logfile then takes
// over as the active journal, exactly as a normal seal-and-rotate would
// (spec.md §4.4: "truncate ... at the last good marker, and startup
// continues").
func (l *Logfile) truncateAt(at int64, tick uint64) error {
	l.mu.Lock()
	for i := at; i < int64(len(l.buf)); i++ {
		l.buf[i] = 0
	}
	zeroed := l.buf[at:]
	l.cursor = at
	l.state = StateOpen
	l.mu.Unlock()
	if _, err := l.handle.WriteAt(zeroed, at); err != nil {
		return errs.Wrap(errs.KindFilesystemFull, err, "zeroing corrupted logfile tail")
	}
	if err := l.handle.Sync(); err != nil {
		return errs.Wrap(errs.KindFilesystemFull, err, "syncing truncated logfile")
	}
	return l.Seal(tick)
}

// Iterate walks markers written into l in order and stops at the footer
// marker. A zero-size marker (unwritten space) ends the walk without error
// when journal is true (the live append tail of the currently-active
// logfile); otherwise it is reported as corruption, since a sealed logfile
// ends with a footer. The header marker at offset 0 is consumed silently
// and never handed to visit.
func (l *Logfile) Iterate(visit func(m datafile.Marker, position int64) error, journal bool) error {
	if err := l.Reload(); err != nil {
		return err
	}
	l.mu.Lock()
	buf := l.buf
	l.lastAccess = time.Now()
	l.mu.Unlock()

	header, err := decodeHeader(buf)
	if err != nil {
		return err
	}
	cursor := int64(header.Size)
	for cursor < int64(len(buf)) {
		m, derr := datafile.Decode(buf[cursor:])
		if derr == datafile.ErrEndOfData {
			if journal {
				return nil
			}
			return errs.New(errs.KindDatafileCorrupted, "sealed logfile ends without a footer marker")
		}
		if derr != nil {
			return derr
		}
		if m.Type == datafile.MarkerDatafileFooter {
			return nil
		}
		if err := visit(m, cursor); err != nil {
			return err
		}
		cursor += int64(m.Size)
	}
	return nil
}

// ReadMarkerAt decodes the single marker beginning at offset, for a reader
// that already knows a header's FID/Offset and wants the marker body
// without an Iterate scan from the start of the logfile.
func (l *Logfile) ReadMarkerAt(offset int64) (datafile.Marker, error) {
	if err := l.Reload(); err != nil {
		return datafile.Marker{}, err
	}
	l.mu.Lock()
	buf := l.buf
	l.lastAccess = time.Now()
	l.mu.Unlock()
	if offset < 0 || offset >= int64(len(buf)) {
		return datafile.Marker{}, errs.New(errs.KindDatafileCorrupted, "marker offset out of range")
	}
	return datafile.Decode(buf[offset:])
}

// Reserve carves out `size` bytes at the current cursor if they fit (leaving
// room for the footer slot); it does not itself write anything.
func (l *Logfile) Reserve(size uint32) (offset int64, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateOpen {
		return 0, false
	}
	need := int64(size)
	if l.cursor+need+footerSlotSize > l.size {
		return 0, false
	}
	offset = l.cursor
	l.cursor += need
	return offset, true
}

// WriteInto copies data into the logfile's in-memory buffer at offset. The
// bytes are not yet durable — that happens when the sync loop picks up the
// covering sync region and calls Persist.
func (l *Logfile) WriteInto(offset int64, data []byte) {
	l.mu.Lock()
	copy(l.buf[offset:], data)
	l.mu.Unlock()
}

// Persist flushes buf[from:to) to the backing handle and syncs it — the
// actual durability step a sync region triggers.
func (l *Logfile) Persist(from, to int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.handle.WriteAt(l.buf[from:to], from); err != nil {
		return errs.Wrap(errs.KindFilesystemFull, err, "persisting logfile range")
	}
	if err := l.handle.Sync(); err != nil {
		return errs.Wrap(errs.KindFilesystemFull, err, "syncing logfile")
	}
	if to > l.syncedUpTo {
		l.syncedUpTo = to
	}
	return nil
}

// Seal writes the footer slot and marks the logfile read-only, matching
// spec.md §4.5's "seal the current logfile (writing a footer-slot)". The
// footer is a real CRC-checked datafile.MarkerDatafileFooter marker (not
// just zero bytes) so OpenLogfile can tell a sealed logfile apart from an
// open one whose tail is simply unwritten.
func (l *Logfile) Seal(tick uint64) error {
	footer := datafile.Encode(datafile.MarkerDatafileFooter, tick, nil)
	l.mu.Lock()
	footerAt := l.cursor
	if footerAt+int64(len(footer)) > l.size {
		l.mu.Unlock()
		return errs.New(errs.KindDatafileFull, "no room reserved for logfile footer")
	}
	copy(l.buf[footerAt:], footer)
	l.cursor += int64(len(footer))
	l.state = StateSealed
	l.mu.Unlock()
	if _, err := l.handle.WriteAt(footer, footerAt); err != nil {
		return errs.Wrap(errs.KindFilesystemFull, err, "writing logfile footer")
	}
	return l.handle.Sync()
}

// RequestCollect marks a sealed logfile eligible for garbage collection
// (every slot SYNCED and every referencing transaction committed).
func (l *Logfile) RequestCollect() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateSealed {
		l.state = StateCollectRequested
	}
}

// MarkCollected finalizes collection bookkeeping for l.
func (l *Logfile) MarkCollected() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = StateCollected
}

func (l *Logfile) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Size returns l's nominal on-disk size (its full pre-allocated extent, not
// the number of bytes written so far).
func (l *Logfile) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// Loaded reports whether l currently holds its bytes in memory.
func (l *Logfile) Loaded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf != nil
}

// LastAccess returns the last time a reader faulted l's buffer in or read
// from it — the recency signal a cache.CacheManager scores eviction by.
func (l *Logfile) LastAccess() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastAccess
}

// Touch records a read against l without performing one, for callers that
// just resolved a header to l and want LastAccess to reflect it.
func (l *Logfile) Touch() {
	l.mu.Lock()
	l.lastAccess = time.Now()
	l.mu.Unlock()
}

// Unload drops l's in-memory buffer, keeping only its backing handle —
// the datafile-unload half of spec.md §4.1/§9's "unloading a datafile
// evicts every header referencing it first" invariant. Only a sealed (or
// already collected) logfile may be unloaded: an open journal's buffer is
// the only copy of bytes the sync loop hasn't necessarily persisted yet.
func (l *Logfile) Unload() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateSealed && l.state != StateCollected {
		return errs.New(errs.KindIllegalState, "cannot unload a logfile that is still open")
	}
	l.buf = nil
	return nil
}

// Reload faults l's buffer back in from its backing handle if Unload has
// dropped it. Iterate and ReadMarkerAt call this themselves, so callers
// never need to invoke it directly; it is a cheap no-op once loaded.
func (l *Logfile) Reload() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.buf != nil {
		return nil
	}
	buf := make([]byte, l.size)
	if _, err := l.handle.ReadAt(buf, 0); err != nil {
		return errs.Wrap(errs.KindReadError, err, "reloading unloaded logfile")
	}
	l.buf = buf
	l.syncedUpTo = l.size
	return nil
}

// Archive compresses a COLLECTED logfile with lz4 into the given handle for
// cold storage. This never touches the live/open/sealed on-disk format —
// only a logfile that has already been fully collected and is no longer
// needed for recovery gets compressed, matching SPEC_FULL.md's wiring of
// github.com/pierrec/lz4/v4.
func (l *Logfile) Archive(dest persist.Handle) error {
	l.mu.Lock()
	state := l.state
	l.mu.Unlock()
	if state != StateCollected {
		return errs.New(errs.KindIllegalState, "archive requires a collected logfile")
	}
	if err := l.Reload(); err != nil {
		return err
	}
	l.mu.Lock()
	buf := l.buf
	l.mu.Unlock()

	var out bytes.Buffer
	zw := lz4.NewWriter(&out)
	if _, err := zw.Write(buf); err != nil {
		return errs.Wrap(errs.KindWriteError, err, "lz4 compressing logfile")
	}
	if err := zw.Close(); err != nil {
		return errs.Wrap(errs.KindWriteError, err, "closing lz4 stream")
	}
	if _, err := dest.WriteAt(out.Bytes(), 0); err != nil {
		return errs.Wrap(errs.KindFilesystemFull, err, "writing archived logfile")
	}
	return dest.Sync()
}
