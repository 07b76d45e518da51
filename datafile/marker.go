// Package datafile implements the CRC-checked marker framing of the storage
// core's append-only log: encoding and decoding one marker. The log files
// themselves (a collection's journal and its sealed historical files) are
// wal.Logfile values, which store these markers. Grounded on the teacher's
// persistence layer (storage/persistence.go, storage/database.go), which
// never memory-maps anything and instead moves bytes through plain
// os.File/io.ReadCloser and encoding/binary.
package datafile

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/nectardb/nectar/errs"
)

// BlockAlignment is the fixed power-of-two block constant every marker size
// is rounded up to.
const BlockAlignment = 8

// FormatVersion is written into every datafile header marker. Open refuses
// any other value.
const FormatVersion uint32 = 1

// MarkerType enumerates the marker kinds named in the spec's marker taxonomy.
type MarkerType uint32

const (
	MarkerInvalid MarkerType = iota
	MarkerDatafileHeader
	MarkerDatafileFooter
	MarkerDocument
	MarkerEdge
	MarkerDeletion
	MarkerAttributeName
	MarkerShape
	MarkerCollectionCreate
	MarkerCollectionDrop
	MarkerCollectionRename
	MarkerIndexCreate
	MarkerIndexDrop
	MarkerTransactionBegin
	MarkerTransactionCommit
	MarkerReplicationStop
)

func (t MarkerType) String() string {
	switch t {
	case MarkerDatafileHeader:
		return "datafile-header"
	case MarkerDatafileFooter:
		return "datafile-footer"
	case MarkerDocument:
		return "document"
	case MarkerEdge:
		return "edge"
	case MarkerDeletion:
		return "deletion"
	case MarkerAttributeName:
		return "attribute-name"
	case MarkerShape:
		return "shape"
	case MarkerCollectionCreate:
		return "collection-create"
	case MarkerCollectionDrop:
		return "collection-drop"
	case MarkerCollectionRename:
		return "collection-rename"
	case MarkerIndexCreate:
		return "index-create"
	case MarkerIndexDrop:
		return "index-drop"
	case MarkerTransactionBegin:
		return "transaction-begin"
	case MarkerTransactionCommit:
		return "transaction-commit"
	case MarkerReplicationStop:
		return "replication-stop"
	default:
		return "invalid"
	}
}

// headerSize is the fixed common prefix of every marker: size, type, crc, tick.
const headerSize = 4 + 4 + 4 + 8

// Marker is one on-disk log entry: the common prefix plus an opaque body
// (type-specific fields, key bytes, and payload bytes already concatenated
// by the caller — C4 owns that layout, datafile only frames and checksums
// it).
type Marker struct {
	Size uint32
	Type MarkerType
	Crc  uint32
	Tick uint64
	Body []byte
}

// Encode serializes a marker (computing Size and Crc) into an aligned byte
// slice ready to copy into a WAL slot or logfile.
func Encode(typ MarkerType, tick uint64, body []byte) []byte {
	raw := headerSize + len(body)
	aligned := alignUp(uint32(raw))
	buf := make([]byte, aligned)
	binary.LittleEndian.PutUint32(buf[0:4], aligned)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(typ))
	// crc field (buf[8:12]) stays zero while hashing
	binary.LittleEndian.PutUint64(buf[12:20], tick)
	copy(buf[headerSize:], body)

	crc := crc32.ChecksumIEEE(buf[0:headerSize]) // size+type+zero-crc+tick
	crc = crc32Continue(crc, buf[headerSize:])
	binary.LittleEndian.PutUint32(buf[8:12], crc)
	return buf
}

func crc32Continue(seed uint32, more []byte) uint32 {
	tbl := crc32.IEEETable
	return crc32.Update(seed, tbl, more)
}

// Decode parses the common prefix out of raw and verifies its CRC. A
// zero-size marker (all-zero bytes, the unwritten tail of a journal) is
// reported via ErrEndOfData so Iterate knows to stop without treating it as
// corruption.
func Decode(raw []byte) (Marker, error) {
	if len(raw) < headerSize {
		return Marker{}, ErrEndOfData
	}
	size := binary.LittleEndian.Uint32(raw[0:4])
	if size == 0 {
		return Marker{}, ErrEndOfData
	}
	if int(size) > len(raw) {
		return Marker{}, errs.New(errs.KindDatafileCorrupted, "marker size exceeds available bytes")
	}
	typ := MarkerType(binary.LittleEndian.Uint32(raw[4:8]))
	storedCrc := binary.LittleEndian.Uint32(raw[8:12])
	tick := binary.LittleEndian.Uint64(raw[12:20])

	check := make([]byte, headerSize)
	copy(check, raw[0:headerSize])
	binary.LittleEndian.PutUint32(check[8:12], 0)
	crc := crc32.ChecksumIEEE(check)
	crc = crc32Continue(crc, raw[headerSize:size])
	if crc != storedCrc {
		return Marker{}, errs.New(errs.KindDatafileCorrupted, "marker crc mismatch")
	}

	body := append([]byte(nil), raw[headerSize:size]...)
	return Marker{Size: size, Type: typ, Crc: storedCrc, Tick: tick, Body: body}, nil
}

func alignUp(n uint32) uint32 {
	rem := n % BlockAlignment
	if rem == 0 {
		return n
	}
	return n + (BlockAlignment - rem)
}
