// Package persist abstracts the byte-storage layer beneath a collection
// directory (spec.md §6.2), grounded in the teacher's PersistenceEngine
// interface (storage/persistence.go): the datafile/WAL format above this
// package is the same regardless of where the bytes ultimately live.
package persist

import "io"

// Handle is a random-access byte region: a datafile or a WAL logfile.
// *os.File already satisfies everything but Size, which FileBackend
// supplies via Stat.
type Handle interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
	Truncate(size int64) error
	Sync() error
	Size() (int64, error)
}

// Backend is one collection's (or one database's) durable storage area.
// Implementations: FileBackend (default, local disk), S3Backend, and
// CephBackend (behind the "ceph" build tag, mirroring the teacher's
// persistence-ceph.go / persistence-ceph-stub.go split).
type Backend interface {
	// ReadParameter/WriteParameter persist parameter.json (collections) or
	// schema-level config (database root).
	ReadParameter(name string) ([]byte, error)
	WriteParameter(name string, data []byte) error

	// OpenFile opens (creating if necessary) a named region — a journal,
	// a sealed datafile, or a WAL logfile segment.
	OpenFile(name string) (Handle, error)
	// ListFiles lists the names of regions that start with prefix, used at
	// startup to discover existing journal-<n>.db/compactor-<n>.db.
	ListFiles(prefix string) ([]string, error)
	RemoveFile(name string) error

	// Remove deletes the entire backing area (used when dropping a
	// collection or a database).
	Remove() error
}

// Factory creates a Backend rooted at a given logical path (a database name,
// or "<database>/collection-<cid>").
type Factory interface {
	Open(path string) (Backend, error)
}
