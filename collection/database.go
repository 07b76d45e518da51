package collection

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	nlrm "github.com/launix-de/NonLockingReadMap"

	"github.com/nectardb/nectar/config"
	"github.com/nectardb/nectar/datafile"
	"github.com/nectardb/nectar/errs"
	"github.com/nectardb/nectar/persist"
	"github.com/nectardb/nectar/server"
)

// byCID and byName are the two lookup directions a Database needs over its
// live collection set. NonLockingReadMap requires its value type to carry
// GetKey/ComputeSize, so *Collection itself (which embeds a sync.Mutex)
// cannot be stored directly — each wrapper is a small, copyable value
// holding a pointer to the real Collection instead.
type byCID struct {
	cid uint64
	col *Collection
}

func (b byCID) GetKey() uint64     { return b.cid }
func (b byCID) ComputeSize() uint  { return 32 }

type byName struct {
	name string
	col  *Collection
}

func (b byName) GetKey() string    { return b.name }
func (b byName) ComputeSize() uint { return uint(16 + len(b.name)) }

// schemaFile is the database-root record of every collection it owns,
// mirroring the teacher's database.go schema.json (storage/database.go's
// db.save(): MkdirAll then a plain indented json.Marshal of its table set).
type schemaFile struct {
	NextCID     uint64                         `json:"nextCid"`
	Collections []config.CollectionParameters  `json:"collections"`
}

// Database owns a named set of collections sharing one backend factory and
// one replication sink, generalizing the teacher's database{Name, path,
// Tables, schemalock} (storage/database.go) from a fixed in-process map
// protected by a mutex to the lock-free read path NonLockingReadMap gives
// collection lookups, which vastly outnumber collection create/drop calls.
type Database struct {
	name    string
	sc      *server.ServerContext
	factory persist.Factory
	root    persist.Backend

	schemaMu sync.Mutex
	nextCID  uint64

	byCID  nlrm.NonLockingReadMap[byCID, uint64]
	byName nlrm.NonLockingReadMap[byName, string]

	replSink ReplicationSink
}

func collectionPath(dbName string, cid uint64) string {
	return fmt.Sprintf("%s/collection-%d", dbName, cid)
}

// CreateDatabase initializes a fresh, empty database under factory.
func CreateDatabase(sc *server.ServerContext, factory persist.Factory, name string) (*Database, error) {
	root, err := factory.Open(name)
	if err != nil {
		return nil, errs.Wrap(errs.KindWriteError, err, "opening database root")
	}
	db := &Database{name: name, sc: sc, factory: factory, root: root, byCID: nlrm.New[byCID, uint64](), byName: nlrm.New[byName, string]()}
	if err := db.save(); err != nil {
		return nil, err
	}
	return db, nil
}

// OpenDatabase reopens an existing database, replaying every collection it
// lists in schema.json (spec.md §8 startup recovery).
func OpenDatabase(sc *server.ServerContext, factory persist.Factory, name string) (*Database, error) {
	root, err := factory.Open(name)
	if err != nil {
		return nil, errs.Wrap(errs.KindReadError, err, "opening database root")
	}
	db := &Database{name: name, sc: sc, factory: factory, root: root, byCID: nlrm.New[byCID, uint64](), byName: nlrm.New[byName, string]()}

	raw, err := root.ReadParameter("schema.json")
	if err != nil {
		// A database root with no schema.json yet is indistinguishable from
		// brand-new: treat it the same way CreateDatabase would.
		if err := db.save(); err != nil {
			return nil, err
		}
		return db, nil
	}
	var sf schemaFile
	if err := json.Unmarshal(raw, &sf); err != nil {
		return nil, errs.Wrap(errs.KindDatafileCorrupted, err, "parsing schema.json")
	}
	db.nextCID = sf.NextCID

	for _, params := range sf.Collections {
		backend, err := factory.Open(collectionPath(name, params.CID))
		if err != nil {
			return nil, errs.Wrap(errs.KindReadError, err, "opening collection backend")
		}
		col, err := OpenCollection(sc, backend, params)
		if err != nil {
			return nil, err
		}
		col.db = db
		col.replSink = db.replSink
		db.byCID.Set(&byCID{cid: params.CID, col: col})
		db.byName.Set(&byName{name: params.Name, col: col})
	}
	return db, nil
}

// SetReplicationSink wires every already-open collection (and every
// collection created afterward) to sink.
func (db *Database) SetReplicationSink(sink ReplicationSink) {
	db.replSink = sink
	for _, entry := range db.byCID.GetAll() {
		entry.col.replSink = sink
	}
}

func (db *Database) save() error {
	cols := db.byCID.GetAll()
	params := make([]config.CollectionParameters, len(cols))
	for i, entry := range cols {
		params[i] = entry.col.Parameters()
	}
	sort.Slice(params, func(i, j int) bool { return params[i].CID < params[j].CID })
	raw, err := json.MarshalIndent(schemaFile{NextCID: db.nextCID, Collections: params}, "", "  ")
	if err != nil {
		return errs.Wrap(errs.KindDocumentTypeInvalid, err, "marshaling schema.json")
	}
	return db.root.WriteParameter("schema.json", raw)
}

// CreateCollection allocates a new cid, opens its backend, and creates its
// on-disk collection state.
func (db *Database) CreateCollection(name string, typ config.CollectionType, waitForSync bool, maxSize config.ByteSize) (*Collection, error) {
	db.schemaMu.Lock()
	defer db.schemaMu.Unlock()

	if db.byName.Get(name) != nil {
		return nil, errs.New(errs.KindDuplicateIdentifier, "collection already exists: "+name)
	}
	db.nextCID++
	cid := db.nextCID

	backend, err := db.factory.Open(collectionPath(db.name, cid))
	if err != nil {
		return nil, errs.Wrap(errs.KindWriteError, err, "opening collection backend")
	}
	params := config.CollectionParameters{CID: cid, Name: name, Type: typ, WaitForSync: waitForSync, MaximalSize: maxSize}
	col, err := CreateCollection(db.sc, backend, params)
	if err != nil {
		return nil, err
	}
	col.db = db
	col.replSink = db.replSink

	if _, err := col.appendBody(datafile.MarkerCollectionCreate, collectionMarkerBody{CID: cid, Name: name}, false); err != nil {
		return nil, err
	}

	db.byCID.Set(&byCID{cid: cid, col: col})
	db.byName.Set(&byName{name: name, col: col})
	if err := db.save(); err != nil {
		return nil, err
	}
	if db.replSink != nil {
		db.replSink.EmitCollectionEvent("create", cid, name, "")
	}
	return col, nil
}

// DropCollection removes a collection's backing storage and its entry from
// both lookup directions.
func (db *Database) DropCollection(name string) error {
	db.schemaMu.Lock()
	defer db.schemaMu.Unlock()

	entry := db.byName.Get(name)
	if entry == nil {
		return errs.New(errs.KindCollectionNotFound, "no such collection: "+name)
	}
	col := entry.col
	db.byName.Remove(name)
	db.byCID.Remove(col.CID())
	if err := col.backend.Remove(); err != nil {
		return errs.Wrap(errs.KindWriteError, err, "removing collection storage")
	}
	if err := db.save(); err != nil {
		return err
	}
	if db.replSink != nil {
		db.replSink.EmitCollectionEvent("drop", col.CID(), name, "")
	}
	return nil
}

// RenameCollection updates a collection's name in both lookup directions,
// its persisted parameter.json, and writes a collection-rename marker into
// its own journal so recovery replays the new name (spec.md §3's marker
// taxonomy lists collection-rename explicitly).
func (db *Database) RenameCollection(oldName, newName string) error {
	db.schemaMu.Lock()
	defer db.schemaMu.Unlock()

	entry := db.byName.Get(oldName)
	if entry == nil {
		return errs.New(errs.KindCollectionNotFound, "no such collection: "+oldName)
	}
	if db.byName.Get(newName) != nil {
		return errs.New(errs.KindDuplicateIdentifier, "collection already exists: "+newName)
	}
	col := entry.col

	col.mu.Lock()
	col.params.Name = newName
	if _, err := col.appendBody(datafile.MarkerCollectionRename, collectionMarkerBody{CID: col.CID(), Name: oldName, NewName: newName}, false); err != nil {
		col.mu.Unlock()
		return err
	}
	col.mu.Unlock()

	raw, err := json.MarshalIndent(col.Parameters(), "", "  ")
	if err != nil {
		return errs.Wrap(errs.KindDocumentTypeInvalid, err, "marshaling parameter.json")
	}
	if err := col.backend.WriteParameter("parameter.json", raw); err != nil {
		return errs.Wrap(errs.KindWriteError, err, "writing parameter.json")
	}

	db.byName.Remove(oldName)
	db.byName.Set(&byName{name: newName, col: col})
	if err := db.save(); err != nil {
		return err
	}
	if db.replSink != nil {
		db.replSink.EmitCollectionEvent("rename", col.CID(), oldName, newName)
	}
	return nil
}

// CollectionByCID is the lookup direction Tx.AddCollection uses.
func (db *Database) CollectionByCID(cid uint64) (*Collection, bool) {
	entry := db.byCID.Get(cid)
	if entry == nil {
		return nil, false
	}
	return entry.col, true
}

// CollectionByName is the lookup direction a client request resolves a
// collection name to before it ever sees a cid.
func (db *Database) CollectionByName(name string) (*Collection, bool) {
	entry := db.byName.Get(name)
	if entry == nil {
		return nil, false
	}
	return entry.col, true
}

// Collections returns every collection the database currently owns.
func (db *Database) Collections() []*Collection {
	entries := db.byCID.GetAll()
	out := make([]*Collection, len(entries))
	for i, e := range entries {
		out[i] = e.col
	}
	return out
}
