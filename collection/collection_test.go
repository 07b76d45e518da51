package collection

import (
	"testing"

	"github.com/nectardb/nectar/config"
	"github.com/nectardb/nectar/errs"
	"github.com/nectardb/nectar/index"
	"github.com/nectardb/nectar/persist"
	"github.com/nectardb/nectar/server"
	"github.com/nectardb/nectar/txctx"
)

func newTestDB(t *testing.T) (*server.ServerContext, *Database) {
	t.Helper()
	sc := server.New()
	factory := &persist.FileFactory{Basepath: t.TempDir()}
	db, err := CreateDatabase(sc, factory, "testdb")
	if err != nil {
		t.Fatalf("CreateDatabase: %v", err)
	}
	t.Cleanup(sc.Shutdown)
	return sc, db
}

func mustCollection(t *testing.T, db *Database, name string, typ config.CollectionType) *Collection {
	t.Helper()
	col, err := db.CreateCollection(name, typ, false, 0)
	if err != nil {
		t.Fatalf("CreateCollection(%s): %v", name, err)
	}
	return col
}

// Scenario 1 of spec.md §8: insert and read.
func TestInsertAndRead(t *testing.T) {
	_, db := newTestDB(t)
	col := mustCollection(t, db, "C", config.CollectionTypeDocument)

	mptr, err := col.Insert("k1", map[string]interface{}{"a": float64(1), "b": "x"}, false, nil)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if mptr.Key != "k1" {
		t.Fatalf("expected key k1, got %s", mptr.Key)
	}

	doc, read, err := col.Read("k1")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if read.Revision != mptr.Revision {
		t.Fatalf("expected revision %d, got %d", mptr.Revision, read.Revision)
	}
	if doc["a"] != float64(1) || doc["b"] != "x" {
		t.Fatalf("unexpected document: %+v", doc)
	}
}

func TestInsertDuplicateKeyFails(t *testing.T) {
	_, db := newTestDB(t)
	col := mustCollection(t, db, "C", config.CollectionTypeDocument)

	if _, err := col.Insert("k1", map[string]interface{}{"a": float64(1)}, false, nil); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	_, err := col.Insert("k1", map[string]interface{}{"a": float64(2)}, false, nil)
	if errs.KindOf(err) != errs.KindDuplicateIdentifier {
		t.Fatalf("expected DuplicateIdentifier, got %v", err)
	}
}

func TestReadMissingKeyFails(t *testing.T) {
	_, db := newTestDB(t)
	col := mustCollection(t, db, "C", config.CollectionTypeDocument)
	_, _, err := col.Read("missing")
	if errs.KindOf(err) != errs.KindDocumentNotFound {
		t.Fatalf("expected DocumentNotFound, got %v", err)
	}
}

// Scenario 2 of spec.md §8: update with conflict policy.
func TestUpdateConflictPolicies(t *testing.T) {
	_, db := newTestDB(t)
	col := mustCollection(t, db, "C", config.CollectionTypeDocument)

	m1, err := col.Insert("k1", map[string]interface{}{"a": float64(1), "b": "x"}, false, nil)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	staleRev := m1.Revision - 1

	_, err = col.Update("k1", map[string]interface{}{"a": float64(2)}, &staleRev, PolicyError, false)
	if errs.KindOf(err) != errs.KindConflict {
		t.Fatalf("expected Conflict, got %v", err)
	}
	doc, _, err := col.Read("k1")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if doc["a"] != float64(1) || doc["b"] != "x" {
		t.Fatalf("expected unchanged document after conflicting update, got %+v", doc)
	}

	m2, err := col.Update("k1", map[string]interface{}{"a": float64(2)}, &staleRev, PolicyLastWrite, false)
	if err != nil {
		t.Fatalf("Update with LAST-WRITE: %v", err)
	}
	if !(m2.Revision > m1.Revision) {
		t.Fatalf("expected new revision to exceed old, got %d <= %d", m2.Revision, m1.Revision)
	}
	doc, _, err = col.Read("k1")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if doc["a"] != float64(2) {
		t.Fatalf("expected a=2 after overwrite, got %+v", doc)
	}
	if _, ok := doc["b"]; ok {
		t.Fatalf("expected b to be gone after full-document overwrite, got %+v", doc)
	}
}

func TestUpdateIllegalPolicyOnMismatch(t *testing.T) {
	_, db := newTestDB(t)
	col := mustCollection(t, db, "C", config.CollectionTypeDocument)
	m1, err := col.Insert("k1", map[string]interface{}{"a": float64(1)}, false, nil)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	bad := m1.Revision + 1
	_, err = col.Update("k1", map[string]interface{}{"a": float64(2)}, &bad, PolicyIllegal, false)
	if errs.KindOf(err) != errs.KindForbidden {
		t.Fatalf("expected Forbidden, got %v", err)
	}
}

func TestUpdateMissingKeyFails(t *testing.T) {
	_, db := newTestDB(t)
	col := mustCollection(t, db, "C", config.CollectionTypeDocument)
	_, err := col.Update("missing", map[string]interface{}{"a": float64(1)}, nil, PolicyError, false)
	if errs.KindOf(err) != errs.KindDocumentNotFound {
		t.Fatalf("expected DocumentNotFound, got %v", err)
	}
}

func TestRemoveThenReadNotFoundAndReinsertAllowed(t *testing.T) {
	_, db := newTestDB(t)
	col := mustCollection(t, db, "C", config.CollectionTypeDocument)

	if _, err := col.Insert("k1", map[string]interface{}{"a": float64(1)}, false, nil); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := col.Remove("k1", nil, PolicyError, false); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, _, err := col.Read("k1"); errs.KindOf(err) != errs.KindDocumentNotFound {
		t.Fatalf("expected DocumentNotFound after remove, got %v", err)
	}

	// A tombstoned key is not a duplicate: re-insertion must succeed
	// (spec.md §3 "Header": "a header whose deletion-tick is nonzero is a
	// tombstone kept for MVCC").
	if _, err := col.Insert("k1", map[string]interface{}{"a": float64(9)}, false, nil); err != nil {
		t.Fatalf("expected re-insert of tombstoned key to succeed: %v", err)
	}
	doc, _, err := col.Read("k1")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if doc["a"] != float64(9) {
		t.Fatalf("unexpected document after reinsert: %+v", doc)
	}
}

func TestRemoveMissingKeyFails(t *testing.T) {
	_, db := newTestDB(t)
	col := mustCollection(t, db, "C", config.CollectionTypeDocument)
	err := col.Remove("missing", nil, PolicyError, false)
	if errs.KindOf(err) != errs.KindDocumentNotFound {
		t.Fatalf("expected DocumentNotFound, got %v", err)
	}
}

// Scenario 3 of spec.md §8: edge insert.
func TestEdgeInsertAndRead(t *testing.T) {
	_, db := newTestDB(t)
	mustCollection(t, db, "C", config.CollectionTypeDocument)
	edges := mustCollection(t, db, "E", config.CollectionTypeEdge)

	edge := &EdgeFields{FromCID: 1, FromKey: "k1", ToCID: 1, ToKey: "k2"}
	mptr, err := edges.Insert("e1", map[string]interface{}{"w": float64(0.5)}, false, edge)
	if err != nil {
		t.Fatalf("Insert edge: %v", err)
	}
	if mptr.Edge == nil || mptr.Edge.FromKey != "k1" || mptr.Edge.ToKey != "k2" {
		t.Fatalf("expected edge fields on master pointer, got %+v", mptr.Edge)
	}

	doc, read, err := edges.Read("e1")
	if err != nil {
		t.Fatalf("Read edge: %v", err)
	}
	if read.Edge == nil || read.Edge.FromCID != 1 || read.Edge.ToCID != 1 {
		t.Fatalf("expected edge fields round-tripped, got %+v", read.Edge)
	}
	if doc["w"] != float64(0.5) {
		t.Fatalf("unexpected edge document: %+v", doc)
	}
}

// A collection reopened against the same backend must rebuild its header
// index, shaper, and secondary indexes purely from its journal (spec.md §8
// scenario 4's "on restart" half, without the crash).
func TestReopenCollectionRecoversState(t *testing.T) {
	sc := server.New()
	defer sc.Shutdown()
	factory := &persist.FileFactory{Basepath: t.TempDir()}
	db, err := CreateDatabase(sc, factory, "testdb")
	if err != nil {
		t.Fatalf("CreateDatabase: %v", err)
	}
	col := mustCollection(t, db, "C", config.CollectionTypeDocument)
	if _, err := col.Insert("k1", map[string]interface{}{"a": float64(1)}, true, nil); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := col.Insert("k2", map[string]interface{}{"a": float64(2)}, true, nil); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := col.Remove("k2", nil, PolicyError, true); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	reopened, err := OpenDatabase(sc, factory, "testdb")
	if err != nil {
		t.Fatalf("OpenDatabase: %v", err)
	}
	col2, ok := reopened.CollectionByName("C")
	if !ok {
		t.Fatalf("expected collection C to survive reopen")
	}
	doc, _, err := col2.Read("k1")
	if err != nil {
		t.Fatalf("Read after reopen: %v", err)
	}
	if doc["a"] != float64(1) {
		t.Fatalf("unexpected document after reopen: %+v", doc)
	}
	if _, _, err := col2.Read("k2"); errs.KindOf(err) != errs.KindDocumentNotFound {
		t.Fatalf("expected k2 to stay tombstoned after reopen, got %v", err)
	}
}

// Transactions: spec.md §4.4's "multi-collection transactions" plus §8's
// commit-tick-exceeds-every-operation-tick invariant.
func TestTransactionCommitAcrossCollections(t *testing.T) {
	_, db := newTestDB(t)
	colA := mustCollection(t, db, "A", config.CollectionTypeDocument)
	colB := mustCollection(t, db, "B", config.CollectionTypeDocument)

	tx := db.Begin(0)
	if _, err := tx.AddCollection(colA.CID(), AccessWrite); err != nil {
		t.Fatalf("AddCollection A: %v", err)
	}
	if _, err := tx.AddCollection(colB.CID(), AccessWrite); err != nil {
		t.Fatalf("AddCollection B: %v", err)
	}

	var lastTick uint64
	runInTx(t, tx, func() {
		mptr, err := colA.Insert("a1", map[string]interface{}{"x": float64(1)}, false, nil)
		if err != nil {
			t.Fatalf("Insert A: %v", err)
		}
		lastTick = mptr.Revision
		mptr, err = colB.Insert("b1", map[string]interface{}{"x": float64(2)}, false, nil)
		if err != nil {
			t.Fatalf("Insert B: %v", err)
		}
		if mptr.Revision <= lastTick {
			t.Fatalf("expected strictly increasing ticks across operations")
		}
		lastTick = mptr.Revision
	})

	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if _, _, err := colA.Read("a1"); err != nil {
		t.Fatalf("expected a1 visible after commit: %v", err)
	}
	if _, _, err := colB.Read("b1"); err != nil {
		t.Fatalf("expected b1 visible after commit: %v", err)
	}
}

func TestTransactionAddUnknownCollectionFails(t *testing.T) {
	_, db := newTestDB(t)
	tx := db.Begin(0)
	if _, err := tx.AddCollection(99, AccessRead); errs.KindOf(err) != errs.KindCollectionNotFound {
		t.Fatalf("expected CollectionNotFound, got %v", err)
	}
}

func TestTransactionNestingOnlyOutermostCommits(t *testing.T) {
	_, db := newTestDB(t)
	col := mustCollection(t, db, "C", config.CollectionTypeDocument)
	tx := db.Begin(0)
	if _, err := tx.AddCollection(col.CID(), AccessWrite); err != nil {
		t.Fatalf("AddCollection: %v", err)
	}
	tx.BeginNested()
	if err := tx.Commit(); err != nil { // inner commit: should just decrement nesting
		t.Fatalf("inner Commit: %v", err)
	}
	if tx.nesting != 0 {
		t.Fatalf("expected nesting back to 0 after inner commit, got %d", tx.nesting)
	}
	if err := tx.Commit(); err != nil { // outer commit: durable
		t.Fatalf("outer Commit: %v", err)
	}
}

// Secondary-index unique-constraint violations roll the header back out of
// the index (spec.md §4.4 "a unique-constraint violation... rolls the step
// back").
func TestInsertRollsBackOnUniqueConstraintViolation(t *testing.T) {
	_, db := newTestDB(t)
	col := mustCollection(t, db, "C", config.CollectionTypeDocument)

	if _, err := col.CreateIndex(index.Descriptor{Kind: index.KindHash, Fields: []string{"email"}, Unique: true}); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}

	if _, err := col.Insert("k1", map[string]interface{}{"email": "a@example.com"}, false, nil); err != nil {
		t.Fatalf("Insert k1: %v", err)
	}
	_, err := col.Insert("k2", map[string]interface{}{"email": "a@example.com"}, false, nil)
	if err == nil {
		t.Fatalf("expected unique-constraint violation on duplicate email")
	}

	// k2's header must not be left dangling in the live set.
	if _, _, readErr := col.Read("k2"); errs.KindOf(readErr) != errs.KindDocumentNotFound {
		t.Fatalf("expected k2 rolled back out of the header index, got %v", readErr)
	}
	// k1 remains intact.
	doc, _, err := col.Read("k1")
	if err != nil {
		t.Fatalf("Read k1: %v", err)
	}
	if doc["email"] != "a@example.com" {
		t.Fatalf("unexpected k1 document: %+v", doc)
	}
}

func TestHandleParsing(t *testing.T) {
	h, err := ParseHandle("C/k1")
	if err != nil {
		t.Fatalf("ParseHandle: %v", err)
	}
	if h.Collection != "C" || h.Key != "k1" {
		t.Fatalf("unexpected handle: %+v", h)
	}
	if h.String() != "C/k1" {
		t.Fatalf("expected round-trip string form, got %s", h.String())
	}

	if _, err := ParseHandle("nocollection"); errs.KindOf(err) != errs.KindInvalidHandle {
		t.Fatalf("expected InvalidHandle for single-component handle, got %v", err)
	}
	if _, err := ParseHandle("C/k1/extra"); errs.KindOf(err) != errs.KindInvalidHandle {
		t.Fatalf("expected InvalidHandle for multi-slash key, got %v", err)
	}
}

func TestDropAndRenameCollection(t *testing.T) {
	_, db := newTestDB(t)
	mustCollection(t, db, "C", config.CollectionTypeDocument)

	if err := db.RenameCollection("C", "D"); err != nil {
		t.Fatalf("RenameCollection: %v", err)
	}
	if _, ok := db.CollectionByName("C"); ok {
		t.Fatalf("expected old name gone after rename")
	}
	col, ok := db.CollectionByName("D")
	if !ok {
		t.Fatalf("expected new name present after rename")
	}
	if col.Name() != "D" {
		t.Fatalf("expected collection's own name updated, got %s", col.Name())
	}

	if err := db.DropCollection("D"); err != nil {
		t.Fatalf("DropCollection: %v", err)
	}
	if _, ok := db.CollectionByName("D"); ok {
		t.Fatalf("expected collection gone after drop")
	}
}

// runInTx drives fn with tx installed as the active transaction via txctx,
// the same mechanism Collection.Insert/Update/Remove use to recover the
// transaction and tally operations into its commit-marker summary.
func runInTx(t *testing.T, tx *Tx, fn func()) {
	t.Helper()
	txctx.Run(tx, fn)
}
