package replication

import (
	"testing"

	"github.com/nectardb/nectar/collection"
	"github.com/nectardb/nectar/config"
	"github.com/nectardb/nectar/persist"
	"github.com/nectardb/nectar/server"
)

func newTestDatabase(t *testing.T, name string) (*server.ServerContext, *collection.Database) {
	t.Helper()
	sc := server.New()
	factory := &persist.FileFactory{Basepath: t.TempDir()}
	db, err := collection.CreateDatabase(sc, factory, name)
	if err != nil {
		t.Fatalf("CreateDatabase: %v", err)
	}
	return sc, db
}

func TestLoggerSuppressesItsOwnSystemCollection(t *testing.T) {
	sc, db := newTestDatabase(t, "db1")

	logger, err := Open(sc, db)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	db.SetReplicationSink(logger)

	col, err := db.CreateCollection("widgets", config.CollectionTypeDocument, false, 0)
	if err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}
	if _, err := col.Insert("w1", map[string]interface{}{"name": "gear"}, false, nil); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	events, err := logger.EventsAfter(0, 0)
	if err != nil {
		t.Fatalf("EventsAfter: %v", err)
	}

	var sawWidgetInsert bool
	for _, ev := range events {
		if ev.Type == EventDocumentInsert && ev.Key == "w1" {
			sawWidgetInsert = true
		}
		if ev.Type == EventDocumentInsert && ev.Key != "w1" {
			// Every document-insert event in this log must describe the
			// widgets collection's own insert, never a recursive record of
			// the replication log appending itself.
			t.Fatalf("unexpected extra document-insert event for key %q", ev.Key)
		}
	}
	if !sawWidgetInsert {
		t.Fatalf("expected a document-insert event for w1, got %+v", events)
	}
}

func TestLoggerTicksAreMonotone(t *testing.T) {
	sc, db := newTestDatabase(t, "db2")
	logger, err := Open(sc, db)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	db.SetReplicationSink(logger)

	col, err := db.CreateCollection("items", config.CollectionTypeDocument, false, 0)
	if err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}
	for i := 0; i < 5; i++ {
		key := string(rune('a' + i))
		if _, err := col.Insert(key, map[string]interface{}{"n": int64(i)}, false, nil); err != nil {
			t.Fatalf("Insert(%s): %v", key, err)
		}
	}

	events, err := logger.EventsAfter(0, 0)
	if err != nil {
		t.Fatalf("EventsAfter: %v", err)
	}
	var last uint64
	for _, ev := range events {
		if ev.Tick <= last {
			t.Fatalf("ticks not strictly increasing: %d after %d", ev.Tick, last)
		}
		last = ev.Tick
	}
}

func TestLoggerEventsAfterFiltersByTick(t *testing.T) {
	sc, db := newTestDatabase(t, "db3")
	logger, err := Open(sc, db)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	db.SetReplicationSink(logger)

	col, err := db.CreateCollection("notes", config.CollectionTypeDocument, false, 0)
	if err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}
	if _, err := col.Insert("n1", map[string]interface{}{"body": "first"}, false, nil); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	all, err := logger.EventsAfter(0, 0)
	if err != nil {
		t.Fatalf("EventsAfter: %v", err)
	}
	if len(all) == 0 {
		t.Fatalf("expected at least one event")
	}

	none, err := logger.EventsAfter(logger.LastID(), 0)
	if err != nil {
		t.Fatalf("EventsAfter: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected no events after the last tick, got %d", len(none))
	}
}

func TestLoggerStopAppendsReplicationStopAndDeactivates(t *testing.T) {
	sc, db := newTestDatabase(t, "db4")
	logger, err := Open(sc, db)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	db.SetReplicationSink(logger)

	if err := logger.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if logger.Active() {
		t.Fatalf("expected logger to be inactive after Stop")
	}

	events, err := logger.EventsAfter(0, 0)
	if err != nil {
		t.Fatalf("EventsAfter: %v", err)
	}
	if len(events) == 0 || events[len(events)-1].Type != EventReplicationStop {
		t.Fatalf("expected last event to be replication-stop, got %+v", events)
	}

	col, err := db.CreateCollection("after-stop", config.CollectionTypeDocument, false, 0)
	if err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}
	if _, err := col.Insert("k", map[string]interface{}{"x": int64(1)}, false, nil); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	after, err := logger.EventsAfter(0, 0)
	if err != nil {
		t.Fatalf("EventsAfter: %v", err)
	}
	if len(after) != len(events) {
		t.Fatalf("expected no new events after Stop, had %d now have %d", len(events), len(after))
	}
}
