package replication

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/nectardb/nectar/collection"
	"github.com/nectardb/nectar/config"
	"github.com/nectardb/nectar/errs"
	"github.com/nectardb/nectar/index"
	"github.com/nectardb/nectar/server"
	"github.com/nectardb/nectar/txctx"
)

// minPollInterval / maxPollInterval bound the adaptive idle-poll sleep
// spec.md §4.6 describes: "Adaptive polling doubles the idle sleep up to a
// configured maximum; any event resets it to the minimum." Neither bound is
// one of the persisted ApplierConfig fields (§6.3 lists endpoint-level
// knobs only), so both are applier-internal constants, matching the
// teacher's own habit of hardcoding tuning constants it never exposed as
// config (storage/shard.go's shard-rollover thresholds, for instance).
const (
	minPollInterval = 50 * time.Millisecond
	maxPollInterval = 10 * time.Second
)

// Applier is the follower-side task spec.md §4.6 describes: it polls an
// EventSource for events strictly newer than its own last-applied tick and
// replays them into a local Database under synthetic transactions that
// preserve the source's tid grouping. Grounded in the teacher's worker-pool
// shutdown discipline (storage/partition.go's goroutine workers drained via
// a channel, not a condition variable) and, for the poll loop itself, on
// cuemby-warren's reconciliation loops (pkg/worker) for the shape of an
// adaptive-sleep background task.
type Applier struct {
	sc       *server.ServerContext
	dbRoot   string
	follower *collection.Database
	source   EventSource
	cfg      config.ApplierConfig

	mu       sync.RWMutex
	state    ApplierState
	serverID uint64

	lastAppliedTick   uint64
	lastProcessedTick uint64
	lastAvailableTick uint64
	progressMsg       string
	lastError         error

	// cidMap/localName translate a source collection id into the follower's
	// own collection (cids are allocated independently on each side; only
	// the collection name is guaranteed to match).
	cidMap    map[uint64]uint64
	localName map[uint64]string

	// openTx holds one *collection.Tx per in-flight source transaction,
	// opened on transaction-start and committed on transaction-commit —
	// the synthetic-transaction replay spec.md §4.6 calls for.
	openTx map[uint64]*collection.Tx

	// cfgWatcher, when attached, overrides cfg's chunk-size/adaptive-polling
	// knobs on every loop iteration without requiring a restart.
	cfgWatcher *config.ApplierConfigWatcher

	stop chan struct{}
	wg   sync.WaitGroup
}

// AttachConfigWatcher makes a running or not-yet-started Applier pick up
// REPLICATION-APPLIER-CONFIG changes live, via w.Current(), instead of the
// fixed snapshot passed to NewApplier.
func (a *Applier) AttachConfigWatcher(w *config.ApplierConfigWatcher) {
	a.mu.Lock()
	a.cfgWatcher = w
	a.mu.Unlock()
}

// currentConfig returns the watcher's latest config if one is attached,
// else the snapshot NewApplier was built with.
func (a *Applier) currentConfig() config.ApplierConfig {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.cfgWatcher != nil {
		return a.cfgWatcher.Current()
	}
	return a.cfg
}

// NewApplier constructs an Applier against follower, using cfg to build an
// HTTP event source unless source is non-nil (tests and same-process
// replication pass an InProcessSource directly).
func NewApplier(sc *server.ServerContext, dbRoot string, follower *collection.Database, cfg config.ApplierConfig, source EventSource) *Applier {
	if source == nil {
		source = NewHTTPEventSource(cfg)
	}
	st, _ := config.LoadApplierState(dbRoot)
	return &Applier{
		sc:              sc,
		dbRoot:          dbRoot,
		follower:        follower,
		source:          source,
		cfg:             cfg,
		serverID:        st.ServerID,
		lastAppliedTick: st.LastAppliedContinuousTick,
		cidMap:          make(map[uint64]uint64),
		localName:       make(map[uint64]string),
		openTx:          make(map[uint64]*collection.Tx),
	}
}

func (a *Applier) State() ApplierState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

func (a *Applier) setState(s ApplierState) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// Progress snapshots the replication-state record spec.md §3 names.
func (a *Applier) Progress() Progress {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return Progress{
		ServerID:          a.serverID,
		State:             a.state,
		LastAppliedTick:   a.lastAppliedTick,
		LastProcessedTick: a.lastProcessedTick,
		LastAvailableTick: a.lastAvailableTick,
		ProgressMsg:       a.progressMsg,
		LastError:         a.lastError,
	}
}

// Start launches the applier's poll loop. A no-op if it is already running.
func (a *Applier) Start() {
	a.mu.Lock()
	if a.state == StateRunning || a.state == StateStarting {
		a.mu.Unlock()
		return
	}
	a.state = StateStarting
	a.stop = make(chan struct{})
	a.mu.Unlock()

	a.wg.Add(1)
	go a.run()
}

// Stop signals the poll loop's cooperative termination flag and joins the
// goroutine without holding the status lock (spec.md §5's cancellation
// model), then decays an ERRORED state to STOPPED.
func (a *Applier) Stop() {
	a.mu.RLock()
	stopCh := a.stop
	state := a.state
	a.mu.RUnlock()
	if state == StateErrored {
		a.wg.Wait()
		a.setState(StateStopped)
		return
	}
	running := state == StateRunning || state == StateStarting
	if !running || stopCh == nil {
		return
	}
	a.setState(StateStopping)
	close(stopCh)
	a.wg.Wait()
	a.setState(StateStopped)
}

func (a *Applier) run() {
	defer a.wg.Done()
	a.setState(StateRunning)

	sleep := minPollInterval
	for {
		select {
		case <-a.stop:
			return
		default:
		}

		events, lastAvail, err := a.fetchWithRetry()
		if err != nil {
			a.mu.Lock()
			a.lastError = err
			a.mu.Unlock()
			a.setState(StateErrored)
			a.sc.Log.Error().Err(err).Msg("replication applier stopped on fatal error")
			return
		}

		a.mu.Lock()
		a.lastAvailableTick = lastAvail
		a.mu.Unlock()

		if len(events) == 0 {
			select {
			case <-time.After(sleep):
			case <-a.stop:
				return
			}
			if a.currentConfig().AdaptivePolling {
				sleep *= 2
				if sleep > maxPollInterval {
					sleep = maxPollInterval
				}
			}
			continue
		}
		sleep = minPollInterval

		for _, ev := range events {
			if err := a.applyEvent(ev); err != nil {
				a.mu.Lock()
				a.lastError = err
				a.mu.Unlock()
				a.setState(StateErrored)
				a.sc.Log.Error().Err(err).Uint64("tick", ev.Tick).Str("type", ev.Type).Msg("replication applier failed to apply event")
				return
			}
			a.mu.Lock()
			a.lastProcessedTick = ev.Tick
			a.mu.Unlock()
		}

		last := events[len(events)-1].Tick
		a.mu.Lock()
		a.lastAppliedTick = last
		a.mu.Unlock()
		if err := config.SaveApplierState(a.dbRoot, config.ApplierState{ServerID: a.serverID, LastAppliedContinuousTick: last}); err != nil {
			a.sc.Log.Warn().Err(err).Msg("failed to persist applier state")
		}
	}
}

// fetchWithRetry retries a transient FetchEvents failure with exponential
// backoff up to cfg.MaxConnectRetries; a fatal-classed error short-circuits
// the retry loop via backoff.Permanent so run() sees it immediately.
func (a *Applier) fetchWithRetry() ([]Event, uint64, error) {
	cfg := a.currentConfig()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = time.Duration(cfg.RequestTimeout) * time.Second
	bounded := backoff.WithMaxRetries(b, uint64(maxInt(cfg.MaxConnectRetries, 0)))

	var (
		events     []Event
		lastAvail  uint64
	)
	op := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ConnectTimeout*float64(time.Second)))
		defer cancel()
		ev, la, err := a.source.FetchEvents(ctx, a.lastAppliedTickSnapshot(), chunkCount(cfg))
		if err != nil {
			if errs.KindOf(err).Class() == errs.ClassFatalNetwork {
				return backoff.Permanent(err)
			}
			return err
		}
		events, lastAvail = ev, la
		return nil
	}
	if err := backoff.Retry(op, bounded); err != nil {
		if perm, ok := err.(*backoff.PermanentError); ok {
			return nil, 0, perm.Err
		}
		return nil, 0, errs.Wrap(errs.KindCouldNotConnect, err, "fetching replication events")
	}
	return events, lastAvail, nil
}

func (a *Applier) lastAppliedTickSnapshot() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastAppliedTick
}

func chunkCount(cfg config.ApplierConfig) int {
	if cfg.ChunkSize <= 0 {
		return 1000
	}
	// ChunkSize is a byte budget (§6.3); events average well under 1KiB, so
	// this translates it into an approximate event count per poll.
	n := int64(cfg.ChunkSize) / 512
	if n < 1 {
		n = 1
	}
	return int(n)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// applyEvent replays one event against the follower database.
func (a *Applier) applyEvent(ev Event) error {
	switch ev.Type {
	case EventTransactionStart:
		return a.applyTransactionStart(ev)
	case EventTransactionCommit:
		return a.applyTransactionCommit(ev)
	case EventCollectionCreate:
		return a.applyCollectionCreate(ev)
	case EventCollectionDrop:
		return a.applyCollectionDrop(ev)
	case EventCollectionRename:
		return a.applyCollectionRename(ev)
	case EventCollectionChange:
		return nil
	case EventIndexCreate:
		return a.applyIndexCreate(ev)
	case EventIndexDrop:
		return a.applyIndexDrop(ev)
	case EventDocumentInsert, EventDocumentUpdate, EventDocumentRemove:
		return a.applyDocumentEvent(ev)
	case EventReplicationStop:
		return nil
	default:
		return nil
	}
}

func (a *Applier) applyTransactionStart(ev Event) error {
	tx := a.follower.Begin(0)
	for _, op := range ev.Ops {
		localCID, ok := a.cidMap[op.CID]
		if !ok {
			continue
		}
		if _, err := tx.AddCollection(localCID, collection.AccessWrite); err != nil {
			return err
		}
	}
	a.openTx[ev.TID] = tx
	return nil
}

func (a *Applier) applyTransactionCommit(ev Event) error {
	tx, ok := a.openTx[ev.TID]
	if !ok {
		return nil
	}
	delete(a.openTx, ev.TID)
	return tx.Commit()
}

func (a *Applier) applyCollectionCreate(ev Event) error {
	col, err := a.follower.CreateCollection(ev.Name, config.CollectionTypeDocument, false, 0)
	if err != nil {
		return err
	}
	a.cidMap[ev.CID] = col.CID()
	a.localName[ev.CID] = ev.Name
	return nil
}

func (a *Applier) applyCollectionDrop(ev Event) error {
	name, ok := a.localName[ev.CID]
	if !ok {
		return nil
	}
	if err := a.follower.DropCollection(name); err != nil {
		return err
	}
	delete(a.cidMap, ev.CID)
	delete(a.localName, ev.CID)
	return nil
}

func (a *Applier) applyCollectionRename(ev Event) error {
	oldName, ok := a.localName[ev.CID]
	if !ok {
		return nil
	}
	if err := a.follower.RenameCollection(oldName, ev.NewName); err != nil {
		return err
	}
	a.localName[ev.CID] = ev.NewName
	return nil
}

func (a *Applier) applyIndexCreate(ev Event) error {
	localCID, ok := a.cidMap[ev.CID]
	if !ok {
		return nil
	}
	col, ok := a.follower.CollectionByCID(localCID)
	if !ok {
		return errs.New(errs.KindCollectionNotFound, "applier: unknown local collection")
	}
	var desc index.Descriptor
	if err := json.Unmarshal(ev.IndexDescriptor, &desc); err != nil {
		return errs.Wrap(errs.KindDatafileCorrupted, err, "decoding replicated index descriptor")
	}
	_, err := col.CreateIndex(desc)
	return err
}

func (a *Applier) applyIndexDrop(ev Event) error {
	localCID, ok := a.cidMap[ev.CID]
	if !ok {
		return nil
	}
	col, ok := a.follower.CollectionByCID(localCID)
	if !ok {
		return errs.New(errs.KindCollectionNotFound, "applier: unknown local collection")
	}
	var desc index.Descriptor
	if err := json.Unmarshal(ev.IndexDescriptor, &desc); err != nil {
		return errs.Wrap(errs.KindDatafileCorrupted, err, "decoding replicated index descriptor")
	}
	return col.DropIndex(desc.ID)
}

func (a *Applier) applyDocumentEvent(ev Event) error {
	localCID, ok := a.cidMap[ev.CID]
	if !ok {
		return errs.New(errs.KindCollectionNotFound, "applier: document event for unknown collection")
	}
	col, ok := a.follower.CollectionByCID(localCID)
	if !ok {
		return errs.New(errs.KindCollectionNotFound, "applier: unknown local collection")
	}

	apply := func() error {
		switch ev.Type {
		case EventDocumentInsert:
			_, err := col.Insert(ev.Key, ev.Doc, false, nil)
			// A replayed insert that already landed (reapplying the same
			// batch after a crash before the state file was persisted) is
			// benign — spec.md §4.4 notes unique-constraint/duplicate
			// replays "fail identically", which here just means "already
			// applied".
			if errs.Is(err, errs.KindDuplicateIdentifier) {
				return nil
			}
			return err
		case EventDocumentUpdate:
			_, err := col.Update(ev.Key, ev.Doc, nil, collection.PolicyLastWrite, false)
			return err
		case EventDocumentRemove:
			err := col.Remove(ev.Key, nil, collection.PolicyLastWrite, false)
			if errs.Is(err, errs.KindDocumentNotFound) {
				return nil
			}
			return err
		}
		return nil
	}

	if tx, ok := a.openTx[ev.TID]; ok && ev.TID != 0 {
		var err error
		txctx.Run(tx, func() { err = apply() })
		return err
	}
	return apply()
}
