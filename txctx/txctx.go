// Package txctx looks up the transaction active on the current call stack
// without threading a context.Context argument through every storage call,
// the same trick the teacher uses for its own session/call-stack state.
//
// The teacher carries goroutine-local values across worker-pool boundaries
// with github.com/jtolds/gls's gls.Go wrapper (storage/partition.go,
// storage/compute.go fan work out across a thread pool and still need each
// worker to see the caller's context). NectarDB generalizes the same
// mechanism from "current scan context" to "current transaction": a
// collection method that doesn't receive a *collection.Tx explicitly (an
// index callback invoked deep inside an update, for instance) can still
// recover it via Current().
package txctx

import "github.com/jtolds/gls"

// mgr is the single process-wide context manager; gls multiplexes many
// logical keys over one manager instance, exactly as the teacher's gls.Go
// call sites share one goroutine-local namespace across every call path.
var mgr = gls.NewContextManager()

const txKey = "nectardb-tx"

// Tx is the minimal shape txctx needs from a transaction: collection.Tx
// satisfies it without this package importing collection (which would
// create an import cycle, since collection needs to read back the current
// transaction too).
type Tx interface {
	TxID() uint64
}

// Run executes fn with tx installed as the current transaction for the
// duration of the call (and of anything fn calls synchronously, or spawns
// via Go). Nesting is supported: the innermost Run wins, and the previous
// value reappears once fn returns, matching the transaction's own
// nesting-level semantics (spec.md §4.4 "nesting-level allows a transaction
// object to be shared across a call stack").
func Run(tx Tx, fn func()) {
	mgr.SetValues(gls.Values{txKey: tx}, fn)
}

// Go spawns fn in a new goroutine that still observes the calling
// goroutine's current transaction via Current — the same pattern
// storage/partition.go relies on for its worker pool.
func Go(fn func()) {
	gls.Go(fn)
}

// Current returns the transaction active on this goroutine's call stack, or
// nil if none is set (a read-only lookup outside any transaction, for
// instance).
func Current() Tx {
	v, ok := mgr.GetValue(txKey)
	if !ok {
		return nil
	}
	tx, _ := v.(Tx)
	return tx
}
