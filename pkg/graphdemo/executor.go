package graphdemo

import (
	"context"
	"sync"

	"github.com/fenwickgraph/boltd/pkg/bolt"
)

// cursor holds one session's pending RUN result, awaiting PULL/DISCARD.
// Bolt's RUN/PULL split means a query can run to completion long before
// the client asks for (or discards) its records, so the result set has to
// sit somewhere between the two requests — this is that somewhere.
type cursor struct {
	records []map[string]any
	inTx    bool
}

// Executor is the pkg/bolt.QueryExecutor this package provides: RUN parses
// and runs a query.go command against a shared *Store, PULL/DISCARD drain
// the calling session's pending result, and BEGIN/COMMIT/ROLLBACK track a
// transaction marker per session (the demo command language has no
// multi-statement transaction semantics of its own — badger's per-call
// Update already commits atomically — so these exist to satisfy the wire
// protocol, not to implement isolation).
//
// Because pkg/bolt.Server hands every connection the same Executor
// instance, per-connection state is keyed by the session ID carried on
// ctx via bolt.SessionIDFromContext rather than by a field on Executor.
type Executor struct {
	store *Store

	mu      sync.Mutex
	cursors map[string]*cursor
}

var _ bolt.QueryExecutor = (*Executor)(nil)

// New builds an Executor backed by store.
func New(store *Store) *Executor {
	return &Executor{store: store, cursors: make(map[string]*cursor)}
}

func (e *Executor) cursorFor(ctx context.Context) *cursor {
	id, ok := bolt.SessionIDFromContext(ctx)
	if !ok {
		// No session in context (e.g. a direct unit test call) — use a
		// fixed key so the caller still gets single-session behavior.
		id = "_no_session"
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.cursors[id]
	if !ok {
		c = &cursor{}
		e.cursors[id] = c
	}
	return c
}

// Run executes query against the store, buffering its full result in the
// calling session's cursor for a subsequent PULL/DISCARD.
func (e *Executor) Run(ctx context.Context, query string, params map[string]any) (bolt.Outcome, error) {
	records, err := run(e.store, query, params)
	if err != nil {
		return bolt.Failure("Bolt.ClientError.Statement.SyntaxError", err.Error()), nil
	}
	c := e.cursorFor(ctx)
	c.records = records
	fieldNames := []string{}
	if len(records) > 0 {
		for k := range records[0] {
			fieldNames = append(fieldNames, k)
		}
	}
	return bolt.Success(map[string]any{"fields": fieldNames}), nil
}

// Pull streams up to n records (n < 0 means all remaining) from the
// calling session's cursor.
func (e *Executor) Pull(ctx context.Context, n int64) (bolt.Outcome, error) {
	c := e.cursorFor(ctx)
	take := len(c.records)
	if n >= 0 && int(n) < take {
		take = int(n)
	}
	batch := c.records[:take]
	c.records = c.records[take:]

	outcome := bolt.Success(map[string]any{})
	outcome.Records = batch
	if len(c.records) > 0 {
		outcome.Fields["has_more"] = true
	}
	return outcome, nil
}

// Discard drops up to n pending records (n < 0 means all) without
// streaming them.
func (e *Executor) Discard(ctx context.Context, n int64) (bolt.Outcome, error) {
	c := e.cursorFor(ctx)
	if n < 0 || int(n) >= len(c.records) {
		c.records = nil
	} else {
		c.records = c.records[n:]
	}
	return bolt.Success(nil), nil
}

// Begin marks the calling session as inside an explicit transaction.
func (e *Executor) Begin(ctx context.Context) (bolt.Outcome, error) {
	e.cursorFor(ctx).inTx = true
	return bolt.Success(nil), nil
}

// Commit clears the calling session's transaction marker. Every CREATE/
// MATCH in this package already committed to badger the instant it ran, so
// there is nothing left to flush.
func (e *Executor) Commit(ctx context.Context) (bolt.Outcome, error) {
	e.cursorFor(ctx).inTx = false
	return bolt.Success(nil), nil
}

// Rollback clears the calling session's transaction marker. It cannot undo
// writes already made during the transaction, for the same reason Commit
// has nothing to flush — see Commit.
func (e *Executor) Rollback(ctx context.Context) (bolt.Outcome, error) {
	e.cursorFor(ctx).inTx = false
	return bolt.Success(nil), nil
}
